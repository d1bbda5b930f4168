package timeq

// eventIndex maps a caller key to its live queued event. It contains exactly
// the set of keys currently present in the sorted event list; every public
// operation leaves the two in sync.
type eventIndex map[Key]*event

func (ix eventIndex) insert(k Key, ev *event) { ix[k] = ev }

func (ix eventIndex) find(k Key) (*event, bool) {
	ev, ok := ix[k]
	return ev, ok
}

func (ix eventIndex) remove(k Key) { delete(ix, k) }
