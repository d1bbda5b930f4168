package timeq

// Free-list pool of event records.
//
// Records are recycled rather than freed so the hot Add/Remove path does not
// allocate. Contents are not sanitized on release; acquire's caller overwrites
// every field. All pool operations run inside a pended critical section.

// acquire returns a free event record, reusing one from the pool when
// available and allocating a fresh zeroed record otherwise.
func (q *Queue) acquire() *event {
	front := q.free.Front()
	if front == nil {
		return &event{}
	}
	q.free.Remove(front)
	ev := front.Value.(*event)
	ev.elem = nil
	return ev
}

// unlink detaches ev from the sorted event list without returning it to the
// pool.
func (q *Queue) unlink(ev *event) {
	if ev.elem != nil {
		q.events.Remove(ev.elem)
		ev.elem = nil
	}
}

// release unlinks ev from the event list (if still linked) and pushes it onto
// the free pool.
func (q *Queue) release(ev *event) {
	q.unlink(ev)
	ev.handler = nil
	ev.elem = q.free.PushFront(ev)
}

// drainPool physically discards every pooled record. Teardown only; the
// records become garbage once their list elements are dropped.
func (q *Queue) drainPool() {
	q.free.Init()
}
