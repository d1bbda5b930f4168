package timeq

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultResolution bounds dispatch jitter: an event is considered due once
// its trigger time is within one resolution step of the sampled clock.
const DefaultResolution = time.Millisecond

var (
	// ErrDuplicateKey is returned by Add when the key is already pending.
	ErrDuplicateKey = errors.New("timeq: key already scheduled")

	// ErrTooManyEvents is returned by Add when the pending-event cap is hit.
	ErrTooManyEvents = errors.New("timeq: too many pending events")

	// ErrClosed is returned by Add after Close.
	ErrClosed = errors.New("timeq: queue is closed")
)

// Queue is one timer-event queue bound to one Driver. Create it with New and
// tear it down with Close. See the package documentation for the concurrency
// contract.
type Queue struct {
	// mu serializes the synchronous mutators among themselves. The driver's
	// expiry notification never takes it; it coordinates through state alone.
	mu    sync.Mutex
	state atomic.Uint32

	driver     Driver
	resolution time.Duration
	now        func() time.Time
	maxPending int

	// The fields below are the shared mutable unit; they are only touched
	// while holding the critical section (statePending, won via pend or
	// lockSection).
	events *list.List // *event, sorted ascending by triggerTime
	free   *list.List // *event, recycled records
	index  eventIndex
	closed bool

	// nrEvent is informational (diagnostics); Len reads it without entering
	// the section.
	nrEvent atomic.Int64
}

// firing is one due event lifted out of the queue, carried to the dispatch
// point outside the critical section.
type firing struct {
	handler Handler
	key     Key
	firedAt time.Time
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithResolution overrides DefaultResolution. d must be positive.
func WithResolution(d time.Duration) Option {
	return func(q *Queue) { q.resolution = d }
}

// WithMaxPending caps the number of concurrently pending events; Add returns
// ErrTooManyEvents beyond it. Zero means unlimited.
func WithMaxPending(n int) Option {
	return func(q *Queue) { q.maxPending = n }
}

// WithClock replaces the wall clock. Tests pair this with a manual driver to
// make dispatch fully deterministic.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New allocates the queue state and installs the driver's expiry
// notification. If the driver fails to start no partial state is usable and
// the error is returned as-is wrapped.
func New(driver Driver, opts ...Option) (*Queue, error) {
	if driver == nil {
		return nil, errors.New("timeq: nil driver")
	}
	q := &Queue{
		driver:     driver,
		resolution: DefaultResolution,
		now:        time.Now,
		events:     list.New(),
		free:       list.New(),
		index:      make(eventIndex),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.resolution <= 0 {
		return nil, fmt.Errorf("timeq: resolution must be positive, got %v", q.resolution)
	}
	if err := driver.Start(q.onTimerFired); err != nil {
		return nil, fmt.Errorf("timeq: start driver: %w", err)
	}
	return q, nil
}

// Add schedules handler to fire once, now+delay from the current clock
// sample, indexed by key. A zero or negative delay fires during this call.
// A nil handler schedules a pure wake.
func (q *Queue) Add(delay time.Duration, handler Handler, key Key) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.lockSection()

	now := q.now()

	if _, ok := q.index.find(key); ok {
		q.leave(q.resume(now))
		return ErrDuplicateKey
	}
	if q.maxPending > 0 && int(q.nrEvent.Load()) >= q.maxPending {
		q.leave(q.resume(now))
		return ErrTooManyEvents
	}

	ev := q.acquire()
	ev.handler = handler
	ev.key = key
	ev.startTime = now
	ev.triggerTime = now.Add(delay)

	// Insert before the first entry with a strictly later trigger, so equal
	// triggers land after all existing equals: registration order wins ties.
	var at *list.Element
	for e := q.events.Front(); e != nil; e = e.Next() {
		if e.Value.(*event).triggerTime.After(ev.triggerTime) {
			at = e
			break
		}
	}
	if at != nil {
		ev.elem = q.events.InsertBefore(ev, at)
	} else {
		ev.elem = q.events.PushBack(ev)
	}
	q.index.insert(key, ev)
	q.nrEvent.Add(1)

	// The resume's drain catches the fresh entry itself when delay was zero
	// or negative, so it fires before Add returns.
	q.leave(q.resume(now))
	return nil
}

// Remove cancels the event for key. Removing an absent key is a no-op. An
// event already claimed as due — collected by an expiry drain but with its
// handler still to run — cannot be cancelled and will fire.
func (q *Queue) Remove(key Key) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.lockSection()

	if ev, ok := q.index.find(key); ok {
		q.index.remove(key)
		q.release(ev)
		q.nrEvent.Add(-1)
	}

	if q.events.Front() == nil {
		q.state.Store(stateEmpty)
		q.leave(nil)
		return
	}
	q.leave(q.resume(time.Time{}))
}

// leave exits a synchronous critical section: drop the mutex first, then run
// the collected handlers. Dispatch happens outside both locks so a handler
// may freely call back into Add or Remove.
func (q *Queue) leave(fired []firing) {
	q.mu.Unlock()
	q.dispatch(fired)
}

// dispatch runs due handlers in queue order. Never called while holding q.mu
// or the critical section.
func (q *Queue) dispatch(fired []firing) {
	for _, f := range fired {
		if f.handler != nil {
			f.handler(f.key, f.firedAt)
		}
	}
}

// drainDue lifts every event whose trigger time is within one resolution step
// of now out of the queue, in order, returning them for dispatch. Must only
// run inside the critical section; the records are recycled here, so the
// returned firings carry only the handler and its arguments.
func (q *Queue) drainDue(now time.Time) []firing {
	firedAt := now.Add(q.resolution)
	var due []firing
	for {
		front := q.events.Front()
		if front == nil {
			return due
		}
		ev := front.Value.(*event)
		if ev.triggerTime.After(firedAt) {
			return due
		}

		q.index.remove(ev.key)
		due = append(due, firing{handler: ev.handler, key: ev.key, firedAt: firedAt})
		q.release(ev)
		q.nrEvent.Add(-1)
	}
}

// Pend enters the exclusive critical section directly, letting the caller
// bracket unrelated work that must not race the expiry notification. Due
// events stay queued until the matching Resume. The bracket does not nest,
// and no other Queue method may be called between Pend and Resume — the
// mutators would deadlock against the bracket's own exclusion.
func (q *Queue) Pend() {
	q.mu.Lock()
	if q.closed {
		// Keep mu held so the matching Resume still pairs.
		return
	}
	q.lockSection()
}

// Resume leaves the critical section opened by Pend, dispatching anything
// that became due and rearming the driver (or settling to empty).
func (q *Queue) Resume() {
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.leave(q.resume(time.Time{}))
}

// Len returns the number of pending events. It is a diagnostic snapshot and
// does not enter the critical section.
func (q *Queue) Len() int {
	return int(q.nrEvent.Load())
}

// Snapshot returns the pending events in queue order. It brackets the copy
// in a pend/resume pair, so events already due will dispatch on the way out.
func (q *Queue) Snapshot() []EventInfo {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.lockSection()
	out := make([]EventInfo, 0, q.events.Len())
	for e := q.events.Front(); e != nil; e = e.Next() {
		ev := e.Value.(*event)
		out = append(out, EventInfo{Key: ev.key, StartTime: ev.startTime, TriggerTime: ev.triggerTime})
	}
	q.leave(q.resume(time.Time{}))
	return out
}

// Close wins the critical section, stops the driver, and physically releases
// every record in both the queue and the pool. The controller stays pended
// forever so the expiry path can never re-enter and later Add/Remove calls
// fail fast with ErrClosed / no-op. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.lockSection()
	q.closed = true
	q.mu.Unlock()

	// Stop only after dropping mu: the driver goroutine may be mid-dispatch
	// in a handler that re-enters Add, and that Add needs mu to observe
	// closed and bail before Stop can join the goroutine.
	q.driver.Stop()

	// The section is never released, so nothing else can reach these again.
	q.events.Init()
	q.drainPool()
	q.index = nil
	q.nrEvent.Store(0)
}
