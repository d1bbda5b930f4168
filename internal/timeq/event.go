// Package timeq implements the NightWatch timer-event queue: a time-ordered
// queue of one-shot callbacks driven by a single one-shot timer.
//
// Architecture:
//   - "events" is a linked list kept sorted ascending by trigger time; equal
//     triggers keep registration order (FIFO).
//   - "free" is a pool of recycled event records, so the steady-state
//     Add/Remove cycle allocates nothing.
//   - "index" maps the caller's key to its queued event for O(1) cancellation.
//   - A tri-state controller word (EMPTY / PENDING / ACTIVE) held in a single
//     atomic coordinates ownership of the shared structures with the driver's
//     asynchronous expiry notification. The notification never blocks: if it
//     loses the atomic exchange it yields, and the winner drains due events
//     and rearms the driver.
//
// All methods are safe for concurrent use. Synchronous mutators (Add, Remove,
// Pend, Resume, Snapshot, Close) serialize on an internal mutex and then spin
// until they win the controller word from the driver goroutine; only the
// asynchronous side is allowed to give up instead of waiting. Exactly one
// actor therefore mutates the queue, index, and pool at any instant. Handlers
// run after their critical section ends — on the mutating caller's goroutine,
// or on the driver goroutine — so they must be short and never block, but they
// may freely call Add or Remove on their own queue.
package timeq

import (
	"container/list"
	"time"
)

// Key identifies a pending event. It is opaque to the queue and doubles as
// the cancellation handle, so it must be unique among currently-pending
// events; Add rejects duplicates.
type Key uint64

// Handler is invoked when an event's trigger time passes. firedAt is the
// dispatch timestamp the event was measured against (it includes the
// resolution tolerance). A nil Handler is a pure wake: the event still
// occupies a queue slot and arms the driver, but firing it is a no-op.
type Handler func(key Key, firedAt time.Time)

// Driver is the one-shot interval timer that drives asynchronous dispatch.
// Exactly one driver backs one queue.
//
// Arm replaces any previous arm; a non-positive duration disarms. The driver
// delivers expiry by calling the notify function installed via Start, from
// its own goroutine, at most once per arm. Arm and Disarm are only ever
// called from inside the queue's critical section, so implementations need
// not serialize them against each other — only against their own delivery
// goroutine.
type Driver interface {
	Start(notify func()) error
	Arm(d time.Duration)
	Disarm()
	Stop()
}

// event is one scheduled callback. A record lives in exactly one container
// at a time: the sorted event list while pending, or the free pool after it
// fires, is removed, or is recycled.
type event struct {
	handler     Handler
	key         Key
	startTime   time.Time // when the event was registered
	triggerTime time.Time // startTime + requested delay
	elem        *list.Element // position in whichever list currently owns it
}

// EventInfo is a read-only snapshot of one pending event, for diagnostics.
type EventInfo struct {
	Key         Key
	StartTime   time.Time
	TriggerTime time.Time
}
