package timeq

import (
	"runtime"
	"time"
)

// Controller states. The word lives in Queue.state and is only ever changed
// by atomic exchange, which is what makes the protocol safe against the
// driver goroutine without blocking it.
const (
	// stateEmpty: no pending events, driver disarmed.
	stateEmpty uint32 = iota
	// statePending: a critical section (a synchronous mutator or the expiry
	// notification) is executing; driver disarmed so a second asynchronous
	// entry cannot occur.
	statePending
	// stateActive: events pending, driver armed for the earliest deadline.
	stateActive
)

// pend tries to claim the critical section, returning the state it displaced.
// statePending means the claim lost: another actor owns the section and the
// caller must not touch the shared structures. The winning pender disarms the
// driver.
func (q *Queue) pend() uint32 {
	prev := q.state.Swap(statePending)
	if prev == statePending {
		return prev
	}
	q.driver.Disarm()
	return prev
}

// lockSection claims the critical section for a synchronous caller, spinning
// until the exchange wins. The only actor it can lose to is the driver
// goroutine mid-drain (synchronous callers already hold q.mu), so the wait is
// bounded by one drain. Only the synchronous side may wait like this; the
// expiry notification uses pend's try semantics and yields instead.
func (q *Queue) lockSection() {
	for q.pend() == statePending {
		runtime.Gosched()
	}
}

// resume leaves the critical section: collect whatever became due, then rearm
// the driver for the next deadline. A zero now means "sample the clock here".
// If the queue drained empty the controller settles to stateEmpty and the
// driver stays disarmed. The returned firings must be dispatched by the
// caller once it is outside the section.
func (q *Queue) resume(now time.Time) []firing {
	if q.state.Swap(stateActive) == stateActive {
		// Someone else already resumed; arming again would double-fire.
		return nil
	}

	if now.IsZero() {
		now = q.now()
	}
	due := q.drainDue(now)

	front := q.events.Front()
	if front == nil {
		q.state.Store(stateEmpty)
		return due
	}
	q.driver.Arm(front.Value.(*event).triggerTime.Sub(now))
	return due
}

// onTimerFired is the asynchronous expiry notification, invoked on the driver
// goroutine. If it loses the exchange to an in-flight mutator it yields
// without retrying: that mutator's own drain/resume covers the due events. It
// must never block, so it takes no lock.
func (q *Queue) onTimerFired() {
	if q.pend() == statePending {
		return
	}

	now := q.now()
	fired := q.drainDue(now)

	if q.events.Front() == nil {
		q.state.Store(stateEmpty)
	} else {
		// drainDue already compared triggers against now+resolution; back the
		// resume point off by the same amount so the next arm is not pushed
		// one resolution step late.
		fired = append(fired, q.resume(now.Add(-q.resolution))...)
	}
	q.dispatch(fired)
}
