// Package timer provides the one-shot driver behind the NightWatch queue:
// the Go stand-in for the OS interval timer whose expiry used to arrive as a
// signal. A dedicated goroutine sleeps on a single lazily-allocated
// time.Timer and invokes the installed notification when it fires; that
// goroutine is the queue's one asynchronous actor.
package timer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrStarted is returned by Start when the driver is already running.
	ErrStarted = errors.New("timer: driver already started")

	errNilNotify = errors.New("timer: nil notify function")
)

// OneShot is a single one-shot timer. Arm replaces any previous arm; a
// non-positive duration disarms. The zero value is ready to use.
//
// Arm and Disarm never block: requests go through a one-slot mailbox where a
// newer request simply displaces an older one the loop has not consumed yet.
// The queue's pend/resume protocol guarantees at most one goroutine calls
// them at a time.
type OneShot struct {
	started  atomic.Bool
	stopOnce sync.Once

	arm  chan time.Duration
	done chan struct{}
	wg   sync.WaitGroup
}

// NewOneShot returns a stopped, disarmed driver. Call Start to launch the
// delivery goroutine.
func NewOneShot() *OneShot {
	return &OneShot{
		arm:  make(chan time.Duration, 1),
		done: make(chan struct{}),
	}
}

// Start launches the delivery goroutine. notify is invoked on that goroutine
// every time an armed deadline expires. Start may be called once.
func (d *OneShot) Start(notify func()) error {
	if notify == nil {
		return errNilNotify
	}
	if !d.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	d.wg.Add(1)
	go d.run(notify)
	return nil
}

// Arm schedules a single delivery after dur, replacing any previous arm.
// dur <= 0 disarms instead.
func (d *OneShot) Arm(dur time.Duration) {
	// Displace a stale request rather than queueing behind it.
	select {
	case <-d.arm:
	default:
	}
	select {
	case d.arm <- dur:
	default:
	}
}

// Disarm cancels any pending delivery. Arming with a zero duration and
// disarming are the same operation.
func (d *OneShot) Disarm() {
	d.Arm(0)
}

// Stop shuts down the delivery goroutine and waits for it to exit. No
// notification is delivered after Stop returns. Stop is idempotent.
func (d *OneShot) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *OneShot) run(notify func()) {
	defer d.wg.Done()

	var t *time.Timer
	var fire <-chan time.Time // nil while disarmed

	stopTimer := func() {
		if t != nil {
			if !t.Stop() {
				// Drain a fire that slipped in before Stop.
				select {
				case <-t.C:
				default:
				}
			}
		}
		fire = nil
	}

	for {
		select {
		case <-d.done:
			stopTimer()
			return

		case dur := <-d.arm:
			stopTimer()
			if dur <= 0 {
				continue
			}
			if t == nil {
				t = time.NewTimer(dur)
			} else {
				t.Reset(dur)
			}
			fire = t.C

		case <-fire:
			fire = nil
			notify()
		}
	}
}
