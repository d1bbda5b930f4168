package timeq_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/5l1v3r1/NightWatch/internal/timeq"
	"github.com/5l1v3r1/NightWatch/internal/timer"
)

// ─── test doubles ─────────────────────────────────────────────────────────────

// fakeDriver is a manually-fired driver: tests call fire() to simulate the
// asynchronous expiry notification arriving at an arbitrary point.
type fakeDriver struct {
	mu      sync.Mutex
	notify  func()
	arms    []time.Duration // positive arms only
	armed   bool
	stopped bool
}

func (d *fakeDriver) Start(notify func()) error {
	d.notify = notify
	return nil
}

func (d *fakeDriver) Arm(dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dur <= 0 {
		d.armed = false
		return
	}
	d.armed = true
	d.arms = append(d.arms, dur)
}

func (d *fakeDriver) Disarm() { d.Arm(0) }

func (d *fakeDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
}

// fire simulates the one-shot expiring.
func (d *fakeDriver) fire() { d.notify() }

func (d *fakeDriver) isArmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

func (d *fakeDriver) lastArm() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.arms) == 0 {
		return 0
	}
	return d.arms[len(d.arms)-1]
}

// fakeClock is an advance-only clock shared with the queue via WithClock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder collects handler invocations in order.
type recorder struct {
	mu    sync.Mutex
	fired []timeq.Key
}

func (r *recorder) handler(key timeq.Key, _ time.Time) {
	r.mu.Lock()
	r.fired = append(r.fired, key)
	r.mu.Unlock()
}

func (r *recorder) keys() []timeq.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]timeq.Key, len(r.fired))
	copy(out, r.fired)
	return out
}

// newTestQueue builds a queue over a fake driver and fake clock with a 1 ms
// resolution so dispatch is fully deterministic.
func newTestQueue(t *testing.T) (*timeq.Queue, *fakeDriver, *fakeClock) {
	t.Helper()
	d := &fakeDriver{}
	c := newFakeClock()
	q, err := timeq.New(d, timeq.WithClock(c.now), timeq.WithResolution(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(q.Close)
	return q, d, c
}

func equalKeys(a, b []timeq.Key) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ─── construction ─────────────────────────────────────────────────────────────

func TestNew_NilDriver(t *testing.T) {
	if _, err := timeq.New(nil); err == nil {
		t.Fatal("expected error for nil driver")
	}
}

func TestNew_InvalidResolution(t *testing.T) {
	if _, err := timeq.New(&fakeDriver{}, timeq.WithResolution(0)); err == nil {
		t.Fatal("expected error for zero resolution")
	}
}

func TestNew_DriverStartError(t *testing.T) {
	d := &failingDriver{}
	if _, err := timeq.New(d); err == nil {
		t.Fatal("expected driver start error to propagate")
	}
}

type failingDriver struct{ fakeDriver }

func (d *failingDriver) Start(func()) error { return errors.New("boom") }

// ─── ordering ─────────────────────────────────────────────────────────────────

func TestQueue_FiresInTriggerOrder(t *testing.T) {
	q, d, c := newTestQueue(t)
	rec := &recorder{}

	// A registered first but due last; B and C share a trigger time.
	if err := q.Add(50*time.Millisecond, rec.handler, 1); err != nil {
		t.Fatalf("Add A: %v", err)
	}
	if err := q.Add(10*time.Millisecond, rec.handler, 2); err != nil {
		t.Fatalf("Add B: %v", err)
	}
	if err := q.Add(10*time.Millisecond, rec.handler, 3); err != nil {
		t.Fatalf("Add C: %v", err)
	}

	c.advance(60 * time.Millisecond)
	d.fire()

	if got, want := rec.keys(), []timeq.Key{2, 3, 1}; !equalKeys(got, want) {
		t.Fatalf("firing order = %v, want %v", got, want)
	}
	if q.Len() != 0 {
		t.Fatalf("Len after drain = %d, want 0", q.Len())
	}
}

func TestQueue_EqualTriggersFireInRegistrationOrder(t *testing.T) {
	q, d, c := newTestQueue(t)
	rec := &recorder{}

	for k := timeq.Key(1); k <= 5; k++ {
		if err := q.Add(20*time.Millisecond, rec.handler, k); err != nil {
			t.Fatalf("Add %d: %v", k, err)
		}
	}

	c.advance(25 * time.Millisecond)
	d.fire()

	if got, want := rec.keys(), []timeq.Key{1, 2, 3, 4, 5}; !equalKeys(got, want) {
		t.Fatalf("firing order = %v, want %v", got, want)
	}
}

func TestQueue_SnapshotIsSortedByTrigger(t *testing.T) {
	q, _, _ := newTestQueue(t)

	_ = q.Add(30*time.Millisecond, nil, 30)
	_ = q.Add(10*time.Millisecond, nil, 10)
	_ = q.Add(20*time.Millisecond, nil, 20)

	snap := q.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(snap))
	}
	for i, want := range []timeq.Key{10, 20, 30} {
		if snap[i].Key != want {
			t.Errorf("snapshot[%d].Key = %d, want %d", i, snap[i].Key, want)
		}
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].TriggerTime.Before(snap[i-1].TriggerTime) {
			t.Fatal("snapshot not sorted by trigger time")
		}
	}
}

// ─── immediate dispatch ───────────────────────────────────────────────────────

func TestQueue_ZeroDelayFiresInsideAdd(t *testing.T) {
	q, _, _ := newTestQueue(t)
	rec := &recorder{}

	if err := q.Add(0, rec.handler, 7); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := rec.keys(); !equalKeys(got, []timeq.Key{7}) {
		t.Fatalf("zero-delay event did not fire during Add; fired=%v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d, want 0", q.Len())
	}
}

func TestQueue_NegativeDelayFiresInsideAdd(t *testing.T) {
	q, _, _ := newTestQueue(t)
	rec := &recorder{}

	if err := q.Add(-time.Second, rec.handler, 8); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(rec.keys()) != 1 {
		t.Fatal("negative-delay event did not fire during Add")
	}
}

func TestQueue_NilHandlerIsSilentWake(t *testing.T) {
	q, d, c := newTestQueue(t)

	if err := q.Add(10*time.Millisecond, nil, 9); err != nil {
		t.Fatalf("Add: %v", err)
	}
	c.advance(20 * time.Millisecond)
	d.fire() // must not panic
	if q.Len() != 0 {
		t.Fatalf("Len = %d, want 0", q.Len())
	}
}

// ─── cancellation ─────────────────────────────────────────────────────────────

func TestQueue_RemovePreventsFire(t *testing.T) {
	q, d, c := newTestQueue(t)
	rec := &recorder{}

	_ = q.Add(30*time.Millisecond, rec.handler, 1)
	_ = q.Add(30*time.Millisecond, rec.handler, 2)

	q.Remove(1)
	q.Remove(1)  // repeat: defined no-op
	q.Remove(99) // unknown key: defined no-op

	c.advance(40 * time.Millisecond)
	d.fire()

	if got := rec.keys(); !equalKeys(got, []timeq.Key{2}) {
		t.Fatalf("fired = %v, want [2]", got)
	}
}

func TestQueue_RemoveLastEventSettlesEmpty(t *testing.T) {
	q, d, _ := newTestQueue(t)

	_ = q.Add(time.Hour, nil, 1)
	if !d.isArmed() {
		t.Fatal("driver should be armed while an event is pending")
	}
	q.Remove(1)
	if d.isArmed() {
		t.Fatal("driver should be disarmed once the queue empties")
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d, want 0", q.Len())
	}
}

func TestQueue_RemoveRearmsForNewEarliest(t *testing.T) {
	q, d, _ := newTestQueue(t)

	_ = q.Add(10*time.Millisecond, nil, 1)
	_ = q.Add(500*time.Millisecond, nil, 2)
	q.Remove(1)

	if !d.isArmed() {
		t.Fatal("driver should stay armed for the surviving event")
	}
	if got := d.lastArm(); got != 500*time.Millisecond {
		t.Fatalf("rearm duration = %v, want 500ms", got)
	}
}

// ─── duplicate keys and capacity ──────────────────────────────────────────────

func TestQueue_DuplicateKeyRejected(t *testing.T) {
	q, d, c := newTestQueue(t)
	rec := &recorder{}

	if err := q.Add(20*time.Millisecond, rec.handler, 5); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := q.Add(40*time.Millisecond, rec.handler, 5); !errors.Is(err, timeq.ErrDuplicateKey) {
		t.Fatalf("second Add: want ErrDuplicateKey, got %v", err)
	}

	// The original registration is untouched and fires exactly once.
	c.advance(30 * time.Millisecond)
	d.fire()
	if got := rec.keys(); !equalKeys(got, []timeq.Key{5}) {
		t.Fatalf("fired = %v, want [5]", got)
	}
}

func TestQueue_MaxPendingEnforced(t *testing.T) {
	d := &fakeDriver{}
	q, err := timeq.New(d, timeq.WithClock(newFakeClock().now), timeq.WithMaxPending(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	if err := q.Add(time.Hour, nil, 1); err != nil {
		t.Fatalf("Add 1: %v", err)
	}
	if err := q.Add(time.Hour, nil, 2); err != nil {
		t.Fatalf("Add 2: %v", err)
	}
	if err := q.Add(time.Hour, nil, 3); !errors.Is(err, timeq.ErrTooManyEvents) {
		t.Fatalf("Add 3: want ErrTooManyEvents, got %v", err)
	}

	q.Remove(1)
	if err := q.Add(time.Hour, nil, 3); err != nil {
		t.Fatalf("Add after Remove: %v", err)
	}
}

// ─── resolution tolerance ─────────────────────────────────────────────────────

func TestQueue_NoPrematureFire(t *testing.T) {
	q, d, c := newTestQueue(t)
	rec := &recorder{}

	_ = q.Add(50*time.Millisecond, rec.handler, 1)

	// 48ms + 1ms resolution < 50ms trigger: not yet due.
	c.advance(48 * time.Millisecond)
	d.fire()
	if len(rec.keys()) != 0 {
		t.Fatal("event fired before trigger time minus resolution")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}

	// 49ms + 1ms resolution reaches the trigger: due now.
	c.advance(1 * time.Millisecond)
	d.fire()
	if len(rec.keys()) != 1 {
		t.Fatal("event did not fire within resolution tolerance")
	}
}

// ─── pend/resume protocol ─────────────────────────────────────────────────────

func TestQueue_PendResumeTransparency(t *testing.T) {
	q, _, _ := newTestQueue(t)

	_ = q.Add(time.Hour, nil, 1)
	_ = q.Add(2*time.Hour, nil, 2)
	before := q.Snapshot()

	q.Pend()
	q.Resume()

	after := q.Snapshot()
	if len(before) != len(after) {
		t.Fatalf("pend/resume changed the pending set: %d != %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("pend/resume changed entry %d: %+v != %+v", i, before[i], after[i])
		}
	}
}

func TestQueue_ResumeDispatchesWhatCameDue(t *testing.T) {
	q, _, c := newTestQueue(t)
	rec := &recorder{}

	_ = q.Add(10*time.Millisecond, rec.handler, 1)

	q.Pend()
	c.advance(20 * time.Millisecond)
	q.Resume()

	if got := rec.keys(); !equalKeys(got, []timeq.Key{1}) {
		t.Fatalf("fired = %v, want [1]", got)
	}
}

func TestQueue_AsyncNotificationYieldsWhilePended(t *testing.T) {
	q, d, c := newTestQueue(t)
	rec := &recorder{}

	_ = q.Add(10*time.Millisecond, rec.handler, 1)
	c.advance(20 * time.Millisecond)

	q.Pend()
	// The expiry notification finds the controller pended and must yield
	// without dispatching or retrying.
	d.fire()
	if len(rec.keys()) != 0 {
		t.Fatal("notification dispatched inside a foreign critical section")
	}

	// The pender's own resume covers the due event.
	q.Resume()
	if got := rec.keys(); !equalKeys(got, []timeq.Key{1}) {
		t.Fatalf("fired = %v, want [1]", got)
	}
}

func TestQueue_PendBlocksConcurrentMutators(t *testing.T) {
	q, _, _ := newTestQueue(t)

	q.Pend()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Add(time.Hour, nil, 1)
	}()

	// The bracket owns the critical section; the Add must wait it out.
	select {
	case <-done:
		t.Fatal("Add completed inside a foreign critical section")
	case <-time.After(50 * time.Millisecond):
	}

	q.Resume()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Add never completed after Resume")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
}

// ─── reentrant handlers ───────────────────────────────────────────────────────

func TestQueue_HandlerMayAddReentrantly(t *testing.T) {
	q, d, c := newTestQueue(t)
	rec := &recorder{}

	chained := func(key timeq.Key, _ time.Time) {
		rec.handler(key, time.Time{})
		// Due immediately: dispatched before this Add returns.
		if err := q.Add(0, rec.handler, key+100); err != nil {
			t.Errorf("reentrant Add: %v", err)
		}
	}

	_ = q.Add(10*time.Millisecond, chained, 1)
	c.advance(20 * time.Millisecond)
	d.fire()

	if got, want := rec.keys(), []timeq.Key{1, 101}; !equalKeys(got, want) {
		t.Fatalf("fired = %v, want %v", got, want)
	}
	if d.isArmed() {
		t.Fatal("driver should be disarmed once everything fired")
	}
}

func TestQueue_HandlerMayRemoveReentrantly(t *testing.T) {
	q, d, c := newTestQueue(t)
	rec := &recorder{}

	_ = q.Add(10*time.Millisecond, func(timeq.Key, time.Time) {
		q.Remove(2) // cancels an event that is not yet due
	}, 1)
	_ = q.Add(50*time.Millisecond, rec.handler, 2)
	_ = q.Add(55*time.Millisecond, rec.handler, 3)

	c.advance(20 * time.Millisecond)
	d.fire()
	c.advance(60 * time.Millisecond)
	d.fire()

	if got := rec.keys(); !equalKeys(got, []timeq.Key{3}) {
		t.Fatalf("fired = %v, want [3]", got)
	}
}

func TestQueue_RemoveCannotCancelClaimedEvent(t *testing.T) {
	q, d, c := newTestQueue(t)
	rec := &recorder{}

	// Both events are due in the same expiry; by the time the first handler
	// runs, the second is already claimed, so removing it is a no-op.
	_ = q.Add(10*time.Millisecond, func(timeq.Key, time.Time) {
		q.Remove(2)
	}, 1)
	_ = q.Add(11*time.Millisecond, rec.handler, 2)

	c.advance(20 * time.Millisecond)
	d.fire()

	if got := rec.keys(); !equalKeys(got, []timeq.Key{2}) {
		t.Fatalf("fired = %v, want [2]", got)
	}
}

// ─── driver interaction ───────────────────────────────────────────────────────

func TestQueue_ArmsForEarliestDeadline(t *testing.T) {
	q, d, _ := newTestQueue(t)

	_ = q.Add(100*time.Millisecond, nil, 1)
	if got := d.lastArm(); got != 100*time.Millisecond {
		t.Fatalf("arm = %v, want 100ms", got)
	}

	// An earlier event must shorten the armed deadline.
	_ = q.Add(30*time.Millisecond, nil, 2)
	if got := d.lastArm(); got != 30*time.Millisecond {
		t.Fatalf("rearm = %v, want 30ms", got)
	}
}

func TestQueue_QuiescentWhenEmpty(t *testing.T) {
	q, d, c := newTestQueue(t)

	_ = q.Add(10*time.Millisecond, nil, 1)
	c.advance(20 * time.Millisecond)
	d.fire()

	if d.isArmed() {
		t.Fatal("driver armed with zero pending events")
	}

	// A stray expiry while empty is harmless and arms nothing.
	d.fire()
	if d.isArmed() {
		t.Fatal("stray notification armed the driver")
	}
}

// ─── interleaving ─────────────────────────────────────────────────────────────

func TestQueue_EveryNonRemovedEventEventuallyFires(t *testing.T) {
	q, d, c := newTestQueue(t)
	rec := &recorder{}

	for k := timeq.Key(1); k <= 20; k++ {
		delay := time.Duration(k) * 5 * time.Millisecond
		if err := q.Add(delay, rec.handler, k); err != nil {
			t.Fatalf("Add %d: %v", k, err)
		}
	}
	// Remove every fourth key before it can fire.
	removed := map[timeq.Key]bool{}
	for k := timeq.Key(4); k <= 20; k += 4 {
		q.Remove(k)
		removed[k] = true
	}

	// Advance in uneven slices with a notification after each one.
	for _, step := range []time.Duration{12, 3, 40, 7, 60} {
		c.advance(step * time.Millisecond)
		d.fire()
	}

	fired := map[timeq.Key]int{}
	for _, k := range rec.keys() {
		fired[k]++
	}
	for k := timeq.Key(1); k <= 20; k++ {
		switch {
		case removed[k] && fired[k] != 0:
			t.Errorf("removed key %d fired", k)
		case !removed[k] && fired[k] != 1:
			t.Errorf("key %d fired %d times, want 1", k, fired[k])
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d, want 0", q.Len())
	}
}

// ─── teardown ─────────────────────────────────────────────────────────────────

func TestQueue_CloseReleasesEverything(t *testing.T) {
	d := &fakeDriver{}
	q, err := timeq.New(d, timeq.WithClock(newFakeClock().now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_ = q.Add(time.Hour, nil, 1)
	_ = q.Add(time.Hour, nil, 2)

	q.Close()

	if q.Len() != 0 {
		t.Fatalf("Len after Close = %d, want 0", q.Len())
	}
	if !d.stopped {
		t.Fatal("driver not stopped by Close")
	}
	if err := q.Add(time.Hour, nil, 3); !errors.Is(err, timeq.ErrClosed) {
		t.Fatalf("Add after Close: want ErrClosed, got %v", err)
	}
	q.Remove(1) // must not panic
	q.Close()   // idempotent
}

func TestQueue_CloseWithNoEvents(t *testing.T) {
	d := &fakeDriver{}
	q, err := timeq.New(d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.Close()
	if !d.stopped {
		t.Fatal("driver not stopped")
	}
}

// ─── stress ───────────────────────────────────────────────────────────────────

// TestQueue_ConcurrentMutatorsWithLiveDriver hammers Add and Remove from
// several goroutines against the real one-shot driver, so expiry drains
// overlap the synchronous mutators. Meant to run under -race: it catches any
// mutation escaping the critical section.
func TestQueue_ConcurrentMutatorsWithLiveDriver(t *testing.T) {
	q, err := timeq.New(timer.NewOneShot(), timeq.WithResolution(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(q.Close)

	const (
		workers   = 8
		perWorker = 250
	)
	var fired atomic.Int64
	handler := func(timeq.Key, time.Time) { fired.Add(1) }

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := timeq.Key(w*perWorker + i + 1)
				delay := time.Duration(i%4) * time.Millisecond
				if err := q.Add(delay, handler, key); err != nil {
					t.Errorf("Add(%d): %v", key, err)
					return
				}
				if i%3 == 0 {
					q.Remove(key) // may lose the race with expiry; both outcomes are fine
				}
			}
		}(w)
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for q.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue never drained: %d events left", q.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	total := int64(workers * perWorker)
	removes := int64(workers * ((perWorker + 2) / 3))
	if got := fired.Load(); got > total || got < total-removes {
		t.Fatalf("fired %d events, want between %d and %d", got, total-removes, total)
	}
}
