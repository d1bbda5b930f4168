// Package engine is the central orchestrator of the NightWatch daemon.
//
// All application code (HTTP handlers, the websocket fire stream, the CLI)
// talks to the Engine — never directly to the timer queue or the journal.
// The engine owns one timeq.Queue over one one-shot driver, mints the public
// ULID for every scheduled timer, journals pending timers so they survive a
// restart, and fans fired timers out to subscribers.
//
// Data flow:
//
//	Schedule → journal.Put → timeq.Queue.Add
//	fire     → onFired → journal.Delete → subscribers
//	Cancel   → timeq.Queue.Remove → journal.Delete
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/5l1v3r1/NightWatch/internal/config"
	"github.com/5l1v3r1/NightWatch/internal/journal"
	"github.com/5l1v3r1/NightWatch/internal/metrics"
	"github.com/5l1v3r1/NightWatch/internal/node"
	"github.com/5l1v3r1/NightWatch/internal/timeq"
	"github.com/5l1v3r1/NightWatch/internal/timer"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrNotFound is returned by Cancel and Get for an unknown timer ID.
	ErrNotFound = errors.New("engine: timer not found")

	// ErrClosed is returned once the engine has been shut down.
	ErrClosed = errors.New("engine: closed")

	// ErrPayloadTooLarge is returned when the payload exceeds the configured cap.
	ErrPayloadTooLarge = errors.New("engine: payload too large")

	// ErrTooFarAhead is returned when the delay exceeds timer.max_schedule_ahead.
	ErrTooFarAhead = errors.New("engine: delay exceeds max schedule ahead")

	// ErrTooManyTimers is returned when the pending-timer cap is hit.
	ErrTooManyTimers = errors.New("engine: too many pending timers")
)

// ─── Public types ─────────────────────────────────────────────────────────────

// TimerInfo describes one pending timer.
type TimerInfo struct {
	ID          string `json:"id"`
	Payload     []byte `json:"payload,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms"`
	TriggerAtMs int64  `json:"trigger_at_ms"`
}

// Fired is the notification fanned out to subscribers when a timer fires.
type Fired struct {
	ID          string `json:"id"`
	Payload     []byte `json:"payload,omitempty"`
	TriggerAtMs int64  `json:"trigger_at_ms"`
	FiredAtMs   int64  `json:"fired_at_ms"`
	LateMs      int64  `json:"late_ms"`
}

// Stats is a snapshot of engine-wide state.
type Stats struct {
	Pending   int   `json:"pending"`
	Scheduled int64 `json:"scheduled_total"`
	Fired     int64 `json:"fired_total"`
	Cancelled int64 `json:"cancelled_total"`
	Recovered int64 `json:"recovered_total"`
}

// entry is the engine's bookkeeping for one pending timer.
type entry struct {
	id          string
	key         timeq.Key
	payload     []byte
	createdAtMs int64
	triggerAtMs int64
}

// ─── Engine ───────────────────────────────────────────────────────────────────

// Engine wires the timer queue to its durable and observable surroundings.
// All methods are safe for concurrent use.
type Engine struct {
	q          *timeq.Queue
	jnl        *journal.Journal // nil when the journal is disabled
	met        *metrics.Registry
	resolution time.Duration
	maxAhead   time.Duration
	maxPayload int

	mu      sync.Mutex
	nextKey timeq.Key
	byID    map[string]*entry
	byKey   map[timeq.Key]*entry
	subs    map[uint64]chan Fired
	nextSub uint64
	closed  bool
}

// Option configures an Engine at construction time.
type Option func(*options)

type options struct {
	met    *metrics.Registry
	driver timeq.Driver
}

// WithMetrics installs a shared metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(o *options) { o.met = m }
}

// WithDriver replaces the production one-shot driver (tests).
func WithDriver(d timeq.Driver) Option {
	return func(o *options) { o.driver = d }
}

// New builds an Engine from cfg: timer queue, optional journal, metrics.
// Call Recover afterwards to re-register journalled timers, and Close on
// shutdown.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.met == nil {
		o.met = &metrics.Registry{}
	}
	if o.driver == nil {
		o.driver = timer.NewOneShot()
	}

	maxAhead, err := config.ParseSpan(cfg.Timer.MaxScheduleAhead)
	if err != nil {
		return nil, fmt.Errorf("engine: max_schedule_ahead: %w", err)
	}
	resolution := time.Duration(cfg.Timer.ResolutionMs) * time.Millisecond

	q, err := timeq.New(o.driver,
		timeq.WithResolution(resolution),
		timeq.WithMaxPending(cfg.Timer.MaxPending),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: init queue: %w", err)
	}

	e := &Engine{
		q:          q,
		met:        o.met,
		resolution: resolution,
		maxAhead:   maxAhead,
		maxPayload: cfg.Timer.MaxPayloadKB * 1024,
		nextKey:    1,
		byID:       make(map[string]*entry),
		byKey:      make(map[timeq.Key]*entry),
		subs:       make(map[uint64]chan Fired),
	}

	if cfg.Journal.Enabled {
		if err := os.MkdirAll(cfg.Node.DataDir, 0o750); err != nil {
			q.Close()
			return nil, fmt.Errorf("engine: create data dir: %w", err)
		}
		jnl, err := journal.Open(filepath.Join(cfg.Node.DataDir, cfg.Journal.File))
		if err != nil {
			q.Close()
			return nil, fmt.Errorf("engine: open journal: %w", err)
		}
		e.jnl = jnl
	}

	return e, nil
}

// ─── Scheduling ───────────────────────────────────────────────────────────────

// Schedule registers payload to fire once after delay and returns its public
// descriptor. A zero or negative delay fires before Schedule returns.
func (e *Engine) Schedule(delay time.Duration, payload []byte) (TimerInfo, error) {
	if e.maxAhead > 0 && delay > e.maxAhead {
		return TimerInfo{}, ErrTooFarAhead
	}
	if e.maxPayload > 0 && len(payload) > e.maxPayload {
		return TimerInfo{}, ErrPayloadTooLarge
	}

	id, err := node.NewID()
	if err != nil {
		return TimerInfo{}, fmt.Errorf("engine: mint id: %w", err)
	}

	now := time.Now()
	ent := &entry{
		id:          id,
		payload:     payload,
		createdAtMs: now.UnixMilli(),
		triggerAtMs: now.Add(delay).UnixMilli(),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return TimerInfo{}, ErrClosed
	}
	ent.key = e.nextKey
	e.nextKey++
	e.byID[id] = ent
	e.byKey[ent.key] = ent
	e.mu.Unlock()

	// Journal before arming: a crash between the two re-registers the timer
	// on restart, never loses it.
	if e.jnl != nil {
		if err := e.jnl.Put(id, journal.Record{
			TriggerAtMs: ent.triggerAtMs,
			CreatedAtMs: ent.createdAtMs,
			Payload:     payload,
		}); err != nil {
			e.forget(ent)
			return TimerInfo{}, fmt.Errorf("engine: journal: %w", err)
		}
	}

	// May dispatch synchronously when delay <= 0; onFired tolerates that.
	if err := e.q.Add(delay, e.onFired, ent.key); err != nil {
		e.forget(ent)
		if e.jnl != nil {
			_ = e.jnl.Delete(id)
		}
		switch {
		case errors.Is(err, timeq.ErrTooManyEvents):
			return TimerInfo{}, ErrTooManyTimers
		case errors.Is(err, timeq.ErrClosed):
			return TimerInfo{}, ErrClosed
		default:
			return TimerInfo{}, fmt.Errorf("engine: schedule: %w", err)
		}
	}

	e.met.Scheduled.Add(1)
	return TimerInfo{
		ID:          id,
		Payload:     payload,
		CreatedAtMs: ent.createdAtMs,
		TriggerAtMs: ent.triggerAtMs,
	}, nil
}

// forget drops ent from both lookup maps if still present.
func (e *Engine) forget(ent *entry) {
	e.mu.Lock()
	if cur, ok := e.byID[ent.id]; ok && cur == ent {
		delete(e.byID, ent.id)
		delete(e.byKey, ent.key)
	}
	e.mu.Unlock()
}

// Cancel removes the pending timer for id. Cancelling an unknown (or already
// fired) ID returns ErrNotFound.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	ent, ok := e.byID[id]
	if ok {
		delete(e.byID, id)
		delete(e.byKey, ent.key)
	}
	e.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	e.q.Remove(ent.key)
	if e.jnl != nil {
		_ = e.jnl.Delete(id)
	}
	e.met.Cancelled.Add(1)
	return nil
}

// onFired is the queue handler for every engine-scheduled timer. It runs
// either on the driver goroutine or synchronously inside Schedule, so it must
// stay short.
func (e *Engine) onFired(key timeq.Key, firedAt time.Time) {
	e.mu.Lock()
	ent, ok := e.byKey[key]
	if !ok {
		// Lost a race with Cancel; nothing to deliver.
		e.mu.Unlock()
		return
	}
	delete(e.byID, ent.id)
	delete(e.byKey, key)
	e.mu.Unlock()

	if e.jnl != nil {
		_ = e.jnl.Delete(ent.id)
	}

	firedAtMs := firedAt.UnixMilli()
	late := firedAtMs - ent.triggerAtMs
	if late < 0 {
		late = 0
	}
	e.met.Fired.Add(1)
	if time.Duration(late)*time.Millisecond > e.resolution {
		e.met.LateFires.Add(1)
	}

	e.publish(Fired{
		ID:          ent.id,
		Payload:     ent.payload,
		TriggerAtMs: ent.triggerAtMs,
		FiredAtMs:   firedAtMs,
		LateMs:      late,
	})
}

// ─── Introspection ────────────────────────────────────────────────────────────

// Get returns the pending timer for id.
func (e *Engine) Get(id string) (TimerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.byID[id]
	if !ok {
		return TimerInfo{}, ErrNotFound
	}
	return infoOf(ent), nil
}

// List returns every pending timer ordered by trigger time, ties by ID.
func (e *Engine) List() []TimerInfo {
	e.mu.Lock()
	out := make([]TimerInfo, 0, len(e.byID))
	for _, ent := range e.byID {
		out = append(out, infoOf(ent))
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggerAtMs != out[j].TriggerAtMs {
			return out[i].TriggerAtMs < out[j].TriggerAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	pending := len(e.byID)
	e.mu.Unlock()
	return Stats{
		Pending:   pending,
		Scheduled: e.met.Scheduled.Load(),
		Fired:     e.met.Fired.Load(),
		Cancelled: e.met.Cancelled.Load(),
		Recovered: e.met.Recovered.Load(),
	}
}

func infoOf(ent *entry) TimerInfo {
	return TimerInfo{
		ID:          ent.id,
		Payload:     ent.payload,
		CreatedAtMs: ent.createdAtMs,
		TriggerAtMs: ent.triggerAtMs,
	}
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

// subBuffer is the per-subscriber channel depth; a subscriber that falls this
// far behind starts losing frames rather than stalling dispatch.
const subBuffer = 64

// Subscribe registers a fire-notification stream. The channel is closed by
// Unsubscribe or Close.
func (e *Engine) Subscribe() (uint64, <-chan Fired) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan Fired, subBuffer)
	if e.closed {
		close(ch)
		return id, ch
	}
	e.subs[id] = ch
	e.met.WSConns.Add(1)
	return id, ch
}

// Unsubscribe tears down the stream created by Subscribe.
func (e *Engine) Unsubscribe(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.subs[id]; ok {
		delete(e.subs, id)
		close(ch)
		e.met.WSConns.Add(-1)
	}
}

// publish fans one fired notification out to every subscriber. Sends are
// non-blocking: a full subscriber buffer drops the frame and bumps a counter.
func (e *Engine) publish(f Fired) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- f:
		default:
			e.met.WSDropped.Add(1)
		}
	}
}

// ─── Recovery & shutdown ──────────────────────────────────────────────────────

// Recover re-registers every journalled timer, keeping its original ID,
// payload, and trigger time. Timers whose window passed while the daemon was
// down fire promptly. Call once, after New and before serving traffic.
// Returns the number of recovered timers.
func (e *Engine) Recover() (int, error) {
	if e.jnl == nil {
		return 0, nil
	}

	// Collect first: re-registering inside ForEach would open a write
	// transaction (journal.Delete on an already-due timer) while the read
	// transaction is still open, which bbolt forbids on one goroutine.
	type pending struct {
		id  string
		rec journal.Record
	}
	var found []pending
	err := e.jnl.ForEach(func(id string, rec journal.Record) error {
		found = append(found, pending{id: id, rec: rec})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("engine: scan journal: %w", err)
	}

	now := time.Now()
	recovered := 0
	for _, p := range found {
		ent := &entry{
			id:          p.id,
			payload:     p.rec.Payload,
			createdAtMs: p.rec.CreatedAtMs,
			triggerAtMs: p.rec.TriggerAtMs,
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return recovered, ErrClosed
		}
		ent.key = e.nextKey
		e.nextKey++
		e.byID[ent.id] = ent
		e.byKey[ent.key] = ent
		e.mu.Unlock()

		delay := time.UnixMilli(p.rec.TriggerAtMs).Sub(now)
		if err := e.q.Add(delay, e.onFired, ent.key); err != nil {
			e.forget(ent)
			return recovered, fmt.Errorf("engine: re-register %s: %w", p.id, err)
		}
		recovered++
		e.met.Recovered.Add(1)
	}
	return recovered, nil
}

// Close shuts the engine down: the queue stops dispatching, subscriber
// channels close, and the journal (still holding the undelivered timers, for
// the next start) is closed. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
		e.met.WSConns.Add(-1)
	}
	e.mu.Unlock()

	e.q.Close()
	if e.jnl != nil {
		return e.jnl.Close()
	}
	return nil
}
