// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for NightWatch. It deliberately avoids the prometheus/client_golang
// package so the daemon binary stays small with no additional dependencies.
//
// Timer counters are plain atomics — one daemon drives one timer queue, so
// there is nothing to label. HTTP counters are label-keyed with a
// tab-separated string so a single sync.Map can hold every label combination:
//
//	HTTPReqs              →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt →  key = "method\tpath"
//
// Registry.Handler() renders everything in the Prometheus text exposition
// format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all NightWatch application metrics. The zero value is ready
// to use.
type Registry struct {
	// Timer lifecycle counters.
	Scheduled atomic.Int64 // timers accepted by the engine
	Fired     atomic.Int64 // timers whose trigger time arrived
	Cancelled atomic.Int64 // timers cancelled before firing
	Recovered atomic.Int64 // timers re-registered from the journal on start
	LateFires atomic.Int64 // fires observed more than one resolution late

	// Subscriber counters.
	WSConns   atomic.Int64 // websocket subscriptions opened
	WSDropped atomic.Int64 // fire frames dropped on slow subscribers

	// HTTP counters. key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key, for averaging)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── timer counters ────────────────────────────────────────────────────
		writePlain(&b, "nightwatch_timers_scheduled_total",
			"Total timers accepted for scheduling", r.Scheduled.Load())
		writePlain(&b, "nightwatch_timers_fired_total",
			"Total timers dispatched", r.Fired.Load())
		writePlain(&b, "nightwatch_timers_cancelled_total",
			"Total timers cancelled before firing", r.Cancelled.Load())
		writePlain(&b, "nightwatch_timers_recovered_total",
			"Total timers re-registered from the journal", r.Recovered.Load())
		writePlain(&b, "nightwatch_timers_late_fires_total",
			"Total fires dispatched later than the resolution tolerance", r.LateFires.Load())
		writePlain(&b, "nightwatch_ws_subscriptions_total",
			"Total websocket fire subscriptions opened", r.WSConns.Load())
		writePlain(&b, "nightwatch_ws_frames_dropped_total",
			"Total fire frames dropped on slow subscribers", r.WSDropped.Load())

		// ── HTTP counters ─────────────────────────────────────────────────────
		writeFamily(&b, "nightwatch_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "nightwatch_http_request_duration_milliseconds_sum",
			"Sum of HTTP request durations in milliseconds", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurMs.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "nightwatch_http_request_duration_milliseconds_count",
			"Count of observed HTTP request durations", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurCnt.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writePlain writes one unlabelled counter family.
func writePlain(b *strings.Builder, name, help string, val int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s %d\n", name, val)
}

// writeFamily writes a single labelled metric family, skipping the header
// when the family has no samples.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
