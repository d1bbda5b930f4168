package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/5l1v3r1/NightWatch/internal/engine"
	"github.com/5l1v3r1/NightWatch/internal/metrics"
	"github.com/5l1v3r1/NightWatch/internal/node"
)

// Handler groups all HTTP request handlers around an Engine.
type Handler struct {
	engine *engine.Engine
	node   *node.Node
	met    *metrics.Registry // may be nil
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type scheduleReq struct {
	// Exactly one of DelayMs / TriggerAtMs must be set (TriggerAtMs wins
	// when both are present).
	DelayMs     int64  `json:"delay_ms"`
	TriggerAtMs int64  `json:"trigger_at_ms"`
	Payload     string `json:"payload"` // base64; non-base64 treated as raw bytes
}

type timerItem struct {
	ID          string `json:"id"`
	Payload     string `json:"payload,omitempty"` // base64
	CreatedAtMs int64  `json:"created_at_ms"`
	TriggerAtMs int64  `json:"trigger_at_ms"`
}

type timerListResp struct {
	Timers []timerItem `json:"timers"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Pending  int    `json:"pending"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.node.ID().String(),
		Pending:  h.engine.Stats().Pending,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  "1.0.0",
	})
}

// ─── Timers ───────────────────────────────────────────────────────────────────

func (h *Handler) scheduleTimer(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !decodeJSON(w, r, &req) {
		return
	}

	var delay time.Duration
	switch {
	case req.TriggerAtMs > 0:
		delay = time.UnixMilli(req.TriggerAtMs).Sub(time.Now())
	case req.DelayMs >= 0:
		delay = time.Duration(req.DelayMs) * time.Millisecond
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "delay_ms must not be negative"})
		return
	}

	var payload []byte
	if req.Payload != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			// Treat non-base64 as raw UTF-8 bytes.
			decoded = []byte(req.Payload)
		}
		payload = decoded
	}

	info, err := h.engine.Schedule(delay, payload)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrPayloadTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err)
		case errors.Is(err, engine.ErrTooFarAhead):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, engine.ErrTooManyTimers):
			writeError(w, http.StatusTooManyRequests, err)
		case errors.Is(err, engine.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, itemOf(info))
}

func (h *Handler) listTimers(w http.ResponseWriter, r *http.Request) {
	infos := h.engine.List()
	items := make([]timerItem, 0, len(infos))
	for _, info := range infos {
		items = append(items, itemOf(info))
	}
	writeJSON(w, http.StatusOK, timerListResp{Timers: items})
}

func (h *Handler) getTimer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := h.engine.Get(id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, itemOf(info))
}

func (h *Handler) cancelTimer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.Cancel(id); err != nil {
		switch {
		case errors.Is(err, engine.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, engine.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Stats ────────────────────────────────────────────────────────────────────

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func itemOf(info engine.TimerInfo) timerItem {
	item := timerItem{
		ID:          info.ID,
		CreatedAtMs: info.CreatedAtMs,
		TriggerAtMs: info.TriggerAtMs,
	}
	if len(info.Payload) > 0 {
		item.Payload = base64.StdEncoding.EncodeToString(info.Payload)
	}
	return item
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
