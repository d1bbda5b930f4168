// Package websocket provides the push-based fire stream for NightWatch.
//
// Clients open a WebSocket connection to:
//
//	GET /ws
//
// and receive one frame per fired timer:
//
//	{"type":"fired","id":"<ULID>","payload":"<base64>","trigger_at_ms":...,"fired_at_ms":...,"late_ms":...}
//
// The stream is delivery-only; clients send no application frames. A
// subscriber that stops reading loses frames rather than stalling the
// dispatch path.
package websocket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	gorillaws "github.com/gorilla/websocket"

	"github.com/5l1v3r1/NightWatch/internal/engine"
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin upgrade requests. A request is
	// same-origin when its Origin host matches the Host header
	// (scheme-agnostic). Requests without an Origin header (native
	// clients, curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the fire-stream endpoint.
type Handler struct {
	Engine *engine.Engine
}

// firedFrame is the JSON structure pushed to the client per fired timer.
type firedFrame struct {
	Type        string `json:"type"` // "fired"
	ID          string `json:"id"`
	Payload     string `json:"payload,omitempty"` // base64
	TriggerAtMs int64  `json:"trigger_at_ms"`
	FiredAtMs   int64  `json:"fired_at_ms"`
	LateMs      int64  `json:"late_ms"`
}

// ServeHTTP upgrades the connection and streams fire notifications until the
// client disconnects or the engine shuts down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	subID, fires := h.Engine.Subscribe()
	defer h.Engine.Unsubscribe(subID)

	// Drain client frames so control messages (close, ping) are processed;
	// any read error means the client went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-gone:
			return

		case f, ok := <-fires:
			if !ok {
				// Engine shut down.
				return
			}
			frame := firedFrame{
				Type:        "fired",
				ID:          f.ID,
				TriggerAtMs: f.TriggerAtMs,
				FiredAtMs:   f.FiredAtMs,
				LateMs:      f.LateMs,
			}
			if len(f.Payload) > 0 {
				frame.Payload = base64.StdEncoding.EncodeToString(f.Payload)
			}
			data, _ := json.Marshal(frame)
			if writeErr := conn.WriteMessage(gorillaws.TextMessage, data); writeErr != nil {
				return
			}
		}
	}
}
