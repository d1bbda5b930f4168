// Package http provides the HTTP transport layer for NightWatch.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /timers
//	GET    /timers
//	GET    /timers/{id}
//	DELETE /timers/{id}
//	GET    /stats
//	GET    /ws
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/5l1v3r1/NightWatch/internal/config"
	"github.com/5l1v3r1/NightWatch/internal/engine"
	"github.com/5l1v3r1/NightWatch/internal/metrics"
	"github.com/5l1v3r1/NightWatch/internal/node"
	transportws "github.com/5l1v3r1/NightWatch/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with NightWatch route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around an Engine.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(e *engine.Engine, n *node.Node, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{engine: e, node: n, met: reg}
	ws := &transportws.Handler{Engine: e}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Timer lifecycle
	mux.HandleFunc("POST /timers", h.scheduleTimer)
	mux.HandleFunc("GET /timers", h.listTimers)
	mux.HandleFunc("GET /timers/{id}", h.getTimer)
	mux.HandleFunc("DELETE /timers/{id}", h.cancelTimer)

	mux.HandleFunc("GET /stats", h.stats)

	// WebSocket fire stream
	mux.Handle("GET /ws", ws)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	// Middleware chain: CORS → body cap → logging → auth → rate-limit
	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware(cfg.Timer.MaxPayloadKB),
		LoggingMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.Limits.MaxRate, cfg.Limits.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":7420").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
