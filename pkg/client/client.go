// Package client is the official Go SDK for NightWatch.
//
// # Quick start
//
//	c := client.New("http://localhost:7420")
//
//	// Fire in one hour
//	timer, err := c.Schedule(ctx, time.Hour, []byte(`{"job":"rotate-keys"}`))
//
//	// Change of plans
//	err = c.Cancel(ctx, timer.ID)
//
//	// Watch timers fire in real time
//	fires, err := c.SubscribeFires(ctx)
//	for f := range fires {
//	    handle(f)
//	}
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message, or use the IsNotFound helper.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the NightWatch server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nightwatch: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the NightWatch API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the NightWatch daemon at baseURL.
//
//	c := client.New("http://localhost:7420")
//	c := client.New("http://nightwatch.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Timer is a pending timer as seen by the server.
type Timer struct {
	// ID is the ULID assigned at schedule time.
	ID string

	// Payload is the opaque bytes delivered when the timer fires.
	Payload []byte

	// CreatedAt and TriggerAt are UTC.
	CreatedAt time.Time
	TriggerAt time.Time
}

// Fire is one fired-timer notification from the fire stream.
type Fire struct {
	ID        string
	Payload   []byte
	TriggerAt time.Time
	FiredAt   time.Time
	Late      time.Duration
}

// Stats is the server-wide counter snapshot from GET /stats.
type Stats struct {
	Pending   int   `json:"pending"`
	Scheduled int64 `json:"scheduled_total"`
	Fired     int64 `json:"fired_total"`
	Cancelled int64 `json:"cancelled_total"`
	Recovered int64 `json:"recovered_total"`
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status  string
	NodeID  string
	Pending int
	Uptime  time.Duration
	Version string
}

// ─── Schedule options ─────────────────────────────────────────────────────────

// ScheduleOption configures a single Schedule call.
type ScheduleOption func(*schedulePayload)

// WithFireAt schedules the timer for the given absolute time instead of a
// relative delay.
//
//	client.WithFireAt(time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC))
func WithFireAt(t time.Time) ScheduleOption {
	return func(p *schedulePayload) { p.TriggerAtMs = t.UnixMilli() }
}

// ─── Timer operations ─────────────────────────────────────────────────────────

// Schedule registers payload to fire once after delay and returns the created
// timer.
//
//	timer, err := c.Schedule(ctx, 15*time.Minute, []byte(`{"job":"reap"}`))
func (c *Client) Schedule(ctx context.Context, delay time.Duration, payload []byte, opts ...ScheduleOption) (*Timer, error) {
	p := &schedulePayload{DelayMs: delay.Milliseconds()}
	if len(payload) > 0 {
		p.Payload = base64.StdEncoding.EncodeToString(payload)
	}
	for _, o := range opts {
		o(p)
	}

	var resp wireTimer
	if err := c.do(ctx, http.MethodPost, "/timers", p, &resp); err != nil {
		return nil, err
	}
	return resp.toTimer()
}

// Cancel removes a pending timer. Returns a 404 *APIError (IsNotFound) when
// the timer is unknown or has already fired.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/timers/"+url.PathEscape(id), nil, nil)
}

// Get returns one pending timer by ID.
func (c *Client) Get(ctx context.Context, id string) (*Timer, error) {
	var resp wireTimer
	if err := c.do(ctx, http.MethodGet, "/timers/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.toTimer()
}

// List returns every pending timer ordered by trigger time.
func (c *Client) List(ctx context.Context) ([]*Timer, error) {
	var resp struct {
		Timers []wireTimer `json:"timers"`
	}
	if err := c.do(ctx, http.MethodGet, "/timers", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*Timer, 0, len(resp.Timers))
	for i := range resp.Timers {
		t, err := resp.Timers[i].toTimer()
		if err != nil {
			return nil, fmt.Errorf("nightwatch: decode timer %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// ─── Fire stream ──────────────────────────────────────────────────────────────

// SubscribeFires opens the WebSocket fire stream and returns a channel of
// fired-timer notifications. The channel closes when ctx is cancelled, the
// server shuts down, or the connection drops.
func (c *Client) SubscribeFires(ctx context.Context) (<-chan Fire, error) {
	wsURL, err := c.wsURL("/ws")
	if err != nil {
		return nil, err
	}

	var hdr http.Header
	if c.apiKey != "" {
		hdr = http.Header{"X-Api-Key": {c.apiKey}}
	}
	conn, _, err := gorillaws.DefaultDialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		return nil, fmt.Errorf("nightwatch: dial fire stream: %w", err)
	}

	out := make(chan Fire, 16)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var frame struct {
				Type        string `json:"type"`
				ID          string `json:"id"`
				Payload     string `json:"payload"`
				TriggerAtMs int64  `json:"trigger_at_ms"`
				FiredAtMs   int64  `json:"fired_at_ms"`
				LateMs      int64  `json:"late_ms"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type != "fired" {
				continue
			}
			f := Fire{
				ID:        frame.ID,
				TriggerAt: time.UnixMilli(frame.TriggerAtMs).UTC(),
				FiredAt:   time.UnixMilli(frame.FiredAtMs).UTC(),
				Late:      time.Duration(frame.LateMs) * time.Millisecond,
			}
			if frame.Payload != "" {
				if body, err := base64.StdEncoding.DecodeString(frame.Payload); err == nil {
					f.Payload = body
				} else {
					f.Payload = []byte(frame.Payload)
				}
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Close the socket when ctx ends so the reader goroutine unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	return out, nil
}

// wsURL rewrites the base URL's scheme for a WebSocket endpoint.
func (c *Client) wsURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("nightwatch: bad base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// ─── Observability ────────────────────────────────────────────────────────────

// Health checks the daemon's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		Pending  int    `json:"pending"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		NodeID:  resp.NodeID,
		Pending: resp.Pending,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
		Version: resp.Version,
	}, nil
}

// Stats returns the daemon's counter snapshot.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("nightwatch: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("nightwatch: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("nightwatch: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("nightwatch: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("nightwatch: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type schedulePayload struct {
	DelayMs     int64  `json:"delay_ms,omitempty"`
	TriggerAtMs int64  `json:"trigger_at_ms,omitempty"`
	Payload     string `json:"payload,omitempty"`
}

type wireTimer struct {
	ID          string `json:"id"`
	Payload     string `json:"payload"` // base64
	CreatedAtMs int64  `json:"created_at_ms"`
	TriggerAtMs int64  `json:"trigger_at_ms"`
}

func (w *wireTimer) toTimer() (*Timer, error) {
	t := &Timer{
		ID:        w.ID,
		CreatedAt: time.UnixMilli(w.CreatedAtMs).UTC(),
		TriggerAt: time.UnixMilli(w.TriggerAtMs).UTC(),
	}
	if w.Payload != "" {
		body, err := base64.StdEncoding.DecodeString(w.Payload)
		if err != nil {
			// Fall back to treating the payload as raw UTF-8 bytes.
			body = []byte(w.Payload)
		}
		t.Payload = body
	}
	return t, nil
}
