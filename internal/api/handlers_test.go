// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/chatsync/internal/connection"
	"github.com/tomtom215/chatsync/internal/engine"
)

type fakeEngine struct{ status engine.Status }

func (f *fakeEngine) Status() engine.Status { return f.status }

type fakeConn struct {
	mu     sync.Mutex
	status connection.Status
	calls  []string
}

func (f *fakeConn) Status() connection.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeConn) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeConn) Connect()        { f.record("connect") }
func (f *fakeConn) Disconnect()     { f.record("disconnect") }
func (f *fakeConn) NetworkOnline()  { f.record("network-online") }
func (f *fakeConn) NetworkOffline() { f.record("network-offline") }
func (f *fakeConn) Reauthenticate() { f.record("reauthenticate") }

type fakeRemote struct{}

func (fakeRemote) BreakerState() string { return "half-open" }
func (fakeRemote) Degraded() bool       { return true }

func newTestRouter(eng *fakeEngine, conn *fakeConn, cfg RouterConfig) http.Handler {
	return NewRouter(NewHandler(eng, conn, fakeRemote{}), cfg)
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))

	var resp APIResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return rec, resp
}

func TestHealthLive(t *testing.T) {
	t.Parallel()
	h := newTestRouter(&fakeEngine{}, &fakeConn{}, RouterConfig{})

	rec, resp := do(t, h, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK || resp.Status != "success" {
		t.Errorf("GET /healthz = %d %q", rec.Code, resp.Status)
	}
	if resp.Metadata.RequestID == "" || rec.Header().Get("X-Request-ID") != resp.Metadata.RequestID {
		t.Errorf("request id metadata = %q, header %q", resp.Metadata.RequestID, rec.Header().Get("X-Request-ID"))
	}
}

func TestHealthReady(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		ready bool
		state connection.State
		want  int
	}{
		{"ready and online", true, connection.Online, http.StatusOK},
		{"registry not loaded", false, connection.Online, http.StatusServiceUnavailable},
		{"reconnecting", true, connection.Reconnecting, http.StatusServiceUnavailable},
		{"unauthorized", true, connection.Unauthorized, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newTestRouter(
				&fakeEngine{status: engine.Status{Ready: tt.ready}},
				&fakeConn{status: connection.Status{State: tt.state.String()}},
				RouterConfig{},
			)
			rec, _ := do(t, h, http.MethodGet, "/readyz")
			if rec.Code != tt.want {
				t.Errorf("GET /readyz = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	h := newTestRouter(
		&fakeEngine{status: engine.Status{Ready: true, Conversations: 3, PendingJobs: 2}},
		&fakeConn{status: connection.Status{State: "online", SessionID: "s-1"}},
		RouterConfig{},
	)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/status = %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers on /v1")
	}

	var body struct {
		Data StatusResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Engine.Conversations != 3 || body.Data.Connection.SessionID != "s-1" {
		t.Errorf("status = %+v", body.Data)
	}
	if body.Data.Remote == nil || body.Data.Remote.Breaker != "half-open" || !body.Data.Remote.Degraded {
		t.Errorf("remote = %+v", body.Data.Remote)
	}
}

func TestConnectionAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		action string
		want   int
	}{
		{"connect", http.StatusAccepted},
		{"disconnect", http.StatusAccepted},
		{"network-online", http.StatusAccepted},
		{"network-offline", http.StatusAccepted},
		{"reauthenticate", http.StatusAccepted},
		{"explode", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			t.Parallel()
			conn := &fakeConn{}
			h := newTestRouter(&fakeEngine{}, conn, RouterConfig{})

			rec, resp := do(t, h, http.MethodPost, "/v1/connection/"+tt.action)
			if rec.Code != tt.want {
				t.Fatalf("POST %s = %d, want %d", tt.action, rec.Code, tt.want)
			}
			if tt.want == http.StatusBadRequest {
				if resp.Error == nil || resp.Error.Code != "INVALID_ACTION" {
					t.Errorf("error = %+v", resp.Error)
				}
				if len(conn.calls) != 0 {
					t.Errorf("calls = %v, want none", conn.calls)
				}
				return
			}
			if len(conn.calls) != 1 || conn.calls[0] != tt.action {
				t.Errorf("calls = %v, want [%s]", conn.calls, tt.action)
			}
		})
	}
}

func TestRouter_Errors(t *testing.T) {
	t.Parallel()
	h := newTestRouter(&fakeEngine{}, &fakeConn{}, RouterConfig{})

	rec, resp := do(t, h, http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != "NOT_FOUND" {
		t.Errorf("GET /nope = %d %+v", rec.Code, resp.Error)
	}
	rec, resp = do(t, h, http.MethodGet, "/v1/connection/connect")
	if rec.Code != http.StatusMethodNotAllowed || resp.Error == nil {
		t.Errorf("GET /v1/connection/connect = %d %+v", rec.Code, resp.Error)
	}
}

func TestRouter_Metrics(t *testing.T) {
	t.Parallel()
	h := newTestRouter(&fakeEngine{}, &fakeConn{}, RouterConfig{})
	do(t, h, http.MethodGet, "/healthz")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "chatsync_api_requests_total") {
		t.Error("metrics output missing chatsync_api_requests_total")
	}
}

func TestRouter_RateLimit(t *testing.T) {
	t.Parallel()
	h := newTestRouter(&fakeEngine{}, &fakeConn{}, RouterConfig{RateLimitRequests: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec, _ := do(t, h, http.MethodGet, "/healthz")
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
}
