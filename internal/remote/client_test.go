// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/chatsync/internal/config"
	"github.com/tomtom215/chatsync/internal/models"
)

const testGroupID = "0123456789abcdef0123456789abcdef"

func testConfig(baseURL string) *config.RemoteConfig {
	return &config.RemoteConfig{
		BaseURL:                 baseURL,
		Timeout:                 2 * time.Second,
		RetryAttempts:           3,
		RetryDelay:              time.Millisecond,
		BreakerFailureThreshold: 5,
		BreakerTimeout:          time.Minute,
		RateLimit:               0,
		RateBurst:               1,
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestClient_GetGroupFullState(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/groups/"+testGroupID {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		writeJSON(t, w, GroupState{
			GroupID:       testGroupID,
			ChangeVersion: 9,
			Name:          "Team",
			Members: []models.Member{
				{ID: "+100", Role: models.RoleOwner},
				{ID: "+200", Role: models.RoleMember},
			},
		})
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), "secret")
	state, err := c.GetGroupFullState(context.Background(), testGroupID)
	if err != nil {
		t.Fatalf("GetGroupFullState() error = %v", err)
	}
	if state.ChangeVersion != 9 || state.Name != "Team" || len(state.Members) != 2 {
		t.Errorf("state = %+v", state)
	}
}

func TestClient_QueryParameters(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/conversations/config":
			if got := r.URL.Query().Get("ids"); got != "+100,+200" {
				t.Errorf("ids = %q", got)
			}
			writeJSON(t, w, conversationConfigResponse{Conversations: []ConversationConfigState{
				{ConversationID: "+100", SettingVersion: 4, Config: models.ConversationConfig{Muted: true}},
			}})
		case "/v1/conversations/+100/messages":
			q := r.URL.Query()
			if q.Get("from") != "11" || q.Get("to") != "14" {
				t.Errorf("range = %s..%s", q.Get("from"), q.Get("to"))
			}
			writeJSON(t, w, MessagePage{ConversationID: "+100", FromSequenceID: 11, ToSequenceID: 14})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), "")
	configs, err := c.GetConversationConfig(context.Background(), []string{"+100", "+200"})
	if err != nil {
		t.Fatalf("GetConversationConfig() error = %v", err)
	}
	if len(configs) != 1 || configs[0].SettingVersion != 4 || !configs[0].Config.Muted {
		t.Errorf("configs = %+v", configs)
	}

	page, err := c.GetMessages(context.Background(), "+100", 11, 14)
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if page.ToSequenceID != 14 {
		t.Errorf("page = %+v", page)
	}
}

func TestClient_GetAuxDispatch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, AuxRecord{ID: r.URL.Path, Version: 2})
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), "")
	tests := []struct {
		kind models.NotificationKind
		path string
	}{
		{models.KindTaskChange, "/v1/tasks/t1"},
		{models.KindVoteChange, "/v1/votes/t1"},
		{models.KindReminderChange, "/v1/reminders/t1"},
	}
	for _, tt := range tests {
		rec, err := c.GetAux(context.Background(), tt.kind, "t1")
		if err != nil {
			t.Fatalf("GetAux(%s) error = %v", tt.kind, err)
		}
		if rec.ID != tt.path {
			t.Errorf("GetAux(%s) hit %s, want %s", tt.kind, rec.ID, tt.path)
		}
	}

	if _, err := c.GetAux(context.Background(), models.KindGroupChange, "x"); err == nil {
		t.Error("GetAux(group) should fail")
	}
}

func TestClient_RetryPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		statuses     []int
		wantHits     int32
		wantErr      bool
		unauthorized bool
		transient    bool
	}{
		{name: "recovers after 503", statuses: []int{503, 503, 200}, wantHits: 3},
		{name: "recovers after 429", statuses: []int{429, 200}, wantHits: 2},
		{name: "gives up on persistent 500", statuses: []int{500, 500, 500, 500}, wantHits: 3, wantErr: true, transient: true},
		{name: "401 is not retried", statuses: []int{401, 200}, wantHits: 1, wantErr: true, unauthorized: true},
		{name: "403 is not retried", statuses: []int{403, 200}, wantHits: 1, wantErr: true, unauthorized: true},
		{name: "404 is not retried", statuses: []int{404, 200}, wantHits: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(hits.Add(1)) - 1
				status := tt.statuses[min(n, len(tt.statuses)-1)]
				if status != http.StatusOK {
					http.Error(w, "nope", status)
					return
				}
				writeJSON(t, w, DirectoryState{DirectoryVersion: 3})
			}))
			defer server.Close()

			c := NewClient(testConfig(server.URL), "")
			state, err := c.GetDirectoryFull(context.Background())

			if got := hits.Load(); got != tt.wantHits {
				t.Errorf("hits = %d, want %d", got, tt.wantHits)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if state.DirectoryVersion != 3 {
					t.Errorf("DirectoryVersion = %d", state.DirectoryVersion)
				}
				return
			}
			if IsUnauthorized(err) != tt.unauthorized {
				t.Errorf("IsUnauthorized(%v) = %v, want %v", err, IsUnauthorized(err), tt.unauthorized)
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", err, IsTransient(err), tt.transient)
			}
		})
	}
}

func TestClient_BreakerOpensAndReportsDegraded(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.RetryAttempts = 1
	cfg.BreakerFailureThreshold = 2
	c := NewClient(cfg, "")

	for i := 0; i < 2; i++ {
		if _, err := c.GetDirectoryFull(context.Background()); err == nil {
			t.Fatal("expected failure")
		}
	}
	if !c.Degraded() {
		t.Fatalf("Degraded() = false, breaker state %s", c.BreakerState())
	}

	_, err := c.GetDirectoryFull(context.Background())
	if !IsTransient(err) {
		t.Errorf("open breaker error %v should be transient", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("hits = %d, want 2 (open breaker must not reach the server)", got)
	}
}

func TestClient_ContextCancelStopsRetries(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.RetryDelay = time.Hour
	c := NewClient(cfg, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GetGroupPins(ctx, testGroupID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"500", &HTTPError{StatusCode: 500}, true},
		{"429", &HTTPError{StatusCode: 429}, true},
		{"400", &HTTPError{StatusCode: 400}, false},
		{"401", &HTTPError{StatusCode: 401}, false},
		{"plain", errors.New("decode"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}
