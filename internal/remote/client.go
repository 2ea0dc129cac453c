// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

/*
Package remote is the client for the full-state pull APIs used to repair
local state after a version gap.

Request Policy:
  - Authentication: Bearer token on every request
  - Rate limiting: token bucket shared by all endpoints (golang.org/x/time/rate)
  - Retries: fixed delay, bounded attempts, only for transient failures
    (network errors, 5xx, 429)
  - Circuit breaker: consecutive transient failures open the breaker and the
    endpoint is reported degraded until a probe succeeds
  - 401/403: returned immediately as ErrUnauthorized, never retried

Endpoints:
  - GET /v1/conversations/config?ids=a,b
  - GET /v1/groups/{id}
  - GET /v1/groups/{id}/pins
  - GET /v1/directory
  - GET /v1/shared-config/{pair}
  - GET /v1/tasks/{id}, /v1/votes/{id}, /v1/reminders/{id}
  - GET /v1/conversations/{id}/messages?from=&to=
*/
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/chatsync/internal/config"
	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/metrics"
	"github.com/tomtom215/chatsync/internal/models"
)

const breakerName = "remote-api"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// Client talks to the pull API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker[interface{}]

	retryAttempts int
	retryDelay    time.Duration
}

// NewClient creates a client from the remote config section.
func NewClient(cfg *config.RemoteConfig, token string) *Client {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(breakerName).Set(0)

	threshold := cfg.BreakerFailureThreshold
	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			trip := counts.ConsecutiveFailures >= threshold
			if trip {
				logging.Warn().Uint32("consecutive_failures", counts.ConsecutiveFailures).Msg("[CIRCUIT BREAKER] Opening circuit, pull API degraded")
			}
			return trip
		},
		// Only transient failures count against the endpoint.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", stateToString(from)).Str("to", stateToString(to)).Msg("[CIRCUIT BREAKER] State transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateToString(from), stateToString(to)).Inc()
			if to == gobreaker.StateClosed {
				metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)
			}
		},
	})

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         token,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		limiter:       rate.NewLimiter(limit, cfg.RateBurst),
		cb:            cb,
		retryAttempts: max(cfg.RetryAttempts, 1),
		retryDelay:    cfg.RetryDelay,
	}
}

// Degraded reports whether the circuit breaker is open.
func (c *Client) Degraded() bool {
	return c.cb.State() == gobreaker.StateOpen
}

// BreakerState returns the breaker state name.
func (c *Client) BreakerState() string {
	return stateToString(c.cb.State())
}

// GetConversationConfig returns the full config of each listed conversation.
func (c *Client) GetConversationConfig(ctx context.Context, ids []string) ([]ConversationConfigState, error) {
	var resp conversationConfigResponse
	query := url.Values{"ids": []string{strings.Join(ids, ",")}}
	if err := c.get(ctx, "conversation_config", "/v1/conversations/config", query, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// GetGroupFullState returns a group's membership and fields.
func (c *Client) GetGroupFullState(ctx context.Context, groupID string) (*GroupState, error) {
	var resp GroupState
	if err := c.get(ctx, "group_state", "/v1/groups/"+url.PathEscape(groupID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetGroupPins returns a group's pinned messages.
func (c *Client) GetGroupPins(ctx context.Context, groupID string) (*GroupPins, error) {
	var resp GroupPins
	if err := c.get(ctx, "group_pins", "/v1/groups/"+url.PathEscape(groupID)+"/pins", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDirectoryFull returns the whole contact directory.
func (c *Client) GetDirectoryFull(ctx context.Context) (*DirectoryState, error) {
	var resp DirectoryState
	if err := c.get(ctx, "directory", "/v1/directory", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSharedConfig returns the shared config of a peer pair.
func (c *Client) GetSharedConfig(ctx context.Context, pairKey string) (*SharedConfigState, error) {
	var resp SharedConfigState
	if err := c.get(ctx, "shared_config", "/v1/shared-config/"+url.PathEscape(pairKey), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTaskByID returns one task.
func (c *Client) GetTaskByID(ctx context.Context, id string) (*AuxRecord, error) {
	return c.getAux(ctx, "task", "/v1/tasks/", id)
}

// GetVoteByID returns one vote.
func (c *Client) GetVoteByID(ctx context.Context, id string) (*AuxRecord, error) {
	return c.getAux(ctx, "vote", "/v1/votes/", id)
}

// GetReminderByID returns one reminder.
func (c *Client) GetReminderByID(ctx context.Context, id string) (*AuxRecord, error) {
	return c.getAux(ctx, "reminder", "/v1/reminders/", id)
}

// GetAux dispatches to the task, vote or reminder endpoint.
func (c *Client) GetAux(ctx context.Context, kind models.NotificationKind, id string) (*AuxRecord, error) {
	switch kind {
	case models.KindTaskChange:
		return c.GetTaskByID(ctx, id)
	case models.KindVoteChange:
		return c.GetVoteByID(ctx, id)
	case models.KindReminderChange:
		return c.GetReminderByID(ctx, id)
	default:
		return nil, fmt.Errorf("no aux endpoint for %q", kind)
	}
}

func (c *Client) getAux(ctx context.Context, endpoint, prefix, id string) (*AuxRecord, error) {
	var resp AuxRecord
	if err := c.get(ctx, endpoint, prefix+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetMessages returns the messages of a conversation with sequence ids in
// [fromSeq, toSeq].
func (c *Client) GetMessages(ctx context.Context, conversationID string, fromSeq, toSeq int64) (*MessagePage, error) {
	var resp MessagePage
	query := url.Values{
		"from": []string{strconv.FormatInt(fromSeq, 10)},
		"to":   []string{strconv.FormatInt(toSeq, 10)},
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.get(ctx, "messages", path, query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// get executes a GET with rate limiting, retries and circuit breaker
// protection, and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limit wait: %w", endpoint, err)
		}

		_, err := c.cb.Execute(func() (interface{}, error) {
			return nil, c.do(ctx, endpoint, path, query, out)
		})
		c.recordBreaker(err)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) || errors.Is(err, gobreaker.ErrOpenState) {
			return err
		}
		if attempt == c.retryAttempts {
			break
		}

		logging.Ctx(ctx).Warn().Err(err).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Dur("retry_in", c.retryDelay).
			Msg("Pull request failed, retrying")

		timer := time.NewTimer(c.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", endpoint, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", endpoint, c.retryAttempts, lastErr)
}

func (c *Client) do(ctx context.Context, endpoint, path string, query url.Values, out interface{}) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(endpoint, 0, time.Since(start))
		return fmt.Errorf("%s: execute request: %w", endpoint, err)
	}
	defer resp.Body.Close()
	metrics.RecordRemoteRequest(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) recordBreaker(err error) {
	switch {
	case err == nil:
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "success").Inc()
		metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(breakerName).Set(0)
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "rejected").Inc()
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(breakerName, "failure").Inc()
		counts := c.cb.Counts()
		metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(breakerName).Set(float64(counts.ConsecutiveFailures))
	}
}

// stateToFloat converts circuit breaker state to numeric value for metrics
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// stateToString converts circuit breaker state to string for logging
func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
