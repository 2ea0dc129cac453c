// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

// Package connection owns the push session lifecycle.
//
// State machine:
//
//	Offline ──Connect/online──▶ Connecting ──handshake──▶ Online
//	   ▲                            │                        │
//	   │                        transient               session lost
//	   │                            ▼                        ▼
//	   └──offline (after grace)── Reconnecting ◀─────────────┘
//
//	any state ──401/403 or manual logout──▶ Unauthorized ──Reauthenticate──▶ Connecting
//
// One goroutine (Run) owns every transition. Public methods only post
// commands to it. Before a new session is dialed the previous one is drained:
// the session is closed, a barrier event is pushed through the engine's event
// channel and the engine flushes its receipt batchers and waits for its job
// queue.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tomtom215/chatsync/internal/config"
	"github.com/tomtom215/chatsync/internal/events"
	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/metrics"
	"github.com/tomtom215/chatsync/internal/models"
	"github.com/tomtom215/chatsync/internal/remote"
)

// Session is a live push session.
type Session interface {
	ID() string
	Events() <-chan *models.Event
	Err() error
	Close() error
}

// Dialer opens push sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// Sink is the engine side of the event channel.
type Sink interface {
	// Events is the channel the supervisor is the sole producer of.
	Events() chan<- *models.Event
	// Flush applies buffered receipts and waits for every queued job.
	Flush(ctx context.Context) error
}

// KVWiper deletes key/value bookkeeping.
type KVWiper interface {
	WipeKV(ctx context.Context, keep func(key string) bool) (int, error)
}

// LedgerResetter drops cached ledger versions.
type LedgerResetter interface {
	Reset()
}

type command int

const (
	cmdConnect command = iota
	cmdDisconnect
	cmdNetworkOnline
	cmdNetworkOffline
	cmdReauthenticate
	cmdAuthFailed
)

func (c command) String() string {
	switch c {
	case cmdConnect:
		return "connect"
	case cmdDisconnect:
		return "disconnect"
	case cmdNetworkOnline:
		return "network_online"
	case cmdNetworkOffline:
		return "network_offline"
	case cmdReauthenticate:
		return "reauthenticate"
	case cmdAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// countdownInterval is how often the reconnect countdown is published.
const countdownInterval = time.Second

// Supervisor drives the push session.
type Supervisor struct {
	cfg    config.ConnectionConfig
	dialer Dialer
	sink   Sink
	kv     KVWiper
	ledger LedgerResetter
	bus    events.Publisher

	cmds chan command

	mu     sync.RWMutex
	status Status

	// Owned by the Run goroutine.
	state       State
	session     Session
	sessEvents  <-chan *models.Event
	attempt     int
	silent      bool
	retry       *time.Timer
	retryAt     time.Time
	countdown   *time.Ticker
	grace       *time.Timer
	suppression *time.Timer
}

// New creates a supervisor. bus may be nil.
func New(cfg config.ConnectionConfig, dialer Dialer, sink Sink, kv KVWiper, l LedgerResetter, bus events.Publisher) *Supervisor {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.OfflineGrace <= 0 {
		cfg.OfflineGrace = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 60 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		dialer: dialer,
		sink:   sink,
		kv:     kv,
		ledger: l,
		bus:    bus,
		cmds:   make(chan command, 32),
		status: Status{State: Offline.String()},
	}
}

// Connect dials a session, draining the current one first.
func (s *Supervisor) Connect() { s.post(cmdConnect) }

// Disconnect drains the current session and goes offline.
func (s *Supervisor) Disconnect() { s.post(cmdDisconnect) }

// NetworkOnline reports that the network came back. It cancels a pending
// offline grace timer, or connects if offline.
func (s *Supervisor) NetworkOnline() { s.post(cmdNetworkOnline) }

// NetworkOffline reports that the network went away. The session is torn
// down only if no online signal arrives within the grace period.
func (s *Supervisor) NetworkOffline() { s.post(cmdNetworkOffline) }

// Reauthenticate leaves Unauthorized and dials with the dialer's current
// credentials.
func (s *Supervisor) Reauthenticate() { s.post(cmdReauthenticate) }

// AuthFailed reports that the pull API rejected the credentials. The
// supervisor moves to Unauthorized as if the push session had been rejected.
func (s *Supervisor) AuthFailed() { s.post(cmdAuthFailed) }

func (s *Supervisor) post(c command) {
	select {
	case s.cmds <- c:
	default:
		logging.Warn().Str("command", c.String()).Msg("Connection command dropped, queue full")
	}
}

// Status returns a snapshot for observers.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// String implements fmt.Stringer for suture logs.
func (s *Supervisor) String() string { return "connection-supervisor" }

// Run owns the state machine until ctx is canceled. The current session is
// drained before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	logging.Info().Msg("Connection supervisor started")
	defer s.stopTimers()

	for {
		select {
		case <-ctx.Done():
			s.teardown(context.WithoutCancel(ctx), Offline)
			logging.Info().Msg("Connection supervisor stopped")
			return ctx.Err()

		case c := <-s.cmds:
			s.handleCommand(ctx, c)

		case ev, ok := <-s.sessEvents:
			if !ok {
				s.sessionLost(ctx)
				continue
			}
			s.handleEvent(ctx, ev)

		case <-timerC(s.retry):
			s.cancelRetry()
			s.dial(ctx)

		case <-tickerC(s.countdown):
			s.publishCountdown()

		case <-timerC(s.grace):
			s.grace = nil
			logging.Info().Msg("Network offline grace elapsed, tearing down session")
			s.teardown(ctx, Offline)

		case <-timerC(s.suppression):
			s.suppression = nil
			s.endSuppression("window elapsed")
		}
	}
}

func (s *Supervisor) handleCommand(ctx context.Context, c command) {
	logging.Debug().Str("command", c.String()).Str("state", s.state.String()).Msg("Connection command")

	switch c {
	case cmdConnect:
		if s.state == Unauthorized {
			logging.Warn().Msg("Connect ignored while unauthorized")
			return
		}
		s.cancelRetry()
		s.attempt = 0
		s.dial(ctx)

	case cmdDisconnect:
		s.teardown(ctx, Offline)

	case cmdNetworkOnline:
		if s.grace != nil {
			s.grace.Stop()
			s.grace = nil
			logging.Info().Msg("Network back within grace, keeping session")
			return
		}
		if s.state == Offline || s.state == Reconnecting {
			s.cancelRetry()
			s.dial(ctx)
		}

	case cmdNetworkOffline:
		if s.state == Unauthorized || s.state == Offline || s.grace != nil {
			return
		}
		s.grace = time.NewTimer(s.cfg.OfflineGrace)

	case cmdAuthFailed:
		if s.state == Unauthorized {
			return
		}
		s.unauthorized(ctx, remote.ErrUnauthorized)

	case cmdReauthenticate:
		if s.state != Unauthorized {
			return
		}
		s.attempt = 0
		s.setState(Offline)
		s.dial(ctx)
	}
}

// dial drains any current session and opens a new one.
func (s *Supervisor) dial(ctx context.Context) {
	if s.session != nil {
		s.drain(ctx)
	}
	if s.state != Reconnecting {
		s.setState(Connecting)
	}

	sess, err := s.dialer.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.dialFailed(ctx, err)
		return
	}

	s.session = sess
	s.sessEvents = sess.Events()
	s.attempt = 0
	s.beginSuppression()
	s.setState(Online)
	logging.Info().Str("session_id", sess.ID()).Msg("Connection online")
}

func (s *Supervisor) dialFailed(ctx context.Context, err error) {
	if remote.IsUnauthorized(err) {
		s.unauthorized(ctx, err)
		return
	}
	s.attempt++
	metrics.ReconnectAttempts.Inc()
	logging.Warn().Err(err).
		Int("attempt", s.attempt).
		Dur("retry_in", s.cfg.ReconnectDelay).
		Msg("Connection attempt failed")
	s.scheduleRetry()
}

// sessionLost handles a session whose event stream ended.
func (s *Supervisor) sessionLost(ctx context.Context) {
	err := s.session.Err()
	if err == nil {
		err = errors.New("push session ended")
	}
	s.drain(ctx)

	if remote.IsUnauthorized(err) {
		s.unauthorized(ctx, err)
		return
	}
	logging.Warn().Err(err).Msg("Push session lost, reconnecting")
	s.attempt = 1
	metrics.ReconnectAttempts.Inc()
	s.scheduleRetry()
}

func (s *Supervisor) handleEvent(ctx context.Context, ev *models.Event) {
	switch ev.Type {
	case models.EventError:
		ev.Confirm()
		if ev.ManualLogout || remote.IsUnauthorized(ev.Err) {
			s.unauthorized(ctx, ev.Err)
			return
		}
		logging.Warn().Err(ev.Err).Msg("Push session reported an error, reconnecting")
		s.drain(ctx)
		s.attempt = 1
		s.scheduleRetry()
		return

	case models.EventReconnect:
		ev.Confirm()
		logging.Info().Msg("Server requested reconnect")
		s.attempt = 0
		s.dial(ctx)
		return

	case models.EventEmpty:
		s.endSuppression("queue empty")
	}

	ev.Silent = s.silent
	s.forward(ctx, ev)
}

func (s *Supervisor) forward(ctx context.Context, ev *models.Event) {
	select {
	case s.sink.Events() <- ev:
	case <-ctx.Done():
	}
}

// drain closes the session, pushes a barrier through the engine and waits
// for buffered receipts and queued jobs. Failures are logged; the swap
// proceeds regardless.
func (s *Supervisor) drain(ctx context.Context) {
	sess := s.session
	s.session = nil
	s.sessEvents = nil
	s.endSuppression("session closed")
	if sess == nil {
		return
	}

	log := logging.Ctx(ctx).With().Str("session_id", sess.ID()).Logger()
	if err := sess.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing push session failed")
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DrainTimeout)
	defer cancel()

	start := time.Now()
	barrier := models.NewEvent(models.EventBarrier, nil)
	barrier.SessionID = sess.ID()
	barrier.Done = make(chan struct{})

	select {
	case s.sink.Events() <- barrier:
	case <-dctx.Done():
		log.Warn().Msg("Drain timed out before the barrier was accepted")
		return
	}
	select {
	case <-barrier.Done:
	case <-dctx.Done():
		log.Warn().Msg("Drain timed out waiting for the barrier")
		return
	}
	if err := s.sink.Flush(dctx); err != nil {
		log.Warn().Err(err).Msg("Drain flush incomplete")
		return
	}
	s.updateStatus()
	log.Info().Dur("duration", time.Since(start)).Msg("Push session drained")
}

// teardown drains and moves to a resting state.
func (s *Supervisor) teardown(ctx context.Context, to State) {
	s.cancelRetry()
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.drain(ctx)
	if s.state != Unauthorized {
		s.attempt = 0
		s.setState(to)
	}
}

// unauthorized wipes bookkeeping and parks the supervisor until
// Reauthenticate.
func (s *Supervisor) unauthorized(ctx context.Context, cause error) {
	s.cancelRetry()
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.drain(ctx)

	wctx := context.WithoutCancel(ctx)
	removed, err := s.kv.WipeKV(wctx, KeepOnWipe)
	if err != nil {
		logging.Error().Err(err).Msg("Wiping credentials after authentication failure failed")
	}
	s.ledger.Reset()
	s.attempt = 0
	s.setState(Unauthorized)

	logging.Error().Err(cause).Int("settings_removed", removed).Msg("Authentication rejected, sync stopped until reauthentication")
}

func (s *Supervisor) scheduleRetry() {
	s.cancelRetry()
	s.retry = time.NewTimer(s.cfg.ReconnectDelay)
	s.retryAt = time.Now().Add(s.cfg.ReconnectDelay)
	s.countdown = time.NewTicker(countdownInterval)
	s.setState(Reconnecting)
}

func (s *Supervisor) cancelRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.countdown != nil {
		s.countdown.Stop()
		s.countdown = nil
	}
}

func (s *Supervisor) publishCountdown() {
	if s.retry == nil {
		return
	}
	s.publishState(max(time.Until(s.retryAt), 0))
}

func (s *Supervisor) beginSuppression() {
	s.silent = true
	if s.cfg.SuppressionWindow <= 0 {
		s.silent = false
		return
	}
	if s.suppression != nil {
		s.suppression.Stop()
	}
	s.suppression = time.NewTimer(s.cfg.SuppressionWindow)
	s.updateStatus()
}

func (s *Supervisor) endSuppression(reason string) {
	if s.suppression != nil {
		s.suppression.Stop()
		s.suppression = nil
	}
	if !s.silent {
		return
	}
	s.silent = false
	s.updateStatus()
	logging.Debug().Str("reason", reason).Msg("Notification suppression ended")
}

func (s *Supervisor) stopTimers() {
	s.cancelRetry()
	for _, t := range []*time.Timer{s.grace, s.suppression} {
		if t != nil {
			t.Stop()
		}
	}
	s.grace, s.suppression = nil, nil
}

func (s *Supervisor) degraded() bool {
	return s.attempt >= s.cfg.MaxAttempts
}

func (s *Supervisor) setState(to State) {
	from := s.state
	s.state = to
	metrics.ConnectionState.Set(float64(to))
	s.updateStatus()

	var retryIn time.Duration
	if to == Reconnecting {
		retryIn = s.cfg.ReconnectDelay
	}
	s.publishState(retryIn)

	if from != to {
		logging.Info().
			Str("from", from.String()).
			Str("to", to.String()).
			Int("attempt", s.attempt).
			Bool("degraded", s.degraded()).
			Msg("Connection state changed")
	}
}

func (s *Supervisor) updateStatus() {
	st := Status{
		State:       s.state.String(),
		Attempt:     s.attempt,
		Degraded:    s.degraded(),
		Suppressing: s.silent,
	}
	if s.session != nil {
		st.SessionID = s.session.ID()
	}
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Supervisor) publishState(retryIn time.Duration) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TopicConnectionState, events.ConnectionState{
		State:     s.state.String(),
		Attempt:   s.attempt,
		RetryInMs: retryIn.Milliseconds(),
		Degraded:  s.degraded(),
	})
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
