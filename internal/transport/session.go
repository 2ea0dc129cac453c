// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

// Package transport implements the push session: a websocket that delivers
// typed events and receives per-frame acknowledgements.
//
// A Session does not reconnect. When the socket fails the session ends, its
// Events channel is closed and Err reports why; the connection supervisor
// decides what happens next.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/chatsync/internal/config"
	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/metrics"
	"github.com/tomtom215/chatsync/internal/models"
	"github.com/tomtom215/chatsync/internal/remote"
)

// ErrSessionClosed is returned when writing to an ended session.
var ErrSessionClosed = errors.New("push session closed")

// eventBuffer is the number of decoded events a session holds before its
// reader blocks.
const eventBuffer = 64

// Dialer opens push sessions.
type Dialer struct {
	cfg      config.TransportConfig
	token    string
	deviceID int
}

// NewDialer creates a dialer for the configured endpoint.
func NewDialer(cfg config.TransportConfig, token string, deviceID int) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4 << 20
	}
	return &Dialer{cfg: cfg, token: token, deviceID: deviceID}
}

// Dial opens a session. A rejected handshake is returned as a
// *remote.HTTPError so 401/403 unwrap to remote.ErrUnauthorized.
func (d *Dialer) Dial(ctx context.Context) (*Session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  d.cfg.HandshakeTimeout,
		EnableCompression: true,
	}

	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}
	header.Set("X-Device-Id", strconv.Itoa(d.deviceID))

	conn, resp, err := dialer.DialContext(ctx, d.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		metrics.WSErrors.WithLabelValues("dial").Inc()
		if resp != nil {
			return nil, fmt.Errorf("push handshake: %w", &remote.HTTPError{Endpoint: "push", StatusCode: resp.StatusCode})
		}
		return nil, fmt.Errorf("push dial: %w", err)
	}

	s := newSession(conn, d.cfg)
	logging.Info().Str("session_id", s.id).Msg("Push session connected")
	s.start()
	return s, nil
}

// Session is one live push connection.
type Session struct {
	id   string
	conn *websocket.Conn
	cfg  config.TransportConfig

	writeMu sync.Mutex

	events chan *models.Event
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newSession(conn *websocket.Conn, cfg config.TransportConfig) *Session {
	conn.SetReadLimit(cfg.ReadLimit)
	return &Session{
		id:     uuid.NewString(),
		conn:   conn,
		cfg:    cfg,
		events: make(chan *models.Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (s *Session) start() {
	metrics.WSConnections.Inc()
	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()
}

// ID returns the session id carried by every event it produces.
func (s *Session) ID() string { return s.id }

// Events returns the decoded event stream. It is closed when the session ends.
func (s *Session) Events() <-chan *models.Event { return s.events }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, or nil while it is live or after Close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	readTimeout := 2 * s.cfg.PingInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		metrics.WSMessagesReceived.Inc()

		ev := s.handleFrame(data)
		if ev == nil {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// handleFrame decodes one frame. Frames that cannot be decoded are logged,
// acknowledged and dropped so the server does not redeliver them.
func (s *Session) handleFrame(data []byte) *models.Event {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		metrics.WSErrors.WithLabelValues("decode").Inc()
		logging.Warn().Err(err).Str("session_id", s.id).Msg("Dropping undecodable push frame")
		return nil
	}

	id := f.ID
	ack := func() {
		if id == "" {
			return
		}
		if err := s.ack(id); err != nil {
			logging.Debug().Err(err).Str("session_id", s.id).Str("frame_id", id).Msg("Push ack not sent")
		}
	}

	ev, err := decodeEvent(&f, ack)
	if err != nil {
		metrics.WSErrors.WithLabelValues("malformed").Inc()
		logging.Warn().Err(err).Str("session_id", s.id).Str("frame_id", id).Msg("Dropping malformed push frame")
		ack()
		return nil
	}
	ev.SessionID = s.id
	return ev
}

func (s *Session) ack(id string) error {
	data, err := json.Marshal(Frame{ID: id, Type: frameAck})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				metrics.WSErrors.WithLabelValues("ping").Inc()
				s.fail(fmt.Errorf("push ping: %w", err))
				return
			}
		}
	}
}

// fail ends the session with err unless it was already ended.
func (s *Session) fail(err error) {
	s.shutdown(func() {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			logging.Info().Str("session_id", s.id).Msg("Push session closed by server")
		} else {
			metrics.WSErrors.WithLabelValues("read").Inc()
			logging.Warn().Err(err).Str("session_id", s.id).Msg("Push session failed")
		}
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
	})
}

func (s *Session) shutdown(before func()) {
	s.closeOnce.Do(func() {
		if before != nil {
			before()
		}
		s.writeMu.Lock()
		close(s.done)
		s.writeMu.Unlock()

		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = s.conn.Close()
		metrics.WSConnections.Dec()
	})
}

// Close ends the session and waits for its goroutines. Safe to call more
// than once.
func (s *Session) Close() error {
	s.shutdown(func() {
		logging.Info().Str("session_id", s.id).Msg("Push session closing")
	})
	s.wg.Wait()
	return nil
}
