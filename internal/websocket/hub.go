// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package websocket

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/chatsync/internal/events"
	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/metrics"
)

// ShutdownReason describes why the hub stopped.
type ShutdownReason string

const (
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Message types sent to clients.
const (
	MessageTypeConversationChanged = "conversation_changed"
	MessageTypeUnreadChanged       = "unread_changed"
	MessageTypeConnectionState     = "connection_state"
	MessageTypeSyncProgress        = "sync_progress"
	MessageTypePing                = "ping"
	MessageTypePong                = "pong"
)

// topicTypes maps bus topics to the message type clients see.
var topicTypes = map[string]string{
	events.TopicConversationChanged: MessageTypeConversationChanged,
	events.TopicUnreadChanged:       MessageTypeUnreadChanged,
	events.TopicConnectionState:     MessageTypeConnectionState,
	events.TopicSyncProgress:        MessageTypeSyncProgress,
}

// Message is a websocket frame. Data carries the bus payload unchanged.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Subscriber is the subscribing side of the presentation bus.
// Satisfied by *events.Bus.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// Hub fans presentation bus messages out to websocket clients.
type Hub struct {
	source Subscriber

	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a hub relaying from source. source may be nil, in which
// case only Broadcast feeds clients.
func NewHub(source Subscriber) *Hub {
	return &Hub{
		source:     source,
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// RunWithContext subscribes to every presentation topic and serves clients
// until ctx is done. It returns ctx.Err() on shutdown so it can run as a
// supervised service.
func (h *Hub) RunWithContext(ctx context.Context) error {
	// Relays and subscriptions end with this run, including on a failed start.
	relayCtx, stopRelays := context.WithCancel(ctx)
	defer stopRelays()

	if h.source != nil {
		topics := make([]string, 0, len(topicTypes))
		for topic := range topicTypes {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
		for _, topic := range topics {
			msgs, err := h.source.Subscribe(relayCtx, topic)
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", topic, err)
			}
			go h.relay(relayCtx, topicTypes[topic], msgs)
		}
	}

	for {
		// Registration changes are handled before broadcasts so a client
		// registered before a message is sent always receives it.
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

func (h *Hub) relay(ctx context.Context, msgType string, msgs <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			payload := append(json.RawMessage(nil), msg.Payload...)
			msg.Ack()
			h.Broadcast(Message{Type: msgType, Data: payload})
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()
	metrics.StreamClients.Set(float64(n))
	logging.Info().Uint64("client_id", client.id).Int("total_clients", n).Msg("Stream client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.StreamClients.Set(float64(n))
	logging.Info().Uint64("client_id", client.id).Int("total_clients", n).Msg("Stream client disconnected")
}

func (h *Hub) logGracefulShutdown(ctx context.Context) {
	count := h.ClientCount()
	h.closeAllClients()
	logging.Info().
		Str("component", "stream-hub").
		Str("reason", string(getShutdownReason(ctx))).
		Int("clients_closed", count).
		Msg("Stream hub stopped")
}

func getShutdownReason(ctx context.Context) ShutdownReason {
	if ctx.Err() == context.DeadlineExceeded {
		return ShutdownReasonContextDeadline
	}
	return ShutdownReasonContextCanceled
}

// sortedClients returns clients in connection order. Callers hold h.mu.
func (h *Hub) sortedClients() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	return clients
}

// broadcastToClients delivers msg to every client. A client whose buffer is
// full is dropped.
func (h *Hub) broadcastToClients(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var slow []*Client
	for _, client := range h.sortedClients() {
		select {
		case client.send <- msg:
		default:
			slow = append(slow, client)
		}
	}

	for _, client := range slow {
		close(client.send)
		delete(h.clients, client)
		metrics.StreamMessagesDropped.WithLabelValues("client_full").Inc()
		logging.Warn().Uint64("client_id", client.id).Msg("Stream client too slow, disconnecting")
	}
	if len(slow) > 0 {
		metrics.StreamClients.Set(float64(len(h.clients)))
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.sortedClients() {
		close(client.send)
		delete(h.clients, client)
	}
	metrics.StreamClients.Set(0)
}

// Broadcast queues msg for every client. It never blocks; the message is
// dropped when the hub is backed up.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		metrics.StreamMessagesDropped.WithLabelValues("hub_full").Inc()
		logging.Warn().Str("message_type", msg.Type).Msg("Stream broadcast channel full, dropping message")
	}
}

// BroadcastJSON marshals data and broadcasts it as msgType.
func (h *Hub) BroadcastJSON(msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	h.Broadcast(Message{Type: msgType, Data: raw})
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
