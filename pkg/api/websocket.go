package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/forgeline/foreman/pkg/events"
)

// ChannelAllWorkOrders subscribes a client to the events of every work
// order.
const ChannelAllWorkOrders = "workorders"

// defaultWriteTimeout bounds each WebSocket send so one stalled client
// cannot wedge its pump goroutines.
const defaultWriteTimeout = 10 * time.Second

// ConnectionManager manages WebSocket connections and bridges stream
// subscriptions onto them.
type ConnectionManager struct {
	stream *events.Stream

	mu          sync.RWMutex
	connections map[string]*Connection

	writeTimeout time.Duration
}

// Connection is a single WebSocket client.
//
// subscriptions is accessed only from the goroutine that owns the
// connection (HandleConnection's read loop and its deferred cleanup).
// Writes are serialized on writeMu because each subscribed channel pumps
// events from its own goroutine.
type Connection struct {
	ID   string
	Conn *websocket.Conn

	writeMu       sync.Mutex
	subscriptions map[string]func() // channel → stream unsubscribe

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnectionManager creates a connection manager over the given
// update stream.
func NewConnectionManager(stream *events.Stream, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		stream:       stream,
		connections:  make(map[string]*Connection),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages the lifecycle of a single WebSocket
// connection. Called by the HTTP handler after upgrade; blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]func()),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or errored — exit the read loop.
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(c, &msg)
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		m.subscribe(c, msg.Channel)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "history":
		if msg.Channel == "" || msg.Channel == ChannelAllWorkOrders {
			m.sendJSON(c, map[string]string{"type": "error", "message": "history requires a work order channel"})
			return
		}
		m.sendHistory(c, msg.Channel)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe attaches the connection to a channel and starts a pump
// goroutine feeding stream events to it. Subscribing twice to the same
// channel is a no-op.
func (m *ConnectionManager) subscribe(c *Connection, channel string) {
	if _, exists := c.subscriptions[channel]; exists {
		return
	}

	ch, cancelSub := m.stream.Subscribe(streamChannel(channel))
	c.subscriptions[channel] = cancelSub

	// The pump exits when cancelSub (or stream shutdown) closes ch.
	go func() {
		for ev := range ch {
			data, err := json.Marshal(eventEnvelope{Type: "event", Channel: channel, Event: ev})
			if err != nil {
				continue
			}
			if err := m.sendRaw(c, data); err != nil {
				slog.Warn("Failed to send to WebSocket client",
					"connection_id", c.ID, "channel", channel, "error", err)
			}
		}
	}()
}

// unsubscribe detaches the connection from a channel, stopping its pump.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	if cancelSub, exists := c.subscriptions[channel]; exists {
		cancelSub()
		delete(c.subscriptions, channel)
	}
}

// sendHistory replays the retained event log of one work order so a
// late subscriber can catch up.
func (m *ConnectionManager) sendHistory(c *Connection, channel string) {
	history := m.stream.History(channel)
	for _, ev := range history {
		data, err := json.Marshal(eventEnvelope{Type: "event", Channel: channel, Event: ev})
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, data); err != nil {
			slog.Warn("Failed to send history event",
				"connection_id", c.ID, "channel", channel, "error", err)
			return
		}
	}
	m.sendJSON(c, map[string]any{
		"type":    "history.complete",
		"channel": channel,
		"count":   len(history),
	})
}

// streamChannel maps the wire channel name to the stream's channel key.
func streamChannel(channel string) string {
	if channel == ChannelAllWorkOrders {
		return events.GlobalChannel
	}
	return channel
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch, cancelSub := range c.subscriptions {
		cancelSub()
		delete(c.subscriptions, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
// The connection allows one writer at a time; pump goroutines and the
// read loop serialize on writeMu.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
