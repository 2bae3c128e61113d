package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/foreman/pkg/models"
)

// wsClient wraps a test WebSocket connection with JSON helpers.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	ctx  context.Context
}

func dialWS(t *testing.T, f *apiFixture) *wsClient {
	t.Helper()
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	return &wsClient{t: t, conn: conn, ctx: ctx}
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(c.ctx, websocket.MessageText, data))
}

func (c *wsClient) read() map[string]any {
	c.t.Helper()
	_, data, err := c.conn.Read(c.ctx)
	require.NoError(c.t, err)
	var msg map[string]any
	require.NoError(c.t, json.Unmarshal(data, &msg))
	return msg
}

func (c *wsClient) readType() string {
	c.t.Helper()
	msg := c.read()
	typ, _ := msg["type"].(string)
	return typ
}

func TestWebSocketSubscribeReceivesEvents(t *testing.T) {
	f := newAPIFixture(t)
	c := dialWS(t, f)

	assert.Equal(t, "connection.established", c.readType())

	c.send(ClientMessage{Action: "subscribe", Channel: "wo-1"})
	assert.Equal(t, "subscription.confirmed", c.readType())

	f.stream.Publish("wo-1", models.EventProgressUpdate, map[string]any{"progress": 50})

	msg := c.read()
	assert.Equal(t, "event", msg["type"])
	assert.Equal(t, "wo-1", msg["channel"])
	event, ok := msg["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(models.EventProgressUpdate), event["type"])
}

func TestWebSocketGlobalChannel(t *testing.T) {
	f := newAPIFixture(t)
	c := dialWS(t, f)
	assert.Equal(t, "connection.established", c.readType())

	c.send(ClientMessage{Action: "subscribe", Channel: ChannelAllWorkOrders})
	assert.Equal(t, "subscription.confirmed", c.readType())

	f.stream.Publish("wo-a", models.EventTaskStart, nil)
	f.stream.Publish("wo-b", models.EventTaskComplete, nil)

	first := c.read()
	second := c.read()
	assert.Equal(t, ChannelAllWorkOrders, first["channel"])
	assert.Equal(t, ChannelAllWorkOrders, second["channel"])
}

func TestWebSocketHistoryReplay(t *testing.T) {
	f := newAPIFixture(t)
	f.stream.Publish("wo-1", models.EventPhaseStart, map[string]any{"phaseId": "p1"})
	f.stream.Publish("wo-1", models.EventPhaseComplete, map[string]any{"phaseId": "p1"})

	c := dialWS(t, f)
	assert.Equal(t, "connection.established", c.readType())

	c.send(ClientMessage{Action: "history", Channel: "wo-1"})
	assert.Equal(t, "event", c.readType())
	assert.Equal(t, "event", c.readType())

	done := c.read()
	assert.Equal(t, "history.complete", done["type"])
	assert.Equal(t, float64(2), done["count"])
}

func TestWebSocketUnsubscribeStopsDelivery(t *testing.T) {
	f := newAPIFixture(t)
	c := dialWS(t, f)
	assert.Equal(t, "connection.established", c.readType())

	c.send(ClientMessage{Action: "subscribe", Channel: "wo-1"})
	assert.Equal(t, "subscription.confirmed", c.readType())

	c.send(ClientMessage{Action: "unsubscribe", Channel: "wo-1"})
	// Unsubscribe has no acknowledgement; ping/pong provides the fence
	// proving the server processed it before the publish below.
	c.send(ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", c.readType())

	f.stream.Publish("wo-1", models.EventProgressUpdate, map[string]any{"progress": 90})

	// The next read must not observe the dropped event; a second ping
	// round trip shows the write path is drained.
	c.send(ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", c.readType())
}

func TestWebSocketValidation(t *testing.T) {
	f := newAPIFixture(t)
	c := dialWS(t, f)
	assert.Equal(t, "connection.established", c.readType())

	c.send(ClientMessage{Action: "subscribe"})
	assert.Equal(t, "error", c.readType())

	c.send(ClientMessage{Action: "history", Channel: ChannelAllWorkOrders})
	assert.Equal(t, "error", c.readType())
}
