package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockWebSocketConn records written frames.
type mockWebSocketConn struct {
	sentMessages []sentMessage
}

type sentMessage struct {
	messageType int
	data        []byte
}

func (m *mockWebSocketConn) WriteMessage(messageType int, data []byte) error {
	m.sentMessages = append(m.sentMessages, sentMessage{messageType: messageType, data: data})
	return nil
}

func TestSendWebSocketMessage(t *testing.T) {
	conn := &mockWebSocketConn{}

	err := sendWebSocketMessage(conn, WebSocketMessage{Type: "progress", RunID: "r1", Payload: map[string]int{"current": 2}})
	require.NoError(t, err)

	require.Len(t, conn.sentMessages, 1)
	assert.Equal(t, websocket.TextMessage, conn.sentMessages[0].messageType)
	assert.JSONEq(t, `{"type":"progress","run_id":"r1","payload":{"current":2}}`, string(conn.sentMessages[0].data))
}

func TestHub_BroadcastFiltersByRun(t *testing.T) {
	metrics := newHTTPMetrics(prometheus.NewRegistry())
	h := newHub(metrics, slog.Default())

	all := h.register("")
	one := h.register("r1")
	other := h.register("r2")
	assert.InDelta(t, 3, promtest.ToFloat64(metrics.wsConnections), 0)

	h.broadcast("r1", "progress", nil)

	assert.Len(t, all.send, 1)
	assert.Len(t, one.send, 1)
	assert.Empty(t, other.send)

	var msg WebSocketMessage
	require.NoError(t, json.Unmarshal(<-one.send, &msg))
	assert.Equal(t, "progress", msg.Type)
	assert.Equal(t, "r1", msg.RunID)

	h.unregister(other)
	h.unregister(other)
	assert.InDelta(t, 2, promtest.ToFloat64(metrics.wsConnections), 0)

	h.closeAll()
	assert.InDelta(t, 0, promtest.ToFloat64(metrics.wsConnections), 0)
	_, open := <-all.send
	assert.True(t, open, "queued message is still delivered")
	_, open = <-all.send
	assert.False(t, open)
}

func TestHub_DropsWhenClientIsSlow(t *testing.T) {
	metrics := newHTTPMetrics(prometheus.NewRegistry())
	h := newHub(metrics, slog.Default())
	c := h.register("")

	for range wsSendBuffer + 5 {
		h.broadcast("r1", "progress", nil)
	}

	assert.Len(t, c.send, wsSendBuffer)
	assert.InDelta(t, wsSendBuffer, promtest.ToFloat64(metrics.wsMessagesTotal.WithLabelValues("sent")), 0)
	assert.InDelta(t, 5, promtest.ToFloat64(metrics.wsMessagesTotal.WithLabelValues("dropped")), 0)
}

func dialRuns(t *testing.T, ts *testServer, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/runs" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func readMessage(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WebSocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestRunsWebSocket_StreamsRunEvents(t *testing.T) {
	ts := newTestServer(t, processorFunc(succeed))

	conn, _, err := dialRuns(t, ts, "")
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	assert.Equal(t, "connected", readMessage(t, conn).Type)

	v := ts.submit(t, "")

	counts := map[string]int{}
	for {
		msg := readMessage(t, conn)
		assert.Equal(t, v.ID, msg.RunID)
		counts[msg.Type]++
		if msg.Type == "run_completed" {
			payload, err := json.Marshal(msg.Payload)
			require.NoError(t, err)
			var done RunView
			require.NoError(t, json.Unmarshal(payload, &done))
			assert.Equal(t, RunCompleted, done.Status)
			break
		}
	}

	assert.Equal(t, map[string]int{
		"run_started":    1,
		"record_started": 3,
		"record_done":    3,
		"progress":       3,
		"run_completed":  1,
	}, counts)
}

func TestRunsWebSocket_UnknownRun(t *testing.T) {
	ts := newTestServer(t, processorFunc(succeed))

	_, resp, err := dialRuns(t, ts, "?run=missing")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunsWebSocket_CloseDisconnects(t *testing.T) {
	ts := newTestServer(t, processorFunc(succeed))

	conn, _, err := dialRuns(t, ts, "")
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	assert.Equal(t, "connected", readMessage(t, conn).Type)

	require.NoError(t, ts.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
