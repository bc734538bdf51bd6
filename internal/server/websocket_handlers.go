package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 64
)

// WebSocket upgrader with reasonable defaults.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketMessage is one progress event. RunID is empty for connection
// level messages.
type WebSocketMessage struct {
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// WebSocketConnWriter is an interface for writing WebSocket messages.
type WebSocketConnWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// sendWebSocketMessage writes msg as a JSON text frame.
func sendWebSocketMessage(conn WebSocketConnWriter, msg WebSocketMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// wsClient is one subscriber. An empty runID subscribes to every run.
type wsClient struct {
	runID string
	send  chan []byte
}

// hub fans run events out to websocket subscribers. A subscriber that
// cannot keep up loses messages rather than stalling the workers.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	metrics *httpMetrics
	logger  *slog.Logger
}

func newHub(metrics *httpMetrics, logger *slog.Logger) *hub {
	return &hub{clients: make(map[*wsClient]struct{}), metrics: metrics, logger: logger}
}

func (h *hub) register(runID string) *wsClient {
	c := &wsClient{runID: runID, send: make(chan []byte, wsSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.wsConnections.Inc()
	return c
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		h.metrics.wsConnections.Dec()
	}
}

func (h *hub) broadcast(runID, typ string, payload any) {
	data, err := json.Marshal(WebSocketMessage{Type: typ, RunID: runID, Payload: payload})
	if err != nil {
		h.logger.Error("Failed to encode websocket message", "type", typ, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.runID != "" && c.runID != runID {
			continue
		}
		select {
		case c.send <- data:
			h.metrics.wsMessagesTotal.WithLabelValues("sent").Inc()
		default:
			h.metrics.wsMessagesTotal.WithLabelValues("dropped").Inc()
		}
	}
}

// closeAll disconnects every subscriber.
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.unregister(c)
	}
}

// runsWebSocketHandler streams run events. ?run=<id> limits the stream to
// one run.
func (s *Server) runsWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run")
	if runID != "" {
		if _, ok := s.runs.get(runID); !ok {
			s.writeError(w, http.StatusNotFound, "not_found", "unknown run id")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	client := s.hub.register(runID)
	defer s.hub.unregister(client)
	s.logger.Info("WebSocket connection established", "remote_addr", r.RemoteAddr, "run_id", runID)

	// The hello frame tells the client it is subscribed.
	if err := sendWebSocketMessage(conn, WebSocketMessage{Type: "connected", RunID: runID}); err != nil {
		return
	}

	go s.writeWebSocket(conn, client)
	s.readWebSocket(conn)
}

// writeWebSocket drains the client queue and keeps the connection alive.
func (s *Server) writeWebSocket(conn *websocket.Conn, client *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readWebSocket consumes client frames until the connection closes. Clients
// only send control frames; anything else is ignored.
func (s *Server) readWebSocket(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error("WebSocket error", "error", err)
			}
			return
		}
	}
}
