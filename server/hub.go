package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Per-client send buffer; slow consumers past this are dropped
	sendBuffer = 64
)

// RunEvent is the wire format of the finished-run stream.
type RunEvent struct {
	Type       string    `json:"type"` // always "run_finished"
	EndpointID string    `json:"endpoint_id"`
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	StatusCode *int      `json:"status_code,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Source     string    `json:"source"`
	At         time.Time `json:"at"`
}

// Hub fans finished-run events out to websocket subscribers. Implements
// schedule.RunBroadcaster so the scheduler stays unaware of websockets.
type Hub struct {
	logger     *zap.SugaredLogger
	broadcast  chan RunEvent
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}
	wg         sync.WaitGroup
}

type streamClient struct {
	conn *websocket.Conn
	send chan RunEvent
}

// NewHub creates a broadcast hub.
func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		logger:     log,
		broadcast:  make(chan RunEvent, 256),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
	}
}

// Start launches the fan-out loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop terminates the fan-out loop and closes client connections.
func (h *Hub) Stop() {
	close(h.done)
	h.wg.Wait()
}

// BroadcastRunFinished queues a run event for all subscribers. Non-blocking:
// if the hub is saturated the event is dropped, the stream is a best-effort
// observability feed.
func (h *Hub) BroadcastRunFinished(endpointID, runID, status string, statusCode *int, durationMs int64, source string) {
	event := RunEvent{
		Type:       "run_finished",
		EndpointID: endpointID,
		RunID:      runID,
		Status:     status,
		StatusCode: statusCode,
		DurationMs: durationMs,
		Source:     source,
		At:         time.Now().UTC(),
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Debugw("Dropped run event, broadcast queue full",
			"endpoint_id", endpointID, "run_id", runID)
	}
}

func (h *Hub) run() {
	defer h.wg.Done()

	clients := make(map[*streamClient]bool)
	defer func() {
		for client := range clients {
			close(client.send)
		}
	}()

	for {
		select {
		case <-h.done:
			return
		case client := <-h.register:
			clients[client] = true
			h.logger.Debugw("Run stream client connected", "clients", len(clients))
		case client := <-h.unregister:
			if clients[client] {
				delete(clients, client)
				close(client.send)
			}
			h.logger.Debugw("Run stream client disconnected", "clients", len(clients))
		case event := <-h.broadcast:
			for client := range clients {
				select {
				case client.send <- event:
				default:
					// Slow consumer: drop it rather than stall the hub.
					delete(clients, client)
					close(client.send)
				}
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ops server is internal; same-origin enforcement happens at the
	// network boundary.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleRunStream upgrades the connection and subscribes it to run events.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Failed to upgrade run stream connection", "error", err)
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan RunEvent, sendBuffer),
	}
	s.hub.register <- client

	go s.hub.writePump(client)
	go s.hub.readPump(client)
}

// writePump pushes events and pings to one client.
func (h *Hub) writePump(client *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Warnw("Failed to marshal run event", "error", err)
				continue
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection to process pongs and detect closure.
func (h *Hub) readPump(client *streamClient) {
	defer func() {
		h.unregister <- client
		client.conn.Close()
	}()

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
