package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/votebot/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// Event types streamed on /v1/ws.
const (
	EventProgress = "progress"
	EventPhase    = "phase"
	EventAttempt  = "attempt"
	EventProbe    = "probe"
)

// Event is one message on the stream.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

const writeTimeout = 5 * time.Second

// Hub fans run events out to WebSocket clients. It implements the
// orchestrator's observer interface.
type Hub struct {
	logger *slog.Logger
	// current, when set, is sent to each client as it connects.
	current func() types.Progress

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub. current may be nil.
func NewHub(current func() types.Progress, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With(slog.String("component", "ws")),
		current: current,
		clients: make(map[*websocket.Conn]bool),
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		// The broadcast loop cannot see conn until it is registered, so this
		// write does not race with it.
		if h.current != nil {
			if data, err := json.Marshal(Event{Type: EventProgress, Time: time.Now(), Data: h.current()}); err == nil {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				conn.WriteMessage(websocket.TextMessage, data)
			}
		}

		h.clientsMu.Lock()
		h.clients[conn] = true
		total := len(h.clients)
		h.clientsMu.Unlock()
		h.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, conn)
			total := len(h.clients)
			h.clientsMu.Unlock()
			conn.Close()
			h.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Start begins the broadcast goroutine.
func (h *Hub) Start() {
	go h.broadcastLoop()
}

// Stop stops broadcasting and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.clientsMu.Lock()
		for conn := range h.clients {
			conn.Close()
		}
		h.clients = make(map[*websocket.Conn]bool)
		h.clientsMu.Unlock()
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Progress(p types.Progress)     { h.publish(EventProgress, p) }
func (h *Hub) PhaseDone(p types.PhaseReport) { h.publish(EventPhase, p) }
func (h *Hub) Attempt(a types.VoteAttempt)   { h.publish(EventAttempt, a) }
func (h *Hub) Probe(p types.SecurityProbe)   { h.publish(EventProbe, p) }

// publish never blocks the run; events are dropped when the buffer is full.
func (h *Hub) publish(kind string, data any) {
	select {
	case h.events <- Event{Type: kind, Time: time.Now(), Data: data}:
	default:
		h.logger.Debug("dropping event, buffer full", slog.String("type", kind))
	}
}

func (h *Hub) broadcastLoop() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal event", slog.String("error", err.Error()))
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// The read loop removes the client.
			h.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
		}
	}
}
