// Package realtime streams fraud decisions to monitors over WebSocket.
//
// Every assessment the agent produces and every verification answer is
// fanned out to connected monitors whose Subscription matches it. A monitor
// that cannot keep up is disconnected rather than slowing the agent down.
//
// Hub implements agent.Publisher.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/verifai/internal/agent"
	"github.com/mbd888/verifai/internal/metrics"
)

// EventType names a feed event.
type EventType string

const (
	EventAssessment   EventType = "assessment"
	EventVerification EventType = "verification"
)

// Event is one message on the decision feed.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// MaxClients caps concurrent monitor connections.
const MaxClients = 10000

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers must come from the page this server serves; non-browser
	// clients send no Origin.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Hub owns the set of connected monitors. Membership changes and fan-out
// happen on the Run goroutine.
type Hub struct {
	logger     *slog.Logger
	maxClients int

	mu      sync.RWMutex
	clients map[*Client]struct{}

	events     chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns

	published atomic.Int64
	connects  atomic.Int64
	peak      atomic.Int64
	dropped   atomic.Int64
}

// NewHub returns a hub that is idle until Run is called.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		maxClients: MaxClients,
		clients:    make(map[*Client]struct{}),
		events:     make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then disconnects every monitor.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("decision feed started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("decision feed stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.drop(c)
		case e := <-h.events:
			h.fanOut(e)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := int64(len(h.clients))
	h.mu.Unlock()

	h.connects.Add(1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("monitor connected", "connected", n)
}

// drop removes c and closes its queue. Dropping an unknown client is a no-op.
func (h *Hub) drop(cs ...*Client) {
	h.mu.Lock()
	for _, c := range cs {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("monitor disconnected", "connected", n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
	}
	clear(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

func (h *Hub) fanOut(e *Event) {
	h.published.Add(1)
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("failed to encode feed event", "type", e.Type, "error", err)
		return
	}

	var lagging []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(e) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	if len(lagging) > 0 {
		h.drop(lagging...)
	}
}

// Broadcast queues e for fan-out. It never blocks; when the queue is full
// the event is counted as dropped.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.events <- e:
	default:
		h.dropped.Add(1)
		h.logger.Warn("decision feed queue full, dropping event", "type", e.Type)
	}
}

// PublishAssessment streams a decided transaction.
func (h *Hub) PublishAssessment(a *agent.Assessment) {
	h.Broadcast(&Event{Type: EventAssessment, Timestamp: a.DecidedAt, Data: a})
}

// PublishFeedback streams a verification answer.
func (h *Hub) PublishFeedback(f agent.FeedbackRecord) {
	h.Broadcast(&Event{Type: EventVerification, Timestamp: f.ReceivedAt, Data: f})
}

// Stats reports connection and event counters for /api/v1/stats.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return map[string]any{
		"connectedClients": n,
		"totalEvents":      h.published.Load(),
		"totalClients":     h.connects.Load(),
		"peakClients":      h.peak.Load(),
		"droppedEvents":    h.dropped.Load(),
	}
}

// HandleWebSocket upgrades a monitor connection. Query parameters user,
// decision and min_amount preset the subscription; the monitor may replace
// it later by sending a Subscription as JSON.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sub := ParseSubscription(r.URL.Query())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), sub: sub}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
