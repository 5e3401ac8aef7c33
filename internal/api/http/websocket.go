package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/events"
	"github.com/saltfish/wfsearch/internal/planner"
	"github.com/saltfish/wfsearch/internal/strategy"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 512
	sendBufferSize = 256
)

// EventTypeJobResult is broadcast for every result a strategy handles. The other
// message types reuse the event types of the events package.
const EventTypeJobResult = "job.result"

// JobResultMessage is the data of a job.result message.
type JobResultMessage struct {
	RunID   uuid.UUID              `json:"run_id"`
	JobID   int64                  `json:"job_id"`
	Outcome strategy.ResultOutcome `json:"outcome"`
}

// WSMessage is the envelope of every message sent to clients.
type WSMessage struct {
	Type      string      `json:"type"`
	RunID     string      `json:"run_id,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// SubscriptionMessage narrows or widens what a client receives.
// Action is "subscribe" or "unsubscribe".
type SubscriptionMessage struct {
	Action     string      `json:"action"`
	EventTypes []string    `json:"event_types,omitempty"`
	RunIDs     []uuid.UUID `json:"run_ids,omitempty"`
}

// filter selects messages by event type and run. An empty set matches everything.
type filter struct {
	types map[string]bool
	runs  map[uuid.UUID]bool
}

func newFilter() filter {
	return filter{types: make(map[string]bool), runs: make(map[uuid.UUID]bool)}
}

func (f filter) matches(eventType string, runID uuid.UUID) bool {
	if len(f.types) > 0 && !f.types[eventType] {
		return false
	}
	return len(f.runs) == 0 || f.runs[runID]
}

// outbound is an encoded message waiting for the hub loop.
type outbound struct {
	eventType string
	runID     uuid.UUID
	data      []byte
}

// Client is one websocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	pongs  chan struct{} // text pongs owed to the peer; never closed
	logger *zap.Logger

	mu     sync.RWMutex
	filter filter
}

func newClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		pongs:  make(chan struct{}, 1),
		logger: logger,
		filter: newFilter(),
	}
}

// Hub fans run progress out to websocket clients. It observes every strategy and
// run; only the Run goroutine touches the client set.
type Hub struct {
	logger *zap.Logger

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a Hub. Call Run to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// Run is the hub loop. It returns after Shutdown.
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.Int("total_clients", n))

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-h.done:
			h.closeAll()
			return
		}
	}
}

func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.clients {
		if !c.wants(msg.eventType, msg.runID) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow websocket client")
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Debug("Client unregistered", zap.Int("total_clients", len(h.clients)))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	}
	clear(h.clients)
}

// Broadcast queues a message for every client whose filter matches. Messages are
// dropped when the hub falls behind.
func (h *Hub) Broadcast(runID uuid.UUID, eventType string, data interface{}) {
	msg := WSMessage{Type: eventType, Data: data, Timestamp: time.Now()}
	if runID != uuid.Nil {
		msg.RunID = runID.String()
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err), zap.String("event_type", eventType))
		return
	}

	select {
	case h.broadcast <- outbound{eventType: eventType, runID: runID, data: encoded}:
	default:
		h.logger.Warn("Broadcast channel full, dropping message", zap.String("event_type", eventType))
	}
}

func (h *Hub) OnPlanned(runID uuid.UUID, windows []planner.Window, took time.Duration) {
	h.Broadcast(runID, events.EventTypeIterationPlanned, events.NewIterationPlannedEvent(runID, windows, took))
}

func (h *Hub) OnDispatched(job *domain.Job) {
	h.Broadcast(job.RunID, events.EventTypeJobDispatched, events.NewJobEvent(events.EventTypeJobDispatched, job))
}

func (h *Hub) OnResult(runID uuid.UUID, jobID int64, outcome strategy.ResultOutcome) {
	h.Broadcast(runID, EventTypeJobResult, JobResultMessage{RunID: runID, JobID: jobID, Outcome: outcome})
}

func (h *Hub) OnPromoted(job *domain.Job, score decimal.Decimal) {
	h.Broadcast(job.RunID, events.EventTypeParametersPromoted, events.NewParametersPromotedEvent(job, score))
}

// OnCompleted is a no-op; RunFinished reports the terminal status.
func (h *Hub) OnCompleted(uuid.UUID) {}

func (h *Hub) RunStarted(run *domain.Run) {
	h.Broadcast(run.ID, events.EventTypeRunStarted, events.NewRunStartedEvent(run))
}

func (h *Hub) RunFinished(run *domain.Run) {
	event := events.NewRunFinishedEvent(run)
	h.Broadcast(run.ID, event.EventType, event)
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown stops the hub and disconnects every client.
func (h *Hub) Shutdown() {
	close(h.done)
}

func (c *Client) wants(eventType string, runID uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.matches(eventType, runID)
}

func (c *Client) apply(sub SubscriptionMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch sub.Action {
	case "subscribe":
		for _, t := range sub.EventTypes {
			c.filter.types[t] = true
		}
		for _, id := range sub.RunIDs {
			c.filter.runs[id] = true
		}
	case "unsubscribe":
		for _, t := range sub.EventTypes {
			delete(c.filter.types, t)
		}
		for _, id := range sub.RunIDs {
			delete(c.filter.runs, id)
		}
	default:
		c.logger.Debug("Unknown subscription action", zap.String("action", sub.Action))
		return
	}

	c.logger.Debug("Subscription changed",
		zap.String("action", sub.Action),
		zap.Strings("event_types", sub.EventTypes),
		zap.Int("runs", len(sub.RunIDs)),
	)
}

// readPump applies subscription messages until the connection fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	extend := func() { c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	extend()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error { extend(); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		extend()

		// Browsers cannot send ping frames. Only writePump writes to the
		// connection; pings arriving faster than pongs go out collapse into one.
		if string(message) == "ping" {
			select {
			case c.pongs <- struct{}{}:
			default:
			}
			continue
		}

		var sub SubscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.logger.Debug("Ignoring malformed client message", zap.Error(err))
			continue
		}
		c.apply(sub)
	}
}

// writePump is the connection's only writer: queued messages, text pongs and
// ping frames all go out from here.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.pongs:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The hub only pushes progress events; any origin may listen.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and registers the client. Repeated run_id and
// event_type query parameters preset the client's subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	sub := SubscriptionMessage{Action: "subscribe", EventTypes: r.URL.Query()["event_type"]}
	for _, raw := range r.URL.Query()["run_id"] {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, domain.ErrInvalidInput, "invalid run_id "+raw)
			return
		}
		sub.RunIDs = append(sub.RunIDs, id)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(h, conn, logger.With(zap.String("remote_addr", r.RemoteAddr)))
	client.apply(sub)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

var _ strategy.Observer = (*Hub)(nil)
