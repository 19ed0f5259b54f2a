package api

import (
	"sync"
	"time"

	"github.com/andi/xmlconv/backend/models"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
)

// AllJobs subscribes a client to events of every document
const AllJobs = "*"

const (
	sendBuffer  = 64
	idleTimeout = 5 * time.Minute
	pingPeriod  = 30 * time.Second
)

// ClientMessage represents a message from client to server
type ClientMessage struct {
	Action string `json:"action"` // "subscribe", "unsubscribe", "ping"
	Key    string `json:"key"`    // stored document name or "*"
}

// ServerMessage represents a message from server to client
type ServerMessage struct {
	Type    string                `json:"type"` // "state", "output", "complete", "subscribed", "pong"
	Key     string                `json:"key,omitempty"`
	JobID   string                `json:"jobId,omitempty"`
	Stream  string                `json:"stream,omitempty"`
	Content string                `json:"content,omitempty"`
	Job     *models.ConversionJob `json:"job,omitempty"`
	Time    string                `json:"time"`
}

// Client represents a connected WebSocket client
type Client struct {
	conn         *websocket.Conn
	key          string
	lastActivity time.Time
	send         chan ServerMessage
	closed       bool
	mu           sync.Mutex
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:         conn,
		lastActivity: time.Now(),
		send:         make(chan ServerMessage, sendBuffer),
	}
}

// deliver queues msg without blocking and reports whether it was queued
func (c *Client) deliver(msg ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		c.lastActivity = time.Now()
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// JobHub fans job events out to WebSocket subscribers
type JobHub struct {
	clients     map[*Client]bool
	subscribers map[string][]*Client

	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	log      zerolog.Logger
}

// NewJobHub creates a new hub and starts its idle sweeper
func NewJobHub(log zerolog.Logger) *JobHub {
	hub := &JobHub{
		clients:     make(map[*Client]bool),
		subscribers: make(map[string][]*Client),
		stopCh:      make(chan struct{}),
		log:         log.With().Str("component", "websocket").Logger(),
	}
	go hub.cleanupIdleClients()
	return hub
}

func (h *JobHub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
}

// removeClient drops a client from every subscription and closes it
func (h *JobHub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *JobHub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	h.unsubscribeLocked(client)
	client.close()
}

func (h *JobHub) unsubscribeLocked(client *Client) {
	if client.key == "" {
		return
	}
	clients := h.subscribers[client.key]
	for i, c := range clients {
		if c == client {
			h.subscribers[client.key] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(h.subscribers[client.key]) == 0 {
		delete(h.subscribers, client.key)
	}
	client.key = ""
}

// subscribe moves a client to key, leaving any previous subscription
func (h *JobHub) subscribe(client *Client, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.key == key {
		return
	}
	h.unsubscribeLocked(client)
	client.key = key
	h.subscribers[key] = append(h.subscribers[key], client)

	h.log.Debug().Str("key", key).Int("subscribers", len(h.subscribers[key])).Msg("client subscribed")
}

func (h *JobHub) unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client)
}

// broadcast sends msg to subscribers of key and of AllJobs
func (h *JobHub) broadcast(key string, msg ServerMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.subscribers[key])+len(h.subscribers[AllJobs]))
	targets = append(targets, h.subscribers[key]...)
	if key != AllJobs {
		targets = append(targets, h.subscribers[AllJobs]...)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if !client.deliver(msg) {
			h.log.Warn().Str("key", key).Str("type", msg.Type).Msg("client send buffer full, message dropped")
		}
	}
}

// PublishState announces a job state change. Terminal states are sent as
// "complete".
func (h *JobHub) PublishState(job *models.ConversionJob) {
	msgType := "state"
	if job.State.Terminal() {
		msgType = "complete"
	}
	h.broadcast(job.StoredName, ServerMessage{
		Type:  msgType,
		Key:   job.StoredName,
		JobID: job.ID,
		Job:   job,
		Time:  time.Now().Format(time.RFC3339),
	})
}

// PublishOutput forwards one line of converter output
func (h *JobHub) PublishOutput(job *models.ConversionJob, stream, line string) {
	h.broadcast(job.StoredName, ServerMessage{
		Type:    "output",
		Key:     job.StoredName,
		JobID:   job.ID,
		Stream:  stream,
		Content: line,
		Time:    time.Now().Format(time.RFC3339),
	})
}

// cleanupIdleClients periodically closes clients that stopped talking
func (h *JobHub) cleanupIdleClients() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkIdleClients(time.Now())
		}
	}
}

func (h *JobHub) checkIdleClients(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if idle := now.Sub(client.idleSince()); idle > idleTimeout {
			h.log.Info().Dur("idle", idle).Msg("closing idle client")
			h.removeLocked(client)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *JobHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes every client and stops the sweeper
func (h *JobHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.mu.Lock()
		for client := range h.clients {
			h.removeLocked(client)
		}
		h.mu.Unlock()
	})
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(c *fiber.Ctx) error {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()

		client := newClient(conn)
		s.hub.register(client)

		go client.writePump(s.hub)
		client.readPump(s.hub)

		s.hub.removeClient(client)
	})(c)
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump(hub *JobHub) {
	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				hub.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		c.touch()

		switch msg.Action {
		case "subscribe":
			key := msg.Key
			if key == "" {
				key = AllJobs
			}
			hub.subscribe(c, key)
			c.deliver(ServerMessage{
				Type: "subscribed",
				Key:  key,
				Time: time.Now().Format(time.RFC3339),
			})

		case "unsubscribe":
			hub.unsubscribe(c)

		case "ping":
			c.deliver(ServerMessage{
				Type: "pong",
				Time: time.Now().Format(time.RFC3339),
			})
		}
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(hub *JobHub) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				hub.log.Debug().Err(err).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
