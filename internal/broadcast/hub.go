package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"drawfeed/internal/countdown"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultSendBuffer   = 16
	pongWait            = 60 * time.Second
	pingPeriod          = pongWait * 9 / 10
	maxInboundMessage   = 512
)

// Options tune the hub.
type Options struct {
	WriteTimeout   time.Duration
	SendBuffer     int
	AllowedOrigins []string
	// Snapshot, when set, is sent to every subscriber right after it connects.
	Snapshot func() countdown.BatchMessage
}

// Hub fans countdown batches out to websocket subscribers. A subscriber whose
// send buffer is full is disconnected rather than allowed to stall the rest.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	sendBuffer   int
	snapshot     func() countdown.BatchMessage
	logger       zerolog.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan *websocket.PreparedMessage
	closed chan struct{}
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// Stats summarises hub activity.
type Stats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// NewHub constructs an empty hub.
func NewHub(opts Options, logger zerolog.Logger) *Hub {
	h := &Hub{
		clients:      make(map[string]*client),
		writeTimeout: opts.WriteTimeout,
		sendBuffer:   opts.SendBuffer,
		snapshot:     opts.Snapshot,
		logger:       logger.With().Str("component", "broadcast").Logger(),
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultWriteTimeout
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = defaultSendBuffer
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// BroadcastBatch encodes msg once and queues it for every subscriber.
func (h *Hub) BroadcastBatch(msg countdown.BatchMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	prepared, err := websocket.NewPreparedMessage(websocket.TextMessage, data)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- prepared:
			h.sent.Add(1)
		case <-c.closed:
		default:
			h.dropped.Add(1)
			h.logger.Warn().Str("client", c.id).Msg("subscriber too slow, disconnecting")
			h.remove(c)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan *websocket.PreparedMessage, h.sendBuffer),
		closed: make(chan struct{}),
	}

	if h.snapshot != nil {
		if snap := h.snapshot(); len(snap.Items) > 0 {
			if err := h.writeJSON(c, snap); err != nil {
				h.logger.Debug().Err(err).Str("client", c.id).Msg("snapshot write failed")
				c.close()
				return
			}
		}
	}

	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Str("client", c.id).Str("remote", r.RemoteAddr).Int("clients", total).Msg("subscriber connected")

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writeJSON(c *client, v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return c.conn.WriteJSON(v)
}

// readPump drains control frames and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(maxInboundMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(c)
	}()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WritePreparedMessage(msg); err != nil {
				h.logger.Debug().Err(err).Str("client", c.id).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	remaining := len(h.clients)
	h.mu.Unlock()
	c.close()
	if ok {
		h.logger.Info().Str("client", c.id).Int("clients", remaining).Msg("subscriber disconnected")
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns delivery counters.
func (h *Hub) Stats() Stats {
	return Stats{Clients: h.Clients(), Sent: h.sent.Load(), Dropped: h.dropped.Load()}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.close()
	}
}

var _ countdown.Broadcaster = (*Hub)(nil)
