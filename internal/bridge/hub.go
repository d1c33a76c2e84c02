// Package bridge streams bus events to websocket clients such as dashboards.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/bus"
)

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[bus.Topic]bool // nil means every topic
	once   sync.Once
}

func (c *client) wants(t bus.Topic) bool {
	return c.topics == nil || c.topics[t]
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub fans bus events out to websocket clients. A client that cannot keep
// up is disconnected rather than allowed to stall the bus.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	sent    atomic.Int64
	dropped atomic.Int64
	lg      zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		lg:      log.With().Str("component", "bridge").Logger(),
	}
}

// Attach forwards every event on b to the connected clients.
func (h *Hub) Attach(b *bus.Bus) (detach func()) {
	return b.SubscribeAll(func(ev bus.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		h.Broadcast(ev.Topic, data)
		return nil
	})
}

// Broadcast queues msg for every client subscribed to topic. It never
// blocks.
func (h *Hub) Broadcast(topic bus.Topic, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(topic) {
			continue
		}
		select {
		case c.send <- msg:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
			h.lg.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("client too slow, disconnecting")
			delete(h.clients, c)
			c.close()
		}
	}
}

// ServeHTTP upgrades the request and registers the client. The optional
// query parameter topics=heartbeat,strategy-signal limits what it receives.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics, err := parseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.lg.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), topics: topics}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.lg.Info().Str("remote", conn.RemoteAddr().String()).Int("clients", n).Msg("client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// writePump owns all writes to the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readPump discards client messages and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
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

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
		h.lg.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("client disconnected")
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stats returns delivery counters.
func (h *Hub) Stats() map[string]int64 {
	return map[string]int64{
		"clients": int64(h.Clients()),
		"sent":    h.sent.Load(),
		"dropped": h.dropped.Load(),
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func parseTopics(raw string) (map[bus.Topic]bool, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out := make(map[bus.Topic]bool)
	for _, part := range strings.Split(raw, ",") {
		t := bus.Topic(strings.TrimSpace(part))
		if !t.Valid() {
			return nil, errors.New("unknown topic " + string(t))
		}
		out[t] = true
	}
	return out, nil
}

// Server serves the hub on /ws.
type Server struct {
	srv *http.Server
}

// Serve starts the websocket server on addr in the background.
func Serve(addr string, h *Hub) *Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	s := &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
	go func() {
		log.Info().Str("addr", addr).Msg("websocket bridge listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("websocket bridge failed")
		}
	}()
	return s
}

// Shutdown stops accepting connections. Hijacked websocket connections are
// closed through Hub.Close.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
