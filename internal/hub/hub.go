// Package hub pushes engine events to authenticated WebSocket clients.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/feng04-qyq/backend/internal/auth"
	"github.com/feng04-qyq/backend/internal/events"
	"github.com/feng04-qyq/backend/pkg/i18n"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Verifier validates a session token.
type Verifier interface {
	Verify(token string) (*auth.Session, error)
}

type Options struct {
	Buffer       int           // per-client queue length
	PingInterval time.Duration // server pings; clients time out after twice this
	// Reject writes the refusal for a failed handshake. It runs before any
	// upgrade.
	Reject func(w http.ResponseWriter, err error)
	Now    func() time.Time
}

// Hub owns every live subscription.
type Hub struct {
	bus      *events.Bus
	verifier Verifier
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	onConn func(delta int)
	onDrop func(e events.Event)
}

type client struct {
	conn    *websocket.Conn
	userID  string
	expires time.Time
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func New(bus *events.Bus, verifier Verifier, opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Reject == nil {
		opts.Reject = func(w http.ResponseWriter, err error) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}
	return &Hub{
		bus:      bus,
		verifier: verifier,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
	}
}

// Observe registers metric hooks for connection count changes and drops.
func (h *Hub) Observe(onConn func(delta int), onDrop func(e events.Event)) {
	h.onConn = onConn
	h.onDrop = onDrop
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Start subscribes to the bus and forwards messages to clients until ctx is
// done. The subscription exists when Start returns.
func (h *Hub) Start(ctx context.Context) {
	stream, unsubscribe := h.bus.SubscribeAll(h.opts.Buffer * 4)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				h.closeAll()
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				h.dispatch(msg)
			}
		}
	}()
}

// dispatch delivers one message. Messages without a user go to everyone.
func (h *Hub) dispatch(msg events.Message) {
	frame, err := Frame(msg)
	if err != nil {
		log.Printf("[HUB] encode %s: %v", msg.Type, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if msg.UserID != "" && msg.UserID != c.userID {
			continue
		}
		if !c.enqueue(frame) {
			log.Printf("[HUB] "+i18n.Get("WSEventDropped"), msg.Type, c.userID)
			if h.onDrop != nil {
				h.onDrop(msg.Type)
			}
		}
	}
}

// Frame flattens a message into {type, ...payload, timestamp}.
func Frame(msg events.Message) ([]byte, error) {
	out := map[string]any{}
	if msg.Payload != nil {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			out = map[string]any{"data": json.RawMessage(raw)}
		}
	}
	out["type"] = msg.Type
	if !msg.At.IsZero() {
		out["timestamp"] = msg.At.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// ServeWS authenticates, upgrades and serves one connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	session, err := h.verifier.Verify(tokenFrom(r))
	if err != nil {
		log.Printf("[HUB] "+i18n.Get("WSRefused"), err)
		h.opts.Reject(w, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[HUB] upgrade: %v", err)
		return
	}

	c := &client{
		conn:    conn,
		userID:  session.UserID,
		expires: session.ExpiresAt,
		send:    make(chan []byte, h.opts.Buffer),
		done:    make(chan struct{}),
	}
	ack, _ := json.Marshal(map[string]any{
		"type":      "connected",
		"user_id":   session.UserID,
		"username":  session.Username,
		"timestamp": h.opts.Now().UTC().Format(time.RFC3339Nano),
	})
	c.send <- ack
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[HUB] "+i18n.Get("WSConnected"), c.userID, n)
	if h.onConn != nil {
		h.onConn(1)
	}
}

func (h *Hub) remove(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c)
		n := len(h.clients)
		h.mu.Unlock()
		close(c.done)
		log.Printf("[HUB] "+i18n.Get("WSDisconnected"), c.userID, n)
		if h.onConn != nil {
			h.onConn(-1)
		}
	})
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.remove(c)
	}
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	pongWait := 2 * h.opts.PingInterval
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	pong, _ := json.Marshal(map[string]string{"type": "pong"})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var in struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &in) == nil && in.Type == "ping" {
			c.enqueue(pong)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()
	defer c.conn.Close()

	var expired <-chan time.Time
	if !c.expires.IsZero() {
		t := time.NewTimer(c.expires.Sub(h.opts.Now()))
		defer t.Stop()
		expired = t.C
	}

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case <-expired:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session expired"), time.Now().Add(writeWait))
			h.remove(c)
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("[HUB] "+i18n.Get("WSWriteError"), c.userID, err)
				h.remove(c)
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
