// Package gateway fans coordinator-produced events out to connected clients.
// Clients are grouped into rooms (the "teacher" / "student" roles plus a
// per-poll voted room); every broadcast is also published on a redis channel
// so multiple server instances fan out identically.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	RoomTeacher = "teacher"
	RoomStudent = "student"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	sendBufferSize = 64
)

// VotedRoom is the room collecting students whose vote on the given poll was
// accepted; live updates go there instead of to all students.
func VotedRoom(pollID string) string {
	return "voted:" + pollID
}

// Message is the wire envelope for every outbound event.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// frame wraps a broadcast for the redis bridge. Origin is the publishing
// instance; a subscriber skips its own frames since it already delivered
// them locally.
type frame struct {
	Origin  string          `json:"origin"`
	Scope   string          `json:"scope"`
	Payload json.RawMessage `json:"payload"`
}

type Config struct {
	// Redis enables the cross-instance bridge; nil keeps the hub process-local.
	Redis  redis.UniversalClient
	Prefix string
}

type Hub struct {
	redis  redis.UniversalClient
	prefix string
	origin string

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
}

func New(c Config) *Hub {
	return &Hub{
		redis:   c.Redis,
		prefix:  c.Prefix,
		origin:  uuid.NewString(),
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.id] = c
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[id]
	if !ok {
		return
	}

	delete(h.clients, id)
	for room, members := range h.rooms {
		delete(members, id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	c.closeSend()
}

func (h *Hub) Join(id, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[id]
	if !ok {
		return
	}

	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]*Client)
	}
	h.rooms[room][id] = c
}

func (h *Hub) Leave(id, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) ToAll(ctx context.Context, event string, data any) {
	h.broadcast(ctx, "all", event, data)
}

func (h *Hub) ToRoom(ctx context.Context, room, event string, data any) {
	h.broadcast(ctx, "room:"+room, event, data)
}

func (h *Hub) ToConn(ctx context.Context, id, event string, data any) {
	h.broadcast(ctx, "conn:"+id, event, data)
}

func (h *Hub) broadcast(ctx context.Context, scope, event string, data any) {
	payload, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		slog.ErrorContext(ctx, "gateway: marshal event failed", "event", event, "error", err)
		return
	}

	h.deliverLocal(scope, payload)

	if h.redis == nil {
		return
	}

	b, err := json.Marshal(frame{Origin: h.origin, Scope: scope, Payload: payload})
	if err != nil {
		slog.ErrorContext(ctx, "gateway: marshal frame failed", "event", event, "error", err)
		return
	}

	// Best-effort: a bridge failure only affects other instances.
	if err := h.redis.Publish(ctx, h.channel(), b).Err(); err != nil {
		slog.ErrorContext(ctx, "gateway: publish to bridge failed", "event", event, "error", err)
	}
}

// Run consumes the redis bridge until ctx is cancelled. It is a no-op when
// the hub has no redis client.
func (h *Hub) Run(ctx context.Context) error {
	if h.redis == nil {
		<-ctx.Done()
		return nil
	}

	pubsub := h.redis.Subscribe(ctx, h.channel())
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("gateway: bridge subscription closed")
			}

			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				slog.ErrorContext(ctx, "gateway: unmarshal frame failed", "error", err)
				continue
			}
			if f.Origin == h.origin {
				continue
			}

			h.deliverLocal(f.Scope, f.Payload)
		}
	}
}

func (h *Hub) deliverLocal(scope string, payload []byte) {
	h.mu.RLock()
	var targets []*Client
	switch {
	case scope == "all":
		targets = make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			targets = append(targets, c)
		}

	case strings.HasPrefix(scope, "room:"):
		members := h.rooms[strings.TrimPrefix(scope, "room:")]
		targets = make([]*Client, 0, len(members))
		for _, c := range members {
			targets = append(targets, c)
		}

	case strings.HasPrefix(scope, "conn:"):
		if c, ok := h.clients[strings.TrimPrefix(scope, "conn:")]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var slow []string
	for _, c := range targets {
		if delivered, open := c.trySend(payload); !delivered && open {
			// Full send buffer means the client stopped reading; drop it.
			slow = append(slow, c.id)
		}
	}

	for _, id := range slow {
		h.Unregister(id)
	}
}

func (h *Hub) channel() string {
	return h.prefix + ":broadcast"
}

// Client is one websocket connection attached to the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string

	// mu guards send against a broadcast racing the close on unregister.
	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func NewClient(h *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		id:   id,
		send: make(chan []byte, sendBufferSize),
	}
}

func (c *Client) ID() string { return c.id }

// trySend queues a payload without blocking. delivered is false when the
// buffer is full or the client is closed; open distinguishes the two.
func (c *Client) trySend(payload []byte) (delivered, open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, false
	}

	select {
	case c.send <- payload:
		return true, true
	default:
		return false, true
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WritePump drains the send channel onto the connection. Run on its own
// goroutine, one per client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump reads inbound envelopes and hands them to dispatch. It returns
// when the connection closes; the caller is responsible for unregistering.
func (c *Client) ReadPump(ctx context.Context, dispatch func(ctx context.Context, c *Client, event string, data json.RawMessage)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.ErrorContext(ctx, "gateway: read failed", "conn_id", c.id, "error", err)
			}
			return
		}

		var in struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			slog.WarnContext(ctx, "gateway: malformed envelope", "conn_id", c.id, "error", err)
			continue
		}

		dispatch(ctx, c, in.Event, in.Data)
	}
}
