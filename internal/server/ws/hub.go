// Package ws pushes committed negotiation events to participants over
// WebSocket. Clients join one room per negotiation; the hub forwards each
// event published on the negotiation's Redis channel to that room only.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dwellogo/dealdesk/internal/domain"
	"github.com/dwellogo/dealdesk/internal/server/middleware"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// joinTimeout bounds the participant lookup and replay behind a join
	// request.
	joinTimeout = 5 * time.Second

	// replayBatch and replayScanLimit bound how much of the shared event
	// stream one join may scan for catch-up.
	replayBatch     = 200
	replayScanLimit = 5000
)

// RoomAuthorizer decides whether an actor may follow a negotiation.
type RoomAuthorizer interface {
	CanJoin(ctx context.Context, actorID, negotiationID string) error
}

// Client frames.
const (
	actionJoin  = "join"
	actionLeave = "leave"
)

// Since on a join asks for the events recorded after that RFC 3339 time. They
// are sent ahead of the "joined" frame; an event committed during the replay
// may arrive twice, and clients dedupe by version.
type clientMsg struct {
	Action        string `json:"action"`
	NegotiationID string `json:"negotiation_id"`
	Since         string `json:"since,omitempty"`
}

// Server frames besides forwarded events.
type serverMsg struct {
	Type          string `json:"type"`
	NegotiationID string `json:"negotiation_id,omitempty"`
	Replayed      int    `json:"replayed,omitempty"`
	Error         string `json:"error,omitempty"`
}

// client is one WebSocket connection and the rooms it joined.
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	actor domain.Actor
	send  chan []byte
	rooms map[string]bool // guarded by hub.mu
}

type outbound struct {
	client *client
	data   []byte
}

// Hub tracks connected clients by room.
type Hub struct {
	bus    domain.SignalBus
	access RoomAuthorizer
	logger *slog.Logger

	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	direct     chan outbound
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
	rooms   map[string]map[*client]bool
}

// NewHub creates a hub. allowedOrigins limits the Origin header on upgrade;
// empty allows any origin.
func NewHub(bus domain.SignalBus, access RoomAuthorizer, allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		bus:        bus,
		access:     access,
		logger:     logger.With(slog.String("component", "ws_hub")),
		register:   make(chan *client),
		unregister: make(chan *client),
		direct:     make(chan outbound, 64),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
		rooms:      make(map[string]map[*client]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, o := range allowedOrigins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Run subscribes to every negotiation channel and routes events until ctx is
// cancelled. On exit all client connections are closed.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	events, err := h.bus.PSubscribe(ctx, domain.NegotiationChannelPattern)
	if err != nil {
		return err
	}
	h.logger.Info("ws: subscribed", slog.String("pattern", domain.NegotiationChannelPattern))

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.String("user_id", c.actor.ID),
				slog.Int("total_clients", total),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				h.dropLocked(c)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.String("user_id", c.actor.ID),
				slog.Int("total_clients", total),
			)

		case out := <-h.direct:
			h.mu.RLock()
			if h.clients[out.client] {
				h.deliver(out.client, out.data)
			}
			h.mu.RUnlock()

		case msg, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					events = nil
					continue
				}
				return errors.New("ws: negotiation subscription closed")
			}
			h.route(msg)
		}
	}
}

// route forwards one event to the room named by its channel.
func (h *Hub) route(msg domain.ChannelMessage) {
	id, ok := domain.NegotiationIDFromChannel(msg.Channel)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[id] {
		h.deliver(c, msg.Payload)
	}
}

// deliver must be called with h.mu held.
func (h *Hub) deliver(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		// Client's send buffer is full; drop the message.
		h.logger.Warn("ws: dropping message for slow client",
			slog.String("user_id", c.actor.ID),
		)
	}
}

// dropLocked removes c from every room and closes its send channel.
func (h *Hub) dropLocked(c *client) {
	for id := range c.rooms {
		h.leaveLocked(c, id)
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) leaveLocked(c *client, id string) {
	delete(c.rooms, id)
	if room := h.rooms[id]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
}

// join adds c to the room after the participant check.
func (h *Hub) join(ctx context.Context, c *client, id string) error {
	if err := h.access.CanJoin(ctx, c.actor.ID, id); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return nil
	}
	room := h.rooms[id]
	if room == nil {
		room = make(map[*client]bool)
		h.rooms[id] = room
	}
	room[c] = true
	c.rooms[id] = true
	return nil
}

func (h *Hub) leave(c *client, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, id)
}

// roomSize reports how many clients follow a negotiation.
func (h *Hub) roomSize(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[id])
}

// reply queues a frame for c through the hub loop, which owns c.send.
func (h *Hub) reply(c *client, msg serverMsg) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.queue(c, data)
}

func (h *Hub) queue(c *client, data []byte) {
	select {
	case h.direct <- outbound{client: c, data: data}:
	case <-h.done:
	}
}

// replay sends c the stored events of negotiation id recorded after since,
// oldest first, and returns how many it sent. Stream ids start with the
// append time in milliseconds, so since maps directly onto a start id.
func (h *Hub) replay(ctx context.Context, c *client, id string, since time.Time) (int, error) {
	lastID := strconv.FormatInt(since.UnixMilli(), 10) + "-0"
	sent := 0
	for scanned := 0; scanned < replayScanLimit; {
		batch, err := h.bus.StreamRead(ctx, domain.NegotiationStream, lastID, replayBatch)
		if err != nil {
			return sent, err
		}
		for _, m := range batch {
			lastID = m.ID
			var head struct {
				NegotiationID string `json:"negotiation_id"`
			}
			if json.Unmarshal(m.Payload, &head) == nil && head.NegotiationID == id {
				h.queue(c, m.Payload)
				sent++
			}
		}
		scanned += len(batch)
		if len(batch) < replayBatch {
			break
		}
	}
	return sent, nil
}

// HandleWS upgrades an identified request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFrom(r.Context())
	if actor.ID == "" {
		http.Error(w, `{"error":"unauthorized: missing user identity"}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		actor: actor,
		send:  make(chan []byte, sendBufferSize),
		rooms: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump handles join and leave requests until the connection fails.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.reply(c, serverMsg{Type: "error", Error: "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg clientMsg) {
	id := strings.TrimSpace(msg.NegotiationID)
	if id == "" {
		c.hub.reply(c, serverMsg{Type: "error", Error: "negotiation_id is required"})
		return
	}

	switch msg.Action {
	case actionJoin:
		var since time.Time
		if msg.Since != "" {
			t, err := time.Parse(time.RFC3339, msg.Since)
			if err != nil {
				c.hub.reply(c, serverMsg{Type: "error", NegotiationID: id, Error: "since must be an RFC 3339 timestamp"})
				return
			}
			since = t
		}
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
		defer cancel()
		if err := c.hub.join(ctx, c, id); err != nil {
			c.hub.logger.Info("ws: join refused",
				slog.String("user_id", c.actor.ID),
				slog.String("negotiation_id", id),
				slog.String("error", err.Error()),
			)
			c.hub.reply(c, serverMsg{Type: "error", NegotiationID: id, Error: joinError(err)})
			return
		}
		if since.IsZero() {
			c.hub.reply(c, serverMsg{Type: "joined", NegotiationID: id})
			return
		}
		n, err := c.hub.replay(ctx, c, id, since)
		if err != nil {
			c.hub.logger.Warn("ws: replay failed",
				slog.String("negotiation_id", id),
				slog.String("error", err.Error()),
			)
		}
		c.hub.reply(c, serverMsg{Type: "joined", NegotiationID: id, Replayed: n})
	case actionLeave:
		c.hub.leave(c, id)
		c.hub.reply(c, serverMsg{Type: "left", NegotiationID: id})
	default:
		c.hub.reply(c, serverMsg{Type: "error", NegotiationID: id, Error: "unknown action"})
	}
}

func joinError(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "negotiation not found"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	}
	return "join failed"
}

// writePump sends queued frames as text and pings for keepalive.
func (c *client) writePump() {
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
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
