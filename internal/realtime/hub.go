// Package realtime carries session events to projecting displays over
// websockets. Connections are grouped by session; each group receives
// the session's rotating credential and its presence events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"qrattend/internal/attendance"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
	"qrattend/internal/rotation"
)

// Event names on the wire.
const (
	EventBeginSession      = "begin_session"
	EventEndSession        = "end_session"
	EventCredentialRotated = "credential_rotated"
	EventAttendeeRecorded  = "attendee_recorded"
	EventSessionClosed     = "session_closed"
	EventError             = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	authTimeout    = 5 * time.Second
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type sessionRef struct {
	ClassID   string `json:"classId"`
	SessionID string `json:"sessionId"`
}

// Gate decides whether an instructor may display a session.
type Gate interface {
	AuthorizeDisplay(ctx context.Context, instructorID, classID, sessionID string) error
}

// Rotator starts and stops per-session credential rotation.
type Rotator interface {
	Begin(classID, sessionID string) bool
	End(sessionID string) bool
	Last(sessionID string) (rotation.Emission, bool)
}

// Options configures a Hub.
type Options struct {
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	CheckOrigin func(r *http.Request) bool
	SendBuffer  int
}

// Hub tracks display connections and their session groups. A session
// rotates for as long as its group is non-empty.
type Hub struct {
	gate     Gate
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	buffer   int

	// lifecycle serializes membership changes with the rotator calls
	// they imply. It is never held while waiting on mu's holders.
	lifecycle sync.Mutex
	rotator   Rotator

	mu      sync.Mutex
	groups  map[string]map[*client]struct{}
	clients map[*client]struct{}
	// closed holds sessions this hub has seen close. Closure is
	// terminal, so entries are never removed.
	closed map[string]struct{}
}

type client struct {
	hub          *Hub
	conn         *websocket.Conn
	instructorID string
	send         chan []byte

	// guarded by hub.mu
	sessions map[string]string
	gone     bool
}

// NewHub returns a Hub that authorizes displays with gate.
func NewHub(gate Gate, opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 16
	}
	return &Hub{
		gate:    gate,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		buffer:  opts.SendBuffer,
		groups:  make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
		closed:  make(map[string]struct{}),
	}
}

// UseRotator attaches the rotator. The rotator publishes back into the
// hub, so it is attached after both are built.
func (h *Hub) UseRotator(r Rotator) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	h.rotator = r
}

// Serve upgrades the request and runs the connection until it closes.
// The caller has already authenticated instructorID.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, instructorID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{
		hub:          h,
		conn:         conn,
		instructorID: instructorID,
		send:         make(chan []byte, h.buffer),
		sessions:     make(map[string]string),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.SubscriberJoined()
	h.logger.Info("display connected", "instructor_id", instructorID, "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump(r.Context())
	return nil
}

// Connections returns the number of open display connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Subscribers returns the number of connections in sessionID's group.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[sessionID])
}

// Publish implements rotation.Publisher.
func (h *Hub) Publish(e rotation.Emission) {
	h.broadcast(e.SessionID, Envelope{Event: EventCredentialRotated, Data: e})
}

// Run relays bus events to session groups until ctx is done.
func (h *Hub) Run(ctx context.Context, bus queue.Bus) error {
	msgs, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		switch msg.Type {
		case queue.TypeAttendeeRecorded:
			h.broadcast(msg.SessionID, Envelope{Event: EventAttendeeRecorded, Data: msg.Body})
		case queue.TypeSessionClosed:
			h.closeSession(msg.SessionID)
		default:
			h.logger.Debug("ignoring bus message", "type", msg.Type)
		}
	}
	return ctx.Err()
}

func (h *Hub) broadcast(sessionID string, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("encode event", "event", env.Event, "error", err)
		return
	}

	var slow []*client
	h.mu.Lock()
	for c := range h.groups[sessionID] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow display", "session_id", sessionID, "instructor_id", c.instructorID)
		c.conn.Close()
	}
}

func (h *Hub) sendTo(c *client, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("encode event", "event", env.Event, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.gone {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (h *Hub) sendError(c *client, msg string) {
	h.sendTo(c, Envelope{Event: EventError, Data: map[string]string{"message": msg}})
}

func (h *Hub) join(ctx context.Context, c *client, ref sessionRef) error {
	if err := h.gate.AuthorizeDisplay(ctx, c.instructorID, ref.ClassID, ref.SessionID); err != nil {
		return err
	}

	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	if c.gone {
		h.mu.Unlock()
		return nil
	}
	// The session may have closed while the gate was consulted.
	if _, done := h.closed[ref.SessionID]; done {
		h.mu.Unlock()
		return attendance.ErrSessionClosed
	}
	group, ok := h.groups[ref.SessionID]
	if !ok {
		group = make(map[*client]struct{})
		h.groups[ref.SessionID] = group
	}
	group[c] = struct{}{}
	c.sessions[ref.SessionID] = ref.ClassID
	h.mu.Unlock()

	if h.rotator == nil {
		return nil
	}
	if !h.rotator.Begin(ref.ClassID, ref.SessionID) {
		// Already rotating for another display: catch this one up.
		if e, ok := h.rotator.Last(ref.SessionID); ok {
			h.sendTo(c, Envelope{Event: EventCredentialRotated, Data: e})
		}
	}
	return nil
}

// leave removes c from sessionID's group and ends the rotation when
// the group empties.
func (h *Hub) leave(c *client, sessionID string) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	delete(c.sessions, sessionID)
	empty := false
	if group, ok := h.groups[sessionID]; ok {
		delete(group, c)
		if len(group) == 0 {
			delete(h.groups, sessionID)
			empty = true
		}
	}
	h.mu.Unlock()

	if empty && h.rotator != nil {
		h.rotator.End(sessionID)
	}
}

// closeSession tells the group the session is over and disbands it.
func (h *Hub) closeSession(sessionID string) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.broadcast(sessionID, Envelope{Event: EventSessionClosed, Data: map[string]string{"sessionId": sessionID}})

	h.mu.Lock()
	h.closed[sessionID] = struct{}{}
	for c := range h.groups[sessionID] {
		delete(c.sessions, sessionID)
	}
	delete(h.groups, sessionID)
	h.mu.Unlock()

	if h.rotator != nil {
		h.rotator.End(sessionID)
	}
	h.logger.Info("session group closed", "session_id", sessionID)
}

func (h *Hub) unregister(c *client) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.Lock()
	if c.gone {
		h.mu.Unlock()
		return
	}
	c.gone = true
	delete(h.clients, c)
	var emptied []string
	for id := range c.sessions {
		group, ok := h.groups[id]
		if !ok {
			continue
		}
		delete(group, c)
		if len(group) == 0 {
			delete(h.groups, id)
			emptied = append(emptied, id)
		}
	}
	c.sessions = nil
	close(c.send)
	h.mu.Unlock()

	if h.rotator != nil {
		for _, id := range emptied {
			h.rotator.End(id)
		}
	}
	h.metrics.SubscriberLeft()
	h.logger.Info("display disconnected", "instructor_id", c.instructorID)
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("display read failed", "instructor_id", c.instructorID, "error", err)
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.sendError(c, "invalid message")
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *client) handle(ctx context.Context, msg inbound) {
	var ref sessionRef
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &ref); err != nil {
			c.hub.sendError(c, "invalid event data")
			return
		}
	}
	if ref.SessionID == "" {
		c.hub.sendError(c, "sessionId required")
		return
	}

	switch msg.Event {
	case EventBeginSession:
		if ref.ClassID == "" {
			c.hub.sendError(c, "classId required")
			return
		}
		actx, cancel := context.WithTimeout(ctx, authTimeout)
		defer cancel()
		if err := c.hub.join(actx, c, ref); err != nil {
			c.hub.logger.Info("begin_session refused", "instructor_id", c.instructorID, "session_id", ref.SessionID, "error", err)
			c.hub.sendError(c, refusal(err))
		}
	case EventEndSession:
		c.hub.leave(c, ref.SessionID)
	default:
		c.hub.sendError(c, "unknown event type")
	}
}

func refusal(err error) string {
	switch {
	case errors.Is(err, attendance.ErrSessionNotFound):
		return "session not found"
	case errors.Is(err, attendance.ErrSessionClosed):
		return "session is not active"
	case errors.Is(err, attendance.ErrForbidden):
		return "session belongs to another instructor"
	case errors.Is(err, attendance.ErrInvalidInput):
		return "session does not belong to that class"
	default:
		return "could not start session"
	}
}

func (c *client) writePump() {
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
