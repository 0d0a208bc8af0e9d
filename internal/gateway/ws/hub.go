package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tmcfarlane/taskhub/internal/events"
)

// EventConnectionAck is sent to every client right after the upgrade so it
// learns its connection identifier.
const EventConnectionAck = "connection.ack"

// TaskSummary is the wire shape for a task in list and create responses.
type TaskSummary struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// MessageInfo is the wire shape for one task message.
type MessageInfo struct {
	ID      string    `json:"id"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Ts      time.Time `json:"ts"`
}

// TaskHandler is what the hub needs from the task layer. The gateway wires
// the registry behind this boundary so the ws package stays transport-only.
type TaskHandler interface {
	Create(description string) (TaskSummary, error)
	Exists(id string) (bool, error)
	Status(id string) (TaskSummary, error)
	Messages(id string, offset, limit int) ([]MessageInfo, error)
	List(status string, offset, limit int) ([]TaskSummary, error)
	StartTool(ctx context.Context, id, tool string, params map[string]any) error
}

// Client represents a connected WebSocket client.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	closeOnce sync.Once
}

// ID returns the connection identifier assigned at accept time.
func (c *Client) ID() string { return c.id }

// Hub manages WebSocket clients, routes task events to their subscribers,
// and bridges the event bus to the wire.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	closed      bool
	subs        *SubscriptionTable
	bus         *events.Bus
	handler     TaskHandler
	unsubscribe func()
}

// NewHub creates a WebSocket hub bridging the event bus to connected clients.
func NewHub(bus *events.Bus, handler TaskHandler) *Hub {
	h := &Hub{
		clients: make(map[string]*Client),
		subs:    NewSubscriptionTable(),
		bus:     bus,
		handler: handler,
	}

	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		frame, err := NewEventFrame(string(e.Type), e.TaskID, e)
		if err != nil {
			slog.Error("marshal event frame", "error", err)
			return
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			slog.Error("marshal frame", "error", err)
			return
		}
		if e.TaskID == "" {
			h.broadcastAll(data)
			return
		}
		h.broadcastTask(e.TaskID, data)
	})

	return h
}

// broadcastAll sends data to every connected client.
func (h *Hub) broadcastAll(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		c.trySend(data)
	}
}

// broadcastTask sends data to the task's current subscribers only.
// Connections that unsubscribed or disconnected are already gone from the
// table; a stale ID racing a disconnect is skipped.
func (h *Hub) broadcastTask(taskID string, data []byte) {
	for _, connID := range h.subs.Subscribers(taskID) {
		h.mu.RLock()
		c, ok := h.clients[connID]
		h.mu.RUnlock()
		if !ok {
			continue
		}
		c.trySend(data)
	}
}

// trySend queues data for the client without blocking the caller. A client
// that cannot keep up loses frames rather than stalling delivery to others.
func (c *Client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
		slog.Debug("ws client send buffer full, dropping frame", "conn", c.id)
	}
}

// register adds a client to the hub. Fails when the hub is closed.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	slog.Info("ws client connected", "conn", c.id, "clients", len(h.clients))
	return true
}

// unregister tears a client down: its subscriptions go first so no further
// task event can route to it, then the client itself. Idempotent.
func (h *Hub) unregister(c *Client) {
	h.subs.DropConnection(c.id)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		c.closeOnce.Do(func() { close(c.send) })
		slog.Info("ws client disconnected", "conn", c.id, "clients", len(h.clients))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscriptions exposes the subscription table for read-side collaborators.
func (h *Hub) Subscriptions() *SubscriptionTable { return h.subs }

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for dev
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		id:   "conn_" + uuid.NewString()[:8],
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	if !h.register(client) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	client.sendAck()

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// sendAck tells the client its connection identifier.
func (c *Client) sendAck() {
	f, err := NewEventFrame(EventConnectionAck, "", map[string]string{"connection_id": c.id})
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	c.trySend(data)
}

// readPump reads frames from the WS connection and dispatches them.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Error("ws unmarshal frame", "error", err)
			continue
		}

		c.handleFrame(ctx, frame)
	}
}

// handleFrame processes an incoming WS frame.
func (c *Client) handleFrame(ctx context.Context, frame Frame) {
	switch frame.Type {
	case FrameTypeRequest:
		c.handleRequest(ctx, frame)
	default:
		slog.Debug("ws unknown frame type", "type", frame.Type)
	}
}

// handleRequest processes a request frame (method dispatch).
func (c *Client) handleRequest(ctx context.Context, frame Frame) {
	switch Method(frame.Method) {
	case MethodSubscribe:
		c.handleSubscribe(frame)
	case MethodUnsubscribe:
		c.handleUnsubscribe(frame)
	case MethodGetStatus:
		c.handleGetStatus(frame)
	case MethodGetMessages:
		c.handleGetMessages(frame)
	case MethodCreateTask:
		c.handleCreateTask(frame)
	case MethodExecuteTool:
		c.handleExecuteTool(ctx, frame)
	case MethodListTasks:
		c.handleListTasks(frame)
	default:
		c.sendError(frame.ID, "unknown method: "+frame.Method)
	}
}

type taskParams struct {
	TaskID string `json:"task_id"`
}

func (c *Client) handleSubscribe(frame Frame) {
	var params taskParams
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.TaskID == "" {
		c.sendError(frame.ID, "invalid params")
		return
	}

	ok, err := c.hub.handler.Exists(params.TaskID)
	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}
	if !ok {
		c.sendError(frame.ID, "unknown task: "+params.TaskID)
		return
	}

	c.hub.subscribeClient(c, params.TaskID)
	c.sendOK(frame.ID, map[string]string{"status": "subscribed", "task_id": params.TaskID})
}

// subscribeClient records the subscription unless the hub is shutting down.
func (h *Hub) subscribeClient(c *Client, taskID string) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return
	}
	h.subs.Subscribe(c.id, taskID)
}

func (c *Client) handleUnsubscribe(frame Frame) {
	var params taskParams
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.TaskID == "" {
		c.sendError(frame.ID, "invalid params")
		return
	}

	ok, err := c.hub.handler.Exists(params.TaskID)
	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}
	if !ok {
		c.sendError(frame.ID, "unknown task: "+params.TaskID)
		return
	}

	c.hub.subs.Unsubscribe(c.id, params.TaskID)
	c.sendOK(frame.ID, map[string]string{"status": "unsubscribed", "task_id": params.TaskID})
}

func (c *Client) handleGetStatus(frame Frame) {
	var params taskParams
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.TaskID == "" {
		c.sendError(frame.ID, "invalid params")
		return
	}

	summary, err := c.hub.handler.Status(params.TaskID)
	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}
	c.sendOK(frame.ID, summary)
}

func (c *Client) handleGetMessages(frame Frame) {
	var params struct {
		TaskID string `json:"task_id"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.TaskID == "" {
		c.sendError(frame.ID, "invalid params")
		return
	}

	msgs, err := c.hub.handler.Messages(params.TaskID, params.Offset, params.Limit)
	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}
	if msgs == nil {
		msgs = []MessageInfo{}
	}
	c.sendOK(frame.ID, map[string]any{"task_id": params.TaskID, "messages": msgs})
}

func (c *Client) handleCreateTask(frame Frame) {
	var params struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendError(frame.ID, "invalid params")
		return
	}

	summary, err := c.hub.handler.Create(params.Description)
	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}

	// The creator always watches its own task.
	c.hub.subscribeClient(c, summary.ID)
	c.sendOK(frame.ID, summary)
}

func (c *Client) handleExecuteTool(ctx context.Context, frame Frame) {
	var params struct {
		TaskID string         `json:"task_id"`
		Tool   string         `json:"tool"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.TaskID == "" || params.Tool == "" {
		c.sendError(frame.ID, "invalid params")
		return
	}

	if err := c.hub.handler.StartTool(ctx, params.TaskID, params.Tool, params.Params); err != nil {
		c.sendError(frame.ID, err.Error())
		// The failure is also surfaced as an event on this connection so
		// subscribers watching the event stream see it in-band.
		f, ferr := NewEventFrame(string(events.EventTaskError), params.TaskID, map[string]string{
			"tool":  params.Tool,
			"error": err.Error(),
		})
		if ferr != nil {
			return
		}
		if data, merr := MarshalFrame(f); merr == nil {
			c.trySend(data)
		}
		return
	}
	c.sendOK(frame.ID, map[string]string{"status": "started", "task_id": params.TaskID, "tool": params.Tool})
}

func (c *Client) handleListTasks(frame Frame) {
	var params struct {
		Status string `json:"status"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.sendError(frame.ID, "invalid params")
			return
		}
	}

	tasks, err := c.hub.handler.List(params.Status, params.Offset, params.Limit)
	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}
	if tasks == nil {
		tasks = []TaskSummary{}
	}
	c.sendOK(frame.ID, map[string]any{"tasks": tasks})
}

// writePump writes queued messages to the WS connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	f, err := NewResponseFrame(id, true, payload, "")
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) sendError(id string, errMsg string) {
	f, err := NewResponseFrame(id, false, nil, errMsg)
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	c.trySend(data)
}

// Close shuts down the hub: stop bridging bus events, refuse new
// connections and subscriptions, and close every client connection.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		if c.conn != nil {
			c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
		c.closeOnce.Do(func() { close(c.send) })
		delete(h.clients, id)
		h.subs.DropConnection(id)
	}
}
