// Package ws provides a WebSocket client for the taskhub gateway.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/tmcfarlane/taskhub/internal/gateway/ws"
)

// Client is a WebSocket client for the taskhub gateway.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to the gateway WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

// request sends one request frame with the next sequence ID.
func (c *Client) request(method wsprotocol.Method, params any) error {
	seq := atomic.AddUint64(&c.reqSeq, 1)

	data, err := json.Marshal(params)
	if err != nil {
		return err
	}

	frame := wsprotocol.Frame{
		Type:   wsprotocol.FrameTypeRequest,
		ID:     fmt.Sprintf("req-%d", seq),
		Method: string(method),
		Params: data,
	}

	raw, err := wsprotocol.MarshalFrame(frame)
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, raw)
}

// Subscribe asks the gateway to deliver events for the task to this connection.
func (c *Client) Subscribe(taskID string) error {
	return c.request(wsprotocol.MethodSubscribe, map[string]string{"task_id": taskID})
}

// Unsubscribe stops delivery of the task's events.
func (c *Client) Unsubscribe(taskID string) error {
	return c.request(wsprotocol.MethodUnsubscribe, map[string]string{"task_id": taskID})
}

// CreateTask creates a task; the connection is auto-subscribed to it.
func (c *Client) CreateTask(description string) error {
	return c.request(wsprotocol.MethodCreateTask, map[string]string{"description": description})
}

// GetStatus requests the task's current summary.
func (c *Client) GetStatus(taskID string) error {
	return c.request(wsprotocol.MethodGetStatus, map[string]string{"task_id": taskID})
}

// GetMessages requests a page of the task's message log.
func (c *Client) GetMessages(taskID string, offset, limit int) error {
	return c.request(wsprotocol.MethodGetMessages, map[string]any{
		"task_id": taskID,
		"offset":  offset,
		"limit":   limit,
	})
}

// ListTasks requests task summaries, optionally filtered by status.
func (c *Client) ListTasks(status string) error {
	return c.request(wsprotocol.MethodListTasks, map[string]string{"status": status})
}

// ExecuteTool starts a tool run against an existing task.
func (c *Client) ExecuteTool(taskID, tool string, params map[string]any) error {
	return c.request(wsprotocol.MethodExecuteTool, map[string]any{
		"task_id": taskID,
		"tool":    tool,
		"params":  params,
	})
}

// ReadFrame reads the next frame from the connection.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
