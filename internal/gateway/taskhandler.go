package gateway

import (
	"context"
	"fmt"

	"github.com/tmcfarlane/taskhub/internal/gateway/ws"
	"github.com/tmcfarlane/taskhub/internal/tasks"
)

// WSTaskHandler implements ws.TaskHandler over the task registry.
type WSTaskHandler struct {
	registry *tasks.Registry
}

// NewWSTaskHandler creates a new WS task handler.
func NewWSTaskHandler(registry *tasks.Registry) *WSTaskHandler {
	return &WSTaskHandler{registry: registry}
}

func summarize(r *tasks.Record) ws.TaskSummary {
	return ws.TaskSummary{
		ID:          r.ID,
		Description: r.Description,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
	}
}

// Create accepts a new task.
func (h *WSTaskHandler) Create(description string) (ws.TaskSummary, error) {
	r, err := h.registry.Create(description)
	if err != nil {
		return ws.TaskSummary{}, err
	}
	return summarize(r), nil
}

// Exists reports whether the task identifier is known.
func (h *WSTaskHandler) Exists(id string) (bool, error) {
	_, ok, err := h.registry.Get(id)
	return ok, err
}

// Status returns the task's current summary.
func (h *WSTaskHandler) Status(id string) (ws.TaskSummary, error) {
	r, ok, err := h.registry.Get(id)
	if err != nil {
		return ws.TaskSummary{}, err
	}
	if !ok {
		return ws.TaskSummary{}, fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	return summarize(r), nil
}

// Messages returns a page of the task's message log.
func (h *WSTaskHandler) Messages(id string, offset, limit int) ([]ws.MessageInfo, error) {
	msgs, err := h.registry.Messages(id, offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ws.MessageInfo, len(msgs))
	for i, m := range msgs {
		out[i] = ws.MessageInfo{
			ID:      m.ID,
			Role:    m.Role,
			Content: m.Content,
			Ts:      m.Ts,
		}
	}
	return out, nil
}

// List returns task summaries matching the optional status filter, newest
// first.
func (h *WSTaskHandler) List(status string, offset, limit int) ([]ws.TaskSummary, error) {
	records, err := h.registry.Store().Query(tasks.Filter{
		Status: tasks.Status(status),
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}

	summaries := make([]ws.TaskSummary, len(records))
	for i, r := range records {
		summaries[i] = summarize(r)
	}
	return summaries, nil
}

// StartTool forwards a tool invocation to the execution engine.
func (h *WSTaskHandler) StartTool(ctx context.Context, id, tool string, params map[string]any) error {
	return h.registry.StartTool(ctx, id, tool, params)
}
