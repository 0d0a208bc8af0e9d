package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tmcfarlane/taskhub/internal/events"
)

// ErrNoExecutor is returned by StartTool when no execution engine is wired.
var ErrNoExecutor = errors.New("no task executor configured")

// Executor is the task-execution engine boundary. The engine itself lives
// outside this package; the registry only forwards start requests to it.
type Executor interface {
	StartTask(ctx context.Context, taskID, tool string, params map[string]any) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, taskID, tool string, params map[string]any) error

func (f ExecutorFunc) StartTask(ctx context.Context, taskID, tool string, params map[string]any) error {
	return f(ctx, taskID, tool, params)
}

// Registry owns task records in memory during their active lifetime and
// emits a typed event for every mutation. Broadcast is a side effect of a
// successful store write, never of a failed one.
type Registry struct {
	store    Store
	bus      *events.Bus
	executor Executor

	mu     sync.RWMutex
	active map[string]*Record
}

// RegistryConfig holds dependencies for creating a Registry.
type RegistryConfig struct {
	Store    Store
	Bus      *events.Bus
	Executor Executor // may be nil; StartTool then fails explicitly
}

// NewRegistry creates a task registry over the given store and bus.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		store:    cfg.Store,
		bus:      cfg.Bus,
		executor: cfg.Executor,
		active:   make(map[string]*Record),
	}
}

// Store exposes the underlying store for read-side collaborators.
func (g *Registry) Store() Store { return g.store }

// Create accepts a new unit of work, persists it, and announces it.
func (g *Registry) Create(description string) (*Record, error) {
	r := &Record{
		ID:          GenerateTaskID(),
		Description: description,
		Status:      StatusCreated,
	}
	if err := g.store.Save(r); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	g.mu.Lock()
	g.active[r.ID] = r.Clone()
	g.mu.Unlock()

	g.bus.Publish(events.NewTypedEvent(events.SourceRegistry, events.TaskCreatedPayload{
		TaskID:      r.ID,
		Description: r.Description,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt,
	}))

	slog.Info("task created", "id", r.ID)
	return r.Clone(), nil
}

// Get returns the task record, preferring the in-memory copy of active
// tasks and falling back to the store.
func (g *Registry) Get(id string) (*Record, bool, error) {
	g.mu.RLock()
	r, ok := g.active[id]
	g.mu.RUnlock()
	if ok {
		return r.Clone(), true, nil
	}
	return g.store.Get(id)
}

// CurrentStatus returns the task's status, failing with ErrNotFound for
// unknown identifiers.
func (g *Registry) CurrentStatus(id string) (Status, error) {
	r, ok, err := g.Get(id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", notFound(id)
	}
	return r.Status, nil
}

// Messages returns a page of the task's message log. A limit of zero or
// less returns all remaining messages from offset.
func (g *Registry) Messages(id string, offset, limit int) ([]Message, error) {
	r, ok, err := g.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(id)
	}

	msgs := r.Messages
	if offset >= len(msgs) {
		return nil, nil
	}
	if offset > 0 {
		msgs = msgs[offset:]
	}
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// SetStatus applies a status transition through the store's state machine,
// then publishes the change. Terminal statuses additionally publish a
// completed or failed event.
func (g *Registry) SetStatus(id string, status Status, taskErr string) (*Record, error) {
	r, err := g.store.UpdateStatus(id, status, taskErr)
	if err != nil {
		return nil, err
	}

	g.trackLocked(r)

	g.bus.Publish(events.NewTypedEvent(events.SourceRegistry, events.TaskStatusPayload{
		TaskID: r.ID,
		Status: string(r.Status),
		Error:  r.Error,
	}))

	switch status {
	case StatusCompleted:
		g.bus.Publish(events.NewTypedEvent(events.SourceRegistry, events.TaskCompletedPayload{
			TaskID: r.ID,
			Result: r.Result,
		}))
	case StatusFailed:
		g.bus.Publish(events.NewTypedEvent(events.SourceRegistry, events.TaskFailedPayload{
			TaskID: r.ID,
			Error:  r.Error,
		}))
	}

	return r, nil
}

// AppendMessage appends one message to the task's log and publishes it.
func (g *Registry) AppendMessage(id, role, content string) (*Record, error) {
	r, ok, err := g.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(id)
	}

	msg := Message{
		ID:      GenerateMessageID(),
		Role:    role,
		Content: content,
		Ts:      time.Now(),
	}
	updated, err := g.store.UpdateMessages(id, append(r.Messages, msg))
	if err != nil {
		return nil, err
	}

	g.trackLocked(updated)

	g.bus.Publish(events.NewTypedEvent(events.SourceRegistry, events.TaskMessagePayload{
		TaskID: id,
		Message: events.MessageBody{
			ID:      msg.ID,
			Role:    msg.Role,
			Content: msg.Content,
			Ts:      msg.Ts,
		},
	}))

	return updated, nil
}

// SetTodos replaces the task's todo collection and publishes the change.
func (g *Registry) SetTodos(id string, todos map[string]Todo) (*Record, error) {
	updated, err := g.store.UpdateTodos(id, todos)
	if err != nil {
		return nil, err
	}

	g.trackLocked(updated)

	g.bus.Publish(events.NewTypedEvent(events.SourceRegistry, events.TaskTodosPayload{
		TaskID: id,
		Count:  len(todos),
	}))

	return updated, nil
}

// StartTool forwards a tool invocation to the execution engine. Unknown
// task identifiers and executor failures surface synchronously.
func (g *Registry) StartTool(ctx context.Context, id, tool string, params map[string]any) error {
	_, ok, err := g.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(id)
	}
	if g.executor == nil {
		return ErrNoExecutor
	}
	return g.executor.StartTask(ctx, id, tool, params)
}

// trackLocked refreshes the in-memory copy; terminal records leave the
// active set — the store keeps them for history.
func (g *Registry) trackLocked(r *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.Status.IsTerminal() {
		delete(g.active, r.ID)
		return
	}
	g.active[r.ID] = r.Clone()
}
