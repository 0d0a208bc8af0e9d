// Package tasks provides durable records and event distribution for
// long-running asynchronous units of work.
package tasks

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// transitions is the status state machine:
// created → pending → running → (paused ⇄ running) → {completed, failed, aborted}.
// paused is reversible back to running only.
var transitions = map[Status][]Status{
	StatusCreated: {StatusPending},
	StatusPending: {StatusRunning},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusAborted},
	StatusPaused:  {StatusRunning},
}

// ValidTransition reports whether a status change from → to is allowed.
func ValidTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Message is one entry in a task's append-only output log. Insertion order
// is significant.
type Message struct {
	ID      string    `json:"id"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Ts      time.Time `json:"ts"`
}

// TodoState tracks the progress of a single todo item.
type TodoState string

const (
	TodoOpen       TodoState = "open"
	TodoInProgress TodoState = "in_progress"
	TodoDone       TodoState = "done"
)

// Todo is one item in a task's keyed todo collection. The collection is
// unordered; items are addressed by their map key.
type Todo struct {
	Title string    `json:"title"`
	State TodoState `json:"state"`
}

// Record is the durable unit of task state.
//
// Invariants: CompletedAt is set if and only if Status is terminal;
// UpdatedAt never decreases; ID is immutable once assigned.
type Record struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Status      Status          `json:"status"`
	Messages    []Message       `json:"messages,omitempty"`
	Todos       map[string]Todo `json:"todos,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      string          `json:"result,omitempty"`
}

// Clone returns a deep copy so callers can't mutate store-owned state.
func (r *Record) Clone() *Record {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.Messages != nil {
		cp.Messages = make([]Message, len(r.Messages))
		copy(cp.Messages, r.Messages)
	}
	if r.Todos != nil {
		cp.Todos = make(map[string]Todo, len(r.Todos))
		for k, v := range r.Todos {
			cp.Todos[k] = v
		}
	}
	return &cp
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}

// GenerateMessageID creates a unique message identifier.
func GenerateMessageID() string {
	u := uuid.New().String()
	return "msg_" + strings.ReplaceAll(u[:8], "-", "")
}
