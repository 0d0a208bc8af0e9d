package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement. The payload
// reports its own event type and the task it is tagged with, so callers
// cannot publish a payload under the wrong name.
type EventPayload interface {
	EventType() EventType
	Task() string
}

// =============================================================================
// TASK LIFECYCLE EVENTS
// =============================================================================

type TaskCreatedPayload struct {
	TaskID      string    `json:"task_id"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func (TaskCreatedPayload) EventType() EventType { return EventTaskCreated }
func (p TaskCreatedPayload) Task() string       { return p.TaskID }

type TaskStatusPayload struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (TaskStatusPayload) EventType() EventType { return EventTaskStatus }
func (p TaskStatusPayload) Task() string       { return p.TaskID }

// MessageBody mirrors a single task message on the wire.
type MessageBody struct {
	ID      string    `json:"id"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Ts      time.Time `json:"ts"`
}

type TaskMessagePayload struct {
	TaskID  string      `json:"task_id"`
	Message MessageBody `json:"message"`
}

func (TaskMessagePayload) EventType() EventType { return EventTaskMessage }
func (p TaskMessagePayload) Task() string       { return p.TaskID }

type TaskTodosPayload struct {
	TaskID string `json:"task_id"`
	Count  int    `json:"count"`
}

func (TaskTodosPayload) EventType() EventType { return EventTaskTodos }
func (p TaskTodosPayload) Task() string       { return p.TaskID }

type TaskCompletedPayload struct {
	TaskID string `json:"task_id"`
	Result string `json:"result,omitempty"`
}

func (TaskCompletedPayload) EventType() EventType { return EventTaskCompleted }
func (p TaskCompletedPayload) Task() string       { return p.TaskID }

type TaskFailedPayload struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

func (TaskFailedPayload) EventType() EventType { return EventTaskFailed }
func (p TaskFailedPayload) Task() string       { return p.TaskID }

// =============================================================================
// STORE EVENTS
// =============================================================================

type RecordSavedPayload struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (RecordSavedPayload) EventType() EventType { return EventRecordSaved }
func (p RecordSavedPayload) Task() string       { return p.TaskID }

// =============================================================================
// PROCESS-WIDE EVENTS
// =============================================================================

// ServerNoticePayload is broadcast to every connection regardless of
// subscription.
type ServerNoticePayload struct {
	Notice string `json:"notice"`
}

func (ServerNoticePayload) EventType() EventType { return EventServerNotice }
func (ServerNoticePayload) Task() string         { return "" }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

// NewTypedEvent builds an Event from a typed payload. The event's TaskID is
// taken from the payload itself.
func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		TaskID:    payload.Task(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

func GetTaskStatusPayload(e Event) (TaskStatusPayload, bool) {
	return ExtractPayload[TaskStatusPayload](e)
}

func GetTaskMessagePayload(e Event) (TaskMessagePayload, bool) {
	return ExtractPayload[TaskMessagePayload](e)
}

func GetTaskCompletedPayload(e Event) (TaskCompletedPayload, bool) {
	return ExtractPayload[TaskCompletedPayload](e)
}

func GetTaskFailedPayload(e Event) (TaskFailedPayload, bool) {
	return ExtractPayload[TaskFailedPayload](e)
}
