package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType discriminates server-to-client messages on an event stream
type EventType string

const (
	EventConnectionEstablished   EventType = "connection_established"
	EventSubscriptionConfirmed   EventType = "subscription_confirmed"
	EventUnsubscriptionConfirmed EventType = "unsubscription_confirmed"
	EventProgressUpdate          EventType = "progress_update"
	EventTaskStatus              EventType = "task_status"
	EventTaskCompleted           EventType = "task_completed"
	EventTaskFailed              EventType = "task_failed"
	EventTaskCancelled           EventType = "task_cancelled"
	EventPong                    EventType = "pong"
	EventError                   EventType = "error"
)

// ErrUnknownMessage is returned when a message type is not part of the protocol
var ErrUnknownMessage = errors.New("unknown message type")

// Event is a server-to-client message. The set of implementations is closed:
// every variant is declared in this file.
type Event interface {
	EventType() EventType
	event()
}

// TaskEvent is an Event scoped to a single task
type TaskEvent interface {
	Event
	EventTaskID() string
	WithTaskID(id string) TaskEvent
}

// ConnectionEstablished acknowledges a new stream connection
type ConnectionEstablished struct {
	ConnectionID string    `json:"connection_id"`
	TaskID       string    `json:"task_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SubscriptionConfirmed acknowledges subscribe_task
type SubscriptionConfirmed struct {
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

// UnsubscriptionConfirmed acknowledges unsubscribe_task
type UnsubscriptionConfirmed struct {
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressUpdate is the stable wire shape of a progress event
type ProgressUpdate struct {
	TaskID             string     `json:"task_id"`
	Status             TaskStatus `json:"status"`
	Stage              Stage      `json:"stage"`
	Progress           float64    `json:"progress"`
	StageProgress      float64    `json:"stage_progress"`
	Message            string     `json:"message"`
	Timestamp          time.Time  `json:"timestamp"`
	CurrentUnit        int        `json:"current_unit"`
	TotalUnits         int        `json:"total_units"`
	ElapsedTime        float64    `json:"elapsed_time"`
	EstimatedRemaining *float64   `json:"estimated_remaining"`
}

// TaskStatusReply answers get_task_status with a full snapshot
type TaskStatusReply struct {
	TaskID    string    `json:"task_id"`
	Task      *Task     `json:"task"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskCompleted is the terminal success event
type TaskCompleted struct {
	TaskID    string    `json:"task_id"`
	Result    string    `json:"result,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskFailed is the terminal failure event
type TaskFailed struct {
	TaskID       string    `json:"task_id"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
}

// TaskCancelled is the terminal cancellation event
type TaskCancelled struct {
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Pong answers a client ping, echoing its timestamp
type Pong struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// ErrorReply reports a rejected client message
type ErrorReply struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

func (ConnectionEstablished) EventType() EventType   { return EventConnectionEstablished }
func (SubscriptionConfirmed) EventType() EventType   { return EventSubscriptionConfirmed }
func (UnsubscriptionConfirmed) EventType() EventType { return EventUnsubscriptionConfirmed }
func (ProgressUpdate) EventType() EventType          { return EventProgressUpdate }
func (TaskStatusReply) EventType() EventType         { return EventTaskStatus }
func (TaskCompleted) EventType() EventType           { return EventTaskCompleted }
func (TaskFailed) EventType() EventType              { return EventTaskFailed }
func (TaskCancelled) EventType() EventType           { return EventTaskCancelled }
func (Pong) EventType() EventType                    { return EventPong }
func (ErrorReply) EventType() EventType              { return EventError }

func (ConnectionEstablished) event()   {}
func (SubscriptionConfirmed) event()   {}
func (UnsubscriptionConfirmed) event() {}
func (ProgressUpdate) event()          {}
func (TaskStatusReply) event()         {}
func (TaskCompleted) event()           {}
func (TaskFailed) event()              {}
func (TaskCancelled) event()           {}
func (Pong) event()                    {}
func (ErrorReply) event()              {}

func (e ProgressUpdate) EventTaskID() string { return e.TaskID }
func (e TaskCompleted) EventTaskID() string  { return e.TaskID }
func (e TaskFailed) EventTaskID() string     { return e.TaskID }
func (e TaskCancelled) EventTaskID() string  { return e.TaskID }

func (e ProgressUpdate) WithTaskID(id string) TaskEvent {
	e.TaskID = id
	return e
}

func (e TaskCompleted) WithTaskID(id string) TaskEvent {
	e.TaskID = id
	return e
}

func (e TaskFailed) WithTaskID(id string) TaskEvent {
	e.TaskID = id
	return e
}

func (e TaskCancelled) WithTaskID(id string) TaskEvent {
	e.TaskID = id
	return e
}

// IsTerminalEvent reports whether the event ends a task's lifecycle
func IsTerminalEvent(e Event) bool {
	switch e.EventType() {
	case EventTaskCompleted, EventTaskFailed, EventTaskCancelled:
		return true
	default:
		return false
	}
}

// NewProgressUpdate builds the wire event for a task snapshot
func NewProgressUpdate(task Task, now time.Time) ProgressUpdate {
	ev := ProgressUpdate{
		TaskID:        task.TaskID,
		Status:        task.Status,
		Stage:         task.Stage,
		Progress:      task.OverallProgress,
		StageProgress: task.StageProgress,
		Message:       task.Message,
		Timestamp:     now,
		CurrentUnit:   task.CurrentUnit,
		TotalUnits:    task.TotalUnits,
		ElapsedTime:   task.Elapsed(now).Seconds(),
	}
	if remaining, ok := task.EstimatedRemaining(now); ok {
		secs := remaining.Seconds()
		ev.EstimatedRemaining = &secs
	}
	return ev
}

// TerminalEvent builds the terminal event matching a terminal task snapshot.
// It returns nil for non-terminal tasks.
func TerminalEvent(task Task, now time.Time) TaskEvent {
	switch task.Status {
	case StatusCompleted:
		return TaskCompleted{TaskID: task.TaskID, Result: task.Result, Timestamp: now}
	case StatusError:
		return TaskFailed{TaskID: task.TaskID, ErrorMessage: task.ErrorMessage, Timestamp: now}
	case StatusCancelled:
		return TaskCancelled{TaskID: task.TaskID, Timestamp: now}
	default:
		return nil
	}
}

// MarshalEvent encodes an event with its "type" discriminator
func MarshalEvent(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.EventType(), err)
	}
	return withType(string(e.EventType()), body)
}

// UnmarshalEvent decodes any server-to-client message
func UnmarshalEvent(data []byte) (Event, error) {
	kind, err := peekType(data)
	if err != nil {
		return nil, err
	}

	var ev Event
	switch EventType(kind) {
	case EventConnectionEstablished:
		ev, err = decodeAs[ConnectionEstablished](data)
	case EventSubscriptionConfirmed:
		ev, err = decodeAs[SubscriptionConfirmed](data)
	case EventUnsubscriptionConfirmed:
		ev, err = decodeAs[UnsubscriptionConfirmed](data)
	case EventProgressUpdate:
		ev, err = decodeAs[ProgressUpdate](data)
	case EventTaskStatus:
		ev, err = decodeAs[TaskStatusReply](data)
	case EventTaskCompleted:
		ev, err = decodeAs[TaskCompleted](data)
	case EventTaskFailed:
		ev, err = decodeAs[TaskFailed](data)
	case EventTaskCancelled:
		ev, err = decodeAs[TaskCancelled](data)
	case EventPong:
		ev, err = decodeAs[Pong](data)
	case EventError:
		ev, err = decodeAs[ErrorReply](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, kind)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeAs[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode message: %w", err)
	}
	return v, nil
}

func peekType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("decode message envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrUnknownMessage)
	}
	return envelope.Type, nil
}

// withType prepends the "type" field to an encoded JSON object
func withType(kind string, body []byte) ([]byte, error) {
	typeField, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(typeField)+10)
	out = append(out, `{"type":`...)
	out = append(out, typeField...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}
