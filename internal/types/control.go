package types

import (
	"encoding/json"
	"fmt"
)

// ControlType discriminates client-to-server messages on an event stream
type ControlType string

const (
	ControlSubscribe     ControlType = "subscribe_task"
	ControlUnsubscribe   ControlType = "unsubscribe_task"
	ControlGetTaskStatus ControlType = "get_task_status"
	ControlCancelTask    ControlType = "cancel_task"
	ControlPing          ControlType = "ping"
)

// ControlMessage is a client request. Like Event, the variant set is closed.
type ControlMessage interface {
	ControlType() ControlType
	control()
}

// SubscribeTask asks for progress events of a task
type SubscribeTask struct {
	TaskID string `json:"task_id"`
}

// UnsubscribeTask stops progress events of a task
type UnsubscribeTask struct {
	TaskID string `json:"task_id"`
}

// GetTaskStatus asks for a full task snapshot
type GetTaskStatus struct {
	TaskID string `json:"task_id"`
}

// CancelTask requests cooperative cancellation
type CancelTask struct {
	TaskID string `json:"task_id"`
}

// Ping is a liveness probe; the reply echoes Timestamp verbatim
type Ping struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

func (SubscribeTask) ControlType() ControlType   { return ControlSubscribe }
func (UnsubscribeTask) ControlType() ControlType { return ControlUnsubscribe }
func (GetTaskStatus) ControlType() ControlType   { return ControlGetTaskStatus }
func (CancelTask) ControlType() ControlType      { return ControlCancelTask }
func (Ping) ControlType() ControlType            { return ControlPing }

func (SubscribeTask) control()   {}
func (UnsubscribeTask) control() {}
func (GetTaskStatus) control()   {}
func (CancelTask) control()      {}
func (Ping) control()            {}

// MarshalControl encodes a control message with its "type" discriminator
func MarshalControl(m ControlMessage) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.ControlType(), err)
	}
	return withType(string(m.ControlType()), body)
}

// UnmarshalControl decodes a client-to-server message
func UnmarshalControl(data []byte) (ControlMessage, error) {
	kind, err := peekType(data)
	if err != nil {
		return nil, err
	}

	var msg ControlMessage
	switch ControlType(kind) {
	case ControlSubscribe:
		msg, err = decodeAs[SubscribeTask](data)
	case ControlUnsubscribe:
		msg, err = decodeAs[UnsubscribeTask](data)
	case ControlGetTaskStatus:
		msg, err = decodeAs[GetTaskStatus](data)
	case ControlCancelTask:
		msg, err = decodeAs[CancelTask](data)
	case ControlPing:
		msg, err = decodeAs[Ping](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, kind)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}
