// Package proto holds the JSON wire types exchanged between the messaging
// channel and the relay.
package proto

import (
	"encoding/json"
	"fmt"
)

// Event names carried in Envelope.Event.
const (
	// EventConnect and EventDisconnect are raised locally by the channel, never sent.
	EventConnect    = "connect"
	EventDisconnect = "disconnect"

	EventMessage   = "message"
	EventDelivered = "message:delivered"
	EventFailed    = "message:failed"
	EventError     = "error"
	EventKickoff   = "kickoff"
)

// Envelope is one frame on any transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload interface{}) (*Envelope, error) {
	if event == "" {
		return nil, fmt.Errorf("empty event name")
	}
	env := &Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// ChatMsg is the payload of EventMessage.
type ChatMsg struct {
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	FromName   string `json:"fromName,omitempty"`
	Message    string `json:"message"`
	PendingID  string `json:"pendingId,omitempty"`
}

// Validate reports the missing required fields.
func (m *ChatMsg) Validate() []string {
	var errs []string
	if m.FromUserID == "" {
		errs = append(errs, "fromUserId: required")
	}
	if m.ToUserID == "" {
		errs = append(errs, "toUserId: required")
	}
	if m.Message == "" {
		errs = append(errs, "message: required")
	}
	return errs
}

// DeliveryAck is the payload of EventDelivered, echoed back to the sender.
type DeliveryAck struct {
	PendingID string `json:"pendingId"`
	ToUserID  string `json:"toUserId,omitempty"`
	// Recipients is the number of live sessions the message was pushed to.
	Recipients int `json:"recipients"`
}

// Failure is the payload of EventFailed and EventError.
type Failure struct {
	PendingID string   `json:"pendingId,omitempty"`
	Code      int      `json:"code"`
	Params    []string `json:"params,omitempty"`
}

const (
	ErrorCodeInvalidArguments = 3
	ErrorCodeInternal         = 13
)

// PollOpen is returned by the polling transport handshake.
type PollOpen struct {
	Sid string `json:"sid"`
	// PollTimeoutMs is how long the server holds an empty poll.
	PollTimeoutMs int64 `json:"pollTimeoutMs"`
}
