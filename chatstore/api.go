package chatstore

import (
	"time"

	"github.com/ziamarket/zia/channel"
	"github.com/ziamarket/zia/store"
)

// IChannel is the part of *channel.Channel the syncer needs.
type IChannel interface {
	Send(event string, payload interface{}) error
	Subscribe(event string, h channel.Handler) func()
}

// State of a locally originated message.
type State int

const (
	StateUnknown State = iota
	StatePending
	StateDelivered
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailurePolicy decides what happens to a record whose send failed or timed out.
type FailurePolicy int

const (
	// FailKeepFlagged keeps the record with Failed set.
	FailKeepFlagged FailurePolicy = iota
	// FailRemove deletes the record.
	FailRemove
	// FailRetry resends up to MaxRetries times, then keeps the record flagged.
	FailRetry
)

func (p FailurePolicy) String() string {
	switch p {
	case FailRemove:
		return "remove"
	case FailRetry:
		return "retry"
	default:
		return "keep-flagged"
	}
}

const (
	DefaultAckTimeout = 15 * time.Second
	DefaultMaxRetries = 3
)

type Conf struct {
	UserID   string
	UserName string

	// AckTimeout fails a pending message without ack, zero means DefaultAckTimeout.
	AckTimeout    time.Duration
	FailurePolicy FailurePolicy
	// MaxRetries is used with FailRetry, zero means DefaultMaxRetries.
	MaxRetries int
}

type ChangeKind int

const (
	ChangeSent ChangeKind = iota + 1
	ChangeDelivered
	ChangeFailed
	ChangeRemoved
	ChangeReceived
	ChangeUpdated
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSent:
		return "sent"
	case ChangeDelivered:
		return "delivered"
	case ChangeFailed:
		return "failed"
	case ChangeRemoved:
		return "removed"
	case ChangeReceived:
		return "received"
	case ChangeUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Change is reported to the OnChange callback after the store is updated.
type Change struct {
	Kind    ChangeKind
	Message *store.Message
	// Reason of a failure, empty otherwise.
	Reason string
}
