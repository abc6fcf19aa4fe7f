package store

import (
	"context"
)

// Message is one record of the local message cache.
type Message struct {
	ID         uint64 `json:"id,omitempty"` // assigned by the store on first save
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	FromName   string `json:"fromName"` // sender name at send time, may be stale.
	Message    string `json:"message"`
	PendingID  string `json:"pendingId,omitempty"` // client correlation token.
	Delivered  bool   `json:"delivered,omitempty"`
	Failed     bool   `json:"failed,omitempty"`
}

//go:generate mockgen -source=api.go -destination=mock/mock_api.go

type IMessageStore interface {
	// SaveMessages upserts given records in one transaction. Records with zero ID
	// are inserted and get their ID assigned, others overwrite in place.
	SaveMessages(ctx context.Context, msgs []*Message) error

	// GetMessagesBetween gets the conversation of the unordered pair {userA, userB}, order by ID ASC.
	GetMessagesBetween(ctx context.Context, userA, userB string) ([]*Message, error)

	// FindByPendingID gets the record carrying given pending id, nil if none.
	FindByPendingID(ctx context.Context, pendingID string) (*Message, error)

	// DeleteMessage deletes one record, it's a no-op if not exists.
	DeleteMessage(ctx context.Context, id uint64) error

	// ClearMessages deletes all records. IDs are not reused after clear.
	ClearMessages(ctx context.Context) error

	Close() error
}
