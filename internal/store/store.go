package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mobilemsg/pushbox/internal/message"
)

// ErrNotFound is returned when a message or channel id resolves to nothing.
var ErrNotFound = errors.New("not found")

// StoreError wraps an I/O or constraint failure from a store implementation.
// Callers treat these as recoverable: log, skip, retry on the next cycle.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Store is the durable message store behind the engine. Presence in the
// outbox is the "pending" state; removal is terminal. Inbox rows carry a
// soft-delete flag and per-receiver delivery receipts.
type Store interface {
	AddOutboxMessage(ctx context.Context, m *message.Message) error
	OutboxMessages(ctx context.Context) ([]*message.Message, error)
	RemoveOutboxMessage(ctx context.Context, id string) error

	AddInboxMessage(ctx context.Context, m *message.Message) error
	// Message returns ErrNotFound for unknown ids; soft-deleted rows are
	// still returned so receipt bookkeeping keeps working.
	Message(ctx context.Context, id string) (*message.Message, error)
	InboxMessages(ctx context.Context, channel, subchannel string) ([]*message.Message, error)
	RemoveInboxMessage(ctx context.Context, id string, hard bool) error

	UndeliveredMessages(ctx context.Context, channel, subchannel, receiver string) ([]*message.Message, error)
	AllUndeliveredMessages(ctx context.Context, receiver string) ([]*message.Message, error)

	AddChannel(ctx context.Context, name string) error
	RemoveChannel(ctx context.Context, name string) error
	Channels(ctx context.Context) ([]string, error)

	// MessageDelivered records a delivery receipt. It reports false when the
	// message id is unknown; recording the same receipt twice is a no-op.
	MessageDelivered(ctx context.Context, id, receiver string) (bool, error)

	ClearExpiredMessages(ctx context.Context) error

	Close() error
}
