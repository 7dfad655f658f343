package event

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Repository defines outbox persistence operations
type Repository interface {
	Create(ctx context.Context, msg *Message) error

	// GetPending returns the oldest undelivered messages, up to limit
	GetPending(ctx context.Context, limit int) ([]*Message, error)

	MarkProcessed(ctx context.Context, id int64) error

	// MarkFailed increments the attempt counter; once attempts reach
	// maxAttempts the message moves to FAILED_TO_DELIVER and is no longer
	// picked up
	MarkFailed(ctx context.Context, id int64, maxAttempts int) error

	WithTx(tx pgx.Tx) Repository
}
