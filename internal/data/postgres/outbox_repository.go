package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/event"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/persistence"
	"github.com/jackc/pgx/v5"
)

// OutboxRepository implements the event.Repository interface for PostgreSQL
type OutboxRepository struct {
	querier persistence.Querier
	logger  *slog.Logger
}

// NewOutboxRepository creates a new PostgreSQL outbox repository
func NewOutboxRepository(logger *slog.Logger, db *persistence.PostgresDB) event.Repository {
	return &OutboxRepository{
		querier: db.Pool(),
		logger:  logger,
	}
}

// WithTx wraps the repository with a transaction for atomic operations.
// This ensures message creation is atomic with the state change it
// announces.
func (r *OutboxRepository) WithTx(tx pgx.Tx) event.Repository {
	return &OutboxRepository{
		querier: tx,
		logger:  r.logger,
	}
}

// Create stores a new outbox message in pending status. The message will be
// picked up by the event dispatcher for delivery.
func (r *OutboxRepository) Create(ctx context.Context, msg *event.Message) error {
	query := `
		INSERT INTO event_outbox (transaction_id, member_id, kind, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err := r.querier.QueryRow(ctx, query,
		msg.TransactionID,
		msg.MemberID,
		msg.Kind,
		msg.Payload,
		msg.Status,
		msg.Attempts,
		msg.CreatedAt,
	).Scan(&msg.ID)

	if err != nil {
		r.logger.Error("Failed to create outbox message",
			"transaction_id", msg.TransactionID.String(),
			"error", err,
		)
		return fmt.Errorf("failed to create outbox message: %w", err)
	}

	return nil
}

// GetPending retrieves a batch of pending outbox messages ordered by
// creation time, so delivery preserves per-record FIFO order
func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*event.Message, error) {
	query := `
		SELECT id, transaction_id, member_id, kind, payload, status, attempts, created_at, last_attempt_at
		FROM event_outbox
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.querier.Query(ctx, query, event.StatusPending, limit)
	if err != nil {
		r.logger.Error("Failed to get pending outbox messages", "error", err)
		return nil, fmt.Errorf("failed to get pending outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []*event.Message
	for rows.Next() {
		var msg event.Message
		err := rows.Scan(
			&msg.ID,
			&msg.TransactionID,
			&msg.MemberID,
			&msg.Kind,
			&msg.Payload,
			&msg.Status,
			&msg.Attempts,
			&msg.CreatedAt,
			&msg.LastAttemptAt,
		)
		if err != nil {
			r.logger.Error("Failed to scan outbox message", "error", err)
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("Error iterating over outbox messages", "error", err)
		return nil, fmt.Errorf("error iterating over outbox messages: %w", err)
	}

	return messages, nil
}

// MarkProcessed marks a delivered message
func (r *OutboxRepository) MarkProcessed(ctx context.Context, id int64) error {
	query := `
		UPDATE event_outbox
		SET status = $1, last_attempt_at = $2
		WHERE id = $3
	`

	result, err := r.querier.Exec(ctx, query, event.StatusProcessed, time.Now(), id)
	if err != nil {
		r.logger.Error("Failed to mark outbox message processed", "id", id, "error", err)
		return fmt.Errorf("failed to mark outbox message processed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("outbox message not found: %d", id)
	}

	return nil
}

// MarkFailed increments the attempt counter. Once attempts reach
// maxAttempts the message moves to FAILED_TO_DELIVER and leaves the pending
// queue.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, maxAttempts int) error {
	query := `
		UPDATE event_outbox
		SET attempts = attempts + 1,
		    last_attempt_at = $1,
		    status = CASE WHEN attempts + 1 >= $2 THEN $3 ELSE status END
		WHERE id = $4
	`

	result, err := r.querier.Exec(ctx, query, time.Now(), maxAttempts, event.StatusFailedToDeliver, id)
	if err != nil {
		r.logger.Error("Failed to mark outbox message failed", "id", id, "error", err)
		return fmt.Errorf("failed to mark outbox message failed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("outbox message not found: %d", id)
	}

	return nil
}
