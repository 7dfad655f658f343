package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/event"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingMessage() *event.Message {
	return &event.Message{
		TransactionID: uuid.New(),
		MemberID:      uuid.New(),
		Kind:          event.KindLoanCreated,
		Payload:       json.RawMessage(`{"transactionId":"x","entity":"LOAN","status":"RESERVED","action":"CREATE"}`),
		Status:        event.StatusPending,
		Attempts:      0,
		CreatedAt:     time.Now(),
	}
}

func TestOutboxRepository_Create(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := &OutboxRepository{querier: mock, logger: logger}
	msg := newPendingMessage()

	query := `
		INSERT INTO event_outbox \(transaction_id, member_id, kind, payload, status, attempts, created_at\)
		VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7\)
		RETURNING id
	`

	t.Run("success", func(t *testing.T) {
		rows := pgxmock.NewRows([]string{"id"}).AddRow(int64(42))
		mock.ExpectQuery(query).
			WithArgs(msg.TransactionID, msg.MemberID, msg.Kind, msg.Payload, msg.Status, msg.Attempts, msg.CreatedAt).
			WillReturnRows(rows)

		err := repo.Create(ctx, msg)
		assert.NoError(t, err)
		assert.Equal(t, int64(42), msg.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure", func(t *testing.T) {
		expectedErr := errors.New("db error")
		mock.ExpectQuery(query).
			WithArgs(msg.TransactionID, msg.MemberID, msg.Kind, msg.Payload, msg.Status, msg.Attempts, msg.CreatedAt).
			WillReturnError(expectedErr)

		err := repo.Create(ctx, msg)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create outbox message")
		assert.ErrorIs(t, err, expectedErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOutboxRepository_GetPending(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := &OutboxRepository{querier: mock, logger: logger}

	first := newPendingMessage()
	first.ID = 1
	second := newPendingMessage()
	second.ID = 2

	query := `
		SELECT id, transaction_id, member_id, kind, payload, status, attempts, created_at, last_attempt_at
		FROM event_outbox
		WHERE status = \$1
		ORDER BY created_at ASC
		LIMIT \$2
	`
	columns := []string{"id", "transaction_id", "member_id", "kind", "payload", "status", "attempts", "created_at", "last_attempt_at"}

	t.Run("success", func(t *testing.T) {
		rows := pgxmock.NewRows(columns).
			AddRow(first.ID, first.TransactionID, first.MemberID, first.Kind, first.Payload, first.Status, first.Attempts, first.CreatedAt, first.LastAttemptAt).
			AddRow(second.ID, second.TransactionID, second.MemberID, second.Kind, second.Payload, second.Status, second.Attempts, second.CreatedAt, second.LastAttemptAt)
		mock.ExpectQuery(query).WithArgs(event.StatusPending, 50).WillReturnRows(rows)

		messages, err := repo.GetPending(ctx, 50)
		assert.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, first.ID, messages[0].ID)
		assert.Equal(t, second.ID, messages[1].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty queue", func(t *testing.T) {
		mock.ExpectQuery(query).WithArgs(event.StatusPending, 50).WillReturnRows(pgxmock.NewRows(columns))

		messages, err := repo.GetPending(ctx, 50)
		assert.NoError(t, err)
		assert.Empty(t, messages)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("db error", func(t *testing.T) {
		dbErr := errors.New("query db error")
		mock.ExpectQuery(query).WithArgs(event.StatusPending, 50).WillReturnError(dbErr)

		messages, err := repo.GetPending(ctx, 50)
		assert.Error(t, err)
		assert.Nil(t, messages)
		assert.ErrorIs(t, err, dbErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOutboxRepository_MarkProcessed(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := &OutboxRepository{querier: mock, logger: logger}
	msgID := int64(7)

	query := `
		UPDATE event_outbox
		SET status = \$1, last_attempt_at = \$2
		WHERE id = \$3
	`

	t.Run("success", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs(event.StatusProcessed, pgxmock.AnyArg(), msgID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := repo.MarkProcessed(ctx, msgID)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs(event.StatusProcessed, pgxmock.AnyArg(), msgID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := repo.MarkProcessed(ctx, msgID)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "outbox message not found")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOutboxRepository_MarkFailed(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := &OutboxRepository{querier: mock, logger: logger}
	msgID := int64(7)
	maxAttempts := 5

	query := `
		UPDATE event_outbox
		SET attempts = attempts \+ 1,
		    last_attempt_at = \$1,
		    status = CASE WHEN attempts \+ 1 >= \$2 THEN \$3 ELSE status END
		WHERE id = \$4
	`

	t.Run("success", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs(pgxmock.AnyArg(), maxAttempts, event.StatusFailedToDeliver, msgID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := repo.MarkFailed(ctx, msgID, maxAttempts)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectExec(query).
			WithArgs(pgxmock.AnyArg(), maxAttempts, event.StatusFailedToDeliver, msgID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := repo.MarkFailed(ctx, msgID, maxAttempts)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "outbox message not found")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("db error", func(t *testing.T) {
		dbErr := errors.New("update db error")
		mock.ExpectExec(query).
			WithArgs(pgxmock.AnyArg(), maxAttempts, event.StatusFailedToDeliver, msgID).
			WillReturnError(dbErr)

		err := repo.MarkFailed(ctx, msgID, maxAttempts)
		assert.Error(t, err)
		assert.ErrorIs(t, err, dbErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOutboxRepository_WithTx(t *testing.T) {
	logger := newTestLogger()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	originalRepo := &OutboxRepository{querier: mockPool, logger: logger}

	mockPool.ExpectBegin()
	pgxTx, err := mockPool.Begin(context.Background())
	require.NoError(t, err)

	txRepo := originalRepo.WithTx(pgxTx)

	assert.NotNil(t, txRepo)
	assert.Equal(t, pgxTx, txRepo.(*OutboxRepository).querier)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}
