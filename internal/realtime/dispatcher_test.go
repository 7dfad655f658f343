package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/config"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/event"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockOutboxRepo struct {
	mock.Mock
}

func (m *MockOutboxRepo) Create(ctx context.Context, msg *event.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockOutboxRepo) GetPending(ctx context.Context, limit int) ([]*event.Message, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*event.Message), args.Error(1)
}

func (m *MockOutboxRepo) MarkProcessed(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOutboxRepo) MarkFailed(ctx context.Context, id int64, maxAttempts int) error {
	args := m.Called(ctx, id, maxAttempts)
	return args.Error(0)
}

func (m *MockOutboxRepo) WithTx(tx pgx.Tx) event.Repository {
	m.Called(tx)
	return m
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Publish(ctx context.Context, key string, value interface{}) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockNotifier) Close() error {
	args := m.Called()
	return args.Error(0)
}

func newTestDispatcher(t *testing.T, outboxRepo *MockOutboxRepo, hub *Hub, notifier *MockNotifier) *Dispatcher {
	t.Helper()
	cfg := &config.OutboxConfig{
		PollingInterval:  10 * time.Millisecond,
		BatchSize:        10,
		MaxRetryAttempts: 3,
	}
	d, err := NewDispatcher(slog.Default(), cfg, 4, outboxRepo, hub, notifier)
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)
	return d
}

func pendingMessage(id int64) *event.Message {
	return &event.Message{
		ID:            id,
		TransactionID: uuid.New(),
		MemberID:      uuid.New(),
		Kind:          event.KindLoanBorrowed,
		Payload:       json.RawMessage(`{"entity":"LOAN","status":"BORROWED"}`),
		Status:        event.StatusPending,
		CreatedAt:     time.Now(),
	}
}

func TestDispatcher_ProcessPendingMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("DeliversToHubAndNotifier", func(t *testing.T) {
		hub := startHub(t)
		outboxRepo := &MockOutboxRepo{}
		notifier := &MockNotifier{}
		d := newTestDispatcher(t, outboxRepo, hub, notifier)

		msg := pendingMessage(1)
		subscriber := NewClient(nil, msg.MemberID, false)
		hub.Register(subscriber)

		outboxRepo.On("GetPending", mock.Anything, 10).Return([]*event.Message{msg}, nil)
		notifier.On("Publish", mock.Anything, msg.MemberID.String(), mock.Anything).Return(nil)
		outboxRepo.On("MarkProcessed", mock.Anything, msg.ID).Return(nil)

		err := d.processPendingMessages(ctx)
		require.NoError(t, err)

		assert.Equal(t, []byte(msg.Payload), recvWithin(t, subscriber.Send, time.Second))
		outboxRepo.AssertExpectations(t)
		notifier.AssertExpectations(t)
	})

	t.Run("EmptyQueueIsANoop", func(t *testing.T) {
		hub := startHub(t)
		outboxRepo := &MockOutboxRepo{}
		notifier := &MockNotifier{}
		d := newTestDispatcher(t, outboxRepo, hub, notifier)

		outboxRepo.On("GetPending", mock.Anything, 10).Return([]*event.Message{}, nil)

		err := d.processPendingMessages(ctx)
		require.NoError(t, err)

		outboxRepo.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything)
	})

	t.Run("NotifierFailureMarksFailed", func(t *testing.T) {
		hub := startHub(t)
		outboxRepo := &MockOutboxRepo{}
		notifier := &MockNotifier{}
		d := newTestDispatcher(t, outboxRepo, hub, notifier)

		msg := pendingMessage(2)

		outboxRepo.On("GetPending", mock.Anything, 10).Return([]*event.Message{msg}, nil)
		notifier.On("Publish", mock.Anything, msg.MemberID.String(), mock.Anything).Return(assert.AnError)
		outboxRepo.On("MarkFailed", mock.Anything, msg.ID, 3).Return(nil)

		err := d.processPendingMessages(ctx)
		require.NoError(t, err)

		outboxRepo.AssertExpectations(t)
		outboxRepo.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything)
	})

	t.Run("FetchFailurePropagates", func(t *testing.T) {
		hub := startHub(t)
		outboxRepo := &MockOutboxRepo{}
		notifier := &MockNotifier{}
		d := newTestDispatcher(t, outboxRepo, hub, notifier)

		outboxRepo.On("GetPending", mock.Anything, 10).Return(nil, assert.AnError)

		err := d.processPendingMessages(ctx)
		assert.Error(t, err)
	})

	t.Run("MarkProcessedFailureIsTolerated", func(t *testing.T) {
		hub := startHub(t)
		outboxRepo := &MockOutboxRepo{}
		notifier := &MockNotifier{}
		d := newTestDispatcher(t, outboxRepo, hub, notifier)

		msg := pendingMessage(3)

		outboxRepo.On("GetPending", mock.Anything, 10).Return([]*event.Message{msg}, nil)
		notifier.On("Publish", mock.Anything, msg.MemberID.String(), mock.Anything).Return(nil)
		outboxRepo.On("MarkProcessed", mock.Anything, msg.ID).Return(assert.AnError)

		// delivery happened, the mark failure only means redelivery later
		err := d.processPendingMessages(ctx)
		require.NoError(t, err)
	})
}
