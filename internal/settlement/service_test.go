package settlement

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/event"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/payment"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubTxManager struct{}

func (stubTxManager) ExecuteTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type MockLoanRepo struct {
	mock.Mock
}

func (m *MockLoanRepo) Create(ctx context.Context, tx *loan.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *MockLoanRepo) GetByID(ctx context.Context, id uuid.UUID) (*loan.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*loan.Transaction), args.Error(1)
}

func (m *MockLoanRepo) ListByBorrower(ctx context.Context, borrowerID uuid.UUID, limit, offset int) ([]*loan.Transaction, error) {
	args := m.Called(ctx, borrowerID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*loan.Transaction), args.Error(1)
}

func (m *MockLoanRepo) CountByBorrower(ctx context.Context, borrowerID uuid.UUID) (int64, error) {
	args := m.Called(ctx, borrowerID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLoanRepo) Update(ctx context.Context, tx *loan.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *MockLoanRepo) ListReservedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*loan.Transaction, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*loan.Transaction), args.Error(1)
}

func (m *MockLoanRepo) WithTx(tx pgx.Tx) loan.Repository {
	m.Called(tx)
	return m
}

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

type MockPaymentRepo struct {
	mock.Mock
}

func (m *MockPaymentRepo) Append(ctx context.Context, record *payment.Record) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockPaymentRepo) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*payment.Record, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Record), args.Error(1)
}

func (m *MockPaymentRepo) ListByMember(ctx context.Context, memberID uuid.UUID, limit, offset int) ([]*payment.Record, error) {
	args := m.Called(ctx, memberID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*payment.Record), args.Error(1)
}

type serviceMocks struct {
	loans  *MockLoanRepo
	outbox *MockOutboxRepo
	ledger *MockPaymentRepo
}

func newTestService(now time.Time) (*Service, *serviceMocks) {
	m := &serviceMocks{
		loans:  &MockLoanRepo{},
		outbox: &MockOutboxRepo{},
		ledger: &MockPaymentRepo{},
	}
	s := NewService(slog.Default(), stubTxManager{}, m.loans, m.outbox, m.ledger)
	s.now = func() time.Time { return now }
	return s, m
}

func finedLoan(amount int64) *loan.Transaction {
	tx, err := loan.NewTransaction(uuid.New(), uuid.New(), uuid.New())
	if err != nil {
		panic(err)
	}
	librarian := uuid.New()
	now := time.Now()
	if err := tx.Pickup(librarian, now.Add(-72*time.Hour), now.Add(-48*time.Hour)); err != nil {
		panic(err)
	}
	if err := tx.Return(librarian, now); err != nil {
		panic(err)
	}
	if err := tx.ApplyFine(amount); err != nil {
		panic(err)
	}
	return tx
}

func TestService_Settle(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	librarian := uuid.New()

	t.Run("GatewaySettlesUnpaidFine", func(t *testing.T) {
		s, m := newTestService(now)
		stored := finedLoan(1500)

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.outbox.On("WithTx", mock.Anything).Return(m.outbox)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)
		m.loans.On("Update", mock.Anything, mock.MatchedBy(func(tx *loan.Transaction) bool {
			return tx.PaymentStatus == loan.PaymentStatusPaid
		})).Return(nil)
		m.outbox.On("Create", mock.Anything, mock.MatchedBy(func(msg *event.Message) bool {
			return msg.Kind == event.KindPaymentSettled
		})).Return(nil)
		m.ledger.On("Append", mock.Anything, mock.MatchedBy(func(r *payment.Record) bool {
			return r.TransactionID == stored.ID && r.Channel == payment.ChannelGateway && r.Amount == 1500
		})).Return(nil)

		result, err := s.Settle(ctx, stored.ID, uuid.Nil, payment.ChannelGateway, 1500, "gw-ref-001")
		require.NoError(t, err)

		assert.Equal(t, OutcomeSettled, result.Outcome)
		assert.Equal(t, loan.PaymentStatusPaid, result.Transaction.PaymentStatus)

		m.loans.AssertExpectations(t)
		m.outbox.AssertExpectations(t)
		m.ledger.AssertExpectations(t)
	})

	t.Run("SecondChannelIsIdempotent", func(t *testing.T) {
		s, m := newTestService(now)
		stored := finedLoan(1500)
		require.NoError(t, stored.MarkPaid(now))
		existing := payment.NewRecord(stored.ID, stored.BorrowerID, payment.ChannelGateway, 1500, "gw-ref-000", now)

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)
		m.ledger.On("GetByTransactionID", mock.Anything, stored.ID).Return(existing, nil)

		result, err := s.Settle(ctx, stored.ID, librarian, payment.ChannelCash, 0, "")
		require.NoError(t, err)

		assert.Equal(t, OutcomeAlreadySettled, result.Outcome)

		m.loans.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
		m.ledger.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	})

	t.Run("MissingLedgerRecordRebuiltOnRetry", func(t *testing.T) {
		// A crash between the relational commit and the ledger append leaves
		// a paid fine with no ledger record; the retried settlement rebuilds
		// it from the loan row.
		s, m := newTestService(now)
		stored := finedLoan(1500)
		require.NoError(t, stored.MarkPaid(now))

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)
		m.ledger.On("GetByTransactionID", mock.Anything, stored.ID).
			Return(nil, payment.ErrRecordNotFound{TransactionID: stored.ID})
		m.ledger.On("Append", mock.Anything, mock.MatchedBy(func(r *payment.Record) bool {
			return r.TransactionID == stored.ID &&
				r.MemberID == stored.BorrowerID &&
				r.Channel == payment.ChannelGateway &&
				r.Amount == 1500
		})).Return(nil)

		result, err := s.Settle(ctx, stored.ID, uuid.Nil, payment.ChannelGateway, 1500, "gw-ref-005")
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadySettled, result.Outcome)

		m.ledger.AssertExpectations(t)
	})

	t.Run("NoOutstandingFine", func(t *testing.T) {
		s, m := newTestService(now)
		stored := finedLoan(0) // on-time return, NON_PAYMENT

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)

		result, err := s.Settle(ctx, stored.ID, librarian, payment.ChannelCash, 100, "")
		assert.Nil(t, result)

		var noFineErr ErrNoOutstandingFine
		require.ErrorAs(t, err, &noFineErr)
		assert.Equal(t, stored.ID, noFineErr.TransactionID)
	})

	t.Run("AmountMismatch", func(t *testing.T) {
		s, m := newTestService(now)
		stored := finedLoan(1500)

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)

		result, err := s.Settle(ctx, stored.ID, uuid.Nil, payment.ChannelGateway, 1000, "gw-ref-002")
		assert.Nil(t, result)

		var mismatchErr ErrAmountMismatch
		require.ErrorAs(t, err, &mismatchErr)
		assert.Equal(t, int64(1500), mismatchErr.Expected)
		assert.Equal(t, int64(1000), mismatchErr.Got)

		m.loans.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	})

	t.Run("RaceLoserSucceedsWhenWinnerPaid", func(t *testing.T) {
		s, m := newTestService(now)
		stored := finedLoan(1500)

		paid := finedLoan(1500)
		paid.ID = stored.ID
		require.NoError(t, paid.MarkPaid(now))

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		// First read inside the settlement transaction sees UNPAID, the CAS
		// update loses, and the post-failure re-read sees PAID.
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil).Once()
		m.loans.On("Update", mock.Anything, mock.Anything).
			Return(loan.ErrConcurrentModification{TransactionID: stored.ID}).Once()
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(paid, nil).Once()

		result, err := s.Settle(ctx, stored.ID, librarian, payment.ChannelCash, 1500, "")
		require.NoError(t, err)

		assert.Equal(t, OutcomeAlreadySettled, result.Outcome)
		assert.Equal(t, loan.PaymentStatusPaid, result.Transaction.PaymentStatus)

		m.ledger.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
	})

	t.Run("RaceLoserFailsWhenWinnerWasNotPayment", func(t *testing.T) {
		s, m := newTestService(now)
		stored := finedLoan(1500)

		reassessed := finedLoan(9000)
		reassessed.ID = stored.ID

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil).Once()
		m.loans.On("Update", mock.Anything, mock.Anything).
			Return(loan.ErrConcurrentModification{TransactionID: stored.ID}).Once()
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(reassessed, nil).Once()

		result, err := s.Settle(ctx, stored.ID, librarian, payment.ChannelCash, 1500, "")
		assert.Nil(t, result)
		assert.ErrorIs(t, err, loan.ErrConcurrentModification{})
	})

	t.Run("CashSettlesRecordedFine", func(t *testing.T) {
		// Cash carries no tendered amount; it settles whatever fine the loan
		// row records. The ledger keeps the borrower as the member and the
		// confirming librarian separately.
		s, m := newTestService(now)
		stored := finedLoan(1500)

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.outbox.On("WithTx", mock.Anything).Return(m.outbox)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)
		m.loans.On("Update", mock.Anything, mock.Anything).Return(nil)
		m.outbox.On("Create", mock.Anything, mock.Anything).Return(nil)
		m.ledger.On("Append", mock.Anything, mock.MatchedBy(func(r *payment.Record) bool {
			return r.MemberID == stored.BorrowerID &&
				r.ConfirmedBy != nil && *r.ConfirmedBy == librarian &&
				r.Channel == payment.ChannelCash &&
				r.Amount == 1500
		})).Return(nil)

		result, err := s.Settle(ctx, stored.ID, librarian, payment.ChannelCash, 0, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSettled, result.Outcome)

		m.ledger.AssertExpectations(t)
	})

	t.Run("DuplicateLedgerAppendTolerated", func(t *testing.T) {
		s, m := newTestService(now)
		stored := finedLoan(1500)

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.outbox.On("WithTx", mock.Anything).Return(m.outbox)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)
		m.loans.On("Update", mock.Anything, mock.Anything).Return(nil)
		m.outbox.On("Create", mock.Anything, mock.Anything).Return(nil)
		m.ledger.On("Append", mock.Anything, mock.Anything).
			Return(payment.ErrDuplicateSettlement{TransactionID: stored.ID})

		result, err := s.Settle(ctx, stored.ID, uuid.Nil, payment.ChannelGateway, 1500, "gw-ref-003")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSettled, result.Outcome)
	})
}

func TestService_ListRecordsByMember(t *testing.T) {
	ctx := context.Background()
	s, m := newTestService(time.Now())
	memberID := uuid.New()

	expected := []*payment.Record{
		payment.NewRecord(uuid.New(), memberID, payment.ChannelGateway, 1500, "gw-ref-004", time.Now()),
	}
	m.ledger.On("ListByMember", mock.Anything, memberID, 10, 0).Return(expected, nil)

	records, err := s.ListRecordsByMember(ctx, memberID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, expected, records)
}
