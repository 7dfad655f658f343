package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/access"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/document"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/event"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// stubTxManager runs the transactional closure directly. The repositories
// under it are mocks, so no real pgx.Tx is needed.
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

type MockDocumentRepo struct {
	mock.Mock
}

func (m *MockDocumentRepo) GetByID(ctx context.Context, id uuid.UUID) (*document.PhysicalDocument, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*document.PhysicalDocument), args.Error(1)
}

func (m *MockDocumentRepo) Acquire(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDocumentRepo) Release(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDocumentRepo) WithTx(tx pgx.Tx) document.Repository {
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

type MockAccessRepo struct {
	mock.Mock
}

func (m *MockAccessRepo) Create(ctx context.Context, req *access.Request) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockAccessRepo) GetByID(ctx context.Context, id uuid.UUID) (*access.Request, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*access.Request), args.Error(1)
}

func (m *MockAccessRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*access.Request, error) {
	args := m.Called(ctx, ownerID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*access.Request), args.Error(1)
}

func (m *MockAccessRepo) CountByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	args := m.Called(ctx, ownerID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAccessRepo) Update(ctx context.Context, req *access.Request) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockAccessRepo) ListExpiredUnnotified(ctx context.Context, now time.Time, limit int) ([]*access.Request, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*access.Request), args.Error(1)
}

func (m *MockAccessRepo) MarkExpiryNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockAccessRepo) WithTx(tx pgx.Tx) access.Repository {
	m.Called(tx)
	return m
}

const (
	testFineDailyRate = int64(500)
	testLoanPeriod    = 14 * 24 * time.Hour
)

type engineMocks struct {
	loans     *MockLoanRepo
	documents *MockDocumentRepo
	outbox    *MockOutboxRepo
}

func newTestEngine(now time.Time) (*Engine, *engineMocks) {
	m := &engineMocks{
		loans:     &MockLoanRepo{},
		documents: &MockDocumentRepo{},
		outbox:    &MockOutboxRepo{},
	}
	e := NewEngine(slog.Default(), stubTxManager{}, m.loans, m.documents, m.outbox, testFineDailyRate, testLoanPeriod)
	e.now = func() time.Time { return now }
	return e, m
}

func reservedLoan() *loan.Transaction {
	tx, err := loan.NewTransaction(uuid.New(), uuid.New(), uuid.New())
	if err != nil {
		panic(err)
	}
	return tx
}

func borrowedLoan(librarianID uuid.UUID, due time.Time) *loan.Transaction {
	tx := reservedLoan()
	if err := tx.Pickup(librarianID, due.Add(-testLoanPeriod), due); err != nil {
		panic(err)
	}
	return tx
}

func TestEngine_Reserve(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("AcquiresCopyAndCreatesLoan", func(t *testing.T) {
		e, m := newTestEngine(now)

		m.documents.On("WithTx", mock.Anything).Return(m.documents)
		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.outbox.On("WithTx", mock.Anything).Return(m.outbox)

		m.documents.On("Acquire", mock.Anything, mock.Anything).Return(nil)
		m.loans.On("Create", mock.Anything, mock.MatchedBy(func(tx *loan.Transaction) bool {
			return tx.Status == loan.StatusReserved && tx.Version == 1
		})).Return(nil)
		m.outbox.On("Create", mock.Anything, mock.MatchedBy(func(msg *event.Message) bool {
			return msg.Kind == event.KindLoanCreated
		})).Return(nil)

		tx, err := e.Reserve(ctx, uuid.New(), uuid.New(), uuid.New())
		require.NoError(t, err)
		assert.Equal(t, loan.StatusReserved, tx.Status)

		m.documents.AssertExpectations(t)
		m.loans.AssertExpectations(t)
		m.outbox.AssertExpectations(t)
	})

	t.Run("NoCopyAvailable", func(t *testing.T) {
		e, m := newTestEngine(now)
		physicalDocID := uuid.New()

		m.documents.On("WithTx", mock.Anything).Return(m.documents)
		m.documents.On("Acquire", mock.Anything, physicalDocID).
			Return(document.ErrDocumentUnavailable{DocumentID: physicalDocID})

		tx, err := e.Reserve(ctx, uuid.New(), physicalDocID, uuid.New())
		assert.Nil(t, tx)
		assert.ErrorIs(t, err, document.ErrDocumentUnavailable{})

		m.loans.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})
}

func TestEngine_Transition_Pickup(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	librarian := uuid.New()

	t.Run("ReservedToBorrowed", func(t *testing.T) {
		e, m := newTestEngine(now)
		stored := reservedLoan()

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.outbox.On("WithTx", mock.Anything).Return(m.outbox)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)
		m.loans.On("Update", mock.Anything, mock.MatchedBy(func(tx *loan.Transaction) bool {
			return tx.Status == loan.StatusBorrowed && tx.Version == 2
		})).Return(nil)
		m.outbox.On("Create", mock.Anything, mock.MatchedBy(func(msg *event.Message) bool {
			return msg.Kind == event.KindLoanBorrowed
		})).Return(nil)

		tx, err := e.Transition(ctx, stored.ID, loan.EventPickupScan, librarian)
		require.NoError(t, err)

		assert.Equal(t, loan.StatusBorrowed, tx.Status)
		assert.Equal(t, librarian, *tx.LibrarianID)
		assert.Equal(t, now.Add(testLoanPeriod), *tx.DueDate)

		m.loans.AssertExpectations(t)
		m.outbox.AssertExpectations(t)
	})

	t.Run("PickupOnBorrowedLoanRejected", func(t *testing.T) {
		e, m := newTestEngine(now)
		stored := borrowedLoan(librarian, now.Add(testLoanPeriod))

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)

		tx, err := e.Transition(ctx, stored.ID, loan.EventPickupScan, librarian)
		assert.Nil(t, tx)
		assert.ErrorIs(t, err, loan.ErrInvalidTransition{})

		m.loans.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	})
}

func TestEngine_Transition_Return(t *testing.T) {
	ctx := context.Background()
	librarian := uuid.New()

	t.Run("OnTimeReturnHasNoFine", func(t *testing.T) {
		now := time.Now()
		e, m := newTestEngine(now)
		stored := borrowedLoan(librarian, now.Add(time.Hour))

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.documents.On("WithTx", mock.Anything).Return(m.documents)
		m.outbox.On("WithTx", mock.Anything).Return(m.outbox)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)
		m.documents.On("Release", mock.Anything, stored.PhysicalDocID).Return(nil)
		m.loans.On("Update", mock.Anything, mock.Anything).Return(nil)
		m.outbox.On("Create", mock.Anything, mock.MatchedBy(func(msg *event.Message) bool {
			return msg.Kind == event.KindLoanReturned
		})).Return(nil)

		tx, err := e.Transition(ctx, stored.ID, loan.EventReturnScan, librarian)
		require.NoError(t, err)

		assert.Equal(t, loan.StatusReturned, tx.Status)
		assert.Equal(t, int64(0), tx.FineAmount)
		assert.Equal(t, loan.PaymentStatusNone, tx.PaymentStatus)

		m.documents.AssertExpectations(t)
	})

	t.Run("LateReturnAssessesFine", func(t *testing.T) {
		now := time.Now()
		e, m := newTestEngine(now)
		// three days overdue
		stored := borrowedLoan(librarian, now.Add(-72*time.Hour))

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.documents.On("WithTx", mock.Anything).Return(m.documents)
		m.outbox.On("WithTx", mock.Anything).Return(m.outbox)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)
		m.documents.On("Release", mock.Anything, stored.PhysicalDocID).Return(nil)
		m.loans.On("Update", mock.Anything, mock.Anything).Return(nil)
		m.outbox.On("Create", mock.Anything, mock.Anything).Return(nil)

		tx, err := e.Transition(ctx, stored.ID, loan.EventReturnScan, librarian)
		require.NoError(t, err)

		assert.Equal(t, 3*testFineDailyRate, tx.FineAmount)
		assert.Equal(t, loan.PaymentStatusUnpaid, tx.PaymentStatus)
	})

	t.Run("ConcurrentModificationPropagates", func(t *testing.T) {
		now := time.Now()
		e, m := newTestEngine(now)
		stored := borrowedLoan(librarian, now.Add(time.Hour))

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.documents.On("WithTx", mock.Anything).Return(m.documents)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)
		m.documents.On("Release", mock.Anything, stored.PhysicalDocID).Return(nil)
		m.loans.On("Update", mock.Anything, mock.Anything).
			Return(loan.ErrConcurrentModification{TransactionID: stored.ID})

		tx, err := e.Transition(ctx, stored.ID, loan.EventReturnScan, librarian)
		assert.Nil(t, tx)
		assert.ErrorIs(t, err, loan.ErrConcurrentModification{})
	})
}

func TestEngine_Transition_ReservationTimeout(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("CancelsAndReleasesCopy", func(t *testing.T) {
		e, m := newTestEngine(now)
		stored := reservedLoan()

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.documents.On("WithTx", mock.Anything).Return(m.documents)
		m.outbox.On("WithTx", mock.Anything).Return(m.outbox)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)
		m.documents.On("Release", mock.Anything, stored.PhysicalDocID).Return(nil)
		m.loans.On("Update", mock.Anything, mock.MatchedBy(func(tx *loan.Transaction) bool {
			return tx.Status == loan.StatusCancelledAuto
		})).Return(nil)
		m.outbox.On("Create", mock.Anything, mock.MatchedBy(func(msg *event.Message) bool {
			return msg.Kind == event.KindLoanCancelled
		})).Return(nil)

		tx, err := e.Transition(ctx, stored.ID, loan.EventReservationTimeout, uuid.Nil)
		require.NoError(t, err)
		assert.Equal(t, loan.StatusCancelledAuto, tx.Status)

		m.documents.AssertExpectations(t)
	})

	t.Run("TimeoutOnBorrowedLoanRejected", func(t *testing.T) {
		e, m := newTestEngine(now)
		stored := borrowedLoan(uuid.New(), now.Add(testLoanPeriod))

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)

		tx, err := e.Transition(ctx, stored.ID, loan.EventReservationTimeout, uuid.Nil)
		assert.Nil(t, tx)
		assert.ErrorIs(t, err, loan.ErrInvalidTransition{})
	})
}

func TestEngine_ReassessFine(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	librarian := uuid.New()

	returnedLoan := func() *loan.Transaction {
		tx := borrowedLoan(librarian, now.Add(-24*time.Hour))
		if err := tx.Return(librarian, now); err != nil {
			panic(err)
		}
		if err := tx.ApplyFine(testFineDailyRate); err != nil {
			panic(err)
		}
		return tx
	}

	t.Run("OverridesFine", func(t *testing.T) {
		e, m := newTestEngine(now)
		stored := returnedLoan()

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.outbox.On("WithTx", mock.Anything).Return(m.outbox)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)
		m.loans.On("Update", mock.Anything, mock.MatchedBy(func(tx *loan.Transaction) bool {
			return tx.FineAmount == 9000
		})).Return(nil)
		m.outbox.On("Create", mock.Anything, mock.MatchedBy(func(msg *event.Message) bool {
			return msg.Kind == event.KindFineReassessed
		})).Return(nil)

		tx, err := e.ReassessFine(ctx, stored.ID, librarian, "cover torn", 9000, stored.Version)
		require.NoError(t, err)
		assert.Equal(t, int64(9000), tx.FineAmount)
		assert.Equal(t, loan.PaymentStatusUnpaid, tx.PaymentStatus)
	})

	t.Run("RejectsSettledFine", func(t *testing.T) {
		e, m := newTestEngine(now)
		stored := returnedLoan()
		require.NoError(t, stored.MarkPaid(now))

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)

		tx, err := e.ReassessFine(ctx, stored.ID, librarian, "damage", 9000, stored.Version)
		assert.Nil(t, tx)
		assert.ErrorIs(t, err, loan.ErrFineAlreadyPaid)

		m.loans.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	})

	t.Run("StaleVersionRejected", func(t *testing.T) {
		e, m := newTestEngine(now)
		stored := returnedLoan()
		// The staff client read the loan, then another writer moved it on
		staleVersion := stored.Version - 1

		m.loans.On("WithTx", mock.Anything).Return(m.loans)
		m.loans.On("GetByID", mock.Anything, stored.ID).Return(stored, nil)

		tx, err := e.ReassessFine(ctx, stored.ID, librarian, "cover torn", 9000, staleVersion)
		assert.Nil(t, tx)
		assert.ErrorIs(t, err, loan.ErrConcurrentModification{})

		m.loans.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	})
}

func TestEngine_ListLoansByBorrower(t *testing.T) {
	ctx := context.Background()
	e, m := newTestEngine(time.Now())
	borrowerID := uuid.New()

	expected := []*loan.Transaction{reservedLoan(), reservedLoan()}
	m.loans.On("ListByBorrower", mock.Anything, borrowerID, 10, 0).Return(expected, nil)
	m.loans.On("CountByBorrower", mock.Anything, borrowerID).Return(int64(12), nil)

	loans, count, err := e.ListLoansByBorrower(ctx, borrowerID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, expected, loans)
	assert.Equal(t, int64(12), count)
}
