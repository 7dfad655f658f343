package mongo

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/payment"
)

type MockPaymentRepository struct {
	mock.Mock
}

func (m *MockPaymentRepository) Append(ctx context.Context, record *payment.Record) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockPaymentRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*payment.Record, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Record), args.Error(1)
}

func (m *MockPaymentRepository) ListByMember(ctx context.Context, memberID uuid.UUID, limit, offset int) ([]*payment.Record, error) {
	args := m.Called(ctx, memberID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*payment.Record), args.Error(1)
}

func TestNewPaymentRepository(t *testing.T) {
	db := &mongo.Database{}
	logger := slog.Default()

	repo := NewPaymentRepository(logger, db)

	assert.NotNil(t, repo)
	assert.IsType(t, &PaymentRepository{}, repo)
}

func TestPaymentRepository_Append(t *testing.T) {
	txID := uuid.New()
	record := payment.NewRecord(txID, uuid.New(), payment.ChannelGateway, 1500, "gw-ref-001", time.Now())

	tests := []struct {
		name          string
		setupMocks    func(mockRepo *MockPaymentRepository)
		expectedError error
	}{
		{
			name: "successful append",
			setupMocks: func(mockRepo *MockPaymentRepository) {
				mockRepo.On("Append", mock.Anything, record).Return(nil)
			},
			expectedError: nil,
		},
		{
			name: "duplicate settlement",
			setupMocks: func(mockRepo *MockPaymentRepository) {
				mockRepo.On("Append", mock.Anything, record).Return(payment.ErrDuplicateSettlement{TransactionID: txID})
			},
			expectedError: payment.ErrDuplicateSettlement{TransactionID: txID},
		},
		{
			name: "database error",
			setupMocks: func(mockRepo *MockPaymentRepository) {
				mockRepo.On("Append", mock.Anything, record).Return(errors.New("db error"))
			},
			expectedError: errors.New("db error"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRepo := &MockPaymentRepository{}
			tt.setupMocks(mockRepo)

			ctx := context.Background()
			err := mockRepo.Append(ctx, record)

			if tt.expectedError != nil {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError.Error())
			} else {
				assert.NoError(t, err)
			}

			mockRepo.AssertExpectations(t)
		})
	}
}

func TestPaymentRepository_GetByTransactionID(t *testing.T) {
	txID := uuid.New()
	record := payment.NewRecord(txID, uuid.New(), payment.ChannelCash, 500, "", time.Now())

	tests := []struct {
		name           string
		setupMocks     func(mockRepo *MockPaymentRepository)
		expectedRecord *payment.Record
		expectedError  error
	}{
		{
			name: "record found",
			setupMocks: func(mockRepo *MockPaymentRepository) {
				mockRepo.On("GetByTransactionID", mock.Anything, txID).Return(record, nil)
			},
			expectedRecord: record,
			expectedError:  nil,
		},
		{
			name: "record not found",
			setupMocks: func(mockRepo *MockPaymentRepository) {
				mockRepo.On("GetByTransactionID", mock.Anything, txID).Return(nil, payment.ErrRecordNotFound{TransactionID: txID})
			},
			expectedRecord: nil,
			expectedError:  payment.ErrRecordNotFound{TransactionID: txID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRepo := &MockPaymentRepository{}
			tt.setupMocks(mockRepo)

			got, err := mockRepo.GetByTransactionID(context.Background(), txID)

			assert.Equal(t, tt.expectedRecord, got)
			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
			} else {
				assert.NoError(t, err)
			}

			mockRepo.AssertExpectations(t)
		})
	}
}

func TestPaymentRepository_MapInsertError(t *testing.T) {
	repo := NewPaymentRepository(slog.Default(), &mongo.Database{})
	txID := uuid.New()

	t.Run("UniqueIndexViolationBecomesDuplicateSettlement", func(t *testing.T) {
		// Two retried appends can both pass the pre-read; the unique index
		// on transaction_id rejects the second insert and the violation must
		// surface as the domain duplicate error.
		dupErr := mongo.WriteException{
			WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key error"}},
		}

		err := repo.mapInsertError(txID, dupErr)
		assert.ErrorIs(t, err, payment.ErrDuplicateSettlement{TransactionID: txID})
	})

	t.Run("OtherInsertErrorsPassThrough", func(t *testing.T) {
		err := repo.mapInsertError(txID, errors.New("connection reset"))
		assert.NotErrorIs(t, err, payment.ErrDuplicateSettlement{})
		assert.Contains(t, err.Error(), "failed to append settlement record")
	})
}

func TestPaymentDomainErrors(t *testing.T) {
	txID := uuid.New()

	t.Run("EmptyTargetMatchesAny", func(t *testing.T) {
		assert.True(t, errors.Is(payment.ErrDuplicateSettlement{TransactionID: txID}, payment.ErrDuplicateSettlement{}))
		assert.True(t, errors.Is(payment.ErrRecordNotFound{TransactionID: txID}, payment.ErrRecordNotFound{}))
	})

	t.Run("DistinctTypesDoNotMatch", func(t *testing.T) {
		assert.False(t, errors.Is(payment.ErrDuplicateSettlement{TransactionID: txID}, payment.ErrRecordNotFound{}))
	})
}
