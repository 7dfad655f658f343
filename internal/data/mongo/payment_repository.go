// Package mongo provides the MongoDB implementation of the payment ledger.
// Settlement records are append-only documents; corrections would be new
// records, never edits.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/payment"
)

const (
	// PaymentCollectionName is the name of the payment ledger collection in
	// MongoDB
	PaymentCollectionName = "payment_records"
)

// PaymentRepository implements the payment.Repository interface for MongoDB
type PaymentRepository struct {
	db     *mongo.Database
	logger *slog.Logger
}

// NewPaymentRepository creates a new MongoDB payment ledger repository
func NewPaymentRepository(logger *slog.Logger, db *mongo.Database) *PaymentRepository {
	return &PaymentRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureIndexes creates the unique index on transaction_id that enforces the
// one-record-per-settlement invariant at the database level. Called once at
// startup; index creation is idempotent.
func (r *PaymentRepository) EnsureIndexes(ctx context.Context) error {
	collection := r.db.Collection(PaymentCollectionName)

	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "transaction_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		r.logger.Error("Failed to create payment ledger indexes", "error", err)
		return fmt.Errorf("failed to create payment ledger indexes: %w", err)
	}

	return nil
}

// Append stores a new settlement record. Returns ErrDuplicateSettlement if a
// record for the same loan transaction already exists. The pre-read is a
// fast path; the unique index on transaction_id is what actually closes the
// window between racing appends.
func (r *PaymentRepository) Append(ctx context.Context, record *payment.Record) error {
	collection := r.db.Collection(PaymentCollectionName)

	existing, err := r.GetByTransactionID(ctx, record.TransactionID)
	if err != nil && !errors.Is(err, payment.ErrRecordNotFound{}) {
		r.logger.Error("Failed to check for existing settlement record",
			"transaction_id", record.TransactionID.String(),
			"error", err)
		return fmt.Errorf("failed to check for existing settlement record: %w", err)
	}

	if existing != nil {
		return payment.ErrDuplicateSettlement{TransactionID: record.TransactionID}
	}

	_, err = collection.InsertOne(ctx, record)
	if err != nil {
		return r.mapInsertError(record.TransactionID, err)
	}

	return nil
}

// mapInsertError converts a unique-index violation on transaction_id into
// the domain duplicate error
func (r *PaymentRepository) mapInsertError(transactionID uuid.UUID, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return payment.ErrDuplicateSettlement{TransactionID: transactionID}
	}
	r.logger.Error("Failed to append settlement record",
		"transaction_id", transactionID.String(),
		"error", err)
	return fmt.Errorf("failed to append settlement record: %w", err)
}

// GetByTransactionID retrieves the settlement record for a loan transaction.
// Returns ErrRecordNotFound if the fine has not been settled.
func (r *PaymentRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*payment.Record, error) {
	collection := r.db.Collection(PaymentCollectionName)

	filter := bson.M{"transaction_id": transactionID}
	var record payment.Record
	err := collection.FindOne(ctx, filter).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, payment.ErrRecordNotFound{TransactionID: transactionID}
		}
		r.logger.Error("Failed to get settlement record",
			"transaction_id", transactionID.String(),
			"error", err)
		return nil, fmt.Errorf("failed to get settlement record: %w", err)
	}

	return &record, nil
}

// ListByMember retrieves paginated settlement records for a member, newest
// first
func (r *PaymentRepository) ListByMember(ctx context.Context, memberID uuid.UUID, limit, offset int) ([]*payment.Record, error) {
	collection := r.db.Collection(PaymentCollectionName)

	filter := bson.M{"member_id": memberID}
	opts := options.Find().
		SetSort(bson.M{"settled_at": -1}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		r.logger.Error("Failed to list settlement records",
			"member_id", memberID.String(),
			"error", err)
		return nil, fmt.Errorf("failed to list settlement records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*payment.Record
	if err := cursor.All(ctx, &records); err != nil {
		r.logger.Error("Failed to decode settlement records",
			"member_id", memberID.String(),
			"error", err)
		return nil, fmt.Errorf("failed to decode settlement records: %w", err)
	}

	return records, nil
}
