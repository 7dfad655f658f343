package payment

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines payment ledger persistence operations
type Repository interface {
	// Append inserts the record. A second record for the same loan
	// transaction returns ErrDuplicateSettlement.
	Append(ctx context.Context, record *Record) error

	GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*Record, error)
	ListByMember(ctx context.Context, memberID uuid.UUID, limit, offset int) ([]*Record, error)
}

// ErrDuplicateSettlement indicates a ledger record already exists for the
// loan transaction
type ErrDuplicateSettlement struct {
	TransactionID uuid.UUID
}

func (e ErrDuplicateSettlement) Error() string {
	return "settlement record already exists for loan transaction: " + e.TransactionID.String()
}

// Is implements the errors.Is interface for ErrDuplicateSettlement
func (e ErrDuplicateSettlement) Is(target error) bool {
	t, ok := target.(ErrDuplicateSettlement)
	if !ok {
		return false
	}
	if t.TransactionID == uuid.Nil {
		return true
	}
	return e.TransactionID == t.TransactionID
}

// ErrRecordNotFound indicates a missing settlement record
type ErrRecordNotFound struct {
	TransactionID uuid.UUID
}

func (e ErrRecordNotFound) Error() string {
	return "settlement record not found for loan transaction: " + e.TransactionID.String()
}

// Is implements the errors.Is interface for ErrRecordNotFound
func (e ErrRecordNotFound) Is(target error) bool {
	t, ok := target.(ErrRecordNotFound)
	if !ok {
		return false
	}
	if t.TransactionID == uuid.Nil {
		return true
	}
	return e.TransactionID == t.TransactionID
}
