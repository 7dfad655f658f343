package loan

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository defines loan persistence operations
type Repository interface {
	Create(ctx context.Context, tx *Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	ListByBorrower(ctx context.Context, borrowerID uuid.UUID, limit, offset int) ([]*Transaction, error)
	CountByBorrower(ctx context.Context, borrowerID uuid.UUID) (int64, error)

	// Update persists an already-mutated transaction using optimistic
	// locking against the previous version
	Update(ctx context.Context, tx *Transaction) error

	// ListReservedBefore returns RESERVED loans created before the cutoff,
	// used by the reservation-timeout sweep
	ListReservedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error)

	WithTx(tx pgx.Tx) Repository
}

// ErrConcurrentModification indicates optimistic lock failure: the record was
// modified between read and write. Callers must re-read and decide whether
// the intended transition already happened.
type ErrConcurrentModification struct {
	TransactionID uuid.UUID
}

func (e ErrConcurrentModification) Error() string {
	return "concurrent modification detected for loan transaction: " + e.TransactionID.String()
}

// Is implements the errors.Is interface for ErrConcurrentModification
func (e ErrConcurrentModification) Is(target error) bool {
	t, ok := target.(ErrConcurrentModification)
	if !ok {
		return false
	}
	// If the target TransactionID is empty, consider it a match for any
	// ErrConcurrentModification
	if t.TransactionID == uuid.Nil {
		return true
	}
	return e.TransactionID == t.TransactionID
}

// ErrLoanNotFound indicates a missing loan transaction
type ErrLoanNotFound struct {
	TransactionID uuid.UUID
}

func (e ErrLoanNotFound) Error() string {
	return "loan transaction not found: " + e.TransactionID.String()
}

// Is implements the errors.Is interface for ErrLoanNotFound
func (e ErrLoanNotFound) Is(target error) bool {
	t, ok := target.(ErrLoanNotFound)
	if !ok {
		return false
	}
	if t.TransactionID == uuid.Nil {
		return true
	}
	return e.TransactionID == t.TransactionID
}

// ErrInvalidTransition indicates the requested event is not legal from the
// loan's current status
type ErrInvalidTransition struct {
	TransactionID uuid.UUID
	From          Status
	Event         TransitionEvent
}

func (e ErrInvalidTransition) Error() string {
	return "invalid transition " + string(e.Event) + " from status " + string(e.From) +
		" for loan transaction: " + e.TransactionID.String()
}

// Is implements the errors.Is interface for ErrInvalidTransition
func (e ErrInvalidTransition) Is(target error) bool {
	t, ok := target.(ErrInvalidTransition)
	if !ok {
		return false
	}
	if t.TransactionID == uuid.Nil && t.From == "" && t.Event == "" {
		return true
	}
	return e.TransactionID == t.TransactionID && e.From == t.From && e.Event == t.Event
}
