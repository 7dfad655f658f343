package access

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository defines access-request persistence operations
type Repository interface {
	Create(ctx context.Context, req *Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*Request, error)
	CountByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error)

	// Update persists an already-mutated request using optimistic locking
	// against the previous version
	Update(ctx context.Context, req *Request) error

	// ListExpiredUnnotified returns APPROVED requests whose license expiry
	// has passed and that have not yet been reported by the sweep
	ListExpiredUnnotified(ctx context.Context, now time.Time, limit int) ([]*Request, error)

	// MarkExpiryNotified records that the sweep reported the expiry, so it
	// is announced at most once. This never touches the status field.
	MarkExpiryNotified(ctx context.Context, id uuid.UUID, at time.Time) error

	WithTx(tx pgx.Tx) Repository
}

// ErrRequestNotFound indicates a missing access request
type ErrRequestNotFound struct {
	RequestID uuid.UUID
}

func (e ErrRequestNotFound) Error() string {
	return "access request not found: " + e.RequestID.String()
}

// Is implements the errors.Is interface for ErrRequestNotFound
func (e ErrRequestNotFound) Is(target error) bool {
	t, ok := target.(ErrRequestNotFound)
	if !ok {
		return false
	}
	if t.RequestID == uuid.Nil {
		return true
	}
	return e.RequestID == t.RequestID
}

// ErrConcurrentModification indicates optimistic lock failure on a request
type ErrConcurrentModification struct {
	RequestID uuid.UUID
}

func (e ErrConcurrentModification) Error() string {
	return "concurrent modification detected for access request: " + e.RequestID.String()
}

// Is implements the errors.Is interface for ErrConcurrentModification
func (e ErrConcurrentModification) Is(target error) bool {
	t, ok := target.(ErrConcurrentModification)
	if !ok {
		return false
	}
	if t.RequestID == uuid.Nil {
		return true
	}
	return e.RequestID == t.RequestID
}

// ErrDecisionForbidden indicates a reviewer who is neither the document
// owner nor library staff attempting to decide a request
type ErrDecisionForbidden struct {
	RequestID  uuid.UUID
	ReviewerID uuid.UUID
}

func (e ErrDecisionForbidden) Error() string {
	return "reviewer " + e.ReviewerID.String() + " may not decide access request: " + e.RequestID.String()
}

// Is implements the errors.Is interface for ErrDecisionForbidden
func (e ErrDecisionForbidden) Is(target error) bool {
	t, ok := target.(ErrDecisionForbidden)
	if !ok {
		return false
	}
	if t.RequestID == uuid.Nil && t.ReviewerID == uuid.Nil {
		return true
	}
	return e.RequestID == t.RequestID && e.ReviewerID == t.ReviewerID
}

// ErrInvalidDecision indicates a decision on a request that is no longer
// PENDING
type ErrInvalidDecision struct {
	RequestID uuid.UUID
	From      Status
}

func (e ErrInvalidDecision) Error() string {
	return "access request is not pending (status " + string(e.From) + "): " + e.RequestID.String()
}

// Is implements the errors.Is interface for ErrInvalidDecision
func (e ErrInvalidDecision) Is(target error) bool {
	t, ok := target.(ErrInvalidDecision)
	if !ok {
		return false
	}
	if t.RequestID == uuid.Nil && t.From == "" {
		return true
	}
	return e.RequestID == t.RequestID && e.From == t.From
}
