package document

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository defines availability operations on physical documents
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*PhysicalDocument, error)

	// Acquire conditionally decrements the available-copy count. It fails
	// with ErrDocumentUnavailable when no copy is free, without blocking.
	Acquire(ctx context.Context, id uuid.UUID) error

	// Release returns one copy to the available pool
	Release(ctx context.Context, id uuid.UUID) error

	WithTx(tx pgx.Tx) Repository
}

// ErrDocumentNotFound indicates a missing catalog entry
type ErrDocumentNotFound struct {
	DocumentID uuid.UUID
}

func (e ErrDocumentNotFound) Error() string {
	return "physical document not found: " + e.DocumentID.String()
}

// Is implements the errors.Is interface for ErrDocumentNotFound
func (e ErrDocumentNotFound) Is(target error) bool {
	t, ok := target.(ErrDocumentNotFound)
	if !ok {
		return false
	}
	if t.DocumentID == uuid.Nil {
		return true
	}
	return e.DocumentID == t.DocumentID
}

// ErrDocumentUnavailable indicates no free copy of the document
type ErrDocumentUnavailable struct {
	DocumentID uuid.UUID
}

func (e ErrDocumentUnavailable) Error() string {
	return "no available copies of physical document: " + e.DocumentID.String()
}

// Is implements the errors.Is interface for ErrDocumentUnavailable
func (e ErrDocumentUnavailable) Is(target error) bool {
	t, ok := target.(ErrDocumentUnavailable)
	if !ok {
		return false
	}
	if t.DocumentID == uuid.Nil {
		return true
	}
	return e.DocumentID == t.DocumentID
}
