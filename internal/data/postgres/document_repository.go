package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/document"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DocumentRepository implements the document.Repository interface for
// PostgreSQL
type DocumentRepository struct {
	querier persistence.Querier
	logger  *slog.Logger
}

// NewDocumentRepository creates a new PostgreSQL document repository
func NewDocumentRepository(logger *slog.Logger, db *persistence.PostgresDB) document.Repository {
	return &DocumentRepository{
		querier: db.Pool(),
		logger:  logger,
	}
}

// WithTx wraps the repository with a transaction so copy counts move
// atomically with the loan change that consumes or frees them
func (r *DocumentRepository) WithTx(tx pgx.Tx) document.Repository {
	return &DocumentRepository{
		querier: tx,
		logger:  r.logger,
	}
}

// GetByID retrieves a physical document by its ID
func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*document.PhysicalDocument, error) {
	query := `
		SELECT id, title, total_copies, available_copies, created_at, updated_at
		FROM documents
		WHERE id = $1
	`

	var doc document.PhysicalDocument
	err := r.querier.QueryRow(ctx, query, id).Scan(
		&doc.ID,
		&doc.Title,
		&doc.TotalCopies,
		&doc.AvailableCopies,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, document.ErrDocumentNotFound{DocumentID: id}
		}
		r.logger.Error("Failed to get physical document", "id", id.String(), "error", err)
		return nil, fmt.Errorf("failed to get physical document: %w", err)
	}

	return &doc, nil
}

// Acquire conditionally decrements the available-copy count. The WHERE
// guard keeps the count from going negative; zero rows affected means no
// copy was free.
func (r *DocumentRepository) Acquire(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE documents
		SET available_copies = available_copies - 1, updated_at = NOW()
		WHERE id = $1 AND available_copies > 0
	`

	result, err := r.querier.Exec(ctx, query, id)
	if err != nil {
		r.logger.Error("Failed to acquire physical document copy", "id", id.String(), "error", err)
		return fmt.Errorf("failed to acquire physical document copy: %w", err)
	}

	if result.RowsAffected() == 0 {
		return document.ErrDocumentUnavailable{DocumentID: id}
	}

	return nil
}

// Release returns one copy to the available pool, capped at the total
func (r *DocumentRepository) Release(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE documents
		SET available_copies = available_copies + 1, updated_at = NOW()
		WHERE id = $1 AND available_copies < total_copies
	`

	result, err := r.querier.Exec(ctx, query, id)
	if err != nil {
		r.logger.Error("Failed to release physical document copy", "id", id.String(), "error", err)
		return fmt.Errorf("failed to release physical document copy: %w", err)
	}

	if result.RowsAffected() == 0 {
		return document.ErrDocumentNotFound{DocumentID: id}
	}

	return nil
}
