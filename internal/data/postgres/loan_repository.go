// Package postgres provides PostgreSQL implementations of the domain
// repositories. It handles all database operations while maintaining
// transaction safety and proper error handling for the lending engine.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LoanRepository implements the loan.Repository interface for PostgreSQL
type LoanRepository struct {
	querier persistence.Querier // Can be *pgxpool.Pool or pgx.Tx
	logger  *slog.Logger
}

// NewLoanRepository creates a new PostgreSQL loan repository.
// It expects db.Pool() to satisfy persistence.Querier.
func NewLoanRepository(logger *slog.Logger, db *persistence.PostgresDB) loan.Repository {
	return &LoanRepository{
		querier: db.Pool(),
		logger:  logger,
	}
}

// WithTx wraps the repository with a transaction, allowing for atomic
// operations across multiple repository calls. The returned repository will
// use the provided transaction for all database operations.
func (r *LoanRepository) WithTx(tx pgx.Tx) loan.Repository {
	return &LoanRepository{
		querier: tx,
		logger:  r.logger,
	}
}

// Create stores a new loan transaction in the database
func (r *LoanRepository) Create(ctx context.Context, tx *loan.Transaction) error {
	query := `
		INSERT INTO loans (id, document_id, physical_doc_id, borrower_id, librarian_id, loan_date, due_date, return_date, status, return_condition, fine_amount, payment_status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := r.querier.Exec(ctx, query,
		tx.ID,
		tx.DocumentID,
		tx.PhysicalDocID,
		tx.BorrowerID,
		tx.LibrarianID,
		tx.LoanDate,
		tx.DueDate,
		tx.ReturnDate,
		tx.Status,
		tx.ReturnCondition,
		tx.FineAmount,
		tx.PaymentStatus,
		tx.Version,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create loan transaction", "error", err)
		return fmt.Errorf("failed to create loan transaction: %w", err)
	}

	return nil
}

// GetByID retrieves a loan transaction by its ID
func (r *LoanRepository) GetByID(ctx context.Context, id uuid.UUID) (*loan.Transaction, error) {
	query := `
		SELECT id, document_id, physical_doc_id, borrower_id, librarian_id, loan_date, due_date, return_date, status, return_condition, fine_amount, payment_status, version, created_at, updated_at
		FROM loans
		WHERE id = $1
	`

	var tx loan.Transaction
	err := r.querier.QueryRow(ctx, query, id).Scan(
		&tx.ID,
		&tx.DocumentID,
		&tx.PhysicalDocID,
		&tx.BorrowerID,
		&tx.LibrarianID,
		&tx.LoanDate,
		&tx.DueDate,
		&tx.ReturnDate,
		&tx.Status,
		&tx.ReturnCondition,
		&tx.FineAmount,
		&tx.PaymentStatus,
		&tx.Version,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, loan.ErrLoanNotFound{TransactionID: id}
		}
		r.logger.Error("Failed to get loan transaction", "id", id.String(), "error", err)
		return nil, fmt.Errorf("failed to get loan transaction: %w", err)
	}

	return &tx, nil
}

// ListByBorrower retrieves a page of a borrower's loan transactions, newest
// first
func (r *LoanRepository) ListByBorrower(ctx context.Context, borrowerID uuid.UUID, limit, offset int) ([]*loan.Transaction, error) {
	query := `
		SELECT id, document_id, physical_doc_id, borrower_id, librarian_id, loan_date, due_date, return_date, status, return_condition, fine_amount, payment_status, version, created_at, updated_at
		FROM loans
		WHERE borrower_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.querier.Query(ctx, query, borrowerID, limit, offset)
	if err != nil {
		r.logger.Error("Failed to list loans by borrower", "borrower_id", borrowerID.String(), "error", err)
		return nil, fmt.Errorf("failed to list loans by borrower: %w", err)
	}
	defer rows.Close()

	return scanLoans(rows)
}

// CountByBorrower returns the total number of loan transactions for a
// borrower
func (r *LoanRepository) CountByBorrower(ctx context.Context, borrowerID uuid.UUID) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM loans
		WHERE borrower_id = $1
	`

	var count int64
	err := r.querier.QueryRow(ctx, query, borrowerID).Scan(&count)
	if err != nil {
		r.logger.Error("Failed to count loans by borrower", "borrower_id", borrowerID.String(), "error", err)
		return 0, fmt.Errorf("failed to count loans by borrower: %w", err)
	}

	return count, nil
}

// Update persists an already-mutated loan transaction using optimistic
// locking. Returns ErrConcurrentModification if the record was modified
// between read and update.
func (r *LoanRepository) Update(ctx context.Context, tx *loan.Transaction) error {
	query := `
		UPDATE loans
		SET librarian_id = $1, due_date = $2, return_date = $3, status = $4, return_condition = $5, fine_amount = $6, payment_status = $7, version = $8, updated_at = $9
		WHERE id = $10 AND version = $11
	`

	result, err := r.querier.Exec(ctx, query,
		tx.LibrarianID,
		tx.DueDate,
		tx.ReturnDate,
		tx.Status,
		tx.ReturnCondition,
		tx.FineAmount,
		tx.PaymentStatus,
		tx.Version,
		tx.UpdatedAt,
		tx.ID,
		tx.Version-1, // Check previous version for optimistic locking
	)
	if err != nil {
		r.logger.Error("Failed to update loan transaction", "id", tx.ID.String(), "error", err)
		return fmt.Errorf("failed to update loan transaction: %w", err)
	}

	if result.RowsAffected() == 0 {
		return loan.ErrConcurrentModification{TransactionID: tx.ID}
	}

	return nil
}

// ListReservedBefore retrieves RESERVED loans created before the cutoff,
// oldest first. This is used by the reservation-timeout sweep.
func (r *LoanRepository) ListReservedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*loan.Transaction, error) {
	query := `
		SELECT id, document_id, physical_doc_id, borrower_id, librarian_id, loan_date, due_date, return_date, status, return_condition, fine_amount, payment_status, version, created_at, updated_at
		FROM loans
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`

	rows, err := r.querier.Query(ctx, query, loan.StatusReserved, cutoff, limit)
	if err != nil {
		r.logger.Error("Failed to list reserved loans", "error", err)
		return nil, fmt.Errorf("failed to list reserved loans: %w", err)
	}
	defer rows.Close()

	return scanLoans(rows)
}

func scanLoans(rows pgx.Rows) ([]*loan.Transaction, error) {
	var loans []*loan.Transaction
	for rows.Next() {
		var tx loan.Transaction
		err := rows.Scan(
			&tx.ID,
			&tx.DocumentID,
			&tx.PhysicalDocID,
			&tx.BorrowerID,
			&tx.LibrarianID,
			&tx.LoanDate,
			&tx.DueDate,
			&tx.ReturnDate,
			&tx.Status,
			&tx.ReturnCondition,
			&tx.FineAmount,
			&tx.PaymentStatus,
			&tx.Version,
			&tx.CreatedAt,
			&tx.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan transaction: %w", err)
		}
		loans = append(loans, &tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over loan transactions: %w", err)
	}

	return loans, nil
}
