package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/access"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AccessRepository implements the access.Repository interface for PostgreSQL
type AccessRepository struct {
	querier persistence.Querier
	logger  *slog.Logger
}

// NewAccessRepository creates a new PostgreSQL access-request repository
func NewAccessRepository(logger *slog.Logger, db *persistence.PostgresDB) access.Repository {
	return &AccessRepository{
		querier: db.Pool(),
		logger:  logger,
	}
}

// WithTx wraps the repository with a transaction for atomic operations
func (r *AccessRepository) WithTx(tx pgx.Tx) access.Repository {
	return &AccessRepository{
		querier: tx,
		logger:  r.logger,
	}
}

// Create stores a new access request
func (r *AccessRepository) Create(ctx context.Context, req *access.Request) error {
	query := `
		INSERT INTO access_requests (id, digital_id, requester_id, owner_id, reviewer_id, request_time, decision_time, license_expiry, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.querier.Exec(ctx, query,
		req.ID,
		req.DigitalID,
		req.RequesterID,
		req.OwnerID,
		req.ReviewerID,
		req.RequestTime,
		req.DecisionTime,
		req.LicenseExpiry,
		req.Status,
		req.Version,
		req.CreatedAt,
		req.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create access request", "error", err)
		return fmt.Errorf("failed to create access request: %w", err)
	}

	return nil
}

// GetByID retrieves an access request by its ID
func (r *AccessRepository) GetByID(ctx context.Context, id uuid.UUID) (*access.Request, error) {
	query := `
		SELECT id, digital_id, requester_id, owner_id, reviewer_id, request_time, decision_time, license_expiry, status, version, created_at, updated_at
		FROM access_requests
		WHERE id = $1
	`

	var req access.Request
	err := r.querier.QueryRow(ctx, query, id).Scan(
		&req.ID,
		&req.DigitalID,
		&req.RequesterID,
		&req.OwnerID,
		&req.ReviewerID,
		&req.RequestTime,
		&req.DecisionTime,
		&req.LicenseExpiry,
		&req.Status,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, access.ErrRequestNotFound{RequestID: id}
		}
		r.logger.Error("Failed to get access request", "id", id.String(), "error", err)
		return nil, fmt.Errorf("failed to get access request: %w", err)
	}

	return &req, nil
}

// ListByOwner retrieves a page of access requests awaiting or past review by
// the given owner, newest first
func (r *AccessRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*access.Request, error) {
	query := `
		SELECT id, digital_id, requester_id, owner_id, reviewer_id, request_time, decision_time, license_expiry, status, version, created_at, updated_at
		FROM access_requests
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.querier.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		r.logger.Error("Failed to list access requests by owner", "owner_id", ownerID.String(), "error", err)
		return nil, fmt.Errorf("failed to list access requests by owner: %w", err)
	}
	defer rows.Close()

	return scanRequests(rows)
}

// CountByOwner returns the total number of access requests for an owner
func (r *AccessRepository) CountByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM access_requests
		WHERE owner_id = $1
	`

	var count int64
	err := r.querier.QueryRow(ctx, query, ownerID).Scan(&count)
	if err != nil {
		r.logger.Error("Failed to count access requests by owner", "owner_id", ownerID.String(), "error", err)
		return 0, fmt.Errorf("failed to count access requests by owner: %w", err)
	}

	return count, nil
}

// Update persists an already-mutated access request using optimistic
// locking. Returns ErrConcurrentModification if the record was modified
// between read and update.
func (r *AccessRepository) Update(ctx context.Context, req *access.Request) error {
	query := `
		UPDATE access_requests
		SET reviewer_id = $1, decision_time = $2, license_expiry = $3, status = $4, version = $5, updated_at = $6
		WHERE id = $7 AND version = $8
	`

	result, err := r.querier.Exec(ctx, query,
		req.ReviewerID,
		req.DecisionTime,
		req.LicenseExpiry,
		req.Status,
		req.Version,
		req.UpdatedAt,
		req.ID,
		req.Version-1,
	)
	if err != nil {
		r.logger.Error("Failed to update access request", "id", req.ID.String(), "error", err)
		return fmt.Errorf("failed to update access request: %w", err)
	}

	if result.RowsAffected() == 0 {
		return access.ErrConcurrentModification{RequestID: req.ID}
	}

	return nil
}

// ListExpiredUnnotified retrieves APPROVED requests whose license expiry has
// passed and that the expiry sweep has not yet reported
func (r *AccessRepository) ListExpiredUnnotified(ctx context.Context, now time.Time, limit int) ([]*access.Request, error) {
	query := `
		SELECT id, digital_id, requester_id, owner_id, reviewer_id, request_time, decision_time, license_expiry, status, version, created_at, updated_at
		FROM access_requests
		WHERE status = $1 AND license_expiry <= $2 AND expiry_notified_at IS NULL
		ORDER BY license_expiry ASC
		LIMIT $3
	`

	rows, err := r.querier.Query(ctx, query, access.StatusApproved, now, limit)
	if err != nil {
		r.logger.Error("Failed to list expired access requests", "error", err)
		return nil, fmt.Errorf("failed to list expired access requests: %w", err)
	}
	defer rows.Close()

	return scanRequests(rows)
}

// MarkExpiryNotified records that the sweep reported the license expiry.
// The status field is never touched here; expiry is a read-time property.
func (r *AccessRepository) MarkExpiryNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE access_requests
		SET expiry_notified_at = $1
		WHERE id = $2 AND expiry_notified_at IS NULL
	`

	result, err := r.querier.Exec(ctx, query, at, id)
	if err != nil {
		r.logger.Error("Failed to mark access request expiry notified", "id", id.String(), "error", err)
		return fmt.Errorf("failed to mark access request expiry notified: %w", err)
	}

	if result.RowsAffected() == 0 {
		return access.ErrRequestNotFound{RequestID: id}
	}

	return nil
}

func scanRequests(rows pgx.Rows) ([]*access.Request, error) {
	var requests []*access.Request
	for rows.Next() {
		var req access.Request
		err := rows.Scan(
			&req.ID,
			&req.DigitalID,
			&req.RequesterID,
			&req.OwnerID,
			&req.ReviewerID,
			&req.RequestTime,
			&req.DecisionTime,
			&req.LicenseExpiry,
			&req.Status,
			&req.Version,
			&req.CreatedAt,
			&req.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan access request: %w", err)
		}
		requests = append(requests, &req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over access requests: %w", err)
	}

	return requests, nil
}
