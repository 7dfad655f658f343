package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/token"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/persistence"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolationCode = "23505"

// TokenClaimRepository implements the token.ClaimRepository interface for
// PostgreSQL. A claim row is the single-use guarantee: the digest column
// carries a unique constraint, so only one redemption can ever insert.
type TokenClaimRepository struct {
	querier persistence.Querier
	logger  *slog.Logger
}

// NewTokenClaimRepository creates a new PostgreSQL token claim repository
func NewTokenClaimRepository(logger *slog.Logger, db *persistence.PostgresDB) token.ClaimRepository {
	return &TokenClaimRepository{
		querier: db.Pool(),
		logger:  logger,
	}
}

// WithTx wraps the repository with a transaction so the claim commits or
// rolls back together with the loan transition it authorizes
func (r *TokenClaimRepository) WithTx(tx pgx.Tx) token.ClaimRepository {
	return &TokenClaimRepository{
		querier: tx,
		logger:  r.logger,
	}
}

// Claim inserts the claim row. A duplicate digest means the token was
// already redeemed and returns ErrTokenAlreadyUsed.
func (r *TokenClaimRepository) Claim(ctx context.Context, claim *token.Claim) error {
	query := `
		INSERT INTO qr_token_claims (digest, transaction_id, redeemed_by, redeemed_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.querier.Exec(ctx, query,
		claim.Digest,
		claim.TransactionID,
		claim.RedeemedBy,
		claim.RedeemedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return token.ErrTokenAlreadyUsed{TransactionID: claim.TransactionID}
		}
		r.logger.Error("Failed to claim qr token",
			"transaction_id", claim.TransactionID.String(),
			"error", err,
		)
		return fmt.Errorf("failed to claim qr token: %w", err)
	}

	return nil
}
