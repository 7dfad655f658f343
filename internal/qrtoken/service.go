// Package qrtoken implements issuance and redemption of single-use QR
// tokens for circulation-desk scans. Redemption claims the token and applies
// the loan transition in one database transaction, so a failed transition
// leaves the token unclaimed and still redeemable.
package qrtoken

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/token"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Transitioner applies a loan lifecycle event within an open transaction.
// Satisfied by *engine.Engine.
type Transitioner interface {
	TransitionTx(ctx context.Context, dbTx pgx.Tx, transactionID uuid.UUID, ev loan.TransitionEvent, actorID uuid.UUID) (*loan.Transaction, error)
}

// Service issues and redeems QR tokens
type Service struct {
	codec  *token.Codec
	ttl    time.Duration
	db     persistence.TxManager
	loans  loan.Repository
	claims token.ClaimRepository
	engine Transitioner
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a QR token service
func NewService(
	logger *slog.Logger,
	codec *token.Codec,
	ttl time.Duration,
	db persistence.TxManager,
	loans loan.Repository,
	claims token.ClaimRepository,
	engine Transitioner,
) *Service {
	return &Service{
		codec:  codec,
		ttl:    ttl,
		db:     db,
		loans:  loans,
		claims: claims,
		engine: engine,
		now:    time.Now,
		logger: logger,
	}
}

// Issue mints a token authorizing the given transition on the loan. Issuance
// refuses tokens the loan's current status cannot admit, but persists
// nothing: a token only becomes single-use state when it is redeemed.
func (s *Service) Issue(ctx context.Context, transactionID uuid.UUID, transition token.Transition) (string, *token.QRToken, error) {
	tx, err := s.loans.GetByID(ctx, transactionID)
	if err != nil {
		return "", nil, err
	}

	if !tx.Admits(transition.Event()) {
		return "", nil, token.ErrTransactionMismatch{TransactionID: transactionID, Transition: transition}
	}

	now := s.now()
	t := token.QRToken{
		TransactionID:      transactionID,
		IntendedTransition: transition,
		IssuedAt:           now,
		ExpiresAt:          now.Add(s.ttl),
	}

	encoded := s.codec.Encode(t)
	s.logger.Info("QR token issued",
		"transaction_id", transactionID.String(),
		"transition", string(transition),
		"expires_at", t.ExpiresAt.Format(time.RFC3339),
	)
	return encoded, &t, nil
}

// Redeem verifies a scanned token, claims it, and applies its transition.
// The claim row and the loan transition commit atomically; any failure rolls
// both back. Verification order matters: authenticity, then expiry, then
// single use, then state fit.
func (s *Service) Redeem(ctx context.Context, encoded string, librarianID uuid.UUID) (*loan.Transaction, error) {
	t, err := s.codec.Decode(encoded)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if t.ExpiredAt(now) {
		return nil, token.ErrTokenExpired{TransactionID: t.TransactionID, ExpiredAt: t.ExpiresAt}
	}

	var result *loan.Transaction
	err = s.db.ExecuteTx(ctx, func(dbTx pgx.Tx) error {
		claim := &token.Claim{
			Digest:        token.Digest(encoded),
			TransactionID: t.TransactionID,
			RedeemedBy:    librarianID,
			RedeemedAt:    now,
		}
		if err := s.claims.WithTx(dbTx).Claim(ctx, claim); err != nil {
			return err
		}

		tx, err := s.engine.TransitionTx(ctx, dbTx, t.TransactionID, t.IntendedTransition.Event(), librarianID)
		if err != nil {
			// An authentic, unclaimed token against a loan that no longer
			// admits its transition is a mismatch, not a generic transition
			// failure. The rollback releases the claim.
			if errors.Is(err, loan.ErrInvalidTransition{}) {
				return token.ErrTransactionMismatch{TransactionID: t.TransactionID, Transition: t.IntendedTransition}
			}
			return err
		}

		result = tx
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("QR token redeemed",
		"transaction_id", result.ID.String(),
		"transition", string(t.IntendedTransition),
		"status", string(result.Status),
	)
	return result, nil
}
