package token

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Claim records the one-time redemption of a QR token. The digest is the
// unique key; inserting a second claim for the same digest fails.
type Claim struct {
	Digest        string    `json:"digest"`
	TransactionID uuid.UUID `json:"transaction_id"`
	RedeemedBy    uuid.UUID `json:"redeemed_by"`
	RedeemedAt    time.Time `json:"redeemed_at"`
}

// ClaimRepository persists token claims
type ClaimRepository interface {
	// Claim inserts the claim row. A duplicate digest returns
	// ErrTokenAlreadyUsed.
	Claim(ctx context.Context, claim *Claim) error

	WithTx(tx pgx.Tx) ClaimRepository
}

// ErrTokenAlreadyUsed indicates a token that has already been redeemed
type ErrTokenAlreadyUsed struct {
	TransactionID uuid.UUID
}

func (e ErrTokenAlreadyUsed) Error() string {
	return "qr token already redeemed for loan transaction: " + e.TransactionID.String()
}

// Is implements the errors.Is interface for ErrTokenAlreadyUsed
func (e ErrTokenAlreadyUsed) Is(target error) bool {
	t, ok := target.(ErrTokenAlreadyUsed)
	if !ok {
		return false
	}
	if t.TransactionID == uuid.Nil {
		return true
	}
	return e.TransactionID == t.TransactionID
}

// ErrTokenExpired indicates an authentic token presented past its lifetime
type ErrTokenExpired struct {
	TransactionID uuid.UUID
	ExpiredAt     time.Time
}

func (e ErrTokenExpired) Error() string {
	return "qr token expired at " + e.ExpiredAt.Format(time.RFC3339) +
		" for loan transaction: " + e.TransactionID.String()
}

// Is implements the errors.Is interface for ErrTokenExpired
func (e ErrTokenExpired) Is(target error) bool {
	t, ok := target.(ErrTokenExpired)
	if !ok {
		return false
	}
	if t.TransactionID == uuid.Nil {
		return true
	}
	return e.TransactionID == t.TransactionID
}

// ErrTransactionMismatch indicates an authentic, unclaimed token whose
// intended transition is not admitted by the loan's current status
type ErrTransactionMismatch struct {
	TransactionID uuid.UUID
	Transition    Transition
}

func (e ErrTransactionMismatch) Error() string {
	return "qr token transition " + string(e.Transition) +
		" does not match current state of loan transaction: " + e.TransactionID.String()
}

// Is implements the errors.Is interface for ErrTransactionMismatch
func (e ErrTransactionMismatch) Is(target error) bool {
	t, ok := target.(ErrTransactionMismatch)
	if !ok {
		return false
	}
	if t.TransactionID == uuid.Nil && t.Transition == "" {
		return true
	}
	return e.TransactionID == t.TransactionID && e.Transition == t.Transition
}
