// Package settlement arbitrates fine payment between the online gateway
// callback and the cash desk. The relational payment-status update is the
// single arbiter: whichever channel flips UNPAID to PAID first wins, and the
// loser observes an idempotent already-settled result instead of an error.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/event"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/payment"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Outcome reports how a settlement request concluded
type Outcome string

const (
	// OutcomeSettled means this request performed the settlement
	OutcomeSettled Outcome = "SETTLED"
	// OutcomeAlreadySettled means another channel settled first; the fine
	// is paid and the request succeeds idempotently
	OutcomeAlreadySettled Outcome = "ALREADY_SETTLED"
)

// Result is the conclusion of a settlement request
type Result struct {
	Outcome     Outcome           `json:"outcome"`
	Transaction *loan.Transaction `json:"transaction"`
}

// ErrAmountMismatch indicates the tendered amount does not equal the
// outstanding fine
type ErrAmountMismatch struct {
	TransactionID uuid.UUID
	Expected      int64
	Got           int64
}

func (e ErrAmountMismatch) Error() string {
	return "settlement amount " + strconv.FormatInt(e.Got, 10) +
		" does not match outstanding fine " + strconv.FormatInt(e.Expected, 10) +
		" for loan transaction: " + e.TransactionID.String()
}

// Is implements the errors.Is interface for ErrAmountMismatch
func (e ErrAmountMismatch) Is(target error) bool {
	t, ok := target.(ErrAmountMismatch)
	if !ok {
		return false
	}
	if t.TransactionID == uuid.Nil && t.Expected == 0 && t.Got == 0 {
		return true
	}
	return e.TransactionID == t.TransactionID && e.Expected == t.Expected && e.Got == t.Got
}

// ErrNoOutstandingFine indicates the loan carries no fine to settle
type ErrNoOutstandingFine struct {
	TransactionID uuid.UUID
}

func (e ErrNoOutstandingFine) Error() string {
	return "no outstanding fine to settle for loan transaction: " + e.TransactionID.String()
}

// Is implements the errors.Is interface for ErrNoOutstandingFine
func (e ErrNoOutstandingFine) Is(target error) bool {
	t, ok := target.(ErrNoOutstandingFine)
	if !ok {
		return false
	}
	if t.TransactionID == uuid.Nil {
		return true
	}
	return e.TransactionID == t.TransactionID
}

// Service settles fines
type Service struct {
	db     persistence.TxManager
	loans  loan.Repository
	outbox event.Repository
	ledger payment.Repository
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a settlement service
func NewService(
	logger *slog.Logger,
	db persistence.TxManager,
	loans loan.Repository,
	outbox event.Repository,
	ledger payment.Repository,
) *Service {
	return &Service{
		db:     db,
		loans:  loans,
		outbox: outbox,
		ledger: ledger,
		now:    time.Now,
		logger: logger,
	}
}

// Settle pays the outstanding fine on a loan through the given channel. The
// payment-status flip and the outbox message commit in one transaction; the
// ledger record is appended after commit. staffID identifies the staff
// member confirming a cash payment and is uuid.Nil for gateway callbacks. A
// request arriving after another channel already settled succeeds with
// OutcomeAlreadySettled.
func (s *Service) Settle(ctx context.Context, transactionID, staffID uuid.UUID, channel payment.Channel, amount int64, externalRef string) (*Result, error) {
	result, record, err := s.settleOnce(ctx, transactionID, channel, amount, externalRef)
	if err != nil {
		// The optimistic lock loser re-reads: if the concurrent writer was
		// the other settlement channel, the fine is paid and this request
		// succeeds idempotently.
		if errors.Is(err, loan.ErrConcurrentModification{}) {
			tx, readErr := s.loans.GetByID(ctx, transactionID)
			if readErr != nil {
				return nil, readErr
			}
			if tx.PaymentStatus == loan.PaymentStatusPaid {
				s.logger.Info("Settlement lost race to concurrent channel",
					"transaction_id", transactionID.String(),
					"channel", string(channel),
				)
				return &Result{Outcome: OutcomeAlreadySettled, Transaction: tx}, nil
			}
		}
		return nil, err
	}

	switch {
	case record != nil:
		s.appendLedgerRecord(ctx, record, staffID)
	case result.Outcome == OutcomeAlreadySettled:
		s.backfillLedgerRecord(ctx, result.Transaction, staffID, channel, externalRef)
	}

	return result, nil
}

func (s *Service) settleOnce(ctx context.Context, transactionID uuid.UUID, channel payment.Channel, amount int64, externalRef string) (*Result, *payment.Record, error) {
	var result *Result
	var record *payment.Record

	err := s.db.ExecuteTx(ctx, func(dbTx pgx.Tx) error {
		loans := s.loans.WithTx(dbTx)

		tx, err := loans.GetByID(ctx, transactionID)
		if err != nil {
			return err
		}

		switch tx.PaymentStatus {
		case loan.PaymentStatusPaid:
			result = &Result{Outcome: OutcomeAlreadySettled, Transaction: tx}
			return nil
		case loan.PaymentStatusNone:
			return ErrNoOutstandingFine{TransactionID: transactionID}
		}

		// The gateway charges the amount quoted at checkout, so a mismatch
		// means the fine changed after the member paid and the payment must
		// not stick. Cash is tendered at the desk against whatever the loan
		// row says, so it always settles the recorded fine.
		if channel == payment.ChannelGateway && amount != tx.FineAmount {
			return ErrAmountMismatch{TransactionID: transactionID, Expected: tx.FineAmount, Got: amount}
		}

		now := s.now()
		if err := tx.MarkPaid(now); err != nil {
			return err
		}
		if err := loans.Update(ctx, tx); err != nil {
			return err
		}

		msg, err := event.NewLoanMessage(event.KindPaymentSettled, tx)
		if err != nil {
			return err
		}
		if err := s.outbox.WithTx(dbTx).Create(ctx, msg); err != nil {
			return err
		}

		record = payment.NewRecord(transactionID, tx.BorrowerID, channel, tx.FineAmount, externalRef, now)
		result = &Result{Outcome: OutcomeSettled, Transaction: tx}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if result.Outcome == OutcomeSettled {
		s.logger.Info("Fine settled",
			"transaction_id", transactionID.String(),
			"channel", string(channel),
			"amount", record.Amount,
		)
	}
	return result, record, nil
}

// appendLedgerRecord writes the settlement to the payment ledger. The
// relational flip already decided the race, so a duplicate here only means
// the record landed through a previous attempt.
func (s *Service) appendLedgerRecord(ctx context.Context, record *payment.Record, staffID uuid.UUID) {
	if staffID != uuid.Nil {
		record.ConfirmedBy = &staffID
	}

	if err := s.ledger.Append(ctx, record); err != nil {
		if errors.Is(err, payment.ErrDuplicateSettlement{}) {
			return
		}
		s.logger.Error("Failed to append settlement record to ledger",
			"transaction_id", record.TransactionID.String(),
			"error", err,
		)
	}
}

// backfillLedgerRecord restores a ledger entry lost to a crash between the
// relational commit and the ledger append. A retried settlement that finds
// the fine already paid but no record in the ledger rebuilds it from the
// loan row.
func (s *Service) backfillLedgerRecord(ctx context.Context, tx *loan.Transaction, staffID uuid.UUID, channel payment.Channel, externalRef string) {
	_, err := s.ledger.GetByTransactionID(ctx, tx.ID)
	if err == nil {
		return
	}
	if !errors.Is(err, payment.ErrRecordNotFound{}) {
		s.logger.Error("Failed to check ledger for settlement record",
			"transaction_id", tx.ID.String(),
			"error", err,
		)
		return
	}

	s.logger.Warn("Rebuilding missing ledger record for settled fine",
		"transaction_id", tx.ID.String(),
		"channel", string(channel),
	)
	record := payment.NewRecord(tx.ID, tx.BorrowerID, channel, tx.FineAmount, externalRef, tx.UpdatedAt)
	s.appendLedgerRecord(ctx, record, staffID)
}

// GetRecord retrieves the ledger record for a settled fine
func (s *Service) GetRecord(ctx context.Context, transactionID uuid.UUID) (*payment.Record, error) {
	return s.ledger.GetByTransactionID(ctx, transactionID)
}

// ListRecordsByMember retrieves a member's settlement history, newest first
func (s *Service) ListRecordsByMember(ctx context.Context, memberID uuid.UUID, limit, offset int) ([]*payment.Record, error) {
	return s.ledger.ListByMember(ctx, memberID, limit, offset)
}
