// Package engine drives the loan lifecycle state machine. All transitions
// run inside a single database transaction together with their side effects:
// copy-count adjustment, fine assessment, and the outbox message announcing
// the change. Races between concurrent transitions are resolved by
// optimistic locking; the loser observes ErrConcurrentModification and must
// re-read.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/document"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/event"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/fine"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Engine executes loan lifecycle operations
type Engine struct {
	db            persistence.TxManager
	loans         loan.Repository
	documents     document.Repository
	outbox        event.Repository
	fineDailyRate int64
	loanPeriod    time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// NewEngine creates a loan lifecycle engine
func NewEngine(
	logger *slog.Logger,
	db persistence.TxManager,
	loans loan.Repository,
	documents document.Repository,
	outbox event.Repository,
	fineDailyRate int64,
	loanPeriod time.Duration,
) *Engine {
	return &Engine{
		db:            db,
		loans:         loans,
		documents:     documents,
		outbox:        outbox,
		fineDailyRate: fineDailyRate,
		loanPeriod:    loanPeriod,
		now:           time.Now,
		logger:        logger,
	}
}

// Reserve places a hold on one copy of a physical document. The copy count
// decrement and the loan row commit together, so a reservation can never
// exist without a copy backing it.
func (e *Engine) Reserve(ctx context.Context, documentID, physicalDocID, borrowerID uuid.UUID) (*loan.Transaction, error) {
	tx, err := loan.NewTransaction(documentID, physicalDocID, borrowerID)
	if err != nil {
		return nil, err
	}

	err = e.db.ExecuteTx(ctx, func(dbTx pgx.Tx) error {
		if err := e.documents.WithTx(dbTx).Acquire(ctx, physicalDocID); err != nil {
			return err
		}
		if err := e.loans.WithTx(dbTx).Create(ctx, tx); err != nil {
			return err
		}

		msg, err := event.NewLoanMessage(event.KindLoanCreated, tx)
		if err != nil {
			return err
		}
		return e.outbox.WithTx(dbTx).Create(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Loan reserved",
		"transaction_id", tx.ID.String(),
		"physical_doc_id", physicalDocID.String(),
		"borrower_id", borrowerID.String(),
	)
	return tx, nil
}

// Transition applies a lifecycle event to a loan inside its own database
// transaction. actorID is the processing librarian for scan events and is
// ignored for system-initiated timeouts.
func (e *Engine) Transition(ctx context.Context, transactionID uuid.UUID, ev loan.TransitionEvent, actorID uuid.UUID) (*loan.Transaction, error) {
	var result *loan.Transaction
	err := e.db.ExecuteTx(ctx, func(dbTx pgx.Tx) error {
		tx, err := e.TransitionTx(ctx, dbTx, transactionID, ev, actorID)
		if err != nil {
			return err
		}
		result = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TransitionTx applies a lifecycle event within an already-open transaction.
// The QR token service calls this so the token claim and the transition
// commit or roll back together.
func (e *Engine) TransitionTx(ctx context.Context, dbTx pgx.Tx, transactionID uuid.UUID, ev loan.TransitionEvent, actorID uuid.UUID) (*loan.Transaction, error) {
	loans := e.loans.WithTx(dbTx)

	tx, err := loans.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var kind event.Kind

	switch ev {
	case loan.EventPickupScan:
		if err := tx.Pickup(actorID, now, now.Add(e.loanPeriod)); err != nil {
			return nil, err
		}
		kind = event.KindLoanBorrowed

	case loan.EventReturnScan:
		dueDate := tx.DueDate
		if err := tx.Return(actorID, now); err != nil {
			return nil, err
		}
		var amount int64
		if dueDate != nil {
			amount = fine.Assess(*dueDate, now, e.fineDailyRate)
		}
		if err := tx.ApplyFine(amount); err != nil {
			return nil, err
		}
		if err := e.documents.WithTx(dbTx).Release(ctx, tx.PhysicalDocID); err != nil {
			return nil, err
		}
		kind = event.KindLoanReturned

	case loan.EventReservationTimeout:
		if err := tx.CancelAuto(now); err != nil {
			return nil, err
		}
		if err := e.documents.WithTx(dbTx).Release(ctx, tx.PhysicalDocID); err != nil {
			return nil, err
		}
		kind = event.KindLoanCancelled

	default:
		return nil, loan.ErrInvalidTransition{TransactionID: transactionID, From: tx.Status, Event: ev}
	}

	if err := loans.Update(ctx, tx); err != nil {
		return nil, err
	}

	msg, err := event.NewLoanMessage(kind, tx)
	if err != nil {
		return nil, err
	}
	if err := e.outbox.WithTx(dbTx).Create(ctx, msg); err != nil {
		return nil, err
	}

	e.logger.Info("Loan transition applied",
		"transaction_id", tx.ID.String(),
		"event", string(ev),
		"status", string(tx.Status),
		"fine_amount", tx.FineAmount,
	)
	return tx, nil
}

// ReassessFine overrides the fine on a returned loan after a staff
// condition review. expectedVersion is the version the staff client last
// observed; a mismatch means another reassessment or settlement landed in
// between, and the caller must re-read before deciding again.
func (e *Engine) ReassessFine(ctx context.Context, transactionID, librarianID uuid.UUID, condition string, amount int64, expectedVersion int) (*loan.Transaction, error) {
	var result *loan.Transaction
	err := e.db.ExecuteTx(ctx, func(dbTx pgx.Tx) error {
		loans := e.loans.WithTx(dbTx)

		tx, err := loans.GetByID(ctx, transactionID)
		if err != nil {
			return err
		}

		if tx.Version != expectedVersion {
			return loan.ErrConcurrentModification{TransactionID: transactionID}
		}

		if err := tx.Reassess(librarianID, condition, amount, e.now()); err != nil {
			return err
		}
		if err := loans.Update(ctx, tx); err != nil {
			return err
		}

		msg, err := event.NewLoanMessage(event.KindFineReassessed, tx)
		if err != nil {
			return err
		}
		if err := e.outbox.WithTx(dbTx).Create(ctx, msg); err != nil {
			return err
		}

		result = tx
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Fine reassessed",
		"transaction_id", result.ID.String(),
		"fine_amount", result.FineAmount,
		"payment_status", string(result.PaymentStatus),
	)
	return result, nil
}

// GetLoan retrieves a loan transaction by ID
func (e *Engine) GetLoan(ctx context.Context, transactionID uuid.UUID) (*loan.Transaction, error) {
	return e.loans.GetByID(ctx, transactionID)
}

// ListLoansByBorrower retrieves a page of a borrower's loan history along
// with the total count
func (e *Engine) ListLoansByBorrower(ctx context.Context, borrowerID uuid.UUID, limit, offset int) ([]*loan.Transaction, int64, error) {
	loans, err := e.loans.ListByBorrower(ctx, borrowerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	count, err := e.loans.CountByBorrower(ctx, borrowerID)
	if err != nil {
		return nil, 0, err
	}

	return loans, count, nil
}
