package loan

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrMissingDocument = errors.New("document and physical copy IDs are required")
	ErrMissingBorrower = errors.New("borrower ID is required")
	ErrNegativeFine    = errors.New("fine amount cannot be negative")
	ErrFineAlreadyPaid = errors.New("fine has already been settled")
)

// Status defines the lifecycle states of a physical-copy loan.
// Transitions only move forward: RESERVED -> {BORROWED | CANCELLED_AUTO},
// BORROWED -> RETURNED. RETURNED and CANCELLED_AUTO are terminal.
type Status string

const (
	StatusReserved      Status = "RESERVED"
	StatusBorrowed      Status = "BORROWED"
	StatusReturned      Status = "RETURNED"
	StatusCancelledAuto Status = "CANCELLED_AUTO"
)

// PaymentStatus defines the settlement state of a loan's fine
type PaymentStatus string

const (
	// PaymentStatusNone applies iff the fine amount is zero
	PaymentStatusNone   PaymentStatus = "NON_PAYMENT"
	PaymentStatusUnpaid PaymentStatus = "UNPAID"
	PaymentStatusPaid   PaymentStatus = "PAID"
)

// TransitionEvent identifies a requested loan state transition
type TransitionEvent string

const (
	EventPickupScan         TransitionEvent = "PICKUP_SCAN"
	EventReturnScan         TransitionEvent = "RETURN_SCAN"
	EventReservationTimeout TransitionEvent = "RESERVATION_TIMEOUT"
)

// Transaction represents one borrow-return episode for a physical copy.
// The Version field implements optimistic concurrency: every mutation bumps
// it, and persistence compares it at write time.
type Transaction struct {
	ID              uuid.UUID     `json:"transaction_id"`
	DocumentID      uuid.UUID     `json:"document_id"`
	PhysicalDocID   uuid.UUID     `json:"physical_doc_id"`
	BorrowerID      uuid.UUID     `json:"borrower_id"`
	LibrarianID     *uuid.UUID    `json:"librarian_id,omitempty"`
	LoanDate        time.Time     `json:"loan_date"`
	DueDate         *time.Time    `json:"due_date,omitempty"`
	ReturnDate      *time.Time    `json:"return_date,omitempty"`
	Status          Status        `json:"status"`
	ReturnCondition *string       `json:"return_condition,omitempty"`
	FineAmount      int64         `json:"fine_amount"` // Stored in minor currency units
	PaymentStatus   PaymentStatus `json:"payment_status"`
	Version         int           `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NewTransaction creates a RESERVED loan for a physical copy
func NewTransaction(documentID, physicalDocID, borrowerID uuid.UUID) (*Transaction, error) {
	if documentID == uuid.Nil || physicalDocID == uuid.Nil {
		return nil, ErrMissingDocument
	}
	if borrowerID == uuid.Nil {
		return nil, ErrMissingBorrower
	}

	now := time.Now()
	return &Transaction{
		ID:            uuid.New(),
		DocumentID:    documentID,
		PhysicalDocID: physicalDocID,
		BorrowerID:    borrowerID,
		LoanDate:      now,
		Status:        StatusReserved,
		FineAmount:    0,
		PaymentStatus: PaymentStatusNone,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Admits reports whether the loan's current status accepts the given event.
// Used by the QR token service to detect stale tokens before claiming them.
func (t *Transaction) Admits(event TransitionEvent) bool {
	switch event {
	case EventPickupScan, EventReservationTimeout:
		return t.Status == StatusReserved
	case EventReturnScan:
		return t.Status == StatusBorrowed
	default:
		return false
	}
}

// Pickup moves a RESERVED loan to BORROWED and records the processing
// librarian and the due date
func (t *Transaction) Pickup(librarianID uuid.UUID, at time.Time, due time.Time) error {
	if t.Status != StatusReserved {
		return ErrInvalidTransition{TransactionID: t.ID, From: t.Status, Event: EventPickupScan}
	}

	t.Status = StatusBorrowed
	t.LibrarianID = &librarianID
	t.LoanDate = at
	t.DueDate = &due
	t.UpdatedAt = at
	t.Version++
	return nil
}

// Return moves a BORROWED loan to RETURNED. The fine is applied separately
// via ApplyFine inside the same store transaction.
func (t *Transaction) Return(librarianID uuid.UUID, at time.Time) error {
	if t.Status != StatusBorrowed {
		return ErrInvalidTransition{TransactionID: t.ID, From: t.Status, Event: EventReturnScan}
	}

	t.Status = StatusReturned
	t.LibrarianID = &librarianID
	t.ReturnDate = &at
	t.UpdatedAt = at
	t.Version++
	return nil
}

// CancelAuto moves a RESERVED loan to CANCELLED_AUTO. System-initiated:
// no librarian is recorded.
func (t *Transaction) CancelAuto(at time.Time) error {
	if t.Status != StatusReserved {
		return ErrInvalidTransition{TransactionID: t.ID, From: t.Status, Event: EventReservationTimeout}
	}

	t.Status = StatusCancelledAuto
	t.UpdatedAt = at
	t.Version++
	return nil
}

// ApplyFine sets the assessed fine on a RETURNED loan and derives the payment
// status: NON_PAYMENT iff the amount is zero. It does not bump the version on
// its own; it is always paired with the Return mutation.
func (t *Transaction) ApplyFine(amount int64) error {
	if t.Status != StatusReturned {
		return ErrInvalidTransition{TransactionID: t.ID, From: t.Status, Event: EventReturnScan}
	}
	if amount < 0 {
		return ErrNegativeFine
	}

	t.FineAmount = amount
	if amount == 0 {
		t.PaymentStatus = PaymentStatusNone
	} else {
		t.PaymentStatus = PaymentStatusUnpaid
	}
	return nil
}

// Reassess overrides the fine on a RETURNED loan following an explicit staff
// action (e.g. returned-but-damaged). Rejected once the original fine is
// settled.
func (t *Transaction) Reassess(librarianID uuid.UUID, condition string, amount int64, at time.Time) error {
	if t.Status != StatusReturned {
		return ErrInvalidTransition{TransactionID: t.ID, From: t.Status, Event: EventReturnScan}
	}
	if t.PaymentStatus == PaymentStatusPaid {
		return ErrFineAlreadyPaid
	}
	if amount < 0 {
		return ErrNegativeFine
	}

	t.LibrarianID = &librarianID
	if condition != "" {
		t.ReturnCondition = &condition
	}
	t.FineAmount = amount
	if amount == 0 {
		t.PaymentStatus = PaymentStatusNone
	} else {
		t.PaymentStatus = PaymentStatusUnpaid
	}
	t.UpdatedAt = at
	t.Version++
	return nil
}

// MarkPaid settles the outstanding fine. Only UNPAID fines can be settled;
// the caller handles the already-PAID case idempotently.
func (t *Transaction) MarkPaid(at time.Time) error {
	if t.PaymentStatus != PaymentStatusUnpaid {
		return ErrFineAlreadyPaid
	}

	t.PaymentStatus = PaymentStatusPaid
	t.UpdatedAt = at
	t.Version++
	return nil
}
