// Package event defines the transactional outbox used to announce lifecycle
// changes. Messages are written in the same database transaction as the
// state change they describe and delivered asynchronously by the dispatcher,
// so a committed change is never silently lost.
package event

import (
	"encoding/json"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/access"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/google/uuid"
)

// Kind names the lifecycle change a message announces
type Kind string

const (
	KindLoanCreated    Kind = "LOAN_CREATED"
	KindLoanBorrowed   Kind = "LOAN_BORROWED"
	KindLoanReturned   Kind = "LOAN_RETURNED"
	KindLoanCancelled  Kind = "LOAN_CANCELLED"
	KindFineReassessed Kind = "FINE_REASSESSED"
	KindPaymentSettled Kind = "PAYMENT_SETTLED"

	KindAccessRequested Kind = "ACCESS_REQUESTED"
	KindAccessApproved  Kind = "ACCESS_APPROVED"
	KindAccessRejected  Kind = "ACCESS_REJECTED"
	KindAccessExpired   Kind = "ACCESS_EXPIRED"
)

// Message statuses
const (
	StatusPending         = "PENDING"
	StatusProcessed       = "PROCESSED"
	StatusFailedToDeliver = "FAILED_TO_DELIVER"
)

// Entity values carried in payloads
const (
	EntityLoan   = "LOAN"
	EntityAccess = "ACCESS"
)

// Actions carried in payloads
const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
)

// Message is one outbox row awaiting delivery
type Message struct {
	ID            int64           `json:"id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	MemberID      uuid.UUID       `json:"member_id"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
}

// Payload is the delivery body pushed to subscribers. Snapshot fields carry
// the post-change state so consumers need no read-back.
type Payload struct {
	TransactionID uuid.UUID `json:"transactionId"`
	Entity        string    `json:"entity"`
	Status        string    `json:"status"`
	FineAmount    int64     `json:"fineAmount,omitempty"`
	PaymentStatus string    `json:"paymentStatus,omitempty"`
	LicenseExpiry string    `json:"licenseExpiry,omitempty"`
	Action        string    `json:"action"`
}

// NewLoanMessage builds a pending outbox message snapshotting the loan after
// a lifecycle change
func NewLoanMessage(kind Kind, tx *loan.Transaction) (*Message, error) {
	action := ActionUpdate
	if kind == KindLoanCreated {
		action = ActionCreate
	}

	payload, err := json.Marshal(Payload{
		TransactionID: tx.ID,
		Entity:        EntityLoan,
		Status:        string(tx.Status),
		FineAmount:    tx.FineAmount,
		PaymentStatus: string(tx.PaymentStatus),
		Action:        action,
	})
	if err != nil {
		return nil, err
	}

	return &Message{
		TransactionID: tx.ID,
		MemberID:      tx.BorrowerID,
		Kind:          kind,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
	}, nil
}

// NewAccessMessage builds a pending outbox message snapshotting the access
// request after a lifecycle change. The message is addressed to the
// requester, who holds or awaits the grant.
func NewAccessMessage(kind Kind, req *access.Request) (*Message, error) {
	action := ActionUpdate
	if kind == KindAccessRequested {
		action = ActionCreate
	}

	p := Payload{
		TransactionID: req.ID,
		Entity:        EntityAccess,
		Status:        string(req.Status),
		Action:        action,
	}
	if req.LicenseExpiry != nil {
		p.LicenseExpiry = req.LicenseExpiry.Format(time.RFC3339)
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	return &Message{
		TransactionID: req.ID,
		MemberID:      req.RequesterID,
		Kind:          kind,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
	}, nil
}

// DecodePayload unmarshals the delivery body of a message
func (m *Message) DecodePayload() (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
