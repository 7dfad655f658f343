// Package payment defines the immutable settlement ledger. Every settled
// fine produces exactly one record here, regardless of which channel won the
// race to settle it.
package payment

import (
	"time"

	"github.com/google/uuid"
)

// Channel identifies how a fine was settled
type Channel string

const (
	ChannelGateway Channel = "GATEWAY"
	ChannelCash    Channel = "CASH"
)

// Record is one settlement entry in the payment ledger. Records are
// append-only and never updated. MemberID is always the borrower who owed
// the fine; ConfirmedBy is set only for cash settlements and identifies the
// staff member who took the payment.
type Record struct {
	ID                uuid.UUID  `json:"id" bson:"_id"`
	TransactionID     uuid.UUID  `json:"transaction_id" bson:"transaction_id"`
	MemberID          uuid.UUID  `json:"member_id" bson:"member_id"`
	ConfirmedBy       *uuid.UUID `json:"confirmed_by,omitempty" bson:"confirmed_by,omitempty"`
	Channel           Channel    `json:"channel" bson:"channel"`
	Amount            int64      `json:"amount" bson:"amount"`
	ExternalReference string     `json:"external_reference,omitempty" bson:"external_reference,omitempty"`
	SettledAt         time.Time  `json:"settled_at" bson:"settled_at"`
	CreatedAt         time.Time  `json:"created_at" bson:"created_at"`
}

// NewRecord creates a settlement record for a fine paid through the given
// channel
func NewRecord(transactionID, memberID uuid.UUID, channel Channel, amount int64, externalRef string, settledAt time.Time) *Record {
	return &Record{
		ID:                uuid.New(),
		TransactionID:     transactionID,
		MemberID:          memberID,
		Channel:           channel,
		Amount:            amount,
		ExternalReference: externalRef,
		SettledAt:         settledAt,
		CreatedAt:         time.Now(),
	}
}
