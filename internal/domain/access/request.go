package access

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrMissingDigitalDoc = errors.New("digital document ID is required")
	ErrMissingRequester  = errors.New("requester and owner IDs are required")
	ErrExpiryNotFuture   = errors.New("license expiry must be in the future")
)

// Status defines the decision states of a digital access request.
// PENDING is the only non-terminal status. An APPROVED request additionally
// decays to ineffective purely by time once its license expiry passes; that
// decay is a read-time check and never writes the status field.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Request represents one request for time-boxed access to a digital copy
type Request struct {
	ID            uuid.UUID  `json:"id"`
	DigitalID     uuid.UUID  `json:"digital_id"`
	RequesterID   uuid.UUID  `json:"requester_id"`
	OwnerID       uuid.UUID  `json:"owner_id"`
	ReviewerID    *uuid.UUID `json:"reviewer_id,omitempty"`
	RequestTime   time.Time  `json:"request_time"`
	DecisionTime  *time.Time `json:"decision_time,omitempty"`
	LicenseExpiry *time.Time `json:"license_expiry,omitempty"`
	Status        Status     `json:"status"`
	Version       int        `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewRequest creates a PENDING access request
func NewRequest(digitalID, requesterID, ownerID uuid.UUID) (*Request, error) {
	if digitalID == uuid.Nil {
		return nil, ErrMissingDigitalDoc
	}
	if requesterID == uuid.Nil || ownerID == uuid.Nil {
		return nil, ErrMissingRequester
	}

	now := time.Now()
	return &Request{
		ID:          uuid.New(),
		DigitalID:   digitalID,
		RequesterID: requesterID,
		OwnerID:     ownerID,
		RequestTime: now,
		Status:      StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Approve grants the request a time-boxed license. The expiry must lie in
// the future at decision time.
func (r *Request) Approve(reviewerID uuid.UUID, licenseExpiry time.Time, at time.Time) error {
	if r.Status != StatusPending {
		return ErrInvalidDecision{RequestID: r.ID, From: r.Status}
	}
	if !licenseExpiry.After(at) {
		return ErrExpiryNotFuture
	}

	r.Status = StatusApproved
	r.ReviewerID = &reviewerID
	r.DecisionTime = &at
	r.LicenseExpiry = &licenseExpiry
	r.UpdatedAt = at
	r.Version++
	return nil
}

// Reject declines the request
func (r *Request) Reject(reviewerID uuid.UUID, at time.Time) error {
	if r.Status != StatusPending {
		return ErrInvalidDecision{RequestID: r.ID, From: r.Status}
	}

	r.Status = StatusRejected
	r.ReviewerID = &reviewerID
	r.DecisionTime = &at
	r.UpdatedAt = at
	r.Version++
	return nil
}

// EffectiveAt reports whether the grant confers access at the given instant:
// the request is APPROVED and its license has not expired. The status field
// is deliberately left untouched once the expiry passes.
func (r *Request) EffectiveAt(now time.Time) bool {
	if r.Status != StatusApproved || r.LicenseExpiry == nil {
		return false
	}
	return now.Before(*r.LicenseExpiry)
}
