// Package document holds the physical-copy availability oracle. Copy counts
// are adjusted in the same database transaction as the loan change that
// consumes or frees them, so availability can never go negative.
package document

import (
	"time"

	"github.com/google/uuid"
)

// PhysicalDocument is one catalog entry for a physical title, tracking how
// many of its copies are free to reserve
type PhysicalDocument struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
