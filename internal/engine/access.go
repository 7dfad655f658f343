package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/access"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/event"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AccessController manages the digital access-grant lifecycle: request,
// owner decision, and license expiry. Expiry is a read-time property of an
// approved grant; it is never written back to the status field.
type AccessController struct {
	db       persistence.TxManager
	requests access.Repository
	outbox   event.Repository
	now      func() time.Time
	logger   *slog.Logger
}

// NewAccessController creates a digital access-grant controller
func NewAccessController(
	logger *slog.Logger,
	db persistence.TxManager,
	requests access.Repository,
	outbox event.Repository,
) *AccessController {
	return &AccessController{
		db:       db,
		requests: requests,
		outbox:   outbox,
		now:      time.Now,
		logger:   logger,
	}
}

// Request opens a PENDING access request for a digital copy
func (c *AccessController) Request(ctx context.Context, digitalID, requesterID, ownerID uuid.UUID) (*access.Request, error) {
	req, err := access.NewRequest(digitalID, requesterID, ownerID)
	if err != nil {
		return nil, err
	}

	err = c.db.ExecuteTx(ctx, func(dbTx pgx.Tx) error {
		if err := c.requests.WithTx(dbTx).Create(ctx, req); err != nil {
			return err
		}

		msg, err := event.NewAccessMessage(event.KindAccessRequested, req)
		if err != nil {
			return err
		}
		return c.outbox.WithTx(dbTx).Create(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Access requested",
		"request_id", req.ID.String(),
		"digital_id", digitalID.String(),
		"requester_id", requesterID.String(),
	)
	return req, nil
}

// Approve grants the request a license expiring at the given time. Only the
// document owner or library staff may decide a request.
func (c *AccessController) Approve(ctx context.Context, requestID, reviewerID uuid.UUID, reviewerIsStaff bool, licenseExpiry time.Time) (*access.Request, error) {
	return c.decide(ctx, requestID, reviewerID, reviewerIsStaff, event.KindAccessApproved, func(req *access.Request) error {
		return req.Approve(reviewerID, licenseExpiry, c.now())
	})
}

// Reject declines the request
func (c *AccessController) Reject(ctx context.Context, requestID, reviewerID uuid.UUID, reviewerIsStaff bool) (*access.Request, error) {
	return c.decide(ctx, requestID, reviewerID, reviewerIsStaff, event.KindAccessRejected, func(req *access.Request) error {
		return req.Reject(reviewerID, c.now())
	})
}

func (c *AccessController) decide(ctx context.Context, requestID, reviewerID uuid.UUID, reviewerIsStaff bool, kind event.Kind, apply func(*access.Request) error) (*access.Request, error) {
	var result *access.Request
	err := c.db.ExecuteTx(ctx, func(dbTx pgx.Tx) error {
		requests := c.requests.WithTx(dbTx)

		req, err := requests.GetByID(ctx, requestID)
		if err != nil {
			return err
		}

		if !reviewerIsStaff && reviewerID != req.OwnerID {
			return access.ErrDecisionForbidden{RequestID: requestID, ReviewerID: reviewerID}
		}

		if err := apply(req); err != nil {
			return err
		}
		if err := requests.Update(ctx, req); err != nil {
			return err
		}

		msg, err := event.NewAccessMessage(kind, req)
		if err != nil {
			return err
		}
		if err := c.outbox.WithTx(dbTx).Create(ctx, msg); err != nil {
			return err
		}

		result = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Access request decided",
		"request_id", result.ID.String(),
		"status", string(result.Status),
	)
	return result, nil
}

// GetRequest retrieves an access request along with whether it currently
// confers access
func (c *AccessController) GetRequest(ctx context.Context, requestID uuid.UUID) (*access.Request, bool, error) {
	req, err := c.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	return req, req.EffectiveAt(c.now()), nil
}

// ListByOwner retrieves a page of access requests directed at the given
// owner along with the total count
func (c *AccessController) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*access.Request, int64, error) {
	requests, err := c.requests.ListByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	count, err := c.requests.CountByOwner(ctx, ownerID)
	if err != nil {
		return nil, 0, err
	}

	return requests, count, nil
}
