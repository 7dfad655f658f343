package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/access"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/event"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Sweeper is the internal fallback for time-driven lifecycle changes. It
// cancels reservations whose pickup window has lapsed (in case the external
// scheduler command never arrived) and announces license expiries exactly
// once. It never acquires the work exclusively, so losing a race to a
// concurrent transition is expected and ignored.
type Sweeper struct {
	engine            *Engine
	db                persistence.TxManager
	requests          access.Repository
	outbox            event.Repository
	reservationWindow time.Duration
	interval          time.Duration
	batchSize         int
	now               func() time.Time
	logger            *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper creates the lifecycle sweeper
func NewSweeper(
	logger *slog.Logger,
	engine *Engine,
	db persistence.TxManager,
	requests access.Repository,
	outbox event.Repository,
	reservationWindow, interval time.Duration,
	batchSize int,
) *Sweeper {
	return &Sweeper{
		engine:            engine,
		db:                db,
		requests:          requests,
		outbox:            outbox,
		reservationWindow: reservationWindow,
		interval:          interval,
		batchSize:         batchSize,
		now:               time.Now,
		logger:            logger,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or the context is canceled
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting lifecycle sweeper",
		"interval", s.interval.String(),
		"reservation_window", s.reservationWindow.String(),
	)

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Context canceled, stopping lifecycle sweeper")
				return
			case <-s.stopCh:
				s.logger.Info("Stopping lifecycle sweeper")
				return
			case <-ticker.C:
				s.sweepReservations(ctx)
				s.sweepLicenseExpiries(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the current pass to finish
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

// sweepReservations cancels reservations whose pickup window lapsed
func (s *Sweeper) sweepReservations(ctx context.Context) {
	cutoff := s.now().Add(-s.reservationWindow)

	stale, err := s.engine.loans.ListReservedBefore(ctx, cutoff, s.batchSize)
	if err != nil {
		s.logger.Error("Failed to list lapsed reservations", "error", err)
		return
	}

	for _, tx := range stale {
		_, err := s.engine.Transition(ctx, tx.ID, loan.EventReservationTimeout, uuid.Nil)
		if err != nil {
			// A concurrent pickup or an already-delivered timeout command
			// got there first. Both mean there is nothing left to do.
			if errors.Is(err, loan.ErrInvalidTransition{}) || errors.Is(err, loan.ErrConcurrentModification{}) {
				s.logger.Debug("Reservation already transitioned, skipping",
					"transaction_id", tx.ID.String(),
				)
				continue
			}
			s.logger.Error("Failed to cancel lapsed reservation",
				"transaction_id", tx.ID.String(),
				"error", err,
			)
			continue
		}

		s.logger.Info("Lapsed reservation cancelled", "transaction_id", tx.ID.String())
	}
}

// sweepLicenseExpiries announces expired licenses at most once each. The
// request's status field is never touched; expiry is a read-time property.
func (s *Sweeper) sweepLicenseExpiries(ctx context.Context) {
	now := s.now()

	expired, err := s.requests.ListExpiredUnnotified(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("Failed to list expired licenses", "error", err)
		return
	}

	for _, req := range expired {
		err := s.db.ExecuteTx(ctx, func(dbTx pgx.Tx) error {
			if err := s.requests.WithTx(dbTx).MarkExpiryNotified(ctx, req.ID, now); err != nil {
				return err
			}

			msg, err := event.NewAccessMessage(event.KindAccessExpired, req)
			if err != nil {
				return err
			}
			return s.outbox.WithTx(dbTx).Create(ctx, msg)
		})
		if err != nil {
			// Another sweep pass claimed this expiry first
			if errors.Is(err, access.ErrRequestNotFound{}) {
				continue
			}
			s.logger.Error("Failed to announce license expiry",
				"request_id", req.ID.String(),
				"error", err,
			)
			continue
		}

		s.logger.Info("License expiry announced", "request_id", req.ID.String())
	}
}
