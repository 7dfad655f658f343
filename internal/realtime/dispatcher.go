package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/config"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/event"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/messaging/producers"
	"github.com/panjf2000/ants/v2"
)

// Dispatcher drains the event outbox and fans each message out to the
// websocket hub and the Kafka notification topic. Delivery is at least
// once: a message is only marked processed after both sinks accept it, so a
// crash between sink and mark replays the message.
type Dispatcher struct {
	outboxRepo       event.Repository
	hub              *Hub
	notifier         producers.MessagePublisher
	pool             *ants.Pool
	logger           *slog.Logger
	pollInterval     time.Duration
	batchSize        int
	maxRetryAttempts int
}

// NewDispatcher creates an event dispatcher backed by a worker pool
func NewDispatcher(
	logger *slog.Logger,
	cfg *config.OutboxConfig,
	poolSize int,
	outboxRepo event.Repository,
	hub *Hub,
	notifier producers.MessagePublisher,
) (*Dispatcher, error) {
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher worker pool: %w", err)
	}

	return &Dispatcher{
		outboxRepo:       outboxRepo,
		hub:              hub,
		notifier:         notifier,
		pool:             pool,
		logger:           logger,
		pollInterval:     cfg.PollingInterval,
		batchSize:        cfg.BatchSize,
		maxRetryAttempts: cfg.MaxRetryAttempts,
	}, nil
}

// Start begins polling until the context is canceled
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting event dispatcher",
		"poll_interval", d.pollInterval.String(),
		"batch_size", d.batchSize,
		"max_retry_attempts", d.maxRetryAttempts,
	)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Event dispatcher stopping due to context cancellation.")
			return
		case <-ticker.C:
			if err := d.processPendingMessages(ctx); err != nil {
				d.logger.Error("Error during batch processing of pending outbox messages", "error", err)
			}
		}
	}
}

// Shutdown releases the worker pool
func (d *Dispatcher) Shutdown() {
	d.logger.Info("Shutting down event dispatcher worker pool", "running_workers", d.pool.Running())
	d.pool.Release()
}

func (d *Dispatcher) processPendingMessages(ctx context.Context) error {
	messages, err := d.outboxRepo.GetPending(ctx, d.batchSize)
	if err != nil {
		return fmt.Errorf("failed to get pending outbox messages: %w", err)
	}

	if len(messages) == 0 {
		return nil
	}

	d.logger.Debug("Fetched pending outbox messages", "count", len(messages))

	var wg sync.WaitGroup
	for _, msg := range messages {
		msg := msg
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			d.dispatch(ctx, msg)
		})
		if err != nil {
			wg.Done()
			d.logger.Error("Failed to submit outbox message to worker pool",
				"outbox_id", msg.ID,
				"error", err,
			)
		}
	}
	wg.Wait()

	return nil
}

// dispatch delivers one message to both sinks and records the outcome
func (d *Dispatcher) dispatch(ctx context.Context, msg *event.Message) {
	if err := d.deliver(ctx, msg); err != nil {
		d.logger.Error("Failed to deliver outbox message",
			"outbox_id", msg.ID,
			"transaction_id", msg.TransactionID.String(),
			"current_attempts", msg.Attempts,
			"error", err,
		)
		if errMark := d.outboxRepo.MarkFailed(ctx, msg.ID, d.maxRetryAttempts); errMark != nil {
			d.logger.Error("Failed to record delivery failure for outbox message",
				"outbox_id", msg.ID,
				"error", errMark,
			)
		}
		return
	}

	if err := d.outboxRepo.MarkProcessed(ctx, msg.ID); err != nil {
		// Delivered but not marked: the message will be redelivered on the
		// next poll, which subscribers must tolerate.
		d.logger.Error("Delivered outbox message but failed to mark it processed",
			"outbox_id", msg.ID,
			"error", err,
		)
		return
	}

	d.logger.Debug("Outbox message dispatched",
		"outbox_id", msg.ID,
		"kind", string(msg.Kind),
		"member_id", msg.MemberID.String(),
	)
}

func (d *Dispatcher) deliver(ctx context.Context, msg *event.Message) error {
	d.hub.Publish(msg.MemberID, msg.Payload)

	if err := d.notifier.Publish(ctx, msg.MemberID.String(), json.RawMessage(msg.Payload)); err != nil {
		return fmt.Errorf("failed to publish notification for outbox %d: %w", msg.ID, err)
	}

	return nil
}
