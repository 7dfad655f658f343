// Package scheduler consumes reservation timeout commands published by the
// external scheduler. The engine state machine decides whether a command
// still applies; commands arriving after a pickup are acknowledged and
// dropped.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/platform/messaging/producers"
	"github.com/google/uuid"
)

// TimeoutCommand is the wire format of a reservation timeout message
type TimeoutCommand struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	ScheduledFor  time.Time `json:"scheduled_for"`
}

// LoanTransitioner applies a lifecycle event to a loan. Satisfied by
// *engine.Engine.
type LoanTransitioner interface {
	Transition(ctx context.Context, transactionID uuid.UUID, ev loan.TransitionEvent, actorID uuid.UUID) (*loan.Transaction, error)
}

// TimeoutHandler handles incoming reservation timeout messages from Kafka
type TimeoutHandler struct {
	engine   LoanTransitioner
	producer producers.DeadLetterPublisher
	logger   *slog.Logger
}

// NewTimeoutHandler creates a new handler
func NewTimeoutHandler(
	logger *slog.Logger,
	engine LoanTransitioner,
	producer producers.DeadLetterPublisher,
) *TimeoutHandler {
	return &TimeoutHandler{
		engine:   engine,
		producer: producer,
		logger:   logger,
	}
}

// HandleMessage processes Kafka messages. Returning an error leaves the
// offset uncommitted so the message is redelivered.
func (h *TimeoutHandler) HandleMessage(ctx context.Context, key []byte, value []byte) error {
	var cmd TimeoutCommand
	if err := json.Unmarshal(value, &cmd); err != nil || cmd.TransactionID == uuid.Nil {
		if err == nil {
			err = fmt.Errorf("missing transaction_id")
		}
		unmarshalErrorMsg := "Failed to unmarshal timeout command from Kafka message"
		h.logger.Error(unmarshalErrorMsg,
			"error", err,
			"message_key", string(key),
		)

		// Send to DLQ if available
		if h.producer != nil {
			dlqReason := fmt.Sprintf("%s: %s", unmarshalErrorMsg, err.Error())
			if dlqErr := h.producer.PublishToDLQ(ctx, string(key), value, dlqReason); dlqErr != nil {
				h.logger.Error("Failed to publish message to DLQ after unmarshal error",
					"dlq_error", dlqErr,
					"original_error", err,
					"message_key", string(key),
				)
			} else {
				h.logger.Info("Successfully published unprocessable message to DLQ", "message_key", string(key), "reason", dlqReason)
				// Message handled, commit offset
				return nil
			}
		}
		// Allow Kafka retries
		return fmt.Errorf("failed to unmarshal message value: %w", err)
	}

	h.logger.Info("Received reservation timeout command",
		"transaction_id", cmd.TransactionID.String(),
		"scheduled_for", cmd.ScheduledFor.Format(time.RFC3339),
	)

	_, err := h.engine.Transition(ctx, cmd.TransactionID, loan.EventReservationTimeout, uuid.Nil)
	if err != nil {
		// The loan moved on before the command arrived (picked up, or the
		// sweep cancelled it first). The command is obsolete, not failed.
		if errors.Is(err, loan.ErrInvalidTransition{}) {
			h.logger.Info("Timeout command obsolete, loan already transitioned",
				"transaction_id", cmd.TransactionID.String(),
			)
			return nil
		}
		if errors.Is(err, loan.ErrLoanNotFound{}) {
			h.logger.Warn("Timeout command references unknown loan",
				"transaction_id", cmd.TransactionID.String(),
			)
			return nil
		}
		// A concurrent scan beat the timeout to the version check. Re-read
		// once: if the reservation is still live, retry via redelivery.
		if errors.Is(err, loan.ErrConcurrentModification{}) {
			h.logger.Info("Timeout command lost optimistic lock race, retrying",
				"transaction_id", cmd.TransactionID.String(),
			)
			return fmt.Errorf("timeout command for %s lost concurrent update race: %w", cmd.TransactionID.String(), err)
		}

		h.logger.Error("Failed to process timeout command",
			"transaction_id", cmd.TransactionID.String(),
			"error", err,
		)
		return fmt.Errorf("processing timeout command for %s failed: %w", cmd.TransactionID.String(), err)
	}

	h.logger.Info("Reservation cancelled by timeout command", "transaction_id", cmd.TransactionID.String())
	return nil // Success, commit offset
}
