package handler

import (
	"errors"
	"log/slog"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/api/middleware"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/payment"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/settlement"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Gateway callback statuses that indicate a completed payment
const gatewayStatusPaid = "PAID"

// PaymentHandler handles HTTP requests for fine settlement
type PaymentHandler struct {
	settlements *settlement.Service
	logger      *slog.Logger
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(logger *slog.Logger, settlements *settlement.Service) *PaymentHandler {
	return &PaymentHandler{
		settlements: settlements,
		logger:      logger,
	}
}

// GatewayCallback settles a fine from the payment gateway's webhook. The
// gateway retries callbacks, so an already-settled fine acknowledges
// idempotently.
func (h *PaymentHandler) GatewayCallback(c *gin.Context) {
	var req GatewayCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid gateway callback body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	if req.Status != gatewayStatusPaid {
		// Failed or pending gateway statuses are acknowledged without
		// settling; the gateway will call back again on completion
		h.logger.Info("Ignoring non-paid gateway callback",
			"transaction_id", req.TransactionID,
			"status", req.Status,
		)
		RespondOK(c, gin.H{"acknowledged": true})
		return
	}

	transactionID, _ := uuid.Parse(req.TransactionID)
	h.settle(c, transactionID, uuid.Nil, payment.ChannelGateway, req.Amount, req.Reference)
}

// CashSettle records a cash payment taken at the circulation desk (staff
// only). Cash settles the fine recorded on the loan row, so the request
// carries no amount; the confirming staff member comes from the auth token.
func (h *PaymentHandler) CashSettle(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid transaction ID")
		return
	}

	h.settle(c, id, middleware.GetMemberID(c), payment.ChannelCash, 0, "")
}

func (h *PaymentHandler) settle(c *gin.Context, transactionID, staffID uuid.UUID, channel payment.Channel, amount int64, reference string) {
	result, err := h.settlements.Settle(c.Request.Context(), transactionID, staffID, channel, amount, reference)
	if err != nil {
		switch {
		case errors.Is(err, loan.ErrLoanNotFound{}):
			RespondNotFound(c, "Loan transaction not found")
		case errors.Is(err, settlement.ErrNoOutstandingFine{}):
			RespondUnprocessable(c, "NO_OUTSTANDING_FINE", "Loan carries no fine to settle")
		case errors.Is(err, settlement.ErrAmountMismatch{}):
			RespondUnprocessable(c, "AMOUNT_MISMATCH", "Settlement amount does not match the outstanding fine")
		case errors.Is(err, loan.ErrConcurrentModification{}):
			RespondConflict(c, "CONCURRENT_MODIFICATION", "Loan was modified concurrently, retry the request")
		default:
			h.logger.Error("Failed to settle fine",
				"transaction_id", transactionID.String(),
				"channel", string(channel),
				"error", err,
			)
			RespondInternalError(c)
		}
		return
	}

	RespondOK(c, SettlementResponse{
		Outcome:     string(result.Outcome),
		Transaction: mapLoanToResponse(result.Transaction),
	})
}

// GetRecord retrieves the ledger record for a settled fine
func (h *PaymentHandler) GetRecord(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid transaction ID")
		return
	}

	record, err := h.settlements.GetRecord(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, payment.ErrRecordNotFound{}) {
			RespondNotFound(c, "Settlement record not found")
			return
		}
		h.logger.Error("Failed to get settlement record", "id", id.String(), "error", err)
		RespondInternalError(c)
		return
	}

	RespondOK(c, mapRecordToResponse(record))
}

// ListOwnRecords retrieves the caller's paginated settlement history
func (h *PaymentHandler) ListOwnRecords(c *gin.Context) {
	var params PaginationParams
	if err := c.ShouldBindQuery(&params); err != nil {
		RespondBadRequest(c, "Invalid pagination parameters: "+err.Error())
		return
	}

	memberID := middleware.GetMemberID(c)
	offset := (params.Page - 1) * params.PerPage

	records, err := h.settlements.ListRecordsByMember(c.Request.Context(), memberID, params.PerPage, offset)
	if err != nil {
		h.logger.Error("Failed to list settlement records", "member_id", memberID.String(), "error", err)
		RespondInternalError(c)
		return
	}

	responses := make([]PaymentRecordResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, mapRecordToResponse(record))
	}

	RespondOK(c, gin.H{"records": responses})
}
