package handler

import (
	"errors"
	"log/slog"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/api/middleware"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/token"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/qrtoken"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ScanHandler handles HTTP requests for QR token issuance and redemption
type ScanHandler struct {
	tokens *qrtoken.Service
	logger *slog.Logger
}

// NewScanHandler creates a new scan handler
func NewScanHandler(logger *slog.Logger, tokens *qrtoken.Service) *ScanHandler {
	return &ScanHandler{
		tokens: tokens,
		logger: logger,
	}
}

// Issue mints a QR token for a loan's next transition
func (h *ScanHandler) Issue(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid transaction ID")
		return
	}

	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	encoded, t, err := h.tokens.Issue(c.Request.Context(), id, token.Transition(req.Transition))
	if err != nil {
		switch {
		case errors.Is(err, loan.ErrLoanNotFound{}):
			RespondNotFound(c, "Loan transaction not found")
		case errors.Is(err, token.ErrTransactionMismatch{}):
			RespondConflict(c, "TOKEN_TRANSACTION_MISMATCH", "Requested transition does not match the loan's current state")
		default:
			h.logger.Error("Failed to issue qr token", "id", id.String(), "error", err)
			RespondInternalError(c)
		}
		return
	}

	RespondCreated(c, mapTokenToResponse(encoded, t))
}

// Redeem applies a scanned QR token's transition (staff only)
func (h *ScanHandler) Redeem(c *gin.Context) {
	var req RedeemTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	librarianID := middleware.GetMemberID(c)

	tx, err := h.tokens.Redeem(c.Request.Context(), req.Token, librarianID)
	if errors.Is(err, loan.ErrConcurrentModification{}) {
		// The claim rolled back with the losing transition, so the token
		// is still unclaimed and one retry is safe
		tx, err = h.tokens.Redeem(c.Request.Context(), req.Token, librarianID)
	}
	if err != nil {
		switch {
		case errors.Is(err, token.ErrTokenInvalid):
			RespondBadRequest(c, "QR token is malformed or has an invalid signature")
		case errors.Is(err, token.ErrTokenExpired{}):
			RespondUnprocessable(c, "TOKEN_EXPIRED", "QR token has expired, issue a new one")
		case errors.Is(err, token.ErrTokenAlreadyUsed{}):
			RespondConflict(c, "TOKEN_ALREADY_USED", "QR token has already been redeemed")
		case errors.Is(err, token.ErrTransactionMismatch{}):
			RespondConflict(c, "TOKEN_TRANSACTION_MISMATCH", "Token transition does not match the loan's current state")
		case errors.Is(err, loan.ErrLoanNotFound{}):
			RespondNotFound(c, "Loan transaction not found")
		case errors.Is(err, loan.ErrConcurrentModification{}):
			RespondConflict(c, "CONCURRENT_MODIFICATION", "Loan was modified concurrently, retry the scan")
		default:
			h.logger.Error("Failed to redeem qr token", "error", err)
			RespondInternalError(c)
		}
		return
	}

	RespondOK(c, mapLoanToResponse(tx))
}
