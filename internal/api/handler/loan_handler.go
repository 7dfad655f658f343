package handler

import (
	"errors"
	"log/slog"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/api/middleware"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/document"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/engine"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// LoanHandler handles HTTP requests for loan lifecycle operations
type LoanHandler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewLoanHandler creates a new loan handler
func NewLoanHandler(logger *slog.Logger, eng *engine.Engine) *LoanHandler {
	return &LoanHandler{
		engine: eng,
		logger: logger,
	}
}

// Create reserves one copy of a physical document for the caller
func (h *LoanHandler) Create(c *gin.Context) {
	var req CreateLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	documentID, _ := uuid.Parse(req.DocumentID)
	physicalDocID, _ := uuid.Parse(req.PhysicalDocID)
	borrowerID := middleware.GetMemberID(c)

	tx, err := h.engine.Reserve(c.Request.Context(), documentID, physicalDocID, borrowerID)
	if err != nil {
		if errors.Is(err, document.ErrDocumentUnavailable{}) {
			RespondConflict(c, "DOCUMENT_UNAVAILABLE", "No available copies of the requested document")
			return
		}
		if errors.Is(err, document.ErrDocumentNotFound{}) {
			RespondNotFound(c, "Physical document not found")
			return
		}
		h.logger.Error("Failed to reserve loan", "error", err)
		RespondInternalError(c)
		return
	}

	RespondCreated(c, mapLoanToResponse(tx))
}

// GetByID retrieves loan details by transaction ID
func (h *LoanHandler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid transaction ID")
		return
	}

	tx, err := h.engine.GetLoan(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, loan.ErrLoanNotFound{}) {
			RespondNotFound(c, "Loan transaction not found")
			return
		}
		h.logger.Error("Failed to get loan", "id", id.String(), "error", err)
		RespondInternalError(c)
		return
	}

	RespondOK(c, mapLoanToResponse(tx))
}

// ListOwn retrieves the caller's paginated loan history
func (h *LoanHandler) ListOwn(c *gin.Context) {
	h.listByBorrower(c, middleware.GetMemberID(c))
}

// ListByBorrower retrieves a member's paginated loan history (staff only)
func (h *LoanHandler) ListByBorrower(c *gin.Context) {
	borrowerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid member ID")
		return
	}
	h.listByBorrower(c, borrowerID)
}

func (h *LoanHandler) listByBorrower(c *gin.Context, borrowerID uuid.UUID) {
	var params PaginationParams
	if err := c.ShouldBindQuery(&params); err != nil {
		RespondBadRequest(c, "Invalid pagination parameters: "+err.Error())
		return
	}

	offset := (params.Page - 1) * params.PerPage
	loans, total, err := h.engine.ListLoansByBorrower(c.Request.Context(), borrowerID, params.PerPage, offset)
	if err != nil {
		h.logger.Error("Failed to list loans", "borrower_id", borrowerID.String(), "error", err)
		RespondInternalError(c)
		return
	}

	responses := make([]LoanResponse, 0, len(loans))
	for _, tx := range loans {
		responses = append(responses, mapLoanToResponse(tx))
	}

	RespondWithPaginatedData(c, 200, LoanListResponse{Loans: responses}, params.Page, params.PerPage, int(total))
}

// Reassess overrides the fine on a returned loan after a staff condition
// review
func (h *LoanHandler) Reassess(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid transaction ID")
		return
	}

	var req ReassessFineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	librarianID := middleware.GetMemberID(c)

	// No automatic retry here: the supplied expected_version pins the loan
	// state the staff decision was based on, so a version conflict must go
	// back to the client for a fresh read.
	tx, err := h.engine.ReassessFine(c.Request.Context(), id, librarianID, req.Condition, *req.FineAmount, req.ExpectedVersion)
	if err != nil {
		switch {
		case errors.Is(err, loan.ErrLoanNotFound{}):
			RespondNotFound(c, "Loan transaction not found")
		case errors.Is(err, loan.ErrInvalidTransition{}):
			RespondConflict(c, "INVALID_TRANSITION", "Fine can only be reassessed on a returned loan")
		case errors.Is(err, loan.ErrFineAlreadyPaid):
			RespondConflict(c, "FINE_ALREADY_PAID", "Fine has already been settled")
		case errors.Is(err, loan.ErrConcurrentModification{}):
			RespondConflict(c, "CONCURRENT_MODIFICATION", "Loan was modified since it was last read, re-read and decide again")
		default:
			h.logger.Error("Failed to reassess fine", "id", id.String(), "error", err)
			RespondInternalError(c)
		}
		return
	}

	RespondOK(c, mapLoanToResponse(tx))
}
