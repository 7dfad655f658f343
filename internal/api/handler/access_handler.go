package handler

import (
	"errors"
	"log/slog"
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/api/middleware"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/access"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/engine"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AccessHandler handles HTTP requests for digital access grants
type AccessHandler struct {
	controller *engine.AccessController
	logger     *slog.Logger
}

// NewAccessHandler creates a new access handler
func NewAccessHandler(logger *slog.Logger, controller *engine.AccessController) *AccessHandler {
	return &AccessHandler{
		controller: controller,
		logger:     logger,
	}
}

// Create opens an access request for a digital copy on behalf of the caller
func (h *AccessHandler) Create(c *gin.Context) {
	var req CreateAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	digitalID, _ := uuid.Parse(req.DigitalID)
	ownerID, _ := uuid.Parse(req.OwnerID)
	requesterID := middleware.GetMemberID(c)

	result, err := h.controller.Request(c.Request.Context(), digitalID, requesterID, ownerID)
	if err != nil {
		h.logger.Error("Failed to create access request", "error", err)
		RespondInternalError(c)
		return
	}

	RespondCreated(c, mapAccessToResponse(result, false))
}

// GetByID retrieves an access request along with whether it currently
// confers access
func (h *AccessHandler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid request ID")
		return
	}

	req, effective, err := h.controller.GetRequest(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, access.ErrRequestNotFound{}) {
			RespondNotFound(c, "Access request not found")
			return
		}
		h.logger.Error("Failed to get access request", "id", id.String(), "error", err)
		RespondInternalError(c)
		return
	}

	RespondOK(c, mapAccessToResponse(req, effective))
}

// ListOwned retrieves access requests awaiting or past the caller's review
func (h *AccessHandler) ListOwned(c *gin.Context) {
	var params PaginationParams
	if err := c.ShouldBindQuery(&params); err != nil {
		RespondBadRequest(c, "Invalid pagination parameters: "+err.Error())
		return
	}

	ownerID := middleware.GetMemberID(c)
	offset := (params.Page - 1) * params.PerPage

	requests, total, err := h.controller.ListByOwner(c.Request.Context(), ownerID, params.PerPage, offset)
	if err != nil {
		h.logger.Error("Failed to list access requests", "owner_id", ownerID.String(), "error", err)
		RespondInternalError(c)
		return
	}

	now := time.Now()
	responses := make([]AccessResponse, 0, len(requests))
	for _, req := range requests {
		responses = append(responses, mapAccessToResponse(req, req.EffectiveAt(now)))
	}

	RespondWithPaginatedData(c, 200, AccessListResponse{Requests: responses}, params.Page, params.PerPage, int(total))
}

// Approve grants the request a time-boxed license
func (h *AccessHandler) Approve(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid request ID")
		return
	}

	var req ApproveAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	licenseExpiry, err := time.Parse(time.RFC3339, req.LicenseExpiry)
	if err != nil {
		RespondBadRequest(c, "Invalid license expiry, expected RFC 3339 timestamp")
		return
	}

	h.decide(c, id, func(reviewerID uuid.UUID, isStaff bool) (*access.Request, error) {
		return h.controller.Approve(c.Request.Context(), id, reviewerID, isStaff, licenseExpiry)
	})
}

// Reject declines the request
func (h *AccessHandler) Reject(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid request ID")
		return
	}

	h.decide(c, id, func(reviewerID uuid.UUID, isStaff bool) (*access.Request, error) {
		return h.controller.Reject(c.Request.Context(), id, reviewerID, isStaff)
	})
}

func (h *AccessHandler) decide(c *gin.Context, id uuid.UUID, apply func(uuid.UUID, bool) (*access.Request, error)) {
	reviewerID := middleware.GetMemberID(c)
	isStaff := middleware.GetRole(c) == middleware.RoleLibrarian

	result, err := apply(reviewerID, isStaff)
	if errors.Is(err, access.ErrConcurrentModification{}) {
		result, err = apply(reviewerID, isStaff)
	}
	if err != nil {
		switch {
		case errors.Is(err, access.ErrRequestNotFound{}):
			RespondNotFound(c, "Access request not found")
		case errors.Is(err, access.ErrDecisionForbidden{}):
			RespondForbidden(c, "DECISION_FORBIDDEN", "Only the document owner or library staff may decide this request")
		case errors.Is(err, access.ErrInvalidDecision{}):
			RespondConflict(c, "ALREADY_DECIDED", "Access request has already been decided")
		case errors.Is(err, access.ErrExpiryNotFuture):
			RespondBadRequest(c, "License expiry must be in the future")
		case errors.Is(err, access.ErrConcurrentModification{}):
			RespondConflict(c, "CONCURRENT_MODIFICATION", "Access request was modified concurrently, retry the request")
		default:
			h.logger.Error("Failed to decide access request", "id", id.String(), "error", err)
			RespondInternalError(c)
		}
		return
	}

	RespondOK(c, mapAccessToResponse(result, result.EffectiveAt(time.Now())))
}
