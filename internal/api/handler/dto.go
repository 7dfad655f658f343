package handler

import (
	"time"

	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/access"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/loan"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/payment"
	"github.com/Merlinnnnn/elibrary-lending-engine/internal/domain/token"
)

// CreateLoanRequest represents a request to reserve a physical copy
type CreateLoanRequest struct {
	DocumentID    string `json:"document_id" binding:"required,uuid"`
	PhysicalDocID string `json:"physical_doc_id" binding:"required,uuid"`
}

// LoanResponse represents a loan transaction in API responses
type LoanResponse struct {
	TransactionID   string `json:"transaction_id"`
	DocumentID      string `json:"document_id"`
	PhysicalDocID   string `json:"physical_doc_id"`
	BorrowerID      string `json:"borrower_id"`
	LibrarianID     string `json:"librarian_id,omitempty"`
	LoanDate        string `json:"loan_date"`
	DueDate         string `json:"due_date,omitempty"`
	ReturnDate      string `json:"return_date,omitempty"`
	Status          string `json:"status"`
	ReturnCondition string `json:"return_condition,omitempty"`
	FineAmount      int64  `json:"fine_amount"`
	PaymentStatus   string `json:"payment_status"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// LoanListResponse represents a list of loan transactions in API responses
type LoanListResponse struct {
	Loans []LoanResponse `json:"loans"`
}

// IssueTokenRequest represents a request to mint a QR token for a loan
type IssueTokenRequest struct {
	Transition string `json:"transition" binding:"required,oneof=PICKUP RETURN"`
}

// TokenResponse represents an issued QR token in API responses
type TokenResponse struct {
	Token         string `json:"token"`
	TransactionID string `json:"transaction_id"`
	Transition    string `json:"transition"`
	IssuedAt      string `json:"issued_at"`
	ExpiresAt     string `json:"expires_at"`
}

// RedeemTokenRequest represents a scanned QR token submitted by staff
type RedeemTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// ReassessFineRequest represents a staff fine override after condition
// review. ExpectedVersion is the loan version the staff client last read;
// the override only applies if the loan has not moved since.
type ReassessFineRequest struct {
	Condition       string `json:"condition"`
	FineAmount      *int64 `json:"fine_amount" binding:"required,min=0"`
	ExpectedVersion int    `json:"expected_version" binding:"required,min=1"`
}

// GatewayCallbackRequest represents the payment gateway's settlement webhook
type GatewayCallbackRequest struct {
	TransactionID string `json:"transaction_id" binding:"required,uuid"`
	Amount        int64  `json:"amount" binding:"required,gt=0"`
	Reference     string `json:"reference" binding:"required"`
	Status        string `json:"status" binding:"required"`
}

// SettlementResponse represents the conclusion of a settlement request
type SettlementResponse struct {
	Outcome     string       `json:"outcome"`
	Transaction LoanResponse `json:"transaction"`
}

// PaymentRecordResponse represents a ledger record in API responses
type PaymentRecordResponse struct {
	TransactionID     string `json:"transaction_id"`
	MemberID          string `json:"member_id"`
	ConfirmedBy       string `json:"confirmed_by,omitempty"`
	Channel           string `json:"channel"`
	Amount            int64  `json:"amount"`
	ExternalReference string `json:"external_reference,omitempty"`
	SettledAt         string `json:"settled_at"`
}

// CreateAccessRequest represents a request for digital access
type CreateAccessRequest struct {
	DigitalID string `json:"digital_id" binding:"required,uuid"`
	OwnerID   string `json:"owner_id" binding:"required,uuid"`
}

// ApproveAccessRequest represents an owner's approval decision
type ApproveAccessRequest struct {
	LicenseExpiry string `json:"license_expiry" binding:"required"`
}

// AccessResponse represents an access request in API responses
type AccessResponse struct {
	RequestID     string `json:"request_id"`
	DigitalID     string `json:"digital_id"`
	RequesterID   string `json:"requester_id"`
	OwnerID       string `json:"owner_id"`
	ReviewerID    string `json:"reviewer_id,omitempty"`
	RequestTime   string `json:"request_time"`
	DecisionTime  string `json:"decision_time,omitempty"`
	LicenseExpiry string `json:"license_expiry,omitempty"`
	Status        string `json:"status"`
	Effective     bool   `json:"effective"`
}

// AccessListResponse represents a list of access requests in API responses
type AccessListResponse struct {
	Requests []AccessResponse `json:"requests"`
}

// PaginationParams represents pagination parameters for list endpoints
type PaginationParams struct {
	Page    int `form:"page,default=1" binding:"min=1"`
	PerPage int `form:"per_page,default=10" binding:"min=1,max=100"`
}

func mapLoanToResponse(tx *loan.Transaction) LoanResponse {
	resp := LoanResponse{
		TransactionID: tx.ID.String(),
		DocumentID:    tx.DocumentID.String(),
		PhysicalDocID: tx.PhysicalDocID.String(),
		BorrowerID:    tx.BorrowerID.String(),
		LoanDate:      tx.LoanDate.Format(time.RFC3339),
		Status:        string(tx.Status),
		FineAmount:    tx.FineAmount,
		PaymentStatus: string(tx.PaymentStatus),
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     tx.UpdatedAt.Format(time.RFC3339),
	}
	if tx.LibrarianID != nil {
		resp.LibrarianID = tx.LibrarianID.String()
	}
	if tx.DueDate != nil {
		resp.DueDate = tx.DueDate.Format(time.RFC3339)
	}
	if tx.ReturnDate != nil {
		resp.ReturnDate = tx.ReturnDate.Format(time.RFC3339)
	}
	if tx.ReturnCondition != nil {
		resp.ReturnCondition = *tx.ReturnCondition
	}
	return resp
}

func mapTokenToResponse(encoded string, t *token.QRToken) TokenResponse {
	return TokenResponse{
		Token:         encoded,
		TransactionID: t.TransactionID.String(),
		Transition:    string(t.IntendedTransition),
		IssuedAt:      t.IssuedAt.Format(time.RFC3339),
		ExpiresAt:     t.ExpiresAt.Format(time.RFC3339),
	}
}

func mapRecordToResponse(record *payment.Record) PaymentRecordResponse {
	resp := PaymentRecordResponse{
		TransactionID:     record.TransactionID.String(),
		MemberID:          record.MemberID.String(),
		Channel:           string(record.Channel),
		Amount:            record.Amount,
		ExternalReference: record.ExternalReference,
		SettledAt:         record.SettledAt.Format(time.RFC3339),
	}
	if record.ConfirmedBy != nil {
		resp.ConfirmedBy = record.ConfirmedBy.String()
	}
	return resp
}

func mapAccessToResponse(req *access.Request, effective bool) AccessResponse {
	resp := AccessResponse{
		RequestID:   req.ID.String(),
		DigitalID:   req.DigitalID.String(),
		RequesterID: req.RequesterID.String(),
		OwnerID:     req.OwnerID.String(),
		RequestTime: req.RequestTime.Format(time.RFC3339),
		Status:      string(req.Status),
		Effective:   effective,
	}
	if req.ReviewerID != nil {
		resp.ReviewerID = req.ReviewerID.String()
	}
	if req.DecisionTime != nil {
		resp.DecisionTime = req.DecisionTime.Format(time.RFC3339)
	}
	if req.LicenseExpiry != nil {
		resp.LicenseExpiry = req.LicenseExpiry.Format(time.RFC3339)
	}
	return resp
}
