package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kejapay/kejapay/internal/auth"
	"github.com/kejapay/kejapay/internal/domain"
	"github.com/kejapay/kejapay/internal/logging"
	"github.com/kejapay/kejapay/internal/service"
)

type paymentService interface {
	Initiate(ctx context.Context, req service.InitiateRequest) (*domain.Transaction, error)
	Reverse(ctx context.Context, transactionID uuid.UUID, amount int64, reason string) (*domain.Transaction, error)
	GetTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, providerName domain.Provider, externalRef string) (*domain.Transaction, error)
}

type linkService interface {
	LinkToLease(ctx context.Context, providerName domain.Provider, externalRef string, leaseID uuid.UUID) (*domain.Transaction, error)
}

type PaymentHandler struct {
	payments paymentService
	linker   linkService
}

func NewPaymentHandler(payments paymentService, linker linkService) *PaymentHandler {
	return &PaymentHandler{payments: payments, linker: linker}
}

type initiatePaymentRequest struct {
	Provider    string `json:"provider"`
	Direction   string `json:"direction"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
	Reference   string `json:"reference,omitempty"`
	LeaseID     string `json:"lease_id,omitempty"`
	InvoiceID   string `json:"invoice_id,omitempty"`
}

func (r initiatePaymentRequest) Validate() []FieldError {
	var errs []FieldError

	if r.Provider == "" {
		errs = append(errs, FieldError{Field: "provider", Message: "required"})
	} else if !domain.Provider(r.Provider).IsValid() {
		errs = append(errs, FieldError{Field: "provider", Message: "must be mpesa, bank, or card"})
	}

	if r.Direction == "" {
		errs = append(errs, FieldError{Field: "direction", Message: "required"})
	} else if d := domain.Direction(r.Direction); !d.IsValid() || d == domain.DirectionReversal {
		errs = append(errs, FieldError{Field: "direction", Message: "must be collection or disbursement"})
	}

	if r.Amount <= 0 {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}
	if r.Currency == "" {
		errs = append(errs, FieldError{Field: "currency", Message: "required"})
	}
	if r.Destination == "" {
		errs = append(errs, FieldError{Field: "destination", Message: "required"})
	}

	if r.LeaseID != "" {
		if _, err := uuid.Parse(r.LeaseID); err != nil {
			errs = append(errs, FieldError{Field: "lease_id", Message: "must be a valid UUID"})
		}
	}
	if r.InvoiceID != "" {
		if _, err := uuid.Parse(r.InvoiceID); err != nil {
			errs = append(errs, FieldError{Field: "invoice_id", Message: "must be a valid UUID"})
		}
	}

	return errs
}

type reversePaymentRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

type linkLeaseRequest struct {
	Provider    string `json:"provider"`
	ExternalRef string `json:"external_ref"`
	LeaseID     string `json:"lease_id"`
}

func (r linkLeaseRequest) Validate() []FieldError {
	var errs []FieldError

	if r.Provider == "" {
		errs = append(errs, FieldError{Field: "provider", Message: "required"})
	} else if !domain.Provider(r.Provider).IsValid() {
		errs = append(errs, FieldError{Field: "provider", Message: "must be mpesa, bank, or card"})
	}
	if r.ExternalRef == "" {
		errs = append(errs, FieldError{Field: "external_ref", Message: "required"})
	}
	if r.LeaseID == "" {
		errs = append(errs, FieldError{Field: "lease_id", Message: "required"})
	} else if _, err := uuid.Parse(r.LeaseID); err != nil {
		errs = append(errs, FieldError{Field: "lease_id", Message: "must be a valid UUID"})
	}

	return errs
}

type transactionDTO struct {
	ID                    uuid.UUID  `json:"id"`
	Provider              string     `json:"provider"`
	Direction             string     `json:"direction"`
	Status                string     `json:"status"`
	Amount                int64      `json:"amount"`
	Currency              string     `json:"currency"`
	Destination           string     `json:"destination"`
	ExternalRef           *string    `json:"external_ref"`
	LeaseID               *uuid.UUID `json:"lease_id,omitempty"`
	InvoiceID             *uuid.UUID `json:"invoice_id,omitempty"`
	OriginalTransactionID *uuid.UUID `json:"original_transaction_id,omitempty"`
	FailureReason         *string    `json:"failure_reason,omitempty"`
	Flagged               bool       `json:"flagged"`
	CreatedAt             time.Time  `json:"created_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}

func toTransactionDTO(t *domain.Transaction) transactionDTO {
	return transactionDTO{
		ID:                    t.ID,
		Provider:              string(t.Provider),
		Direction:             string(t.Direction),
		Status:                string(t.Status),
		Amount:                t.Amount,
		Currency:              t.Currency,
		Destination:           t.Destination,
		ExternalRef:           t.ExternalRef,
		LeaseID:               t.LeaseID,
		InvoiceID:             t.InvoiceID,
		OriginalTransactionID: t.OriginalTransactionID,
		FailureReason:         t.FailureReason,
		Flagged:               t.Flagged,
		CreatedAt:             t.CreatedAt,
		CompletedAt:           t.CompletedAt,
	}
}

func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	agencyID, ok := auth.AgencyIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		RespondValidationError(w, []FieldError{{Field: "Idempotency-Key", Message: "header required"}})
		return
	}

	var req initiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	txn, err := h.payments.Initiate(r.Context(), service.InitiateRequest{
		AgencyID:       agencyID,
		LeaseID:        parseOptionalUUID(req.LeaseID),
		InvoiceID:      parseOptionalUUID(req.InvoiceID),
		Provider:       domain.Provider(req.Provider),
		Direction:      domain.Direction(req.Direction),
		Amount:         req.Amount,
		Currency:       req.Currency,
		Destination:    req.Destination,
		Reference:      req.Reference,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		log.Warn("payment initiation failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/payments/%s", txn.ID))
	RespondSuccess(w, http.StatusAccepted, toTransactionDTO(txn))
}

func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agencyID, ok := auth.AgencyIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	transactionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	txn, err := h.payments.GetTransactionByID(r.Context(), transactionID)
	if err != nil {
		logging.FromContext(r.Context()).Warn("payment lookup failed", "error", err)
		RespondDomainError(w, err)
		return
	}
	if txn.AgencyID != agencyID {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	RespondSuccess(w, http.StatusOK, toTransactionDTO(txn))
}

func (h *PaymentHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	agencyID, ok := auth.AgencyIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	transactionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	var req reversePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if req.Amount <= 0 {
		RespondValidationError(w, []FieldError{{Field: "amount", Message: "must be greater than 0"}})
		return
	}

	original, err := h.payments.GetTransactionByID(r.Context(), transactionID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	if original.AgencyID != agencyID {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	reversal, err := h.payments.Reverse(r.Context(), transactionID, req.Amount, req.Reason)
	if err != nil {
		log.Warn("reversal failed", "transaction_id", transactionID, "error", err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/payments/%s", reversal.ID))
	RespondSuccess(w, http.StatusAccepted, toTransactionDTO(reversal))
}

func (h *PaymentHandler) LinkLease(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	agencyID, ok := auth.AgencyIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req linkLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	txn, err := h.payments.GetTransaction(r.Context(), domain.Provider(req.Provider), req.ExternalRef)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	if txn.AgencyID != agencyID {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	leaseID, _ := uuid.Parse(req.LeaseID)
	linked, err := h.linker.LinkToLease(r.Context(), domain.Provider(req.Provider), req.ExternalRef, leaseID)
	if err != nil {
		log.Warn("lease linking failed", "external_ref", req.ExternalRef, "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toTransactionDTO(linked))
}

func parseOptionalUUID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}
