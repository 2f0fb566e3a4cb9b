package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInvalidSignature = &AppError{http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature is invalid"}

	ErrInvalidProvider     = &AppError{http.StatusBadRequest, "INVALID_PROVIDER", "Unknown payment provider"}
	ErrInvalidDirection    = &AppError{http.StatusBadRequest, "INVALID_DIRECTION", "Direction must be collection or disbursement"}
	ErrInvalidAmount       = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	ErrDuplicateInitiation = &AppError{http.StatusConflict, "DUPLICATE_INITIATION", "Idempotency key already used with different parameters"}
	ErrProviderRejected    = &AppError{http.StatusUnprocessableEntity, "PROVIDER_REJECTED", "Provider rejected the request"}
	ErrNotSuccessful       = &AppError{http.StatusUnprocessableEntity, "TRANSACTION_NOT_SUCCESSFUL", "Transaction has not succeeded"}
	ErrAlreadyLinked       = &AppError{http.StatusConflict, "ALREADY_LINKED", "Transaction is already linked to a different lease"}
	ErrNotReversible       = &AppError{http.StatusUnprocessableEntity, "NOT_REVERSIBLE", "Only successful transactions can be reversed"}
	ErrReversalExceeds     = &AppError{http.StatusUnprocessableEntity, "REVERSAL_EXCEEDS_ORIGINAL", "Reversal amount exceeds the original transaction"}
	ErrVersionConflict     = &AppError{http.StatusConflict, "VERSION_CONFLICT", "Resource was modified concurrently, please retry"}
)
