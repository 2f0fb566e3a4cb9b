package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrProviderRejected    = errors.New("provider rejected the request")
	ErrUnknownTransaction  = errors.New("no transaction matches the callback reference")
	ErrAmountMismatch      = errors.New("callback amount does not match transaction amount")
	ErrNotSuccessful       = errors.New("transaction is not in success state")
	ErrAlreadyLinked       = errors.New("transaction already linked to a different lease")
	ErrNotReversible       = errors.New("only successful transactions can be reversed")
	ErrReversalExceeds     = errors.New("reversal amount exceeds original amount")
	ErrInvalidProvider     = errors.New("invalid provider")
	ErrInvalidDirection    = errors.New("invalid direction")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidCallback     = errors.New("malformed callback payload")
	ErrDuplicateInitiation = errors.New("idempotency key already used with a different request")
	ErrVersionConflict     = errors.New("optimistic lock conflict")
)
