package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Provider string

const (
	ProviderMpesa Provider = "mpesa"
	ProviderBank  Provider = "bank"
	ProviderCard  Provider = "card"
)

func (p Provider) IsValid() bool {
	switch p {
	case ProviderMpesa, ProviderBank, ProviderCard:
		return true
	}
	return false
}

type Direction string

const (
	DirectionCollection   Direction = "collection"
	DirectionDisbursement Direction = "disbursement"
	DirectionReversal     Direction = "reversal"
)

func (d Direction) IsValid() bool {
	switch d {
	case DirectionCollection, DirectionDisbursement, DirectionReversal:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusInitiated TransactionStatus = "initiated"
	StatusPending   TransactionStatus = "pending"
	StatusSuccess   TransactionStatus = "success"
	StatusFailed    TransactionStatus = "failed"
	StatusReversed  TransactionStatus = "reversed"
)

func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusReversed:
		return true
	}
	return false
}

var validTransitions = map[TransactionStatus][]TransactionStatus{
	StatusInitiated: {StatusPending, StatusSuccess, StatusFailed},
	StatusPending:   {StatusSuccess, StatusFailed},
	StatusSuccess:   {StatusReversed},
	// failed and reversed are final
	StatusFailed:   {},
	StatusReversed: {},
}

func ValidTransition(from, to TransactionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transaction is the ledger row for one external payment attempt. Rows are
// never deleted; they are the audit trail for everything the gateways told us.
type Transaction struct {
	ID                    uuid.UUID
	IdempotencyKey        string
	Provider              Provider
	Direction             Direction
	ExternalRef           *string
	Amount                int64
	Currency              string
	Status                TransactionStatus
	LeaseID               *uuid.UUID
	InvoiceID             *uuid.UUID
	AgencyID              uuid.UUID
	OriginalTransactionID *uuid.UUID
	Destination           string
	RawCallback           json.RawMessage
	FailureReason         *string
	Flagged               bool
	Stale                 bool
	SweepAttempts         int
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
	CompletedAt           *time.Time
}
