package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TransactionEventType string

const (
	TransactionEventTypeInitiated TransactionEventType = "initiated"
	TransactionEventTypeAccepted  TransactionEventType = "accepted"
	TransactionEventTypeSucceeded TransactionEventType = "succeeded"
	TransactionEventTypeFailed    TransactionEventType = "failed"
	TransactionEventTypeReversed  TransactionEventType = "reversed"
	TransactionEventTypeLinked    TransactionEventType = "linked"
	TransactionEventTypeFlagged   TransactionEventType = "flagged"
)

type TransactionEvent struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	EventType     TransactionEventType
	Actor         string
	Payload       json.RawMessage
	CreatedAt     time.Time
}
