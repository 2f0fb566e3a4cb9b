package domain

import (
	"time"

	"github.com/google/uuid"
)

// Payment is the settlement record: exactly one per transaction that reached
// SUCCESS. Reversal transactions settle as a negative amount against the same
// invoice, so invoice totals stay derivable from the sum of payments.
type Payment struct {
	ID              uuid.UUID
	TransactionID   uuid.UUID
	LeaseID         *uuid.UUID
	InvoiceID       *uuid.UUID
	AgencyID        uuid.UUID
	Amount          int64
	Currency        string
	Method          string
	ReferenceNumber string
	PaidAt          time.Time
}
