package domain

import (
	"time"

	"github.com/google/uuid"
)

type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPartial InvoiceStatus = "partial"
	InvoiceStatusPaid    InvoiceStatus = "paid"
)

type Invoice struct {
	ID         uuid.UUID
	LeaseID    uuid.UUID
	AgencyID   uuid.UUID
	AmountDue  int64
	AmountPaid int64
	Currency   string
	Status     InvoiceStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StatusForPaid derives invoice status from the cumulative paid amount.
func StatusForPaid(amountDue, amountPaid int64) InvoiceStatus {
	switch {
	case amountPaid >= amountDue:
		return InvoiceStatusPaid
	case amountPaid > 0:
		return InvoiceStatusPartial
	default:
		return InvoiceStatusPending
	}
}
