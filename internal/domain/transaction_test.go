package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from TransactionStatus
		to   TransactionStatus
		want bool
	}{
		{"initiated to pending", StatusInitiated, StatusPending, true},
		{"initiated to success", StatusInitiated, StatusSuccess, true},
		{"initiated to failed", StatusInitiated, StatusFailed, true},
		{"pending to success", StatusPending, StatusSuccess, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"success to reversed", StatusSuccess, StatusReversed, true},

		{"pending to initiated", StatusPending, StatusInitiated, false},
		{"success to failed", StatusSuccess, StatusFailed, false},
		{"failed to success", StatusFailed, StatusSuccess, false},
		{"failed to pending", StatusFailed, StatusPending, false},
		{"reversed to success", StatusReversed, StatusSuccess, false},
		{"reversed to anything", StatusReversed, StatusPending, false},
		{"initiated to reversed", StatusInitiated, StatusReversed, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ValidTransition(tc.from, tc.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, StatusInitiated.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusReversed.IsTerminal())
}

func TestStatusForPaid(t *testing.T) {
	tests := []struct {
		name       string
		amountDue  int64
		amountPaid int64
		want       InvoiceStatus
	}{
		{"nothing paid", 50000, 0, InvoiceStatusPending},
		{"partially paid", 50000, 20000, InvoiceStatusPartial},
		{"exactly paid", 50000, 50000, InvoiceStatusPaid},
		{"overpaid", 50000, 60000, InvoiceStatusPaid},
		{"reversal back to zero", 50000, 0, InvoiceStatusPending},
		{"reversal below zero", 50000, -10000, InvoiceStatusPending},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StatusForPaid(tc.amountDue, tc.amountPaid))
		})
	}
}
