package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kejapay/kejapay/internal/domain"
)

var TestAgencyID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

func SeedInvoice(t *testing.T, db *sql.DB, amountDue int64) *domain.Invoice {
	t.Helper()

	inv := &domain.Invoice{
		ID:        uuid.New(),
		LeaseID:   uuid.New(),
		AgencyID:  TestAgencyID,
		AmountDue: amountDue,
		Currency:  "KES",
		Status:    domain.InvoiceStatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	_, err := db.Exec(
		`INSERT INTO invoices (id, lease_id, agency_id, amount_due, amount_paid, currency, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)`,
		inv.ID, inv.LeaseID, inv.AgencyID, inv.AmountDue, inv.Currency, inv.Status, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		t.Fatalf("seed invoice: %v", err)
	}
	return inv
}

type TransactionOpt func(*domain.Transaction)

func WithStatus(status domain.TransactionStatus) TransactionOpt {
	return func(txn *domain.Transaction) { txn.Status = status }
}

func WithExternalRef(ref string) TransactionOpt {
	return func(txn *domain.Transaction) { txn.ExternalRef = &ref }
}

func WithInvoice(inv *domain.Invoice) TransactionOpt {
	return func(txn *domain.Transaction) {
		txn.InvoiceID = &inv.ID
		txn.LeaseID = &inv.LeaseID
	}
}

func WithCreatedAt(at time.Time) TransactionOpt {
	return func(txn *domain.Transaction) {
		txn.CreatedAt = at
		txn.UpdatedAt = at
	}
}

func SeedTransaction(t *testing.T, db *sql.DB, provider domain.Provider, amount int64, opts ...TransactionOpt) *domain.Transaction {
	t.Helper()

	now := time.Now().UTC()
	txn := &domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: uuid.NewString(),
		Provider:       provider,
		Direction:      domain.DirectionCollection,
		Amount:         amount,
		Currency:       "KES",
		Status:         domain.StatusPending,
		AgencyID:       TestAgencyID,
		Destination:    "254700000000",
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, opt := range opts {
		opt(txn)
	}

	_, err := db.Exec(
		`INSERT INTO transactions
		   (id, idempotency_key, provider, external_ref, direction, amount, currency, status,
		    lease_id, invoice_id, agency_id, destination, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		txn.ID, txn.IdempotencyKey, txn.Provider, txn.ExternalRef, txn.Direction, txn.Amount,
		txn.Currency, txn.Status, txn.LeaseID, txn.InvoiceID, txn.AgencyID, txn.Destination,
		txn.Version, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return txn
}

func CountPayments(t *testing.T, db *sql.DB, transactionID uuid.UUID) int {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM payments WHERE transaction_id = $1`, transactionID).Scan(&count)
	if err != nil {
		t.Fatalf("count payments for transaction %s: %v", transactionID, err)
	}
	return count
}

func GetInvoiceTotals(t *testing.T, db *sql.DB, invoiceID uuid.UUID) (int64, string) {
	t.Helper()

	var amountPaid int64
	var status string
	err := db.QueryRow(`SELECT amount_paid, status FROM invoices WHERE id = $1`, invoiceID).Scan(&amountPaid, &status)
	if err != nil {
		t.Fatalf("get invoice totals %s: %v", invoiceID, err)
	}
	return amountPaid, status
}
