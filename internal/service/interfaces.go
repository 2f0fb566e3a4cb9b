package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kejapay/kejapay/internal/domain"
	"github.com/kejapay/kejapay/internal/events"
	"github.com/kejapay/kejapay/internal/provider"
)

type transactionRepository interface {
	Create(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	GetByProviderRef(ctx context.Context, p domain.Provider, externalRef string) (*domain.Transaction, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Transaction, error)
	MarkAccepted(ctx context.Context, tx *sql.Tx, id uuid.UUID, externalRef string) error
	Transition(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to domain.TransactionStatus, failureReason *string, flagged bool, completedAt *time.Time) error
	SetRawCallback(ctx context.Context, tx *sql.Tx, id uuid.UUID, raw json.RawMessage) error
	LinkLease(ctx context.Context, tx *sql.Tx, id, leaseID uuid.UUID) error
	SweepCandidates(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	RecordSweepAttempt(ctx context.Context, id uuid.UUID, markStale bool) error
}

type paymentRepository interface {
	Create(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error
	GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Payment, error)
	SumForInvoice(ctx context.Context, tx *sql.Tx, invoiceID uuid.UUID) (int64, error)
	SetLease(ctx context.Context, tx *sql.Tx, transactionID, leaseID uuid.UUID) error
}

type invoiceRepository interface {
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Invoice, error)
	UpdateTotals(ctx context.Context, tx *sql.Tx, id uuid.UUID, amountPaid int64, status domain.InvoiceStatus) error
}

type transactionEventRepository interface {
	Create(ctx context.Context, tx *sql.Tx, event *domain.TransactionEvent) error
}

type adapterRegistry interface {
	Get(p domain.Provider) (provider.Adapter, error)
}

type settlementPublisher interface {
	Publish(ctx context.Context, event events.SettlementEvent) error
}
