package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kejapay/kejapay/internal/domain"
	"github.com/kejapay/kejapay/internal/repository"
)

// settle creates the payment record for a transaction that just reached
// SUCCESS and recomputes the linked invoice, all inside the caller's database
// transaction. Reversals settle as a negative amount against the same invoice.
func (p *Processor) settle(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, receipt string, now time.Time) (*domain.Payment, error) {
	amount := txn.Amount
	if txn.Direction == domain.DirectionReversal {
		amount = -txn.Amount
	}

	if receipt == "" {
		// provider gave no receipt; fall back to the correlation id
		if txn.ExternalRef != nil {
			receipt = *txn.ExternalRef
		} else {
			receipt = txn.ID.String()
		}
	}

	payment := &domain.Payment{
		ID:              uuid.New(),
		TransactionID:   txn.ID,
		LeaseID:         txn.LeaseID,
		InvoiceID:       txn.InvoiceID,
		AgencyID:        txn.AgencyID,
		Amount:          amount,
		Currency:        txn.Currency,
		Method:          string(txn.Provider),
		ReferenceNumber: receipt,
		PaidAt:          now,
	}

	if err := p.payments.Create(ctx, tx, payment); err != nil {
		return nil, fmt.Errorf("settle: create payment: %w", err)
	}

	if txn.InvoiceID != nil {
		if err := p.recomputeInvoice(ctx, tx, *txn.InvoiceID); err != nil {
			return nil, fmt.Errorf("settle: %w", err)
		}
	}

	return payment, nil
}

// recomputeInvoice derives the invoice's paid total from the payment rows
// rather than incrementing, so replays and corrections converge.
func (p *Processor) recomputeInvoice(ctx context.Context, tx *sql.Tx, invoiceID uuid.UUID) error {
	invoice, err := p.invoices.GetForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return fmt.Errorf("recomputeInvoice: %w", err)
	}

	total, err := p.payments.SumForInvoice(ctx, tx, invoiceID)
	if err != nil {
		return fmt.Errorf("recomputeInvoice: %w", err)
	}

	status := domain.StatusForPaid(invoice.AmountDue, total)
	if err := p.invoices.UpdateTotals(ctx, tx, invoiceID, total, status); err != nil {
		return fmt.Errorf("recomputeInvoice: %w", err)
	}
	return nil
}

// LinkToLease attaches a settled payment to a lease after the fact, for
// collections initiated without a lease context. It is idempotent: relinking
// to the same lease is a no-op, relinking to a different one is rejected.
func (p *Processor) LinkToLease(ctx context.Context, providerName domain.Provider, externalRef string, leaseID uuid.UUID) (*domain.Transaction, error) {
	txn, err := p.transactions.GetByProviderRef(ctx, providerName, externalRef)
	if err != nil {
		return nil, fmt.Errorf("LinkToLease: %w", err)
	}

	if txn.Status != domain.StatusSuccess {
		return nil, fmt.Errorf("LinkToLease: transaction %s is %s: %w", txn.ID, txn.Status, domain.ErrNotSuccessful)
	}

	if txn.LeaseID != nil {
		if *txn.LeaseID == leaseID {
			return txn, nil
		}
		return nil, fmt.Errorf("LinkToLease: transaction %s: %w", txn.ID, domain.ErrAlreadyLinked)
	}

	err = repository.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		locked, err := p.transactions.GetForUpdate(ctx, tx, txn.ID)
		if err != nil {
			return fmt.Errorf("LinkToLease: %w", err)
		}
		if locked.LeaseID != nil {
			if *locked.LeaseID == leaseID {
				return nil
			}
			return fmt.Errorf("LinkToLease: transaction %s: %w", locked.ID, domain.ErrAlreadyLinked)
		}

		if err := p.transactions.LinkLease(ctx, tx, locked.ID, leaseID); err != nil {
			return fmt.Errorf("LinkToLease: %w", err)
		}
		if err := p.payments.SetLease(ctx, tx, locked.ID, leaseID); err != nil {
			return fmt.Errorf("LinkToLease: %w", err)
		}
		return p.writeEvent(ctx, tx, locked.ID, domain.TransactionEventTypeLinked, "api", leaseID.String(), time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	return p.transactions.GetByID(ctx, txn.ID)
}
