package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kejapay/kejapay/internal/domain"
)

const paymentColumns = `id, transaction_id, lease_id, invoice_id, agency_id,
	amount, currency, method, reference_number, paid_at`

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO payments (
			id, transaction_id, lease_id, invoice_id, agency_id,
			amount, currency, method, reference_number, paid_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		payment.ID, payment.TransactionID, payment.LeaseID, payment.InvoiceID, payment.AgencyID,
		payment.Amount, payment.Currency, payment.Method, payment.ReferenceNumber, payment.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1`, transactionID,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByTransactionID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByTransactionID: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) GetByInvoiceID(ctx context.Context, invoiceID uuid.UUID) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		WHERE invoice_id = $1 ORDER BY paid_at`, invoiceID,
	)
	if err != nil {
		return nil, fmt.Errorf("GetByInvoiceID: %w", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("GetByInvoiceID: scan: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetByInvoiceID: rows: %w", err)
	}
	return payments, nil
}

// SumForInvoice computes the invoice's cumulative paid amount from the payment
// rows themselves, inside tx, so replays and corrections stay consistent.
func (r *PaymentRepository) SumForInvoice(ctx context.Context, tx *sql.Tx, invoiceID uuid.UUID) (int64, error) {
	var total int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM payments WHERE invoice_id = $1`, invoiceID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("SumForInvoice: %w", err)
	}
	return total, nil
}

func (r *PaymentRepository) SetLease(ctx context.Context, tx *sql.Tx, transactionID, leaseID uuid.UUID) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE payments SET lease_id = $1 WHERE transaction_id = $2`,
		leaseID, transactionID,
	)
	if err != nil {
		return fmt.Errorf("SetLease: %w", err)
	}
	return nil
}

func scanPayment(s scanner) (*domain.Payment, error) {
	var p domain.Payment
	var leaseID, invoiceID uuid.NullUUID

	err := s.Scan(
		&p.ID, &p.TransactionID, &leaseID, &invoiceID, &p.AgencyID,
		&p.Amount, &p.Currency, &p.Method, &p.ReferenceNumber, &p.PaidAt,
	)
	if err != nil {
		return nil, err
	}

	if leaseID.Valid {
		p.LeaseID = &leaseID.UUID
	}
	if invoiceID.Valid {
		p.InvoiceID = &invoiceID.UUID
	}

	return &p, nil
}
