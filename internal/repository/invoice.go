package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kejapay/kejapay/internal/domain"
)

const invoiceColumns = `id, lease_id, agency_id, amount_due, amount_paid, currency,
	status, created_at, updated_at`

type InvoiceRepository struct {
	db *sql.DB
}

func NewInvoiceRepository(db *sql.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func (r *InvoiceRepository) Create(ctx context.Context, invoice *domain.Invoice) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO invoices (
			id, lease_id, agency_id, amount_due, amount_paid, currency, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		invoice.ID, invoice.LeaseID, invoice.AgencyID, invoice.AmountDue, invoice.AmountPaid,
		invoice.Currency, invoice.Status, invoice.CreatedAt, invoice.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *InvoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id,
	)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return inv, nil
}

func (r *InvoiceRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Invoice, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id,
	)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return inv, nil
}

func (r *InvoiceRepository) UpdateTotals(ctx context.Context, tx *sql.Tx, id uuid.UUID, amountPaid int64, status domain.InvoiceStatus) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE invoices SET amount_paid = $1, status = $2, updated_at = now() WHERE id = $3`,
		amountPaid, status, id,
	)
	if err != nil {
		return fmt.Errorf("UpdateTotals: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateTotals: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("UpdateTotals: %w", domain.ErrNotFound)
	}
	return nil
}

func scanInvoice(s scanner) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := s.Scan(
		&inv.ID, &inv.LeaseID, &inv.AgencyID, &inv.AmountDue, &inv.AmountPaid,
		&inv.Currency, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
