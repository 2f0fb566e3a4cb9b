package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kejapay/kejapay/internal/domain"
)

const transactionColumns = `id, idempotency_key, provider, direction, external_ref,
	amount, currency, status, lease_id, invoice_id, agency_id, original_transaction_id,
	destination, raw_callback, failure_reason, flagged, stale, sweep_attempts, version,
	created_at, updated_at, completed_at`

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (
			id, idempotency_key, provider, direction, external_ref,
			amount, currency, status, lease_id, invoice_id, agency_id, original_transaction_id,
			destination, raw_callback, failure_reason, flagged, stale, sweep_attempts, version,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)`,
		txn.ID, txn.IdempotencyKey, txn.Provider, txn.Direction, txn.ExternalRef,
		txn.Amount, txn.Currency, txn.Status, txn.LeaseID, txn.InvoiceID, txn.AgencyID, txn.OriginalTransactionID,
		txn.Destination, nullableJSON(txn.RawCallback), txn.FailureReason, txn.Flagged, txn.Stale, txn.SweepAttempts, txn.Version,
		txn.CreatedAt, txn.UpdatedAt, txn.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id,
	)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return txn, nil
}

func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key,
	)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByIdempotencyKey: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByIdempotencyKey: %w", err)
	}
	return txn, nil
}

func (r *TransactionRepository) GetByProviderRef(ctx context.Context, provider domain.Provider, externalRef string) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE provider = $1 AND external_ref = $2`,
		provider, externalRef,
	)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByProviderRef: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByProviderRef: %w", err)
	}
	return txn, nil
}

// GetForUpdate locks the row for the duration of tx. Two concurrent callbacks
// for the same external_ref serialize here.
func (r *TransactionRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Transaction, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id,
	)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return txn, nil
}

// MarkAccepted records the provider acknowledgment of an initiation: stores the
// provider correlation id and moves INITIATED to PENDING. The status guard makes
// the update a no-op if a callback already completed the row.
func (r *TransactionRepository) MarkAccepted(ctx context.Context, tx *sql.Tx, id uuid.UUID, externalRef string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE transactions
		SET external_ref = $1, status = $2, version = version + 1, updated_at = now()
		WHERE id = $3 AND status = $4`,
		externalRef, domain.StatusPending, id, domain.StatusInitiated,
	)
	if err != nil {
		return fmt.Errorf("MarkAccepted: %w", err)
	}
	return nil
}

// Transition applies a guarded status change inside tx. Zero rows affected
// means the row moved concurrently; callers treat that as a version conflict.
func (r *TransactionRepository) Transition(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to domain.TransactionStatus, failureReason *string, flagged bool, completedAt *time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE transactions
		SET status = $1, failure_reason = $2, flagged = flagged OR $3, completed_at = $4,
			version = version + 1, updated_at = now()
		WHERE id = $5 AND status = $6`,
		to, failureReason, flagged, completedAt, id, from,
	)
	if err != nil {
		return fmt.Errorf("Transition: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Transition: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("Transition: %w", domain.ErrVersionConflict)
	}
	return nil
}

// SetRawCallback keeps the last received provider payload on the row for audit.
func (r *TransactionRepository) SetRawCallback(ctx context.Context, tx *sql.Tx, id uuid.UUID, raw json.RawMessage) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE transactions SET raw_callback = $1, updated_at = now() WHERE id = $2`,
		nullableJSON(raw), id,
	)
	if err != nil {
		return fmt.Errorf("SetRawCallback: %w", err)
	}
	return nil
}

func (r *TransactionRepository) LinkLease(ctx context.Context, tx *sql.Tx, id, leaseID uuid.UUID) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE transactions SET lease_id = $1, version = version + 1, updated_at = now()
		WHERE id = $2`,
		leaseID, id,
	)
	if err != nil {
		return fmt.Errorf("LinkLease: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("LinkLease: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("LinkLease: %w", domain.ErrNotFound)
	}
	return nil
}

// SweepCandidates returns transactions still awaiting a provider verdict past
// the grace cutoff. SKIP LOCKED keeps multiple sweep instances from claiming
// the same rows.
func (r *TransactionRepository) SweepCandidates(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE status = ANY($1) AND created_at < $2 AND NOT stale
		ORDER BY created_at LIMIT $3 FOR UPDATE SKIP LOCKED`,
		pqStatusArray(domain.StatusInitiated, domain.StatusPending), olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("SweepCandidates: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("SweepCandidates: scan: %w", err)
		}
		txns = append(txns, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SweepCandidates: rows: %w", err)
	}
	return txns, nil
}

func (r *TransactionRepository) RecordSweepAttempt(ctx context.Context, id uuid.UUID, markStale bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE transactions
		SET sweep_attempts = sweep_attempts + 1, stale = stale OR $1, updated_at = now()
		WHERE id = $2`,
		markStale, id,
	)
	if err != nil {
		return fmt.Errorf("RecordSweepAttempt: %w", err)
	}
	return nil
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var txn domain.Transaction
	var leaseID, invoiceID, originalID uuid.NullUUID
	var rawCallback *[]byte

	err := s.Scan(
		&txn.ID, &txn.IdempotencyKey, &txn.Provider, &txn.Direction, &txn.ExternalRef,
		&txn.Amount, &txn.Currency, &txn.Status, &leaseID, &invoiceID, &txn.AgencyID, &originalID,
		&txn.Destination, &rawCallback, &txn.FailureReason, &txn.Flagged, &txn.Stale, &txn.SweepAttempts, &txn.Version,
		&txn.CreatedAt, &txn.UpdatedAt, &txn.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if leaseID.Valid {
		txn.LeaseID = &leaseID.UUID
	}
	if invoiceID.Valid {
		txn.InvoiceID = &invoiceID.UUID
	}
	if originalID.Valid {
		txn.OriginalTransactionID = &originalID.UUID
	}
	if rawCallback != nil {
		txn.RawCallback = *rawCallback
	}

	return &txn, nil
}

func pqStatusArray(statuses ...domain.TransactionStatus) any {
	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}
	return pq.Array(vals)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
