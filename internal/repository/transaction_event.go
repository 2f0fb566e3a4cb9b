package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/kejapay/kejapay/internal/domain"
)

const transactionEventColumns = `id, transaction_id, event_type, actor, payload, created_at`

type TransactionEventRepository struct {
	db *sql.DB
}

func NewTransactionEventRepository(db *sql.DB) *TransactionEventRepository {
	return &TransactionEventRepository{db: db}
}

func (r *TransactionEventRepository) Create(ctx context.Context, tx *sql.Tx, event *domain.TransactionEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transaction_events (id, transaction_id, event_type, actor, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.TransactionID, event.EventType, event.Actor,
		nullableJSON(event.Payload), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *TransactionEventRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) ([]domain.TransactionEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionEventColumns+` FROM transaction_events
		WHERE transaction_id = $1 ORDER BY created_at`, transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("GetByTransactionID: %w", err)
	}
	defer rows.Close()

	var events []domain.TransactionEvent
	for rows.Next() {
		e, err := scanTransactionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("GetByTransactionID: scan: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetByTransactionID: rows: %w", err)
	}
	return events, nil
}

func scanTransactionEvent(s scanner) (*domain.TransactionEvent, error) {
	var e domain.TransactionEvent
	var payload *[]byte
	err := s.Scan(
		&e.ID, &e.TransactionID, &e.EventType, &e.Actor,
		&payload, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		e.Payload = *payload
	}
	return &e, nil
}
