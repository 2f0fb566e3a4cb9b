package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kejapay/kejapay/internal/domain"
	"github.com/kejapay/kejapay/internal/logging"
	"github.com/kejapay/kejapay/internal/provider"
)

// Reverse starts a reversal of a successful transaction. The reversal is a new
// ledger row with its own gateway lifecycle; the original is only marked
// REVERSED once the reversal itself succeeds, preserving the audit trail.
// Calling Reverse twice for the same transaction returns the same reversal row.
func (s *PaymentService) Reverse(ctx context.Context, transactionID uuid.UUID, amount int64, reason string) (*domain.Transaction, error) {
	log := logging.FromContext(ctx)

	original, err := s.transactions.GetByID(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("Reverse: %w", err)
	}

	if original.Status != domain.StatusSuccess {
		return nil, fmt.Errorf("Reverse: transaction %s is %s: %w", original.ID, original.Status, domain.ErrNotReversible)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("Reverse: %w", domain.ErrInvalidAmount)
	}
	if amount > original.Amount {
		return nil, fmt.Errorf("Reverse: %w", domain.ErrReversalExceeds)
	}
	if original.ExternalRef == nil {
		return nil, fmt.Errorf("Reverse: transaction %s has no external ref: %w", original.ID, domain.ErrInvalidRequest)
	}

	// One reversal per original: the derived key makes retries idempotent.
	idempotencyKey := "reversal-" + original.ID.String()
	existing, err := s.transactions.GetByIdempotencyKey(ctx, idempotencyKey)
	if err == nil {
		log.Info("idempotent reversal replay", "transaction_id", existing.ID, "original_transaction_id", original.ID)
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("Reverse: %w", err)
	}

	adapter, err := s.adapters.Get(original.Provider)
	if err != nil {
		return nil, fmt.Errorf("Reverse: %w", err)
	}

	now := time.Now().UTC()
	reversal := &domain.Transaction{
		ID:                    uuid.New(),
		IdempotencyKey:        idempotencyKey,
		Provider:              original.Provider,
		Direction:             domain.DirectionReversal,
		Amount:                amount,
		Currency:              original.Currency,
		Status:                domain.StatusInitiated,
		LeaseID:               original.LeaseID,
		InvoiceID:             original.InvoiceID,
		AgencyID:              original.AgencyID,
		OriginalTransactionID: &original.ID,
		Destination:           original.Destination,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.createInitiated(ctx, reversal); err != nil {
		if isDuplicateKey(err) {
			existing, getErr := s.transactions.GetByIdempotencyKey(ctx, idempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("Reverse: %w", getErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("Reverse: %w", err)
	}

	return s.dispatch(ctx, reversal, func(ctx context.Context) (*provider.InitiateResult, error) {
		return adapter.Reverse(ctx, provider.ReverseRequest{
			ExternalRef:    *original.ExternalRef,
			Amount:         amount,
			Currency:       original.Currency,
			Reason:         reason,
			IdempotencyKey: idempotencyKey,
		})
	})
}
