package service

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
	"github.com/kejapay/kejapay/internal/logging"
	"github.com/kejapay/kejapay/internal/provider"
	"github.com/kejapay/kejapay/internal/repository"
)

// PaymentService owns the outbound half of the lifecycle: initiating
// collections/disbursements and reversals through the gateway adapters.
type PaymentService struct {
	transactions transactionRepository
	events       transactionEventRepository
	adapters     adapterRegistry
	db           *sql.DB
}

func NewPaymentService(
	transactions transactionRepository,
	eventsRepo transactionEventRepository,
	adapters adapterRegistry,
	db *sql.DB,
) *PaymentService {
	return &PaymentService{
		transactions: transactions,
		events:       eventsRepo,
		adapters:     adapters,
		db:           db,
	}
}

type InitiateRequest struct {
	AgencyID       uuid.UUID
	LeaseID        *uuid.UUID
	InvoiceID      *uuid.UUID
	Provider       domain.Provider
	Direction      domain.Direction
	Amount         int64
	Currency       string
	Destination    string
	Reference      string
	IdempotencyKey string
}

// Initiate creates the ledger row before any network traffic, so a crash
// mid-call still leaves an auditable trace, then submits to the gateway. A
// transport timeout leaves the row INITIATED for the reconciliation sweep: the
// provider may have accepted the request despite the dropped response.
func (s *PaymentService) Initiate(ctx context.Context, req InitiateRequest) (*domain.Transaction, error) {
	log := logging.FromContext(ctx)

	if err := validateInitiate(req); err != nil {
		return nil, fmt.Errorf("Initiate: %w", err)
	}

	adapter, err := s.adapters.Get(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("Initiate: %w", err)
	}

	existing, err := s.checkIdempotency(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Initiate: %w", err)
	}
	if existing != nil {
		log.Info("idempotent replay", "transaction_id", existing.ID, "idempotency_key", req.IdempotencyKey)
		return existing, nil
	}

	now := time.Now().UTC()
	txn := &domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: req.IdempotencyKey,
		Provider:       req.Provider,
		Direction:      req.Direction,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         domain.StatusInitiated,
		LeaseID:        req.LeaseID,
		InvoiceID:      req.InvoiceID,
		AgencyID:       req.AgencyID,
		Destination:    req.Destination,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.createInitiated(ctx, txn); err != nil {
		if isDuplicateKey(err) {
			existing, idempErr := s.checkIdempotency(ctx, req)
			if idempErr != nil {
				return nil, fmt.Errorf("Initiate: %w", idempErr)
			}
			if existing != nil {
				log.Info("idempotent replay (race)", "transaction_id", existing.ID, "idempotency_key", req.IdempotencyKey)
				return existing, nil
			}
			return nil, fmt.Errorf("Initiate: %w", domain.ErrDuplicateInitiation)
		}
		return nil, fmt.Errorf("Initiate: %w", err)
	}

	return s.dispatch(ctx, txn, func(ctx context.Context) (*provider.InitiateResult, error) {
		return adapter.Initiate(ctx, provider.InitiateRequest{
			TransactionID:  txn.ID,
			Amount:         req.Amount,
			Currency:       req.Currency,
			Destination:    req.Destination,
			Reference:      req.Reference,
			IdempotencyKey: req.IdempotencyKey,
		})
	})
}

func (s *PaymentService) GetTransaction(ctx context.Context, providerName domain.Provider, externalRef string) (*domain.Transaction, error) {
	txn, err := s.transactions.GetByProviderRef(ctx, providerName, externalRef)
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return txn, nil
}

func (s *PaymentService) GetTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	txn, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetTransactionByID: %w", err)
	}
	return txn, nil
}

func validateInitiate(req InitiateRequest) error {
	if !req.Provider.IsValid() {
		return domain.ErrInvalidProvider
	}
	if !req.Direction.IsValid() || req.Direction == domain.DirectionReversal {
		// reversals go through Reverse, never Initiate
		return domain.ErrInvalidDirection
	}
	if req.Amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if req.Destination == "" || req.Currency == "" || req.IdempotencyKey == "" {
		return domain.ErrInvalidRequest
	}
	return nil
}

func (s *PaymentService) checkIdempotency(ctx context.Context, req InitiateRequest) (*domain.Transaction, error) {
	existing, err := s.transactions.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkIdempotency: %w", err)
	}

	if existing.AgencyID == req.AgencyID &&
		existing.Provider == req.Provider &&
		existing.Direction == req.Direction &&
		existing.Amount == req.Amount &&
		existing.Currency == req.Currency {
		return existing, nil
	}

	return nil, fmt.Errorf("checkIdempotency: %w", domain.ErrDuplicateInitiation)
}

func (s *PaymentService) createInitiated(ctx context.Context, txn *domain.Transaction) error {
	return repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.transactions.Create(ctx, tx, txn); err != nil {
			return err
		}
		return s.writeServiceEvent(ctx, tx, txn.ID, domain.TransactionEventTypeInitiated, "", txn.CreatedAt)
	})
}

// dispatch runs the outbound gateway call for a freshly created INITIATED row
// and records the outcome: PENDING on ack, FAILED on synchronous rejection,
// unchanged on transport error.
func (s *PaymentService) dispatch(ctx context.Context, txn *domain.Transaction, call func(context.Context) (*provider.InitiateResult, error)) (*domain.Transaction, error) {
	log := logging.FromContext(ctx)

	result, err := call(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrProviderRejected) {
			reason := err.Error()
			if markErr := s.markRejected(ctx, txn, reason); markErr != nil {
				return nil, fmt.Errorf("dispatch: %w", markErr)
			}
			failed, getErr := s.transactions.GetByID(ctx, txn.ID)
			if getErr != nil {
				return nil, fmt.Errorf("dispatch: %w", getErr)
			}
			return failed, fmt.Errorf("dispatch: %w", err)
		}

		// Timeouts and transport errors leave the row INITIATED: the provider
		// may have accepted the request, so the sweep decides later.
		log.Warn("gateway call failed, transaction stays initiated",
			"transaction_id", txn.ID,
			"provider", txn.Provider,
			"error", err,
		)
		return txn, nil
	}

	err = repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.transactions.MarkAccepted(ctx, tx, txn.ID, result.ExternalRef); err != nil {
			return err
		}
		return s.writeServiceEvent(ctx, tx, txn.ID, domain.TransactionEventTypeAccepted, result.ExternalRef, time.Now().UTC())
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	accepted, err := s.transactions.GetByID(ctx, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	log.Info("transaction accepted by gateway",
		"transaction_id", accepted.ID,
		"provider", accepted.Provider,
		"external_ref", result.ExternalRef,
	)
	return accepted, nil
}

func (s *PaymentService) markRejected(ctx context.Context, txn *domain.Transaction, reason string) error {
	return repository.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		locked, err := s.transactions.GetForUpdate(ctx, tx, txn.ID)
		if err != nil {
			return fmt.Errorf("markRejected: %w", err)
		}
		if locked.Status.IsTerminal() {
			return nil
		}

		now := time.Now().UTC()
		if err := s.transactions.Transition(ctx, tx, locked.ID, locked.Status, domain.StatusFailed, &reason, false, &now); err != nil {
			return fmt.Errorf("markRejected: %w", err)
		}
		return s.writeServiceEvent(ctx, tx, locked.ID, domain.TransactionEventTypeFailed, reason, now)
	})
}

func (s *PaymentService) writeServiceEvent(ctx context.Context, tx *sql.Tx, txnID uuid.UUID, eventType domain.TransactionEventType, detail string, now time.Time) error {
	event := &domain.TransactionEvent{
		ID:            uuid.New(),
		TransactionID: txnID,
		EventType:     eventType,
		Actor:         "api",
		CreatedAt:     now,
	}
	if detail != "" {
		event.Payload = mustJSON(map[string]string{"detail": detail})
	}
	if err := s.events.Create(ctx, tx, event); err != nil {
		return fmt.Errorf("writeServiceEvent: %w", err)
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
