package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kejapay/kejapay/internal/domain"
	"github.com/kejapay/kejapay/internal/events"
	"github.com/kejapay/kejapay/internal/logging"
	"github.com/kejapay/kejapay/internal/provider"
	"github.com/kejapay/kejapay/internal/repository"
)

// Processor is the single entry point for provider verdicts, whether they
// arrive as webhooks or are discovered by the reconciliation sweep. All ledger
// mutations for a transaction happen here, serialized on the row lock.
type Processor struct {
	transactions transactionRepository
	payments     paymentRepository
	invoices     invoiceRepository
	events       transactionEventRepository
	adapters     adapterRegistry
	publisher    settlementPublisher
	db           *sql.DB
}

func NewProcessor(
	transactions transactionRepository,
	payments paymentRepository,
	invoices invoiceRepository,
	eventsRepo transactionEventRepository,
	adapters adapterRegistry,
	publisher settlementPublisher,
	db *sql.DB,
) *Processor {
	return &Processor{
		transactions: transactions,
		payments:     payments,
		invoices:     invoices,
		events:       eventsRepo,
		adapters:     adapters,
		publisher:    publisher,
		db:           db,
	}
}

type verdict struct {
	outcome provider.Outcome
	amount  int64
	receipt string
	reason  string
}

type applyResult struct {
	duplicate bool
	mismatch  bool
	settled   []events.SettlementEvent
}

// HandleCallback processes one inbound webhook. isDuplicate reports that the
// transaction was already terminal and nothing changed. Errors are for the
// caller's logging; webhook handlers still acknowledge the provider.
func (p *Processor) HandleCallback(ctx context.Context, providerName domain.Provider, raw []byte) (bool, error) {
	log := logging.FromContext(ctx)

	adapter, err := p.adapters.Get(providerName)
	if err != nil {
		return false, fmt.Errorf("HandleCallback: %w", err)
	}

	cb, err := adapter.ParseCallback(raw)
	if err != nil {
		return false, fmt.Errorf("HandleCallback: %w", err)
	}

	txn, err := p.transactions.GetByProviderRef(ctx, providerName, cb.ExternalRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, fmt.Errorf("HandleCallback: %s %s: %w", providerName, cb.ExternalRef, domain.ErrUnknownTransaction)
		}
		return false, fmt.Errorf("HandleCallback: %w", err)
	}

	res, err := p.applyVerdict(ctx, txn.ID, verdict{
		outcome: cb.Outcome,
		amount:  cb.Amount,
		receipt: cb.Receipt,
		reason:  cb.Reason,
	}, raw, "callback")
	if err != nil {
		return false, fmt.Errorf("HandleCallback: %w", err)
	}

	if res.duplicate {
		log.Debug("duplicate callback, no-op",
			"provider", providerName,
			"external_ref", cb.ExternalRef,
			"transaction_id", txn.ID,
		)
		return true, nil
	}

	if res.mismatch {
		return false, fmt.Errorf("HandleCallback: transaction %s: %w", txn.ID, domain.ErrAmountMismatch)
	}

	p.publishSettled(ctx, res.settled)
	return false, nil
}

// applyVerdict is the one transition-and-settle codepath shared by callbacks
// and the sweep. It re-reads the row under FOR UPDATE so two near-simultaneous
// verdicts for the same external_ref serialize: the second sees a terminal row
// and becomes a no-op.
func (p *Processor) applyVerdict(ctx context.Context, id uuid.UUID, v verdict, raw json.RawMessage, actor string) (applyResult, error) {
	var res applyResult
	err := repository.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		txn, err := p.transactions.GetForUpdate(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("applyVerdict: %w", err)
		}

		if len(raw) > 0 {
			if err := p.transactions.SetRawCallback(ctx, tx, txn.ID, raw); err != nil {
				return fmt.Errorf("applyVerdict: %w", err)
			}
		}

		if txn.Status.IsTerminal() {
			res.duplicate = true
			return nil
		}

		switch v.outcome {
		case provider.OutcomePending:
			// provider has no verdict yet; leave the row for the sweep
			return nil
		case provider.OutcomeFailed:
			return p.fail(ctx, tx, txn, v.reason, false, actor)
		case provider.OutcomeSuccess:
			if v.amount != 0 && v.amount != txn.Amount {
				res.mismatch = true
				reason := fmt.Sprintf("amount mismatch: expected %d, provider reported %d", txn.Amount, v.amount)
				return p.fail(ctx, tx, txn, reason, true, actor)
			}
			settled, err := p.succeed(ctx, tx, txn, v.receipt, actor)
			if err != nil {
				return err
			}
			res.settled = settled
			return nil
		default:
			return fmt.Errorf("applyVerdict: outcome %q: %w", v.outcome, domain.ErrInvalidCallback)
		}
	})
	if err != nil {
		return applyResult{}, err
	}
	return res, nil
}

func (p *Processor) fail(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, reason string, flagged bool, actor string) error {
	now := time.Now().UTC()

	var failureReason *string
	if reason != "" {
		failureReason = &reason
	}

	if err := p.transactions.Transition(ctx, tx, txn.ID, txn.Status, domain.StatusFailed, failureReason, flagged, &now); err != nil {
		return fmt.Errorf("fail: %w", err)
	}

	eventType := domain.TransactionEventTypeFailed
	if flagged {
		eventType = domain.TransactionEventTypeFlagged
	}
	if err := p.writeEvent(ctx, tx, txn.ID, eventType, actor, reason, now); err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	return nil
}

// succeed transitions the row to SUCCESS and settles it in the same database
// transaction, so a crash can never leave a SUCCESS transaction without its
// payment. A reversal's success also flips the original row to REVERSED here.
func (p *Processor) succeed(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, receipt, actor string) ([]events.SettlementEvent, error) {
	now := time.Now().UTC()

	if err := p.transactions.Transition(ctx, tx, txn.ID, txn.Status, domain.StatusSuccess, nil, false, &now); err != nil {
		return nil, fmt.Errorf("succeed: %w", err)
	}

	payment, err := p.settle(ctx, tx, txn, receipt, now)
	if err != nil {
		return nil, fmt.Errorf("succeed: %w", err)
	}

	if err := p.writeEvent(ctx, tx, txn.ID, domain.TransactionEventTypeSucceeded, actor, receipt, now); err != nil {
		return nil, fmt.Errorf("succeed: %w", err)
	}

	eventType := events.TypeSettled
	if txn.Direction == domain.DirectionReversal {
		eventType = events.TypeReversed

		if txn.OriginalTransactionID == nil {
			return nil, fmt.Errorf("succeed: reversal %s has no original transaction", txn.ID)
		}
		original, err := p.transactions.GetForUpdate(ctx, tx, *txn.OriginalTransactionID)
		if err != nil {
			return nil, fmt.Errorf("succeed: %w", err)
		}
		if original.Status == domain.StatusSuccess {
			if err := p.transactions.Transition(ctx, tx, original.ID, domain.StatusSuccess, domain.StatusReversed, nil, false, original.CompletedAt); err != nil {
				return nil, fmt.Errorf("succeed: mark original reversed: %w", err)
			}
			if err := p.writeEvent(ctx, tx, original.ID, domain.TransactionEventTypeReversed, actor, txn.ID.String(), now); err != nil {
				return nil, fmt.Errorf("succeed: %w", err)
			}
		}
	}

	return []events.SettlementEvent{{
		Type:          eventType,
		TransactionID: txn.ID,
		PaymentID:     payment.ID,
		LeaseID:       payment.LeaseID,
		InvoiceID:     payment.InvoiceID,
		AgencyID:      payment.AgencyID,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		OccurredAt:    now,
	}}, nil
}

func (p *Processor) writeEvent(ctx context.Context, tx *sql.Tx, txnID uuid.UUID, eventType domain.TransactionEventType, actor, detail string, now time.Time) error {
	var payload json.RawMessage
	if detail != "" {
		payload, _ = json.Marshal(map[string]string{"detail": detail})
	}
	event := &domain.TransactionEvent{
		ID:            uuid.New(),
		TransactionID: txnID,
		EventType:     eventType,
		Actor:         actor,
		Payload:       payload,
		CreatedAt:     now,
	}
	if err := p.events.Create(ctx, tx, event); err != nil {
		return fmt.Errorf("writeEvent: %w", err)
	}
	return nil
}

func (p *Processor) publishSettled(ctx context.Context, settled []events.SettlementEvent) {
	if p.publisher == nil {
		return
	}
	log := logging.FromContext(ctx)
	for _, event := range settled {
		if err := p.publisher.Publish(ctx, event); err != nil {
			log.Warn("failed to publish settlement event",
				"transaction_id", event.TransactionID,
				"type", event.Type,
				"error", err,
			)
		}
	}
}
