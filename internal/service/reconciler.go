package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kejapay/kejapay/internal/domain"
	"github.com/kejapay/kejapay/internal/provider"
)

// Reconciler is the periodic fallback for lost or delayed webhooks: it asks
// each gateway for the authoritative status of rows stuck awaiting a verdict
// and feeds the answers through the processor's single transition codepath.
type Reconciler struct {
	transactions transactionRepository
	processor    *Processor
	adapters     adapterRegistry
	logger       *slog.Logger
	interval     time.Duration
	gracePeriod  time.Duration
	maxAttempts  int
	batchSize    int
}

func NewReconciler(
	transactions transactionRepository,
	processor *Processor,
	adapters adapterRegistry,
	logger *slog.Logger,
	interval, gracePeriod time.Duration,
	maxAttempts, batchSize int,
) *Reconciler {
	return &Reconciler{
		transactions: transactions,
		processor:    processor,
		adapters:     adapters,
		logger:       logger,
		interval:     interval,
		gracePeriod:  gracePeriod,
		maxAttempts:  maxAttempts,
		batchSize:    batchSize,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("reconciler started", "interval", r.interval, "grace_period", r.gracePeriod)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.gracePeriod)

	candidates, err := r.transactions.SweepCandidates(ctx, cutoff, r.batchSize)
	if err != nil {
		r.logger.Error("failed to fetch sweep candidates", "error", err)
		return
	}

	for _, txn := range candidates {
		if err := r.reconcile(ctx, txn); err != nil {
			r.logger.Error("failed to reconcile transaction",
				"transaction_id", txn.ID,
				"provider", txn.Provider,
				"error", err,
			)
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, txn domain.Transaction) error {
	// Rows without an external ref (initiation call never returned) cannot be
	// queried; they just accumulate attempts until flagged stale.
	if txn.ExternalRef == nil {
		return r.recordAttempt(ctx, txn)
	}

	adapter, err := r.adapters.Get(txn.Provider)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	// Status query runs lock-free; the row is only locked once we have a
	// verdict to apply.
	result, err := adapter.QueryStatus(ctx, *txn.ExternalRef)
	if err != nil {
		if attemptErr := r.recordAttempt(ctx, txn); attemptErr != nil {
			return fmt.Errorf("reconcile: %w", attemptErr)
		}
		return fmt.Errorf("reconcile: query status: %w", err)
	}

	if result.Outcome == "" || result.Outcome == provider.OutcomePending {
		return r.recordAttempt(ctx, txn)
	}

	res, err := r.processor.applyVerdict(ctx, txn.ID, verdict{
		outcome: result.Outcome,
		amount:  result.Amount,
		receipt: result.Receipt,
		reason:  result.Reason,
	}, nil, "reconciler")
	if err != nil {
		// another instance may have applied a verdict first
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil
		}
		return fmt.Errorf("reconcile: %w", err)
	}

	if res.duplicate {
		return nil
	}
	if res.mismatch {
		r.logger.Warn("sweep found amount mismatch, transaction flagged",
			"transaction_id", txn.ID,
			"provider", txn.Provider,
		)
		return nil
	}

	r.processor.publishSettled(ctx, res.settled)
	r.logger.Info("transaction reconciled via status query",
		"transaction_id", txn.ID,
		"provider", txn.Provider,
	)
	return nil
}

// recordAttempt counts a fruitless sweep pass; rows exceeding maxAttempts are
// flagged stale for operators but never auto-failed on elapsed time alone.
func (r *Reconciler) recordAttempt(ctx context.Context, txn domain.Transaction) error {
	markStale := txn.SweepAttempts+1 >= r.maxAttempts
	if err := r.transactions.RecordSweepAttempt(ctx, txn.ID, markStale); err != nil {
		return fmt.Errorf("recordAttempt: %w", err)
	}
	if markStale && !txn.Stale {
		r.logger.Warn("transaction marked stale after repeated sweeps",
			"transaction_id", txn.ID,
			"provider", txn.Provider,
			"sweep_attempts", txn.SweepAttempts+1,
		)
	}
	return nil
}
