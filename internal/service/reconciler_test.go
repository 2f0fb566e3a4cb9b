package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kejapay/kejapay/internal/domain"
	"github.com/kejapay/kejapay/internal/provider"
	"github.com/kejapay/kejapay/internal/testutil"
)

func newTestReconciler(env *testEnv, maxAttempts int) *Reconciler {
	return NewReconciler(
		env.transactions,
		env.processor,
		provider.NewRegistry(env.adapter),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		time.Minute,
		5*time.Minute,
		maxAttempts,
		50,
	)
}

func sweepAge() time.Time {
	return time.Now().UTC().Add(-time.Hour)
}

func TestSweep_AppliesSuccessVerdict(t *testing.T) {
	env := newTestEnv(t, domain.ProviderBank)
	ctx := context.Background()

	invoice := testutil.SeedInvoice(t, env.db, 50000)
	txn := testutil.SeedTransaction(t, env.db, domain.ProviderBank, 50000,
		testutil.WithExternalRef("tr_sweep"), testutil.WithInvoice(invoice),
		testutil.WithCreatedAt(sweepAge()))

	env.adapter.queryFn = func(_ context.Context, externalRef string) (*provider.QueryResult, error) {
		require.Equal(t, "tr_sweep", externalRef)
		return &provider.QueryResult{Outcome: provider.OutcomeSuccess, Amount: 50000, Receipt: "BNK42"}, nil
	}

	r := newTestReconciler(env, 10)
	r.sweep(ctx)

	got, err := env.transactions.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, got.Status)
	assert.Equal(t, 1, testutil.CountPayments(t, env.db, txn.ID))

	paid, status := testutil.GetInvoiceTotals(t, env.db, invoice.ID)
	assert.Equal(t, int64(50000), paid)
	assert.Equal(t, "paid", status)

	require.Len(t, env.publisher.published, 1)
}

func TestSweep_AppliesFailedVerdict(t *testing.T) {
	env := newTestEnv(t, domain.ProviderBank)
	ctx := context.Background()

	txn := testutil.SeedTransaction(t, env.db, domain.ProviderBank, 20000,
		testutil.WithExternalRef("tr_fail"), testutil.WithCreatedAt(sweepAge()))

	env.adapter.queryFn = func(context.Context, string) (*provider.QueryResult, error) {
		return &provider.QueryResult{Outcome: provider.OutcomeFailed, Reason: "returned"}, nil
	}

	newTestReconciler(env, 10).sweep(ctx)

	got, err := env.transactions.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 0, testutil.CountPayments(t, env.db, txn.ID))
}

func TestSweep_PendingAccumulatesAttemptsUntilStale(t *testing.T) {
	env := newTestEnv(t, domain.ProviderBank)
	ctx := context.Background()

	txn := testutil.SeedTransaction(t, env.db, domain.ProviderBank, 20000,
		testutil.WithExternalRef("tr_slow"), testutil.WithCreatedAt(sweepAge()))

	env.adapter.queryFn = func(context.Context, string) (*provider.QueryResult, error) {
		return &provider.QueryResult{Outcome: provider.OutcomePending}, nil
	}

	r := newTestReconciler(env, 3)
	for range 3 {
		r.sweep(ctx)
	}

	got, err := env.transactions.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status, "never auto-failed on elapsed time")
	assert.Equal(t, 3, got.SweepAttempts)
	assert.True(t, got.Stale)

	// stale rows drop out of subsequent sweeps
	candidates, err := env.transactions.SweepCandidates(ctx, time.Now().UTC(), 50)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestSweep_QueryErrorCountsAttempt(t *testing.T) {
	env := newTestEnv(t, domain.ProviderBank)
	ctx := context.Background()

	txn := testutil.SeedTransaction(t, env.db, domain.ProviderBank, 20000,
		testutil.WithExternalRef("tr_err"), testutil.WithCreatedAt(sweepAge()))

	env.adapter.queryFn = func(context.Context, string) (*provider.QueryResult, error) {
		return nil, errors.New("gateway unreachable")
	}

	newTestReconciler(env, 10).sweep(ctx)

	got, err := env.transactions.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.SweepAttempts)
	assert.False(t, got.Stale)
}

func TestSweep_NoExternalRefOnlyCountsAttempts(t *testing.T) {
	// Initiation never returned, so there is nothing to query; the row just
	// accumulates attempts until an operator looks at it.
	env := newTestEnv(t, domain.ProviderBank)
	ctx := context.Background()

	txn := testutil.SeedTransaction(t, env.db, domain.ProviderBank, 20000,
		testutil.WithStatus(domain.StatusInitiated), testutil.WithCreatedAt(sweepAge()))

	env.adapter.queryFn = func(context.Context, string) (*provider.QueryResult, error) {
		t.Fatal("QueryStatus must not be called without an external ref")
		return nil, nil
	}

	newTestReconciler(env, 10).sweep(ctx)

	got, err := env.transactions.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitiated, got.Status)
	assert.Equal(t, 1, got.SweepAttempts)
}

func TestSweep_SkipsFreshRows(t *testing.T) {
	env := newTestEnv(t, domain.ProviderBank)
	ctx := context.Background()

	txn := testutil.SeedTransaction(t, env.db, domain.ProviderBank, 20000,
		testutil.WithExternalRef("tr_fresh"))

	env.adapter.queryFn = func(context.Context, string) (*provider.QueryResult, error) {
		t.Fatal("fresh rows inside the grace period must not be queried")
		return nil, nil
	}

	newTestReconciler(env, 10).sweep(ctx)

	got, err := env.transactions.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Zero(t, got.SweepAttempts)
}
