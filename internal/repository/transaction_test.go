package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kejapay/kejapay/internal/domain"
	"github.com/kejapay/kejapay/internal/testutil"
)

func newTransaction(provider domain.Provider, externalRef string) *domain.Transaction {
	now := time.Now().UTC()
	txn := &domain.Transaction{
		ID:             uuid.New(),
		IdempotencyKey: uuid.NewString(),
		Provider:       provider,
		Direction:      domain.DirectionCollection,
		Amount:         50000,
		Currency:       "KES",
		Status:         domain.StatusPending,
		AgencyID:       testutil.TestAgencyID,
		Destination:    "254700000001",
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if externalRef != "" {
		txn.ExternalRef = &externalRef
	}
	return txn
}

func createTransaction(t *testing.T, db *sql.DB, repo *TransactionRepository, txn *domain.Transaction) error {
	t.Helper()
	return WithTx(context.Background(), db, func(tx *sql.Tx) error {
		return repo.Create(context.Background(), tx, txn)
	})
}

func TestTransactionRepository_ProviderRefUnique(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewTransactionRepository(db)

	require.NoError(t, createTransaction(t, db, repo, newTransaction(domain.ProviderMpesa, "ws_CO_1")))

	// same ref on the same provider collides
	err := createTransaction(t, db, repo, newTransaction(domain.ProviderMpesa, "ws_CO_1"))
	require.Error(t, err)
	var pqErr *pq.Error
	require.ErrorAs(t, err, &pqErr)
	assert.Equal(t, pq.ErrorCode("23505"), pqErr.Code)

	// same ref on a different provider is fine
	require.NoError(t, createTransaction(t, db, repo, newTransaction(domain.ProviderBank, "ws_CO_1")))

	// multiple rows without a ref are fine
	require.NoError(t, createTransaction(t, db, repo, newTransaction(domain.ProviderMpesa, "")))
	require.NoError(t, createTransaction(t, db, repo, newTransaction(domain.ProviderMpesa, "")))
}

func TestTransactionRepository_TransitionGuard(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	txn := newTransaction(domain.ProviderMpesa, "ws_CO_2")
	require.NoError(t, createTransaction(t, db, repo, txn))

	now := time.Now().UTC()
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		return repo.Transition(ctx, tx, txn.ID, domain.StatusPending, domain.StatusSuccess, nil, false, &now)
	})
	require.NoError(t, err)

	// the row already moved; a second transition from PENDING hits zero rows
	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		return repo.Transition(ctx, tx, txn.ID, domain.StatusPending, domain.StatusFailed, nil, false, &now)
	})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := repo.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestTransactionRepository_MarkAcceptedOnlyFromInitiated(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	txn := newTransaction(domain.ProviderMpesa, "")
	txn.Status = domain.StatusInitiated
	require.NoError(t, createTransaction(t, db, repo, txn))

	// a callback completed the row before the initiation response landed
	now := time.Now().UTC()
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		return repo.Transition(ctx, tx, txn.ID, domain.StatusInitiated, domain.StatusFailed, nil, false, &now)
	})
	require.NoError(t, err)

	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		return repo.MarkAccepted(ctx, tx, txn.ID, "late-ref")
	})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status, "terminal row must not regress to pending")
	assert.Nil(t, got.ExternalRef)
}

func TestTransactionRepository_GetByProviderRef(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	txn := newTransaction(domain.ProviderCard, "ch_55")
	require.NoError(t, createTransaction(t, db, repo, txn))

	got, err := repo.GetByProviderRef(ctx, domain.ProviderCard, "ch_55")
	require.NoError(t, err)
	assert.Equal(t, txn.ID, got.ID)

	_, err = repo.GetByProviderRef(ctx, domain.ProviderBank, "ch_55")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransactionRepository_SweepCandidates(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)

	pending := newTransaction(domain.ProviderBank, "tr_old")
	pending.CreatedAt = old
	require.NoError(t, createTransaction(t, db, repo, pending))

	initiated := newTransaction(domain.ProviderBank, "")
	initiated.Status = domain.StatusInitiated
	initiated.CreatedAt = old
	require.NoError(t, createTransaction(t, db, repo, initiated))

	fresh := newTransaction(domain.ProviderBank, "tr_fresh")
	require.NoError(t, createTransaction(t, db, repo, fresh))

	done := newTransaction(domain.ProviderBank, "tr_done")
	done.Status = domain.StatusSuccess
	done.CreatedAt = old
	require.NoError(t, createTransaction(t, db, repo, done))

	candidates, err := repo.SweepCandidates(ctx, time.Now().UTC().Add(-30*time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	ids := []uuid.UUID{candidates[0].ID, candidates[1].ID}
	assert.Contains(t, ids, pending.ID)
	assert.Contains(t, ids, initiated.ID)
}
