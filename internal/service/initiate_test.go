package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kejapay/kejapay/internal/domain"
	"github.com/kejapay/kejapay/internal/provider"
	"github.com/kejapay/kejapay/internal/testutil"
)

func collectionRequest(key string) InitiateRequest {
	return InitiateRequest{
		AgencyID:       testutil.TestAgencyID,
		Provider:       domain.ProviderMpesa,
		Direction:      domain.DirectionCollection,
		Amount:         50000,
		Currency:       "KES",
		Destination:    "254700000001",
		Reference:      "RENT-2026-03",
		IdempotencyKey: key,
	}
}

func TestInitiate_AcceptedByGateway(t *testing.T) {
	env := newTestEnv(t, domain.ProviderMpesa)
	ctx := context.Background()

	txn, err := env.service.Initiate(ctx, collectionRequest("init-1"))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, txn.Status)
	require.NotNil(t, txn.ExternalRef)
	assert.Equal(t, "ref-"+txn.ID.String(), *txn.ExternalRef)

	events, err := env.events.GetByTransactionID(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.TransactionEventTypeInitiated, events[0].EventType)
	assert.Equal(t, domain.TransactionEventTypeAccepted, events[1].EventType)
}

func TestInitiate_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t, domain.ProviderMpesa)
	ctx := context.Background()

	first, err := env.service.Initiate(ctx, collectionRequest("init-2"))
	require.NoError(t, err)

	second, err := env.service.Initiate(ctx, collectionRequest("init-2"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestInitiate_KeyReuseWithDifferentParams(t *testing.T) {
	env := newTestEnv(t, domain.ProviderMpesa)
	ctx := context.Background()

	_, err := env.service.Initiate(ctx, collectionRequest("init-3"))
	require.NoError(t, err)

	req := collectionRequest("init-3")
	req.Amount = 99999
	_, err = env.service.Initiate(ctx, req)
	assert.ErrorIs(t, err, domain.ErrDuplicateInitiation)
}

func TestInitiate_ProviderRejection(t *testing.T) {
	env := newTestEnv(t, domain.ProviderMpesa)
	ctx := context.Background()

	env.adapter.initiateFn = func(context.Context, provider.InitiateRequest) (*provider.InitiateResult, error) {
		return nil, fmt.Errorf("invalid msisdn: %w", domain.ErrProviderRejected)
	}

	txn, err := env.service.Initiate(ctx, collectionRequest("init-4"))
	require.ErrorIs(t, err, domain.ErrProviderRejected)
	require.NotNil(t, txn)
	assert.Equal(t, domain.StatusFailed, txn.Status)
	require.NotNil(t, txn.FailureReason)
}

func TestInitiate_TransportErrorLeavesInitiated(t *testing.T) {
	env := newTestEnv(t, domain.ProviderMpesa)
	ctx := context.Background()

	env.adapter.initiateFn = func(context.Context, provider.InitiateRequest) (*provider.InitiateResult, error) {
		return nil, errors.New("context deadline exceeded")
	}

	// not an error to the caller: the gateway may have accepted the request and
	// the sweep decides later
	txn, err := env.service.Initiate(ctx, collectionRequest("init-5"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitiated, txn.Status)
	assert.Nil(t, txn.ExternalRef)
}

func TestInitiate_Validation(t *testing.T) {
	env := newTestEnv(t, domain.ProviderMpesa)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*InitiateRequest)
		wantErr error
	}{
		{"unknown provider", func(r *InitiateRequest) { r.Provider = "cheque" }, domain.ErrInvalidProvider},
		{"reversal direction", func(r *InitiateRequest) { r.Direction = domain.DirectionReversal }, domain.ErrInvalidDirection},
		{"zero amount", func(r *InitiateRequest) { r.Amount = 0 }, domain.ErrInvalidAmount},
		{"negative amount", func(r *InitiateRequest) { r.Amount = -100 }, domain.ErrInvalidAmount},
		{"missing destination", func(r *InitiateRequest) { r.Destination = "" }, domain.ErrInvalidRequest},
		{"missing idempotency key", func(r *InitiateRequest) { r.IdempotencyKey = "" }, domain.ErrInvalidRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := collectionRequest("init-validate")
			tc.mutate(&req)
			_, err := env.service.Initiate(ctx, req)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}
