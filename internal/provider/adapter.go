package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/kejapay/kejapay/internal/domain"
)

// Outcome is the provider verdict normalized across gateways.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

type InitiateRequest struct {
	TransactionID  uuid.UUID
	Amount         int64
	Currency       string
	Destination    string
	Reference      string
	IdempotencyKey string
}

type InitiateResult struct {
	ExternalRef string
}

type ReverseRequest struct {
	ExternalRef    string
	Amount         int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

// Callback is a provider webhook payload normalized to the common shape the
// processor works with. Amount is in minor currency units.
type Callback struct {
	ExternalRef string
	Outcome     Outcome
	Amount      int64
	Receipt     string
	Reason      string
}

type QueryResult struct {
	Outcome Outcome
	Amount  int64
	Receipt string
	Reason  string
}

// Adapter translates between the generic payment operations and one gateway's
// API. Implementations must not hold locks across network calls; all calls use
// a bounded timeout via their http.Client.
type Adapter interface {
	Name() domain.Provider

	// Initiate submits the payment. A synchronous provider rejection is
	// returned as domain.ErrProviderRejected; a transport error or timeout is
	// returned as-is so the caller can leave the row INITIATED for the sweep.
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)

	// QueryStatus asks the provider for the authoritative state of a
	// previously initiated transaction.
	QueryStatus(ctx context.Context, externalRef string) (*QueryResult, error)

	// Reverse submits a reversal of a completed transaction. The reversal gets
	// its own external ref and lifecycle.
	Reverse(ctx context.Context, req ReverseRequest) (*InitiateResult, error)

	// VerifyCallback checks payload authenticity before any field is trusted.
	VerifyCallback(header http.Header, body []byte) error

	// ParseCallback normalizes a verified webhook body.
	ParseCallback(body []byte) (*Callback, error)
}

type Registry struct {
	adapters map[domain.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[domain.Provider]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

func (r *Registry) Get(p domain.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("Get: %q: %w", p, domain.ErrInvalidProvider)
	}
	return a, nil
}
