package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/kejapay/kejapay/internal/domain"
	"github.com/kejapay/kejapay/internal/events"
	"github.com/kejapay/kejapay/internal/provider"
	"github.com/kejapay/kejapay/internal/repository"
	"github.com/kejapay/kejapay/internal/testutil"
)

// stubAdapter plays the gateway in tests. Callbacks use a flat JSON shape so
// tests can hand-write payloads without provider-specific envelopes.
type stubAdapter struct {
	name       domain.Provider
	initiateFn func(ctx context.Context, req provider.InitiateRequest) (*provider.InitiateResult, error)
	queryFn    func(ctx context.Context, externalRef string) (*provider.QueryResult, error)
	reverseFn  func(ctx context.Context, req provider.ReverseRequest) (*provider.InitiateResult, error)
}

func (s *stubAdapter) Name() domain.Provider { return s.name }

func (s *stubAdapter) Initiate(ctx context.Context, req provider.InitiateRequest) (*provider.InitiateResult, error) {
	if s.initiateFn == nil {
		return &provider.InitiateResult{ExternalRef: "ref-" + req.TransactionID.String()}, nil
	}
	return s.initiateFn(ctx, req)
}

func (s *stubAdapter) QueryStatus(ctx context.Context, externalRef string) (*provider.QueryResult, error) {
	if s.queryFn == nil {
		return &provider.QueryResult{Outcome: provider.OutcomePending}, nil
	}
	return s.queryFn(ctx, externalRef)
}

func (s *stubAdapter) Reverse(ctx context.Context, req provider.ReverseRequest) (*provider.InitiateResult, error) {
	if s.reverseFn == nil {
		return &provider.InitiateResult{ExternalRef: "rev-" + req.ExternalRef}, nil
	}
	return s.reverseFn(ctx, req)
}

func (s *stubAdapter) VerifyCallback(http.Header, []byte) error { return nil }

type stubCallbackPayload struct {
	Ref     string `json:"ref"`
	Outcome string `json:"outcome"`
	Amount  int64  `json:"amount"`
	Receipt string `json:"receipt,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (s *stubAdapter) ParseCallback(body []byte) (*provider.Callback, error) {
	var p stubCallbackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("ParseCallback: %w", domain.ErrInvalidCallback)
	}
	if p.Ref == "" {
		return nil, fmt.Errorf("ParseCallback: missing ref: %w", domain.ErrInvalidCallback)
	}
	return &provider.Callback{
		ExternalRef: p.Ref,
		Outcome:     provider.Outcome(p.Outcome),
		Amount:      p.Amount,
		Receipt:     p.Receipt,
		Reason:      p.Reason,
	}, nil
}

func callbackBody(t *testing.T, ref string, outcome provider.Outcome, amount int64) []byte {
	t.Helper()
	body, err := json.Marshal(stubCallbackPayload{Ref: ref, Outcome: string(outcome), Amount: amount, Receipt: "RCPT-" + ref})
	if err != nil {
		t.Fatalf("marshal callback body: %v", err)
	}
	return body
}

type fakePublisher struct {
	published []events.SettlementEvent
}

func (f *fakePublisher) Publish(_ context.Context, event events.SettlementEvent) error {
	f.published = append(f.published, event)
	return nil
}

type testEnv struct {
	db           *sql.DB
	transactions *repository.TransactionRepository
	payments     *repository.PaymentRepository
	invoices     *repository.InvoiceRepository
	events       *repository.TransactionEventRepository
	adapter      *stubAdapter
	publisher    *fakePublisher
	processor    *Processor
	service      *PaymentService
}

func newTestEnv(t *testing.T, providerName domain.Provider) *testEnv {
	t.Helper()

	db := testutil.SetupTestDB(t)
	env := &testEnv{
		db:           db,
		transactions: repository.NewTransactionRepository(db),
		payments:     repository.NewPaymentRepository(db),
		invoices:     repository.NewInvoiceRepository(db),
		events:       repository.NewTransactionEventRepository(db),
		adapter:      &stubAdapter{name: providerName},
		publisher:    &fakePublisher{},
	}
	registry := provider.NewRegistry(env.adapter)
	env.processor = NewProcessor(env.transactions, env.payments, env.invoices, env.events, registry, env.publisher, db)
	env.service = NewPaymentService(env.transactions, env.events, registry, db)
	return env
}
