package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kejapay/kejapay/internal/domain"
	"github.com/kejapay/kejapay/internal/logging"
)

const bankSignatureHeader = "X-Webhook-Signature"

// Bank talks to a bank transfer API. Amounts stay in minor units end to end and
// webhook bodies carry an HMAC-SHA256 signature.
type Bank struct {
	baseURL       string
	callbackURL   string
	webhookSecret string
	httpClient    *http.Client
}

type BankConfig struct {
	BaseURL       string
	CallbackURL   string
	WebhookSecret string
	Timeout       time.Duration
}

func NewBank(cfg BankConfig) *Bank {
	return &Bank{
		baseURL:       cfg.BaseURL,
		callbackURL:   cfg.CallbackURL,
		webhookSecret: cfg.WebhookSecret,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
	}
}

func (b *Bank) Name() domain.Provider { return domain.ProviderBank }

type bankTransferRequest struct {
	Reference   string `json:"reference"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Account     string `json:"account"`
	CallbackURL string `json:"callback_url"`
}

type bankTransferResponse struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

func (b *Bank) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	payload := bankTransferRequest{
		Reference:   req.Reference,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Account:     req.Destination,
		CallbackURL: b.callbackURL,
	}

	var resp bankTransferResponse
	if err := b.do(ctx, http.MethodPost, "/v1/transfers", req.IdempotencyKey, payload, &resp); err != nil {
		return nil, fmt.Errorf("Initiate: %w", err)
	}

	if resp.Status == "rejected" {
		return nil, fmt.Errorf("Initiate: %s: %w", resp.Reason, domain.ErrProviderRejected)
	}

	return &InitiateResult{ExternalRef: resp.TransferID}, nil
}

type bankStatusResponse struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	Receipt    string `json:"receipt,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (b *Bank) QueryStatus(ctx context.Context, externalRef string) (*QueryResult, error) {
	var resp bankStatusResponse
	if err := b.do(ctx, http.MethodGet, "/v1/transfers/"+externalRef, "", nil, &resp); err != nil {
		return nil, fmt.Errorf("QueryStatus: %w", err)
	}

	result := &QueryResult{Amount: resp.Amount, Receipt: resp.Receipt, Reason: resp.Reason}
	switch resp.Status {
	case "completed":
		result.Outcome = OutcomeSuccess
	case "failed", "returned":
		result.Outcome = OutcomeFailed
	default:
		result.Outcome = OutcomePending
	}
	return result, nil
}

func (b *Bank) Reverse(ctx context.Context, req ReverseRequest) (*InitiateResult, error) {
	payload := map[string]any{
		"amount": req.Amount,
		"reason": req.Reason,
	}

	var resp bankTransferResponse
	if err := b.do(ctx, http.MethodPost, "/v1/transfers/"+req.ExternalRef+"/reversals", req.IdempotencyKey, payload, &resp); err != nil {
		return nil, fmt.Errorf("Reverse: %w", err)
	}

	if resp.Status == "rejected" {
		return nil, fmt.Errorf("Reverse: %s: %w", resp.Reason, domain.ErrProviderRejected)
	}

	return &InitiateResult{ExternalRef: resp.TransferID}, nil
}

func (b *Bank) VerifyCallback(header http.Header, body []byte) error {
	if !verifyHMAC(body, header.Get(bankSignatureHeader), b.webhookSecret) {
		return fmt.Errorf("VerifyCallback: bad signature")
	}
	return nil
}

type bankCallbackPayload struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	Receipt    string `json:"receipt,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (b *Bank) ParseCallback(body []byte) (*Callback, error) {
	var payload bankCallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("ParseCallback: %w: %v", domain.ErrInvalidCallback, err)
	}

	if payload.TransferID == "" {
		return nil, fmt.Errorf("ParseCallback: missing transfer_id: %w", domain.ErrInvalidCallback)
	}

	result := &Callback{
		ExternalRef: payload.TransferID,
		Amount:      payload.Amount,
		Receipt:     payload.Receipt,
		Reason:      payload.Reason,
	}
	switch payload.Status {
	case "completed":
		result.Outcome = OutcomeSuccess
	case "failed", "returned":
		result.Outcome = OutcomeFailed
	default:
		return nil, fmt.Errorf("ParseCallback: status %q: %w", payload.Status, domain.ErrInvalidCallback)
	}
	return result, nil
}

func (b *Bank) do(ctx context.Context, method, path, idempotencyKey string, payload, out any) error {
	log := logging.FromContext(ctx)

	var reqBody io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("do: marshal: %w", err)
		}
		reqBody = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("do: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do: send: %w", err)
	}
	defer resp.Body.Close()

	log.Info("gateway response received",
		"provider", "bank",
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("do: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("do: decode: %w", err)
	}
	return nil
}
