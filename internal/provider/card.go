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

const cardSignatureHeader = "X-Signature"

// Card talks to a card processor. Webhooks are signed with a timestamped HMAC
// ("t=<unix>,v1=<hex>" over "<unix>.<body>") to block replay.
type Card struct {
	baseURL       string
	callbackURL   string
	webhookSecret string
	tolerance     time.Duration
	httpClient    *http.Client
	now           func() time.Time
}

type CardConfig struct {
	BaseURL       string
	CallbackURL   string
	WebhookSecret string
	Tolerance     time.Duration
	Timeout       time.Duration
}

func NewCard(cfg CardConfig) *Card {
	tolerance := cfg.Tolerance
	if tolerance == 0 {
		tolerance = 5 * time.Minute
	}
	return &Card{
		baseURL:       cfg.BaseURL,
		callbackURL:   cfg.CallbackURL,
		webhookSecret: cfg.WebhookSecret,
		tolerance:     tolerance,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		now:           time.Now,
	}
}

func (c *Card) Name() domain.Provider { return domain.ProviderCard }

type cardChargeRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Source      string `json:"source"`
	Reference   string `json:"reference"`
	CallbackURL string `json:"callback_url"`
}

type cardChargeResponse struct {
	ChargeID string `json:"charge_id"`
	Status   string `json:"status"`
	Decline  string `json:"decline_reason,omitempty"`
}

func (c *Card) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	payload := cardChargeRequest{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Source:      req.Destination,
		Reference:   req.Reference,
		CallbackURL: c.callbackURL,
	}

	var resp cardChargeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/charges", req.IdempotencyKey, payload, &resp); err != nil {
		return nil, fmt.Errorf("Initiate: %w", err)
	}

	if resp.Status == "declined" {
		return nil, fmt.Errorf("Initiate: %s: %w", resp.Decline, domain.ErrProviderRejected)
	}

	return &InitiateResult{ExternalRef: resp.ChargeID}, nil
}

type cardStatusResponse struct {
	ChargeID string `json:"charge_id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Receipt  string `json:"receipt,omitempty"`
	Decline  string `json:"decline_reason,omitempty"`
}

func (c *Card) QueryStatus(ctx context.Context, externalRef string) (*QueryResult, error) {
	var resp cardStatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/charges/"+externalRef, "", nil, &resp); err != nil {
		return nil, fmt.Errorf("QueryStatus: %w", err)
	}

	result := &QueryResult{Amount: resp.Amount, Receipt: resp.Receipt, Reason: resp.Decline}
	switch resp.Status {
	case "succeeded":
		result.Outcome = OutcomeSuccess
	case "declined", "failed":
		result.Outcome = OutcomeFailed
	default:
		result.Outcome = OutcomePending
	}
	return result, nil
}

func (c *Card) Reverse(ctx context.Context, req ReverseRequest) (*InitiateResult, error) {
	payload := map[string]any{
		"charge_id": req.ExternalRef,
		"amount":    req.Amount,
		"reason":    req.Reason,
	}

	var resp cardChargeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", req.IdempotencyKey, payload, &resp); err != nil {
		return nil, fmt.Errorf("Reverse: %w", err)
	}

	if resp.Status == "declined" {
		return nil, fmt.Errorf("Reverse: %s: %w", resp.Decline, domain.ErrProviderRejected)
	}

	return &InitiateResult{ExternalRef: resp.ChargeID}, nil
}

func (c *Card) VerifyCallback(header http.Header, body []byte) error {
	if !verifyTimestampedHMAC(body, header.Get(cardSignatureHeader), c.webhookSecret, c.tolerance, c.now()) {
		return fmt.Errorf("VerifyCallback: bad signature")
	}
	return nil
}

type cardCallbackPayload struct {
	ChargeID string `json:"charge_id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Receipt  string `json:"receipt,omitempty"`
	Decline  string `json:"decline_reason,omitempty"`
}

func (c *Card) ParseCallback(body []byte) (*Callback, error) {
	var payload cardCallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("ParseCallback: %w: %v", domain.ErrInvalidCallback, err)
	}

	if payload.ChargeID == "" {
		return nil, fmt.Errorf("ParseCallback: missing charge_id: %w", domain.ErrInvalidCallback)
	}

	result := &Callback{
		ExternalRef: payload.ChargeID,
		Amount:      payload.Amount,
		Receipt:     payload.Receipt,
		Reason:      payload.Decline,
	}
	switch payload.Status {
	case "succeeded":
		result.Outcome = OutcomeSuccess
	case "declined", "failed":
		result.Outcome = OutcomeFailed
	default:
		return nil, fmt.Errorf("ParseCallback: status %q: %w", payload.Status, domain.ErrInvalidCallback)
	}
	return result, nil
}

func (c *Card) do(ctx context.Context, method, path, idempotencyKey string, payload, out any) error {
	log := logging.FromContext(ctx)

	var reqBody io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("do: marshal: %w", err)
		}
		reqBody = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("do: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do: send: %w", err)
	}
	defer resp.Body.Close()

	log.Info("gateway response received",
		"provider", "card",
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
