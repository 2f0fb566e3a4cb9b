package provider

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kejapay/kejapay/internal/domain"
	"github.com/kejapay/kejapay/internal/logging"
)

const mpesaCallbackTokenHeader = "X-Callback-Token"

// Mpesa talks to an STK-push mobile money gateway. Amounts cross the wire as
// decimal major units; everything internal stays in minor units.
type Mpesa struct {
	baseURL       string
	shortcode     string
	callbackURL   string
	callbackToken string
	httpClient    *http.Client
}

type MpesaConfig struct {
	BaseURL       string
	Shortcode     string
	CallbackURL   string
	CallbackToken string
	Timeout       time.Duration
}

func NewMpesa(cfg MpesaConfig) *Mpesa {
	return &Mpesa{
		baseURL:       cfg.BaseURL,
		shortcode:     cfg.Shortcode,
		callbackURL:   cfg.CallbackURL,
		callbackToken: cfg.CallbackToken,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
	}
}

func (m *Mpesa) Name() domain.Provider { return domain.ProviderMpesa }

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Amount            string `json:"Amount"`
	PhoneNumber       string `json:"PhoneNumber"`
	AccountReference  string `json:"AccountReference"`
	CallBackURL       string `json:"CallBackURL"`
	TransactionID     string `json:"TransactionID"`
}

type stkPushResponse struct {
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResponseCode      string `json:"ResponseCode"`
	ResponseDesc      string `json:"ResponseDescription"`
}

func (m *Mpesa) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	payload := stkPushRequest{
		BusinessShortCode: m.shortcode,
		Amount:            minorToMajor(req.Amount),
		PhoneNumber:       req.Destination,
		AccountReference:  req.Reference,
		CallBackURL:       m.callbackURL,
		TransactionID:     req.TransactionID.String(),
	}

	var resp stkPushResponse
	if err := m.post(ctx, "/mpesa/stkpush/v1/processrequest", req.IdempotencyKey, payload, &resp); err != nil {
		return nil, fmt.Errorf("Initiate: %w", err)
	}

	if resp.ResponseCode != "0" {
		return nil, fmt.Errorf("Initiate: %s: %w", resp.ResponseDesc, domain.ErrProviderRejected)
	}

	return &InitiateResult{ExternalRef: resp.CheckoutRequestID}, nil
}

type stkQueryResponse struct {
	ResultCode string `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
	Amount     string `json:"Amount"`
	Receipt    string `json:"MpesaReceiptNumber"`
}

func (m *Mpesa) QueryStatus(ctx context.Context, externalRef string) (*QueryResult, error) {
	payload := map[string]string{
		"BusinessShortCode": m.shortcode,
		"CheckoutRequestID": externalRef,
	}

	var resp stkQueryResponse
	if err := m.post(ctx, "/mpesa/stkpushquery/v1/query", "", payload, &resp); err != nil {
		return nil, fmt.Errorf("QueryStatus: %w", err)
	}

	result := &QueryResult{Reason: resp.ResultDesc, Receipt: resp.Receipt}
	switch resp.ResultCode {
	case "0":
		result.Outcome = OutcomeSuccess
		amount, err := majorToMinor(resp.Amount)
		if err != nil {
			return nil, fmt.Errorf("QueryStatus: amount %q: %w", resp.Amount, err)
		}
		result.Amount = amount
	case "1032", "1037", "2001":
		// cancelled by user, unreachable handset, wrong PIN
		result.Outcome = OutcomeFailed
	default:
		result.Outcome = OutcomePending
	}
	return result, nil
}

func (m *Mpesa) Reverse(ctx context.Context, req ReverseRequest) (*InitiateResult, error) {
	payload := map[string]string{
		"BusinessShortCode": m.shortcode,
		"TransactionID":     req.ExternalRef,
		"Amount":            minorToMajor(req.Amount),
		"Remarks":           req.Reason,
		"ResultURL":         m.callbackURL,
	}

	var resp stkPushResponse
	if err := m.post(ctx, "/mpesa/reversal/v1/request", req.IdempotencyKey, payload, &resp); err != nil {
		return nil, fmt.Errorf("Reverse: %w", err)
	}

	if resp.ResponseCode != "0" {
		return nil, fmt.Errorf("Reverse: %s: %w", resp.ResponseDesc, domain.ErrProviderRejected)
	}

	return &InitiateResult{ExternalRef: resp.CheckoutRequestID}, nil
}

// VerifyCallback compares the static callback token configured with the
// gateway. The gateway does not sign payloads, so the token on the registered
// callback URL is the only authenticity signal available.
func (m *Mpesa) VerifyCallback(header http.Header, _ []byte) error {
	token := header.Get(mpesaCallbackTokenHeader)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(m.callbackToken)) != 1 {
		return fmt.Errorf("VerifyCallback: bad callback token")
	}
	return nil
}

type stkCallbackBody struct {
	Body struct {
		StkCallback struct {
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func (m *Mpesa) ParseCallback(body []byte) (*Callback, error) {
	var payload stkCallbackBody
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("ParseCallback: %w: %v", domain.ErrInvalidCallback, err)
	}

	cb := payload.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("ParseCallback: missing CheckoutRequestID: %w", domain.ErrInvalidCallback)
	}

	result := &Callback{
		ExternalRef: cb.CheckoutRequestID,
		Reason:      cb.ResultDesc,
	}

	if cb.ResultCode != 0 {
		result.Outcome = OutcomeFailed
		return result, nil
	}

	result.Outcome = OutcomeSuccess
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			amount, err := majorToMinor(string(item.Value))
			if err != nil {
				return nil, fmt.Errorf("ParseCallback: amount %s: %w", item.Value, domain.ErrInvalidCallback)
			}
			result.Amount = amount
		case "MpesaReceiptNumber":
			var receipt string
			if err := json.Unmarshal(item.Value, &receipt); err != nil {
				return nil, fmt.Errorf("ParseCallback: receipt: %w", domain.ErrInvalidCallback)
			}
			result.Receipt = receipt
		}
	}

	if result.Amount == 0 {
		return nil, fmt.Errorf("ParseCallback: success callback without amount: %w", domain.ErrInvalidCallback)
	}

	return result, nil
}

func (m *Mpesa) post(ctx context.Context, path, idempotencyKey string, payload, out any) error {
	log := logging.FromContext(ctx)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("post: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post: send: %w", err)
	}
	defer resp.Body.Close()

	log.Info("gateway response received",
		"provider", "mpesa",
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("post: decode: %w", err)
	}
	return nil
}

// minorToMajor renders 5000 minor units as "50.00" for gateways that quote
// decimal major units.
func minorToMajor(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

// majorToMinor parses a decimal major-unit amount ("50.00" or 50.0) into minor
// units, rejecting fractions smaller than one minor unit.
func majorToMinor(raw string) (int64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, err
	}
	shifted := d.Shift(2)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("fractional minor units in %q", raw)
	}
	return shifted.IntPart(), nil
}
