// mock-gateway simulates the three payment gateways for local development: it
// accepts initiations, remembers them in memory, and fires a signed callback
// after a short delay. Destinations ending in "00" fail, amounts ending in 13
// are rejected synchronously, so failure paths can be exercised end to end.
package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kejapay/kejapay/internal/logging"
	"github.com/kejapay/kejapay/internal/provider"
)

type record struct {
	ID          string
	Amount      int64
	Status      string // pending, success, failed
	Receipt     string
	Reason      string
	CallbackURL string
}

type gateway struct {
	mu            sync.Mutex
	records       map[string]*record
	callbackDelay time.Duration
	callbackToken string
	bankSecret    string
	cardSecret    string
	client        *http.Client
}

func main() {
	logging.Init("mock-gateway", "info", os.Getenv("APP_ENV"))

	g := &gateway{
		records:       make(map[string]*record),
		callbackDelay: envDuration("CALLBACK_DELAY", 2*time.Second),
		callbackToken: envOr("MPESA_CALLBACK_TOKEN", "mock-token"),
		bankSecret:    envOr("BANK_WEBHOOK_SECRET", "mock-bank-secret"),
		cardSecret:    envOr("CARD_WEBHOOK_SECRET", "mock-card-secret"),
		client:        &http.Client{Timeout: 10 * time.Second},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)

	mux.HandleFunc("POST /mpesa/stkpush/v1/processrequest", g.mpesaPush)
	mux.HandleFunc("POST /mpesa/stkpushquery/v1/query", g.mpesaQuery)
	mux.HandleFunc("POST /mpesa/reversal/v1/request", g.mpesaReverse)

	mux.HandleFunc("POST /bank/v1/transfers", g.bankTransfer)
	mux.HandleFunc("GET /bank/v1/transfers/{id}", g.bankStatus)
	mux.HandleFunc("POST /bank/v1/transfers/{id}/reversals", g.bankReverse)

	mux.HandleFunc("POST /card/v1/charges", g.cardCharge)
	mux.HandleFunc("GET /card/v1/charges/{id}", g.cardStatus)
	mux.HandleFunc("POST /card/v1/refunds", g.cardRefund)

	addr := ":" + envOr("PORT", "8081")
	slog.Info("mock gateway started", "addr", addr, "callback_delay", g.callbackDelay)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// rejected simulates a synchronous provider rejection for amounts ending in 13.
func rejected(amount int64) bool { return amount%100 == 13 }

// willFail simulates an async failure for destinations ending in "00".
func willFail(destination string) bool { return strings.HasSuffix(destination, "00") }

func (g *gateway) admit(amount int64, destination, callbackURL string) *record {
	rec := &record{
		ID:          uuid.NewString(),
		Amount:      amount,
		Status:      "pending",
		Receipt:     strings.ToUpper(uuid.NewString()[:10]),
		CallbackURL: callbackURL,
	}
	if willFail(destination) {
		rec.Status = "failed"
		rec.Reason = "insufficient funds"
	} else {
		rec.Status = "success"
	}

	g.mu.Lock()
	g.records[rec.ID] = rec
	g.mu.Unlock()
	return rec
}

func (g *gateway) lookup(id string) *record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.records[id]
}

// ---- mpesa ----

func (g *gateway) mpesaPush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount      string `json:"Amount"`
		PhoneNumber string `json:"PhoneNumber"`
		CallBackURL string `json:"CallBackURL"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	amount := parseMajor(req.Amount)
	if rejected(amount) {
		writeJSON(w, http.StatusOK, map[string]string{
			"ResponseCode":        "1",
			"ResponseDescription": "invalid amount",
		})
		return
	}

	rec := g.admit(amount, req.PhoneNumber, req.CallBackURL)
	go g.sendMpesaCallback(rec)

	writeJSON(w, http.StatusOK, map[string]string{
		"CheckoutRequestID":   rec.ID,
		"ResponseCode":        "0",
		"ResponseDescription": "Success. Request accepted for processing",
	})
}

func (g *gateway) mpesaQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	rec := g.lookup(req.CheckoutRequestID)
	if rec == nil {
		writeJSON(w, http.StatusOK, map[string]string{"ResultCode": "1", "ResultDesc": "not found"})
		return
	}

	switch rec.Status {
	case "success":
		writeJSON(w, http.StatusOK, map[string]string{
			"ResultCode":         "0",
			"ResultDesc":         "The service request is processed successfully.",
			"Amount":             decimal.New(rec.Amount, -2).StringFixed(2),
			"MpesaReceiptNumber": rec.Receipt,
		})
	case "failed":
		writeJSON(w, http.StatusOK, map[string]string{"ResultCode": "1032", "ResultDesc": rec.Reason})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"ResultCode": "4999", "ResultDesc": "still processing"})
	}
}

func (g *gateway) mpesaReverse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string `json:"TransactionID"`
		Amount        string `json:"Amount"`
		ResultURL     string `json:"ResultURL"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	rec := g.admit(parseMajor(req.Amount), "", req.ResultURL)
	go g.sendMpesaCallback(rec)

	writeJSON(w, http.StatusOK, map[string]string{
		"CheckoutRequestID":   rec.ID,
		"ResponseCode":        "0",
		"ResponseDescription": "Accepted",
	})
}

func (g *gateway) sendMpesaCallback(rec *record) {
	time.Sleep(g.callbackDelay)

	stk := map[string]any{
		"CheckoutRequestID": rec.ID,
	}
	if rec.Status == "success" {
		stk["ResultCode"] = 0
		stk["ResultDesc"] = "The service request is processed successfully."
		stk["CallbackMetadata"] = map[string]any{
			"Item": []map[string]any{
				{"Name": "Amount", "Value": json.Number(decimal.New(rec.Amount, -2).StringFixed(2))},
				{"Name": "MpesaReceiptNumber", "Value": rec.Receipt},
			},
		}
	} else {
		stk["ResultCode"] = 1032
		stk["ResultDesc"] = rec.Reason
	}

	body, _ := json.Marshal(map[string]any{"Body": map[string]any{"stkCallback": stk}})
	g.deliver(rec.CallbackURL, body, map[string]string{"X-Callback-Token": g.callbackToken})
}

// ---- bank ----

func (g *gateway) bankTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount      int64  `json:"amount"`
		Account     string `json:"account"`
		CallbackURL string `json:"callback_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	if rejected(req.Amount) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "reason": "compliance hold"})
		return
	}

	rec := g.admit(req.Amount, req.Account, req.CallbackURL)
	go g.sendBankCallback(rec)

	writeJSON(w, http.StatusAccepted, map[string]string{"transfer_id": rec.ID, "status": "accepted"})
}

func (g *gateway) bankStatus(w http.ResponseWriter, r *http.Request) {
	rec := g.lookup(r.PathValue("id"))
	if rec == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "failed", "reason": "not found"})
		return
	}

	status := "processing"
	switch rec.Status {
	case "success":
		status = "completed"
	case "failed":
		status = "failed"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transfer_id": rec.ID,
		"status":      status,
		"amount":      rec.Amount,
		"receipt":     rec.Receipt,
		"reason":      rec.Reason,
	})
}

func (g *gateway) bankReverse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	original := g.lookup(r.PathValue("id"))
	if original == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "reason": "unknown transfer"})
		return
	}

	rec := g.admit(req.Amount, "", original.CallbackURL)
	go g.sendBankCallback(rec)

	writeJSON(w, http.StatusAccepted, map[string]string{"transfer_id": rec.ID, "status": "accepted"})
}

func (g *gateway) sendBankCallback(rec *record) {
	time.Sleep(g.callbackDelay)

	status := "completed"
	if rec.Status == "failed" {
		status = "failed"
	}
	body, _ := json.Marshal(map[string]any{
		"transfer_id": rec.ID,
		"status":      status,
		"amount":      rec.Amount,
		"receipt":     rec.Receipt,
		"reason":      rec.Reason,
	})
	g.deliver(rec.CallbackURL, body, map[string]string{
		"X-Webhook-Signature": provider.SignHMAC(body, g.bankSecret),
	})
}

// ---- card ----

func (g *gateway) cardCharge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount      int64  `json:"amount"`
		Source      string `json:"source"`
		CallbackURL string `json:"callback_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	if rejected(req.Amount) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "declined", "decline_reason": "do not honor"})
		return
	}

	rec := g.admit(req.Amount, req.Source, req.CallbackURL)
	go g.sendCardCallback(rec)

	writeJSON(w, http.StatusAccepted, map[string]string{"charge_id": rec.ID, "status": "processing"})
}

func (g *gateway) cardStatus(w http.ResponseWriter, r *http.Request) {
	rec := g.lookup(r.PathValue("id"))
	if rec == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "failed", "decline_reason": "not found"})
		return
	}

	status := "processing"
	switch rec.Status {
	case "success":
		status = "succeeded"
	case "failed":
		status = "declined"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"charge_id":      rec.ID,
		"status":         status,
		"amount":         rec.Amount,
		"receipt":        rec.Receipt,
		"decline_reason": rec.Reason,
	})
}

func (g *gateway) cardRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChargeID string `json:"charge_id"`
		Amount   int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	original := g.lookup(req.ChargeID)
	if original == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "declined", "decline_reason": "unknown charge"})
		return
	}

	rec := g.admit(req.Amount, "", original.CallbackURL)
	go g.sendCardCallback(rec)

	writeJSON(w, http.StatusAccepted, map[string]string{"charge_id": rec.ID, "status": "processing"})
}

func (g *gateway) sendCardCallback(rec *record) {
	time.Sleep(g.callbackDelay)

	status := "succeeded"
	if rec.Status == "failed" {
		status = "declined"
	}
	body, _ := json.Marshal(map[string]any{
		"charge_id":      rec.ID,
		"status":         status,
		"amount":         rec.Amount,
		"receipt":        rec.Receipt,
		"decline_reason": rec.Reason,
	})
	g.deliver(rec.CallbackURL, body, map[string]string{
		"X-Signature": provider.SignTimestampedHMAC(body, g.cardSecret, time.Now()),
	})
}

func (g *gateway) deliver(url string, body []byte, headers map[string]string) {
	if url == "" {
		return
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("failed to build callback request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		slog.Warn("callback delivery failed", "url", url, "error", err)
		return
	}
	resp.Body.Close()
	slog.Info("callback delivered", "url", url, "status", resp.StatusCode)
}

func parseMajor(s string) int64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.Shift(2).IntPart()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
