package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/kejapay/kejapay/internal/domain"
	"github.com/kejapay/kejapay/internal/logging"
	"github.com/kejapay/kejapay/internal/provider"
)

type callbackProcessor interface {
	HandleCallback(ctx context.Context, providerName domain.Provider, raw []byte) (bool, error)
}

type adapterRegistry interface {
	Get(p domain.Provider) (provider.Adapter, error)
}

// WebhookHandler receives gateway callbacks at POST /webhooks/{provider}.
// Signature failures get a 401 so a misconfigured secret surfaces fast; every
// other failure is acknowledged with a 200 because providers retry on anything
// else and a retry cannot fix an unknown ref or a mismatched amount.
type WebhookHandler struct {
	processor callbackProcessor
	adapters  adapterRegistry
}

func NewWebhookHandler(processor callbackProcessor, adapters adapterRegistry) *WebhookHandler {
	return &WebhookHandler{processor: processor, adapters: adapters}
}

func (h *WebhookHandler) ReceiveCallback(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	providerName := domain.Provider(r.PathValue("provider"))
	adapter, err := h.adapters.Get(providerName)
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		log.Error("failed to read webhook body", "error", err)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if err := adapter.VerifyCallback(r.Header, body); err != nil {
		log.Warn("webhook signature verification failed", "provider", providerName, "error", err)
		RespondAppError(w, ErrInvalidSignature, nil)
		return
	}

	isDuplicate, err := h.processor.HandleCallback(r.Context(), providerName, body)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownTransaction):
			log.Warn("callback for unknown transaction", "provider", providerName, "error", err)
		case errors.Is(err, domain.ErrAmountMismatch):
			log.Warn("callback amount mismatch, transaction flagged", "provider", providerName, "error", err)
		case errors.Is(err, domain.ErrInvalidCallback):
			log.Warn("unparseable callback payload", "provider", providerName, "error", err)
		default:
			log.Error("callback processing failed", "provider", providerName, "error", err)
		}
		RespondSuccess(w, http.StatusOK, map[string]string{"status": "received"})
		return
	}

	status := "processed"
	if isDuplicate {
		status = "already_processed"
	}
	RespondSuccess(w, http.StatusOK, map[string]string{"status": status})
}
