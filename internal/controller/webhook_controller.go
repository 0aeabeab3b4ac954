package controller

import (
	"errors"
	"io"
	"net/http"
	"regexp"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/webhook"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

var providerNamePattern = regexp.MustCompile(`^[a-z][a-z_-]{1,49}$`)

// WebhookController receives provider callbacks and serves the webhook admin API.
type WebhookController struct {
	processor       *service.WebhookProcessor
	logs            webhook.Repository
	sensitiveFields []string
	logger          zerolog.Logger
}

func NewWebhookController(processor *service.WebhookProcessor, logs webhook.Repository, sensitiveFields []string, logger zerolog.Logger) *WebhookController {
	return &WebhookController{
		processor:       processor,
		logs:            logs,
		sensitiveFields: sensitiveFields,
		logger:          logger,
	}
}

// Receive returns a handler bound to one provider, for the dedicated callback routes.
func (h *WebhookController) Receive(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.receive(w, r, provider)
	}
}

// ReceiveGeneric handles POST /webhooks/payment/{provider}
func (h *WebhookController) ReceiveGeneric(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if !providerNamePattern.MatchString(provider) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown provider", Code: "not_found"})
		return
	}
	h.receive(w, r, provider)
}

func (h *WebhookController) receive(w http.ResponseWriter, r *http.Request, provider string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		if _, rerr := h.processor.Reject(r.Context(), provider, r.Header, "unreadable body: "+err.Error()); rerr != nil {
			h.logger.Error().Err(rerr).Str("provider", provider).Msg("failed to record rejected webhook")
		}
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload too large", Code: "payload_too_large"})
		return
	}

	out, err := h.processor.Process(r.Context(), provider, body, r.Header)
	if err != nil {
		status, code := webhookFailure(err)
		if status == http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("provider", provider).Msg("webhook processing failed")
		}
		resp := ErrorResponse{Error: err.Error(), Code: code}
		if status == http.StatusInternalServerError {
			resp.Error = "webhook processing failed"
		}
		writeJSON(w, status, resp)
		return
	}

	ack := WebhookAckResponse{Status: string(out.Status), LogID: out.LogID.String()}
	if out.TransactionStatus != "" {
		ack.TransactionStatus = string(out.TransactionStatus)
	}
	writeJSON(w, http.StatusOK, ack)
}

// webhookFailure maps processing errors for providers, which only need to know
// whether to redeliver.
func webhookFailure(err error) (int, string) {
	switch {
	case errors.Is(err, domainErrors.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, domainErrors.ErrReferenceNotFound), errors.Is(err, domainErrors.ErrTransactionNotFound):
		return http.StatusNotFound, "reference_not_found"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// ListLogs handles GET /api/v1/admin/webhooks
func (h *WebhookController) ListLogs(w http.ResponseWriter, r *http.Request) {
	var filter webhook.ListFilter
	if s := r.URL.Query().Get("status"); s != "" {
		st := webhook.Status(s)
		if !st.Valid() {
			writeError(w, domainErrors.NewValidationError("status", "unknown status "+s))
			return
		}
		filter.Status = &st
	}
	if s := r.URL.Query().Get("provider"); s != "" {
		filter.Provider = &s
	}

	var err error
	if filter.Limit, err = queryInt(r, "limit", defaultPageSize); err != nil {
		writeError(w, err)
		return
	}
	if filter.Limit == 0 || filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, err)
		return
	}

	logs, err := h.logs.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := WebhookLogPage{Data: make([]WebhookLogResponse, 0, len(logs)), Limit: filter.Limit, Offset: filter.Offset}
	for _, l := range logs {
		resp.Data = append(resp.Data, FromWebhookLog(l, false, nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetLog handles GET /api/v1/admin/webhooks/{id}
func (h *WebhookController) GetLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	l, err := h.logs.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromWebhookLog(l, true, h.sensitiveFields))
}

// Retry handles POST /api/v1/admin/webhooks/{id}/retry
func (h *WebhookController) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.processor.RetryOne(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	l, err := h.logs.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromWebhookLog(l, false, nil))
}

// RetryFailed handles POST /api/v1/admin/webhooks/retry-failed?provider=&limit=
func (h *WebhookController) RetryFailed(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	provider := r.URL.Query().Get("provider")
	if provider != "" && !providerNamePattern.MatchString(provider) {
		writeError(w, domainErrors.NewValidationError("provider", "invalid provider name"))
		return
	}

	n, err := h.processor.RetryFailed(r.Context(), service.RetryFilter{Provider: provider, Limit: limit})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RetryFailedResponse{Retried: n})
}

// providerRoutes lists the providers that get a dedicated callback path.
var providerRoutes = []string{providers.OrangeMoney, providers.MTNMoMo, providers.Cards}
