package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorResponse_Mapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"transaction not found", domainErrors.ErrTransactionNotFound, http.StatusNotFound, "not_found"},
		{"wrapped not found", fmt.Errorf("get CKD_ABCDEFGH2345: %w", domainErrors.ErrTransactionNotFound), http.StatusNotFound, "not_found"},
		{"webhook reference not found", &domainErrors.WebhookReferenceNotFoundError{Reference: "CKD_ABC"}, http.StatusNotFound, "reference_not_found"},
		{"unknown provider", &domainErrors.UnknownProviderError{Provider: "wave"}, http.StatusBadRequest, "unknown_provider"},
		{"invalid currency", domainErrors.ErrInvalidCurrency, http.StatusBadRequest, "invalid_currency"},
		{"duplicate idempotency key", domainErrors.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_request"},
		{"terminal payment", domainErrors.NewInvalidStateTransition("transaction", "success", "canceled"), http.StatusConflict, "invalid_state_transition"},
		{"provider rejection", &domainErrors.ProviderError{Provider: "cards", Operation: "create", StatusCode: 402}, http.StatusBadGateway, "provider_rejected"},
		{"provider timeout", &domainErrors.ProviderError{Provider: "cards", Operation: "create", Timeout: true}, http.StatusGatewayTimeout, "provider_timeout"},
		// 503 that also timed out: unavailable is listed first and wins.
		{"provider unavailable", &domainErrors.ProviderError{Provider: "cards", Operation: "create", StatusCode: 503, Timeout: true}, http.StatusServiceUnavailable, "provider_unavailable"},
		{"capability not supported", domainErrors.ErrCapabilityNotSupported, http.StatusUnprocessableEntity, "capability_not_supported"},
		{"rate limited", domainErrors.ErrRateLimited, http.StatusTooManyRequests, "rate_limit"},
		{"unmapped domain error", domainErrors.NewDomainError("AMOUNT_TOO_SMALL", "amount must be at least 100 XOF", nil), http.StatusUnprocessableEntity, "AMOUNT_TOO_SMALL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := errorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.err.Error(), resp.Error)
		})
	}
}

func TestErrorResponse_ValidationCarriesField(t *testing.T) {
	status, resp := errorResponse(domainErrors.NewValidationError("phone", "is required by orange-money"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", resp.Code)
	assert.Equal(t, "phone", resp.Field)
}

func TestErrorResponse_HidesUnexpectedErrors(t *testing.T) {
	status, resp := errorResponse(errors.New("pq: connection reset by peer"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", resp.Code)
	assert.Equal(t, "internal server error", resp.Error)
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, domainErrors.ErrInvalidCurrency)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "invalid_currency", resp.Code)
}

func TestDecodeAndValidate_CreatePaymentRequest(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"valid", `{"amount":5000,"currency":"XOF","phone":"+22607123456"}`, ""},
		{"malformed json", `{"amount":`, "body"},
		{"empty body", ``, "body"},
		{"missing amount", `{"currency":"XOF"}`, "Amount"},
		{"negative amount", `{"amount":-1,"currency":"XOF"}`, "Amount"},
		{"currency length", `{"amount":100,"currency":"CFA franc"}`, "Currency"},
		{"bad email", `{"amount":100,"currency":"EUR","email":"nope"}`, "Email"},
		{"bad callback", `{"amount":100,"currency":"EUR","callback_url":"not a url"}`, "CallbackURL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", strings.NewReader(tt.body))
			var dst CreatePaymentRequest
			err := decodeAndValidate(req, &dst)

			if tt.field == "" {
				require.NoError(t, err)
				assert.Equal(t, int64(5000), dst.Amount)
				return
			}
			var ve *domainErrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestDecodeAndValidate_RejectsOversizedBody(t *testing.T) {
	body := `{"amount":100,"currency":"XOF","description":"` + strings.Repeat("x", maxBodySize) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", strings.NewReader(body))

	var dst CreatePaymentRequest
	var ve *domainErrors.ValidationError
	require.ErrorAs(t, decodeAndValidate(req, &dst), &ve)
	assert.Equal(t, "body", ve.Field)
}

func TestPathUUID(t *testing.T) {
	id := uuid.New()
	withParam := func(v string) *http.Request {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", v)
		req := httptest.NewRequest(http.MethodGet, "/admin/webhooks/"+v, nil)
		return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}

	got, err := pathUUID(withParam(id.String()), "id")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = pathUUID(withParam("CKD_ABCDEFGH2345"), "id")
	var ve *domainErrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "id", ve.Field)
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 20, false},
		{"limit=50", 50, false},
		{"limit=0", 0, false},
		{"limit=-1", 0, true},
		{"limit=ten", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/webhooks?"+tt.query, nil)
			got, err := queryInt(req, "limit", 20)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
