package controller

import (
	"net/http"
	"testing"

	"github.com/cassiomorais/paygate/internal/domain/apikey"
	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePayment_Created(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	cred := s.credential(t, apikey.ScopePaymentsCreate, apikey.ScopePaymentsRead)

	w := s.do(t, http.MethodPost, "/api/v1/payments", cred, orangeMoneyPayment())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[TransactionResponse](t, w)
	assert.Regexp(t, `^CKD_[A-Z0-9]{12}$`, resp.Reference)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, int64(10000), resp.Amount)
	assert.Equal(t, "XOF", resp.Currency)
	assert.NotNil(t, resp.ProviderReference)
	assert.Len(t, s.txRepo.All(), 1)
}

func TestCreatePayment_Errors(t *testing.T) {
	tests := []struct {
		name   string
		edit   func(*CreatePaymentRequest)
		status int
		code   string
	}{
		{"zero amount", func(r *CreatePaymentRequest) { r.Amount = 0 }, http.StatusBadRequest, "validation_error"},
		{"bad currency length", func(r *CreatePaymentRequest) { r.Currency = "XOFF" }, http.StatusBadRequest, "validation_error"},
		{"bad callback url", func(r *CreatePaymentRequest) { r.CallbackURL = "not a url" }, http.StatusBadRequest, "validation_error"},
		{"unknown provider", func(r *CreatePaymentRequest) { r.Provider = "wave" }, http.StatusBadRequest, "unknown_provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, serverOptions{})
			cred := s.credential(t, apikey.ScopePaymentsCreate)
			req := orangeMoneyPayment()
			tt.edit(&req)

			w := s.do(t, http.MethodPost, "/api/v1/payments", cred, req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
			assert.Empty(t, s.txRepo.All())
		})
	}
}

func TestCreatePayment_ProviderTimeoutIsAccepted(t *testing.T) {
	s := newTestServer(t, serverOptions{sim: []providers.SimulatorOption{providers.WithTimeoutRate(1.0)}})
	cred := s.credential(t, apikey.ScopePaymentsCreate)

	w := s.do(t, http.MethodPost, "/api/v1/payments", cred, orangeMoneyPayment())
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode[TransactionResponse](t, w)
	assert.Equal(t, "pending", resp.Status)
	assert.NotEmpty(t, resp.Reference)
}

func TestCreatePayment_ProviderRejectionCarriesReference(t *testing.T) {
	s := newTestServer(t, serverOptions{sim: []providers.SimulatorOption{providers.WithFailureRate(1.0)}})
	cred := s.credential(t, apikey.ScopePaymentsCreate)

	w := s.do(t, http.MethodPost, "/api/v1/payments", cred, orangeMoneyPayment())
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())

	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "provider_rejected", resp.Code)
	require.Len(t, s.txRepo.All(), 1)
	assert.Equal(t, s.txRepo.All()[0].Reference, resp.Reference)
	assert.Equal(t, transaction.StatusFailed, s.txRepo.All()[0].Status)
}

func TestCreatePayment_IdempotentReplay(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	cred := s.credential(t, apikey.ScopePaymentsCreate)

	first := s.do(t, http.MethodPost, "/api/v1/payments", cred, orangeMoneyPayment(), "Idempotency-Key", "order-42")
	require.Equal(t, http.StatusCreated, first.Code)
	second := s.do(t, http.MethodPost, "/api/v1/payments", cred, orangeMoneyPayment(), "Idempotency-Key", "order-42")

	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Len(t, s.txRepo.All(), 1)
}

func TestCreatePayment_RequiresCreateScope(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	w := s.do(t, http.MethodPost, "/api/v1/payments", "", orangeMoneyPayment())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/payments", s.credential(t, apikey.ScopePaymentsRead), orangeMoneyPayment())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, s.txRepo.All())
}

func TestGetPayment_ByIDAndReference(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	cred := s.credential(t, apikey.ScopePaymentsCreate, apikey.ScopePaymentsRead)
	created := decode[TransactionResponse](t, s.do(t, http.MethodPost, "/api/v1/payments", cred, orangeMoneyPayment()))

	for _, id := range []string{created.ID, created.Reference} {
		w := s.do(t, http.MethodGet, "/api/v1/payments/"+id, cred, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		got := decode[TransactionResponse](t, w)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, created.Reference, got.Reference)
	}
}

func TestGetPayment_Errors(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	cred := s.credential(t, apikey.ScopePaymentsRead)

	tests := []struct {
		name   string
		id     string
		status int
		code   string
	}{
		{"unknown uuid", uuid.NewString(), http.StatusNotFound, "not_found"},
		{"unknown reference", "CKD_AAAAAAAAAAAA", http.StatusNotFound, "not_found"},
		{"malformed id", "not-an-id", http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, "/api/v1/payments/"+tt.id, cred, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestGetStatus_SyncsWithProvider(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	cred := s.credential(t, apikey.ScopePaymentsCreate, apikey.ScopePaymentsRead)
	created := decode[TransactionResponse](t, s.do(t, http.MethodPost, "/api/v1/payments", cred, orangeMoneyPayment()))
	require.NotNil(t, created.ProviderReference)
	require.True(t, s.sim.Settle(*created.ProviderReference, "SUCCESSFUL"))

	w := s.do(t, http.MethodGet, "/api/v1/payments/"+created.Reference+"/status", cred, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[StatusResponse](t, w)
	assert.Equal(t, "success", resp.Status)
	assert.True(t, resp.Changed)
	assert.NotNil(t, resp.CompletedAt)

	w = s.do(t, http.MethodGet, "/api/v1/payments/"+created.ID+"/status", cred, nil)
	assert.False(t, decode[StatusResponse](t, w).Changed)
}

func TestCancelPayment_Endpoint(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	cred := s.credential(t, apikey.ScopePaymentsCreate, apikey.ScopePaymentsCancel)
	created := decode[TransactionResponse](t, s.do(t, http.MethodPost, "/api/v1/payments", cred, orangeMoneyPayment()))

	w := s.do(t, http.MethodPost, "/api/v1/payments/"+created.ID+"/cancel", cred, CancelPaymentRequest{Reason: "customer request"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[TransactionResponse](t, w)
	assert.Equal(t, "canceled", resp.Status)
	assert.Equal(t, "customer request", resp.Metadata["cancel_reason"])

	w = s.do(t, http.MethodPost, "/api/v1/payments/"+created.Reference+"/cancel", cred, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state_transition", decode[ErrorResponse](t, w).Code)
}

func TestListPayments_FiltersAndPaging(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	cred := s.credential(t, apikey.ScopePaymentsRead)
	for i := 0; i < 3; i++ {
		s.txRepo.Add(testutil.NewTestTransaction(providers.OrangeMoney, 5000, "XOF"))
	}
	s.txRepo.Add(testutil.NewTestTransaction(providers.Cards, 250000, "XOF"))

	w := s.do(t, http.MethodGet, "/api/v1/payments?provider=orange-money&per_page=2&page=1", cred, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page := decode[ListResponse[TransactionResponse]](t, w)
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Data, 2)
	assert.Equal(t, 2, page.Limit)
	assert.Equal(t, 0, page.Offset)

	w = s.do(t, http.MethodGet, "/api/v1/payments?provider=orange-money&per_page=2&page=2", cred, nil)
	page = decode[ListResponse[TransactionResponse]](t, w)
	assert.Len(t, page.Data, 1)
	assert.Equal(t, 2, page.Offset)

	w = s.do(t, http.MethodGet, "/api/v1/payments?amount_min=100000", cred, nil)
	page = decode[ListResponse[TransactionResponse]](t, w)
	require.Len(t, page.Data, 1)
	assert.Equal(t, providers.Cards, page.Data[0].Provider)
}

func TestListPayments_RejectsBadFilters(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	cred := s.credential(t, apikey.ScopePaymentsRead)

	for _, q := range []string{
		"status=bogus",
		"per_page=500",
		"direction=sideways",
		"amount_min=10&amount_max=5",
		"date_from=yesterday",
		"date_from=2026-03-02&date_to=2026-03-01",
		"offset=-1",
	} {
		t.Run(q, func(t *testing.T) {
			w := s.do(t, http.MethodGet, "/api/v1/payments?"+q, cred, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}
