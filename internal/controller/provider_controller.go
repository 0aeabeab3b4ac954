package controller

import (
	"errors"
	"net/http"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/go-chi/chi/v5"
)

// ProviderController exposes provider capabilities and helpers.
type ProviderController struct {
	orchestrator *service.PaymentOrchestrator
}

func NewProviderController(orchestrator *service.PaymentOrchestrator) *ProviderController {
	return &ProviderController{orchestrator: orchestrator}
}

// ListProviders handles GET /api/v1/providers
func (h *ProviderController) ListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orchestrator.ListProviders())
}

// GetProvider handles GET /api/v1/providers/{provider}
func (h *ProviderController) GetProvider(w http.ResponseWriter, r *http.Request) {
	info, err := h.orchestrator.ProviderInfo(chi.URLParam(r, "provider"))
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ValidatePhone handles POST /api/v1/validate/phone
func (h *ProviderController) ValidatePhone(w http.ResponseWriter, r *http.Request) {
	var req ValidatePhoneRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	valid, err := h.orchestrator.ValidatePhone(req.Provider, req.Phone)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PhoneValidationResponse{Provider: req.Provider, Phone: req.Phone, Valid: valid})
}

// Currencies handles GET /api/v1/currencies and /api/v1/currencies/{provider}
func (h *ProviderController) Currencies(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	currencies, err := h.orchestrator.SupportedCurrencies(provider)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CurrenciesResponse{Provider: provider, Currencies: currencies})
}

// writeProviderError answers 404 for a provider named in the path.
func writeProviderError(w http.ResponseWriter, err error) {
	if errors.Is(err, domainErrors.ErrProviderNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
		return
	}
	writeError(w, err)
}
