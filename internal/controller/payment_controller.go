package controller

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// PaymentController handles the merchant-facing payment endpoints.
type PaymentController struct {
	orchestrator *service.PaymentOrchestrator
}

func NewPaymentController(orchestrator *service.PaymentOrchestrator) *PaymentController {
	return &PaymentController{orchestrator: orchestrator}
}

// CreatePayment handles POST /api/v1/payments.
//
// A provider timeout leaves the payment pending and answers 202 so the merchant
// still learns the reference. Any other provider failure is reported as an
// error carrying the reference of the failed transaction.
func (h *PaymentController) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	t, err := h.orchestrator.CreatePayment(r.Context(), req.toInput())
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, FromTransaction(t))
	case t != nil && errors.Is(err, domainErrors.ErrProviderTimeout):
		writeJSON(w, http.StatusAccepted, FromTransaction(t))
	case t != nil:
		status, resp := errorResponse(err)
		resp.Reference = t.Reference
		writeJSON(w, status, resp)
	default:
		writeError(w, err)
	}
}

// GetPayment handles GET /api/v1/payments/{id}. The id may also be a CKD_ reference.
func (h *PaymentController) GetPayment(w http.ResponseWriter, r *http.Request) {
	d, err := h.details(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromDetails(d))
}

// GetStatus handles GET /api/v1/payments/{id}/status. Open payments are
// reconciled with the provider before answering.
func (h *PaymentController) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := h.resolveID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	t, changed, err := h.orchestrator.SyncStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromStatus(t, changed))
}

// ListPayments handles GET /api/v1/payments.
func (h *PaymentController) ListPayments(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	list, err := h.orchestrator.ListPayments(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := ListResponse[TransactionResponse]{
		Data:   make([]TransactionResponse, 0, len(list.Items)),
		Total:  list.Total,
		Limit:  list.Limit,
		Offset: list.Offset,
	}
	for _, t := range list.Items {
		resp.Data = append(resp.Data, FromTransaction(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelPayment handles POST /api/v1/payments/{id}/cancel. The body is optional.
func (h *PaymentController) CancelPayment(w http.ResponseWriter, r *http.Request) {
	id, err := h.resolveID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req CancelPaymentRequest
	if r.ContentLength != 0 {
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	t, err := h.orchestrator.CancelPayment(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromTransaction(t))
}

func (h *PaymentController) details(r *http.Request) (*service.PaymentDetails, error) {
	raw := chi.URLParam(r, "id")
	if transaction.ReferencePattern.MatchString(raw) {
		return h.orchestrator.GetPaymentByReference(r.Context(), raw)
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		return nil, err
	}
	return h.orchestrator.GetPayment(r.Context(), id)
}

func (h *PaymentController) resolveID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	if !transaction.ReferencePattern.MatchString(raw) {
		return pathUUID(r, "id")
	}
	d, err := h.orchestrator.GetPaymentByReference(r.Context(), raw)
	if err != nil {
		return uuid.Nil, err
	}
	return d.Transaction.ID, nil
}

// parseListFilter accepts page/per_page as well as limit/offset.
func parseListFilter(r *http.Request) (transaction.ListFilter, error) {
	q := r.URL.Query()
	var f transaction.ListFilter

	if s := q.Get("status"); s != "" {
		st, err := transaction.ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Status = &st
	}
	if s := q.Get("provider"); s != "" {
		f.Provider = &s
	}
	if s := q.Get("currency"); s != "" {
		c := strings.ToUpper(s)
		f.Currency = &c
	}

	var err error
	if f.MinAmount, err = queryAmount(r, "amount_min"); err != nil {
		return f, err
	}
	if f.MaxAmount, err = queryAmount(r, "amount_max"); err != nil {
		return f, err
	}
	if f.MinAmount != nil && f.MaxAmount != nil && *f.MaxAmount < *f.MinAmount {
		return f, domainErrors.NewValidationError("amount_max", "must be greater than or equal to amount_min")
	}
	if f.From, err = queryTime(r, "date_from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(r, "date_to"); err != nil {
		return f, err
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, domainErrors.NewValidationError("date_to", "must not be before date_from")
	}

	perPage, err := queryInt(r, "per_page", 0)
	if err != nil {
		return f, err
	}
	if perPage == 0 {
		if perPage, err = queryInt(r, "limit", defaultPageSize); err != nil {
			return f, err
		}
	}
	if perPage == 0 {
		perPage = defaultPageSize
	}
	if perPage > maxPageSize {
		return f, domainErrors.NewValidationError("per_page", "must not exceed "+strconv.Itoa(maxPageSize))
	}
	f.Limit = perPage

	if q.Has("page") {
		page, err := queryInt(r, "page", 1)
		if err != nil {
			return f, err
		}
		if page < 1 {
			page = 1
		}
		f.Offset = (page - 1) * perPage
	} else if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		return f, err
	}

	f.SortBy = q.Get("sort")
	f.SortOrder = q.Get("direction")
	if f.SortOrder != "" && f.SortOrder != "asc" && f.SortOrder != "desc" {
		return f, domainErrors.NewValidationError("direction", "must be asc or desc")
	}
	return f, nil
}

func queryAmount(r *http.Request, name string) (*int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return nil, domainErrors.NewValidationError(name, "must be a non-negative amount in minor units")
	}
	return &n, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates.
func queryTime(r *http.Request, name string) (*time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, domainErrors.NewValidationError(name, "must be a date (YYYY-MM-DD) or RFC 3339 timestamp")
}
