package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/webhook"
	"github.com/cassiomorais/paygate/internal/infrastructure/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 1 << 20

type response struct {
	code int
	body map[string]any
}

// upstream is the provider endpoint: the real REST API or the in-process Simulator.
type upstream interface {
	create(ctx context.Context, body map[string]any) (*response, error)
	status(ctx context.Context, providerReference string) (*response, error)
	cancel(ctx context.Context, providerReference string) (*response, error)
}

type restAdapter struct {
	p  profile
	up upstream
}

// NewAdapter builds the adapter for a configured provider. Sandbox providers without
// an api_url talk to an in-process Simulator.
func NewAdapter(name string, cfg config.ProviderConfig, signer Signer) (Adapter, error) {
	p, ok := profileFor(name)
	if !ok {
		return nil, &domainErrors.UnknownProviderError{Provider: name}
	}
	if len(cfg.Currencies) > 0 {
		p.currencies = normalizeCurrencies(cfg.Currencies)
	}
	p.timeout = cfg.Timeout
	p.min, p.max = cfg.MinAmount, cfg.MaxAmount

	if cfg.APIURL == "" {
		if !cfg.Sandbox {
			return nil, domainErrors.NewConfigurationError(name, "api_url", "is required outside sandbox")
		}
		return &restAdapter{p: p, up: newSimulator(p, simulatorOptions(cfg.Simulator)...)}, nil
	}
	if cfg.APIKey == "" {
		return nil, domainErrors.NewConfigurationError(name, "api_key", "is required")
	}
	return &restAdapter{p: p, up: newHTTPUpstream(p, cfg.APIURL, cfg.APIKey, signer)}, nil
}

// NewSimulated returns an adapter backed by a Simulator, for sandbox wiring and tests.
func NewSimulated(name string, opts ...SimulatorOption) (Adapter, *Simulator, error) {
	p, ok := profileFor(name)
	if !ok {
		return nil, nil, &domainErrors.UnknownProviderError{Provider: name}
	}
	sim := newSimulator(p, opts...)
	return &restAdapter{p: p, up: sim}, sim, nil
}

func normalizeCurrencies(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

func (a *restAdapter) Name() string { return a.p.name }

func (a *restAdapter) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.p.timeout > 0 {
		return context.WithTimeout(ctx, a.p.timeout)
	}
	return context.WithCancel(ctx)
}

func (a *restAdapter) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	const op = "create_payment"
	ctx, cancel := a.bound(ctx)
	defer cancel()

	resp, err := a.up.create(ctx, a.p.encode(req))
	if err != nil {
		return nil, a.transportError(op, err)
	}
	if resp.code >= http.StatusMultipleChoices {
		return nil, a.statusError(op, resp)
	}

	ref := webhook.StringField(resp.body, a.p.referenceField)
	if ref == "" {
		// Accepted but unidentifiable: only reconciliation can tell what happened.
		return nil, &domainErrors.ProviderError{
			Provider: a.p.name, Operation: op, StatusCode: resp.code,
			Message: "response missing " + a.p.referenceField, Timeout: true,
		}
	}
	return &CreateResult{
		ExternalID:        webhook.StringField(resp.body, a.p.externalIDField),
		ProviderReference: ref,
		Status:            NormalizeStatus(a.p.name, webhook.ExtractStatus(resp.body)),
		ProviderData:      resp.body,
	}, nil
}

func (a *restAdapter) GetPaymentStatus(ctx context.Context, providerReference string) (*StatusResult, error) {
	const op = "get_payment_status"
	ctx, cancel := a.bound(ctx)
	defer cancel()

	resp, err := a.up.status(ctx, providerReference)
	if err != nil {
		return nil, a.transportError(op, err)
	}
	if resp.code == http.StatusNotFound {
		return &StatusResult{NotFound: true, Raw: resp.body}, nil
	}
	if resp.code >= http.StatusMultipleChoices {
		return nil, a.statusError(op, resp)
	}
	raw := webhook.ExtractStatus(resp.body)
	return &StatusResult{
		Status:    NormalizeStatus(a.p.name, raw),
		RawStatus: raw,
		Raw:       resp.body,
	}, nil
}

func (a *restAdapter) CancelPayment(ctx context.Context, providerReference string) (*CancelResult, error) {
	const op = "cancel_payment"
	if !a.p.capabilities.Cancel {
		return nil, domainErrors.ErrCapabilityNotSupported
	}
	ctx, cancel := a.bound(ctx)
	defer cancel()

	resp, err := a.up.cancel(ctx, providerReference)
	if err != nil {
		return nil, a.transportError(op, err)
	}
	if resp.code >= http.StatusMultipleChoices {
		return nil, a.statusError(op, resp)
	}
	return &CancelResult{
		Status: NormalizeStatus(a.p.name, webhook.ExtractStatus(resp.body)),
		Raw:    resp.body,
	}, nil
}

func (a *restAdapter) ValidatePhoneNumber(phone string) bool {
	if a.p.phone == nil {
		return true
	}
	return a.p.phone.MatchString(strings.ReplaceAll(phone, " ", ""))
}

func (a *restAdapter) RequiresPhone() bool { return a.p.phone != nil }

func (a *restAdapter) SupportedCurrencies() []string { return slices.Clone(a.p.currencies) }

func (a *restAdapter) Capabilities() Capabilities { return a.p.capabilities }

func (a *restAdapter) AmountLimits() (int64, int64) { return a.p.min, a.p.max }

func (a *restAdapter) ProcessWebhook(payload map[string]any, _ http.Header) (*WebhookResult, error) {
	raw := webhook.ExtractStatus(payload)
	ref := webhook.StringField(payload, a.p.referenceField)
	if ref == "" {
		ref = webhook.StringField(payload, "transaction_id")
	}
	return &WebhookResult{
		Status:            NormalizeStatus(a.p.name, raw),
		RawStatus:         raw,
		ProviderReference: ref,
	}, nil
}

// transportError covers failures where the provider may or may not have acted.
func (a *restAdapter) transportError(op string, err error) error {
	var pe *domainErrors.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &domainErrors.ProviderError{
		Provider:  a.p.name,
		Operation: op,
		Message:   err.Error(),
		Timeout:   true,
		Err:       err,
	}
}

// statusError maps an HTTP error answer. 5xx and 408 are ambiguous; other codes are definitive.
func (a *restAdapter) statusError(op string, resp *response) error {
	msg := webhook.StringField(resp.body, "message")
	if msg == "" {
		msg = webhook.StringField(resp.body, "error")
	}
	if msg == "" {
		msg = http.StatusText(resp.code)
	}
	return &domainErrors.ProviderError{
		Provider:   a.p.name,
		Operation:  op,
		StatusCode: resp.code,
		Message:    msg,
		Timeout:    resp.code >= http.StatusInternalServerError || resp.code == http.StatusRequestTimeout,
	}
}

type httpUpstream struct {
	p       profile
	baseURL string
	apiKey  string
	signer  Signer
	client  *http.Client
}

func newHTTPUpstream(p profile, baseURL, apiKey string, signer Signer) *httpUpstream {
	return &httpUpstream{
		p:       p,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		signer:  signer,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (u *httpUpstream) create(ctx context.Context, body map[string]any) (*response, error) {
	return u.do(ctx, http.MethodPost, u.p.createPath, body)
}

func (u *httpUpstream) status(ctx context.Context, ref string) (*response, error) {
	return u.do(ctx, http.MethodGet, fmt.Sprintf(u.p.statusPath, url.PathEscape(ref)), nil)
}

func (u *httpUpstream) cancel(ctx context.Context, ref string) (*response, error) {
	return u.do(ctx, http.MethodPost, fmt.Sprintf(u.p.cancelPath, url.PathEscape(ref)), nil)
}

func (u *httpUpstream) do(ctx context.Context, method, path string, body map[string]any) (*response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode %s request: %w", u.p.name, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", u.p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.apiKey)

	// Request signing is optional: without an api_secret the header is omitted.
	if u.signer != nil {
		sig, err := u.signer.Sign(u.p.name, method, path, string(payload))
		switch {
		case err == nil:
			req.Header.Set("X-Signature", sig)
		case !errors.Is(err, domainErrors.ErrConfiguration):
			return nil, err
		}
	}

	res, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", u.p.name, err)
	}
	if u.signer != nil && res.StatusCode < http.StatusMultipleChoices &&
		!u.signer.VerifyResponse(u.p.name, raw, res.Header.Get("X-Signature")) {
		return nil, fmt.Errorf("%s response signature mismatch", u.p.name)
	}

	out := &response{code: res.StatusCode, body: map[string]any{}}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out.body); err != nil {
		if res.StatusCode < http.StatusMultipleChoices {
			return nil, fmt.Errorf("decode %s response: %w", u.p.name, err)
		}
		out.body = map[string]any{"message": strings.TrimSpace(string(raw))}
	}
	return out, nil
}
