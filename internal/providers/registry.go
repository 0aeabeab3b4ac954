package providers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/infrastructure/config"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Observer receives per-call outcomes and breaker state changes.
type Observer interface {
	ObserveProviderCall(provider, operation, result string, d time.Duration)
	SetCircuitState(provider string, state int)
}

// Registry resolves provider names to adapters. It is immutable once built.
type Registry struct {
	adapters map[string]Adapter
	names    []string
}

type registryOptions struct {
	breaker  config.CircuitBreakerConfig
	observer Observer
	logger   zerolog.Logger
}

// NewRegistry validates and registers adapters, wrapping each in a circuit breaker
// with default settings.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	return newRegistry(registryOptions{logger: zerolog.Nop()}, adapters...)
}

func newRegistry(opts registryOptions, adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.register(a, opts); err != nil {
			return nil, err
		}
	}
	sort.Strings(r.names)
	return r, nil
}

func (r *Registry) register(a Adapter, opts registryOptions) error {
	if a == nil {
		return domainErrors.NewConfigurationError("", "adapter", "is nil")
	}
	name := a.Name()
	if name == "" {
		return domainErrors.NewConfigurationError("", "name", "is empty")
	}
	if _, dup := r.adapters[name]; dup {
		return domainErrors.NewConfigurationError(name, "name", "is registered twice")
	}
	if len(a.SupportedCurrencies()) == 0 {
		return domainErrors.NewConfigurationError(name, "currencies", "must not be empty")
	}
	r.adapters[name] = newBreakerAdapter(a, opts)
	r.names = append(r.names, name)
	return nil
}

// Resolve returns the adapter registered under name.
func (r *Registry) Resolve(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, &domainErrors.UnknownProviderError{Provider: name}
	}
	return a, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.adapters[name]
	return ok
}

// Names returns registered provider names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// BuildRegistry constructs adapters for every enabled provider in cfg.
func BuildRegistry(cfg *config.Config, signer Signer, obs Observer, logger zerolog.Logger) (*Registry, error) {
	var adapters []Adapter
	for _, name := range cfg.EnabledProviders() {
		a, err := NewAdapter(name, cfg.Providers[name], signer)
		if err != nil {
			return nil, err
		}
		logger.Info().
			Str("provider", name).
			Bool("sandbox", cfg.Providers[name].Sandbox).
			Strs("currencies", a.SupportedCurrencies()).
			Msg("provider registered")
		adapters = append(adapters, a)
	}
	return newRegistry(registryOptions{
		breaker:  cfg.Payment.CircuitBreaker,
		observer: obs,
		logger:   logger,
	}, adapters...)
}

// breakerAdapter guards network calls with a circuit breaker. Definitive rejections
// count as successes: the provider answered, so it is healthy.
type breakerAdapter struct {
	Adapter
	cb       *gobreaker.CircuitBreaker[any]
	observer Observer
}

func newBreakerAdapter(a Adapter, opts registryOptions) *breakerAdapter {
	s := opts.breaker
	if s.MaxRequests == 0 {
		s.MaxRequests = 10
	}
	if s.MinRequests == 0 {
		s.MinRequests = 10
	}
	if s.FailureRatio == 0 {
		s.FailureRatio = 0.6
	}
	if s.Interval == 0 {
		s.Interval = 60 * time.Second
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}

	b := &breakerAdapter{Adapter: a, observer: opts.observer}
	logger := opts.logger
	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        a.Name(),
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isAmbiguous(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			if b.observer != nil {
				b.observer.SetCircuitState(name, int(to))
			}
		},
	})
	return b
}

func isAmbiguous(err error) bool {
	var pe *domainErrors.ProviderError
	if errors.As(err, &pe) {
		return pe.Timeout
	}
	return !errors.Is(err, domainErrors.ErrCapabilityNotSupported) && !errors.Is(err, domainErrors.ErrConfiguration)
}

func guard[T any](b *breakerAdapter, op string, fn func() (T, error)) (T, error) {
	var zero T
	start := time.Now()
	out, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	b.observe(op, err, time.Since(start))

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// The provider was never called, so nothing can have been charged.
		return zero, &domainErrors.ProviderError{
			Provider:   b.Name(),
			Operation:  op,
			StatusCode: http.StatusServiceUnavailable,
			Message:    "circuit open",
			Err:        err,
		}
	}
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

func (b *breakerAdapter) observe(op string, err error, d time.Duration) {
	if b.observer == nil {
		return
	}
	result := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "circuit_open"
	case errors.Is(err, domainErrors.ErrProviderTimeout):
		result = "timeout"
	case err != nil:
		result = "rejected"
	}
	b.observer.ObserveProviderCall(b.Name(), op, result, d)
}

func (b *breakerAdapter) CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	return guard(b, "create_payment", func() (*CreateResult, error) {
		return b.Adapter.CreatePayment(ctx, req)
	})
}

func (b *breakerAdapter) GetPaymentStatus(ctx context.Context, providerReference string) (*StatusResult, error) {
	return guard(b, "get_payment_status", func() (*StatusResult, error) {
		return b.Adapter.GetPaymentStatus(ctx, providerReference)
	})
}

func (b *breakerAdapter) CancelPayment(ctx context.Context, providerReference string) (*CancelResult, error) {
	return guard(b, "cancel_payment", func() (*CancelResult, error) {
		return b.Adapter.CancelPayment(ctx, providerReference)
	})
}
