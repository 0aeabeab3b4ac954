package providers

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cassiomorais/paygate/internal/infrastructure/config"
	"github.com/google/uuid"
)

// Simulator stands in for a provider API in sandbox mode. It keeps the payments it
// created in memory so status polls and cancellations behave consistently.
type Simulator struct {
	p            profile
	failureRate  float64 // 0.0 to 1.0
	latency      time.Duration
	timeoutRate  float64 // 0.0 to 1.0
	settleAfter  time.Duration
	settleStatus string
	now          func() time.Time

	mu       sync.Mutex
	payments map[string]*simPayment
}

type simPayment struct {
	externalID string
	status     string
	createdAt  time.Time
}

type SimulatorOption func(*Simulator)

func WithFailureRate(rate float64) SimulatorOption {
	return func(s *Simulator) { s.failureRate = rate }
}

func WithLatency(d time.Duration) SimulatorOption {
	return func(s *Simulator) { s.latency = d }
}

func WithTimeoutRate(rate float64) SimulatorOption {
	return func(s *Simulator) { s.timeoutRate = rate }
}

// WithAutoSettle makes pending payments report status once they are older than after.
func WithAutoSettle(after time.Duration, status string) SimulatorOption {
	return func(s *Simulator) {
		s.settleAfter = after
		s.settleStatus = status
	}
}

func WithClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) { s.now = now }
}

func simulatorOptions(cfg config.SimulatorConfig) []SimulatorOption {
	opts := []SimulatorOption{
		WithLatency(cfg.Latency),
		WithFailureRate(cfg.FailureRate),
		WithTimeoutRate(cfg.TimeoutRate),
	}
	if cfg.SettleAfter > 0 {
		opts = append(opts, WithAutoSettle(cfg.SettleAfter, cfg.SettleStatus))
	}
	return opts
}

func newSimulator(p profile, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		p:        p,
		latency:  0,
		now:      time.Now,
		payments: make(map[string]*simPayment),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Settle forces the provider-side status of a payment. It reports whether the payment exists.
func (s *Simulator) Settle(providerReference, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[providerReference]
	if ok {
		p.status = status
	}
	return ok
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(s.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) create(ctx context.Context, body map[string]any) (*response, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	// Simulate timeout
	if rand.Float64() < s.timeoutRate {
		return nil, fmt.Errorf("%s: simulated timeout: %w", s.p.name, context.DeadlineExceeded)
	}

	// Simulate failure
	if rand.Float64() < s.failureRate {
		return &response{code: http.StatusPaymentRequired, body: map[string]any{
			"status":  "FAILED",
			"message": fmt.Sprintf("%s: simulated processing failure", s.p.name),
		}}, nil
	}

	id := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:13])
	now := s.now()
	ext := s.p.externalPrefix + id
	ref := s.p.referencePrefix + id

	s.mu.Lock()
	s.payments[ref] = &simPayment{externalID: ext, status: "PENDING", createdAt: now}
	s.mu.Unlock()

	return &response{code: http.StatusCreated, body: map[string]any{
		s.p.externalIDField: ext,
		s.p.referenceField:  ref,
		"status":            "PENDING",
		"payment_url":       s.p.paymentURLBase + id,
		"expires_at":        now.Add(30 * time.Minute).UTC().Format(time.RFC3339),
		"amount":            body["amount"],
		"currency":          body["currency"],
	}}, nil
}

func (s *Simulator) status(ctx context.Context, ref string) (*response, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[ref]
	if !ok {
		return &response{code: http.StatusNotFound, body: map[string]any{"message": "payment not found"}}, nil
	}
	if s.settleAfter > 0 && strings.EqualFold(p.status, "PENDING") && s.now().Sub(p.createdAt) >= s.settleAfter {
		p.status = s.settleStatus
	}
	return &response{code: http.StatusOK, body: map[string]any{
		"status":            p.status,
		s.p.referenceField:  ref,
		s.p.externalIDField: p.externalID,
		"updated_at":        s.now().UTC().Format(time.RFC3339),
	}}, nil
}

func (s *Simulator) cancel(ctx context.Context, ref string) (*response, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[ref]
	if !ok {
		return &response{code: http.StatusNotFound, body: map[string]any{"message": "payment not found"}}, nil
	}
	if NormalizeStatus(s.p.name, p.status).IsTerminal() {
		return &response{code: http.StatusConflict, body: map[string]any{
			"message": fmt.Sprintf("payment already %s", strings.ToLower(p.status)),
		}}, nil
	}
	p.status = "CANCELLED"
	return &response{code: http.StatusOK, body: map[string]any{
		"status":           p.status,
		s.p.referenceField: ref,
		"cancelled_at":     s.now().UTC().Format(time.RFC3339),
	}}, nil
}
