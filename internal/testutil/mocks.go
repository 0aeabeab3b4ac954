package testutil

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/apikey"
	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/outbox"
	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/cassiomorais/paygate/internal/domain/webhook"
	"github.com/google/uuid"
)

// --- Transaction Repository Mock ---

// MockTransactionRepository is an in-memory transaction.Repository. Stored values are
// copies, so callers only see changes they persist.
type MockTransactionRepository struct {
	mu           sync.Mutex
	transactions map[uuid.UUID]*transaction.Transaction

	CreateFunc        func(ctx context.Context, t *transaction.Transaction) error
	UpdateFunc        func(ctx context.Context, t *transaction.Transaction) error
	FindForUpdateFunc func(ctx context.Context, ref string) (*transaction.Transaction, error)
	ListSyncableFunc  func(ctx context.Context, filter transaction.SyncFilter) ([]*transaction.Transaction, error)
	ReferenceTaken    func(ref string) bool
}

func NewMockTransactionRepository() *MockTransactionRepository {
	return &MockTransactionRepository{transactions: make(map[uuid.UUID]*transaction.Transaction)}
}

func copyTransaction(t *transaction.Transaction) *transaction.Transaction {
	cp := *t
	cp.Metadata = maps.Clone(t.Metadata)
	cp.ProviderData = maps.Clone(t.ProviderData)
	return &cp
}

// Add stores t directly, bypassing CreateFunc.
func (m *MockTransactionRepository) Add(t *transaction.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[t.ID] = copyTransaction(t)
}

// Get returns the stored copy, or nil.
func (m *MockTransactionRepository) Get(id uuid.UUID) *transaction.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil
	}
	return copyTransaction(t)
}

func (m *MockTransactionRepository) All() []*transaction.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*transaction.Transaction, 0, len(m.transactions))
	for _, t := range m.transactions {
		out = append(out, copyTransaction(t))
	}
	return out
}

func (m *MockTransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.transactions {
		if existing.Reference == t.Reference {
			return &domainErrors.DuplicateReferenceError{Reference: t.Reference}
		}
	}
	m.transactions[t.ID] = copyTransaction(t)
	return nil
}

func (m *MockTransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok || t.RetiredAt != nil {
		return nil, domainErrors.ErrTransactionNotFound
	}
	return copyTransaction(t), nil
}

func (m *MockTransactionRepository) GetByReference(ctx context.Context, reference string) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions {
		if t.Reference == reference && t.RetiredAt == nil {
			return copyTransaction(t), nil
		}
	}
	return nil, domainErrors.ErrTransactionNotFound
}

func (m *MockTransactionRepository) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	if m.ReferenceTaken != nil && m.ReferenceTaken(reference) {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions {
		if t.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockTransactionRepository) FindForUpdate(ctx context.Context, ref string) (*transaction.Transaction, error) {
	if m.FindForUpdateFunc != nil {
		return m.FindForUpdateFunc(ctx, ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var byProviderRef *transaction.Transaction
	for _, t := range m.transactions {
		if t.Reference == ref {
			return copyTransaction(t), nil
		}
		if t.ProviderReference != nil && *t.ProviderReference == ref {
			byProviderRef = t
		}
	}
	if byProviderRef != nil {
		return copyTransaction(byProviderRef), nil
	}
	return nil, domainErrors.ErrTransactionNotFound
}

func (m *MockTransactionRepository) LockByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	return m.GetByID(ctx, id)
}

func (m *MockTransactionRepository) Update(ctx context.Context, t *transaction.Transaction) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[t.ID]; !ok {
		return domainErrors.ErrTransactionNotFound
	}
	m.transactions[t.ID] = copyTransaction(t)
	return nil
}

func (m *MockTransactionRepository) filtered(filter transaction.ListFilter) []*transaction.Transaction {
	var out []*transaction.Transaction
	for _, t := range m.transactions {
		switch {
		case t.RetiredAt != nil && !filter.IncludeRetired:
		case filter.Status != nil && t.Status != *filter.Status:
		case filter.Provider != nil && t.Provider != *filter.Provider:
		case filter.Currency != nil && t.Amount.Currency != *filter.Currency:
		case filter.MinAmount != nil && t.Amount.Minor < *filter.MinAmount:
		case filter.MaxAmount != nil && t.Amount.Minor > *filter.MaxAmount:
		default:
			out = append(out, copyTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MockTransactionRepository) List(ctx context.Context, filter transaction.ListFilter) ([]*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filtered(filter)
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MockTransactionRepository) Count(ctx context.Context, filter transaction.ListFilter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.filtered(filter))), nil
}

func (m *MockTransactionRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*transaction.Transaction
	for _, t := range m.transactions {
		if !t.IsFinal() && t.RetiredAt == nil && t.IsExpired(now) {
			out = append(out, copyTransaction(t))
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockTransactionRepository) ListSyncable(ctx context.Context, filter transaction.SyncFilter) ([]*transaction.Transaction, error) {
	if m.ListSyncableFunc != nil {
		return m.ListSyncableFunc(ctx, filter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*transaction.Transaction
	for _, t := range m.transactions {
		switch {
		case t.IsFinal() || t.ProviderReference == nil || t.RetiredAt != nil:
		case filter.Reference != "" && t.Reference != filter.Reference:
		case filter.Provider != "" && t.Provider != filter.Provider:
		default:
			out = append(out, copyTransaction(t))
		}
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MockTransactionRepository) RetireOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.transactions {
		if t.RetiredAt != nil || !t.IsFinal() || !t.CreatedAt.Before(cutoff) {
			continue
		}
		n++
		if !dryRun {
			t.Retire(cutoff)
		}
	}
	return n, nil
}

// --- Payment Repository Mock ---

// MockPaymentRepository is an in-memory transaction.PaymentRepository.
type MockPaymentRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*transaction.Payment

	SaveFunc func(ctx context.Context, p *transaction.Payment) error
}

func NewMockPaymentRepository() *MockPaymentRepository {
	return &MockPaymentRepository{payments: make(map[uuid.UUID]*transaction.Payment)}
}

func copyPayment(p *transaction.Payment) *transaction.Payment {
	cp := *p
	cp.ProviderData = maps.Clone(p.ProviderData)
	return &cp
}

func (m *MockPaymentRepository) GetByProviderPaymentID(ctx context.Context, transactionID uuid.UUID, providerPaymentID string) (*transaction.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TransactionID == transactionID && p.ProviderPaymentID == providerPaymentID {
			return copyPayment(p), nil
		}
	}
	return nil, domainErrors.ErrPaymentNotFound
}

func (m *MockPaymentRepository) Save(ctx context.Context, p *transaction.Payment) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.payments {
		if existing.TransactionID == p.TransactionID && existing.ProviderPaymentID == p.ProviderPaymentID {
			p.ID = id
		}
	}
	m.payments[p.ID] = copyPayment(p)
	return nil
}

func (m *MockPaymentRepository) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*transaction.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*transaction.Payment
	for _, p := range m.payments {
		if p.TransactionID == transactionID {
			out = append(out, copyPayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Webhook Log Repository Mock ---

// MockWebhookLogRepository is an in-memory webhook.Repository.
type MockWebhookLogRepository struct {
	mu   sync.Mutex
	logs map[uuid.UUID]*webhook.Log

	CreateFunc func(ctx context.Context, l *webhook.Log) error
}

func NewMockWebhookLogRepository() *MockWebhookLogRepository {
	return &MockWebhookLogRepository{logs: make(map[uuid.UUID]*webhook.Log)}
}

func copyLog(l *webhook.Log) *webhook.Log {
	cp := *l
	cp.Payload = slices.Clone(l.Payload)
	cp.Headers = maps.Clone(l.Headers)
	return &cp
}

func (m *MockWebhookLogRepository) All() []*webhook.Log {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*webhook.Log, 0, len(m.logs))
	for _, l := range m.logs {
		out = append(out, copyLog(l))
	}
	return out
}

func (m *MockWebhookLogRepository) Create(ctx context.Context, l *webhook.Log) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, l)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[l.ID] = copyLog(l)
	return nil
}

func (m *MockWebhookLogRepository) GetByID(ctx context.Context, id uuid.UUID) (*webhook.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, domainErrors.ErrWebhookNotFound
	}
	return copyLog(l), nil
}

func (m *MockWebhookLogRepository) LockByID(ctx context.Context, id uuid.UUID) (*webhook.Log, error) {
	return m.GetByID(ctx, id)
}

func (m *MockWebhookLogRepository) Update(ctx context.Context, l *webhook.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[l.ID]; !ok {
		return domainErrors.ErrWebhookNotFound
	}
	m.logs[l.ID] = copyLog(l)
	return nil
}

func (m *MockWebhookLogRepository) List(ctx context.Context, filter webhook.ListFilter) ([]*webhook.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*webhook.Log
	for _, l := range m.logs {
		if filter.Status != nil && l.Status != *filter.Status {
			continue
		}
		if filter.Provider != nil && l.Provider != *filter.Provider {
			continue
		}
		out = append(out, copyLog(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MockWebhookLogRepository) ListRetryable(ctx context.Context, filter webhook.RetryFilter) ([]*webhook.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*webhook.Log
	for _, l := range m.logs {
		if filter.Provider != "" && l.Provider != filter.Provider {
			continue
		}
		if l.Eligible(filter.Now, filter.MaxAttempts) {
			out = append(out, copyLog(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MockWebhookLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, l := range m.logs {
		if l.CreatedAt.Before(cutoff) {
			n++
			if !dryRun {
				delete(m.logs, id)
			}
		}
	}
	return n, nil
}

// --- API Key Repository Mock ---

type MockAPIKeyRepository struct {
	mu   sync.Mutex
	keys map[string]*apikey.APIKey

	TouchLastUsedFunc func(ctx context.Context, keyID string) error
}

func NewMockAPIKeyRepository() *MockAPIKeyRepository {
	return &MockAPIKeyRepository{keys: make(map[string]*apikey.APIKey)}
}

func copyKey(k *apikey.APIKey) *apikey.APIKey {
	cp := *k
	cp.Scopes = slices.Clone(k.Scopes)
	return &cp
}

func (m *MockAPIKeyRepository) Create(ctx context.Context, k *apikey.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[k.KeyID]; ok {
		return domainErrors.ErrInvalidInput
	}
	m.keys[k.KeyID] = copyKey(k)
	return nil
}

func (m *MockAPIKeyRepository) GetByKeyID(ctx context.Context, keyID string) (*apikey.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return nil, domainErrors.ErrAPIKeyNotFound
	}
	return copyKey(k), nil
}

func (m *MockAPIKeyRepository) Update(ctx context.Context, k *apikey.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[k.KeyID]; !ok {
		return domainErrors.ErrAPIKeyNotFound
	}
	m.keys[k.KeyID] = copyKey(k)
	return nil
}

func (m *MockAPIKeyRepository) TouchLastUsed(ctx context.Context, keyID string) error {
	if m.TouchLastUsedFunc != nil {
		return m.TouchLastUsedFunc(ctx, keyID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return domainErrors.ErrAPIKeyNotFound
	}
	k.Touch(time.Now().UTC())
	return nil
}

func (m *MockAPIKeyRepository) List(ctx context.Context, includeRevoked bool) ([]*apikey.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*apikey.APIKey
	for _, k := range m.keys {
		if k.RevokedAt != nil && !includeRevoked {
			continue
		}
		out = append(out, copyKey(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// --- Transaction Manager Mock ---

// MockUnitOfWork runs fn inline, or delegates to AtomicallyFunc.
type MockUnitOfWork struct {
	AtomicallyFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockUnitOfWork() *MockUnitOfWork {
	return &MockUnitOfWork{}
}

func (m *MockUnitOfWork) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.AtomicallyFunc != nil {
		return m.AtomicallyFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Outbox Repository Mock ---

// MockOutboxRepository records inserted entries and tracks their status.
type MockOutboxRepository struct {
	mu      sync.Mutex
	entries []*outbox.Entry

	InsertFunc func(ctx context.Context, entry *outbox.Entry) error
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{}
}

// Entries returns everything inserted, in order.
func (m *MockOutboxRepository) Entries() []*outbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

// EventTypes lists the event types inserted, in order.
func (m *MockOutboxRepository) EventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.EventType
	}
	return out
}

func (m *MockOutboxRepository) Insert(ctx context.Context, entry *outbox.Entry) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*outbox.Entry
	for _, e := range m.entries {
		if e.Status == outbox.StatusPending {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockOutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			now := time.Now().UTC()
			e.Status = outbox.StatusPublished
			e.PublishedAt = &now
		}
	}
	return nil
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			e.RetryCount++
			if e.RetryCount >= e.MaxRetries {
				e.Status = outbox.StatusFailed
			}
		}
	}
	return nil
}

func (m *MockOutboxRepository) PurgeSettled(ctx context.Context, before time.Time, dryRun bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0:0]
	var n int64
	for _, e := range m.entries {
		if e.Status != outbox.StatusPending && e.CreatedAt.Before(before) {
			n++
			if !dryRun {
				continue
			}
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

// --- Idempotency Cleaner Mock ---

type MockIdempotencyCleaner struct {
	Purged int64
	Calls  []bool
}

func (m *MockIdempotencyCleaner) Cleanup(ctx context.Context, dryRun bool) (int64, error) {
	m.Calls = append(m.Calls, dryRun)
	return m.Purged, nil
}
