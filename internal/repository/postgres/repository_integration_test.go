//go:build integration

package postgres

import (
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/apikey"
	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/outbox"
	"github.com/cassiomorais/paygate/internal/domain/transaction"
	"github.com/cassiomorais/paygate/internal/domain/webhook"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("paygate"),
		tcpostgres.WithUsername("paygate"),
		tcpostgres.WithPassword("paygate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		panic(err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		panic(err)
	}
	if err := MigrateUp(dsn); err != nil {
		panic(err)
	}
	testPool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		panic(err)
	}

	code := m.Run()

	testPool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func cleanTables(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(),
		"TRUNCATE TABLE webhook_logs, payments, transactions, api_keys, outbox, idempotency_keys CASCADE")
	require.NoError(t, err)
}

func newTx(t *testing.T, provider string, minor int64, now time.Time) *transaction.Transaction {
	t.Helper()
	ref, err := transaction.GenerateReference()
	require.NoError(t, err)
	tx, err := transaction.NewTransaction(transaction.NewTransactionParams{
		Reference:   ref,
		Provider:    provider,
		Amount:      transaction.Amount{Minor: minor, Currency: "XOF"},
		Phone:       "+22607123456",
		CallbackURL: "https://merchant.example.com/cb",
	}, 30*time.Minute, now)
	require.NoError(t, err)
	return tx
}

func TestTransactionRepository_CreateAndGet(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()
	repo := NewTransactionRepository(testPool)

	now := time.Now().UTC().Truncate(time.Microsecond)
	tx := newTx(t, "orange-money", 10050, now)
	tx.Metadata["order_id"] = "42"
	require.NoError(t, repo.Create(ctx, tx))

	got, err := repo.GetByReference(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, int64(10050), got.Amount.Minor)
	assert.Equal(t, "XOF", got.Amount.Currency)
	assert.Equal(t, "42", got.Metadata["order_id"])
	assert.Equal(t, transaction.StatusPending, got.Status)

	exists, err := repo.ReferenceExists(ctx, tx.Reference)
	require.NoError(t, err)
	assert.True(t, exists)

	err = repo.Create(ctx, newTxWithRef(t, tx.Reference, now))
	var dup *domainErrors.DuplicateReferenceError
	assert.ErrorAs(t, err, &dup)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domainErrors.ErrTransactionNotFound)
}

func TestTransactionRepository_StoresMinorUnits(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()
	repo := NewTransactionRepository(testPool)
	payments := NewPaymentRepository(testPool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	huge := newTx(t, "cards", math.MaxInt64, now)
	require.NoError(t, repo.Create(ctx, huge))
	got, err := repo.GetByID(ctx, huge.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), got.Amount.Minor)

	small := newTx(t, "cards", 1, now)
	require.NoError(t, repo.Create(ctx, small))
	var raw int64
	require.NoError(t, testPool.QueryRow(ctx, `SELECT amount FROM transactions WHERE id = $1`, small.ID).Scan(&raw))
	assert.Equal(t, int64(1), raw)

	leg, err := transaction.NewPayment(huge.ID, "ch_huge", "", huge.Amount, now)
	require.NoError(t, err)
	leg.SetFees(250, 100, nil)
	require.NoError(t, payments.Save(ctx, leg))
	legs, err := payments.ListByTransaction(ctx, huge.ID)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, int64(math.MaxInt64), legs[0].Amount.Minor)
	assert.Equal(t, int64(250), legs[0].Fees)
	assert.Equal(t, int64(100), legs[0].ProviderFees)
}

func newTxWithRef(t *testing.T, ref string, now time.Time) *transaction.Transaction {
	tx := newTx(t, "mtn-momo", 500, now)
	tx.Reference = ref
	return tx
}

func TestTransactionRepository_FindForUpdateByProviderReference(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()
	repo := NewTransactionRepository(testPool)
	txm := NewUnitOfWork(testPool)

	now := time.Now().UTC()
	tx := newTx(t, "cards", 2500, now)
	tx.AttachProvider("ch_1", "pi_123", map[string]any{"k": "v"}, now)
	require.NoError(t, repo.Create(ctx, tx))

	err := txm.Atomically(ctx, func(ctx context.Context) error {
		locked, err := repo.FindForUpdate(ctx, "pi_123")
		if err != nil {
			return err
		}
		if _, err := locked.ApplyStatus(transaction.StatusSuccess, now); err != nil {
			return err
		}
		return repo.Update(ctx, locked)
	})
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusSuccess, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "v", got.ProviderData["k"])
}

func TestTransactionRepository_RowLockSerializesWriters(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()
	repo := NewTransactionRepository(testPool)
	txm := NewUnitOfWork(testPool)

	now := time.Now().UTC()
	tx := newTx(t, "orange-money", 1000, now)
	require.NoError(t, repo.Create(ctx, tx))

	var wg sync.WaitGroup
	changes := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = txm.Atomically(ctx, func(ctx context.Context) error {
				locked, err := repo.FindForUpdate(ctx, tx.Reference)
				if err != nil {
					return err
				}
				changed, err := locked.ApplyStatus(transaction.StatusSuccess, time.Now().UTC())
				if err != nil {
					return err
				}
				changes <- changed
				return repo.Update(ctx, locked)
			})
		}()
	}
	wg.Wait()
	close(changes)

	n := 0
	for c := range changes {
		if c {
			n++
		}
	}
	assert.Equal(t, 1, n, "exactly one writer observes the transition")
}

func TestTransactionRepository_ListFilterAndStableOrder(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()
	repo := NewTransactionRepository(testPool)

	created := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		tx := newTx(t, "orange-money", int64(1000*(i+1)), created)
		require.NoError(t, repo.Create(ctx, tx))
	}
	require.NoError(t, repo.Create(ctx, newTx(t, "cards", 99999, created)))

	provider := "orange-money"
	minAmount := int64(2000)
	f := transaction.ListFilter{Provider: &provider, MinAmount: &minAmount, SortBy: "amount", SortOrder: "asc", Limit: 2}
	page1, err := repo.List(ctx, f)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, int64(2000), page1[0].Amount.Minor)

	f.Offset = 2
	page2, err := repo.List(ctx, f)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, int64(4000), page2[0].Amount.Minor)

	total, err := repo.Count(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)

	f.SortBy = "amount; DROP TABLE transactions"
	_, err = repo.List(ctx, f)
	assert.NoError(t, err)
}

func TestTransactionRepository_ExpirableSyncableRetire(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()
	repo := NewTransactionRepository(testPool)
	txm := NewUnitOfWork(testPool)

	past := time.Now().UTC().Add(-2 * time.Hour)
	old := newTx(t, "orange-money", 1000, past)
	require.NoError(t, repo.Create(ctx, old))

	fresh := newTx(t, "mtn-momo", 1000, time.Now().UTC())
	fresh.AttachProvider("", "MTN_REF_1", nil, time.Now().UTC())
	require.NoError(t, repo.Create(ctx, fresh))

	err := txm.Atomically(ctx, func(ctx context.Context) error {
		rows, err := repo.ListExpirable(ctx, time.Now().UTC(), 10)
		if err != nil {
			return err
		}
		require.Len(t, rows, 1)
		assert.Equal(t, old.ID, rows[0].ID)
		if _, err := rows[0].MarkExpired(time.Now().UTC()); err != nil {
			return err
		}
		return repo.Update(ctx, rows[0])
	})
	require.NoError(t, err)

	syncable, err := repo.ListSyncable(ctx, transaction.SyncFilter{Provider: "mtn-momo"})
	require.NoError(t, err)
	require.Len(t, syncable, 1)
	assert.Equal(t, fresh.ID, syncable[0].ID)

	n, err := repo.RetireOlderThan(ctx, time.Now().UTC().Add(-time.Hour), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = repo.RetireOlderThan(ctx, time.Now().UTC().Add(-time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetByID(ctx, old.ID)
	assert.ErrorIs(t, err, domainErrors.ErrTransactionNotFound)
	exists, err := repo.ReferenceExists(ctx, old.Reference)
	require.NoError(t, err)
	assert.True(t, exists, "retired references stay reserved")
}

func TestPaymentRepository_SaveUpserts(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()
	txRepo := NewTransactionRepository(testPool)
	repo := NewPaymentRepository(testPool)

	now := time.Now().UTC()
	tx := newTx(t, "cards", 5000, now)
	require.NoError(t, txRepo.Create(ctx, tx))

	p, err := transaction.NewPayment(tx.ID, "ch_1", "", tx.Amount, now)
	require.NoError(t, err)
	p.SetFees(150, 50, nil)
	require.NoError(t, repo.Save(ctx, p))
	firstID := p.ID

	again, err := transaction.NewPayment(tx.ID, "ch_1", "", tx.Amount, now)
	require.NoError(t, err)
	_, err = again.ApplyStatus(transaction.StatusSuccess, now)
	require.NoError(t, err)
	again.MergeProviderData(map[string]any{"brand": "visa"})
	require.NoError(t, repo.Save(ctx, again))
	assert.Equal(t, firstID, again.ID)

	legs, err := repo.ListByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, transaction.StatusSuccess, legs[0].Status)
	assert.Equal(t, "visa", legs[0].ProviderData["brand"])

	got, err := repo.GetByProviderPaymentID(ctx, tx.ID, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.NetAmount)
}

func TestWebhookLogRepository_RetryableQuery(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()
	repo := NewWebhookLogRepository(testPool)
	now := time.Now().UTC()

	due := webhook.NewLog("orange-money", []byte(`{"reference":"CKD_X"}`), nil, "sig", now)
	require.NoError(t, repo.Create(ctx, due))
	past := now.Add(-time.Minute)
	require.NoError(t, due.Fail("transaction not found", &past, now))
	require.NoError(t, repo.Update(ctx, due))

	later := webhook.NewLog("orange-money", []byte(`{}`), nil, "", now)
	require.NoError(t, repo.Create(ctx, later))
	future := now.Add(time.Hour)
	require.NoError(t, later.Fail("boom", &future, now))
	require.NoError(t, repo.Update(ctx, later))

	exhausted := webhook.NewLog("orange-money", []byte(`{}`), nil, "", now)
	exhausted.RetryCount = 5
	require.NoError(t, repo.Create(ctx, exhausted))
	require.NoError(t, exhausted.Fail("boom", nil, now))
	require.NoError(t, repo.Update(ctx, exhausted))

	malformed := webhook.NewLog("orange-money", []byte(`{not json`), nil, "", now)
	require.NoError(t, repo.Create(ctx, malformed))
	require.NoError(t, malformed.FailPermanently("malformed webhook payload", now))
	require.NoError(t, repo.Update(ctx, malformed))

	logs, err := repo.ListRetryable(ctx, webhook.RetryFilter{MaxAttempts: 5, Now: now, Limit: 10})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, due.ID, logs[0].ID)
	assert.Equal(t, `{"reference":"CKD_X"}`, string(logs[0].Payload))

	stored, err := repo.GetByID(ctx, malformed.ID)
	require.NoError(t, err)
	assert.True(t, stored.Permanent)

	n, err := repo.DeleteOlderThan(ctx, now.Add(time.Hour), true)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestAPIKeyRepository(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()
	repo := NewAPIKeyRepository(testPool)

	issued, err := apikey.New(apikey.NewParams{Name: "shop"}, "pepper", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, issued.Key))

	got, err := repo.GetByKeyID(ctx, issued.Key.KeyID)
	require.NoError(t, err)
	assert.True(t, got.VerifySecret(issued.Secret, "pepper"))
	assert.Equal(t, apikey.DefaultScopes, got.Scopes)

	require.NoError(t, repo.TouchLastUsed(ctx, got.KeyID))
	require.NoError(t, got.Revoke(time.Now().UTC()))
	require.NoError(t, repo.Update(ctx, got))

	active, err := repo.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := repo.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOutboxRepository_PendingLifecycle(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()
	repo := NewOutboxRepository(testPool)
	txm := NewUnitOfWork(testPool)

	tx := newTx(t, "orange-money", 1000, time.Now().UTC())
	entry := outbox.NewTransactionEvent(tx)
	require.NoError(t, repo.Insert(ctx, entry))

	err := txm.Atomically(ctx, func(ctx context.Context) error {
		pending, err := repo.GetPending(ctx, 10)
		if err != nil {
			return err
		}
		require.Len(t, pending, 1)
		assert.Equal(t, "payment.created", pending[0].EventType)
		return repo.MarkPublished(ctx, pending[0].ID)
	})
	require.NoError(t, err)

	pending, err := repo.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	cutoff := time.Now().UTC().Add(time.Hour)
	n, err := repo.PurgeSettled(ctx, cutoff, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = repo.PurgeSettled(ctx, cutoff, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = repo.PurgeSettled(ctx, cutoff, true)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnitOfWork_NestedCallJoinsOuterTransaction(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()
	txRepo := NewTransactionRepository(testPool)
	outboxRepo := NewOutboxRepository(testPool)
	uow := NewUnitOfWork(testPool)

	tx := newTx(t, "orange-money", 1000, time.Now().UTC())
	errAbort := errors.New("abort")

	err := uow.Atomically(ctx, func(ctx context.Context) error {
		require.True(t, InTx(ctx))
		if err := txRepo.Create(ctx, tx); err != nil {
			return err
		}
		if err := uow.Atomically(ctx, func(ctx context.Context) error {
			return outboxRepo.Insert(ctx, outbox.NewTransactionEvent(tx))
		}); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	_, err = txRepo.GetByReference(ctx, tx.Reference)
	assert.ErrorIs(t, err, domainErrors.ErrTransactionNotFound)
	pending, err := outboxRepo.GetPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "inner insert must roll back with the outer transaction")
}

func TestIdempotencyRepository_FirstResponseWins(t *testing.T) {
	cleanTables(t)
	ctx := context.Background()
	repo := NewIdempotencyRepository(testPool)
	now := time.Now().UTC()

	require.NoError(t, repo.Set(ctx, &IdempotencyEntry{
		Key: "ck_test_aaaa:order-1", RequestHash: strings.Repeat("a", 64),
		ResponseBody: `{"reference":"CKD_FIRST"}`, ResponseStatus: 201,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, repo.Set(ctx, &IdempotencyEntry{
		Key: "ck_test_aaaa:order-1", RequestHash: strings.Repeat("b", 64),
		ResponseBody: `{"reference":"CKD_SECOND"}`, ResponseStatus: 201,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	got, err := repo.Get(ctx, "ck_test_aaaa:order-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, `{"reference":"CKD_FIRST"}`, got.ResponseBody)
	assert.Equal(t, strings.Repeat("a", 64), got.RequestHash)

	missing, err := repo.Get(ctx, "ck_test_aaaa:order-2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, repo.Set(ctx, &IdempotencyEntry{
		Key: "ck_test_aaaa:stale", RequestHash: strings.Repeat("c", 64),
		ResponseBody: `{}`, ResponseStatus: 201,
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
	n, err := repo.Cleanup(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
