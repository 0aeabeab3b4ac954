package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cassiomorais/paygate/internal/domain/outbox"
	"github.com/cassiomorais/paygate/internal/domain/transaction"
	infraRedis "github.com/cassiomorais/paygate/internal/infrastructure/redis"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/internal/signature"
	"github.com/cassiomorais/paygate/internal/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningSecret = "merchant-secret"

type streamHarness struct {
	client   *goredis.Client
	producer *infraRedis.StreamProducer
	consumer *infraRedis.StreamConsumer
}

func newStreamHarness(t *testing.T) *streamHarness {
	t.Helper()
	m := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	consumer := infraRedis.NewStreamConsumer(client, infraRedis.EventStream, "notifiers", "test-1", 10, 10*time.Millisecond)
	require.NoError(t, consumer.CreateGroup(context.Background()))
	return &streamHarness{
		client:   client,
		producer: infraRedis.NewStreamProducer(client),
		consumer: consumer,
	}
}

func (h *streamHarness) len(t *testing.T, stream string) int64 {
	t.Helper()
	n, err := h.client.XLen(context.Background(), stream).Result()
	require.NoError(t, err)
	return n
}

func (h *streamHarness) pending(t *testing.T) int64 {
	t.Helper()
	p, err := h.client.XPending(context.Background(), infraRedis.EventStream, "notifiers").Result()
	require.NoError(t, err)
	return p.Count
}

type capturedRequest struct {
	header http.Header
	body   []byte
}

type merchantServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
	hits     atomic.Int32
}

func newMerchantServer(t *testing.T, status int) *merchantServer {
	t.Helper()
	ms := &merchantServer{}
	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ms.mu.Lock()
		ms.requests = append(ms.requests, capturedRequest{header: r.Header.Clone(), body: body})
		ms.mu.Unlock()
		ms.hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(ms.Close)
	return ms
}

func (ms *merchantServer) last() capturedRequest {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.requests[len(ms.requests)-1]
}

func publishTransactionEvent(t *testing.T, h *streamHarness, callbackURL string) *outbox.Entry {
	t.Helper()
	tx := testutil.NewAcknowledgedTransaction(providers.OrangeMoney, 10000, "XOF", "OM_REF_1")
	tx.CallbackURL = callbackURL
	_, err := tx.ApplyStatus(transaction.StatusSuccess, time.Now().UTC())
	require.NoError(t, err)

	entry := outbox.NewTransactionEvent(tx)
	body, err := json.Marshal(entry.Payload)
	require.NoError(t, err)
	_, err = h.producer.PublishEvent(context.Background(), infraRedis.Event{
		ID:            entry.ID.String(),
		Type:          entry.EventType,
		TransactionID: tx.ID.String(),
		Payload:       body,
	})
	require.NoError(t, err)
	return entry
}

func newTestNotifier(h *streamHarness, metrics Recorder) *Notifier {
	return NewNotifier(h.consumer, h.producer, NotifierConfig{
		SigningSecret: testSigningSecret,
		Timeout:       time.Second,
		MaxAttempts:   3,
		RetryDelay:    time.Millisecond,
	}, metrics, zerolog.Nop())
}

func TestOutboxPublisher_PublishPending(t *testing.T) {
	h := newStreamHarness(t)
	repo := testutil.NewMockOutboxRepository()
	tx := testutil.NewTestTransaction(providers.OrangeMoney, 10000, "XOF")
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Insert(context.Background(), outbox.NewTransactionEvent(tx)))
	}

	publisher := NewOutboxPublisher(repo, testutil.NewMockUnitOfWork(), h.producer, zerolog.Nop())
	n, err := publisher.PublishPending(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), h.len(t, infraRedis.EventStream))

	n, err = publisher.PublishPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	for _, e := range repo.Entries() {
		assert.Equal(t, outbox.StatusPublished, e.Status)
		assert.NotNil(t, e.PublishedAt)
	}
}

func TestNotifier_DeliversSignedNotification(t *testing.T) {
	h := newStreamHarness(t)
	merchant := newMerchantServer(t, http.StatusOK)
	metrics := newRecordingRecorder()
	entry := publishTransactionEvent(t, h, merchant.URL+"/hooks")

	n, err := newTestNotifier(h, metrics).Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Equal(t, int32(1), merchant.hits.Load())
	req := merchant.last()
	assert.Equal(t, signature.Compute(testSigningSecret, req.body), req.header.Get(NotificationSignatureHeader))
	assert.Equal(t, transaction.EventSucceeded, req.header.Get("X-Paygate-Event"))
	assert.Equal(t, entry.ID.String(), req.header.Get("X-Paygate-Delivery"))
	assert.NotEmpty(t, req.header.Get(TimestampHeader))

	var got struct {
		ID        string         `json:"id"`
		Type      string         `json:"type"`
		CreatedAt int64          `json:"created_at"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(req.body, &got))
	assert.Equal(t, entry.ID.String(), got.ID)
	assert.Equal(t, transaction.EventSucceeded, got.Type)
	assert.NotZero(t, got.CreatedAt)
	assert.Equal(t, "success", got.Data["status"])
	assert.NotContains(t, got.Data, "callback_url")

	assert.Equal(t, int64(0), h.pending(t))
	assert.Equal(t, int64(0), h.len(t, infraRedis.DLQStream))
	assert.Equal(t, 1, metrics.count("notify:payment.succeeded:delivered"))
}

func TestNotifier_ClientErrorGoesToDLQWithoutRetry(t *testing.T) {
	h := newStreamHarness(t)
	merchant := newMerchantServer(t, http.StatusBadRequest)
	metrics := newRecordingRecorder()
	publishTransactionEvent(t, h, merchant.URL)

	_, err := newTestNotifier(h, metrics).Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), merchant.hits.Load())
	assert.Equal(t, int64(1), h.len(t, infraRedis.DLQStream))
	assert.Equal(t, int64(0), h.pending(t))
	assert.Equal(t, 1, metrics.count("notify:payment.succeeded:dlq"))
}

func TestNotifier_ServerErrorIsRetried(t *testing.T) {
	h := newStreamHarness(t)
	merchant := newMerchantServer(t, http.StatusServiceUnavailable)
	publishTransactionEvent(t, h, merchant.URL)

	_, err := newTestNotifier(h, nil).Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(3), merchant.hits.Load())
	assert.Equal(t, int64(1), h.len(t, infraRedis.DLQStream))

	msgs, err := h.client.XRange(context.Background(), infraRedis.DLQStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Values["reason"], "503")
}

func TestNotifier_SkipsEventsWithoutCallback(t *testing.T) {
	h := newStreamHarness(t)
	metrics := newRecordingRecorder()
	publishTransactionEvent(t, h, "")

	n, err := newTestNotifier(h, metrics).Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, metrics.count("notify:payment.succeeded:skipped"))
	assert.Equal(t, int64(0), h.len(t, infraRedis.DLQStream))
	assert.Equal(t, int64(0), h.pending(t))
}

func TestNotifier_DropsMalformedMessages(t *testing.T) {
	h := newStreamHarness(t)
	metrics := newRecordingRecorder()
	require.NoError(t, h.client.XAdd(context.Background(), &goredis.XAddArgs{
		Stream: infraRedis.EventStream,
		Values: map[string]any{"event_id": "x"},
	}).Err())

	n, err := newTestNotifier(h, metrics).Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, metrics.count("notify:unknown:malformed"))
	assert.Equal(t, int64(0), h.pending(t))
}

func TestNotifier_ReclaimsEventsLeftByCrashedConsumer(t *testing.T) {
	h := newStreamHarness(t)
	merchant := newMerchantServer(t, http.StatusOK)
	publishTransactionEvent(t, h, merchant.URL)

	crashed := infraRedis.NewStreamConsumer(h.client, infraRedis.EventStream, "notifiers", "test-crashed", 10, 10*time.Millisecond)
	msgs, err := crashed.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, int64(1), h.pending(t))

	n, err := newTestNotifier(h, nil).Reclaim(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), merchant.hits.Load())
	assert.Equal(t, int64(0), h.pending(t))
}
