package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/outbox"
	infraRedis "github.com/cassiomorais/paygate/internal/infrastructure/redis"
	"github.com/cassiomorais/paygate/internal/signature"
	"github.com/cassiomorais/paygate/pkg/retry"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NotificationSignatureHeader carries the HMAC-SHA256 of the callback body.
const NotificationSignatureHeader = "X-Paygate-Signature"

type EventPublisher interface {
	PublishEvent(ctx context.Context, e infraRedis.Event) (string, error)
	PublishToDLQ(ctx context.Context, e infraRedis.Event, reason string) error
}

type EventConsumer interface {
	Read(ctx context.Context) ([]goredis.XMessage, error)
	Ack(ctx context.Context, messageID string) error
	ClaimStale(ctx context.Context, minIdle time.Duration) ([]goredis.XMessage, error)
}

// OutboxPublisher moves committed outbox rows onto the event stream.
type OutboxPublisher struct {
	outboxRepo outbox.Repository
	uow        UnitOfWork
	publisher  EventPublisher
	logger     zerolog.Logger
}

func NewOutboxPublisher(outboxRepo outbox.Repository, uow UnitOfWork, publisher EventPublisher, logger zerolog.Logger) *OutboxPublisher {
	return &OutboxPublisher{
		outboxRepo: outboxRepo,
		uow:        uow,
		publisher:  publisher,
		logger:     logger,
	}
}

// PublishPending publishes up to limit pending entries and returns how many went out.
func (p *OutboxPublisher) PublishPending(ctx context.Context, limit int) (int, error) {
	published := 0
	err := p.uow.Atomically(ctx, func(txCtx context.Context) error {
		entries, err := p.outboxRepo.GetPending(txCtx, limit)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			body, err := json.Marshal(entry.Payload)
			if err != nil {
				return fmt.Errorf("encode outbox payload %s: %w", entry.ID, err)
			}
			_, err = p.publisher.PublishEvent(ctx, infraRedis.Event{
				ID:            entry.ID.String(),
				Type:          entry.EventType,
				TransactionID: entry.AggregateID.String(),
				Payload:       body,
			})
			if err != nil {
				p.logger.Error().Err(err).Str("outbox_id", entry.ID.String()).Msg("failed to publish outbox event")
				if err := p.outboxRepo.MarkFailed(txCtx, entry.ID); err != nil {
					return err
				}
				continue
			}
			if err := p.outboxRepo.MarkPublished(txCtx, entry.ID); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}

type NotifierConfig struct {
	SigningSecret string
	Timeout       time.Duration
	MaxAttempts   int
	// RetryDelay is the initial backoff between delivery attempts.
	RetryDelay time.Duration
}

// Notifier delivers transaction events to the merchant's callback_url.
type Notifier struct {
	consumer EventConsumer
	dlq      EventPublisher
	client   *http.Client
	cfg      NotifierConfig
	metrics  Recorder
	logger   zerolog.Logger
}

func NewNotifier(consumer EventConsumer, dlq EventPublisher, cfg NotifierConfig, metrics Recorder, logger zerolog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Notifier{
		consumer: consumer,
		dlq:      dlq,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cfg:     cfg,
		metrics: recorderOrNop(metrics),
		logger:  logger,
	}
}

// Poll reads one batch from the stream and handles every message in it.
func (n *Notifier) Poll(ctx context.Context) (int, error) {
	msgs, err := n.consumer.Read(ctx)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		n.handle(ctx, msg)
	}
	return len(msgs), nil
}

// Reclaim handles messages a crashed consumer read but never acked.
func (n *Notifier) Reclaim(ctx context.Context, minIdle time.Duration) (int, error) {
	msgs, err := n.consumer.ClaimStale(ctx, minIdle)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		n.handle(ctx, msg)
	}
	if len(msgs) > 0 {
		n.logger.Info().Int("count", len(msgs)).Msg("reclaimed stale events")
	}
	return len(msgs), nil
}

// handle always acks: a message either reached the merchant or was parked on the DLQ.
func (n *Notifier) handle(ctx context.Context, msg goredis.XMessage) {
	defer func() {
		if err := n.consumer.Ack(ctx, msg.ID); err != nil {
			n.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to ack event")
		}
	}()

	e, err := infraRedis.DecodeEvent(msg)
	if err != nil {
		n.logger.Error().Err(err).Str("message_id", msg.ID).Msg("dropping malformed event")
		n.metrics.Notification("unknown", "malformed")
		return
	}

	if err := n.Deliver(ctx, e); err != nil {
		if dlqErr := n.dlq.PublishToDLQ(ctx, e, err.Error()); dlqErr != nil {
			n.logger.Error().Err(dlqErr).Str("event_id", e.ID).Msg("failed to park event on DLQ")
		}
		n.logger.Warn().Err(err).Str("event_id", e.ID).Str("event_type", e.Type).Msg("notification moved to DLQ")
		n.metrics.Notification(e.Type, "dlq")
	}
}

type notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt int64           `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// Deliver POSTs one event, retrying with backoff. Events without a callback_url are skipped.
func (n *Notifier) Deliver(ctx context.Context, e infraRedis.Event) error {
	var data map[string]any
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	callbackURL, _ := data["callback_url"].(string)
	if callbackURL == "" {
		n.metrics.Notification(e.Type, "skipped")
		return nil
	}
	delete(data, "callback_url")

	rawData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	body, err := json.Marshal(notification{
		ID:        e.ID,
		Type:      e.Type,
		CreatedAt: time.Now().Unix(),
		Data:      rawData,
	})
	if err != nil {
		return err
	}

	cfg := retry.Config{
		MaxAttempts:  uint(n.cfg.MaxAttempts),
		InitialDelay: n.cfg.RetryDelay,
		MaxDelay:     30 * time.Second,
		OnRetry: func(attempt uint, err error) {
			n.logger.Debug().Err(err).Uint("attempt", attempt).Str("event_id", e.ID).Msg("retrying notification")
		},
	}
	err = retry.Do(ctx, cfg, func() error {
		return n.post(ctx, callbackURL, e, body)
	})
	if err != nil {
		return err
	}
	n.metrics.Notification(e.Type, "delivered")
	return nil
}

func (n *Notifier) post(ctx context.Context, url string, e infraRedis.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Paygate-Event", e.Type)
	req.Header.Set("X-Paygate-Delivery", e.ID)
	req.Header.Set(TimestampHeader, strconv.FormatInt(time.Now().Unix(), 10))
	if n.cfg.SigningSecret != "" {
		req.Header.Set(NotificationSignatureHeader, signature.Compute(n.cfg.SigningSecret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	default:
		return retry.Unrecoverable(fmt.Errorf("callback returned %d", resp.StatusCode))
	}
}
