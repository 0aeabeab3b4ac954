package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventStream = "paygate:events"
	DLQStream   = "paygate:events:dlq"
)

// Event is one merchant notification as carried on the stream.
type Event struct {
	ID            string // outbox entry id
	Type          string
	TransactionID string
	Payload       []byte
	Attempt       int
}

type StreamProducer struct {
	client redis.UniversalClient
}

func NewStreamProducer(client redis.UniversalClient) *StreamProducer {
	return &StreamProducer{client: client}
}

// PublishEvent appends e to the event stream and returns the message id.
func (p *StreamProducer) PublishEvent(ctx context.Context, e Event) (string, error) {
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: EventStream,
		Values: eventValues(e),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}
	return id, nil
}

func (p *StreamProducer) PublishToDLQ(ctx context.Context, e Event, reason string) error {
	values := eventValues(e)
	values["reason"] = reason

	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQStream,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}
	return nil
}

func eventValues(e Event) map[string]any {
	return map[string]any{
		"event_id":       e.ID,
		"event_type":     e.Type,
		"transaction_id": e.TransactionID,
		"payload":        string(e.Payload),
		"attempt":        e.Attempt,
		"timestamp":      time.Now().Unix(),
	}
}

// DecodeEvent reads an Event back out of a stream message.
func DecodeEvent(msg redis.XMessage) (Event, error) {
	str := func(k string) string {
		s, _ := msg.Values[k].(string)
		return s
	}
	e := Event{
		ID:            str("event_id"),
		Type:          str("event_type"),
		TransactionID: str("transaction_id"),
		Payload:       []byte(str("payload")),
	}
	if e.Type == "" || len(e.Payload) == 0 {
		return e, fmt.Errorf("malformed event message %s", msg.ID)
	}
	if a := str("attempt"); a != "" {
		e.Attempt, _ = strconv.Atoi(a)
	}
	return e, nil
}

type StreamConsumer struct {
	client        redis.UniversalClient
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
}

func NewStreamConsumer(
	client redis.UniversalClient,
	stream string,
	group string,
	consumer string,
	batchSize int64,
	blockDuration time.Duration,
) *StreamConsumer {
	return &StreamConsumer{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		batchSize:     batchSize,
		blockDuration: blockDuration,
	}
}

func (c *StreamConsumer) CreateGroup(ctx context.Context) error {
	const busyGroupMsg = "BUSYGROUP"
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Read returns new messages for this consumer. No messages within the block
// duration is not an error.
func (c *StreamConsumer) Read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// ClaimStale takes over messages another consumer read but never acked.
func (c *StreamConsumer) ClaimStale(ctx context.Context, minIdle time.Duration) ([]redis.XMessage, error) {
	messages, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}
	return messages, nil
}
