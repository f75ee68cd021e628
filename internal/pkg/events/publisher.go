package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/schooltech-ng/schoolpay/internal/pkg/cache"
	"github.com/schooltech-ng/schoolpay/internal/pkg/env"
)

// Domain event types emitted after a committed ledger write.
const (
	TypePaymentConfirmed   = "payment.confirmed"
	TypeMessagingRequested = "messaging.requested"
)

// DomainEvent is the emission contract with the downstream bus. Events are
// transient here; durability and retry live on the consumer side.
type DomainEvent struct {
	Type   string                 `json:"type"`
	Detail map[string]interface{} `json:"detail"`
}

// Publisher emits a batch of domain events. Implementations should deliver
// the batch in one round trip where the transport allows it.
type Publisher interface {
	Publish(ctx context.Context, events []DomainEvent) error
}

// RedisPublisher appends events to a Redis stream acting as the event bus.
type RedisPublisher struct {
	client *redis.Client
	stream string
}

// NewRedisPublisher creates a publisher on the configured bus stream.
func NewRedisPublisher() *RedisPublisher {
	return &RedisPublisher{
		client: cache.GetClient(),
		stream: env.GetEnv("EVENT_BUS_STREAM", "schoolpay:events"),
	}
}

// Publish appends the whole batch through one pipeline so either round trip
// failure is reported as a single error for the caller to log.
func (p *RedisPublisher) Publish(ctx context.Context, evts []DomainEvent) error {
	if len(evts) == 0 {
		return nil
	}

	pipe := p.client.TxPipeline()
	for _, e := range evts {
		detail, err := json.Marshal(e.Detail)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			Values: map[string]interface{}{
				"type":   e.Type,
				"detail": string(detail),
			},
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}
