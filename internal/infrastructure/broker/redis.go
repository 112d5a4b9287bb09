// Package broker delivers outbox messages to Redis pub/sub.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"stockledger/internal/core/id"
	"stockledger/internal/infrastructure/storage/postgres"
)

// AllEventsChannel receives every event in addition to its typed channel.
const AllEventsChannel = "stockledger:events:all"

// Message is the JSON published for each outbox message.
type Message struct {
	ID            id.ID           `json:"id"`
	EventType     string          `json:"eventType"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   id.ID           `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// Publisher is the part of the Redis client the handler uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Channel returns the typed channel for an event type.
func Channel(eventType string) string {
	return "stockledger:events:" + eventType
}

// RedisHandler publishes each outbox message to its typed channel and to
// AllEventsChannel.
func RedisHandler(client Publisher) postgres.OutboxHandler {
	return postgres.OutboxHandlerFunc(func(ctx context.Context, msg *postgres.OutboxMessage) error {
		body, err := json.Marshal(Message{
			ID:            msg.ID,
			EventType:     msg.EventType,
			AggregateType: msg.AggregateType,
			AggregateID:   msg.AggregateID,
			Payload:       json.RawMessage(msg.Payload),
			OccurredAt:    msg.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}

		if err := client.Publish(ctx, Channel(msg.EventType), body).Err(); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
		if err := client.Publish(ctx, AllEventsChannel, body).Err(); err != nil {
			return fmt.Errorf("publish to all channel: %w", err)
		}
		return nil
	})
}
