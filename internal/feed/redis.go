package feed

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/mcpcommons/internal/models"
	"github.com/eldtechnologies/mcpcommons/internal/store"
)

// RedisSource subscribes to the pub/sub channel the RedisPublisher writes
// to. Snapshots come from the publisher's recent message set.
type RedisSource struct {
	client  *redis.Client
	channel string
	limit   int
}

// NewRedisSource creates a pub/sub source on channel.
func NewRedisSource(client *redis.Client, channel string, limit int) *RedisSource {
	return &RedisSource{client: client, channel: channel, limit: limit}
}

// Name implements Source.
func (s *RedisSource) Name() string { return "redis" }

// Subscribe implements Source.
func (s *RedisSource) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)

	// Wait for the subscription to be confirmed before taking the snapshot.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	msgs, err := store.Recent(ctx, s.client, s.channel, s.limit)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		defer pubsub.Close()

		if !send(ctx, ch, Event{Kind: EventSnapshot, Messages: msgs}) {
			return
		}

		for {
			rm, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					send(ctx, ch, Event{Kind: EventDisconnected, Err: err})
				}
				return
			}

			var msg models.Message
			if err := json.Unmarshal([]byte(rm.Payload), &msg); err != nil {
				continue
			}
			if !send(ctx, ch, Event{Kind: EventInsert, Message: &msg}) {
				return
			}
		}
	}()

	return ch, nil
}
