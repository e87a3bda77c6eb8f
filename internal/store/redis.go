package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/mcpcommons/internal/models"
)

// recentKey returns the key for the sorted set of recently published
// messages on a channel.
func recentKey(channel string) string {
	return fmt.Sprintf("%s:recent", channel)
}

// RedisPublisher announces new messages on a Redis pub/sub channel and keeps
// a capped sorted set of the most recent ones for feed snapshots.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	keep    int64
}

// NewRedisPublisher creates a new Redis publisher. keep bounds the recent
// message set.
func NewRedisPublisher(ctx context.Context, redisURL, channel string, keep int) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisPublisher{client: client, channel: channel, keep: int64(keep)}, nil
}

// Client exposes the underlying client for subscribers.
func (p *RedisPublisher) Client() *redis.Client {
	return p.client
}

// Channel returns the pub/sub channel name.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Ping checks the Redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish records msg in the recent set and publishes it on the channel.
func (p *RedisPublisher) Publish(ctx context.Context, msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := recentKey(p.channel)

	pipe := p.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(msg.CreatedAt.UnixNano()),
		Member: string(data),
	})
	if p.keep > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, -p.keep-1)
	}
	pipe.Publish(ctx, p.channel, data)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to limit recently published messages, newest first.
func Recent(ctx context.Context, client *redis.Client, channel string, limit int) ([]models.Message, error) {
	results, err := client.ZRevRange(ctx, recentKey(channel), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(results))
	for _, data := range results {
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}
