package feed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/mcpcommons/internal/models"
)

// MessageLoader fetches a committed message by id.
type MessageLoader func(ctx context.Context, id string) (*models.Message, error)

// PostgresSource listens for NOTIFY events carrying new message ids and
// loads each message from the database.
type PostgresSource struct {
	pool     *pgxpool.Pool
	channel  string
	load     MessageLoader
	snapshot SnapshotFunc
	limit    int
}

// NewPostgresSource creates a LISTEN/NOTIFY source on channel.
func NewPostgresSource(pool *pgxpool.Pool, channel string, load MessageLoader, snapshot SnapshotFunc, limit int) *PostgresSource {
	return &PostgresSource{
		pool:     pool,
		channel:  channel,
		load:     load,
		snapshot: snapshot,
		limit:    limit,
	}
}

// Name implements Source.
func (s *PostgresSource) Name() string { return "postgres" }

// Subscribe implements Source. The listening connection is taken out of the
// pool for the lifetime of the subscription.
func (s *PostgresSource) Subscribe(ctx context.Context) (<-chan Event, error) {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn := pc.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", s.channel, err)
	}

	msgs, err := s.snapshot(ctx, s.limit)
	if err != nil {
		conn.Close(context.Background())
		return nil, err
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		defer conn.Close(context.Background())

		if !send(ctx, ch, Event{Kind: EventSnapshot, Messages: msgs}) {
			return
		}

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					send(ctx, ch, Event{Kind: EventDisconnected, Err: err})
				}
				return
			}

			msg, err := s.load(ctx, n.Payload)
			if err != nil {
				if ctx.Err() == nil {
					send(ctx, ch, Event{Kind: EventDisconnected, Err: err})
				}
				return
			}
			if msg == nil {
				continue
			}
			if !send(ctx, ch, Event{Kind: EventInsert, Message: msg}) {
				return
			}
		}
	}()

	return ch, nil
}
