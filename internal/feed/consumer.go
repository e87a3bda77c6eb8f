package feed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/mcpcommons/internal/metrics"
)

// Status describes the consumer for health checks and the stream_status tool.
type Status struct {
	Backend        string    `json:"backend"`
	Connected      bool      `json:"connected"`
	CachedMessages int       `json:"cached_messages"`
	Reconnects     int64     `json:"reconnects"`
	LastEventAt    time.Time `json:"last_event_at,omitempty"`
}

// Consumer is the single task that reads a Source and publishes its events
// to the cache and the hub. A lost subscription is retried after a fixed
// delay, and every new subscription re-primes the cache from its snapshot.
type Consumer struct {
	source Source
	cache  *Cache
	hub    *Hub
	delay  time.Duration
	logger zerolog.Logger

	connected  atomic.Bool
	reconnects atomic.Int64
	lastEvent  atomic.Int64 // unix nanoseconds
}

// NewConsumer creates a consumer. hub may be nil.
func NewConsumer(source Source, cache *Cache, hub *Hub, delay time.Duration, logger zerolog.Logger) *Consumer {
	return &Consumer{
		source: source,
		cache:  cache,
		hub:    hub,
		delay:  delay,
		logger: logger.With().Str("component", "feed").Str("backend", source.Name()).Logger(),
	}
}

// Run consumes the feed until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	for {
		ch, reason := c.source.Subscribe(ctx)
		if reason != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(reason).Msg("feed subscribe failed")
		} else {
			reason = c.consume(ctx, ch)
		}

		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(reason).Msg("feed disconnected")
		c.publish(Event{Kind: EventDisconnected, Err: reason})

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.delay):
		}

		c.reconnects.Add(1)
		metrics.FeedReconnects.Inc()
		c.logger.Info().Dur("delay", c.delay).Msg("reconnecting to feed")
	}
}

// consume drains one subscription. It returns the disconnect reason, if the
// source gave one.
func (c *Consumer) consume(ctx context.Context, ch <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.lastEvent.Store(time.Now().UnixNano())
			metrics.FeedEvents.WithLabelValues(ev.Kind.String()).Inc()

			switch ev.Kind {
			case EventSnapshot:
				c.cache.Reset(ev.Messages)
				c.setConnected(true)
				c.logger.Info().Int("messages", len(ev.Messages)).Msg("feed primed")
			case EventInsert:
				if ev.Message == nil {
					continue
				}
				c.cache.Add(*ev.Message)
				c.publish(ev)
			case EventDisconnected:
				return ev.Err
			}
		}
	}
}

func (c *Consumer) publish(ev Event) {
	if c.hub != nil {
		c.hub.Publish(ev)
	}
}

func (c *Consumer) setConnected(v bool) {
	c.connected.Store(v)
	if v {
		metrics.FeedConnected.Set(1)
	} else {
		metrics.FeedConnected.Set(0)
	}
}

// Connected reports whether a subscription is currently live.
func (c *Consumer) Connected() bool {
	return c.connected.Load()
}

// Cache returns the consumer's cache.
func (c *Consumer) Cache() *Cache {
	return c.cache
}

// Status returns a snapshot of the consumer state.
func (c *Consumer) Status() Status {
	st := Status{
		Backend:        c.source.Name(),
		Connected:      c.connected.Load(),
		CachedMessages: c.cache.Len(),
		Reconnects:     c.reconnects.Load(),
	}
	if ns := c.lastEvent.Load(); ns != 0 {
		st.LastEventAt = time.Unix(0, ns).UTC()
	}
	return st
}
