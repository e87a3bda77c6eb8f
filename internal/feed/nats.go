package feed

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/eldtechnologies/mcpcommons/internal/models"
	"github.com/eldtechnologies/mcpcommons/internal/store"
)

// NATSSource reads the JetStream stream the NATSPublisher appends to. The
// snapshot is replayed from the tail of the stream itself.
type NATSSource struct {
	nc      *nats.Conn
	channel string
	limit   int
}

// NewNATSSource creates a JetStream source for channel.
func NewNATSSource(nc *nats.Conn, channel string, limit int) *NATSSource {
	return &NATSSource{nc: nc, channel: channel, limit: limit}
}

// Name implements Source.
func (s *NATSSource) Name() string { return "nats" }

// Subscribe implements Source.
func (s *NATSSource) Subscribe(ctx context.Context) (<-chan Event, error) {
	js, err := jetstream.New(s.nc)
	if err != nil {
		return nil, err
	}

	stream, err := js.Stream(ctx, store.NATSStreamName(s.channel))
	if err != nil {
		return nil, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, err
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{s.channel},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	}
	last := info.State.LastSeq
	if info.State.Msgs > 0 && s.limit > 0 {
		start := info.State.FirstSeq
		if last >= uint64(s.limit) && last-uint64(s.limit)+1 > start {
			start = last - uint64(s.limit) + 1
		}
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = start
	} else {
		last = 0
	}

	cons, err := stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	it, err := cons.Messages()
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, 64)
	go func() {
		<-ctx.Done()
		it.Stop()
	}()

	go func() {
		defer close(ch)
		defer it.Stop()

		// Replay up to the sequence observed above, then go live.
		var snapshot []models.Message
		priming := true
		flush := func() bool {
			priming = false
			reversed := make([]models.Message, len(snapshot))
			for i := range snapshot {
				reversed[len(snapshot)-1-i] = snapshot[i]
			}
			return send(ctx, ch, Event{Kind: EventSnapshot, Messages: reversed})
		}
		if last == 0 && !flush() {
			return
		}

		for {
			jm, err := it.Next()
			if err != nil {
				if ctx.Err() == nil {
					send(ctx, ch, Event{Kind: EventDisconnected, Err: err})
				}
				return
			}

			var seq uint64
			if md, err := jm.Metadata(); err == nil {
				seq = md.Sequence.Stream
			}

			var msg models.Message
			decoded := json.Unmarshal(jm.Data(), &msg) == nil

			if priming {
				if seq <= last {
					if decoded {
						snapshot = append(snapshot, msg)
					}
					if seq == last && !flush() {
						return
					}
					continue
				}
				if !flush() {
					return
				}
			}

			if !decoded {
				continue
			}
			if !send(ctx, ch, Event{Kind: EventInsert, Message: &msg}) {
				return
			}
		}
	}()

	return ch, nil
}
