package feed

import (
	"context"
	"sync"

	"github.com/eldtechnologies/mcpcommons/internal/models"
)

const busBuffer = 1024

type busSub struct {
	ch      chan Event
	priming bool
	pending []models.Message
}

// Bus is an in-process feed. It is both the Publisher the store decorator
// announces inserts to and the Source the consumer subscribes to, for
// single-node deployments without an external broker.
type Bus struct {
	mu       sync.Mutex
	subs     map[*busSub]struct{}
	snapshot SnapshotFunc
	limit    int
}

// NewBus creates a bus whose subscriptions are primed with the limit most
// recent messages returned by snapshot.
func NewBus(snapshot SnapshotFunc, limit int) *Bus {
	return &Bus{
		subs:     make(map[*busSub]struct{}),
		snapshot: snapshot,
		limit:    limit,
	}
}

// Name implements Source.
func (b *Bus) Name() string { return "local" }

// Subscribe implements Source. Messages published while the snapshot loads
// are delivered right after it.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := &busSub{ch: make(chan Event, busBuffer), priming: true}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	msgs, err := b.snapshot(ctx, b.limit)
	if err != nil {
		b.remove(sub)
		return nil, err
	}

	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		// The channel is empty here, so the snapshot never blocks.
		sub.ch <- Event{Kind: EventSnapshot, Messages: msgs}
		for i := range sub.pending {
			if !b.offer(sub, Event{Kind: EventInsert, Message: &sub.pending[i]}) {
				break
			}
		}
		sub.pending = nil
		sub.priming = false
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(sub)
	}()

	return sub.ch, nil
}

// Publish implements store.Publisher. It never blocks; a subscriber that has
// fallen behind is disconnected and re-primes on its next subscription.
func (b *Bus) Publish(_ context.Context, msg *models.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if sub.priming {
			sub.pending = append(sub.pending, *msg)
			continue
		}
		m := *msg
		b.offer(sub, Event{Kind: EventInsert, Message: &m})
	}
	return nil
}

// DisconnectAll drops every subscription as if the connection was lost.
func (b *Bus) DisconnectAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		b.drop(sub)
	}
}

// offer sends ev without blocking. It reports false once sub has been
// dropped, either now for a full buffer or earlier. Caller holds b.mu.
func (b *Bus) offer(sub *busSub, ev Event) bool {
	if _, ok := b.subs[sub]; !ok {
		return false
	}
	select {
	case sub.ch <- ev:
		return true
	default:
		b.drop(sub)
		return false
	}
}

// drop closes and forgets sub. Caller holds b.mu.
func (b *Bus) drop(sub *busSub) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

func (b *Bus) remove(sub *busSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop(sub)
}
