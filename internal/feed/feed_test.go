package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/mcpcommons/internal/models"
	"github.com/eldtechnologies/mcpcommons/internal/store"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func msgAt(i int) models.Message {
	return models.Message{
		ID:        fmt.Sprintf("m%03d", i),
		Role:      models.RoleUser,
		Content:   fmt.Sprintf("message %d", i),
		CreatedAt: base.Add(time.Duration(i) * time.Second),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCacheBoundedNewestFirst(t *testing.T) {
	c := NewCache(3)
	if got := c.Recent(10); len(got) != 0 {
		t.Fatalf("empty cache returned %d messages", len(got))
	}

	for _, i := range []int{1, 4, 2, 5, 3} {
		c.Add(msgAt(i))
	}
	c.Add(msgAt(5))

	got := c.Recent(0)
	want := []string{"m005", "m004", "m003"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("got[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}

	if got := c.Recent(2); len(got) != 2 || got[0].ID != "m005" {
		t.Fatalf("Recent(2) = %v", got)
	}

	// Older than everything in a full cache.
	c.Add(msgAt(0))
	if c.Len() != 3 || c.Recent(0)[2].ID != "m003" {
		t.Fatal("stale message displaced a newer one")
	}
}

func TestCacheReset(t *testing.T) {
	c := NewCache(2)
	c.Add(msgAt(9))
	c.Reset([]models.Message{msgAt(1), msgAt(3), msgAt(2)})

	got := c.Recent(0)
	if len(got) != 2 || got[0].ID != "m003" || got[1].ID != "m002" {
		t.Fatalf("after reset: %v", got)
	}
}

func TestHubNeverBlocks(t *testing.T) {
	h := NewHub()
	slow := h.Subscribe(1)
	fast := h.Subscribe(10)

	for i := 0; i < 5; i++ {
		m := msgAt(i)
		h.Publish(Event{Kind: EventInsert, Message: &m})
	}

	if slow.Dropped() != 4 {
		t.Fatalf("slow dropped %d, want 4", slow.Dropped())
	}
	if fast.Dropped() != 0 || len(fast.C) != 5 {
		t.Fatalf("fast: dropped %d, buffered %d", fast.Dropped(), len(fast.C))
	}

	h.Unsubscribe(slow)
	h.Unsubscribe(slow)
	if h.Len() != 1 {
		t.Fatalf("len = %d, want 1", h.Len())
	}
	<-slow.C
	if _, ok := <-slow.C; ok {
		t.Fatal("unsubscribed channel still open")
	}
}

func TestBusSubscribeSnapshotThenInserts(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := ms.InsertMessage(ctx, "cred", models.RoleUser, "before subscribe", nil)
	if err != nil {
		t.Fatal(err)
	}

	bus := NewBus(StoreSnapshot(ms), 10)
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ev := <-ch
	if ev.Kind != EventSnapshot || len(ev.Messages) != 1 || ev.Messages[0].ID != first.ID {
		t.Fatalf("first event = %+v", ev)
	}

	m := msgAt(7)
	if err := bus.Publish(ctx, &m); err != nil {
		t.Fatal(err)
	}
	ev = <-ch
	if ev.Kind != EventInsert || ev.Message.ID != "m007" {
		t.Fatalf("second event = %+v", ev)
	}

	cancel()
	waitFor(t, "subscription close", func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	})
}

func TestBusBacklogOverflowDropsSubscriber(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	bus := NewBus(func(ctx context.Context, limit int) ([]models.Message, error) {
		close(started)
		<-release
		return nil, nil
	}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		ch  <-chan Event
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, err := bus.Subscribe(ctx)
		done <- result{ch, err}
	}()

	<-started
	for i := 0; i < busBuffer+10; i++ {
		m := msgAt(i)
		if err := bus.Publish(ctx, &m); err != nil {
			t.Fatal(err)
		}
	}
	close(release)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Subscribe did not return")
	}
	if res.err != nil {
		t.Fatalf("Subscribe: %v", res.err)
	}

	ev, ok := <-res.ch
	if !ok || ev.Kind != EventSnapshot {
		t.Fatalf("first event = %+v (open %v), want snapshot", ev, ok)
	}
	inserts := 0
	for ev := range res.ch {
		if ev.Kind != EventInsert {
			t.Fatalf("unexpected event %v", ev.Kind)
		}
		inserts++
	}
	if inserts != busBuffer-1 {
		t.Fatalf("inserts before drop = %d, want %d", inserts, busBuffer-1)
	}

	// The bus keeps working for later publishes.
	m := msgAt(busBuffer + 20)
	if err := bus.Publish(ctx, &m); err != nil {
		t.Fatal(err)
	}
}

func TestConsumerReprimesAfterDisconnect(t *testing.T) {
	ms := store.NewMemoryStore()
	bus := NewBus(StoreSnapshot(ms), 10)
	ps := store.NewPublishingStore(ms, bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	sub := hub.Subscribe(16)
	cache := NewCache(10)
	c := NewConsumer(bus, cache, hub, 10*time.Millisecond, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	waitFor(t, "connect", c.Connected)

	if _, err := ps.InsertMessage(ctx, "cred", models.RoleUser, "live", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "insert cached", func() bool { return cache.Len() == 1 })

	ev := <-sub.C
	if ev.Kind != EventInsert || ev.Message.Content != "live" {
		t.Fatalf("hub event = %+v", ev)
	}

	// Written behind the bus's back, so only a fresh snapshot can surface it.
	if _, err := ms.InsertMessage(ctx, "cred", models.RoleUser, "missed", nil); err != nil {
		t.Fatal(err)
	}
	bus.DisconnectAll()

	waitFor(t, "reprime", func() bool { return cache.Len() == 2 && c.Connected() })
	if got := c.Status().Reconnects; got < 1 {
		t.Fatalf("reconnects = %d", got)
	}
	if got := cache.Recent(1)[0].Content; got != "missed" {
		t.Fatalf("newest cached = %q, want %q", got, "missed")
	}

	cancel()
	<-done
	if c.Connected() {
		t.Fatal("still connected after shutdown")
	}
}

type flakySource struct {
	calls atomic.Int32
	inner Source
}

func (s *flakySource) Name() string { return "flaky" }

func (s *flakySource) Subscribe(ctx context.Context) (<-chan Event, error) {
	if s.calls.Add(1) <= 2 {
		return nil, errors.New("connection refused")
	}
	return s.inner.Subscribe(ctx)
}

func TestConsumerRetriesFailedSubscribe(t *testing.T) {
	ms := store.NewMemoryStore()
	if _, err := ms.InsertMessage(context.Background(), "cred", models.RoleTool, "seed", nil); err != nil {
		t.Fatal(err)
	}
	src := &flakySource{inner: NewBus(StoreSnapshot(ms), 10)}
	cache := NewCache(10)
	c := NewConsumer(src, cache, nil, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(ctx)
	}()

	waitFor(t, "connect", c.Connected)
	cancel()
	wg.Wait()

	st := c.Status()
	if st.Reconnects != 2 {
		t.Fatalf("reconnects = %d, want 2", st.Reconnects)
	}
	if st.CachedMessages != 1 || st.Backend != "flaky" {
		t.Fatalf("status = %+v", st)
	}
}
