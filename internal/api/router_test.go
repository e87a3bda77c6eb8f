package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/mcpcommons/internal/commons"
	"github.com/eldtechnologies/mcpcommons/internal/credential"
	"github.com/eldtechnologies/mcpcommons/internal/feed"
	"github.com/eldtechnologies/mcpcommons/internal/handlers"
	"github.com/eldtechnologies/mcpcommons/internal/ratelimit"
	"github.com/eldtechnologies/mcpcommons/internal/session"
	"github.com/eldtechnologies/mcpcommons/internal/store"
)

func newTestRouter(t *testing.T, ip, stream ratelimit.Policy) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()

	mem := store.NewMemoryStore()
	bus := feed.NewBus(feed.StoreSnapshot(mem), 100)
	ds := store.NewPublishingStore(mem, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cache := feed.NewCache(100)
	hub := feed.NewHub()
	consumer := feed.NewConsumer(bus, cache, hub, 10*time.Millisecond, logger)
	go consumer.Run(ctx)

	guard := ratelimit.NewGuard(ratelimit.New(time.Hour), ip, ratelimit.DefaultKeyPolicy, nil, logger).
		WithStreamPolicy(stream)
	svc := commons.NewService(ds, credential.NewRegistry(ds, logger), guard, 5*time.Second, logger)
	mux := session.NewMultiplexer(session.Backend{Service: svc, Cache: cache, Status: consumer.Status}, logger)

	h := handlers.NewHandler(handlers.Deps{
		Service:    svc,
		Sessions:   mux,
		Hub:        hub,
		FeedStatus: consumer.Status,
		Heartbeat:  time.Hour,
		Logger:     logger,
	})

	srv := httptest.NewServer(NewRouter(logger, h, guard))
	t.Cleanup(func() {
		h.Close()
		mux.Shutdown(context.Background())
		srv.Close()
	})
	return srv
}

func postJSON(t *testing.T, url, key string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-Api-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestReadsDoNotSpendWriteBudget(t *testing.T) {
	ip := ratelimit.Policy{Name: "ip", Capacity: 3, RefillRate: 0.001}
	srv := newTestRouter(t, ip, ratelimit.DefaultStreamPolicy)

	for i := 0; i < 10; i++ {
		resp, err := http.Get(srv.URL + "/api/messages")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("read %d: status = %d", i+1, resp.StatusCode)
		}
		if resp.Header.Get("X-RateLimit-Limit") != "" {
			t.Fatalf("read %d carries rate limit headers", i+1)
		}
	}

	resp := postJSON(t, srv.URL+"/api/register", "", handlers.RegisterRequest{Email: "reader@example.com"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var reg handlers.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/messages", reg.Key, commons.WriteRequest{Role: "user", Content: "after reading"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("write status = %d, want 201", resp.StatusCode)
	}
}

func TestStreamOpensUseTheirOwnPolicy(t *testing.T) {
	ip := ratelimit.Policy{Name: "ip", Capacity: 3, RefillRate: 0.001}
	stream := ratelimit.Policy{Name: "stream_open", Capacity: 1, RefillRate: 0.001}
	srv := newTestRouter(t, ip, stream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/messages/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	first, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first stream status = %d", first.StatusCode)
	}

	second, err := http.Get(srv.URL + "/api/messages/stream")
	if err != nil {
		t.Fatal(err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second stream status = %d, want 429", second.StatusCode)
	}

	resp := postJSON(t, srv.URL+"/api/register", "", handlers.RegisterRequest{Email: "streamer@example.com"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register after stream denial = %d, want 201", resp.StatusCode)
	}
}
