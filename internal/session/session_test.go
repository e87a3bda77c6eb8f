package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/mcpcommons/internal/commons"
	"github.com/eldtechnologies/mcpcommons/internal/credential"
	"github.com/eldtechnologies/mcpcommons/internal/feed"
	"github.com/eldtechnologies/mcpcommons/internal/models"
	"github.com/eldtechnologies/mcpcommons/internal/ratelimit"
	"github.com/eldtechnologies/mcpcommons/internal/store"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	mu     sync.Mutex
	events [][]byte
	closes int
}

func (t *fakeTransport) Send(ctx context.Context, event string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closes > 0 {
		return errTransportClosed
	}
	t.events = append(t.events, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.events...)
}

// stallingStore blocks searches until their context ends.
type stallingStore struct {
	*store.MemoryStore
	started chan struct{}
}

func (s *stallingStore) QueryMessages(ctx context.Context, q store.MessageQuery) ([]models.Message, error) {
	if q.Search == "stall" {
		close(s.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.MemoryStore.QueryMessages(ctx, q)
}

type harness struct {
	mux   *Multiplexer
	mem   *store.MemoryStore
	cache *feed.Cache
	svc   *commons.Service
	store *stallingStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemoryStore()
	ss := &stallingStore{MemoryStore: mem, started: make(chan struct{})}
	logger := zerolog.Nop()
	guard := ratelimit.NewGuard(ratelimit.New(time.Hour), ratelimit.DefaultIPPolicy, ratelimit.DefaultKeyPolicy, nil, logger)
	svc := commons.NewService(ss, credential.NewRegistry(ss, logger), guard, 5*time.Second, logger)
	cache := feed.NewCache(100)
	backend := Backend{
		Service: svc,
		Cache:   cache,
		Status:  func() feed.Status { return feed.Status{Backend: "local", Connected: true, CachedMessages: cache.Len()} },
	}
	return &harness{mux: NewMultiplexer(backend, logger), mem: mem, cache: cache, svc: svc, store: ss}
}

func (h *harness) key(t *testing.T, email string) string {
	t.Helper()
	res, _, err := h.svc.Register(context.Background(), "127.0.0.1", email)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return res.Credential.Key
}

func rpc(id int, method string, params any) []byte {
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	data, _ := json.Marshal(req)
	return data
}

func callTool(id int, name string, args any) []byte {
	return rpc(id, "tools/call", map[string]any{"name": name, "arguments": args})
}

type decodedResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func decodeResponse(t *testing.T, data []byte) decodedResponse {
	t.Helper()
	var resp decodedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return resp
}

// decodeTool unpacks a tools/call reply into the JSON payload of its text
// content.
func decodeTool(t *testing.T, data []byte, out any) bool {
	t.Helper()
	resp := decodeResponse(t, data)
	if resp.Error != nil {
		t.Fatalf("rpc error: %+v", resp.Error)
	}
	var tr toolResult
	if err := json.Unmarshal(resp.Result, &tr); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
	if len(tr.Content) != 1 {
		t.Fatalf("content = %+v", tr.Content)
	}
	if err := json.Unmarshal([]byte(tr.Content[0].Text), out); err != nil {
		t.Fatalf("decode tool payload %q: %v", tr.Content[0].Text, err)
	}
	return tr.IsError
}

func TestOpenRequiresCredential(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mux.Open("", "127.0.0.1", &fakeTransport{}); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
	if h.mux.Len() != 0 {
		t.Fatal("registry not empty")
	}
}

func TestOpenDoesNotValidateCredential(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	s, err := h.mux.Open("amcp_bogus", "127.0.0.1", tr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.State() != StateOpen {
		t.Fatalf("state = %v", s.State())
	}

	reply, err := h.mux.Route(context.Background(), s.Token(),
		callTool(1, "messages_write", map[string]any{"role": "user", "content": "hi"}))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	var body map[string]any
	if !decodeTool(t, reply, &body) || body["error"] != commons.CodeNotFound {
		t.Fatalf("reply = %s", reply)
	}
	h.mux.Close(s.Token())
}

func TestConcurrentOpenCloseLeavesRegistryEmpty(t *testing.T) {
	h := newHarness(t)
	const n = 200

	transports := make([]*fakeTransport, n)
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			transports[i] = &fakeTransport{}
			s, err := h.mux.Open(fmt.Sprintf("key-%d", i), "127.0.0.1", transports[i])
			if err != nil {
				t.Errorf("Open: %v", err)
				return
			}
			tokens[i] = s.Token()
		}(i)
	}
	wg.Wait()

	if h.mux.Len() != n {
		t.Fatalf("len = %d, want %d", h.mux.Len(), n)
	}
	seen := make(map[string]bool, n)
	for _, tok := range tokens {
		if seen[tok] {
			t.Fatalf("duplicate token %s", tok)
		}
		seen[tok] = true
	}

	order := rand.New(rand.NewSource(7)).Perm(n)
	for _, i := range order {
		wg.Add(2)
		tok := tokens[i]
		go func() {
			defer wg.Done()
			h.mux.Close(tok)
		}()
		go func() {
			defer wg.Done()
			h.mux.Close(tok)
		}()
	}
	wg.Wait()

	if h.mux.Len() != 0 {
		t.Fatalf("len = %d after closing all", h.mux.Len())
	}
	for i, tr := range transports {
		if tr.closes != 1 {
			t.Fatalf("transport %d closed %d times", i, tr.closes)
		}
		if _, err := h.mux.Route(context.Background(), tokens[i], rpc(1, "ping", nil)); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("route to closed session: err = %v", err)
		}
	}
}

func TestRouteUnknownToken(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mux.Route(context.Background(), "nope", rpc(1, "ping", nil)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestRoutePreservesOrder(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	s, err := h.mux.Open("amcp_x", "127.0.0.1", tr)
	if err != nil {
		t.Fatal(err)
	}
	defer h.mux.Close(s.Token())

	for i := 1; i <= 50; i++ {
		reply, err := h.mux.Route(context.Background(), s.Token(), rpc(i, "ping", nil))
		if err != nil {
			t.Fatalf("Route %d: %v", i, err)
		}
		if got := decodeResponse(t, reply).ID; got != i {
			t.Fatalf("reply id = %d, want %d", got, i)
		}
	}

	// Notifications produce no reply and no event.
	reply, err := h.mux.Route(context.Background(), s.Token(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil || reply != nil {
		t.Fatalf("notification: reply = %s, err = %v", reply, err)
	}

	events := tr.sent()
	if len(events) != 50 {
		t.Fatalf("events = %d, want 50", len(events))
	}
	for i, ev := range events {
		if got := decodeResponse(t, ev).ID; got != i+1 {
			t.Fatalf("event %d carries id %d", i, got)
		}
	}
}

func TestCloseLetsAdmittedRouteFinish(t *testing.T) {
	h := newHarness(t)
	tr := &fakeTransport{}
	s, err := h.mux.Open("amcp_x", "127.0.0.1", tr)
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		reply []byte
		err   error
	}
	routed := make(chan result, 1)
	go func() {
		reply, err := h.mux.Route(context.Background(), s.Token(),
			callTool(1, "messages_search", map[string]any{"search": "stall"}))
		routed <- result{reply, err}
	}()

	<-h.store.started
	closed := make(chan struct{})
	go func() {
		h.mux.Close(s.Token())
		close(closed)
	}()

	select {
	case r := <-routed:
		if r.err != nil {
			t.Fatalf("admitted route failed: %v", r.err)
		}
		var body map[string]any
		if !decodeTool(t, r.reply, &body) || body["error"] != commons.CodeCanceled {
			t.Fatalf("reply = %s", r.reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight route was not cancelled by close")
	}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not complete")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v", s.State())
	}
	if _, err := h.mux.Route(context.Background(), s.Token(), rpc(2, "ping", nil)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("route after close: err = %v", err)
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	h := newHarness(t)
	var sessions []*Session
	for i := 0; i < 10; i++ {
		s, err := h.mux.Open("amcp_x", "127.0.0.1", &fakeTransport{})
		if err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.mux.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.mux.Len() != 0 {
		t.Fatalf("len = %d", h.mux.Len())
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		default:
			t.Fatal("session not done")
		}
		if s.Context().Err() == nil {
			t.Fatal("session context not cancelled")
		}
	}
}

func TestEngineProtocolErrors(t *testing.T) {
	h := newHarness(t)
	e := NewEngine(h.mux.backend, "", "127.0.0.1", zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
		code    int
	}{
		{"parse error", `{"jsonrpc":`, codeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, codeInvalidRequest},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, codeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, codeMethodNotFound},
		{"missing tool name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, codeInvalidParams},
		{"unknown tool", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"drop_tables"}}`, codeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := decodeResponse(t, e.Handle(ctx, []byte(tt.payload)))
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Fatalf("error = %+v, want code %d", resp.Error, tt.code)
			}
		})
	}
}

func TestEngineHandshake(t *testing.T) {
	h := newHarness(t)
	e := NewEngine(h.mux.backend, "", "127.0.0.1", zerolog.Nop())
	ctx := context.Background()

	resp := decodeResponse(t, e.Handle(ctx, rpc(1, "initialize", map[string]any{"protocolVersion": "2025-03-26"})))
	var init initializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		t.Fatal(err)
	}
	if init.ProtocolVersion != "2025-03-26" || init.ServerInfo.Name != serverName {
		t.Fatalf("initialize = %+v", init)
	}

	resp = decodeResponse(t, e.Handle(ctx, rpc(2, "tools/list", nil)))
	var list struct {
		Tools []toolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(list.Tools))
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	want := "register,messages_write,messages_search,messages_read_cached,stream_status,echo_ping"
	if strings.Join(names, ",") != want {
		t.Fatalf("tools = %v", names)
	}
}

func TestEngineTools(t *testing.T) {
	h := newHarness(t)
	key := h.key(t, "agent@example.com")
	e := NewEngine(h.mux.backend, key, "127.0.0.1", zerolog.Nop())
	ctx := context.Background()

	var cached struct {
		Messages []models.Message `json:"messages"`
		Count    int              `json:"count"`
	}
	if decodeTool(t, e.Handle(ctx, callTool(1, "messages_read_cached", nil)), &cached) || cached.Count != 0 {
		t.Fatalf("cached read before feed: %+v", cached)
	}

	var written WriteResult
	if decodeTool(t, e.Handle(ctx, callTool(2, "messages_write", map[string]any{
		"role": "assistant", "content": "hello commons", "meta": map[string]any{"tag": "test"},
	})), &written) {
		t.Fatalf("write failed: %+v", written)
	}
	if written.ID == "" || written.CreatedAt.IsZero() {
		t.Fatalf("write result = %+v", written)
	}

	var failure map[string]any
	if !decodeTool(t, e.Handle(ctx, callTool(3, "messages_write", map[string]any{
		"role": "assistant", "content": strings.Repeat("x", models.MaxContentBytes+1),
	})), &failure) || failure["error"] != commons.CodeValidation || failure["field"] != "content" {
		t.Fatalf("oversized write = %+v", failure)
	}

	var page commons.Page
	if decodeTool(t, e.Handle(ctx, callTool(4, "messages_search", map[string]any{"search": "hello commons"})), &page) {
		t.Fatal("search failed")
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != written.ID {
		t.Fatalf("search page = %+v", page)
	}

	msg, err := h.mem.GetMessage(ctx, written.ID)
	if err != nil || msg == nil {
		t.Fatalf("GetMessage: %v", err)
	}
	h.cache.Add(*msg)
	if decodeTool(t, e.Handle(ctx, callTool(5, "messages_read_cached", map[string]any{"limit": 10})), &cached) || cached.Count != 1 {
		t.Fatalf("cached read after feed: %+v", cached)
	}

	var status map[string]any
	if decodeTool(t, e.Handle(ctx, callTool(6, "stream_status", nil)), &status) || status["connected"] != true {
		t.Fatalf("status = %+v", status)
	}

	var pong map[string]any
	if decodeTool(t, e.Handle(ctx, callTool(7, "echo_ping", nil)), &pong) || pong["status"] != "pong" {
		t.Fatalf("pong = %+v", pong)
	}

	var reg map[string]any
	if !decodeTool(t, e.Handle(ctx, callTool(8, "register", map[string]any{"email": "agent@example.com"})), &reg) ||
		reg["error"] != commons.CodeAlreadyRegistered {
		t.Fatalf("duplicate register = %+v", reg)
	}
	if decodeTool(t, e.Handle(ctx, callTool(9, "register", map[string]any{"email": "other@example.com"})), &reg) {
		t.Fatalf("register = %+v", reg)
	}
	if k, _ := reg["key"].(string); !strings.HasPrefix(k, "amcp_") {
		t.Fatalf("register key = %v", reg["key"])
	}
}

func TestEngineCachedReadClampsLimit(t *testing.T) {
	h := newHarness(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		h.cache.Add(models.Message{ID: fmt.Sprintf("m%03d", i), CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	e := NewEngine(h.mux.backend, "", "127.0.0.1", zerolog.Nop())

	if got := len(e.CachedRead(0)); got != commons.DefaultLimit {
		t.Fatalf("default = %d", got)
	}
	if got := len(e.CachedRead(500)); got != 100 {
		t.Fatalf("clamped = %d", got)
	}
	if got := e.CachedRead(1); got[0].ID != "m099" {
		t.Fatalf("newest = %s", got[0].ID)
	}
}
