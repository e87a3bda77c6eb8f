// Package session multiplexes streaming connections: it owns the registry of
// live sessions, routes inbound sub-protocol payloads to them and tears them
// down on disconnect.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/mcpcommons/internal/credential"
	"github.com/eldtechnologies/mcpcommons/internal/crypto"
	"github.com/eldtechnologies/mcpcommons/internal/metrics"
)

var (
	// ErrSessionNotFound is returned for tokens that are unknown or whose
	// session has closed or begun closing.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMissingCredential is returned when a session is opened without a
	// credential.
	ErrMissingCredential = credential.ErrMissingCredential
)

const shardCount = 16

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Multiplexer owns the session registry.
type Multiplexer struct {
	shards  [shardCount]*shard
	backend Backend
	logger  zerolog.Logger
	workers sync.WaitGroup
}

// NewMultiplexer creates an empty multiplexer. Engines of new sessions are
// bound to backend.
func NewMultiplexer(backend Backend, logger zerolog.Logger) *Multiplexer {
	m := &Multiplexer{
		backend: backend,
		logger:  logger.With().Str("component", "session").Logger(),
	}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return m
}

func (m *Multiplexer) shardFor(token string) *shard {
	return m.shards[xxhash.Sum64String(token)%shardCount]
}

// Open creates a session for transport. Only the presence of a credential is
// checked; its validity is checked by each operation.
func (m *Multiplexer) Open(key, clientIP string, transport Transport) (*Session, error) {
	if key == "" {
		return nil, ErrMissingCredential
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		key:       key,
		clientIP:  clientIP,
		transport: transport,
		createdAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan job, queueSize),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateOpening))

	for {
		token := crypto.NewSessionToken()
		sh := m.shardFor(token)
		sh.mu.Lock()
		if _, taken := sh.sessions[token]; taken {
			sh.mu.Unlock()
			continue
		}
		s.token = token
		s.engine = NewEngine(m.backend, key, clientIP,
			m.logger.With().Str("session", token).Logger())
		sh.sessions[token] = s
		s.state.Store(int32(StateOpen))
		sh.mu.Unlock()
		break
	}

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		s.run()
	}()

	metrics.SessionsOpened.Inc()
	metrics.ActiveSessions.Inc()
	m.logger.Info().
		Str("type", "security").
		Str("event", "session_opened").
		Str("session", s.token).
		Str("ip", clientIP).
		Msg("session opened")

	return s, nil
}

// Get returns the open session for token.
func (m *Multiplexer) Get(token string) (*Session, bool) {
	sh := m.shardFor(token)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[token]
	return s, ok
}

// Route hands payload to the session's engine and waits for the reply, which
// is also pushed over the session transport. Payloads routed to one session
// are processed in the order they were admitted. The reply is nil for
// notifications.
func (m *Multiplexer) Route(ctx context.Context, token string, payload []byte) ([]byte, error) {
	s, ok := m.Get(token)
	if !ok || !s.admit() {
		return nil, ErrSessionNotFound
	}
	defer s.inflight.Done()

	j := job{ctx: ctx, payload: payload, reply: make(chan []byte, 1)}
	select {
	case s.queue <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-j.reply:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the session for token. It is idempotent. Routes admitted
// before Close began are allowed to finish; their store calls see the
// session context cancelled.
func (m *Multiplexer) Close(token string) {
	s, ok := m.Get(token)
	if !ok {
		return
	}
	m.closeSession(s)
}

func (m *Multiplexer) closeSession(s *Session) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.state.Store(int32(StateClosing))
		s.mu.Unlock()

		sh := m.shardFor(s.token)
		sh.mu.Lock()
		if sh.sessions[s.token] == s {
			delete(sh.sessions, s.token)
		}
		sh.mu.Unlock()

		s.cancel()
		s.inflight.Wait()
		close(s.queue)
		_ = s.transport.Close()

		s.state.Store(int32(StateClosed))
		close(s.done)

		metrics.SessionsClosed.Inc()
		metrics.ActiveSessions.Dec()
		m.logger.Info().
			Str("type", "security").
			Str("event", "session_closed").
			Str("session", s.token).
			Dur("duration", time.Since(s.createdAt)).
			Msg("session closed")
	})
	<-s.done
}

// Len returns the number of open sessions.
func (m *Multiplexer) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Shutdown closes every session and waits for their workers, or for ctx.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	var all []*Session
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			all = append(all, s)
		}
		sh.mu.RUnlock()
	}

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.closeSession(s)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		m.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
