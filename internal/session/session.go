package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport pushes server events to one connected client.
type Transport interface {
	// Send delivers one event. It fails once the transport is closed.
	Send(ctx context.Context, event string, data []byte) error
	// Close releases the transport. It must be safe to call more than once.
	Close() error
}

// EventMessage is the SSE event name carrying sub-protocol replies.
const EventMessage = "message"

const queueSize = 64

type job struct {
	ctx     context.Context
	payload []byte
	reply   chan []byte
}

// Session is one live streaming connection bound to a credential.
type Session struct {
	token     string
	key       string
	clientIP  string
	transport Transport
	engine    *Engine
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	mu       sync.Mutex // guards closing and admission
	closing  bool
	inflight sync.WaitGroup

	queue     chan job
	closeOnce sync.Once
	done      chan struct{}
}

// Token returns the session token.
func (s *Session) Token() string { return s.token }

// ClientIP returns the address the session was opened from.
func (s *Session) ClientIP() string { return s.clientIP }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has fully closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Context is cancelled when the session starts closing.
func (s *Session) Context() context.Context { return s.ctx }

// admit registers an in-flight route unless closing has begun.
func (s *Session) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

// run processes routed payloads in arrival order. Each reply is pushed to
// the transport and handed back to the router.
func (s *Session) run() {
	for j := range s.queue {
		ctx, cancel := mergeCancel(j.ctx, s.ctx)
		reply := s.engine.Handle(ctx, j.payload)
		cancel()

		if reply != nil {
			_ = s.transport.Send(s.ctx, EventMessage, reply)
		}
		j.reply <- reply
	}
}

// mergeCancel returns a context carrying a's values that is cancelled when
// either a or b is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
