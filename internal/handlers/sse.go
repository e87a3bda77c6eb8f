package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

var errStreamClosed = errors.New("stream closed")

// sseWriter writes Server-Sent Events frames to a streaming response.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// newSSEWriter sends the stream headers and lifts the server deadlines.
func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	// Long-lived stream; ignore writers that cannot clear deadlines.
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	w.WriteHeader(http.StatusOK)
	s := &sseWriter{w: w, rc: rc}
	s.flush()
	return s
}

func (s *sseWriter) flush() error {
	return s.rc.Flush()
}

// event writes one frame. Multi-line data is split over data fields.
func (s *sseWriter) event(name string, data []byte) error {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "event: %s\n", name)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	return s.flush()
}

// comment writes a comment frame, used as a heartbeat.
func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.flush()
}

type sseFrame struct {
	event string
	data  []byte
}

// sseTransport is the session.Transport of a streaming connection. Frames
// are queued for the handler goroutine that owns the response writer.
type sseTransport struct {
	frames    chan sseFrame
	done      chan struct{}
	closeOnce sync.Once
}

func newSSETransport() *sseTransport {
	return &sseTransport{
		frames: make(chan sseFrame, 64),
		done:   make(chan struct{}),
	}
}

// Send queues a frame for the connection.
func (t *sseTransport) Send(ctx context.Context, event string, data []byte) error {
	select {
	case <-t.done:
		return errStreamClosed
	default:
	}

	select {
	case t.frames <- sseFrame{event: event, data: data}:
		return nil
	case <-t.done:
		return errStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the connection's write loop.
func (t *sseTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
