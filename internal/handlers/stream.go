package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/eldtechnologies/mcpcommons/internal/commons"
	"github.com/eldtechnologies/mcpcommons/internal/feed"
	"github.com/eldtechnologies/mcpcommons/internal/models"
)

// StreamFrame is one frame of the public message stream.
type StreamFrame struct {
	Type     string           `json:"type"`
	Messages []models.Message `json:"messages,omitempty"`
	Message  *models.Message  `json:"message,omitempty"`
}

const streamBuffer = 64

// Stream serves the public live feed: the most recent messages from the
// store, then every insert the feed delivers.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Subscribe before reading the batch so no insert falls in between.
	sub := h.hub.Subscribe(streamBuffer)
	defer h.hub.Unsubscribe(sub)

	page, err := h.svc.Search(ctx, commons.SearchRequest{Limit: h.streamBatch})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	sse := newSSEWriter(w)
	seen := make(map[string]struct{}, len(page.Messages))
	for _, m := range page.Messages {
		seen[m.ID] = struct{}{}
	}
	if err := h.sendFrame(sse, StreamFrame{Type: "initial", Messages: page.Messages}); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closed:
			return
		case ev, ok := <-sub.C:
			if !ok {
				// Dropped for falling behind.
				return
			}
			if ev.Kind != feed.EventInsert || ev.Message == nil {
				continue
			}
			if _, dup := seen[ev.Message.ID]; dup {
				delete(seen, ev.Message.ID)
				continue
			}
			if err := h.sendFrame(sse, StreamFrame{Type: "insert", Message: ev.Message}); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.comment("heartbeat"); err != nil {
				return
			}
		}
	}
}

// sendFrame writes f as one event. A frame that cannot be encoded is logged
// and ends the stream.
func (h *Handler) sendFrame(sse *sseWriter, f StreamFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error().Err(err).Str("frame", f.Type).Msg("encode stream frame")
		return err
	}
	return sse.event("", data)
}
