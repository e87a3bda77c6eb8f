// Package feed consumes the change feed of committed messages and keeps the
// process-local view of the most recent ones.
package feed

import (
	"context"

	"github.com/eldtechnologies/mcpcommons/internal/models"
	"github.com/eldtechnologies/mcpcommons/internal/store"
)

// EventKind distinguishes feed events.
type EventKind int

const (
	// EventSnapshot carries the most recent messages, newest first. It is
	// always the first event of a subscription.
	EventSnapshot EventKind = iota
	// EventInsert carries one newly committed message.
	EventInsert
	// EventDisconnected reports that the subscription was lost.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "snapshot"
	case EventInsert:
		return "insert"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event is one item of a feed subscription.
type Event struct {
	Kind     EventKind
	Messages []models.Message // EventSnapshot
	Message  *models.Message  // EventInsert
	Err      error            // EventDisconnected
}

// Source is a change feed backend. Subscribe yields a snapshot event, then
// insert events, until the subscription is lost or ctx is done; the channel is
// closed in both cases. A lost subscription may be reported with a final
// EventDisconnected before the close.
type Source interface {
	Name() string
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// SnapshotFunc loads the limit most recent messages, newest first.
type SnapshotFunc func(ctx context.Context, limit int) ([]models.Message, error)

// StoreSnapshot reads snapshots from a message store.
func StoreSnapshot(ds store.DataStore) SnapshotFunc {
	return func(ctx context.Context, limit int) ([]models.Message, error) {
		return ds.QueryMessages(ctx, store.MessageQuery{Limit: limit})
	}
}

// send delivers ev unless ctx is done first.
func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
