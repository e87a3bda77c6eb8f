package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/eldtechnologies/mcpcommons/internal/models"
)

func seedMessages(t *testing.T, s *MemoryStore, n int) []models.Message {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	i := 0
	// Groups of three share a timestamp so pages must break ties by id.
	s.SetClock(func() time.Time { return base.Add(time.Duration(i/3) * time.Millisecond) })
	var all []models.Message
	for i = 0; i < n; i++ {
		msg, err := s.InsertMessage(context.Background(), "cred", models.RoleUser, fmt.Sprintf("message number %d", i), nil)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, *msg)
	}
	return all
}

func TestMemoryStorePaginationPartitions(t *testing.T) {
	s := NewMemoryStore()
	seedMessages(t, s, 23)

	full, err := s.QueryMessages(context.Background(), MessageQuery{Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if len(full) != 23 {
		t.Fatalf("expected 23 messages, got %d", len(full))
	}
	for i := 1; i < len(full); i++ {
		if !full[i].Before(&full[i-1]) {
			t.Fatalf("messages %d and %d out of order", i-1, i)
		}
	}

	for pageSize := 1; pageSize <= 25; pageSize++ {
		var got []models.Message
		var cursor *Cursor
		for pages := 0; ; pages++ {
			if pages > 100 {
				t.Fatalf("page size %d: pagination did not terminate", pageSize)
			}
			page, err := s.QueryMessages(context.Background(), MessageQuery{Limit: pageSize, Before: cursor})
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, page...)
			if len(page) < pageSize {
				break
			}
			// Round-trip through the opaque token like a client would.
			token := EncodeCursor(CursorAfter(&page[len(page)-1]))
			if cursor, err = DecodeCursor(token); err != nil {
				t.Fatal(err)
			}
		}
		if len(got) != len(full) {
			t.Fatalf("page size %d: expected %d messages, got %d", pageSize, len(full), len(got))
		}
		for i := range full {
			if got[i].ID != full[i].ID {
				t.Fatalf("page size %d: position %d expected %s, got %s", pageSize, i, full[i].ID, got[i].ID)
			}
		}
	}
}

func TestMemoryStoreTimestampCursor(t *testing.T) {
	s := NewMemoryStore()
	all := seedMessages(t, s, 9)

	// A bare timestamp excludes every message created at that instant.
	cut := all[4].CreatedAt
	cursor, err := DecodeCursor(cut.Format(time.RFC3339Nano))
	if err != nil {
		t.Fatal(err)
	}
	page, err := s.QueryMessages(context.Background(), MessageQuery{Limit: 100, Before: cursor})
	if err != nil {
		t.Fatal(err)
	}
	for _, msg := range page {
		if !msg.CreatedAt.Before(cut) {
			t.Fatalf("message %s at %v is not before %v", msg.ID, msg.CreatedAt, cut)
		}
	}
	if len(page) != 3 {
		t.Fatalf("expected 3 older messages, got %d", len(page))
	}
}

func TestMemoryStoreSearch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, content := range []string{"hello world", "hello there", "goodbye world"} {
		if _, err := s.InsertMessage(ctx, "cred", models.RoleAssistant, content, map[string]any{"k": "v"}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := s.QueryMessages(ctx, MessageQuery{Search: "hello & world", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Content != "hello world" {
		t.Fatalf("unexpected result %+v", page)
	}

	if _, err := s.QueryMessages(ctx, MessageQuery{Search: "hello world", Limit: 10}); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}

	page, err = s.QueryMessages(ctx, MessageQuery{Search: "nothing", Limit: 10})
	if err != nil || len(page) != 0 {
		t.Fatalf("expected empty result without error, got %d, %v", len(page), err)
	}
}

func TestMemoryStoreCredentials(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	cred, err := s.InsertCredential(ctx, "Agent@Example.com", "amcp_key1")
	if err != nil {
		t.Fatal(err)
	}
	if !cred.Active {
		t.Fatal("new credential should be active")
	}
	if _, err := s.InsertCredential(ctx, "agent@example.com", "amcp_key2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	found, err := s.FindCredentialByKey(ctx, "amcp_key1")
	if err != nil || found == nil || found.ID != cred.ID {
		t.Fatalf("lookup by key failed: %+v, %v", found, err)
	}

	if _, err := s.Deactivate("agent@example.com"); err != nil {
		t.Fatal(err)
	}
	found, _ = s.FindCredential(ctx, "agent@example.com")
	if found.Active {
		t.Fatal("expected inactive credential")
	}

	missing, err := s.FindCredential(ctx, "nobody@example.com")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for unknown email, got %+v, %v", missing, err)
	}
}
