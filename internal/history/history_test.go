package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordFinishGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := SessionRecord{ID: "sess-1", Port: 8080, Hostname: "app.example.com", Kind: KindNamed, StartedAt: time.Now()}
	if err := store.Record(ctx, rec); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := store.Finish(ctx, "sess-1", OutcomeSuccess, "cli", "", time.Now()); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Outcome != OutcomeSuccess {
		t.Fatalf("expected success outcome, got %s", got.Outcome)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected finished_at to be set")
	}
}

func TestGetNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFinishUnknownSession(t *testing.T) {
	store := openTestStore(t)
	err := store.Finish(context.Background(), "nope", OutcomeFailed, "", "boom", time.Now())
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOrdersMostRecentFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	store.Record(ctx, SessionRecord{ID: "a", Port: 1, Kind: KindQuick, StartedAt: older})
	store.Record(ctx, SessionRecord{ID: "b", Port: 2, Kind: KindQuick, StartedAt: newer})

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	if list[0].ID != "b" {
		t.Fatalf("expected most recent first (b), got %s", list[0].ID)
	}
}
