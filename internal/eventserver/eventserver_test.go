package eventserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/channinghe/cftunnel/internal/history"
)

func openTestStore(t *testing.T) *history.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(path)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHandleSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.Record(ctx, history.SessionRecord{ID: "s1", Port: 80, Kind: history.KindQuick, StartedAt: time.Now()})

	srv := New(store)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleSessions))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var sessions []history.SessionRecord
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestHandleStatusNotFound(t *testing.T) {
	store := openTestStore(t)
	srv := New(store)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleStatus))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestPublishDoesNotBlockOnFullChannel(t *testing.T) {
	store := openTestStore(t)
	srv := New(store)

	for i := 0; i < 100; i++ {
		srv.Publish(Event{Type: "test"})
	}
}
