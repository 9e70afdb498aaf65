package syncer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/showrunner/internal/notion"
	"github.com/basket/showrunner/internal/persistence"
	"github.com/basket/showrunner/internal/pipeline"
	"github.com/basket/showrunner/internal/syncer"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "showrunner.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func notionStub(t *testing.T, queued, cancelled []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		filter := body["filter"].(map[string]any)
		status := filter["select"].(map[string]any)["equals"].(string)

		results := queued
		if status == notion.PageStatusCancelled {
			results = cancelled
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results":  results,
			"has_more": false,
		})
	}))
}

func queuedPage(id, title, channel string) map[string]any {
	return map[string]any{
		"id": id,
		"properties": map[string]any{
			notion.PropTitle:   map[string]any{"title": []map[string]any{{"plain_text": title}}},
			notion.PropChannel: map[string]any{"select": map[string]any{"name": channel}},
		},
	}
}

func TestSync_CreatesTasksForQueuedPages(t *testing.T) {
	store := openTestStore(t)
	srv := notionStub(t,
		[]map[string]any{
			queuedPage("p1", "Episode 1", "alpha"),
			queuedPage("p2", "Episode 2", "beta"),
		},
		nil,
	)
	defer srv.Close()

	s, err := syncer.New(store, notion.NewClient(srv.URL, "tok", nil), "db-1", "*/5 * * * *", nil)
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	for _, page := range []string{"p1", "p2"} {
		task, err := store.GetTaskByPageRef(context.Background(), page)
		if err != nil {
			t.Fatalf("task for %s: %v", page, err)
		}
		if task.Status != pipeline.StatusPending {
			t.Fatalf("%s status = %s", page, task.Status)
		}
	}

	// A second sync is idempotent.
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	tasks, _ := store.ListClaimable(context.Background(), 10)
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks after resync, want 2", len(tasks))
	}
}

func TestSync_SkipsPagesWithoutChannel(t *testing.T) {
	store := openTestStore(t)
	srv := notionStub(t, []map[string]any{
		{"id": "p-bare", "properties": map[string]any{}},
	}, nil)
	defer srv.Close()

	s, err := syncer.New(store, notion.NewClient(srv.URL, "tok", nil), "db-1", "*/5 * * * *", nil)
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	tasks, _ := store.ListClaimable(context.Background(), 10)
	if len(tasks) != 0 {
		t.Fatalf("got %d tasks, want 0", len(tasks))
	}
}

func TestSync_AppliesPlannerCancellations(t *testing.T) {
	store := openTestStore(t)
	id, err := store.CreateTask(context.Background(), persistence.CreateTaskParams{
		ChannelID: "alpha", PageRef: "p-cancel", Title: "ep",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	srv := notionStub(t, nil, []map[string]any{
		{"id": "p-cancel", "properties": map[string]any{}},
	})
	defer srv.Close()

	s, err := syncer.New(store, notion.NewClient(srv.URL, "tok", nil), "db-1", "*/5 * * * *", nil)
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	task, _ := store.GetTask(context.Background(), id)
	if task.Status != pipeline.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", task.Status)
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	store := openTestStore(t)
	if _, err := syncer.New(store, notion.NewClient("http://x", "tok", nil), "db", "not a cron", nil); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestNextRunTime(t *testing.T) {
	store := openTestStore(t)
	s, err := syncer.New(store, notion.NewClient("http://x", "tok", nil), "db", "0 * * * *", nil)
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	at := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	next := s.NextRunTime(at)
	want := time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
