package cmd

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/memo/internal/api"
	"github.com/marcus/memo/internal/db"
	"github.com/marcus/memo/internal/models"
	"github.com/marcus/memo/internal/serverdb"
	memosync "github.com/marcus/memo/internal/sync"
	"github.com/marcus/memo/internal/syncclient"
)

var testNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T) *app {
	t.Helper()
	database, err := db.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return newApp(database)
}

// newTestClient starts a real sync server and returns a client for token.
func newTestClient(t *testing.T, token string) *syncclient.Client {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "server.db")
	store, err := serverdb.Open(dbPath)
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv, err := api.NewServer(api.Config{RateLimitBatch: 100000, RateLimitOther: 100000, DBPath: dbPath}, store)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
	})
	return syncclient.New(ts.URL, token, "dev-"+t.Name())
}

func testProcessorConfig() memosync.ProcessorConfig {
	cfg := memosync.DefaultProcessorConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.MaxAttempts = 2
	return cfg
}

func TestAddMemoQueuesCreate(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	m, err := addMemo(ctx, a, memoInput{Title: "Channels", Content: "unbuffered blocks", Tags: []string{"Go", "go", " concurrency "}}, testNow)
	if err != nil {
		t.Fatalf("addMemo: %v", err)
	}

	got, err := a.db.GetMemo(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMemo: %v", err)
	}
	if got.Title != "Channels" || len(got.Tags) != 2 || got.Tags[0] != "go" || got.Tags[1] != "concurrency" {
		t.Fatalf("memo = %+v", got)
	}
	if got.EaseFactor != models.DefaultEaseFactor || got.DifficultyLevel != models.DefaultDifficulty {
		t.Fatalf("review state = %+v", got.ReviewState)
	}

	n, err := a.db.CountChanges(ctx, models.KindMemo, models.ChangePending)
	if err != nil || n != 1 {
		t.Fatalf("pending = %d, %v", n, err)
	}
}

func TestAddMemoRejectsEmptyTitle(t *testing.T) {
	a := newTestApp(t)
	_, err := addMemo(context.Background(), a, memoInput{Title: "  "}, testNow)
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	n, _ := a.db.CountChanges(context.Background(), models.KindMemo, models.ChangePending)
	if n != 0 {
		t.Fatalf("nothing should be queued, got %d", n)
	}
}

func TestAddMemoWithCategory(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	c, err := addCategory(ctx, a, "Languages", "#ff8800", testNow)
	if err != nil {
		t.Fatalf("addCategory: %v", err)
	}
	m, err := addMemo(ctx, a, memoInput{Title: "Defer", Category: "languages"}, testNow)
	if err != nil {
		t.Fatalf("addMemo: %v", err)
	}
	if m.CategoryID == nil || *m.CategoryID != c.ID {
		t.Fatalf("category = %v, want %s", m.CategoryID, c.ID)
	}

	if _, err := addMemo(ctx, a, memoInput{Title: "Orphan", Category: "nope"}, testNow); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("unknown category: %v", err)
	}
}

func TestEditMemoPatchesOnlyGivenFields(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	m, err := addMemo(ctx, a, memoInput{Title: "Select", Content: "waits", Tags: []string{"go"}}, testNow)
	if err != nil {
		t.Fatalf("addMemo: %v", err)
	}
	if _, err := editMemo(ctx, a, m.ID[:8], map[string]any{"content": "waits on many channels"}, testNow.Add(time.Minute)); err != nil {
		t.Fatalf("editMemo: %v", err)
	}

	got, err := a.db.GetMemo(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMemo: %v", err)
	}
	if got.Content != "waits on many channels" || got.Title != "Select" || len(got.Tags) != 1 {
		t.Fatalf("memo after edit = %+v", got)
	}

	if _, err := editMemo(ctx, a, m.ID, map[string]any{}, testNow); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("empty patch: %v", err)
	}
	if _, err := editMemo(ctx, a, m.ID, map[string]any{"title": ""}, testNow); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("empty title: %v", err)
	}
}

func TestRemoveMemoHidesIt(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	m, err := addMemo(ctx, a, memoInput{Title: "Gone soon"}, testNow)
	if err != nil {
		t.Fatalf("addMemo: %v", err)
	}
	if _, err := removeMemo(ctx, a, m.ID); err != nil {
		t.Fatalf("removeMemo: %v", err)
	}
	if _, err := a.db.GetMemo(ctx, m.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("GetMemo after delete: %v", err)
	}
	if _, err := removeMemo(ctx, a, m.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestResolveMemoIDPrefix(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	m, err := addMemo(ctx, a, memoInput{Title: "Prefix"}, testNow)
	if err != nil {
		t.Fatalf("addMemo: %v", err)
	}

	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{m.ID, m.ID, false},
		{m.ID[:6], m.ID, false},
		{"", "", true},
		{"zzzz", "", true},
	}
	for _, tt := range tests {
		got, err := a.resolveMemoID(ctx, tt.ref)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("resolveMemoID(%q) = %q, %v", tt.ref, got, err)
		}
	}
}

func TestCategoryListCountsMemos(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	c, err := addCategory(ctx, a, "Go", "", testNow)
	if err != nil {
		t.Fatalf("addCategory: %v", err)
	}
	for _, title := range []string{"a", "b"} {
		if _, err := addMemo(ctx, a, memoInput{Title: title, Category: c.ID}, testNow); err != nil {
			t.Fatalf("addMemo: %v", err)
		}
	}
	if _, err := a.db.RecountCategories(ctx); err != nil {
		t.Fatalf("RecountCategories: %v", err)
	}
	cats, err := a.db.ListCategories(ctx)
	if err != nil || len(cats) != 1 {
		t.Fatalf("ListCategories = %v, %v", cats, err)
	}
	if cats[0].MemoCount != 2 {
		t.Fatalf("memo count = %d, want 2", cats[0].MemoCount)
	}
}
