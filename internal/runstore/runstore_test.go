package runstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(0)
	base := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	if err := store.Accept(ctx, Record{ID: "run-1", LogID: 42, Task: "ssl_deploy", Status: "ignored"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	rec, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusAccepted {
		t.Errorf("status = %q, want %q", rec.Status, StatusAccepted)
	}
	if !rec.CreatedAt.Equal(base) {
		t.Errorf("created_at = %v", rec.CreatedAt)
	}

	store.now = func() time.Time { return base.Add(time.Minute) }
	if err := store.Finish(ctx, "run-1", StatusFailed, "Connection failed: timeout"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	rec, _ = store.Get(ctx, "run-1")
	if rec.Status != StatusFailed || rec.OutputLog != "Connection failed: timeout" {
		t.Errorf("unexpected record %+v", rec)
	}
	if !rec.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("updated_at = %v", rec.UpdatedAt)
	}
}

func TestMemoryUnknownRun(t *testing.T) {
	store := NewMemory(0)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Finish(context.Background(), "missing", StatusSuccess, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryEvictsOldestFinished(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(3)
	for i := 1; i <= 3; i++ {
		if err := store.Accept(ctx, Record{ID: fmt.Sprintf("run-%d", i), LogID: int64(i)}); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	// run-1 is still running; run-2 is the oldest finished record.
	if err := store.Finish(ctx, "run-2", StatusSuccess, "ok"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := store.Accept(ctx, Record{ID: "run-4"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := store.Get(ctx, "run-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected run-2 evicted, got %v", err)
	}
	for _, id := range []string{"run-1", "run-3", "run-4"} {
		if _, err := store.Get(ctx, id); err != nil {
			t.Errorf("get %s: %v", id, err)
		}
	}
}

func TestMemoryEvictsOldestWhenNoneFinished(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(2)
	for i := 1; i <= 5; i++ {
		if err := store.Accept(ctx, Record{ID: fmt.Sprintf("run-%d", i)}); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	if got := len(store.records); got != 2 {
		t.Fatalf("len(records) = %d, want 2", got)
	}
	if _, err := store.Get(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected run-1 evicted, got %v", err)
	}
	if _, err := store.Get(ctx, "run-5"); err != nil {
		t.Fatalf("get run-5: %v", err)
	}
}
