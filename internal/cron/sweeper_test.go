package cron_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/iron-claw/internal/cron"
	"github.com/basket/iron-claw/internal/persistence"
	"github.com/basket/iron-claw/internal/queue"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ironclaw.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeEvictor struct {
	olderThan time.Duration
	evicted   int
}

func (f *fakeEvictor) EvictTerminal(olderThan time.Duration) int {
	f.olderThan = olderThan
	return f.evicted
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	next, err := cron.NextRunTime("0 * * * *", after)
	if err != nil {
		t.Fatalf("parse hourly: %v", err)
	}
	want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := cron.NextRunTime("not a cron expr", after); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestNewSweeper_RejectsBadSchedule(t *testing.T) {
	_, err := cron.NewSweeper(cron.Config{Schedule: "61 * * * *"})
	if err == nil {
		t.Fatal("expected error for out-of-range minute field")
	}
}

func TestSweep_PurgesTerminalRunsAndEvicts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, "run-done", "task-1", queue.StepLog, `{}`); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := store.MarkRunning(ctx, "run-done"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := store.CompleteRun(ctx, "run-done", `{"ok":true}`); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	if err := store.CreateRun(ctx, "run-live", "task-2", queue.StepLog, `{}`); err != nil {
		t.Fatalf("create run: %v", err)
	}

	ev := &fakeEvictor{evicted: 3}
	sw, err := cron.NewSweeper(cron.Config{
		Store:       store,
		Evictor:     ev,
		Logger:      slog.Default(),
		Schedule:    "0 * * * *",
		RunWindow:   time.Nanosecond,
		HITLWindow:  45 * time.Minute,
		AuditWindow: time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	// Sweep timestamps have second granularity, so age the records past
	// the nanosecond window.
	time.Sleep(1100 * time.Millisecond)
	sw.Sweep(ctx)

	if rec, err := store.GetRun(ctx, "run-done"); err != nil {
		t.Fatalf("get run: %v", err)
	} else if rec != nil {
		t.Fatalf("terminal run survived sweep: %+v", rec)
	}
	if rec, err := store.GetRun(ctx, "run-live"); err != nil {
		t.Fatalf("get run: %v", err)
	} else if rec == nil {
		t.Fatal("queued run purged by sweep")
	}
	if ev.olderThan != 45*time.Minute {
		t.Fatalf("evictor window = %v, want 45m", ev.olderThan)
	}
}
