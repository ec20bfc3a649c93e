package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentbus/internal/persistence"
)

func TestNewSweeper_RejectsInvalidSchedule(t *testing.T) {
	_, err := NewSweeper(Config{Schedule: "not a cron expression"})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)

	next, err := NextRunTime("@hourly", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	next, err = NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want = time.Date(2026, 8, 1, 10, 35, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("bogus", after); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSweeper_PurgesOnStartup(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentbus.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := store.RecordEvent(ctx, "cli", "message.appended", "", ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE events SET created_at = datetime('now', '-2 days');`); err != nil {
		t.Fatalf("age event: %v", err)
	}

	sweeper, err := NewSweeper(Config{
		Store:    store,
		Schedule: "@hourly",
		Horizon:  24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sweeper.Start(runCtx)

	// The startup sweep runs before the first scheduled tick.
	deadline := time.Now().Add(2 * time.Second)
	for {
		count, err := store.EventCount(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if count == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expired event not purged, count = %d", count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	sweeper.Stop()
}
