package persistence

import (
	"context"
	"testing"
	"time"
)

func TestPurge_RemovesExpiredOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	channelID, watcherID := seedChannel(t, store, "dev", "lead")
	watchedID, _ := store.EnsureIdentity(ctx, "scribe")

	// One old event, one recent event.
	if err := store.RecordEvent(ctx, "cli", "message.appended", "", ""); err != nil {
		t.Fatalf("old event: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE events SET created_at = datetime('now', '-40 days');`); err != nil {
		t.Fatalf("age event: %v", err)
	}
	if err := store.RecordEvent(ctx, "cli", "message.appended", "", ""); err != nil {
		t.Fatalf("recent event: %v", err)
	}

	// One dismissed-long-ago poll, one still open.
	if _, err := store.StartPoll(ctx, watchedID, channelID, watcherID); err != nil {
		t.Fatalf("old poll: %v", err)
	}
	if _, err := store.DismissPoll(ctx, watchedID, channelID); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE polls SET dismissed_at = datetime('now', '-40 days') WHERE dismissed_at IS NOT NULL;`); err != nil {
		t.Fatalf("age poll: %v", err)
	}
	if _, err := store.StartPoll(ctx, watchedID, channelID, watcherID); err != nil {
		t.Fatalf("open poll: %v", err)
	}

	result, err := store.Purge(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if result.PurgedEvents != 1 {
		t.Fatalf("purged events = %d, want 1", result.PurgedEvents)
	}
	if result.PurgedPolls != 1 {
		t.Fatalf("purged polls = %d, want 1", result.PurgedPolls)
	}

	count, err := store.EventCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("remaining events = %d (%v), want 1", count, err)
	}
	if watched, err := store.IsWatched(ctx, watchedID, channelID); err != nil || !watched {
		t.Fatalf("open poll purged: %v %v", watched, err)
	}
}
