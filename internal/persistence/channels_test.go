package persistence

import (
	"context"
	"errors"
	"testing"
)

func TestCreateChannel_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	if _, err := store.CreateChannel(ctx, "dev", "daily work"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateChannel(ctx, "dev", ""); !errors.Is(err, ErrDuplicateChannel) {
		t.Fatalf("duplicate create err = %v, want ErrDuplicateChannel", err)
	}
}

func TestResolveOrCreateChannel_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	first, err := store.ResolveOrCreateChannel(ctx, "dev")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := store.ResolveOrCreateChannel(ctx, "dev")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first != second {
		t.Fatalf("resolve returned different IDs: %q vs %q", first, second)
	}
}

func TestRenameChannel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	if _, err := store.CreateChannel(ctx, "dev", ""); err != nil {
		t.Fatalf("create dev: %v", err)
	}
	if _, err := store.CreateChannel(ctx, "ops", ""); err != nil {
		t.Fatalf("create ops: %v", err)
	}
	if _, err := store.CreateChannel(ctx, "old-ops", ""); err != nil {
		t.Fatalf("create old-ops: %v", err)
	}
	if err := store.ArchiveChannel(ctx, "old-ops"); err != nil {
		t.Fatalf("archive old-ops: %v", err)
	}

	cases := []struct {
		name    string
		from    string
		to      string
		wantErr error
	}{
		{"success", "dev", "dev-next", nil},
		{"missing source", "ghost", "anything", ErrNotFound},
		{"active name taken", "ops", "dev-next", ErrDuplicateChannel},
		{"archived name blocks", "ops", "old-ops", ErrArchivedConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.RenameChannel(ctx, tc.from, tc.to)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("rename: %v", err)
				}
				if _, err := store.GetChannel(ctx, tc.to); err != nil {
					t.Fatalf("renamed channel lookup: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("rename err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestArchiveChannel_GuardedStates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	if _, err := store.CreateChannel(ctx, "dev", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.ArchiveChannel(ctx, "dev"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	// Archiving again must not silently succeed.
	if err := store.ArchiveChannel(ctx, "dev"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double archive err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetChannel(ctx, "dev"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("archived channel still active: %v", err)
	}
	if _, err := store.GetArchivedChannel(ctx, "dev"); err != nil {
		t.Fatalf("archived lookup: %v", err)
	}

	// The name is free for a new channel.
	if _, err := store.CreateChannel(ctx, "dev", ""); err != nil {
		t.Fatalf("recreate archived name: %v", err)
	}
}

func TestPinUnpinChannel(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	if _, err := store.CreateChannel(ctx, "dev", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.UnpinChannel(ctx, "dev"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unpin before pin err = %v, want ErrNotFound", err)
	}
	if err := store.PinChannel(ctx, "dev"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := store.PinChannel(ctx, "dev"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double pin err = %v, want ErrNotFound", err)
	}
	ch, err := store.GetChannel(ctx, "dev")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ch.PinnedAt == nil {
		t.Fatal("expected pinned_at set")
	}
	if err := store.UnpinChannel(ctx, "dev"); err != nil {
		t.Fatalf("unpin: %v", err)
	}
}

func TestListChannels_PinnedFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	for _, name := range []string{"alpha", "beta", "zulu"} {
		if _, err := store.CreateChannel(ctx, name, ""); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	if err := store.PinChannel(ctx, "zulu"); err != nil {
		t.Fatalf("pin: %v", err)
	}

	channels, err := store.ListChannels(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := make([]string, len(channels))
	for i, ch := range channels {
		got[i] = ch.Name
	}
	want := []string{"zulu", "alpha", "beta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestDeleteChannel_Cascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	channelID, err := store.CreateChannel(ctx, "dev", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	senderID, err := store.EnsureIdentity(ctx, "lead")
	if err != nil {
		t.Fatalf("ensure identity: %v", err)
	}
	msgID, err := store.AppendMessage(ctx, channelID, senderID, "hello", PriorityNormal)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AdvanceBookmark(ctx, senderID, channelID, msgID); err != nil {
		t.Fatalf("bookmark: %v", err)
	}
	if _, err := store.AddNote(ctx, channelID, senderID, "context"); err != nil {
		t.Fatalf("note: %v", err)
	}
	if _, err := store.StartPoll(ctx, senderID, channelID, senderID); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if err := store.DeleteChannel(ctx, "dev"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := store.GetChannel(ctx, "dev"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("channel still present: %v", err)
	}
	if msgs, err := store.ListAllMessages(ctx, channelID); err != nil || len(msgs) != 0 {
		t.Fatalf("messages survived cascade: %v %v", msgs, err)
	}
	if notes, err := store.ListNotes(ctx, channelID); err != nil || len(notes) != 0 {
		t.Fatalf("notes survived cascade: %v %v", notes, err)
	}
	if polls, err := store.ActivePolls(ctx, channelID); err != nil || len(polls) != 0 {
		t.Fatalf("polls survived cascade: %v %v", polls, err)
	}
	var bookmarks int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM bookmarks WHERE channel_id = ?;`, channelID).Scan(&bookmarks); err != nil {
		t.Fatalf("count bookmarks: %v", err)
	}
	if bookmarks != 0 {
		t.Fatalf("bookmarks survived cascade: %d", bookmarks)
	}
}
