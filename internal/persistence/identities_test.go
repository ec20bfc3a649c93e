package persistence

import (
	"context"
	"errors"
	"testing"
)

func TestEnsureIdentity_StableAndRestoring(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	first, err := store.EnsureIdentity(ctx, "scribe")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := store.EnsureIdentity(ctx, "scribe")
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if first != second {
		t.Fatalf("ensure returned different IDs: %q vs %q", first, second)
	}

	// Archive, then ensure again: the archived record is restored, keeping
	// its ID and history, rather than a new identity being minted.
	if ok, err := store.ArchiveIdentity(ctx, "scribe"); err != nil || !ok {
		t.Fatalf("archive: ok=%v err=%v", ok, err)
	}
	restored, err := store.EnsureIdentity(ctx, "scribe")
	if err != nil {
		t.Fatalf("ensure after archive: %v", err)
	}
	if restored != first {
		t.Fatalf("restore minted a new ID: %q vs %q", restored, first)
	}
	ident, err := store.GetIdentityByName(ctx, "scribe")
	if err != nil {
		t.Fatalf("lookup restored: %v", err)
	}
	if ident.ArchivedAt != nil {
		t.Fatal("restored identity still archived")
	}
}

func TestArchiveRestoreIdentity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	if ok, err := store.ArchiveIdentity(ctx, "ghost"); err != nil || ok {
		t.Fatalf("archive missing: ok=%v err=%v", ok, err)
	}

	if _, err := store.EnsureIdentity(ctx, "scribe"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ok, err := store.ArchiveIdentity(ctx, "scribe"); err != nil || !ok {
		t.Fatalf("archive: ok=%v err=%v", ok, err)
	}
	if ok, err := store.RestoreIdentity(ctx, "scribe"); err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	// Restoring when an active record holds the name is refused.
	if ok, err := store.RestoreIdentity(ctx, "scribe"); err != nil || ok {
		t.Fatalf("restore over active: ok=%v err=%v", ok, err)
	}
}

func TestSetIdentityDescription(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	id, err := store.EnsureIdentity(ctx, "scribe")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := store.SetIdentityDescription(ctx, id, "keeps the minutes"); err != nil {
		t.Fatalf("describe: %v", err)
	}
	ident, err := store.GetIdentityByID(ctx, id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ident.SelfDescription != "keeps the minutes" {
		t.Fatalf("description = %q", ident.SelfDescription)
	}

	if err := store.SetIdentityDescription(ctx, "no-such-id", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("describe missing err = %v, want ErrNotFound", err)
	}
}

func TestMergeIdentities_RewritesReferences(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	channelID, _ := seedChannel(t, store, "dev", "lead")
	fromID, err := store.EnsureIdentity(ctx, "scribe-old")
	if err != nil {
		t.Fatalf("ensure from: %v", err)
	}
	toID, err := store.EnsureIdentity(ctx, "scribe")
	if err != nil {
		t.Fatalf("ensure to: %v", err)
	}

	msgID, err := store.AppendMessage(ctx, channelID, fromID, "written as old", PriorityNormal)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.AddNote(ctx, channelID, fromID, "noted as old"); err != nil {
		t.Fatalf("note: %v", err)
	}
	taskID, err := store.CreateTask(ctx, fromID, channelID, "do something")
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if _, err := store.StartPoll(ctx, fromID, channelID, toID); err != nil {
		t.Fatalf("poll: %v", err)
	}
	// Both identities hold a bookmark on the same channel; the target's wins.
	if err := store.AdvanceBookmark(ctx, fromID, channelID, msgID); err != nil {
		t.Fatalf("bookmark from: %v", err)
	}
	if err := store.AdvanceBookmark(ctx, toID, channelID, msgID); err != nil {
		t.Fatalf("bookmark to: %v", err)
	}

	if err := store.MergeIdentities(ctx, fromID, toID); err != nil {
		t.Fatalf("merge: %v", err)
	}

	msg, err := store.GetMessage(ctx, msgID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.SenderID != toID {
		t.Fatalf("message sender = %q, want %q", msg.SenderID, toID)
	}
	notes, err := store.ListNotes(ctx, channelID)
	if err != nil || len(notes) != 1 {
		t.Fatalf("notes: %v %v", notes, err)
	}
	if notes[0].AuthorID != toID {
		t.Fatalf("note author = %q, want %q", notes[0].AuthorID, toID)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.AgentID != toID {
		t.Fatalf("task agent = %q, want %q", task.AgentID, toID)
	}
	watched, err := store.IsWatched(ctx, toID, channelID)
	if err != nil || !watched {
		t.Fatalf("poll not re-pointed: watched=%v err=%v", watched, err)
	}

	// Source identity is gone; no dangling bookmark rows remain for it.
	if _, err := store.GetIdentityByID(ctx, fromID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("source identity survived merge: %v", err)
	}
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM bookmarks WHERE consumer_id = ?;`, fromID).Scan(&n); err != nil {
		t.Fatalf("count bookmarks: %v", err)
	}
	if n != 0 {
		t.Fatalf("source bookmarks survived merge: %d", n)
	}
}

func TestMergeIdentities_BookmarkCollisionKeepsTargetCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	channelID, _ := seedChannel(t, store, "dev", "lead")
	fromID, err := store.EnsureIdentity(ctx, "scribe-old")
	if err != nil {
		t.Fatalf("ensure from: %v", err)
	}
	toID, err := store.EnsureIdentity(ctx, "scribe")
	if err != nil {
		t.Fatalf("ensure to: %v", err)
	}

	first, err := store.AppendMessage(ctx, channelID, fromID, "first", PriorityNormal)
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	second, err := store.AppendMessage(ctx, channelID, fromID, "second", PriorityNormal)
	if err != nil {
		t.Fatalf("append second: %v", err)
	}

	// The source lags behind the target on the same channel.
	if err := store.AdvanceBookmark(ctx, fromID, channelID, first); err != nil {
		t.Fatalf("bookmark from: %v", err)
	}
	if err := store.AdvanceBookmark(ctx, toID, channelID, second); err != nil {
		t.Fatalf("bookmark to: %v", err)
	}

	if err := store.MergeIdentities(ctx, fromID, toID); err != nil {
		t.Fatalf("merge: %v", err)
	}

	var lastSeen string
	err = store.DB().QueryRow(
		`SELECT last_seen_message_id FROM bookmarks WHERE consumer_id = ? AND channel_id = ?;`,
		toID, channelID).Scan(&lastSeen)
	if err != nil {
		t.Fatalf("read bookmark: %v", err)
	}
	if lastSeen != second {
		t.Fatalf("bookmark = %q, want the target's cursor %q", lastSeen, second)
	}

	// The merged identity's cursor never moves backwards: nothing to re-read.
	res, err := store.Receive(ctx, channelID, toID)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(res.Messages) != 0 {
		t.Fatalf("re-delivered after merge: %+v", res.Messages)
	}
}

func TestCountIdentitiesByName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	if _, err := store.EnsureIdentity(ctx, "scribe"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ok, err := store.ArchiveIdentity(ctx, "scribe"); err != nil || !ok {
		t.Fatalf("archive: ok=%v err=%v", ok, err)
	}
	// A fresh active identity under the reused name makes two records total.
	if _, err := store.DB().Exec(`INSERT INTO identities (id, name) VALUES ('manual-id', 'scribe');`); err != nil {
		t.Fatalf("insert second record: %v", err)
	}

	n, err := store.CountIdentitiesByName(ctx, "scribe")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}
