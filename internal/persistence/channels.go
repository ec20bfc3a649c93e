package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/agentbus/internal/bus"
	"github.com/google/uuid"
)

// Channel is a named, independently archivable message stream.
type Channel struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Topic      string     `json:"topic,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	PinnedAt   *time.Time `json:"pinned_at,omitempty"`
}

// CreateChannel inserts a new active channel. Returns ErrDuplicateChannel if
// an active channel already has that name.
func (s *Store) CreateChannel(ctx context.Context, name, topic string) (string, error) {
	existing, err := s.GetChannel(ctx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if existing != nil {
		return "", fmt.Errorf("create channel %q: %w", name, ErrDuplicateChannel)
	}

	id := uuid.NewString()
	var topicArg any
	if topic != "" {
		topicArg = topic
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, topic) VALUES (?, ?, ?);
	`, id, name, topicArg); err != nil {
		return "", fmt.Errorf("create channel: %w", err)
	}
	s.publishChannelChanged(id, "created")
	return id, nil
}

// ResolveOrCreateChannel is the idempotent entry point used by senders, so
// that "send to a channel that doesn't exist yet" is not an error.
func (s *Store) ResolveOrCreateChannel(ctx context.Context, name string) (string, error) {
	ch, err := s.GetChannel(ctx, name)
	if err == nil {
		return ch.ID, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return s.CreateChannel(ctx, name, "")
}

// GetChannel looks up an active channel by name.
func (s *Store) GetChannel(ctx context.Context, name string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(topic, ''), created_at, archived_at, pinned_at
		FROM channels
		WHERE name = ? AND archived_at IS NULL;
	`, name)
	return scanChannel(row)
}

// GetArchivedChannel looks up an archived channel by name. Multiple archived
// channels may share a name; the most recently archived wins.
func (s *Store) GetArchivedChannel(ctx context.Context, name string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(topic, ''), created_at, archived_at, pinned_at
		FROM channels
		WHERE name = ? AND archived_at IS NOT NULL
		ORDER BY archived_at DESC
		LIMIT 1;
	`, name)
	return scanChannel(row)
}

// GetChannelByID looks up a channel (active or archived) by ID.
func (s *Store) GetChannelByID(ctx context.Context, id string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(topic, ''), created_at, archived_at, pinned_at
		FROM channels
		WHERE id = ?;
	`, id)
	return scanChannel(row)
}

func scanChannel(row *sql.Row) (*Channel, error) {
	var (
		ch         Channel
		archivedAt sql.NullTime
		pinnedAt   sql.NullTime
	)
	if err := row.Scan(&ch.ID, &ch.Name, &ch.Topic, &ch.CreatedAt, &archivedAt, &pinnedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	if archivedAt.Valid {
		ch.ArchivedAt = &archivedAt.Time
	}
	if pinnedAt.Valid {
		ch.PinnedAt = &pinnedAt.Time
	}
	return &ch, nil
}

// RenameChannel renames an active channel. Returns ErrNotFound if old is not
// an active channel, ErrDuplicateChannel if new is taken by an active channel,
// and ErrArchivedConflict if new collides with an archived channel — the
// caller must archive-then-rename explicitly in that case.
func (s *Store) RenameChannel(ctx context.Context, oldName, newName string) error {
	ch, err := s.GetChannel(ctx, oldName)
	if err != nil {
		return fmt.Errorf("rename channel %q: %w", oldName, err)
	}
	if taken, err := s.GetChannel(ctx, newName); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	} else if taken != nil {
		return fmt.Errorf("rename channel to %q: %w", newName, ErrDuplicateChannel)
	}
	if archived, err := s.GetArchivedChannel(ctx, newName); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	} else if archived != nil {
		return fmt.Errorf("rename channel to %q: %w", newName, ErrArchivedConflict)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE channels SET name = ? WHERE id = ?;
	`, newName, ch.ID); err != nil {
		return fmt.Errorf("rename channel: %w", err)
	}
	s.publishChannelChanged(ch.ID, "renamed")
	return nil
}

// ArchiveChannel soft-deletes an active channel. ErrNotFound if the channel
// does not exist or is already archived.
func (s *Store) ArchiveChannel(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE channels SET archived_at = CURRENT_TIMESTAMP
		WHERE name = ? AND archived_at IS NULL;
	`, name)
	if err != nil {
		return fmt.Errorf("archive channel: %w", err)
	}
	return s.requireRowChanged(res, name, "archived")
}

// PinChannel marks an active channel pinned. ErrNotFound if the channel does
// not exist or is already pinned.
func (s *Store) PinChannel(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE channels SET pinned_at = CURRENT_TIMESTAMP
		WHERE name = ? AND archived_at IS NULL AND pinned_at IS NULL;
	`, name)
	if err != nil {
		return fmt.Errorf("pin channel: %w", err)
	}
	return s.requireRowChanged(res, name, "pinned")
}

// UnpinChannel clears the pin. ErrNotFound if the channel does not exist or is
// not pinned.
func (s *Store) UnpinChannel(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE channels SET pinned_at = NULL
		WHERE name = ? AND archived_at IS NULL AND pinned_at IS NOT NULL;
	`, name)
	if err != nil {
		return fmt.Errorf("unpin channel: %w", err)
	}
	return s.requireRowChanged(res, name, "unpinned")
}

func (s *Store) requireRowChanged(res sql.Result, name, action string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s channel rows affected: %w", action, err)
	}
	if n == 0 {
		return fmt.Errorf("%s channel %q: %w", action, name, ErrNotFound)
	}
	return nil
}

// DeleteChannel hard-deletes a channel and cascades to messages, bookmarks,
// notes, and polls, in that order. The cascade is sequential referential
// cleanup, not a transaction: a crash mid-cascade leaves orphaned rows, which
// the callers tolerate.
func (s *Store) DeleteChannel(ctx context.Context, name string) error {
	ch, err := s.GetChannel(ctx, name)
	if errors.Is(err, ErrNotFound) {
		ch, err = s.GetArchivedChannel(ctx, name)
	}
	if err != nil {
		return fmt.Errorf("delete channel %q: %w", name, err)
	}

	cascade := []string{
		`DELETE FROM messages WHERE channel_id = ?;`,
		`DELETE FROM bookmarks WHERE channel_id = ?;`,
		`DELETE FROM notes WHERE channel_id = ?;`,
		`DELETE FROM polls WHERE channel_id = ?;`,
		`DELETE FROM channels WHERE id = ?;`,
	}
	for _, q := range cascade {
		if _, err := s.db.ExecContext(ctx, q, ch.ID); err != nil {
			return fmt.Errorf("delete channel cascade: %w", err)
		}
	}
	s.publishChannelChanged(ch.ID, "deleted")
	return nil
}

// ListChannels returns channels ordered pinned-first, then by name.
func (s *Store) ListChannels(ctx context.Context, includeArchived bool) ([]Channel, error) {
	query := `
		SELECT id, name, COALESCE(topic, ''), created_at, archived_at, pinned_at
		FROM channels`
	if !includeArchived {
		query += ` WHERE archived_at IS NULL`
	}
	query += ` ORDER BY pinned_at IS NULL, name ASC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var (
			ch         Channel
			archivedAt sql.NullTime
			pinnedAt   sql.NullTime
		)
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Topic, &ch.CreatedAt, &archivedAt, &pinnedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		if archivedAt.Valid {
			ch.ArchivedAt = &archivedAt.Time
		}
		if pinnedAt.Valid {
			ch.PinnedAt = &pinnedAt.Time
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("channel rows: %w", err)
	}
	return out, nil
}

func (s *Store) publishChannelChanged(channelID, change string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicChannelChanged, map[string]string{
		"channel_id": channelID,
		"change":     change,
	})
}
