package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/agentbus/internal/bus"
	"github.com/google/uuid"
)

// Poll is an active "watch this identity in this channel" supervision
// request. Unrelated to the blocking consumer's polling.
type Poll struct {
	ID          string     `json:"id"`
	WatchedID   string     `json:"watched_id"`
	ChannelID   string     `json:"channel_id"`
	CreatedBy   string     `json:"created_by"`
	StartedAt   time.Time  `json:"started_at"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
}

// StartPoll always inserts a new watch row. Overlapping watches for the same
// pair are allowed; IsWatched treats any open row as true.
func (s *Store) StartPoll(ctx context.Context, watchedID, channelID, createdBy string) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO polls (id, watched_id, channel_id, created_by) VALUES (?, ?, ?, ?);
	`, id, watchedID, channelID, createdBy); err != nil {
		return "", fmt.Errorf("start poll: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicPollStarted, bus.PollEvent{
			PollID:    id,
			WatchedID: watchedID,
			ChannelID: channelID,
		})
	}
	return id, nil
}

// DismissPoll dismisses the most-recently-started open poll for the
// (identity, channel) pair. Returns false if none existed.
func (s *Store) DismissPoll(ctx context.Context, watchedID, channelID string) (bool, error) {
	var pollID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM polls
		WHERE watched_id = ? AND channel_id = ? AND dismissed_at IS NULL
		ORDER BY started_at DESC, id DESC
		LIMIT 1;
	`, watchedID, channelID).Scan(&pollID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find open poll: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE polls SET dismissed_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, pollID); err != nil {
		return false, fmt.Errorf("dismiss poll: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicPollDismissed, bus.PollEvent{
			PollID:    pollID,
			WatchedID: watchedID,
			ChannelID: channelID,
		})
	}
	return true, nil
}

// IsWatched reports whether any open poll exists for the pair.
func (s *Store) IsWatched(ctx context.Context, watchedID, channelID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM polls
		WHERE watched_id = ? AND channel_id = ? AND dismissed_at IS NULL;
	`, watchedID, channelID).Scan(&n); err != nil {
		return false, fmt.Errorf("is watched: %w", err)
	}
	return n > 0, nil
}

// ActivePolls returns open polls, optionally scoped to one channel
// (channelID == "" means all channels).
func (s *Store) ActivePolls(ctx context.Context, channelID string) ([]Poll, error) {
	query := `
		SELECT id, watched_id, channel_id, created_by, started_at, dismissed_at
		FROM polls
		WHERE dismissed_at IS NULL`
	args := []any{}
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY started_at ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("active polls: %w", err)
	}
	defer rows.Close()

	var out []Poll
	for rows.Next() {
		var (
			p           Poll
			dismissedAt sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.WatchedID, &p.ChannelID, &p.CreatedBy, &p.StartedAt, &dismissedAt); err != nil {
			return nil, fmt.Errorf("scan poll: %w", err)
		}
		if dismissedAt.Valid {
			p.DismissedAt = &dismissedAt.Time
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("poll rows: %w", err)
	}
	return out, nil
}
