package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Note is an annotation layered onto a channel's timeline. Notes are ordered
// separately from messages but interleave by timestamp in exports.
type Note struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AddNote attaches a note to a channel.
func (s *Store) AddNote(ctx context.Context, channelID, authorID, content string) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, channel_id, author_id, content) VALUES (?, ?, ?, ?);
	`, id, channelID, authorID, content); err != nil {
		return "", fmt.Errorf("add note: %w", err)
	}
	return id, nil
}

// ListNotes returns a channel's notes ascending by creation time.
func (s *Store) ListNotes(ctx context.Context, channelID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, author_id, content, created_at
		FROM notes
		WHERE channel_id = ?
		ORDER BY created_at ASC, id ASC;
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.ChannelID, &n.AuthorID, &n.Content, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("note rows: %w", err)
	}
	return out, nil
}
