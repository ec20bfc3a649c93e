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

// Priority tags a message for the alert stream.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityAlert  Priority = "alert"
)

// SummaryChannelName marks channels that represent current state rather than
// history: reads collapse to the single most-recent message.
const SummaryChannelName = "summary"

// Message is one immutable entry in a channel's log. IDs are UUIDv7 so that
// lexical id order tracks creation time; seq is the authoritative ordering
// key (monotonic across process restarts via AUTOINCREMENT) and breaks ties
// between messages sharing a timestamp.
type Message struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// ReceiveResult is what a consumer gets from one read-and-advance call.
type ReceiveResult struct {
	Messages     []Message `json:"messages"`
	Participants []string  `json:"participants"` // distinct sender identity IDs over the whole channel
	Topic        string    `json:"topic"`
}

const messageColumns = `seq, id, channel_id, sender_id, content, priority, created_at`

// AppendMessage inserts one immutable message and publishes it on the bus.
func (s *Store) AppendMessage(ctx context.Context, channelID, senderID, content string, priority Priority) (string, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new message id: %w", err)
	}
	msgID := id.String()

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, channel_id, sender_id, content, priority)
			VALUES (?, ?, ?, ?, ?);
		`, msgID, channelID, senderID, content, string(priority))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicMessageAppended, bus.MessageAppendedEvent{
			MessageID: msgID,
			ChannelID: channelID,
			SenderID:  senderID,
			Priority:  string(priority),
		})
	}
	return msgID, nil
}

// ListAllMessages returns every message in a channel, ascending by
// (created_at, seq). Used by exports and prompt building.
func (s *Store) ListAllMessages(ctx context.Context, channelID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel_id = ?
		ORDER BY created_at ASC, seq ASC;
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collectMessages(rows)
}

// GetMessage looks up a single message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = ?;
	`, id)
	var m Message
	if err := scanMessage(row.Scan, &m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// bookmarkSeq resolves the consumer's bookmark for a channel to a message seq.
// Returns 0 when no bookmark exists (cold start = full backlog) or when the
// bookmarked message has been deleted out from under it.
func (s *Store) bookmarkSeq(ctx context.Context, consumerID, channelID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT m.seq
		FROM bookmarks b
		JOIN messages m ON m.id = b.last_seen_message_id
		WHERE b.consumer_id = ? AND b.channel_id = ?;
	`, consumerID, channelID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve bookmark: %w", err)
	}
	return seq, nil
}

// NewSince returns the messages a consumer has not yet seen in a channel,
// ascending. A channel named "summary" collapses the delta to at most the
// single most-recent message.
func (s *Store) NewSince(ctx context.Context, channelID, consumerID string) ([]Message, error) {
	after, err := s.bookmarkSeq(ctx, consumerID, channelID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel_id = ? AND seq > ?
		ORDER BY created_at ASC, seq ASC;
	`, channelID, after)
	if err != nil {
		return nil, fmt.Errorf("new since: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	if len(msgs) > 1 {
		ch, err := s.GetChannelByID(ctx, channelID)
		if err == nil && ch.Name == SummaryChannelName {
			msgs = msgs[len(msgs)-1:]
		}
	}
	return msgs, nil
}

// AdvanceBookmark upserts the consumer's read cursor for a channel.
// Last write wins; the system assumes one physical reader per consumer.
func (s *Store) AdvanceBookmark(ctx context.Context, consumerID, channelID, messageID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO bookmarks (consumer_id, channel_id, last_seen_message_id, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (consumer_id, channel_id) DO UPDATE SET
				last_seen_message_id = excluded.last_seen_message_id,
				updated_at = CURRENT_TIMESTAMP;
		`, consumerID, channelID, messageID)
		return err
	})
	if err != nil {
		return fmt.Errorf("advance bookmark: %w", err)
	}
	return nil
}

// Receive reads the consumer's unseen messages and advances its bookmark in
// one caller-visible operation. The read and the advance are sequential
// statements, not a transaction: a crash between them re-delivers, biasing
// toward at-least-once.
func (s *Store) Receive(ctx context.Context, channelID, consumerID string) (*ReceiveResult, error) {
	ch, err := s.GetChannelByID(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}

	msgs, err := s.NewSince(ctx, channelID, consumerID)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if err := s.AdvanceBookmark(ctx, consumerID, channelID, last.ID); err != nil {
			return nil, err
		}
	}

	participants, err := s.channelParticipants(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return &ReceiveResult{
		Messages:     msgs,
		Participants: participants,
		Topic:        ch.Topic,
	}, nil
}

// UnreadAlerts returns alert-priority messages across all channels beyond the
// consumer's bookmarks, and advances each touched channel's bookmark to the
// last alert returned for it so alerts are never re-delivered (and never
// double-count against NewSince for the same channel).
func (s *Store) UnreadAlerts(ctx context.Context, consumerID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.seq, m.id, m.channel_id, m.sender_id, m.content, m.priority, m.created_at
		FROM messages m
		LEFT JOIN bookmarks b ON b.channel_id = m.channel_id AND b.consumer_id = ?
		LEFT JOIN messages seen ON seen.id = b.last_seen_message_id
		WHERE m.priority = ? AND m.seq > COALESCE(seen.seq, 0)
		ORDER BY m.created_at ASC, m.seq ASC;
	`, consumerID, string(PriorityAlert))
	if err != nil {
		return nil, fmt.Errorf("unread alerts: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	// Last alert per channel wins the bookmark; messages are already ascending.
	lastPerChannel := make(map[string]string)
	for _, m := range msgs {
		lastPerChannel[m.ChannelID] = m.ID
	}
	for channelID, messageID := range lastPerChannel {
		if err := s.AdvanceBookmark(ctx, consumerID, channelID, messageID); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// channelParticipants returns the distinct sender identity IDs over all
// messages in the channel, in first-spoke order.
func (s *Store) channelParticipants(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_id
		FROM messages
		WHERE channel_id = ?
		GROUP BY sender_id
		ORDER BY MIN(seq) ASC;
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("channel participants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("participant rows: %w", err)
	}
	return out, nil
}

func scanMessage(scan func(...any) error, m *Message) error {
	var priority string
	if err := scan(&m.Seq, &m.ID, &m.ChannelID, &m.SenderID, &m.Content, &priority, &m.CreatedAt); err != nil {
		return err
	}
	m.Priority = Priority(priority)
	return nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows.Scan, &m); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}
