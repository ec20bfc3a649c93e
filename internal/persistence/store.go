package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/agentbus/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// Schema ledger. Each version is applied at most once and recorded with its
// checksum; a checksum mismatch on an already-applied version aborts startup.
const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "ab-v1-2026-06-02-core-tables"

	// v2: channels.pinned_at + alert index for the unread-alert scan.
	schemaVersionV2  = 2
	schemaChecksumV2 = "ab-v2-2026-06-09-pins-alerts"

	// v3: events table for provenance notifications.
	schemaVersionV3  = 3
	schemaChecksumV3 = "ab-v3-2026-06-16-provenance-events"

	schemaVersionLatest = schemaVersionV3
)

// Store is the shared embedded store behind every coordination subsystem.
// It is safe for concurrent use by co-located processes: SQLite WAL plus a
// busy-retry wrapper around short transactions.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentbus", "agentbus.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Bus() *bus.Bus {
	return s.bus
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

type migration struct {
	version    int
	checksum   string
	statements []string
}

var migrations = []migration{
	{
		version:  schemaVersionV1,
		checksum: schemaChecksumV1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS identities (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				self_description TEXT,
				archived_at DATETIME,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_identities_active_name
				ON identities(name) WHERE archived_at IS NULL;`,
			`CREATE TABLE IF NOT EXISTS channels (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				topic TEXT,
				archived_at DATETIME,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_active_name
				ON channels(name) WHERE archived_at IS NULL;`,
			`CREATE TABLE IF NOT EXISTS messages (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				channel_id TEXT NOT NULL,
				sender_id TEXT NOT NULL,
				content TEXT NOT NULL,
				priority TEXT NOT NULL DEFAULT 'normal',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, seq);`,
			`CREATE TABLE IF NOT EXISTS bookmarks (
				consumer_id TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				last_seen_message_id TEXT NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (consumer_id, channel_id)
			);`,
			`CREATE TABLE IF NOT EXISTS notes (
				id TEXT PRIMARY KEY,
				channel_id TEXT NOT NULL,
				author_id TEXT NOT NULL,
				content TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_notes_channel ON notes(channel_id, created_at);`,
			`CREATE TABLE IF NOT EXISTS polls (
				id TEXT PRIMARY KEY,
				watched_id TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				created_by TEXT NOT NULL,
				started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				dismissed_at DATETIME
			);`,
			`CREATE INDEX IF NOT EXISTS idx_polls_watched ON polls(watched_id, channel_id, dismissed_at);`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL,
				channel_id TEXT,
				input TEXT NOT NULL,
				output TEXT,
				stderr TEXT,
				status TEXT NOT NULL,
				pid INTEGER,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				started_at DATETIME,
				completed_at DATETIME
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id, created_at);`,
		},
	},
	{
		version:  schemaVersionV2,
		checksum: schemaChecksumV2,
		statements: []string{
			`ALTER TABLE channels ADD COLUMN pinned_at DATETIME;`,
			`CREATE INDEX IF NOT EXISTS idx_messages_priority ON messages(priority, seq);`,
		},
	},
	{
		version:  schemaVersionV3,
		checksum: schemaChecksumV3,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				source TEXT NOT NULL,
				type TEXT NOT NULL,
				identity_id TEXT,
				data TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);`,
		},
	},
}

// initSchema applies pending migrations inside one transaction. Concurrent
// first-time initializers converge: the ledger insert is what serializes them.
func (s *Store) initSchema(ctx context.Context) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				checksum TEXT NOT NULL,
				applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}

		var maxVersion int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
			return fmt.Errorf("read migration max version: %w", err)
		}
		if maxVersion > schemaVersionLatest {
			return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
		}

		for _, m := range migrations {
			if m.version <= maxVersion {
				var existing string
				if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
					return fmt.Errorf("read checksum for version %d: %w", m.version, err)
				}
				if existing != m.checksum {
					return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
				}
				continue
			}
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("apply migration v%d: %w", m.version, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
			`, m.version, m.checksum); err != nil {
				return fmt.Errorf("record migration v%d: %w", m.version, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	})
}

// RecordEvent appends a provenance event. Callers that must not fail go
// through eventsink.Sink, which swallows the error.
func (s *Store) RecordEvent(ctx context.Context, source, eventType, identityID, data string) error {
	var ident any
	if identityID != "" {
		ident = identityID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (source, type, identity_id, data) VALUES (?, ?, ?, ?);
	`, source, eventType, ident, data)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// EventCount returns the total number of recorded provenance events.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("event count: %w", err)
	}
	return count, nil
}
