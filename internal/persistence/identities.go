package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Identity is a registered, stable reference to a participant (human or
// agent). At most one non-archived identity exists per name; archived names
// may be reused by EnsureIdentity, which restores the archived record.
type Identity struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	SelfDescription string     `json:"self_description,omitempty"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

const identityColumns = `id, name, COALESCE(self_description, ''), archived_at, created_at`

// EnsureIdentity resolves a name to an identity ID, creating the identity on
// first reference. A previously archived identity with that name is restored
// rather than duplicated.
func (s *Store) EnsureIdentity(ctx context.Context, name string) (string, error) {
	if ident, err := s.GetIdentityByName(ctx, name); err == nil {
		return ident.ID, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	if ident, err := s.GetArchivedIdentityByName(ctx, name); err == nil {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE identities SET archived_at = NULL WHERE id = ?;
		`, ident.ID); err != nil {
			return "", fmt.Errorf("restore identity: %w", err)
		}
		return ident.ID, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, name) VALUES (?, ?);
	`, id, name); err != nil {
		return "", fmt.Errorf("create identity: %w", err)
	}
	return id, nil
}

// GetIdentityByName looks up an active identity.
func (s *Store) GetIdentityByName(ctx context.Context, name string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE name = ? AND archived_at IS NULL;
	`, name)
	return scanIdentity(row)
}

// GetArchivedIdentityByName returns the most recently archived identity with
// the given name.
func (s *Store) GetArchivedIdentityByName(ctx context.Context, name string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE name = ? AND archived_at IS NOT NULL
		ORDER BY archived_at DESC
		LIMIT 1;
	`, name)
	return scanIdentity(row)
}

// GetIdentityByID looks up an identity, active or archived.
func (s *Store) GetIdentityByID(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+identityColumns+` FROM identities WHERE id = ?;
	`, id)
	return scanIdentity(row)
}

// CountIdentitiesByName counts identities (active and archived) sharing a
// name. Merge refuses ambiguous references.
func (s *Store) CountIdentitiesByName(ctx context.Context, name string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM identities WHERE name = ?;
	`, name).Scan(&n); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return n, nil
}

func scanIdentity(row *sql.Row) (*Identity, error) {
	var (
		ident      Identity
		archivedAt sql.NullTime
	)
	if err := row.Scan(&ident.ID, &ident.Name, &ident.SelfDescription, &archivedAt, &ident.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	if archivedAt.Valid {
		ident.ArchivedAt = &archivedAt.Time
	}
	return &ident, nil
}

// SetIdentityDescription updates the self-description of an active identity.
func (s *Store) SetIdentityDescription(ctx context.Context, id, description string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET self_description = ? WHERE id = ? AND archived_at IS NULL;
	`, description, id)
	if err != nil {
		return fmt.Errorf("set identity description: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("set description for %q: %w", id, ErrNotFound)
	}
	return nil
}

// ArchiveIdentity soft-deletes an active identity by name. Returns false if
// no active identity has that name.
func (s *Store) ArchiveIdentity(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET archived_at = CURRENT_TIMESTAMP
		WHERE name = ? AND archived_at IS NULL;
	`, name)
	if err != nil {
		return false, fmt.Errorf("archive identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RestoreIdentity un-archives the most recently archived identity with the
// given name. Returns false if none is archived or an active identity already
// holds the name.
func (s *Store) RestoreIdentity(ctx context.Context, name string) (bool, error) {
	if _, err := s.GetIdentityByName(ctx, name); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	ident, err := s.GetArchivedIdentityByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE identities SET archived_at = NULL WHERE id = ?;
	`, ident.ID); err != nil {
		return false, fmt.Errorf("restore identity: %w", err)
	}
	return true, nil
}

// ListIdentities returns identities ordered by name.
func (s *Store) ListIdentities(ctx context.Context, includeArchived bool) ([]Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities`
	if !includeArchived {
		query += ` WHERE archived_at IS NULL`
	}
	query += ` ORDER BY name ASC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var (
			ident      Identity
			archivedAt sql.NullTime
		)
		if err := rows.Scan(&ident.ID, &ident.Name, &ident.SelfDescription, &archivedAt, &ident.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		if archivedAt.Valid {
			ident.ArchivedAt = &archivedAt.Time
		}
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity rows: %w", err)
	}
	return out, nil
}

// MergeIdentities re-points every foreign reference from fromID to toID, then
// deletes the source identity row. Runs in one transaction; the registry
// layer is responsible for resolving and validating both sides first.
func (s *Store) MergeIdentities(ctx context.Context, fromID, toID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin merge tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Bookmarks can collide on (consumer, channel). Drop the source's
		// colliding rows first so the target's cursor survives and never
		// moves backwards.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM bookmarks WHERE consumer_id = ?
				AND channel_id IN (SELECT channel_id FROM bookmarks WHERE consumer_id = ?);`,
			fromID, toID); err != nil {
			return fmt.Errorf("merge bookmarks: %w", err)
		}

		rewrites := []string{
			`UPDATE messages SET sender_id = ? WHERE sender_id = ?;`,
			`UPDATE notes SET author_id = ? WHERE author_id = ?;`,
			`UPDATE tasks SET agent_id = ? WHERE agent_id = ?;`,
			`UPDATE polls SET watched_id = ? WHERE watched_id = ?;`,
			`UPDATE polls SET created_by = ? WHERE created_by = ?;`,
			`UPDATE events SET identity_id = ? WHERE identity_id = ?;`,
			`UPDATE bookmarks SET consumer_id = ? WHERE consumer_id = ?;`,
		}
		for _, q := range rewrites {
			if _, err := tx.ExecContext(ctx, q, toID, fromID); err != nil {
				return fmt.Errorf("merge rewrite: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM identities WHERE id = ?;`, fromID); err != nil {
			return fmt.Errorf("merge delete source: %w", err)
		}
		return tx.Commit()
	})
}
