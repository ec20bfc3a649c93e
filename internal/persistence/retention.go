package persistence

import (
	"context"
	"fmt"
	"time"
)

// PurgeResult reports what one retention sweep removed. Tasks are never
// purged: they are the audit trail.
type PurgeResult struct {
	PurgedEvents int64 `json:"purged_events"`
	PurgedPolls  int64 `json:"purged_polls"`
}

// Purge removes provenance events and dismissed polls older than the horizon.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (PurgeResult, error) {
	var result PurgeResult
	cutoff := time.Now().UTC().Add(-olderThan)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE created_at < ?;
	`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge events: %w", err)
	}
	result.PurgedEvents, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM polls WHERE dismissed_at IS NOT NULL AND dismissed_at < ?;
	`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge dismissed polls: %w", err)
	}
	result.PurgedPolls, _ = res.RowsAffected()

	return result, nil
}
