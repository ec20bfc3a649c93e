package persistence

import "errors"

// Sentinel errors surfaced to direct callers. Background pipelines (dispatch,
// event emission) log these instead of propagating them.
var (
	// ErrNotFound indicates a channel, identity, message, or task reference
	// that does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateChannel indicates a create/rename collision with an active
	// channel name.
	ErrDuplicateChannel = errors.New("channel name already in use")

	// ErrArchivedConflict indicates a rename collision with an archived
	// channel. The caller must archive-then-rename explicitly; this is never
	// resolved automatically.
	ErrArchivedConflict = errors.New("name conflicts with an archived channel")

	// ErrInvalidTransition indicates an attempted task status change outside
	// the one-directional lifecycle.
	ErrInvalidTransition = errors.New("invalid task status transition")
)
