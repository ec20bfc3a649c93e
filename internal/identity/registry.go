// Package identity maps human-readable participant names to stable opaque
// IDs. Every other component resolves senders, consumers, and mention targets
// through a Registry.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/basket/agentbus/internal/persistence"
	"github.com/google/uuid"
)

// ErrNotFound aliases the store sentinel so callers can depend on this
// package alone.
var ErrNotFound = persistence.ErrNotFound

// reverseCacheLimit bounds the id->name cache. The identity population is
// small (one per agent or human); the bound is a guard, not a tuning knob.
const reverseCacheLimit = 1024

// Registry resolves names to IDs and back. The reverse cache is invalidated
// synchronously on every mutating call; there is no implicit global state.
type Registry struct {
	store *persistence.Store

	mu      sync.RWMutex
	reverse map[string]string // id -> name
}

func NewRegistry(store *persistence.Store) *Registry {
	return &Registry{
		store:   store,
		reverse: make(map[string]string),
	}
}

// Ensure resolves name to an identity ID, creating or restoring as needed.
func (r *Registry) Ensure(ctx context.Context, name string) (string, error) {
	id, err := r.store.EnsureIdentity(ctx, name)
	if err != nil {
		return "", err
	}
	// Ensure can restore an archived record; drop stale reverse entries.
	r.invalidate()
	return id, nil
}

// Resolve returns the ID of the active identity with the given name.
func (r *Registry) Resolve(ctx context.Context, name string) (string, error) {
	ident, err := r.store.GetIdentityByName(ctx, name)
	if err != nil {
		return "", err
	}
	return ident.ID, nil
}

// Reverse returns the name for an identity ID, serving from the cache when
// possible.
func (r *Registry) Reverse(ctx context.Context, id string) (string, error) {
	r.mu.RLock()
	name, ok := r.reverse[id]
	r.mu.RUnlock()
	if ok {
		return name, nil
	}

	ident, err := r.store.GetIdentityByID(ctx, id)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if len(r.reverse) >= reverseCacheLimit {
		r.reverse = make(map[string]string)
	}
	r.reverse[id] = ident.Name
	r.mu.Unlock()
	return ident.Name, nil
}

// Archive soft-deletes the active identity with the given name. Returns false
// if no active identity has that name.
func (r *Registry) Archive(ctx context.Context, name string) (bool, error) {
	ok, err := r.store.ArchiveIdentity(ctx, name)
	if err != nil {
		return false, err
	}
	if ok {
		r.invalidate()
	}
	return ok, nil
}

// Restore un-archives the most recently archived identity with the given
// name. Returns false if none exists or the name is taken.
func (r *Registry) Restore(ctx context.Context, name string) (bool, error) {
	ok, err := r.store.RestoreIdentity(ctx, name)
	if err != nil {
		return false, err
	}
	if ok {
		r.invalidate()
	}
	return ok, nil
}

// Merge re-points every foreign reference from one identity to another, then
// deletes the source. Returns false — with no partial effect — when either
// reference is unresolvable or ambiguous, or when both resolve to the same
// identity.
func (r *Registry) Merge(ctx context.Context, fromRef, toRef string) (bool, error) {
	from, err := r.resolveRef(ctx, fromRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, errAmbiguousRef) {
			return false, nil
		}
		return false, err
	}
	to, err := r.resolveRef(ctx, toRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, errAmbiguousRef) {
			return false, nil
		}
		return false, err
	}
	if from.ID == to.ID {
		return false, nil
	}

	if err := r.store.MergeIdentities(ctx, from.ID, to.ID); err != nil {
		return false, fmt.Errorf("merge %s into %s: %w", from.ID, to.ID, err)
	}
	r.invalidate()
	return true, nil
}

var errAmbiguousRef = errors.New("ambiguous identity reference")

// resolveRef treats a reference with the canonical ID shape as a raw ID and
// everything else as a name. Name references matching more than one record
// (archived plus active) are ambiguous and refused.
func (r *Registry) resolveRef(ctx context.Context, ref string) (*persistence.Identity, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return r.store.GetIdentityByID(ctx, ref)
	}

	n, err := r.store.CountIdentitiesByName(ctx, ref)
	if err != nil {
		return nil, err
	}
	if n > 1 {
		return nil, fmt.Errorf("%q: %w", ref, errAmbiguousRef)
	}
	ident, err := r.store.GetIdentityByName(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return r.store.GetArchivedIdentityByName(ctx, ref)
	}
	return ident, err
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.reverse = make(map[string]string)
	r.mu.Unlock()
}
