// Package memory holds in-process repository implementations for single-node deployments and tests.
package memory

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/backup-keeper/internal/errs"
	"github.com/and161185/backup-keeper/internal/model"
)

// GrantRepo keeps grants in a mutex-guarded map keyed by artifact, with id and
// token-hash indexes standing in for the table's unique constraints.
type GrantRepo struct {
	mu     sync.Mutex
	grants map[uuid.UUID][]*model.Grant
	ids    map[uuid.UUID]struct{}
	hashes map[string]struct{}
}

// NewGrantRepo returns an empty grant store.
func NewGrantRepo() *GrantRepo {
	return &GrantRepo{
		grants: make(map[uuid.UUID][]*model.Grant),
		ids:    make(map[uuid.UUID]struct{}),
		hashes: make(map[string]struct{}),
	}
}

// Create stores a copy of g.
func (r *GrantRepo) Create(_ context.Context, g *model.Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[g.ID]; ok {
		return errs.ErrAlreadyExists
	}
	if _, ok := r.hashes[string(g.TokenHash)]; ok {
		return errs.ErrAlreadyExists
	}
	c := clone(g)
	r.grants[g.ArtifactID] = append(r.grants[g.ArtifactID], c)
	r.ids[g.ID] = struct{}{}
	r.hashes[string(g.TokenHash)] = struct{}{}
	return nil
}

// ExpireLive closes every live grant of the artifact at now.
func (r *GrantRepo) ExpireLive(_ context.Context, artifactID uuid.UUID, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, g := range r.grants[artifactID] {
		if g.ConsumedAt == nil && g.ExpiresAt.After(now) {
			g.ExpiresAt = now
			n++
		}
	}
	return n, nil
}

// Consume marks the matching live grant consumed. The whole check-and-set runs under the lock.
func (r *GrantRepo) Consume(_ context.Context, artifactID uuid.UUID, tokenHash []byte, now time.Time) (*model.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := match(r.grants[artifactID], tokenHash)
	if g == nil || g.Consumed() || g.ExpiredAt(now) {
		return nil, errs.ErrNotFound
	}
	at := now
	g.ConsumedAt = &at
	return clone(g), nil
}

// Find returns the grant whose hash matches tokenHash.
func (r *GrantRepo) Find(_ context.Context, artifactID uuid.UUID, tokenHash []byte) (*model.Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.grants[artifactID]
	if len(list) == 0 {
		return nil, errs.ErrGrantNotFound
	}
	g := match(list, tokenHash)
	if g == nil {
		return nil, errs.ErrTokenMismatch
	}
	return clone(g), nil
}

// Prune drops grants that expired before cutoff.
func (r *GrantRepo) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, list := range r.grants {
		kept := list[:0]
		for _, g := range list {
			if g.ExpiresAt.Before(cutoff) {
				delete(r.ids, g.ID)
				delete(r.hashes, string(g.TokenHash))
				n++
				continue
			}
			kept = append(kept, g)
		}
		if len(kept) == 0 {
			delete(r.grants, id)
		} else {
			r.grants[id] = kept
		}
	}
	return n, nil
}

// match compares every candidate in constant time per hash.
func match(list []*model.Grant, tokenHash []byte) *model.Grant {
	var found *model.Grant
	for _, g := range list {
		if subtle.ConstantTimeCompare(g.TokenHash, tokenHash) == 1 {
			found = g
		}
	}
	return found
}

func clone(g *model.Grant) *model.Grant {
	c := *g
	c.TokenHash = append([]byte(nil), g.TokenHash...)
	if g.ConsumedAt != nil {
		at := *g.ConsumedAt
		c.ConsumedAt = &at
	}
	return &c
}
