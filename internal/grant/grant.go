// Package grant issues and redeems single-use, time-boxed retrieval grants.
package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/backup-keeper/internal/crypto"
	"github.com/and161185/backup-keeper/internal/errs"
	"github.com/and161185/backup-keeper/internal/model"
	"github.com/and161185/backup-keeper/internal/repository"
)

// DefaultTTL is used when Issue is called with a non-positive ttl.
const DefaultTTL = 15 * time.Minute

// DefaultMaxTTL caps the lifetime a caller may request.
const DefaultMaxTTL = 24 * time.Hour

// Policy controls what happens to outstanding grants when a new one is issued.
type Policy string

// Grant policies.
const (
	// PolicyIndependent leaves earlier grants untouched.
	PolicyIndependent Policy = "independent"
	// PolicySingleLive expires earlier live grants of the same artifact.
	PolicySingleLive Policy = "single-live"
)

// ParsePolicy validates a policy name. Empty means PolicyIndependent.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyIndependent:
		return PolicyIndependent, nil
	case PolicySingleLive:
		return PolicySingleLive, nil
	default:
		return "", fmt.Errorf("unknown grant policy %q", s)
	}
}

// Manager issues and redeems grants.
type Manager struct {
	repo     repository.GrantRepository
	now      func() time.Time
	ttl      time.Duration
	maxTTL   time.Duration
	policy   Policy
	newToken func() (string, error)
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock used by Issue.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMaxTTL overrides DefaultMaxTTL.
func WithMaxTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.maxTTL = ttl
		}
	}
}

// WithPolicy sets the issuing policy.
func WithPolicy(p Policy) Option { return func(m *Manager) { m.policy = p } }

// NewManager constructs a grant manager over repo.
func NewManager(repo repository.GrantRepository, opts ...Option) *Manager {
	m := &Manager{
		repo:     repo,
		now:      time.Now,
		ttl:      DefaultTTL,
		maxTTL:   DefaultMaxTTL,
		policy:   PolicyIndependent,
		newToken: crypto.NewToken,
	}
	for _, o := range opts {
		o(m)
	}
	if m.ttl > m.maxTTL {
		m.ttl = m.maxTTL
	}
	return m
}

// Issue creates a grant for artifactID valid for ttl. The raw token is returned once
// and never stored. A ttl above the maximum is rejected with errs.ErrInvalidRequest.
func (m *Manager) Issue(ctx context.Context, artifactID uuid.UUID, ttl time.Duration) (model.GrantRef, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	if ttl > m.maxTTL {
		return model.GrantRef{}, fmt.Errorf("ttl %s exceeds %s: %w", ttl, m.maxTTL, errs.ErrInvalidRequest)
	}
	token, err := m.newToken()
	if err != nil {
		return model.GrantRef{}, fmt.Errorf("generate token: %w", err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.GrantRef{}, err
	}

	now := m.now()
	if m.policy == PolicySingleLive {
		if _, err := m.repo.ExpireLive(ctx, artifactID, now); err != nil {
			return model.GrantRef{}, fmt.Errorf("expire live grants: %w", err)
		}
	}

	g := &model.Grant{
		ID:         id,
		ArtifactID: artifactID,
		TokenHash:  crypto.TokenHash(token),
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := m.repo.Create(ctx, g); err != nil {
		return model.GrantRef{}, fmt.Errorf("store grant: %w", err)
	}
	return model.GrantRef{ArtifactID: artifactID, Token: token, ExpiresAt: g.ExpiresAt}, nil
}

// Redeem consumes the grant identified by (artifactID, token) at now. At most one call
// succeeds per grant. On failure the error is one of errs.ErrGrantNotFound,
// errs.ErrGrantExpired, errs.ErrGrantAlreadyConsumed or errs.ErrTokenMismatch.
func (m *Manager) Redeem(ctx context.Context, artifactID uuid.UUID, token string, now time.Time) (model.Grant, error) {
	hash := crypto.TokenHash(token)
	g, err := m.repo.Consume(ctx, artifactID, hash, now)
	if err == nil {
		return *g, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return model.Grant{}, fmt.Errorf("consume grant: %w", err)
	}
	return model.Grant{}, m.diagnose(ctx, artifactID, hash, now)
}

// diagnose explains why Consume matched nothing. It runs after the atomic step, so it
// only classifies and never changes state.
func (m *Manager) diagnose(ctx context.Context, artifactID uuid.UUID, hash []byte, now time.Time) error {
	g, err := m.repo.Find(ctx, artifactID, hash)
	switch {
	case errors.Is(err, errs.ErrGrantNotFound), errors.Is(err, errs.ErrTokenMismatch):
		return err
	case err != nil:
		return fmt.Errorf("find grant: %w", err)
	case g.ExpiredAt(now):
		return errs.ErrGrantExpired
	default:
		// Consumed, or consumed by a concurrent redeemer between the two statements.
		return errs.ErrGrantAlreadyConsumed
	}
}
