package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/backup-keeper/internal/errs"
	"github.com/and161185/backup-keeper/internal/model"
)

// CallerClaims are the JWT claims identifying an interactive caller.
type CallerClaims struct {
	Group int64 `json:"grp"`
	jwt.RegisteredClaims
}

// CallerTokens mints and verifies HS256 caller tokens. In production the identity
// provider mints them; Issue exists for local tooling.
type CallerTokens struct {
	signKey []byte
	leeway  time.Duration
	now     func() time.Time
}

// NewCallerTokens constructs CallerTokens.
func NewCallerTokens(signKey []byte, leeway time.Duration) *CallerTokens {
	return &CallerTokens{signKey: signKey, leeway: leeway, now: time.Now}
}

// Issue creates a signed token for subject in group valid for ttl.
func (c *CallerTokens) Issue(subject string, group int64, ttl time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("empty subject: %w", errs.ErrInvalidRequest)
	}
	now := c.now()
	exp := now.Add(ttl)
	claims := CallerClaims{
		Group: group,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signKey)
	return signed, exp, err
}

// Verify parses and validates raw, returning the caller it identifies.
func (c *CallerTokens) Verify(raw string) (model.Caller, error) {
	var claims CallerClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return c.signKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(c.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !tok.Valid {
		return model.Caller{}, errs.ErrUnauthorized
	}
	if claims.Subject == "" {
		return model.Caller{}, errs.ErrUnauthorized
	}
	return model.Caller{Subject: claims.Subject, GroupID: claims.Group}, nil
}
