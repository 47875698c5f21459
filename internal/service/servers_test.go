package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pkgcrypto "github.com/and161185/backup-keeper/internal/crypto"
	"github.com/and161185/backup-keeper/internal/errs"
)

func TestServers_RegisterAndAuthenticate(t *testing.T) {
	t.Parallel()
	lim := &fakeLimiter{allowOK: true}
	s := NewServerService(newFakeServers(), lim)
	ctx := context.Background()

	srv, cred, err := s.Register(ctx, " sql-prod-1 ", "10.0.0.5", 7)
	require.NoError(t, err)
	require.Equal(t, "sql-prod-1", srv.Name)
	require.Equal(t, cred.Prefix, srv.KeyPrefix)
	require.NotContains(t, string(srv.SecretHash), cred.Secret, "secret is stored hashed")

	got, err := s.Authenticate(ctx, cred.String(), "10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, srv.ID, got.ID)
	require.Equal(t, 1, lim.successCalls)
	require.Equal(t, []string{cred.Prefix}, lim.subjects)
}

func TestServers_Register_Validation(t *testing.T) {
	t.Parallel()
	s := NewServerService(newFakeServers(), nil)

	_, _, err := s.Register(context.Background(), "  ", "h", 1)
	require.ErrorIs(t, err, errs.ErrInvalidRequest)

	_, _, err = s.Register(context.Background(), "a", "h", 1)
	require.NoError(t, err)
	_, _, err = s.Register(context.Background(), "a", "h", 1)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestServers_Authenticate_WrongSecret(t *testing.T) {
	t.Parallel()
	lim := &fakeLimiter{allowOK: true}
	s := NewServerService(newFakeServers(), lim)
	ctx := context.Background()

	_, cred, err := s.Register(ctx, "a", "h", 1)
	require.NoError(t, err)

	bad := pkgcrypto.Credential{Prefix: cred.Prefix, Secret: cred.Secret + "x"}
	_, err = s.Authenticate(ctx, bad.String(), "1.1.1.1")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Equal(t, 1, lim.failureCalls)
	require.Zero(t, lim.successCalls)
}

func TestServers_Authenticate_UnknownAndMalformed(t *testing.T) {
	t.Parallel()
	lim := &fakeLimiter{allowOK: true}
	s := NewServerService(newFakeServers(), lim)
	ctx := context.Background()

	_, err := s.Authenticate(ctx, "bk_0123456789ab_secret", "1.1.1.1")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = s.Authenticate(ctx, "garbage", "1.1.1.1")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	require.Equal(t, []string{"0123456789ab", malformedSubject}, lim.subjects)
	require.Equal(t, 2, lim.failureCalls)
}

func TestServers_Authenticate_RateLimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	blocked := NewServerService(newFakeServers(), &fakeLimiter{allowOK: false})
	_, err := blocked.Authenticate(ctx, "bk_0123456789ab_secret", "1.1.1.1")
	require.ErrorIs(t, err, errs.ErrRateLimited)

	lim := &fakeLimiter{allowOK: true, failBlocked: true}
	tripping := NewServerService(newFakeServers(), lim)
	_, err = tripping.Authenticate(ctx, "bk_0123456789ab_secret", "1.1.1.1")
	require.ErrorIs(t, err, errs.ErrRateLimited)
}

func TestServers_Authenticate_LimiterAndRepoErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("db down")

	s := NewServerService(newFakeServers(), &fakeLimiter{allowErr: boom})
	_, err := s.Authenticate(ctx, "bk_0123456789ab_secret", "ip")
	require.ErrorIs(t, err, boom)

	repo := newFakeServers()
	repo.getErr = boom
	s = NewServerService(repo, &fakeLimiter{allowOK: true})
	_, err = s.Authenticate(ctx, "bk_0123456789ab_secret", "ip")
	require.ErrorIs(t, err, boom)
}

func TestCallerTokens_IssueVerify(t *testing.T) {
	t.Parallel()
	key := []byte("0123456789abcdef0123456789abcdef")
	ct := NewCallerTokens(key, 30*time.Second)

	tok, exp, err := ct.Issue("alice", 7, time.Hour)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	c, err := ct.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "alice", c.Subject)
	require.Equal(t, int64(7), c.GroupID)

	_, err = NewCallerTokens([]byte("another-key-another-key-another!"), 0).Verify(tok)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = ct.Verify("not.a.jwt")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, _, err = ct.Issue("", 1, time.Hour)
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
}

func TestCallerTokens_ExpiryWithLeeway(t *testing.T) {
	t.Parallel()
	key := []byte("0123456789abcdef0123456789abcdef")
	now := time.Now()
	ct := NewCallerTokens(key, 30*time.Second)
	ct.now = func() time.Time { return now }

	tok, _, err := ct.Issue("bob", 1, time.Minute)
	require.NoError(t, err)

	ct.now = func() time.Time { return now.Add(time.Minute + 20*time.Second) }
	_, err = ct.Verify(tok)
	require.NoError(t, err, "inside leeway")

	ct.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = ct.Verify(tok)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}
