// Package service contains the application services for upload sources and artifact custody.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"

	pkgcrypto "github.com/and161185/backup-keeper/internal/crypto"
	"github.com/and161185/backup-keeper/internal/errs"
	"github.com/and161185/backup-keeper/internal/limiter"
	"github.com/and161185/backup-keeper/internal/model"
	"github.com/and161185/backup-keeper/internal/repository"
)

// malformedSubject keys limiter state for credentials that do not even parse.
const malformedSubject = "-"

// ServerService registers upload sources and authenticates their credentials.
type ServerService struct {
	servers repository.ServerRepository
	lim     limiter.Limiter
}

// NewServerService constructs ServerService.
func NewServerService(servers repository.ServerRepository, lim limiter.Limiter) *ServerService {
	if lim == nil {
		lim = limiter.Nop{}
	}
	return &ServerService{servers: servers, lim: lim}
}

// Register creates a server and returns its upload credential. The credential is not
// recoverable afterwards: only the Argon2id hash of its secret is stored.
func (s *ServerService) Register(ctx context.Context, name, host string, groupID int64) (model.Server, pkgcrypto.Credential, error) {
	name, host = strings.TrimSpace(name), strings.TrimSpace(host)
	if name == "" {
		return model.Server{}, pkgcrypto.Credential{}, fmt.Errorf("empty server name: %w", errs.ErrInvalidRequest)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Server{}, pkgcrypto.Credential{}, err
	}
	cred, err := pkgcrypto.NewCredential()
	if err != nil {
		return model.Server{}, pkgcrypto.Credential{}, fmt.Errorf("generate credential: %w", err)
	}
	salt, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		return model.Server{}, pkgcrypto.Credential{}, err
	}

	srv := model.Server{
		ID:         id,
		Name:       name,
		Host:       host,
		GroupID:    groupID,
		KeyPrefix:  cred.Prefix,
		SecretHash: pkgcrypto.HashSecret([]byte(cred.Secret), salt),
		SecretSalt: salt,
	}
	if err := s.servers.Create(ctx, &srv); err != nil {
		return model.Server{}, pkgcrypto.Credential{}, err
	}
	return srv, cred, nil
}

// Authenticate resolves the server owning raw, rate limited by (key prefix, client ip).
// Every failure is reported as errs.ErrUnauthorized or errs.ErrRateLimited; which part
// of the credential was wrong is never revealed.
func (s *ServerService) Authenticate(ctx context.Context, raw, ip string) (model.Server, error) {
	ipHash := limiter.HashIP(ip)

	cred, perr := pkgcrypto.ParseCredential(raw)
	subject := cred.Prefix
	if perr != nil {
		subject = malformedSubject
	}

	allowed, _, err := s.lim.Allow(ctx, subject, ipHash)
	if err != nil {
		return model.Server{}, fmt.Errorf("limiter: %w", err)
	}
	if !allowed {
		return model.Server{}, errs.ErrRateLimited
	}

	var srv *model.Server
	if perr == nil {
		srv, err = s.servers.GetByKeyPrefix(ctx, cred.Prefix)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return model.Server{}, err
		}
	}
	if srv == nil || !pkgcrypto.VerifySecret([]byte(cred.Secret), srv.SecretSalt, srv.SecretHash) {
		if blocked, _, ferr := s.lim.Failure(ctx, subject, ipHash); ferr == nil && blocked {
			return model.Server{}, errs.ErrRateLimited
		}
		return model.Server{}, errs.ErrUnauthorized
	}

	_ = s.lim.Success(ctx, subject, ipHash)
	return *srv, nil
}

// List returns every registered server.
func (s *ServerService) List(ctx context.Context) ([]model.Server, error) {
	return s.servers.List(ctx)
}
