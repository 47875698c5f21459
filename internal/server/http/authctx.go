package httpserver

import (
	"context"

	"github.com/and161185/backup-keeper/internal/model"
)

type ctxKey string

const (
	callerKey ctxKey = "bk.caller"
	serverKey ctxKey = "bk.server"
)

// WithCaller stores the authenticated interactive caller in context.
func WithCaller(ctx context.Context, c model.Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromCtx fetches the caller from context.
func CallerFromCtx(ctx context.Context) (model.Caller, bool) {
	c, ok := ctx.Value(callerKey).(model.Caller)
	return c, ok
}

// WithServer stores the authenticated upload source in context.
func WithServer(ctx context.Context, s model.Server) context.Context {
	return context.WithValue(ctx, serverKey, s)
}

// ServerFromCtx fetches the upload source from context.
func ServerFromCtx(ctx context.Context) (model.Server, bool) {
	s, ok := ctx.Value(serverKey).(model.Server)
	return s, ok
}
