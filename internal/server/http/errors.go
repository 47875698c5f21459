package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/backup-keeper/internal/api"
	"github.com/and161185/backup-keeper/internal/errs"
)

// statusClientClosed is logged when the client went away mid-request.
const statusClientClosed = 499

// Error codes in JSON bodies.
const (
	codeInvalidRequest    = "InvalidRequest"
	codeUnauthorized      = "Unauthorized"
	codeRateLimited       = "RateLimited"
	codeIntegrityMismatch = "IntegrityMismatch"
	codeSizeMismatch      = "SizeMismatch"
	codeConflict          = "Conflict"
	codeAccessDenied      = "AccessDenied"
	codeNotFound          = "NotFound"
	codeForbidden         = "Forbidden"
	codeGone              = "Gone"
	codeTooLarge          = "TooLarge"
	codeCanceled          = "Canceled"
	codeInternal          = "Internal"
)

// mapError translates a domain error into a status and code. With revealNotFound false
// a missing artifact looks exactly like one the caller may not see.
func mapError(err error, revealNotFound bool) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, codeTooLarge
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests, codeRateLimited
	case errors.Is(err, errs.ErrInvalidRequest),
		errors.Is(err, errs.ErrInvalidAddressInput),
		errors.Is(err, errs.ErrInvalidDigestFormat):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, errs.ErrIntegrityMismatch):
		return http.StatusUnprocessableEntity, codeIntegrityMismatch
	case errors.Is(err, errs.ErrSizeMismatch):
		return http.StatusUnprocessableEntity, codeSizeMismatch
	case errors.Is(err, errs.ErrAddressCollision), errors.Is(err, errs.ErrAlreadyExists):
		return http.StatusConflict, codeConflict
	case errors.Is(err, errs.ErrAccessDenied):
		return http.StatusForbidden, codeAccessDenied
	case errors.Is(err, errs.ErrNotFound):
		if revealNotFound {
			return http.StatusNotFound, codeNotFound
		}
		return http.StatusForbidden, codeAccessDenied
	case errors.Is(err, errs.ErrGrantExpired), errors.Is(err, errs.ErrGrantAlreadyConsumed):
		return http.StatusGone, codeGone
	case errors.Is(err, errs.ErrGrantNotFound), errors.Is(err, errs.ErrTokenMismatch):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, context.Canceled):
		return statusClientClosed, codeCanceled
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes the mapped error. Messages of internal and consistency failures
// are logged but never sent to the client.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := mapError(err, s.revealNotFound)
	msg := err.Error()
	switch {
	case status >= http.StatusInternalServerError:
		s.log.Error("request failed",
			zap.String("route", routePattern(r)),
			zap.String("kind", string(errs.Classify(err))),
			zap.Error(err))
		msg = "internal error"
	case code == codeAccessDenied, code == codeForbidden, code == codeUnauthorized:
		msg = ""
	}
	respondJSON(w, status, api.ErrorResponse{Status: api.StatusError, Error: code, Message: msg})
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}
