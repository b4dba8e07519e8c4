package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"reelforge/internal/domain"
	"reelforge/internal/middleware"
	"reelforge/internal/submission"
)

// Submitter admits jobs; *submission.Service implements it.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (submission.Result, error)
}

// App carries the dependencies shared by the HTTP handlers.
type App struct {
	Jobs          domain.JobRepository
	Users         domain.UserRepository
	Submitter     Submitter
	PublicURL     func(key string) string
	Ping          func(ctx context.Context) error
	Logger        zerolog.Logger
	JWTSecret     string
	TokenTTL      time.Duration
	MaxPhotoBytes int64
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{
		"error": map[string]string{"code": errCode, "message": message},
	})
}

// fail maps domain errors onto HTTP responses and logs everything else.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, domain.ErrInvalidPayload):
		a.error(w, http.StatusUnprocessableEntity, "invalid_payload", err.Error())
	case errors.Is(err, domain.ErrInsufficientBalance):
		a.error(w, http.StatusPaymentRequired, "insufficient_balance", "not enough credits")
	case errors.Is(err, domain.ErrDuplicateOperation):
		a.error(w, http.StatusConflict, "duplicate_operation", "idempotency key already used")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
	default:
		a.log(r).Error().Err(err).Msg("api: " + action + " failed")
		a.error(w, http.StatusInternalServerError, "internal", action+" failed")
	}
}

func (a *App) currentUserID(r *http.Request) string {
	if middleware.RoleFromContext(r.Context()) != middleware.RoleUser {
		return ""
	}
	return middleware.UserIDFromContext(r.Context())
}

// log prefers the request-scoped logger installed by the access log middleware.
func (a *App) log(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &a.Logger
}
