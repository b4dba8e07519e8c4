package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"reelforge/internal/middleware"
)

type ensureUserRequest struct {
	ChatID   int64  `json:"chat_id"`
	Username string `json:"username"`
}

type userResponse struct {
	ID       string `json:"id"`
	ChatID   *int64 `json:"chat_id,omitempty"`
	Username string `json:"username,omitempty"`
	Balance  int    `json:"balance"`
	Locale   string `json:"locale,omitempty"`
	Token    string `json:"token,omitempty"`
}

// EnsureUser registers a chat identity (or finds the existing one) and issues
// a user token for it. Service callers only.
func (a *App) EnsureUser(w http.ResponseWriter, r *http.Request) {
	var req ensureUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.ChatID == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "chat_id required")
		return
	}
	user, err := a.Users.EnsureByChatID(r.Context(), req.ChatID, strings.TrimSpace(req.Username))
	if err != nil {
		a.fail(w, r, err, "ensure user")
		return
	}
	locale := middleware.LocaleFromContext(r.Context())
	token, err := middleware.SignJWT(a.JWTSecret, user.ID, middleware.RoleUser, locale, a.TokenTTL)
	if err != nil {
		a.fail(w, r, err, "sign token")
		return
	}
	a.json(w, http.StatusOK, userResponse{
		ID:       user.ID,
		ChatID:   user.ChatID,
		Username: user.Username,
		Balance:  user.Balance,
		Locale:   locale,
		Token:    token,
	})
}

type grantRequest struct {
	Amount int `json:"amount"`
}

// GrantCredits adds (or with a negative amount, removes) credits. Service callers only.
func (a *App) GrantCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if !validID(userID) {
		a.error(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "non-zero amount required")
		return
	}
	balance, err := a.Users.GrantCredits(r.Context(), userID, req.Amount)
	if err != nil {
		a.fail(w, r, err, "grant credits")
		return
	}
	a.Logger.Info().Str("user_id", userID).Int("amount", req.Amount).Int("balance", balance).Msg("api: credits granted")
	a.json(w, http.StatusOK, userResponse{ID: userID, Balance: balance})
}

func (a *App) Me(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	user, err := a.Users.GetByID(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err, "load user")
		return
	}
	a.json(w, http.StatusOK, userResponse{
		ID:       user.ID,
		ChatID:   user.ChatID,
		Username: user.Username,
		Balance:  user.Balance,
		Locale:   middleware.LocaleFromContext(r.Context()),
	})
}
