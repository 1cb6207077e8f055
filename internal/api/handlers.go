package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"secchat/internal/auth"
	"secchat/internal/chat"
	"secchat/internal/docstore"
	"secchat/internal/e2ee"
	"secchat/internal/models"
	"secchat/internal/search"
	"secchat/internal/view"
)

// Keys manages the local key pair of the signed in user.
type Keys interface {
	GenerateKeyPair(ctx context.Context, userID string) (string, error)
	ResetKeys(ctx context.Context, userID string, confirm bool) (string, error)
	HasKey(userID string) bool
}

type Config struct {
	Auth   *auth.AuthService
	Store  docstore.Store
	Chats  *chat.Service
	Search *search.Service
	Keys   Keys
}

type API struct {
	auth   *auth.AuthService
	store  docstore.Store
	chats  *chat.Service
	search *search.Service
	keys   Keys
}

func New(config Config) *API {
	return &API{
		auth:   config.Auth,
		store:  config.Store,
		chats:  config.Chats,
		search: config.Search,
		keys:   config.Keys,
	}
}

type contextKey struct{}

func withIdentity(ctx context.Context, me models.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, me)
}

func identityFrom(r *http.Request) models.Identity {
	me, _ := r.Context().Value(contextKey{}).(models.Identity)
	return me
}

func getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth rejects requests without a live session token.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, err := a.auth.Identity(getToken(r))
		if err != nil {
			writeError(w, models.ErrNotAuthenticated)
			return
		}
		next(w, r.WithContext(withIdentity(r.Context(), me)))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// policy maps package errors the UI can act on to policy rejections.
func policy(err error) error {
	switch {
	case errors.Is(err, auth.ErrUserExists), errors.Is(err, e2ee.ErrKeysExist):
		return models.Reject(models.ReasonAlreadyExists, err.Error())
	case errors.Is(err, e2ee.ErrConfirmationRequired):
		return models.Invalid(err.Error())
	}
	return err
}

func statusOf(err error) int {
	var pe *models.PolicyError
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError
	}
	switch pe.Reason {
	case models.ReasonNotAuthenticated:
		return http.StatusUnauthorized
	case models.ReasonNotParticipant, models.ReasonNotAdmin, models.ReasonNotSender, models.ReasonBlocked, models.ReasonExpired:
		return http.StatusForbidden
	case models.ReasonNotFound:
		return http.StatusNotFound
	case models.ReasonAlreadyExists, models.ReasonLastAdmin, models.ReasonDeleted, models.ReasonEncryptionUnavailable:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, err error) {
	err = policy(err)
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, models.OutcomeOf(err))
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.Invalid("invalid request body")
	}
	return nil
}

func (a *API) SignUpHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.SignUpRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := a.auth.SignUp(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and Form
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Email = r.FormValue("email")
		req.Password = r.FormValue("password")
	}

	loginResp, _ := a.auth.SignIn(r.Context(), req)
	if !loginResp.Success {
		writeJSON(w, http.StatusUnauthorized, loginResp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})
	writeJSON(w, http.StatusOK, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := getToken(r); token != "" {
		a.auth.SignOut(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

type MeResponse struct {
	models.User
	HasKey bool `json:"hasKey"`
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	me := identityFrom(r)
	user, err := docstore.GetAs[models.User](r.Context(), a.store, docstore.Users, me.UserID)
	if errors.Is(err, docstore.ErrNotFound) {
		err = models.Reject(models.ReasonNotFound, "user")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{User: user, HasKey: a.keys.HasKey(me.UserID)})
}

func (a *API) UpdateDisplayNameHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.auth.UpdateDisplayName(r.Context(), getToken(r), req.DisplayName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.OutcomeOf(nil))
}

func (a *API) SearchUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.search.SearchUsers(r.Context(), identityFrom(r), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// SearchMessagesHandler searches one chat when chatId is given and every
// chat of the caller otherwise.
func (a *API) SearchMessagesHandler(w http.ResponseWriter, r *http.Request) {
	me := identityFrom(r)
	q := r.URL.Query()

	var (
		hits []view.MessageView
		err  error
	)
	if chatID := q.Get("chatId"); chatID != "" {
		hits, err = a.search.SearchMessagesInChat(r.Context(), me, chatID, q.Get("q"))
	} else {
		hits, err = a.search.SearchAllMessages(r.Context(), me, q.Get("q"))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if hits == nil {
		hits = []view.MessageView{}
	}
	writeJSON(w, http.StatusOK, hits)
}

type KeysRequest struct {
	Reset   bool `json:"reset"`
	Confirm bool `json:"confirm"`
}

type KeysResponse struct {
	PublicKey string `json:"publicKey"`
}

// KeysHandler creates the key pair of the caller, or replaces it when reset
// is confirmed.
func (a *API) KeysHandler(w http.ResponseWriter, r *http.Request) {
	var req KeysRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	me := identityFrom(r)
	var (
		pub string
		err error
	)
	if req.Reset {
		pub, err = a.keys.ResetKeys(r.Context(), me.UserID, req.Confirm)
	} else {
		pub, err = a.keys.GenerateKeyPair(r.Context(), me.UserID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, KeysResponse{PublicKey: pub})
}
