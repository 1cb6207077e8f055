package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"secchat/internal/content"
	"secchat/internal/docstore"
	"secchat/internal/models"
	"secchat/internal/storage"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	MinPasswordLength  = 8
	loginFailedMessage = "Login failed"
	eventBuffer        = 16
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrWeakPassword = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

type EventKind string

const (
	SignedIn  EventKind = "signed-in"
	SignedOut EventKind = "signed-out"
)

// Event is published on every sign-in and sign-out transition.
type Event struct {
	Kind   EventKind
	UserID string
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Credentials are stored in their own collection, never on the profile.
type Credentials struct {
	Email        string `bson:"_id"`
	UserID       string `bson:"userId"`
	PasswordHash string `bson:"passwordHash"`
	// Counter for consecutive failed login attempts to throttle brute force attacks.
	FailedLoginAttempts int64 `bson:"failedLoginAttempts"`
	LastAttemptTime     int64 `bson:"lastAttemptTime"`
}

func (c *Credentials) ResetFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts = 0
	c.LastAttemptTime = now.Unix()
}

func (c *Credentials) IncrementFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts++
	c.LastAttemptTime = now.Unix()
}

type Config struct {
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must not be negative")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

// Sessions persists the signed in session on this device.
type Sessions interface {
	SaveSession(session storage.Session) error
	Session() (storage.Session, error)
	ClearSession() error
}

type AuthService struct {
	Config
	store      docstore.Store
	sessions   Sessions
	users      *geche.Locker[string, *Credentials]
	liveTokens geche.Geche[string, models.Identity]
	events     chan Event
	cost       int
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store docstore.Store, sessions Sessions) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		store:      store,
		sessions:   sessions,
		users:      geche.NewLocker[string, *Credentials](geche.NewMapCache[string, *Credentials]()),
		liveTokens: geche.NewMapTTLCache[string, models.Identity](ctx, config.TokenExpiry, time.Minute),
		events:     make(chan Event, eventBuffer),
		cost:       bcrypt.DefaultCost,
		now:        time.Now,
	}, nil
}

// Events delivers sign-in and sign-out transitions. Events are dropped when
// nobody keeps up with the channel.
func (as *AuthService) Events() <-chan Event {
	return as.events
}

func (as *AuthService) emit(kind EventKind, userID string) {
	select {
	case as.events <- Event{Kind: kind, UserID: userID}:
	default:
		slog.Warn("auth event dropped", "kind", kind, "user_id", userID)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (as *AuthService) loadCredentials(ctx context.Context, email string) (*Credentials, error) {
	creds, err := docstore.GetAs[Credentials](ctx, as.store, docstore.Credentials, email)
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

func (as *AuthService) saveCredentials(ctx context.Context, creds *Credentials) {
	if err := as.store.Put(ctx, docstore.Credentials, creds.Email, creds); err != nil {
		slog.Error("failed to save credentials", "user_id", creds.UserID, "error", err)
	}
}

// SignUp creates credentials and the public profile of a new user.
func (as *AuthService) SignUp(ctx context.Context, req SignUpRequest) (models.User, error) {
	email := normalizeEmail(req.Email)
	if err := content.ValidateEmail(email); err != nil {
		return models.User{}, models.Invalid(err.Error())
	}
	if len(req.Password) < MinPasswordLength {
		return models.User{}, models.Invalid(ErrWeakPassword.Error())
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if err := content.ValidateDisplayName(displayName); err != nil {
		return models.User{}, models.Invalid(err.Error())
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(email); err == nil {
		return models.User{}, ErrUserExists
	}
	if _, err := as.loadCredentials(ctx, email); err == nil {
		return models.User{}, ErrUserExists
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return models.User{}, fmt.Errorf("failed to check credentials: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), as.cost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	displayName = content.Sanitize(displayName)
	user := models.User{
		ID:           uuid.NewString(),
		DisplayName:  displayName,
		SearchName:   models.SearchName(displayName),
		Email:        email,
		CreatedAt:    as.now().UTC().Truncate(time.Millisecond),
		BlockedUsers: []string{},
	}
	if err := as.store.Put(ctx, docstore.Users, user.ID, user); err != nil {
		return models.User{}, fmt.Errorf("failed to create profile: %w", err)
	}

	creds := &Credentials{Email: email, UserID: user.ID, PasswordHash: string(hash)}
	if err := as.store.Put(ctx, docstore.Credentials, email, creds); err != nil {
		return models.User{}, fmt.Errorf("failed to store credentials: %w", err)
	}
	tx.Set(email, creds)
	return user, nil
}

// AddUser provisions an account with a generated password, which is
// returned once.
func (as *AuthService) AddUser(ctx context.Context, email, displayName string) (models.User, string, error) {
	password, err := generateToken()
	if err != nil {
		return models.User{}, "", err
	}
	user, err := as.SignUp(ctx, SignUpRequest{Email: email, Password: password, DisplayName: displayName})
	if err != nil {
		return models.User{}, "", err
	}
	return user, password, nil
}

func (as *AuthService) SignIn(ctx context.Context, req LoginRequest) (LoginResponse, models.Identity) {
	now := as.now()
	email := normalizeEmail(req.Email)

	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(email)
	if err != nil {
		user, err = as.loadCredentials(ctx, email)
		if err != nil {
			if !errors.Is(err, docstore.ErrNotFound) {
				slog.Error("failed to load credentials", "error", err)
			}
			return LoginResponse{Message: loginFailedMessage}, models.Identity{}
		}
		tx.Set(email, user)
	}

	// Check failed login attempts
	if user.FailedLoginAttempts > 3 {
		failedAttempts := user.FailedLoginAttempts
		nextAttempt := user.LastAttemptTime + 30*(failedAttempts*failedAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, models.Identity{}
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		user.IncrementFailedLoginAttempts(now)
		as.saveCredentials(ctx, user)
		return LoginResponse{Message: loginFailedMessage}, models.Identity{}
	}

	profile, err := docstore.GetAs[models.User](ctx, as.store, docstore.Users, user.UserID)
	if err != nil {
		slog.Error("login failed", "user_id", user.UserID, "error", err)
		return LoginResponse{Message: "internal error"}, models.Identity{}
	}

	token, err := generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.UserID, "error", err)
		return LoginResponse{Message: "internal error"}, models.Identity{}
	}

	identity := models.Identity{UserID: user.UserID, DisplayName: profile.DisplayName}
	as.liveTokens.Set(token, identity)
	if user.FailedLoginAttempts > 0 {
		user.ResetFailedLoginAttempts(now)
		as.saveCredentials(ctx, user)
	}

	expiry := now.Add(as.TokenExpiry)
	as.persist(token, identity, expiry)
	as.emit(SignedIn, identity.UserID)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: expiry.Unix(),
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
	}, identity
}

func (as *AuthService) persist(token string, identity models.Identity, expiry time.Time) {
	if as.sessions == nil {
		return
	}
	err := as.sessions.SaveSession(storage.Session{
		Token:       token,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		ExpiresAt:   expiry,
	})
	if err != nil {
		slog.Warn("failed to persist session", "user_id", identity.UserID, "error", err)
	}
}

// SignOut ends the session of token. Storage failures are logged, never
// returned: the user is signed out regardless.
func (as *AuthService) SignOut(token string) {
	identity, err := as.liveTokens.Get(token)
	_ = as.liveTokens.Del(token)
	if as.sessions != nil {
		if err := as.sessions.ClearSession(); err != nil {
			slog.Warn("failed to clear session", "error", err)
		}
	}
	if err == nil {
		as.emit(SignedOut, identity.UserID)
	}
}

// Restore resumes the session persisted on this device.
func (as *AuthService) Restore() (LoginResponse, models.Identity, error) {
	if as.sessions == nil {
		return LoginResponse{}, models.Identity{}, ErrInvalidToken
	}
	session, err := as.sessions.Session()
	if errors.Is(err, models.ErrNotFound) {
		return LoginResponse{}, models.Identity{}, ErrInvalidToken
	}
	if err != nil {
		return LoginResponse{}, models.Identity{}, fmt.Errorf("failed to read session: %w", err)
	}
	if !as.now().Before(session.ExpiresAt) {
		if err := as.sessions.ClearSession(); err != nil {
			slog.Warn("failed to clear expired session", "error", err)
		}
		return LoginResponse{}, models.Identity{}, ErrInvalidToken
	}

	identity := models.Identity{UserID: session.UserID, DisplayName: session.DisplayName}
	as.liveTokens.Set(session.Token, identity)
	as.emit(SignedIn, identity.UserID)
	return LoginResponse{
		Success:     true,
		Token:       session.Token,
		TokenExpiry: session.ExpiresAt.Unix(),
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
	}, identity, nil
}

func (as *AuthService) Identity(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, ErrInvalidToken
	}
	identity, err := as.liveTokens.Get(token)
	if err != nil {
		return models.Identity{}, ErrInvalidToken
	}
	return identity, nil
}

func (as *AuthService) UserID(token string) (string, error) {
	identity, err := as.Identity(token)
	return identity.UserID, err
}

// UpdateDisplayName renames the profile of the session owner and refreshes
// the live session.
func (as *AuthService) UpdateDisplayName(ctx context.Context, token, displayName string) error {
	identity, err := as.Identity(token)
	if err != nil {
		return err
	}
	displayName = strings.TrimSpace(displayName)
	if err := content.ValidateDisplayName(displayName); err != nil {
		return models.Invalid(err.Error())
	}
	displayName = content.Sanitize(displayName)

	err = as.store.Update(ctx, docstore.Users, identity.UserID,
		docstore.Set("displayName", displayName),
		docstore.Set("searchName", models.SearchName(displayName)),
	)
	if err != nil {
		return fmt.Errorf("failed to update display name: %w", err)
	}
	identity.DisplayName = displayName
	as.liveTokens.Set(token, identity)
	return nil
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
