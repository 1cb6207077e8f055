package auth

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"secchat/internal/docstore"
	"secchat/internal/docstore/memstore"
	"secchat/internal/models"
	"secchat/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

const t0Unix = 1700000000

func TestAuthService(t *testing.T) {
	// Helper to create service with fixed time
	createService := func(t *testing.T) (*AuthService, *storage.BboltStorage, *time.Time) {
		local, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "local.db"))
		if err != nil {
			t.Fatalf("Failed to open storage: %v", err)
		}
		t.Cleanup(func() { _ = local.Close() })

		svc, err := NewAuthService(context.Background(), Config{TokenExpiry: time.Hour}, memstore.New(), local)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}
		svc.cost = bcrypt.MinCost

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}
		return svc, local, &currentTime
	}

	signUp := func(t *testing.T, svc *AuthService) models.User {
		t.Helper()
		u, err := svc.SignUp(context.Background(), SignUpRequest{
			Email:       " Alice@Example.com ",
			Password:    "correct horse",
			DisplayName: "Alice",
		})
		if err != nil {
			t.Fatalf("Failed to sign up: %v", err)
		}
		return u
	}

	login := func(svc *AuthService, password string) (LoginResponse, models.Identity) {
		return svc.SignIn(context.Background(), LoginRequest{Email: "alice@example.com", Password: password})
	}

	t.Run("SignUp", func(t *testing.T) {
		svc, _, _ := createService(t)
		u := signUp(t, svc)
		if u.Email != "alice@example.com" {
			t.Errorf("Expected normalized email, got %s", u.Email)
		}

		profile, err := docstore.GetAs[models.User](context.Background(), svc.store, docstore.Users, u.ID)
		if err != nil {
			t.Fatalf("Profile not stored: %v", err)
		}
		if profile.SearchName != "alice" || profile.DisplayName != "Alice" {
			t.Errorf("Unexpected profile %+v", profile)
		}

		creds, err := docstore.GetAs[Credentials](context.Background(), svc.store, docstore.Credentials, "alice@example.com")
		if err != nil {
			t.Fatalf("Credentials not stored: %v", err)
		}
		if creds.PasswordHash == "correct horse" || creds.UserID != u.ID {
			t.Errorf("Unexpected credentials %+v", creds)
		}

		_, err = svc.SignUp(context.Background(), SignUpRequest{Email: "alice@example.com", Password: "another one", DisplayName: "Eve"})
		if err != ErrUserExists {
			t.Errorf("Expected ErrUserExists, got %v", err)
		}
	})

	t.Run("SignUp_Validation", func(t *testing.T) {
		svc, _, _ := createService(t)
		tests := []struct {
			name string
			req  SignUpRequest
		}{
			{"bad email", SignUpRequest{Email: "alice", Password: "correct horse", DisplayName: "Alice"}},
			{"short password", SignUpRequest{Email: "a@example.com", Password: "short", DisplayName: "Alice"}},
			{"empty name", SignUpRequest{Email: "a@example.com", Password: "correct horse", DisplayName: "  "}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.SignUp(context.Background(), tt.req)
				if !errors.Is(err, models.Invalid("")) {
					t.Errorf("Expected invalid, got %v", err)
				}
			})
		}
	})

	t.Run("SignIn_Success", func(t *testing.T) {
		svc, local, now := createService(t)
		u := signUp(t, svc)

		resp, identity := login(svc, "correct horse")
		if !resp.Success {
			t.Fatalf("Login failed: %s", resp.Message)
		}
		if identity.UserID != u.ID || identity.DisplayName != "Alice" {
			t.Errorf("Unexpected identity %+v", identity)
		}
		if resp.TokenExpiry != now.Add(time.Hour).Unix() {
			t.Errorf("Unexpected token expiry %d", resp.TokenExpiry)
		}

		got, err := svc.Identity(resp.Token)
		if err != nil || got != identity {
			t.Errorf("Token not live: %v", err)
		}

		session, err := local.Session()
		if err != nil || session.Token != resp.Token {
			t.Errorf("Session not persisted: %v", err)
		}

		ev := <-svc.Events()
		if ev.Kind != SignedIn || ev.UserID != u.ID {
			t.Errorf("Unexpected event %+v", ev)
		}
	})

	t.Run("SignIn_Failures", func(t *testing.T) {
		svc, _, _ := createService(t)
		signUp(t, svc)

		tests := []struct {
			name string
			req  LoginRequest
		}{
			{"Wrong Password", LoginRequest{Email: "alice@example.com", Password: "wrong horse"}},
			{"User Not Found", LoginRequest{Email: "bob@example.com", Password: "correct horse"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				resp, identity := svc.SignIn(context.Background(), tt.req)
				if resp.Success || identity.Valid() {
					t.Error("Expected login failure")
				}
				if resp.Message != loginFailedMessage {
					t.Errorf("Expected message %q, got %q", loginFailedMessage, resp.Message)
				}
			})
		}
	})

	t.Run("Credentials_Survive_Restart", func(t *testing.T) {
		svc, _, _ := createService(t)
		signUp(t, svc)

		// A fresh service over the same store has an empty credential cache.
		fresh, err := NewAuthService(context.Background(), Config{}, svc.store, nil)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}
		resp, _ := fresh.SignIn(context.Background(), LoginRequest{Email: "alice@example.com", Password: "correct horse"})
		if !resp.Success {
			t.Errorf("Login after restart failed: %s", resp.Message)
		}
	})

	t.Run("Security_Throttling", func(t *testing.T) {
		svc, _, now := createService(t)
		signUp(t, svc)

		// Fail 4 times (threshold is > 3)
		for i := 0; i < 4; i++ {
			login(svc, "wrong horse")
		}

		// 5th attempt should be throttled even with the right password
		resp, _ := login(svc, "correct horse")
		if resp.Success {
			t.Error("Throttling failed, login succeeded")
		}
		if !strings.HasPrefix(resp.Message, "Too many failed login attempts") {
			t.Errorf("Expected throttling message, got %q", resp.Message)
		}

		// Backoff = 30 * (failedAttempts^2) = 480 seconds
		*now = now.Add(500 * time.Second)
		resp, _ = login(svc, "correct horse")
		if !resp.Success {
			t.Errorf("Expected login after backoff, got %q", resp.Message)
		}

		creds, err := docstore.GetAs[Credentials](context.Background(), svc.store, docstore.Credentials, "alice@example.com")
		if err != nil || creds.FailedLoginAttempts != 0 {
			t.Errorf("Failed attempts not reset: %+v %v", creds, err)
		}
	})

	t.Run("SignOut", func(t *testing.T) {
		svc, local, _ := createService(t)
		u := signUp(t, svc)
		resp, _ := login(svc, "correct horse")
		<-svc.Events()

		svc.SignOut(resp.Token)
		if _, err := svc.Identity(resp.Token); err != ErrInvalidToken {
			t.Error("Token should be invalid after sign out")
		}
		if _, err := local.Session(); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Session should be cleared, got %v", err)
		}
		ev := <-svc.Events()
		if ev.Kind != SignedOut || ev.UserID != u.ID {
			t.Errorf("Unexpected event %+v", ev)
		}

		// unknown tokens are ignored
		svc.SignOut("unknown")
		select {
		case ev := <-svc.Events():
			t.Errorf("Unexpected event %+v", ev)
		default:
		}
	})

	t.Run("Restore", func(t *testing.T) {
		svc, local, now := createService(t)
		signUp(t, svc)
		resp, identity := login(svc, "correct horse")
		<-svc.Events()

		// the process restarts: live tokens are gone, the session is on disk
		restarted, err := NewAuthService(context.Background(), Config{TokenExpiry: time.Hour}, svc.store, local)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}
		restarted.now = svc.now

		restored, got, err := restarted.Restore()
		if err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if restored.Token != resp.Token || got != identity {
			t.Errorf("Unexpected restored session %+v", restored)
		}
		if _, err := restarted.Identity(resp.Token); err != nil {
			t.Errorf("Restored token not live: %v", err)
		}

		*now = now.Add(2 * time.Hour)
		if _, _, err := restarted.Restore(); err != ErrInvalidToken {
			t.Errorf("Expected expired session, got %v", err)
		}
		if _, err := local.Session(); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Expired session should be cleared, got %v", err)
		}
	})

	t.Run("UpdateDisplayName", func(t *testing.T) {
		svc, _, _ := createService(t)
		u := signUp(t, svc)
		resp, _ := login(svc, "correct horse")

		if err := svc.UpdateDisplayName(context.Background(), resp.Token, "Alice L."); err != nil {
			t.Fatalf("Rename failed: %v", err)
		}
		identity, _ := svc.Identity(resp.Token)
		if identity.DisplayName != "Alice L." {
			t.Errorf("Live identity not refreshed: %+v", identity)
		}
		profile, _ := docstore.GetAs[models.User](context.Background(), svc.store, docstore.Users, u.ID)
		if profile.SearchName != "alice l." {
			t.Errorf("Search name not updated: %q", profile.SearchName)
		}

		if err := svc.UpdateDisplayName(context.Background(), "nope", "Eve"); err != ErrInvalidToken {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("AddUser", func(t *testing.T) {
		svc, _, _ := createService(t)
		u, password, err := svc.AddUser(context.Background(), "bob@example.com", "Bob")
		if err != nil {
			t.Fatalf("Failed to add user: %v", err)
		}
		if len(password) < MinPasswordLength {
			t.Errorf("Generated password too short: %q", password)
		}
		resp, identity := svc.SignIn(context.Background(), LoginRequest{Email: "bob@example.com", Password: password})
		if !resp.Success || identity.UserID != u.ID {
			t.Errorf("Login with generated password failed: %s", resp.Message)
		}
	})
}
