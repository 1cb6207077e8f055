package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"secchat/internal/api"
	"secchat/internal/config"
	"secchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddUser(t *testing.T) {
	var got api.AddUserRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/users", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		switch got.Email {
		case "taken@example.com":
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(models.Outcome{Error: models.ReasonAlreadyExists, Message: "account exists"})
		case "broken@example.com":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			_ = json.NewEncoder(w).Encode(api.AddUserResponse{Success: true, UserID: "u1", Email: got.Email, Password: "s3cret-pass"})
		}
	}))
	defer ts.Close()

	cfg := &config.Config{AdminAddr: strings.TrimPrefix(ts.URL, "http://")}
	ctx := context.Background()

	t.Run("created", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, AddUser(ctx, "new@example.com", "Newcomer", cfg, &out))
		assert.Equal(t, api.AddUserRequest{Email: "new@example.com", DisplayName: "Newcomer"}, got)
		assert.Contains(t, out.String(), "s3cret-pass")
		assert.Contains(t, out.String(), "u1")
	})

	t.Run("policy rejection", func(t *testing.T) {
		err := AddUser(ctx, "taken@example.com", "", cfg, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "409")
		assert.Contains(t, err.Error(), "account exists")
	})

	t.Run("plain failure", func(t *testing.T) {
		err := AddUser(ctx, "broken@example.com", "", cfg, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("server down", func(t *testing.T) {
		err := AddUser(ctx, "new@example.com", "", &config.Config{AdminAddr: "127.0.0.1:1"}, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Is the server running?")
	})
}
