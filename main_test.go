package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"secchat/internal/api"
	"secchat/internal/auth"
	"secchat/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type (
	outcome  struct{ Success bool }
	sendData struct{ Downgrade string }
	message  struct{ Text string }
)

func TestIntegration(t *testing.T) {
	adminAddr := "127.0.0.1:8888"
	apiAddr := "127.0.0.1:8887"

	t.Setenv("SECCHAT_DB", filepath.Join(t.TempDir(), "integration_test.db"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LOG_LEVEL", "warn")

	// Start server in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, nil)
	}()

	// Wait for server to start
	waitForServer(t, fmt.Sprintf("http://%s/metrics", adminAddr), 20)

	client := &http.Client{Timeout: 5 * time.Second}

	// Step 1: Create two users via the admin API
	createUser := func(email string) api.AddUserResponse {
		reqBody, _ := json.Marshal(api.AddUserRequest{Email: email})
		resp, err := client.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewBuffer(reqBody))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var adminResp api.AddUserResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&adminResp))
		require.True(t, adminResp.Success)
		require.NotEmpty(t, adminResp.Password)
		return adminResp
	}
	alice := createUser("alice@example.com")
	bob := createUser("bob@example.com")

	// Step 2: Login
	loginBody, _ := json.Marshal(auth.LoginRequest{Email: alice.Email, Password: alice.Password})
	reqLogin, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/api/login", apiAddr), bytes.NewBuffer(loginBody))
	reqLogin.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(reqLogin)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loginResp auth.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	require.True(t, loginResp.Success)
	sessionToken := loginResp.Token
	require.NotEmpty(t, sessionToken)

	// Step 3: Generate keys
	reqKeys, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/api/keys", apiAddr), nil)
	reqKeys.AddCookie(&http.Cookie{Name: "token", Value: sessionToken})
	resp, err = client.Do(reqKeys)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reqMe, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/me", apiAddr), nil)
	reqMe.AddCookie(&http.Cookie{Name: "token", Value: sessionToken})
	resp, err = client.Do(reqMe)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me api.MeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	require.True(t, me.HasKey)
	require.NotEmpty(t, me.PublicKey)

	// Step 4: Start a direct chat with bob
	chatBody, _ := json.Marshal(api.DirectChatRequest{UserID: bob.UserID})
	reqChat, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/api/chats/direct", apiAddr), bytes.NewBuffer(chatBody))
	reqChat.AddCookie(&http.Cookie{Name: "token", Value: sessionToken})
	resp, err = client.Do(reqChat)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chat struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chat))
	require.NotEmpty(t, chat.ID)

	// Step 5: Send over the bridge. Bob has no key yet, so the message goes out
	// in plaintext and the downgrade is reported.
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/bridge?token=%s", apiAddr, sessionToken), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(ws.ClientFrame{ID: "1", Type: ws.IntentOpen, ChatID: chat.ID}))
	require.NoError(t, conn.WriteJSON(ws.ClientFrame{ID: "2", Type: ws.IntentSend, ChatID: chat.ID, Text: "hello bob"}))

	var sent, echoed bool
	for !sent || !echoed {
		var frame struct {
			Type     ws.FrameType `json:"type"`
			ID       string       `json:"id"`
			Outcome  *outcome     `json:"outcome"`
			Data     sendData     `json:"data"`
			Messages []message    `json:"messages"`
		}
		require.NoError(t, conn.ReadJSON(&frame))
		switch {
		case frame.Type == ws.FrameResult && frame.ID == "2":
			require.True(t, frame.Outcome.Success)
			require.NotEmpty(t, frame.Data.Downgrade)
			sent = true
		case frame.Type == ws.FrameMessages && len(frame.Messages) == 1:
			require.Equal(t, "hello bob", frame.Messages[0].Text)
			echoed = true
		}
	}

	// Stop
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
