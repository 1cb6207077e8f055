package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"secchat/internal/api"
	"secchat/internal/config"
	"secchat/internal/models"
)

const requestTimeout = 10 * time.Second

// AddUser provisions an account through the admin server of a running
// instance and prints the generated password.
func AddUser(ctx context.Context, email, displayName string, cfg *config.Config, out io.Writer) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Email: email, DisplayName: displayName})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var outcome models.Outcome
		if json.Unmarshal(body, &outcome) == nil && outcome.Message != "" {
			return fmt.Errorf("failed to add user (status %d, %s): %s", resp.StatusCode, outcome.Error, outcome.Message)
		}
		return fmt.Errorf("failed to add user (status %d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(out, "\nAccount %s created\n", result.Email)
	fmt.Fprintf(out, "  user id:  %s\n", result.UserID)
	fmt.Fprintf(out, "  password: %s\n\n", result.Password)
	fmt.Fprintln(out, "The password is shown only once. Share it with the user over a secure channel.")
	return nil
}
