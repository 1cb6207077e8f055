package api

import (
	"net/http"
	"strings"

	"secchat/internal/auth"
)

type AdminHandler struct {
	authService *auth.AuthService
}

func NewAdminHandler(authService *auth.AuthService) *AdminHandler {
	return &AdminHandler{authService: authService}
}

type AddUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// AddUserHandler provisions an account. The generated password is only
// returned here.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Email == "" {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{Message: "Email is required"})
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Email
		if at := strings.IndexByte(displayName, '@'); at > 0 {
			displayName = displayName[:at]
		}
	}

	user, password, err := h.authService.AddUser(r.Context(), req.Email, displayName)
	if err != nil {
		err = policy(err)
		writeJSON(w, statusOf(err), AddUserResponse{Message: "Failed to create user: " + err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:  true,
		UserID:   user.ID,
		Email:    user.Email,
		Password: password,
	})
}
