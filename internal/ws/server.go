package ws

import (
	"context"
	"log/slog"
	"net/http"

	"secchat/internal/models"

	"github.com/gorilla/websocket"
)

// Authenticator resolves a session token to its owner.
type Authenticator interface {
	Identity(token string) (models.Identity, error)
}

type Server struct {
	ctx      context.Context
	auth     Authenticator
	hub      *Hub
	upgrader *websocket.Upgrader
}

// NewServer serves the bridge. Connections end when ctx is done.
func NewServer(ctx context.Context, auth Authenticator, hub *Hub) *Server {
	return &Server{
		ctx:  ctx,
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the bridge only listens locally
			},
		},
	}
}

func token(r *http.Request) string {
	if t := r.Header.Get("token"); t != "" {
		return t
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	me, err := s.auth.Identity(token(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("error upgrading to websocket", "error", err)
		return
	}

	if err := NewConnection(s.hub, conn, me).Handle(s.ctx); err != nil {
		slog.Debug("bridge connection closed", "user_id", me.UserID, "error", err)
	}
}
