package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"secchat/internal/api"
	"secchat/internal/metrics"
	"secchat/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, bridge *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	// Session
	mux.HandleFunc("POST /api/signup", apiHandlers.SignUpHandler)
	mux.HandleFunc("POST /api/login", apiHandlers.LoginHandler)
	mux.HandleFunc("POST /api/logoff", apiHandlers.LogoffHandler)
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("POST /api/me/display-name", apiHandlers.RequireAuth(apiHandlers.UpdateDisplayNameHandler))
	mux.HandleFunc("POST /api/me/profile", apiHandlers.RequireAuth(apiHandlers.UpdateProfileHandler))
	mux.HandleFunc("POST /api/me/privacy", apiHandlers.RequireAuth(apiHandlers.UpdatePrivacyHandler))
	mux.HandleFunc("POST /api/keys", apiHandlers.RequireAuth(apiHandlers.KeysHandler))

	// Search
	mux.HandleFunc("GET /api/users/search", apiHandlers.RequireAuth(apiHandlers.SearchUsersHandler))
	mux.HandleFunc("GET /api/messages/search", apiHandlers.RequireAuth(apiHandlers.SearchMessagesHandler))

	// Chats and groups
	mux.HandleFunc("POST /api/chats/direct", apiHandlers.RequireAuth(apiHandlers.CreateDirectChatHandler))
	mux.HandleFunc("DELETE /api/chats/{id}", apiHandlers.RequireAuth(apiHandlers.DeleteChatHandler))
	mux.HandleFunc("POST /api/chats/{id}/clear", apiHandlers.RequireAuth(apiHandlers.ClearChatHistoryHandler))
	mux.HandleFunc("POST /api/groups", apiHandlers.RequireAuth(apiHandlers.CreateGroupHandler))
	mux.HandleFunc("POST /api/groups/{id}/info", apiHandlers.RequireAuth(apiHandlers.UpdateGroupInfoHandler))
	mux.HandleFunc("POST /api/groups/{id}/members", apiHandlers.RequireAuth(apiHandlers.AddGroupMemberHandler))
	mux.HandleFunc("DELETE /api/groups/{id}/members/{userId}", apiHandlers.RequireAuth(apiHandlers.RemoveGroupMemberHandler))
	mux.HandleFunc("POST /api/groups/{id}/leave", apiHandlers.RequireAuth(apiHandlers.LeaveGroupHandler))
	mux.HandleFunc("POST /api/groups/{id}/admins", apiHandlers.RequireAuth(apiHandlers.MakeAdminHandler))

	// Trust and safety
	mux.HandleFunc("POST /api/users/{id}/block", apiHandlers.RequireAuth(apiHandlers.BlockUserHandler))
	mux.HandleFunc("DELETE /api/users/{id}/block", apiHandlers.RequireAuth(apiHandlers.UnblockUserHandler))
	mux.HandleFunc("POST /api/reports", apiHandlers.RequireAuth(apiHandlers.ReportMessageHandler))

	// UI bridge
	mux.HandleFunc("GET /api/bridge", bridge.HandleConnections)

	if addr == "" {
		addr = "localhost:8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: metrics.Middleware(mux),
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
