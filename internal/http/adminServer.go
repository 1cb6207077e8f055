package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"secchat/internal/api"
	"secchat/internal/auth"
	"secchat/internal/metrics"
)

// Gauges reports the live state of the UI bridge.
type Gauges interface {
	Connected() int
	Active() int
}

type HealthResponse struct {
	Status        string `json:"status"`
	Connected     int    `json:"connected"`
	Subscriptions int    `json:"subscriptions"`
}

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

// NewAdminServer serves account provisioning, health and metrics. It must
// only listen on a loopback or otherwise private address.
func NewAdminServer(authService *auth.AuthService, gauges Gauges, addr string) *AdminServer {
	adminHandler := api.NewAdminHandler(authService)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", adminHandler.AddUserHandler)
	mux.HandleFunc("GET /health", health(gauges))
	mux.Handle("GET /metrics", metrics.Handler())

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: metrics.Middleware(mux),
		},
	}
}

func health(gauges Gauges) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok"}
		if gauges != nil {
			resp.Connected = gauges.Connected()
			resp.Subscriptions = gauges.Active()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin server listening on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
