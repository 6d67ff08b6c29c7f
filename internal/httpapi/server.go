// Package httpapi exposes the session manager over HTTP: connect,
// status, send-message and disconnect, with the user identified by the
// x-user-id header.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"wabridge/internal/config"
	"wabridge/internal/logging"
	"wabridge/internal/whatsapp"
)

// SessionService is the slice of the session manager the routes need.
type SessionService interface {
	CreateSession(ctx context.Context, userID string, force bool) (whatsapp.Snapshot, error)
	GetSession(ctx context.Context, userID string) (whatsapp.Snapshot, bool)
	CleanupSession(ctx context.Context, userID string, force bool) error
	SendMessage(ctx context.Context, userID, to, message string, pdfData []byte) error
	HasExistingSession(userID string) bool
	PersistedState(userID string) (*whatsapp.SessionState, error)
}

// Server hosts the HTTP API.
type Server struct {
	cfg config.ServerConfig
	svc SessionService
	log *logging.Logger
	srv *http.Server
}

// NewServer builds the server with its routes and middleware.
func NewServer(cfg config.ServerConfig, svc SessionService) *Server {
	s := &Server{
		cfg: cfg,
		svc: svc,
		log: logging.Get(logging.CategoryHTTP),
	}
	s.srv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler. Exposed so tests can drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /whatsapp/connect", s.handleConnect)
	mux.HandleFunc("GET /whatsapp/status", s.handleStatus)
	mux.HandleFunc("POST /whatsapp/send-message", s.handleSendMessage)
	mux.HandleFunc("POST /whatsapp/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /whatsapp/health", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.withRequestLog(s.withCORS(mux))
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// response is the envelope every route answers with.
type response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("encode response: %v", err)
	}
}

func (s *Server) writeSuccess(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, response{Status: "success", Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, response{Status: "error", Error: msg})
}
