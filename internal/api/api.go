// Package api provides the HTTP surface of TaskPipe.
//
// It exposes RESTful endpoints for conversation turns, consensus inspection,
// and task reset, wired to the conversation service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/DataWeave/TaskPipe/internal/conversation"
	"github.com/DataWeave/TaskPipe/internal/models"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// DefaultTurnTimeout bounds one turn end to end, including dispatch.
const DefaultTurnTimeout = 10 * time.Minute

// Opts holds configuration options for the API server.
type Opts struct {
	Addr        string
	TurnTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTurnTimeout overrides the per-turn request timeout.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.TurnTimeout = d
	}
}

// ConversationService is the conversation surface the server exposes over HTTP.
type ConversationService interface {
	HandleTurn(ctx context.Context, userID, utterance string) (conversation.TurnResult, error)
	ResetConsensus(ctx context.Context, userID string) error
	StatusManage(ctx context.Context, userID string) (models.ConsensusStatusManage, error)
}

// Server hosts the TaskPipe HTTP endpoints.
type Server struct {
	svc         ConversationService
	addr        string
	turnTimeout time.Duration
	httpServer  *http.Server
}

// NewServer creates a server around a conversation service.
func NewServer(svc ConversationService, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	return &Server{svc: svc, addr: cfg.Addr, turnTimeout: cfg.TurnTimeout}
}

// Routes returns the server's handler tree; exposed for tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/turn", s.turnHandler)
	mux.HandleFunc("/reset", s.resetHandler)
	mux.HandleFunc("/consensus/", s.consensusHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown API server: %w", err)
		}
		slog.Info("Server.Run: API server stopped")
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	}
}

// fallbackErrorResponse is marshaled once at startup so the error path never
// depends on runtime JSON encoding succeeding.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse marshals before touching headers so an encoding failure
// can still be reported as a 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}
