// Package api provides HTTP handlers for TaskPipe endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DataWeave/TaskPipe/internal/conversation"
	"github.com/DataWeave/TaskPipe/internal/models"
)

// turnRequest is the body of POST /turn and POST /reset.
type turnRequest struct {
	UserID    string `json:"user_id"`
	Utterance string `json:"utterance,omitempty"`
}

// turnHandler handles POST /turn: one conversation turn for one user.
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.turnHandler: processing turn request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.turnHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.turnTimeout)
	defer cancel()

	result, err := s.svc.HandleTurn(ctx, req.UserID, req.Utterance)
	if err != nil {
		s.writeTurnError(w, req.UserID, err)
		return
	}

	slog.Info("Server.turnHandler: turn completed", "userID", req.UserID, "action", result.Action)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// writeTurnError maps conversation errors to the response envelope.
func (s *Server) writeTurnError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, models.ErrEmptyUserID), errors.Is(err, conversation.ErrEmptyUtterance):
		slog.Warn("Server.writeTurnError: invalid request", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, conversation.ErrBusy):
		slog.Info("Server.writeTurnError: turn in flight", "userID", userID)
		writeJSONResponse(w, http.StatusConflict, models.Retryable("A turn for this user is already in progress, retry shortly"))
	case errors.Is(err, conversation.ErrExtractionUnavailable):
		slog.Warn("Server.writeTurnError: extraction unavailable", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Retryable("The assistant is temporarily unavailable, retry the same message"))
	default:
		slog.Error("Server.writeTurnError: turn failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process turn"))
	}
}

// resetHandler handles POST /reset: abandon the user's in-progress task.
func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.resetHandler: processing reset request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.resetHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.resetHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	if err := s.svc.ResetConsensus(r.Context(), req.UserID); err != nil {
		s.writeTurnError(w, req.UserID, err)
		return
	}

	slog.Info("Server.resetHandler: consensus reset", "userID", req.UserID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Task abandoned", nil))
}

// consensusHandler handles GET /consensus/{user}: the session summary and
// the addressable item list for the confirmation UI.
func (s *Server) consensusHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.consensusHandler: processing consensus request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.consensusHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID := strings.TrimPrefix(r.URL.Path, "/consensus/")
	if userID == "" || strings.Contains(userID, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown consensus endpoint"))
		return
	}

	sm, err := s.svc.StatusManage(r.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrEmptyUserID) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.consensusHandler: status lookup failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch consensus status"))
		return
	}

	slog.Debug("Server.consensusHandler: status fetched", "userID", userID, "session", sm.DialogStatus)
	writeJSONResponse(w, http.StatusOK, models.Success(sm))
}

// healthHandler provides a health check endpoint for monitoring and load balancing.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}
