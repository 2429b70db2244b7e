package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xypine/codestrain/internal/arena"
	"github.com/xypine/codestrain/internal/battle"
	"github.com/xypine/codestrain/internal/repository"
	"github.com/xypine/codestrain/internal/tournament"
)

// Error types returned in ErrorResponse.Type.
const (
	ErrTypeValidation = "VALIDATION_ERROR"
	ErrTypeNotFound   = "NOT_FOUND"
	ErrTypeConflict   = "CONFLICT"
	ErrTypeInternal   = "INTERNAL_ERROR"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// writeJSON writes a JSON response with proper headers
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, errType, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Type:      errType,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// writeFailure maps domain errors to HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, ErrTypeNotFound, err.Error())
	case errors.Is(err, battle.ErrCorruptLog):
		s.writeError(w, r, http.StatusConflict, ErrTypeConflict, err.Error())
	case errors.Is(err, tournament.ErrNotEnoughStrains),
		errors.Is(err, tournament.ErrAlreadyStarted),
		errors.Is(err, arena.ErrInvalidArenaSize),
		errors.Is(err, battle.ErrInvalidRoundBudget):
		s.writeError(w, r, http.StatusBadRequest, ErrTypeValidation, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		s.writeError(w, r, http.StatusInternalServerError, ErrTypeInternal, "internal server error")
	}
}
