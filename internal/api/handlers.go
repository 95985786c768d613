package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/goodtune/pagelimit/internal/settings"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// writeEditError maps editor errors to status codes.
func (s *Server) writeEditError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settings.ErrStrictMode):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, settings.ErrGroupNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, settings.ErrInvalidImport):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Settings edit failed")
		writeError(w, http.StatusInternalServerError, "Failed to update settings")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	eval, err := s.evaluator.Evaluate(r.Context(), url)
	if err != nil {
		s.logger.Error().Err(err).Str("url", url).Msg("Evaluate failed")
		writeError(w, http.StatusInternalServerError, "Failed to evaluate URL")
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// settingsResponse is the full settings view, including the local syncing
// flag.
type settingsResponse struct {
	*settings.Settings
	IsSyncingEnabled bool `json:"isSyncingEnabled"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	current, err := s.repo.Load(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load settings")
		writeError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{Settings: current, IsSyncingEnabled: current.IsSyncingEnabled})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.editor.Export(r.Context(), &buf); err != nil {
		s.logger.Error().Err(err).Msg("Export failed")
		writeError(w, http.StatusInternalServerError, "Failed to export settings")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", settings.ExportFilename(time.Now())))
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if err := s.editor.Import(r.Context(), r.Body); err != nil {
		s.writeEditError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetStrict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.editor.SetStrictMode(r.Context(), req.Enabled); err != nil {
		s.writeEditError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetResetTime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DailyResetTime string `json:"dailyResetTime"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if _, _, err := settings.ParseResetTime(req.DailyResetTime); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.editor.SetDailyResetTime(r.Context(), req.DailyResetTime); err != nil {
		s.writeEditError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetSyncing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled   bool `json:"enabled"`
		Carryover bool `json:"carryover"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.editor.SetSyncingEnabled(r.Context(), req.Enabled, req.Carryover); err != nil {
		s.writeEditError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// groupRequest is the body for group create and update.
type groupRequest struct {
	Name             string   `json:"name"`
	TimelimitSeconds int64    `json:"timelimitSeconds"`
	Patterns         []string `json:"patterns"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TimelimitSeconds < 0 {
		writeError(w, http.StatusBadRequest, "timelimitSeconds must not be negative")
		return
	}

	g, err := s.editor.CreateGroup(r.Context(), settings.GroupUpdate{
		Name:             req.Name,
		TimelimitSeconds: req.TimelimitSeconds,
		Patterns:         req.Patterns,
	})
	if err != nil {
		s.writeEditError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TimelimitSeconds < 0 {
		writeError(w, http.StatusBadRequest, "timelimitSeconds must not be negative")
		return
	}
	err := s.editor.UpdateGroup(r.Context(), mux.Vars(r)["id"], settings.GroupUpdate{
		Name:             req.Name,
		TimelimitSeconds: req.TimelimitSeconds,
		Patterns:         req.Patterns,
	})
	if err != nil {
		s.writeEditError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.editor.DeleteGroup(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeEditError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMoveGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int `json:"index"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.editor.MoveGroup(r.Context(), mux.Vars(r)["id"], req.Index); err != nil {
		s.writeEditError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type patternRequest struct {
	Pattern string `json:"pattern"`
}

func (s *Server) handleAddAllowed(w http.ResponseWriter, r *http.Request) {
	var req patternRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern is required")
		return
	}
	if err := s.editor.AddAllowedPattern(r.Context(), req.Pattern); err != nil {
		s.writeEditError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveAllowed(w http.ResponseWriter, r *http.Request) {
	var req patternRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.editor.RemoveAllowedPattern(r.Context(), req.Pattern); err != nil {
		s.writeEditError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
