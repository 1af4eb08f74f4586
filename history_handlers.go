package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/handstand-coach/posture-service/history"
	"go.uber.org/zap"
)

const userHeader = "X-User-ID"

func (s *AppState) addHistoryRoutes(r *mux.Router) {
	r.HandleFunc("/history", s.handleListHistory).Methods("GET")
	r.HandleFunc("/history", s.handleSaveHistory).Methods("POST")
	r.HandleFunc("/history/summary", s.handleHistorySummary).Methods("GET")
	r.HandleFunc("/history/{id}", s.handleDeleteHistory).Methods("DELETE")
}

// userFromRequest reads the caller's identity set by the fronting auth
// proxy. WebSocket clients cannot set headers, so user_id is accepted as a
// query parameter too.
func userFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(userHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := userFromRequest(r)
	if userID == "" {
		sendErrorResponse(w, "unauthorized", "missing "+userHeader, http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (s *AppState) handleListHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", history.DefaultPageSize)
	if err != nil {
		sendErrorResponse(w, "invalid_request", "limit must be an integer", http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		sendErrorResponse(w, "invalid_request", "offset must be an integer", http.StatusBadRequest)
		return
	}

	page, err := s.History.List(r.Context(), userID, limit, offset)
	if err != nil {
		s.Logger.Error("list history", zap.String("user_id", userID), zap.Error(err))
		sendErrorResponse(w, "database_error", "failed to load history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type saveHistoryRequest struct {
	Duration float64 `json:"duration"`
	Date     string  `json:"date,omitempty"`
}

func (s *AppState) handleSaveHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req saveHistoryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Duration <= 0 {
		sendErrorResponse(w, "invalid_duration", "duration must be positive", http.StatusBadRequest)
		return
	}

	date := s.Clock.Now()
	if req.Date != "" {
		parsed, err := time.Parse(time.RFC3339, req.Date)
		if err != nil {
			sendErrorResponse(w, "invalid_request", "date must be RFC 3339", http.StatusBadRequest)
			return
		}
		date = parsed
	}

	duration := time.Duration(req.Duration * float64(time.Second))
	rec, err := s.History.SaveSession(r.Context(), userID, duration, date)
	if err != nil {
		s.Logger.Error("save history", zap.String("user_id", userID), zap.Error(err))
		sendErrorResponse(w, "persistence_error", MsgSaveFailed, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *AppState) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	err := s.History.Delete(r.Context(), userID, id)
	switch {
	case errors.Is(err, history.ErrNotFound):
		sendErrorResponse(w, "not_found", "no such session", http.StatusNotFound)
	case err != nil:
		s.Logger.Error("delete history", zap.String("user_id", userID), zap.Error(err))
		sendErrorResponse(w, "database_error", "failed to delete session", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *AppState) handleHistorySummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	summary, err := s.History.Summary(r.Context(), userID)
	if err != nil {
		s.Logger.Error("summarize history", zap.String("user_id", userID), zap.Error(err))
		sendErrorResponse(w, "database_error", "failed to summarize history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
