package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/comigor/friday-analytics/internal/logger"
	"github.com/comigor/friday-analytics/internal/store"
)

const (
	maxReportLimit      = 1000
	defaultSessionLimit = 50
)

// Handler serves the /api routes.
type Handler struct {
	store  Store
	proc   Processor
	limits Limits
}

// RegisterRoutes mounts the ingestion and analytics routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.handleSaveMessage)
	r.Route("/users/{userID}/sessions", func(r chi.Router) {
		r.Get("/", h.handleListSessions)
		r.Post("/", h.handleStartSession)
		r.Post("/{sessionID}/end", h.handleEndSession)
		r.Delete("/{sessionID}", h.handleDeleteSession)
	})
	r.Route("/analytics", func(r chi.Router) {
		r.Post("/run", h.handleRun)
		r.Post("/sessions/{sessionID}", h.handleProcessSession)
		r.Get("/overview", h.handleOverview)
		r.Get("/stats", h.handleStats)
		r.Post("/backfill", h.handleBackfill)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSaveMessage stores one conversational turn; the capture trigger queues it.
func (h *Handler) handleSaveMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID    int64           `json:"user_id"`
		SessionID string          `json:"session_id"`
		Role      string          `json:"role"`
		Content   string          `json:"content"`
		Timestamp *time.Time      `json:"timestamp"`
		Metadata  json.RawMessage `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	msg := store.Message{
		UserID:    payload.UserID,
		SessionID: payload.SessionID,
		Role:      store.Role(strings.ToLower(payload.Role)),
		Content:   payload.Content,
	}
	if payload.Timestamp != nil {
		msg.CreatedAt = payload.Timestamp.UTC()
	}
	if len(payload.Metadata) > 0 && string(payload.Metadata) != "null" {
		msg.Metadata = string(payload.Metadata)
	}

	id, err := h.store.SaveMessage(r.Context(), msg)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRole) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.L.Error("failed to save message", "session_id", msg.SessionID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r, "limit", defaultSessionLimit)
	if !ok {
		return
	}
	sessions, err := h.store.ListSessions(r.Context(), uid, limit)
	if err != nil {
		logger.L.Error("failed to list sessions", "user_id", uid, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	var payload struct {
		SessionID string          `json:"session_id"`
		RoomName  string          `json:"room_name"`
		Metadata  json.RawMessage `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	sess := store.Session{UserID: uid, SessionID: payload.SessionID, RoomName: payload.RoomName}
	if len(payload.Metadata) > 0 && string(payload.Metadata) != "null" {
		sess.Metadata = string(payload.Metadata)
	}
	if err := h.store.StartSession(r.Context(), sess); err != nil {
		logger.L.Error("failed to start session", "session_id", sess.SessionID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"session_id": sess.SessionID, "status": "active"})
}

func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.store.EndSession(r.Context(), uid, sessionID); err != nil {
		logger.L.Error("failed to end session", "session_id", sessionID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "ended"})
}

// handleDeleteSession drops a session's messages. Their queue entries are retired as
// orphans by the next run.
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	n, err := h.store.DeleteSession(r.Context(), uid, sessionID)
	if err != nil {
		logger.L.Error("failed to delete session", "session_id", sessionID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"deleted_messages": n})
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	res := h.proc.RunOnce(r.Context())
	status := http.StatusOK
	if res.Busy {
		status = http.StatusConflict
	}
	respondJSON(w, status, res)
}

func (h *Handler) handleProcessSession(w http.ResponseWriter, r *http.Request) {
	res := h.proc.ProcessSession(r.Context(), chi.URLParam(r, "sessionID"))
	status := http.StatusOK
	if res.NotFound {
		status = http.StatusNotFound
	}
	respondJSON(w, status, res)
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	latest, ok := queryLimit(w, r, "limit", h.limits.Overview)
	if !ok {
		return
	}
	keywords, ok := queryLimit(w, r, "keywords", h.limits.Keywords)
	if !ok {
		return
	}

	ov, err := h.store.Overview(r.Context(), latest, keywords)
	if err != nil {
		logger.L.Error("failed to build analytics overview", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to build overview")
		return
	}
	respondJSON(w, http.StatusOK, ov)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		logger.L.Error("failed to read pipeline stats", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (h *Handler) handleBackfill(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.Backfill(r.Context())
	if err != nil {
		logger.L.Error("failed to backfill queue", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to backfill queue")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"enqueued": n})
}

// queryLimit reads a positive integer query parameter, writing a 400 when it is malformed.
func queryLimit(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxReportLimit {
		respondError(w, http.StatusBadRequest, name+" must be an integer between 1 and 1000")
		return 0, false
	}
	return n, true
}
