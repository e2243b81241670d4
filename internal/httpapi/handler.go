package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/auth"
	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/counterlock"
	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/models"
	"github.com/OthmaneW37/QFlow-QueueManagementSystem/internal/store"
)

// QueueEngine is the slice of the queue engine the HTTP layer drives.
type QueueEngine interface {
	IssueTicket(ctx context.Context) (models.Ticket, error)
	CallNext(ctx context.Context, counterID string) (*models.CurrentTicket, error)
	ClearCurrent(ctx context.Context) error
	Current(ctx context.Context) (*models.CurrentTicket, error)
	WaitingList(ctx context.Context) ([]models.WaitingTicket, error)
	Position(ctx context.Context, number string) (int, int, error)
	Metrics(ctx context.Context) (models.QueueMetrics, error)
	Abandon(ctx context.Context, number string) error
	ScrollingText(ctx context.Context) (string, error)
	SetScrollingText(ctx context.Context, text string) error
}

// CounterManager is the slice of the counter lock manager the HTTP layer
// drives.
type CounterManager interface {
	Acquire(ctx context.Context, counterID, sessionID string) error
	Release(ctx context.Context, counterID, sessionID string) error
	Status(ctx context.Context) (map[string]models.CounterStatus, error)
}

type Handler struct {
	engine   QueueEngine
	counters CounterManager
	sessions *auth.Service
}

func NewHandler(engine QueueEngine, counters CounterManager, sessions *auth.Service) *Handler {
	return &Handler{engine: engine, counters: counters, sessions: sessions}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleIssueTicket)
	mux.HandleFunc("/api/tickets/", h.handleAbandonTicket)
	mux.HandleFunc("/api/queue", h.handleWaitingList)
	mux.HandleFunc("/api/queue/position", h.handlePosition)
	mux.HandleFunc("/api/queue/metrics", h.handleMetrics)
	mux.HandleFunc("/api/current", h.handleCurrent)
	mux.HandleFunc("/api/staff/call-next", h.requireSession(h.handleCallNext))
	mux.HandleFunc("/api/staff/clear-current", h.requireSession(h.handleClearCurrent))
	mux.HandleFunc("/api/counters", h.requireSession(h.handleCounters))
	mux.HandleFunc("/api/counters/", h.requireSession(h.handleCounterActions))
	mux.HandleFunc("/api/auth/login", h.handleLogin)
	mux.HandleFunc("/api/auth/logout", h.handleLogout)
	mux.HandleFunc("/api/display/scrolling-text", h.handleScrollingText)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ticket, err := h.engine.IssueTicket(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleAbandonTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	number := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	if number == "" || strings.Contains(number, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidTicketNumber(number) {
		writeError(w, http.StatusBadRequest, "invalid_request", "ticket number is malformed")
		return
	}

	if err := h.engine.Abandon(r.Context(), number); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleWaitingList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	waiting, err := h.engine.WaitingList(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if waiting == nil {
		waiting = []models.WaitingTicket{}
	}
	writeJSON(w, http.StatusOK, waiting)
}

type positionResponse struct {
	Number      string `json:"number"`
	Position    *int   `json:"position"`
	WaitMinutes *int   `json:"wait_minutes"`
}

func (h *Handler) handlePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	number := strings.TrimSpace(r.URL.Query().Get("number"))
	if number == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "number is required")
		return
	}
	if !isValidTicketNumber(number) {
		writeError(w, http.StatusBadRequest, "invalid_request", "ticket number is malformed")
		return
	}

	pos, waitMinutes, err := h.engine.Position(r.Context(), number)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	resp := positionResponse{Number: number}
	if pos > 0 {
		resp.Position = &pos
		resp.WaitMinutes = &waitMinutes
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	metrics, err := h.engine.Metrics(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

type currentResponse struct {
	Ticket *models.CurrentTicket `json:"ticket"`
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	current, err := h.engine.Current(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, currentResponse{Ticket: current})
}

type callNextRequest struct {
	CounterID string `json:"counter_id"`
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.CounterID = strings.TrimSpace(req.CounterID)
	if req.CounterID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id is required")
		return
	}

	called, err := h.engine.CallNext(r.Context(), req.CounterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	// An empty queue answers with a null ticket; it is an expected
	// outcome, not a failure.
	writeJSON(w, http.StatusOK, currentResponse{Ticket: called})
}

func (h *Handler) handleClearCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := h.engine.ClearCurrent(r.Context()); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	statuses, err := h.counters.Status(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (h *Handler) handleCounterActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/counters/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	counterID, action := parts[0], parts[1]
	sessionID := bearerToken(r.Header.Get("Authorization"))

	var err error
	switch action {
	case "acquire":
		err = h.counters.Acquire(r.Context(), counterID, sessionID)
	case "release":
		err = h.counters.Release(r.Context(), counterID, sessionID)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loginRequest struct {
	PIN string `json:"pin"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.PIN = strings.TrimSpace(req.PIN)
	if req.PIN == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "pin is required")
		return
	}

	session, err := h.sessions.Login(req.PIN)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidPIN) {
			writeError(w, http.StatusUnauthorized, "invalid_pin", "invalid pin")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		SessionID string `json:"session_id"`
		ExpiresAt string `json:"expires_at"`
	}{
		SessionID: session.ID,
		ExpiresAt: session.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		h.sessions.Logout(token)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleScrollingText(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		text, err := h.engine.ScrollingText(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Text string `json:"text"`
		}{Text: text})
	case http.MethodPut:
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" || h.sessions.Validate(token) != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "valid staff session required")
			return
		}
		var payload struct {
			Text string `json:"text"`
		}
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		if err := h.engine.SetScrollingText(r.Context(), payload.Text); err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing staff session")
			return
		}
		if err := h.sessions.Validate(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired staff session")
			return
		}
		next(w, r)
	}
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// isValidTicketNumber accepts the PREFIX-NNN shape without binding to a
// particular prefix or width.
func isValidTicketNumber(number string) bool {
	idx := strings.IndexByte(number, '-')
	if idx <= 0 || idx == len(number)-1 {
		return false
	}
	for _, r := range number[idx+1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, counterlock.ErrOccupied):
		return http.StatusConflict, "counter_occupied", "counter is already occupied"
	case errors.Is(err, counterlock.ErrUnknownCounter):
		return http.StatusNotFound, "unknown_counter", "unknown counter id"
	case errors.Is(err, store.ErrConflict):
		return http.StatusBadGateway, "allocation_failed", "ticket allocation could not commit"
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable, "store_unavailable", "shared store is unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{Code: code, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
