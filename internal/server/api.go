package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/zjrosen/adw/internal/launcher"
	"github.com/zjrosen/adw/internal/log"
	"github.com/zjrosen/adw/internal/monitor"
	"github.com/zjrosen/adw/internal/store"
)

// APIHandler serves the read/maintenance API for UI clients.
type APIHandler struct {
	store     *store.Store
	manager   *Manager
	streamer  *monitor.Streamer
	launcher  *launcher.Launcher
	startedAt time.Time
	triggered *atomic.Int64
}

func NewAPIHandler(s *store.Store, m *Manager, str *monitor.Streamer, l *launcher.Launcher, startedAt time.Time, triggered *atomic.Int64) *APIHandler {
	return &APIHandler{
		store:     s,
		manager:   m,
		streamer:  str,
		launcher:  l,
		startedAt: startedAt,
		triggered: triggered,
	}
}

// Register mounts the read API on mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /api/trigger", h.Trigger)

	mux.HandleFunc("POST /api/adws", h.CreateWorkflow)
	mux.HandleFunc("GET /api/adws", h.ListWorkflows)
	mux.HandleFunc("GET /api/adws/{adw_id}", h.GetWorkflow)
	mux.HandleFunc("PATCH /api/adws/{adw_id}", h.UpdateWorkflow)
	mux.HandleFunc("DELETE /api/adws/{adw_id}", h.DeleteWorkflow)
	mux.HandleFunc("POST /api/adws/{adw_id}/activity", h.AppendActivity)
	mux.HandleFunc("GET /api/adws/{adw_id}/activity", h.ListActivity)
	mux.HandleFunc("POST /api/adws/{adw_id}/monitor", h.StartMonitor)
	mux.HandleFunc("DELETE /api/adws/{adw_id}/monitor", h.StopMonitor)

	mux.HandleFunc("POST /api/issues/allocate", h.AllocateIssue)
	mux.HandleFunc("GET /api/issues", h.ListIssues)
	mux.HandleFunc("GET /api/issues/{number}", h.GetIssue)
	mux.HandleFunc("DELETE /api/issues/{number}", h.DeleteIssue)
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Health reports server and store health.
// GET /health
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	check := h.store.Health(r.Context())
	status := "healthy"
	code := http.StatusOK
	if !check.Healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":                    status,
		"active_connections":        h.manager.Count(),
		"total_workflows_triggered": h.triggered.Load(),
		"uptime_seconds":            time.Since(h.startedAt).Seconds(),
		"active_monitors":           h.streamer.Active(),
		"health_check":              check,
	})
}

// Trigger is the HTTP twin of the trigger_workflow control message. It
// carries no per-connection rate limit; callers are trusted local tools.
// POST /api/trigger
func (h *APIHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req launcher.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	resp, err := h.launcher.Launch(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	h.triggered.Add(1)
	writeJSON(w, http.StatusOK, resp)
}

// CreateWorkflow explicitly creates a workflow record.
// POST /api/adws
func (h *APIHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var rec store.WorkflowRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	created, err := h.store.CreateWorkflow(r.Context(), &rec)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListWorkflows returns workflows matching the query filters.
// GET /api/adws?status=&stage=&is_stuck=&include_deleted=
func (h *APIHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.WorkflowFilter{
		Status:         store.Status(q.Get("status")),
		Stage:          store.Stage(q.Get("stage")),
		IncludeDeleted: q.Get("include_deleted") == "true",
	}
	if v := q.Get("is_stuck"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid is_stuck value", "")
			return
		}
		filter.IsStuck = &b
	}
	rows, err := h.store.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"adws": rows, "total": len(rows)})
}

// GetWorkflow returns a single workflow record.
// GET /api/adws/{adw_id}
func (h *APIHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetWorkflow(r.Context(), r.PathValue("adw_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpdateWorkflow applies a partial update. Each changed field also lands
// one activity-log entry.
// PATCH /api/adws/{adw_id}
func (h *APIHandler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var upd store.WorkflowUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	rec, err := h.store.UpdateWorkflow(r.Context(), r.PathValue("adw_id"), upd)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteWorkflow soft-deletes a workflow record.
// DELETE /api/adws/{adw_id}
func (h *APIHandler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteWorkflow(r.Context(), r.PathValue("adw_id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AppendActivity appends one activity-log entry.
// POST /api/adws/{adw_id}/activity
func (h *APIHandler) AppendActivity(w http.ResponseWriter, r *http.Request) {
	var entry store.ActivityEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	created, err := h.store.AppendActivity(r.Context(), r.PathValue("adw_id"), entry)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListActivity returns a page of activity entries, newest first.
// GET /api/adws/{adw_id}/activity?page=&page_size=
func (h *APIHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	page := intQuery(r, "page", 1)
	size := intQuery(r, "page_size", 50)
	rows, total, err := h.store.ListActivity(r.Context(), r.PathValue("adw_id"), page, size)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activity":  rows,
		"total":     total,
		"page":      page,
		"page_size": size,
	})
}

// StartMonitor starts the directory monitor for a workflow.
// POST /api/adws/{adw_id}/monitor
func (h *APIHandler) StartMonitor(w http.ResponseWriter, r *http.Request) {
	adwID := r.PathValue("adw_id")
	if _, err := h.store.GetWorkflow(r.Context(), adwID); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := h.streamer.Start(adwID); err != nil {
		writeError(w, http.StatusConflict, "conflict", err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "adw_id": adwID})
}

// StopMonitor stops the directory monitor for a workflow. Stopping an
// absent monitor succeeds.
// DELETE /api/adws/{adw_id}/monitor
func (h *APIHandler) StopMonitor(w http.ResponseWriter, r *http.Request) {
	h.streamer.Stop(r.PathValue("adw_id"))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// AllocateIssue allocates the next issue number.
// POST /api/issues/allocate
func (h *APIHandler) AllocateIssue(w http.ResponseWriter, r *http.Request) {
	var req store.AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	number, err := h.store.AllocateIssue(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"issue_number": number})
}

// ListIssues returns tracker rows, live only unless include_deleted=true.
// GET /api/issues
func (h *APIHandler) ListIssues(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListIssues(r.Context(), r.URL.Query().Get("include_deleted") == "true")
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": rows, "total": len(rows)})
}

// GetIssue returns one tracker row.
// GET /api/issues/{number}
func (h *APIHandler) GetIssue(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(r.PathValue("number"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid issue number", "")
		return
	}
	issue, err := h.store.GetIssue(r.Context(), n)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

// DeleteIssue soft-deletes a tracker row, or hard-deletes with
// ?permanent=true (the maintenance path).
// DELETE /api/issues/{number}
func (h *APIHandler) DeleteIssue(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(r.PathValue("number"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid issue number", "")
		return
	}
	permanent := r.URL.Query().Get("permanent") == "true"
	if err := h.store.DeleteIssue(r.Context(), n, permanent); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === shared helpers ===

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatServer, "encoding JSON response failed", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// writeStoreError maps store sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), "")
	case errors.Is(err, store.ErrInvalid):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
	default:
		log.ErrorErr(log.CatServer, "request failed", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), "")
	}
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
