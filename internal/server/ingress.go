package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/zjrosen/adw/internal/events"
	"github.com/zjrosen/adw/internal/log"
)

// IngressHandler is the HTTP bridge detached workers post progress to. It
// is the only path by which workers inject events into the connection
// manager; it never mutates workflow records.
type IngressHandler struct {
	manager *Manager
	// silenced suppresses fan-out while still accepting posts, for
	// environments where WebSocket notifications are disabled.
	silenced bool
}

func NewIngressHandler(m *Manager, silenced bool) *IngressHandler {
	return &IngressHandler{manager: m, silenced: silenced}
}

// Register mounts the intake endpoints on mux.
func (h *IngressHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/workflow-updates", h.WorkflowUpdates)
	mux.HandleFunc("POST /api/stage-event", h.StageEvent)
	mux.HandleFunc("POST /api/agent-state-update", h.AgentStateUpdate)
	mux.HandleFunc("POST /api/workflow-phase-transition", h.PhaseTransition)
	mux.HandleFunc("POST /api/agent-output-chunk", h.AgentOutputChunk)
	mux.HandleFunc("POST /api/screenshot-available", h.ScreenshotAvailable)
	mux.HandleFunc("POST /api/spec-created", h.SpecCreated)
}

func (h *IngressHandler) broadcast(ev events.Event, dedup bool) {
	if h.silenced {
		return
	}
	h.manager.Broadcast(ev, dedup)
}

func (h *IngressHandler) broadcastForADW(adwID string, ev events.Event) {
	if h.silenced {
		return
	}
	h.manager.BroadcastForADW(adwID, ev)
}

// WorkflowUpdates accepts {type, data} envelopes for status_update and
// workflow_log and broadcasts them with session dedup.
func (h *IngressHandler) WorkflowUpdates(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	t := events.Type(body.Type)
	if t != events.TypeStatusUpdate && t != events.TypeWorkflowLog {
		writeError(w, http.StatusBadRequest, "validation_error",
			"type must be status_update or workflow_log", "")
		return
	}
	for _, field := range []string{"adw_id", "workflow_name", "timestamp"} {
		if missingField(body.Data, field) {
			writeError(w, http.StatusBadRequest, "validation_error",
				"data."+field+" is required", "")
			return
		}
	}
	if t == events.TypeStatusUpdate && missingField(body.Data, "status") {
		writeError(w, http.StatusBadRequest, "validation_error", "data.status is required", "")
		return
	}
	if t == events.TypeWorkflowLog && missingField(body.Data, "message") {
		writeError(w, http.StatusBadRequest, "validation_error", "data.message is required", "")
		return
	}

	h.broadcast(events.New(t, body.Data), true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// StageEvent accepts stage-lifecycle posts and broadcasts them with a
// derived progress_percent.
func (h *IngressHandler) StageEvent(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	for _, field := range []string{"adw_id", "event_type", "stage_name", "message"} {
		if missingField(body, field) {
			writeError(w, http.StatusBadRequest, "validation_error", field+" is required", "")
			return
		}
	}
	t := events.Type(fmt.Sprint(body["event_type"]))
	if !t.IsStageEvent() {
		writeError(w, http.StatusBadRequest, "validation_error",
			"event_type is not a stage event", "")
		return
	}

	body["progress_percent"] = stageProgress(body)
	adwID, _ := body["adw_id"].(string)
	h.broadcastForADW(adwID, events.New(t, body))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// stageProgress derives completion percent from stage_index/total_stages,
// 0 when total_stages is absent or zero.
func stageProgress(body map[string]any) float64 {
	total := numField(body, "total_stages")
	if total <= 0 {
		return 0
	}
	index := numField(body, "stage_index")
	return (index + 1) / total * 100
}

// AgentStateUpdate relays a pre-typed agent event from a worker.
func (h *IngressHandler) AgentStateUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ADWID     string         `json:"adw_id"`
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
		Timestamp any            `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if body.ADWID == "" || body.EventType == "" || body.Data == nil || body.Timestamp == nil {
		writeError(w, http.StatusBadRequest, "validation_error",
			"adw_id, event_type, data and timestamp are required", "")
		return
	}
	t := events.Type(body.EventType)
	if !events.Known(t) {
		log.Warn(log.CatServer, "dropping agent state update with unknown type", "type", body.EventType)
		writeError(w, http.StatusBadRequest, "validation_error",
			"unknown event_type "+body.EventType, "")
		return
	}

	data := body.Data
	data["adw_id"] = body.ADWID
	data["timestamp"] = body.Timestamp
	h.broadcastForADW(body.ADWID, events.New(t, data))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *IngressHandler) PhaseTransition(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if missingField(body, "adw_id") || missingField(body, "phase_to") {
		writeError(w, http.StatusBadRequest, "validation_error",
			"adw_id and phase_to are required", "")
		return
	}
	adwID, _ := body["adw_id"].(string)
	h.broadcastForADW(adwID, events.New(events.TypeWorkflowPhaseTransition, body))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *IngressHandler) AgentOutputChunk(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, events.TypeAgentOutputChunk, []string{"adw_id", "agent_role", "content"})
}

func (h *IngressHandler) ScreenshotAvailable(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, events.TypeScreenshotAvailable, []string{"adw_id", "screenshot_path"})
}

func (h *IngressHandler) SpecCreated(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, events.TypeSpecCreated, []string{"adw_id", "spec_path"})
}

// relay is the shared shape of the simple intake endpoints: decode,
// require fields, broadcast to the workflow's subscribers.
func (h *IngressHandler) relay(w http.ResponseWriter, r *http.Request, t events.Type, required []string) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	for _, field := range required {
		if missingField(body, field) {
			writeError(w, http.StatusBadRequest, "validation_error", field+" is required", "")
			return
		}
	}
	adwID, _ := body["adw_id"].(string)
	h.broadcastForADW(adwID, events.New(t, body))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func missingField(body map[string]any, field string) bool {
	v, ok := body[field]
	if !ok || v == nil {
		return true
	}
	if s, isStr := v.(string); isStr && s == "" {
		return true
	}
	return false
}

func numField(body map[string]any, field string) float64 {
	if f, ok := body[field].(float64); ok {
		return f
	}
	return 0
}
