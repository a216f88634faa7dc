package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/adw/internal/events"
	"github.com/zjrosen/adw/internal/launcher"
	"github.com/zjrosen/adw/internal/log"
)

// Reply-only frame types for the control channel. They never traverse the
// bus, so they live outside the broadcast taxonomy.
const (
	typeTriggerResponse    = events.Type("trigger_response")
	typeTicketNotification = events.Type("ticket_notification_ack")
)

// writeTimeout bounds every socket write. A peer that stops reading fills
// its TCP buffers, the deadline fires, and the send failure takes the
// normal disconnect path instead of blocking fan-out for everyone else.
var writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local tooling connects from arbitrary origins (UI dev servers, curl).
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to the Conn interface. gorilla allows
// one concurrent writer, so writes serialize on a mutex.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	c.mu.Unlock()
	return c.conn.Close()
}

// TriggerHandler runs the /ws/trigger control channel.
type TriggerHandler struct {
	manager   *Manager
	launcher  *launcher.Launcher
	triggered *atomic.Int64
}

func NewTriggerHandler(m *Manager, l *launcher.Launcher, triggered *atomic.Int64) *TriggerHandler {
	return &TriggerHandler{manager: m, launcher: l, triggered: triggered}
}

// inboundMessage is the {type, data} envelope clients send.
type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ServeHTTP upgrades the connection and runs the read loop until the
// client goes away.
func (h *TriggerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.CatServer, "websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	clientInfo := map[string]any{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.UserAgent(),
	}
	connID := h.manager.Connect(&wsConn{conn: conn}, clientInfo)
	defer h.manager.Disconnect(connID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.manager.Touch(connID)

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.manager.SendError(connID, events.ErrorValidation, "invalid JSON message", nil)
			continue
		}
		h.handle(r.Context(), connID, msg)
	}
}

func (h *TriggerHandler) handle(ctx context.Context, connID string, msg inboundMessage) {
	switch msg.Type {
	case "trigger_workflow":
		h.handleTrigger(ctx, connID, msg.Data)
	case "ping":
		h.handlePing(connID, msg.Data)
	case "register_session":
		h.handleRegisterSession(connID, msg.Data)
	case "subscribe":
		h.handleSubscribe(connID, msg.Data, true)
	case "unsubscribe":
		h.handleSubscribe(connID, msg.Data, false)
	case "ticket_notification":
		h.handleTicket(connID, msg.Data)
	case "workflow_log":
		h.handleWorkflowLog(connID, msg.Data)
	default:
		h.manager.SendError(connID, events.ErrorValidation,
			"unknown message type: "+msg.Type, nil)
	}
}

func (h *TriggerHandler) handleTrigger(ctx context.Context, connID string, data json.RawMessage) {
	if !h.manager.AllowTrigger(connID) {
		h.manager.SendError(connID, events.ErrorRateLimit,
			"trigger rate limit exceeded (30 per 60s)", nil)
		return
	}

	var req launcher.TriggerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.manager.SendError(connID, events.ErrorValidation, "invalid trigger_workflow body", nil)
		return
	}

	resp, err := h.launcher.Launch(ctx, req)
	if err == nil {
		h.triggered.Add(1)
	}
	h.manager.SendTo(connID, events.New(typeTriggerResponse, map[string]any{
		"status":        resp.Status,
		"adw_id":        resp.ADWID,
		"workflow_name": resp.WorkflowName,
		"logs_path":     resp.LogsPath,
		"message":       resp.Message,
	}))
}

func (h *TriggerHandler) handlePing(connID string, data json.RawMessage) {
	var body struct {
		Timestamp any `json:"timestamp"`
	}
	_ = json.Unmarshal(data, &body)
	h.manager.SendTo(connID, events.New(events.TypePong, map[string]any{
		"timestamp":     body.Timestamp,
		"connection_id": connID,
	}))
}

func (h *TriggerHandler) handleRegisterSession(connID string, data json.RawMessage) {
	var body struct {
		SessionID  string         `json:"session_id"`
		ClientInfo map[string]any `json:"client_info"`
		ADWIDs     []string       `json:"subscribed_adw_ids"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.SessionID == "" {
		h.manager.SendError(connID, events.ErrorValidation, "session_id is required", nil)
		return
	}
	h.manager.RegisterSession(connID, body.SessionID, body.ClientInfo)
	for _, id := range body.ADWIDs {
		h.manager.Subscribe(connID, id)
	}
	h.manager.SendTo(connID, events.New(events.TypeSessionRegistered, map[string]any{
		"session_id":    body.SessionID,
		"connection_id": connID,
	}))
}

func (h *TriggerHandler) handleSubscribe(connID string, data json.RawMessage, subscribe bool) {
	var body struct {
		ADWID string `json:"adw_id"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.ADWID == "" {
		h.manager.SendError(connID, events.ErrorValidation, "adw_id is required", nil)
		return
	}
	if subscribe {
		h.manager.Subscribe(connID, body.ADWID)
	} else {
		h.manager.Unsubscribe(connID, body.ADWID)
	}
}

func (h *TriggerHandler) handleTicket(connID string, data json.RawMessage) {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		h.manager.SendError(connID, events.ErrorValidation, "invalid ticket_notification body", nil)
		return
	}
	ticketID, ok := body["id"]
	if !ok {
		ticketID, ok = body["ticket_id"]
	}
	if !ok {
		h.manager.SendError(connID, events.ErrorValidation,
			"ticket_notification requires an id or ticket_id", nil)
		return
	}
	h.manager.SendTo(connID, events.New(typeTicketNotification, map[string]any{
		"ticket_id": ticketID,
		"status":    "received",
	}))
}

func (h *TriggerHandler) handleWorkflowLog(connID string, data json.RawMessage) {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		h.manager.SendError(connID, events.ErrorValidation, "invalid workflow_log body", nil)
		return
	}
	h.manager.Broadcast(events.New(events.TypeWorkflowLog, body), true)
}
