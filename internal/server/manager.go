// Package server hosts the trigger and dispatch surface: the in-memory
// connection manager, the /ws/trigger control channel, the HTTP intake
// bridge workers post to, the read API, and the supervisor loop.
package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/adw/internal/events"
	"github.com/zjrosen/adw/internal/log"
)

const (
	triggerWindow = 60 * time.Second
	triggerLimit  = 30
	idleTimeout   = 300 * time.Second
)

// Conn is the transport a client session writes to. The gorilla WebSocket
// connection satisfies it through wsConn; tests plug in fakes.
type Conn interface {
	// Send writes one serialized event frame.
	Send(data []byte) error
	// Close sends a close frame with the given code and reason and tears
	// down the transport.
	Close(code int, reason string) error
}

// session is the in-memory record for one active connection.
type session struct {
	id           string
	conn         Conn
	sessionID    string
	clientInfo   map[string]any
	subs         map[string]struct{}
	connectedAt  time.Time
	lastActivity time.Time
	messageCount int
	triggers     []time.Time
	seq          uint64
}

// Manager is the registry of active client sessions. A single mutex guards
// the registry; it is never held across a socket write.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	nextSeq  uint64
	now      func() time.Time
	idle     time.Duration
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		now:      time.Now,
		idle:     idleTimeout,
	}
}

// SetIdleTimeout overrides the reap threshold. Zero or negative keeps the
// current value.
func (m *Manager) SetIdleTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.idle = d
	m.mu.Unlock()
}

// Connect registers conn, assigns it a connection id, and sends the
// connection_ack frame.
func (m *Manager) Connect(conn Conn, clientInfo map[string]any) string {
	id := uuid.New().String()

	m.mu.Lock()
	m.nextSeq++
	now := m.now()
	m.sessions[id] = &session{
		id:           id,
		conn:         conn,
		clientInfo:   clientInfo,
		subs:         make(map[string]struct{}),
		connectedAt:  now,
		lastActivity: now,
		seq:          m.nextSeq,
	}
	count := len(m.sessions)
	m.mu.Unlock()

	log.Info(log.CatConn, "client connected", "connection_id", id, "active", count)
	m.SendTo(id, events.New(events.TypeConnectionAck, map[string]any{
		"connection_id": id,
	}))
	return id
}

// Disconnect removes the session and closes its transport.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}
	_ = s.conn.Close(1000, "")
	log.Info(log.CatConn, "client disconnected", "connection_id", id, "active", count)
}

// RegisterSession binds a client-supplied session id so multiple tabs of
// one user are deduplicated on fan-out. The id is opaque; only equality
// matters.
func (m *Manager) RegisterSession(id, sessionID string, clientInfo map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.sessionID = sessionID
	if clientInfo != nil {
		s.clientInfo = clientInfo
	}
	return true
}

// Subscribe narrows the session to events for the given workflow. A session
// that never subscribes receives everything.
func (m *Manager) Subscribe(id, adwID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.subs[adwID] = struct{}{}
	return true
}

func (m *Manager) Unsubscribe(id, adwID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	delete(s.subs, adwID)
	return true
}

// Touch refreshes the idle clock, called on every received message.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.lastActivity = m.now()
		s.messageCount++
	}
}

// AllowTrigger applies the sliding-window rate limit. The window keeps the
// timestamps of accepted triggers; the call records the new trigger only
// when it is allowed, so a rejected trigger has no side effect.
func (m *Manager) AllowTrigger(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	now := m.now()
	cutoff := now.Add(-triggerWindow)
	kept := s.triggers[:0]
	for _, t := range s.triggers {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.triggers = kept
	if len(s.triggers) >= triggerLimit {
		return false
	}
	s.triggers = append(s.triggers, now)
	return true
}

// SendTo delivers one event to one connection. A failed send disconnects it.
func (m *Manager) SendTo(id string, ev events.Event) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.lastActivity = m.now()
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	data, err := ev.Marshal()
	if err != nil {
		log.ErrorErr(log.CatConn, "event marshal failed", err, "type", ev.Type)
		return false
	}
	if err := s.conn.Send(data); err != nil {
		log.Warn(log.CatConn, "send failed, disconnecting", "connection_id", id, "error", err)
		m.Disconnect(id)
		return false
	}
	return true
}

// SendError delivers the standard error envelope to one connection.
func (m *Manager) SendError(id string, et events.ErrorType, msg string, details map[string]any) {
	m.SendTo(id, events.NewError(et, msg, details))
}

// Broadcast fans ev out to every connection. With dedupBySession, at most
// one connection per registered client session receives it; connections
// without a session always receive. Returns the delivered count.
func (m *Manager) Broadcast(ev events.Event, dedupBySession bool) int {
	return m.fanOut(ev, dedupBySession, nil)
}

// BroadcastForADW fans ev out to subscribers of adwID plus every
// connection with no subscriptions.
func (m *Manager) BroadcastForADW(adwID string, ev events.Event) int {
	return m.fanOut(ev, false, func(s *session) bool {
		if len(s.subs) == 0 {
			return true
		}
		_, ok := s.subs[adwID]
		return ok
	})
}

// fanOut collects targets under the lock, then writes outside it. Failed
// sends are collected and disconnected after the iteration.
func (m *Manager) fanOut(ev events.Event, dedupBySession bool, include func(*session) bool) int {
	data, err := ev.Marshal()
	if err != nil {
		log.ErrorErr(log.CatConn, "event marshal failed", err, "type", ev.Type)
		return 0
	}

	m.mu.Lock()
	targets := make([]*session, 0, len(m.sessions))
	winners := make(map[string]*session)
	for _, s := range m.sessions {
		if include != nil && !include(s) {
			continue
		}
		if dedupBySession && s.sessionID != "" {
			// Newest registration wins for a shared session id.
			if w, ok := winners[s.sessionID]; !ok || s.seq > w.seq {
				winners[s.sessionID] = s
			}
			continue
		}
		targets = append(targets, s)
	}
	for _, s := range winners {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	var failed []string
	sent := 0
	for _, s := range targets {
		if err := s.conn.Send(data); err != nil {
			failed = append(failed, s.id)
			continue
		}
		sent++
	}
	for _, id := range failed {
		log.Warn(log.CatConn, "send failed during fan-out, disconnecting", "connection_id", id)
		m.Disconnect(id)
	}
	return sent
}

// Heartbeat broadcasts the periodic heartbeat with the connection count.
func (m *Manager) Heartbeat() {
	m.Broadcast(events.New(events.TypeHeartbeat, map[string]any{
		"active_connections": m.Count(),
	}), false)
}

// ReapIdle closes sessions quiet for longer than the idle timeout and
// returns how many were reaped.
func (m *Manager) ReapIdle() int {
	m.mu.Lock()
	cutoff := m.now().Add(-m.idle)
	var stale []string
	for id, s := range m.sessions {
		if s.lastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		log.Info(log.CatConn, "reaping idle connection", "connection_id", id)
		m.closeOne(id, 1000, "idle timeout")
	}
	return len(stale)
}

// CloseAll closes every connection with the given close code and reason.
func (m *Manager) CloseAll(code int, reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.closeOne(id, code, reason)
	}
}

func (m *Manager) closeOne(id string, code int, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		_ = s.conn.Close(code, reason)
	}
}

// Count returns the number of active connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
