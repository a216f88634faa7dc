package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/adw/internal/config"
	"github.com/zjrosen/adw/internal/events"
	"github.com/zjrosen/adw/internal/launcher"
	"github.com/zjrosen/adw/internal/paths"
	"github.com/zjrosen/adw/internal/testutil"
)

type wsFixture struct {
	manager   *Manager
	spawner   *fakeSpawner
	triggered *atomic.Int64
	server    *httptest.Server
}

type fakeSpawner struct {
	calls atomic.Int64
}

func (f *fakeSpawner) spawn(string, []string, string, []string) (int, error) {
	f.calls.Add(1)
	return 4242, nil
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	s := testutil.NewTestStore(t)
	fs := &fakeSpawner{}
	l := launcher.New(s, paths.NewResolver(t.TempDir()), nil,
		config.LauncherConfig{Script: "uv", RepoRoot: t.TempDir()}).WithSpawn(fs.spawn)

	triggered := &atomic.Int64{}
	m := NewManager()
	srv := httptest.NewServer(NewTriggerHandler(m, l, triggered))
	t.Cleanup(srv.Close)
	return &wsFixture{manager: m, spawner: fs, triggered: triggered, server: srv}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev events.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": msgType, "data": data}))
}

func TestWS_ConnectionAckOnAccept(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)

	ack := readEvent(t, conn)
	assert.Equal(t, events.TypeConnectionAck, ack.Type)
	assert.NotEmpty(t, ack.Data["connection_id"])
}

func TestWS_PingPongEchoesTimestamp(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	ack := readEvent(t, conn)

	send(t, conn, "ping", map[string]any{"timestamp": 1756200000.5})
	pong := readEvent(t, conn)
	assert.Equal(t, events.TypePong, pong.Type)
	assert.Equal(t, 1756200000.5, pong.Data["timestamp"])
	assert.Equal(t, ack.Data["connection_id"], pong.Data["connection_id"])
}

func TestWS_RegisterSession(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readEvent(t, conn)

	send(t, conn, "register_session", map[string]any{"session_id": "abc"})
	reply := readEvent(t, conn)
	assert.Equal(t, events.TypeSessionRegistered, reply.Type)
	assert.Equal(t, "abc", reply.Data["session_id"])
}

func TestWS_RegisterSessionRequiresSessionID(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readEvent(t, conn)

	send(t, conn, "register_session", map[string]any{"client_info": map[string]any{"ua": "test"}})
	reply := readEvent(t, conn)
	assert.Equal(t, events.TypeError, reply.Type)
	assert.Equal(t, "validation_error", reply.Data["error_type"])
}

func TestWS_UnknownMessageType(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readEvent(t, conn)

	send(t, conn, "frobnicate", nil)
	reply := readEvent(t, conn)
	assert.Equal(t, events.TypeError, reply.Type)
	assert.Equal(t, "validation_error", reply.Data["error_type"])
}

func TestWS_TriggerWorkflowAccepted(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readEvent(t, conn)

	send(t, conn, "trigger_workflow", map[string]any{
		"workflow_type": "plan",
		"issue_type":    "feature",
	})
	reply := readEvent(t, conn)
	assert.Equal(t, typeTriggerResponse, reply.Type)
	assert.Equal(t, "accepted", reply.Data["status"])
	adwID, _ := reply.Data["adw_id"].(string)
	assert.Len(t, adwID, 8)
	assert.Equal(t, int64(1), f.triggered.Load())
	assert.Equal(t, int64(1), f.spawner.calls.Load())
}

func TestWS_TriggerWorkflowValidationFailure(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readEvent(t, conn)

	send(t, conn, "trigger_workflow", map[string]any{"workflow_type": "build"})
	reply := readEvent(t, conn)
	assert.Equal(t, typeTriggerResponse, reply.Type)
	assert.Equal(t, "error", reply.Data["status"])
	assert.Equal(t, int64(0), f.triggered.Load())
}

func TestWS_TriggerRateLimit(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readEvent(t, conn)

	accepted, limited := 0, 0
	for i := 0; i < triggerLimit+1; i++ {
		send(t, conn, "trigger_workflow", map[string]any{
			"workflow_type": "plan",
			"issue_type":    "feature",
		})
		reply := readEvent(t, conn)
		switch reply.Type {
		case typeTriggerResponse:
			accepted++
		case events.TypeError:
			assert.Equal(t, "rate_limit_error", reply.Data["error_type"])
			limited++
		}
	}
	assert.Equal(t, triggerLimit, accepted)
	assert.Equal(t, 1, limited)
	assert.Equal(t, int64(triggerLimit), f.spawner.calls.Load(),
		"rate-limited trigger must have no side effect")
}

func TestWS_TicketNotification(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readEvent(t, conn)

	send(t, conn, "ticket_notification", map[string]any{"ticket_id": "T-17"})
	reply := readEvent(t, conn)
	assert.Equal(t, typeTicketNotification, reply.Type)
	assert.Equal(t, "T-17", reply.Data["ticket_id"])
	assert.Equal(t, "received", reply.Data["status"])

	send(t, conn, "ticket_notification", map[string]any{"subject": "no id"})
	reply = readEvent(t, conn)
	assert.Equal(t, events.TypeError, reply.Type)
}

func TestWS_WorkflowLogBroadcasts(t *testing.T) {
	f := newWSFixture(t)
	sender := f.dial(t)
	readEvent(t, sender)
	receiver := f.dial(t)
	readEvent(t, receiver)

	send(t, sender, "workflow_log", map[string]any{
		"adw_id":  "abcd1234",
		"message": "proxied log line",
	})

	got := readEvent(t, receiver)
	assert.Equal(t, events.TypeWorkflowLog, got.Type)
	assert.Equal(t, "proxied log line", got.Data["message"])
}

func TestWS_SubscribeNarrowsFanOut(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)
	readEvent(t, conn)

	send(t, conn, "subscribe", map[string]any{"adw_id": "aaaa1111"})

	// The read loop handles messages in order, so a pong proves the
	// subscription is applied.
	send(t, conn, "ping", map[string]any{"timestamp": 1})
	require.Equal(t, events.TypePong, readEvent(t, conn).Type)

	sent := f.manager.BroadcastForADW("bbbb2222",
		events.New(events.TypeAgentUpdated, map[string]any{"adw_id": "bbbb2222"}))
	assert.Equal(t, 0, sent)

	f.manager.BroadcastForADW("aaaa1111",
		events.New(events.TypeAgentUpdated, map[string]any{"adw_id": "aaaa1111"}))
	got := readEvent(t, conn)
	assert.Equal(t, events.TypeAgentUpdated, got.Type)
	assert.Equal(t, "aaaa1111", got.Data["adw_id"])
}

func TestWS_StalledClientIsDroppedWithoutBlockingOthers(t *testing.T) {
	oldTimeout := writeTimeout
	writeTimeout = 200 * time.Millisecond
	t.Cleanup(func() { writeTimeout = oldTimeout })

	f := newWSFixture(t)
	stalled := f.dial(t)
	readEvent(t, stalled) // ack; never read again after this
	healthy := f.dial(t)
	readEvent(t, healthy)

	got := make(chan events.Event, 256)
	go func() {
		defer close(got)
		for {
			_ = healthy.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, data, err := healthy.ReadMessage()
			if err != nil {
				return
			}
			var ev events.Event
			if json.Unmarshal(data, &ev) == nil {
				got <- ev
			}
		}
	}()

	// Enough bulk to overrun the stalled peer's socket buffers.
	filler := strings.Repeat("x", 1<<20)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 64; i++ {
			f.manager.Broadcast(events.New(events.TypeAgentUpdated, map[string]any{"blob": filler}), false)
		}
		f.manager.Broadcast(events.New(events.TypeStatusUpdate, map[string]any{"status": "completed"}), false)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("broadcast loop blocked on a non-reading client")
	}

	// The stalled connection is disconnected, not waited on.
	require.Eventually(t, func() bool { return f.manager.Count() == 1 },
		3*time.Second, 25*time.Millisecond)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-got:
			require.True(t, ok, "healthy client connection dropped")
			if ev.Type == events.TypeStatusUpdate {
				return
			}
		case <-deadline:
			t.Fatal("healthy client never received the final broadcast")
		}
	}
}
