package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/adw/internal/events"
	"github.com/zjrosen/adw/internal/store"
	"github.com/zjrosen/adw/internal/testutil"
)

func TestSupervisor_TickReapsAndHeartbeats(t *testing.T) {
	m := NewManager()

	base := time.Now()
	m.now = func() time.Time { return base }
	stale := &fakeConn{}
	m.Connect(stale, nil)
	fresh := &fakeConn{}
	freshID := m.Connect(fresh, nil)

	// Advance past the idle window, then touch only the fresh connection.
	m.now = func() time.Time { return base.Add(idleTimeout + time.Second) }
	m.Touch(freshID)

	s := testutil.NewTestStore(t)
	sv := NewSupervisor(m, s, time.Second, 30*time.Minute)
	sv.tick(context.Background())

	assert.Equal(t, 1, m.Count())
	assert.True(t, stale.closed)

	// The surviving connection got the heartbeat frame.
	evs := fresh.events(t)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeHeartbeat, evs[len(evs)-1].Type)
}

func TestSupervisor_TickRunsStuckDetection(t *testing.T) {
	m := NewManager()
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := s.CreateWorkflow(ctx, &store.WorkflowRecord{ADWID: "abcd1234", Status: store.StatusInProgress})
	require.NoError(t, err)

	sv := NewSupervisor(m, s, time.Second, 30*time.Minute)
	sv.tick(ctx)

	// A freshly updated workflow is never flagged.
	rec, err := s.GetWorkflow(ctx, "abcd1234")
	require.NoError(t, err)
	assert.False(t, rec.IsStuck)
}

func TestSupervisor_DefaultInterval(t *testing.T) {
	sv := NewSupervisor(NewManager(), nil, 0, 0)
	assert.Equal(t, 30*time.Second, sv.interval)
}
