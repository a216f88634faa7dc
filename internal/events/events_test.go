package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/adw/internal/log"
)

func init() {
	log.InitWithWriter(noopWriter{})
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestKnown_CoversTaxonomy(t *testing.T) {
	for _, typ := range []Type{
		TypeConnectionAck, TypeHeartbeat, TypeStatusUpdate, TypeWorkflowLog,
		TypeThinkingBlock, TypeToolUsePre, TypeToolUsePost, TypeAgentLog,
		TypeScreenshotAvailable, TypeSpecCreated, TypeAgentUpdated,
	} {
		require.True(t, Known(typ), "expected %s to be known", typ)
	}
	require.False(t, Known(Type("mystery_event")))
}

func TestNew_SetsTimestampAndDefaultsData(t *testing.T) {
	ev := New(TypeHeartbeat, nil)
	require.NotNil(t, ev.Data)
	require.WithinDuration(t, time.Now(), ev.Timestamp, time.Second)
}

func TestEvent_WireShape(t *testing.T) {
	ev := New(TypeStatusUpdate, map[string]any{"adw_id": "abcd1234", "status": "started"})
	raw, err := ev.Marshal()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "status_update", decoded["type"])
	require.NotEmpty(t, decoded["timestamp"])

	data, ok := decoded["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "abcd1234", data["adw_id"])
}

func TestADWID(t *testing.T) {
	require.Equal(t, "abcd1234", New(TypeWorkflowLog, map[string]any{"adw_id": "abcd1234"}).ADWID())
	require.Empty(t, New(TypeHeartbeat, nil).ADWID())
	require.Empty(t, New(TypeWorkflowLog, map[string]any{"adw_id": 7}).ADWID())
}

func TestNewError_Envelope(t *testing.T) {
	ev := NewError(ErrorValidation, "workflow_type is required", map[string]any{"field": "workflow_type"})
	require.Equal(t, TypeError, ev.Type)
	require.Equal(t, "validation_error", ev.Data["error_type"])
	require.Equal(t, "workflow_type is required", ev.Data["message"])
	require.NotNil(t, ev.Data["details"])

	noDetails := NewError(ErrorSystem, "boom", nil)
	_, hasDetails := noDetails.Data["details"]
	require.False(t, hasDetails)
}

func TestBus_DropsUnknownTypes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx)

	bus.Publish(Event{Type: "not_a_real_event", Timestamp: time.Now()})
	bus.Publish(New(TypeHeartbeat, nil))

	select {
	case got := <-sub:
		require.Equal(t, TypeHeartbeat, got.Payload.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case extra := <-sub:
		t.Fatalf("unexpected extra event: %v", extra.Payload.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTypeCategories(t *testing.T) {
	require.True(t, TypePing.IsControl())
	require.False(t, TypeStatusUpdate.IsControl())
	require.True(t, TypeToolUsePost.IsAgentOutput())
	require.True(t, TypeSpecCreated.IsArtifact())
	require.True(t, TypeStageSkipped.IsStageEvent())
	require.False(t, TypeAgentLog.IsStageEvent())
}
