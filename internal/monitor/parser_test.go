package monitor

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/adw/internal/events"
	"github.com/zjrosen/adw/internal/log"
)

func init() {
	log.InitWithWriter(io.Discard)
}

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestParser_FlatEnvelope_CopiesFields(t *testing.T) {
	p := NewParser("abcd1234")

	out := p.Parse("planner", decode(t, `{"type":"text_block","content":"hello","session_id":"s1"}`))
	require.Len(t, out, 1)
	require.Equal(t, events.TypeTextBlock, out[0].Type)
	require.Equal(t, "abcd1234", out[0].Data["adw_id"])
	require.Equal(t, "planner", out[0].Data["agent_name"])
	require.Equal(t, "hello", out[0].Data["content"])
	require.Equal(t, "s1", out[0].Data["session_id"])
	require.NotContains(t, out[0].Data, "type")
}

func TestParser_FlatToolUsePost_DefaultsStatus(t *testing.T) {
	p := NewParser("abcd1234")

	out := p.Parse("builder", decode(t, `{"type":"tool_use_post","tool_use_id":"t1"}`))
	require.Len(t, out, 1)
	require.Equal(t, events.TypeToolUsePost, out[0].Type)
	require.Equal(t, "success", out[0].Data["status"])

	out = p.Parse("builder", decode(t, `{"type":"tool_use_post","tool_use_id":"t1","status":"error"}`))
	require.Len(t, out, 1)
	require.Equal(t, "error", out[0].Data["status"])
}

func TestParser_AssistantMessage_AllBlockKinds(t *testing.T) {
	p := NewParser("abcd1234")

	out := p.Parse("planner", decode(t, `{
		"type": "assistant",
		"session_id": "s1",
		"message": {
			"model": "sonnet",
			"content": [
				{"type": "thinking", "thinking": "let me see"},
				{"type": "text", "text": "plan ready"},
				{"type": "tool_use", "id": "tu1", "name": "Bash", "input": {"command": "ls"}}
			]
		}
	}`))
	require.Len(t, out, 3)

	require.Equal(t, events.TypeThinkingBlock, out[0].Type)
	require.Equal(t, "let me see", out[0].Data["content"])
	require.Equal(t, "thinking", out[0].Data["reasoning_type"])

	require.Equal(t, events.TypeTextBlock, out[1].Type)
	require.Equal(t, "plan ready", out[1].Data["content"])
	require.Equal(t, "sonnet", out[1].Data["model"])
	require.Equal(t, "s1", out[1].Data["session_id"])

	require.Equal(t, events.TypeToolUsePre, out[2].Type)
	require.Equal(t, "tu1", out[2].Data["tool_use_id"])
	require.Equal(t, "Bash", out[2].Data["tool_name"])
	require.Equal(t, map[string]any{"command": "ls"}, out[2].Data["tool_input"])
}

func TestParser_AssistantMessage_SkipsEmptyAndUnknownBlocks(t *testing.T) {
	p := NewParser("abcd1234")

	out := p.Parse("planner", decode(t, `{
		"type": "assistant",
		"message": {"content": [{"type": "text", "text": ""}, {"type": "mystery"}]}
	}`))
	require.Empty(t, out)
}

func TestParser_UserToolResult_String(t *testing.T) {
	p := NewParser("abcd1234")

	out := p.Parse("builder", decode(t, `{
		"type": "user",
		"tool_use_result": {"type": "Bash"},
		"message": {"content": [{"type": "tool_result", "tool_use_id": "tu1", "content": "done"}]}
	}`))
	require.Len(t, out, 1)
	require.Equal(t, events.TypeToolUsePost, out[0].Type)
	require.Equal(t, "tu1", out[0].Data["tool_use_id"])
	require.Equal(t, "done", out[0].Data["content"])
	require.Equal(t, "success", out[0].Data["status"])
	require.Nil(t, out[0].Data["error"])
	require.Equal(t, "Bash", out[0].Data["tool_name"])
}

func TestParser_UserToolResult_ListContentIsEncoded(t *testing.T) {
	p := NewParser("abcd1234")

	out := p.Parse("builder", decode(t, `{
		"type": "user",
		"message": {"content": [{"type": "tool_result", "tool_use_id": "tu1",
			"content": [{"type": "text", "text": "chunk"}]}]}
	}`))
	require.Len(t, out, 1)
	content, ok := out[0].Data["content"].(string)
	require.True(t, ok)
	require.Contains(t, content, `"chunk"`)
	require.Equal(t, "", out[0].Data["tool_name"])
}

func TestParser_UserToolResult_TruncatesLongContent(t *testing.T) {
	p := NewParser("abcd1234")

	long := strings.Repeat("x", maxToolResultChars+500)
	raw := map[string]any{
		"type": "user",
		"message": map[string]any{
			"content": []any{map[string]any{
				"type": "tool_result", "tool_use_id": "tu1", "content": long,
			}},
		},
	}
	out := p.Parse("builder", raw)
	require.Len(t, out, 1)
	content := out[0].Data["content"].(string)
	require.True(t, strings.HasSuffix(content, truncationSuffix))
	require.Len(t, []rune(content), maxToolResultChars+len([]rune(truncationSuffix)))
}

func TestParser_SystemInit(t *testing.T) {
	p := NewParser("abcd1234")

	out := p.Parse("planner", decode(t, `{
		"type": "system", "subtype": "init", "model": "sonnet",
		"tools": ["Bash", "Read", "Edit"]
	}`))
	require.Len(t, out, 1)
	require.Equal(t, events.TypeAgentLog, out[0].Type)
	require.Equal(t, "INFO", out[0].Data["level"])
	message := out[0].Data["message"].(string)
	require.Contains(t, message, "sonnet")
	require.Contains(t, message, "3 tools")
}

func TestParser_SystemHookResponse(t *testing.T) {
	p := NewParser("abcd1234")

	out := p.Parse("planner", decode(t, `{
		"type": "system", "subtype": "hook_response",
		"hook_name": "pre-commit", "exit_code": 0, "stderr": ""
	}`))
	require.Len(t, out, 1)
	require.Equal(t, "INFO", out[0].Data["level"])

	out = p.Parse("planner", decode(t, `{
		"type": "system", "subtype": "hook_response",
		"hook_name": "pre-commit", "exit_code": 1, "stderr": "lint failed"
	}`))
	require.Len(t, out, 1)
	require.Equal(t, "ERROR", out[0].Data["level"])
	message := out[0].Data["message"].(string)
	require.Contains(t, message, "pre-commit")
	require.Contains(t, message, "lint failed")

	// Non-empty stderr alone is an error even with exit code zero.
	out = p.Parse("planner", decode(t, `{
		"type": "system", "subtype": "hook_response",
		"hook_name": "pre-commit", "exit_code": 0, "stderr": "grumble"
	}`))
	require.Len(t, out, 1)
	require.Equal(t, "ERROR", out[0].Data["level"])
}

func TestParser_SystemHookResponse_TruncatesStderr(t *testing.T) {
	p := NewParser("abcd1234")

	raw := map[string]any{
		"type": "system", "subtype": "hook_response",
		"hook_name": "noisy", "exit_code": float64(2),
		"stderr": strings.Repeat("e", maxStderrChars+100),
	}
	out := p.Parse("planner", raw)
	require.Len(t, out, 1)
	require.Contains(t, out[0].Data["message"].(string), truncationSuffix)
}

func TestParser_SystemError(t *testing.T) {
	p := NewParser("abcd1234")

	out := p.Parse("planner", decode(t, `{"type": "system", "subtype": "error", "error": "boom"}`))
	require.Len(t, out, 1)
	require.Equal(t, events.TypeAgentLog, out[0].Type)
	require.Equal(t, "ERROR", out[0].Data["level"])
	require.Equal(t, "boom", out[0].Data["message"])
}

func TestParser_NonObjectInputDiscarded(t *testing.T) {
	p := NewParser("abcd1234")

	require.Empty(t, p.Parse("planner", "just a string"))
	require.Empty(t, p.Parse("planner", 42.0))
	require.Empty(t, p.Parse("planner", []any{"a"}))
	require.Empty(t, p.Parse("planner", nil))
}

func TestParser_UnknownTypeIgnored(t *testing.T) {
	p := NewParser("abcd1234")

	require.Empty(t, p.Parse("planner", decode(t, `{"type": "telemetry", "x": 1}`)))
	require.Empty(t, p.Parse("planner", decode(t, `{"no_type": true}`)))
}

func TestClassifyLogLine(t *testing.T) {
	cases := map[string]string{
		"ERROR: exploded":           "ERROR",
		"step FAILED miserably":     "ERROR",
		"WARNING: low disk":         "WARNING",
		"warn: retrying":            "WARNING",
		"build SUCCESS":             "SUCCESS",
		"starting plan stage":       "INFO",
		"Successfully did nothing":  "SUCCESS",
		"error while doing a thing": "ERROR",
	}
	for line, want := range cases {
		require.Equal(t, want, classifyLogLine(line), "line %q", line)
	}
}

func TestSpecType(t *testing.T) {
	require.Equal(t, "patch", specType("abcd1234_patch_login.md"))
	require.Equal(t, "review", specType("abcd1234-REVIEW.md"))
	require.Equal(t, "plan", specType("abcd1234_feature.md"))
}

// Property: any value built from JSON primitives parses without panicking,
// and every produced event has a known type carrying this workflow's id.
func TestParser_NeverPanics(t *testing.T) {
	p := NewParser("abcd1234")

	leaf := rapid.OneOf(
		rapid.Map(rapid.String(), func(s string) any { return s }),
		rapid.Map(rapid.Float64(), func(f float64) any { return f }),
		rapid.Map(rapid.Bool(), func(b bool) any { return b }),
		rapid.Just[any](nil),
	)
	types := rapid.SampledFrom([]string{
		"assistant", "user", "system", "text_block", "tool_use_pre",
		"tool_use_post", "thinking_block", "file_changed", "garbage", "",
	})

	rapid.Check(t, func(t *rapid.T) {
		obj := map[string]any{"type": types.Draw(t, "type")}
		keys := rapid.SliceOfN(rapid.SampledFrom([]string{
			"message", "content", "subtype", "session_id", "tool_use_result",
			"stderr", "exit_code", "hook_name", "model", "tools", "status",
		}), 0, 6).Draw(t, "keys")
		for _, k := range keys {
			if rapid.Bool().Draw(t, "nest") {
				obj[k] = map[string]any{"content": leaf.Draw(t, "nested")}
			} else {
				obj[k] = leaf.Draw(t, "leaf")
			}
		}

		for _, e := range p.Parse("agent", obj) {
			require.True(t, events.Known(e.Type), "unknown type %s emitted", e.Type)
			require.Equal(t, "abcd1234", e.Data["adw_id"])
		}
	})
}
