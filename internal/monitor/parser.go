// Package monitor tails per-workflow agent directories and turns their
// state files, JSONL streams, and artifacts into broadcast events.
package monitor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zjrosen/adw/internal/events"
	"github.com/zjrosen/adw/internal/log"
)

const (
	maxToolResultChars = 2000
	maxStderrChars     = 200
	truncationSuffix   = "… [truncated]"
)

// flatTypes are taxonomy events that agents may emit directly as a
// top-level envelope. Fields are copied across as-is.
var flatTypes = map[events.Type]struct{}{
	events.TypeThinkingBlock: {},
	events.TypeTextBlock:     {},
	events.TypeToolUsePre:    {},
	events.TypeToolUsePost:   {},
	events.TypeFileChanged:   {},
}

// Parser converts one decoded JSONL value into zero or more events. It is
// a pure translation layer; malformed shapes are logged and skipped, never
// fatal.
type Parser struct {
	adwID string
}

func NewParser(adwID string) *Parser {
	return &Parser{adwID: adwID}
}

// Parse dispatches on the value's top-level type tag.
func (p *Parser) Parse(agentRole string, v any) []events.Event {
	obj, ok := v.(map[string]any)
	if !ok {
		log.Warn(log.CatParser, "discarding non-object jsonl value", "adw_id", p.adwID, "agent", agentRole)
		return nil
	}

	typ, _ := obj["type"].(string)
	switch typ {
	case "assistant":
		return p.parseAssistant(agentRole, obj)
	case "user":
		return p.parseUser(agentRole, obj)
	case "system":
		return p.parseSystem(agentRole, obj)
	}
	if _, ok := flatTypes[events.Type(typ)]; ok {
		return []events.Event{p.parseFlat(agentRole, events.Type(typ), obj)}
	}
	log.Debug(log.CatParser, "ignoring unknown jsonl shape", "adw_id", p.adwID, "agent", agentRole, "type", typ)
	return nil
}

// parseFlat copies a top-level envelope across, filling defaults.
func (p *Parser) parseFlat(agentRole string, t events.Type, obj map[string]any) events.Event {
	data := p.baseData(agentRole)
	for k, v := range obj {
		if k == "type" {
			continue
		}
		data[k] = v
	}
	if t == events.TypeToolUsePost {
		if _, ok := data["status"]; !ok {
			data["status"] = "success"
		}
	}
	return events.New(t, data)
}

func (p *Parser) parseAssistant(agentRole string, obj map[string]any) []events.Event {
	msg, ok := obj["message"].(map[string]any)
	if !ok {
		return nil
	}
	sessionID, _ := obj["session_id"].(string)
	model, _ := msg["model"].(string)
	content, _ := msg["content"].([]any)

	var out []events.Event
	for _, raw := range content {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		blockType, _ := block["type"].(string)
		switch blockType {
		case "text":
			text, _ := block["text"].(string)
			if text == "" {
				continue
			}
			data := p.baseData(agentRole)
			data["content"] = text
			data["model"] = model
			data["session_id"] = sessionID
			out = append(out, events.New(events.TypeTextBlock, data))
		case "tool_use":
			data := p.baseData(agentRole)
			data["tool_use_id"], _ = block["id"].(string)
			data["tool_name"], _ = block["name"].(string)
			data["tool_input"] = block["input"]
			data["session_id"] = sessionID
			out = append(out, events.New(events.TypeToolUsePre, data))
		case "thinking":
			thinking, _ := block["thinking"].(string)
			if thinking == "" {
				continue
			}
			data := p.baseData(agentRole)
			data["content"] = thinking
			data["reasoning_type"] = "thinking"
			data["session_id"] = sessionID
			out = append(out, events.New(events.TypeThinkingBlock, data))
		}
	}
	return out
}

func (p *Parser) parseUser(agentRole string, obj map[string]any) []events.Event {
	msg, ok := obj["message"].(map[string]any)
	if !ok {
		return nil
	}
	content, _ := msg["content"].([]any)

	toolName := ""
	if result, ok := obj["tool_use_result"].(map[string]any); ok {
		toolName, _ = result["type"].(string)
	}

	var out []events.Event
	for _, raw := range content {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if blockType, _ := block["type"].(string); blockType != "tool_result" {
			continue
		}

		text := ""
		switch cv := block["content"].(type) {
		case string:
			text = cv
		case nil:
		default:
			encoded, err := json.Marshal(cv)
			if err != nil {
				log.Warn(log.CatParser, "unencodable tool result", "adw_id", p.adwID, "error", err.Error())
				continue
			}
			text = string(encoded)
		}

		data := p.baseData(agentRole)
		data["tool_use_id"], _ = block["tool_use_id"].(string)
		data["content"] = truncate(text, maxToolResultChars)
		data["status"] = "success"
		data["error"] = nil
		data["tool_name"] = toolName
		out = append(out, events.New(events.TypeToolUsePost, data))
	}
	return out
}

func (p *Parser) parseSystem(agentRole string, obj map[string]any) []events.Event {
	subtype, _ := obj["subtype"].(string)
	switch subtype {
	case "init":
		model, _ := obj["model"].(string)
		tools, _ := obj["tools"].([]any)
		msg := fmt.Sprintf("Agent session started (model %s, %d tools)", model, len(tools))
		return []events.Event{p.agentLog(agentRole, "INFO", msg)}
	case "hook_response":
		hookName, _ := obj["hook_name"].(string)
		stderr, _ := obj["stderr"].(string)
		exitCode := 0
		if v, ok := obj["exit_code"].(float64); ok {
			exitCode = int(v)
		}
		level := "INFO"
		if exitCode != 0 || stderr != "" {
			level = "ERROR"
		}
		msg := fmt.Sprintf("Hook %s exited %d", hookName, exitCode)
		if stderr != "" {
			msg += ": " + truncate(stderr, maxStderrChars)
		}
		return []events.Event{p.agentLog(agentRole, level, msg)}
	case "error":
		msg, _ := obj["error"].(string)
		if msg == "" {
			msg, _ = obj["message"].(string)
		}
		return []events.Event{p.agentLog(agentRole, "ERROR", msg)}
	}
	return nil
}

func (p *Parser) agentLog(agentRole, level, message string) events.Event {
	data := p.baseData(agentRole)
	data["level"] = level
	data["message"] = message
	data["source"] = "raw_output.jsonl"
	return events.New(events.TypeAgentLog, data)
}

func (p *Parser) baseData(agentRole string) map[string]any {
	return map[string]any{
		"adw_id":     p.adwID,
		"agent_name": agentRole,
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + truncationSuffix
}

// classifyLogLine maps one execution.log line to a severity by substring.
func classifyLogLine(line string) string {
	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, "ERROR") || strings.Contains(upper, "FAILED"):
		return "ERROR"
	case strings.Contains(upper, "WARNING") || strings.Contains(upper, "WARN"):
		return "WARNING"
	case strings.Contains(upper, "SUCCESS"):
		return "SUCCESS"
	default:
		return "INFO"
	}
}
