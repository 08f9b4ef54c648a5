package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/eugener/switchyard/internal"
)

// responseFunc converts a complete upstream response body from the
// provider's dialect to the client's.
type responseFunc func(raw []byte) ([]byte, error)

var responseTransformers = map[pairKey]responseFunc{
	{relay.FormatClaude, relay.FormatOpenAI}: claudeToOpenAIResponse,
	{relay.FormatClaude, relay.FormatCodex}:  claudeToCodexResponse,
	{relay.FormatOpenAI, relay.FormatClaude}: openaiToClaudeResponse,
	{relay.FormatOpenAI, relay.FormatCodex}:  openaiToCodexResponse,
	{relay.FormatCodex, relay.FormatClaude}:  codexToClaudeResponse,
	{relay.FormatCodex, relay.FormatOpenAI}:  codexToOpenAIResponse,
}

// TransformResponse converts a non-stream response body from the provider
// dialect to the client dialect. Identity returns raw unchanged. Token
// counts survive every pair.
func TransformResponse(from, to relay.WireFormat, raw []byte) ([]byte, error) {
	if from == to {
		return raw, nil
	}
	fn, ok := responseTransformers[pairKey{from, to}]
	if !ok {
		return nil, fmt.Errorf("no response transformer %s to %s: %w", from, to, relay.ErrBadRequest)
	}
	return fn(raw)
}

// --- Claude -> OpenAI ---

func claudeToOpenAIResponse(raw []byte) ([]byte, error) {
	root := gjson.ParseBytes(raw)

	msg := map[string]any{"role": "assistant", "content": nil}
	var text strings.Builder
	var toolCalls []any
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": argumentsString(block.Get("input")),
				},
			})
		}
		return true
	})
	if text.Len() > 0 {
		msg["content"] = text.String()
	}
	finish := stopToFinish(root.Get("stop_reason").String())
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
		if finish == "" {
			finish = "tool_calls"
		}
	}

	out := map[string]any{
		"id":      root.Get("id").String(),
		"object":  "chat.completion",
		"model":   root.Get("model").String(),
		"choices": []any{map[string]any{"index": 0, "message": msg, "finish_reason": finish}},
		"usage":   openaiUsage(usageFromResult(root.Get("usage"))),
	}
	return json.Marshal(out)
}

// --- Claude -> Codex ---

func claudeToCodexResponse(raw []byte) ([]byte, error) {
	root := gjson.ParseBytes(raw)
	id := root.Get("id").String()

	var output []any
	var text strings.Builder
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			output = append(output, map[string]any{
				"type":      "function_call",
				"id":        block.Get("id").String(),
				"call_id":   block.Get("id").String(),
				"name":      block.Get("name").String(),
				"arguments": argumentsString(block.Get("input")),
				"status":    "completed",
			})
		}
		return true
	})
	if text.Len() > 0 {
		output = append([]any{map[string]any{
			"type":   "message",
			"id":     "msg_" + id,
			"role":   "assistant",
			"status": "completed",
			"content": []any{map[string]any{
				"type":        "output_text",
				"text":        text.String(),
				"annotations": []any{},
			}},
		}}, output...)
	}

	out := map[string]any{
		"id":     id,
		"object": "response",
		"status": "completed",
		"model":  root.Get("model").String(),
		"output": output,
		"usage":  codexUsage(usageFromResult(root.Get("usage"))),
	}
	if root.Get("stop_reason").String() == "max_tokens" {
		out["status"] = "incomplete"
		out["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
	}
	return json.Marshal(out)
}

// --- OpenAI -> Claude ---

func openaiToClaudeResponse(raw []byte) ([]byte, error) {
	root := gjson.ParseBytes(raw)
	msg := root.Get("choices.0.message")

	var blocks []any
	if text := flattenText(msg.Get("content")); text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.Get("id").String(),
			"name":  tc.Get("function.name").String(),
			"input": json.RawMessage(argumentsObject(tc.Get("function.arguments"))),
		})
		return true
	})
	if blocks == nil {
		blocks = []any{}
	}

	out := map[string]any{
		"id":            root.Get("id").String(),
		"type":          "message",
		"role":          "assistant",
		"model":         root.Get("model").String(),
		"content":       blocks,
		"stop_reason":   finishToStop(root.Get("choices.0.finish_reason").String()),
		"stop_sequence": nil,
		"usage":         claudeUsage(usageFromResult(root.Get("usage"))),
	}
	return json.Marshal(out)
}

// --- OpenAI -> Codex ---

func openaiToCodexResponse(raw []byte) ([]byte, error) {
	root := gjson.ParseBytes(raw)
	id := root.Get("id").String()
	msg := root.Get("choices.0.message")

	var output []any
	if text := flattenText(msg.Get("content")); text != "" {
		output = append(output, map[string]any{
			"type":   "message",
			"id":     "msg_" + id,
			"role":   "assistant",
			"status": "completed",
			"content": []any{map[string]any{
				"type":        "output_text",
				"text":        text,
				"annotations": []any{},
			}},
		})
	}
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		output = append(output, map[string]any{
			"type":      "function_call",
			"id":        tc.Get("id").String(),
			"call_id":   tc.Get("id").String(),
			"name":      tc.Get("function.name").String(),
			"arguments": tc.Get("function.arguments").String(),
			"status":    "completed",
		})
		return true
	})

	out := map[string]any{
		"id":     id,
		"object": "response",
		"status": "completed",
		"model":  root.Get("model").String(),
		"output": output,
		"usage":  codexUsage(usageFromResult(root.Get("usage"))),
	}
	if root.Get("choices.0.finish_reason").String() == "length" {
		out["status"] = "incomplete"
		out["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
	}
	return json.Marshal(out)
}

// --- Codex -> Claude ---

func codexToClaudeResponse(raw []byte) ([]byte, error) {
	root := gjson.ParseBytes(raw)
	// Some upstreams wrap the response object.
	if r := root.Get("response"); r.Exists() && r.IsObject() {
		root = r
	}

	var blocks []any
	sawTool := false
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			if text := flattenText(item.Get("content")); text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": text})
			}
		case "function_call":
			sawTool = true
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    callID(item),
				"name":  item.Get("name").String(),
				"input": json.RawMessage(argumentsObject(item.Get("arguments"))),
			})
		}
		return true
	})
	if blocks == nil {
		blocks = []any{}
	}

	stop := "end_turn"
	if sawTool {
		stop = "tool_use"
	}
	if root.Get("incomplete_details.reason").String() == "max_output_tokens" {
		stop = "max_tokens"
	}

	out := map[string]any{
		"id":            root.Get("id").String(),
		"type":          "message",
		"role":          "assistant",
		"model":         root.Get("model").String(),
		"content":       blocks,
		"stop_reason":   stop,
		"stop_sequence": nil,
		"usage":         claudeUsage(usageFromResult(root.Get("usage"))),
	}
	return json.Marshal(out)
}

// --- Codex -> OpenAI ---

func codexToOpenAIResponse(raw []byte) ([]byte, error) {
	root := gjson.ParseBytes(raw)
	if r := root.Get("response"); r.Exists() && r.IsObject() {
		root = r
	}

	msg := map[string]any{"role": "assistant", "content": nil}
	var text strings.Builder
	var toolCalls []any
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			text.WriteString(flattenText(item.Get("content")))
		case "function_call":
			toolCalls = append(toolCalls, map[string]any{
				"id":   callID(item),
				"type": "function",
				"function": map[string]any{
					"name":      item.Get("name").String(),
					"arguments": item.Get("arguments").String(),
				},
			})
		}
		return true
	})
	if text.Len() > 0 {
		msg["content"] = text.String()
	}
	finish := "stop"
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
		finish = "tool_calls"
	}
	if root.Get("incomplete_details.reason").String() == "max_output_tokens" {
		finish = "length"
	}

	out := map[string]any{
		"id":      root.Get("id").String(),
		"object":  "chat.completion",
		"model":   root.Get("model").String(),
		"choices": []any{map[string]any{"index": 0, "message": msg, "finish_reason": finish}},
		"usage":   openaiUsage(usageFromResult(root.Get("usage"))),
	}
	return json.Marshal(out)
}

// --- Usage and stop-reason spellings ---

func claudeUsage(u relay.Usage) map[string]any {
	m := map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
	}
	if u.CacheCreationInputTokens > 0 {
		m["cache_creation_input_tokens"] = u.CacheCreationInputTokens
	}
	if u.CacheReadInputTokens > 0 {
		m["cache_read_input_tokens"] = u.CacheReadInputTokens
	}
	return m
}

func openaiUsage(u relay.Usage) map[string]any {
	m := map[string]any{
		"prompt_tokens":     u.InputTokens,
		"completion_tokens": u.OutputTokens,
		"total_tokens":      u.InputTokens + u.OutputTokens,
	}
	if u.CacheReadInputTokens > 0 {
		m["prompt_tokens_details"] = map[string]any{"cached_tokens": u.CacheReadInputTokens}
	}
	return m
}

func codexUsage(u relay.Usage) map[string]any {
	m := map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"total_tokens":  u.InputTokens + u.OutputTokens,
	}
	if u.CacheReadInputTokens > 0 {
		m["input_tokens_details"] = map[string]any{"cached_tokens": u.CacheReadInputTokens}
	}
	return m
}

// stopToFinish converts Claude stop reasons to OpenAI finish reasons.
func stopToFinish(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// finishToStop converts OpenAI finish reasons to Claude stop reasons.
func finishToStop(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "", "stop", "content_filter":
		return "end_turn"
	default:
		return "end_turn"
	}
}
