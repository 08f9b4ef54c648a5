package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/eugener/switchyard/internal"
)

// requestFunc converts a parsed request body to the target dialect with the
// target model applied.
type requestFunc func(root gjson.Result, model string) ([]byte, error)

type pairKey struct {
	from, to relay.WireFormat
}

var requestTransformers = map[pairKey]requestFunc{
	{relay.FormatClaude, relay.FormatOpenAI}: claudeToOpenAIRequest,
	{relay.FormatClaude, relay.FormatCodex}:  claudeToCodexRequest,
	{relay.FormatOpenAI, relay.FormatClaude}: openaiToClaudeRequest,
	{relay.FormatOpenAI, relay.FormatCodex}:  openaiToCodexRequest,
	{relay.FormatCodex, relay.FormatClaude}:  codexToClaudeRequest,
	{relay.FormatCodex, relay.FormatOpenAI}:  codexToOpenAIRequest,
}

// TransformRequest converts a request body to the provider's dialect. The
// identity pair applies the model and leaves everything else untouched.
func TransformRequest(b Body, to relay.WireFormat, model string) ([]byte, error) {
	if b.Format == to {
		return b.WithModel(model).Raw, nil
	}
	if !b.Valid {
		return nil, fmt.Errorf("transform %s to %s: %s: %w", b.Format, to, b.Note, relay.ErrBadRequest)
	}
	fn, ok := requestTransformers[pairKey{b.Format, to}]
	if !ok {
		return nil, fmt.Errorf("no request transformer %s to %s: %w", b.Format, to, relay.ErrBadRequest)
	}
	return fn(gjson.ParseBytes(b.Raw), model)
}

// CanTransform reports whether a (from, to) transformer pair exists.
func CanTransform(from, to relay.WireFormat) bool {
	if from == to {
		return true
	}
	_, ok := requestTransformers[pairKey{from, to}]
	return ok
}

// --- Claude Messages -> OpenAI chat completions ---

func claudeToOpenAIRequest(root gjson.Result, model string) ([]byte, error) {
	out := map[string]any{"model": model}

	var msgs []any
	if sys := flattenText(root.Get("system")); sys != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": sys})
	}
	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		content := m.Get("content")
		if content.Type == gjson.String {
			msgs = append(msgs, map[string]any{"role": role, "content": content.String()})
			return true
		}

		var text strings.Builder
		var toolCalls []any
		content.ForEach(func(_, block gjson.Result) bool {
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
			case "tool_result":
				// Tool results become their own tool-role message.
				msgs = append(msgs, map[string]any{
					"role":         "tool",
					"tool_call_id": block.Get("tool_use_id").String(),
					"content":      flattenText(block.Get("content")),
				})
			}
			return true
		})

		msg := map[string]any{"role": role}
		if text.Len() > 0 {
			msg["content"] = text.String()
		}
		if len(toolCalls) > 0 {
			msg["tool_calls"] = toolCalls
		}
		if text.Len() > 0 || len(toolCalls) > 0 {
			msgs = append(msgs, msg)
		}
		return true
	})
	out["messages"] = msgs

	if tools := claudeToOpenAITools(root.Get("tools")); tools != nil {
		out["tools"] = tools
	}
	copyFields(root, out, "max_tokens", "temperature", "top_p", "stream")
	if stop := root.Get("stop_sequences"); stop.Exists() {
		out["stop"] = json.RawMessage(stop.Raw)
	}
	return json.Marshal(out)
}

// --- Claude Messages -> Codex Responses ---

func claudeToCodexRequest(root gjson.Result, model string) ([]byte, error) {
	out := map[string]any{"model": model, "store": false}
	if sys := flattenText(root.Get("system")); sys != "" {
		out["instructions"] = sys
	}

	var input []any
	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		content := m.Get("content")
		if content.Type == gjson.String {
			input = append(input, codexMessage(role, content.String()))
			return true
		}

		var text strings.Builder
		flush := func() {
			if text.Len() > 0 {
				input = append(input, codexMessage(role, text.String()))
				text.Reset()
			}
		}
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				text.WriteString(block.Get("text").String())
			case "tool_use":
				flush()
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   block.Get("id").String(),
					"name":      block.Get("name").String(),
					"arguments": argumentsString(block.Get("input")),
				})
			case "tool_result":
				flush()
				input = append(input, map[string]any{
					"type":    "function_call_output",
					"call_id": block.Get("tool_use_id").String(),
					"output":  flattenText(block.Get("content")),
				})
			}
			return true
		})
		flush()
		return true
	})
	out["input"] = input

	if tools := claudeToCodexTools(root.Get("tools")); tools != nil {
		out["tools"] = tools
	}
	copyFields(root, out, "stream")
	return json.Marshal(out)
}

// --- OpenAI chat completions -> Claude Messages ---

func openaiToClaudeRequest(root gjson.Result, model string) ([]byte, error) {
	out := map[string]any{"model": model, "max_tokens": 4096} // Claude requires max_tokens
	if v := root.Get("max_tokens"); v.Exists() {
		out["max_tokens"] = v.Int()
	} else if v := root.Get("max_completion_tokens"); v.Exists() {
		out["max_tokens"] = v.Int()
	}

	var system strings.Builder
	var msgs []any
	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		switch role {
		case "system", "developer":
			system.WriteString(flattenText(m.Get("content")))
		case "tool":
			msgs = append(msgs, map[string]any{
				"role": "user",
				"content": []any{map[string]any{
					"type":        "tool_result",
					"tool_use_id": m.Get("tool_call_id").String(),
					"content":     flattenText(m.Get("content")),
				}},
			})
		case "user", "assistant":
			var blocks []any
			if text := flattenText(m.Get("content")); text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": text})
			}
			m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.Get("id").String(),
					"name":  tc.Get("function.name").String(),
					"input": json.RawMessage(argumentsObject(tc.Get("function.arguments"))),
				})
				return true
			})
			if len(blocks) > 0 {
				msgs = append(msgs, map[string]any{"role": role, "content": blocks})
			}
		}
		return true
	})
	if system.Len() > 0 {
		out["system"] = system.String()
	}
	out["messages"] = msgs

	if tools := openaiToClaudeTools(root.Get("tools")); tools != nil {
		out["tools"] = tools
	}
	copyFields(root, out, "temperature", "top_p", "stream")
	if stop := root.Get("stop"); stop.Exists() {
		if stop.Type == gjson.String {
			out["stop_sequences"] = []any{stop.String()}
		} else {
			out["stop_sequences"] = json.RawMessage(stop.Raw)
		}
	}
	return json.Marshal(out)
}

// --- OpenAI chat completions -> Codex Responses ---

func openaiToCodexRequest(root gjson.Result, model string) ([]byte, error) {
	out := map[string]any{"model": model, "store": false}

	var system strings.Builder
	var input []any
	root.Get("messages").ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		switch role {
		case "system", "developer":
			system.WriteString(flattenText(m.Get("content")))
		case "tool":
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": m.Get("tool_call_id").String(),
				"output":  flattenText(m.Get("content")),
			})
		case "user", "assistant":
			if text := flattenText(m.Get("content")); text != "" {
				input = append(input, codexMessage(role, text))
			}
			m.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   tc.Get("id").String(),
					"name":      tc.Get("function.name").String(),
					"arguments": tc.Get("function.arguments").String(),
				})
				return true
			})
		}
		return true
	})
	if system.Len() > 0 {
		out["instructions"] = system.String()
	}
	out["input"] = input

	if tools := openaiToCodexTools(root.Get("tools")); tools != nil {
		out["tools"] = tools
	}
	copyFields(root, out, "stream")
	return json.Marshal(out)
}

// --- Codex Responses -> Claude Messages ---

func codexToClaudeRequest(root gjson.Result, model string) ([]byte, error) {
	out := map[string]any{"model": model, "max_tokens": 4096}
	if v := root.Get("max_output_tokens"); v.Exists() {
		out["max_tokens"] = v.Int()
	}
	if instr := root.Get("instructions").String(); instr != "" {
		out["system"] = instr
	}

	var msgs []any
	input := root.Get("input")
	if input.Type == gjson.String {
		msgs = append(msgs, map[string]any{"role": "user", "content": input.String()})
	} else {
		input.ForEach(func(_, item gjson.Result) bool {
			switch item.Get("type").String() {
			case "", "message":
				role := item.Get("role").String()
				if role == "system" || role == "developer" {
					if s := flattenText(item.Get("content")); s != "" {
						out["system"] = s
					}
					return true
				}
				if text := flattenText(item.Get("content")); text != "" {
					msgs = append(msgs, map[string]any{"role": role, "content": text})
				}
			case "function_call":
				// A function_call following an assistant message is the
				// same model turn; fold it in so the conversation keeps
				// its shape.
				block := map[string]any{
					"type":  "tool_use",
					"id":    callID(item),
					"name":  item.Get("name").String(),
					"input": json.RawMessage(argumentsObject(item.Get("arguments"))),
				}
				if last, ok := lastMsg(msgs, "assistant"); ok {
					last["content"] = appendContent(last["content"], block)
				} else {
					msgs = append(msgs, map[string]any{"role": "assistant", "content": []any{block}})
				}
			case "function_call_output":
				block := map[string]any{
					"type":        "tool_result",
					"tool_use_id": callID(item),
					"content":     item.Get("output").String(),
				}
				if last, ok := lastMsg(msgs, "user"); ok {
					if blocks, isBlocks := last["content"].([]any); isBlocks {
						last["content"] = append(blocks, block)
						return true
					}
				}
				msgs = append(msgs, map[string]any{"role": "user", "content": []any{block}})
			}
			return true
		})
	}
	out["messages"] = msgs

	if tools := codexToClaudeTools(root.Get("tools")); tools != nil {
		out["tools"] = tools
	}
	copyFields(root, out, "temperature", "top_p", "stream")
	return json.Marshal(out)
}

// --- Codex Responses -> OpenAI chat completions ---

func codexToOpenAIRequest(root gjson.Result, model string) ([]byte, error) {
	out := map[string]any{"model": model}
	if v := root.Get("max_output_tokens"); v.Exists() {
		out["max_tokens"] = v.Int()
	}

	var msgs []any
	if instr := root.Get("instructions").String(); instr != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": instr})
	}
	input := root.Get("input")
	if input.Type == gjson.String {
		msgs = append(msgs, map[string]any{"role": "user", "content": input.String()})
	} else {
		input.ForEach(func(_, item gjson.Result) bool {
			switch item.Get("type").String() {
			case "", "message":
				role := item.Get("role").String()
				if role == "developer" {
					role = "system"
				}
				msgs = append(msgs, map[string]any{"role": role, "content": flattenText(item.Get("content"))})
			case "function_call":
				call := map[string]any{
					"id":   callID(item),
					"type": "function",
					"function": map[string]any{
						"name":      item.Get("name").String(),
						"arguments": item.Get("arguments").String(),
					},
				}
				if last, ok := lastMsg(msgs, "assistant"); ok {
					if calls, isCalls := last["tool_calls"].([]any); isCalls {
						last["tool_calls"] = append(calls, call)
						return true
					}
				}
				msgs = append(msgs, map[string]any{"role": "assistant", "tool_calls": []any{call}})
			case "function_call_output":
				msgs = append(msgs, map[string]any{
					"role":         "tool",
					"tool_call_id": callID(item),
					"content":      item.Get("output").String(),
				})
			}
			return true
		})
	}
	out["messages"] = msgs

	if tools := codexToOpenAITools(root.Get("tools")); tools != nil {
		out["tools"] = tools
	}
	copyFields(root, out, "temperature", "top_p", "stream")
	return json.Marshal(out)
}

// --- Shared helpers ---

// codexMessage builds a Responses API message item. User-side turns carry
// input_text parts, assistant turns output_text.
func codexMessage(role, text string) map[string]any {
	partType := "input_text"
	if role == "assistant" {
		partType = "output_text"
	}
	return map[string]any{
		"type":    "message",
		"role":    role,
		"content": []any{map[string]any{"type": partType, "text": text}},
	}
}

// callID returns the item's call id, falling back to its item id.
func callID(item gjson.Result) string {
	if id := item.Get("call_id").String(); id != "" {
		return id
	}
	return item.Get("id").String()
}

// lastMsg returns the trailing message when it carries the wanted role.
func lastMsg(msgs []any, role string) (map[string]any, bool) {
	if len(msgs) == 0 {
		return nil, false
	}
	m, ok := msgs[len(msgs)-1].(map[string]any)
	if !ok || m["role"] != role {
		return nil, false
	}
	return m, true
}

// appendContent appends a block to Claude message content, promoting plain
// string content to a text block first.
func appendContent(content any, block map[string]any) []any {
	switch c := content.(type) {
	case []any:
		return append(c, block)
	case string:
		if c == "" {
			return []any{block}
		}
		return []any{map[string]any{"type": "text", "text": c}, block}
	}
	return []any{block}
}

// copyFields copies top-level fields verbatim when present.
func copyFields(root gjson.Result, out map[string]any, fields ...string) {
	for _, f := range fields {
		if v := root.Get(f); v.Exists() {
			out[f] = json.RawMessage(v.Raw)
		}
	}
}

// rawOr returns the raw JSON of v, or def when v is absent.
func rawOr(v gjson.Result, def string) json.RawMessage {
	if !v.Exists() || v.Raw == "" {
		return json.RawMessage(def)
	}
	return json.RawMessage(v.Raw)
}

// argumentsObject normalizes a tool-call arguments value to a JSON object.
// OpenAI and Codex encode arguments as a JSON string; Claude wants the
// object itself.
func argumentsObject(v gjson.Result) string {
	s := v.String()
	if s == "" {
		return "{}"
	}
	if gjson.Valid(s) && gjson.Parse(s).IsObject() {
		return s
	}
	return "{}"
}

// argumentsString renders a tool input object as the JSON-encoded string
// the OpenAI-family APIs expect.
func argumentsString(v gjson.Result) string {
	if !v.Exists() || v.Raw == "" {
		return "{}"
	}
	return v.Raw
}

// --- Tool table conversions ---

func claudeToOpenAITools(tools gjson.Result) []any {
	if !tools.IsArray() {
		return nil
	}
	var out []any
	tools.ForEach(func(_, tool gjson.Result) bool {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Get("name").String(),
				"description": tool.Get("description").String(),
				"parameters":  rawOr(tool.Get("input_schema"), `{"type":"object"}`),
			},
		})
		return true
	})
	return out
}

func claudeToCodexTools(tools gjson.Result) []any {
	if !tools.IsArray() {
		return nil
	}
	var out []any
	tools.ForEach(func(_, tool gjson.Result) bool {
		out = append(out, map[string]any{
			"type":        "function",
			"name":        tool.Get("name").String(),
			"description": tool.Get("description").String(),
			"parameters":  rawOr(tool.Get("input_schema"), `{"type":"object"}`),
		})
		return true
	})
	return out
}

func openaiToClaudeTools(tools gjson.Result) []any {
	if !tools.IsArray() {
		return nil
	}
	var out []any
	tools.ForEach(func(_, tool gjson.Result) bool {
		fn := tool.Get("function")
		out = append(out, map[string]any{
			"name":         fn.Get("name").String(),
			"description":  fn.Get("description").String(),
			"input_schema": rawOr(fn.Get("parameters"), `{"type":"object"}`),
		})
		return true
	})
	return out
}

func openaiToCodexTools(tools gjson.Result) []any {
	if !tools.IsArray() {
		return nil
	}
	var out []any
	tools.ForEach(func(_, tool gjson.Result) bool {
		fn := tool.Get("function")
		out = append(out, map[string]any{
			"type":        "function",
			"name":        fn.Get("name").String(),
			"description": fn.Get("description").String(),
			"parameters":  rawOr(fn.Get("parameters"), `{"type":"object"}`),
		})
		return true
	})
	return out
}

func codexToClaudeTools(tools gjson.Result) []any {
	if !tools.IsArray() {
		return nil
	}
	var out []any
	tools.ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("type").String() != "function" {
			return true
		}
		out = append(out, map[string]any{
			"name":         tool.Get("name").String(),
			"description":  tool.Get("description").String(),
			"input_schema": rawOr(tool.Get("parameters"), `{"type":"object"}`),
		})
		return true
	})
	return out
}

func codexToOpenAITools(tools gjson.Result) []any {
	if !tools.IsArray() {
		return nil
	}
	var out []any
	tools.ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("type").String() != "function" {
			return true
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Get("name").String(),
				"description": tool.Get("description").String(),
				"parameters":  rawOr(tool.Get("parameters"), `{"type":"object"}`),
			},
		})
		return true
	})
	return out
}
