// Package wire models request and response bodies across the three JSON
// dialects the relay speaks -- Claude Messages, Codex Responses and OpenAI
// chat completions -- and translates between them. A Body keeps the raw byte
// tree authoritative: known fields are read lazily with gjson and rewritten
// with sjson, so fields the relay does not understand ride along untouched.
package wire

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	relay "github.com/eugener/switchyard/internal"
)

// Body is a parsed request body tagged with its wire format.
type Body struct {
	Format relay.WireFormat
	Raw    []byte
	Valid  bool   // true when Raw parsed as a JSON object
	Note   string // diagnostic kept for the audit row when Valid is false
}

// ParseBody tags raw request bytes with their dialect. Invalid JSON is kept
// verbatim with a note; such bodies are forwarded unchanged and never
// transformed.
func ParseBody(format relay.WireFormat, raw []byte) Body {
	b := Body{Format: format, Raw: raw}
	if len(raw) == 0 {
		b.Note = "empty request body"
		return b
	}
	if !gjson.ValidBytes(raw) {
		b.Note = "request body is not valid JSON"
		return b
	}
	if !gjson.ParseBytes(raw).IsObject() {
		b.Note = "request body is not a JSON object"
		return b
	}
	b.Valid = true
	return b
}

// Model returns the body's model field.
func (b Body) Model() string {
	return gjson.GetBytes(b.Raw, "model").String()
}

// Stream reports whether the body requests a streaming response.
func (b Body) Stream() bool {
	return gjson.GetBytes(b.Raw, "stream").Bool()
}

// Instructions returns the Codex instructions field.
func (b Body) Instructions() string {
	return gjson.GetBytes(b.Raw, "instructions").String()
}

// System returns the system prompt flattened to text. Claude bodies carry it
// as a string or an array of text blocks; Codex bodies as instructions.
func (b Body) System() string {
	if b.Format == relay.FormatCodex {
		return b.Instructions()
	}
	return flattenText(gjson.GetBytes(b.Raw, "system"))
}

// MessageCount returns the number of conversation turns in the body. Codex
// string input counts as one turn.
func (b Body) MessageCount() int {
	if !b.Valid {
		return 0
	}
	if b.Format == relay.FormatCodex {
		input := gjson.GetBytes(b.Raw, "input")
		if input.Type == gjson.String {
			return 1
		}
		n := 0
		input.ForEach(func(_, item gjson.Result) bool {
			t := item.Get("type").String()
			if t == "" || t == "message" {
				n++
			}
			return true
		})
		return n
	}
	return int(gjson.GetBytes(b.Raw, "messages.#").Int())
}

// Probe reports whether the body is a warmup probe: a single-turn
// conversation whose content, trimmed and lower-cased, is exactly "foo" or
// "count". Probe failures are not counted against the circuit breaker.
func (b Body) Probe() bool {
	if !b.Valid || b.MessageCount() != 1 {
		return false
	}
	text := strings.ToLower(strings.TrimSpace(b.FirstTurnText()))
	return text == "foo" || text == "count"
}

// FirstTurnText extracts the text of the first conversation turn. Together
// with the system prompt it anchors a conversation: follow-up requests
// append turns but repeat the first one verbatim.
func (b Body) FirstTurnText() string {
	if b.Format == relay.FormatCodex {
		input := gjson.GetBytes(b.Raw, "input")
		if input.Type == gjson.String {
			return input.String()
		}
		var text string
		input.ForEach(func(_, item gjson.Result) bool {
			t := item.Get("type").String()
			if t == "" || t == "message" {
				text = flattenText(item.Get("content"))
				return false
			}
			return true
		})
		return text
	}
	return flattenText(gjson.GetBytes(b.Raw, "messages.0.content"))
}

// WithModel returns a copy of the body with the model field replaced.
// Invalid bodies are returned unchanged.
func (b Body) WithModel(model string) Body {
	if !b.Valid || model == "" || b.Model() == model {
		return b
	}
	raw, err := sjson.SetBytes(b.Raw, "model", model)
	if err != nil {
		return b
	}
	b.Raw = raw
	return b
}

// WithInstructions returns a copy of the body with the Codex instructions
// field replaced.
func (b Body) WithInstructions(s string) Body {
	if !b.Valid {
		return b
	}
	raw, err := sjson.SetBytes(b.Raw, "instructions", s)
	if err != nil {
		return b
	}
	b.Raw = raw
	return b
}

// Without returns a copy of the body with the given top-level fields
// removed. Missing fields are ignored.
func (b Body) Without(fields ...string) Body {
	if !b.Valid {
		return b
	}
	raw := b.Raw
	for _, f := range fields {
		if !gjson.GetBytes(raw, f).Exists() {
			continue
		}
		next, err := sjson.DeleteBytes(raw, f)
		if err != nil {
			continue
		}
		raw = next
	}
	b.Raw = raw
	return b
}

// flattenText joins a content value to plain text. Handles plain strings,
// Claude block arrays ({type:text}) and Codex part arrays
// ({type:input_text|output_text|text}).
func flattenText(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.String()
	case gjson.JSON:
	default:
		return ""
	}
	if !v.IsArray() {
		return ""
	}
	var sb strings.Builder
	v.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text", "input_text", "output_text":
			sb.WriteString(part.Get("text").String())
		}
		return true
	})
	return sb.String()
}
