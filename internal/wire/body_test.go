package wire

import (
	"testing"

	"github.com/tidwall/gjson"

	relay "github.com/eugener/switchyard/internal"
)

func TestParseBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		valid bool
	}{
		{"object", `{"model":"m"}`, true},
		{"empty", ``, false},
		{"garbage", `{not json`, false},
		{"array", `[1,2]`, false},
	}
	for _, tt := range tests {
		b := ParseBody(relay.FormatClaude, []byte(tt.raw))
		if b.Valid != tt.valid {
			t.Errorf("%s: Valid = %v, want %v", tt.name, b.Valid, tt.valid)
		}
		if !tt.valid && b.Note == "" {
			t.Errorf("%s: invalid body should carry a note", tt.name)
		}
		if string(b.Raw) != tt.raw {
			t.Errorf("%s: raw bytes were modified", tt.name)
		}
	}
}

func TestBodyAccessors(t *testing.T) {
	t.Parallel()

	claude := ParseBody(relay.FormatClaude, []byte(`{
		"model": "claude-sonnet-4-6",
		"stream": true,
		"system": [{"type":"text","text":"Be "},{"type":"text","text":"brief."}],
		"messages": [{"role":"user","content":"hi"},{"role":"assistant","content":"yo"}]
	}`))
	if got := claude.Model(); got != "claude-sonnet-4-6" {
		t.Errorf("model = %q", got)
	}
	if !claude.Stream() {
		t.Error("stream should be true")
	}
	if got := claude.System(); got != "Be brief." {
		t.Errorf("system = %q", got)
	}
	if got := claude.MessageCount(); got != 2 {
		t.Errorf("message count = %d, want 2", got)
	}

	codex := ParseBody(relay.FormatCodex, []byte(`{
		"model": "gpt-5",
		"instructions": "You are terse.",
		"input": [
			{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]},
			{"type":"function_call","call_id":"c1","name":"f","arguments":"{}"},
			{"role":"assistant","content":[{"type":"output_text","text":"yo"}]}
		]
	}`))
	if got := codex.System(); got != "You are terse." {
		t.Errorf("codex system = %q", got)
	}
	if got := codex.MessageCount(); got != 2 {
		t.Errorf("codex message count = %d, want 2 (function_call is not a turn)", got)
	}

	codexStr := ParseBody(relay.FormatCodex, []byte(`{"model":"gpt-5","input":"hello"}`))
	if got := codexStr.MessageCount(); got != 1 {
		t.Errorf("string input count = %d, want 1", got)
	}
}

func TestBodyProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		format relay.WireFormat
		raw    string
		want   bool
	}{
		{"claude foo", relay.FormatClaude, `{"messages":[{"role":"user","content":"foo"}]}`, true},
		{"claude count upper", relay.FormatClaude, `{"messages":[{"role":"user","content":" Count "}]}`, true},
		{"claude blocks", relay.FormatClaude, `{"messages":[{"role":"user","content":[{"type":"text","text":"foo"}]}]}`, true},
		{"claude real", relay.FormatClaude, `{"messages":[{"role":"user","content":"write a poem"}]}`, false},
		{"claude two turns", relay.FormatClaude, `{"messages":[{"role":"user","content":"foo"},{"role":"assistant","content":"bar"}]}`, false},
		{"codex string", relay.FormatCodex, `{"input":"foo"}`, true},
		{"codex items", relay.FormatCodex, `{"input":[{"type":"message","role":"user","content":[{"type":"input_text","text":"count"}]}]}`, true},
		{"openai", relay.FormatOpenAI, `{"messages":[{"role":"user","content":"foo"}]}`, true},
	}
	for _, tt := range tests {
		b := ParseBody(tt.format, []byte(tt.raw))
		if got := b.Probe(); got != tt.want {
			t.Errorf("%s: Probe = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBodyWithModel(t *testing.T) {
	t.Parallel()

	b := ParseBody(relay.FormatClaude, []byte(`{"model":"a","messages":[]}`))
	got := b.WithModel("b")
	if gjson.GetBytes(got.Raw, "model").String() != "b" {
		t.Errorf("model not replaced: %s", got.Raw)
	}
	if gjson.GetBytes(b.Raw, "model").String() != "a" {
		t.Error("original body mutated")
	}

	same := b.WithModel("a")
	if &same.Raw[0] != &b.Raw[0] {
		t.Error("same-model rewrite should be a no-op")
	}

	invalid := ParseBody(relay.FormatClaude, []byte(`nope`))
	if out := invalid.WithModel("b"); string(out.Raw) != "nope" {
		t.Error("invalid body should pass through unchanged")
	}
}

func TestBodyWithout(t *testing.T) {
	t.Parallel()

	b := ParseBody(relay.FormatCodex, []byte(`{"model":"m","temperature":0.2,"max_tokens":10,"input":"x"}`))
	got := b.Without("temperature", "max_tokens", "absent")
	if gjson.GetBytes(got.Raw, "temperature").Exists() {
		t.Error("temperature survived Without")
	}
	if gjson.GetBytes(got.Raw, "max_tokens").Exists() {
		t.Error("max_tokens survived Without")
	}
	if gjson.GetBytes(got.Raw, "input").String() != "x" {
		t.Error("unrelated field lost")
	}
}
