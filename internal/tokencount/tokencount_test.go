package tokencount

import (
	"testing"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/wire"
)

func body(t *testing.T, format relay.WireFormat, raw string) wire.Body {
	t.Helper()
	b := wire.ParseBody(format, []byte(raw))
	if !b.Valid {
		t.Fatalf("ParseBody(%q) invalid: %s", raw, b.Note)
	}
	return b
}

func TestEstimateRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		format  relay.WireFormat
		raw     string
		wantMin int64
		wantMax int64
	}{
		{
			name:    "single short claude message",
			format:  relay.FormatClaude,
			raw:     `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hello"}]}`,
			wantMin: 5,
			wantMax: 20,
		},
		{
			name:    "system prompt plus turns",
			format:  relay.FormatClaude,
			raw:     `{"model":"claude-sonnet-4","system":"You are helpful.","messages":[{"role":"user","content":"Explain quantum computing."},{"role":"assistant","content":"It uses qubits."},{"role":"user","content":"More detail please."}]}`,
			wantMin: 25,
			wantMax: 70,
		},
		{
			name:    "openai chat shape",
			format:  relay.FormatOpenAI,
			raw:     `{"model":"gpt-4o","messages":[{"role":"system","content":"You are helpful."},{"role":"user","content":"Explain quantum computing."}]}`,
			wantMin: 15,
			wantMax: 40,
		},
		{
			name:    "codex string input",
			format:  relay.FormatCodex,
			raw:     `{"model":"gpt-5","instructions":"You are Codex.","input":"write a haiku about Go"}`,
			wantMin: 10,
			wantMax: 30,
		},
		{
			name:    "codex item input",
			format:  relay.FormatCodex,
			raw:     `{"model":"gpt-5","input":[{"type":"message","role":"user","content":[{"type":"input_text","text":"write a haiku"}]}]}`,
			wantMin: 15,
			wantMax: 60,
		},
		{
			name:    "no messages",
			format:  relay.FormatClaude,
			raw:     `{"model":"claude-sonnet-4"}`,
			wantMin: 1,
			wantMax: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := EstimateRequest(body(t, tt.format, tt.raw))
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("EstimateRequest() = %d, want [%d, %d]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestEstimateRequest_InvalidBody(t *testing.T) {
	t.Parallel()

	got := EstimateRequest(wire.ParseBody(relay.FormatClaude, []byte("not json")))
	if got != 1 {
		t.Errorf("EstimateRequest(invalid) = %d, want 1 (min)", got)
	}
}

func TestEstimateRequest_ToolContent(t *testing.T) {
	t.Parallel()

	plain := EstimateRequest(body(t, relay.FormatClaude,
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`))
	withTool := EstimateRequest(body(t, relay.FormatClaude,
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"Oslo"}}]}]}`))
	if withTool <= plain {
		t.Errorf("tool content should add tokens: plain=%d withTool=%d", plain, withTool)
	}
}

func TestEstimateText(t *testing.T) {
	t.Parallel()

	got := EstimateText("Hello, world!")
	if got < 1 {
		t.Errorf("EstimateText() = %d, want >= 1", got)
	}
	if want := int64(4); got != want {
		t.Errorf("EstimateText(13 bytes) = %d, want %d", got, want)
	}
}

func TestEstimateText_Empty(t *testing.T) {
	t.Parallel()

	if got := EstimateText(""); got != 1 {
		t.Errorf("EstimateText('') = %d, want 1 (min)", got)
	}
}
