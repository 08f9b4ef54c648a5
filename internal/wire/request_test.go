package wire

import (
	"testing"

	"github.com/tidwall/gjson"

	relay "github.com/eugener/switchyard/internal"
)

// claudeToolRequest exercises every shape a coding-agent conversation hits:
// system prompt, prior tool use, tool result, and a tool definition.
const claudeToolRequest = `{
	"model": "claude-sonnet-4-6",
	"max_tokens": 1024,
	"stream": true,
	"temperature": 0.3,
	"system": "Be brief.",
	"messages": [
		{"role": "user", "content": "list files"},
		{"role": "assistant", "content": [
			{"type": "text", "text": "Sure."},
			{"type": "tool_use", "id": "toolu_1", "name": "ls", "input": {"path": "/tmp"}}
		]},
		{"role": "user", "content": [
			{"type": "tool_result", "tool_use_id": "toolu_1", "content": "a.txt"}
		]}
	],
	"tools": [
		{"name": "ls", "description": "list a directory", "input_schema": {"type": "object"}}
	]
}`

func TestTransformRequestIdentity(t *testing.T) {
	t.Parallel()

	b := ParseBody(relay.FormatClaude, []byte(claudeToolRequest))
	out, err := TransformRequest(b, relay.FormatClaude, "claude-opus-4-1")
	if err != nil {
		t.Fatalf("identity transform: %v", err)
	}
	if got := gjson.GetBytes(out, "model").String(); got != "claude-opus-4-1" {
		t.Errorf("model = %q, want redirect applied", got)
	}
	if got := gjson.GetBytes(out, "messages.#").Int(); got != 3 {
		t.Errorf("messages = %d, want 3 (identity keeps shape)", got)
	}
}

func TestTransformRequestInvalidBody(t *testing.T) {
	t.Parallel()

	b := ParseBody(relay.FormatClaude, []byte(`{broken`))
	if _, err := TransformRequest(b, relay.FormatOpenAI, "m"); err == nil {
		t.Fatal("expected error for invalid body")
	}
}

func TestClaudeToOpenAIRequest(t *testing.T) {
	t.Parallel()

	b := ParseBody(relay.FormatClaude, []byte(claudeToolRequest))
	out, err := TransformRequest(b, relay.FormatOpenAI, "gpt-4o")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	r := gjson.ParseBytes(out)

	if got := r.Get("model").String(); got != "gpt-4o" {
		t.Errorf("model = %q", got)
	}
	if got := r.Get("messages.0.role").String(); got != "system" {
		t.Errorf("first message role = %q, want system", got)
	}
	if got := r.Get("messages.0.content").String(); got != "Be brief." {
		t.Errorf("system content = %q", got)
	}
	tc := r.Get("messages.2.tool_calls.0")
	if tc.Get("id").String() != "toolu_1" || tc.Get("function.name").String() != "ls" {
		t.Errorf("tool call = %s", tc.Raw)
	}
	if got := tc.Get("function.arguments").String(); got != `{"path": "/tmp"}` && gjson.Parse(got).Get("path").String() != "/tmp" {
		t.Errorf("arguments should be a JSON-encoded string, got %q", got)
	}
	if got := r.Get("messages.3.role").String(); got != "tool" {
		t.Errorf("tool result role = %q, want tool", got)
	}
	if got := r.Get("messages.3.tool_call_id").String(); got != "toolu_1" {
		t.Errorf("tool_call_id = %q", got)
	}
	if got := r.Get("tools.0.type").String(); got != "function" {
		t.Errorf("tool type = %q", got)
	}
	if got := r.Get("tools.0.function.name").String(); got != "ls" {
		t.Errorf("tool name = %q", got)
	}
	if !r.Get("stream").Bool() {
		t.Error("stream flag lost")
	}
	if got := r.Get("max_tokens").Int(); got != 1024 {
		t.Errorf("max_tokens = %d", got)
	}
}

func TestClaudeToCodexRequest(t *testing.T) {
	t.Parallel()

	b := ParseBody(relay.FormatClaude, []byte(claudeToolRequest))
	out, err := TransformRequest(b, relay.FormatCodex, "gpt-5")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	r := gjson.ParseBytes(out)

	if r.Get("store").Bool() {
		t.Error("store should be false")
	}
	if got := r.Get("instructions").String(); got != "Be brief." {
		t.Errorf("instructions = %q", got)
	}
	if got := r.Get("input.#").Int(); got != 4 {
		t.Fatalf("input items = %d, want 4 (user, assistant text, function_call, output)", got)
	}
	fc := r.Get(`input.#(type=="function_call")`)
	if fc.Get("call_id").String() != "toolu_1" || fc.Get("name").String() != "ls" {
		t.Errorf("function_call = %s", fc.Raw)
	}
	fo := r.Get(`input.#(type=="function_call_output")`)
	if fo.Get("call_id").String() != "toolu_1" || fo.Get("output").String() != "a.txt" {
		t.Errorf("function_call_output = %s", fo.Raw)
	}
	if got := r.Get("tools.0.type").String(); got != "function" {
		t.Errorf("tool type = %q", got)
	}
	if got := r.Get("tools.0.name").String(); got != "ls" {
		t.Errorf("codex tools are flat, got %s", r.Get("tools.0").Raw)
	}
	if r.Get("temperature").Exists() {
		t.Error("temperature should not survive into codex shape")
	}
}

func TestOpenAIToClaudeRequest(t *testing.T) {
	t.Parallel()

	in := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "Be brief."},
			{"role": "user", "content": "list files"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "ls", "arguments": "{\"path\":\"/tmp\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "a.txt"}
		],
		"tools": [{"type":"function","function":{"name":"ls","description":"list","parameters":{"type":"object"}}}],
		"stop": "END"
	}`
	b := ParseBody(relay.FormatOpenAI, []byte(in))
	out, err := TransformRequest(b, relay.FormatClaude, "claude-sonnet-4-6")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	r := gjson.ParseBytes(out)

	if got := r.Get("system").String(); got != "Be brief." {
		t.Errorf("system = %q", got)
	}
	if got := r.Get("messages.#").Int(); got != 3 {
		t.Fatalf("messages = %d, want 3 (system lifted out)", got)
	}
	tu := r.Get("messages.1.content.0")
	if tu.Get("type").String() != "tool_use" || tu.Get("id").String() != "call_1" {
		t.Errorf("tool_use block = %s", tu.Raw)
	}
	if got := tu.Get("input.path").String(); got != "/tmp" {
		t.Errorf("input should be decoded to an object, got %s", tu.Get("input").Raw)
	}
	tr := r.Get("messages.2.content.0")
	if tr.Get("type").String() != "tool_result" || tr.Get("tool_use_id").String() != "call_1" {
		t.Errorf("tool_result block = %s", tr.Raw)
	}
	if got := r.Get("tools.0.input_schema.type").String(); got != "object" {
		t.Errorf("input_schema = %s", r.Get("tools.0").Raw)
	}
	if got := r.Get("max_tokens").Int(); got == 0 {
		t.Error("claude requires max_tokens; default missing")
	}
	if got := r.Get("stop_sequences.0").String(); got != "END" {
		t.Errorf("stop_sequences = %s", r.Get("stop_sequences").Raw)
	}
}

func TestCodexToClaudeRequest(t *testing.T) {
	t.Parallel()

	in := `{
		"model": "gpt-5",
		"instructions": "Be brief.",
		"max_output_tokens": 2048,
		"input": [
			{"type": "message", "role": "user", "content": [{"type":"input_text","text":"list files"}]},
			{"type": "function_call", "call_id": "call_1", "name": "ls", "arguments": "{\"path\":\"/tmp\"}"},
			{"type": "function_call_output", "call_id": "call_1", "output": "a.txt"}
		],
		"tools": [{"type":"function","name":"ls","description":"list","parameters":{"type":"object"}}]
	}`
	b := ParseBody(relay.FormatCodex, []byte(in))
	out, err := TransformRequest(b, relay.FormatClaude, "claude-sonnet-4-6")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	r := gjson.ParseBytes(out)

	if got := r.Get("system").String(); got != "Be brief." {
		t.Errorf("system = %q", got)
	}
	if got := r.Get("max_tokens").Int(); got != 2048 {
		t.Errorf("max_tokens = %d, want 2048", got)
	}
	if got := r.Get("messages.#").Int(); got != 3 {
		t.Fatalf("messages = %d, want 3", got)
	}
	tu := r.Get("messages.1.content.0")
	if tu.Get("type").String() != "tool_use" || tu.Get("input.path").String() != "/tmp" {
		t.Errorf("tool_use = %s", tu.Raw)
	}
	tr := r.Get("messages.2.content.0")
	if tr.Get("type").String() != "tool_result" || tr.Get("content").String() != "a.txt" {
		t.Errorf("tool_result = %s", tr.Raw)
	}
	if got := r.Get("tools.0.name").String(); got != "ls" {
		t.Errorf("tools = %s", r.Get("tools").Raw)
	}
}

func TestCodexStringInputToClaude(t *testing.T) {
	t.Parallel()

	b := ParseBody(relay.FormatCodex, []byte(`{"model":"gpt-5","input":"hello"}`))
	out, err := TransformRequest(b, relay.FormatClaude, "claude-sonnet-4-6")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	r := gjson.ParseBytes(out)
	if got := r.Get("messages.0.role").String(); got != "user" {
		t.Errorf("role = %q", got)
	}
	if got := r.Get("messages.0.content").String(); got != "hello" {
		t.Errorf("content = %q", got)
	}
}

// Round trip claude -> codex -> claude and compare the semantic fields. The
// shapes are not byte-identical (content strings become block arrays) but
// the conversation must survive intact.
func TestClaudeCodexRoundTrip(t *testing.T) {
	t.Parallel()

	b := ParseBody(relay.FormatClaude, []byte(claudeToolRequest))
	mid, err := TransformRequest(b, relay.FormatCodex, "claude-sonnet-4-6")
	if err != nil {
		t.Fatalf("claude->codex: %v", err)
	}
	back, err := TransformRequest(ParseBody(relay.FormatCodex, mid), relay.FormatClaude, "claude-sonnet-4-6")
	if err != nil {
		t.Fatalf("codex->claude: %v", err)
	}

	orig := gjson.Parse(claudeToolRequest)
	got := gjson.ParseBytes(back)

	if got.Get("model").String() != orig.Get("model").String() {
		t.Errorf("model = %q, want %q", got.Get("model").String(), orig.Get("model").String())
	}
	if got.Get("system").String() != orig.Get("system").String() {
		t.Errorf("system = %q", got.Get("system").String())
	}
	if got.Get("messages.#").Int() != orig.Get("messages.#").Int() {
		t.Fatalf("messages = %d, want %d", got.Get("messages.#").Int(), orig.Get("messages.#").Int())
	}
	for i := 0; i < int(orig.Get("messages.#").Int()); i++ {
		path := "messages." + string(rune('0'+i))
		if got.Get(path+".role").String() != orig.Get(path+".role").String() {
			t.Errorf("message %d role = %q, want %q", i, got.Get(path+".role").String(), orig.Get(path+".role").String())
		}
	}
	tu := got.Get(`messages.1.content.#(type=="tool_use")`)
	if tu.Get("id").String() != "toolu_1" || tu.Get("input.path").String() != "/tmp" {
		t.Errorf("tool_use did not survive round trip: %s", tu.Raw)
	}
	tr := got.Get(`messages.2.content.#(type=="tool_result")`)
	if tr.Get("tool_use_id").String() != "toolu_1" {
		t.Errorf("tool_result did not survive round trip: %s", tr.Raw)
	}
	if got.Get("tools.0.name").String() != "ls" || !got.Get("tools.0.input_schema").Exists() {
		t.Errorf("tools did not survive round trip: %s", got.Get("tools").Raw)
	}
}

func TestCanTransform(t *testing.T) {
	t.Parallel()

	formats := []relay.WireFormat{relay.FormatClaude, relay.FormatCodex, relay.FormatOpenAI}
	for _, from := range formats {
		for _, to := range formats {
			if !CanTransform(from, to) {
				t.Errorf("CanTransform(%s, %s) = false", from, to)
			}
		}
	}
}

func TestArgumentsHelpers(t *testing.T) {
	t.Parallel()

	if got := argumentsObject(gjson.Parse(`"{\"a\":1}"`)); gjson.Parse(got).Get("a").Int() != 1 {
		t.Errorf("argumentsObject = %q", got)
	}
	if got := argumentsObject(gjson.Parse(`"not json"`)); got != "{}" {
		t.Errorf("argumentsObject(invalid) = %q, want {}", got)
	}
	if got := argumentsString(gjson.Parse(`{"a":1}`).Get("a")); got != "1" {
		t.Errorf("argumentsString = %q", got)
	}
	if got := argumentsString(gjson.Parse(`{}`).Get("missing")); got != "{}" {
		t.Errorf("argumentsString(absent) = %q, want {}", got)
	}
}
