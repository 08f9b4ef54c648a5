package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/sse"
)

// StreamState is the opaque per-stream state threaded through Transform.
type StreamState any

// StreamTransformer rewrites a provider SSE stream into the client dialect.
// Init allocates the per-stream state; Transform consumes one complete event
// and yields zero or more events in the target dialect. A transformer value
// holds no stream state itself and may be shared; events the machine cannot
// make sense of are passed through raw or dropped, never turned into stream
// errors -- an intact client stream beats strict translation on partial
// data.
type StreamTransformer struct {
	Init      func() StreamState
	Transform func(st StreamState, ev sse.Event) (StreamState, []sse.Event)
}

var streamTransformers = map[pairKey]func() *StreamTransformer{
	{relay.FormatClaude, relay.FormatOpenAI}: newClaudeToOpenAIStream,
	{relay.FormatClaude, relay.FormatCodex}:  newClaudeToCodexStream,
	{relay.FormatOpenAI, relay.FormatClaude}: newOpenAIToClaudeStream,
	{relay.FormatOpenAI, relay.FormatCodex}:  newOpenAIToCodexStream,
	{relay.FormatCodex, relay.FormatClaude}:  newCodexToClaudeStream,
	{relay.FormatCodex, relay.FormatOpenAI}:  newCodexToOpenAIStream,
}

// NewStream returns the stream transducer for a dialect pair. ok is false
// when from == to; identity streams are copied verbatim to preserve the
// upstream framing byte for byte.
func NewStream(from, to relay.WireFormat) (*StreamTransformer, bool) {
	if from == to {
		return nil, false
	}
	ctor, ok := streamTransformers[pairKey{from, to}]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// --- Event constructors ---

// jsonEvent renders a named SSE event with a JSON payload. Raw is
// pre-encoded so writers forward synthesized and passthrough events the same
// way.
func jsonEvent(name string, payload map[string]any) sse.Event {
	data, _ := json.Marshal(payload)
	ev := sse.Event{Name: name, Data: data}
	ev.Raw = ev.Encode()
	return ev
}

// chunkEvent renders an unnamed data-only event (OpenAI chunk framing).
func chunkEvent(payload map[string]any) sse.Event {
	data, _ := json.Marshal(payload)
	ev := sse.Event{Data: data}
	ev.Raw = ev.Encode()
	return ev
}

// doneEvent is the OpenAI terminal sentinel.
func doneEvent() sse.Event {
	ev := sse.Event{Data: []byte(sse.DoneData)}
	ev.Raw = ev.Encode()
	return ev
}

// claudeEvent renders a Claude event; the payload's type field matches the
// event name.
func claudeEvent(name string, payload map[string]any) sse.Event {
	payload["type"] = name
	return jsonEvent(name, payload)
}

// chatChunk builds one OpenAI chat completion chunk.
func chatChunk(id, model string, delta map[string]any, finish any) sse.Event {
	return chunkEvent(map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	})
}

// usageChunk builds the trailing OpenAI chunk carrying usage.
func usageChunk(id, model string, u relay.Usage) sse.Event {
	return chunkEvent(map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []any{},
		"usage":   openaiUsage(u),
	})
}

// --- Claude emitter ---

// claudeEmitter assembles Claude Messages stream events, tracking content
// block indexes so interleaved text and tool-use blocks stay well-formed.
type claudeEmitter struct {
	started   bool
	blockIdx  int
	blockOpen bool
	blockKind string // "text" or "tool"
}

func (e *claudeEmitter) start(id, model string, u relay.Usage) sse.Event {
	e.started = true
	return claudeEvent("message_start", map[string]any{
		"message": map[string]any{
			"id":          id,
			"type":        "message",
			"role":        "assistant",
			"model":       model,
			"content":     []any{},
			"stop_reason": nil,
			"usage":       map[string]any{"input_tokens": u.InputTokens, "output_tokens": u.OutputTokens},
		},
	})
}

func (e *claudeEmitter) openText() []sse.Event {
	evs := e.closeBlock()
	e.blockOpen, e.blockKind = true, "text"
	return append(evs, claudeEvent("content_block_start", map[string]any{
		"index":         e.blockIdx,
		"content_block": map[string]any{"type": "text", "text": ""},
	}))
}

func (e *claudeEmitter) openTool(id, name string) []sse.Event {
	evs := e.closeBlock()
	e.blockOpen, e.blockKind = true, "tool"
	return append(evs, claudeEvent("content_block_start", map[string]any{
		"index":         e.blockIdx,
		"content_block": map[string]any{"type": "tool_use", "id": id, "name": name, "input": map[string]any{}},
	}))
}

func (e *claudeEmitter) textDelta(s string) sse.Event {
	return claudeEvent("content_block_delta", map[string]any{
		"index": e.blockIdx,
		"delta": map[string]any{"type": "text_delta", "text": s},
	})
}

func (e *claudeEmitter) argsDelta(s string) sse.Event {
	return claudeEvent("content_block_delta", map[string]any{
		"index": e.blockIdx,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": s},
	})
}

func (e *claudeEmitter) closeBlock() []sse.Event {
	if !e.blockOpen {
		return nil
	}
	ev := claudeEvent("content_block_stop", map[string]any{"index": e.blockIdx})
	e.blockOpen = false
	e.blockIdx++
	return []sse.Event{ev}
}

func (e *claudeEmitter) finish(stop string, u relay.Usage) []sse.Event {
	evs := e.closeBlock()
	return append(evs,
		claudeEvent("message_delta", map[string]any{
			"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
			"usage": map[string]any{"output_tokens": u.OutputTokens},
		}),
		claudeEvent("message_stop", map[string]any{}),
	)
}

// --- Codex emitter ---

// codexEmitter assembles Codex Responses stream events. It accumulates text
// and argument deltas so the *.done events carry complete payloads, and
// numbers every event sequentially as official clients expect.
type codexEmitter struct {
	id, model string
	seq       int
	outIdx    int
	itemOpen  bool
	itemKind  string // "message" or "function_call"
	itemID    string
	callID    string
	name      string
	textBuf   strings.Builder
	argsBuf   strings.Builder
}

func (e *codexEmitter) event(name string, payload map[string]any) sse.Event {
	payload["type"] = name
	payload["sequence_number"] = e.seq
	e.seq++
	return jsonEvent(name, payload)
}

func (e *codexEmitter) created() sse.Event {
	return e.event("response.created", map[string]any{
		"response": map[string]any{
			"id":     e.id,
			"object": "response",
			"status": "in_progress",
			"model":  e.model,
			"output": []any{},
		},
	})
}

func (e *codexEmitter) openText() []sse.Event {
	evs := e.closeItem()
	e.itemOpen, e.itemKind = true, "message"
	e.itemID = fmt.Sprintf("msg_%d", e.outIdx)
	e.textBuf.Reset()
	return append(evs,
		e.event("response.output_item.added", map[string]any{
			"output_index": e.outIdx,
			"item": map[string]any{
				"id":      e.itemID,
				"type":    "message",
				"role":    "assistant",
				"status":  "in_progress",
				"content": []any{},
			},
		}),
		e.event("response.content_part.added", map[string]any{
			"item_id":       e.itemID,
			"output_index":  e.outIdx,
			"content_index": 0,
			"part":          map[string]any{"type": "output_text", "text": ""},
		}),
	)
}

func (e *codexEmitter) openTool(callID, name string) []sse.Event {
	evs := e.closeItem()
	e.itemOpen, e.itemKind = true, "function_call"
	e.itemID = fmt.Sprintf("fc_%d", e.outIdx)
	e.callID, e.name = callID, name
	e.argsBuf.Reset()
	return append(evs, e.event("response.output_item.added", map[string]any{
		"output_index": e.outIdx,
		"item": map[string]any{
			"id":        e.itemID,
			"type":      "function_call",
			"call_id":   callID,
			"name":      name,
			"arguments": "",
			"status":    "in_progress",
		},
	}))
}

func (e *codexEmitter) textDelta(s string) sse.Event {
	e.textBuf.WriteString(s)
	return e.event("response.output_text.delta", map[string]any{
		"item_id":       e.itemID,
		"output_index":  e.outIdx,
		"content_index": 0,
		"delta":         s,
	})
}

func (e *codexEmitter) argsDelta(s string) sse.Event {
	e.argsBuf.WriteString(s)
	return e.event("response.function_call_arguments.delta", map[string]any{
		"item_id":      e.itemID,
		"output_index": e.outIdx,
		"delta":        s,
	})
}

func (e *codexEmitter) closeItem() []sse.Event {
	if !e.itemOpen {
		return nil
	}
	var evs []sse.Event
	switch e.itemKind {
	case "message":
		text := e.textBuf.String()
		evs = append(evs,
			e.event("response.output_text.done", map[string]any{
				"item_id":       e.itemID,
				"output_index":  e.outIdx,
				"content_index": 0,
				"text":          text,
			}),
			e.event("response.content_part.done", map[string]any{
				"item_id":       e.itemID,
				"output_index":  e.outIdx,
				"content_index": 0,
				"part":          map[string]any{"type": "output_text", "text": text, "annotations": []any{}},
			}),
			e.event("response.output_item.done", map[string]any{
				"output_index": e.outIdx,
				"item": map[string]any{
					"id":      e.itemID,
					"type":    "message",
					"role":    "assistant",
					"status":  "completed",
					"content": []any{map[string]any{"type": "output_text", "text": text, "annotations": []any{}}},
				},
			}),
		)
	case "function_call":
		args := e.argsBuf.String()
		if args == "" {
			args = "{}"
		}
		evs = append(evs,
			e.event("response.function_call_arguments.done", map[string]any{
				"item_id":      e.itemID,
				"output_index": e.outIdx,
				"arguments":    args,
			}),
			e.event("response.output_item.done", map[string]any{
				"output_index": e.outIdx,
				"item": map[string]any{
					"id":        e.itemID,
					"type":      "function_call",
					"call_id":   e.callID,
					"name":      e.name,
					"arguments": args,
					"status":    "completed",
				},
			}),
		)
	}
	e.itemOpen = false
	e.outIdx++
	return evs
}

func (e *codexEmitter) completed(u relay.Usage, status string) sse.Event {
	if status == "" {
		status = "completed"
	}
	return e.event("response.completed", map[string]any{
		"response": map[string]any{
			"id":     e.id,
			"object": "response",
			"status": status,
			"model":  e.model,
			"usage":  codexUsage(u),
		},
	})
}

// --- Claude -> OpenAI ---

type claudeOpenAIStream struct {
	id, model string
	stop      string
	usage     relay.Usage
	toolIdx   int
	toolOf    map[int]int // claude block index -> openai tool_calls index
}

func newClaudeToOpenAIStream() *StreamTransformer {
	return &StreamTransformer{
		Init: func() StreamState { return &claudeOpenAIStream{toolOf: map[int]int{}} },
		Transform: func(state StreamState, ev sse.Event) (StreamState, []sse.Event) {
			st := state.(*claudeOpenAIStream)
			if ev.Comment() {
				return st, []sse.Event{ev}
			}
			r := gjson.ParseBytes(ev.Data)
			switch ev.Name {
			case "message_start":
				st.id = r.Get("message.id").String()
				st.model = r.Get("message.model").String()
				if u := r.Get("message.usage"); u.Exists() {
					MergeUsage(&st.usage, usageFromResult(u))
				}
				return st, []sse.Event{chatChunk(st.id, st.model, map[string]any{"role": "assistant"}, nil)}

			case "content_block_start":
				if r.Get("content_block.type").String() != "tool_use" {
					return st, nil
				}
				tool := st.toolIdx
				st.toolIdx++
				st.toolOf[int(r.Get("index").Int())] = tool
				delta := map[string]any{"tool_calls": []any{map[string]any{
					"index": tool,
					"id":    r.Get("content_block.id").String(),
					"type":  "function",
					"function": map[string]any{
						"name":      r.Get("content_block.name").String(),
						"arguments": "",
					},
				}}}
				return st, []sse.Event{chatChunk(st.id, st.model, delta, nil)}

			case "content_block_delta":
				switch r.Get("delta.type").String() {
				case "text_delta":
					delta := map[string]any{"content": r.Get("delta.text").String()}
					return st, []sse.Event{chatChunk(st.id, st.model, delta, nil)}
				case "input_json_delta":
					tool, ok := st.toolOf[int(r.Get("index").Int())]
					if !ok {
						return st, nil
					}
					delta := map[string]any{"tool_calls": []any{map[string]any{
						"index":    tool,
						"function": map[string]any{"arguments": r.Get("delta.partial_json").String()},
					}}}
					return st, []sse.Event{chatChunk(st.id, st.model, delta, nil)}
				}
				return st, nil

			case "message_delta":
				if s := r.Get("delta.stop_reason").String(); s != "" {
					st.stop = s
				}
				if u := r.Get("usage"); u.Exists() {
					MergeUsage(&st.usage, usageFromResult(u))
				}
				return st, nil

			case "message_stop":
				finish := stopToFinish(st.stop)
				if finish == "" {
					finish = "stop"
				}
				return st, []sse.Event{
					chatChunk(st.id, st.model, map[string]any{}, finish),
					usageChunk(st.id, st.model, st.usage),
					doneEvent(),
				}

			case "error":
				return st, []sse.Event{ev}
			}
			return st, nil
		},
	}
}

// --- Claude -> Codex ---

type claudeCodexStream struct {
	em    codexEmitter
	usage relay.Usage
	stop  string
}

func newClaudeToCodexStream() *StreamTransformer {
	return &StreamTransformer{
		Init: func() StreamState { return &claudeCodexStream{} },
		Transform: func(state StreamState, ev sse.Event) (StreamState, []sse.Event) {
			st := state.(*claudeCodexStream)
			if ev.Comment() {
				return st, []sse.Event{ev}
			}
			r := gjson.ParseBytes(ev.Data)
			switch ev.Name {
			case "message_start":
				st.em.id = r.Get("message.id").String()
				st.em.model = r.Get("message.model").String()
				if u := r.Get("message.usage"); u.Exists() {
					MergeUsage(&st.usage, usageFromResult(u))
				}
				return st, []sse.Event{st.em.created()}

			case "content_block_start":
				switch r.Get("content_block.type").String() {
				case "tool_use":
					return st, st.em.openTool(r.Get("content_block.id").String(), r.Get("content_block.name").String())
				case "text":
					return st, st.em.openText()
				}
				// Thinking and other block kinds have no Responses
				// equivalent; their deltas are dropped below.
				return st, nil

			case "content_block_delta":
				switch r.Get("delta.type").String() {
				case "text_delta":
					if !st.em.itemOpen {
						evs := st.em.openText()
						return st, append(evs, st.em.textDelta(r.Get("delta.text").String()))
					}
					return st, []sse.Event{st.em.textDelta(r.Get("delta.text").String())}
				case "input_json_delta":
					if !st.em.itemOpen {
						return st, nil
					}
					return st, []sse.Event{st.em.argsDelta(r.Get("delta.partial_json").String())}
				}
				return st, nil

			case "content_block_stop":
				return st, st.em.closeItem()

			case "message_delta":
				if s := r.Get("delta.stop_reason").String(); s != "" {
					st.stop = s
				}
				if u := r.Get("usage"); u.Exists() {
					MergeUsage(&st.usage, usageFromResult(u))
				}
				return st, nil

			case "message_stop":
				evs := st.em.closeItem()
				status := ""
				if st.stop == "max_tokens" {
					status = "incomplete"
				}
				return st, append(evs, st.em.completed(st.usage, status))

			case "error":
				return st, []sse.Event{ev}
			}
			return st, nil
		},
	}
}

// --- OpenAI -> Claude ---

type openaiClaudeStream struct {
	em     claudeEmitter
	closed bool
	id     string
	model  string
	finish string
	usage  relay.Usage
}

func newOpenAIToClaudeStream() *StreamTransformer {
	return &StreamTransformer{
		Init: func() StreamState { return &openaiClaudeStream{} },
		Transform: func(state StreamState, ev sse.Event) (StreamState, []sse.Event) {
			st := state.(*openaiClaudeStream)
			if ev.Comment() {
				return st, []sse.Event{ev}
			}
			if ev.Name != "" {
				// Chat streams are unnamed; drop foreign named events.
				return st, nil
			}
			if ev.Done() {
				if st.closed || !st.em.started {
					st.closed = true
					return st, nil
				}
				st.closed = true
				return st, st.em.finish(finishToStop(st.finish), st.usage)
			}
			r := gjson.ParseBytes(ev.Data)
			if !r.IsObject() {
				return st, []sse.Event{ev}
			}

			var evs []sse.Event
			if !st.em.started {
				st.id = r.Get("id").String()
				st.model = r.Get("model").String()
				evs = append(evs, st.em.start(st.id, st.model, relay.Usage{}))
			}
			if u := r.Get("usage"); u.Exists() && u.IsObject() {
				MergeUsage(&st.usage, usageFromResult(u))
			}

			delta := r.Get("choices.0.delta")
			if text := delta.Get("content"); text.Type == gjson.String && text.String() != "" {
				if !st.em.blockOpen || st.em.blockKind != "text" {
					evs = append(evs, st.em.openText()...)
				}
				evs = append(evs, st.em.textDelta(text.String()))
			}
			delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				id := tc.Get("id").String()
				name := tc.Get("function.name").String()
				if id != "" || name != "" {
					evs = append(evs, st.em.openTool(id, name)...)
				}
				if args := tc.Get("function.arguments").String(); args != "" && st.em.blockOpen && st.em.blockKind == "tool" {
					evs = append(evs, st.em.argsDelta(args))
				}
				return true
			})
			if f := r.Get("choices.0.finish_reason"); f.Type == gjson.String && f.String() != "" {
				st.finish = f.String()
			}
			return st, evs
		},
	}
}

// --- OpenAI -> Codex ---

type openaiCodexStream struct {
	em     codexEmitter
	start  bool
	closed bool
	finish string
	usage  relay.Usage
}

func newOpenAIToCodexStream() *StreamTransformer {
	return &StreamTransformer{
		Init: func() StreamState { return &openaiCodexStream{} },
		Transform: func(state StreamState, ev sse.Event) (StreamState, []sse.Event) {
			st := state.(*openaiCodexStream)
			if ev.Comment() {
				return st, []sse.Event{ev}
			}
			if ev.Name != "" {
				return st, nil
			}
			if ev.Done() {
				if st.closed || !st.start {
					st.closed = true
					return st, nil
				}
				st.closed = true
				evs := st.em.closeItem()
				status := ""
				if st.finish == "length" {
					status = "incomplete"
				}
				return st, append(evs, st.em.completed(st.usage, status))
			}
			r := gjson.ParseBytes(ev.Data)
			if !r.IsObject() {
				return st, []sse.Event{ev}
			}

			var evs []sse.Event
			if !st.start {
				st.start = true
				st.em.id = r.Get("id").String()
				st.em.model = r.Get("model").String()
				evs = append(evs, st.em.created())
			}
			if u := r.Get("usage"); u.Exists() && u.IsObject() {
				MergeUsage(&st.usage, usageFromResult(u))
			}

			delta := r.Get("choices.0.delta")
			if text := delta.Get("content"); text.Type == gjson.String && text.String() != "" {
				if !st.em.itemOpen || st.em.itemKind != "message" {
					evs = append(evs, st.em.openText()...)
				}
				evs = append(evs, st.em.textDelta(text.String()))
			}
			delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				id := tc.Get("id").String()
				name := tc.Get("function.name").String()
				if id != "" || name != "" {
					evs = append(evs, st.em.openTool(id, name)...)
				}
				if args := tc.Get("function.arguments").String(); args != "" && st.em.itemOpen && st.em.itemKind == "function_call" {
					evs = append(evs, st.em.argsDelta(args))
				}
				return true
			})
			if f := r.Get("choices.0.finish_reason"); f.Type == gjson.String && f.String() != "" {
				st.finish = f.String()
			}
			return st, evs
		},
	}
}

// --- Codex -> Claude ---

type codexClaudeStream struct {
	em      claudeEmitter
	closed  bool
	id      string
	model   string
	sawTool bool
	usage   relay.Usage
}

func newCodexToClaudeStream() *StreamTransformer {
	return &StreamTransformer{
		Init: func() StreamState { return &codexClaudeStream{} },
		Transform: func(state StreamState, ev sse.Event) (StreamState, []sse.Event) {
			st := state.(*codexClaudeStream)
			if ev.Comment() {
				return st, []sse.Event{ev}
			}
			r := gjson.ParseBytes(ev.Data)
			switch ev.Name {
			case "response.created":
				st.id = r.Get("response.id").String()
				st.model = r.Get("response.model").String()
				return st, []sse.Event{st.em.start(st.id, st.model, relay.Usage{})}

			case "response.output_item.added":
				if r.Get("item.type").String() != "function_call" {
					return st, nil
				}
				st.sawTool = true
				id := r.Get("item.call_id").String()
				if id == "" {
					id = r.Get("item.id").String()
				}
				evs := st.ensureStarted()
				return st, append(evs, st.em.openTool(id, r.Get("item.name").String())...)

			case "response.output_text.delta":
				evs := st.ensureStarted()
				if !st.em.blockOpen || st.em.blockKind != "text" {
					evs = append(evs, st.em.openText()...)
				}
				return st, append(evs, st.em.textDelta(r.Get("delta").String()))

			case "response.function_call_arguments.delta":
				if !st.em.blockOpen || st.em.blockKind != "tool" {
					return st, nil
				}
				return st, []sse.Event{st.em.argsDelta(r.Get("delta").String())}

			case "response.output_item.done":
				return st, st.em.closeBlock()

			case "response.completed", "response.incomplete":
				if st.closed {
					return st, nil
				}
				st.closed = true
				if u := r.Get("response.usage"); u.Exists() {
					MergeUsage(&st.usage, usageFromResult(u))
				}
				evs := st.ensureStarted()
				stop := "end_turn"
				if st.sawTool {
					stop = "tool_use"
				}
				if ev.Name == "response.incomplete" {
					stop = "max_tokens"
				}
				return st, append(evs, st.em.finish(stop, st.usage)...)

			case "response.failed", "error":
				return st, []sse.Event{ev}
			}
			return st, nil
		},
	}
}

// ensureStarted synthesizes message_start when the upstream skipped
// response.created.
func (st *codexClaudeStream) ensureStarted() []sse.Event {
	if st.em.started {
		return nil
	}
	return []sse.Event{st.em.start(st.id, st.model, relay.Usage{})}
}

// --- Codex -> OpenAI ---

type codexOpenAIStream struct {
	id, model string
	closed    bool
	sawRole   bool
	sawTool   bool
	toolIdx   int
	finish    string
	usage     relay.Usage
}

func newCodexToOpenAIStream() *StreamTransformer {
	return &StreamTransformer{
		Init: func() StreamState { return &codexOpenAIStream{} },
		Transform: func(state StreamState, ev sse.Event) (StreamState, []sse.Event) {
			st := state.(*codexOpenAIStream)
			if ev.Comment() {
				return st, []sse.Event{ev}
			}
			r := gjson.ParseBytes(ev.Data)
			switch ev.Name {
			case "response.created":
				st.id = r.Get("response.id").String()
				st.model = r.Get("response.model").String()
				st.sawRole = true
				return st, []sse.Event{chatChunk(st.id, st.model, map[string]any{"role": "assistant"}, nil)}

			case "response.output_text.delta":
				delta := map[string]any{"content": r.Get("delta").String()}
				return st, []sse.Event{chatChunk(st.id, st.model, delta, nil)}

			case "response.output_item.added":
				if r.Get("item.type").String() != "function_call" {
					return st, nil
				}
				st.sawTool = true
				tool := st.toolIdx
				st.toolIdx++
				id := r.Get("item.call_id").String()
				if id == "" {
					id = r.Get("item.id").String()
				}
				delta := map[string]any{"tool_calls": []any{map[string]any{
					"index": tool,
					"id":    id,
					"type":  "function",
					"function": map[string]any{
						"name":      r.Get("item.name").String(),
						"arguments": "",
					},
				}}}
				return st, []sse.Event{chatChunk(st.id, st.model, delta, nil)}

			case "response.function_call_arguments.delta":
				if st.toolIdx == 0 {
					return st, nil
				}
				delta := map[string]any{"tool_calls": []any{map[string]any{
					"index":    st.toolIdx - 1,
					"function": map[string]any{"arguments": r.Get("delta").String()},
				}}}
				return st, []sse.Event{chatChunk(st.id, st.model, delta, nil)}

			case "response.completed", "response.incomplete":
				if st.closed {
					return st, nil
				}
				st.closed = true
				if u := r.Get("response.usage"); u.Exists() {
					MergeUsage(&st.usage, usageFromResult(u))
				}
				finish := "stop"
				if st.sawTool {
					finish = "tool_calls"
				}
				if ev.Name == "response.incomplete" {
					finish = "length"
				}
				return st, []sse.Event{
					chatChunk(st.id, st.model, map[string]any{}, finish),
					usageChunk(st.id, st.model, st.usage),
					doneEvent(),
				}

			case "response.failed", "error":
				return st, []sse.Event{ev}
			}
			return st, nil
		},
	}
}
