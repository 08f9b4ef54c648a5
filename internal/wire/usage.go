package wire

import (
	"github.com/tidwall/gjson"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/sse"
)

// ExtractUsage locates a usage block in a response body and maps it to the
// relay's token counts. Three spellings are recognized: Claude flat fields,
// the Codex Responses shape at `response.usage` or top level (with
// `input_tokens_details.cached_tokens`), and OpenAI chat
// `prompt_tokens`/`completion_tokens`. ok is false when no usage exists.
func ExtractUsage(raw []byte) (relay.Usage, bool) {
	root := gjson.ParseBytes(raw)
	for _, path := range []string{"usage", "response.usage", "message.usage"} {
		if u := root.Get(path); u.Exists() {
			return usageFromResult(u), true
		}
	}
	return relay.Usage{}, false
}

// usageFromResult maps one usage object to token counts.
func usageFromResult(u gjson.Result) relay.Usage {
	out := relay.Usage{
		InputTokens:              u.Get("input_tokens").Int(),
		OutputTokens:             u.Get("output_tokens").Int(),
		CacheCreationInputTokens: u.Get("cache_creation_input_tokens").Int(),
		CacheReadInputTokens:     u.Get("cache_read_input_tokens").Int(),
	}
	// OpenAI chat spelling.
	if out.InputTokens == 0 {
		out.InputTokens = u.Get("prompt_tokens").Int()
	}
	if out.OutputTokens == 0 {
		out.OutputTokens = u.Get("completion_tokens").Int()
	}
	// Nested cache detail populates the flat field only when absent.
	if out.CacheReadInputTokens == 0 {
		if d := u.Get("input_tokens_details.cached_tokens"); d.Exists() {
			out.CacheReadInputTokens = d.Int()
		} else if d := u.Get("prompt_tokens_details.cached_tokens"); d.Exists() {
			out.CacheReadInputTokens = d.Int()
		}
	}
	return out
}

// UsageFromEvent extracts usage from one SSE event when the event type
// carries it: Claude message_start (input side) and message_delta (output
// side), Codex response.completed, and OpenAI chunks with a usage block.
// Extraction is idempotent -- re-parsing the same event yields the same
// counts.
func UsageFromEvent(ev sse.Event) (relay.Usage, bool) {
	if len(ev.Data) == 0 || ev.Done() {
		return relay.Usage{}, false
	}
	switch ev.Name {
	case "message_start":
		if u := gjson.GetBytes(ev.Data, "message.usage"); u.Exists() {
			return usageFromResult(u), true
		}
		return relay.Usage{}, false
	case "message_delta":
		if u := gjson.GetBytes(ev.Data, "usage"); u.Exists() {
			return usageFromResult(u), true
		}
		return relay.Usage{}, false
	case "response.completed":
		if u := gjson.GetBytes(ev.Data, "response.usage"); u.Exists() {
			return usageFromResult(u), true
		}
		return relay.Usage{}, false
	case "":
		// OpenAI chunks carry no event name; the final chunk may hold usage.
		if u := gjson.GetBytes(ev.Data, "usage"); u.Exists() && u.IsObject() {
			return usageFromResult(u), true
		}
	}
	return relay.Usage{}, false
}

// MergeUsage folds a partial usage observation into the accumulator.
// Non-zero fields overwrite -- streams report the input side and the output
// side in different events, and later observations are authoritative.
func MergeUsage(into *relay.Usage, u relay.Usage) {
	if u.InputTokens > 0 {
		into.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		into.OutputTokens = u.OutputTokens
	}
	if u.CacheCreationInputTokens > 0 {
		into.CacheCreationInputTokens = u.CacheCreationInputTokens
	}
	if u.CacheReadInputTokens > 0 {
		into.CacheReadInputTokens = u.CacheReadInputTokens
	}
}
