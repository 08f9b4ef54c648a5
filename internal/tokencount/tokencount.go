// Package tokencount provides heuristic token estimation for usage fallback
// and TPM accounting. Uses a character-based heuristic (~4 bytes per token
// for English) which is sufficient for rate limiting and for billing when an
// upstream response omits its usage block. Can be replaced with a real
// tokenizer for exact counts if needed.
package tokencount

import (
	"github.com/tidwall/gjson"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/wire"
)

// messageOverhead covers role framing and message separators, per the OpenAI
// tokenization notes. Newer models use 4 tokens per message.
const messageOverhead = 4

// EstimateRequest estimates the input-side token count of a buffered request
// body: the system prompt plus every conversation turn, with per-message
// overhead. Understands claude, codex and openai request shapes.
func EstimateRequest(b wire.Body) int64 {
	if !b.Valid {
		return 1
	}
	total := estimateTokens(b.System())
	switch b.Format {
	case relay.FormatCodex:
		total += estimateCodexInput(b.Raw)
	default:
		total += estimateMessages(b.Raw)
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// EstimateText estimates tokens for a plain text string, such as accumulated
// response text.
func EstimateText(text string) int64 {
	return EstimateBytes(len(text))
}

// EstimateBytes estimates tokens for text of a known byte length, for
// callers that accumulate length without materializing the string.
func EstimateBytes(n int) int64 {
	if n <= 0 {
		return 1
	}
	return int64((n + 3) / 4)
}

// estimateMessages walks a claude or openai messages array. Content is
// counted over its raw JSON, which approximates text plus tool structure
// closely enough for a heuristic.
func estimateMessages(raw []byte) int64 {
	var total int64
	gjson.GetBytes(raw, "messages").ForEach(func(_, m gjson.Result) bool {
		total += messageOverhead
		total += estimateTokens(m.Get("role").String())
		total += estimateTokens(m.Get("content").Raw)
		return true
	})
	return total
}

// estimateCodexInput walks the responses-style input, which is either a bare
// string or an array of typed items. The instructions field is the caller's
// concern; System() already surfaces it.
func estimateCodexInput(raw []byte) int64 {
	input := gjson.GetBytes(raw, "input")
	if input.Type == gjson.String {
		return messageOverhead + estimateTokens(input.String())
	}
	var total int64
	input.ForEach(func(_, item gjson.Result) bool {
		total += messageOverhead
		total += estimateTokens(item.Raw)
		return true
	})
	return total
}

// estimateTokens uses the ~4 bytes per token heuristic with ceil division,
// a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int64 {
	if len(s) == 0 {
		return 0
	}
	return int64((len(s) + 3) / 4)
}
