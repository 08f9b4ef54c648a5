package wire

import (
	"strings"

	"github.com/tidwall/sjson"

	relay "github.com/eugener/switchyard/internal"
)

// OfficialInstructions is the instructions preamble the official Codex CLI
// sends. It is the built-in repair value when an upstream rejects a
// third-party client's instructions and no cached string exists.
const OfficialInstructions = "You are Codex, based on GPT-5. You are running as a coding agent in the Codex CLI on a user's computer."

// officialPrefix identifies bodies produced by the official CLI; those are
// forwarded untouched under the auto strategy.
const officialPrefix = "You are Codex, based on"

// codexDropFields are chat-style knobs the Responses API rejects.
var codexDropFields = []string{
	"max_tokens",
	"max_completion_tokens",
	"temperature",
	"top_p",
	"top_k",
	"presence_penalty",
	"frequency_penalty",
	"logit_bias",
	"logprobs",
	"top_logprobs",
	"seed",
	"stop",
	"metadata",
	"service_tier",
	"user",
}

// FromOfficialCLI reports whether a codex body carries the official CLI
// instructions preamble.
func FromOfficialCLI(b Body) bool {
	return strings.HasPrefix(b.Instructions(), officialPrefix)
}

// NormalizeCodex prepares a codex body for the Responses API: store is
// forced off, fields the API rejects are dropped, and the instructions
// strategy is applied. Under auto, official CLI traffic bypasses
// normalization entirely so the upstream sees exactly what the CLI sent.
func NormalizeCodex(b Body, strategy relay.InstructionsStrategy) Body {
	if !b.Valid || b.Format != relay.FormatCodex {
		return b
	}
	if strategy == "" {
		strategy = relay.InstructionsAuto
	}
	if strategy == relay.InstructionsAuto && FromOfficialCLI(b) {
		return b
	}

	b = b.Without(codexDropFields...)
	if raw, err := sjson.SetBytes(b.Raw, "store", false); err == nil {
		b.Raw = raw
	}

	switch strategy {
	case relay.InstructionsForce:
		b = b.WithInstructions(OfficialInstructions)
	case relay.InstructionsKeepOriginal:
		// Leave whatever the client sent, including absence.
	default: // auto
		if b.Instructions() == "" {
			b = b.WithInstructions(OfficialInstructions)
		}
	}
	return b
}
