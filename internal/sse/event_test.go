package sse

import (
	"bytes"
	"testing"
)

func TestSplitterWholeEvents(t *testing.T) {
	t.Parallel()

	var sp Splitter
	events := sp.Feed([]byte("event: message_start\ndata: {\"a\":1}\n\nevent: ping\ndata: {}\n\n"))

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Name != "message_start" {
		t.Errorf("events[0].Name = %q, want %q", events[0].Name, "message_start")
	}
	if string(events[0].Data) != `{"a":1}` {
		t.Errorf("events[0].Data = %q, want %q", events[0].Data, `{"a":1}`)
	}
	if events[1].Name != "ping" {
		t.Errorf("events[1].Name = %q, want %q", events[1].Name, "ping")
	}
}

func TestSplitterFragmented(t *testing.T) {
	t.Parallel()

	var sp Splitter
	if got := sp.Feed([]byte("event: content_block_delta\nda")); len(got) != 0 {
		t.Fatalf("partial feed yielded %d events, want 0", len(got))
	}
	if got := sp.Feed([]byte("ta: {\"text\":\"hi\"}\n")); len(got) != 0 {
		t.Fatalf("unterminated feed yielded %d events, want 0", len(got))
	}
	events := sp.Feed([]byte("\ndata: [DONE]\n\n"))
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Name != "content_block_delta" {
		t.Errorf("Name = %q, want %q", events[0].Name, "content_block_delta")
	}
	if string(events[0].Data) != `{"text":"hi"}` {
		t.Errorf("Data = %q, want %q", events[0].Data, `{"text":"hi"}`)
	}
	if !events[1].Done() {
		t.Error("second event should be [DONE]")
	}
}

func TestSplitterCRLF(t *testing.T) {
	t.Parallel()

	var sp Splitter
	events := sp.Feed([]byte("event: ping\r\ndata: {}\r\n\r\n"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Name != "ping" {
		t.Errorf("Name = %q, want %q", events[0].Name, "ping")
	}
	if string(events[0].Data) != "{}" {
		t.Errorf("Data = %q, want %q", events[0].Data, "{}")
	}
}

func TestSplitterMultiDataLines(t *testing.T) {
	t.Parallel()

	var sp Splitter
	events := sp.Feed([]byte("data: line1\ndata: line2\n\n"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if string(events[0].Data) != "line1\nline2" {
		t.Errorf("Data = %q, want %q", events[0].Data, "line1\nline2")
	}
}

func TestSplitterComment(t *testing.T) {
	t.Parallel()

	var sp Splitter
	events := sp.Feed([]byte(": keep-alive\n\n"))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if !events[0].Comment() {
		t.Error("expected comment event")
	}
	if string(events[0].Raw) != ": keep-alive\n\n" {
		t.Errorf("Raw = %q, want original bytes", events[0].Raw)
	}
}

func TestSplitterRawPreserved(t *testing.T) {
	t.Parallel()

	input := []byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	var sp Splitter
	events := sp.Feed(input)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if !bytes.Equal(events[0].Raw, input) {
		t.Errorf("Raw = %q, want %q", events[0].Raw, input)
	}
}

func TestSplitterRest(t *testing.T) {
	t.Parallel()

	var sp Splitter
	sp.Feed([]byte("data: trunc"))
	rest := sp.Rest()
	if string(rest) != "data: trunc" {
		t.Errorf("Rest = %q, want %q", rest, "data: trunc")
	}
	if sp.Rest() != nil {
		t.Error("second Rest should be nil")
	}
}

func TestSplitterOversizeFlush(t *testing.T) {
	t.Parallel()

	var sp Splitter
	huge := bytes.Repeat([]byte("x"), maxEventSize+1)
	events := sp.Feed(append([]byte("data: "), huge...))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 opaque flush", len(events))
	}
	if !events[0].Comment() {
		t.Error("oversize flush should parse as pass-through")
	}
	if len(events[0].Raw) != len("data: ")+len(huge) {
		t.Errorf("Raw length = %d, want all buffered bytes", len(events[0].Raw))
	}
	if sp.Rest() != nil {
		t.Error("buffer should be empty after oversize flush")
	}
}

func TestParseField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line      string
		wantField string
		wantValue string
		wantOK    bool
	}{
		{"event: message_start", "event", "message_start", true},
		{"data: {\"a\":1}", "data", `{"a":1}`, true},
		{"data:{\"a\":1}", "data", `{"a":1}`, true},
		{"data:  two spaces", "data", " two spaces", true},
		{"id: 42", "id", "42", true},
		{"retry: 3000", "retry", "3000", true},
		{": keep-alive", "", "", false},
		{"", "", "", false},
		{"no colon here", "", "", false},
		{"x-custom: nope", "", "", false},
	}
	for _, tt := range tests {
		field, value, ok := parseField([]byte(tt.line))
		if ok != tt.wantOK {
			t.Errorf("parseField(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			continue
		}
		if field != tt.wantField || string(value) != tt.wantValue {
			t.Errorf("parseField(%q) = %q, %q, want %q, %q", tt.line, field, value, tt.wantField, tt.wantValue)
		}
	}
}

func TestEventEncode(t *testing.T) {
	t.Parallel()

	ev := Event{Name: "message_delta", Data: []byte(`{"usage":{"output_tokens":5}}`)}
	want := "event: message_delta\ndata: {\"usage\":{\"output_tokens\":5}}\n\n"
	if got := string(ev.Encode()); got != want {
		t.Errorf("Encode = %q, want %q", got, want)
	}

	unnamed := Event{Data: []byte("[DONE]")}
	if got := string(unnamed.Encode()); got != "data: [DONE]\n\n" {
		t.Errorf("Encode = %q, want %q", got, "data: [DONE]\n\n")
	}
}

func TestEventDone(t *testing.T) {
	t.Parallel()

	if !(&Event{Data: []byte("[DONE]")}).Done() {
		t.Error("[DONE] should report Done")
	}
	if (&Event{Data: []byte(`{"a":1}`)}).Done() {
		t.Error("JSON payload should not report Done")
	}
}
