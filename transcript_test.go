package invobot

import (
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestEncodeDecode_RoundTrip(t *testing.T) {
	transcript := NewTranscript("You are a billing assistant.")
	transcript.AppendHuman("show me my June invoices", "wamid.1")
	transcript.AppendAssistant("", []ToolCall{
		{ID: "call_1", Name: "query_for_invoices", Arguments: map[string]any{"query": "June invoices"}},
	})
	transcript.AppendToolResult("Found 2 documents.", "call_1")
	transcript.AppendAssistant("Here are your June invoices.", nil)

	data, err := Encode(transcript)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(data, discardLogger())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Len() != transcript.Len() {
		t.Fatalf("Expected %d entries after round trip, got %d", transcript.Len(), decoded.Len())
	}

	assistant := decoded.Entries[2]
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call to survive the round trip, got %d", len(assistant.ToolCalls))
	}
	call := assistant.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "query_for_invoices" {
		t.Errorf("Tool call identity changed: %+v", call)
	}
	if call.Arguments["query"] != "June invoices" {
		t.Errorf("Tool call arguments changed: %+v", call.Arguments)
	}

	result := decoded.Entries[3]
	if result.Role != RoleToolResult || result.ToolCallID != "call_1" {
		t.Errorf("Tool result correlation changed: %+v", result)
	}

	if decoded.Entries[1].SourceMessageID != "wamid.1" {
		t.Errorf("Source message ID changed: %+v", decoded.Entries[1])
	}
}

func TestEncode_EmptyTranscript(t *testing.T) {
	data, err := Encode(Transcript{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("Expected empty JSON array, got %s", data)
	}
}

func TestDecode_SkipsMalformedEntries(t *testing.T) {
	raw := `[
		{"role":"system","text":"prompt"},
		{"role":"","text":"no role"},
		{"role":"assistant","text":"hi"}
	]`

	decoded, err := Decode([]byte(raw), discardLogger())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Len() != 2 {
		t.Fatalf("Expected the malformed entry to be skipped, got %d entries", decoded.Len())
	}
	if decoded.Entries[1].Role != RoleAssistant {
		t.Errorf("Surviving entries reordered: %+v", decoded.Entries)
	}
}

func TestDecode_RejectsInvalidJSON(t *testing.T) {
	if _, err := Decode([]byte("{not json"), discardLogger()); err == nil {
		t.Fatal("Expected an error for a non-array payload")
	}
}

func TestDecode_DropsOrphanedToolResults(t *testing.T) {
	transcript := NewTranscript("prompt")
	transcript.AppendHuman("hello", "wamid.1")
	transcript.AppendToolResult("stale result", "call_gone")

	data, err := Encode(transcript)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(data, discardLogger())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	for _, e := range decoded.Entries {
		if e.Role == RoleToolResult {
			t.Fatalf("Orphaned tool result survived decode: %+v", e)
		}
	}
	if decoded.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", decoded.Len())
	}
}

func TestDecode_KeepsCorrelatedToolResults(t *testing.T) {
	transcript := NewTranscript("prompt")
	transcript.AppendAssistant("", []ToolCall{{ID: "call_7", Name: "delete_context"}})
	transcript.AppendToolResult("done", "call_7")

	data, _ := Encode(transcript)
	decoded, err := Decode(data, discardLogger())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Len() != 3 {
		t.Fatalf("Expected correlated tool result to survive, got %d entries", decoded.Len())
	}
}

func TestDecode_RejectsMisplacedSystemEntry(t *testing.T) {
	raw := `[
		{"role":"human","text":"hello"},
		{"role":"system","text":"sneaky prompt"}
	]`
	decoded, err := Decode([]byte(raw), discardLogger())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	for i, e := range decoded.Entries {
		if e.Role == RoleSystem && i != 0 {
			t.Fatalf("System entry allowed at position %d", i)
		}
	}
	if decoded.Len() != 1 {
		t.Errorf("Expected only the human entry, got %d entries", decoded.Len())
	}
}

func TestEntry_JSONShape(t *testing.T) {
	e := Entry{Role: RoleHuman, Text: "hi", SourceMessageID: "wamid.9"}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"source_message_id":"wamid.9"`) {
		t.Errorf("Unexpected JSON shape: %s", s)
	}
	if strings.Contains(s, "tool_calls") || strings.Contains(s, "tool_call_id") {
		t.Errorf("Empty tool fields should be omitted: %s", s)
	}
}

func TestSystemEntry(t *testing.T) {
	transcript := NewTranscript("prompt")
	if _, ok := transcript.SystemEntry(); !ok {
		t.Error("Expected a system entry on a fresh transcript")
	}

	var empty Transcript
	if _, ok := empty.SystemEntry(); ok {
		t.Error("Expected no system entry on an empty transcript")
	}
}
