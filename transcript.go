// Package invobot implements a WhatsApp invoice assistant built around a
// tool-calling conversation loop with externally persisted, token-bounded
// chat history.
package invobot

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Role identifies the author of a transcript entry.
type Role string

const (
	RoleSystem     Role = "system"
	RoleHuman      Role = "human"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// ToolCall is a structured request, emitted by the model, to invoke a named
// tool with arguments. IDs are unique within the assistant entry that
// produced them.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Entry is one turn in a conversation transcript. Which fields are
// meaningful depends on Role: system and human carry Text, assistant carries
// Text and/or ToolCalls, tool_result carries Text plus the ToolCallID it
// answers.
type Entry struct {
	Role            Role       `json:"role"`
	Text            string     `json:"text"`
	SourceMessageID string     `json:"source_message_id,omitempty"`
	ToolCalls       []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID      string     `json:"tool_call_id,omitempty"`
}

// Transcript is the ordered conversation history for one user. Insertion
// order is the only ordering signal.
type Transcript struct {
	Entries []Entry
}

// NewTranscript creates a transcript seeded with a system entry. An empty
// systemPrompt produces an empty transcript.
func NewTranscript(systemPrompt string) Transcript {
	if systemPrompt == "" {
		return Transcript{}
	}
	return Transcript{Entries: []Entry{{Role: RoleSystem, Text: systemPrompt}}}
}

// AppendHuman adds a human turn.
func (t *Transcript) AppendHuman(text, sourceMessageID string) {
	t.Entries = append(t.Entries, Entry{Role: RoleHuman, Text: text, SourceMessageID: sourceMessageID})
}

// AppendAssistant adds an assistant turn. Text may be empty when the entry
// carries tool calls.
func (t *Transcript) AppendAssistant(text string, calls []ToolCall) {
	t.Entries = append(t.Entries, Entry{Role: RoleAssistant, Text: text, ToolCalls: calls})
}

// AppendToolResult adds the outcome of one tool call.
func (t *Transcript) AppendToolResult(text, toolCallID string) {
	t.Entries = append(t.Entries, Entry{Role: RoleToolResult, Text: text, ToolCallID: toolCallID})
}

// SystemEntry returns the leading system entry, if any.
func (t Transcript) SystemEntry() (Entry, bool) {
	if len(t.Entries) > 0 && t.Entries[0].Role == RoleSystem {
		return t.Entries[0], true
	}
	return Entry{}, false
}

// Len returns the number of entries.
func (t Transcript) Len() int { return len(t.Entries) }

// Encode serializes the transcript to its persisted JSON form. Tool call
// metadata survives the round trip exactly; losing it would silently break
// tool-result correlation on the next load.
func Encode(t Transcript) ([]byte, error) {
	entries := t.Entries
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return data, nil
}

// Decode rebuilds a transcript from its persisted JSON form. A single
// malformed entry is skipped and logged rather than poisoning the whole
// conversation. Tool results whose tool_call_id does not match any tool call
// in a preceding assistant entry are dropped; earlier trimming can cut the
// assistant entry that produced them, and the model must never see a result
// without its triggering call.
func Decode(data []byte, logger *slog.Logger) (Transcript, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(data) == 0 {
		return Transcript{}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Transcript{}, fmt.Errorf("decode transcript: %w", err)
	}

	var t Transcript
	seenCalls := make(map[string]struct{})
	for i, r := range raw {
		var e Entry
		if err := json.Unmarshal(r, &e); err != nil {
			logger.Warn("skipping malformed transcript entry", "index", i, "error", err)
			continue
		}
		switch e.Role {
		case RoleSystem:
			// Only a single leading system entry is valid.
			if i != 0 {
				logger.Warn("skipping out-of-place system entry", "index", i)
				continue
			}
		case RoleHuman:
		case RoleAssistant:
			for _, c := range e.ToolCalls {
				seenCalls[c.ID] = struct{}{}
			}
		case RoleToolResult:
			if _, ok := seenCalls[e.ToolCallID]; !ok {
				logger.Warn("dropping orphaned tool result", "index", i, "tool_call_id", e.ToolCallID)
				continue
			}
		default:
			logger.Warn("skipping entry with unknown role", "index", i, "role", string(e.Role))
			continue
		}
		t.Entries = append(t.Entries, e)
	}
	return t, nil
}
