package openai

import (
	"io"
	"log/slog"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/invobot/invobot/providers"
)

func testProvider() *Provider {
	return NewWithClient(goopenai.NewClient("sk-test"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestToAPIRequest(t *testing.T) {
	p := testProvider()

	req := providers.CompletionRequest{
		Model:        "gpt-4o-mini",
		SystemPrompt: "You are a billing assistant.",
		Temperature:  0.2,
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: "Find my invoices"},
			{Role: providers.RoleAssistant, Content: "", ToolCalls: []providers.ToolCall{
				{ID: "call_1", Name: "query_for_invoices", Arguments: map[string]any{"query": "acme"}},
			}},
			{Role: providers.RoleTool, Content: "Found 1 document", ToolCallID: "call_1"},
		},
		Tools: []providers.ToolDefinition{
			{Name: "query_for_invoices", Description: "Search stored invoices", Parameters: map[string]any{"type": "object"}},
		},
		ToolChoice: "auto",
	}

	apiReq := p.toAPIRequest(req)

	if len(apiReq.Messages) != 4 {
		t.Fatalf("Expected 4 messages including the system prompt, got %d", len(apiReq.Messages))
	}
	if apiReq.Messages[0].Role != goopenai.ChatMessageRoleSystem {
		t.Errorf("Expected the system prompt first, got role %q", apiReq.Messages[0].Role)
	}
	if apiReq.Messages[1].Role != goopenai.ChatMessageRoleUser {
		t.Errorf("Expected a user message, got role %q", apiReq.Messages[1].Role)
	}

	assistant := apiReq.Messages[2]
	if assistant.Role != goopenai.ChatMessageRoleAssistant || len(assistant.ToolCalls) != 1 {
		t.Fatalf("Expected an assistant message with one tool call, got %+v", assistant)
	}
	if assistant.ToolCalls[0].ID != "call_1" || assistant.ToolCalls[0].Function.Name != "query_for_invoices" {
		t.Errorf("Unexpected tool call: %+v", assistant.ToolCalls[0])
	}
	if assistant.ToolCalls[0].Function.Arguments != `{"query":"acme"}` {
		t.Errorf("Unexpected tool call arguments: %q", assistant.ToolCalls[0].Function.Arguments)
	}

	toolMsg := apiReq.Messages[3]
	if toolMsg.Role != goopenai.ChatMessageRoleTool || toolMsg.ToolCallID != "call_1" {
		t.Errorf("Unexpected tool message: %+v", toolMsg)
	}

	if len(apiReq.Tools) != 1 || apiReq.Tools[0].Function.Name != "query_for_invoices" {
		t.Fatalf("Unexpected tools: %+v", apiReq.Tools)
	}
	if apiReq.ToolChoice != "auto" {
		t.Errorf("Expected tool choice forwarded, got %v", apiReq.ToolChoice)
	}
}

func TestToAPIRequest_NoToolChoiceWithoutTools(t *testing.T) {
	p := testProvider()

	apiReq := p.toAPIRequest(providers.CompletionRequest{
		Model:      "gpt-4o-mini",
		Messages:   []providers.Message{{Role: providers.RoleUser, Content: "Hi"}},
		ToolChoice: "auto",
	})

	if apiReq.ToolChoice != nil {
		t.Errorf("Expected no tool choice when no tools are sent, got %v", apiReq.ToolChoice)
	}
}

func TestFromAPIResponse_ToolCalls(t *testing.T) {
	p := testProvider()

	resp := &goopenai.ChatCompletionResponse{
		ID:      "chatcmpl-1",
		Model:   "gpt-4o-mini",
		Created: 1700000000,
		Choices: []goopenai.ChatCompletionChoice{{
			Message: goopenai.ChatCompletionMessage{
				Role: goopenai.ChatMessageRoleAssistant,
				ToolCalls: []goopenai.ToolCall{{
					ID:   "call_9",
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      "download_invoice",
						Arguments: `{"invoice_location":"documents/u/1.pdf"}`,
					},
				}},
			},
		}},
		Usage: goopenai.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}

	out := p.fromAPIResponse(resp)

	if out.FinishReason != providers.FinishReasonToolCalls {
		t.Errorf("Expected tool_calls finish reason, got %q", out.FinishReason)
	}
	if len(out.ToolCalls) != 1 {
		t.Fatalf("Expected one tool call, got %d", len(out.ToolCalls))
	}
	tc := out.ToolCalls[0]
	if tc.ID != "call_9" || tc.Name != "download_invoice" {
		t.Errorf("Unexpected tool call: %+v", tc)
	}
	if tc.Arguments["invoice_location"] != "documents/u/1.pdf" {
		t.Errorf("Arguments not decoded: %+v", tc.Arguments)
	}
	if out.Usage.TotalTokens != 12 {
		t.Errorf("Usage not mapped: %+v", out.Usage)
	}
}

func TestFromAPIResponse_PlainText(t *testing.T) {
	p := testProvider()

	resp := &goopenai.ChatCompletionResponse{
		ID: "chatcmpl-2",
		Choices: []goopenai.ChatCompletionChoice{{
			Message: goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleAssistant,
				Content: "Hello!",
			},
		}},
	}

	out := p.fromAPIResponse(resp)

	if out.FinishReason != providers.FinishReasonStop {
		t.Errorf("Expected stop finish reason, got %q", out.FinishReason)
	}
	if out.Content != "Hello!" {
		t.Errorf("Content not mapped: %q", out.Content)
	}
}

func TestFromAPIResponse_BadArgumentsTolerated(t *testing.T) {
	p := testProvider()

	resp := &goopenai.ChatCompletionResponse{
		Choices: []goopenai.ChatCompletionChoice{{
			Message: goopenai.ChatCompletionMessage{
				Role: goopenai.ChatMessageRoleAssistant,
				ToolCalls: []goopenai.ToolCall{{
					ID:       "call_bad",
					Function: goopenai.FunctionCall{Name: "query_for_invoices", Arguments: `{not json`},
				}},
			},
		}},
	}

	out := p.fromAPIResponse(resp)

	if len(out.ToolCalls) != 1 {
		t.Fatalf("Expected the tool call kept, got %d", len(out.ToolCalls))
	}
	if out.ToolCalls[0].Arguments != nil {
		t.Errorf("Expected nil arguments for invalid JSON, got %+v", out.ToolCalls[0].Arguments)
	}
}
