// Package openai implements the Provider interface over the OpenAI Chat
// Completions API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/invobot/invobot/providers"
)

// Provider implements providers.Provider for OpenAI.
type Provider struct {
	client *goopenai.Client
	logger *slog.Logger
}

// New creates a new OpenAI provider.
func New(apiKey string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client: goopenai.NewClient(apiKey),
		logger: logger,
	}
}

// NewWithClient creates a provider around an existing client. Tests use
// this with a client pointed at a local server.
func NewWithClient(client *goopenai.Client, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{client: client, logger: logger}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "openai"
}

// Complete generates a completion.
func (p *Provider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	apiReq := p.toAPIRequest(req)

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}

	return p.fromAPIResponse(&resp), nil
}

func (p *Provider) toAPIRequest(req providers.CompletionRequest) goopenai.ChatCompletionRequest {
	apiReq := goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if req.SystemPrompt != "" {
		apiReq.Messages = append(apiReq.Messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, toAPIMessage(msg))
	}

	for _, tool := range req.Tools {
		params, err := json.Marshal(tool.Parameters)
		if err != nil {
			p.logger.Warn("skipping tool with unmarshalable schema", "tool", tool.Name, "error", err)
			continue
		}
		apiReq.Tools = append(apiReq.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	if len(apiReq.Tools) > 0 && req.ToolChoice != "" {
		apiReq.ToolChoice = req.ToolChoice
	}

	return apiReq
}

func toAPIMessage(msg providers.Message) goopenai.ChatCompletionMessage {
	apiMsg := goopenai.ChatCompletionMessage{Content: msg.Content}

	switch msg.Role {
	case providers.RoleSystem:
		apiMsg.Role = goopenai.ChatMessageRoleSystem
	case providers.RoleAssistant:
		apiMsg.Role = goopenai.ChatMessageRoleAssistant
		for _, tc := range msg.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			apiMsg.ToolCalls = append(apiMsg.ToolCalls, goopenai.ToolCall{
				ID:   tc.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
	case providers.RoleTool:
		apiMsg.Role = goopenai.ChatMessageRoleTool
		apiMsg.ToolCallID = msg.ToolCallID
	default:
		apiMsg.Role = goopenai.ChatMessageRoleUser
	}

	return apiMsg
}

func (p *Provider) fromAPIResponse(resp *goopenai.ChatCompletionResponse) *providers.CompletionResponse {
	choice := resp.Choices[0]

	out := &providers.CompletionResponse{
		ID:      resp.ID,
		Content: choice.Message.Content,
		Model:   resp.Model,
		Created: time.Unix(resp.Created, 0),
		Usage: providers.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				p.logger.Warn("tool call arguments are not valid JSON", "tool", tc.Function.Name, "error", err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	if len(out.ToolCalls) > 0 {
		out.FinishReason = providers.FinishReasonToolCalls
	} else {
		out.FinishReason = providers.FinishReasonStop
	}

	return out
}
