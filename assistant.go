package invobot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/invobot/invobot/internal/retry"
	"github.com/invobot/invobot/internal/userlock"
	"github.com/invobot/invobot/providers"
)

// Inbound is one user message, delivered by the webhook layer after
// deduplication.
type Inbound struct {
	UserID          string
	Text            string
	SourceMessageID string
}

// Config holds assistant configuration. Provider, Store and Registry are
// explicit dependencies so tests can substitute stubs.
type Config struct {
	Provider      providers.Provider
	Store         TranscriptStore
	Registry      *Registry
	Model         string
	SystemPrompt  string
	Temperature   float32
	MaxToolRounds int           // Model round-trips per turn before the loop is cut off
	TokenBudget   int           // Transcript token budget applied before persistence
	TranscriptTTL time.Duration // Refreshed on every save
	Timeout       TimeoutConfig
	Retry         *retry.Config // Applied to tool execution; model calls are never retried
	Logging       *LoggingConfig
	Tracer        Tracer
}

// Common validation errors.
var (
	ErrMissingProvider = errors.New("invobot: Provider is required")
	ErrMissingStore    = errors.New("invobot: Store is required")
	ErrMissingRegistry = errors.New("invobot: Registry is required")
)

// Assistant drives the tool-calling conversation loop: load history, query
// the model, execute requested tools, repeat until a final answer, trim,
// persist. One instance serves all users.
type Assistant struct {
	provider      providers.Provider
	store         TranscriptStore
	registry      *Registry
	model         string
	systemPrompt  string
	temperature   float32
	maxToolRounds int
	tokenBudget   int
	ttl           time.Duration
	timeout       TimeoutConfig
	retryConfig   retry.Config
	logging       LoggingConfig
	logger        *slog.Logger
	tracer        Tracer
	users         *userlock.Set
}

// New creates an assistant with the given configuration.
func New(cfg Config) (*Assistant, error) {
	if cfg.Provider == nil {
		return nil, ErrMissingProvider
	}
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Registry == nil {
		return nil, ErrMissingRegistry
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 10
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultTokenBudget
	}
	if cfg.TranscriptTTL <= 0 {
		cfg.TranscriptTTL = DefaultTranscriptTTL
	}

	loggingConfig := DefaultLoggingConfig()
	if cfg.Logging != nil {
		loggingConfig = *cfg.Logging
	}
	logger := resolveLogger(loggingConfig)

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = NoOpTracer{}
	}

	retryConfig := retry.DefaultConfig()
	if cfg.Retry != nil {
		retryConfig = *cfg.Retry
	}

	return &Assistant{
		provider:      cfg.Provider,
		store:         cfg.Store,
		registry:      cfg.Registry,
		model:         cfg.Model,
		systemPrompt:  cfg.SystemPrompt,
		temperature:   cfg.Temperature,
		maxToolRounds: cfg.MaxToolRounds,
		tokenBudget:   cfg.TokenBudget,
		ttl:           cfg.TranscriptTTL,
		timeout:       cfg.Timeout,
		retryConfig:   retryConfig,
		logging:       loggingConfig,
		logger:        logger,
		tracer:        tracer,
		users:         userlock.New(),
	}, nil
}

// HandleMessage runs one full turn and returns the final assistant text.
// Turns for the same user are serialized: two concurrent messages would
// otherwise race the load-modify-save cycle and silently drop one turn.
func (a *Assistant) HandleMessage(ctx context.Context, in Inbound) (string, error) {
	unlock := a.users.Lock(in.UserID)
	defer unlock()

	ctx, end := a.tracer.StartSpan(ctx, "assistant.turn", map[string]any{
		"user_id":    in.UserID,
		"message_id": in.SourceMessageID,
	})
	var turnErr error
	defer func() { end(turnErr) }()

	transcript, err := a.loadTranscript(ctx, in.UserID)
	if err != nil {
		turnErr = err
		return "", err
	}
	transcript.AppendHuman(in.Text, in.SourceMessageID)

	final, err := a.runLoop(ctx, in, &transcript)
	if err != nil {
		turnErr = err
		return "", err
	}

	// Trim once, right before persistence. Intra-turn context is never
	// truncated mid-turn.
	transcript = Trim(transcript, a.tokenBudget)
	if err := a.saveTranscript(ctx, in.UserID, transcript); err != nil {
		turnErr = err
		return "", err
	}

	return final, nil
}

// runLoop is the request/execute/respond state machine. It appends to the
// in-memory transcript only; persistence is the caller's job.
func (a *Assistant) runLoop(ctx context.Context, in Inbound, transcript *Transcript) (string, error) {
	for round := 0; round < a.maxToolRounds; round++ {
		a.logger.Debug("model round", "round", round, "max", a.maxToolRounds, "user_id", in.UserID)

		resp, err := a.complete(ctx, *transcript)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}

		calls := ensureCallIDs(resp.ToolCalls)
		if len(calls) == 0 {
			transcript.AppendAssistant(resp.Content, nil)
			a.logger.Info("turn completed", "rounds", round+1, "user_id", in.UserID, "output_length", len(resp.Content))
			return resp.Content, nil
		}

		transcript.AppendAssistant(resp.Content, calls)
		a.executeToolCalls(ctx, in, calls, transcript)
	}

	return "", fmt.Errorf("%w: %d rounds", ErrLoopBudgetExceeded, a.maxToolRounds)
}

// executeToolCalls runs each requested call in the order the model emitted
// them and appends one tool_result per call. Failures are converted to
// result text rather than aborting the turn, so the model can see them and
// react.
func (a *Assistant) executeToolCalls(ctx context.Context, in Inbound, calls []ToolCall, transcript *Transcript) {
	for _, call := range calls {
		inv := Invocation{
			UserID:          in.UserID,
			SourceMessageID: in.SourceMessageID,
			Args:            call.Arguments,
		}

		toolCtx, end := a.tracer.StartSpan(ctx, "assistant.tool", map[string]any{
			"tool":    call.Name,
			"call_id": call.ID,
		})
		cancel := func() {}
		if a.timeout.ToolExecution > 0 {
			toolCtx, cancel = context.WithTimeout(toolCtx, a.timeout.ToolExecution)
		}

		if a.logging.LogToolCalls {
			a.logger.Info("executing tool", "tool", call.Name, "call_id", call.ID, "user_id", in.UserID)
		}

		result, err := retry.Do(toolCtx, a.retryConfig, a.logger, func() (string, error) {
			return a.registry.Execute(toolCtx, call.Name, inv)
		})
		cancel()
		end(err)

		if err != nil {
			a.logger.Error("tool execution failed", "tool", call.Name, "error", err)
			result = fmt.Sprintf("Error executing tool %s: %v", call.Name, err)
		}
		transcript.AppendToolResult(result, call.ID)
	}
}

// complete sends the transcript to the model gateway.
func (a *Assistant) complete(ctx context.Context, transcript Transcript) (*providers.CompletionResponse, error) {
	callCtx := ctx
	cancel := func() {}
	if a.timeout.ModelCall > 0 {
		callCtx, cancel = context.WithTimeout(ctx, a.timeout.ModelCall)
	}
	defer cancel()

	req := providers.CompletionRequest{
		Model:       a.model,
		Messages:    toProviderMessages(transcript),
		Tools:       a.registry.Definitions(),
		Temperature: a.temperature,
		ToolChoice:  "auto",
	}

	return a.provider.Complete(callCtx, req)
}

func (a *Assistant) loadTranscript(ctx context.Context, userID string) (Transcript, error) {
	opCtx := ctx
	cancel := func() {}
	if a.timeout.StoreOp > 0 {
		opCtx, cancel = context.WithTimeout(ctx, a.timeout.StoreOp)
	}
	defer cancel()

	data, found, err := a.store.Load(opCtx, userID)
	if err != nil {
		return Transcript{}, fmt.Errorf("%w: load: %v", ErrStoreUnavailable, err)
	}
	if !found {
		a.logger.Info("starting fresh conversation", "user_id", userID)
		return NewTranscript(a.systemPrompt), nil
	}

	transcript, err := Decode(data, a.logger)
	if err != nil {
		// An unreadable record should not wedge the user forever; start over.
		a.logger.Error("persisted transcript unreadable, starting fresh", "user_id", userID, "error", err)
		return NewTranscript(a.systemPrompt), nil
	}
	if _, ok := transcript.SystemEntry(); !ok && a.systemPrompt != "" {
		seeded := NewTranscript(a.systemPrompt)
		seeded.Entries = append(seeded.Entries, transcript.Entries...)
		transcript = seeded
	}
	return transcript, nil
}

func (a *Assistant) saveTranscript(ctx context.Context, userID string, transcript Transcript) error {
	data, err := Encode(transcript)
	if err != nil {
		return err
	}

	opCtx := ctx
	cancel := func() {}
	if a.timeout.StoreOp > 0 {
		opCtx, cancel = context.WithTimeout(ctx, a.timeout.StoreOp)
	}
	defer cancel()

	if err := a.store.Save(opCtx, userID, data, a.ttl); err != nil {
		return fmt.Errorf("%w: save: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ensureCallIDs converts provider tool calls to transcript tool calls,
// assigning IDs to any the provider left blank so tool_result correlation
// never breaks.
func ensureCallIDs(calls []providers.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		id := c.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		out = append(out, ToolCall{ID: id, Name: c.Name, Arguments: c.Arguments})
	}
	return out
}

// toProviderMessages maps transcript entries to the gateway message shape.
func toProviderMessages(t Transcript) []providers.Message {
	msgs := make([]providers.Message, 0, len(t.Entries))
	for _, e := range t.Entries {
		switch e.Role {
		case RoleSystem:
			msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: e.Text})
		case RoleHuman:
			msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: e.Text})
		case RoleAssistant:
			msg := providers.Message{Role: providers.RoleAssistant, Content: e.Text}
			for _, c := range e.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
			}
			msgs = append(msgs, msg)
		case RoleToolResult:
			msgs = append(msgs, providers.Message{Role: providers.RoleTool, Content: e.Text, ToolCallID: e.ToolCallID})
		}
	}
	return msgs
}
