package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/roundtable/internal/backoff"
	"github.com/haasonsaas/roundtable/internal/observability"
	"github.com/haasonsaas/roundtable/pkg/models"
)

const anthropicDefaultModel = "claude-sonnet-4-20250514"

// AnthropicProvider adapts Anthropic's Messages streaming API to the
// DomainChunk contract.
//
// Retry behavior: a stream-open failure that is retryable (rate limit,
// timeout, network, server error) is retried exactly once with a short
// jittered backoff before surfacing. Failures after the first emitted
// chunk always surface as a terminal error chunk.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retryPolicy  backoff.Policy
	metrics      *observability.Metrics
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string
	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL string
	// DefaultModel is used when the request does not name a model.
	DefaultModel string
	// Metrics is optional; nil disables adapter metrics.
	Metrics *observability.Metrics
}

// NewAnthropicProvider creates the adapter.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = anthropicDefaultModel
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: config.DefaultModel,
		retryPolicy:  backoff.Policy{Base: 250 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.2},
		metrics:      config.Metrics,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []Model {
	return []Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	}
}

// ValidateKey lists models, which exercises authentication without
// consuming completion tokens.
func (p *AnthropicProvider) ValidateKey(ctx context.Context) (bool, error) {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
	if err == nil {
		return true, nil
	}
	if WrapError(p.Name(), "", err).Code == CodeInvalidAPIKey {
		return false, nil
	}
	return false, err
}

// Stream opens a streaming completion. The returned channel is unbuffered;
// the consumer must drain it until close even after cancelling ctx, which
// is how the single terminal chunk is delivered on cancellation.
func (p *AnthropicProvider) Stream(ctx context.Context, req *models.StreamRequest) (<-chan *models.DomainChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := p.model(req.ModelID)

	chunks := make(chan *models.DomainChunk)
	go func() {
		defer close(chunks)

		emit := newEmitter(chunks, p.Name(), model)

		for attempt := 1; ; attempt++ {
			stream := p.client.Messages.NewStreaming(ctx, params)
			done := p.processStream(ctx, stream, emit, model)
			if done {
				return
			}

			// Stream-open failure: retry once if the error allows it.
			err := stream.Err()
			perr := WrapError(p.Name(), model, err)
			if attempt == 1 && perr.Retryable() && ctx.Err() == nil {
				if p.metrics != nil {
					p.metrics.ProviderRetries.WithLabelValues(p.Name(), string(perr.Code)).Inc()
				}
				if p.retryPolicy.Sleep(ctx, attempt) == nil {
					continue
				}
			}
			emit.terminalError(ctx, perr)
			return
		}
	}()

	return chunks, nil
}

// processStream drains one SSE stream. It returns true when a terminal
// chunk was emitted (the overall stream is finished), false when the stream
// failed before any emission and the caller may retry.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], emit *emitter, model string) bool {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var usage models.Usage
	stopReason := models.StopReasonStop

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				usage.PromptTokens = int(messageStart.Message.Usage.InputTokens)
			}

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					emit.chunk(&models.DomainChunk{Kind: models.ChunkText, Content: delta.Text})
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					emit.chunk(&models.DomainChunk{Kind: models.ChunkThinking, Content: delta.Thinking})
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Args = json.RawMessage(currentToolInput.String())
				emit.chunk(&models.DomainChunk{Kind: models.ChunkToolUse, ToolCall: currentToolCall})
				currentToolCall = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
			}
			stopReason = mapAnthropicStopReason(string(messageDelta.Delta.StopReason))

		case "message_stop":
			if usage.CompletionTokens == 0 {
				usage.CompletionTokens = emit.estimateCompletionTokens()
				usage.Estimated = true
			}
			emit.chunk(&models.DomainChunk{Kind: models.ChunkEnd, StopReason: stopReason, Usage: &usage})
			return true

		case "error":
			emit.terminalError(ctx, WrapError(p.Name(), model, errors.New("anthropic stream error")))
			return true
		}
	}

	if err := stream.Err(); err != nil {
		if !emit.emittedAny() {
			// Let the caller decide whether to retry.
			return false
		}
		emit.terminalError(ctx, WrapError(p.Name(), model, err))
		return true
	}

	// Stream ended without a message_stop. Treat as a server fault.
	if emit.emittedAny() {
		emit.terminalError(ctx, &Error{
			Code: CodeServerError, Provider: p.Name(), Model: model,
			Message: "stream ended without message_stop",
		})
		return true
	}
	return false
}

func (p *AnthropicProvider) buildParams(req *models.StreamRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.ConversationMessages())
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.ModelID)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if system := req.SystemPrompt(); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Options.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Options.Temperature)
	}
	if req.Options.TopP != nil {
		params.TopP = anthropic.Float(*req.Options.TopP)
	}
	if len(req.Options.Stop) > 0 {
		params.StopSequences = req.Options.Stop
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	return params, nil
}

func (p *AnthropicProvider) model(modelID string) string {
	if modelID == "" {
		return p.defaultModel
	}
	return modelID
}

func convertAnthropicMessages(messages []models.ChatMessage) ([]anthropic.MessageParam, error) {
	if len(messages) == 0 {
		return nil, models.ErrNoMessages
	}
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(block))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(block))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []models.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		if tool.Description != "" {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, toolParam)
	}
	return result, nil
}

func mapAnthropicStopReason(reason string) models.StopReason {
	switch reason {
	case "max_tokens":
		return models.StopReasonLength
	case "tool_use":
		return models.StopReasonToolUse
	default:
		return models.StopReasonStop
	}
}
