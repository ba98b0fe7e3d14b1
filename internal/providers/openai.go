package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/roundtable/internal/backoff"
	"github.com/haasonsaas/roundtable/internal/observability"
	"github.com/haasonsaas/roundtable/pkg/models"
)

const openaiDefaultModel = "gpt-4o"

// OpenAIProvider adapts OpenAI's chat completion streaming API to the
// DomainChunk contract. Tool call arguments arrive as JSON fragments across
// deltas and are assembled before the tool_use chunk is emitted.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	retryPolicy  backoff.Policy
	metrics      *observability.Metrics
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Metrics      *observability.Metrics
}

// NewOpenAIProvider creates the adapter.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = openaiDefaultModel
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
		retryPolicy:  backoff.Policy{Base: 250 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.2},
		metrics:      config.Metrics,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []Model {
	return []Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", ContextSize: 128000},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000},
	}
}

// ValidateKey lists models to exercise authentication.
func (p *OpenAIProvider) ValidateKey(ctx context.Context) (bool, error) {
	_, err := p.client.ListModels(ctx)
	if err == nil {
		return true, nil
	}
	if WrapError(p.Name(), "", err).Code == CodeInvalidAPIKey {
		return false, nil
	}
	return false, err
}

// Stream opens a streaming completion. Same contract as the Anthropic
// adapter: unbuffered channel, consumer drains until close.
func (p *OpenAIProvider) Stream(ctx context.Context, req *models.StreamRequest) (<-chan *models.DomainChunk, error) {
	if len(req.ConversationMessages()) == 0 {
		return nil, models.ErrNoMessages
	}
	model := p.model(req.ModelID)
	chatReq := p.buildRequest(req, model)

	chunks := make(chan *models.DomainChunk)
	go func() {
		defer close(chunks)

		emit := newEmitter(chunks, p.Name(), model)

		var stream *openai.ChatCompletionStream
		var err error
		for attempt := 1; ; attempt++ {
			stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
			if err == nil {
				break
			}
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
		defer stream.Close()

		p.processStream(ctx, stream, emit, model)
	}()

	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, emit *emitter, model string) {
	// Tool calls stream as fragments keyed by index.
	toolCalls := make(map[int]*models.ToolCall)
	toolArgs := make(map[int]*strings.Builder)
	var usage models.Usage
	stopReason := models.StopReasonStop

	flushToolCalls := func() {
		for i := 0; i < len(toolCalls); i++ {
			tc, ok := toolCalls[i]
			if !ok || tc.ID == "" || tc.Name == "" {
				continue
			}
			tc.Args = json.RawMessage(toolArgs[i].String())
			emit.chunk(&models.DomainChunk{Kind: models.ChunkToolUse, ToolCall: tc})
		}
		toolCalls = make(map[int]*models.ToolCall)
		toolArgs = make(map[int]*strings.Builder)
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				if usage.CompletionTokens == 0 {
					usage.CompletionTokens = emit.estimateCompletionTokens()
					usage.Estimated = true
				}
				emit.chunk(&models.DomainChunk{Kind: models.ChunkEnd, StopReason: stopReason, Usage: &usage})
				return
			}
			emit.terminalError(ctx, WrapError(p.Name(), model, err))
			return
		}

		if response.Usage != nil {
			usage.PromptTokens = response.Usage.PromptTokens
			usage.CompletionTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			emit.chunk(&models.DomainChunk{Kind: models.ChunkText, Content: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
				toolArgs[index] = &strings.Builder{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolArgs[index].WriteString(tc.Function.Arguments)
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			flushToolCalls()
			stopReason = models.StopReasonToolUse
		case openai.FinishReasonLength:
			stopReason = models.StopReasonLength
		case openai.FinishReasonContentFilter:
			emit.terminalError(ctx, &Error{
				Code: CodeContentFiltered, Provider: p.Name(), Model: model,
				Message: "response blocked by content filter",
			})
			return
		}
	}
}

func (p *OpenAIProvider) buildRequest(req *models.StreamRequest, model string) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	if system := req.SystemPrompt(); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range req.ConversationMessages() {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case models.RoleTool:
			role = openai.ChatMessageRoleTool
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.Options.MaxTokens > 0 {
		chatReq.MaxTokens = req.Options.MaxTokens
	}
	if req.Options.Temperature != nil {
		chatReq.Temperature = float32(*req.Options.Temperature)
	}
	if req.Options.TopP != nil {
		chatReq.TopP = float32(*req.Options.TopP)
	}
	if len(req.Options.Stop) > 0 {
		chatReq.Stop = req.Options.Stop
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}
	return chatReq
}

func (p *OpenAIProvider) model(modelID string) string {
	if modelID == "" {
		return p.defaultModel
	}
	return modelID
}
