// Package orchestrator is the single entry point for running a domain
// stream: it selects the provider adapter, composes it with tool execution
// and enforces the per-request chunk invariants. It does not bundle and
// does not persist.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/roundtable/internal/backoff"
	"github.com/haasonsaas/roundtable/internal/observability"
	"github.com/haasonsaas/roundtable/internal/providers"
	"github.com/haasonsaas/roundtable/internal/tools"
	"github.com/haasonsaas/roundtable/pkg/models"
)

// Config bounds a single run.
type Config struct {
	// IdleTimeout is the maximum gap between consecutive upstream chunks
	// before the run is terminated with a timeout error. Default 60s.
	IdleTimeout time.Duration

	// MaxToolRounds caps how many times a stream may be re-opened after the
	// provider stops for tool use. When the cap is reached the end chunk
	// with the tool_use stop reason passes through as the terminal.
	// Default 8.
	MaxToolRounds int

	// OpenAttempts bounds retries of the initial stream open on retryable
	// provider errors. Default 2 (one retry).
	OpenAttempts int
}

// DefaultConfig returns the standard run bounds.
func DefaultConfig() Config {
	return Config{IdleTimeout: 60 * time.Second, MaxToolRounds: 8, OpenAttempts: 2}
}

// Deps are the collaborators an Orchestrator composes.
type Deps struct {
	Providers *providers.Registry
	Executor  *tools.Executor
	Metrics   *observability.Metrics
	Logger    *observability.Logger
	Tracer    trace.Tracer
}

// Orchestrator runs domain streams.
type Orchestrator struct {
	config      Config
	registry    *providers.Registry
	executor    *tools.Executor
	metrics     *observability.Metrics
	logger      *observability.Logger
	tracer      trace.Tracer
	retryPolicy backoff.Policy
}

// New creates an orchestrator. Executor may be nil for deployments without
// tools; tool_use chunks then resolve to a not-found result.
func New(config Config, deps Deps) *Orchestrator {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 60 * time.Second
	}
	if config.MaxToolRounds <= 0 {
		config.MaxToolRounds = 8
	}
	if config.OpenAttempts <= 0 {
		config.OpenAttempts = 2
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Orchestrator{
		config:      config,
		registry:    deps.Providers,
		executor:    deps.Executor,
		metrics:     deps.Metrics,
		logger:      logger,
		tracer:      deps.Tracer,
		retryPolicy: backoff.Default(),
	}
}

// Run validates the request and starts the stream. Validation and
// provider-selection failures return synchronously; everything after that
// surfaces on the returned channel, which always ends with exactly one
// terminal chunk and is then closed. The caller must drain the channel
// after calling cancel.
func (o *Orchestrator) Run(ctx context.Context, req *models.StreamRequest) (<-chan *models.DomainChunk, context.CancelFunc, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	provider, err := o.registry.Get(req.Provider)
	if err != nil {
		return nil, nil, err
	}
	if !o.registry.HasModel(req.Provider, req.ModelID) {
		return nil, nil, &providers.Error{
			Code: providers.CodeModelNotFound, Provider: req.Provider, Model: req.ModelID,
			Message: fmt.Sprintf("model %q is not served by provider %q", req.ModelID, req.Provider),
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan *models.DomainChunk)
	go func() {
		defer close(out)
		o.run(runCtx, provider, req, out)
	}()
	return out, cancel, nil
}

// sink reassigns Seq over the composed stream and enforces the single
// terminal invariant.
type sink struct {
	out        chan<- *models.DomainChunk
	metrics    *observability.Metrics
	provider   string
	seq        int64
	terminated bool
}

func (s *sink) send(c *models.DomainChunk) {
	if s.terminated {
		return
	}
	c.Seq = s.seq
	s.seq++
	if c.IsTerminal() {
		s.terminated = true
	}
	if s.metrics != nil {
		s.metrics.ChunksEmitted.WithLabelValues(s.provider, string(c.Kind)).Inc()
	}
	s.out <- c
}

// toolExchange records one resolved tool_use/tool_result pair for
// continuation prompts.
type toolExchange struct {
	call   models.ToolCall
	result models.ToolCallResult
}

type roundOutcome struct {
	done  bool
	text  string
	pairs []toolExchange
}

func (o *Orchestrator) run(ctx context.Context, provider providers.Provider, req *models.StreamRequest, out chan<- *models.DomainChunk) {
	start := time.Now()
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
			attribute.String("provider", req.Provider),
			attribute.String("model", req.ModelID),
			attribute.String("thread_id", req.ThreadID),
		))
		defer span.End()
	}
	ctx = observability.WithThreadID(ctx, req.ThreadID)

	s := &sink{out: out, metrics: o.metrics, provider: req.Provider}
	messages := append([]models.ChatMessage(nil), req.Messages...)

	for round := 1; ; round++ {
		current := *req
		current.Messages = messages

		roundCtx, cancelRound := context.WithCancel(ctx)
		upstream, ok := o.openStream(roundCtx, provider, &current, s)
		if !ok {
			cancelRound()
			break
		}

		outcome := o.consume(roundCtx, cancelRound, upstream, s, round >= o.config.MaxToolRounds)
		cancelRound()
		if outcome.done {
			break
		}

		o.logger.Debug(ctx, "re-opening stream after tool round",
			"round", round, "tools", len(outcome.pairs))
		messages = appendContinuation(messages, outcome.text, outcome.pairs)
	}

	if o.metrics != nil {
		o.metrics.StreamDuration.WithLabelValues(req.Provider, req.ModelID).Observe(time.Since(start).Seconds())
	}
}

// openStream opens the adapter stream, retrying retryable synchronous
// failures. On a terminal failure it emits the error chunk and reports
// false.
func (o *Orchestrator) openStream(ctx context.Context, provider providers.Provider, req *models.StreamRequest, s *sink) (<-chan *models.DomainChunk, bool) {
	for attempt := 1; ; attempt++ {
		upstream, err := provider.Stream(ctx, req)
		if err == nil {
			return upstream, true
		}
		perr := providers.WrapError(req.Provider, req.ModelID, err)
		if attempt < o.config.OpenAttempts && perr.Retryable() && ctx.Err() == nil {
			if o.metrics != nil {
				o.metrics.ProviderRetries.WithLabelValues(req.Provider, string(perr.Code)).Inc()
			}
			o.logger.Warn(ctx, "stream open failed, retrying",
				"provider", req.Provider, "code", string(perr.Code), "attempt", attempt)
			if o.retryPolicy.Sleep(ctx, attempt) == nil {
				continue
			}
		}
		if ctx.Err() != nil {
			s.send(models.CancelledChunk())
		} else {
			o.countProviderError(req.Provider, string(perr.Code))
			s.send(models.ErrorChunk(string(perr.Code), perr.Error(), perr.Retryable()))
		}
		return nil, false
	}
}

// consume forwards one adapter stream round. Inline tool_use chunks are
// resolved synchronously and the paired tool_result is injected before the
// next upstream chunk is read. An end chunk with the tool_use stop reason
// is swallowed when a continuation round will follow.
func (o *Orchestrator) consume(ctx context.Context, cancelRound context.CancelFunc, upstream <-chan *models.DomainChunk, s *sink, lastRound bool) roundOutcome {
	var outcome roundOutcome
	for {
		select {
		case chunk, open := <-upstream:
			if !open {
				if !s.terminated {
					// Adapter closed without a terminal chunk. Contract
					// violation; surface it rather than hang the session.
					s.send(models.ErrorChunk(string(providers.CodeUnknown), "provider stream closed without terminal chunk", false))
				}
				outcome.done = true
				return outcome
			}

			switch chunk.Kind {
			case models.ChunkToolUse:
				s.send(chunk)
				result := o.executeTool(ctx, *chunk.ToolCall)
				s.send(&models.DomainChunk{
					Kind:       models.ChunkToolResult,
					ToolResult: result,
					ProviderID: chunk.ProviderID,
					ModelID:    chunk.ModelID,
				})
				outcome.pairs = append(outcome.pairs, toolExchange{call: *chunk.ToolCall, result: *result})

			case models.ChunkEnd:
				if chunk.StopReason == models.StopReasonToolUse && len(outcome.pairs) > 0 && !lastRound && ctx.Err() == nil {
					drain(upstream)
					return outcome
				}
				s.send(chunk)
				outcome.done = true
				return outcome

			case models.ChunkError:
				if chunk.IsTerminal() && chunk.Err != nil && chunk.StopReason != models.StopReasonCancelled {
					o.countProviderError(s.provider, chunk.Err.Code)
				}
				s.send(chunk)
				outcome.done = true
				return outcome

			default:
				if chunk.IsText() {
					outcome.text += chunk.Content
				}
				s.send(chunk)
			}

		case <-time.After(o.config.IdleTimeout):
			cancelRound()
			go drain(upstream)
			o.countProviderError(s.provider, string(providers.CodeTimeout))
			s.send(models.ErrorChunk(string(providers.CodeTimeout),
				fmt.Sprintf("no chunk received for %v", o.config.IdleTimeout), true))
			outcome.done = true
			return outcome
		}
	}
}

func (o *Orchestrator) countProviderError(provider, code string) {
	if o.metrics != nil {
		o.metrics.ProviderErrors.WithLabelValues(provider, code).Inc()
	}
}

func (o *Orchestrator) executeTool(ctx context.Context, call models.ToolCall) *models.ToolCallResult {
	if o.executor == nil {
		return &models.ToolCallResult{ID: call.ID, OK: false, Payload: "tool not found: " + call.Name}
	}
	return o.executor.Execute(ctx, call)
}

// appendContinuation extends the transcript with the assistant turn and the
// tool results so the re-opened stream sees what happened.
func appendContinuation(messages []models.ChatMessage, text string, pairs []toolExchange) []models.ChatMessage {
	assistant := text
	for _, p := range pairs {
		call, _ := json.Marshal(struct {
			ID   string          `json:"id"`
			Name string          `json:"name"`
			Args json.RawMessage `json:"args,omitempty"`
		}{p.call.ID, p.call.Name, p.call.Args})
		if assistant != "" {
			assistant += "\n"
		}
		assistant += "[tool call] " + string(call)
	}
	messages = append(messages, models.ChatMessage{Role: models.RoleAssistant, Content: assistant})

	for _, p := range pairs {
		result, _ := json.Marshal(struct {
			ID      string `json:"tool_call_id"`
			OK      bool   `json:"ok"`
			Payload string `json:"payload,omitempty"`
		}{p.result.ID, p.result.OK, p.result.Payload})
		messages = append(messages, models.ChatMessage{Role: models.RoleTool, Content: string(result)})
	}
	return messages
}

func drain(ch <-chan *models.DomainChunk) {
	for range ch {
	}
}
