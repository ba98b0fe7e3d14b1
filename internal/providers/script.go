package providers

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/roundtable/pkg/models"
)

// ScriptStep is one scripted emission. Exactly one field group applies.
type ScriptStep struct {
	// Delay pauses before the step fires.
	Delay time.Duration

	Text     string
	Thinking string
	ToolCall *models.ToolCall

	// End terminates the stream normally.
	End        bool
	StopReason models.StopReason
	Usage      *models.Usage

	// Err terminates the stream with a provider error.
	Err *Error
}

// ScriptedProvider replays a scripted event sequence through the full
// adapter contract. It backs adapter round-trip tests, the end-to-end
// session tests and local development without credentials.
type ScriptedProvider struct {
	// ProviderName defaults to "scripted".
	ProviderName string
	// Steps is the default script.
	Steps []ScriptStep
	// StepsFn, when set, derives the script from the request. Used for
	// tool-continuation scenarios where the second round depends on the
	// injected tool result.
	StepsFn func(req *models.StreamRequest) []ScriptStep
	// FailStreamOpens makes the first N Stream calls fail with a
	// retryable rate-limit error before any emission.
	FailStreamOpens int

	mu       sync.Mutex
	opens    int
	failures int
}

func (p *ScriptedProvider) Name() string {
	if p.ProviderName == "" {
		return "scripted"
	}
	return p.ProviderName
}

func (p *ScriptedProvider) Models() []Model {
	return []Model{{ID: "m1", Name: "Scripted Model", ContextSize: 8192}}
}

func (p *ScriptedProvider) ValidateKey(ctx context.Context) (bool, error) {
	return true, nil
}

// StreamOpens reports how many times Stream was invoked.
func (p *ScriptedProvider) StreamOpens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

func (p *ScriptedProvider) Stream(ctx context.Context, req *models.StreamRequest) (<-chan *models.DomainChunk, error) {
	p.mu.Lock()
	p.opens++
	shouldFail := p.failures < p.FailStreamOpens
	if shouldFail {
		p.failures++
	}
	steps := p.Steps
	if p.StepsFn != nil {
		steps = p.StepsFn(req)
	}
	p.mu.Unlock()

	if shouldFail {
		return nil, &Error{
			Code: CodeRateLimited, Provider: p.Name(), Model: req.ModelID,
			Message: "scripted rate limit", RetryAfter: 10 * time.Millisecond,
		}
	}

	model := req.ModelID
	if model == "" {
		model = "m1"
	}

	chunks := make(chan *models.DomainChunk)
	go func() {
		defer close(chunks)
		emit := newEmitter(chunks, p.Name(), model)

		for _, step := range steps {
			if step.Delay > 0 {
				select {
				case <-time.After(step.Delay):
				case <-ctx.Done():
					emit.chunk(models.CancelledChunk())
					return
				}
			}
			if ctx.Err() != nil {
				emit.chunk(models.CancelledChunk())
				return
			}

			switch {
			case step.Err != nil:
				emit.terminalError(ctx, step.Err)
				return
			case step.End:
				reason := step.StopReason
				if reason == "" {
					reason = models.StopReasonStop
				}
				usage := step.Usage
				if usage == nil {
					usage = &models.Usage{CompletionTokens: emit.estimateCompletionTokens(), Estimated: true}
				}
				emit.chunk(&models.DomainChunk{Kind: models.ChunkEnd, StopReason: reason, Usage: usage})
				return
			case step.ToolCall != nil:
				emit.chunk(&models.DomainChunk{Kind: models.ChunkToolUse, ToolCall: step.ToolCall})
			case step.Thinking != "":
				emit.chunk(&models.DomainChunk{Kind: models.ChunkThinking, Content: step.Thinking})
			default:
				emit.chunk(&models.DomainChunk{Kind: models.ChunkText, Content: step.Text})
			}
		}

		// Script ran out without an explicit terminal step.
		emit.chunk(&models.DomainChunk{Kind: models.ChunkEnd, StopReason: models.StopReasonStop,
			Usage: &models.Usage{CompletionTokens: emit.estimateCompletionTokens(), Estimated: true}})
	}()

	return chunks, nil
}
