package providers

import (
	"context"
	"errors"

	"github.com/haasonsaas/roundtable/pkg/models"
)

// emitter assigns sequence numbers, stamps attribution and tracks the text
// volume needed for usage estimates. One emitter serves one stream.
type emitter struct {
	ch         chan<- *models.DomainChunk
	providerID string
	modelID    string
	seq        int64
	textRunes  int
	emitted    bool
	terminated bool
}

func newEmitter(ch chan<- *models.DomainChunk, providerID, modelID string) *emitter {
	return &emitter{ch: ch, providerID: providerID, modelID: modelID}
}

// chunk stamps and delivers one chunk. Sends block until the consumer is
// ready, which bounds adapter buffering to a single in-flight event.
func (e *emitter) chunk(c *models.DomainChunk) {
	if e.terminated {
		return
	}
	c.ProviderID = e.providerID
	c.ModelID = e.modelID
	c.Seq = e.seq
	e.seq++
	e.emitted = true
	if c.IsText() {
		e.textRunes += len([]rune(c.Content))
	}
	if c.IsTerminal() {
		e.terminated = true
	}
	e.ch <- c
}

// terminalError emits the single terminal error chunk. Context cancellation
// maps to the cancelled code rather than a provider failure.
func (e *emitter) terminalError(ctx context.Context, perr *Error) {
	if e.terminated {
		return
	}
	var c *models.DomainChunk
	cause := error(perr)
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(cause, context.Canceled) {
		c = models.CancelledChunk()
	} else {
		msg := perr.Message
		if msg == "" {
			msg = perr.Error()
		}
		c = models.ErrorChunk(string(perr.Code), msg, perr.Retryable())
	}
	e.chunk(c)
}

func (e *emitter) emittedAny() bool { return e.emitted }

// estimateCompletionTokens approximates completion tokens from streamed
// text volume when the provider omits an authoritative count. Four
// characters per token is the conventional rough cut.
func (e *emitter) estimateCompletionTokens() int {
	if e.textRunes == 0 {
		return 0
	}
	est := e.textRunes / 4
	if est < 1 {
		est = 1
	}
	return est
}
