// Package bundler splits one domain chunk stream into a client-facing and a
// persistence-facing stream, each coalescing fine-grained text chunks into
// bundles under its own size and latency targets.
package bundler

import (
	"strings"
	"time"

	"github.com/haasonsaas/roundtable/internal/observability"
	"github.com/haasonsaas/roundtable/pkg/models"
)

// SinkConfig bounds one downstream accumulator. Zero values disable the
// corresponding threshold.
type SinkConfig struct {
	// MaxTokens flushes when the buffered text reaches this many tokens
	// (whitespace-delimited words).
	MaxTokens int
	// MaxBytes flushes when the buffered text reaches this many bytes.
	MaxBytes int
	// MaxLatency flushes when the oldest buffered chunk has waited this long.
	MaxLatency time.Duration
}

// Config holds both sink policies and the channel bounds.
type Config struct {
	Client  SinkConfig
	Persist SinkConfig

	// ClientBuffer is the client channel capacity. When the client consumer
	// falls behind, intermediate text bundles are dropped; non-text chunks
	// and the terminal never are. Default 32.
	ClientBuffer int
	// PersistBuffer is the persistence channel capacity. The persistence
	// path is lossless; a full buffer blocks the bundler. Default 64.
	PersistBuffer int
}

// DefaultConfig returns the conventional client/persistence split.
func DefaultConfig() Config {
	return Config{
		Client:        SinkConfig{MaxTokens: 15, MaxBytes: 4096, MaxLatency: 100 * time.Millisecond},
		Persist:       SinkConfig{MaxTokens: 50, MaxBytes: 16384, MaxLatency: 500 * time.Millisecond},
		ClientBuffer:  32,
		PersistBuffer: 64,
	}
}

// Bundler runs the dual-output split.
type Bundler struct {
	config  Config
	metrics *observability.Metrics

	// Dropped counts intermediate client bundles discarded under
	// backpressure, readable after the run for reconciliation.
	dropped int
}

// New creates a bundler. Metrics may be nil.
func New(config Config, metrics *observability.Metrics) *Bundler {
	if config.ClientBuffer <= 0 {
		config.ClientBuffer = 32
	}
	if config.PersistBuffer <= 0 {
		config.PersistBuffer = 64
	}
	return &Bundler{config: config, metrics: metrics}
}

// Run consumes in until it closes and returns the two downstream channels.
// Each downstream sees every text span exactly once as part of some bundle
// (minus client drops under backpressure) and exactly one terminal chunk,
// after all bundles, carrying the full accumulated text in FullContent.
func (b *Bundler) Run(in <-chan *models.DomainChunk) (client, persist <-chan *models.DomainChunk) {
	clientCh := make(chan *models.DomainChunk, b.config.ClientBuffer)
	persistCh := make(chan *models.DomainChunk, b.config.PersistBuffer)
	go b.loop(in, clientCh, persistCh)
	return clientCh, persistCh
}

// Dropped reports how many intermediate client bundles were discarded.
// Valid after both downstream channels have closed.
func (b *Bundler) Dropped() int { return b.dropped }

func (b *Bundler) loop(in <-chan *models.DomainChunk, client, persist chan *models.DomainChunk) {
	defer close(client)
	defer close(persist)

	clientAcc := newAccumulator(b.config.Client)
	persistAcc := newAccumulator(b.config.Persist)
	defer clientAcc.stopTimer()
	defer persistAcc.stopTimer()

	var full strings.Builder

	for {
		select {
		case chunk, open := <-in:
			if !open {
				// Upstream closed. Normally the terminal chunk already
				// flushed everything; this only matters for truncated
				// streams.
				b.flushClient(clientAcc, client, "boundary")
				b.flushPersist(persistAcc, persist, "boundary")
				return
			}

			if chunk.IsText() {
				full.WriteString(chunk.Content)
				// A bundle never mixes panelists; a speaker change on a
				// merged stream flushes whatever the previous voice buffered.
				if clientAcc.speakerChanged(chunk) {
					b.flushClient(clientAcc, client, "boundary")
				}
				clientAcc.append(chunk)
				if cause := clientAcc.over(); cause != "" {
					b.flushClient(clientAcc, client, cause)
				}
				if persistAcc.speakerChanged(chunk) {
					b.flushPersist(persistAcc, persist, "boundary")
				}
				persistAcc.append(chunk)
				if cause := persistAcc.over(); cause != "" {
					b.flushPersist(persistAcc, persist, cause)
				}
				continue
			}

			// Non-text chunks are bundle boundaries: flush, then pass the
			// chunk through verbatim on both paths. Persist goes first so a
			// stalled client consumer cannot delay durable delivery.
			b.flushPersist(persistAcc, persist, "boundary")
			b.flushClient(clientAcc, client, "boundary")
			if chunk.IsTerminal() {
				chunk.FullContent = full.String()
			}
			persist <- chunk
			client <- chunk
			if chunk.IsTerminal() {
				for range in {
				}
				return
			}

		case <-clientAcc.timerC:
			clientAcc.timerFired()
			b.flushClient(clientAcc, client, "latency")

		case <-persistAcc.timerC:
			persistAcc.timerFired()
			b.flushPersist(persistAcc, persist, "latency")
		}
	}
}

func (b *Bundler) flushClient(acc *accumulator, client chan *models.DomainChunk, cause string) {
	bundle := acc.take()
	if bundle == nil {
		return
	}
	select {
	case client <- bundle:
		b.countFlush("client", cause)
	default:
		// Client consumer is behind. Intermediate text bundles are the only
		// thing allowed to go missing on this path.
		b.dropped++
		if b.metrics != nil {
			b.metrics.BundlesDropped.Inc()
		}
	}
}

func (b *Bundler) flushPersist(acc *accumulator, persist chan *models.DomainChunk, cause string) {
	bundle := acc.take()
	if bundle == nil {
		return
	}
	persist <- bundle
	b.countFlush("persist", cause)
}

func (b *Bundler) countFlush(sink, cause string) {
	if b.metrics != nil {
		b.metrics.BundlesFlushed.WithLabelValues(sink, cause).Inc()
	}
}

// accumulator buffers consecutive text chunks for one sink.
type accumulator struct {
	config SinkConfig

	buf   strings.Builder
	first *models.DomainChunk

	timer  *time.Timer
	timerC <-chan time.Time
}

func newAccumulator(config SinkConfig) *accumulator {
	return &accumulator{config: config}
}

func (a *accumulator) append(chunk *models.DomainChunk) {
	if a.first == nil {
		a.first = chunk
		if a.config.MaxLatency > 0 {
			if a.timer == nil {
				a.timer = time.NewTimer(a.config.MaxLatency)
			} else {
				a.timer.Reset(a.config.MaxLatency)
			}
			a.timerC = a.timer.C
		}
	}
	a.buf.WriteString(chunk.Content)
}

// speakerChanged reports whether the incoming chunk belongs to a different
// panelist than the buffered text.
func (a *accumulator) speakerChanged(chunk *models.DomainChunk) bool {
	return a.first != nil && a.first.PanelistID != chunk.PanelistID
}

// over reports which threshold the buffer has crossed, if any.
func (a *accumulator) over() string {
	if a.first == nil {
		return ""
	}
	if a.config.MaxTokens > 0 && countTokens(a.buf.String()) >= a.config.MaxTokens {
		return "tokens"
	}
	if a.config.MaxBytes > 0 && a.buf.Len() >= a.config.MaxBytes {
		return "bytes"
	}
	return ""
}

// take drains the buffer into one synthesized text chunk attributed like
// the first buffered chunk, carrying its Seq.
func (a *accumulator) take() *models.DomainChunk {
	if a.first == nil {
		return nil
	}
	bundle := &models.DomainChunk{
		Kind:        models.ChunkText,
		Content:     a.buf.String(),
		Seq:         a.first.Seq,
		ProviderID:  a.first.ProviderID,
		ModelID:     a.first.ModelID,
		PanelistID:  a.first.PanelistID,
		DisplayName: a.first.DisplayName,
	}
	a.buf.Reset()
	a.first = nil
	if a.timer != nil && a.timerC != nil {
		if !a.timer.Stop() {
			select {
			case <-a.timer.C:
			default:
			}
		}
		a.timerC = nil
	}
	return bundle
}

func (a *accumulator) timerFired() {
	a.timerC = nil
}

func (a *accumulator) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
	}
}

// countTokens approximates tokens as whitespace-delimited words.
func countTokens(s string) int {
	return len(strings.Fields(s))
}
