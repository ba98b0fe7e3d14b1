// Package merger interleaves multiple panelist streams into one attributed
// chunk sequence with an anti-starvation scheduling policy.
package merger

import (
	"sort"
	"sync"

	"github.com/haasonsaas/roundtable/internal/observability"
	"github.com/haasonsaas/roundtable/pkg/models"
)

// Config tunes the scheduling policy.
type Config struct {
	// MaxConsecutive is how many buffered chunks one panelist may emit per
	// selection before the scheduler rotates. A mid-flight tool_use extends
	// the turn until its tool_result is through. Default 1.
	MaxConsecutive int
	// WindowSize is the sliding window of recent emissions used to compute
	// each panelist's recent share. Default 16.
	WindowSize int
}

// DefaultConfig returns the standard policy.
func DefaultConfig() Config {
	return Config{MaxConsecutive: 1, WindowSize: 16}
}

// Merge combines the panelist streams into one stream.
//
// Every forwarded chunk carries PanelistID, DisplayName and SourceSeq; Seq
// is reassigned on the merged stream. A panelist's terminal error is
// forwarded attributed and mid-stream; its terminal end is absorbed into
// the aggregate. The merged stream ends with a single synthesized end chunk
// once every panelist stream has terminated, then closes.
//
// Cancellation is not Merge's concern: cancelling the upstream streams
// makes each of them terminate, which terminates the merge.
func Merge(config Config, streams []models.PanelistStream, metrics *observability.Metrics) <-chan *models.DomainChunk {
	if config.MaxConsecutive <= 0 {
		config.MaxConsecutive = 1
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 16
	}

	m := &merge{
		config:  config,
		metrics: metrics,
		notify:  make(chan struct{}, 1),
		out:     make(chan *models.DomainChunk),
	}
	for _, s := range streams {
		m.panelists = append(m.panelists, &panelist{
			id:       s.PanelistID,
			name:     s.DisplayName,
			priority: s.EffectivePriority(),
			stream:   s.Stream,
		})
	}

	for _, p := range m.panelists {
		go m.pump(p)
	}
	go m.schedule()
	return m.out
}

type panelist struct {
	id       string
	name     string
	priority int
	stream   <-chan *models.DomainChunk

	// Guarded by merge.mu.
	queue  []*models.DomainChunk
	closed bool

	// Scheduler-owned.
	terminated bool
	lastStep   int
}

type merge struct {
	config  Config
	metrics *observability.Metrics

	mu        sync.Mutex
	panelists []*panelist
	notify    chan struct{}

	out    chan *models.DomainChunk
	seq    int64
	step   int
	window []string

	usage     models.Usage
	allFailed bool
}

func (m *merge) pump(p *panelist) {
	for c := range p.stream {
		m.mu.Lock()
		p.queue = append(p.queue, c)
		m.mu.Unlock()
		m.signal()
	}
	m.mu.Lock()
	p.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *merge) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *merge) schedule() {
	defer close(m.out)
	m.allFailed = true

	for {
		ready, done := m.readySet()
		if done {
			break
		}
		if len(ready) == 0 {
			<-m.notify
			continue
		}

		chosen := m.pick(ready)
		if m.metrics != nil {
			m.metrics.MergerSelections.WithLabelValues(chosen.id).Inc()
		}
		m.emitTurn(chosen)
	}

	reason := models.StopReasonStop
	if m.allFailed {
		reason = models.StopReasonError
	}
	usage := m.usage
	m.out <- &models.DomainChunk{
		Kind:       models.ChunkEnd,
		StopReason: reason,
		Usage:      &usage,
		Seq:        m.seq,
	}
}

// readySet snapshots which panelists have buffered chunks and whether all
// streams are exhausted.
func (m *merge) readySet() (ready []*panelist, done bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	done = true
	for _, p := range m.panelists {
		if len(p.queue) > 0 {
			ready = append(ready, p)
			done = false
		} else if !p.closed {
			done = false
		}
	}
	return ready, done
}

// pick selects the panelist with the highest priority x (1 - recentShare)
// score, breaking ties by longest idle then smallest ID.
func (m *merge) pick(ready []*panelist) *panelist {
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		as, bs := m.score(a), m.score(b)
		if as != bs {
			return as > bs
		}
		if a.lastStep != b.lastStep {
			return a.lastStep < b.lastStep
		}
		return a.id < b.id
	})
	return ready[0]
}

func (m *merge) score(p *panelist) float64 {
	return float64(p.priority) * (1 - m.recentShare(p.id))
}

func (m *merge) recentShare(id string) float64 {
	if len(m.window) == 0 {
		return 0
	}
	count := 0
	for _, w := range m.window {
		if w == id {
			count++
		}
	}
	return float64(count) / float64(len(m.window))
}

// emitTurn forwards up to MaxConsecutive buffered chunks from p. A
// tool_use extends the turn until its paired tool_result has been
// forwarded, waiting for it to arrive if necessary.
func (m *merge) emitTurn(p *panelist) {
	budget := m.config.MaxConsecutive
	pendingTool := false

	for budget > 0 || pendingTool {
		chunk, ok := m.next(p, pendingTool)
		if !ok {
			return
		}
		budget--

		switch chunk.Kind {
		case models.ChunkEnd:
			if chunk.Usage != nil {
				m.usage.Add(*chunk.Usage)
			}
			m.allFailed = false
			p.terminated = true
			return

		case models.ChunkError:
			m.forward(p, chunk)
			p.terminated = true
			return

		case models.ChunkToolUse:
			pendingTool = true
			m.forward(p, chunk)

		case models.ChunkToolResult:
			pendingTool = false
			m.forward(p, chunk)

		default:
			m.forward(p, chunk)
		}
	}
}

// next pops p's head chunk. When wait is set (a tool pair is mid-flight)
// it blocks until a chunk arrives or the stream closes; otherwise an empty
// queue ends the turn.
func (m *merge) next(p *panelist, wait bool) (*models.DomainChunk, bool) {
	for {
		m.mu.Lock()
		if len(p.queue) > 0 {
			chunk := p.queue[0]
			p.queue = p.queue[1:]
			m.mu.Unlock()
			return chunk, true
		}
		closed := p.closed
		m.mu.Unlock()

		if closed || !wait {
			return nil, false
		}
		<-m.notify
	}
}

func (m *merge) forward(p *panelist, chunk *models.DomainChunk) {
	chunk.PanelistID = p.id
	chunk.DisplayName = p.name
	chunk.SourceSeq = chunk.Seq
	chunk.Seq = m.seq
	m.seq++

	m.step++
	p.lastStep = m.step
	m.window = append(m.window, p.id)
	if len(m.window) > m.config.WindowSize {
		m.window = m.window[1:]
	}

	m.out <- chunk
}
