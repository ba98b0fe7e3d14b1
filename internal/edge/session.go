package edge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/roundtable/internal/bundler"
	"github.com/haasonsaas/roundtable/internal/merger"
	"github.com/haasonsaas/roundtable/internal/observability"
	"github.com/haasonsaas/roundtable/internal/orchestrator"
	"github.com/haasonsaas/roundtable/internal/persist"
	"github.com/haasonsaas/roundtable/pkg/models"
)

// Config holds the per-session knobs owned by the edge tier.
type Config struct {
	Bundle bundler.Config
	Merger merger.Config

	// HeartbeatInterval is the keepalive cadence on the client sink.
	// Keepalives never enter the domain stream or the persistence path.
	HeartbeatInterval time.Duration
	// TotalTimeout is the absolute wall-clock ceiling for the session.
	// Zero disables it.
	TotalTimeout time.Duration
}

// DefaultSessionConfig mirrors the service defaults.
func DefaultSessionConfig() Config {
	return Config{
		Bundle:            bundler.DefaultConfig(),
		Merger:            merger.DefaultConfig(),
		HeartbeatInterval: 15 * time.Second,
		TotalTimeout:      10 * time.Minute,
	}
}

// Deps are the shared services a session runs against.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	// Pipeline may be nil, which disables persistence.
	Pipeline *persist.Pipeline
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// Session is one in-flight streaming request. It owns a domain stream (or a
// merged roundtable of them), splits it through the bundler and feeds the
// client sink and the persistence pipeline until the terminal chunk lands.
type Session struct {
	ID        string
	ThreadID  string
	MessageID string

	cancel   context.CancelFunc
	timedOut atomic.Bool
	done     chan struct{}
}

// Done is closed once both the client and persistence paths have drained.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel aborts the domain stream. The session still runs to its terminal
// chunk so persistence can finalize with whatever text accumulated.
func (s *Session) Cancel() { s.cancel() }

// StartSession validates the request, fans out one domain stream per panelist
// (merging when there is more than one voice), and starts the delivery
// goroutines. The returned session is already streaming.
//
// Client delivery is lossy under backpressure and stops entirely once a sink
// Send fails; persistence continues past client loss until the terminal chunk
// finalizes the message.
func StartSession(ctx context.Context, config Config, deps Deps, req *models.StreamRequest, sink ClientSink) (*Session, error) {
	if sink == nil {
		return nil, errors.New("edge: nil client sink")
	}
	if deps.Orchestrator == nil {
		return nil, errors.New("edge: nil orchestrator")
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 15 * time.Second
	}

	s := &Session{
		ID:        uuid.NewString(),
		ThreadID:  req.ThreadID,
		MessageID: uuid.NewString(),
		done:      make(chan struct{}),
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	sessionCtx = observability.WithSessionID(sessionCtx, s.ID)
	if req.UserID != "" {
		sessionCtx = observability.WithUserID(sessionCtx, req.UserID)
	}

	domain, cancels, err := startDomain(sessionCtx, config, deps, req)
	if err != nil {
		cancel()
		return nil, err
	}

	if config.TotalTimeout > 0 {
		go func() {
			select {
			case <-time.After(config.TotalTimeout):
				s.timedOut.Store(true)
				cancel()
			case <-s.done:
			}
		}()
	}

	b := bundler.New(config.Bundle, deps.Metrics)
	client, persistCh := b.Run(s.relabelTimeout(domain))

	if deps.Metrics != nil {
		deps.Metrics.ActiveSessions.Inc()
	}
	if deps.Logger != nil {
		deps.Logger.Info(sessionCtx, "session started",
			"provider", req.Provider, "model", req.ModelID,
			"panelists", len(req.Panelists))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.deliverClient(sessionCtx, config, deps, sink, client)
	}()
	go func() {
		defer wg.Done()
		s.deliverPersist(deps, persistCh)
	}()
	go func() {
		wg.Wait()
		cancel()
		for _, c := range cancels {
			c()
		}
		if deps.Metrics != nil {
			deps.Metrics.ActiveSessions.Dec()
		}
		if deps.Logger != nil {
			deps.Logger.Info(sessionCtx, "session finished")
		}
		close(s.done)
	}()

	return s, nil
}

// startDomain opens the orchestrator streams. A request with panelists runs
// one stream per voice behind the fair merger; otherwise the request streams
// directly.
func startDomain(ctx context.Context, config Config, deps Deps, req *models.StreamRequest) (<-chan *models.DomainChunk, []context.CancelFunc, error) {
	if len(req.Panelists) == 0 {
		ch, cancel, err := deps.Orchestrator.Run(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		return ch, []context.CancelFunc{cancel}, nil
	}

	streams := make([]models.PanelistStream, 0, len(req.Panelists))
	cancels := make([]context.CancelFunc, 0, len(req.Panelists))
	for _, p := range req.Panelists {
		ch, cancel, err := deps.Orchestrator.Run(ctx, panelistRequest(req, p))
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return nil, nil, err
		}
		cancels = append(cancels, cancel)
		streams = append(streams, models.PanelistStream{
			PanelistID:  p.PanelistID,
			DisplayName: p.DisplayName,
			Priority:    p.Priority,
			Stream:      ch,
		})
	}
	return merger.Merge(config.Merger, streams, deps.Metrics), cancels, nil
}

// panelistRequest derives the per-voice stream request: panelist provider and
// model override the request's, and the panelist system prompt is prepended
// so it takes precedence over thread-level system messages.
func panelistRequest(req *models.StreamRequest, p models.Panelist) *models.StreamRequest {
	derived := *req
	derived.Panelists = nil
	if p.Provider != "" {
		derived.Provider = p.Provider
	}
	if p.ModelID != "" {
		derived.ModelID = p.ModelID
	}
	if p.System != "" {
		messages := make([]models.ChatMessage, 0, len(req.Messages)+1)
		messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: p.System})
		messages = append(messages, req.Messages...)
		derived.Messages = messages
	}
	return &derived
}

// relabelTimeout rewrites the cancelled terminal into a timeout error when
// the total-timeout timer, not the caller, fired the cancellation.
func (s *Session) relabelTimeout(in <-chan *models.DomainChunk) <-chan *models.DomainChunk {
	out := make(chan *models.DomainChunk)
	go func() {
		defer close(out)
		for c := range in {
			if c.IsTerminal() && c.StopReason == models.StopReasonCancelled && s.timedOut.Load() {
				relabeled := models.ErrorChunk("timeout", "total stream timeout exceeded", false)
				relabeled.Seq = c.Seq
				relabeled.ProviderID = c.ProviderID
				relabeled.ModelID = c.ModelID
				c = relabeled
			}
			out <- c
		}
	}()
	return out
}

// deliverClient pushes bundled chunks and heartbeats at the sink. The first
// Send failure marks the client gone: the domain stream is cancelled, but the
// channel keeps draining so the bundler and the persistence path can finish.
func (s *Session) deliverClient(ctx context.Context, config Config, deps Deps, sink ClientSink, client <-chan *models.DomainChunk) {
	ticker := time.NewTicker(config.HeartbeatInterval)
	defer ticker.Stop()

	gone := false
	for {
		select {
		case c, ok := <-client:
			if !ok {
				return
			}
			if gone {
				continue
			}
			if err := sink.Send(eventFromChunk(c)); err != nil {
				gone = true
				s.cancel()
				if deps.Logger != nil {
					deps.Logger.Info(ctx, "client disconnected, persisting remainder", "error", err.Error())
				}
				continue
			}
			ticker.Reset(config.HeartbeatInterval)
		case <-ticker.C:
			if gone {
				continue
			}
			if err := sink.Send(Keepalive); err != nil {
				gone = true
				s.cancel()
				if deps.Logger != nil {
					deps.Logger.Info(ctx, "client disconnected on keepalive, persisting remainder", "error", err.Error())
				}
			}
		}
	}
}

// deliverPersist submits every bundled chunk to the pipeline. Submit never
// blocks the session; overflow and retry policy live in the pipeline.
func (s *Session) deliverPersist(deps Deps, persistCh <-chan *models.DomainChunk) {
	for c := range persistCh {
		if deps.Pipeline == nil {
			continue
		}
		deps.Pipeline.Submit(s.persistedChunk(c))
	}
}

// persistedChunk converts a bundled domain chunk into its durable record.
// Terminal chunks become the finalized marker and carry the accumulated full
// text, so an interrupted client still leaves a complete message behind.
func (s *Session) persistedChunk(c *models.DomainChunk) *models.PersistedChunk {
	p := &models.PersistedChunk{
		ThreadID:  s.ThreadID,
		MessageID: s.MessageID,
		Seq:       c.Seq,
		Kind:      c.Kind,
		CreatedAt: time.Now().UTC(),
		Finalized: c.IsTerminal(),
	}
	switch c.Kind {
	case models.ChunkEnd:
		p.Content = c.FullContent
	case models.ChunkError:
		// Attributed panelist errors are mid-stream records; the stream's
		// own terminal carries the accumulated text instead.
		if c.IsTerminal() {
			p.Content = c.FullContent
		} else {
			p.Content = marshalJSON(c.Err)
		}
	case models.ChunkToolUse:
		p.Content = marshalJSON(c.ToolCall)
	case models.ChunkToolResult:
		p.Content = marshalJSON(c.ToolResult)
	case models.ChunkUsage:
		p.Content = marshalJSON(c.Usage)
	default:
		p.Content = c.Content
	}
	return p
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
