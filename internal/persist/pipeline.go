package persist

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/haasonsaas/roundtable/internal/backoff"
	"github.com/haasonsaas/roundtable/internal/observability"
	"github.com/haasonsaas/roundtable/pkg/models"
)

// PipelineConfig bounds the queue and the per-write retry budget.
type PipelineConfig struct {
	// QueueCapacity bounds the primary queue. The capacity is divided
	// evenly across the worker shards. Default 1024.
	QueueCapacity int
	// WorkerCount is the store writer pool size. Default 4.
	WorkerCount int
	// WriteTimeout caps one store append attempt. Default 5s.
	WriteTimeout time.Duration
	// RetryAttempts bounds attempts per write before spilling to overflow.
	// Default 5.
	RetryAttempts int
	// RetryPolicy is the backoff between attempts.
	RetryPolicy backoff.Policy
	// ReplayInterval is how often the background replayer checks for
	// overflow backlog and queue headroom. Default 5s.
	ReplayInterval time.Duration
}

// DefaultPipelineConfig returns the standard bounds.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		QueueCapacity:  1024,
		WorkerCount:    4,
		WriteTimeout:   5 * time.Second,
		RetryAttempts:  5,
		RetryPolicy:    backoff.Policy{Base: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.2},
		ReplayInterval: 5 * time.Second,
	}
}

// persistItem is one queued bundle. done is nil for normal submissions;
// replayed overflow records carry a channel so the replayer can wait for
// the commit before the record's segment becomes eligible for deletion.
type persistItem struct {
	chunk *models.PersistedChunk
	done  chan error
}

// Pipeline accepts persistence bundles on a bounded queue and commits them
// to the store with bounded retries. The queue is sharded by
// (thread, message) so a single worker owns each message's commit order;
// chunks of one message never race each other into the store. A full shard
// spills to the overflow log; a background replayer routes overflow records
// back through the same shards when there is headroom. Submit never blocks
// the caller on store latency.
type Pipeline struct {
	config   PipelineConfig
	store    Store
	overflow *OverflowLog
	metrics  *observability.Metrics
	logger   *observability.Logger

	shards   []chan persistItem
	capacity int

	mu      sync.Mutex
	stopped bool

	workers    sync.WaitGroup
	replay     chan struct{}
	replayDone chan struct{}
	replaying  bool
}

// NewPipeline wires the pipeline. Overflow may be nil, in which case a full
// queue degrades to dropping (counted); production always passes one.
func NewPipeline(store Store, overflow *OverflowLog, config PipelineConfig, metrics *observability.Metrics, logger *observability.Logger) *Pipeline {
	defaults := DefaultPipelineConfig()
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = defaults.QueueCapacity
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = defaults.RetryAttempts
	}
	if config.RetryPolicy == (backoff.Policy{}) {
		config.RetryPolicy = defaults.RetryPolicy
	}
	if config.ReplayInterval <= 0 {
		config.ReplayInterval = defaults.ReplayInterval
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	perShard := config.QueueCapacity / config.WorkerCount
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]chan persistItem, config.WorkerCount)
	for i := range shards {
		shards[i] = make(chan persistItem, perShard)
	}

	return &Pipeline{
		config:     config,
		store:      store,
		overflow:   overflow,
		metrics:    metrics,
		logger:     logger,
		shards:     shards,
		capacity:   perShard * config.WorkerCount,
		replay:     make(chan struct{}),
		replayDone: make(chan struct{}),
	}
}

// Start launches the workers, replays any overflow backlog from a previous
// run, then starts the background replayer. Callers submit only after
// Start returns.
func (p *Pipeline) Start(ctx context.Context) error {
	for _, shard := range p.shards {
		p.workers.Add(1)
		go p.worker(shard)
	}

	if p.overflow != nil {
		replayed, err := p.overflow.Replay(ctx, func(chunk *models.PersistedChunk) error {
			return p.replayRecord(ctx, chunk)
		})
		if replayed > 0 {
			p.countReplayed(replayed)
			p.logger.Info(ctx, "replayed overflow backlog", "records", replayed)
		}
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.replaying = true
		p.mu.Unlock()
		go func() {
			defer close(p.replayDone)
			p.replayer(ctx)
		}()
	}
	return nil
}

// shardFor maps a bundle to the worker that owns its message.
func (p *Pipeline) shardFor(chunk *models.PersistedChunk) chan persistItem {
	h := fnv.New32a()
	h.Write([]byte(chunk.ThreadID))
	h.Write([]byte{0})
	h.Write([]byte(chunk.MessageID))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

func (p *Pipeline) depth() int {
	total := 0
	for _, shard := range p.shards {
		total += len(shard)
	}
	return total
}

func (p *Pipeline) gaugeDepth() {
	if p.metrics != nil {
		p.metrics.PersistQueueDepth.Set(float64(p.depth()))
	}
}

// Submit enqueues one bundle, spilling to overflow when its shard is full.
// It never blocks on the store. The send happens inside the same critical
// section as the stopped check so Close cannot close the shard under it.
func (p *Pipeline) Submit(chunk *models.PersistedChunk) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.spill(chunk)
		return
	}
	select {
	case p.shardFor(chunk) <- persistItem{chunk: chunk}:
		p.mu.Unlock()
		p.gaugeDepth()
	default:
		p.mu.Unlock()
		p.spill(chunk)
	}
}

// Close stops accepting queue submissions, drains the shards and waits for
// in-flight writes. Submissions racing with Close land in overflow.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	replaying := p.replaying
	p.mu.Unlock()

	close(p.replay)
	if replaying {
		<-p.replayDone
	}
	for _, shard := range p.shards {
		close(shard)
	}
	p.workers.Wait()
}

func (p *Pipeline) worker(shard chan persistItem) {
	defer p.workers.Done()
	for item := range shard {
		p.gaugeDepth()
		if item.done != nil {
			item.done <- p.commit(item.chunk)
			continue
		}
		p.write(item.chunk)
	}
}

// attempt runs the bounded retry loop for one store append.
func (p *Pipeline) attempt(ctx context.Context, chunk *models.PersistedChunk) error {
	return backoff.Retry(ctx, p.config.RetryPolicy, p.config.RetryAttempts, func(attempt int) error {
		wctx, cancel := context.WithTimeout(ctx, p.config.WriteTimeout)
		defer cancel()

		result, err := p.store.AppendChunk(wctx, chunk)
		if err != nil {
			if IsPermanent(err) {
				return backoff.Permanent(err)
			}
			if p.metrics != nil {
				p.metrics.PersistRetries.Inc()
			}
			return err
		}
		p.countWrite(result)
		return nil
	})
}

func (p *Pipeline) write(chunk *models.PersistedChunk) {
	ctx := context.Background()
	err := p.attempt(ctx, chunk)
	if err == nil {
		return
	}

	if IsPermanent(err) {
		if p.metrics != nil {
			p.metrics.PersistDropped.Inc()
		}
		p.countWriteError()
		p.logger.Error(ctx, "dropping bundle on permanent store failure",
			"thread_id", chunk.ThreadID, "message_id", chunk.MessageID,
			"seq", chunk.Seq, "error", err.Error())
		return
	}

	p.countWriteError()
	p.logger.Warn(ctx, "store write exhausted retries, spilling to overflow",
		"thread_id", chunk.ThreadID, "message_id", chunk.MessageID,
		"seq", chunk.Seq, "error", err.Error())
	p.spill(chunk)
}

// commit is the replay path. An overflow record may only be deleted once
// the store accepted it, so transient exhaustion surfaces to the replayer
// and keeps the segment instead of spilling back into the log being
// drained. Permanent failures consume the record, same as write.
func (p *Pipeline) commit(chunk *models.PersistedChunk) error {
	ctx := context.Background()
	err := p.attempt(ctx, chunk)
	if err == nil {
		return nil
	}
	p.countWriteError()
	if IsPermanent(err) {
		if p.metrics != nil {
			p.metrics.PersistDropped.Inc()
		}
		p.logger.Error(ctx, "dropping replayed bundle on permanent store failure",
			"thread_id", chunk.ThreadID, "message_id", chunk.MessageID,
			"seq", chunk.Seq, "error", err.Error())
		return nil
	}
	return err
}

// replayRecord routes one overflow record through its message's shard and
// waits for the commit. Returning nil tells the overflow log the record is
// durable in the store; only then may its segment be removed.
func (p *Pipeline) replayRecord(ctx context.Context, chunk *models.PersistedChunk) error {
	item := persistItem{chunk: chunk, done: make(chan error, 1)}
	select {
	case p.shardFor(chunk) <- item:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.replay:
		return context.Canceled
	}
	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replayer drains overflow backlog whenever the primary queue has headroom.
func (p *Pipeline) replayer(ctx context.Context) {
	ticker := time.NewTicker(p.config.ReplayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-p.replay:
			return
		case <-ctx.Done():
			return
		}

		if p.depth() > p.capacity/2 || !p.overflow.HasBacklog() {
			continue
		}
		replayed, err := p.overflow.Replay(ctx, func(chunk *models.PersistedChunk) error {
			return p.replayRecord(ctx, chunk)
		})
		if replayed > 0 {
			p.countReplayed(replayed)
		}
		if err != nil && ctx.Err() == nil {
			p.logger.Warn(ctx, "overflow replay interrupted", "error", err.Error())
		}
	}
}

func (p *Pipeline) spill(chunk *models.PersistedChunk) {
	if p.overflow == nil {
		if p.metrics != nil {
			p.metrics.PersistDropped.Inc()
		}
		return
	}
	if err := p.overflow.Append(chunk); err != nil {
		if p.metrics != nil {
			p.metrics.PersistDegraded.Inc()
		}
		p.logger.Error(context.Background(), "overflow append failed, bundle lost",
			"thread_id", chunk.ThreadID, "message_id", chunk.MessageID,
			"seq", chunk.Seq, "error", err.Error())
		return
	}
	if p.metrics != nil {
		p.metrics.PersistOverflow.Inc()
	}
}

func (p *Pipeline) countWrite(result AppendResult) {
	if p.metrics == nil {
		return
	}
	switch result {
	case AppendOK:
		p.metrics.PersistWrites.WithLabelValues("ok").Inc()
	case AppendDedup:
		p.metrics.PersistWrites.WithLabelValues("dedup").Inc()
	}
}

func (p *Pipeline) countWriteError() {
	if p.metrics != nil {
		p.metrics.PersistWrites.WithLabelValues("error").Inc()
	}
}

func (p *Pipeline) countReplayed(n int) {
	if p.metrics != nil {
		p.metrics.OverflowReplayed.Add(float64(n))
	}
}
