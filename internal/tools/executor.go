package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/roundtable/internal/observability"
	"github.com/haasonsaas/roundtable/pkg/models"
)

// ExecutorConfig bounds tool execution.
type ExecutorConfig struct {
	// PoolSize is the number of worker goroutines. Default 4.
	PoolSize int
	// PerCallTimeout caps a single tool invocation. Default 30s.
	PerCallTimeout time.Duration
}

// DefaultExecutorConfig returns the standard pool bounds.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{PoolSize: 4, PerCallTimeout: 30 * time.Second}
}

// Executor resolves tool_use chunks synchronously on a bounded worker pool.
// When every worker is busy, calls queue FIFO. A tool failure, an unknown
// tool, invalid arguments or a timeout all come back as an OK=false result
// rather than an error: the stream decides what to do with them.
type Executor struct {
	registry *Registry
	config   ExecutorConfig
	metrics  *observability.Metrics
	logger   *observability.Logger

	jobs chan *job
	stop chan struct{}
}

type job struct {
	ctx  context.Context
	call models.ToolCall
	done chan *models.ToolCallResult
}

// NewExecutor creates the executor and starts its workers.
func NewExecutor(registry *Registry, config ExecutorConfig, metrics *observability.Metrics, logger *observability.Logger) *Executor {
	if config.PoolSize <= 0 {
		config.PoolSize = 4
	}
	if config.PerCallTimeout <= 0 {
		config.PerCallTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	e := &Executor{
		registry: registry,
		config:   config,
		metrics:  metrics,
		logger:   logger,
		jobs:     make(chan *job),
		stop:     make(chan struct{}),
	}
	for i := 0; i < config.PoolSize; i++ {
		go e.worker()
	}
	return e
}

// Close stops the workers. In-flight calls finish; queued callers get a
// cancellation result.
func (e *Executor) Close() {
	close(e.stop)
}

func (e *Executor) worker() {
	for {
		select {
		case j := <-e.jobs:
			j.done <- e.run(j.ctx, j.call)
		case <-e.stop:
			return
		}
	}
}

// Execute resolves one tool call. It blocks until a worker picks the call
// up and the call completes, times out or ctx is cancelled.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *models.ToolCallResult {
	j := &job{ctx: ctx, call: call, done: make(chan *models.ToolCallResult, 1)}

	select {
	case e.jobs <- j:
	case <-ctx.Done():
		return failure(call.ID, "tool call canceled while waiting for a worker")
	case <-e.stop:
		return failure(call.ID, "tool executor is shutting down")
	}

	select {
	case result := <-j.done:
		return result
	case <-ctx.Done():
		return failure(call.ID, "tool call canceled")
	}
}

func (e *Executor) run(ctx context.Context, call models.ToolCall) *models.ToolCallResult {
	start := time.Now()
	result := e.invoke(ctx, call)
	elapsed := time.Since(start)

	status := "ok"
	if !result.OK {
		status = "error"
	}
	if e.metrics != nil {
		e.metrics.ToolExecutions.WithLabelValues(call.Name, status).Inc()
		e.metrics.ToolExecDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())
	}
	e.logger.Debug(ctx, "tool executed",
		"tool", call.Name, "tool_call_id", call.ID,
		"status", status, "duration_ms", elapsed.Milliseconds())
	return result
}

func (e *Executor) invoke(ctx context.Context, call models.ToolCall) *models.ToolCallResult {
	registered, ok := e.registry.lookup(call.Name)
	if !ok {
		return failure(call.ID, "tool not found: "+call.Name)
	}
	if err := validateArgs(registered.schema, call.Args); err != nil {
		return failure(call.ID, "invalid arguments: "+err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.PerCallTimeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	outcomes := make(chan outcome, 1)
	go func() {
		result, err := registered.tool.Execute(callCtx, call.Args)
		select {
		case outcomes <- outcome{result: result, err: err}:
		default:
			e.logger.Warn(callCtx, "tool finished after deadline, result discarded",
				"tool", call.Name, "tool_call_id", call.ID)
		}
	}()

	select {
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return failure(call.ID, fmt.Sprintf("tool execution timed out after %v", e.config.PerCallTimeout))
		}
		return failure(call.ID, "tool execution canceled")
	case out := <-outcomes:
		if out.err != nil {
			return failure(call.ID, out.err.Error())
		}
		return &models.ToolCallResult{ID: call.ID, OK: !out.result.IsError, Payload: out.result.Content}
	}
}

func failure(callID, payload string) *models.ToolCallResult {
	return &models.ToolCallResult{ID: callID, OK: false, Payload: payload}
}
