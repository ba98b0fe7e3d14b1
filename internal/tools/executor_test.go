package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/roundtable/pkg/models"
)

type fakeTool struct {
	name    string
	schema  string
	execute func(ctx context.Context, args json.RawMessage) (*Result, error)
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "fake tool" }
func (t *fakeTool) Schema() json.RawMessage {
	if t.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(t.schema)
}
func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	return t.execute(ctx, args)
}

func newTestExecutor(t *testing.T, config ExecutorConfig, tools ...Tool) *Executor {
	t.Helper()
	registry := NewRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	registry.Freeze()
	e := NewExecutor(registry, config, nil, nil)
	t.Cleanup(e.Close)
	return e
}

func TestExecuteSuccess(t *testing.T) {
	echo := &fakeTool{
		name: "echo",
		execute: func(_ context.Context, args json.RawMessage) (*Result, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return &Result{Content: in.Text}, nil
		},
	}
	e := newTestExecutor(t, DefaultExecutorConfig(), echo)

	result := e.Execute(context.Background(), models.ToolCall{
		ID: "tc1", Name: "echo", Args: json.RawMessage(`{"text":"hello"}`),
	})
	if !result.OK || result.Payload != "hello" || result.ID != "tc1" {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e := newTestExecutor(t, DefaultExecutorConfig())

	result := e.Execute(context.Background(), models.ToolCall{ID: "tc1", Name: "missing"})
	if result.OK {
		t.Fatal("unknown tool should fail")
	}
	if !strings.Contains(result.Payload, "tool not found") {
		t.Errorf("payload = %q", result.Payload)
	}
}

func TestExecuteRejectsInvalidArgs(t *testing.T) {
	var calls atomic.Int32
	strict := &fakeTool{
		name:   "strict",
		schema: `{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`,
		execute: func(context.Context, json.RawMessage) (*Result, error) {
			calls.Add(1)
			return &Result{Content: "ran"}, nil
		},
	}
	e := newTestExecutor(t, DefaultExecutorConfig(), strict)

	result := e.Execute(context.Background(), models.ToolCall{
		ID: "tc1", Name: "strict", Args: json.RawMessage(`{"n":"not a number"}`),
	})
	if result.OK {
		t.Fatal("schema violation should fail")
	}
	if !strings.Contains(result.Payload, "invalid arguments") {
		t.Errorf("payload = %q", result.Payload)
	}
	if calls.Load() != 0 {
		t.Error("tool should not run on invalid arguments")
	}
}

func TestExecuteTimeout(t *testing.T) {
	slow := &fakeTool{
		name: "slow",
		execute: func(ctx context.Context, _ json.RawMessage) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	e := newTestExecutor(t, ExecutorConfig{PoolSize: 1, PerCallTimeout: 20 * time.Millisecond}, slow)

	result := e.Execute(context.Background(), models.ToolCall{ID: "tc1", Name: "slow"})
	if result.OK {
		t.Fatal("timeout should fail")
	}
	if !strings.Contains(result.Payload, "timed out") {
		t.Errorf("payload = %q", result.Payload)
	}
}

func TestExecuteToolErrorIsNotFatal(t *testing.T) {
	failing := &fakeTool{
		name: "failing",
		execute: func(context.Context, json.RawMessage) (*Result, error) {
			return &Result{Content: "disk full", IsError: true}, nil
		},
	}
	e := newTestExecutor(t, DefaultExecutorConfig(), failing)

	result := e.Execute(context.Background(), models.ToolCall{ID: "tc1", Name: "failing"})
	if result.OK {
		t.Fatal("IsError result should map to OK=false")
	}
	if result.Payload != "disk full" {
		t.Errorf("payload = %q", result.Payload)
	}
}

func TestExecuteQueuesWhenPoolSaturated(t *testing.T) {
	release := make(chan struct{})
	var running atomic.Int32
	blocking := &fakeTool{
		name: "blocking",
		execute: func(ctx context.Context, _ json.RawMessage) (*Result, error) {
			running.Add(1)
			defer running.Add(-1)
			select {
			case <-release:
				return &Result{Content: "done"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	e := newTestExecutor(t, ExecutorConfig{PoolSize: 2, PerCallTimeout: time.Second}, blocking)

	results := make(chan *models.ToolCallResult, 4)
	for i := 0; i < 4; i++ {
		go func() {
			results <- e.Execute(context.Background(), models.ToolCall{ID: "tc", Name: "blocking"})
		}()
	}

	deadline := time.After(time.Second)
	for running.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("workers never started")
		case <-time.After(time.Millisecond):
		}
	}
	if got := running.Load(); got > 2 {
		t.Fatalf("running = %d, want at most pool size 2", got)
	}

	close(release)
	for i := 0; i < 4; i++ {
		select {
		case result := <-results:
			if !result.OK {
				t.Errorf("result = %+v", result)
			}
		case <-time.After(time.Second):
			t.Fatal("queued call never completed")
		}
	}
}

func TestExecuteCanceledWhileQueued(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	blocking := &fakeTool{
		name: "blocking",
		execute: func(ctx context.Context, _ json.RawMessage) (*Result, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return &Result{Content: "done"}, nil
		},
	}
	e := newTestExecutor(t, ExecutorConfig{PoolSize: 1, PerCallTimeout: time.Minute}, blocking)

	started := make(chan struct{})
	go func() {
		close(started)
		e.Execute(context.Background(), models.ToolCall{ID: "tc1", Name: "blocking"})
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := e.Execute(ctx, models.ToolCall{ID: "tc2", Name: "blocking"})
	if result.OK {
		t.Fatal("canceled call should fail")
	}
	if !strings.Contains(result.Payload, "canceled") {
		t.Errorf("payload = %q", result.Payload)
	}
}

func TestRegistryFreeze(t *testing.T) {
	registry := NewRegistry()
	noop := &fakeTool{name: "noop", execute: func(context.Context, json.RawMessage) (*Result, error) {
		return &Result{}, nil
	}}
	if err := registry.Register(noop); err != nil {
		t.Fatal(err)
	}
	registry.Freeze()

	late := &fakeTool{name: "late", execute: noop.execute}
	if err := registry.Register(late); err == nil {
		t.Error("registration after Freeze should fail")
	}
	if _, ok := registry.Get("noop"); !ok {
		t.Error("frozen registry should still serve lookups")
	}
}

func TestRegistryConcurrentLookupsAfterFreeze(t *testing.T) {
	registry := NewRegistry()
	noop := &fakeTool{name: "noop", execute: func(context.Context, json.RawMessage) (*Result, error) {
		return &Result{}, nil
	}}
	if err := registry.Register(noop); err != nil {
		t.Fatal(err)
	}
	registry.Freeze()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if _, ok := registry.Get("noop"); !ok {
					t.Error("lookup failed on frozen registry")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestRegistryDescriptors(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"zeta", "alpha"} {
		tool := &fakeTool{name: name, execute: func(context.Context, json.RawMessage) (*Result, error) {
			return &Result{}, nil
		}}
		if err := registry.Register(tool); err != nil {
			t.Fatal(err)
		}
	}

	descriptors := registry.Descriptors()
	if len(descriptors) != 2 || descriptors[0].Name != "alpha" || descriptors[1].Name != "zeta" {
		t.Errorf("descriptors = %+v", descriptors)
	}
}
