package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/roundtable/internal/observability"
	"github.com/haasonsaas/roundtable/internal/providers"
	"github.com/haasonsaas/roundtable/internal/tools"
	"github.com/haasonsaas/roundtable/pkg/models"
)

type staticTool struct {
	name    string
	payload string
	ok      bool
}

func (t *staticTool) Name() string            { return t.name }
func (t *staticTool) Description() string     { return "static tool" }
func (t *staticTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *staticTool) Execute(context.Context, json.RawMessage) (*tools.Result, error) {
	return &tools.Result{Content: t.payload, IsError: !t.ok}, nil
}

func newOrchestrator(t *testing.T, config Config, provider providers.Provider, registered ...tools.Tool) *Orchestrator {
	t.Helper()
	registry := providers.NewRegistry()
	registry.Register(provider)

	toolRegistry := tools.NewRegistry()
	for _, tool := range registered {
		if err := toolRegistry.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	toolRegistry.Freeze()
	executor := tools.NewExecutor(toolRegistry, tools.DefaultExecutorConfig(), nil, nil)
	t.Cleanup(executor.Close)

	return New(config, Deps{Providers: registry, Executor: executor})
}

func collect(t *testing.T, ch <-chan *models.DomainChunk) []*models.DomainChunk {
	t.Helper()
	var out []*models.DomainChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func checkInvariants(t *testing.T, chunks []*models.DomainChunk) {
	t.Helper()
	terminals := 0
	for i, c := range chunks {
		if c.Seq != int64(i) {
			t.Errorf("chunk %d has seq %d", i, c.Seq)
		}
		if c.IsTerminal() {
			terminals++
			if i != len(chunks)-1 {
				t.Errorf("terminal chunk at position %d of %d", i, len(chunks))
			}
		}
		if c.Kind == models.ChunkToolUse {
			if i+1 >= len(chunks) || chunks[i+1].Kind != models.ChunkToolResult ||
				chunks[i+1].ToolResult.ID != c.ToolCall.ID {
				t.Errorf("tool_use at %d is not immediately followed by its tool_result", i)
			}
		}
	}
	if terminals != 1 {
		t.Errorf("terminal chunks = %d, want 1", terminals)
	}
}

func userRequest(provider string) *models.StreamRequest {
	return &models.StreamRequest{
		ThreadID: "t1",
		Provider: provider,
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	}
}

func TestRunSimpleStream(t *testing.T) {
	provider := &providers.ScriptedProvider{Steps: []providers.ScriptStep{
		{Text: "Hello"}, {Text: " world"}, {Text: "!"},
		{End: true, StopReason: models.StopReasonStop, Usage: &models.Usage{PromptTokens: 1, CompletionTokens: 3}},
	}}
	o := newOrchestrator(t, DefaultConfig(), provider)

	ch, cancel, err := o.Run(context.Background(), userRequest("scripted"))
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	chunks := collect(t, ch)
	checkInvariants(t, chunks)

	var text strings.Builder
	for _, c := range chunks {
		if c.IsText() {
			text.WriteString(c.Content)
		}
	}
	if text.String() != "Hello world!" {
		t.Errorf("text = %q", text.String())
	}
	last := chunks[len(chunks)-1]
	if last.Kind != models.ChunkEnd || last.StopReason != models.StopReasonStop {
		t.Errorf("terminal = %+v", last)
	}
}

func TestRunValidation(t *testing.T) {
	provider := &providers.ScriptedProvider{Steps: []providers.ScriptStep{{End: true}}}
	o := newOrchestrator(t, DefaultConfig(), provider)

	tests := []struct {
		name string
		req  *models.StreamRequest
	}{
		{"no messages", &models.StreamRequest{ThreadID: "t1", Provider: "scripted"}},
		{"no thread", &models.StreamRequest{Provider: "scripted", Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}}},
		{"unknown provider", userRequest("nope")},
		{"unknown model", &models.StreamRequest{
			ThreadID: "t1", Provider: "scripted", ModelID: "m99",
			Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := o.Run(context.Background(), tt.req); err == nil {
				t.Error("want synchronous error")
			}
		})
	}
}

func TestRunInlineToolCall(t *testing.T) {
	provider := &providers.ScriptedProvider{Steps: []providers.ScriptStep{
		{Text: "Looking up"},
		{ToolCall: &models.ToolCall{ID: "t1", Name: "file_read", Args: json.RawMessage(`{"p":"/a"}`)}},
		{Text: " done"},
		{End: true, StopReason: models.StopReasonStop},
	}}
	o := newOrchestrator(t, DefaultConfig(), provider, &staticTool{name: "file_read", payload: "CONTENTS", ok: true})

	ch, cancel, err := o.Run(context.Background(), userRequest("scripted"))
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	chunks := collect(t, ch)
	checkInvariants(t, chunks)

	kinds := make([]models.ChunkKind, len(chunks))
	for i, c := range chunks {
		kinds[i] = c.Kind
	}
	want := []models.ChunkKind{models.ChunkText, models.ChunkToolUse, models.ChunkToolResult, models.ChunkText, models.ChunkEnd}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}

	result := chunks[2].ToolResult
	if result.ID != "t1" || !result.OK || result.Payload != "CONTENTS" {
		t.Errorf("tool result = %+v", result)
	}
}

func TestRunContinuationAfterToolUseStop(t *testing.T) {
	provider := &providers.ScriptedProvider{
		StepsFn: func(req *models.StreamRequest) []providers.ScriptStep {
			for _, m := range req.Messages {
				if m.Role == models.RoleTool {
					return []providers.ScriptStep{
						{Text: "It is 18C."},
						{End: true, StopReason: models.StopReasonStop},
					}
				}
			}
			return []providers.ScriptStep{
				{Text: "Checking."},
				{ToolCall: &models.ToolCall{ID: "t1", Name: "weather", Args: json.RawMessage(`{}`)}},
				{End: true, StopReason: models.StopReasonToolUse},
			}
		},
	}
	o := newOrchestrator(t, DefaultConfig(), provider, &staticTool{name: "weather", payload: "18C", ok: true})

	ch, cancel, err := o.Run(context.Background(), userRequest("scripted"))
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	chunks := collect(t, ch)
	checkInvariants(t, chunks)

	if provider.StreamOpens() != 2 {
		t.Errorf("stream opens = %d, want 2", provider.StreamOpens())
	}
	last := chunks[len(chunks)-1]
	if last.Kind != models.ChunkEnd || last.StopReason != models.StopReasonStop {
		t.Errorf("terminal = %+v", last)
	}
	var text strings.Builder
	for _, c := range chunks {
		if c.IsText() {
			text.WriteString(c.Content)
		}
	}
	if !strings.Contains(text.String(), "It is 18C.") {
		t.Errorf("continuation text missing, got %q", text.String())
	}
}

func TestRunToolRoundsExhausted(t *testing.T) {
	provider := &providers.ScriptedProvider{Steps: []providers.ScriptStep{
		{ToolCall: &models.ToolCall{ID: "t1", Name: "loop", Args: json.RawMessage(`{}`)}},
		{End: true, StopReason: models.StopReasonToolUse},
	}}
	config := DefaultConfig()
	config.MaxToolRounds = 2
	o := newOrchestrator(t, config, provider, &staticTool{name: "loop", payload: "again", ok: true})

	ch, cancel, err := o.Run(context.Background(), userRequest("scripted"))
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	chunks := collect(t, ch)
	checkInvariants(t, chunks)

	if provider.StreamOpens() != 2 {
		t.Errorf("stream opens = %d, want 2", provider.StreamOpens())
	}
	last := chunks[len(chunks)-1]
	if last.Kind != models.ChunkEnd || last.StopReason != models.StopReasonToolUse {
		t.Errorf("terminal = %+v, want end{tool_use} passthrough", last)
	}
}

func TestRunRetriesRetryableOpenFailure(t *testing.T) {
	provider := &providers.ScriptedProvider{
		FailStreamOpens: 1,
		Steps: []providers.ScriptStep{
			{Text: "ok"},
			{End: true, StopReason: models.StopReasonStop},
		},
	}
	o := newOrchestrator(t, DefaultConfig(), provider)

	ch, cancel, err := o.Run(context.Background(), userRequest("scripted"))
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	chunks := collect(t, ch)
	checkInvariants(t, chunks)

	for _, c := range chunks {
		if c.Kind == models.ChunkError {
			t.Errorf("retryable open failure leaked an error chunk: %+v", c)
		}
	}
	if provider.StreamOpens() != 2 {
		t.Errorf("stream opens = %d, want 2", provider.StreamOpens())
	}
}

func TestRunIdleTimeout(t *testing.T) {
	provider := &providers.ScriptedProvider{Steps: []providers.ScriptStep{
		{Text: "a"},
		{Delay: time.Hour, Text: "never"},
		{End: true},
	}}
	config := DefaultConfig()
	config.IdleTimeout = 30 * time.Millisecond
	o := newOrchestrator(t, config, provider)

	ch, cancel, err := o.Run(context.Background(), userRequest("scripted"))
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	chunks := collect(t, ch)
	checkInvariants(t, chunks)

	last := chunks[len(chunks)-1]
	if last.Kind != models.ChunkError || last.Err.Code != string(providers.CodeTimeout) {
		t.Errorf("terminal = %+v, want timeout error", last)
	}
}

func TestRunCancellation(t *testing.T) {
	provider := &providers.ScriptedProvider{Steps: []providers.ScriptStep{
		{Text: "a"},
		{Delay: time.Hour, Text: "never"},
		{End: true},
	}}
	o := newOrchestrator(t, DefaultConfig(), provider)

	ch, cancel, err := o.Run(context.Background(), userRequest("scripted"))
	if err != nil {
		t.Fatal(err)
	}

	first := <-ch
	if first.Kind != models.ChunkText {
		t.Fatalf("first chunk = %+v", first)
	}
	cancel()

	rest := collect(t, ch)
	if len(rest) != 1 {
		t.Fatalf("chunks after cancel = %d, want 1", len(rest))
	}
	last := rest[0]
	if last.Kind != models.ChunkError || last.StopReason != models.StopReasonCancelled {
		t.Errorf("terminal = %+v, want cancelled", last)
	}
	if last.Seq != first.Seq+1 {
		t.Errorf("terminal seq = %d, want %d", last.Seq, first.Seq+1)
	}
}

func TestRunToolFailureDoesNotTerminate(t *testing.T) {
	provider := &providers.ScriptedProvider{Steps: []providers.ScriptStep{
		{ToolCall: &models.ToolCall{ID: "t1", Name: "broken", Args: json.RawMessage(`{}`)}},
		{Text: "recovered"},
		{End: true, StopReason: models.StopReasonStop},
	}}
	o := newOrchestrator(t, DefaultConfig(), provider, &staticTool{name: "broken", payload: "boom", ok: false})

	ch, cancel, err := o.Run(context.Background(), userRequest("scripted"))
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	chunks := collect(t, ch)
	checkInvariants(t, chunks)

	var sawFailure bool
	for _, c := range chunks {
		if c.Kind == models.ChunkToolResult && !c.ToolResult.OK {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("expected an OK=false tool result")
	}
	if chunks[len(chunks)-1].Kind != models.ChunkEnd {
		t.Error("stream should end normally after a tool failure")
	}
}

func TestRunCountsChunksAndProviderErrors(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	provider := &providers.ScriptedProvider{Steps: []providers.ScriptStep{
		{Text: "Hello"}, {Text: " there"},
		{End: true, StopReason: models.StopReasonStop},
	}}
	o := newOrchestrator(t, DefaultConfig(), provider)
	o.metrics = metrics

	ch, cancel, err := o.Run(context.Background(), userRequest("scripted"))
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	collect(t, ch)

	if got := testutil.ToFloat64(metrics.ChunksEmitted.WithLabelValues("scripted", "text")); got != 2 {
		t.Errorf("text chunks counted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.ChunksEmitted.WithLabelValues("scripted", "end")); got != 1 {
		t.Errorf("end chunks counted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ProviderErrors.WithLabelValues("scripted", "server_error")); got != 0 {
		t.Errorf("provider errors counted = %v, want 0", got)
	}

	failing := &providers.ScriptedProvider{Steps: []providers.ScriptStep{
		{Text: "partial"},
		{Err: &providers.Error{Code: providers.CodeServerError, Provider: "scripted", Message: "backend unavailable"}},
	}}
	o = newOrchestrator(t, DefaultConfig(), failing)
	o.metrics = metrics

	ch, cancel, err = o.Run(context.Background(), userRequest("scripted"))
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	collect(t, ch)

	if got := testutil.ToFloat64(metrics.ProviderErrors.WithLabelValues("scripted", "server_error")); got != 1 {
		t.Errorf("provider errors counted = %v, want 1", got)
	}
}
