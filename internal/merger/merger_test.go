package merger

import (
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/roundtable/pkg/models"
)

func stream(chunks ...*models.DomainChunk) <-chan *models.DomainChunk {
	ch := make(chan *models.DomainChunk, len(chunks))
	for i, c := range chunks {
		c.Seq = int64(i)
		ch <- c
	}
	close(ch)
	return ch
}

func textChunks(prefix string, n int) []*models.DomainChunk {
	out := make([]*models.DomainChunk, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, &models.DomainChunk{Kind: models.ChunkText, Content: fmt.Sprintf("%s%d ", prefix, i)})
	}
	out = append(out, &models.DomainChunk{
		Kind: models.ChunkEnd, StopReason: models.StopReasonStop,
		Usage: &models.Usage{PromptTokens: 1, CompletionTokens: n},
	})
	return out
}

func collect(t *testing.T, ch <-chan *models.DomainChunk) []*models.DomainChunk {
	t.Helper()
	var out []*models.DomainChunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, open := <-ch:
			if !open {
				return out
			}
			out = append(out, c)
		case <-deadline:
			t.Fatal("merged stream never closed")
		}
	}
}

func TestMergeAttribution(t *testing.T) {
	streams := []models.PanelistStream{
		{PanelistID: "a", DisplayName: "Alice", Priority: 1, Stream: stream(textChunks("a", 3)...)},
		{PanelistID: "b", DisplayName: "Bob", Priority: 1, Stream: stream(textChunks("b", 3)...)},
	}
	chunks := collect(t, Merge(DefaultConfig(), streams, nil))

	for i, c := range chunks {
		if c.Seq != int64(i) {
			t.Errorf("chunk %d merged seq = %d", i, c.Seq)
		}
	}

	last := chunks[len(chunks)-1]
	if last.Kind != models.ChunkEnd || last.StopReason != models.StopReasonStop {
		t.Fatalf("terminal = %+v", last)
	}
	if last.Usage.PromptTokens != 2 || last.Usage.CompletionTokens != 6 {
		t.Errorf("aggregate usage = %+v", last.Usage)
	}

	perPanelist := map[string][]int64{}
	for _, c := range chunks[:len(chunks)-1] {
		if c.PanelistID == "" || c.DisplayName == "" {
			t.Fatalf("unattributed chunk %+v", c)
		}
		perPanelist[c.PanelistID] = append(perPanelist[c.PanelistID], c.SourceSeq)
	}
	for id, seqs := range perPanelist {
		if len(seqs) != 3 {
			t.Errorf("panelist %s chunks = %d, want 3", id, len(seqs))
		}
		for i, s := range seqs {
			if s != int64(i) {
				t.Errorf("panelist %s source seqs = %v, want preserved order", id, seqs)
				break
			}
		}
	}
}

func TestMergeFairness(t *testing.T) {
	const n = 100
	streams := []models.PanelistStream{
		{PanelistID: "a", Priority: 1, Stream: stream(textChunks("a", n)...)},
		{PanelistID: "b", Priority: 1, Stream: stream(textChunks("b", n)...)},
	}
	chunks := collect(t, Merge(DefaultConfig(), streams, nil))

	var ids []string
	for _, c := range chunks {
		if c.Kind == models.ChunkText {
			ids = append(ids, c.PanelistID)
		}
	}
	if len(ids) != 2*n {
		t.Fatalf("text chunks = %d, want %d", len(ids), 2*n)
	}

	// Skip the first few steps where one pump may not have filled its
	// queue yet; after that every window of 4 must contain both panelists.
	for start := 4; start+4 <= len(ids); start++ {
		window := ids[start : start+4]
		seen := map[string]bool{}
		for _, id := range window {
			seen[id] = true
		}
		if !seen["a"] || !seen["b"] {
			t.Fatalf("starvation in window at %d: %v", start, window)
		}
	}
}

func TestMergePanelistErrorIsolation(t *testing.T) {
	failing := []*models.DomainChunk{
		{Kind: models.ChunkText, Content: "partial"},
		{Kind: models.ChunkError, StopReason: models.StopReasonError,
			Err: &models.StreamError{Code: "server_error", Message: "boom"}},
	}
	streams := []models.PanelistStream{
		{PanelistID: "a", DisplayName: "Alice", Priority: 1, Stream: stream(failing...)},
		{PanelistID: "b", DisplayName: "Bob", Priority: 1, Stream: stream(textChunks("b", 3)...)},
	}
	chunks := collect(t, Merge(DefaultConfig(), streams, nil))

	var sawError bool
	for i, c := range chunks {
		if c.Kind == models.ChunkError {
			sawError = true
			if c.PanelistID != "a" {
				t.Errorf("error attributed to %q, want a", c.PanelistID)
			}
			if c.IsTerminal() {
				t.Error("attributed panelist error must not be terminal")
			}
			if i == len(chunks)-1 {
				t.Error("panelist error must not conclude the merged stream")
			}
		}
	}
	if !sawError {
		t.Fatal("panelist error chunk missing")
	}

	last := chunks[len(chunks)-1]
	if last.Kind != models.ChunkEnd || last.StopReason != models.StopReasonStop {
		t.Errorf("terminal = %+v, want synthesized end", last)
	}
	if last.Usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v, want only the surviving panelist counted", last.Usage)
	}
}

func TestMergeAllPanelistsFailed(t *testing.T) {
	fail := func() []*models.DomainChunk {
		return []*models.DomainChunk{
			{Kind: models.ChunkError, StopReason: models.StopReasonError,
				Err: &models.StreamError{Code: "server_error", Message: "boom"}},
		}
	}
	streams := []models.PanelistStream{
		{PanelistID: "a", Priority: 1, Stream: stream(fail()...)},
		{PanelistID: "b", Priority: 1, Stream: stream(fail()...)},
	}
	chunks := collect(t, Merge(DefaultConfig(), streams, nil))

	last := chunks[len(chunks)-1]
	if last.Kind != models.ChunkEnd || last.StopReason != models.StopReasonError {
		t.Errorf("terminal = %+v, want synthesized end with error stop reason", last)
	}
}

func TestMergeToolPairStaysAdjacent(t *testing.T) {
	withTool := []*models.DomainChunk{
		{Kind: models.ChunkText, Content: "looking"},
		{Kind: models.ChunkToolUse, ToolCall: &models.ToolCall{ID: "t1", Name: "read"}},
		{Kind: models.ChunkToolResult, ToolResult: &models.ToolCallResult{ID: "t1", OK: true, Payload: "x"}},
		{Kind: models.ChunkText, Content: "done"},
		{Kind: models.ChunkEnd, StopReason: models.StopReasonStop, Usage: &models.Usage{}},
	}
	streams := []models.PanelistStream{
		{PanelistID: "a", Priority: 1, Stream: stream(withTool...)},
		{PanelistID: "b", Priority: 1, Stream: stream(textChunks("b", 20)...)},
	}
	chunks := collect(t, Merge(DefaultConfig(), streams, nil))

	for i, c := range chunks {
		if c.Kind == models.ChunkToolUse {
			if i+1 >= len(chunks) || chunks[i+1].Kind != models.ChunkToolResult {
				t.Fatalf("tool_use at %d not immediately followed by tool_result", i)
			}
			if chunks[i+1].PanelistID != c.PanelistID {
				t.Fatal("tool pair split across panelists")
			}
		}
	}
}
