package bundler

import (
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/roundtable/pkg/models"
)

func feed(chunks ...*models.DomainChunk) <-chan *models.DomainChunk {
	in := make(chan *models.DomainChunk, len(chunks))
	for _, c := range chunks {
		in <- c
	}
	close(in)
	return in
}

func text(seq int64, s string) *models.DomainChunk {
	return &models.DomainChunk{Kind: models.ChunkText, Content: s, Seq: seq, ProviderID: "p", ModelID: "m"}
}

func end(seq int64) *models.DomainChunk {
	return &models.DomainChunk{
		Kind: models.ChunkEnd, StopReason: models.StopReasonStop, Seq: seq,
		Usage: &models.Usage{PromptTokens: 1, CompletionTokens: 3},
	}
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
			t.Fatal("channel never closed")
		}
	}
}

func noLatency(tokens int) SinkConfig {
	return SinkConfig{MaxTokens: tokens, MaxLatency: time.Minute}
}

func TestSingleBundlePerStream(t *testing.T) {
	b := New(Config{Client: noLatency(10), Persist: noLatency(50)}, nil)
	client, persist := b.Run(feed(text(0, "Hello"), text(1, " world"), text(2, "!"), end(3)))

	for _, sink := range []struct {
		name   string
		chunks []*models.DomainChunk
	}{
		{"client", collect(t, client)},
		{"persist", collect(t, persist)},
	} {
		if len(sink.chunks) != 2 {
			t.Fatalf("%s chunks = %d, want bundle + end", sink.name, len(sink.chunks))
		}
		bundle, terminal := sink.chunks[0], sink.chunks[1]
		if bundle.Kind != models.ChunkText || bundle.Content != "Hello world!" {
			t.Errorf("%s bundle = %+v", sink.name, bundle)
		}
		if bundle.Seq != 0 {
			t.Errorf("%s bundle seq = %d, want first buffered seq 0", sink.name, bundle.Seq)
		}
		if terminal.Kind != models.ChunkEnd || terminal.FullContent != "Hello world!" {
			t.Errorf("%s terminal = %+v", sink.name, terminal)
		}
		if terminal.Usage.CompletionTokens != 3 {
			t.Errorf("%s terminal usage = %+v", sink.name, terminal.Usage)
		}
	}
}

func TestTokenThresholdFlush(t *testing.T) {
	b := New(Config{Client: noLatency(2), Persist: noLatency(50)}, nil)
	client, persist := b.Run(feed(text(0, "Hello"), text(1, " world"), text(2, "!"), end(3)))

	chunks := collect(t, client)
	if len(chunks) != 3 {
		t.Fatalf("client chunks = %d, want 2 bundles + end", len(chunks))
	}
	if chunks[0].Content != "Hello world" || chunks[1].Content != "!" {
		t.Errorf("bundles = %q, %q", chunks[0].Content, chunks[1].Content)
	}
	if chunks[1].Seq != 2 {
		t.Errorf("second bundle seq = %d, want 2", chunks[1].Seq)
	}

	persisted := collect(t, persist)
	if len(persisted) != 2 || persisted[0].Content != "Hello world!" {
		t.Errorf("persist path changed by client config: %+v", persisted)
	}
}

func TestMaxBytesFlush(t *testing.T) {
	b := New(Config{Client: SinkConfig{MaxBytes: 8, MaxLatency: time.Minute}, Persist: noLatency(50)}, nil)
	client, persist := b.Run(feed(text(0, "aaaa"), text(1, "bbbb"), text(2, "cc"), end(3)))

	chunks := collect(t, client)
	if len(chunks) != 3 {
		t.Fatalf("client chunks = %d, want 2 bundles + end", len(chunks))
	}
	if chunks[0].Content != "aaaabbbb" || chunks[1].Content != "cc" {
		t.Errorf("bundles = %q, %q", chunks[0].Content, chunks[1].Content)
	}
	collect(t, persist)
}

func TestLatencyFlush(t *testing.T) {
	in := make(chan *models.DomainChunk)
	b := New(Config{
		Client:  SinkConfig{MaxTokens: 100, MaxLatency: 30 * time.Millisecond},
		Persist: noLatency(50),
	}, nil)
	client, persist := b.Run(in)

	in <- text(0, "early")
	select {
	case c := <-client:
		if c.Content != "early" {
			t.Errorf("latency bundle = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("latency flush never happened")
	}

	in <- text(1, " late")
	in <- end(2)
	close(in)

	rest := collect(t, client)
	if len(rest) != 2 || rest[0].Content != " late" {
		t.Errorf("rest = %+v", rest)
	}
	if rest[1].FullContent != "early late" {
		t.Errorf("terminal FullContent = %q", rest[1].FullContent)
	}
	collect(t, persist)
}

func TestNoBundleSpansToolBoundary(t *testing.T) {
	call := &models.DomainChunk{Kind: models.ChunkToolUse, Seq: 1,
		ToolCall: &models.ToolCall{ID: "t1", Name: "file_read"}}
	result := &models.DomainChunk{Kind: models.ChunkToolResult, Seq: 2,
		ToolResult: &models.ToolCallResult{ID: "t1", OK: true, Payload: "CONTENTS"}}

	b := New(Config{Client: noLatency(100), Persist: noLatency(100)}, nil)
	client, persist := b.Run(feed(text(0, "Looking up"), call, result, text(3, " done"), end(4)))

	chunks := collect(t, client)
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
	if chunks[0].Content != "Looking up" || chunks[3].Content != " done" {
		t.Errorf("bundles = %q, %q", chunks[0].Content, chunks[3].Content)
	}
	collect(t, persist)
}

func TestClientBackpressureDropsIntermediateOnly(t *testing.T) {
	var chunks []*models.DomainChunk
	var seq int64
	var want strings.Builder
	for i := 0; i < 10; i++ {
		word := "word "
		want.WriteString(word)
		chunks = append(chunks, text(seq, word))
		seq++
	}
	chunks = append(chunks, end(seq))

	b := New(Config{
		Client:       SinkConfig{MaxTokens: 1, MaxLatency: time.Minute},
		Persist:      noLatency(100),
		ClientBuffer: 1,
	}, nil)
	client, persist := b.Run(feed(chunks...))

	// Give the loop time to process the prefilled input while nothing reads
	// the client channel.
	time.Sleep(50 * time.Millisecond)

	received := collect(t, client)

	// Persist path is lossless regardless of the slow client.
	persisted := collect(t, persist)
	var persistText strings.Builder
	for _, c := range persisted {
		if c.Kind == models.ChunkText {
			persistText.WriteString(c.Content)
		}
	}
	if persistText.String() != want.String() {
		t.Errorf("persist text = %q, want %q", persistText.String(), want.String())
	}
	terminal := received[len(received)-1]
	if terminal.Kind != models.ChunkEnd {
		t.Fatalf("client terminal = %+v", terminal)
	}
	if terminal.FullContent != want.String() {
		t.Errorf("terminal FullContent = %q, want %q", terminal.FullContent, want.String())
	}
	if b.Dropped() == 0 {
		t.Error("expected dropped intermediate bundles")
	}
	if len(received)-1+b.Dropped() != 10 {
		t.Errorf("received %d bundles + dropped %d, want 10 total", len(received)-1, b.Dropped())
	}
}

func TestSpeakerChangeFlushesBundle(t *testing.T) {
	attributed := func(seq int64, panelist, s string) *models.DomainChunk {
		c := text(seq, s)
		c.PanelistID = panelist
		c.DisplayName = strings.ToUpper(panelist)
		return c
	}

	b := New(Config{Client: noLatency(100), Persist: noLatency(100)}, nil)
	client, persist := b.Run(feed(
		attributed(0, "a", "alpha says"),
		attributed(1, "b", "beta says"),
		attributed(2, "a", " more"),
		end(3),
	))

	chunks := collect(t, client)
	if len(chunks) != 4 {
		t.Fatalf("client chunks = %d, want 3 single-voice bundles + end", len(chunks))
	}
	wantBundles := []struct {
		panelist string
		content  string
	}{
		{"a", "alpha says"},
		{"b", "beta says"},
		{"a", " more"},
	}
	for i, want := range wantBundles {
		if chunks[i].PanelistID != want.panelist || chunks[i].Content != want.content {
			t.Errorf("bundle %d = %q from %q, want %q from %q",
				i, chunks[i].Content, chunks[i].PanelistID, want.content, want.panelist)
		}
	}
	collect(t, persist)
}

func TestTruncatedUpstreamStillFlushes(t *testing.T) {
	b := New(Config{Client: noLatency(100), Persist: noLatency(100)}, nil)
	client, persist := b.Run(feed(text(0, "partial")))

	chunks := collect(t, client)
	if len(chunks) != 1 || chunks[0].Content != "partial" {
		t.Errorf("client = %+v", chunks)
	}
	collect(t, persist)
}
