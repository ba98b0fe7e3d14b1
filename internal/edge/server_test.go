package edge

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/roundtable/internal/persist"
	"github.com/haasonsaas/roundtable/internal/providers"
	"github.com/haasonsaas/roundtable/pkg/models"
)

func newTestServer(t *testing.T) (*httptest.Server, *persist.MemoryStore) {
	t.Helper()
	provider := &providers.ScriptedProvider{Steps: []providers.ScriptStep{
		{Text: "Hello "}, {Text: "world!"},
		{End: true, Usage: &models.Usage{PromptTokens: 2, CompletionTokens: 2}},
	}}
	store := persist.NewMemoryStore()
	deps, pipeline := newSessionDeps(t, store, provider)
	t.Cleanup(pipeline.Close)

	server := httptest.NewServer(NewServer(quietConfig(), deps).Handler())
	t.Cleanup(server.Close)
	return server, store
}

func TestServerStreamEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	body := `{"thread_id":"t1","provider":"scripted","messages":[{"role":"user","content":"hi"}]}`
	res, err := http.Post(server.URL+"/v1/stream", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	if !strings.Contains(text, "event: message") {
		t.Errorf("response missing message event:\n%s", text)
	}
	if !strings.Contains(text, "event: end") {
		t.Errorf("response missing end event:\n%s", text)
	}
	if !strings.Contains(text, `"fullContent":"Hello world!"`) {
		t.Errorf("end event missing full content:\n%s", text)
	}
}

func TestServerRejectsInvalidRequest(t *testing.T) {
	server, _ := newTestServer(t)

	res, err := http.Post(server.URL+"/v1/stream", "application/json", strings.NewReader(`{"thread_id":""}`))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.StatusCode)
	}
}

func TestServerHealth(t *testing.T) {
	server, _ := newTestServer(t)

	res, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d", res.StatusCode)
	}
}
