package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// BackendTurn is one scripted streaming generation.
type BackendTurn struct {
	Text     string
	ToolName string // optional tool invocation emitted with the turn
	ToolArgs string
}

// BackendScript drives the fake inference backend. Selector calls consume
// SelectorReplies in order, generation calls consume Turns in order; both
// repeat their last entry once exhausted.
type BackendScript struct {
	SelectorReplies []string
	Turns           []BackendTurn
}

// Backend is a fake OpenAI-compatible server. Streaming requests get SSE
// frames, non-streaming requests a single completion object.
type Backend struct {
	Server *httptest.Server

	mu        sync.Mutex
	script    BackendScript
	selectIdx int
	turnIdx   int
}

// NewBackend starts a scripted backend. Callers own Server.Close.
func NewBackend(script BackendScript) *Backend {
	b := &Backend{script: script}
	b.Server = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

func (b *Backend) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stream bool `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !req.Stream {
		b.serveSelection(w)
		return
	}
	b.serveTurn(w)
}

func (b *Backend) serveSelection(w http.ResponseWriter) {
	b.mu.Lock()
	reply := ""
	if len(b.script.SelectorReplies) > 0 {
		i := min(b.selectIdx, len(b.script.SelectorReplies)-1)
		reply = b.script.SelectorReplies[i]
		b.selectIdx++
	}
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`, reply)
}

func (b *Backend) serveTurn(w http.ResponseWriter) {
	b.mu.Lock()
	var turn BackendTurn
	if len(b.script.Turns) > 0 {
		i := min(b.turnIdx, len(b.script.Turns)-1)
		turn = b.script.Turns[i]
		b.turnIdx++
	}
	b.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	writeChunk := func(chunk string) {
		fmt.Fprintf(w, "data: %s\n\n", chunk)
	}

	// Two content chunks so the streaming path is actually exercised.
	half := len(turn.Text) / 2
	writeChunk(fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, turn.Text[:half]))
	writeChunk(fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, turn.Text[half:]))

	if turn.ToolName != "" {
		writeChunk(fmt.Sprintf(
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-e2e-1","type":"function","function":{"name":%q,"arguments":%q}}]}}]}`,
			turn.ToolName, turn.ToolArgs))
	}

	writeChunk(`{"choices":[],"usage":{"prompt_tokens":40,"completion_tokens":20,"total_tokens":60}}`)
	fmt.Fprint(w, "data: [DONE]\n\n")
}

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// WaitFor polls cond until it returns true or the deadline passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
