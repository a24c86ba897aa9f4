package bridge

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmbridge/internal/domain"
	"swarmbridge/internal/infra/config"
	"swarmbridge/internal/infra/logger"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(config.BridgeConfig{SubmitsPerMin: 6000, SubmitBurst: 100}, nil, nil, logger.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestSubmitThenPollRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()

	driver := NewClient(ts.URL, time.Second)
	app := NewAppClient(ts.URL, time.Second)

	require.NoError(t, driver.Submit(ctx, "build a parser"))

	msg, err := app.PollInput(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "build a parser", msg.Content)
	assert.NotEmpty(t, msg.ID)

	// The slot is now empty; repeated polls return nothing without error.
	msg, err = app.PollInput(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestSubmitOverwritesPending(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()

	driver := NewClient(ts.URL, time.Second)
	app := NewAppClient(ts.URL, time.Second)

	require.NoError(t, driver.Submit(ctx, "first"))
	require.NoError(t, driver.Submit(ctx, "second"))

	msg, err := app.PollInput(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "second", msg.Content, "last write wins")

	msg, err = app.PollInput(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg, "exactly one poll sees content")
}

func TestPublishThenFetchNonDestructive(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, srv.Publish(domain.Message{
		ID: "m9", AuthorID: "qa-critic", Content: "ready for handoff",
	}))

	driver := NewClient(ts.URL, time.Second)
	for i := 0; i < 3; i++ {
		msg, err := driver.Fetch(ctx)
		require.NoError(t, err)
		require.NotNil(t, msg, "fetch %d", i)
		assert.Equal(t, "ready for handoff", msg.Content)
	}
}

func TestPublishRefusesThinking(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, srv.Publish(domain.Message{ID: "done", Content: "final", AuthorID: "coder"}))
	require.NoError(t, srv.Publish(domain.Message{ID: "wip", Thinking: true, AuthorID: "coder"}))

	driver := NewClient(ts.URL, time.Second)
	msg, err := driver.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "done", msg.ID, "thinking publish must leave the slot unchanged")
}

func TestFetchEmpty(t *testing.T) {
	_, ts := newTestServer(t)

	driver := NewClient(ts.URL, time.Second)
	msg, err := driver.Fetch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestSubmitRejectsEmptyContent(t *testing.T) {
	_, ts := newTestServer(t)

	driver := NewClient(ts.URL, time.Second)
	err := driver.Submit(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No content provided")
}

func TestSubmitRateLimited(t *testing.T) {
	srv := NewServer(config.BridgeConfig{SubmitsPerMin: 60, SubmitBurst: 2}, nil, nil, logger.Discard())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	ctx := context.Background()

	driver := NewClient(ts.URL, time.Second)
	require.NoError(t, driver.Submit(ctx, "one"))
	require.NoError(t, driver.Submit(ctx, "two"))

	err := driver.Submit(ctx, "three")
	require.Error(t, err, "burst exhausted")
	assert.Contains(t, err.Error(), "rate limit")
}

func TestProbe(t *testing.T) {
	_, ts := newTestServer(t)

	driver := NewClient(ts.URL, time.Second)
	assert.True(t, driver.Probe(context.Background()))

	down := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	assert.False(t, down.Probe(context.Background()))
}

func TestSubmitAppendsContextLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "SWARM_CONTEXT.md")
	clog, err := NewContextLog(path)
	require.NoError(t, err)

	srv := NewServer(config.BridgeConfig{SubmitsPerMin: 6000, SubmitBurst: 100}, clog, nil, logger.Discard())
	_, err = srv.Submit("audit me")
	require.NoError(t, err)
	require.NoError(t, srv.Publish(domain.Message{ID: "m1", AuthorID: "coder", Content: "plan done"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "# Local Swarm Context"), "seeded with template")
	assert.Contains(t, text, "CLI MESSAGE")
	assert.Contains(t, text, "**User**: audit me")
	assert.Contains(t, text, "SWARM MESSAGE")
	assert.Contains(t, text, "**Agent (coder)**: plan done")
}

func TestContextLogReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctx.md")
	clog, err := NewContextLog(path)
	require.NoError(t, err)

	require.NoError(t, clog.Append("CLI", domain.Message{Content: "stale plan"}))
	require.NoError(t, clog.Reset())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "stale plan")
	assert.Contains(t, string(data), "Waiting for Swarm Input")
}
