//go:build integration
// +build integration

package integration

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"swarmbridge/internal/adapter/bridge"
	"swarmbridge/internal/adapter/llm"
	"swarmbridge/internal/adapter/memory"
	"swarmbridge/internal/adapter/store"
	"swarmbridge/internal/adapter/tool"
	"swarmbridge/internal/domain"
	"swarmbridge/internal/infra/config"
	"swarmbridge/internal/usecase"
	"swarmbridge/internal/usecase/eventbus"
)

type stack struct {
	messages     *store.SQLiteMessageStore
	lessons      *memory.SQLiteLessonLog
	orchestrator *usecase.Orchestrator
	gate         *usecase.ApprovalGate
	bridgeSrv    *bridge.Server
	bridgeHTTP   *httptest.Server
	workspace    string
	contextPath  string
}

// newStack wires the full engine against a scripted backend, with the
// bridge mailbox on a real HTTP listener.
func newStack(t *testing.T, backend *Backend) *stack {
	t.Helper()
	tmp := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	messages, err := store.NewSQLiteMessageStore(filepath.Join(tmp, "messages.db"))
	if err != nil {
		t.Fatalf("message store: %v", err)
	}
	t.Cleanup(func() { messages.Close() })

	lessons, err := memory.NewSQLiteLessonLog(filepath.Join(tmp, "lessons.db"))
	if err != nil {
		t.Fatalf("lesson log: %v", err)
	}
	t.Cleanup(func() { lessons.Close() })

	provider := llm.NewOpenAIProvider(config.ProviderConfig{
		Name:        "scripted",
		BaseURL:     backend.Server.URL,
		Model:       "gpt-4o-mini",
		ConnTimeout: 5 * time.Second,
		RespTimeout: 10 * time.Second,
	}, logger)

	bus := eventbus.New(logger)
	t.Cleanup(bus.Close)

	contextPath := filepath.Join(tmp, "SWARM_CONTEXT.md")
	contextLog, err := bridge.NewContextLog(contextPath)
	if err != nil {
		t.Fatalf("context log: %v", err)
	}
	bridgeSrv := bridge.NewServer(config.BridgeConfig{}, contextLog, bus, logger)
	bridgeHTTP := httptest.NewServer(bridgeSrv.Handler())
	t.Cleanup(bridgeHTTP.Close)

	workspace := filepath.Join(tmp, "workspace")
	runner := tool.NewWorkspaceRunner(workspace, logger)

	roster := domain.Roster{
		{ID: "chief-orchestrator", Name: "Lead", Role: "planning"},
		{ID: "coder", Name: "Coder", Role: "implementation"},
		{ID: "qa-critic", Name: "Critic", Role: "review"},
	}
	selector := usecase.NewSpeakerSelector(provider, usecase.SelectorConfig{}, logger)

	orchestrator := usecase.NewOrchestrator(usecase.SchedulerConfig{
		MaxRounds:        10,
		FallbackLead:     "chief-orchestrator",
		FallbackCritic:   "qa-critic",
		CriticAfterRound: 5,
		FinalAgent:       "qa-critic",
		CompletionMarker: "ready for handoff",
		JitterMin:        time.Millisecond,
		JitterMax:        2 * time.Millisecond,
	}, usecase.OrchestratorDeps{
		Store:    messages,
		Provider: provider,
		Selector: selector,
		Roster:   roster,
		Lessons:  lessons,
		Bus:      bus,
		Publish: func(_ context.Context, msg domain.Message) {
			_ = bridgeSrv.Publish(msg)
		},
		Logger: logger,
	})

	gate := usecase.NewApprovalGate(messages, runner, lessons, bus, logger)

	return &stack{
		messages:     messages,
		lessons:      lessons,
		orchestrator: orchestrator,
		gate:         gate,
		bridgeSrv:    bridgeSrv,
		bridgeHTTP:   bridgeHTTP,
		workspace:    workspace,
		contextPath:  contextPath,
	}
}

func (s *stack) pendingEntry(ctx context.Context, t *testing.T) (entryID, invocationID string) {
	t.Helper()
	history, err := s.messages.History(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, msg := range history {
		for _, inv := range msg.Invocations {
			if !inv.Status.Resolved() {
				return msg.ID, inv.ID
			}
		}
	}
	t.Fatal("no pending invocation in history")
	return "", ""
}

func TestE2E_ApprovedWriteCompletesCycle(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 30*time.Second)

	backend := NewBackend(BackendScript{
		SelectorReplies: []string{"coder", "qa-critic"},
		Turns: []BackendTurn{
			{
				Text:     "Writing the entry point now.",
				ToolName: domain.WriteFileTool,
				ToolArgs: `{"filename":"main.go","content":"package main"}`,
			},
			{Text: "Verified the workspace. ready for handoff"},
		},
	})
	t.Cleanup(backend.Server.Close)

	s := newStack(t, backend)

	// The goal travels driver -> mailbox -> engine, same as production.
	driver := bridge.NewClient(s.bridgeHTTP.URL, 0)
	if err := driver.Submit(ctx, "Build a minimal CLI tool"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	app := bridge.NewAppClient(s.bridgeHTTP.URL, 0)
	goal, err := app.PollInput(ctx)
	if err != nil {
		t.Fatalf("poll input: %v", err)
	}
	if goal == nil {
		t.Fatal("submitted goal not in mailbox")
	}

	go func() { _ = s.orchestrator.Start(ctx, goal.Content) }()

	WaitFor(t, 10*time.Second, func() bool {
		return s.orchestrator.Snapshot().State == usecase.StateAwaitingApproval
	}, "approval pause")

	entryID, invocationID := s.pendingEntry(ctx, t)
	if err := s.gate.Resolve(ctx, entryID, invocationID, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	written, err := os.ReadFile(filepath.Join(s.workspace, "main.go"))
	if err != nil {
		t.Fatalf("workspace file: %v", err)
	}
	if string(written) != "package main" {
		t.Fatalf("workspace content = %q", written)
	}

	go func() { _ = s.orchestrator.Resume(ctx) }()

	WaitFor(t, 10*time.Second, func() bool {
		return s.orchestrator.Snapshot().State == usecase.StateCompleted
	}, "cycle completion")

	// The critic's final message must be waiting for the driver.
	out, err := driver.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if out == nil || !strings.Contains(out.Content, "ready for handoff") {
		t.Fatalf("driver output = %+v", out)
	}

	contextLog, err := os.ReadFile(s.contextPath)
	if err != nil {
		t.Fatalf("context log: %v", err)
	}
	if !strings.Contains(string(contextLog), "CLI MESSAGE") ||
		!strings.Contains(string(contextLog), "SWARM MESSAGE") {
		t.Fatalf("context log missing entries:\n%s", contextLog)
	}
}

func TestE2E_RejectedWriteLeavesWorkspaceUntouched(t *testing.T) {
	SkipIfShort(t)
	ctx := NewTestContext(t, 30*time.Second)

	backend := NewBackend(BackendScript{
		SelectorReplies: []string{"coder", "qa-critic"},
		Turns: []BackendTurn{
			{
				Text:     "Attempting a config write.",
				ToolName: domain.WriteFileTool,
				ToolArgs: `{"filename":"settings.json","content":"{}"}`,
			},
			{Text: "Understood, skipping the write. ready for handoff"},
		},
	})
	t.Cleanup(backend.Server.Close)

	s := newStack(t, backend)

	go func() { _ = s.orchestrator.Start(ctx, "Adjust the project settings") }()

	WaitFor(t, 10*time.Second, func() bool {
		return s.orchestrator.Snapshot().State == usecase.StateAwaitingApproval
	}, "approval pause")

	entryID, invocationID := s.pendingEntry(ctx, t)
	if err := s.gate.Resolve(ctx, entryID, invocationID, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := os.Stat(filepath.Join(s.workspace, "settings.json")); !os.IsNotExist(err) {
		t.Fatal("rejected write reached the workspace")
	}

	// Rejection is a learning signal for future turns.
	failures, err := s.lessons.QueryFailures(ctx, []string{"user_permission"}, 5)
	if err != nil {
		t.Fatalf("query failures: %v", err)
	}
	if len(failures) != 1 || failures[0].ErrorDetails != "User denied permission" {
		t.Fatalf("failures = %+v", failures)
	}

	go func() { _ = s.orchestrator.Resume(ctx) }()

	WaitFor(t, 10*time.Second, func() bool {
		return s.orchestrator.Snapshot().State == usecase.StateCompleted
	}, "cycle completion")
}
