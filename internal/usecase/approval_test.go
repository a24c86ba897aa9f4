package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"swarmbridge/internal/domain"
	"swarmbridge/internal/infra/logger"
)

func seedPausedEntry(t *testing.T, store *memStore) domain.Message {
	t.Helper()
	entry := domain.Message{
		ID:          "e1",
		AuthorID:    "coder",
		Content:     "writing the file",
		Invocations: []domain.ToolInvocation{pendingWrite("tc1")},
		Timestamp:   time.Now(),
	}
	if err := store.Append(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	return entry
}

func TestResolveApproveExecutesTool(t *testing.T) {
	store := newMemStore()
	seedPausedEntry(t, store)
	tool := &stubTool{}
	lessons := &memLessons{}
	gate := NewApprovalGate(store, tool, lessons, nil, logger.Discard())

	if err := gate.Resolve(context.Background(), "e1", "tc1", true); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	entry, _ := store.Get(context.Background(), "e1")
	inv, _ := entry.Invocation("tc1")
	if inv.Status != domain.InvocationExecuted {
		t.Errorf("status = %s, want executed", inv.Status)
	}
	if !strings.HasPrefix(inv.Result, "Success:") {
		t.Errorf("result = %q, want success summary", inv.Result)
	}
	if tool.runCount() != 1 {
		t.Errorf("tool executed %d times, want 1", tool.runCount())
	}

	// Outcome is stamped into the lesson log as a success.
	lessons.mu.Lock()
	defer lessons.mu.Unlock()
	if len(lessons.lessons) != 1 || lessons.lessons[0].Outcome != domain.OutcomeSuccess {
		t.Errorf("lesson log = %+v, want one success entry", lessons.lessons)
	}

	// A system-authored note lands in the conversation.
	history, _ := store.History(context.Background())
	last := history[len(history)-1]
	if last.AuthorID != domain.SystemAuthorID {
		t.Errorf("expected system note, got author %q", last.AuthorID)
	}
}

func TestResolveApproveToolFailure(t *testing.T) {
	store := newMemStore()
	seedPausedEntry(t, store)
	tool := &stubTool{err: errors.New("disk full")}
	lessons := &memLessons{}
	gate := NewApprovalGate(store, tool, lessons, nil, logger.Discard())

	// Tool failure is recorded, not propagated.
	if err := gate.Resolve(context.Background(), "e1", "tc1", true); err != nil {
		t.Fatalf("Resolve should absorb tool failure, got %v", err)
	}

	entry, _ := store.Get(context.Background(), "e1")
	inv, _ := entry.Invocation("tc1")
	if inv.Status != domain.InvocationError {
		t.Errorf("status = %s, want error", inv.Status)
	}
	if inv.Result != "disk full" {
		t.Errorf("result = %q, want failure detail", inv.Result)
	}

	lessons.mu.Lock()
	defer lessons.mu.Unlock()
	if len(lessons.lessons) != 1 || lessons.lessons[0].Outcome != domain.OutcomeFailure {
		t.Fatalf("lesson log = %+v, want one failure entry", lessons.lessons)
	}
	if lessons.lessons[0].ErrorDetails != "disk full" {
		t.Errorf("lesson details = %q", lessons.lessons[0].ErrorDetails)
	}
}

func TestResolveReject(t *testing.T) {
	store := newMemStore()
	seedPausedEntry(t, store)
	tool := &stubTool{}
	lessons := &memLessons{}
	gate := NewApprovalGate(store, tool, lessons, nil, logger.Discard())

	if err := gate.Resolve(context.Background(), "e1", "tc1", false); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	entry, _ := store.Get(context.Background(), "e1")
	inv, _ := entry.Invocation("tc1")
	if inv.Status != domain.InvocationRejected {
		t.Errorf("status = %s, want rejected", inv.Status)
	}
	if tool.runCount() != 0 {
		t.Error("rejected invocation must not execute")
	}

	lessons.mu.Lock()
	defer lessons.mu.Unlock()
	if len(lessons.lessons) != 1 || lessons.lessons[0].Outcome != domain.OutcomeFailure {
		t.Fatalf("rejection should log a failure lesson, got %+v", lessons.lessons)
	}
	if lessons.lessons[0].ErrorDetails != "User denied permission" {
		t.Errorf("lesson details = %q", lessons.lessons[0].ErrorDetails)
	}

	history, _ := store.History(context.Background())
	last := history[len(history)-1]
	if last.AuthorID != domain.SystemAuthorID || !strings.Contains(last.Content, "denied") {
		t.Errorf("expected denial note, got %+v", last)
	}
}

func TestResolveIdempotent(t *testing.T) {
	store := newMemStore()
	seedPausedEntry(t, store)
	tool := &stubTool{}
	gate := NewApprovalGate(store, tool, nil, nil, logger.Discard())

	if err := gate.Resolve(context.Background(), "e1", "tc1", true); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	before, _ := store.Get(context.Background(), "e1")

	// Duplicate retries are success no-ops, even with the opposite decision.
	if err := gate.Resolve(context.Background(), "e1", "tc1", true); err != nil {
		t.Errorf("duplicate Resolve: %v", err)
	}
	if err := gate.Resolve(context.Background(), "e1", "tc1", false); err != nil {
		t.Errorf("conflicting duplicate Resolve: %v", err)
	}

	after, _ := store.Get(context.Background(), "e1")
	invBefore, _ := before.Invocation("tc1")
	invAfter, _ := after.Invocation("tc1")
	if invBefore.Status != invAfter.Status || invBefore.Result != invAfter.Result {
		t.Errorf("duplicate resolve mutated state: %+v vs %+v", invBefore, invAfter)
	}
	if tool.runCount() != 1 {
		t.Errorf("tool executed %d times across duplicates, want 1", tool.runCount())
	}
}

func TestResolveNotFound(t *testing.T) {
	store := newMemStore()
	seedPausedEntry(t, store)
	gate := NewApprovalGate(store, &stubTool{}, nil, nil, logger.Discard())

	if err := gate.Resolve(context.Background(), "missing", "tc1", true); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown entry error = %v, want ErrNotFound", err)
	}
	if err := gate.Resolve(context.Background(), "e1", "missing", true); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown invocation error = %v, want ErrNotFound", err)
	}
}

func TestResolveSiblingInvocationsIndependently(t *testing.T) {
	store := newMemStore()
	entry := domain.Message{
		ID:       "e1",
		AuthorID: "coder",
		Invocations: []domain.ToolInvocation{
			pendingWrite("tc1"),
			pendingWrite("tc2"),
		},
		Timestamp: time.Now(),
	}
	if err := store.Append(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	gate := NewApprovalGate(store, &stubTool{}, nil, nil, logger.Discard())

	if err := gate.Resolve(context.Background(), "e1", "tc1", true); err != nil {
		t.Fatalf("Resolve tc1: %v", err)
	}

	got, _ := store.Get(context.Background(), "e1")
	if !got.HasPendingInvocations() {
		t.Error("tc2 should still be pending after resolving tc1")
	}

	if err := gate.Resolve(context.Background(), "e1", "tc2", false); err != nil {
		t.Fatalf("Resolve tc2: %v", err)
	}
	got, _ = store.Get(context.Background(), "e1")
	if got.HasPendingInvocations() {
		t.Error("all invocations resolved, none should be pending")
	}
	inv1, _ := got.Invocation("tc1")
	inv2, _ := got.Invocation("tc2")
	if inv1.Status != domain.InvocationExecuted || inv2.Status != domain.InvocationRejected {
		t.Errorf("statuses = %s/%s, want executed/rejected", inv1.Status, inv2.Status)
	}
}
