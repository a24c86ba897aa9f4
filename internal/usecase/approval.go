package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"swarmbridge/internal/domain"
	"swarmbridge/internal/infra/tracer"
)

// ApprovalGate resolves pending tool invocations. Resolution never resumes
// the round loop; one paused turn can carry several invocations and each is
// decided independently, so redriving the cycle stays a separate operation.
type ApprovalGate struct {
	store   domain.MessageStore
	tools   domain.ToolRunner
	lessons domain.LessonLog // optional
	bus     domain.EventBus  // optional
	logger  *slog.Logger
	newID   func() string
}

// NewApprovalGate creates an approval gate.
func NewApprovalGate(store domain.MessageStore, tools domain.ToolRunner, lessons domain.LessonLog, bus domain.EventBus, logger *slog.Logger) *ApprovalGate {
	return &ApprovalGate{
		store:   store,
		tools:   tools,
		lessons: lessons,
		bus:     bus,
		logger:  logger,
		newID: func() string {
			return fmt.Sprintf("%d", time.Now().UnixNano())
		},
	}
}

// Resolve decides a single pending invocation. Resubmitting an
// already-resolved invocation is a no-op success so duplicate external
// retries stay harmless. Tool failures are recorded on the invocation, not
// returned: a failed execution is conversation content, not a caller error.
func (g *ApprovalGate) Resolve(ctx context.Context, entryID, invocationID string, approved bool) error {
	ctx, span := tracer.StartSpan(ctx, "approval.resolve",
		trace.WithAttributes(
			tracer.StringAttr("entry.id", entryID),
			tracer.StringAttr("invocation.id", invocationID),
		),
	)
	defer span.End()

	entry, err := g.store.Get(ctx, entryID)
	if err != nil {
		return domain.NewDomainError("ApprovalGate.Resolve", domain.ErrNotFound, "entry "+entryID)
	}
	inv, ok := entry.Invocation(invocationID)
	if !ok {
		return domain.NewDomainError("ApprovalGate.Resolve", domain.ErrNotFound, "invocation "+invocationID)
	}
	if inv.Status.Resolved() {
		g.logger.Debug("invocation already resolved", "invocation", invocationID, "status", string(inv.Status))
		return nil
	}

	if !approved {
		return g.reject(ctx, entry, inv)
	}
	return g.approve(ctx, entry, inv)
}

func (g *ApprovalGate) approve(ctx context.Context, entry domain.Message, inv domain.ToolInvocation) error {
	if err := g.setStatus(ctx, entry, inv.ID, domain.InvocationApproved, ""); err != nil {
		return err
	}

	action := fmt.Sprintf("%s: %s", inv.Name, argsSummary(inv))
	tags := append(domain.ExtractTags(action), inv.Name)

	result, err := g.tools.Run(ctx, inv.Name, inv.Args)
	if err != nil {
		g.logger.Warn("tool execution failed", "tool", inv.Name, "error", err)
		if serr := g.setStatus(ctx, entry, inv.ID, domain.InvocationError, err.Error()); serr != nil {
			return serr
		}
		g.recordLesson(ctx, tags, action, domain.OutcomeFailure, err.Error())
		g.appendSystemNote(ctx, "Write failed: "+err.Error())
		g.publishResolved(ctx, entry.ID, inv.ID, string(domain.InvocationError))
		return nil
	}

	if err := g.setStatus(ctx, entry, inv.ID, domain.InvocationExecuted, result); err != nil {
		return err
	}
	g.recordLesson(ctx, tags, action, domain.OutcomeSuccess, "")
	g.appendSystemNote(ctx, result)
	g.publishResolved(ctx, entry.ID, inv.ID, string(domain.InvocationExecuted))
	return nil
}

func (g *ApprovalGate) reject(ctx context.Context, entry domain.Message, inv domain.ToolInvocation) error {
	if err := g.setStatus(ctx, entry, inv.ID, domain.InvocationRejected, ""); err != nil {
		return err
	}

	// A denial is informative for future planning; log it as a failure.
	g.recordLesson(ctx,
		[]string{"user_permission", inv.Name},
		inv.Name,
		domain.OutcomeFailure,
		"User denied permission",
	)
	g.appendSystemNote(ctx, "Action denied: user rejected the "+inv.Name+" request.")
	g.publishResolved(ctx, entry.ID, inv.ID, string(domain.InvocationRejected))
	return nil
}

// setStatus rewrites the invocation list with the new status and persists it.
func (g *ApprovalGate) setStatus(ctx context.Context, entry domain.Message, invID string, status domain.InvocationStatus, result string) error {
	// Re-read so concurrent resolutions of sibling invocations are kept.
	fresh, err := g.store.Get(ctx, entry.ID)
	if err != nil {
		return domain.WrapOp("ApprovalGate.setStatus", err)
	}
	updated := make([]domain.ToolInvocation, len(fresh.Invocations))
	copy(updated, fresh.Invocations)
	for i := range updated {
		if updated[i].ID == invID {
			updated[i].Status = status
			if result != "" {
				updated[i].Result = result
			}
		}
	}
	return domain.WrapOp("ApprovalGate.setStatus",
		g.store.Update(ctx, entry.ID, domain.MessageUpdate{Invocations: updated}))
}

func (g *ApprovalGate) recordLesson(ctx context.Context, tags []string, action string, outcome domain.LessonOutcome, details string) {
	if g.lessons == nil {
		return
	}
	err := g.lessons.Record(ctx, domain.Lesson{
		Tags:         tags,
		Action:       action,
		Outcome:      outcome,
		ErrorDetails: details,
		Timestamp:    time.Now(),
	})
	if err != nil {
		g.logger.Warn("lesson record failed", "action", action, "error", err)
	}
}

func (g *ApprovalGate) appendSystemNote(ctx context.Context, content string) {
	err := g.store.Append(ctx, domain.Message{
		ID:        g.newID(),
		AuthorID:  domain.SystemAuthorID,
		Content:   content,
		Timestamp: time.Now(),
	})
	if err != nil {
		g.logger.Warn("system note append failed", "error", err)
	}
}

func (g *ApprovalGate) publishResolved(ctx context.Context, entryID, invID, status string) {
	if g.bus == nil {
		return
	}
	payload := fmt.Sprintf(`{"entry":%q,"invocation":%q,"status":%q}`, entryID, invID, status)
	g.bus.Publish(ctx, domain.Event{
		Type:      domain.EventApprovalResolved,
		Timestamp: time.Now(),
		Payload:   []byte(payload),
	})
}

func argsSummary(inv domain.ToolInvocation) string {
	if len(inv.Args) == 0 {
		return ""
	}
	s := string(inv.Args)
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
