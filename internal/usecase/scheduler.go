package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"swarmbridge/internal/domain"
	"swarmbridge/internal/infra/tracer"
)

// State is the scheduler's externally visible phase.
type State string

const (
	StateIdle             State = "idle"
	StateSelecting        State = "selecting_speaker"
	StateGenerating       State = "generating"
	StateAwaitingApproval State = "awaiting_approval"
	StateCooling          State = "cooling"
	StateCompleted        State = "completed"
	StateStopped          State = "stopped"
)

// ContinuationTrigger is sent to the provider when the previous turn was
// agent-authored and there is no fresh user input to relay.
const ContinuationTrigger = "Continue the planning/coding process based on previous inputs."

// SchedulerConfig holds the round-loop tuning knobs. The fallback thresholds
// and the completion marker are configuration on purpose; they were observed
// to need per-deployment adjustment.
type SchedulerConfig struct {
	MaxRounds        int
	FallbackLead     string
	FallbackCritic   string
	CriticAfterRound int
	FinalAgent       string
	CompletionMarker string
	JitterMin        time.Duration
	JitterMax        time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 25
	}
	if c.CriticAfterRound <= 0 {
		c.CriticAfterRound = 5
	}
	if c.JitterMin <= 0 {
		c.JitterMin = 500 * time.Millisecond
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMax = c.JitterMin + time.Second
	}
	return c
}

// OrchestratorDeps holds injected dependencies for the turn scheduler.
type OrchestratorDeps struct {
	Store    domain.MessageStore
	Provider domain.InferenceProvider
	Selector *SpeakerSelector
	Roster   domain.Roster
	Lessons  domain.LessonLog // optional, nil = no learning signal
	Bus      domain.EventBus  // optional, nil = no events
	// Publish pushes a finalized message into the app→driver mailbox slot.
	// Optional; never called with a thinking message.
	Publish func(ctx context.Context, msg domain.Message)
	// OnClear runs after a successful history wipe, so side channels that
	// mirror the conversation (the shared context log) reset with it.
	// Optional.
	OnClear func(ctx context.Context)
	Logger  *slog.Logger
}

// Snapshot is a read-only view of the scheduler.
type Snapshot struct {
	State  State  `json:"state"`
	Status string `json:"status"`
	Round  int    `json:"round"`
	Active bool   `json:"active"`
}

// Orchestrator drives rounds of speaker selection and generation until a
// stop condition. One cycle at a time: Start while a cycle is active (even
// paused for approval) is rejected.
type Orchestrator struct {
	cfg  SchedulerConfig
	deps OrchestratorDeps

	mu          sync.Mutex
	state       State
	status      string
	round       int
	active      bool
	busy        bool
	pausedEntry string
	stopCh      chan struct{}
	stopOnce    *sync.Once

	// swap points for deterministic tests
	jitter func() time.Duration
	sleep  func(ctx context.Context, d time.Duration, stop <-chan struct{}) bool
	newID  func() string
}

// NewOrchestrator creates a turn scheduler.
func NewOrchestrator(cfg SchedulerConfig, deps OrchestratorDeps) *Orchestrator {
	o := &Orchestrator{
		cfg:   cfg.withDefaults(),
		deps:  deps,
		state: StateIdle,
	}
	o.jitter = func() time.Duration {
		window := o.cfg.JitterMax - o.cfg.JitterMin
		return o.cfg.JitterMin + time.Duration(rand.Int63n(int64(window)+1))
	}
	o.sleep = sleepInterruptible
	o.newID = func() string { return ulid.Make().String() }
	return o
}

func sleepInterruptible(ctx context.Context, d time.Duration, stop <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Snapshot returns the current scheduler view.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{State: o.state, Status: o.status, Round: o.round, Active: o.active}
}

// Start begins a new cycle with the given goal as the user-authored opening
// entry. It runs the round loop in the calling goroutine and returns when
// the cycle pauses for approval or reaches a terminal state.
func (o *Orchestrator) Start(ctx context.Context, goal string) error {
	if strings.TrimSpace(goal) == "" {
		return domain.NewDomainError("Orchestrator.Start", domain.ErrInvalidInput, "empty goal")
	}

	o.mu.Lock()
	if o.active || o.busy {
		o.mu.Unlock()
		return domain.ErrCycleActive
	}
	o.active = true
	o.busy = true
	o.round = 0
	o.pausedEntry = ""
	o.stopCh = make(chan struct{})
	o.stopOnce = &sync.Once{}
	o.mu.Unlock()

	userMsg := domain.Message{
		ID:        o.newID(),
		Content:   goal,
		Timestamp: time.Now(),
	}
	if err := o.deps.Store.Append(ctx, userMsg); err != nil {
		o.terminate(StateStopped, "failed to record goal")
		return domain.WrapOp("Orchestrator.Start", err)
	}

	ctx, span := tracer.StartSpan(ctx, "cycle",
		trace.WithAttributes(tracer.StringAttr("cycle.goal", goal)),
	)
	defer span.End()

	o.publishEvent(ctx, domain.EventCycleStarted, map[string]string{"goal": goal})
	o.runLoop(ctx)
	return nil
}

// Resume continues the round loop after a pause for tool approval. It fails
// if the cycle is not paused or if any invocation from the paused turn is
// still unresolved. Resumption is deliberately explicit: approving a tool
// never restarts the loop on its own.
// CanResume reports whether a Resume call would be accepted right now,
// without mutating any state. Callers that dispatch Resume asynchronously
// use it to fail fast.
func (o *Orchestrator) CanResume(ctx context.Context) error {
	o.mu.Lock()
	if !o.active || o.state != StateAwaitingApproval {
		o.mu.Unlock()
		return domain.ErrCycleNotPaused
	}
	entryID := o.pausedEntry
	o.mu.Unlock()

	entry, err := o.deps.Store.Get(ctx, entryID)
	if err != nil {
		return domain.WrapOp("Orchestrator.CanResume", err)
	}
	if entry.HasPendingInvocations() {
		return domain.ErrApprovalPending
	}
	return nil
}

func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	if !o.active || o.state != StateAwaitingApproval {
		o.mu.Unlock()
		return domain.ErrCycleNotPaused
	}
	entryID := o.pausedEntry
	o.mu.Unlock()

	entry, err := o.deps.Store.Get(ctx, entryID)
	if err != nil {
		return domain.WrapOp("Orchestrator.Resume", err)
	}
	if entry.HasPendingInvocations() {
		return domain.ErrApprovalPending
	}

	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return domain.ErrCycleActive
	}
	o.busy = true
	o.pausedEntry = ""
	o.round++
	o.mu.Unlock()

	o.publishEvent(ctx, domain.EventCycleResumed, map[string]int{"round": o.round})
	o.runLoop(ctx)
	return nil
}

// Stop requests cancellation. It is honored at every suspension point but
// never mid-stream: an in-flight generation finishes so the entry is not
// left half-written.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	stopCh, once := o.stopCh, o.stopOnce
	o.mu.Unlock()
	if stopCh == nil {
		return
	}
	once.Do(func() { close(stopCh) })
}

// DirectMessage runs a single out-of-cycle generation by the named agent.
// It shares the single-flow guard with cycles.
func (o *Orchestrator) DirectMessage(ctx context.Context, agentID, content string) (domain.Message, error) {
	agent, ok := o.deps.Roster.Find(agentID)
	if !ok {
		return domain.Message{}, domain.NewDomainError("Orchestrator.DirectMessage", domain.ErrAgentNotFound, agentID)
	}

	o.mu.Lock()
	if o.active || o.busy {
		o.mu.Unlock()
		return domain.Message{}, domain.ErrCycleActive
	}
	o.busy = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.busy = false
		o.mu.Unlock()
	}()

	userMsg := domain.Message{ID: o.newID(), Content: content, Timestamp: time.Now()}
	if err := o.deps.Store.Append(ctx, userMsg); err != nil {
		return domain.Message{}, domain.WrapOp("Orchestrator.DirectMessage", err)
	}

	history, err := o.deps.Store.History(ctx)
	if err != nil {
		return domain.Message{}, domain.WrapOp("Orchestrator.DirectMessage", err)
	}
	return o.generateTurn(ctx, agent, history, content)
}

// ClearHistory wipes the conversation. Rejected while a cycle is active.
func (o *Orchestrator) ClearHistory(ctx context.Context) error {
	o.mu.Lock()
	if o.active || o.busy {
		o.mu.Unlock()
		return domain.ErrCycleActive
	}
	o.mu.Unlock()
	if err := o.deps.Store.Clear(ctx); err != nil {
		return err
	}
	if o.deps.OnClear != nil {
		o.deps.OnClear(ctx)
	}
	return nil
}

// runLoop drives rounds until pause or termination. Caller must hold the
// busy flag; runLoop clears it on every exit path.
func (o *Orchestrator) runLoop(ctx context.Context) {
	for {
		if o.isStopped(ctx) {
			o.terminate(StateStopped, "stopped by request")
			return
		}
		if o.currentRound() >= o.cfg.MaxRounds {
			o.terminate(StateStopped, "round budget exhausted")
			return
		}

		paused, done := o.runRound(ctx)
		if paused || done {
			return
		}

		o.mu.Lock()
		o.round++
		o.mu.Unlock()
	}
}

// runRound executes one speaker-selection + generation iteration.
// Returns paused=true when the cycle suspends for approval, done=true when
// it reached a terminal state.
func (o *Orchestrator) runRound(ctx context.Context) (paused, done bool) {
	round := o.currentRound()
	ctx, span := tracer.StartSpan(ctx, fmt.Sprintf("round %d", round+1))
	defer span.End()

	o.publishEvent(ctx, domain.EventRoundStarted, map[string]int{"round": round + 1})
	o.setState(StateSelecting, "selecting next speaker")

	history, err := o.deps.Store.History(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		o.deps.Logger.Error("history read failed", "error", err)
		o.terminate(StateStopped, "history unavailable")
		return false, true
	}

	agent, ok := o.pickSpeaker(ctx, history, round)
	if !ok {
		o.terminate(StateStopped, "no usable speaker")
		return false, true
	}
	span.SetAttributes(tracer.StringAttr("round.selected_agent", agent.ID))
	o.publishEvent(ctx, domain.EventSpeakerSelected, map[string]string{"agent": agent.ID})

	trigger := ContinuationTrigger
	if len(history) > 0 {
		if last := history[len(history)-1]; last.FromUser() {
			trigger = last.Content
		}
	}

	o.setState(StateGenerating, agent.Name+" is speaking")
	final, err := o.generateTurn(ctx, agent, history, trigger)
	if err != nil {
		tracer.RecordError(span, err)
		o.terminate(StateStopped, "generation failed")
		return false, true
	}

	if final.HasPendingInvocations() {
		o.mu.Lock()
		o.state = StateAwaitingApproval
		o.status = "waiting for approval"
		o.pausedEntry = final.ID
		o.busy = false
		o.mu.Unlock()
		o.publishEvent(ctx, domain.EventApprovalPending, map[string]string{"entry": final.ID})
		o.publishEvent(ctx, domain.EventCyclePaused, map[string]string{"entry": final.ID})
		return true, false
	}

	if o.isStopped(ctx) {
		o.terminate(StateStopped, "stopped by request")
		return false, true
	}

	o.setState(StateCooling, "cooling down")
	o.mu.Lock()
	stopCh := o.stopCh
	o.mu.Unlock()
	o.sleep(ctx, o.jitter(), stopCh)

	if o.isStopped(ctx) {
		o.terminate(StateStopped, "stopped by request")
		return false, true
	}

	if o.isCompletion(agent, final.Content) {
		o.terminate(StateCompleted, "plan synced to context")
		return false, true
	}
	return false, false
}

// generateTurn creates the placeholder entry, streams the generation into
// it, finalizes it, and pushes the finished message through the mailbox.
func (o *Orchestrator) generateTurn(ctx context.Context, agent domain.Agent, history []domain.Message, trigger string) (domain.Message, error) {
	ctx, span := tracer.StartSpan(ctx, "generate",
		trace.WithAttributes(tracer.StringAttr("agent.id", agent.ID)),
	)
	defer span.End()

	placeholder := domain.Message{
		ID:        o.newID(),
		AuthorID:  agent.ID,
		Thinking:  true,
		Timestamp: time.Now(),
	}
	if err := o.deps.Store.Append(ctx, placeholder); err != nil {
		return domain.Message{}, domain.WrapOp("append placeholder", err)
	}

	req := domain.GenerateRequest{
		Agent:        agent,
		Instructions: agent.Instructions + o.lessonWarnings(ctx, trigger),
		History:      history,
		Trigger:      trigger,
		Roster:       o.deps.Roster,
	}

	result, err := o.deps.Provider.Generate(ctx, req, func(token string) {
		o.deps.Store.StreamToken(placeholder.ID, token)
		o.publishEvent(ctx, domain.EventStreamDelta, map[string]string{
			"id":    placeholder.ID,
			"token": token,
		})
	})
	if err != nil {
		tracer.RecordError(span, err)
		o.deps.Logger.Error("generation failed", "agent", agent.ID, "error", err)
		// Leave a visible error marker instead of a dangling placeholder.
		errText := "[SYSTEM ERROR] " + err.Error()
		notThinking := false
		_ = o.deps.Store.Update(ctx, placeholder.ID, domain.MessageUpdate{
			Content:  &errText,
			Thinking: &notThinking,
		})
		return domain.Message{}, domain.NewDomainError("generateTurn", domain.ErrGenerationFailed, err.Error())
	}

	notThinking := false
	upd := domain.MessageUpdate{
		Content:     &result.Text,
		Thinking:    &notThinking,
		Citations:   result.Citations,
		Invocations: result.Invocations,
		Usage:       result.Usage,
		Cost:        &result.Cost,
	}
	// The finalize update is awaited; the mailbox must only ever see
	// completed content.
	if err := o.deps.Store.Update(ctx, placeholder.ID, upd); err != nil {
		return domain.Message{}, domain.WrapOp("finalize entry", err)
	}

	final := placeholder
	final.Content = result.Text
	final.Thinking = false
	final.Citations = result.Citations
	final.Invocations = result.Invocations
	final.Usage = result.Usage
	final.Cost = result.Cost

	o.publishEvent(ctx, domain.EventMessageFinalized, final)
	if o.deps.Publish != nil {
		o.deps.Publish(ctx, final)
	}
	return final, nil
}

// pickSpeaker runs the selector and applies the deterministic fallback when
// it abstains: latter rounds prefer the critic, earlier rounds the lead.
func (o *Orchestrator) pickSpeaker(ctx context.Context, history []domain.Message, round int) (domain.Agent, bool) {
	if id := o.deps.Selector.Select(ctx, history, o.deps.Roster); id != "" {
		if agent, ok := o.deps.Roster.Find(id); ok {
			return agent, true
		}
	}

	fallback := o.cfg.FallbackLead
	if round > o.cfg.CriticAfterRound {
		fallback = o.cfg.FallbackCritic
	}
	agent, ok := o.deps.Roster.Find(fallback)
	if !ok {
		o.deps.Logger.Warn("selector abstained and fallback agent missing", "fallback", fallback)
	}
	return agent, ok
}

// lessonWarnings builds the warning block injected into the agent's
// instructions when the lesson log knows of past failures on similar tasks.
func (o *Orchestrator) lessonWarnings(ctx context.Context, trigger string) string {
	if o.deps.Lessons == nil {
		return ""
	}
	tags := domain.ExtractTags(trigger)
	if len(tags) == 0 {
		return ""
	}
	failures, err := o.deps.Lessons.QueryFailures(ctx, tags, 10)
	if err != nil || len(failures) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\n[SYSTEM WARNING: VERSION CONTROL HISTORY]\n")
	b.WriteString("Similar tasks failed before. You MUST avoid these specific errors:\n")
	for _, f := range failures {
		fmt.Fprintf(&b, "- Attempted: %q -> Failed due to: %s\n", f.Action, f.ErrorDetails)
	}
	b.WriteString("Use this knowledge to self-correct your plan BEFORE responding.\n")
	return b.String()
}

func (o *Orchestrator) isCompletion(agent domain.Agent, text string) bool {
	if o.cfg.FinalAgent == "" || o.cfg.CompletionMarker == "" {
		return false
	}
	return agent.ID == o.cfg.FinalAgent &&
		strings.Contains(strings.ToLower(text), strings.ToLower(o.cfg.CompletionMarker))
}

func (o *Orchestrator) isStopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	o.mu.Lock()
	stopCh := o.stopCh
	o.mu.Unlock()
	if stopCh == nil {
		return false
	}
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) currentRound() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.round
}

func (o *Orchestrator) setState(state State, status string) {
	o.mu.Lock()
	o.state = state
	o.status = status
	o.mu.Unlock()
	o.publishEvent(context.Background(), domain.EventStateChanged, map[string]string{
		"state":  string(state),
		"status": status,
	})
}

func (o *Orchestrator) terminate(state State, status string) {
	o.mu.Lock()
	o.state = state
	o.status = status
	o.active = false
	o.busy = false
	o.pausedEntry = ""
	o.mu.Unlock()

	eventType := domain.EventCycleStopped
	if state == StateCompleted {
		eventType = domain.EventCycleCompleted
	}
	o.publishEvent(context.Background(), eventType, map[string]string{"status": status})
	o.deps.Logger.Info("cycle ended", "state", string(state), "status", status)
}

func (o *Orchestrator) publishEvent(ctx context.Context, t domain.EventType, payload any) {
	if o.deps.Bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	o.deps.Bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now(), Payload: raw})
}
