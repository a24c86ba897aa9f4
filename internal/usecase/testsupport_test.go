package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"swarmbridge/internal/domain"
	"swarmbridge/internal/infra/logger"
)

// memStore is an in-memory MessageStore for scheduler tests.
type memStore struct {
	mu       sync.Mutex
	msgs     []domain.Message
	tokens   map[string][]string
	clearErr error
}

func newMemStore() *memStore {
	return &memStore{tokens: make(map[string][]string)}
}

func (s *memStore) Append(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *memStore) StreamToken(id, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[id] = append(s.tokens[id], token)
}

func (s *memStore) Update(_ context.Context, id string, upd domain.MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ID != id {
			continue
		}
		if upd.Content != nil {
			s.msgs[i].Content = *upd.Content
		}
		if upd.Thinking != nil {
			s.msgs[i].Thinking = *upd.Thinking
		}
		if upd.Citations != nil {
			s.msgs[i].Citations = upd.Citations
		}
		if upd.Invocations != nil {
			s.msgs[i].Invocations = upd.Invocations
		}
		if upd.Usage != nil {
			s.msgs[i].Usage = upd.Usage
		}
		if upd.Cost != nil {
			s.msgs[i].Cost = *upd.Cost
		}
		return nil
	}
	return domain.ErrNotFound
}

func (s *memStore) Get(_ context.Context, id string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.Message{}, domain.ErrNotFound
}

func (s *memStore) History(context.Context) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]domain.Message, len(s.msgs))
	copy(cp, s.msgs)
	return cp, nil
}

func (s *memStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearErr != nil {
		return s.clearErr
	}
	s.msgs = nil
	return nil
}

func (s *memStore) thinkingCount(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.AuthorID == agentID && m.Thinking {
			n++
		}
	}
	return n
}

// scriptedProvider replays canned selector replies and generation results.
type scriptedProvider struct {
	mu            sync.Mutex
	selectReplies []string // consumed in order; last one repeats
	selectIdx     int
	prompts       []string
	generate      func(req domain.GenerateRequest, onToken domain.TokenFunc) (*domain.GenerateResult, error)
	generated     int
}

func (p *scriptedProvider) Complete(_ context.Context, prompt string, _ domain.CompleteOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	if len(p.selectReplies) == 0 {
		return "", fmt.Errorf("no scripted reply")
	}
	reply := p.selectReplies[p.selectIdx]
	if p.selectIdx < len(p.selectReplies)-1 {
		p.selectIdx++
	}
	return reply, nil
}

func (p *scriptedProvider) Generate(_ context.Context, req domain.GenerateRequest, onToken domain.TokenFunc) (*domain.GenerateResult, error) {
	p.mu.Lock()
	p.generated++
	p.mu.Unlock()
	return p.generate(req, onToken)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) generateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generated
}

// memLessons is an in-memory LessonLog.
type memLessons struct {
	mu      sync.Mutex
	lessons []domain.Lesson
}

func (l *memLessons) Record(_ context.Context, lesson domain.Lesson) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lessons = append(l.lessons, lesson)
	return nil
}

func (l *memLessons) QueryFailures(_ context.Context, tags []string, limit int) ([]domain.Lesson, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Lesson
	for _, lesson := range l.lessons {
		if lesson.Outcome != domain.OutcomeFailure {
			continue
		}
		for _, t := range lesson.Tags {
			if contains(tags, t) {
				out = append(out, lesson)
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// stubTool records runs and returns a scripted outcome.
type stubTool struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (t *stubTool) Run(_ context.Context, name string, args json.RawMessage) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs = append(t.runs, name)
	if t.err != nil {
		return "", t.err
	}
	return "Success: written to workspace/a.ts", nil
}

func (t *stubTool) runCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}

var testRoster = domain.Roster{
	{ID: "chief-orchestrator", Name: "Lead", Role: "orchestrator"},
	{ID: "coder", Name: "Coder", Role: "implementation coder"},
	{ID: "qa-critic", Name: "Critic", Role: "critic"},
}

func testConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxRounds:        25,
		FallbackLead:     "chief-orchestrator",
		FallbackCritic:   "qa-critic",
		CriticAfterRound: 5,
		FinalAgent:       "qa-critic",
		CompletionMarker: "ready for handoff",
		JitterMin:        time.Millisecond,
		JitterMax:        2 * time.Millisecond,
	}
}

// recordBus captures published events for assertions.
type recordBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordBus) SubscribeAll(domain.EventHandler) func()               { return func() {} }
func (b *recordBus) Close()                                                {}

func (b *recordBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

// newTestOrchestrator wires an orchestrator with instant cooling delays and
// sequential ids.
func newTestOrchestrator(cfg SchedulerConfig, store *memStore, provider *scriptedProvider, lessons domain.LessonLog) *Orchestrator {
	log := logger.Discard()
	o := NewOrchestrator(cfg, OrchestratorDeps{
		Store:    store,
		Provider: provider,
		Selector: NewSpeakerSelector(provider, SelectorConfig{}, log),
		Roster:   testRoster,
		Lessons:  lessons,
		Logger:   log,
	})
	o.jitter = func() time.Duration { return 0 }
	o.sleep = func(context.Context, time.Duration, <-chan struct{}) bool { return true }
	var seq int
	var seqMu sync.Mutex
	o.newID = func() string {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		return fmt.Sprintf("m%03d", seq)
	}
	return o
}

func textResult(text string) *domain.GenerateResult {
	return &domain.GenerateResult{Text: text, Usage: &domain.Usage{TotalTokens: 10}}
}

func pendingWrite(id string) domain.ToolInvocation {
	return domain.ToolInvocation{
		ID:     id,
		Name:   domain.WriteFileTool,
		Args:   json.RawMessage(`{"filename":"a.ts","content":"export {}"}`),
		Status: domain.InvocationPending,
	}
}

func lastAgentMessage(store *memStore) (domain.Message, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for i := len(store.msgs) - 1; i >= 0; i-- {
		if !store.msgs[i].FromUser() && store.msgs[i].AuthorID != domain.SystemAuthorID {
			return store.msgs[i], true
		}
	}
	return domain.Message{}, false
}

func authorSequence(store *memStore) []string {
	store.mu.Lock()
	defer store.mu.Unlock()
	var out []string
	for _, m := range store.msgs {
		if !m.FromUser() && m.AuthorID != domain.SystemAuthorID {
			out = append(out, m.AuthorID)
		}
	}
	return out
}

func hasMarker(text, marker string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(marker))
}
