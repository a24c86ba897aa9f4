package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"swarmbridge/internal/domain"
	"swarmbridge/internal/infra/tracer"
)

// SelectorConfig bounds the speaker-selection request so routing stays cheap
// relative to generation.
type SelectorConfig struct {
	// TailWindow is how many of the most recent entries go into the prompt.
	TailWindow int
	// EntryCap truncates each entry's content to this many characters.
	EntryCap int
	// Temperature keeps the selection near-deterministic.
	Temperature float64
	// MaxTokens is the output budget; an agent id fits in a few tokens.
	MaxTokens int
}

func (c SelectorConfig) withDefaults() SelectorConfig {
	if c.TailWindow <= 0 {
		c.TailWindow = 10
	}
	if c.EntryCap <= 0 {
		c.EntryCap = 200
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 20
	}
	return c
}

// SpeakerSelector asks the inference provider to name the next speaker.
// A provider failure or an unparseable reply is an abstention, not an error;
// the scheduler applies its deterministic fallback.
type SpeakerSelector struct {
	provider domain.InferenceProvider
	cfg      SelectorConfig
	logger   *slog.Logger
}

// NewSpeakerSelector creates a selector backed by the given provider.
func NewSpeakerSelector(provider domain.InferenceProvider, cfg SelectorConfig, logger *slog.Logger) *SpeakerSelector {
	return &SpeakerSelector{provider: provider, cfg: cfg.withDefaults(), logger: logger}
}

// Select returns the id of the next speaker, or "" if the selector abstains.
func (s *SpeakerSelector) Select(ctx context.Context, history []domain.Message, roster domain.Roster) string {
	if len(roster) == 0 {
		return ""
	}

	ctx, span := tracer.StartSpan(ctx, "selector.select",
		trace.WithAttributes(
			tracer.IntAttr("roster.size", len(roster)),
			tracer.IntAttr("history.depth", len(history)),
		),
	)
	defer span.End()

	prompt := s.buildPrompt(history, roster)
	reply, err := s.provider.Complete(ctx, prompt, domain.CompleteOptions{
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		tracer.RecordError(span, err)
		s.logger.Warn("speaker selection failed, abstaining", "error", err)
		return ""
	}

	// First roster agent whose id appears anywhere in the reply wins.
	for _, a := range roster {
		if strings.Contains(reply, a.ID) {
			span.SetAttributes(tracer.StringAttr("selector.decision", a.ID))
			return a.ID
		}
	}

	span.SetAttributes(tracer.StringAttr("selector.decision", "abstained"))
	s.logger.Debug("selector abstained", "reply", reply)
	return ""
}

func (s *SpeakerSelector) buildPrompt(history []domain.Message, roster domain.Roster) string {
	var ids strings.Builder
	for _, a := range roster {
		fmt.Fprintf(&ids, "%s (%s)\n", a.ID, a.Role)
	}

	tail := history
	if len(tail) > s.cfg.TailWindow {
		tail = tail[len(tail)-s.cfg.TailWindow:]
	}

	var transcript strings.Builder
	for _, msg := range tail {
		name := "User"
		if !msg.FromUser() {
			if a, ok := roster.Find(msg.AuthorID); ok {
				name = a.Name
			} else {
				name = "Agent"
			}
		}
		content := msg.Content
		if len(content) > s.cfg.EntryCap {
			content = content[:s.cfg.EntryCap] + "..."
		}
		fmt.Fprintf(&transcript, "%s: %s\n", name, content)
	}

	return fmt.Sprintf(
		"Role: Orchestrator. Task: Select ONE agent ID to speak next.\n"+
			"Principles: Urgency, Flow, Silence.\n"+
			"History:\n%s\nAgents:\n%s\nReturn: ID ONLY. No text.",
		transcript.String(), ids.String(),
	)
}
