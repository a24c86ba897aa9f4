package domain

import (
	"context"
	"strings"
	"time"
)

// LessonOutcome classifies a recorded action.
type LessonOutcome string

const (
	OutcomeSuccess LessonOutcome = "success"
	OutcomeFailure LessonOutcome = "failure"
)

// Lesson is one entry in the learning log. Every tool execution outcome and
// every rejection is recorded so future generation calls can be warned about
// known failure modes.
type Lesson struct {
	ID           string        `json:"id,omitempty"`
	Tags         []string      `json:"tags"`
	Action       string        `json:"action"`
	Outcome      LessonOutcome `json:"outcome"`
	ErrorDetails string        `json:"error_details,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// LessonLog is the interface for the learning-signal store.
type LessonLog interface {
	Record(ctx context.Context, lesson Lesson) error
	// QueryFailures returns past failures matching any of the given tags,
	// most recent first.
	QueryFailures(ctx context.Context, tags []string, limit int) ([]Lesson, error)
}

var tagStopWords = map[string]bool{
	"the": true, "and": true, "is": true, "it": true, "to": true,
	"for": true, "with": true, "a": true, "an": true,
}

// ExtractTags derives up to five keyword tags from free text, dropping
// punctuation, stop words and words of three characters or fewer.
func ExtractTags(text string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if r == ' ' || r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}

	var tags []string
	for _, w := range strings.Fields(b.String()) {
		if len(w) <= 3 || tagStopWords[w] {
			continue
		}
		tags = append(tags, w)
		if len(tags) == 5 {
			break
		}
	}
	return tags
}
