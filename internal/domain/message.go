package domain

import (
	"encoding/json"
	"time"
)

// SystemAuthorID marks entries authored by the engine itself (tool results,
// denial notices) rather than by an agent or the human user.
const SystemAuthorID = "system-fs"

// Citation is a source reference attached to a generated message.
type Citation struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Usage tracks token consumption for a single generation.
type Usage struct {
	PromptTokens   int `json:"prompt_tokens"`
	ResponseTokens int `json:"response_tokens"`
	TotalTokens    int `json:"total_tokens"`
}

// InvocationStatus is the lifecycle state of a tool invocation.
// Transitions are monotonic: pending → approved|rejected → executed|error.
type InvocationStatus string

const (
	InvocationPending  InvocationStatus = "pending"
	InvocationApproved InvocationStatus = "approved"
	InvocationRejected InvocationStatus = "rejected"
	InvocationExecuted InvocationStatus = "executed"
	InvocationError    InvocationStatus = "error"
)

// Resolved reports whether the invocation has left pending status.
func (s InvocationStatus) Resolved() bool {
	return s != InvocationPending && s != ""
}

// ToolInvocation is a structured request, embedded in a generated message,
// for a side-effecting action that requires approval before execution.
type ToolInvocation struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Args   json.RawMessage  `json:"args,omitempty"`
	Status InvocationStatus `json:"status"`
	Result string           `json:"result,omitempty"`
}

// Message is a single conversation entry. An empty AuthorID means the entry
// was authored by the human user.
type Message struct {
	ID          string           `json:"id"`
	AuthorID    string           `json:"author_id,omitempty"`
	Content     string           `json:"content"`
	Thinking    bool             `json:"thinking,omitempty"`
	Citations   []Citation       `json:"citations,omitempty"`
	Invocations []ToolInvocation `json:"tool_calls,omitempty"`
	Usage       *Usage           `json:"usage,omitempty"`
	Cost        float64          `json:"cost,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// FromUser reports whether the message was authored by the human user.
func (m Message) FromUser() bool { return m.AuthorID == "" }

// HasPendingInvocations reports whether any tool invocation on this message
// is still awaiting an approval decision.
func (m Message) HasPendingInvocations() bool {
	for _, inv := range m.Invocations {
		if !inv.Status.Resolved() {
			return true
		}
	}
	return false
}

// Invocation returns the invocation with the given id, if present.
func (m Message) Invocation(id string) (ToolInvocation, bool) {
	for _, inv := range m.Invocations {
		if inv.ID == id {
			return inv, true
		}
	}
	return ToolInvocation{}, false
}
