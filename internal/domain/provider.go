package domain

import "context"

// CompleteOptions tune a lightweight, non-streaming completion call.
type CompleteOptions struct {
	Temperature float64
	MaxTokens   int
}

// GenerateRequest carries everything the provider needs for one agent turn.
type GenerateRequest struct {
	Agent Agent
	// Instructions overrides Agent.Instructions when non-empty (used to
	// inject lesson warnings without mutating the roster entry).
	Instructions string
	History      []Message
	Trigger      string
	Roster       Roster
}

// GenerateResult is the finalized output of one agent turn.
type GenerateResult struct {
	Text        string
	Citations   []Citation
	Invocations []ToolInvocation
	Usage       *Usage
	Cost        float64
}

// TokenFunc receives streamed tokens as they arrive. Implementations must
// not block: the provider's stream reader calls it inline.
type TokenFunc func(token string)

// InferenceProvider is the contract with the language-model backend.
type InferenceProvider interface {
	// Complete performs a small, near-deterministic completion (used by
	// the speaker selector). It must respect ctx cancellation.
	Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error)
	// Generate produces one agent turn, streaming tokens through onToken
	// (which may be nil) before returning the finalized result.
	Generate(ctx context.Context, req GenerateRequest, onToken TokenFunc) (*GenerateResult, error)
	// Name returns the provider's identifier (e.g. "lmstudio").
	Name() string
}
