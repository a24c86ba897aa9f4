package domain

import "context"

// MessageUpdate carries the fields of a finalize/update call. Nil pointers
// leave the corresponding field untouched; slices replace wholesale.
type MessageUpdate struct {
	Content     *string
	Thinking    *bool
	Citations   []Citation
	Invocations []ToolInvocation
	Usage       *Usage
	Cost        *float64
}

// MessageStore is the conversation persistence contract. Append and Update
// are awaited by the scheduler; StreamToken is fire-and-forget and must
// never block the caller.
type MessageStore interface {
	Append(ctx context.Context, msg Message) error
	// StreamToken appends a streamed token to the in-progress entry.
	// Tokens need not be durably persisted individually but must not be
	// dropped or reordered before finalization.
	StreamToken(id, token string)
	Update(ctx context.Context, id string, upd MessageUpdate) error
	Get(ctx context.Context, id string) (Message, error)
	History(ctx context.Context) ([]Message, error)
	Clear(ctx context.Context) error
}
