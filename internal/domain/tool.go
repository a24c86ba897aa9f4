package domain

import (
	"context"
	"encoding/json"
)

// WriteFileTool is the function name agents use to request a workspace write.
const WriteFileTool = "write_file"

// ToolRunner executes an approved tool invocation. Run returns a short
// result summary on success; failures return an error that is recorded on
// the invocation rather than propagated.
type ToolRunner interface {
	Run(ctx context.Context, name string, args json.RawMessage) (string, error)
}
