package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"swarmbridge/internal/domain"
)

// WorkspaceRunner implements domain.ToolRunner for the file-writing tool.
// Every file lands flat inside the workspace directory; the filename must
// not carry any path component, so an agent cannot climb out of the sandbox.
type WorkspaceRunner struct {
	root   string
	logger *slog.Logger
}

// NewWorkspaceRunner creates a runner writing into root. The directory is
// created on first use if missing.
func NewWorkspaceRunner(root string, logger *slog.Logger) *WorkspaceRunner {
	return &WorkspaceRunner{root: root, logger: logger}
}

type writeFileArgs struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Run implements domain.ToolRunner.
func (r *WorkspaceRunner) Run(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name != domain.WriteFileTool {
		return "", domain.NewDomainError("WorkspaceRunner.Run", domain.ErrToolNotFound, name)
	}

	var p writeFileArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return "", domain.NewDomainError("WorkspaceRunner.Run", domain.ErrInvalidInput, "malformed arguments: "+err.Error())
	}
	if err := validateFilename(p.Filename); err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return "", fmt.Errorf("%w: create workspace: %v", domain.ErrToolFailure, err)
	}
	dest := filepath.Join(r.root, p.Filename)
	if err := os.WriteFile(dest, []byte(p.Content), 0o644); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", domain.ErrToolFailure, p.Filename, err)
	}

	r.logger.Info("workspace file written", "file", p.Filename, "bytes", len(p.Content))
	return fmt.Sprintf("Success: written to %s", filepath.Join(filepath.Base(r.root), p.Filename)), nil
}

// validateFilename rejects anything other than a plain file name.
func validateFilename(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return domain.NewDomainError("WorkspaceRunner.Run", domain.ErrInvalidInput, "empty filename")
	case strings.ContainsAny(name, `/\`):
		return domain.NewDomainError("WorkspaceRunner.Run", domain.ErrInvalidInput, "filename must not contain path separators: "+name)
	case strings.Contains(name, ".."):
		return domain.NewDomainError("WorkspaceRunner.Run", domain.ErrInvalidInput, "filename must not contain dot-dot: "+name)
	case filepath.Base(name) != name:
		return domain.NewDomainError("WorkspaceRunner.Run", domain.ErrInvalidInput, "filename must be flat: "+name)
	}
	return nil
}

var _ domain.ToolRunner = (*WorkspaceRunner)(nil)
