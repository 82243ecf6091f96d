// Package synchook defines the repo resync hook consumed by the exit gate
// (§6): after a stage/ticket/epic status change, an external process may
// need to resynchronize whatever read model mirrors the frontmatter files.
// The call is retryable exactly once; that retry lives in exitgate, not
// here.
package synchook

import (
	"context"
	"fmt"
	"os/exec"
)

// Hook matches exitgate.SyncHook.
type Hook interface {
	Resync(ctx context.Context) error
}

// CommandHook runs a configured shell command against repoPath on every
// call. A reasonable default when the resync step is itself a script
// (e.g. a frontmatter-to-SQLite sync job) rather than an HTTP call.
type CommandHook struct {
	command  string
	args     []string
	repoPath string
}

// NewCommandHook returns a Hook that runs command(args..., repoPath) on
// each Resync call.
func NewCommandHook(command string, args []string, repoPath string) *CommandHook {
	return &CommandHook{command: command, args: args, repoPath: repoPath}
}

func (h *CommandHook) Resync(ctx context.Context) error {
	fullArgs := append(append([]string{}, h.args...), h.repoPath)
	cmd := exec.CommandContext(ctx, h.command, fullArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("synchook: %s: %w: %s", h.command, err, out)
	}
	return nil
}

// NoopHook satisfies Hook without doing anything; useful when a project
// has no downstream read model to resync.
type NoopHook struct{}

func (NoopHook) Resync(ctx context.Context) error { return nil }
