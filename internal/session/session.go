// Package session defines the session executor interface consumed by the
// orchestration loop (§6) and a reference implementation that runs each
// worker as an out-of-process subprocess. The worker communicates results
// only by rewriting the stage's status in frontmatter; the executor emits
// nothing the core relies on beyond exit code and duration.
package session

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Request is everything a worker needs to run one stage.
type Request struct {
	StageID       string
	StageFilePath string
	SkillName     string
	WorktreePath  string
	WorktreeIndex int
	Model         string
	Env           map[string]string
}

// Result is what the executor hands back once the worker exits.
type Result struct {
	ExitCode    int
	DurationMs  int64
	TrackingID  string
}

// Executor is the interface the orchestration loop depends on.
type Executor interface {
	Spawn(ctx context.Context, req Request) (Result, error)
}

// SubprocessExecutor runs workers as child processes via a configurable
// command template: the skill name selects a binary (or script) on PATH
// named "<skillPrefix><skillName>", invoked with the stage file path as
// its sole positional argument.
type SubprocessExecutor struct {
	skillPrefix string
	logDir      string
}

// NewSubprocessExecutor returns an Executor that looks up "<skillPrefix>
// <skillName>" on PATH and logs each worker's combined output under
// logDir/<trackingID>.log.
func NewSubprocessExecutor(skillPrefix, logDir string) *SubprocessExecutor {
	return &SubprocessExecutor{skillPrefix: skillPrefix, logDir: logDir}
}

func (e *SubprocessExecutor) Spawn(ctx context.Context, req Request) (Result, error) {
	trackingID := uuid.NewString()

	binary := e.skillPrefix + req.SkillName
	cmd := exec.CommandContext(ctx, binary, req.StageFilePath)
	cmd.Dir = req.WorktreePath
	cmd.Env = append(os.Environ(), envSlice(req.Env)...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("WORKTREE_INDEX=%d", req.WorktreeIndex))
	if req.Model != "" {
		cmd.Env = append(cmd.Env, "WORKFLOW_MODEL="+req.Model)
	}

	logPath := filepath.Join(e.logDir, trackingID+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return Result{}, fmt.Errorf("session: open log %s: %w", logPath, err)
	}
	defer logFile.Close()

	writer := bufio.NewWriter(logFile)
	defer writer.Flush()
	cmd.Stdout = writer
	cmd.Stderr = writer

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{TrackingID: trackingID}, fmt.Errorf("session: spawn %s: %w", req.StageID, err)
		}
	}

	return Result{ExitCode: exitCode, DurationMs: duration.Milliseconds(), TrackingID: trackingID}, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
