// Package resolver implements §4.6: pure synchronous functions that decide
// a stage's next status without running a worker session. The runner
// iterates every configured resolver phase on each tick and applies any
// non-null result through the frontmatter gateway.
package resolver

import (
	"context"

	"github.com/pipeworks/stagewright/internal/workitem"
)

// Context is the read-only environment a resolver function may consult.
type Context struct {
	Env      map[string]string
	CodeHost CodeHost
}

// CodeHost is the subset of the code-host adapter resolvers depend on.
// Defined here, not imported from internal/codehost, so this package has
// no dependency on a concrete transport.
type CodeHost interface {
	IsMerged(ctx context.Context, prURL string) (bool, error)
	HasUnresolvedComments(ctx context.Context, prURL string) (bool, error)
}

// Func is a single resolver's decision function. It returns the empty
// string to mean "no transition" (null in the spec's terms).
type Func func(ctx context.Context, stage *workitem.Stage, rc Context) (newStatus string, err error)

// Registry maps a resolver name (as configured in workflow.yaml) to its
// implementation.
type Registry map[string]Func

// Default returns the built-in resolvers: pr-status and stage-router.
func Default() Registry {
	return Registry{
		"pr-status":    PRStatus,
		"stage-router": StageRouter,
	}
}

// PRStatus transitions a stage to Done once its PR is merged, or to
// Addressing Comments when unresolved review comments exist. Merged wins
// over comments when both are true in the same tick.
func PRStatus(ctx context.Context, stage *workitem.Stage, rc Context) (string, error) {
	prURL := stage.PRURL()
	if prURL == "" || rc.CodeHost == nil {
		return "", nil
	}

	merged, err := rc.CodeHost.IsMerged(ctx, prURL)
	if err != nil {
		return "", err
	}
	if merged {
		return "Done", nil
	}

	unresolved, err := rc.CodeHost.HasUnresolvedComments(ctx, prURL)
	if err != nil {
		return "", err
	}
	if unresolved {
		return "Addressing Comments", nil
	}

	return "", nil
}

// StageRouter is a project-specific dispatch stub. It returns no
// transition by default; projects wire their own routing by registering a
// replacement under the same name.
func StageRouter(ctx context.Context, stage *workitem.Stage, rc Context) (string, error) {
	return "", nil
}
