package resolver

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pipeworks/stagewright/internal/frontmatter"
	"github.com/pipeworks/stagewright/internal/logx"
	"github.com/pipeworks/stagewright/internal/pipeline"
	"github.com/pipeworks/stagewright/internal/workitem"
)

// sweepConcurrency bounds how many resolver calls run in flight at once.
// Resolvers typically make an outbound code-host request, so this is a
// concurrency limit on that traffic, not a CPU-bound worker count.
const sweepConcurrency = 4

// Runner sweeps every stage parked in a resolver phase on each tick and
// applies whatever transition the matching Func returns.
type Runner struct {
	gateway  *frontmatter.Gateway
	pipeline *pipeline.Config
	registry Registry
}

// NewRunner wires a gateway, pipeline config, and resolver registry
// together. A nil registry falls back to Default().
func NewRunner(gateway *frontmatter.Gateway, cfg *pipeline.Config, registry Registry) *Runner {
	if registry == nil {
		registry = Default()
	}
	return &Runner{gateway: gateway, pipeline: cfg, registry: registry}
}

// Sweep runs every configured resolver phase over stages, applying and
// persisting any non-null transition. Stages within a phase are resolved
// concurrently since each resolver call is typically an outbound code-host
// request; one stage's failure never aborts the sweep (§4.6) or the
// errgroup, since applyOne itself never returns an error. It returns the
// number of stages whose status actually changed, so callers (e.g. the
// orchestration loop's idle backoff) can tell a quiet tick from a
// productive one.
func (r *Runner) Sweep(ctx context.Context, stages []*workitem.Stage, rc Context) int {
	var applied int64
	for _, phase := range r.pipeline.ResolverPhases() {
		fn, ok := r.registry[phase.Resolver]
		if !ok {
			logx.Warn("resolver names unregistered implementation", logx.F("phase", phase.Name), logx.F("resolver", phase.Resolver))
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(sweepConcurrency)
		for _, stage := range stages {
			if stage.Status() != phase.Status {
				continue
			}
			stage := stage
			g.Go(func() error {
				if r.applyOne(gctx, stage, fn, rc) {
					atomic.AddInt64(&applied, 1)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return int(applied)
}

func (r *Runner) applyOne(ctx context.Context, stage *workitem.Stage, fn Func, rc Context) bool {
	newStatus, err := fn(ctx, stage, rc)
	if err != nil {
		logx.Error("resolver failed", logx.F("stage", stage.ID()), logx.F("error", err))
		return false
	}
	if newStatus == "" {
		return false
	}

	stage.SetStatus(newStatus)
	if err := r.gateway.Write(stage.FilePath(), stage.Data, stage.Body); err != nil {
		logx.Error("resolver write failed", logx.F("stage", stage.ID()), logx.F("status", newStatus), logx.F("error", err))
		return false
	}
	logx.Info("resolver advanced status", logx.F("stage", stage.ID()), logx.F("status", newStatus))
	return true
}
