// Package commentpoller watches PR-Created stages for new review comments
// and pushes them into Addressing Comments, per §4.10. It tracks a
// watermark per stage so steady-state polls do not refire.
package commentpoller

import (
	"context"
	"fmt"

	"github.com/pipeworks/stagewright/internal/exitgate"
	"github.com/pipeworks/stagewright/internal/frontmatter"
	"github.com/pipeworks/stagewright/internal/workitem"
)

const statusPRCreated = "PR Created"
const statusAddressingComments = "Addressing Comments"

// CodeHost is the subset of the adapter the poller depends on.
type CodeHost interface {
	UnresolvedCommentCount(ctx context.Context, prURL string) (int, error)
}

// Watermarks persists the last-seen comment count per stage id.
type Watermarks interface {
	Get(stageID string) (int, bool)
	Set(stageID string, count int)
}

// Locker is the subset of internal/locker the poller depends on.
type Locker interface {
	IsLocked(path string) (bool, error)
}

// Poller wires a code host, watermark store, locker, gateway, and exit
// gate together.
type Poller struct {
	codeHost   CodeHost
	watermarks Watermarks
	locker     Locker
	gateway    *frontmatter.Gateway
	exitGate   *exitgate.Gate
}

// New returns a Poller.
func New(codeHost CodeHost, watermarks Watermarks, locker Locker, gateway *frontmatter.Gateway, gate *exitgate.Gate) *Poller {
	return &Poller{
		codeHost:   codeHost,
		watermarks: watermarks,
		locker:     locker,
		gateway:    gateway,
		exitGate:   gate,
	}
}

// Poll checks every stage currently in PR Created for new unresolved
// comments and rewrites status to Addressing Comments when warranted.
func (p *Poller) Poll(ctx context.Context, stages []*workitem.Stage, ticketPathOf, epicPathOf func(stage *workitem.Stage) string) error {
	for _, stage := range stages {
		if stage.Status() != statusPRCreated {
			continue
		}
		if err := p.pollOne(ctx, stage, ticketPathOf(stage), epicPathOf(stage)); err != nil {
			return fmt.Errorf("commentpoller: %s: %w", stage.ID(), err)
		}
	}
	return nil
}

func (p *Poller) pollOne(ctx context.Context, stage *workitem.Stage, ticketPath, epicPath string) error {
	prURL := stage.PRURL()
	if prURL == "" {
		return nil
	}

	count, err := p.codeHost.UnresolvedCommentCount(ctx, prURL)
	if err != nil {
		return err
	}

	// A stage with no stored watermark compares against zero.
	previous, _ := p.watermarks.Get(stage.ID())
	if count <= previous {
		return nil
	}

	locked, err := p.locker.IsLocked(stage.FilePath())
	if err != nil {
		return err
	}
	if locked {
		// Steady-state watermark still advances so a later unlock doesn't
		// cause a stale re-fire.
		p.watermarks.Set(stage.ID(), count)
		return nil
	}

	stage.SetStatus(statusAddressingComments)
	if err := p.gateway.Write(stage.FilePath(), stage.Data, stage.Body); err != nil {
		return err
	}
	p.watermarks.Set(stage.ID(), count)

	return p.exitGate.Propagate(ctx, stage, statusAddressingComments, ticketPath, epicPath)
}
