// Package exitgate propagates a stage's observed status change up through
// its ticket and epic, then notifies the external sync hook. It is
// invoked only when the post-worker status differs from the pre-worker
// status (§4.7); the propagation is best-effort and never rolls back
// worker progress.
package exitgate

import (
	"context"
	"fmt"

	"github.com/pipeworks/stagewright/internal/frontmatter"
	"github.com/pipeworks/stagewright/internal/logx"
	"github.com/pipeworks/stagewright/internal/workitem"
)

// SyncHook is the external repo resync callback (§6).
type SyncHook interface {
	Resync(ctx context.Context) error
}

// Gate wires the frontmatter gateway and sync hook together.
type Gate struct {
	gateway *frontmatter.Gateway
	hook    SyncHook
}

// New returns a Gate. hook may be nil, in which case resync is skipped.
func New(gateway *frontmatter.Gateway, hook SyncHook) *Gate {
	return &Gate{gateway: gateway, hook: hook}
}

// Propagate runs the four steps of §4.7 for one stage whose status just
// changed to newStatus. ticketPath and epicPath are the file paths the
// caller already knows from its own directory listing.
func (g *Gate) Propagate(ctx context.Context, stage *workitem.Stage, newStatus, ticketPath, epicPath string) error {
	ticketChanged, err := g.updateTicket(stage.ID(), newStatus, ticketPath)
	if err != nil {
		return fmt.Errorf("exitgate: update ticket %s: %w", stage.Ticket(), err)
	}

	if ticketChanged {
		if err := g.updateEpic(ticketPath, epicPath); err != nil {
			return fmt.Errorf("exitgate: update epic %s: %w", stage.Epic(), err)
		}
	}

	g.resync(ctx)
	return nil
}

func (g *Gate) updateTicket(stageID, stageNewStatus, ticketPath string) (changed bool, err error) {
	data, body, err := g.gateway.Read(ticketPath)
	if err != nil {
		return false, err
	}
	ticket := workitem.NewTicket(ticketPath, data, body)

	before := workitem.DeriveStatus(ticket.StageStatuses())
	ticket.SetStageStatus(stageID, stageNewStatus)
	after := workitem.DeriveStatus(ticket.StageStatuses())
	ticket.SetStatus(after)

	if err := g.gateway.Write(ticketPath, ticket.Data, ticket.Body); err != nil {
		return false, err
	}
	return before != after, nil
}

func (g *Gate) updateEpic(ticketPath, epicPath string) error {
	ticketData, _, err := g.gateway.Read(ticketPath)
	if err != nil {
		return err
	}
	ticket := workitem.NewTicket(ticketPath, ticketData, "")
	ticketStatus := ticket.Status()
	ticketIDValue, _ := ticketData.GetString("id")

	epicData, epicBody, err := g.gateway.Read(epicPath)
	if err != nil {
		return err
	}
	epic := workitem.NewEpic(epicPath, epicData, epicBody)
	epic.SetTicketStatus(ticketIDValue, ticketStatus)
	epic.SetStatus(workitem.DeriveStatus(epic.TicketStatuses()))

	return g.gateway.Write(epicPath, epic.Data, epic.Body)
}

func (g *Gate) resync(ctx context.Context) {
	if g.hook == nil {
		return
	}
	if err := g.hook.Resync(ctx); err != nil {
		logx.Warn("resync failed, retrying once", logx.F("error", err))
		if err := g.hook.Resync(ctx); err != nil {
			logx.Error("resync failed after retry", logx.F("error", err))
		}
	}
}
