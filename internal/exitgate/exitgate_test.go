package exitgate

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeworks/stagewright/internal/frontmatter"
	"github.com/pipeworks/stagewright/internal/workitem"
)

type countingHook struct {
	calls   int
	failFor int // fail this many calls before succeeding
}

func (h *countingHook) Resync(ctx context.Context) error {
	h.calls++
	if h.calls <= h.failFor {
		return errors.New("sync unavailable")
	}
	return nil
}

func setupFixture(t *testing.T, fs afero.Fs, gw *frontmatter.Gateway) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, "ticket.md", []byte(
		"---\nid: TICKET-1-1\nstatus: Not Started\nstage_statuses:\n  STAGE-1-1-1: Not Started\n---\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "epic.md", []byte(
		"---\nid: EPIC-1\nstatus: Not Started\nticket_statuses:\n  TICKET-1-1: Not Started\n---\n"), 0o644))
}

func newPropagatingStage() *workitem.Stage {
	data := frontmatter.NewData()
	data.Set("id", "STAGE-1-1-1")
	data.Set("ticket", "TICKET-1-1")
	data.Set("epic", "EPIC-1")
	return workitem.NewStage("stage.md", data, "")
}

func TestGate_Propagate_UpdatesTicketOnly_WhenTicketStatusUnchanged(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := frontmatter.NewGateway(fs)
	setupFixture(t, fs, gw)

	// Two stages on the ticket; only one transitions, so the ticket stays
	// "In Progress" both before and after -- epic must not be touched.
	require.NoError(t, afero.WriteFile(fs, "ticket.md", []byte(
		"---\nid: TICKET-1-1\nstatus: In Progress\nstage_statuses:\n  STAGE-1-1-1: Writing Code\n  STAGE-1-1-2: Writing Code\n---\n"), 0o644))

	hook := &countingHook{}
	gate := New(gw, hook)
	stage := newPropagatingStage()

	err := gate.Propagate(context.Background(), stage, "Manual Testing", "ticket.md", "epic.md")
	require.NoError(t, err)

	epicData, _, err := gw.Read("epic.md")
	require.NoError(t, err)
	status, _ := epicData.GetString("status")
	assert.Equal(t, "Not Started", status, "epic should be untouched since ticket status didn't change")
	assert.Equal(t, 1, hook.calls)
}

func TestGate_Propagate_CascadesToEpic_WhenTicketCompletes(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := frontmatter.NewGateway(fs)
	setupFixture(t, fs, gw)

	hook := &countingHook{}
	gate := New(gw, hook)
	stage := newPropagatingStage()

	err := gate.Propagate(context.Background(), stage, workitem.StatusComplete, "ticket.md", "epic.md")
	require.NoError(t, err)

	ticketData, _, err := gw.Read("ticket.md")
	require.NoError(t, err)
	ticketStatus, _ := ticketData.GetString("status")
	assert.Equal(t, workitem.StatusComplete, ticketStatus)

	epicData, _, err := gw.Read("epic.md")
	require.NoError(t, err)
	epicStatus, _ := epicData.GetString("status")
	assert.Equal(t, workitem.StatusComplete, epicStatus)
}

func TestGate_Propagate_ResyncRetriesOnceThenGivesUp(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := frontmatter.NewGateway(fs)
	setupFixture(t, fs, gw)

	hook := &countingHook{failFor: 2}
	gate := New(gw, hook)
	stage := newPropagatingStage()

	err := gate.Propagate(context.Background(), stage, workitem.StatusComplete, "ticket.md", "epic.md")
	require.NoError(t, err, "propagate itself never fails on a resync error")
	assert.Equal(t, 2, hook.calls, "exactly one retry after the first failure")
}

func TestGate_Propagate_NilHookSkipsResync(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := frontmatter.NewGateway(fs)
	setupFixture(t, fs, gw)

	gate := New(gw, nil)
	stage := newPropagatingStage()

	err := gate.Propagate(context.Background(), stage, workitem.StatusComplete, "ticket.md", "epic.md")
	require.NoError(t, err)
}
