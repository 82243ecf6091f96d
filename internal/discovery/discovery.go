// Package discovery implements the ready-stage filter and priority scorer
// described in §4.4. It works directly off the in-memory work-item views
// produced by the frontmatter gateway rather than a SQLite read model: the
// core keeps frontmatter files as its only source of truth, and treats any
// external read-model sync as a downstream concern (see SPEC_FULL.md).
package discovery

import (
	"math"
	"strings"
	"time"

	"github.com/pipeworks/stagewright/internal/pipeline"
	"github.com/pipeworks/stagewright/internal/workitem"
)

const (
	columnDone         = "done"
	columnBacklog      = "backlog"
	columnReadyForWork = "ready_for_work"
)

// ReadyStage is one stage the discovery tick judged eligible to run, with
// its computed score and diagnostic tags.
type ReadyStage struct {
	Stage      *workitem.Stage
	Score      int
	Reason     string
	NeedsHuman bool
}

// Counts are returned alongside the ready list.
type Counts struct {
	Blocked    int
	InProgress int
	ToConvert  int
}

// Engine scores stages against a fixed pipeline configuration.
type Engine struct {
	pipeline *pipeline.Config
}

// NewEngine returns an Engine bound to cfg.
func NewEngine(cfg *pipeline.Config) *Engine {
	return &Engine{pipeline: cfg}
}

// Discover computes the ready list and counts for the given snapshot of
// stages and tickets. now is passed in explicitly so scoring is
// deterministic and testable.
func (e *Engine) Discover(stages []*workitem.Stage, tickets []*workitem.Ticket, now time.Time) ([]ReadyStage, Counts) {
	statusByID := make(map[string]string, len(stages))
	for _, s := range stages {
		statusByID[s.ID()] = s.Status()
	}

	var counts Counts
	hasStages := make(map[string]bool, len(tickets))

	var ready []ReadyStage
	for _, s := range stages {
		hasStages[s.Ticket()] = true

		column := e.kanbanColumn(s, statusByID)
		switch {
		case column == columnDone:
			continue
		case column == columnBacklog:
			counts.Blocked++
			continue
		case s.SessionActive():
			counts.InProgress++
			continue
		}

		score, reason, needsHuman := e.score(s, column, now)
		ready = append(ready, ReadyStage{Stage: s, Score: score, Reason: reason, NeedsHuman: needsHuman})
	}

	for _, t := range tickets {
		if !hasStages[t.ID()] {
			counts.ToConvert++
		}
	}

	return ready, counts
}

// kanbanColumn derives a stage's kanban column from its status and
// dependency-resolution state: "done" once it has reached a terminal
// phase, "backlog" while any dependency has not, otherwise
// "ready_for_work".
func (e *Engine) kanbanColumn(s *workitem.Stage, statusByID map[string]string) string {
	if e.isDone(s.Status()) {
		return columnDone
	}
	for _, dep := range s.DependsOn() {
		if !e.isDone(statusByID[dep]) {
			return columnBacklog
		}
	}
	return columnReadyForWork
}

// isDone reports whether status is terminal: either the reserved
// "Complete" sentinel, or a configured phase with no outgoing
// transitions_to. A pipeline is free to name its own terminal status
// (e.g. "Done"); pipeline.Config.Validate forbids any phase from claiming
// the reserved sentinel itself, so that literal compare alone would never
// match a real phase.
func (e *Engine) isDone(status string) bool {
	if status == workitem.StatusComplete {
		return true
	}
	phase, found := e.pipeline.Resolve(status)
	return found && len(phase.TransitionsTo) == 0
}

func (e *Engine) score(s *workitem.Stage, column string, now time.Time) (score int, reason string, needsHuman bool) {
	base, reason, needsHuman := e.baseScore(s.Status(), column)
	priorityBonus := s.Priority() * 10
	dueDateBonus := dueDateBonus(s, now)
	return base + priorityBonus + dueDateBonus, reason, needsHuman
}

func (e *Engine) baseScore(status, column string) (score int, reason string, needsHuman bool) {
	phase, found := e.pipeline.Resolve(status)
	if !found {
		if column == columnReadyForWork {
			return 300, "normal", false
		}
		return 0, "normal", false
	}

	needsHuman = phaseNeedsHuman(phase)

	switch {
	case pipeline.MatchesNameFold(phase, "Addressing Comments"):
		return 700, "review_comments_pending", needsHuman
	case pipeline.NameContainsFold(phase, "manual"):
		return 600, "manual_testing_pending", needsHuman
	case pipeline.NameContainsFold(phase, "automatic"):
		return 500, "automatic_testing_ready", needsHuman
	case pipeline.MatchesNameFold(phase, "Build"):
		return 400, "build_ready", needsHuman
	default:
		return 200, slugify(phase.Name) + "_ready", needsHuman
	}
}

func phaseNeedsHuman(phase pipeline.Phase) bool {
	for _, tag := range []string{"manual", "user", "feedback"} {
		if pipeline.NameContainsFold(phase, tag) {
			return true
		}
	}
	return false
}

func slugify(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

// dueDateBonus implements max(0, round(50 - (daysUntilDue/30)*50)), clamped
// to 0 when undated or past due.
func dueDateBonus(s *workitem.Stage, now time.Time) int {
	due, ok := s.DueDate()
	if !ok {
		return 0
	}
	daysUntilDue := due.Sub(now).Hours() / 24
	if daysUntilDue <= 0 {
		return 0
	}
	bonus := 50 - (daysUntilDue/30)*50
	if bonus < 0 {
		return 0
	}
	return int(math.Round(bonus))
}
