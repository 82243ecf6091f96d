// Package workitem models the three-level epic/ticket/stage hierarchy as
// typed views over a frontmatter.Data bag. It never owns persistence —
// callers read and write through the frontmatter gateway and hand the
// resulting Data to these constructors.
package workitem

import (
	"fmt"
	"strings"
	"time"

	"github.com/pipeworks/stagewright/internal/frontmatter"
)

// Kind identifies which of the three hierarchy levels an id names.
type Kind int

const (
	KindUnknown Kind = iota
	KindEpic
	KindTicket
	KindStage
)

func (k Kind) String() string {
	switch k {
	case KindEpic:
		return "epic"
	case KindTicket:
		return "ticket"
	case KindStage:
		return "stage"
	default:
		return "unknown"
	}
}

// ParseID determines the Kind encoded in id and validates its segment
// count: EPIC-<a>, TICKET-<a>-<b>, STAGE-<a>-<b>-<c>.
func ParseID(id string) (Kind, error) {
	switch {
	case strings.HasPrefix(id, "STAGE-"):
		if countSegments(id) != 4 {
			return KindUnknown, fmt.Errorf("workitem: malformed stage id %q", id)
		}
		return KindStage, nil
	case strings.HasPrefix(id, "TICKET-"):
		if countSegments(id) != 3 {
			return KindUnknown, fmt.Errorf("workitem: malformed ticket id %q", id)
		}
		return KindTicket, nil
	case strings.HasPrefix(id, "EPIC-"):
		if countSegments(id) != 2 {
			return KindUnknown, fmt.Errorf("workitem: malformed epic id %q", id)
		}
		return KindEpic, nil
	default:
		return KindUnknown, fmt.Errorf("workitem: unrecognized id %q", id)
	}
}

func countSegments(id string) int {
	return len(strings.Split(id, "-"))
}

// Base carries the fields shared by every work-item kind, plus the
// underlying frontmatter bag so kind-specific views can reach extra fields.
type Base struct {
	Path string
	Data *frontmatter.Data
	Body string
}

// ID returns the item's identifier.
func (b *Base) ID() string {
	v, _ := b.Data.GetString("id")
	return v
}

// Title returns the item's title.
func (b *Base) Title() string {
	v, _ := b.Data.GetString("title")
	return v
}

// Status returns the item's current status string.
func (b *Base) Status() string {
	v, _ := b.Data.GetString("status")
	return v
}

// SetStatus overwrites the item's status string.
func (b *Base) SetStatus(status string) {
	b.Data.Set("status", status)
}

// DependsOn returns the ids this item is blocked on.
func (b *Base) DependsOn() []string {
	return b.Data.GetStringList("depends_on")
}

// FilePath returns the work-item file's path.
func (b *Base) FilePath() string {
	return b.Path
}

// Stage is a leaf work item: the unit a worker session actually executes.
type Stage struct {
	Base
}

// NewStage wraps data/body read from path into a Stage view.
func NewStage(path string, data *frontmatter.Data, body string) *Stage {
	return &Stage{Base{Path: path, Data: data, Body: body}}
}

func (s *Stage) Ticket() string {
	v, _ := s.Data.GetString("ticket")
	return v
}

func (s *Stage) Epic() string {
	v, _ := s.Data.GetString("epic")
	return v
}

func (s *Stage) RefinementType() []string {
	return s.Data.GetStringList("refinement_type")
}

func (s *Stage) WorktreeBranch() string {
	v, _ := s.Data.GetString("worktree_branch")
	return v
}

func (s *Stage) Priority() int {
	return s.Data.GetInt("priority")
}

// DueDate returns the stage's due date and whether one is set and
// parseable as an ISO 8601 date.
func (s *Stage) DueDate() (time.Time, bool) {
	raw, ok := s.Data.GetString("due_date")
	if !ok || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (s *Stage) PRURL() string {
	v, _ := s.Data.GetString("pr_url")
	return v
}

func (s *Stage) PRNumber() int {
	return s.Data.GetInt("pr_number")
}

func (s *Stage) SessionActive() bool {
	return s.Data.GetBool("session_active")
}

func (s *Stage) SetSessionActive(active bool) {
	s.Data.Set("session_active", active)
}

func (s *Stage) IsDraft() bool {
	return s.Data.GetBool("is_draft")
}

func (s *Stage) SetIsDraft(draft bool) {
	s.Data.Set("is_draft", draft)
}

func (s *Stage) RebaseConflict() bool {
	return s.Data.GetBool("rebase_conflict")
}

// PendingParent is one entry of a stage's pending_merge_parents list: a
// parent stage whose branch this stage's PR is chained onto.
type PendingParent struct {
	ParentStageID string `yaml:"parent_stage_id"`
	Branch        string `yaml:"branch"`
	PRURL         string `yaml:"pr_url,omitempty"`
}

func (s *Stage) PendingMergeParents() []PendingParent {
	raw := s.Data.GetMapList("pending_merge_parents")
	out := make([]PendingParent, 0, len(raw))
	for _, m := range raw {
		pp := PendingParent{}
		if v, ok := m["parent_stage_id"].(string); ok {
			pp.ParentStageID = v
		}
		if v, ok := m["branch"].(string); ok {
			pp.Branch = v
		}
		if v, ok := m["pr_url"].(string); ok {
			pp.PRURL = v
		}
		out = append(out, pp)
	}
	return out
}

func (s *Stage) SetPendingMergeParents(parents []PendingParent) {
	raw := make([]interface{}, 0, len(parents))
	for _, pp := range parents {
		m := map[string]interface{}{
			"parent_stage_id": pp.ParentStageID,
			"branch":          pp.Branch,
		}
		if pp.PRURL != "" {
			m["pr_url"] = pp.PRURL
		}
		raw = append(raw, m)
	}
	s.Data.Set("pending_merge_parents", raw)
}

// Ticket groups the stages that implement one piece of work.
type Ticket struct {
	Base
}

func NewTicket(path string, data *frontmatter.Data, body string) *Ticket {
	return &Ticket{Base{Path: path, Data: data, Body: body}}
}

// StageStatuses returns the last-observed status of each of this ticket's
// stages, keyed by stage id.
func (t *Ticket) StageStatuses() map[string]string {
	return toStringMap(t.Data.Get("stage_statuses"))
}

// SetStageStatus records stageID's latest observed status.
func (t *Ticket) SetStageStatus(stageID, status string) {
	statuses := t.StageStatuses()
	if statuses == nil {
		statuses = make(map[string]string)
	}
	statuses[stageID] = status
	t.Data.Set("stage_statuses", fromStringMap(statuses))
}

// Epic groups the tickets that implement one larger initiative.
type Epic struct {
	Base
}

func NewEpic(path string, data *frontmatter.Data, body string) *Epic {
	return &Epic{Base{Path: path, Data: data, Body: body}}
}

// TicketStatuses returns the last-derived status of each of this epic's
// tickets, keyed by ticket id.
func (e *Epic) TicketStatuses() map[string]string {
	return toStringMap(e.Data.Get("ticket_statuses"))
}

func (e *Epic) SetTicketStatus(ticketID, status string) {
	statuses := e.TicketStatuses()
	if statuses == nil {
		statuses = make(map[string]string)
	}
	statuses[ticketID] = status
	e.Data.Set("ticket_statuses", fromStringMap(statuses))
}

const (
	// StatusNotStarted and StatusComplete are the two reserved statuses
	// that exist outside any configured pipeline phase.
	StatusNotStarted = "Not Started"
	StatusComplete   = "Complete"
	// StatusInProgress is not a reserved phase status; it is the derived
	// status assigned to a ticket/epic whose children are a mix of
	// started and unstarted/incomplete work.
	StatusInProgress = "In Progress"
)

// DeriveStatus implements invariant I4: Complete iff every status equals
// Complete, Not Started iff every status equals Not Started, In Progress
// otherwise. An empty map (no children yet) derives to Not Started.
func DeriveStatus(statuses map[string]string) string {
	if len(statuses) == 0 {
		return StatusNotStarted
	}
	allComplete := true
	allNotStarted := true
	for _, s := range statuses {
		if s != StatusComplete {
			allComplete = false
		}
		if s != StatusNotStarted {
			allNotStarted = false
		}
	}
	switch {
	case allComplete:
		return StatusComplete
	case allNotStarted:
		return StatusNotStarted
	default:
		return StatusInProgress
	}
}

func toStringMap(v interface{}, ok bool) map[string]string {
	if !ok || v == nil {
		return nil
	}
	out := make(map[string]string)
	switch m := v.(type) {
	case map[string]interface{}:
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
	case map[interface{}]interface{}:
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			if s, ok := val.(string); ok {
				out[ks] = s
			}
		}
	}
	return out
}

func fromStringMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
