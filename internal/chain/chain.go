// Package chain implements the PR chain manager (§4.9): for every tracked
// parent/child pair it watches the parent's merge and HEAD state, fires a
// best-effort rebase worker on the child when the parent moves, and
// retargets the child's PR base branch once all its parents have landed.
// Grounded on the teacher's dependency-aware merge waiter and the
// sourcegraph/conc panic-safe goroutine pattern used for its async spawns.
package chain

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/pipeworks/stagewright/internal/frontmatter"
	"github.com/pipeworks/stagewright/internal/logx"
	"github.com/pipeworks/stagewright/internal/workitem"
)

// Event classifies what Scan observed for one tracking row on this pass.
type Event string

const (
	EventMerged  Event = "merged"
	EventUpdated Event = "updated"
	EventSeeded  Event = "seeded"
	EventNone    Event = "none"
)

// SpawnResult records what happened when the manager tried to launch a
// rebase worker for a row's child stage.
type SpawnResult string

const (
	SpawnUnconfigured SpawnResult = "spawn_unconfigured"
	SpawnSkippedNoFile SpawnResult = "skipped_no_file"
	SpawnSkippedConflict SpawnResult = "skipped_conflict"
	SpawnSkippedLocked SpawnResult = "skipped_locked"
	SpawnLaunched      SpawnResult = "spawned"
)

// Row is one tracked parent/child relationship: child stage's PR depends
// on parent's branch landing.
type Row struct {
	ChildStageID  string
	ParentStageID string
	ParentBranch  string
	ChildPRNumber int
	LastKnownHead string
	LastChecked   time.Time
	IsMerged      bool
}

// Store persists tracking rows. A real implementation may back onto the
// same frontmatter files or a small side store; the manager only needs
// list/filter/save.
type Store interface {
	Rows() []*Row
	RowsForChild(childStageID string) []*Row
	Save(row *Row) error
}

// CodeHost is the subset of the external code-host adapter the chain
// manager depends on (§6).
type CodeHost interface {
	IsMerged(ctx context.Context, branch string) (bool, error)
	BranchHead(ctx context.Context, branch string) (string, error)
	RetargetBase(ctx context.Context, prNumber int, newBase string) error
	MarkReadyForReview(ctx context.Context, prNumber int) error
}

// StatusReader resolves a stage id to its current status string.
type StatusReader interface {
	StageStatus(stageID string) (string, error)
}

// PathResolver resolves a stage id to its frontmatter file path.
type PathResolver interface {
	ResolvePath(stageID string) (string, bool)
}

// Locker is the subset of internal/locker the manager depends on.
type Locker interface {
	AcquireLock(path string) error
	ReleaseLock(path string) error
	IsLocked(path string) (bool, error)
}

// Spawner launches a rebase-child-mr worker for a stage and blocks until
// it finishes or errors.
type Spawner interface {
	SpawnRebase(ctx context.Context, childStageID string) error
}

// Outcome is one row's scan result, returned for logging/testing.
type Outcome struct {
	Row    *Row
	Event  Event
	Spawn  SpawnResult
}

// Snapshot is the per-tick view of stage state the manager needs: where a
// stage's file lives, and what status it currently carries. repo.Index
// satisfies this directly.
type Snapshot interface {
	StatusReader
	PathResolver
}

// Manager ties the tracking store to the code host, locker, and spawner.
type Manager struct {
	store         Store
	codeHost      CodeHost
	locker        Locker
	spawner       Spawner
	gateway       *frontmatter.Gateway
	defaultBranch string
	reviewable    map[string]bool
}

// Config bundles Manager's collaborators at construction time.
type Config struct {
	Store         Store
	CodeHost      CodeHost
	Locker        Locker
	Spawner       Spawner
	Gateway       *frontmatter.Gateway
	DefaultBranch string
	// ReviewableStatuses names the stage statuses the chain manager will
	// scan tracking rows for; typically the phase(s) downstream of PR
	// creation where a parent rebase could still matter.
	ReviewableStatuses []string
}

// New returns a Manager. Spawner may be nil, meaning rebase spawning is
// unconfigured and the manager only emits raw events and runs retargeting.
func New(cfg Config) *Manager {
	reviewable := make(map[string]bool, len(cfg.ReviewableStatuses))
	for _, s := range cfg.ReviewableStatuses {
		reviewable[s] = true
	}
	return &Manager{
		store:         cfg.Store,
		codeHost:      cfg.CodeHost,
		locker:        cfg.Locker,
		spawner:       cfg.Spawner,
		gateway:       cfg.Gateway,
		defaultBranch: cfg.DefaultBranch,
		reviewable:    reviewable,
	}
}

// Scan walks every unmerged tracking row whose child stage is currently in
// a reviewable phase. Each row is handled independently; one row's failure
// never halts the scan.
func (m *Manager) Scan(ctx context.Context, snapshot Snapshot) []Outcome {
	var outcomes []Outcome
	for _, row := range m.store.Rows() {
		if row.IsMerged {
			continue
		}
		status, err := snapshot.StageStatus(row.ChildStageID)
		if err != nil || !m.reviewable[status] {
			continue
		}
		outcomes = append(outcomes, m.scanRow(ctx, row, snapshot))
	}
	return outcomes
}

func (m *Manager) scanRow(ctx context.Context, row *Row, snapshot Snapshot) Outcome {
	merged, err := m.codeHost.IsMerged(ctx, row.ParentBranch)
	if err == nil && merged {
		row.IsMerged = true
		row.LastChecked = time.Now()
		_ = m.store.Save(row)
		return m.enterBranch(ctx, row, EventMerged, snapshot)
	}

	head, headErr := m.codeHost.BranchHead(ctx, row.ParentBranch)

	if row.LastKnownHead == "" {
		if headErr == nil {
			row.LastKnownHead = head
		}
		row.LastChecked = time.Now()
		_ = m.store.Save(row)
		return Outcome{Row: row, Event: EventSeeded}
	}

	if headErr == nil && head != row.LastKnownHead {
		row.LastKnownHead = head
		row.LastChecked = time.Now()
		_ = m.store.Save(row)
		return m.enterBranch(ctx, row, EventUpdated, snapshot)
	}

	// No event observed; last_checked is deliberately left untouched (I6).
	return Outcome{Row: row, Event: EventNone}
}

// enterBranch is the shared post-merge/post-update branch: try to spawn a
// rebase worker on the child, then, for the merged case only, run the
// retargeting matrix.
func (m *Manager) enterBranch(ctx context.Context, row *Row, event Event, snapshot Snapshot) Outcome {
	spawnResult := m.trySpawnRebase(ctx, row, snapshot)
	if event == EventMerged {
		m.retarget(ctx, row, snapshot)
	}
	return Outcome{Row: row, Event: event, Spawn: spawnResult}
}

func (m *Manager) trySpawnRebase(ctx context.Context, row *Row, snapshot Snapshot) SpawnResult {
	if m.spawner == nil {
		return SpawnUnconfigured
	}

	path, ok := snapshot.ResolvePath(row.ChildStageID)
	if !ok {
		return SpawnSkippedNoFile
	}

	conflict, err := m.childHasConflictFlag(path)
	if err != nil {
		return SpawnSkippedNoFile
	}
	if conflict {
		return SpawnSkippedConflict
	}

	locked, err := m.locker.IsLocked(path)
	if err != nil {
		return SpawnSkippedNoFile
	}
	if locked {
		return SpawnSkippedLocked
	}

	if err := m.locker.AcquireLock(path); err != nil {
		return SpawnSkippedLocked
	}

	childStageID := row.ChildStageID
	spawner := m.spawner
	locker := m.locker
	go func() {
		var catcher panics.Catcher
		catcher.Try(func() {
			if err := spawner.SpawnRebase(ctx, childStageID); err != nil {
				logx.Error("rebase spawn failed", logx.F("stage", childStageID), logx.F("error", err))
				if relErr := locker.ReleaseLock(path); relErr != nil {
					logx.Error("release lock failed", logx.F("stage", childStageID), logx.F("error", relErr))
				}
			}
		})
		if recovered := catcher.Recovered(); recovered != nil {
			logx.Error("rebase goroutine panicked", logx.F("stage", childStageID), logx.F("error", recovered.AsError()))
			if relErr := locker.ReleaseLock(path); relErr != nil {
				logx.Error("release lock failed", logx.F("stage", childStageID), logx.F("error", relErr))
			}
		}
	}()

	return SpawnLaunched
}

func (m *Manager) childHasConflictFlag(path string) (bool, error) {
	data, _, err := m.gateway.Read(path)
	if err != nil {
		return false, err
	}
	return workitem.NewStage(path, data, "").RebaseConflict(), nil
}

// retarget applies the retargeting matrix from §4.9, post-merge branch
// only, and only when the child PR number is known.
func (m *Manager) retarget(ctx context.Context, row *Row, snapshot Snapshot) {
	if row.ChildPRNumber == 0 {
		return
	}

	rows := m.store.RowsForChild(row.ChildStageID)
	var remaining *Row
	unmerged := 0
	for _, r := range rows {
		if !r.IsMerged {
			unmerged++
			remaining = r
		}
	}

	switch unmerged {
	case 0:
		if err := m.codeHost.RetargetBase(ctx, row.ChildPRNumber, m.defaultBranch); err != nil {
			logx.Error("retarget to default branch failed", logx.F("stage", row.ChildStageID), logx.F("error", err))
			return
		}
		if err := m.codeHost.MarkReadyForReview(ctx, row.ChildPRNumber); err != nil {
			logx.Error("mark ready for review failed", logx.F("stage", row.ChildStageID), logx.F("error", err))
			return
		}
		m.promoteReady(row.ChildStageID, snapshot)
	case 1:
		if err := m.codeHost.RetargetBase(ctx, row.ChildPRNumber, remaining.ParentBranch); err != nil {
			logx.Error("retarget to parent branch failed", logx.F("stage", row.ChildStageID), logx.F("parent_branch", remaining.ParentBranch), logx.F("error", err))
		}
	default:
		// More than one parent still unmerged: stays a draft, no retarget.
	}
}

func (m *Manager) promoteReady(childStageID string, snapshot Snapshot) {
	path, ok := snapshot.ResolvePath(childStageID)
	if !ok {
		return
	}
	data, body, err := m.gateway.Read(path)
	if err != nil {
		logx.Error("promote to ready failed", logx.F("stage", childStageID), logx.F("error", err))
		return
	}
	stage := workitem.NewStage(path, data, body)
	stage.SetIsDraft(false)
	stage.SetPendingMergeParents(nil)
	if err := m.gateway.Write(path, stage.Data, stage.Body); err != nil {
		logx.Error("promote to ready write failed", logx.F("stage", childStageID), logx.F("error", err))
	}
}
