package orchestrator

import (
	"context"
	"errors"

	"github.com/pipeworks/stagewright/internal/locker"
	"github.com/pipeworks/stagewright/internal/logx"
	"github.com/pipeworks/stagewright/internal/repo"
	"github.com/pipeworks/stagewright/internal/session"
	"github.com/pipeworks/stagewright/internal/workitem"
)

// trySpawn implements step 4 of §4.11's admission loop for one candidate
// stage: acquire its lock, onboard if needed, resolve a skill, validate
// the isolation strategy once, materialize a worktree, and hand off to
// the session executor asynchronously. It returns whether a worker was
// actually spawned.
func (l *Loop) trySpawn(ctx context.Context, idx *repo.Index, stage *workitem.Stage) bool {
	l.setState(StateSpawning)
	path := stage.FilePath()

	if err := l.locker.AcquireLock(path); err != nil {
		if errors.Is(err, locker.ErrAlreadyLocked) {
			return false
		}
		logx.Error("acquire lock failed", logx.F("stage", stage.ID()), logx.F("error", err))
		return false
	}

	statusBefore := stage.Status()
	if statusBefore == workitem.StatusNotStarted {
		entry, err := l.pipeline.Entry()
		if err != nil {
			logx.Error("no entry phase configured", logx.F("error", err))
			l.releaseLockLogged(path, stage.ID())
			return false
		}
		stage.SetStatus(entry.Status)
		if err := l.gateway.Write(path, stage.Data, stage.Body); err != nil {
			logx.Error("onboard write failed", logx.F("stage", stage.ID()), logx.F("error", err))
			l.releaseLockLogged(path, stage.ID())
			return false
		}
		statusBefore = entry.Status
	}

	skill, ok := l.pipeline.LookupSkill(statusBefore)
	if !ok {
		l.releaseLockLogged(path, stage.ID())
		return false
	}

	if !l.isolationValidated {
		if err := l.pool.ValidateIsolationStrategy(); err != nil {
			logx.Error("isolation strategy invalid", logx.F("error", err))
			l.releaseLockLogged(path, stage.ID())
			return false
		}
		l.isolationValidated = true
	}

	handle, err := l.pool.Create(ctx, stage.WorktreeBranch())
	if err != nil {
		logx.Error("worktree create failed", logx.F("stage", stage.ID()), logx.F("error", err))
		l.releaseLockLogged(path, stage.ID())
		return false
	}

	rec := &workerRecord{
		stageID:      stage.ID(),
		stagePath:    path,
		ticketPath:   idx.TicketPath[stage.Ticket()],
		epicPath:     idx.EpicPath[stage.Epic()],
		worktree:     handle,
		statusBefore: statusBefore,
	}
	l.registerActive(rec)

	go l.runWorker(ctx, rec, skill)

	return true
}

func (l *Loop) releaseLockLogged(path, stageID string) {
	if err := l.locker.ReleaseLock(path); err != nil {
		logx.Error("release lock failed", logx.F("stage", stageID), logx.F("error", err))
	}
}

func (l *Loop) runWorker(ctx context.Context, rec *workerRecord, skill string) {
	req := session.Request{
		StageID:       rec.stageID,
		StageFilePath: rec.stagePath,
		SkillName:     skill,
		WorktreePath:  rec.worktree.Path,
		WorktreeIndex: rec.worktree.Index,
		Env:           l.workerEnv,
	}
	result, spawnErr := l.executor.Spawn(ctx, req)
	l.handleExit(ctx, rec, result, spawnErr)
}

// handleExit implements §4.12: classify the worker's completion, run the
// exit gate when the status actually moved, and always release the lock,
// remove the worktree, and signal the slot-free waiter.
func (l *Loop) handleExit(ctx context.Context, rec *workerRecord, result session.Result, spawnErr error) {
	defer func() {
		l.releaseLockLogged(rec.stagePath, rec.stageID)
		if err := l.pool.Remove(ctx, rec.worktree.Path); err != nil {
			logx.Error("worktree remove failed", logx.F("stage", rec.stageID), logx.F("error", err))
		}
		l.unregisterActive(rec.stageID)
		l.signalSlotFree()
	}()

	if spawnErr != nil {
		logx.Error("session error", logx.F("stage", rec.stageID), logx.F("error", spawnErr))
		return
	}

	data, body, err := l.gateway.Read(rec.stagePath)
	if err != nil {
		logx.Error("reread stage after worker exit failed", logx.F("stage", rec.stageID), logx.F("error", err))
		return
	}
	stage := workitem.NewStage(rec.stagePath, data, body)
	newStatus := stage.Status()

	switch {
	case newStatus == rec.statusBefore && result.ExitCode != 0:
		logx.Warn("worker crashed", logx.F("stage", rec.stageID), logx.F("exit_code", result.ExitCode))
	case newStatus == rec.statusBefore:
		logx.Info("worker completed without status change", logx.F("stage", rec.stageID))
	default:
		logx.Info("worker completed", logx.F("stage", rec.stageID), logx.F("status", newStatus))
		if err := l.exitGate.Propagate(ctx, stage, newStatus, rec.ticketPath, rec.epicPath); err != nil {
			logx.Error("exit gate failed", logx.F("stage", rec.stageID), logx.F("error", err))
		}
	}
}
