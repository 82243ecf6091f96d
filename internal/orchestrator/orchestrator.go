// Package orchestrator drives the cooperative, single-logical-thread
// admission loop described in §4.11 and the worker-exit handling in
// §4.12. It ties together discovery, the resolver runner, the locker, the
// worktree pool, the session executor, and the exit gate.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipeworks/stagewright/internal/discovery"
	"github.com/pipeworks/stagewright/internal/exitgate"
	"github.com/pipeworks/stagewright/internal/frontmatter"
	"github.com/pipeworks/stagewright/internal/locker"
	"github.com/pipeworks/stagewright/internal/logx"
	"github.com/pipeworks/stagewright/internal/pipeline"
	"github.com/pipeworks/stagewright/internal/repo"
	"github.com/pipeworks/stagewright/internal/resolver"
	"github.com/pipeworks/stagewright/internal/session"
	"github.com/pipeworks/stagewright/internal/worktree"
)

// State is one node of the orchestration loop's state machine.
type State int

const (
	StateIdle State = iota
	StateTicking
	StateAdmitting
	StateSpawning
	StateWaiting
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateTicking:
		return "Ticking"
	case StateAdmitting:
		return "Admitting"
	case StateSpawning:
		return "Spawning"
	case StateWaiting:
		return "Waiting"
	case StateStopping:
		return "Stopping"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Config bundles every collaborator the loop needs.
type Config struct {
	Gateway         *frontmatter.Gateway
	Directory       *repo.Directory
	Pipeline        *pipeline.Config
	DiscoveryEngine *discovery.Engine
	ResolverRunner  *resolver.Runner
	ResolverContext resolver.Context
	Locker          *locker.Locker
	Pool            *worktree.Pool
	Executor        session.Executor
	ExitGate        *exitgate.Gate

	MaxParallel int
	IdleSeconds int
	Once        bool
	WorkerEnv   map[string]string
}

type workerRecord struct {
	stageID      string
	stagePath    string
	ticketPath   string
	epicPath     string
	worktree     *worktree.Handle
	statusBefore string
}

// Loop is one orchestrator instance bound to a single repository tree.
type Loop struct {
	gateway     *frontmatter.Gateway
	dir         *repo.Directory
	pipeline    *pipeline.Config
	discovery   *discovery.Engine
	resolver    *resolver.Runner
	resolverCtx resolver.Context
	locker      *locker.Locker
	pool        *worktree.Pool
	executor    session.Executor
	exitGate    *exitgate.Gate

	maxParallel int
	idleSeconds int
	once        bool
	workerEnv   map[string]string

	instanceID string
	hostname   string
	pid        int

	backoff *idleBackoff

	stateMu sync.Mutex
	state   State

	activeMu sync.Mutex
	active   map[string]*workerRecord

	slotMu   sync.Mutex
	slotFree chan struct{}

	isolationValidated bool

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	runDone     chan struct{}
}

// New returns a Loop ready to Start.
func New(cfg Config) *Loop {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Loop{
		gateway:     cfg.Gateway,
		dir:         cfg.Directory,
		pipeline:    cfg.Pipeline,
		discovery:   cfg.DiscoveryEngine,
		resolver:    cfg.ResolverRunner,
		resolverCtx: cfg.ResolverContext,
		locker:      cfg.Locker,
		pool:        cfg.Pool,
		executor:    cfg.Executor,
		exitGate:    cfg.ExitGate,
		maxParallel: cfg.MaxParallel,
		idleSeconds: cfg.IdleSeconds,
		once:        cfg.Once,
		workerEnv:   cfg.WorkerEnv,
		instanceID:  uuid.NewString(),
		hostname:    hostname,
		pid:         os.Getpid(),
		backoff:     newIdleBackoff(time.Duration(cfg.IdleSeconds) * time.Second),
		active:      make(map[string]*workerRecord),
		slotFree:    make(chan struct{}),
	}
}

// InstanceID returns the UUID this Loop generated for itself at
// construction, used to tell orchestrator instances apart in logs.
func (l *Loop) InstanceID() string {
	return l.instanceID
}

// Hostname returns the host this Loop is running on.
func (l *Loop) Hostname() string {
	return l.hostname
}

// PID returns the process id this Loop is running under.
func (l *Loop) PID() int {
	return l.pid
}

// IsRunning reports whether the loop's driver goroutine is currently
// started (between a Start call and its matching Stop).
func (l *Loop) IsRunning() bool {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()
	return l.started
}

// Start launches the loop's driver goroutine. Calling Start twice without
// an intervening Stop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.lifecycleMu.Lock()
	if l.started {
		l.lifecycleMu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.started = true
	l.runDone = make(chan struct{})
	done := l.runDone
	l.lifecycleMu.Unlock()

	go func() {
		defer close(done)
		if err := l.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logx.Error("orchestrator loop exited with error", logx.F("error", err))
		}
	}()
}

// Stop cancels the driver loop and waits for it to settle. Idempotent:
// calling Stop on an already-stopped Loop is a no-op.
func (l *Loop) Stop() {
	l.lifecycleMu.Lock()
	if !l.started {
		l.lifecycleMu.Unlock()
		return
	}
	cancel := l.cancel
	done := l.runDone
	l.started = false
	l.lifecycleMu.Unlock()

	cancel()
	<-done
}

// State reports the loop's current state machine node.
func (l *Loop) State() State {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.stateMu.Lock()
	l.state = s
	l.stateMu.Unlock()
}

// Run drives the loop synchronously until it terminates or ctx is
// cancelled. Exposed directly for `once` mode callers (e.g. the CLI's
// "once" subcommand) that want to block on a single pass without going
// through Start/Stop.
func (l *Loop) Run(ctx context.Context) error {
	return l.run(ctx)
}

func (l *Loop) run(ctx context.Context) error {
	l.setState(StateIdle)
	if err := l.recoverOrphanedLocks(ctx); err != nil {
		logx.Error("orphan lock recovery failed, continuing", logx.F("error", err))
	}
	for {
		if ctx.Err() != nil {
			l.setState(StateTerminated)
			return ctx.Err()
		}

		l.setState(StateTicking)
		idx, err := l.dir.Load()
		if err != nil {
			logx.Error("discovery read failed, retrying next tick", logx.F("error", err))
			if !l.idleSleep(ctx) {
				l.setState(StateTerminated)
				return ctx.Err()
			}
			continue
		}

		if n := l.resolver.Sweep(ctx, idx.Stages, l.resolverCtx); n > 0 {
			l.backoff.reset()
		}

		idx, err = l.dir.Load()
		if err != nil {
			logx.Error("discovery reread after resolver sweep failed", logx.F("error", err))
			if !l.idleSleep(ctx) {
				l.setState(StateTerminated)
				return ctx.Err()
			}
			continue
		}

		l.setState(StateAdmitting)
		slots := l.maxParallel - l.activeCount()
		if slots <= 0 {
			l.setState(StateWaiting)
			if !l.waitForSlot(ctx) {
				l.setState(StateTerminated)
				return ctx.Err()
			}
			continue
		}

		ready, _ := l.discovery.Discover(idx.Stages, idx.Tickets, time.Now())
		sort.SliceStable(ready, func(i, j int) bool { return ready[i].Score > ready[j].Score })
		if len(ready) > slots {
			ready = ready[:slots]
		}

		spawnedAny := false
		for _, candidate := range ready {
			if l.trySpawn(ctx, idx, candidate.Stage) {
				spawnedAny = true
			}
		}

		if spawnedAny {
			l.backoff.reset()
		}

		if !spawnedAny && l.activeCount() == 0 {
			if l.once {
				l.setState(StateTerminated)
				return nil
			}
			l.setState(StateWaiting)
			if !l.idleSleep(ctx) {
				l.setState(StateTerminated)
				return ctx.Err()
			}
			continue
		}

		if l.once && spawnedAny {
			l.drainAll(ctx)
			l.setState(StateTerminated)
			return nil
		}
	}
}

func (l *Loop) idleSleep(ctx context.Context) bool {
	timer := time.NewTimer(l.backoff.next())
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// recoverOrphanedLocks releases session_active on every stage left locked
// by a prior instance of this process that exited without clearing its own
// locks (e.g. a crash or kill -9 mid-session). Run once at the top of the
// loop, before the first discovery tick.
func (l *Loop) recoverOrphanedLocks(ctx context.Context) error {
	idx, err := l.dir.Load()
	if err != nil {
		return fmt.Errorf("orchestrator: orphan recovery: %w", err)
	}
	for _, stage := range idx.Stages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !stage.SessionActive() {
			continue
		}
		if err := l.locker.ReleaseLock(stage.FilePath()); err != nil {
			logx.Error("orphan lock release failed", logx.F("stage", stage.ID()), logx.F("error", err))
			continue
		}
		logx.Warn("released orphaned lock at startup", logx.F("stage", stage.ID()))
	}
	return nil
}

func (l *Loop) waitForSlot(ctx context.Context) bool {
	l.slotMu.Lock()
	ch := l.slotFree
	l.slotMu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Loop) signalSlotFree() {
	l.slotMu.Lock()
	close(l.slotFree)
	l.slotFree = make(chan struct{})
	l.slotMu.Unlock()
}

func (l *Loop) drainAll(ctx context.Context) {
	for l.activeCount() > 0 {
		if !l.waitForSlot(ctx) {
			return
		}
	}
}

func (l *Loop) activeCount() int {
	l.activeMu.Lock()
	defer l.activeMu.Unlock()
	return len(l.active)
}

func (l *Loop) registerActive(rec *workerRecord) {
	l.activeMu.Lock()
	l.active[rec.stageID] = rec
	l.activeMu.Unlock()
}

func (l *Loop) unregisterActive(stageID string) {
	l.activeMu.Lock()
	delete(l.active, stageID)
	l.activeMu.Unlock()
}
