// Command orchestrator drives the stage pipeline described by a
// workflow.yaml pipeline configuration: discovery, admission, worktree
// management, worker spawning, and exit-gate propagation, plus the
// background cron jobs for comment polling and chain management.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/pipeworks/stagewright/internal/chain"
	"github.com/pipeworks/stagewright/internal/codehost"
	"github.com/pipeworks/stagewright/internal/commentpoller"
	"github.com/pipeworks/stagewright/internal/config"
	"github.com/pipeworks/stagewright/internal/cron"
	"github.com/pipeworks/stagewright/internal/discovery"
	"github.com/pipeworks/stagewright/internal/exitgate"
	"github.com/pipeworks/stagewright/internal/frontmatter"
	"github.com/pipeworks/stagewright/internal/locker"
	"github.com/pipeworks/stagewright/internal/logx"
	"github.com/pipeworks/stagewright/internal/orchestrator"
	"github.com/pipeworks/stagewright/internal/repo"
	"github.com/pipeworks/stagewright/internal/resolver"
	"github.com/pipeworks/stagewright/internal/session"
	"github.com/pipeworks/stagewright/internal/synchook"
	"github.com/pipeworks/stagewright/internal/workitem"
	"github.com/pipeworks/stagewright/internal/worktree"
)

var (
	configPath  string
	repoRoot    string
	hostBaseURL string
	hostToken   string
	defaultBase string
)

func main() {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "runs the stage pipeline orchestration loop",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "workflow.yaml", "path to the pipeline configuration file")
	root.PersistentFlags().StringVar(&repoRoot, "repo", ".", "repository root containing work-item files and .worktrees")
	root.PersistentFlags().StringVar(&hostBaseURL, "host-base-url", "", "base URL of the code-host API")
	root.PersistentFlags().StringVar(&hostToken, "host-token", "", "code-host API token")
	root.PersistentFlags().StringVar(&defaultBase, "default-branch", "main", "default branch PRs retarget to once all parents land")

	root.AddCommand(runCmd(), onceCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the orchestration loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return drive(cmd.Context(), false)
		},
	}
}

func onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "run a single admission pass and exit once idle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return drive(cmd.Context(), true)
		},
	}
}

func drive(parent context.Context, once bool) error {
	root, err := config.Load(configPath)
	if err != nil {
		logx.Error("config load failed", logx.F("error", err))
		return err
	}
	defaults := root.ParseDefaults()

	fs := afero.NewOsFs()
	gateway := frontmatter.NewGateway(fs)
	directory := repo.New(gateway, fs, repoRoot)

	var adapter *codehost.HTTPAdapter
	if hostBaseURL != "" {
		adapter = codehost.NewHTTPAdapter(hostBaseURL, hostToken, 2, codehost.DefaultFieldPaths())
	}

	lockerInst := locker.New(gateway)
	pool := worktree.NewPool(defaults.MaxParallel, repoRoot, fs)
	executor := session.NewSubprocessExecutor(".claude/skills/", os.TempDir())
	syncHook := synchook.NoopHook{}
	gate := exitgate.New(gateway, syncHook)

	resolverRegistry := resolver.Default()
	resolverRunner := resolver.NewRunner(gateway, &root.Workflow, resolverRegistry)
	resolverCtx := resolver.Context{Env: environMap()}
	if adapter != nil {
		resolverCtx.CodeHost = adapter
	}

	discoveryEngine := discovery.NewEngine(&root.Workflow)

	loop := orchestrator.New(orchestrator.Config{
		Gateway:         gateway,
		Directory:       directory,
		Pipeline:        &root.Workflow,
		DiscoveryEngine: discoveryEngine,
		ResolverRunner:  resolverRunner,
		ResolverContext: resolverCtx,
		Locker:          lockerInst,
		Pool:            pool,
		Executor:        executor,
		ExitGate:        gate,
		MaxParallel:     defaults.MaxParallel,
		IdleSeconds:     30,
		Once:            once,
		WorkerEnv:       environMap(),
	})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := buildScheduler(root, gateway, directory, adapter, lockerInst, gate)
	if !once {
		scheduler.Start(ctx)
		defer scheduler.Stop()

		watcher, err := config.WatchFile(configPath, onConfigChanged)
		if err != nil {
			logx.Warn("config watch unavailable", logx.F("path", configPath), logx.F("error", err))
		} else {
			defer watcher.Close()
		}
	}

	if once {
		return loop.Run(ctx)
	}

	loop.Start(ctx)
	<-ctx.Done()
	loop.Stop()
	return nil
}

func buildScheduler(root *config.Root, gateway *frontmatter.Gateway, directory *repo.Directory, adapter *codehost.HTTPAdapter, lockerInst *locker.Locker, gate *exitgate.Gate) *cron.Scheduler {
	var jobs []cron.Job

	if root.Cron.MRCommentPoll.Enabled && adapter != nil {
		poller := commentpoller.New(adapter, newMemoryWatermarks(), lockerInst, gateway, gate)
		jobs = append(jobs, cron.Job{
			Name:     "mr_comment_poll",
			Enabled:  true,
			Interval: time.Duration(root.Cron.MRCommentPoll.IntervalSeconds) * time.Second,
			Execute: func(ctx context.Context) error {
				idx, err := directory.Load()
				if err != nil {
					return err
				}
				return poller.Poll(ctx, idx.Stages,
					func(s *workitem.Stage) string { return idx.TicketPath[s.Ticket()] },
					func(s *workitem.Stage) string { return idx.EpicPath[s.Epic()] },
				)
			},
		})
	}

	if root.Cron.InsightsThreshold.Enabled {
		jobs = append(jobs, cron.Job{
			Name:     "insights_threshold",
			Enabled:  true,
			Interval: time.Duration(root.Cron.InsightsThreshold.IntervalSeconds) * time.Second,
			Execute: func(ctx context.Context) error {
				logx.Info("insights_threshold tick: no project-specific handler registered")
				return nil
			},
		})
	}

	if adapter != nil {
		jobs = append(jobs, buildChainJob(root, gateway, directory, adapter, lockerInst))
	}

	return cron.New(jobs)
}

func buildChainJob(root *config.Root, gateway *frontmatter.Gateway, directory *repo.Directory, adapter *codehost.HTTPAdapter, lockerInst *locker.Locker) cron.Job {
	store := chain.NewMemoryStore()
	reviewable := make([]string, 0, len(root.Workflow.Phases))
	for _, p := range root.Workflow.Phases {
		reviewable = append(reviewable, p.Status)
	}

	manager := chain.New(chain.Config{
		Store:              store,
		CodeHost:           adapter,
		Locker:             lockerInst,
		Spawner:            nil,
		Gateway:            gateway,
		DefaultBranch:      defaultBase,
		ReviewableStatuses: reviewable,
	})

	return cron.Job{
		Name:     "chain_manager",
		Enabled:  true,
		Interval: 2 * time.Minute,
		Execute: func(ctx context.Context) error {
			idx, err := directory.Load()
			if err != nil {
				return err
			}
			for _, stage := range idx.Stages {
				for _, parent := range stage.PendingMergeParents() {
					store.EnsureRow(stage.ID(), parent.ParentStageID, parent.Branch, stage.PRNumber())
				}
			}
			manager.Scan(ctx, idx)
			return nil
		},
	}
}

// onConfigChanged logs that workflow.yaml changed on disk. The running
// loop keeps its already-resolved *pipeline.Config; a changed cron
// schedule or phase list takes effect on the next process restart.
func onConfigChanged(root *config.Root, err error) {
	if err != nil {
		logx.Warn("config file changed but failed to reload", logx.F("error", err))
		return
	}
	logx.Info("config file changed on disk, restart to apply", logx.F("max_parallel", root.ParseDefaults().MaxParallel))
}

func environMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

func newMemoryWatermarks() *memoryWatermarks {
	return &memoryWatermarks{seen: make(map[string]int)}
}

type memoryWatermarks struct {
	seen map[string]int
}

func (m *memoryWatermarks) Get(stageID string) (int, bool) {
	v, ok := m.seen[stageID]
	return v, ok
}

func (m *memoryWatermarks) Set(stageID string, count int) {
	m.seen[stageID] = count
}
