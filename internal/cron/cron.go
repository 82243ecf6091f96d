// Package cron runs a static list of named, independently-timed jobs, each
// with a per-job "executing" guard so a slow run is skipped rather than
// queued on the next tick (§4.8). Modeled on the heartbeat/watchdog timer
// loops the orchestrator stack runs internally: one goroutine per job, a
// stop channel, a WaitGroup, nothing fancier.
package cron

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipeworks/stagewright/internal/logx"
)

// Job is one scheduled unit of work.
type Job struct {
	Name     string
	Enabled  bool
	Interval time.Duration
	Execute  func(ctx context.Context) error
}

// Scheduler owns the lifecycle of every enabled job's timer goroutine.
type Scheduler struct {
	jobs []Job

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New returns a Scheduler over jobs. Disabled jobs are retained but never
// started.
func New(jobs []Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

// Start launches one timer goroutine per enabled job. Calling Start twice
// without an intervening Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.running = true
	stopCh := s.stopCh
	s.mu.Unlock()

	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		s.wg.Add(1)
		go s.runJob(ctx, job, stopCh)
	}
}

// Stop cancels every timer promptly. In-flight job executions finish on
// their own; Stop does not wait for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job Job, stopCh chan struct{}) {
	defer s.wg.Done()

	var executing atomic.Bool
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !executing.CompareAndSwap(false, true) {
				continue
			}
			go func() {
				defer executing.Store(false)
				if err := job.Execute(ctx); err != nil {
					logx.Error("cron job failed", logx.F("job", job.Name), logx.F("error", err))
				}
			}()
		}
	}
}
