// Package worktree maintains a bounded pool of isolated git checkouts,
// indexed 1..N, that the orchestration loop grants to workers one at a
// time (§4.3). Index bookkeeping is in-memory and protected by a mutex;
// the actual checkout materialization shells out to the git binary, since
// no filesystem abstraction can fake version control.
package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// ErrPoolExhausted is returned by AcquireIndex when every slot 1..N is in
// use. Under invariant I3 this should never occur; callers treat it as a
// panic-level condition to log.
var ErrPoolExhausted = errors.New("worktree: pool exhausted")

// ErrUntrackedRemoval is returned by Remove when called on a path the pool
// never created.
var ErrUntrackedRemoval = errors.New("worktree: remove called on untracked path")

// Handle identifies one live worktree checkout.
type Handle struct {
	Path   string
	Branch string
	Index  int
}

type trackedEntry struct {
	branch string
	index  int
}

// Pool is configured with a fixed capacity equal to maxParallel.
type Pool struct {
	mu       sync.Mutex
	capacity int
	repoRoot string
	fs       afero.Fs
	reserved map[int]bool
	tracked  map[string]trackedEntry

	validatedOnce bool
}

// NewPool returns a Pool with capacity slots rooted at repoRoot.
// fs is used only for the one-shot isolation-strategy precondition check;
// a nil fs uses the OS filesystem.
func NewPool(capacity int, repoRoot string, fs afero.Fs) *Pool {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Pool{
		capacity: capacity,
		repoRoot: repoRoot,
		fs:       fs,
		reserved: make(map[int]bool),
		tracked:  make(map[string]trackedEntry),
	}
}

// AcquireIndex returns the lowest free integer in 1..capacity.
func (p *Pool) AcquireIndex() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 1; i <= p.capacity; i++ {
		if !p.reserved[i] {
			p.reserved[i] = true
			return i, nil
		}
	}
	return 0, ErrPoolExhausted
}

// ReleaseIndex frees index i for reuse. Safe to call on an index that is
// not currently reserved.
func (p *Pool) ReleaseIndex(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, i)
}

// ActiveCount returns the number of indices currently reserved.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reserved)
}

// Create acquires an index, materializes an isolated checkout at
// <repoRoot>/.worktrees/worktree-<index> on branch (creating it if it does
// not already exist), and records the triple for later Remove.
func (p *Pool) Create(ctx context.Context, branch string) (*Handle, error) {
	idx, err := p.AcquireIndex()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(p.repoRoot, ".worktrees", fmt.Sprintf("worktree-%d", idx))
	if err := materialize(ctx, p.repoRoot, path, branch); err != nil {
		p.ReleaseIndex(idx)
		return nil, fmt.Errorf("worktree: create branch %q: %w", branch, err)
	}

	p.mu.Lock()
	p.tracked[path] = trackedEntry{branch: branch, index: idx}
	p.mu.Unlock()

	return &Handle{Path: path, Branch: branch, Index: idx}, nil
}

// Remove is idempotent: it tries a polite worktree removal first, falls
// back to a recursive delete plus a prune, then releases the index. It
// fails loudly only if path was never tracked.
func (p *Pool) Remove(ctx context.Context, path string) error {
	p.mu.Lock()
	entry, ok := p.tracked[path]
	p.mu.Unlock()
	if !ok {
		return ErrUntrackedRemoval
	}

	if err := runGit(ctx, p.repoRoot, "worktree", "remove", "--force", path); err != nil {
		_ = os.RemoveAll(path)
		_ = runGit(ctx, p.repoRoot, "worktree", "prune")
	}

	p.mu.Lock()
	delete(p.tracked, path)
	delete(p.reserved, entry.index)
	p.mu.Unlock()

	return nil
}

func materialize(ctx context.Context, repoRoot, path, branch string) error {
	if branchExists(ctx, repoRoot, branch) {
		return runGit(ctx, repoRoot, "worktree", "add", path, branch)
	}
	return runGit(ctx, repoRoot, "worktree", "add", "-b", branch, path)
}

func branchExists(ctx context.Context, repoRoot, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", repoRoot, "show-ref", "--verify", "--quiet",
		"refs/heads/"+branch)
	return cmd.Run() == nil
}

func runGit(ctx context.Context, repoRoot string, args ...string) error {
	fullArgs := append([]string{"-C", repoRoot}, args...)
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

var headingRe = regexp.MustCompile(`^(#+)\s+(.*?)\s*$`)

// ValidateIsolationStrategy is a one-shot precondition: the repository's
// top-level CLAUDE.md must contain a section whose heading is "Worktree
// Isolation Strategy" with at least three sub-headings. A successful
// result is cached for the life of the Pool; later calls return nil
// without re-reading CLAUDE.md, and nothing resets the cache.
func (p *Pool) ValidateIsolationStrategy() error {
	p.mu.Lock()
	if p.validatedOnce {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	path := filepath.Join(p.repoRoot, "CLAUDE.md")
	f, err := p.fs.Open(path)
	if err != nil {
		return fmt.Errorf("worktree: isolation strategy: open %s: %w", path, err)
	}
	defer f.Close()

	sectionLevel := 0
	subHeadings := 0
	inSection := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := headingRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		level := len(m[1])
		title := m[2]

		if inSection {
			if level <= sectionLevel {
				break
			}
			subHeadings++
			continue
		}

		if strings.EqualFold(title, "Worktree Isolation Strategy") {
			inSection = true
			sectionLevel = level
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("worktree: isolation strategy: read %s: %w", path, err)
	}
	if !inSection {
		return fmt.Errorf("worktree: isolation strategy: CLAUDE.md has no \"Worktree Isolation Strategy\" section")
	}
	if subHeadings < 3 {
		return fmt.Errorf("worktree: isolation strategy: section has %d sub-headings, need at least 3", subHeadings)
	}

	p.mu.Lock()
	p.validatedOnce = true
	p.mu.Unlock()
	return nil
}
