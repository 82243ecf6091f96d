package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeworks/stagewright/internal/frontmatter"
)

type fakeCodeHost struct {
	mu             sync.Mutex
	mergedBranches map[string]bool
	heads          map[string]string
	retargets      []struct{ pr int; base string }
	readyMarks     []int
}

func newFakeCodeHost() *fakeCodeHost {
	return &fakeCodeHost{mergedBranches: map[string]bool{}, heads: map[string]string{}}
}

func (f *fakeCodeHost) IsMerged(ctx context.Context, branch string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mergedBranches[branch], nil
}

func (f *fakeCodeHost) BranchHead(ctx context.Context, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads[branch], nil
}

func (f *fakeCodeHost) RetargetBase(ctx context.Context, prNumber int, newBase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retargets = append(f.retargets, struct {
		pr   int
		base string
	}{prNumber, newBase})
	return nil
}

func (f *fakeCodeHost) MarkReadyForReview(ctx context.Context, prNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyMarks = append(f.readyMarks, prNumber)
	return nil
}

type fakeLocker struct {
	mu     sync.Mutex
	locked map[string]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{locked: map[string]bool{}}
}

func (l *fakeLocker) AcquireLock(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked[path] = true
	return nil
}

func (l *fakeLocker) ReleaseLock(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked[path] = false
	return nil
}

func (l *fakeLocker) IsLocked(path string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked[path], nil
}

type fakeSnapshot struct {
	statuses map[string]string
	paths    map[string]string
}

func (s *fakeSnapshot) StageStatus(stageID string) (string, error) {
	return s.statuses[stageID], nil
}

func (s *fakeSnapshot) ResolvePath(stageID string) (string, bool) {
	p, ok := s.paths[stageID]
	return p, ok
}

func writeStage(t *testing.T, fs afero.Fs, path, id string, prNumber int, conflict bool) {
	t.Helper()
	body := "---\nid: " + id + "\npr_number: " + itoa(prNumber)
	if conflict {
		body += "\nrebase_conflict: true"
	}
	body += "\n---\nbody\n"
	require.NoError(t, afero.WriteFile(fs, path, []byte(body), 0o644))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func TestScan_SeedsRowOnFirstObservation(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := frontmatter.NewGateway(fs)
	host := newFakeCodeHost()
	host.heads["feature/parent"] = "sha1"

	store := NewMemoryStore()
	row := store.EnsureRow("STAGE-1-1-2", "STAGE-1-1-1", "feature/parent", 0)

	m := New(Config{Store: store, CodeHost: host, Locker: newFakeLocker(), Gateway: gw,
		DefaultBranch: "main", ReviewableStatuses: []string{"PR Created"}})

	snapshot := &fakeSnapshot{statuses: map[string]string{"STAGE-1-1-2": "PR Created"}, paths: map[string]string{}}
	outcomes := m.Scan(context.Background(), snapshot)

	require.Len(t, outcomes, 1)
	assert.Equal(t, EventSeeded, outcomes[0].Event)
	assert.Equal(t, "sha1", row.LastKnownHead)
}

func TestScan_IgnoresRowsForStagesNotInReviewablePhase(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := frontmatter.NewGateway(fs)
	host := newFakeCodeHost()
	store := NewMemoryStore()
	store.EnsureRow("STAGE-1-1-2", "STAGE-1-1-1", "feature/parent", 0)

	m := New(Config{Store: store, CodeHost: host, Locker: newFakeLocker(), Gateway: gw,
		DefaultBranch: "main", ReviewableStatuses: []string{"PR Created"}})

	snapshot := &fakeSnapshot{statuses: map[string]string{"STAGE-1-1-2": "Writing Code"}, paths: map[string]string{}}
	outcomes := m.Scan(context.Background(), snapshot)
	assert.Empty(t, outcomes)
}

func TestScan_HeadMoveTriggersUpdatedEventWithoutRetarget(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := frontmatter.NewGateway(fs)
	host := newFakeCodeHost()
	host.heads["feature/parent"] = "sha2"

	store := NewMemoryStore()
	row := store.EnsureRow("STAGE-1-1-2", "STAGE-1-1-1", "feature/parent", 5)
	row.LastKnownHead = "sha1"

	m := New(Config{Store: store, CodeHost: host, Locker: newFakeLocker(), Gateway: gw,
		DefaultBranch: "main", ReviewableStatuses: []string{"PR Created"}})

	snapshot := &fakeSnapshot{statuses: map[string]string{"STAGE-1-1-2": "PR Created"}, paths: map[string]string{}}
	outcomes := m.Scan(context.Background(), snapshot)

	require.Len(t, outcomes, 1)
	assert.Equal(t, EventUpdated, outcomes[0].Event)
	assert.Equal(t, SpawnUnconfigured, outcomes[0].Spawn)
	assert.Empty(t, host.retargets, "retargeting only runs on merge, not on a head move")
}

func TestScan_NoEventLeavesLastCheckedUntouched(t *testing.T) {
	host := newFakeCodeHost()
	host.heads["feature/parent"] = "sha1"

	store := NewMemoryStore()
	row := store.EnsureRow("STAGE-1-1-2", "STAGE-1-1-1", "feature/parent", 0)
	row.LastKnownHead = "sha1"
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	row.LastChecked = fixed

	m := New(Config{Store: store, CodeHost: host, Locker: newFakeLocker(),
		DefaultBranch: "main", ReviewableStatuses: []string{"PR Created"}})

	snapshot := &fakeSnapshot{statuses: map[string]string{"STAGE-1-1-2": "PR Created"}, paths: map[string]string{}}
	outcomes := m.Scan(context.Background(), snapshot)

	require.Len(t, outcomes, 1)
	assert.Equal(t, EventNone, outcomes[0].Event)
	assert.True(t, row.LastChecked.Equal(fixed), "I6: last_checked must not move when nothing happened")
}

func TestRetarget_FullyMergedPromotesAndMarksReady(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := frontmatter.NewGateway(fs)
	writeStage(t, fs, "child.md", "STAGE-1-1-2", 42, false)

	host := newFakeCodeHost()
	host.mergedBranches["feature/parent"] = true

	store := NewMemoryStore()
	row := store.EnsureRow("STAGE-1-1-2", "STAGE-1-1-1", "feature/parent", 42)
	row.LastKnownHead = "sha1"

	m := New(Config{Store: store, CodeHost: host, Locker: newFakeLocker(), Gateway: gw,
		DefaultBranch: "main", ReviewableStatuses: []string{"PR Created"}})

	snapshot := &fakeSnapshot{
		statuses: map[string]string{"STAGE-1-1-2": "PR Created"},
		paths:    map[string]string{"STAGE-1-1-2": "child.md"},
	}
	outcomes := m.Scan(context.Background(), snapshot)

	require.Len(t, outcomes, 1)
	assert.Equal(t, EventMerged, outcomes[0].Event)
	require.Len(t, host.retargets, 1)
	assert.Equal(t, "main", host.retargets[0].base)
	assert.Equal(t, []int{42}, host.readyMarks)

	data, _, err := gw.Read("child.md")
	require.NoError(t, err)
	assert.False(t, data.GetBool("is_draft"))
}

func TestRetarget_OneParentStillUnmergedRetargetsToIt(t *testing.T) {
	host := newFakeCodeHost()
	host.mergedBranches["feature/parent-a"] = true

	store := NewMemoryStore()
	rowA := store.EnsureRow("STAGE-1-1-3", "STAGE-1-1-1", "feature/parent-a", 99)
	rowA.LastKnownHead = "sha1"
	store.EnsureRow("STAGE-1-1-3", "STAGE-1-1-2", "feature/parent-b", 99)

	m := New(Config{Store: store, CodeHost: host, Locker: newFakeLocker(),
		DefaultBranch: "main", ReviewableStatuses: []string{"PR Created"}})

	snapshot := &fakeSnapshot{statuses: map[string]string{"STAGE-1-1-3": "PR Created"}, paths: map[string]string{}}
	m.Scan(context.Background(), snapshot)

	require.Len(t, host.retargets, 1)
	assert.Equal(t, "feature/parent-b", host.retargets[0].base)
	assert.Empty(t, host.readyMarks, "should not mark ready while a parent is still unmerged")
}

func TestRetarget_MultipleUnmergedParentsSkipsRetarget(t *testing.T) {
	host := newFakeCodeHost()
	host.mergedBranches["feature/parent-a"] = true

	store := NewMemoryStore()
	rowA := store.EnsureRow("STAGE-1-1-4", "STAGE-1-1-1", "feature/parent-a", 7)
	rowA.LastKnownHead = "sha1"
	store.EnsureRow("STAGE-1-1-4", "STAGE-1-1-2", "feature/parent-b", 7)
	store.EnsureRow("STAGE-1-1-4", "STAGE-1-1-3", "feature/parent-c", 7)

	m := New(Config{Store: store, CodeHost: host, Locker: newFakeLocker(),
		DefaultBranch: "main", ReviewableStatuses: []string{"PR Created"}})

	snapshot := &fakeSnapshot{statuses: map[string]string{"STAGE-1-1-4": "PR Created"}, paths: map[string]string{}}
	m.Scan(context.Background(), snapshot)

	assert.Empty(t, host.retargets)
	assert.Empty(t, host.readyMarks)
}

func TestTrySpawnRebase_SkipsOnConflictFlag(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := frontmatter.NewGateway(fs)
	writeStage(t, fs, "child.md", "STAGE-1-1-2", 0, true)

	m := New(Config{Store: NewMemoryStore(), CodeHost: newFakeCodeHost(), Locker: newFakeLocker(),
		Gateway: gw, Spawner: spawnerFunc(func(ctx context.Context, id string) error { return nil })})

	snapshot := &fakeSnapshot{paths: map[string]string{"STAGE-1-1-2": "child.md"}}
	result := m.trySpawnRebase(context.Background(), &Row{ChildStageID: "STAGE-1-1-2"}, snapshot)
	assert.Equal(t, SpawnSkippedConflict, result)
}

func TestTrySpawnRebase_SkipsWhenLocked(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := frontmatter.NewGateway(fs)
	writeStage(t, fs, "child.md", "STAGE-1-1-2", 0, false)

	locker := newFakeLocker()
	locker.locked["child.md"] = true

	m := New(Config{Store: NewMemoryStore(), CodeHost: newFakeCodeHost(), Locker: locker,
		Gateway: gw, Spawner: spawnerFunc(func(ctx context.Context, id string) error { return nil })})

	snapshot := &fakeSnapshot{paths: map[string]string{"STAGE-1-1-2": "child.md"}}
	result := m.trySpawnRebase(context.Background(), &Row{ChildStageID: "STAGE-1-1-2"}, snapshot)
	assert.Equal(t, SpawnSkippedLocked, result)
}

func TestTrySpawnRebase_ReleasesLockOnSpawnFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := frontmatter.NewGateway(fs)
	writeStage(t, fs, "child.md", "STAGE-1-1-2", 0, false)

	locker := newFakeLocker()
	done := make(chan struct{})
	spawner := spawnerFunc(func(ctx context.Context, id string) error {
		defer close(done)
		return assertErr
	})

	m := New(Config{Store: NewMemoryStore(), CodeHost: newFakeCodeHost(), Locker: locker,
		Gateway: gw, Spawner: spawner})

	snapshot := &fakeSnapshot{paths: map[string]string{"STAGE-1-1-2": "child.md"}}
	result := m.trySpawnRebase(context.Background(), &Row{ChildStageID: "STAGE-1-1-2"}, snapshot)
	assert.Equal(t, SpawnLaunched, result)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawner was never invoked")
	}
	time.Sleep(10 * time.Millisecond) // let the deferred release run

	locked, err := locker.IsLocked("child.md")
	require.NoError(t, err)
	assert.False(t, locked, "lock must be released when the spawn itself fails")
}

type spawnerFunc func(ctx context.Context, childStageID string) error

func (f spawnerFunc) SpawnRebase(ctx context.Context, childStageID string) error {
	return f(ctx, childStageID)
}

var assertErr = &staticErr{"spawn failed"}

type staticErr struct{ msg string }

func (e *staticErr) Error() string { return e.msg }
