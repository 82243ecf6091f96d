package chain

import "sync"

// MemoryStore is an in-process tracking-row store: it lives for the life
// of one orchestrator run and is reseeded from each stage's
// pending_merge_parents field on every scan via EnsureRow. A project that
// wants tracking rows to survive a restart backs Store with its own
// external state instead.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Row
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Row)}
}

func rowKey(childStageID, parentStageID string) string {
	return childStageID + "|" + parentStageID
}

func (s *MemoryStore) Rows() []*Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Row, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out
}

func (s *MemoryStore) RowsForChild(childStageID string) []*Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Row
	for _, r := range s.rows {
		if r.ChildStageID == childStageID {
			out = append(out, r)
		}
	}
	return out
}

func (s *MemoryStore) Save(row *Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rowKey(row.ChildStageID, row.ParentStageID)] = row
	return nil
}

// EnsureRow returns the existing row for (child, parent), refreshing its
// known PR number, or creates and stores a fresh unmerged row.
func (s *MemoryStore) EnsureRow(childStageID, parentStageID, parentBranch string, childPRNumber int) *Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rowKey(childStageID, parentStageID)
	if row, ok := s.rows[key]; ok {
		row.ChildPRNumber = childPRNumber
		return row
	}
	row := &Row{
		ChildStageID:  childStageID,
		ParentStageID: parentStageID,
		ParentBranch:  parentBranch,
		ChildPRNumber: childPRNumber,
	}
	s.rows[key] = row
	return row
}
