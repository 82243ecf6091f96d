// Package repo walks a work-item tree on disk and classifies every
// frontmatter markdown file it finds into a stage, ticket, or epic view,
// building the in-memory index the discovery engine, chain manager, and
// comment poller all read from.
package repo

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"

	"github.com/pipeworks/stagewright/internal/frontmatter"
	"github.com/pipeworks/stagewright/internal/workitem"
)

// Index is one snapshot of every work-item file under a root directory.
type Index struct {
	Stages  []*workitem.Stage
	Tickets []*workitem.Ticket
	Epics   []*workitem.Epic

	StagePath  map[string]string
	TicketPath map[string]string
	EpicPath   map[string]string
}

// Directory loads an Index by walking root on demand; it holds no cached
// state of its own, so every Load reflects the current on-disk tree.
type Directory struct {
	gateway *frontmatter.Gateway
	fs      afero.Fs
	root    string
}

// New returns a Directory rooted at root.
func New(gateway *frontmatter.Gateway, fs afero.Fs, root string) *Directory {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Directory{gateway: gateway, fs: fs, root: root}
}

// Load walks the tree and classifies every markdown file carrying a
// recognized "id" field. Files without an id, or with an id that does not
// parse as EPIC-/TICKET-/STAGE-, are silently skipped: not every markdown
// file under the tree is a work item.
func (d *Directory) Load() (*Index, error) {
	idx := &Index{
		StagePath:  make(map[string]string),
		TicketPath: make(map[string]string),
		EpicPath:   make(map[string]string),
	}

	err := afero.Walk(d.fs, d.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}

		data, body, err := d.gateway.Read(path)
		if err != nil {
			return fmt.Errorf("repo: read %s: %w", path, err)
		}

		id, ok := data.GetString("id")
		if !ok || id == "" {
			return nil
		}
		kind, err := workitem.ParseID(id)
		if err != nil {
			return nil
		}

		switch kind {
		case workitem.KindStage:
			idx.Stages = append(idx.Stages, workitem.NewStage(path, data, body))
			idx.StagePath[id] = path
		case workitem.KindTicket:
			idx.Tickets = append(idx.Tickets, workitem.NewTicket(path, data, body))
			idx.TicketPath[id] = path
		case workitem.KindEpic:
			idx.Epics = append(idx.Epics, workitem.NewEpic(path, data, body))
			idx.EpicPath[id] = path
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// ResolvePath implements chain.PathResolver.
func (idx *Index) ResolvePath(stageID string) (string, bool) {
	path, ok := idx.StagePath[stageID]
	return path, ok
}

// StageStatus implements chain.StatusReader.
func (idx *Index) StageStatus(stageID string) (string, error) {
	for _, s := range idx.Stages {
		if s.ID() == stageID {
			return s.Status(), nil
		}
	}
	return "", fmt.Errorf("repo: unknown stage %q", stageID)
}

// StageByID finds a loaded stage by id.
func (idx *Index) StageByID(stageID string) (*workitem.Stage, bool) {
	for _, s := range idx.Stages {
		if s.ID() == stageID {
			return s, true
		}
	}
	return nil, false
}
