// Package locker implements the per-file advisory lock described in §4.2:
// a stage is "locked" by setting its session_active frontmatter flag. The
// lock is advisory inside one orchestrator instance only — cross-host
// locking is explicitly unsupported (§9).
package locker

import (
	"errors"
	"fmt"

	"github.com/pipeworks/stagewright/internal/frontmatter"
)

// ErrAlreadyLocked is returned by AcquireLock when session_active is
// already true.
var ErrAlreadyLocked = errors.New("locker: already locked")

// ErrMissingStatus is returned by ReadStatus when the status field is
// absent or not a string.
var ErrMissingStatus = errors.New("locker: missing status")

const (
	keySessionActive = "session_active"
	keyStatus        = "status"
)

// Locker serializes access to a work-item file's session_active flag
// through the frontmatter gateway. All four operations are sequential per
// path; concurrent callers must serialize externally or accept
// last-writer-wins, per §4.2.
type Locker struct {
	gateway *frontmatter.Gateway
}

// New returns a Locker backed by gateway.
func New(gateway *frontmatter.Gateway) *Locker {
	return &Locker{gateway: gateway}
}

// AcquireLock reads path's frontmatter and fails with ErrAlreadyLocked if
// session_active is already true; otherwise it writes session_active=true
// and returns nil.
func (l *Locker) AcquireLock(path string) error {
	data, body, err := l.gateway.Read(path)
	if err != nil {
		return fmt.Errorf("locker: acquire %s: %w", path, err)
	}
	if data.GetBool(keySessionActive) {
		return ErrAlreadyLocked
	}
	data.Set(keySessionActive, true)
	if err := l.gateway.Write(path, data, body); err != nil {
		return fmt.Errorf("locker: acquire %s: %w", path, err)
	}
	return nil
}

// ReleaseLock writes session_active=false.
func (l *Locker) ReleaseLock(path string) error {
	data, body, err := l.gateway.Read(path)
	if err != nil {
		return fmt.Errorf("locker: release %s: %w", path, err)
	}
	data.Set(keySessionActive, false)
	if err := l.gateway.Write(path, data, body); err != nil {
		return fmt.Errorf("locker: release %s: %w", path, err)
	}
	return nil
}

// IsLocked reads path's session_active flag without mutating it.
func (l *Locker) IsLocked(path string) (bool, error) {
	data, _, err := l.gateway.Read(path)
	if err != nil {
		return false, fmt.Errorf("locker: check %s: %w", path, err)
	}
	return data.GetBool(keySessionActive), nil
}

// ReadStatus returns path's status string, failing with ErrMissingStatus
// if the field is absent or not a string.
func (l *Locker) ReadStatus(path string) (string, error) {
	data, _, err := l.gateway.Read(path)
	if err != nil {
		return "", fmt.Errorf("locker: status %s: %w", path, err)
	}
	status, ok := data.GetString(keyStatus)
	if !ok || status == "" {
		return "", ErrMissingStatus
	}
	return status, nil
}
