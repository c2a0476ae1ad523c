// Package store allocates per-session artifact directories and owns the file
// naming convention. Every session gets exactly one directory under the
// storage root; directories are never shared between sessions.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrStorage marks filesystem failures during allocation. Callers abort
// session creation when they see it.
var ErrStorage = errors.New("storage error")

// Store hands out session-scoped directories under a single root.
type Store struct {
	root string
}

// New creates the storage root if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty storage root", ErrStorage)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create root %s: %v", ErrStorage, root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the storage root path.
func (s *Store) Root() string {
	return s.root
}

// Allocate creates the directory for a session and returns its path.
func (s *Store) Allocate(sessionID string) (string, error) {
	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: allocate %s: %v", ErrStorage, dir, err)
	}
	return dir, nil
}

// Dir returns the directory path for a session without creating it.
func (s *Store) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// Remove deletes a session directory and everything in it. Used to roll back
// a failed creation; teardown of live sessions keeps artifacts on disk.
func (s *Store) Remove(sessionID string) error {
	return os.RemoveAll(filepath.Join(s.root, sessionID))
}

// ImageName names a still capture: {id}-{unixMilli}.png.
func ImageName(sessionID string, at time.Time) string {
	return fmt.Sprintf("%s-%d.png", sessionID, at.UnixMilli())
}

// VideoName names a recording: {id}-{unixMilli}.mp4.
func VideoName(sessionID string, at time.Time) string {
	return fmt.Sprintf("%s-%d.mp4", sessionID, at.UnixMilli())
}

// ArchiveName names the packaged evidence bundle for a session.
func ArchiveName(sessionID string) string {
	return fmt.Sprintf("%s-evidence.zip", sessionID)
}
