// Package ledger implements the append-only evidence manifest kept inside
// each session directory. Every artifact-producing event is serialized as one
// JSON line into manifest.jsonl together with a snapshot of the session's
// public metadata and, for finalized files, a SHA-256 content digest. Lines
// are only ever appended; readers reconstruct history top-to-bottom.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ManifestName is the ledger file name inside a session directory.
const ManifestName = "manifest.jsonl"

// EventType discriminates ledger events.
type EventType string

const (
	EventScreenshot     EventType = "screenshot"
	EventRecordingStart EventType = "recording-start"
	EventRecordingStop  EventType = "recording-stop"
	EventPackage        EventType = "package"
)

// Snapshot is the session's public metadata as captured at append time.
type Snapshot struct {
	ID        string `json:"id"`
	TargetURL string `json:"targetUrl"`
	StartedAt string `json:"startedAt"`
	Headless  bool   `json:"headless"`
	WithCache bool   `json:"withCache"`
	UserAgent string `json:"userAgent"`
}

// Event is one artifact-affecting occurrence. FileName and SHA256 are set
// only for events that reference a finalized file.
type Event struct {
	Type     EventType `json:"type"`
	At       string    `json:"at"`
	FileName string    `json:"fileName,omitempty"`
	SHA256   string    `json:"sha256,omitempty"`
	FPS      int       `json:"fps,omitempty"`
}

// Entry is one immutable manifest line.
type Entry struct {
	Session Snapshot `json:"session"`
	Event   Event    `json:"event"`
}

// Ledger serializes appends to one session's manifest. Appends across
// different sessions are independent; within a session at most one append is
// in flight at a time.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// Open creates (or reopens) the manifest inside dir. The file is touched
// immediately so a registered session always has a ledger file on disk.
func Open(dir string) (*Ledger, error) {
	path := filepath.Join(dir, ManifestName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close manifest: %w", err)
	}
	return &Ledger{path: path}, nil
}

// Path returns the manifest location.
func (l *Ledger) Path() string {
	return l.path
}

// Append writes one entry as a single JSON line. The event timestamp is
// stamped here, under the lock, so entries carry non-decreasing times in
// file order. Prior lines are never rewritten.
func (l *Ledger) Append(snap Snapshot, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.At == "" {
		ev.At = Now()
	}
	line, err := json.Marshal(Entry{Session: snap, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal manifest entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest for append: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append manifest entry: %w", err)
	}
	return f.Close()
}

// Entries reads the manifest top-to-bottom.
func (l *Ledger) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return entries, nil
}

// Now returns the ledger timestamp format: UTC RFC 3339 with sub-second
// precision.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// HashFile computes the SHA-256 hex digest of a file's bytes at rest. It is
// called after an artifact is finalized and before its entry is appended, so
// the recorded hash matches the file as written.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
