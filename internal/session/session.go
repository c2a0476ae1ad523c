package session

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"webwitness/internal/archive"
	"webwitness/internal/ledger"
	"webwitness/internal/recorder"
	"webwitness/internal/store"
)

// Session is the unit of isolation: one browser context, one directory, one
// ledger, and at most one active recording, owned exclusively and released
// together on teardown. All methods serialize on the session lock, so an
// action either runs against fully valid resources or observes
// ErrSessionNotFound after losing a race with teardown.
type Session struct {
	meta ledger.Snapshot
	page PageContext
	dir  string
	led  *ledger.Ledger

	enc         recorder.Encoder
	fps         int
	stopTimeout time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	closed    bool
	recording *recorder.Recording
	ttl       *time.Timer
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.meta.ID
}

// Meta returns the session's public metadata snapshot.
func (s *Session) Meta() ledger.Snapshot {
	return s.meta
}

// Dir returns the session's artifact directory.
func (s *Session) Dir() string {
	return s.dir
}

// Ledger exposes the session's manifest for readers.
func (s *Session) Ledger() *ledger.Ledger {
	return s.led
}

// lock acquires the session lock and verifies the session is still live.
func (s *Session) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	return nil
}

// Screenshot captures the full page as PNG, writes it into the session
// directory, and appends a hashed ledger entry. Returns the artifact file
// name.
func (s *Session) Screenshot(ctx context.Context) (string, error) {
	if err := s.lock(); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	png, err := s.page.ScreenshotPNG()
	if err != nil {
		return "", err
	}
	fileName := store.ImageName(s.meta.ID, time.Now())
	path := filepath.Join(s.dir, fileName)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", err
	}

	sum, err := ledger.HashFile(path)
	if err != nil {
		return "", err
	}
	if err := s.led.Append(s.meta, ledger.Event{
		Type:     ledger.EventScreenshot,
		FileName: fileName,
		SHA256:   sum,
	}); err != nil {
		return "", err
	}
	return fileName, nil
}

// StartRecording opens the frame stream and encoder pipeline. A second start
// while one is active is a no-op: no new stream or process is created.
func (s *Session) StartRecording(ctx context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.recording != nil {
		return nil
	}

	fileName := store.VideoName(s.meta.ID, time.Now())
	path := filepath.Join(s.dir, fileName)
	rec, err := recorder.Start(s.page, s.enc, path, fileName, s.fps, s.logger)
	if err != nil {
		return err
	}
	s.recording = rec

	return s.led.Append(s.meta, ledger.Event{
		Type: ledger.EventRecordingStart,
		FPS:  s.fps,
	})
}

// StopRecording ends the stream into the encoder, waits (bounded) for the
// file to finalize, detaches the recording from the session, then hashes the
// file and appends the ledger entry. Returns the artifact file name.
func (s *Session) StopRecording(ctx context.Context) (string, error) {
	if err := s.lock(); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	if s.recording == nil {
		return "", ErrNotRecording
	}
	rec := s.recording
	if err := rec.Stop(s.stopTimeout); err != nil {
		// Bounded wait elapsed or the encoder died; the recording is over
		// either way and whatever was finalized is the artifact.
		s.logger.Warn("recording stop", zap.String("session", s.meta.ID), zap.Error(err))
	}
	s.recording = nil

	sum, err := ledger.HashFile(rec.Path)
	if err != nil {
		return "", err
	}
	if err := s.led.Append(s.meta, ledger.Event{
		Type:     ledger.EventRecordingStop,
		FileName: rec.FileName,
		SHA256:   sum,
	}); err != nil {
		return "", err
	}
	return rec.FileName, nil
}

// Package zips the session directory into {id}-evidence.zip inside that same
// directory, hashes the archive, and appends the ledger entry. Returns the
// archive file name.
func (s *Session) Package(ctx context.Context) (string, error) {
	if err := s.lock(); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	fileName := store.ArchiveName(s.meta.ID)
	path := filepath.Join(s.dir, fileName)
	if err := archive.Dir(s.dir, path); err != nil {
		return "", err
	}

	sum, err := ledger.HashFile(path)
	if err != nil {
		return "", err
	}
	if err := s.led.Append(s.meta, ledger.Event{
		Type:     ledger.EventPackage,
		FileName: fileName,
		SHA256:   sum,
	}); err != nil {
		return "", err
	}
	return fileName, nil
}

// Frame serves one on-demand JPEG capture of the visible viewport. Nothing
// is cached between calls.
func (s *Session) Frame(ctx context.Context, quality int) ([]byte, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.page.FrameJPEG(quality)
}

// Scroll forwards a vertical scroll intent. deltaY may be negative.
func (s *Session) Scroll(ctx context.Context, deltaY float64) error {
	if math.IsNaN(deltaY) || math.IsInf(deltaY, 0) {
		return ErrInvalidInput
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.page.ScrollBy(deltaY)
}

// Click forwards a pointer click intent at viewport coordinates.
func (s *Session) Click(ctx context.Context, x, y float64) error {
	if x < 0 || y < 0 || math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return ErrInvalidInput
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.page.Click(x, y)
}

// teardown releases everything the session owns, in order, swallowing and
// logging individual step failures so later steps still run. It is
// idempotent: the closed flag makes a second call a no-op.
func (s *Session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	if s.ttl != nil {
		s.ttl.Stop()
	}
	if s.recording != nil {
		if err := s.recording.Stop(s.stopTimeout); err != nil {
			s.logger.Warn("teardown: stop recording", zap.String("session", s.meta.ID), zap.Error(err))
		}
		s.recording = nil
	}
	if err := s.page.Close(); err != nil {
		s.logger.Warn("teardown: close context", zap.String("session", s.meta.ID), zap.Error(err))
	}
	if err := s.page.CloseBrowser(); err != nil {
		s.logger.Warn("teardown: close browser", zap.String("session", s.meta.ID), zap.Error(err))
	}
}
