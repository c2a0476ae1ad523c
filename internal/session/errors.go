package session

import "errors"

// Error taxonomy surfaced to callers. The transport maps each sentinel to a
// machine-checkable kind; all of them are checked with errors.Is.
var (
	// ErrInvalidInput rejects a malformed target URL or control coordinates
	// before any resource is allocated.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSessionNotFound means the id is unknown, or the session lost a race
	// with teardown. No side effects occur.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNavigationTimeout aborts session creation atomically when the
	// target page does not become ready within the bound.
	ErrNavigationTimeout = errors.New("navigation timeout")

	// ErrNotRecording is returned by stop when no recording is active.
	ErrNotRecording = errors.New("not recording")
)
