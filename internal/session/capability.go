package session

import (
	"context"
	"encoding/base64"

	"github.com/google/uuid"
)

// Capability is the browser automation boundary. The production
// implementation lives in internal/browser; tests substitute fakes.
type Capability interface {
	// NewContext launches one isolated browser context owning a single page.
	NewContext(ctx context.Context) (PageContext, error)
}

// PageContext is one session's exclusively-owned page and the operations the
// core drives it with.
type PageContext interface {
	// Navigate loads the URL and waits for DOM-ready plus network quiet,
	// bounded by ctx. A deadline surfaces as context.DeadlineExceeded.
	Navigate(ctx context.Context, url string) error

	// UserAgent reports the user agent the page presents.
	UserAgent() (string, error)

	// ScreenshotPNG captures the full page as PNG.
	ScreenshotPNG() ([]byte, error)

	// FrameJPEG captures the visible viewport, clipped to the current
	// vertical scroll offset, as JPEG at the given quality.
	FrameJPEG(quality int) ([]byte, error)

	// ScrollBy scrolls the viewport vertically by deltaY.
	ScrollBy(deltaY float64) error

	// Click presses and releases the pointer at viewport coordinates with a
	// short press-to-release delay.
	Click(x, y float64) error

	// StartFrameStream opens a live stream of encoded frames. stop ends the
	// stream and closes the channel.
	StartFrameStream(fps int) (frames <-chan []byte, stop func(), err error)

	// Close closes the page and its browser context.
	Close() error

	// CloseBrowser disposes the underlying browser process.
	CloseBrowser() error
}

// newSessionID returns a fresh opaque session id: 128 random bits rendered
// as 22 URL-safe base64 characters. Ids are never reused.
func newSessionID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])
}
