// Package browser implements the browser automation capability on go-rod.
// Each evidence session gets its own Chrome process with caching disabled,
// an incognito context inside it, and a single page. The core drives it
// through the session.Capability interface and never touches rod directly.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"webwitness/internal/session"
)

// Options holds browser launch and page configuration.
type Options struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	ClickDelay     time.Duration
	// FrameQuality is the JPEG quality of screencast frames.
	FrameQuality int
}

// Launcher creates isolated per-session browser contexts. It implements
// session.Capability.
type Launcher struct {
	opts   Options
	logger *zap.Logger
}

// New returns a Launcher with the given options.
func New(opts Options, logger *zap.Logger) *Launcher {
	if opts.ViewportWidth == 0 {
		opts.ViewportWidth = 1366
	}
	if opts.ViewportHeight == 0 {
		opts.ViewportHeight = 768
	}
	if opts.ClickDelay == 0 {
		opts.ClickDelay = 20 * time.Millisecond
	}
	if opts.FrameQuality == 0 {
		opts.FrameQuality = 80
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{opts: opts, logger: logger}
}

// launchFlags are passed to every Chrome process so nothing is cached or
// prefetched and the rendered state comes straight from the network.
func launchFlags(l *launcher.Launcher) *launcher.Launcher {
	for _, f := range []string{
		"disable-extensions",
		"disable-infobars",
		"disable-application-cache",
		"disable-dev-shm-usage",
		"disable-accelerated-2d-canvas",
		"disable-gpu",
	} {
		l = l.Set(flags.Flag(f))
	}
	l = l.Set("disk-cache-size", "1")
	l = l.Set("media-cache-size", "1")
	return l
}

// NewContext launches a fresh Chrome process, opens an incognito context and
// a blank page, disables caching, and applies the identifying user agent.
func (l *Launcher) NewContext(ctx context.Context) (session.PageContext, error) {
	ln := launchFlags(launcher.New().Headless(l.opts.Headless))
	controlURL, err := ln.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		ln.Kill()
		ln.Cleanup()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	c := &Context{launcher: ln, browser: b, opts: l.opts, logger: l.logger}
	if err := c.setup(); err != nil {
		_ = b.Close()
		ln.Cleanup()
		return nil, err
	}
	return c, nil
}

// Context is one session's isolated browser context: the process, the
// incognito context within it, and its single page.
type Context struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	inc      *rod.Browser
	page     *rod.Page
	opts     Options
	logger   *zap.Logger
}

func (c *Context) setup() error {
	inc, err := c.browser.Incognito()
	if err != nil {
		return fmt.Errorf("incognito context: %w", err)
	}
	c.inc = inc

	page, err := inc.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	c.page = page

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             c.opts.ViewportWidth,
		Height:            c.opts.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return fmt.Errorf("enable network domain: %w", err)
	}
	if err := (proto.NetworkSetCacheDisabled{CacheDisabled: true}).Call(page); err != nil {
		return fmt.Errorf("disable cache: %w", err)
	}
	if c.opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent: c.opts.UserAgent,
		}); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}
	if _, err := page.SetExtraHeaders([]string{
		"Pragma", "no-cache",
		"Cache-Control", "no-store",
	}); err != nil {
		return fmt.Errorf("set headers: %w", err)
	}
	return nil
}

// Navigate loads url and waits for the load event plus a network-quiet
// window. The caller bounds the whole wait through ctx; a deadline surfaces
// as context.DeadlineExceeded.
func (c *Context) Navigate(ctx context.Context, url string) error {
	p := c.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}
	wait := p.WaitRequestIdle(300*time.Millisecond, nil, nil, nil)
	wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wait network quiet: %w", err)
	}
	return nil
}

// UserAgent reports the user agent string the page actually presents.
func (c *Context) UserAgent() (string, error) {
	res, err := c.page.Eval(`() => navigator.userAgent`)
	if err != nil {
		return "", fmt.Errorf("read user agent: %w", err)
	}
	return res.Value.Str(), nil
}

// ScreenshotPNG captures the full page as PNG.
func (c *Context) ScreenshotPNG() ([]byte, error) {
	return c.page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// FrameJPEG captures the currently visible viewport, clipped to the page's
// vertical scroll offset, as JPEG at the given quality.
func (c *Context) FrameJPEG(quality int) ([]byte, error) {
	res, err := c.page.Eval(`() => ({
		x: 0,
		y: window.pageYOffset,
		w: window.innerWidth,
		h: window.innerHeight,
	})`)
	if err != nil {
		return nil, fmt.Errorf("read viewport: %w", err)
	}
	clip := &proto.PageViewport{
		X:      res.Value.Get("x").Num(),
		Y:      res.Value.Get("y").Num(),
		Width:  res.Value.Get("w").Num(),
		Height: res.Value.Get("h").Num(),
		Scale:  1,
	}
	return c.page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &quality,
		Clip:    clip,
	})
}

// ScrollBy scrolls the viewport vertically by deltaY CSS pixels.
func (c *Context) ScrollBy(deltaY float64) error {
	_, err := c.page.Eval(`(dy) => window.scrollBy({ top: dy, behavior: "auto" })`, deltaY)
	if err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

// Click presses and releases the left button at viewport coordinates with a
// short delay between press and release, so the event sequence resembles a
// human click.
func (c *Context) Click(x, y float64) error {
	m := c.page.Mouse
	if err := m.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return fmt.Errorf("move pointer: %w", err)
	}
	if err := m.Down(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("press: %w", err)
	}
	time.Sleep(c.opts.ClickDelay)
	if err := m.Up(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// StartFrameStream begins a CDP screencast and returns a channel of JPEG
// frames plus a stop function. The channel is closed after stop is called
// and the event loop has drained. Frames are acknowledged as they arrive so
// the browser keeps producing them.
func (c *Context) StartFrameStream(fps int) (<-chan []byte, func(), error) {
	every := 1
	if err := (proto.PageStartScreencast{
		Format:        proto.PageStartScreencastFormatJpeg,
		Quality:       &c.opts.FrameQuality,
		EveryNthFrame: &every,
	}).Call(c.page); err != nil {
		return nil, nil, fmt.Errorf("start screencast: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	frames := make(chan []byte, 8)

	go func() {
		defer close(frames)
		c.page.Context(sctx).EachEvent(func(e *proto.PageScreencastFrame) {
			err := proto.PageScreencastFrameAck{SessionID: e.SessionID}.Call(c.page)
			if err != nil {
				c.logger.Debug("screencast ack failed", zap.Error(err))
			}
			select {
			case frames <- e.Data:
			case <-sctx.Done():
			}
		})()
	}()

	// fps is advisory at this layer: the screencast emits on change and the
	// encoder applies the configured frame rate.
	_ = fps

	stop := func() {
		if err := (proto.PageStopScreencast{}).Call(c.page); err != nil {
			c.logger.Debug("stop screencast failed", zap.Error(err))
		}
		cancel()
	}
	return frames, stop, nil
}

// Close closes the page and disposes the incognito context.
func (c *Context) Close() error {
	var firstErr error
	if c.page != nil {
		if err := c.page.Close(); err != nil {
			firstErr = fmt.Errorf("close page: %w", err)
		}
	}
	if c.inc != nil && c.inc.BrowserContextID != "" {
		err := proto.TargetDisposeBrowserContext{
			BrowserContextID: c.inc.BrowserContextID,
		}.Call(c.browser)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("dispose context: %w", err)
		}
	}
	return firstErr
}

// CloseBrowser shuts down the Chrome process and removes its temp profile.
func (c *Context) CloseBrowser() error {
	err := c.browser.Close()
	c.launcher.Cleanup()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
