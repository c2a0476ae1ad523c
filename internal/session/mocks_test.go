package session

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

// fakePage is a PageContext double recording every interaction.
type fakePage struct {
	mu sync.Mutex

	navErr   error
	navDelay time.Duration
	ua       string
	png      []byte
	jpeg     []byte
	frames   [][]byte

	navigated     []string
	scrolls       []float64
	clicks        [][2]float64
	streamStarts  int
	closeCalls    int
	closeBrowser  int
	frameRequests int
}

func newFakePage() *fakePage {
	return &fakePage{
		ua:     "EvidenceBot/1.0 (test)",
		png:    []byte("png-bytes"),
		jpeg:   []byte("jpeg-bytes"),
		frames: [][]byte{[]byte("fr1"), []byte("fr2")},
	}
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.navigated = append(p.navigated, url)
	p.mu.Unlock()
	if p.navDelay > 0 {
		select {
		case <-time.After(p.navDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.navErr
}

func (p *fakePage) UserAgent() (string, error) { return p.ua, nil }

func (p *fakePage) ScreenshotPNG() ([]byte, error) { return p.png, nil }

func (p *fakePage) FrameJPEG(quality int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frameRequests++
	return p.jpeg, nil
}

func (p *fakePage) ScrollBy(deltaY float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolls = append(p.scrolls, deltaY)
	return nil
}

func (p *fakePage) Click(x, y float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, [2]float64{x, y})
	return nil
}

func (p *fakePage) StartFrameStream(fps int) (<-chan []byte, func(), error) {
	p.mu.Lock()
	p.streamStarts++
	p.mu.Unlock()

	ch := make(chan []byte, len(p.frames))
	for _, fr := range p.frames {
		ch <- fr
	}
	var once sync.Once
	stop := func() { once.Do(func() { close(ch) }) }
	return ch, stop, nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	return nil
}

func (p *fakePage) CloseBrowser() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeBrowser++
	return nil
}

func (p *fakePage) browserCloses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeBrowser
}

// fakeCapability hands out fakePages.
type fakeCapability struct {
	mu      sync.Mutex
	nextErr error
	pages   []*fakePage
	prepare func(*fakePage)
}

func (c *fakeCapability) NewContext(ctx context.Context) (PageContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextErr != nil {
		return nil, c.nextErr
	}
	p := newFakePage()
	if c.prepare != nil {
		c.prepare(p)
	}
	c.pages = append(c.pages, p)
	return p, nil
}

func (c *fakeCapability) lastPage() *fakePage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pages) == 0 {
		return nil
	}
	return c.pages[len(c.pages)-1]
}

func (c *fakeCapability) allPages() []*fakePage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakePage(nil), c.pages...)
}

// fakeSink buffers frames and flushes them to the output path on close,
// standing in for an encoder finalizing its container.
type fakeSink struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	path string
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(s.path, s.buf.Bytes(), 0o644)
}

// fakeEncoder counts spawns.
type fakeEncoder struct {
	mu     sync.Mutex
	starts int
}

func (e *fakeEncoder) Start(path string, fps int) (io.WriteCloser, func(time.Duration) error, error) {
	e.mu.Lock()
	e.starts++
	e.mu.Unlock()
	return &fakeSink{path: path}, func(time.Duration) error { return nil }, nil
}

func (e *fakeEncoder) startCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

// fakeNotifier records teardown notifications.
type fakeNotifier struct {
	mu     sync.Mutex
	closed []string
}

func (n *fakeNotifier) CloseSession(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, id)
}

func (n *fakeNotifier) closedIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.closed...)
}
