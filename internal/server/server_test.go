package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webwitness/internal/session"
	"webwitness/internal/store"
	"webwitness/internal/viewer"
)

// stubPage is a canned PageContext for exercising routes without a browser.
type stubPage struct{}

func (stubPage) Navigate(ctx context.Context, url string) error { return nil }
func (stubPage) UserAgent() (string, error)                     { return "EvidenceBot/1.0 (test)", nil }
func (stubPage) ScreenshotPNG() ([]byte, error)                 { return []byte("png-bytes"), nil }
func (stubPage) FrameJPEG(quality int) ([]byte, error)          { return []byte("jpeg-bytes"), nil }
func (stubPage) ScrollBy(deltaY float64) error                  { return nil }
func (stubPage) Click(x, y float64) error                       { return nil }
func (stubPage) Close() error                                   { return nil }
func (stubPage) CloseBrowser() error                            { return nil }

func (stubPage) StartFrameStream(fps int) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 1)
	ch <- []byte("frame")
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

type stubCapability struct{}

func (stubCapability) NewContext(ctx context.Context) (session.PageContext, error) {
	return stubPage{}, nil
}

// stubSink flushes buffered frames to disk on close.
type stubSink struct {
	buf  bytes.Buffer
	path string
}

func (s *stubSink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *stubSink) Close() error                { return os.WriteFile(s.path, s.buf.Bytes(), 0o644) }

type stubEncoder struct{}

func (stubEncoder) Start(path string, fps int) (io.WriteCloser, func(time.Duration) error, error) {
	return &stubSink{path: path}, func(time.Duration) error { return nil }, nil
}

type testServer struct {
	ts  *httptest.Server
	reg *session.Registry
	hub *viewer.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	hub := viewer.NewHub(nil)
	reg := session.NewRegistry(session.Settings{}, st, stubCapability{}, stubEncoder{}, hub, nil)
	t.Cleanup(reg.Shutdown)

	srv := New(":0", "http://localhost:3000", 60, reg, hub, st, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, reg: reg, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path string, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var parsed map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		if len(bytes.TrimSpace(data)) > 0 && data[0] == '{' {
			require.NoError(t, json.Unmarshal(data, &parsed))
		}
	}
	return resp, parsed
}

func (s *testServer) start(t *testing.T) string {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/api/start", `{"url":"https://example.com/page"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := body["sessionId"].(string)
	require.NotEmpty(t, id)
	return id
}

func errorKind(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	kind, _ := e["kind"].(string)
	return kind
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
}

func TestStart(t *testing.T) {
	s := newTestServer(t)

	t.Run("happy path", func(t *testing.T) {
		resp, body := s.do(t, http.MethodPost, "/api/start", `{"url":"https://example.com"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		id, _ := body["sessionId"].(string)
		assert.Len(t, id, 22)
		assert.Equal(t, "http://localhost:3000/viewer.html?sid="+id, body["viewerUrl"])
	})

	t.Run("invalid url", func(t *testing.T) {
		resp, body := s.do(t, http.MethodPost, "/api/start", `{"url":"ftp://example.com"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_input", errorKind(body))
	})

	t.Run("bad body", func(t *testing.T) {
		resp, body := s.do(t, http.MethodPost, "/api/start", `{not json`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_input", errorKind(body))
	})
}

func TestUnknownSession(t *testing.T) {
	s := newTestServer(t)
	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/ghost/screenshot"},
		{http.MethodPost, "/api/ghost/record/start"},
		{http.MethodPost, "/api/ghost/record/stop"},
		{http.MethodPost, "/api/ghost/package"},
		{http.MethodGet, "/api/ghost/frame"},
		{http.MethodGet, "/api/ghost/manifest"},
	} {
		resp, body := s.do(t, route.method, route.path, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, route.path)
		assert.Equal(t, "session_not_found", errorKind(body), route.path)
	}
}

func TestScreenshot_ThenDownload(t *testing.T) {
	s := newTestServer(t)
	id := s.start(t)

	resp, body := s.do(t, http.MethodPost, "/api/"+id+"/screenshot", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fileURL, _ := body["file"].(string)
	require.True(t, strings.HasPrefix(fileURL, "/files/"+id+"/"), fileURL)

	dl, err := s.ts.Client().Get(s.ts.URL + fileURL)
	require.NoError(t, err)
	defer dl.Body.Close()
	assert.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "no-store", dl.Header.Get("Cache-Control"))
	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestRecordingRoutes(t *testing.T) {
	s := newTestServer(t)
	id := s.start(t)

	t.Run("stop before start conflicts", func(t *testing.T) {
		resp, body := s.do(t, http.MethodPost, "/api/"+id+"/record/stop", "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "not_recording", errorKind(body))
	})

	t.Run("start then stop", func(t *testing.T) {
		resp, body := s.do(t, http.MethodPost, "/api/"+id+"/record/start", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "recording", body["status"])

		resp, body = s.do(t, http.MethodPost, "/api/"+id+"/record/stop", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		fileURL, _ := body["file"].(string)
		assert.True(t, strings.HasSuffix(fileURL, ".mp4"), fileURL)
	})
}

func TestFrame(t *testing.T) {
	s := newTestServer(t)
	id := s.start(t)

	resp, _ := s.do(t, http.MethodGet, "/api/"+id+"/frame", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestScrollAndClick(t *testing.T) {
	s := newTestServer(t)
	id := s.start(t)

	resp, body := s.do(t, http.MethodPost, "/api/"+id+"/scroll", `{"deltaY":-120}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = s.do(t, http.MethodPost, "/api/"+id+"/click", `{"x":10,"y":20}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = s.do(t, http.MethodPost, "/api/"+id+"/click", `{"x":-1,"y":20}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", errorKind(body))
}

func TestManifestAndPackage(t *testing.T) {
	s := newTestServer(t)
	id := s.start(t)
	s.do(t, http.MethodPost, "/api/"+id+"/screenshot", "")

	resp, err := s.ts.Client().Get(s.ts.URL + "/api/" + id + "/manifest")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)

	pr, body := s.do(t, http.MethodPost, "/api/"+id+"/package", "")
	require.Equal(t, http.StatusOK, pr.StatusCode)
	fileURL, _ := body["file"].(string)
	assert.Equal(t, "/files/"+id+"/"+id+"-evidence.zip", fileURL)
}

func TestClose_Idempotent(t *testing.T) {
	s := newTestServer(t)
	id := s.start(t)

	resp, body := s.do(t, http.MethodDelete, "/api/"+id, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", body["status"])

	// closing again or closing garbage is still a clean 200
	resp, _ = s.do(t, http.MethodDelete, "/api/"+id, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodDelete, "/api/never-was", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/api/"+id+"/screenshot", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "session_not_found", errorKind(body))
}

func TestFile_RejectsDotfiles(t *testing.T) {
	s := newTestServer(t)
	id := s.start(t)

	resp, body := s.do(t, http.MethodGet, "/files/"+id+"/.manifest", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", errorKind(body))
}

func TestViewerWS(t *testing.T) {
	s := newTestServer(t)
	id := s.start(t)
	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http")

	t.Run("missing sid", func(t *testing.T) {
		resp, body := s.do(t, http.MethodGet, "/ws/viewer", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_input", errorKind(body))
	})

	t.Run("unknown sid", func(t *testing.T) {
		resp, body := s.do(t, http.MethodGet, "/ws/viewer?sid=ghost", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "session_not_found", errorKind(body))
	})

	t.Run("attach and close on teardown", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/viewer?sid="+id, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.Eventually(t, func() bool {
			return s.hub.Watchers(id) == 1
		}, 2*time.Second, 10*time.Millisecond)

		s.reg.Destroy(id)

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn.ReadMessage()
		var closeErr *websocket.CloseError
		assert.ErrorAs(t, err, &closeErr)
	})
}
