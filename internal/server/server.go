// Package server exposes the session registry over HTTP plus a websocket
// viewer channel. Route handlers validate input, dispatch by session id
// through the registry, and map the core's error taxonomy to status codes
// and machine-checkable kinds.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"webwitness/internal/session"
	"webwitness/internal/store"
	"webwitness/internal/viewer"
)

// Server serves the evidence-capture API.
type Server struct {
	addr         string
	viewerOrigin string
	jpegQuality  int

	reg    *session.Registry
	hub    *viewer.Hub
	st     *store.Store
	logger *zap.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New builds a Server around the registry, hub, and store.
func New(addr, viewerOrigin string, jpegQuality int, reg *session.Registry, hub *viewer.Hub, st *store.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if jpegQuality <= 0 {
		jpegQuality = 60
	}
	s := &Server{
		addr:         addr,
		viewerOrigin: viewerOrigin,
		jpegQuality:  jpegQuality,
		reg:          reg,
		hub:          hub,
		st:           st,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("DELETE /api/{sid}", s.handleClose)
	mux.HandleFunc("POST /api/{sid}/screenshot", s.handleScreenshot)
	mux.HandleFunc("POST /api/{sid}/record/start", s.handleRecordStart)
	mux.HandleFunc("POST /api/{sid}/record/stop", s.handleRecordStop)
	mux.HandleFunc("POST /api/{sid}/package", s.handlePackage)
	mux.HandleFunc("GET /api/{sid}/frame", s.handleFrame)
	mux.HandleFunc("POST /api/{sid}/scroll", s.handleScroll)
	mux.HandleFunc("POST /api/{sid}/click", s.handleClick)
	mux.HandleFunc("GET /api/{sid}/manifest", s.handleManifest)
	mux.HandleFunc("GET /files/{sid}/{name}", s.handleFile)
	mux.HandleFunc("GET /ws/viewer", s.handleViewerWS)
	return mux
}

// Run serves until ctx is canceled, then shuts down the listener and
// destroys all live sessions.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("listening", zap.String("addr", s.addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
		s.reg.Shutdown()
		return nil
	})
	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type startRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: bad request body", session.ErrInvalidInput))
		return
	}
	id, err := s.reg.Create(r.Context(), req.URL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": id,
		"viewerUrl": fmt.Sprintf("%s/viewer.html?sid=%s", s.viewerOrigin, id),
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.reg.Destroy(r.PathValue("sid"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.Get(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	fileName, err := sess.Screenshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file": s.fileURL(sess.ID(), fileName)})
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.Get(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := sess.StartRecording(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recording"})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.Get(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	fileName, err := sess.StopRecording(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file": s.fileURL(sess.ID(), fileName)})
}

func (s *Server) handlePackage(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.Get(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	fileName, err := sess.Package(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file": s.fileURL(sess.ID(), fileName)})
}

// handleFrame serves one still capture of the current viewport. Every
// response is produced fresh and marked no-store.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.Get(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	frame, err := sess.Frame(r.Context(), s.jpegQuality)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame)
}

type scrollRequest struct {
	DeltaY float64 `json:"deltaY"`
}

func (s *Server) handleScroll(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.Get(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req scrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: bad request body", session.ErrInvalidInput))
		return
	}
	if err := sess.Scroll(r.Context(), req.DeltaY); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type clickRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.Get(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req clickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: bad request body", session.ErrInvalidInput))
		return
	}
	if err := sess.Click(r.Context(), req.X, req.Y); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.Get(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := sess.Ledger().Entries()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleFile downloads an artifact from a session directory. Path traversal
// is rejected; responses are never cacheable.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	sid, name := r.PathValue("sid"), r.PathValue("name")
	if sid != filepath.Base(sid) || name != filepath.Base(name) ||
		strings.HasPrefix(name, ".") || strings.HasPrefix(sid, ".") {
		s.writeError(w, fmt.Errorf("%w: bad file path", session.ErrInvalidInput))
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, filepath.Join(s.st.Dir(sid), name))
}

// handleViewerWS binds an operator connection to a session id for
// bookkeeping. The read loop runs until the peer goes away or teardown
// closes the connection through the hub.
func (s *Server) handleViewerWS(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		s.writeError(w, fmt.Errorf("%w: missing sid", session.ErrInvalidInput))
		return
	}
	if _, err := s.reg.Get(sid); err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}
	s.hub.Attach(sid, conn)
	defer func() {
		s.hub.Detach(sid, conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) fileURL(sid, name string) string {
	return fmt.Sprintf("/files/%s/%s", sid, name)
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError maps the core error taxonomy to status codes and stable kinds.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind, status := "internal", http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		kind, status = "invalid_input", http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		kind, status = "session_not_found", http.StatusNotFound
	case errors.Is(err, session.ErrNotRecording):
		kind, status = "not_recording", http.StatusConflict
	case errors.Is(err, session.ErrNavigationTimeout):
		kind, status = "navigation_timeout", http.StatusGatewayTimeout
	case errors.Is(err, store.ErrStorage):
		kind, status = "storage_error", http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("kind", kind), zap.Error(err))
	}
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
