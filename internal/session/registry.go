// Package session owns the lifecycle of evidence-capture sessions: creation
// against a live browser context, lookup by id, time-to-live enforcement,
// and ordered idempotent teardown. The Registry is the only owner of the
// id-to-session map; collaborators receive a *Session from Get and never
// reach into registry state themselves.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"webwitness/internal/ledger"
	"webwitness/internal/recorder"
	"webwitness/internal/store"
)

// Notifier is told when a session is gone so watching connections can be
// cleaned up. The viewer hub implements it.
type Notifier interface {
	CloseSession(sessionID string)
}

// Settings carries the per-session knobs the registry applies at creation.
type Settings struct {
	TTL               time.Duration
	NavigationTimeout time.Duration
	Headless          bool
	FPS               int
	StopTimeout       time.Duration
}

// Registry creates, arbitrates access to, and destroys sessions.
type Registry struct {
	settings Settings
	store    *store.Store
	browser  Capability
	enc      recorder.Encoder
	notifier Notifier
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry wires the registry to its collaborators. notifier may be nil.
func NewRegistry(settings Settings, st *store.Store, browser Capability, enc recorder.Encoder, notifier Notifier, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.TTL <= 0 {
		settings.TTL = 30 * time.Minute
	}
	if settings.NavigationTimeout <= 0 {
		settings.NavigationTimeout = 60 * time.Second
	}
	if settings.FPS <= 0 {
		settings.FPS = 25
	}
	if settings.StopTimeout <= 0 {
		settings.StopTimeout = 10 * time.Second
	}
	return &Registry{
		settings: settings,
		store:    st,
		browser:  browser,
		enc:      enc,
		notifier: notifier,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// validateTargetURL accepts only syntactically valid http/https URLs.
func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: target must be an http(s) URL", ErrInvalidInput)
	}
	return nil
}

// Create allocates a directory and ledger, launches an isolated browser
// context, navigates to targetURL bounded by the navigation timeout, and
// registers the session with an armed TTL timer. Failure at any step rolls
// everything back; nothing is registered and no directory is left behind.
func (r *Registry) Create(ctx context.Context, targetURL string) (string, error) {
	if err := validateTargetURL(targetURL); err != nil {
		return "", err
	}

	id := newSessionID()
	dir, err := r.store.Allocate(id)
	if err != nil {
		return "", err
	}
	led, err := ledger.Open(dir)
	if err != nil {
		r.rollback(id)
		return "", fmt.Errorf("%w: %v", store.ErrStorage, err)
	}

	page, err := r.browser.NewContext(ctx)
	if err != nil {
		r.rollback(id)
		return "", err
	}

	navCtx, cancel := context.WithTimeout(ctx, r.settings.NavigationTimeout)
	err = page.Navigate(navCtx, targetURL)
	cancel()
	if err != nil {
		r.releasePage(page)
		r.rollback(id)
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s", ErrNavigationTimeout, targetURL)
		}
		return "", err
	}

	ua, err := page.UserAgent()
	if err != nil {
		r.logger.Warn("read user agent", zap.String("session", id), zap.Error(err))
	}

	s := &Session{
		meta: ledger.Snapshot{
			ID:        id,
			TargetURL: targetURL,
			StartedAt: ledger.Now(),
			Headless:  r.settings.Headless,
			WithCache: false,
			UserAgent: ua,
		},
		page:        page,
		dir:         dir,
		led:         led,
		enc:         r.enc,
		fps:         r.settings.FPS,
		stopTimeout: r.settings.StopTimeout,
		logger:      r.logger,
	}

	// The timer is armed before the session becomes reachable through the
	// map, so a teardown racing this create always sees it and stops it.
	s.ttl = time.AfterFunc(r.settings.TTL, func() {
		r.logger.Info("session ttl expired", zap.String("session", id))
		r.Destroy(id)
	})

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.logger.Info("session created",
		zap.String("session", id),
		zap.String("target", targetURL))
	return id, nil
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Count reports how many sessions are registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Destroy tears a session down. It is idempotent: destroying an unknown or
// already-destroyed id is a silent no-op. The id is removed from the map
// first, so concurrent actions lose the race cleanly with
// ErrSessionNotFound; resource release then runs under the session lock.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s.teardown()
	if r.notifier != nil {
		r.notifier.CloseSession(id)
	}
	r.logger.Info("session destroyed", zap.String("session", id))
}

// Shutdown destroys every live session.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Destroy(id)
	}
}

// releasePage disposes a context that never became a session.
func (r *Registry) releasePage(page PageContext) {
	if err := page.Close(); err != nil {
		r.logger.Warn("release page", zap.Error(err))
	}
	if err := page.CloseBrowser(); err != nil {
		r.logger.Warn("release browser", zap.Error(err))
	}
}

// rollback removes a partially-created session directory.
func (r *Registry) rollback(id string) {
	if err := r.store.Remove(id); err != nil {
		r.logger.Warn("rollback session dir", zap.String("session", id), zap.Error(err))
	}
}
