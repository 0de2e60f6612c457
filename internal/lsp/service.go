package lsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ServiceConfig contains the settings for the editor-facing LSP service.
type ServiceConfig struct {
	// Server definitions by language ID. Nil uses DefaultServerConfigs.
	Servers map[string]ServerConfig

	RequestTimeout  time.Duration
	StartTimeout    time.Duration
	ShutdownTimeout time.Duration
	Debounce        time.Duration

	// RecoverDegraded returns a session degraded by a timeout to Ready on
	// the next inbound message.
	RecoverDegraded bool

	// CacheEntries bounds the hover/definition cache.
	CacheEntries int64
}

// DefaultServiceConfig returns the default service configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Servers:         DefaultServerConfigs(),
		RequestTimeout:  DefaultRequestTimeout,
		StartTimeout:    DefaultStartTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Debounce:        DefaultDebounce,
		RecoverDegraded: true,
		CacheEntries:    DefaultCacheEntries,
	}
}

// ServiceOption configures the service.
type ServiceOption func(*serviceDeps)

type serviceDeps struct {
	logger  *slog.Logger
	spawner Spawner
}

// WithServiceLogger sets the logger shared by every component.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(d *serviceDeps) {
		d.logger = l
	}
}

// WithServiceSpawner replaces the process launcher.
func WithServiceSpawner(s Spawner) ServiceOption {
	return func(d *serviceDeps) {
		d.spawner = s
	}
}

// Service wires the LSP components together for the editor. Losing a
// server only removes LSP features for its language; editing never blocks.
type Service struct {
	logger *slog.Logger

	manager     *Manager
	docs        *DocumentSync
	diagnostics *DiagnosticsStore
	progress    *ProgressTracker
	completion  *CompletionCoordinator
	nav         *Navigator
}

// NewService creates the service. No server is started until a buffer of
// its language is opened.
func NewService(cfg ServiceConfig, opts ...ServiceOption) (*Service, error) {
	deps := serviceDeps{logger: slog.Default(), spawner: ExecSpawner}
	for _, opt := range opts {
		opt(&deps)
	}
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	logger := deps.logger.With("component", "lsp")

	servers := cfg.Servers
	if servers == nil {
		servers = DefaultServerConfigs()
	}

	nav, err := NewNavigator(cfg.CacheEntries, logger)
	if err != nil {
		return nil, err
	}

	diagnostics := NewDiagnosticsStore()
	progress := NewProgressTracker()
	mgrOpts := []ManagerOption{
		WithDefinitions(servers),
		WithLogger(logger),
		WithSpawner(deps.spawner),
		WithRecoverDegraded(cfg.RecoverDegraded),
		WithDiagnosticsStore(diagnostics),
		WithProgressTracker(progress),
	}
	if cfg.RequestTimeout > 0 {
		mgrOpts = append(mgrOpts, WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.StartTimeout > 0 {
		mgrOpts = append(mgrOpts, WithStartTimeout(cfg.StartTimeout))
	}
	if cfg.ShutdownTimeout > 0 {
		mgrOpts = append(mgrOpts, WithShutdownTimeout(cfg.ShutdownTimeout))
	}
	mgr := NewManager(mgrOpts...)

	docOpts := []DocumentSyncOption{
		WithDocumentLogger(logger),
		WithDocumentDiagnostics(diagnostics),
	}
	if cfg.Debounce > 0 {
		docOpts = append(docOpts, WithDebounceDelay(cfg.Debounce))
	}

	return &Service{
		logger:      logger,
		manager:     mgr,
		docs:        NewDocumentSync(mgr, docOpts...),
		diagnostics: diagnostics,
		progress:    progress,
		completion:  NewCompletionCoordinator(logger),
		nav:         nav,
	}, nil
}

// Manager returns the session manager.
func (s *Service) Manager() *Manager { return s.manager }

// Documents returns the document synchronizer.
func (s *Service) Documents() *DocumentSync { return s.docs }

// Diagnostics returns the diagnostics store.
func (s *Service) Diagnostics() *DiagnosticsStore { return s.diagnostics }

// Progress returns the progress tracker.
func (s *Service) Progress() *ProgressTracker { return s.progress }

// Completion returns the completion coordinator.
func (s *Service) Completion() *CompletionCoordinator { return s.completion }

// SetServers replaces the server definitions, e.g. after a config reload.
func (s *Service) SetServers(defs map[string]ServerConfig) {
	s.manager.SetDefinitions(defs)
}

// OpenBuffer starts tracking a buffer. An empty languageID is detected from
// the path's extension.
func (s *Service) OpenBuffer(path, languageID, text string) (DocumentURI, error) {
	if languageID == "" {
		languageID = DetectLanguageID(path)
	}
	uri := FilePathToURI(path)
	if err := s.docs.Open(uri, languageID, text); err != nil {
		return "", err
	}
	return uri, nil
}

// EditBuffer records edits to an open buffer.
func (s *Service) EditBuffer(uri DocumentURI, edits ...TextDocumentContentChangeEvent) error {
	return s.docs.Change(uri, edits...)
}

// SaveBuffer flushes pending edits and sends didSave.
func (s *Service) SaveBuffer(uri DocumentURI) error {
	return s.docs.Save(uri)
}

// CloseBuffer stops tracking a buffer and cancels its pending requests.
func (s *Service) CloseBuffer(uri DocumentURI) error {
	if sess, ok := s.completion.Snapshot(); ok && sess.URI == uri {
		s.completion.Cancel()
	}
	return s.docs.Close(uri)
}

// WaitReady blocks until uri has been opened on a Ready session.
func (s *Service) WaitReady(ctx context.Context, uri DocumentURI) (*Session, error) {
	state, ok := s.docs.State(uri)
	if !ok {
		return nil, ErrDocumentNotOpen
	}
	sess, err := s.manager.GetOrStartIn(ctx, state.LanguageID, state.Root)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ds, err := s.docs.Session(uri); err == nil && ds == sess {
			return sess, nil
		} else if errors.Is(err, ErrDocumentNotOpen) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sess.Stopped():
			return nil, stoppedError(sess)
		case <-ticker.C:
		}
	}
}

// ready flushes pending edits and returns the document's session and the
// version the server now has.
func (s *Service) ready(uri DocumentURI) (*Session, int, error) {
	if err := s.docs.Flush(uri); err != nil {
		return nil, 0, err
	}
	sess, err := s.docs.Session(uri)
	if err != nil {
		return nil, 0, err
	}
	state, ok := s.docs.State(uri)
	if !ok {
		return nil, 0, ErrDocumentNotOpen
	}
	return sess, state.Version, nil
}

// Hover returns hover information at pos.
func (s *Service) Hover(ctx context.Context, uri DocumentURI, pos Position) (*HoverResult, error) {
	sess, version, err := s.ready(uri)
	if err != nil {
		return nil, err
	}
	return s.nav.Hover(ctx, sess, uri, version, pos)
}

// Definition returns the definition locations at pos.
func (s *Service) Definition(ctx context.Context, uri DocumentURI, pos Position) ([]Location, error) {
	sess, version, err := s.ready(uri)
	if err != nil {
		return nil, err
	}
	return s.nav.Definition(ctx, sess, uri, version, pos)
}

// TriggerCompletion requests completions at pos. Results arrive through
// Completion().OnUpdate.
func (s *Service) TriggerCompletion(ctx context.Context, uri DocumentURI, pos Position, triggerChar string) (bool, error) {
	sess, _, err := s.ready(uri)
	if err != nil {
		return false, err
	}
	return s.completion.Trigger(ctx, sess, uri, pos, triggerChar)
}

// Restart restarts the session for (languageID, root). Open documents of
// that language are re-opened on the new session.
func (s *Service) Restart(ctx context.Context, languageID, root string) error {
	s.nav.Clear()
	_, err := s.manager.Restart(ctx, languageID, root)
	return err
}

// StatusLine renders sessions that are not Ready, the diagnostics summary
// and running progress for the status bar.
func (s *Service) StatusLine() string {
	var parts []string
	for _, info := range s.manager.Sessions() {
		switch info.Status {
		case StatusReady:
			continue
		case StatusStopped:
			if info.LastError != nil {
				parts = append(parts, fmt.Sprintf("%s: %s (%v)", info.ServerName, info.Status, info.LastError))
				continue
			}
		}
		parts = append(parts, info.ServerName+": "+info.Status.String())
	}
	if sum := s.diagnostics.Summary().String(); sum != "" {
		parts = append(parts, sum)
	}
	if p := s.progress.StatusLine(); p != "" {
		parts = append(parts, p)
	}
	return strings.Join(parts, " | ")
}

// Shutdown stops document sync and shuts every server down.
func (s *Service) Shutdown(ctx context.Context) error {
	s.completion.Cancel()
	s.docs.Stop()
	err := s.manager.Shutdown(ctx)
	s.nav.Close()
	return err
}
