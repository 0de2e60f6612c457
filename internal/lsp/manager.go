package lsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Default timeouts.
const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultStartTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 2 * time.Second
)

// DefaultRootMarkers identify a workspace root when a server definition
// does not list its own.
var DefaultRootMarkers = []string{
	"go.mod",
	"Cargo.toml",
	"package.json",
	"pyproject.toml",
	"setup.py",
	".git",
}

type sessionKey struct {
	languageID string
	root       string
}

func (k sessionKey) String() string { return k.languageID + "@" + k.root }

// Manager owns every session. Sessions are keyed by (language, root) and
// started on first use.
type Manager struct {
	mu       sync.Mutex
	defs     map[string]ServerConfig
	sessions map[sessionKey]*Session
	closed   bool

	starts singleflight.Group

	spawner         Spawner
	logger          *slog.Logger
	requestTimeout  time.Duration
	startTimeout    time.Duration
	shutdownTimeout time.Duration
	recoverDegraded bool
	diagnostics     *DiagnosticsStore
	progress        *ProgressTracker

	listenerMu sync.Mutex
	onStarted  []func(*Session)
	onStopped  []func(*Session)

	ctx    context.Context
	cancel context.CancelFunc
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithRequestTimeout sets the per-request timeout for new sessions.
func WithRequestTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.requestTimeout = d
	}
}

// WithStartTimeout bounds spawn plus initialize.
func WithStartTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.startTimeout = d
	}
}

// WithShutdownTimeout bounds how long a server gets to exit before it is killed.
func WithShutdownTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.shutdownTimeout = d
	}
}

// WithRecoverDegraded controls whether inbound traffic returns a session
// degraded by a timeout to Ready.
func WithRecoverDegraded(on bool) ManagerOption {
	return func(m *Manager) {
		m.recoverDegraded = on
	}
}

// WithSpawner replaces the process launcher.
func WithSpawner(s Spawner) ManagerOption {
	return func(m *Manager) {
		m.spawner = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDiagnosticsStore routes publishDiagnostics into store.
func WithDiagnosticsStore(store *DiagnosticsStore) ManagerOption {
	return func(m *Manager) {
		m.diagnostics = store
	}
}

// WithProgressTracker routes $/progress into tracker.
func WithProgressTracker(t *ProgressTracker) ManagerOption {
	return func(m *Manager) {
		m.progress = t
	}
}

// WithDefinitions sets the server definitions by language ID.
func WithDefinitions(defs map[string]ServerConfig) ManagerOption {
	return func(m *Manager) {
		m.defs = cloneDefinitions(defs)
	}
}

// NewManager creates a manager with the default server definitions.
func NewManager(opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		defs:            DefaultServerConfigs(),
		sessions:        make(map[sessionKey]*Session),
		spawner:         ExecSpawner,
		logger:          slog.Default(),
		requestTimeout:  DefaultRequestTimeout,
		startTimeout:    DefaultStartTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		recoverDegraded: true,
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnSessionStarted registers a listener called when a session becomes Ready.
func (m *Manager) OnSessionStarted(fn func(*Session)) {
	m.listenerMu.Lock()
	m.onStarted = append(m.onStarted, fn)
	m.listenerMu.Unlock()
}

// OnSessionStopped registers a listener called when a session stops.
func (m *Manager) OnSessionStopped(fn func(*Session)) {
	m.listenerMu.Lock()
	m.onStopped = append(m.onStopped, fn)
	m.listenerMu.Unlock()
}

// SetDefinitions replaces the server definitions. Running sessions keep
// the configuration they were started with.
func (m *Manager) SetDefinitions(defs map[string]ServerConfig) {
	m.mu.Lock()
	m.defs = cloneDefinitions(defs)
	m.mu.Unlock()
	m.logger.Info("lsp server definitions updated", "languages", len(defs))
}

// Definition returns the server definition for a language.
func (m *Manager) Definition(languageID string) (ServerConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.defs[languageID]
	return cfg, ok
}

// Languages returns the configured language IDs, sorted.
func (m *Manager) Languages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	langs := make([]string, 0, len(m.defs))
	for id := range m.defs {
		langs = append(langs, id)
	}
	sort.Strings(langs)
	return langs
}

// RootFor returns the workspace root for a file in the given language.
func (m *Manager) RootFor(languageID, path string) string {
	cfg, _ := m.Definition(languageID)
	markers := cfg.RootMarkers
	if len(markers) == 0 {
		markers = DefaultRootMarkers
	}
	return DetectRoot(path, markers)
}

// GetOrStart returns the session for languageID in its default root.
func (m *Manager) GetOrStart(ctx context.Context, languageID string) (*Session, error) {
	return m.GetOrStartIn(ctx, languageID, "")
}

// GetOrStartIn returns the Ready or Degraded session for (languageID, root),
// starting it if none exists. Concurrent callers share one startup, which
// runs on the manager's context so one caller giving up does not abort it
// for the rest. A Stopped session is reported with ErrSessionStopped until
// Restart.
func (m *Manager) GetOrStartIn(ctx context.Context, languageID, root string) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSessionStopped
	}
	def, ok := m.defs[languageID]
	if !ok {
		m.mu.Unlock()
		return nil, &ServerError{LanguageID: languageID, Root: root, Err: ErrNoServer}
	}
	if root == "" {
		root = defaultRoot(def)
	}
	key := sessionKey{languageID: languageID, root: root}
	existing := m.sessions[key]
	m.mu.Unlock()

	if existing != nil {
		switch existing.Status() {
		case StatusReady, StatusDegraded:
			return existing, nil
		case StatusShuttingDown, StatusStopped:
			return nil, stoppedError(existing)
		}
	}

	ch := m.starts.DoChan(key.String(), func() (any, error) {
		return m.start(key, def)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := res.Val.(*Session)
		if st := s.Status(); st == StatusStopped || st == StatusShuttingDown {
			return nil, stoppedError(s)
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// start runs inside the singleflight group for key.
func (m *Manager) start(key sessionKey, def ServerConfig) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &ServerError{LanguageID: key.languageID, Root: key.root, Err: ErrSessionStopped}
	}
	if s := m.sessions[key]; s != nil {
		m.mu.Unlock()
		<-s.Ready()
		return s, nil
	}
	cfg := def
	cfg.LanguageID = key.languageID
	cfg.WorkspaceRoot = key.root
	s := newSession(cfg, m.sessionOptions())
	m.sessions[key] = s
	m.mu.Unlock()

	m.logger.Info("lsp starting server", "language", key.languageID, "root", key.root, "command", cfg.Command)

	ctx, cancel := context.WithTimeout(m.ctx, m.startTimeout)
	defer cancel()
	if err := s.start(ctx, m.spawner); err != nil {
		return s, nil
	}

	// Shutdown or Restart may have run while the server was starting.
	m.mu.Lock()
	closed, replaced := m.closed, m.sessions[key] != s
	m.mu.Unlock()
	if closed || replaced {
		m.logger.Info("lsp discarding superseded session", "language", key.languageID, "root", key.root)
		_ = s.Shutdown(context.Background())
		return nil, &ServerError{LanguageID: key.languageID, Root: key.root, Err: ErrSessionStopped}
	}

	m.listenerMu.Lock()
	listeners := append([]func(*Session){}, m.onStarted...)
	m.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
	return s, nil
}

func (m *Manager) sessionOptions() sessionOptions {
	return sessionOptions{
		logger:          m.logger,
		requestTimeout:  m.requestTimeout,
		shutdownTimeout: m.shutdownTimeout,
		recoverDegraded: m.recoverDegraded,
		diagnostics:     m.diagnostics,
		progress:        m.progress,
		onStopped:       m.sessionStopped,
	}
}

func (m *Manager) sessionStopped(s *Session) {
	if m.progress != nil {
		m.progress.DropOwner(s.key())
	}
	m.listenerMu.Lock()
	listeners := append([]func(*Session){}, m.onStopped...)
	m.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func stoppedError(s *Session) error {
	err := ErrSessionStopped
	if cause := s.Err(); cause != nil {
		err = fmt.Errorf("%w: %w", ErrSessionStopped, cause)
	}
	return &ServerError{LanguageID: s.LanguageID(), Root: s.Root(), Err: err}
}

// Session returns the session for (languageID, root) without starting one.
func (m *Manager) Session(languageID, root string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if root == "" {
		root = defaultRoot(m.defs[languageID])
	}
	s, ok := m.sessions[sessionKey{languageID: languageID, root: root}]
	return s, ok
}

// Restart tears down the current session for (languageID, root), if any,
// and starts a fresh one.
func (m *Manager) Restart(ctx context.Context, languageID, root string) (*Session, error) {
	m.mu.Lock()
	if root == "" {
		root = defaultRoot(m.defs[languageID])
	}
	key := sessionKey{languageID: languageID, root: root}
	old := m.sessions[key]
	delete(m.sessions, key)
	// A startup still in flight belongs to the old session.
	m.starts.Forget(key.String())
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("lsp restarting server", "language", languageID, "root", root)
		if err := old.Shutdown(ctx); err != nil {
			m.logger.Warn("lsp shutdown before restart", "language", languageID, "error", err)
		}
	}
	return m.GetOrStartIn(ctx, languageID, root)
}

// Sessions returns a snapshot of every session, sorted by language and root.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].LanguageID != infos[j].LanguageID {
			return infos[i].LanguageID < infos[j].LanguageID
		}
		return infos[i].Root < infos[j].Root
	})
	return infos
}

// Shutdown shuts every session down concurrently. After Shutdown the
// manager starts no new sessions.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Shutdown(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, &ServerError{LanguageID: s.LanguageID(), Root: s.Root(), Err: err})
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	m.cancel()

	m.logger.Info("lsp manager shut down", "sessions", len(sessions))
	return errors.Join(errs...)
}

func defaultRoot(def ServerConfig) string {
	if def.WorkspaceRoot != "" {
		return def.WorkspaceRoot
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return ""
}

func cloneDefinitions(defs map[string]ServerConfig) map[string]ServerConfig {
	out := make(map[string]ServerConfig, len(defs))
	for id, cfg := range defs {
		cfg.LanguageID = id
		out[id] = cfg
	}
	return out
}

// DefaultServerConfigs returns the built-in server definitions.
func DefaultServerConfigs() map[string]ServerConfig {
	tsserver := ServerConfig{
		Command:     "typescript-language-server",
		Args:        []string{"--stdio"},
		RootMarkers: []string{"tsconfig.json", "jsconfig.json", "package.json", ".git"},
	}
	defs := map[string]ServerConfig{
		"go": {
			Command:     "gopls",
			Args:        []string{"serve"},
			RootMarkers: []string{"go.work", "go.mod", ".git"},
		},
		"rust": {
			Command:     "rust-analyzer",
			RootMarkers: []string{"Cargo.toml", ".git"},
		},
		"python": {
			Command:     "pyright-langserver",
			Args:        []string{"--stdio"},
			RootMarkers: []string{"pyproject.toml", "setup.py", "setup.cfg", "requirements.txt", ".git"},
		},
		"typescript":      tsserver,
		"typescriptreact": tsserver,
		"javascript":      tsserver,
		"javascriptreact": tsserver,
	}
	return cloneDefinitions(defs)
}

// DetectRoot walks up from path's directory looking for markers, tried in
// order of priority, and returns the nearest directory holding the first
// marker found. If none is found, the file's directory is returned.
func DetectRoot(path string, markers []string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	start := abs
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		start = filepath.Dir(abs)
	}

	for _, marker := range markers {
		for dir := start; ; {
			if fileExists(filepath.Join(dir, marker)) {
				return dir
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return start
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
