package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientName and ClientVersion identify the editor in initialize.
var (
	ClientName    = "texty"
	ClientVersion = "dev"
)

// ServerConfig describes how to launch a language server.
// A session is keyed by (LanguageID, WorkspaceRoot).
type ServerConfig struct {
	LanguageID    string
	Command       string
	Args          []string
	WorkspaceRoot string
	Env           map[string]string

	// RootMarkers are file names that identify a workspace root.
	RootMarkers []string

	// InitializationOptions are sent verbatim in initialize.
	InitializationOptions any

	// Settings answer workspace/configuration requests, looked up by
	// dotted section name.
	Settings map[string]any
}

// Status is the lifecycle state of a session.
type Status int

const (
	StatusStarting Status = iota
	StatusInitializing
	StatusReady
	StatusDegraded
	StatusShuttingDown
	StatusStopped
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusDegraded:
		return "degraded"
	case StatusShuttingDown:
		return "shutting down"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// canTransition reports whether a session may move from one status to
// another. Status only moves forward, except Ready and Degraded which
// alternate. Stopped is terminal.
func canTransition(from, to Status) bool {
	switch {
	case from == StatusStopped:
		return false
	case to == StatusStopped:
		return true
	case to == StatusShuttingDown:
		return from != StatusShuttingDown
	case to == StatusInitializing:
		return from == StatusStarting
	case to == StatusReady:
		return from == StatusInitializing || from == StatusDegraded
	case to == StatusDegraded:
		return from == StatusReady
	}
	return false
}

// SessionInfo is a point-in-time view of a session for status display.
type SessionInfo struct {
	LanguageID string
	Root       string
	Status     Status
	PID        int
	ServerName string
	LastError  error
}

// sessionOptions are the manager-supplied settings for a session.
type sessionOptions struct {
	logger          *slog.Logger
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	recoverDegraded bool
	diagnostics     *DiagnosticsStore
	progress        *ProgressTracker
	onStopped       func(*Session)
}

// Session is one running language server for a (language, root) pair.
// It owns the server process and the client speaking to it.
type Session struct {
	config ServerConfig
	opts   sessionOptions
	logger *slog.Logger

	proc   Process
	client *Client

	mu            sync.RWMutex
	status        Status
	fatal         bool
	capabilities  *ServerCapabilities
	serverInfo    *InitializeServerInfo
	lastErr       error
	workDoneToken string

	readyOnce sync.Once
	ready     chan struct{}
	stopOnce  sync.Once
	stopped   chan struct{}
	shutOnce  sync.Once
	shutErr   error
}

func newSession(cfg ServerConfig, opts sessionOptions) *Session {
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	return &Session{
		config:  cfg,
		opts:    opts,
		logger:  opts.logger.With("language", cfg.LanguageID, "root", cfg.WorkspaceRoot),
		status:  StatusStarting,
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// start spawns the process and performs the initialize handshake. On
// failure the session is Stopped and the process reaped.
func (s *Session) start(ctx context.Context, spawn Spawner) error {
	proc, err := spawn(ctx, s.config, s.logger)
	if err != nil {
		s.finish(err)
		return err
	}

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	transport := NewTransport(proc.Stdout(), proc.Stdin(), pipeCloser{proc: proc})
	client := NewClient(transport,
		WithClientLogger(s.logger),
		WithCallTimeout(s.opts.requestTimeout),
		WithLanguage(s.config.LanguageID),
		WithTimeoutHook(s.onRequestTimeout),
		WithCloseHook(s.onClientClosed),
		WithInboundHook(s.onInbound),
	)
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.installHandlers(client)
	client.Start()

	if err := s.initialize(ctx); err != nil {
		s.logger.Error("lsp initialize failed", "error", err)
		s.kill(err)
		return err
	}
	s.logger.Info("lsp server ready", "server", s.ServerName(), "pid", proc.Pid())
	return nil
}

func (s *Session) initialize(ctx context.Context) error {
	if !s.transition(StatusInitializing) {
		return ErrSessionStopped
	}

	root := s.config.WorkspaceRoot
	rootURI := FilePathToURI(root)
	token := uuid.NewString()

	s.mu.Lock()
	s.workDoneToken = token
	s.mu.Unlock()

	params := InitializeParams{
		ProcessID:             os.Getpid(),
		ClientInfo:            &ClientInfo{Name: ClientName, Version: ClientVersion},
		RootURI:               rootURI,
		RootPath:              root,
		Capabilities:          DefaultClientCapabilities(),
		InitializationOptions: s.config.InitializationOptions,
		WorkspaceFolders:      s.workspaceFolders(),
		WorkDoneToken:         token,
	}

	// The start timeout on ctx bounds the handshake, not the request timeout.
	var result InitializeResult
	if err := s.client.Call(ctx, "initialize", params, &result, WithoutTimeout()); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("initialize: %w", ErrTimeout)
		}
		return fmt.Errorf("initialize: %w", err)
	}

	s.mu.Lock()
	s.capabilities = &result.Capabilities
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()

	if err := s.client.Notify(ctx, "initialized", InitializedParams{}); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}
	if !s.transition(StatusReady) {
		return ErrSessionStopped
	}
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

func (s *Session) workspaceFolders() []WorkspaceFolder {
	if s.config.WorkspaceRoot == "" {
		return nil
	}
	return []WorkspaceFolder{{
		URI:  FilePathToURI(s.config.WorkspaceRoot),
		Name: filepath.Base(s.config.WorkspaceRoot),
	}}
}

// transition moves the session to status to when allowed.
func (s *Session) transition(to Status) bool {
	s.mu.Lock()
	from := s.status
	ok := canTransition(from, to)
	if ok {
		s.status = to
	}
	s.mu.Unlock()
	if ok && from != to {
		s.logger.Debug("lsp session status", "from", from, "to", to)
	}
	return ok
}

// degrade flips a Ready session to Degraded.
func (s *Session) degrade(reason string, recoverable bool) {
	s.mu.Lock()
	if s.status != StatusReady {
		s.mu.Unlock()
		return
	}
	s.status = StatusDegraded
	// A fatal report is only cleared by a restart.
	s.fatal = !recoverable
	s.mu.Unlock()
	s.logger.Warn("lsp session degraded", "reason", reason)
}

func (s *Session) onRequestTimeout(method string, id int64) {
	s.degrade(fmt.Sprintf("request %s (id %d) timed out", method, id), true)
}

// onInbound recovers a session degraded by a timeout once the server
// shows signs of life.
func (s *Session) onInbound() {
	if !s.opts.recoverDegraded {
		return
	}
	s.mu.Lock()
	recovered := s.status == StatusDegraded && !s.fatal
	if recovered {
		s.status = StatusReady
	}
	s.mu.Unlock()
	if recovered {
		s.logger.Info("lsp session recovered")
	}
}

// onClientClosed handles the server's stream ending outside of Shutdown.
func (s *Session) onClientClosed(cause error) {
	// A nil cause is a local Close, which only kill and shutdown issue.
	if cause == nil || s.Status() == StatusShuttingDown {
		return
	}
	go s.kill(cause)
}

// kill terminates the process without the shutdown handshake.
func (s *Session) kill(cause error) {
	s.mu.RLock()
	proc, client := s.proc, s.client
	s.mu.RUnlock()
	if client != nil {
		_ = client.Close()
	}
	if proc != nil {
		if err := proc.Kill(); err != nil {
			s.logger.Debug("kill server", "error", err)
		}
		_ = proc.Wait()
	}
	s.finish(cause)
}

// finish marks the session Stopped. Only the first call has any effect.
func (s *Session) finish(cause error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.status = StatusStopped
		if cause != nil {
			s.lastErr = cause
		}
		s.mu.Unlock()

		if cause != nil {
			s.logger.Warn("lsp session stopped", "error", cause)
		} else {
			s.logger.Info("lsp session stopped")
		}
		s.readyOnce.Do(func() { close(s.ready) })
		close(s.stopped)
		if s.opts.onStopped != nil {
			s.opts.onStopped(s)
		}
	})
}

// Shutdown performs the shutdown request, exit notification and process
// reap, killing the process if it does not exit within the shutdown timeout.
func (s *Session) Shutdown(ctx context.Context) error {
	s.shutOnce.Do(func() {
		s.shutErr = s.shutdown(ctx)
	})
	<-s.stopped
	return s.shutErr
}

func (s *Session) shutdown(ctx context.Context) error {
	if !s.transition(StatusShuttingDown) {
		return nil
	}
	s.logger.Info("lsp session shutting down")

	grace := s.opts.shutdownTimeout
	if grace <= 0 {
		grace = 2 * time.Second
	}

	s.mu.RLock()
	proc, client, initialized := s.proc, s.client, s.capabilities != nil
	s.mu.RUnlock()

	var errs []error
	if client != nil && initialized && client.Err() == nil {
		sctx, cancel := context.WithTimeout(ctx, grace)
		if err := client.Call(sctx, "shutdown", nil, nil); err != nil {
			errs = append(errs, fmt.Errorf("shutdown request: %w", err))
		}
		if err := client.Notify(sctx, "exit", nil); err != nil {
			s.logger.Debug("send exit", "error", err)
		}
		cancel()
	}

	if proc != nil {
		if err := waitExit(proc, grace); err != nil {
			s.logger.Debug("server exit", "error", err)
		}
	}
	if client != nil {
		_ = client.Close()
	}
	s.finish(nil)
	return errors.Join(errs...)
}

// Request issues a request on a Ready session. Degraded sessions reject
// requests locally with ErrDegraded.
func (s *Session) Request(ctx context.Context, method string, params any, opts ...CallOption) (*PendingCall, error) {
	if err := s.checkRequest(); err != nil {
		return nil, err
	}
	return s.client.Request(ctx, method, params, opts...)
}

// Call issues a request and decodes its result.
func (s *Session) Call(ctx context.Context, method string, params, result any, opts ...CallOption) error {
	if err := s.checkRequest(); err != nil {
		return err
	}
	return s.client.Call(ctx, method, params, result, opts...)
}

// Notify sends a notification. Degraded sessions still accept
// notifications so document state stays in step with the server.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	switch s.Status() {
	case StatusReady, StatusDegraded:
		return s.client.Notify(ctx, method, params)
	case StatusShuttingDown, StatusStopped:
		return ErrSessionStopped
	default:
		return ErrNotReady
	}
}

func (s *Session) checkRequest() error {
	switch s.Status() {
	case StatusReady:
		return nil
	case StatusDegraded:
		return ErrDegraded
	case StatusShuttingDown, StatusStopped:
		return ErrSessionStopped
	default:
		return ErrNotReady
	}
}

// CancelDocument cancels the pending requests tagged with uri.
func (s *Session) CancelDocument(uri DocumentURI) int {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return 0
	}
	return client.CancelDocument(uri)
}

// Config returns the session's server configuration.
func (s *Session) Config() ServerConfig { return s.config }

// LanguageID returns the session's language.
func (s *Session) LanguageID() string { return s.config.LanguageID }

// Root returns the session's workspace root.
func (s *Session) Root() string { return s.config.WorkspaceRoot }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Ready is closed once the session is Ready or has Stopped.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Stopped is closed once the session has Stopped.
func (s *Session) Stopped() <-chan struct{} { return s.stopped }

// Err returns the error that stopped the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Capabilities returns the server capabilities. ok is false before
// initialize has completed.
func (s *Session) Capabilities() (caps ServerCapabilities, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.capabilities == nil {
		return ServerCapabilities{}, false
	}
	return *s.capabilities, true
}

// TriggerCharacters returns the server's completion trigger characters.
func (s *Session) TriggerCharacters() []string {
	caps, ok := s.Capabilities()
	if !ok || caps.CompletionProvider == nil {
		return nil
	}
	return caps.CompletionProvider.TriggerCharacters
}

// SyncKind returns how the server wants document changes.
func (s *Session) SyncKind() TextDocumentSyncKind {
	caps, _ := s.Capabilities()
	return GetTextDocumentSyncKind(caps)
}

// WorkDoneToken returns the token sent with initialize.
func (s *Session) WorkDoneToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workDoneToken
}

// ServerName returns the name the server reported, or its command.
func (s *Session) ServerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.serverInfo != nil && s.serverInfo.Name != "" {
		return s.serverInfo.Name
	}
	return filepath.Base(s.config.Command)
}

// Info returns a snapshot for status display.
func (s *Session) Info() SessionInfo {
	name := s.ServerName()
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := SessionInfo{
		LanguageID: s.config.LanguageID,
		Root:       s.config.WorkspaceRoot,
		Status:     s.status,
		ServerName: name,
		LastError:  s.lastErr,
	}
	if s.proc != nil {
		info.PID = s.proc.Pid()
	}
	return info
}

// key identifies the session among its manager's sessions and as a
// progress owner.
func (s *Session) key() string {
	return s.config.LanguageID + "@" + s.config.WorkspaceRoot
}

// installHandlers registers the built-in notification and request handlers.
func (s *Session) installHandlers(c *Client) {
	c.OnNotification("textDocument/publishDiagnostics", func(_ string, params json.RawMessage) {
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			s.logger.Warn("decode publishDiagnostics", "error", err)
			return
		}
		if s.opts.diagnostics != nil {
			s.opts.diagnostics.OnPublish(p.URI, p.Diagnostics)
		}
	})

	c.OnNotification("$/progress", func(_ string, params json.RawMessage) {
		var p ProgressParams
		if err := json.Unmarshal(params, &p); err != nil {
			s.logger.Warn("decode $/progress", "error", err)
			return
		}
		var v WorkDoneProgressValue
		if err := json.Unmarshal(p.Value, &v); err != nil {
			s.logger.Debug("ignore non-work-done progress", "error", err)
			return
		}
		if s.opts.progress != nil {
			s.opts.progress.OnProgress(s.progressOwner(), tokenString(p.Token), v)
		}
	})

	c.OnNotification("window/logMessage", func(_ string, params json.RawMessage) {
		var p ShowMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		s.logger.Log(context.Background(), messageLevel(p.Type), p.Message, "source", "logMessage")
	})

	c.OnNotification("window/showMessage", func(_ string, params json.RawMessage) {
		var p ShowMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		s.logger.Log(context.Background(), messageLevel(p.Type), p.Message, "source", "showMessage")
		if p.Type == MessageTypeError {
			s.degrade("process reported a fatal error: "+p.Message, false)
		}
	})

	c.OnRequest("workspace/configuration", func(_ context.Context, params json.RawMessage) (any, error) {
		var p ConfigurationParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		out := make([]any, len(p.Items))
		for i, item := range p.Items {
			out[i] = lookupSection(s.config.Settings, item.Section)
		}
		return out, nil
	})

	c.OnRequest("workspace/workspaceFolders", func(context.Context, json.RawMessage) (any, error) {
		return s.workspaceFolders(), nil
	})

	c.OnRequest("window/workDoneProgress/create", func(_ context.Context, params json.RawMessage) (any, error) {
		var p WorkDoneProgressCreateParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		if s.opts.progress != nil {
			s.opts.progress.Create(s.progressOwner(), tokenString(p.Token))
		}
		return nil, nil
	})

	ack := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	c.OnRequest("client/registerCapability", ack)
	c.OnRequest("client/unregisterCapability", ack)

	c.OnRequest("window/showMessageRequest", func(_ context.Context, params json.RawMessage) (any, error) {
		var p ShowMessageParams
		if err := json.Unmarshal(params, &p); err == nil {
			s.logger.Log(context.Background(), messageLevel(p.Type), p.Message, "source", "showMessageRequest")
		}
		return nil, nil
	})
}

func (s *Session) progressOwner() ProgressOwner {
	return ProgressOwner{ID: s.key(), Name: s.ServerName()}
}

// tokenString renders a progress token, which may be a string or integer.
func tokenString(raw json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return string(raw)
}

func messageLevel(t MessageType) slog.Level {
	switch t {
	case MessageTypeError:
		return slog.LevelError
	case MessageTypeWarning:
		return slog.LevelWarn
	case MessageTypeInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// lookupSection resolves a dotted section name in nested settings maps.
// An empty section returns all settings; a missing one returns nil.
func lookupSection(settings map[string]any, section string) any {
	if section == "" {
		if settings == nil {
			return nil
		}
		return settings
	}
	if v, ok := settings[section]; ok {
		return v
	}
	var cur any = settings
	for _, part := range strings.Split(section, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[part]; !ok {
			return nil
		}
	}
	return cur
}
