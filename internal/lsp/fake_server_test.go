package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitTimeout bounds every polling wait in the tests.
const waitTimeout = 3 * time.Second

// eventually polls cond until it holds or the wait times out.
func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: "+format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMessage is one message received by the fake server.
type fakeMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// errNoReply makes the fake server swallow a request.
var errNoReply = errors.New("no reply")

type fakeHandler func(params json.RawMessage) (any, error)

// fakeServer is an in-process language server speaking over io.Pipe.
type fakeServer struct {
	cfg       ServerConfig
	transport *Transport
	fromCli   *io.PipeReader
	toCli     *io.PipeWriter

	mu         sync.Mutex
	msgs       []fakeMessage
	handlers   map[string]fakeHandler
	caps       ServerCapabilities
	name       string
	ignoreExit bool

	stopOnce sync.Once
	exited   chan struct{}
}

// fakeProcess is the client's view of a fakeServer.
type fakeProcess struct {
	server *fakeServer
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	pid    int
	killed atomic.Bool
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *fakeProcess) Pid() int              { return p.pid }

func (p *fakeProcess) Wait() error {
	<-p.server.exited
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.server.stop()
	return nil
}

func newFakeServer(cfg ServerConfig, pid int) (*fakeServer, *fakeProcess) {
	cliR, cliW := io.Pipe() // client -> server
	srvR, srvW := io.Pipe() // server -> client

	f := &fakeServer{
		cfg:      cfg,
		fromCli:  cliR,
		toCli:    srvW,
		handlers: make(map[string]fakeHandler),
		caps: ServerCapabilities{
			TextDocumentSync:   int(TextDocumentSyncKindIncremental),
			CompletionProvider: &CompletionOptions{TriggerCharacters: []string{"."}},
			HoverProvider:      true,
			DefinitionProvider: true,
		},
		name:   "fake-" + cfg.LanguageID,
		exited: make(chan struct{}),
	}
	f.transport = NewTransport(cliR, srvW, nil)
	return f, &fakeProcess{server: f, stdin: cliW, stdout: srvR, pid: 1000 + pid}
}

// handle installs a request handler, replacing the default.
func (f *fakeServer) handle(method string, h fakeHandler) {
	f.mu.Lock()
	f.handlers[method] = h
	f.mu.Unlock()
}

func (f *fakeServer) run() {
	defer f.stop()
	for {
		raw, err := f.transport.Receive()
		if err != nil {
			return
		}
		var msg fakeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		f.mu.Lock()
		f.msgs = append(f.msgs, msg)
		ignoreExit := f.ignoreExit
		f.mu.Unlock()

		switch {
		case msg.Method == "exit":
			if !ignoreExit {
				return
			}
		case msg.Method != "" && len(msg.ID) > 0:
			go f.answer(msg)
		}
	}
}

func (f *fakeServer) answer(msg fakeMessage) {
	f.mu.Lock()
	h := f.handlers[msg.Method]
	caps, name := f.caps, f.name
	f.mu.Unlock()

	var (
		result any
		err    error
	)
	switch {
	case h != nil:
		result, err = h(msg.Params)
	case msg.Method == "initialize":
		result = InitializeResult{Capabilities: caps, ServerInfo: &InitializeServerInfo{Name: name}}
	case msg.Method == "shutdown":
		result = nil
	default:
		err = &RPCError{Code: CodeMethodNotFound, Message: "not found"}
	}
	if errors.Is(err, errNoReply) {
		return
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": msg.ID}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	_ = f.transport.Send(resp)
}

// stop simulates the process exiting: both pipes close.
func (f *fakeServer) stop() {
	f.stopOnce.Do(func() {
		_ = f.fromCli.Close()
		_ = f.toCli.Close()
		close(f.exited)
	})
}

func (f *fakeServer) notify(t *testing.T, method string, params any) {
	t.Helper()
	if err := f.transport.Send(map[string]any{"jsonrpc": "2.0", "method": method, "params": params}); err != nil {
		t.Fatalf("fake server notify %s: %v", method, err)
	}
}

func (f *fakeServer) request(t *testing.T, id any, method string, params any) {
	t.Helper()
	if err := f.transport.Send(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}); err != nil {
		t.Fatalf("fake server request %s: %v", method, err)
	}
}

// received returns the messages with the given method, in arrival order.
func (f *fakeServer) received(method string) []fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeMessage
	for _, m := range f.msgs {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// methods returns the methods of all received messages, in arrival order.
func (f *fakeServer) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.Method)
	}
	return out
}

func (f *fakeServer) waitFor(t *testing.T, method string, n int) []fakeMessage {
	t.Helper()
	eventually(t, func() bool { return len(f.received(method)) >= n }, "%d x %s", n, method)
	return f.received(method)
}

// responseTo waits for the client's response to a server request.
func (f *fakeServer) responseTo(t *testing.T, rawID string) fakeMessage {
	t.Helper()
	var found fakeMessage
	eventually(t, func() bool {
		for _, m := range f.received("") {
			if string(m.ID) == rawID {
				found = m
				return true
			}
		}
		return false
	}, "response to %s", rawID)
	return found
}

// fakeFleet is a Spawner that starts fake servers.
type fakeFleet struct {
	setup func(*fakeServer)
	fail  error
	gate  chan struct{}

	spawns atomic.Int32

	mu      sync.Mutex
	servers []*fakeServer
	procs   []*fakeProcess
}

func (fl *fakeFleet) spawn(ctx context.Context, cfg ServerConfig, _ *slog.Logger) (Process, error) {
	n := fl.spawns.Add(1)
	if fl.gate != nil {
		select {
		case <-fl.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fl.fail != nil {
		return nil, fl.fail
	}
	f, proc := newFakeServer(cfg, int(n))
	if fl.setup != nil {
		fl.setup(f)
	}
	fl.mu.Lock()
	fl.servers = append(fl.servers, f)
	fl.procs = append(fl.procs, proc)
	fl.mu.Unlock()
	go f.run()
	return proc, nil
}

// server waits for the i-th spawned server.
func (fl *fakeFleet) server(t *testing.T, i int) *fakeServer {
	t.Helper()
	var f *fakeServer
	eventually(t, func() bool {
		fl.mu.Lock()
		defer fl.mu.Unlock()
		if len(fl.servers) > i {
			f = fl.servers[i]
			return true
		}
		return false
	}, "server %d to spawn", i)
	return f
}

func (fl *fakeFleet) process(i int) *fakeProcess {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.procs[i]
}

// testManager returns a manager whose "go" and "rust" servers are fakes
// rooted in a temp dir.
func testManager(t *testing.T, fl *fakeFleet, opts ...ManagerOption) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example.com/x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	base := []ManagerOption{
		WithDefinitions(map[string]ServerConfig{
			"go":   {Command: "gopls", WorkspaceRoot: root, RootMarkers: []string{"go.mod"}},
			"rust": {Command: "rust-analyzer", WorkspaceRoot: root, RootMarkers: []string{"go.mod"}},
		}),
		WithSpawner(fl.spawn),
		WithLogger(discardLogger()),
		WithRequestTimeout(2 * time.Second),
		WithStartTimeout(2 * time.Second),
		WithShutdownTimeout(200 * time.Millisecond),
	}
	m := NewManager(append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, root
}
