package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

// mockPeer is the server end of a client under test.
type mockPeer struct {
	transport *Transport
	out       *io.PipeWriter
	in        chan json.RawMessage
}

// newClientPair connects a started client to a mockPeer over io.Pipe.
func newClientPair(t *testing.T, opts ...ClientOption) (*Client, *mockPeer) {
	t.Helper()
	cliR, cliW := io.Pipe() // client -> peer
	srvR, srvW := io.Pipe() // peer -> client

	clientTransport := NewTransport(srvR, cliW, closerFunc(func() error {
		_ = cliW.Close()
		return srvR.Close()
	}))
	opts = append([]ClientOption{WithClientLogger(discardLogger())}, opts...)
	c := NewClient(clientTransport, opts...)
	c.Start()

	peer := &mockPeer{
		transport: NewTransport(cliR, srvW, nil),
		out:       srvW,
		in:        make(chan json.RawMessage, 64),
	}
	go func() {
		defer close(peer.in)
		for {
			msg, err := peer.transport.Receive()
			if err != nil {
				return
			}
			peer.in <- msg
		}
	}()

	t.Cleanup(func() {
		_ = c.Close()
		_ = srvW.Close()
		_ = cliR.Close()
	})
	return c, peer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// next returns the next message the client sent.
func (p *mockPeer) next(t *testing.T) gjson.Result {
	t.Helper()
	select {
	case msg, ok := <-p.in:
		if !ok {
			t.Fatal("client stream closed")
		}
		return gjson.ParseBytes(msg)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for client message")
	}
	return gjson.Result{}
}

func (p *mockPeer) send(t *testing.T, msg any) {
	t.Helper()
	if err := p.transport.Send(msg); err != nil {
		t.Fatalf("peer send: %v", err)
	}
}

func (p *mockPeer) reply(t *testing.T, id int64, result any) {
	t.Helper()
	p.send(t, map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func TestClient_RequestResponse(t *testing.T) {
	c, peer := newClientPair(t)
	ctx := context.Background()

	call, err := c.Request(ctx, "textDocument/hover", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	msg := peer.next(t)
	if msg.Get("method").String() != "textDocument/hover" {
		t.Errorf("method = %s, want textDocument/hover", msg.Get("method"))
	}
	if msg.Get("id").Int() != call.ID() {
		t.Errorf("id = %d, want %d", msg.Get("id").Int(), call.ID())
	}
	if msg.Get("jsonrpc").String() != "2.0" {
		t.Errorf("jsonrpc = %s, want 2.0", msg.Get("jsonrpc"))
	}

	peer.reply(t, call.ID(), map[string]string{"contents": "doc"})
	raw, err := call.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := gjson.GetBytes(raw, "contents").String(); got != "doc" {
		t.Errorf("contents = %q, want doc", got)
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", c.PendingCount())
	}
}

func TestClient_CallDecodesResult(t *testing.T) {
	c, peer := newClientPair(t)

	go func() {
		raw, ok := <-peer.in
		if !ok {
			return
		}
		id := gjson.GetBytes(raw, "id").Int()
		_ = peer.transport.Send(map[string]any{"jsonrpc": "2.0", "id": id, "result": Position{Line: 3, Character: 7}})
	}()

	var pos Position
	if err := c.Call(context.Background(), "x/position", nil, &pos); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if pos != (Position{Line: 3, Character: 7}) {
		t.Errorf("pos = %+v", pos)
	}
}

func TestClient_RPCError(t *testing.T) {
	c, peer := newClientPair(t)
	ctx := context.Background()

	call, err := c.Request(ctx, "textDocument/definition", nil)
	if err != nil {
		t.Fatal(err)
	}
	peer.next(t)
	peer.send(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      call.ID(),
		"error":   map[string]any{"code": CodeContentModified, "message": "content modified"},
	})

	_, err = call.Wait(ctx)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Wait = %v, want *RPCError", err)
	}
	if rpcErr.Code != CodeContentModified {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeContentModified)
	}
	if !IsRetryable(err) {
		t.Error("ContentModified should be retryable")
	}
}

func TestClient_ResponsesOutOfOrder(t *testing.T) {
	c, peer := newClientPair(t)
	ctx := context.Background()

	first, _ := c.Request(ctx, "a", nil)
	second, _ := c.Request(ctx, "b", nil)
	peer.next(t)
	peer.next(t)

	peer.reply(t, second.ID(), "second")
	peer.reply(t, first.ID(), "first")

	for call, want := range map[*PendingCall]string{first: `"first"`, second: `"second"`} {
		raw, err := call.Wait(ctx)
		if err != nil {
			t.Fatalf("%s: %v", call.Method(), err)
		}
		if string(raw) != want {
			t.Errorf("%s result = %s, want %s", call.Method(), raw, want)
		}
	}
	if first.ID() >= second.ID() {
		t.Errorf("ids not increasing: %d, %d", first.ID(), second.ID())
	}
}

func TestClient_NullResult(t *testing.T) {
	c, peer := newClientPair(t)
	ctx := context.Background()

	call, _ := c.Request(ctx, "shutdown", nil)
	peer.next(t)
	peer.send(t, map[string]any{"jsonrpc": "2.0", "id": call.ID(), "result": nil})

	raw, err := call.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(raw) != "null" {
		t.Errorf("result = %s, want null", raw)
	}
}

func TestClient_UnknownResponseDropped(t *testing.T) {
	c, peer := newClientPair(t)
	ctx := context.Background()

	peer.reply(t, 999, "stray")

	call, _ := c.Request(ctx, "a", nil)
	peer.next(t)
	peer.reply(t, call.ID(), 1)
	if _, err := call.Wait(ctx); err != nil {
		t.Fatalf("Wait after stray response: %v", err)
	}
}

func TestClient_NotificationHandlersInOrder(t *testing.T) {
	c, peer := newClientPair(t)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	record := func(name string) NotificationHandler {
		return func(method string, params json.RawMessage) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if name == "*" {
				close(done)
			}
		}
	}
	c.OnNotification(wildcardMethod, record("*"))
	c.OnNotification("window/logMessage", record("first"))
	c.OnNotification("window/logMessage", record("second"))
	c.OnNotification("window/showMessage", record("other"))

	peer.send(t, map[string]any{"jsonrpc": "2.0", "method": "window/logMessage", "params": map[string]any{"type": 3, "message": "hi"}})

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("handlers not called")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "*"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestClient_NotificationPanicRecovered(t *testing.T) {
	c, peer := newClientPair(t)

	c.OnNotification("boom", func(string, json.RawMessage) { panic("bad handler") })
	got := make(chan struct{})
	c.OnNotification("after", func(string, json.RawMessage) { close(got) })

	peer.send(t, map[string]any{"jsonrpc": "2.0", "method": "boom"})
	peer.send(t, map[string]any{"jsonrpc": "2.0", "method": "after"})

	select {
	case <-got:
	case <-time.After(waitTimeout):
		t.Fatal("receive loop died after handler panic")
	}
}

func TestClient_ServerRequestEchoesStringID(t *testing.T) {
	c, peer := newClientPair(t)

	c.OnRequest("workspace/configuration", func(ctx context.Context, params json.RawMessage) (any, error) {
		if gjson.GetBytes(params, "items.0.section").String() != "gopls" {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "bad section"}
		}
		return []any{map[string]bool{"staticcheck": true}}, nil
	})

	peer.send(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      "abc",
		"method":  "workspace/configuration",
		"params":  map[string]any{"items": []any{map[string]string{"section": "gopls"}}},
	})

	resp := peer.next(t)
	if resp.Get("id").Raw != `"abc"` {
		t.Errorf("id = %s, want \"abc\"", resp.Get("id").Raw)
	}
	if !resp.Get("result.0.staticcheck").Bool() {
		t.Errorf("result = %s", resp.Get("result").Raw)
	}
	if resp.Get("error").Exists() {
		t.Errorf("unexpected error: %s", resp.Get("error").Raw)
	}
}

func TestClient_ServerRequestWithoutHandler(t *testing.T) {
	_, peer := newClientPair(t)

	peer.send(t, map[string]any{"jsonrpc": "2.0", "id": 7, "method": "workspace/applyEdit", "params": map[string]any{}})

	resp := peer.next(t)
	if resp.Get("id").Int() != 7 {
		t.Errorf("id = %s, want 7", resp.Get("id").Raw)
	}
	if code := resp.Get("error.code").Int(); code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", code, CodeMethodNotFound)
	}
}

func TestClient_ServerRequestHandlerError(t *testing.T) {
	c, peer := newClientPair(t)
	c.OnRequest("x/fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("nope")
	})

	peer.send(t, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "x/fail"})

	resp := peer.next(t)
	if code := resp.Get("error.code").Int(); code != CodeInternalError {
		t.Errorf("error code = %d, want %d", code, CodeInternalError)
	}
}

func TestClient_Timeout(t *testing.T) {
	timedOut := make(chan string, 1)
	c, peer := newClientPair(t,
		WithCallTimeout(30*time.Millisecond),
		WithTimeoutHook(func(method string, id int64) { timedOut <- method }),
	)
	ctx := context.Background()

	call, err := c.Request(ctx, "textDocument/hover", nil)
	if err != nil {
		t.Fatal(err)
	}
	peer.next(t)

	if _, err := call.Wait(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait = %v, want ErrTimeout", err)
	}
	cancel := peer.next(t)
	if cancel.Get("method").String() != "$/cancelRequest" {
		t.Errorf("method = %s, want $/cancelRequest", cancel.Get("method"))
	}
	if cancel.Get("params.id").Int() != call.ID() {
		t.Errorf("cancelled id = %d, want %d", cancel.Get("params.id").Int(), call.ID())
	}
	select {
	case m := <-timedOut:
		if m != "textDocument/hover" {
			t.Errorf("hook method = %s", m)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timeout hook not called")
	}

	// A late response is dropped.
	peer.reply(t, call.ID(), "late")
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", c.PendingCount())
	}
}

func TestClient_WaitContextCancelSendsCancelRequest(t *testing.T) {
	c, peer := newClientPair(t)

	call, err := c.Request(context.Background(), "textDocument/completion", nil)
	if err != nil {
		t.Fatal(err)
	}
	peer.next(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := call.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait = %v, want ErrCancelled", err)
	}

	msg := peer.next(t)
	if msg.Get("method").String() != "$/cancelRequest" || msg.Get("params.id").Int() != call.ID() {
		t.Errorf("got %s, want $/cancelRequest for %d", msg.Raw, call.ID())
	}
	if IsRetryable(ErrCancelled) {
		t.Error("ErrCancelled must not be retryable")
	}
}

func TestClient_CancelDocument(t *testing.T) {
	c, peer := newClientPair(t)
	ctx := context.Background()
	uri := DocumentURI("file:///tmp/a.go")

	tagged, _ := c.Request(ctx, "textDocument/hover", nil, ForDocument(uri))
	other, _ := c.Request(ctx, "workspace/symbol", nil)
	peer.next(t)
	peer.next(t)

	if n := c.CancelDocument(uri); n != 1 {
		t.Fatalf("CancelDocument = %d, want 1", n)
	}
	if _, err := tagged.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Errorf("tagged Wait = %v, want ErrCancelled", err)
	}
	if c.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", c.PendingCount())
	}

	peer.next(t) // $/cancelRequest
	peer.reply(t, other.ID(), "ok")
	if _, err := other.Wait(ctx); err != nil {
		t.Errorf("other Wait = %v", err)
	}
}

func TestClient_StreamCloseCancelsPending(t *testing.T) {
	closed := make(chan error, 1)
	c, peer := newClientPair(t, WithCloseHook(func(cause error) { closed <- cause }))
	ctx := context.Background()

	var calls []*PendingCall
	for range 3 {
		call, err := c.Request(ctx, "x", nil)
		if err != nil {
			t.Fatal(err)
		}
		peer.next(t)
		calls = append(calls, call)
	}

	_ = peer.out.Close()

	for _, call := range calls {
		if _, err := call.Wait(ctx); !errors.Is(err, ErrCancelled) {
			t.Errorf("Wait = %v, want ErrCancelled", err)
		}
	}
	select {
	case cause := <-closed:
		if !errors.Is(cause, ErrTransportClosed) {
			t.Errorf("close cause = %v, want ErrTransportClosed", cause)
		}
	case <-time.After(waitTimeout):
		t.Fatal("close hook not called")
	}
	if !errors.Is(c.Err(), ErrTransportClosed) {
		t.Errorf("Err = %v, want ErrTransportClosed", c.Err())
	}
	if _, err := c.Request(ctx, "x", nil); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Request after close = %v, want ErrTransportClosed", err)
	}
}

func TestClient_MalformedFrameTearsDown(t *testing.T) {
	c, peer := newClientPair(t)
	ctx := context.Background()

	call, _ := c.Request(ctx, "x", nil)
	peer.next(t)

	if _, err := io.WriteString(peer.out, "Content-Length: nope\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	if _, err := call.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Errorf("Wait = %v, want ErrCancelled", err)
	}
	<-c.Done()
	if !errors.Is(c.Err(), ErrMalformedFrame) {
		t.Errorf("Err = %v, want ErrMalformedFrame", c.Err())
	}
}

func TestClient_CloseIsLocal(t *testing.T) {
	c, _ := newClientPair(t)
	_ = c.Close()
	<-c.Done()
	if c.Err() != nil {
		t.Errorf("Err after local Close = %v, want nil", c.Err())
	}
}
