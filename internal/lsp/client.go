package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// NotificationHandler handles a server notification. Handlers run on the
// receive loop, in registration order, and must not block on the same client.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers a server-to-client request. The returned value is
// marshalled as the response result; an *RPCError is sent back verbatim and
// any other error becomes an InternalError response.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// wildcardMethod registers a notification handler for every method.
const wildcardMethod = "*"

// Client speaks JSON-RPC 2.0 over a Transport. It owns the pending-request
// table and the single receive loop that resolves responses and dispatches
// notifications and server requests.
type Client struct {
	transport  *Transport
	logger     *slog.Logger
	languageID string
	timeout    time.Duration

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*PendingCall
	closed  bool

	handlerMu       sync.RWMutex
	notifyHandlers  map[string][]NotificationHandler
	requestHandlers map[string]RequestHandler

	onTimeout func(method string, id int64)
	onClose   func(cause error)
	onInbound func()

	ctx       context.Context
	cancel    context.CancelFunc
	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger used for protocol events.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCallTimeout bounds how long a request may wait for its response.
// Zero disables the timeout.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLanguage labels the client's telemetry with a language ID.
func WithLanguage(languageID string) ClientOption {
	return func(c *Client) {
		c.languageID = languageID
	}
}

// WithTimeoutHook is called after a request is resolved with ErrTimeout.
func WithTimeoutHook(fn func(method string, id int64)) ClientOption {
	return func(c *Client) {
		c.onTimeout = fn
	}
}

// WithCloseHook is called once when the client tears down. cause is nil
// when Close was called locally.
func WithCloseHook(fn func(cause error)) ClientOption {
	return func(c *Client) {
		c.onClose = fn
	}
}

// WithInboundHook is called for every well-formed inbound message before it
// is dispatched.
func WithInboundHook(fn func()) ClientOption {
	return func(c *Client) {
		c.onInbound = fn
	}
}

// NewClient creates a client over t. Call Start to begin receiving.
func NewClient(t *Transport, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:       t,
		logger:          slog.Default(),
		pending:         make(map[int64]*PendingCall),
		notifyHandlers:  make(map[string][]NotificationHandler),
		requestHandlers: make(map[string]RequestHandler),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the receive loop. It is a no-op after the first call.
func (c *Client) Start() {
	if c.started.Swap(true) {
		return
	}
	go c.receiveLoop()
}

// Done is closed when the client has torn down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the client tore down. It is nil while the client is
// running and after a local Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// OnNotification appends a handler for method. Use "*" to observe every
// notification after the method-specific handlers.
func (c *Client) OnNotification(method string, h NotificationHandler) {
	c.handlerMu.Lock()
	c.notifyHandlers[method] = append(c.notifyHandlers[method], h)
	c.handlerMu.Unlock()
}

// OnRequest sets the handler for a server-to-client request method,
// replacing any previous one.
func (c *Client) OnRequest(method string, h RequestHandler) {
	c.handlerMu.Lock()
	c.requestHandlers[method] = h
	c.handlerMu.Unlock()
}

// Request sends a request and returns a handle for its response.
func (c *Client) Request(ctx context.Context, method string, params any, opts ...CallOption) (*PendingCall, error) {
	id := c.nextID.Add(1)
	call := &PendingCall{
		id:      id,
		method:  method,
		client:  c,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(call)
	}

	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	_, call.span = startRequestSpan(ctx, c.languageID, method, id)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		call.resolve(nil, ErrTransportClosed)
		return nil, ErrTransportClosed
	}
	c.pending[id] = call
	if c.timeout > 0 && !call.untimed {
		call.timer = time.AfterFunc(c.timeout, func() { c.expire(call) })
	}
	c.mu.Unlock()

	c.logger.Debug("lsp request", "method", method, "id", id)
	if err := c.transport.SendRaw(body); err != nil {
		c.remove(call)
		call.resolve(nil, err)
		return nil, err
	}
	return call, nil
}

// Call sends a request, waits for the response and decodes it into result.
// A nil result discards the response body.
func (c *Client) Call(ctx context.Context, method string, params, result any, opts ...CallOption) error {
	call, err := c.Request(ctx, method, params, opts...)
	if err != nil {
		return err
	}
	raw, err := call.Wait(ctx)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, method, err)
	}
	return nil
}

// Notify sends a notification. It does not wait for the server.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = params
	}
	c.logger.Debug("lsp notify", "method", method)
	return c.transport.Send(msg)
}

// CancelDocument resolves every pending request tagged with uri with
// ErrCancelled and returns how many were cancelled.
func (c *Client) CancelDocument(uri DocumentURI) int {
	c.mu.Lock()
	var calls []*PendingCall
	for id, call := range c.pending {
		if call.doc == uri {
			calls = append(calls, call)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, call := range calls {
		call.resolve(nil, ErrCancelled)
		c.sendCancel(call.id)
	}
	return len(calls)
}

// PendingCount returns the number of requests awaiting a response.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close tears the client down, cancelling every pending request.
func (c *Client) Close() error {
	c.teardown(nil)
	return nil
}

func (c *Client) remove(call *PendingCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[call.id]; ok && cur == call {
		delete(c.pending, call.id)
		return true
	}
	return false
}

// abandon removes a call whose caller stopped waiting.
func (c *Client) abandon(call *PendingCall) bool {
	if !c.remove(call) {
		return false
	}
	call.resolve(nil, ErrCancelled)
	c.sendCancel(call.id)
	return true
}

// expire resolves a call that outlived the request timeout.
func (c *Client) expire(call *PendingCall) {
	if !c.remove(call) {
		return
	}
	call.resolve(nil, ErrTimeout)
	c.logger.Warn("lsp request timed out", "method", call.method, "id", call.id, "timeout", c.timeout)
	c.sendCancel(call.id)
	if c.onTimeout != nil {
		c.onTimeout(call.method, call.id)
	}
}

func (c *Client) sendCancel(id int64) {
	if c.transport.IsClosed() {
		return
	}
	if err := c.transport.Send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "$/cancelRequest",
		"params":  CancelParams{ID: id},
	}); err != nil {
		c.logger.Debug("send $/cancelRequest", "id", id, "error", err)
	}
}

func (c *Client) receiveLoop() {
	for {
		msg, err := c.transport.Receive()
		if err != nil {
			c.teardown(err)
			return
		}
		c.dispatch(msg)
	}
}

// dispatch classifies one inbound message by the presence of id and method.
func (c *Client) dispatch(msg json.RawMessage) {
	if !gjson.ValidBytes(msg) {
		c.logger.Warn("lsp message is not valid JSON, dropped", "bytes", len(msg))
		return
	}
	fields := gjson.GetManyBytes(msg, "id", "method", "params")
	id, method, params := fields[0], fields[1], fields[2]

	if c.onInbound != nil {
		c.onInbound()
	}

	var rawParams json.RawMessage
	if params.Exists() {
		rawParams = json.RawMessage(params.Raw)
	}

	switch {
	case method.Exists() && id.Exists() && id.Type != gjson.Null:
		c.handleRequest(id.Raw, method.String(), rawParams)
	case method.Exists():
		c.handleNotification(method.String(), rawParams)
	case id.Exists():
		c.handleResponse(id, msg)
	default:
		c.logger.Warn("lsp message has neither id nor method, dropped")
	}
}

func (c *Client) handleResponse(id gjson.Result, msg json.RawMessage) {
	if id.Type != gjson.Number {
		c.logger.Warn("lsp response with non-numeric id, dropped", "id", id.Raw)
		return
	}
	c.mu.Lock()
	call, ok := c.pending[id.Int()]
	if ok {
		delete(c.pending, id.Int())
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("lsp response for unknown id, dropped", "id", id.Int())
		return
	}

	if e := gjson.GetBytes(msg, "error"); e.Exists() && e.Type != gjson.Null {
		rpcErr := &RPCError{}
		if err := json.Unmarshal([]byte(e.Raw), rpcErr); err != nil {
			call.resolve(nil, fmt.Errorf("%w: error object: %v", ErrInvalidResponse, err))
			return
		}
		call.resolve(nil, rpcErr)
		return
	}

	result := json.RawMessage("null")
	if r := gjson.GetBytes(msg, "result"); r.Exists() {
		result = json.RawMessage(r.Raw)
	}
	call.resolve(result, nil)
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	c.handlerMu.RLock()
	handlers := make([]NotificationHandler, 0, len(c.notifyHandlers[method])+len(c.notifyHandlers[wildcardMethod]))
	handlers = append(handlers, c.notifyHandlers[method]...)
	handlers = append(handlers, c.notifyHandlers[wildcardMethod]...)
	c.handlerMu.RUnlock()

	if len(handlers) == 0 {
		c.logger.Debug("lsp notification without handler", "method", method)
		return
	}
	for _, h := range handlers {
		c.runNotification(h, method, params)
	}
}

func (c *Client) runNotification(h NotificationHandler, method string, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("lsp notification handler panicked", "method", method, "panic", r)
		}
	}()
	h(method, params)
}

// handleRequest answers a server request. The server's id is echoed back
// byte for byte, so string and numeric ids both round-trip.
func (c *Client) handleRequest(rawID, method string, params json.RawMessage) {
	c.handlerMu.RLock()
	h := c.requestHandlers[method]
	c.handlerMu.RUnlock()

	resp := []byte(`{"jsonrpc":"2.0"}`)
	resp, _ = sjson.SetRawBytes(resp, "id", []byte(rawID))

	var (
		result any
		err    error
	)
	if h == nil {
		err = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + method}
	} else {
		result, err = c.runRequest(h, method, params)
	}

	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: CodeInternalError, Message: err.Error()}
		}
		resp, err = sjson.SetBytes(resp, "error", rpcErr)
	} else {
		var data []byte
		data, err = json.Marshal(result)
		if err == nil {
			resp, err = sjson.SetRawBytes(resp, "result", data)
		}
	}
	if err != nil {
		c.logger.Error("build response to server request", "method", method, "error", err)
		return
	}

	c.logger.Debug("lsp server request answered", "method", method, "id", rawID)
	if err := c.transport.SendRaw(resp); err != nil {
		c.logger.Debug("send response to server request", "method", method, "error", err)
	}
}

func (c *Client) runRequest(h RequestHandler, method string, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("lsp request handler panicked", "method", method, "panic", r)
			result, err = nil, &RPCError{Code: CodeInternalError, Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return h(c.ctx, params)
}

// teardown cancels every pending call, closes the transport and fires the
// close hook. Only the first call has any effect.
func (c *Client) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[int64]*PendingCall)
		c.mu.Unlock()

		for _, call := range pending {
			call.resolve(nil, ErrCancelled)
		}

		if err := c.transport.Close(); err != nil {
			c.logger.Debug("close transport", "error", err)
		}
		c.cancel()

		switch {
		case cause == nil:
			c.logger.Debug("lsp client closed", "cancelled", len(pending))
		case errors.Is(cause, ErrTransportClosed):
			c.logger.Info("lsp server stream closed", "cancelled", len(pending))
		default:
			c.logger.Error("lsp receive failed", "error", cause, "cancelled", len(pending))
		}

		c.closeErr = cause
		close(c.done)
		if c.onClose != nil {
			c.onClose(cause)
		}
	})
}
