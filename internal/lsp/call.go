package lsp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// PendingCall is the caller's handle on one outstanding request.
// It resolves exactly once: with the server's result, an *RPCError,
// ErrTimeout, or ErrCancelled.
type PendingCall struct {
	id     int64
	method string
	doc    DocumentURI
	client *Client

	// untimed calls are bounded only by the caller's context.
	untimed bool

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error

	timer   *time.Timer
	span    trace.Span
	started time.Time
}

// ID returns the JSON-RPC id allocated for the request.
func (p *PendingCall) ID() int64 { return p.id }

// Method returns the request method.
func (p *PendingCall) Method() string { return p.method }

// Done is closed once the call has resolved.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Result returns the outcome of a resolved call. It must only be called after
// Done is closed.
func (p *PendingCall) Result() (json.RawMessage, error) {
	return p.result, p.err
}

// Wait blocks until the call resolves or ctx is done. When ctx ends first the
// call is abandoned: it is removed from the client, the server is sent
// $/cancelRequest, and ErrCancelled is returned.
func (p *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		if p.client != nil && p.client.abandon(p) {
			return nil, ErrCancelled
		}
		// Resolved concurrently with cancellation.
		<-p.done
		return p.result, p.err
	}
}

// resolve completes the call. Only the first resolution takes effect.
func (p *PendingCall) resolve(result json.RawMessage, err error) bool {
	resolved := false
	p.once.Do(func() {
		resolved = true
		if p.timer != nil {
			p.timer.Stop()
		}
		p.result = result
		p.err = err
		close(p.done)
		if p.span != nil {
			lang := ""
			if p.client != nil {
				lang = p.client.languageID
			}
			recordRequest(p.span, lang, p.method, p.started, err)
		}
	})
	return resolved
}

// CallOption customizes a request.
type CallOption func(*PendingCall)

// ForDocument tags the request with a document so that closing the buffer
// cancels it.
func ForDocument(uri DocumentURI) CallOption {
	return func(p *PendingCall) {
		p.doc = uri
	}
}

// WithoutTimeout exempts the request from the client's call timeout.
func WithoutTimeout() CallOption {
	return func(p *PendingCall) {
		p.untimed = true
	}
}
