// Package lsp provides Language Server Protocol integration for texty.
//
// The LSP layer talks to external language servers (gopls, rust-analyzer,
// pyright, typescript-language-server, ...) over JSON-RPC 2.0 on the
// servers' stdio, and keeps the editor responsive while doing so: no editor
// operation blocks on server I/O.
//
// # Architecture
//
// The package is organized around these components:
//
//   - Transport: Content-Length framing over a byte stream
//   - Client: request/response correlation, notifications and server requests
//   - Session: one server process and its lifecycle state machine
//   - Manager: get-or-start sessions keyed by (language, workspace root)
//   - DocumentSync: didOpen/didChange/didSave/didClose with debounced batches
//   - DiagnosticsStore: latest diagnostics per document
//   - CompletionCoordinator: completion popup state with stale-response guard
//   - ProgressTracker: $/progress streams for the status bar
//   - Navigator: hover and goto-definition with a per-version result cache
//   - Service: the facade the editor uses
//
// # Quick Start
//
//	svc, err := lsp.NewService(lsp.DefaultServiceConfig(), lsp.WithServiceLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer svc.Shutdown(ctx)
//
//	uri, err := svc.OpenBuffer("/path/to/main.go", "", content)
//	...
//	svc.EditBuffer(uri, lsp.TextDocumentContentChangeEvent{Range: &rng, Text: "x"})
//	diags := svc.Diagnostics().DiagnosticsAt(uri, line)
//
// # Session lifecycle
//
// A session moves Starting → Initializing → Ready, may alternate between
// Ready and Degraded, and ends ShuttingDown → Stopped. A request that times
// out degrades the session; a Degraded session rejects requests locally
// with ErrDegraded until the server is heard from again. A Stopped session
// is never reused; Manager.Restart creates a fresh one and open documents
// are re-opened on it.
//
// # Errors
//
// Every failure is returned to the immediate caller and can be matched with
// errors.Is or errors.As: ErrTransportClosed, ErrMalformedFrame, *RPCError,
// ErrTimeout and ErrCancelled for requests, plus ErrDegraded,
// ErrSessionStopped, ErrNoServer and ErrDocumentNotOpen for local
// rejections. ErrCancelled is never worth retrying.
package lsp
