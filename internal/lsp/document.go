package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultDebounce is how long edits are coalesced before a didChange.
const DefaultDebounce = 150 * time.Millisecond

// DocumentState is a snapshot of one open document.
type DocumentState struct {
	URI          DocumentURI
	LanguageID   string
	Root         string
	Version      int
	ServerSynced bool
	PendingEdits int
	Text         string
}

// document is the synchronizer's record of an open buffer.
type document struct {
	uri        DocumentURI
	languageID string
	root       string

	// guarded by DocumentSync.mu
	version int
	text    string
	synced  bool
	session *Session
	batch   []TextDocumentContentChangeEvent
	timer   *time.Timer
	closed  bool

	// sendMu orders the notifications sent for this document.
	sendMu sync.Mutex
}

// DocumentSync keeps language servers in step with the editor's buffers.
// Edits are coalesced: the first edit of a batch arms a timer that is not
// reset by later edits, so a busy buffer flushes at most once per interval.
type DocumentSync struct {
	mgr         *Manager
	diagnostics *DiagnosticsStore
	logger      *slog.Logger
	debounce    time.Duration

	mu   sync.Mutex
	docs map[DocumentURI]*document

	ctx    context.Context
	cancel context.CancelFunc
}

// DocumentSyncOption configures a DocumentSync.
type DocumentSyncOption func(*DocumentSync)

// WithDebounceDelay sets the coalescing interval for edits.
func WithDebounceDelay(d time.Duration) DocumentSyncOption {
	return func(ds *DocumentSync) {
		ds.debounce = d
	}
}

// WithDocumentLogger sets the logger.
func WithDocumentLogger(l *slog.Logger) DocumentSyncOption {
	return func(ds *DocumentSync) {
		if l != nil {
			ds.logger = l
		}
	}
}

// WithDocumentDiagnostics evicts diagnostics from store when a document closes.
func WithDocumentDiagnostics(store *DiagnosticsStore) DocumentSyncOption {
	return func(ds *DocumentSync) {
		ds.diagnostics = store
	}
}

// NewDocumentSync creates a synchronizer bound to mgr. Documents are
// re-opened on any session that starts for their language and root.
func NewDocumentSync(mgr *Manager, opts ...DocumentSyncOption) *DocumentSync {
	ctx, cancel := context.WithCancel(context.Background())
	ds := &DocumentSync{
		mgr:      mgr,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		docs:     make(map[DocumentURI]*document),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(ds)
	}
	mgr.OnSessionStarted(ds.sessionStarted)
	mgr.OnSessionStopped(ds.sessionStopped)
	return ds
}

// Open starts tracking a document at version 1. The server session is
// resolved in the background; didOpen is sent once it is Ready.
func (ds *DocumentSync) Open(uri DocumentURI, languageID, text string) error {
	root := ds.mgr.RootFor(languageID, URIToFilePath(uri))

	ds.mu.Lock()
	if _, ok := ds.docs[uri]; ok {
		ds.mu.Unlock()
		return fmt.Errorf("open %s: document already open", uri)
	}
	doc := &document{
		uri:        uri,
		languageID: languageID,
		root:       root,
		version:    1,
		text:       text,
	}
	ds.docs[uri] = doc
	ds.mu.Unlock()

	go ds.attach(doc)
	return nil
}

// attach waits for the document's session and opens the document on it.
func (ds *DocumentSync) attach(doc *document) {
	s, err := ds.mgr.GetOrStartIn(ds.ctx, doc.languageID, doc.root)
	if err != nil {
		ds.logger.Debug("lsp unavailable for document", "uri", doc.uri, "language", doc.languageID, "error", err)
		return
	}
	ds.sendOpen(s, doc)
}

func (ds *DocumentSync) sessionStarted(s *Session) {
	for _, doc := range ds.docsFor(s) {
		ds.sendOpen(s, doc)
	}
}

func (ds *DocumentSync) sessionStopped(s *Session) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for _, doc := range ds.docs {
		if doc.session != s {
			continue
		}
		doc.session = nil
		doc.synced = false
		doc.batch = nil
		if doc.timer != nil {
			doc.timer.Stop()
			doc.timer = nil
		}
	}
}

func (ds *DocumentSync) docsFor(s *Session) []*document {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	var docs []*document
	for _, doc := range ds.docs {
		if doc.languageID == s.LanguageID() && doc.root == s.Root() {
			docs = append(docs, doc)
		}
	}
	return docs
}

// sendOpen sends didOpen for doc on s with the current text at version 1.
// It is a no-op if doc is already open on s.
func (ds *DocumentSync) sendOpen(s *Session, doc *document) {
	doc.sendMu.Lock()
	defer doc.sendMu.Unlock()

	ds.mu.Lock()
	if doc.closed || doc.session == s {
		ds.mu.Unlock()
		return
	}
	doc.session = s
	doc.synced = true
	doc.version = 1
	doc.batch = nil
	if doc.timer != nil {
		doc.timer.Stop()
		doc.timer = nil
	}
	params := DidOpenTextDocumentParams{TextDocument: TextDocumentItem{
		URI:        doc.uri,
		LanguageID: doc.languageID,
		Version:    doc.version,
		Text:       doc.text,
	}}
	ds.mu.Unlock()

	if err := s.Notify(ds.ctx, "textDocument/didOpen", params); err != nil {
		ds.logger.Warn("lsp didOpen", "uri", doc.uri, "error", err)
		ds.mu.Lock()
		if doc.session == s {
			doc.session = nil
			doc.synced = false
		}
		ds.mu.Unlock()
	}
}

// Change applies edits to the tracked text and queues them for the server.
func (ds *DocumentSync) Change(uri DocumentURI, edits ...TextDocumentContentChangeEvent) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	doc, ok := ds.docs[uri]
	if !ok {
		return ErrDocumentNotOpen
	}
	for _, e := range edits {
		doc.text = ApplyContentChange(doc.text, e)
	}
	if !doc.synced {
		// didOpen will carry the current text.
		return nil
	}
	doc.batch = append(doc.batch, edits...)
	if doc.timer == nil {
		doc.timer = time.AfterFunc(ds.debounce, func() { ds.flush(doc) })
	}
	return nil
}

// Flush sends the pending batch for uri now.
func (ds *DocumentSync) Flush(uri DocumentURI) error {
	ds.mu.Lock()
	doc, ok := ds.docs[uri]
	ds.mu.Unlock()
	if !ok {
		return ErrDocumentNotOpen
	}
	return ds.flush(doc)
}

// flush sends one didChange carrying the whole pending batch.
func (ds *DocumentSync) flush(doc *document) error {
	doc.sendMu.Lock()
	defer doc.sendMu.Unlock()

	ds.mu.Lock()
	if doc.timer != nil {
		doc.timer.Stop()
		doc.timer = nil
	}
	if doc.closed || len(doc.batch) == 0 || !doc.synced || doc.session == nil {
		doc.batch = nil
		ds.mu.Unlock()
		return nil
	}
	s := doc.session
	batch := doc.batch
	doc.batch = nil

	changes := batch
	switch s.SyncKind() {
	case TextDocumentSyncKindNone:
		ds.mu.Unlock()
		return nil
	case TextDocumentSyncKindFull:
		changes = []TextDocumentContentChangeEvent{{Text: doc.text}}
	}
	doc.version++
	params := DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: doc.uri},
			Version:                doc.version,
		},
		ContentChanges: changes,
	}
	ds.mu.Unlock()

	if err := s.Notify(ds.ctx, "textDocument/didChange", params); err != nil {
		ds.logger.Warn("lsp didChange", "uri", doc.uri, "version", params.TextDocument.Version, "error", err)
		return err
	}
	return nil
}

// Save flushes pending edits and sends didSave with the current version.
func (ds *DocumentSync) Save(uri DocumentURI) error {
	if err := ds.Flush(uri); err != nil {
		return err
	}

	ds.mu.Lock()
	doc, ok := ds.docs[uri]
	if !ok {
		ds.mu.Unlock()
		return ErrDocumentNotOpen
	}
	s := doc.session
	if !doc.synced || s == nil {
		ds.mu.Unlock()
		return nil
	}
	params := DidSaveTextDocumentParams{TextDocument: VersionedTextDocumentIdentifier{
		TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
		Version:                doc.version,
	}}
	if caps, ok := s.Capabilities(); ok && SaveIncludesText(caps) {
		text := doc.text
		params.Text = &text
	}
	ds.mu.Unlock()

	doc.sendMu.Lock()
	defer doc.sendMu.Unlock()
	return s.Notify(ds.ctx, "textDocument/didSave", params)
}

// Close stops tracking uri: pending edits are dropped, didClose is sent if
// the server saw the document, its diagnostics are evicted and its pending
// requests cancelled.
func (ds *DocumentSync) Close(uri DocumentURI) error {
	ds.mu.Lock()
	doc, ok := ds.docs[uri]
	if !ok {
		ds.mu.Unlock()
		return ErrDocumentNotOpen
	}
	delete(ds.docs, uri)
	doc.closed = true
	if doc.timer != nil {
		doc.timer.Stop()
		doc.timer = nil
	}
	doc.batch = nil
	s, synced := doc.session, doc.synced
	ds.mu.Unlock()

	var err error
	if s != nil {
		if n := s.CancelDocument(uri); n > 0 {
			ds.logger.Debug("lsp cancelled requests for closed document", "uri", uri, "count", n)
		}
		if synced {
			doc.sendMu.Lock()
			err = s.Notify(ds.ctx, "textDocument/didClose", DidCloseTextDocumentParams{
				TextDocument: TextDocumentIdentifier{URI: uri},
			})
			doc.sendMu.Unlock()
		}
	}
	if ds.diagnostics != nil {
		ds.diagnostics.Evict(uri)
	}
	return err
}

// Session returns the session the document is open on.
func (ds *DocumentSync) Session(uri DocumentURI) (*Session, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	doc, ok := ds.docs[uri]
	if !ok {
		return nil, ErrDocumentNotOpen
	}
	if doc.session == nil {
		return nil, ErrNotReady
	}
	return doc.session, nil
}

// State returns a snapshot of the document.
func (ds *DocumentSync) State(uri DocumentURI) (DocumentState, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	doc, ok := ds.docs[uri]
	if !ok {
		return DocumentState{}, false
	}
	return DocumentState{
		URI:          doc.uri,
		LanguageID:   doc.languageID,
		Root:         doc.root,
		Version:      doc.version,
		ServerSynced: doc.synced,
		PendingEdits: len(doc.batch),
		Text:         doc.text,
	}, true
}

// Documents returns the URIs of all open documents, sorted.
func (ds *DocumentSync) Documents() []DocumentURI {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	uris := make([]DocumentURI, 0, len(ds.docs))
	for uri := range ds.docs {
		uris = append(uris, uri)
	}
	sort.Slice(uris, func(i, j int) bool { return uris[i] < uris[j] })
	return uris
}

// Stop cancels every timer and pending attach. Documents are not closed on
// the servers; shut the manager down afterwards.
func (ds *DocumentSync) Stop() {
	ds.cancel()
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for _, doc := range ds.docs {
		if doc.timer != nil {
			doc.timer.Stop()
			doc.timer = nil
		}
	}
}
