package lsp

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
)

// BufferEditor applies a single text edit to a buffer.
type BufferEditor interface {
	ApplyEdit(uri DocumentURI, edit TextEdit) error
}

// CompletionSession is the completion popup's state.
type CompletionSession struct {
	RequestID       int64
	URI             DocumentURI
	Items           []CompletionItem
	SelectedIndex   int
	TriggerPosition Position
	IsIncomplete    bool
}

// CompletionCoordinator drives completion for the active buffer. Only the
// response to the most recent trigger is shown; older ones are discarded.
type CompletionCoordinator struct {
	logger *slog.Logger

	mu         sync.Mutex
	current    int64
	cancelWait context.CancelFunc
	session    *CompletionSession
	listeners  []func(CompletionSession, bool)
}

// NewCompletionCoordinator creates a coordinator.
func NewCompletionCoordinator(logger *slog.Logger) *CompletionCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionCoordinator{logger: logger}
}

// OnUpdate registers a listener called when results land or the session
// clears. active is false when there is nothing to show.
func (c *CompletionCoordinator) OnUpdate(fn func(sess CompletionSession, active bool)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Trigger requests completions at pos. A non-empty triggerChar that the
// server did not declare is ignored and Trigger reports false.
func (c *CompletionCoordinator) Trigger(ctx context.Context, s *Session, uri DocumentURI, pos Position, triggerChar string) (bool, error) {
	cc := &CompletionContext{TriggerKind: CompletionTriggerKindInvoked}
	if triggerChar != "" {
		if !slices.Contains(s.TriggerCharacters(), triggerChar) {
			return false, nil
		}
		cc = &CompletionContext{TriggerKind: CompletionTriggerKindTriggerCharacter, TriggerCharacter: triggerChar}
	}

	params := CompletionParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
		Context: cc,
	}
	call, err := s.Request(ctx, "textDocument/completion", params, ForDocument(uri))
	if err != nil {
		return false, err
	}

	waitCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.cancelWait != nil {
		c.cancelWait()
	}
	c.current = call.ID()
	c.cancelWait = cancel
	hadSession := c.session != nil
	c.session = nil
	c.mu.Unlock()

	if hadSession {
		c.emit(CompletionSession{}, false)
	}

	go c.await(waitCtx, call, uri, pos)
	return true, nil
}

func (c *CompletionCoordinator) await(ctx context.Context, call *PendingCall, uri DocumentURI, pos Position) {
	raw, err := call.Wait(ctx)
	if err != nil {
		if !errors.Is(err, ErrCancelled) {
			c.logger.Debug("lsp completion failed", "uri", uri, "error", err)
		}
		return
	}
	list, err := ParseCompletionResult(raw)
	if err != nil {
		c.logger.Warn("lsp completion result", "uri", uri, "error", err)
		return
	}

	items := rankCompletions(list.Items)
	sess := CompletionSession{
		RequestID:       call.ID(),
		URI:             uri,
		Items:           items,
		SelectedIndex:   preselected(items),
		TriggerPosition: pos,
		IsIncomplete:    list.IsIncomplete,
	}

	c.mu.Lock()
	if call.ID() != c.current {
		c.mu.Unlock()
		c.logger.Debug("lsp completion superseded", "id", call.ID(), "current", c.current)
		return
	}
	c.session = &sess
	c.mu.Unlock()

	c.emit(sess, len(items) > 0)
}

// rankCompletions orders items by sortText, falling back to the label,
// keeping server order for ties.
func rankCompletions(items []CompletionItem) []CompletionItem {
	ranked := slices.Clone(items)
	sort.SliceStable(ranked, func(i, j int) bool {
		return sortKey(ranked[i]) < sortKey(ranked[j])
	})
	return ranked
}

func sortKey(item CompletionItem) string {
	if item.SortText != "" {
		return item.SortText
	}
	return strings.ToLower(item.Label)
}

func preselected(items []CompletionItem) int {
	for i, item := range items {
		if item.Preselect {
			return i
		}
	}
	return 0
}

// Advance moves the selection by dir, wrapping at either end.
func (c *CompletionCoordinator) Advance(dir int) {
	c.mu.Lock()
	if c.session == nil || len(c.session.Items) == 0 {
		c.mu.Unlock()
		return
	}
	n := len(c.session.Items)
	c.session.SelectedIndex = ((c.session.SelectedIndex+dir)%n + n) % n
	sess := c.snapshotLocked()
	c.mu.Unlock()

	c.emit(sess, true)
}

// Selected returns the selected item.
func (c *CompletionCoordinator) Selected() (CompletionItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || len(c.session.Items) == 0 {
		return CompletionItem{}, false
	}
	return c.session.Items[c.session.SelectedIndex], true
}

// Snapshot returns a copy of the current session.
func (c *CompletionCoordinator) Snapshot() (CompletionSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return CompletionSession{}, false
	}
	return c.snapshotLocked(), true
}

func (c *CompletionCoordinator) snapshotLocked() CompletionSession {
	sess := *c.session
	sess.Items = slices.Clone(c.session.Items)
	return sess
}

// Accept applies the selected item as one edit and clears the session.
// It reports false when there was nothing to accept.
func (c *CompletionCoordinator) Accept(editor BufferEditor) (bool, error) {
	c.mu.Lock()
	if c.session == nil || len(c.session.Items) == 0 {
		c.mu.Unlock()
		return false, nil
	}
	sess := c.session
	item := sess.Items[sess.SelectedIndex]
	c.session = nil
	c.current = 0
	c.mu.Unlock()

	c.emit(CompletionSession{}, false)
	if err := editor.ApplyEdit(sess.URI, completionEdit(item, sess.TriggerPosition)); err != nil {
		return false, err
	}
	return true, nil
}

// completionEdit is the item's textEdit, or an insertion of its insert text
// at the trigger position.
func completionEdit(item CompletionItem, at Position) TextEdit {
	if item.TextEdit != nil {
		return *item.TextEdit
	}
	text := item.InsertText
	if text == "" {
		text = item.Label
	}
	return TextEdit{Range: Range{Start: at, End: at}, NewText: text}
}

// Cancel clears the session without applying anything and abandons any
// request still in flight.
func (c *CompletionCoordinator) Cancel() {
	c.mu.Lock()
	if c.cancelWait != nil {
		c.cancelWait()
		c.cancelWait = nil
	}
	hadSession := c.session != nil
	c.session = nil
	c.current = 0
	c.mu.Unlock()

	if hadSession {
		c.emit(CompletionSession{}, false)
	}
}

func (c *CompletionCoordinator) emit(sess CompletionSession, active bool) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(sess, active)
	}
}

// CompletionItemKindIcon returns a short label for a completion kind.
func CompletionItemKindIcon(kind CompletionItemKind) string {
	switch kind {
	case CompletionItemKindMethod, CompletionItemKindFunction, CompletionItemKindConstructor:
		return "f"
	case CompletionItemKindField, CompletionItemKindProperty:
		return "p"
	case CompletionItemKindVariable, CompletionItemKindValue:
		return "v"
	case CompletionItemKindClass, CompletionItemKindStruct, CompletionItemKindInterface:
		return "t"
	case CompletionItemKindModule:
		return "m"
	case CompletionItemKindKeyword:
		return "k"
	case CompletionItemKindSnippet:
		return "s"
	case CompletionItemKindConstant, CompletionItemKindEnumMember:
		return "c"
	default:
		return " "
	}
}
