package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/tidwall/gjson"
)

// DefaultCacheEntries bounds the hover/definition result cache.
const DefaultCacheEntries = 1024

// HoverResult is hover text normalized to a single string.
type HoverResult struct {
	Contents string
	Kind     MarkupKind
	Range    *Range
}

// Navigator answers hover and goto-definition requests and caches the
// results per document version, so any edit naturally misses.
type Navigator struct {
	logger *slog.Logger
	cache  *ristretto.Cache[string, any]
}

// NewNavigator creates a navigator whose cache holds up to entries results.
func NewNavigator(entries int64, logger *slog.Logger) (*Navigator, error) {
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: entries * 10,
		MaxCost:     entries,
		BufferItems: 64,
		// Cost counts entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("navigation cache: %w", err)
	}
	return &Navigator{logger: logger, cache: cache}, nil
}

func cacheKey(method string, uri DocumentURI, version int, pos Position) string {
	return fmt.Sprintf("%s|%s|%d|%d:%d", method, uri, version, pos.Line, pos.Character)
}

// Hover returns hover information at pos, or nil when the server has none.
func (n *Navigator) Hover(ctx context.Context, s *Session, uri DocumentURI, version int, pos Position) (*HoverResult, error) {
	if caps, ok := s.Capabilities(); ok && !HasCapability(caps.HoverProvider) {
		return nil, ErrNotSupported
	}
	key := cacheKey("hover", uri, version, pos)
	if v, ok := n.cache.Get(key); ok {
		h, _ := v.(*HoverResult)
		return h, nil
	}

	params := HoverParams{TextDocumentPositionParams: TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}}
	var raw json.RawMessage
	if err := s.Call(ctx, "textDocument/hover", params, &raw, ForDocument(uri)); err != nil {
		return nil, err
	}
	h, err := parseHover(raw)
	if err != nil {
		return nil, err
	}
	n.store(key, h)
	return h, nil
}

// Definition returns the definition locations of the symbol at pos.
func (n *Navigator) Definition(ctx context.Context, s *Session, uri DocumentURI, version int, pos Position) ([]Location, error) {
	if caps, ok := s.Capabilities(); ok && !HasCapability(caps.DefinitionProvider) {
		return nil, ErrNotSupported
	}
	key := cacheKey("definition", uri, version, pos)
	if v, ok := n.cache.Get(key); ok {
		locs, _ := v.([]Location)
		return locs, nil
	}

	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}
	var raw json.RawMessage
	if err := s.Call(ctx, "textDocument/definition", params, &raw, ForDocument(uri)); err != nil {
		return nil, err
	}
	locs, err := ParseLocationResult(raw)
	if err != nil {
		return nil, err
	}
	n.store(key, locs)
	return locs, nil
}

func (n *Navigator) store(key string, v any) {
	if !n.cache.Set(key, v, 1) {
		n.logger.Debug("navigation cache dropped entry", "key", key)
		return
	}
	n.cache.Wait()
}

// Clear empties the cache.
func (n *Navigator) Clear() {
	n.cache.Clear()
}

// Close releases the cache.
func (n *Navigator) Close() {
	n.cache.Close()
}

// parseHover normalizes the hover contents union: a string, a
// MarkupContent, a MarkedString, or an array of MarkedStrings.
func parseHover(raw json.RawMessage) (*HoverResult, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: hover result", ErrInvalidResponse)
	}
	res := gjson.ParseBytes(raw)
	contents := res.Get("contents")

	h := &HoverResult{Kind: MarkupKindPlainText}
	switch {
	case contents.Type == gjson.String:
		h.Contents = contents.String()
	case contents.IsArray():
		var parts []string
		for _, item := range contents.Array() {
			if s := markedString(item); s != "" {
				parts = append(parts, s)
			}
		}
		h.Contents = strings.Join(parts, "\n\n")
		h.Kind = MarkupKindMarkdown
	case contents.IsObject():
		if kind := contents.Get("kind"); kind.Exists() {
			h.Kind = MarkupKind(kind.String())
			h.Contents = contents.Get("value").String()
		} else {
			h.Contents = markedString(contents)
			h.Kind = MarkupKindMarkdown
		}
	default:
		return nil, nil
	}

	if r := res.Get("range"); r.Exists() {
		var rng Range
		if err := json.Unmarshal([]byte(r.Raw), &rng); err == nil {
			h.Range = &rng
		}
	}
	if strings.TrimSpace(h.Contents) == "" {
		return nil, nil
	}
	return h, nil
}

// markedString renders a MarkedString; code blocks keep their language.
func markedString(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	lang := v.Get("language").String()
	value := v.Get("value").String()
	if lang == "" {
		return value
	}
	return "```" + lang + "\n" + value + "\n```"
}
