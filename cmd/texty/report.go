package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dshills/texty/internal/lsp"
)

// writeDiagnostics prints every diagnostic of buffers as path:line:col and
// returns how many are errors.
func writeDiagnostics(w io.Writer, store *lsp.DiagnosticsStore, buffers []buffer) int {
	wd, _ := os.Getwd()
	count := 0
	for _, b := range buffers {
		path := b.Path
		if wd != "" {
			if rel, err := filepath.Rel(wd, b.Path); err == nil && !strings.HasPrefix(rel, "..") {
				path = rel
			}
		}
		for _, d := range store.All(b.URI) {
			fmt.Fprintln(w, lsp.FormatDiagnosticWithLocation(path, d))
			// Servers may omit severity; it then counts as an error.
			if d.Severity == lsp.DiagnosticSeverityError || d.Severity == 0 {
				count++
			}
		}
	}
	return count
}

// parsePosition parses a 1-based LINE:COL into an LSP position.
func parsePosition(s string) (lsp.Position, error) {
	lineStr, colStr, ok := strings.Cut(s, ":")
	if !ok {
		colStr = "1"
		lineStr = s
	}
	line, err := strconv.Atoi(lineStr)
	if err != nil || line < 1 {
		return lsp.Position{}, fmt.Errorf("invalid line in %q", s)
	}
	col, err := strconv.Atoi(colStr)
	if err != nil || col < 1 {
		return lsp.Position{}, fmt.Errorf("invalid column in %q", s)
	}
	return lsp.Position{Line: line - 1, Character: col - 1}, nil
}
