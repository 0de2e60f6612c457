package lsp

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
)

// DiagnosticsStore holds the latest published diagnostics per document.
// Each publish replaces the document's set wholesale; readers always see a
// complete set from a single publish.
type DiagnosticsStore struct {
	mu          sync.RWMutex
	diagnostics map[DocumentURI][]Diagnostic

	listeners []func(uri DocumentURI)
}

// NewDiagnosticsStore creates an empty store.
func NewDiagnosticsStore() *DiagnosticsStore {
	return &DiagnosticsStore{
		diagnostics: make(map[DocumentURI][]Diagnostic),
	}
}

// OnChange registers a listener called after a document's diagnostics change.
func (ds *DiagnosticsStore) OnChange(fn func(uri DocumentURI)) {
	ds.mu.Lock()
	ds.listeners = append(ds.listeners, fn)
	ds.mu.Unlock()
}

// OnPublish replaces the diagnostics for uri. An empty set clears it.
func (ds *DiagnosticsStore) OnPublish(uri DocumentURI, diags []Diagnostic) {
	ds.mu.Lock()
	if len(diags) == 0 {
		delete(ds.diagnostics, uri)
	} else {
		ds.diagnostics[uri] = slices.Clone(diags)
	}
	listeners := slices.Clone(ds.listeners)
	ds.mu.Unlock()

	for _, fn := range listeners {
		fn(uri)
	}
}

// Evict drops the diagnostics for a closed document.
func (ds *DiagnosticsStore) Evict(uri DocumentURI) {
	ds.mu.Lock()
	_, existed := ds.diagnostics[uri]
	delete(ds.diagnostics, uri)
	listeners := slices.Clone(ds.listeners)
	ds.mu.Unlock()

	if !existed {
		return
	}
	for _, fn := range listeners {
		fn(uri)
	}
}

// All returns a copy of the diagnostics for uri in publish order.
func (ds *DiagnosticsStore) All(uri DocumentURI) []Diagnostic {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return slices.Clone(ds.diagnostics[uri])
}

// DiagnosticsAt returns the diagnostics whose range touches line, most
// severe first, then by start column.
func (ds *DiagnosticsStore) DiagnosticsAt(uri DocumentURI, line int) []Diagnostic {
	ds.mu.RLock()
	var out []Diagnostic
	for _, d := range ds.diagnostics[uri] {
		if rangeCoversLine(d.Range, line) {
			out = append(out, d)
		}
	}
	ds.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := effectiveSeverity(out[i].Severity), effectiveSeverity(out[j].Severity)
		if si != sj {
			return si < sj
		}
		return out[i].Range.Start.Character < out[j].Range.Start.Character
	})
	return out
}

// effectiveSeverity treats a missing severity as an error.
func effectiveSeverity(s DiagnosticSeverity) DiagnosticSeverity {
	if s < DiagnosticSeverityError || s > DiagnosticSeverityHint {
		return DiagnosticSeverityError
	}
	return s
}

// DiagnosticSummary counts diagnostics across all documents.
type DiagnosticSummary struct {
	Files    int
	Errors   int
	Warnings int
	Infos    int
	Hints    int
}

// String renders the summary for the status bar, e.g. "E2 W1".
func (s DiagnosticSummary) String() string {
	var parts []string
	if s.Errors > 0 {
		parts = append(parts, "E"+strconv.Itoa(s.Errors))
	}
	if s.Warnings > 0 {
		parts = append(parts, "W"+strconv.Itoa(s.Warnings))
	}
	if s.Infos > 0 {
		parts = append(parts, "I"+strconv.Itoa(s.Infos))
	}
	if s.Hints > 0 {
		parts = append(parts, "H"+strconv.Itoa(s.Hints))
	}
	return strings.Join(parts, " ")
}

// Summary returns counts by severity over every document.
func (ds *DiagnosticsStore) Summary() DiagnosticSummary {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	sum := DiagnosticSummary{Files: len(ds.diagnostics)}
	for _, diags := range ds.diagnostics {
		for _, d := range diags {
			switch effectiveSeverity(d.Severity) {
			case DiagnosticSeverityError:
				sum.Errors++
			case DiagnosticSeverityWarning:
				sum.Warnings++
			case DiagnosticSeverityInformation:
				sum.Infos++
			case DiagnosticSeverityHint:
				sum.Hints++
			}
		}
	}
	return sum
}

// NextDiagnostic returns the first diagnostic starting after pos, in
// document order. With wrap it falls back to the first diagnostic.
func (ds *DiagnosticsStore) NextDiagnostic(uri DocumentURI, pos Position, wrap bool) (Diagnostic, bool) {
	diags := ds.All(uri)
	if len(diags) == 0 {
		return Diagnostic{}, false
	}
	sort.SliceStable(diags, func(i, j int) bool {
		return ComparePositions(diags[i].Range.Start, diags[j].Range.Start) < 0
	})
	for _, d := range diags {
		if ComparePositions(d.Range.Start, pos) > 0 {
			return d, true
		}
	}
	if wrap {
		return diags[0], true
	}
	return Diagnostic{}, false
}

// SeverityString returns a human-readable severity name.
func SeverityString(severity DiagnosticSeverity) string {
	switch effectiveSeverity(severity) {
	case DiagnosticSeverityWarning:
		return "Warning"
	case DiagnosticSeverityInformation:
		return "Information"
	case DiagnosticSeverityHint:
		return "Hint"
	default:
		return "Error"
	}
}

// SeverityIcon returns the single-character gutter sign for a severity.
func SeverityIcon(severity DiagnosticSeverity) string {
	switch effectiveSeverity(severity) {
	case DiagnosticSeverityWarning:
		return "W"
	case DiagnosticSeverityInformation:
		return "I"
	case DiagnosticSeverityHint:
		return "H"
	default:
		return "E"
	}
}

// SeverityStyle returns the gutter style for a severity.
func SeverityStyle(severity DiagnosticSeverity) tcell.Style {
	base := tcell.StyleDefault
	switch effectiveSeverity(severity) {
	case DiagnosticSeverityWarning:
		return base.Foreground(tcell.ColorYellow)
	case DiagnosticSeverityInformation:
		return base.Foreground(tcell.ColorBlue)
	case DiagnosticSeverityHint:
		return base.Foreground(tcell.ColorDarkCyan)
	default:
		return base.Foreground(tcell.ColorRed).Bold(true)
	}
}

// FormatDiagnostic formats a diagnostic for a message line.
func FormatDiagnostic(d Diagnostic) string {
	var sb strings.Builder

	sb.WriteString(SeverityIcon(d.Severity))
	sb.WriteString(" ")

	if d.Source != "" {
		sb.WriteString("[")
		sb.WriteString(d.Source)
		sb.WriteString("] ")
	}

	sb.WriteString(d.Message)

	if d.Code != nil {
		sb.WriteString(" (")
		switch v := d.Code.(type) {
		case string:
			sb.WriteString(v)
		case float64:
			sb.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		case int:
			sb.WriteString(strconv.Itoa(v))
		default:
			sb.WriteString(fmt.Sprint(v))
		}
		sb.WriteString(")")
	}

	return sb.String()
}

// FormatDiagnosticWithLocation prefixes a formatted diagnostic with a
// 1-based path:line:col.
func FormatDiagnosticWithLocation(path string, d Diagnostic) string {
	return fmt.Sprintf("%s:%d:%d: %s",
		path,
		d.Range.Start.Line+1,
		d.Range.Start.Character+1,
		FormatDiagnostic(d),
	)
}
