package lsp

import (
	"testing"

	"github.com/gdamore/tcell/v2"
)

func diagAt(startLine, startChar, endLine, endChar int, sev DiagnosticSeverity, msg string) Diagnostic {
	return Diagnostic{
		Range: Range{
			Start: Position{Line: startLine, Character: startChar},
			End:   Position{Line: endLine, Character: endChar},
		},
		Severity: sev,
		Message:  msg,
	}
}

func TestDiagnosticsStore_DiagnosticsAt(t *testing.T) {
	store := NewDiagnosticsStore()
	uri := DocumentURI("file:///tmp/main.go")

	store.OnPublish(uri, []Diagnostic{
		diagAt(3, 5, 3, 9, DiagnosticSeverityWarning, "unused variable"),
		diagAt(2, 0, 4, 2, DiagnosticSeverityError, "unterminated block"),
		diagAt(3, 1, 3, 2, 0, "no severity"),
		diagAt(1, 0, 3, 0, DiagnosticSeverityError, "ends at start of line 3"),
		diagAt(3, 0, 3, 1, DiagnosticSeverityHint, "hint"),
		diagAt(7, 0, 7, 1, DiagnosticSeverityError, "other line"),
	})

	got := store.DiagnosticsAt(uri, 3)
	want := []string{"unterminated block", "no severity", "unused variable", "hint"}
	if len(got) != len(want) {
		t.Fatalf("DiagnosticsAt = %d items, want %d: %+v", len(got), len(want), got)
	}
	for i, msg := range want {
		if got[i].Message != msg {
			t.Errorf("[%d] = %q, want %q", i, got[i].Message, msg)
		}
	}

	if got := store.DiagnosticsAt(uri, 2); len(got) != 2 {
		t.Errorf("line 2 = %d items, want 2", len(got))
	}
	if got := store.DiagnosticsAt("file:///tmp/other.go", 3); len(got) != 0 {
		t.Errorf("unknown uri = %v", got)
	}
}

func TestDiagnosticsStore_PublishReplaces(t *testing.T) {
	store := NewDiagnosticsStore()
	uri := DocumentURI("file:///tmp/a.go")

	var changes int
	store.OnChange(func(got DocumentURI) {
		if got == uri {
			changes++
		}
	})

	store.OnPublish(uri, []Diagnostic{diagAt(0, 0, 0, 1, 1, "a"), diagAt(1, 0, 1, 1, 1, "b")})
	store.OnPublish(uri, []Diagnostic{diagAt(5, 0, 5, 1, 2, "c")})
	if got := store.All(uri); len(got) != 1 || got[0].Message != "c" {
		t.Errorf("All after replace = %+v", got)
	}

	store.OnPublish(uri, nil)
	if got := store.All(uri); len(got) != 0 {
		t.Errorf("All after empty publish = %+v", got)
	}
	if changes != 3 {
		t.Errorf("OnChange fired %d times, want 3", changes)
	}
}

func TestDiagnosticsStore_PublishCopiesInput(t *testing.T) {
	store := NewDiagnosticsStore()
	uri := DocumentURI("file:///tmp/a.go")

	in := []Diagnostic{diagAt(0, 0, 0, 1, 1, "original")}
	store.OnPublish(uri, in)
	in[0].Message = "mutated"

	out := store.All(uri)
	if out[0].Message != "original" {
		t.Errorf("store shares the published slice: %q", out[0].Message)
	}
	out[0].Message = "mutated again"
	if store.All(uri)[0].Message != "original" {
		t.Error("All returns the store's own slice")
	}
}

func TestDiagnosticsStore_SummaryAndEvict(t *testing.T) {
	store := NewDiagnosticsStore()
	a := DocumentURI("file:///tmp/a.go")
	b := DocumentURI("file:///tmp/b.go")

	store.OnPublish(a, []Diagnostic{
		diagAt(0, 0, 0, 1, DiagnosticSeverityError, ""),
		diagAt(0, 0, 0, 1, 0, ""),
		diagAt(0, 0, 0, 1, DiagnosticSeverityWarning, ""),
	})
	store.OnPublish(b, []Diagnostic{diagAt(0, 0, 0, 1, DiagnosticSeverityHint, "")})

	sum := store.Summary()
	if sum.Files != 2 || sum.Errors != 2 || sum.Warnings != 1 || sum.Hints != 1 {
		t.Errorf("Summary = %+v", sum)
	}
	if got := sum.String(); got != "E2 W1 H1" {
		t.Errorf("Summary.String = %q", got)
	}

	store.Evict(a)
	if got := store.Summary().String(); got != "H1" {
		t.Errorf("after Evict = %q, want H1", got)
	}
	if got := (DiagnosticSummary{}).String(); got != "" {
		t.Errorf("empty summary = %q", got)
	}
}

func TestDiagnosticsStore_NextDiagnostic(t *testing.T) {
	store := NewDiagnosticsStore()
	uri := DocumentURI("file:///tmp/a.go")
	store.OnPublish(uri, []Diagnostic{
		diagAt(9, 0, 9, 1, 1, "third"),
		diagAt(2, 4, 2, 5, 1, "first"),
		diagAt(5, 0, 5, 1, 1, "second"),
	})

	tests := []struct {
		pos  Position
		wrap bool
		want string
		ok   bool
	}{
		{Position{Line: 0}, false, "first", true},
		{Position{Line: 2, Character: 4}, false, "second", true},
		{Position{Line: 9, Character: 0}, false, "", false},
		{Position{Line: 9, Character: 0}, true, "first", true},
	}
	for _, tt := range tests {
		d, ok := store.NextDiagnostic(uri, tt.pos, tt.wrap)
		if ok != tt.ok || d.Message != tt.want {
			t.Errorf("NextDiagnostic(%+v, %v) = %q, %v; want %q, %v", tt.pos, tt.wrap, d.Message, ok, tt.want, tt.ok)
		}
	}
}

func TestRangeCoversLine(t *testing.T) {
	tests := []struct {
		name string
		rng  Range
		line int
		want bool
	}{
		{"single line", Range{Start: Position{Line: 3, Character: 2}, End: Position{Line: 3, Character: 6}}, 3, true},
		{"empty range", Range{Start: Position{Line: 3}, End: Position{Line: 3}}, 3, true},
		{"middle of span", Range{Start: Position{Line: 1}, End: Position{Line: 5, Character: 2}}, 3, true},
		{"end line with content", Range{Start: Position{Line: 1}, End: Position{Line: 3, Character: 1}}, 3, true},
		{"end line at column zero", Range{Start: Position{Line: 1}, End: Position{Line: 3}}, 3, false},
		{"before", Range{Start: Position{Line: 4}, End: Position{Line: 5}}, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rangeCoversLine(tt.rng, tt.line); got != tt.want {
				t.Errorf("rangeCoversLine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatDiagnostic(t *testing.T) {
	tests := []struct {
		name string
		d    Diagnostic
		want string
	}{
		{"plain", Diagnostic{Severity: DiagnosticSeverityWarning, Message: "unused"}, "W unused"},
		{"source", Diagnostic{Severity: DiagnosticSeverityError, Source: "compiler", Message: "undefined: x"}, "E [compiler] undefined: x"},
		{"string code", Diagnostic{Severity: DiagnosticSeverityHint, Message: "simplify", Code: "S1000"}, "H simplify (S1000)"},
		{"numeric code", Diagnostic{Message: "bad", Code: float64(2304)}, "E bad (2304)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDiagnostic(tt.d); got != tt.want {
				t.Errorf("FormatDiagnostic = %q, want %q", got, tt.want)
			}
		})
	}

	d := diagAt(4, 2, 4, 3, DiagnosticSeverityError, "boom")
	if got := FormatDiagnosticWithLocation("main.go", d); got != "main.go:5:3: E boom" {
		t.Errorf("FormatDiagnosticWithLocation = %q", got)
	}
}

func TestSeverityPresentation(t *testing.T) {
	if got := SeverityString(0); got != "Error" {
		t.Errorf("SeverityString(0) = %q, want Error", got)
	}
	if got := SeverityIcon(DiagnosticSeverityInformation); got != "I" {
		t.Errorf("SeverityIcon(info) = %q", got)
	}
	errStyle := tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)
	if SeverityStyle(DiagnosticSeverityError) != errStyle {
		t.Error("error style is not bold red")
	}
	if SeverityStyle(0) != errStyle {
		t.Error("missing severity is not styled as an error")
	}
	if SeverityStyle(DiagnosticSeverityWarning) != tcell.StyleDefault.Foreground(tcell.ColorYellow) {
		t.Error("warning style is not yellow")
	}
}
