package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/texty/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"DEBUG", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(config.Log{Level: "info", Format: "json"}, &buf)

	l.Debug("hidden")
	l.Info("server ready", "language", "go")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1 (debug filtered): %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["msg"] != "server ready" || rec["language"] != "go" || rec["service"] != "texty" {
		t.Errorf("record = %v", rec)
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(config.Log{Level: "error"}, &buf)

	l.Info("before")
	l.SetLevel("debug")
	if l.Level().String() != "DEBUG" {
		t.Errorf("Level = %s", l.Level())
	}
	l.Debug("after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Error("info logged at error level")
	}
	if !strings.Contains(out, "msg=after") {
		t.Errorf("text output missing debug record: %q", out)
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "texty.log")
	l, err := New(config.Log{Level: "info", Format: "text", File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hello")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "msg=hello") {
		t.Errorf("log file = %q", data)
	}
}

func TestNew_Stderr(t *testing.T) {
	l, err := New(config.Log{File: Stderr})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close on stderr logger = %v", err)
	}
}

func TestDefaultFile(t *testing.T) {
	state := t.TempDir()
	t.Setenv("XDG_STATE_HOME", state)
	if got, want := DefaultFile(), filepath.Join(state, "texty", "texty.log"); got != want {
		t.Errorf("DefaultFile = %s, want %s", got, want)
	}
}
