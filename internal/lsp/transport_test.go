package lsp

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
)

func TestTransport_SendReceiveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTransport(&buf, &buf, nil)

	msg := map[string]any{"jsonrpc": "2.0", "method": "initialized", "params": map[string]any{}}
	if err := tr.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "Content-Length: ") {
		t.Errorf("frame = %q, want Content-Length header first", buf.String())
	}

	got, err := tr.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if decoded["method"] != "initialized" {
		t.Errorf("method = %v, want initialized", decoded["method"])
	}
}

func TestTransport_ReceiveHeaderVariants(t *testing.T) {
	body := `{"jsonrpc":"2.0","method":"x"}`
	n := strconv.Itoa(len(body))
	tests := []struct {
		name  string
		input string
	}{
		{"canonical", "Content-Length: " + n + "\r\n\r\n" + body},
		{"lowercase name", "content-length: " + n + "\r\n\r\n" + body},
		{"no space after colon", "Content-Length:" + n + "\r\n\r\n" + body},
		{"content type header", "Content-Type: application/vscode-jsonrpc; charset=utf-8\r\nContent-Length: " + n + "\r\n\r\n" + body},
		{"unknown header", "X-Trace: 1\r\nContent-Length: " + n + "\r\n\r\n" + body},
		{"blank lines before frame", "\r\n\r\nContent-Length: " + n + "\r\n\r\n" + body},
		{"bare newlines", "Content-Length: " + n + "\n\n" + body},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTransport(strings.NewReader(tt.input), &bytes.Buffer{}, nil)
			got, err := tr.Receive()
			if err != nil {
				t.Fatalf("Receive: %v", err)
			}
			if string(got) != body {
				t.Errorf("body = %q, want %q", got, body)
			}
		})
	}
}

func TestTransport_ReceiveMultipleFrames(t *testing.T) {
	input := "Content-Length: 2\r\n\r\n{}Content-Length: 4\r\n\r\nnull"
	tr := NewTransport(strings.NewReader(input), &bytes.Buffer{}, nil)

	for _, want := range []string{"{}", "null"} {
		got, err := tr.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if string(got) != want {
			t.Errorf("body = %q, want %q", got, want)
		}
	}
	if _, err := tr.Receive(); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Receive at end = %v, want ErrTransportClosed", err)
	}
}

func TestTransport_ReceiveClosedAtBoundary(t *testing.T) {
	tr := NewTransport(strings.NewReader(""), &bytes.Buffer{}, nil)
	if _, err := tr.Receive(); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Receive = %v, want ErrTransportClosed", err)
	}
}

func TestTransport_ReceiveMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing length", "Content-Type: x\r\n\r\n{}"},
		{"negative length", "Content-Length: -1\r\n\r\n{}"},
		{"non-numeric length", "Content-Length: abc\r\n\r\n{}"},
		{"no colon", "Content-Length 2\r\n\r\n{}"},
		{"truncated body", "Content-Length: 10\r\n\r\n{}"},
		{"eof inside header", "Content-Length: 2\r\n"},
		{"oversized length", "Content-Length: 99999999999999999\r\n\r\n{}"},
		{"length over limit", "Content-Length: " + strconv.Itoa(maxContentLength+1) + "\r\n\r\n{}"},
		{"header too long", "X: " + strings.Repeat("a", maxHeaderLine+10) + "\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTransport(strings.NewReader(tt.input), &bytes.Buffer{}, nil)
			_, err := tr.Receive()
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Receive = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestTransport_ConcurrentSendsDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTransport(&buf, &buf, nil)

	const n = 20
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Send(map[string]any{"jsonrpc": "2.0", "method": "m", "params": map[string]int{"i": i}})
		}()
	}
	wg.Wait()

	reader := NewTransport(bytes.NewReader(buf.Bytes()), &bytes.Buffer{}, nil)
	for i := range n {
		raw, err := reader.Receive()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !json.Valid(raw) {
			t.Fatalf("frame %d is not valid JSON: %q", i, raw)
		}
	}
}

type countingCloser struct{ n int }

func (c *countingCloser) Close() error {
	c.n++
	return nil
}

func TestTransport_Close(t *testing.T) {
	closer := &countingCloser{}
	tr := NewTransport(strings.NewReader(""), &bytes.Buffer{}, closer)

	if tr.IsClosed() {
		t.Fatal("new transport reports closed")
	}
	_ = tr.Close()
	_ = tr.Close()
	if closer.n != 1 {
		t.Errorf("closer called %d times, want 1", closer.n)
	}
	if err := tr.Send(map[string]any{}); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Send after Close = %v, want ErrTransportClosed", err)
	}
}
