package lsp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// maxHeaderLine bounds a single header line so a peer that never sends a
// newline cannot grow the read buffer without limit.
const maxHeaderLine = 4096

// maxContentLength is the largest message body Receive will allocate.
const maxContentLength = 64 << 20

// Transport frames JSON-RPC messages over a duplex byte stream using the LSP
// base protocol: a Content-Length header block, a blank line, then exactly
// that many bytes of UTF-8 JSON. It does not interpret message content.
//
// Send is safe for concurrent use. Receive must be called from a single
// goroutine (the client's receive loop).
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewTransport creates a transport reading from r and writing to w.
// c, if non-nil, is closed by Close (typically the process pipes).
func NewTransport(r io.Reader, w io.Writer, c io.Closer) *Transport {
	return &Transport{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
		closer: c,
	}
}

// Send marshals msg and writes it as one frame.
func (t *Transport) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return t.SendRaw(data)
}

// SendRaw writes an already-encoded JSON body as one frame.
func (t *Transport) SendRaw(body []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	header := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n"

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := io.WriteString(t.writer, header); err != nil {
		return fmt.Errorf("write header: %w", closedOr(err))
	}
	if _, err := t.writer.Write(body); err != nil {
		return fmt.Errorf("write body: %w", closedOr(err))
	}
	return nil
}

// Receive blocks until a full message is available.
// It returns ErrTransportClosed when the stream ends between messages and
// ErrMalformedFrame when the header is invalid or the body is truncated.
func (t *Transport) Receive() (json.RawMessage, error) {
	contentLength := -1
	sawHeader := false

	for {
		line, err := t.readHeaderLine()
		if err != nil {
			if errors.Is(err, io.EOF) && !sawHeader && line == "" {
				return nil, ErrTransportClosed
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: stream ended inside header", ErrMalformedFrame)
			}
			if errors.Is(err, errHeaderTooLong) {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			return nil, closedOr(err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				// Tolerate stray blank lines between frames.
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: invalid header line %q", ErrMalformedFrame, line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: invalid Content-Length %q", ErrMalformedFrame, value)
			}
			if n > maxContentLength {
				return nil, fmt.Errorf("%w: Content-Length %d exceeds limit", ErrMalformedFrame, n)
			}
			contentLength = n
		}
		// Content-Type and unknown headers are ignored.
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length header", ErrMalformedFrame)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: body truncated (want %d bytes)", ErrMalformedFrame, contentLength)
		}
		return nil, closedOr(err)
	}
	return body, nil
}

var errHeaderTooLong = errors.New("header line too long")

// readHeaderLine reads one line, bounded by maxHeaderLine.
func (t *Transport) readHeaderLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, err := t.reader.ReadSlice('\n')
		sb.Write(chunk)
		if sb.Len() > maxHeaderLine {
			return "", errHeaderTooLong
		}
		if err == nil {
			return sb.String(), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return sb.String(), err
	}
}

// Close closes the underlying stream. It is safe to call more than once.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}

// closedOr maps pipe-closure errors onto ErrTransportClosed.
func closedOr(err error) error {
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return err
}
