package lsp

import "strings"

// LSP positions count characters in UTF-16 code units. The editor's buffers
// are UTF-8, so every position crossing the wire goes through these helpers.

// utf16Len returns the length of s in UTF-16 code units.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2 // surrogate pair
		} else {
			n++
		}
	}
	return n
}

// utf16ToByteOffset converts a UTF-16 offset within a single line to a byte
// offset. Offsets past the end of the line clamp to its length.
func utf16ToByteOffset(line string, off int) int {
	if off <= 0 {
		return 0
	}
	count := 0
	for i, r := range line {
		if count >= off {
			return i
		}
		if r >= 0x10000 {
			count += 2
		} else {
			count++
		}
	}
	return len(line)
}

// byteToUTF16Offset converts a byte offset within a single line to UTF-16.
func byteToUTF16Offset(line string, off int) int {
	if off <= 0 {
		return 0
	}
	if off >= len(line) {
		return utf16Len(line)
	}
	return utf16Len(line[:off])
}

// lineStarts returns the byte offset at which each line of text begins.
// A text without newlines has one line starting at 0.
func lineStarts(text string) []int {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// PositionToByteOffset converts an LSP position to a byte offset in text.
// Lines past the end clamp to the end of text; characters past the end of a
// line clamp to the line end.
func PositionToByteOffset(text string, pos Position) int {
	starts := lineStarts(text)
	if pos.Line < 0 {
		return 0
	}
	if pos.Line >= len(starts) {
		return len(text)
	}
	start := starts[pos.Line]
	end := len(text)
	if pos.Line+1 < len(starts) {
		end = starts[pos.Line+1] - 1 // exclude '\n'
	}
	line := strings.TrimSuffix(text[start:end], "\r")
	return start + utf16ToByteOffset(line, pos.Character)
}

// ByteOffsetToPosition converts a byte offset in text to an LSP position.
func ByteOffsetToPosition(text string, off int) Position {
	if off < 0 {
		off = 0
	}
	if off > len(text) {
		off = len(text)
	}
	line := strings.Count(text[:off], "\n")
	lineStart := strings.LastIndexByte(text[:off], '\n') + 1
	return Position{Line: line, Character: utf16Len(text[lineStart:off])}
}

// ApplyContentChange applies one content change to text and returns the
// result. A change without a range replaces the whole text.
func ApplyContentChange(text string, change TextDocumentContentChangeEvent) string {
	if change.Range == nil {
		return change.Text
	}
	start := PositionToByteOffset(text, change.Range.Start)
	end := PositionToByteOffset(text, change.Range.End)
	if end < start {
		start, end = end, start
	}
	var sb strings.Builder
	sb.Grow(len(text) - (end - start) + len(change.Text))
	sb.WriteString(text[:start])
	sb.WriteString(change.Text)
	sb.WriteString(text[end:])
	return sb.String()
}

// ComparePositions returns -1 if a < b, 0 if a == b, 1 if a > b.
func ComparePositions(a, b Position) int {
	if a.Line < b.Line {
		return -1
	}
	if a.Line > b.Line {
		return 1
	}
	if a.Character < b.Character {
		return -1
	}
	if a.Character > b.Character {
		return 1
	}
	return 0
}

// IsPositionInRange returns true if pos is within the range (inclusive).
func IsPositionInRange(pos Position, rng Range) bool {
	return ComparePositions(pos, rng.Start) >= 0 && ComparePositions(pos, rng.End) <= 0
}

// rangeCoversLine reports whether rng touches the given line. A range that
// spans lines and ends at character 0 does not cover its end line.
func rangeCoversLine(rng Range, line int) bool {
	endLine := rng.End.Line
	if endLine > rng.Start.Line && rng.End.Character == 0 {
		endLine--
	}
	return line >= rng.Start.Line && line <= endLine
}
