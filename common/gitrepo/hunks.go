package gitrepo

import (
	"errors"
	"fmt"
	"strings"
)

// ErrHunkMismatch indicates a hunk's context or deletion lines no longer match
// the working tree.
var ErrHunkMismatch = errors.New("hunk does not match file content")

// HunkMismatch carries the diagnostic detail for one failed hunk.
type HunkMismatch struct {
	HunkIndex int    `json:"hunk_index"`
	LineIndex int    `json:"line_index"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
	OldStart  int    `json:"old_start"`
}

// applyHunks applies hunks to content, verifying every context (' ') and
// deletion ('-') line against the file at its projected index. Prior hunks
// shift later ones by a cumulative offset.
func applyHunks(content string, hunks []Hunk) (string, *HunkMismatch, error) {
	hadTrailingNewline := strings.HasSuffix(content, "\n")
	var lines []string
	if content != "" {
		lines = strings.Split(content, "\n")
		if hadTrailingNewline {
			lines = lines[:len(lines)-1]
		}
	}

	offset := 0
	for hi, hunk := range hunks {
		idx := hunk.OldStart - 1 + offset
		if idx < 0 {
			idx = 0
		}

		for li, raw := range hunk.Lines {
			prefix, text := splitHunkLine(raw)

			switch prefix {
			case '+':
				if idx > len(lines) {
					idx = len(lines)
				}
				lines = append(lines[:idx], append([]string{text}, lines[idx:]...)...)
				idx++
				offset++
			case '-':
				if idx >= len(lines) || lines[idx] != text {
					return "", mismatchAt(hi, li, hunk, text, lineAt(lines, idx)), ErrHunkMismatch
				}
				lines = append(lines[:idx], lines[idx+1:]...)
				offset--
			default: // context
				if idx >= len(lines) || lines[idx] != text {
					return "", mismatchAt(hi, li, hunk, text, lineAt(lines, idx)), ErrHunkMismatch
				}
				idx++
			}
		}
	}

	result := strings.Join(lines, "\n")
	if hadTrailingNewline && result != "" {
		result += "\n"
	}
	return result, nil, nil
}

// splitHunkLine separates the diff marker from the line text. Any prefix other
// than '+', '-' or ' ' is treated as context, with the whole line as text.
func splitHunkLine(raw string) (byte, string) {
	if raw == "" {
		return ' ', ""
	}
	switch raw[0] {
	case '+', '-', ' ':
		return raw[0], raw[1:]
	default:
		return ' ', raw
	}
}

func mismatchAt(hunkIdx, lineIdx int, hunk Hunk, expected, actual string) *HunkMismatch {
	return &HunkMismatch{
		HunkIndex: hunkIdx,
		LineIndex: lineIdx,
		Expected:  expected,
		Actual:    actual,
		OldStart:  hunk.OldStart,
	}
}

func lineAt(lines []string, idx int) string {
	if idx < 0 || idx >= len(lines) {
		return fmt.Sprintf("<out of range: %d of %d lines>", idx, len(lines))
	}
	return lines[idx]
}
