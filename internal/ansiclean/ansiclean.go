// Package ansiclean strips ANSI control sequences from terminal output
// so the prompt detector and the output filter's "full" mode work on
// plain text. Grounded on github.com/charmbracelet/x/ansi, adopted from
// the example corpus's bureau-foundation-bureau (which uses the same
// library for its own terminal rendering) rather than the teacher's
// hand-rolled ANSI constants, since stripping — as opposed to emitting —
// styled output is better served by a maintained tokenizer.
package ansiclean

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Strip removes CSI/OSC escape sequences and backspace-erase pairs from s,
// returning plain text with line endings normalised to "\n".
func Strip(s string) string {
	plain := ansi.Strip(s)
	plain = collapseBackspaces(plain)
	return normalizeNewlines(plain)
}

// StripTail is Strip specialised for a rolling window: it also trims a
// single trailing partial escape sequence that hasn't been completed yet,
// so the prompt detector's suffix match never trips on a half-received
// CSI code.
func StripTail(s string) string {
	if idx := strings.LastIndexByte(s, 0x1b); idx >= 0 {
		if !strings.ContainsAny(s[idx:], "mGKHJABCDsu") {
			s = s[:idx]
		}
	}
	return Strip(s)
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

// collapseBackspaces removes "<any-byte>\b" pairs repeatedly, the way a
// terminal would when rendering a destructive backspace, so line-count
// and tail-matching logic never sees control bytes as content.
func collapseBackspaces(s string) string {
	if !strings.ContainsRune(s, '\b') {
		return s
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\b' {
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
