// Package sanitize cleans text captured from child processes and event
// payloads before it reaches logs or a terminal.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxCSILen caps the scan for a CSI final byte so an unterminated sequence
// cannot swallow the rest of a line.
const maxCSILen = 64

// StripControl removes ANSI escape sequences and control characters other
// than tab and newline.
func StripControl(s string) string {
	if isPlain(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == '\x1b' {
			i = skipEscape(s, i)
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == '\n' || r == '\t' || (r >= ' ' && !unicode.IsControl(r)) {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

func isPlain(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0x7f || (c < ' ' && c != '\t' && c != '\n') {
			return false
		}
	}
	return utf8.ValidString(s) && !strings.ContainsFunc(s, func(r rune) bool {
		return r >= 0x80 && unicode.IsControl(r)
	})
}

// skipEscape returns the index just past the escape sequence starting at i.
func skipEscape(s string, i int) int {
	if i+1 >= len(s) {
		return len(s)
	}
	switch s[i+1] {
	case '[': // CSI: parameters then a final byte in 0x40..0x7e
		j := i + 2
		limit := min(j+maxCSILen, len(s))
		for j < limit && (s[j] < 0x40 || s[j] > 0x7e) {
			j++
		}
		if j < len(s) && s[j] >= 0x40 && s[j] <= 0x7e {
			j++
		}
		return j
	case ']': // OSC: terminated by BEL or ESC \
		for j := i + 2; j < len(s); j++ {
			if s[j] == '\x07' {
				return j + 1
			}
			if s[j] == '\x1b' && j+1 < len(s) && s[j+1] == '\\' {
				return j + 2
			}
		}
		return len(s)
	default:
		return i + 2
	}
}

// Truncate shortens s to at most maxRunes runes, suffix included, and
// reports whether it cut anything.
func Truncate(s string, maxRunes int, suffix string) (string, bool) {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s, false
	}
	keep := maxRunes - utf8.RuneCountInString(suffix)
	if keep <= 0 {
		return string([]rune(suffix)[:max(maxRunes, 0)]), true
	}
	return strings.TrimRightFunc(string([]rune(s)[:keep]), unicode.IsSpace) + suffix, true
}
