package keaconfig

import (
	"bytes"
	"strings"
)

// Comment is a comment found in a configuration file
type Comment struct {
	Line    int    // 1-based line the comment starts on
	EndLine int    // 1-based line the comment ends on
	Text    string // comment text without markers
	Block   bool   // true for /* */ comments
}

// StripComments removes //, # and /* */ comments that appear outside JSON
// strings. Comment bytes are overwritten with spaces and newlines are kept,
// so byte offsets and line numbers in the result match the input. Trailing
// commas before a closing bracket are blanked the same way.
func StripComments(src []byte) ([]byte, []Comment) {
	out := make([]byte, len(src))
	copy(out, src)

	var comments []Comment
	line := 1
	inString := false

	for i := 0; i < len(out); i++ {
		c := out[i]
		if c == '\n' {
			line++
		}

		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true

		case c == '#' || (c == '/' && i+1 < len(out) && out[i+1] == '/'):
			start := i
			for i < len(out) && out[i] != '\n' {
				i++
			}
			text := string(src[start:i])
			text = strings.TrimPrefix(strings.TrimPrefix(text, "#"), "//")
			comments = append(comments, Comment{Line: line, EndLine: line, Text: strings.TrimSpace(text)})
			blank(out[start:i])
			i-- // let the loop see the newline

		case c == '/' && i+1 < len(out) && out[i+1] == '*':
			start := i
			startLine := line
			end := bytes.Index(out[i+2:], []byte("*/"))
			stop := len(out)
			if end >= 0 {
				stop = i + 2 + end + 2
			}
			for j := i; j < stop; j++ {
				if out[j] == '\n' && j != i {
					line++
				}
			}
			text := string(src[start:stop])
			text = strings.TrimSuffix(strings.TrimPrefix(text, "/*"), "*/")
			comments = append(comments, Comment{Line: startLine, EndLine: line, Text: strings.TrimSpace(text), Block: true})
			blank(out[start:stop])
			i = stop - 1
		}
	}

	stripTrailingCommas(out)
	return out, comments
}

func blank(b []byte) {
	for i := range b {
		if b[i] != '\n' && b[i] != '\r' {
			b[i] = ' '
		}
	}
}

// stripTrailingCommas blanks a comma when only whitespace separates it from
// a closing } or ]. It expects comments to be gone already.
func stripTrailingCommas(b []byte) {
	inString := false
	lastComma := -1
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			lastComma = -1
		case ',':
			lastComma = i
		case '}', ']':
			if lastComma >= 0 {
				b[lastComma] = ' '
			}
			lastComma = -1
		case ' ', '\t', '\n', '\r':
		default:
			lastComma = -1
		}
	}
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex []int

func newLineIndex(b []byte) lineIndex {
	idx := lineIndex{0}
	for i, c := range b {
		if c == '\n' {
			idx = append(idx, i+1)
		}
	}
	return idx
}

func (l lineIndex) line(offset int64) int {
	lo, hi := 0, len(l)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if int64(l[mid]) <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1
}

func (l lineIndex) column(offset int64) int {
	line := l.line(offset)
	return int(offset) - l[line-1] + 1
}
