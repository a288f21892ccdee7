package ansi

import (
	"regexp"
	"strings"
)

var ansiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`),             // CSI sequences (colors, cursor, erase line)
	regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`), // OSC sequences
	regexp.MustCompile(`\x1b[()][AB012]`),                    // Character set selection
	regexp.MustCompile(`\x1b\[\?[0-9;]*[hlsr]`),             // DEC private modes
	regexp.MustCompile(`\x1b[A-Za-z=>]`),                     // ESC+letter and keypad modes
}

// Strip removes escape sequences, keeping carriage returns so callers can
// decide how to treat redrawn progress bars.
func Strip(s string) string {
	for _, re := range ansiPatterns {
		s = re.ReplaceAllString(s, "")
	}
	return s
}

// Collapse resolves carriage-return redraws: for every line only the text
// written after the last \r survives, the way a terminal would show it.
// A trailing \r (bar about to be redrawn) keeps the previous content.
func Collapse(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}

	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		if idx := strings.LastIndexByte(line, '\r'); idx >= 0 {
			line = line[idx+1:]
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

// Clean strips escape sequences and collapses redraws.
func Clean(s string) string {
	return Collapse(Strip(s))
}
