// Package sanitize cleans remote-controlled text before it reaches the
// terminal or the logs.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// ansiPattern matches CSI and OSC escape sequences.
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
		regexp.MustCompile(`AIza[0-9A-Za-z_-]{20,}`),
		regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]{8,}`),
		regexp.MustCompile(`(?i)((?:api_?key|token|key)=)[^&\s]+`),
	}
)

// Terminal strips escape sequences and control characters other than
// newline and tab, so replies cannot drive the user's terminal.
func Terminal(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Secrets redacts strings that look like API keys or bearer tokens.
func Secrets(msg string) string {
	for _, p := range secretPatterns {
		if p.NumSubexp() > 0 {
			msg = p.ReplaceAllString(msg, "${1}[REDACTED]")
			continue
		}
		msg = p.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}
