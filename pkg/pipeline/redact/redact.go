// Package redact scrubs credentials from strings that reach logs, CLI output
// or HTTP error bodies.
package redact

import (
	"io"
	"regexp"
	"strings"
)

type rule struct {
	re   *regexp.Regexp
	with string
}

// Applied in order. The Google key rule runs last so a key already consumed
// by a key=value match is not reported twice.
var rules = []rule{
	{regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`), "Bearer <redacted>"},
	{regexp.MustCompile(`(?i)\b(api[_-]?key|gemini[_-]?api[_-]?key|x-goog-api-key|key)\b\s*[:=]\s*[^\s"'&]+`), "<redacted_kv>"},
	{regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{30,}`), "<redacted_key>"},
}

// Secrets removes obvious secret-bearing substrings from error/log strings.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.with)
	}
	return strings.TrimSpace(s)
}

// Writer scrubs each write before passing it on. log.Logger issues one Write
// per line, so a secret never straddles two writes.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write reports len(p) on success even when redaction changed the length.
func (r *Writer) Write(p []byte) (int, error) {
	line := string(p)
	for _, rl := range rules {
		line = rl.re.ReplaceAllString(line, rl.with)
	}
	if _, err := io.WriteString(r.w, line); err != nil {
		return 0, err
	}
	return len(p), nil
}
