package logger

import (
	"io"
	"regexp"
)

// Redactor redacts sensitive information from logs
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/=-]+`),

			// Voice-chat room tokens and other JSON token fields
			regexp.MustCompile(`"token"\s*:\s*"[^"]*"`),
			regexp.MustCompile(`token[\s:=]+[a-zA-Z0-9._-]{20,}`),

			// Broker credentials
			regexp.MustCompile(`"password"\s*:\s*"[^"]*"`),
			regexp.MustCompile(`password[\s:=]+[^\s"]+`),

			// Credentials embedded in broker URLs
			regexp.MustCompile(`://[^/\s:@]+:[^/\s@]+@`),

			// Gateway shared secret
			regexp.MustCompile(`"(shared_)?secret"\s*:\s*"[^"]*"`),
			regexp.MustCompile(`secret[\s:=]+[^\s"]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success, whatever the redacted length
func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	return len(p), nil
}
