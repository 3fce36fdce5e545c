package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process logger. It owns the log file, if any.
type Logger struct {
	logger   zerolog.Logger
	redactor *Redactor

	closeOnce sync.Once
	file      *os.File
}

// Config selects level and destinations
type Config struct {
	Level     string    // debug, info, warn, error; anything else means info
	File      string    // append JSON lines here as well
	Console   bool      // write to Output
	Pretty    bool      // human-readable console lines instead of JSON
	Redaction bool      // mask tokens and passwords
	Output    io.Writer // console destination, stderr when nil
}

// New builds the logger and makes it the zerolog global, so packages logging via
// zerolog/log share its level and sinks.
func New(cfg Config) (*Logger, error) {
	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(cfg))
	}

	file, err := openLogFile(cfg.File)
	if err != nil {
		return nil, err
	}
	if file != nil {
		sinks = append(sinks, file)
	}

	out := combine(sinks)
	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		out = redactor.Wrap(out)
	}

	zl := zerolog.New(out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	log.Logger = zl

	return &Logger{logger: zl, redactor: redactor, file: file}, nil
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// consoleSink writes to stderr unless told otherwise; the CLI keeps stdout for events
func consoleSink(cfg Config) io.Writer {
	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}
	if !cfg.Pretty {
		return w
	}
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("log directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func combine(sinks []io.Writer) io.Writer {
	switch len(sinks) {
	case 0:
		return io.Discard
	case 1:
		return sinks[0]
	}
	return io.MultiWriter(sinks...)
}

// Close releases the log file. Calling it again is a no-op.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }

// Component returns a child logger tagged with a component name
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// DefaultConfig is what `agentlink run` uses before the config file is applied
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
	}
}
