// Package logging builds the single zerolog.Logger every component in the
// agent receives by constructor injection. There is no package-level global
// logger; the Supervisor builds one and passes it down.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Config controls the logger's level and optional file sink. The file is
// opened in append mode and is not rotated.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Defaults to info
	// on an unrecognized or empty value.
	Level string

	// FilePath, if set, additionally writes to this path (created with
	// owner-only permissions). Logging never fails agent startup: a
	// file-open error is logged to stdout and the file sink is skipped.
	FilePath string
}

// New builds a logger writing structured, timestamped entries to stdout and,
// if configured, appended to a file (no rotation).
func New(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	writers := []io.Writer{os.Stdout}
	if cfg.FilePath != "" {
		if f, err := openLogFile(cfg.FilePath); err == nil {
			writers = append(writers, f)
		} else {
			zerolog.New(os.Stdout).Warn().Err(err).Str("path", cfg.FilePath).Msg("failed to open log file, logging to stdout only")
		}
	}

	var w io.Writer
	if len(writers) == 1 {
		w = writers[0]
	} else {
		w = io.MultiWriter(writers...)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}
