// Package logging configures the daemon's slog output and manages the
// log files written for supervised child processes.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config controls daemon log output.
type Config struct {
	// Directory holding the daemon log and per-display child logs.
	Directory string
	// FileName of the daemon's own log inside Directory. Empty means
	// log to stderr only.
	FileName string
	// Level is one of debug, info, warn, error.
	Level string
	// BackupLogs renames an existing log to <name>.old before truncating.
	BackupLogs bool
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds the daemon logger. When a file name is configured the log
// is written both to the file and stderr. The returned LevelVar lets the
// daemon flip the level at runtime; the closer owns the file handle.
func Setup(cfg Config) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))
	var w io.Writer = os.Stderr
	var closer io.Closer

	if cfg.FileName != "" {
		if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		path := filepath.Join(cfg.Directory, cfg.FileName)
		mode := ModeAppend
		if cfg.BackupLogs {
			mode = ModeBackupAndTruncate
		}
		f, err := OpenLogFile(path, mode, 0o600)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open daemon log: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return logger, level, closer, nil
}
