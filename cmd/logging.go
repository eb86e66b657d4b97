package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marcus/csvmirror/internal/config"
)

// Rotation limits for --log-file.
const (
	logMaxSizeMB  = 10
	logMaxBackups = 5
	logMaxAgeDays = 30
)

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// newLogger builds the process logger. Logs go to stderr unless a log file
// is configured, in which case they go to a size-rotated file relative to
// the workspace. The returned closer is nil for stderr.
func newLogger(c *config.Config, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = stderr
	var closer io.Closer
	if c.LogFile != "" {
		path := c.LogFile
		if !filepath.IsAbs(path) {
			path = c.Path(path)
		}
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
		}
		w, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(c.LogFormat) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return slog.New(handler), closer, nil
}
