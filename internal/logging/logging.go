// Package logging builds the slog loggers used by volmask.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
)

// Config selects where log records go and which are kept.
type Config struct {
	File    string // empty sends records to stderr
	MaxSize int    // megabytes
	MaxAge  int    // days
	Level   string
}

// ParseLevel maps debug, info, warn and error to slog levels. The empty
// string is info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// New returns a text logger and the closer of its output. With a file set,
// records go to a rotating log file.
func New(c Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if c.File != "" {
		l := &lumberjack.Logger{
			Filename: c.File,
			MaxSize:  c.MaxSize, // megabytes
			MaxAge:   c.MaxAge,  // days
		}
		w, closer = l, l
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
