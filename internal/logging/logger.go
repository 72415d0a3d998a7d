// Package logging provides structured logging for leader and follower processes.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog with console/file routing.
type Logger struct {
	zlog zerolog.Logger
	file *lumberjack.Logger
}

// FileConfig configures the optional rotating log file.
type FileConfig struct {
	// Path is the log file location. Empty disables file logging.
	Path string

	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept.
	MaxBackups int

	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int

	// Compress gzips rotated files.
	Compress bool
}

// NewLogger creates a logger writing to stderr and, if configured, to a rotating file.
// Stderr gets the human readable console format when it is a terminal and JSON otherwise.
func NewLogger(fileCfg FileConfig) (*Logger, error) {
	var console io.Writer = os.Stderr
	if term.IsTerminal(int(os.Stderr.Fd())) {
		console = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}
	}

	if fileCfg.Path == "" {
		return newLogger(console, nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(fileCfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   fileCfg.Path,
		MaxSize:    fileCfg.MaxSizeMB,
		MaxBackups: fileCfg.MaxBackups,
		MaxAge:     fileCfg.MaxAgeDays,
		Compress:   fileCfg.Compress,
	}
	return newLogger(zerolog.MultiLevelWriter(console, file), file), nil
}

// NewDefaultLogger creates a stderr-only logger.
func NewDefaultLogger() *Logger {
	l, _ := NewLogger(FileConfig{})
	return l
}

// NewLoggerWithWriter creates a logger that writes JSON lines to w.
// Used by tests to capture or discard output.
func NewLoggerWithWriter(w io.Writer) *Logger {
	return newLogger(w, nil)
}

func newLogger(w io.Writer, file *lumberjack.Logger) *Logger {
	return &Logger{
		zlog: zerolog.New(w).With().Timestamp().Logger(),
		file: file,
	}
}

// Info returns an info level event.
func (l *Logger) Info() *zerolog.Event {
	return l.zlog.Info()
}

// Error returns an error level event.
func (l *Logger) Error() *zerolog.Event {
	return l.zlog.Error()
}

// Debug returns a debug level event.
func (l *Logger) Debug() *zerolog.Event {
	return l.zlog.Debug()
}

// Warn returns a warn level event.
func (l *Logger) Warn() *zerolog.Event {
	return l.zlog.Warn()
}

// Child returns a Logger that carries the given string fields on every event.
func (l *Logger) Child(fields map[string]string) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Str(k, v)
	}
	return &Logger{zlog: ctx.Logger(), file: l.file}
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel maps a config string to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off":
		return zerolog.Disabled, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

func init() {
	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
