// Package logger builds the service slog.Logger: tint on the console,
// rotated JSON files through lumberjack, and redaction of credentials.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options defines parameters for logger creation.
type Options struct {
	Env          string
	ConsoleLevel string // Level for console output (default: info)
	FileLevel    string // Level for file output (default: debug)
	File         string
	App          string

	// Rotation of File. Zero values fall back to 5 MB, 3 backups, 28 days.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Console is where console output goes (default: os.Stdout).
	Console io.Writer
}

// SensitiveKeys are attribute keys whose values are never logged. Patient
// identifiers are masked alongside credentials.
var SensitiveKeys = []string{
	"password", "token", "secret", "api_key", "dsn", "authorization",
	"patient", "patient_ref", "patient_id",
}

var closers sync.Map

// New creates configured slog.Logger instance.
func New(o Options) *slog.Logger {
	consoleLvl := levelFromString(o.ConsoleLevel, slog.LevelInfo)
	fileLvl := levelFromString(o.FileLevel, slog.LevelDebug)

	console := o.Console
	if console == nil {
		console = os.Stdout
	}

	timeFormat := time.RFC3339
	if o.Env == "dev" {
		timeFormat = time.Kitchen
	}
	var consoleHandler slog.Handler = tint.NewHandler(console, &tint.Options{
		Level:      consoleLvl,
		TimeFormat: timeFormat,
		NoColor:    o.Env == "test" || o.Console != nil,
	})
	handlers := []slog.Handler{NewRedactingHandler(consoleHandler, SensitiveKeys)}

	var closer func() error
	if o.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    orDefault(o.MaxSizeMB, 5),
			MaxBackups: orDefault(o.MaxBackups, 3),
			MaxAge:     orDefault(o.MaxAgeDays, 28),
			Compress:   true,
		}
		closer = fileWriter.Close
		var fileHandler slog.Handler = slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{Level: fileLvl})
		handlers = append(handlers, NewRedactingHandler(fileHandler, SensitiveKeys))
	}

	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = NewMultiHandler(handlers...)
	}

	l := slog.New(h).With(
		slog.String("app", o.App),
		slog.String("env", o.Env),
	)

	if closer != nil {
		closers.Store(l, closer)
	}

	return l
}

// Close closes the log file opened by New for logger.
// Should be called when shutting down the application.
func Close(logger *slog.Logger) error {
	if c, ok := closers.Load(logger); ok {
		closers.Delete(logger)
		return c.(func() error)()
	}
	return nil
}

// ParseLevel reports whether s names a known level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func levelFromString(s string, def slog.Level) slog.Level {
	if lvl, ok := ParseLevel(s); ok {
		return lvl
	}
	return def
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
