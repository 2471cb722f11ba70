// Package logger provides a process-wide structured logger built on log/slog.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level represents a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Config holds logger configuration, matching internal/config's LoggingConfig.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	currentLevel  atomic.Int32
	currentFormat atomic.Value // "text" or "json"

	mu       sync.RWMutex
	slogger  *slog.Logger
	output   io.Writer = os.Stdout
	useColor           = true
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	currentFormat.Store("text")
	if f, ok := output.(*os.File); ok {
		useColor = isTerminal(f.Fd())
	}
	reconfigure()
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func reconfigure() {
	mu.Lock()
	defer mu.Unlock()

	levelVar := new(slog.LevelVar)
	levelVar.Set(toSlogLevel(Level(currentLevel.Load())))
	opts := &slog.HandlerOptions{Level: levelVar}

	format, _ := currentFormat.Load().(string)
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = NewColorTextHandler(output, opts, useColor)
	}
	slogger = slog.New(handler)
}

// Configure applies a Config produced by internal/config, replacing the
// process-wide logger. Called once at startup from cmd/amberkv. Every
// field is applied to the package-level state before a single
// reconfigure, rather than leaning on SetLevel/SetFormat's own
// reconfigure side effect: an Output-only change (Level and Format both
// left blank) must not wait for some later call to take effect.
func Configure(cfg Config) error {
	if cfg.Output != "" {
		mu.Lock()
		var newOutput io.Writer
		var newUseColor bool
		switch strings.ToLower(cfg.Output) {
		case "stdout", "":
			newOutput, newUseColor = os.Stdout, isTerminal(os.Stdout.Fd())
		case "stderr":
			newOutput, newUseColor = os.Stderr, isTerminal(os.Stderr.Fd())
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				mu.Unlock()
				return fmt.Errorf("open log file %q: %w", cfg.Output, err)
			}
			newOutput, newUseColor = f, false
		}
		output, useColor = newOutput, newUseColor
		mu.Unlock()
	}
	if cfg.Level != "" {
		setLevelNoReconfigure(cfg.Level)
	}
	if cfg.Format != "" {
		setFormatNoReconfigure(cfg.Format)
	}
	reconfigure()
	return nil
}

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer, color bool) {
	mu.Lock()
	output, useColor = w, color
	mu.Unlock()
	reconfigure()
}

// SetLevel sets the minimum level that will be emitted.
func SetLevel(level string) {
	setLevelNoReconfigure(level)
	reconfigure()
}

func setLevelNoReconfigure(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel.Store(int32(LevelDebug))
	case "INFO":
		currentLevel.Store(int32(LevelInfo))
	case "WARN":
		currentLevel.Store(int32(LevelWarn))
	case "ERROR":
		currentLevel.Store(int32(LevelError))
	}
}

// SetFormat switches between "text" and "json" rendering.
func SetFormat(format string) {
	setFormatNoReconfigure(format)
	reconfigure()
}

func setFormatNoReconfigure(format string) {
	format = strings.ToLower(format)
	if format != "text" && format != "json" {
		return
	}
	currentFormat.Store(format)
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

// Debug logs at debug level: Debug("message", "key", value, ...).
func Debug(msg string, args ...any) {
	if LevelDebug < Level(currentLevel.Load()) {
		return
	}
	get().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if LevelInfo < Level(currentLevel.Load()) {
		return
	}
	get().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	if LevelWarn < Level(currentLevel.Load()) {
		return
	}
	get().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	get().Error(msg, args...)
}

// With returns a child logger carrying the given attributes, for tagging a
// connection or request with its peer address / request id for the
// remainder of its lifetime.
func With(args ...any) *slog.Logger {
	return get().With(args...)
}
