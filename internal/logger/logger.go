package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

type Level = slog.Level

// Levels beyond slog's four.
const (
	LevelTrace   Level = -8
	LevelDebug         = slog.LevelDebug
	LevelInfo          = slog.LevelInfo
	LevelWarning       = slog.LevelWarn
	LevelError         = slog.LevelError
	LevelFatal   Level = 12
)

var (
	Logger *slog.Logger

	programLevel = new(slog.LevelVar)
	// One in sampleRate warnings and errors is written. Counters see all of them.
	sampleRate atomic.Int32
	shutdown   func(context.Context) error
)

// settings is the logging configuration read from the environment.
type settings struct {
	level      Level
	sampleRate int32
	otel       bool
	service    string
}

// settingsFrom reads LOG_LEVEL, ERROR_SAMPLE_RATE, OTEL_ENABLED and OTEL_SERVICE_NAME.
// Unparseable values fall back to the defaults.
func settingsFrom(getenv func(string) string) settings {
	s := settings{level: LevelInfo, sampleRate: 100, service: "rulestage"}
	if lvl, err := ParseLevel(getenv("LOG_LEVEL")); err == nil {
		s.level = lvl
	}
	if n, err := strconv.Atoi(getenv("ERROR_SAMPLE_RATE")); err == nil && n > 0 {
		s.sampleRate = int32(n)
	}
	s.otel = strings.EqualFold(getenv("OTEL_ENABLED"), "true")
	if name := getenv("OTEL_SERVICE_NAME"); name != "" {
		s.service = name
	}
	return s
}

func init() {
	s := settingsFrom(os.Getenv)
	programLevel.Set(s.level)
	sampleRate.Store(s.sampleRate)

	if !s.otel {
		SetOutput(os.Stderr)
		return
	}
	stop, err := setupOTELLogging(context.Background(), s.service)
	if err != nil {
		SetOutput(os.Stderr)
		Logger.Warn("OTEL logging unavailable, using JSON", "error", err)
		return
	}
	shutdown = stop
}

// SetOutput installs a JSON handler writing to w. Stdout is reserved for the command
// line host's records, so the default is stderr.
func SetOutput(w io.Writer) {
	Logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: programLevel}))
	slog.SetDefault(Logger)
}

// Shutdown flushes the OTEL exporter when one is installed.
func Shutdown(ctx context.Context) error {
	if shutdown == nil {
		return nil
	}
	return shutdown(ctx)
}

func SetLevel(level Level) {
	programLevel.Set(level)
}

// ParseLevel maps a level name, in any case, to its Level. Empty means INFO.
func ParseLevel(name string) (Level, error) {
	switch strings.ToUpper(name) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

func sampled() bool {
	n := sampleRate.Load()
	return n <= 1 || rand.Int32N(n) == 0
}

func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn counts every warning but writes only a sample of them.
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if sampled() {
		Logger.Warn(msg, args...)
	}
}

// Error counts every error but writes only a sample of them.
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if sampled() {
		Logger.Error(msg, args...)
	}
}

// Fatal writes msg unsampled, flushes OTEL and exits with status 1.
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}
