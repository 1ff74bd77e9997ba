package logger

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

// Options configures Setup
type Options struct {
	// Level is a name accepted by ParseLevel; empty means INFO
	Level string
	// ErrorSampleRate logs 1 of every N warnings and errors; <= 1 logs all
	ErrorSampleRate int
	// OTELEnabled exports logs over OTLP gRPC instead of stdout JSON
	OTELEnabled bool
	ServiceName string
}

var (
	Logger          = slog.Default()
	errorSampleRate atomic.Int32
	programLevel    = new(slog.LevelVar)
	shutdownFunc    func(context.Context) error

	// counted regardless of sampling
	TotalErrors   atomic.Int64
	TotalWarnings atomic.Int64
)

// Setup installs the process logger as the slog default. A failed OTEL
// setup falls back to JSON on stdout.
func Setup(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if opts.Level != "" && err != nil {
		return err
	}
	programLevel.Set(level)

	rate := opts.ErrorSampleRate
	if rate < 1 {
		rate = 1
	}
	errorSampleRate.Store(int32(rate))

	if !opts.OTELEnabled {
		setupJSONLogging()
		return nil
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "fundingpolicy"
	}
	shutdown, err := setupOTELLogging(context.Background(), serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup OTEL logging, falling back to JSON: %v\n", err)
		setupJSONLogging()
		return nil
	}
	shutdownFunc = shutdown
	return nil
}

func setupJSONLogging() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: programLevel})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func setupOTELLogging(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	handler := &levelHandler{
		level:   programLevel,
		handler: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider)),
	}
	Logger = slog.New(handler)
	slog.SetDefault(Logger)

	return provider.Shutdown, nil
}

// levelHandler filters records below level before they reach handler
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Shutdown flushes the OTEL exporter; a no-op for JSON logging
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a level name (TRACE, DEBUG, INFO, WARN, ERROR, FATAL)
// to a slog.Level. Unknown names return INFO and an error.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
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
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

func shouldSample() bool {
	rate := errorSampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
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

// Warn logs a sampled warning; TotalWarnings counts every call
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		Logger.Warn(msg, args...)
	}
}

// Error logs a sampled error; TotalErrors counts every call
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs, flushes OTEL and exits with status 1
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	if shutdownFunc != nil {
		_ = shutdownFunc(context.Background())
	}
	os.Exit(1)
}
