package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Type alias for slog.Level for easier usage
type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug // -4
	LevelInfo    = slog.LevelInfo  // 0
	LevelWarning = slog.LevelWarn  // 4
	LevelError   = slog.LevelError // 8
	LevelFatal   = slog.Level(12)  // 12
)

var (
	Logger          *slog.Logger
	errorSampleRate atomic.Int32
	programLevel    = new(slog.LevelVar)
	shutdownFunc    func(context.Context) error // nil unless OTEL is enabled
)

// Counters for the metrics endpoint. They are incremented regardless of sampling.
var (
	TotalErrors    atomic.Int64
	TotalWarnings  atomic.Int64
	Total5xxErrors atomic.Int64
	Total4xxErrors atomic.Int64
	Total400Errors atomic.Int64
	Total401Errors atomic.Int64
	Total404Errors atomic.Int64
)

// Options controls logger initialisation.
type Options struct {
	Level       slog.Level
	SampleRate  int // log 1 of every N warnings/errors; <= 1 logs all
	OTELEnabled bool
	ServiceName string
	Output      io.Writer // JSON handler destination, defaults to stdout
}

// OptionsFromEnv reads LOG_LEVEL, ERROR_SAMPLE_RATE, OTEL_ENABLED and OTEL_SERVICE_NAME.
func OptionsFromEnv() Options {
	opts := Options{
		Level:       LevelInfo,
		SampleRate:  1,
		ServiceName: "automations",
	}

	if lvl, err := ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		opts.Level = lvl
	}
	if sampleStr := os.Getenv("ERROR_SAMPLE_RATE"); sampleStr != "" {
		if rate, err := strconv.Atoi(sampleStr); err == nil && rate > 0 {
			opts.SampleRate = rate
		}
	}
	opts.OTELEnabled = strings.ToLower(os.Getenv("OTEL_ENABLED")) == "true"
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		opts.ServiceName = name
	}
	return opts
}

func init() {
	programLevel.Set(LevelInfo)
	errorSampleRate.Store(1)
	setupJSONLogging(os.Stdout)
}

// Setup (re)initialises the package logger. It is safe to call once at startup;
// the JSON handler installed by init stays in place until then.
func Setup(opts Options) {
	programLevel.Set(opts.Level)
	if opts.SampleRate < 1 {
		opts.SampleRate = 1
	}
	errorSampleRate.Store(int32(opts.SampleRate))

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	if !opts.OTELEnabled {
		setupJSONLogging(out)
		return
	}

	shutdown, err := setupOTELLogging(context.Background(), opts.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup OTEL logging, falling back to JSON: %v\n", err)
		setupJSONLogging(out)
		return
	}
	shutdownFunc = shutdown
}

// setupJSONLogging configures JSON logging with context enrichment
func setupJSONLogging(out io.Writer) {
	handler := NewContextHandler(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: programLevel,
	}))
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// setupOTELLogging configures OpenTelemetry logging
func setupOTELLogging(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	otelHandler := otelslog.NewHandler(
		serviceName,
		otelslog.WithLoggerProvider(loggerProvider),
	)

	Logger = slog.New(NewContextHandler(&levelHandler{
		level:   programLevel,
		handler: otelHandler,
	}))
	slog.SetDefault(Logger)

	return loggerProvider.Shutdown, nil
}

// levelHandler wraps a handler to filter by level
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
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

// Shutdown flushes the OTEL pipeline when enabled.
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

// SetLevel sets the minimum log level for the logger
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum log level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a string level name to slog.Level
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %q (defaulting to INFO)", levelStr)
	}
}

// shouldSample returns true if this warning/error should be written (1 out of every N).
func shouldSample() bool {
	rate := errorSampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

// ============================================================================
// Logging Functions
// ============================================================================

func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn logs a warning with sampling; the counter is always incremented.
func Warn(msg string, args ...any) {
	WarnContext(context.Background(), msg, args...)
}

// Error logs an error with sampling; the counter is always incremented.
func Error(msg string, args ...any) {
	ErrorContext(context.Background(), msg, args...)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	Logger.DebugContext(ctx, msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	Logger.InfoContext(ctx, msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		Logger.WarnContext(ctx, msg, args...)
	}
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		Logger.ErrorContext(ctx, msg, args...)
	}
}

// Fatal logs a fatal-level message and exits (never sampled)
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	if shutdownFunc != nil {
		_ = shutdownFunc(context.Background())
	}
	os.Exit(1)
}

// ============================================================================
// HTTP-Specific Counters
// ============================================================================

// ErrorHttp5xx increments the 5xx counters.
func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

// WarnHttp4xx increments the 4xx counters.
func WarnHttp4xx(status int) {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)

	switch status {
	case 400:
		Total400Errors.Add(1)
	case 401:
		Total401Errors.Add(1)
	case 404:
		Total404Errors.Add(1)
	}
}

// Counters returns a snapshot of all counters, keyed for JSON output.
func Counters() map[string]int64 {
	return map[string]int64{
		"errors":   TotalErrors.Load(),
		"warnings": TotalWarnings.Load(),
		"http_5xx": Total5xxErrors.Load(),
		"http_4xx": Total4xxErrors.Load(),
		"http_400": Total400Errors.Load(),
		"http_401": Total401Errors.Load(),
		"http_404": Total404Errors.Load(),
	}
}
