package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	globalLogger    *slog.Logger
	logLevel        slog.Level
	detailedLogging bool
	tracingEnabled  bool
	tracer          trace.Tracer
	tracerProvider  *sdktrace.TracerProvider
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level           string // DEBUG, INFO, WARN, ERROR
	Format          string // json or text
	DetailedLogging bool
	TracingEnabled  bool
}

// Init initializes the global logger and tracer from environment variables
func Init() error {
	return InitWithConfig(LoadConfigFromEnv())
}

// LoadConfigFromEnv loads logging configuration from environment variables
func LoadConfigFromEnv() LogConfig {
	return LogConfig{
		Level:           getEnvOrDefault("LOG_LEVEL", "INFO"),
		Format:          getEnvOrDefault("LOG_FORMAT", "json"),
		DetailedLogging: getEnvOrDefault("LOG_DETAILED", "false") == "true",
		TracingEnabled:  getEnvOrDefault("LOG_TRACING_ENABLED", "true") == "true",
	}
}

// InitWithConfig initializes the logger and tracer with specific configuration
func InitWithConfig(config LogConfig) error {
	logLevel = parseLogLevel(config.Level)
	detailedLogging = config.DetailedLogging
	tracingEnabled = config.TracingEnabled

	// Source information is added manually in logWithTrace so the caller
	// location points at the call site, not this package.
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: false,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)

	if tracingEnabled {
		if err := initTracer(); err != nil {
			globalLogger.Warn("Failed to initialize OpenTelemetry tracer, tracing disabled", "error", err)
			tracingEnabled = false
		}
	}

	return nil
}

func initTracer() error {
	exporter, err := stdouttrace.New(
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return err
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName("marketpipe"),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return err
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = otel.Tracer("marketpipe")

	return nil
}

// Shutdown gracefully shuts down the tracer provider
func Shutdown(ctx context.Context) error {
	if tracerProvider != nil {
		return tracerProvider.Shutdown(ctx)
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// StartSpan starts a new OpenTelemetry span
func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !tracingEnabled || tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName, opts...)
}

func getTraceAttrs(ctx context.Context) []any {
	if !tracingEnabled {
		return nil
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}

	return []any{
		"trace_id", span.SpanContext().TraceID().String(),
		"span_id", span.SpanContext().SpanID().String(),
	}
}

// Debug logs a debug message
func Debug(ctx context.Context, msg string, args ...any) {
	if !detailedLogging {
		return
	}
	logWithTrace(ctx, slog.LevelDebug, msg, 2, args...)
}

// Info logs an info message
func Info(ctx context.Context, msg string, args ...any) {
	logWithTrace(ctx, slog.LevelInfo, msg, 2, args...)
}

// Warn logs a warning message
func Warn(ctx context.Context, msg string, args ...any) {
	logWithTrace(ctx, slog.LevelWarn, msg, 2, args...)
}

// Error logs an error message
func Error(ctx context.Context, msg string, args ...any) {
	logWithTrace(ctx, slog.LevelError, msg, 2, args...)
}

// ErrorWithErr logs an error message with an error object
func ErrorWithErr(ctx context.Context, msg string, err error, args ...any) {
	if tracingEnabled {
		span := trace.SpanFromContext(ctx)
		if span.SpanContext().IsValid() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	allArgs := append([]any{"error", err}, args...)
	logWithTrace(ctx, slog.LevelError, msg, 2, allArgs...)
}

// logWithTrace logs a message with trace ID and span ID if available.
// skip indicates how many stack frames to skip to reach the actual caller.
func logWithTrace(ctx context.Context, level slog.Level, msg string, skip int, args ...any) {
	if traceAttrs := getTraceAttrs(ctx); traceAttrs != nil {
		args = append(traceAttrs, args...)
	}

	if detailedLogging {
		if pc, file, line, ok := runtime.Caller(skip); ok {
			fn := runtime.FuncForPC(pc)
			if fn != nil {
				args = append(args, "source", slog.GroupValue(
					slog.String("function", fn.Name()),
					slog.String("file", file),
					slog.Int("line", line),
				))
			}
		}
	}

	globalLogger.Log(ctx, level, msg, args...)
}

// OperationTimer helps measure operation duration with OpenTelemetry spans
type OperationTimer struct {
	ctx    context.Context
	span   trace.Span
	start  time.Time
	fields []any
}

// StartOperation starts timing an operation with an OpenTelemetry span
func StartOperation(ctx context.Context, operation string, fields ...any) *OperationTimer {
	var span trace.Span
	if tracingEnabled {
		ctx, span = StartSpan(ctx, operation)
		span.SetAttributes(fieldsToAttrs(fields)...)
	}

	if detailedLogging {
		Debug(ctx, "Operation started", append([]any{"operation", operation}, fields...)...)
	}

	return &OperationTimer{
		ctx:    ctx,
		span:   span,
		start:  time.Now(),
		fields: fields,
	}
}

// End completes the operation timer and logs the duration
func (ot *OperationTimer) End(additionalFields ...any) {
	duration := time.Since(ot.start)

	if tracingEnabled && ot.span != nil {
		ot.span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
		ot.span.SetAttributes(fieldsToAttrs(additionalFields)...)
		ot.span.SetStatus(codes.Ok, "completed")
		ot.span.End()
	}

	if detailedLogging {
		fields := append(ot.fields, "duration_ms", duration.Milliseconds())
		fields = append(fields, additionalFields...)
		Debug(ot.ctx, "Operation completed", fields...)
	}
}

// EndWithError completes the operation timer with an error
func (ot *OperationTimer) EndWithError(err error, additionalFields ...any) {
	duration := time.Since(ot.start)

	if tracingEnabled && ot.span != nil {
		ot.span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
		ot.span.RecordError(err)
		ot.span.SetStatus(codes.Error, err.Error())
		ot.span.End()
	}

	fields := append(ot.fields, "duration_ms", duration.Milliseconds(), "error", err)
	fields = append(fields, additionalFields...)
	Error(ot.ctx, "Operation failed", fields...)
}

// GetContext returns the context with the span
func (ot *OperationTimer) GetContext() context.Context {
	return ot.ctx
}

func fieldsToAttrs(fields []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		}
	}
	return attrs
}

// StateChange logs a connection state machine transition (always logged)
func StateChange(ctx context.Context, from, to string, fields ...any) {
	if tracingEnabled {
		span := trace.SpanFromContext(ctx)
		if span.SpanContext().IsValid() {
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("from", from),
				attribute.String("to", to),
			))
		}
	}

	allFields := append([]any{
		"type", "STATE",
		"from", from,
		"to", to,
	}, fields...)
	logWithTrace(ctx, slog.LevelInfo, "Connection state changed", 2, allFields...)
}

// Gap logs a detected candle timeline gap (always logged)
func Gap(ctx context.Context, instrument, timeframe string, fromTS, toTS int64, fields ...any) {
	if tracingEnabled {
		span := trace.SpanFromContext(ctx)
		if span.SpanContext().IsValid() {
			span.AddEvent("gap_detected", trace.WithAttributes(
				attribute.String("instrument", instrument),
				attribute.String("timeframe", timeframe),
				attribute.Int64("from_ts", fromTS),
				attribute.Int64("to_ts", toTS),
			))
		}
	}

	allFields := append([]any{
		"type", "GAP",
		"instrument", instrument,
		"timeframe", timeframe,
		"from_ts", fromTS,
		"to_ts", toTS,
	}, fields...)
	logWithTrace(ctx, slog.LevelWarn, "Candle timeline gap detected", 2, allFields...)
}

// IsDebugEnabled returns whether debug logging is enabled
func IsDebugEnabled() bool {
	return detailedLogging
}

// IsTracingEnabled returns whether tracing is enabled
func IsTracingEnabled() bool {
	return tracingEnabled
}
