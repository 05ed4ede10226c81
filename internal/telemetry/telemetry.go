// Package telemetry sets up the structured logger and the OpenTelemetry providers of a process.
// Everything is written to rotating files, since the terminal client owns stdout.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configure Setup.
type Options struct {
	// Dir receives the log, trace and metric files.
	Dir         string
	ServiceName string
	// Level is one of debug, info, warn or error. Empty means info.
	Level string
	// Tracing installs tracer and meter providers. Without it the otel globals stay no-ops.
	Tracing bool
	// MetricInterval is how often metrics are exported. Zero means 30 seconds.
	MetricInterval time.Duration
}

// Telemetry holds what Setup created. Shutdown flushes and closes all of it.
type Telemetry struct {
	Logger *slog.Logger

	closers  []io.Closer
	shutdown []func(context.Context) error
}

func rotatingFile(dir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// NewLogger returns a JSON logger that writes to w at level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Setup creates the logger of the process and, if enabled, the trace and metric pipelines. The
// returned Telemetry must be shut down before the process exits.
func Setup(ctx context.Context, opts Options) (*Telemetry, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}

	logFile := rotatingFile(opts.Dir, opts.ServiceName+".log")
	t := &Telemetry{
		Logger:  NewLogger(logFile, level),
		closers: []io.Closer{logFile},
	}
	if !opts.Tracing {
		return t, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(opts.ServiceName)))
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceFile := rotatingFile(opts.Dir, opts.ServiceName+"_traces.log")
	t.closers = append(t.closers, traceFile)
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(traceFile))
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	t.shutdown = append(t.shutdown, tp.Shutdown)

	metricsFile := rotatingFile(opts.Dir, opts.ServiceName+"_metrics.log")
	t.closers = append(t.closers, metricsFile)
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(metricsFile))
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := opts.MetricInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	t.shutdown = append(t.shutdown, mp.Shutdown)

	return t, nil
}

// Shutdown flushes the providers, then closes the files.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range t.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
