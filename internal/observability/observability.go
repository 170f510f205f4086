// Package observability configures the process-wide slog logger, optionally
// backed by an OpenTelemetry log pipeline.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// instrumentationName identifies log records emitted through the OTel bridge.
const instrumentationName = "github.com/florianilch/ghdevice"

// Log formats for the plain slog handlers.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Log exporters. ExporterNone keeps logging on the plain slog handlers.
const (
	ExporterNone     = ""
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Options selects how logs are emitted.
type Options struct {
	Level    slog.Level
	Format   string
	Exporter string

	// Writer receives plain and stdout-exported logs. Defaults to os.Stderr.
	Writer io.Writer
}

// ShutdownFunc flushes and stops whatever Instrument set up.
type ShutdownFunc func(context.Context) error

// Instrument installs the default slog logger. With an exporter set, records
// flow through the otelslog bridge into an OTel LoggerProvider that is also
// registered globally; OTLP exporters read their endpoint from the standard
// OTEL_EXPORTER_OTLP_* environment variables.
func Instrument(ctx context.Context, opts Options) (ShutdownFunc, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	if opts.Exporter == ExporterNone {
		handler, err := newHandler(w, opts.Format, opts.Level)
		if err != nil {
			return nil, err
		}
		slog.SetDefault(slog.New(handler))
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, opts.Exporter, w)
	if err != nil {
		return nil, fmt.Errorf("creating %s log exporter: %w", opts.Exporter, err)
	}

	// stdout is for local inspection; flush every record immediately
	var processor sdklog.Processor
	if opts.Exporter == ExporterStdout {
		processor = sdklog.NewSimpleProcessor(exporter)
	} else {
		processor = sdklog.NewBatchProcessor(exporter)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(minsev.NewLogProcessor(processor, severityOf(opts.Level))),
	)
	global.SetLoggerProvider(provider)

	// SDK errors must not loop back into the OTel pipeline
	fallback := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		fallback.Warn("opentelemetry error", "error", err)
	}))

	slog.SetDefault(slog.New(otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))))

	return func(ctx context.Context) error {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down logger provider: %w", err)
		}
		return nil
	}, nil
}

func newHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch format {
	case FormatText, "":
		return slog.NewTextHandler(w, handlerOpts), nil
	case FormatJSON:
		return slog.NewJSONHandler(w, handlerOpts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

func newExporter(ctx context.Context, name string, w io.Writer) (sdklog.Exporter, error) {
	switch name {
	case ExporterStdout:
		return stdoutlog.New(stdoutlog.WithWriter(w))
	case ExporterOTLPHTTP:
		return otlploghttp.New(ctx)
	case ExporterOTLPGRPC:
		return otlploggrpc.New(ctx)
	default:
		return nil, errors.New("unsupported log exporter")
	}
}

// severityOf maps slog levels onto the OTel severity scale.
func severityOf(level slog.Level) minsev.Severity {
	switch {
	case level < slog.LevelInfo:
		return minsev.SeverityDebug
	case level < slog.LevelWarn:
		return minsev.SeverityInfo
	case level < slog.LevelError:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
