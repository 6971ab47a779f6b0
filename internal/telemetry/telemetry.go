// Package telemetry wires up structured logging and trace-context
// propagation for dispatchcore. Logging construction is grounded on
// the teacher's initializeLogging in cmd/ollamacron/main.go
// (zerolog.SetGlobalLevel + ConsoleWriter for pretty output). Tracer
// construction stays deliberately minimal: SPEC_FULL.md carries
// OpenTelemetry only as far as the trace_context propagation carrier
// the Dispatcher threads through (see pkg/request), not a full
// exporter pipeline — that plumbing is an external collaborator, not
// part of this core.
package telemetry

import (
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/khryptorgraphics/dispatchcore/internal/config"
)

// NewLogger builds the process-wide zerolog.Logger from LoggingConfig.
func NewLogger(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, err
	}
	zerolog.SetGlobalLevel(level)

	var out zerolog.Logger
	if cfg.Pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		out = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return out.With().Str("component", "dispatchcore").Logger(), nil
}

// Tracer returns dispatchcore's named OpenTelemetry tracer. With no
// SDK installed, otel's default no-op provider is used — a SpanExporter
// can be wired in by a deployment that needs one, without this package
// changing.
func Tracer() trace.Tracer {
	return otel.Tracer("dispatchcore")
}

// TextMapPropagator returns the W3C trace-context propagator used to
// translate between a Request's TraceContext carrier and outbound
// spans.
func TextMapPropagator() propagation.TextMapPropagator {
	return propagation.TraceContext{}
}
