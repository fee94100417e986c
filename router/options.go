package router

import (
	"log/slog"

	"github.com/ggoodman/mcp-resumable-http/sessions"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ggoodman/mcp-resumable-http/router"

// Option configures a Router.
type Option func(*config)

type config struct {
	logger         *slog.Logger
	metrics        sessions.MetricsSink
	tracerProvider trace.TracerProvider
	strictReplay   bool
	bootstrap      []string
	createAttempts int
}

func (c *config) applyDefaults() {
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracerProvider == nil {
		c.tracerProvider = otel.GetTracerProvider()
	}
	if c.createAttempts <= 0 {
		c.createAttempts = 3
	}
}

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics installs a metrics sink.
func WithMetrics(m sessions.MetricsSink) Option {
	return func(c *config) { c.metrics = m }
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tracerProvider = tp }
}

// WithStrictReplay makes a resumption with an unknown Last-Event-ID fail with
// KindUnknownEvent instead of resuming live delivery with nothing replayed.
func WithStrictReplay() Option {
	return func(c *config) { c.strictReplay = true }
}

// WithBootstrapMethods lets requests with the given methods open a session
// when they arrive without a session id, in addition to "initialize".
func WithBootstrapMethods(methods ...string) Option {
	return func(c *config) { c.bootstrap = append(c.bootstrap, methods...) }
}

// WithCreateAttempts bounds how often session creation is retried after an
// id collision (default 3).
func WithCreateAttempts(n int) Option {
	return func(c *config) { c.createAttempts = n }
}
