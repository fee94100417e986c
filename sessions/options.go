package sessions

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MetricsSink allows optional instrumentation without hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Option configures a Registry.
type Option func(*config)

type config struct {
	logger           *slog.Logger
	metrics          MetricsSink
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	tombstoneTTL     time.Duration
	sweepInterval    time.Duration
	newID            func() (string, error)
	now              func() time.Time
}

// applyDefaults populates zero values with conservative defaults.
func (c *config) applyDefaults() {
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = 30 * time.Second
	}
	if c.tombstoneTTL <= 0 {
		c.tombstoneTTL = 10 * time.Minute
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = 30 * time.Second
	}
	if c.newID == nil {
		c.newID = newSessionID
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// newSessionID returns a UUIDv7: random enough that collisions are
// impractical and time ordered so ids sort by creation.
func newSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics installs a metrics sink.
func WithMetrics(m MetricsSink) Option {
	return func(c *config) { c.metrics = m }
}

// WithHandshakeTimeout bounds how long a session may stay Pending (default 30s).
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) { c.handshakeTimeout = d }
}

// WithIdleTimeout closes sessions with no activity for d. Zero (the default)
// disables idle expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.idleTimeout = d }
}

// WithTombstoneTTL sets how long closed session ids are remembered (default 10m).
func WithTombstoneTTL(d time.Duration) Option {
	return func(c *config) { c.tombstoneTTL = d }
}

// WithSweepInterval sets how often Run checks for idle sessions and expired
// tombstones (default 30s).
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(c *config) { c.newID = fn }
}

// WithClock replaces the clock used for activity tracking and expiry.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}
