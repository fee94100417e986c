// Command resumable-server serves the calculator application over the
// resumable streamable HTTP transport, and optionally over the legacy
// HTTP+SSE transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-resumable-http/eventlog"
	"github.com/ggoodman/mcp-resumable-http/eventlog/memorylog"
	"github.com/ggoodman/mcp-resumable-http/eventlog/redislog"
	"github.com/ggoodman/mcp-resumable-http/examples/calculator"
	"github.com/ggoodman/mcp-resumable-http/legacysse"
	"github.com/ggoodman/mcp-resumable-http/metrics"
	"github.com/ggoodman/mcp-resumable-http/router"
	"github.com/ggoodman/mcp-resumable-http/sessions"
	"github.com/ggoodman/mcp-resumable-http/streaminghttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	lvl := new(slog.LevelVar)
	level, _ := parseLevel(cfg.LogLevel)
	lvl.Set(level)
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	if err := run(ctx, cfg, lvl, log); err != nil {
		log.Error("server.exit.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

// server holds the wired components of one process.
type server struct {
	cfg      Config
	log      *slog.Logger
	registry *sessions.Registry
	metrics  *metrics.Prometheus
	handler  http.Handler
	closers  []func(context.Context) error
}

func run(ctx context.Context, cfg Config, lvl *slog.LevelVar, log *slog.Logger) error {
	srv, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", srv.metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "server.listen", slog.String("addr", cfg.ListenAddr), slog.String("endpoint", cfg.PublicEndpoint))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := srv.registry.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.ConfigFile != "" {
		g.Go(func() error { return watchConfig(gctx, cfg.ConfigFile, lvl, log) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server.shutdown.start")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		// Closing sessions first ends open streams so the HTTP server can drain.
		if err := srv.registry.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
		}
		if err := httpSrv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(sctx); err != nil {
				errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
			}
		}
		for _, c := range srv.closers {
			if err := c(sctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// build wires the backend, registry, router and transports described by cfg.
func build(ctx context.Context, cfg Config, log *slog.Logger) (*server, error) {
	srv := &server{cfg: cfg, log: log}

	tp, shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, shutdownTracing)

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, closeBackend)

	srv.metrics = metrics.New(metrics.Config{})
	srv.registry = sessions.NewRegistry(backend,
		sessions.WithLogger(log),
		sessions.WithMetrics(srv.metrics),
		sessions.WithHandshakeTimeout(cfg.HandshakeTimeout),
		sessions.WithIdleTimeout(cfg.IdleTimeout),
		sessions.WithTombstoneTTL(cfg.TombstoneTTL),
	)
	if err := srv.metrics.RegisterSessionGauge(srv.registry); err != nil {
		return nil, fmt.Errorf("register session gauge: %w", err)
	}

	ropts := []router.Option{
		router.WithLogger(log),
		router.WithMetrics(srv.metrics),
		router.WithTracerProvider(tp),
		router.WithBootstrapMethods("server/info"),
	}
	if cfg.StrictReplay {
		ropts = append(ropts, router.WithStrictReplay())
	}
	rt := router.New(srv.registry, calculator.New(calculator.WithLogger(log)), ropts...)

	streaming, err := streaminghttp.New(cfg.PublicEndpoint, rt, streaminghttp.WithLogger(log))
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.PublicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid public endpoint: %w", err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.Handle(path, streaming)
	if cfg.LegacySSE {
		legacy, err := legacysse.New(rt, legacysse.WithLogger(log))
		if err != nil {
			return nil, err
		}
		mux.Handle("/sse", legacy)
		mux.Handle("/messages", legacy)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv.handler = mux
	return srv, nil
}

func openBackend(ctx context.Context, cfg Config) (eventlog.Backend, func(context.Context) error, error) {
	switch cfg.Backend {
	case "redis":
		b, err := redislog.New(ctx, redislog.Config{Addr: cfg.RedisAddr, KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis backend: %w", err)
		}
		return b, func(context.Context) error { return b.Close() }, nil
	default:
		return memorylog.Backend{}, func(context.Context) error { return nil }, nil
	}
}
