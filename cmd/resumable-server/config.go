package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/joeshaw/envdecode"
)

// Config is the server configuration. Environment variables provide the
// defaults; the TOML file named by MCP_CONFIG_FILE overrides the keys it sets.
type Config struct {
	ListenAddr     string `env:"MCP_LISTEN_ADDR,default=127.0.0.1:8080" toml:"listen_addr"`
	PublicEndpoint string `env:"MCP_PUBLIC_ENDPOINT,default=http://127.0.0.1:8080/mcp" toml:"public_endpoint"`
	// MetricsAddr serves /metrics. Empty disables the metrics listener.
	MetricsAddr string `env:"MCP_METRICS_ADDR,default=127.0.0.1:9090" toml:"metrics_addr"`

	// Backend is "memory" or "redis".
	Backend        string `env:"MCP_BACKEND,default=memory" toml:"backend"`
	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379" toml:"redis_addr"`
	RedisKeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=mcp:eventlog:" toml:"redis_key_prefix"`

	HandshakeTimeout time.Duration `env:"MCP_HANDSHAKE_TIMEOUT,default=30s" toml:"handshake_timeout"`
	IdleTimeout      time.Duration `env:"MCP_IDLE_TIMEOUT,default=30m" toml:"idle_timeout"`
	TombstoneTTL     time.Duration `env:"MCP_TOMBSTONE_TTL,default=10m" toml:"tombstone_ttl"`
	ShutdownTimeout  time.Duration `env:"MCP_SHUTDOWN_TIMEOUT,default=10s" toml:"shutdown_timeout"`
	StrictReplay     bool          `env:"MCP_STRICT_REPLAY,default=false" toml:"strict_replay"`
	LegacySSE        bool          `env:"MCP_LEGACY_SSE,default=true" toml:"legacy_sse"`

	LogLevel string `env:"MCP_LOG_LEVEL,default=info" toml:"log_level"`

	// OTLPEndpoint is a host:port for the OTLP HTTP trace exporter. Empty
	// disables trace export.
	OTLPEndpoint string `env:"MCP_OTLP_ENDPOINT" toml:"otlp_endpoint"`
	OTLPInsecure bool   `env:"MCP_OTLP_INSECURE,default=false" toml:"otlp_insecure"`

	ConfigFile string `env:"MCP_CONFIG_FILE" toml:"-"`
}

// loadConfig decodes the environment, then the config file if one is named.
func loadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode env config: %w", err)
	}
	if cfg.ConfigFile != "" {
		if err := cfg.overlayFile(cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// overlayFile decodes path over cfg. Keys absent from the file keep their
// current values; unknown keys are an error.
func (c *Config) overlayFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("load config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("load config file %q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported backend %q (expected memory or redis)", c.Backend)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.HandshakeTimeout < 0 || c.IdleTimeout < 0 || c.TombstoneTTL < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// watchConfig reloads the config file whenever it changes and applies its
// log level to lvl. Other keys need a restart. The directory is watched so
// that editors replacing the file are seen.
func watchConfig(ctx context.Context, path string, lvl *slog.LevelVar, log *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloadLevel(ctx, abs, lvl, log)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "config.watch.error", slog.String("err", err.Error()))
		}
	}
}

func reloadLevel(ctx context.Context, path string, lvl *slog.LevelVar, log *slog.Logger) {
	var file struct {
		LogLevel string `toml:"log_level"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		log.WarnContext(ctx, "config.reload.fail", slog.String("err", err.Error()))
		return
	}
	if file.LogLevel == "" {
		return
	}
	next, err := parseLevel(file.LogLevel)
	if err != nil {
		log.WarnContext(ctx, "config.reload.fail", slog.String("err", err.Error()))
		return
	}
	if next != lvl.Level() {
		lvl.Set(next)
		log.InfoContext(ctx, "config.reload.ok", slog.String("log_level", next.String()))
	}
}
