// Package config loads the proxy configuration from defaults, a YAML file and
// PROXY_* environment variables. The result is immutable after Load returns
// and is handed to every component by pointer.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. Nested keys use "__",
// e.g. PROXY_SERVER__PORT=9000.
const EnvPrefix = "PROXY_"

var (
	ErrMissingBaseURL = errors.New("upstream.base_url is required")
	ErrNoUpstreamKeys = errors.New("upstream.api_keys must contain at least one key")
)

type Config struct {
	Version   string          `koanf:"version"`
	Server    ServerConfig    `koanf:"server"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Access    AccessConfig    `koanf:"access"`
	Log       LogConfig       `koanf:"log"`
	Activity  ActivityConfig  `koanf:"activity"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`  // 0 disables
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"` // grace period for open streams
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type UpstreamConfig struct {
	BaseURL string   `koanf:"base_url"`
	APIKeys []string `koanf:"api_keys"`
	// Timeout bounds dialing and waiting for response headers. Streamed
	// bodies are never cut off by it.
	Timeout time.Duration `koanf:"timeout"`
}

type AccessConfig struct {
	Keys []string `koanf:"keys"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	File   string `koanf:"file"`   // optional extra destination
}

// SlogLevel returns the parsed log level. Validate guarantees it parses.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

type ActivityConfig struct {
	Path string `koanf:"path"` // SQLite file; empty disables the activity log
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"upstream.api_keys": true,
	"access.keys":       true,
}

var defaults = map[string]any{
	"server.host":             "127.0.0.1",
	"server.port":             8080,
	"server.shutdown_timeout": "30s",
	"log.level":               "info",
	"log.format":              "json",
	"metrics.enabled":         true,
}

// FileName returns the config file to read: config.<ENV>.yaml when ENV is
// set, config.yaml otherwise.
func FileName() string {
	if suffix := os.Getenv("ENV"); suffix != "" {
		return fmt.Sprintf("config.%s.yaml", suffix)
	}
	return "config.yaml"
}

// Load reads configuration from path (missing file is fine) and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, v := range defaults {
		k.Set(key, v)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	// Environment variables override the file
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Upstream.BaseURL = strings.TrimRight(cfg.Upstream.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envValue(s, v string) (string, any) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	if listKeys[key] {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return key, items
	}
	return key, v
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return ErrMissingBaseURL
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.base_url %q must be an absolute URL", c.Upstream.BaseURL)
	}

	if len(c.Upstream.APIKeys) == 0 {
		return ErrNoUpstreamKeys
	}
	for i, key := range c.Upstream.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("upstream.api_keys[%d] is blank", i)
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level %q: %w", c.Log.Level, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}

	return nil
}
