// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/awin-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are paths owned by the proxy; metrics.path may not shadow them.
var reservedRoutes = []string{"/proxy/awin", "/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PublisherID string `kong:"help='Awin publisher ID (overrides config).',env='AWIN_PUBLISHER_ID'"`
	APIToken    string `kong:"help='Awin API bearer token (overrides config).',env='AWIN_API_TOKEN'"`
	BaseURL     string `kong:"help='Upstream base URL (overrides config).',env='AWIN_BASE_URL'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Awin     AwinConfig     `toml:"awin"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Monitor  MonitorConfig  `toml:"monitor"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (5000)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AwinConfig holds the publisher credentials sent on every upstream call.
type AwinConfig struct {
	PublisherID string `toml:"publisher_id"`
	APIToken    string `toml:"api_token"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
	BodyMaxBytes    int64  `toml:"body_max_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// MonitorConfig controls the periodic upstream check.
type MonitorConfig struct {
	Enabled         bool   `toml:"enabled"`
	IntervalSeconds int    `toml:"interval_seconds"`
	SearchTerm      string `toml:"search_term"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/awin-proxy/config.toml then configs/config.toml. Finding neither is
// not an error: credentials can come entirely from the environment.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.PublisherID != "" {
		c.Awin.PublisherID = cli.PublisherID
	}
	if cli.APIToken != "" {
		c.Awin.APIToken = cli.APIToken
	}
	if cli.BaseURL != "" {
		c.Upstream.BaseURL = cli.BaseURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Awin.APIToken == "" {
		return errors.New("awin.api_token is required (or set AWIN_API_TOKEN)")
	}
	if c.Awin.APIToken == "YOUR_API_TOKEN_HERE" {
		return errors.New("awin.api_token contains placeholder value")
	}
	if c.Awin.PublisherID == "" {
		return errors.New("awin.publisher_id is required (or set AWIN_PUBLISHER_ID)")
	}
	// The publisher ID is embedded in the upstream URL path.
	for _, r := range c.Awin.PublisherID {
		if r < '0' || r > '9' {
			return fmt.Errorf("awin.publisher_id must be numeric; got %q", c.Awin.PublisherID)
		}
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.BodyMaxBytes < 0 {
		return fmt.Errorf("upstream.body_max_bytes must be non-negative; got %d", c.Upstream.BodyMaxBytes)
	}
	if c.Monitor.IntervalSeconds < 0 {
		return fmt.Errorf("monitor.interval_seconds must be non-negative; got %d", c.Monitor.IntervalSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB; search requests carry no body
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.awin.com"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.BodyMaxBytes == 0 {
		c.Upstream.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Monitor.IntervalSeconds == 0 {
		c.Monitor.IntervalSeconds = 300
	}
	if c.Monitor.SearchTerm == "" {
		c.Monitor.SearchTerm = "test"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SearchURL returns the product-search endpoint for the configured publisher.
func (c *Config) SearchURL() string {
	return c.publisherURL() + "/product-search"
}

// ProgrammesURL returns the joined-programmes endpoint for the configured publisher.
func (c *Config) ProgrammesURL() string {
	return c.publisherURL() + "/programmes"
}

func (c *Config) publisherURL() string {
	return strings.TrimRight(c.Upstream.BaseURL, "/") + "/publishers/" + c.Awin.PublisherID
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file may hold the API token.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
