// Package config loads the server configuration from defaults, an optional
// YAML file and the environment, in that order of priority.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"wolfram-mcp/internal/logger"
	"wolfram-mcp/internal/wolfram"
)

// EnvPrefix is the prefix of every environment variable read by Load,
// except the two legacy names in legacyEnv.
const EnvPrefix = "WOLFRAM_MCP_"

// legacyEnv maps the bare variable names used by earlier deployments.
var legacyEnv = map[string]string{
	"WOLFRAM_API_KEY": "api-key",
	"PORT":            "port",
}

// Keep-alive and upstream timeout bounds.
const (
	MinKeepAlive       = 15 * time.Second
	MaxKeepAlive       = 30 * time.Second
	MinUpstreamTimeout = time.Second
	MaxUpstreamTimeout = 45 * time.Second
)

// Config holds every process-wide setting. It is read-only once Load returns.
type Config struct {
	Host string `koanf:"host"`
	Port string `koanf:"port"`

	APIKey          string        `koanf:"api-key"`
	APIURL          string        `koanf:"api-url"`
	MaxChars        int           `koanf:"max-chars"`
	UpstreamTimeout time.Duration `koanf:"upstream-timeout"`

	KeepAliveInterval time.Duration `koanf:"keepalive-interval"`
	RequestTimeout    time.Duration `koanf:"request-timeout"`

	// CacheTTL of zero disables the answer cache.
	CacheTTL  time.Duration `koanf:"cache-ttl"`
	CacheSize int           `koanf:"cache-size"`

	LogLevel  string `koanf:"log-level"`
	LogFormat string `koanf:"log-format"`

	SentryDSN   string   `koanf:"sentry-dsn"`
	CORSOrigins []string `koanf:"cors-origins"`

	// TLS is served directly when both files are set. Usually a proxy terminates it.
	TLSCertFile string `koanf:"tls-cert-file"`
	TLSKeyFile  string `koanf:"tls-key-file"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Port:              "8000",
		APIURL:            wolfram.DefaultBaseURL,
		MaxChars:          wolfram.DefaultMaxChars,
		UpstreamTimeout:   wolfram.DefaultTimeout,
		KeepAliveInterval: 25 * time.Second,
		RequestTimeout:    60 * time.Second,
		CacheSize:         1000,
		LogLevel:          "info",
		LogFormat:         logger.FormatTint,
	}
}

// Load reads the optional YAML file at path, then the environment, on top of Default.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// envKey maps WOLFRAM_MCP_UPSTREAM_TIMEOUT to upstream-timeout and drops
// empty or unrelated variables.
func envKey(key, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	if k, ok := legacyEnv[key]; ok {
		return k, value
	}
	if !strings.HasPrefix(key, EnvPrefix) {
		return "", nil
	}
	k := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, EnvPrefix), "_", "-"))
	if k == "cors-origins" {
		return k, splitCSV(value)
	}
	return k, value
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		result = multierror.Append(result, fmt.Errorf("port %q must be a number between 1 and 65535", c.Port))
	}
	if c.APIURL == "" {
		result = multierror.Append(result, fmt.Errorf("api-url is required"))
	}
	if c.MaxChars <= 0 {
		result = multierror.Append(result, fmt.Errorf("max-chars must be positive, got %d", c.MaxChars))
	}
	if c.UpstreamTimeout < MinUpstreamTimeout || c.UpstreamTimeout > MaxUpstreamTimeout {
		result = multierror.Append(result, fmt.Errorf("upstream-timeout %s must be between %s and %s", c.UpstreamTimeout, MinUpstreamTimeout, MaxUpstreamTimeout))
	}
	if c.KeepAliveInterval < MinKeepAlive || c.KeepAliveInterval > MaxKeepAlive {
		result = multierror.Append(result, fmt.Errorf("keepalive-interval %s must be between %s and %s", c.KeepAliveInterval, MinKeepAlive, MaxKeepAlive))
	}
	if c.RequestTimeout < c.UpstreamTimeout {
		result = multierror.Append(result, fmt.Errorf("request-timeout %s must not be shorter than upstream-timeout %s", c.RequestTimeout, c.UpstreamTimeout))
	}
	if c.CacheTTL < 0 {
		result = multierror.Append(result, fmt.Errorf("cache-ttl must not be negative"))
	}
	if c.CacheTTL > 0 && c.CacheSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("cache-size must be positive when cache-ttl is set"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		result = multierror.Append(result, fmt.Errorf("tls-cert-file and tls-key-file must be set together"))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", logger.FormatTint, logger.FormatText, logger.FormatJSON:
	default:
		result = multierror.Append(result, fmt.Errorf("log-format %q must be one of tint, text, json", c.LogFormat))
	}

	return result.ErrorOrNil()
}

// Addr is the listen address for net/http.
func (c *Config) Addr() string { return net.JoinHostPort(c.Host, c.Port) }

// TLS reports whether the server terminates TLS itself.
func (c *Config) TLS() bool { return c.TLSCertFile != "" && c.TLSKeyFile != "" }

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
