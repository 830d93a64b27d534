package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envPrefix is the prefix for all callcard environment variables.
const envPrefix = "CALLCARD_"

// Config holds all runtime configuration for the callcard service.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string `env:"DATA_DIR" envDefault:"./data"`
	SeedFile  string `env:"SEED_FILE"` // YAML contacts and number prefixes loaded at startup
	HTTPPort  int    `env:"HTTP_PORT" envDefault:"8080"`
	SIPPort   int    `env:"SIP_PORT" envDefault:"5060"`
	SIPBind   string `env:"SIP_BIND" envDefault:"0.0.0.0"`
	SIPDomain string `env:"SIP_HOST"` // host used in User-Agent and Contact; machine hostname if empty
	SIPTrace  string `env:"SIP_TRACE" envDefault:"off"`

	SIPTrustedSources []string `env:"SIP_TRUSTED_SOURCES" envSeparator:","` // IPs or CIDRs allowed to send INVITEs; empty trusts all

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	Locale          string `env:"LOCALE" envDefault:"en-US"`
	UnknownLocation string `env:"UNKNOWN_LOCATION" envDefault:"Unknown"`

	LookupWorkers int           `env:"LOOKUP_WORKERS" envDefault:"4"`
	LookupTimeout time.Duration `env:"LOOKUP_TIMEOUT" envDefault:"5s"`

	APIRateLimit float64 `env:"API_RATE_LIMIT" envDefault:"10"` // requests per second per client IP
	APIRateBurst int     `env:"API_RATE_BURST" envDefault:"20"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","` // browser origins allowed to call the card API
}

// Load parses configuration from CLI args and the process environment.
func Load(args []string) (*Config, error) {
	return load(args, nil)
}

// load is Load with an explicit environment; nil means the process
// environment. When CALLCARD_ENV_FILE names a dotenv file, its values fill
// in variables the environment does not set.
func load(args []string, environ map[string]string) (*Config, error) {
	if environ == nil {
		environ = env.ToMap(os.Environ())
	}
	environ, err := withEnvFile(environ)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{
		Prefix:      envPrefix,
		Environment: environ,
	}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	// Flags default to the env-or-default values, so an explicit flag wins.
	fs := flag.NewFlagSet("callcard", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory for the contact database")
	fs.StringVar(&cfg.SeedFile, "seed-file", cfg.SeedFile, "YAML file of contacts and number prefixes to load at startup")
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "HTTP API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", cfg.SIPPort, "SIP UDP/TCP listen port")
	fs.StringVar(&cfg.SIPBind, "sip-bind", cfg.SIPBind, "SIP listen address")
	fs.StringVar(&cfg.SIPDomain, "sip-host", cfg.SIPDomain, "SIP host name (machine hostname if empty)")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", cfg.SIPTrace, "SIP message tracing at debug level (off, headers, full)")
	fs.Func("sip-trusted-sources", "comma-separated IPs or CIDRs allowed to send INVITEs", func(v string) error {
		cfg.SIPTrustedSources = splitList(v)
		return nil
	})
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "BCP 47 locale used to compose the caller location")
	fs.StringVar(&cfg.UnknownLocation, "unknown-location", cfg.UnknownLocation, "text shown when the caller location is unknown")
	fs.IntVar(&cfg.LookupWorkers, "lookup-workers", cfg.LookupWorkers, "maximum concurrent caller lookups")
	fs.DurationVar(&cfg.LookupTimeout, "lookup-timeout", cfg.LookupTimeout, "timeout for each caller lookup stage")
	fs.Float64Var(&cfg.APIRateLimit, "api-rate-limit", cfg.APIRateLimit, "API requests per second per client IP")
	fs.IntVar(&cfg.APIRateBurst, "api-rate-burst", cfg.APIRateBurst, "API request burst per client IP")
	fs.Func("cors-origins", "comma-separated browser origins allowed to call the API", func(v string) error {
		cfg.CORSOrigins = splitList(v)
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.HTTPPort == c.SIPPort {
		return fmt.Errorf("http-port and sip-port must differ, both are %d", c.HTTPPort)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data-dir must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTraces := map[string]bool{"off": true, "headers": true, "full": true}
	if !validTraces[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	if c.LookupWorkers < 1 {
		return fmt.Errorf("lookup-workers must be at least 1, got %d", c.LookupWorkers)
	}
	if c.LookupTimeout <= 0 {
		return fmt.Errorf("lookup-timeout must be positive, got %s", c.LookupTimeout)
	}
	if c.APIRateLimit <= 0 {
		return fmt.Errorf("api-rate-limit must be positive, got %g", c.APIRateLimit)
	}
	if c.APIRateBurst < 1 {
		return fmt.Errorf("api-rate-burst must be at least 1, got %d", c.APIRateBurst)
	}
	return nil
}

func withEnvFile(environ map[string]string) (map[string]string, error) {
	path := environ[envPrefix+"ENV_FILE"]
	if path == "" {
		return environ, nil
	}
	fileEnv, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	merged := make(map[string]string, len(environ)+len(fileEnv))
	for k, v := range fileEnv {
		merged[k] = v
	}
	for k, v := range environ {
		merged[k] = v
	}
	return merged, nil
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SIPHost returns the host name used in the SIP User-Agent and Contact
// headers, defaulting to the machine hostname.
func (c *Config) SIPHost() string {
	if c.SIPDomain != "" {
		return c.SIPDomain
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// SIPAddr returns the SIP listen address.
func (c *Config) SIPAddr() string {
	return fmt.Sprintf("%s:%d", c.SIPBind, c.SIPPort)
}

// HTTPAddr returns the HTTP listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
