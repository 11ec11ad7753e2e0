package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Browser   BrowserConfig   `yaml:"browser"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`
}

// ResolverConfig controls the redirect-chain state machine and the engines
// that feed it.
type ResolverConfig struct {
	// Engine is the default engine: "rod" or "http".
	Engine string `yaml:"engine"` // default: "rod"

	// HopTimeout is the quiet window after a navigation before the chain
	// counts as settled.
	HopTimeout time.Duration `yaml:"hop_timeout"` // default: 2s

	// SettleTimeout is the window after the initial load completes.
	SettleTimeout time.Duration `yaml:"settle_timeout"` // default: 1ms

	// MasterTimeout bounds the whole session and is never reset.
	MasterTimeout time.Duration `yaml:"master_timeout"` // default: 10s

	// FallbackStatus is reported for hops that never received a response.
	FallbackStatus int `yaml:"fallback_status"` // default: 200

	// BlockedExtensions are aborted before they are requested.
	// default: [".jpg", ".gif", ".png"]
	BlockedExtensions []string `yaml:"blocked_extensions"`

	// UserAgent overrides the engine's User-Agent header when set.
	UserAgent string `yaml:"user_agent"`

	// Stealth injects go-rod/stealth evasions into every rod session.
	Stealth bool `yaml:"stealth"` // default: false

	// MaxHops caps the HTTP engine's redirect following.
	MaxHops int `yaml:"max_hops"` // default: 20

	// Proxy routes the HTTP engine through an http(s) or socks5 proxy.
	// Empty uses HTTP_PROXY/HTTPS_PROXY from the environment.
	Proxy string `yaml:"proxy"`
}

// CacheConfig controls the resolve response cache.
type CacheConfig struct {
	// MaxEntries is the maximum number of cached responses.
	MaxEntries int `yaml:"max_entries"` // default: 1000

	// TTL bounds how long an entry survives regardless of max_age.
	TTL time.Duration `yaml:"ttl"` // default: 1h
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `yaml:"host"` // default: "0.0.0.0"
	Port int    `yaml:"port"` // default: 8080
	Mode string `yaml:"mode"` // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool `yaml:"headless"` // default: true

	// MaxPages is the page pool capacity (max concurrent sessions).
	MaxPages int `yaml:"max_pages"` // default: 10

	// DefaultProxy is the proxy URL for all browser traffic.
	DefaultProxy string `yaml:"proxy"`

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool `yaml:"no_sandbox"` // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string `yaml:"bin"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool `yaml:"enabled"` // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string `yaml:"api_keys"`
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 `yaml:"rps"` // default: 5

	// Burst is the maximum burst size per API key.
	Burst int `yaml:"burst"` // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // default: "info"
	Format string `yaml:"format"` // "json" or "text"; default: "json"
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Mode: "release",
		},
		Browser: BrowserConfig{
			Headless: true,
			MaxPages: 10,
		},
		Resolver: ResolverConfig{
			Engine:            "rod",
			HopTimeout:        2000 * time.Millisecond,
			SettleTimeout:     1 * time.Millisecond,
			MasterTimeout:     10 * time.Second,
			FallbackStatus:    200,
			BlockedExtensions: []string{".jpg", ".gif", ".png"},
			MaxHops:           20,
		},
		Auth: AuthConfig{
			Enabled: true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5.0,
			Burst:             10,
		},
		Cache: CacheConfig{
			MaxEntries: 1000,
			TTL:        time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultUserAgent identifies hoptrace to the sites it resolves.
const DefaultUserAgent = "hoptrace/1.0 (+https://github.com/use-agent/hoptrace)"

// CLIDefault is Default for one-shot command line runs: only warnings reach
// stderr and requests carry DefaultUserAgent.
func CLIDefault() *Config {
	cfg := Default()
	cfg.Log.Level = "warn"
	cfg.Resolver.UserAgent = DefaultUserAgent
	return cfg
}

// Load builds the configuration from defaults, then the YAML file named by
// HOPTRACE_CONFIG (if any), then HOPTRACE_* environment variables.
func Load() (*Config, error) {
	return LoadFrom(Default())
}

// LoadFrom is Load with cfg in place of Default as the bottom layer.
func LoadFrom(cfg *Config) (*Config, error) {
	if path := os.Getenv("HOPTRACE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = envOr("HOPTRACE_HOST", cfg.Server.Host)
	cfg.Server.Port = envIntOr("HOPTRACE_PORT", cfg.Server.Port)
	cfg.Server.Mode = envOr("HOPTRACE_MODE", cfg.Server.Mode)

	cfg.Browser.Headless = envBoolOr("HOPTRACE_HEADLESS", cfg.Browser.Headless)
	cfg.Browser.MaxPages = envIntOr("HOPTRACE_MAX_PAGES", cfg.Browser.MaxPages)
	cfg.Browser.DefaultProxy = envOr("HOPTRACE_PROXY", cfg.Browser.DefaultProxy)
	cfg.Browser.NoSandbox = envBoolOr("HOPTRACE_NO_SANDBOX", cfg.Browser.NoSandbox)
	cfg.Browser.BrowserBin = envOr("HOPTRACE_BROWSER_BIN", cfg.Browser.BrowserBin)

	cfg.Resolver.Engine = envOr("HOPTRACE_ENGINE", cfg.Resolver.Engine)
	cfg.Resolver.HopTimeout = envDurationOr("HOPTRACE_HOP_TIMEOUT", cfg.Resolver.HopTimeout)
	cfg.Resolver.SettleTimeout = envDurationOr("HOPTRACE_SETTLE_TIMEOUT", cfg.Resolver.SettleTimeout)
	cfg.Resolver.MasterTimeout = envDurationOr("HOPTRACE_MASTER_TIMEOUT", cfg.Resolver.MasterTimeout)
	cfg.Resolver.FallbackStatus = envIntOr("HOPTRACE_FALLBACK_STATUS", cfg.Resolver.FallbackStatus)
	cfg.Resolver.BlockedExtensions = envSliceOr("HOPTRACE_BLOCKED_EXTENSIONS", cfg.Resolver.BlockedExtensions)
	cfg.Resolver.UserAgent = envOr("HOPTRACE_USER_AGENT", cfg.Resolver.UserAgent)
	cfg.Resolver.Stealth = envBoolOr("HOPTRACE_STEALTH", cfg.Resolver.Stealth)
	cfg.Resolver.MaxHops = envIntOr("HOPTRACE_MAX_HOPS", cfg.Resolver.MaxHops)
	cfg.Resolver.Proxy = envOr("HOPTRACE_HTTP_PROXY", cfg.Resolver.Proxy)

	cfg.Auth.Enabled = envBoolOr("HOPTRACE_AUTH_ENABLED", cfg.Auth.Enabled)
	cfg.Auth.APIKeys = envSliceOr("HOPTRACE_API_KEYS", cfg.Auth.APIKeys)

	cfg.RateLimit.RequestsPerSecond = envFloatOr("HOPTRACE_RATE_RPS", cfg.RateLimit.RequestsPerSecond)
	cfg.RateLimit.Burst = envIntOr("HOPTRACE_RATE_BURST", cfg.RateLimit.Burst)

	cfg.Cache.MaxEntries = envIntOr("HOPTRACE_CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.TTL = envDurationOr("HOPTRACE_CACHE_TTL", cfg.Cache.TTL)

	cfg.Log.Level = envOr("HOPTRACE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("HOPTRACE_LOG_FORMAT", cfg.Log.Format)
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
