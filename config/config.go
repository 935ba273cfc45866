package config

import (
	"errors"
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
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`
	Pool      PoolConfig      `yaml:"pool"`
	Retry     RetryConfig     `yaml:"retry"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	HTTP      HTTPConfig      `yaml:"http"`
	Solver    SolverConfig    `yaml:"solver"`
	Browser   BrowserConfig   `yaml:"browser"`
}

// PoolConfig controls the proxy pool.
type PoolConfig struct {
	// File is the JSON registry the pool loads from and persists to.
	File string `yaml:"file"` // default: "proxies.json"

	// BanThreshold is the failure count at which a proxy is banned.
	BanThreshold int `yaml:"ban_threshold"` // default: 3

	// BanTime is how long an automatic ban lasts.
	BanTime time.Duration `yaml:"ban_time"` // default: 1h

	// MinProxies triggers a low-pool warning when fewer are available.
	MinProxies int `yaml:"min_proxies"` // default: 5

	// MaxProxies caps the registry size.
	MaxProxies int `yaml:"max_proxies"` // default: 100

	ProbeURL         string        `yaml:"probe_url"`         // default: "https://httpbin.org/ip"
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`     // default: 10s
	ProbeConcurrency int           `yaml:"probe_concurrency"` // default: 10
}

// RetryConfig controls the per-engine retry loop.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"` // default: 5
	RetryDelay time.Duration `yaml:"retry_delay"` // default: 2s
}

// DispatchConfig controls engine selection and fallback.
type DispatchConfig struct {
	// Engines lists the engines to construct. Unknown names are rejected.
	Engines []string `yaml:"engines"` // default: [http, solver, browser]

	// DefaultEngine is used first when no engine clears SuccessThreshold.
	DefaultEngine string `yaml:"default_engine"` // default: "http"

	// FallbackOrder is the static try order after the first pick.
	FallbackOrder []string `yaml:"fallback_order"` // default: [http, solver, browser]

	SuccessThreshold float64 `yaml:"success_threshold"`  // default: 0.7
	MinContentLength int     `yaml:"min_content_length"` // default: 100

	// FallbackDelayMin and FallbackDelayMax bound the pause between engines.
	FallbackDelayMin time.Duration `yaml:"fallback_delay_min"` // default: 1s
	FallbackDelayMax time.Duration `yaml:"fallback_delay_max"` // default: 3s
}

// HTTPConfig controls the fingerprinted HTTP engine.
type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout"`     // default: 30s
	UseProxies bool          `yaml:"use_proxies"` // default: true
}

// SolverConfig controls the challenge-solving session engine.
type SolverConfig struct {
	Timeout    time.Duration `yaml:"timeout"`     // default: 30s
	UseProxies bool          `yaml:"use_proxies"` // default: true

	// Referers is the pool of Referer values picked per request.
	Referers []string `yaml:"referers"`

	// HumanDelayMin and HumanDelayMax bound the pause after a successful fetch.
	HumanDelayMin time.Duration `yaml:"human_delay_min"` // default: 2s
	HumanDelayMax time.Duration `yaml:"human_delay_max"` // default: 5s

	// UseBrowser lets the browser clear challenges for the session.
	UseBrowser bool `yaml:"use_browser"` // default: true
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool `yaml:"headless"` // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool `yaml:"no_sandbox"`

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string `yaml:"browser_bin"`

	// Proxy is a fixed upstream proxy for the browser process.
	Proxy string `yaml:"proxy"`

	NavigationTimeout time.Duration `yaml:"navigation_timeout"` // default: 30s
	ChallengeTimeout  time.Duration `yaml:"challenge_timeout"`  // default: 30s

	// SimulateHuman scrolls and moves the mouse after load.
	SimulateHuman bool `yaml:"simulate_human"` // default: true

	// WaitSelectors must appear before the page counts as loaded.
	WaitSelectors     []string `yaml:"wait_selectors"`
	FallbackSelectors []string `yaml:"fallback_selectors"`

	// BlockedResourceTypes lists resource types to block.
	BlockedResourceTypes []string `yaml:"blocked_resource_types"` // default: [Image, Font, Media]
}

// CacheConfig controls the fetch response cache.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"` // default: 1000
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `yaml:"host"` // default: "0.0.0.0"
	Port int    `yaml:"port"` // default: 8080
	Mode string `yaml:"mode"` // "debug", "release", "test"; default: "release"
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"` // default: true
	APIKeys []string `yaml:"api_keys"`
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"` // default: 5
	Burst             int     `yaml:"burst"`               // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // default: "info"
	Format string `yaml:"format"` // "json" or "text"; default: "json"
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Host: "0.0.0.0", Port: 8080, Mode: "release"},
		Auth:      AuthConfig{Enabled: true},
		RateLimit: RateLimitConfig{RequestsPerSecond: 5, Burst: 10},
		Cache:     CacheConfig{MaxEntries: 1000},
		Log:       LogConfig{Level: "info", Format: "json"},
		Pool: PoolConfig{
			File:             "proxies.json",
			BanThreshold:     3,
			BanTime:          time.Hour,
			MinProxies:       5,
			MaxProxies:       100,
			ProbeURL:         "https://httpbin.org/ip",
			ProbeTimeout:     10 * time.Second,
			ProbeConcurrency: 10,
		},
		Retry: RetryConfig{MaxRetries: 5, RetryDelay: 2 * time.Second},
		Dispatch: DispatchConfig{
			Engines:          []string{"http", "solver", "browser"},
			DefaultEngine:    "http",
			FallbackOrder:    []string{"http", "solver", "browser"},
			SuccessThreshold: 0.7,
			MinContentLength: 100,
			FallbackDelayMin: time.Second,
			FallbackDelayMax: 3 * time.Second,
		},
		HTTP: HTTPConfig{Timeout: 30 * time.Second, UseProxies: true},
		Solver: SolverConfig{
			Timeout:       30 * time.Second,
			UseProxies:    true,
			Referers:      []string{"https://filmfreeway.com/", "https://www.google.com/"},
			HumanDelayMin: 2 * time.Second,
			HumanDelayMax: 5 * time.Second,
			UseBrowser:    true,
		},
		Browser: BrowserConfig{
			Headless:          true,
			NavigationTimeout: 30 * time.Second,
			ChallengeTimeout:  30 * time.Second,
			SimulateHuman:     true,
			WaitSelectors: []string{
				"div[class*='festival']",
				"div[class*='Festival']",
				".CuratedSectionTile",
				"a[href^='/festivals/curated/']",
			},
			FallbackSelectors:    []string{".Content", ".container", "main", "#layout"},
			BlockedResourceTypes: []string{"Image", "Font", "Media"},
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then REELFETCH_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("REELFETCH_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = envOr("REELFETCH_HOST", c.Server.Host)
	c.Server.Port = envIntOr("REELFETCH_PORT", c.Server.Port)
	c.Server.Mode = envOr("REELFETCH_MODE", c.Server.Mode)

	c.Auth.Enabled = envBoolOr("REELFETCH_AUTH_ENABLED", c.Auth.Enabled)
	c.Auth.APIKeys = envSliceOr("REELFETCH_API_KEYS", c.Auth.APIKeys)

	c.RateLimit.RequestsPerSecond = envFloatOr("REELFETCH_RATE_RPS", c.RateLimit.RequestsPerSecond)
	c.RateLimit.Burst = envIntOr("REELFETCH_RATE_BURST", c.RateLimit.Burst)

	c.Cache.MaxEntries = envIntOr("REELFETCH_CACHE_MAX_ENTRIES", c.Cache.MaxEntries)

	c.Log.Level = envOr("REELFETCH_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("REELFETCH_LOG_FORMAT", c.Log.Format)

	c.Pool.File = envOr("REELFETCH_PROXY_FILE", c.Pool.File)
	c.Pool.BanThreshold = envIntOr("REELFETCH_BAN_THRESHOLD", c.Pool.BanThreshold)
	c.Pool.BanTime = envDurationOr("REELFETCH_BAN_TIME", c.Pool.BanTime)
	c.Pool.MinProxies = envIntOr("REELFETCH_MIN_PROXIES", c.Pool.MinProxies)
	c.Pool.MaxProxies = envIntOr("REELFETCH_MAX_PROXIES", c.Pool.MaxProxies)
	c.Pool.ProbeURL = envOr("REELFETCH_PROBE_URL", c.Pool.ProbeURL)
	c.Pool.ProbeTimeout = envDurationOr("REELFETCH_PROBE_TIMEOUT", c.Pool.ProbeTimeout)
	c.Pool.ProbeConcurrency = envIntOr("REELFETCH_PROBE_CONCURRENCY", c.Pool.ProbeConcurrency)

	c.Retry.MaxRetries = envIntOr("REELFETCH_MAX_RETRIES", c.Retry.MaxRetries)
	c.Retry.RetryDelay = envDurationOr("REELFETCH_RETRY_DELAY", c.Retry.RetryDelay)

	c.Dispatch.Engines = envSliceOr("REELFETCH_ENGINES", c.Dispatch.Engines)
	c.Dispatch.DefaultEngine = envOr("REELFETCH_DEFAULT_ENGINE", c.Dispatch.DefaultEngine)
	c.Dispatch.FallbackOrder = envSliceOr("REELFETCH_FALLBACK_ORDER", c.Dispatch.FallbackOrder)
	c.Dispatch.SuccessThreshold = envFloatOr("REELFETCH_SUCCESS_THRESHOLD", c.Dispatch.SuccessThreshold)
	c.Dispatch.MinContentLength = envIntOr("REELFETCH_MIN_CONTENT_LENGTH", c.Dispatch.MinContentLength)
	c.Dispatch.FallbackDelayMin = envDurationOr("REELFETCH_FALLBACK_DELAY_MIN", c.Dispatch.FallbackDelayMin)
	c.Dispatch.FallbackDelayMax = envDurationOr("REELFETCH_FALLBACK_DELAY_MAX", c.Dispatch.FallbackDelayMax)

	c.HTTP.Timeout = envDurationOr("REELFETCH_HTTP_TIMEOUT", c.HTTP.Timeout)
	c.HTTP.UseProxies = envBoolOr("REELFETCH_HTTP_USE_PROXIES", c.HTTP.UseProxies)

	c.Solver.Timeout = envDurationOr("REELFETCH_SOLVER_TIMEOUT", c.Solver.Timeout)
	c.Solver.UseProxies = envBoolOr("REELFETCH_SOLVER_USE_PROXIES", c.Solver.UseProxies)
	c.Solver.Referers = envSliceOr("REELFETCH_SOLVER_REFERERS", c.Solver.Referers)
	c.Solver.HumanDelayMin = envDurationOr("REELFETCH_SOLVER_DELAY_MIN", c.Solver.HumanDelayMin)
	c.Solver.HumanDelayMax = envDurationOr("REELFETCH_SOLVER_DELAY_MAX", c.Solver.HumanDelayMax)
	c.Solver.UseBrowser = envBoolOr("REELFETCH_SOLVER_USE_BROWSER", c.Solver.UseBrowser)

	c.Browser.Headless = envBoolOr("REELFETCH_HEADLESS", c.Browser.Headless)
	c.Browser.NoSandbox = envBoolOr("REELFETCH_NO_SANDBOX", c.Browser.NoSandbox)
	c.Browser.BrowserBin = envOr("REELFETCH_BROWSER_BIN", c.Browser.BrowserBin)
	c.Browser.Proxy = envOr("REELFETCH_BROWSER_PROXY", c.Browser.Proxy)
	c.Browser.NavigationTimeout = envDurationOr("REELFETCH_NAV_TIMEOUT", c.Browser.NavigationTimeout)
	c.Browser.ChallengeTimeout = envDurationOr("REELFETCH_CHALLENGE_TIMEOUT", c.Browser.ChallengeTimeout)
	c.Browser.SimulateHuman = envBoolOr("REELFETCH_SIMULATE_HUMAN", c.Browser.SimulateHuman)
	c.Browser.BlockedResourceTypes = envSliceOr("REELFETCH_BLOCKED_RESOURCES", c.Browser.BlockedResourceTypes)
}

// maxRetriesLimit bounds retry.max_retries.
const maxRetriesLimit = 20

// Validate rejects settings the pool and dispatcher cannot run with.
// Zero is rejected wherever the dispatcher would read it as unset.
func (c *Config) Validate() error {
	var errs []error
	if c.Pool.BanThreshold < 1 {
		errs = append(errs, fmt.Errorf("pool.ban_threshold must be >= 1, got %d", c.Pool.BanThreshold))
	}
	if c.Pool.BanTime <= 0 {
		errs = append(errs, fmt.Errorf("pool.ban_time must be positive, got %s", c.Pool.BanTime))
	}
	if c.Pool.MaxProxies < 1 {
		errs = append(errs, fmt.Errorf("pool.max_proxies must be >= 1, got %d", c.Pool.MaxProxies))
	}
	if c.Retry.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 1, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry.retry_delay must not be negative, got %s", c.Retry.RetryDelay))
	}
	if c.Retry.MaxRetries > maxRetriesLimit {
		errs = append(errs, fmt.Errorf("retry.max_retries must be <= %d, got %d", maxRetriesLimit, c.Retry.MaxRetries))
	}
	if t := c.Dispatch.SuccessThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("dispatch.success_threshold must be within (0,1], got %v", t))
	}
	if c.Dispatch.MinContentLength < 1 {
		errs = append(errs, fmt.Errorf("dispatch.min_content_length must be >= 1, got %d", c.Dispatch.MinContentLength))
	}
	if c.Dispatch.FallbackDelayMin <= 0 || c.Dispatch.FallbackDelayMax <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.fallback_delay_min and fallback_delay_max must be positive, got %s and %s",
			c.Dispatch.FallbackDelayMin, c.Dispatch.FallbackDelayMax))
	}
	if c.Dispatch.FallbackDelayMax < c.Dispatch.FallbackDelayMin {
		errs = append(errs, fmt.Errorf("dispatch.fallback_delay_max (%s) is below fallback_delay_min (%s)",
			c.Dispatch.FallbackDelayMax, c.Dispatch.FallbackDelayMin))
	}
	if c.Solver.HumanDelayMax < c.Solver.HumanDelayMin {
		errs = append(errs, fmt.Errorf("solver.human_delay_max (%s) is below human_delay_min (%s)",
			c.Solver.HumanDelayMax, c.Solver.HumanDelayMin))
	}
	if len(c.Dispatch.Engines) == 0 {
		errs = append(errs, errors.New("dispatch.engines must name at least one engine"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
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
