package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// OCX Trust Plane - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	JWT         JWTConfig         `yaml:"jwt"`
	Refresh     RefreshConfig     `yaml:"refresh"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	PushSocket  PushSocketConfig  `yaml:"push_socket"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Trust       TrustConfig       `yaml:"trust"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	Interface       string `yaml:"interface"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// StoreConfig configures the relational persistence gateway (internal/store).
type StoreConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeMins int    `yaml:"conn_max_life_minutes"`
}

// CoordinatorConfig configures the Redis-backed coordination client (internal/coord).
type CoordinatorConfig struct {
	URL         string `yaml:"url"`
	PoolSize    int    `yaml:"pool_size"`
	RequireTLS  bool   `yaml:"require_tls"`
	DialTimeout int    `yaml:"dial_timeout_sec"`
}

// JWTConfig configures the token service's signing/verification key material.
type JWTConfig struct {
	Alg              string `yaml:"alg"`
	HMACSecret       string `yaml:"hmac_secret"`
	SigningKeyPEM    string `yaml:"signing_key_pem"`
	VerifyKeyPEM     string `yaml:"verify_key_pem"`
	KeyID            string `yaml:"kid"`
	Issuer           string `yaml:"issuer"`
	Audience         string `yaml:"audience"`
	ClockSkewSec     int    `yaml:"clock_skew_sec"`
	AccessTTLMinutes int    `yaml:"access_ttl_minutes"`
	JWKSURL          string `yaml:"jwks_url"`
	JWKSCacheTTLSec  int    `yaml:"jwks_cache_ttl_sec"`
}

// RefreshConfig configures rotating refresh-token behavior and fingerprint binding.
type RefreshConfig struct {
	FingerprintSecret string `yaml:"fingerprint_secret"`
	BaseTTLDays       int    `yaml:"base_ttl_days"`
	MaxTTLDays        int    `yaml:"max_ttl_days"`
	ExtendDays        int    `yaml:"extend_days"`
	RateLimitWindow   int    `yaml:"rate_limit_window_sec"`
	RateLimitMax      int    `yaml:"rate_limit_max"`
	BlockTTLMinutes   int    `yaml:"block_ttl_minutes"`
}

// WebhookConfig configures the billing webhook signature check.
type WebhookConfig struct {
	Secret          string `yaml:"secret"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// PushSocketConfig configures the kill-switch push-socket admission rules.
type PushSocketConfig struct {
	AllowedOrigins  []string `yaml:"allowed_origins"`
	RateLimitWindow int      `yaml:"rate_limit_window_sec"`
	RateLimitMax    int      `yaml:"rate_limit_max"`
}

// RateLimitConfig holds per-plan-tier request budgets (requests per window).
type RateLimitConfig struct {
	WindowSeconds         int `yaml:"window_seconds"`
	TrialMax              int `yaml:"trial_max"`
	PaidBasicMax          int `yaml:"paid_basic_max"`
	PaidMax               int `yaml:"paid_max"`
	AndroidAccessibility  int `yaml:"android_accessibility_max"`
}

// BreakerConfig holds the analyzer's circuit-breaker thresholds.
type BreakerConfig struct {
	MaxQueueDepth  int `yaml:"max_queue_depth"`
	P95LatencyMs   int `yaml:"p95_latency_ms"`
	LatencySamples int `yaml:"latency_samples"`
}

// TrustConfig holds trust-engine tunables: history cap and adaptive-threshold floor.
type TrustConfig struct {
	HistoryCap       int     `yaml:"history_cap"`
	SafeThreshold    int     `yaml:"safe_threshold"`
	AdaptiveFloor    float64 `yaml:"adaptive_floor"`
	BaselineMinCount int     `yaml:"baseline_min_count"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides over whatever was loaded from YAML.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("OCX_ENV", c.Server.Env)
	c.Server.Interface = getEnv("OCX_INTERFACE", c.Server.Interface)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	c.Store.DSN = getEnv("STORE_DSN", c.Store.DSN)
	if v := getEnvInt("STORE_MAX_OPEN_CONNS", 0); v > 0 {
		c.Store.MaxOpenConns = v
	}
	if v := getEnvInt("STORE_MAX_IDLE_CONNS", 0); v > 0 {
		c.Store.MaxIdleConns = v
	}
	if v := getEnvInt("STORE_CONN_MAX_LIFE_MINUTES", 0); v > 0 {
		c.Store.ConnMaxLifeMins = v
	}

	c.Coordinator.URL = getEnv("COORD_URL", c.Coordinator.URL)
	if v := getEnvInt("COORD_POOL_SIZE", 0); v > 0 {
		c.Coordinator.PoolSize = v
	}
	c.Coordinator.RequireTLS = getEnvBool("COORD_REQUIRE_TLS", c.Coordinator.RequireTLS)
	if v := getEnvInt("COORD_DIAL_TIMEOUT_SEC", 0); v > 0 {
		c.Coordinator.DialTimeout = v
	}

	c.JWT.Alg = getEnv("JWT_ALG", c.JWT.Alg)
	c.JWT.HMACSecret = getEnv("JWT_HMAC_SECRET", c.JWT.HMACSecret)
	c.JWT.SigningKeyPEM = getEnv("JWT_SIGNING_KEY_PEM", c.JWT.SigningKeyPEM)
	c.JWT.VerifyKeyPEM = getEnv("JWT_VERIFY_KEY_PEM", c.JWT.VerifyKeyPEM)
	c.JWT.KeyID = getEnv("JWT_KID", c.JWT.KeyID)
	c.JWT.Issuer = getEnv("JWT_ISSUER", c.JWT.Issuer)
	c.JWT.Audience = getEnv("JWT_AUDIENCE", c.JWT.Audience)
	if v := getEnvInt("JWT_CLOCK_SKEW_SEC", 0); v > 0 {
		c.JWT.ClockSkewSec = v
	}
	if v := getEnvInt("JWT_ACCESS_TTL_MINUTES", 0); v > 0 {
		c.JWT.AccessTTLMinutes = v
	}
	c.JWT.JWKSURL = getEnv("JWT_JWKS_URL", c.JWT.JWKSURL)
	if v := getEnvInt("JWT_JWKS_CACHE_TTL_SEC", 0); v > 0 {
		c.JWT.JWKSCacheTTLSec = v
	}

	c.Refresh.FingerprintSecret = getEnv("REFRESH_FINGERPRINT_SECRET", c.Refresh.FingerprintSecret)
	if v := getEnvInt("REFRESH_BASE_TTL_DAYS", 0); v > 0 {
		c.Refresh.BaseTTLDays = v
	}
	if v := getEnvInt("REFRESH_MAX_TTL_DAYS", 0); v > 0 {
		c.Refresh.MaxTTLDays = v
	}
	if v := getEnvInt("REFRESH_EXTEND_DAYS", 0); v > 0 {
		c.Refresh.ExtendDays = v
	}
	if v := getEnvInt("REFRESH_RATE_LIMIT_WINDOW_SEC", 0); v > 0 {
		c.Refresh.RateLimitWindow = v
	}
	if v := getEnvInt("REFRESH_RATE_LIMIT_MAX", 0); v > 0 {
		c.Refresh.RateLimitMax = v
	}
	if v := getEnvInt("REFRESH_BLOCK_TTL_MINUTES", 0); v > 0 {
		c.Refresh.BlockTTLMinutes = v
	}

	c.Webhook.Secret = getEnv("BILLING_WEBHOOK_SECRET", c.Webhook.Secret)
	if v := getEnvInt("BILLING_CACHE_TTL_SECONDS", 0); v > 0 {
		c.Webhook.CacheTTLSeconds = v
	}

	if origins := getEnv("PUSH_SOCKET_ALLOWED_ORIGINS", ""); origins != "" {
		c.PushSocket.AllowedOrigins = splitCSV(origins)
	}
	if v := getEnvInt("PUSH_SOCKET_RATE_LIMIT_WINDOW_SEC", 0); v > 0 {
		c.PushSocket.RateLimitWindow = v
	}
	if v := getEnvInt("PUSH_SOCKET_RATE_LIMIT_MAX", 0); v > 0 {
		c.PushSocket.RateLimitMax = v
	}

	if v := getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 0); v > 0 {
		c.RateLimit.WindowSeconds = v
	}
	if v := getEnvInt("RATE_LIMIT_TRIAL_MAX", 0); v > 0 {
		c.RateLimit.TrialMax = v
	}
	if v := getEnvInt("RATE_LIMIT_PAID_BASIC_MAX", 0); v > 0 {
		c.RateLimit.PaidBasicMax = v
	}
	if v := getEnvInt("RATE_LIMIT_PAID_MAX", 0); v > 0 {
		c.RateLimit.PaidMax = v
	}
	if v := getEnvInt("RATE_LIMIT_ANDROID_ACCESSIBILITY_MAX", 0); v > 0 {
		c.RateLimit.AndroidAccessibility = v
	}

	if v := getEnvInt("BREAKER_MAX_QUEUE_DEPTH", 0); v > 0 {
		c.Breaker.MaxQueueDepth = v
	}
	if v := getEnvInt("BREAKER_P95_LATENCY_MS", 0); v > 0 {
		c.Breaker.P95LatencyMs = v
	}
	if v := getEnvInt("BREAKER_LATENCY_SAMPLES", 0); v > 0 {
		c.Breaker.LatencySamples = v
	}

	if v := getEnvInt("TRUST_HISTORY_CAP", 0); v > 0 {
		c.Trust.HistoryCap = v
	}
	if v := getEnvInt("TRUST_SAFE_THRESHOLD", 0); v > 0 {
		c.Trust.SafeThreshold = v
	}
	if v := getEnvFloat("TRUST_ADAPTIVE_FLOOR", 0); v > 0 {
		c.Trust.AdaptiveFloor = v
	}
	if v := getEnvInt("TRUST_BASELINE_MIN_COUNT", 0); v > 0 {
		c.Trust.BaselineMinCount = v
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}

	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = 20
	}
	if c.Store.MaxIdleConns == 0 {
		c.Store.MaxIdleConns = 5
	}
	if c.Store.ConnMaxLifeMins == 0 {
		c.Store.ConnMaxLifeMins = 30
	}

	if c.Coordinator.PoolSize == 0 {
		c.Coordinator.PoolSize = 64
	}
	if c.Coordinator.DialTimeout == 0 {
		c.Coordinator.DialTimeout = 5
	}

	if c.JWT.Alg == "" {
		c.JWT.Alg = "HS256"
	}
	if c.JWT.ClockSkewSec == 0 {
		c.JWT.ClockSkewSec = 30
	}
	if c.JWT.AccessTTLMinutes == 0 {
		c.JWT.AccessTTLMinutes = 15
	}
	if c.JWT.JWKSCacheTTLSec == 0 {
		c.JWT.JWKSCacheTTLSec = 300
	}

	if c.Refresh.BaseTTLDays == 0 {
		c.Refresh.BaseTTLDays = 7
	}
	if c.Refresh.MaxTTLDays == 0 {
		c.Refresh.MaxTTLDays = 30
	}
	if c.Refresh.ExtendDays == 0 {
		c.Refresh.ExtendDays = 1
	}
	if c.Refresh.RateLimitWindow == 0 {
		c.Refresh.RateLimitWindow = 60
	}
	if c.Refresh.RateLimitMax == 0 {
		c.Refresh.RateLimitMax = 10
	}
	if c.Refresh.BlockTTLMinutes == 0 {
		c.Refresh.BlockTTLMinutes = 60
	}

	if c.Webhook.CacheTTLSeconds == 0 {
		c.Webhook.CacheTTLSeconds = 900
	}

	if len(c.PushSocket.AllowedOrigins) == 0 {
		c.PushSocket.AllowedOrigins = []string{}
	}
	if c.PushSocket.RateLimitWindow == 0 {
		c.PushSocket.RateLimitWindow = 60
	}
	if c.PushSocket.RateLimitMax == 0 {
		c.PushSocket.RateLimitMax = 20
	}

	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.RateLimit.TrialMax == 0 {
		c.RateLimit.TrialMax = 120
	}
	if c.RateLimit.PaidBasicMax == 0 {
		c.RateLimit.PaidBasicMax = 600
	}
	if c.RateLimit.PaidMax == 0 {
		c.RateLimit.PaidMax = 1200
	}
	if c.RateLimit.AndroidAccessibility == 0 {
		c.RateLimit.AndroidAccessibility = 1800
	}

	if c.Breaker.MaxQueueDepth == 0 {
		c.Breaker.MaxQueueDepth = 1000
	}
	if c.Breaker.P95LatencyMs == 0 {
		c.Breaker.P95LatencyMs = 500
	}
	if c.Breaker.LatencySamples == 0 {
		c.Breaker.LatencySamples = 200
	}

	if c.Trust.HistoryCap == 0 {
		c.Trust.HistoryCap = 100
	}
	if c.Trust.SafeThreshold == 0 {
		c.Trust.SafeThreshold = 50
	}
	if c.Trust.AdaptiveFloor == 0 {
		c.Trust.AdaptiveFloor = 30
	}
	if c.Trust.BaselineMinCount == 0 {
		c.Trust.BaselineMinCount = 10
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development" || c.Server.Env == ""
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

// ValidateCoordinatorURL enforces rediss:// (TLS) outside development, per the
// external-interfaces configuration contract.
func (c *Config) ValidateCoordinatorURL() error {
	if c.IsDevelopment() {
		return nil
	}
	if !strings.HasPrefix(c.Coordinator.URL, "rediss://") {
		return fmt.Errorf("config: COORD_URL must use rediss:// outside development (got %q)", c.Coordinator.URL)
	}
	return nil
}
