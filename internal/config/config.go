package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	AppName    string `validate:"required"`
	APIPrefix  string `validate:"required,startswith=/"`
	ServerPort string `validate:"required,numeric"`

	UseMockVendor bool
	AQICNToken    string        `validate:"required_if=UseMockVendor false"`
	AQICNURL      string        `validate:"required,url"`
	AQICNTimeout  time.Duration `validate:"gt=0s"`
	HistoryHours  int           `validate:"gte=1,lte=720"`

	RequestTimeout time.Duration `validate:"gt=0s"`

	CacheBackend         string        `validate:"oneof=in_memory memcached"`
	CacheTTL             time.Duration `validate:"gte=0s"`
	CacheMaxEntries      int           `validate:"gte=0"`
	CacheStaleRetention  time.Duration `validate:"gt=0s"`
	BackgroundRevalidate bool
	WarmCities           []string
	WarmInterval         time.Duration `validate:"gte=0s"`

	MemcachedAddrs        string        `validate:"required_if=CacheBackend memcached"`
	MemcachedTimeout      time.Duration `validate:"gt=0s"`
	MemcachedMaxIdleConns int           `validate:"gte=1"`

	RateLimitRPS   int `validate:"gte=0"`
	RateLimitBurst int `validate:"gte=0"`

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold uint32        `validate:"gte=1"`
	CircuitBreakerSuccessThreshold uint32        `validate:"gte=1"`
	CircuitBreakerTimeout          time.Duration `validate:"gt=0s"`

	ShutdownTimeout time.Duration `validate:"gt=0s"`

	OverloadWindow         time.Duration `validate:"gt=0s"`
	OverloadThresholdPct   int           `validate:"gte=1,lte=100"`
	IdleThresholdReqPerMin int           `validate:"gte=0"`
	IdleWindow             time.Duration `validate:"gte=0s"`
	MinimumLifespan        time.Duration `validate:"gte=0s"`
	DegradedWindow         time.Duration `validate:"gte=0s"`
	DegradedErrorPct       int           `validate:"gte=0,lte=100"`

	TrackedCities []string
}

type fileConfig struct {
	App struct {
		Name      string `yaml:"name"`
		APIPrefix string `yaml:"api_prefix"`
	} `yaml:"app"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Vendor struct {
		UseMock      *bool  `yaml:"use_mock"`
		Token        string `yaml:"token"`
		URL          string `yaml:"url"`
		Timeout      string `yaml:"timeout"`
		HistoryHours int    `yaml:"history_hours"`
	} `yaml:"vendor"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend              string   `yaml:"backend"`
		TTLSeconds           *int     `yaml:"ttl_seconds"`
		MaxEntries           *int     `yaml:"max_entries"`
		StaleRetention       string   `yaml:"stale_retention"`
		BackgroundRevalidate bool     `yaml:"background_revalidate"`
		WarmCities           []string `yaml:"warm_cities"`
		WarmInterval         string   `yaml:"warm_interval"`
		Memcached            struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
		CircuitBreaker struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold uint32 `yaml:"failure_threshold"`
			SuccessThreshold uint32 `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow         string `yaml:"overload_window"`
		OverloadThresholdPct   int    `yaml:"overload_threshold_pct"`
		IdleThresholdReqPerMin int    `yaml:"idle_threshold_req_per_min"`
		IdleWindow             string `yaml:"idle_window"`
		MinimumLifespan        string `yaml:"minimum_lifespan"`
		DegradedWindow         string `yaml:"degraded_window"`
		DegradedErrorPct       int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedCities []string `yaml:"tracked_cities"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	AQICNToken string `yaml:"aqicn_token"`
}

// Load reads configuration relative to the working directory. See LoadFromDir.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFromDir(cwd)
}

// LoadFromDir loads dir/.env (if present) into the environment, then reads
// dir/config/{ENV_NAME}.yaml and dir/config/secrets.yaml. Environment
// variables override file values. ENV_NAME defaults to dev; a missing dev
// file falls back to defaults, a missing file for an explicit ENV_NAME is an error.
func LoadFromDir(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("ENV_NAME"))
	explicitEnv := env != ""
	if !explicitEnv {
		env = "dev"
	}

	var fc fileConfig
	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		if explicitEnv {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	cfg.AppName = firstNonEmpty(os.Getenv("APP_NAME"), fc.App.Name, "AirSight+ (Go)")
	cfg.APIPrefix = "/" + strings.Trim(firstNonEmpty(os.Getenv("API_V1_PREFIX"), fc.App.APIPrefix, "/api/v1"), "/")
	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.UseMockVendor = false
	if fc.Vendor.UseMock != nil {
		cfg.UseMockVendor = *fc.Vendor.UseMock
	}
	if v := strings.TrimSpace(os.Getenv("USE_MOCK_VENDOR")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("USE_MOCK_VENDOR: %w", err)
		}
		cfg.UseMockVendor = b
	}

	cfg.AQICNToken = firstNonEmpty(os.Getenv("AQICN_TOKEN"), fc.Vendor.Token)
	if cfg.AQICNToken == "" {
		token, err := readSecrets(filepath.Join(dir, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.AQICNToken = token
	}
	if cfg.AQICNToken == "" && !cfg.UseMockVendor {
		return nil, fmt.Errorf("AQICN_TOKEN required when USE_MOCK_VENDOR is false (set env or config/secrets.yaml aqicn_token)")
	}
	cfg.AQICNURL = firstNonEmpty(fc.Vendor.URL, "https://api.waqi.info")
	cfg.AQICNTimeout = parseDuration(fc.Vendor.Timeout, 10*time.Second)
	cfg.HistoryHours = fc.Vendor.HistoryHours
	if cfg.HistoryHours <= 0 {
		cfg.HistoryHours = 48
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	ttlSeconds := 600
	if fc.Cache.TTLSeconds != nil {
		ttlSeconds = *fc.Cache.TTLSeconds
	}
	if ttlSeconds, err = envInt("CACHE_TTL_SECONDS", ttlSeconds); err != nil {
		return nil, err
	}
	cfg.CacheTTL = time.Duration(ttlSeconds) * time.Second
	cfg.CacheMaxEntries = 1000
	if fc.Cache.MaxEntries != nil {
		cfg.CacheMaxEntries = *fc.Cache.MaxEntries
	}
	if cfg.CacheMaxEntries, err = envInt("CACHE_MAX_ENTRIES", cfg.CacheMaxEntries); err != nil {
		return nil, err
	}
	cfg.CacheStaleRetention = parseDuration(fc.Cache.StaleRetention, 24*time.Hour)
	cfg.BackgroundRevalidate = fc.Cache.BackgroundRevalidate
	cfg.WarmCities = fc.Cache.WarmCities
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.WarmInterval, 0)

	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = true
	if cb.Enabled != nil {
		cfg.CircuitBreakerEnabled = *cb.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold == 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold == 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.IdleThresholdReqPerMin = fc.Lifecycle.IdleThresholdReqPerMin
	if cfg.IdleThresholdReqPerMin <= 0 {
		cfg.IdleThresholdReqPerMin = 5
	}
	cfg.IdleWindow = parseDuration(fc.Lifecycle.IdleWindow, 5*time.Minute)
	cfg.MinimumLifespan = parseDuration(fc.Lifecycle.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	cfg.TrackedCities = fc.Metrics.TrackedCities

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.AQICNToken), nil
}

func envInt(name string, defaultVal int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, err)
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// validate checks struct constraints, then cross-field rules. RequestTimeout
// is raised above AQICNTimeout so a vendor call can finish inside a request.
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.RequestTimeout <= cfg.AQICNTimeout {
		cfg.RequestTimeout = cfg.AQICNTimeout + time.Second
	}
	return nil
}
