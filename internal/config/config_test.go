package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

var envVars = []string{
	"ENV_NAME", "APP_NAME", "API_V1_PREFIX", "PORT", "CACHE_TTL_SECONDS",
	"CACHE_MAX_ENTRIES", "CACHE_BACKEND", "MEMCACHED_ADDRS", "USE_MOCK_VENDOR", "AQICN_TOKEN",
}

// clearEnv unsets every variable Load reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

const minimalEnvYAML = `
server:
  port: "8080"
vendor:
  use_mock: true
`

func writeEnvFile(t *testing.T, dir, name, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, name+".yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	writeEnvFile(t, dir, "secrets", content)
}

func TestLoadFromDir_Defaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "dev", minimalEnvYAML)

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	checks := []struct {
		name      string
		got, want interface{}
	}{
		{"AppName", cfg.AppName, "AirSight+ (Go)"},
		{"APIPrefix", cfg.APIPrefix, "/api/v1"},
		{"ServerPort", cfg.ServerPort, "8080"},
		{"CacheTTL", cfg.CacheTTL, 600 * time.Second},
		{"CacheMaxEntries", cfg.CacheMaxEntries, 1000},
		{"CacheBackend", cfg.CacheBackend, "in_memory"},
		{"AQICNURL", cfg.AQICNURL, "https://api.waqi.info"},
		{"AQICNTimeout", cfg.AQICNTimeout, 10 * time.Second},
		{"RequestTimeout", cfg.RequestTimeout, 15 * time.Second},
		{"HistoryHours", cfg.HistoryHours, 48},
		{"CacheStaleRetention", cfg.CacheStaleRetention, 24 * time.Hour},
		{"RateLimitRPS", cfg.RateLimitRPS, 100},
		{"RateLimitBurst", cfg.RateLimitBurst, 250},
		{"CircuitBreakerEnabled", cfg.CircuitBreakerEnabled, true},
		{"CircuitBreakerFailureThreshold", cfg.CircuitBreakerFailureThreshold, uint32(5)},
		{"BackgroundRevalidate", cfg.BackgroundRevalidate, false},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromDir_MissingDefaultFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("USE_MOCK_VENDOR", "true")

	cfg, err := LoadFromDir(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if !cfg.UseMockVendor || cfg.ServerPort != "8080" {
		t.Errorf("cfg = %+v, want defaults with mock vendor", cfg)
	}
}

func TestLoadFromDir_ExplicitEnvFileNotFound(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV_NAME", "nonexistent")
	t.Setenv("USE_MOCK_VENDOR", "true")

	cfg, err := LoadFromDir(t.TempDir())
	if err == nil {
		t.Fatal("LoadFromDir() expected error for missing env file, got nil")
	}
	if cfg != nil {
		t.Fatalf("LoadFromDir() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("error = %v, want config file not found", err)
	}
}

func TestLoadFromDir_FailsWhenNoToken(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "dev", "server:\n  port: \"8080\"\n")

	cfg, err := LoadFromDir(dir)
	if err == nil {
		t.Fatal("LoadFromDir() expected error without token, got nil")
	}
	if cfg != nil {
		t.Fatalf("expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "AQICN_TOKEN") {
		t.Errorf("error = %v, want message containing AQICN_TOKEN", err)
	}
}

func TestLoadFromDir_TokenSources(t *testing.T) {
	yamlNoMock := "vendor:\n  use_mock: false\n"
	tests := []struct {
		name    string
		env     string
		yaml    string
		secrets string
		dotenv  string
		want    string
	}{
		{name: "secrets file", yaml: yamlNoMock, secrets: "aqicn_token: from-secrets\n", want: "from-secrets"},
		{name: "yaml", yaml: yamlNoMock + "  token: from-yaml\n", secrets: "aqicn_token: from-secrets\n", want: "from-yaml"},
		{name: "env wins", env: "from-env", yaml: yamlNoMock + "  token: from-yaml\n", want: "from-env"},
		{name: "dotenv", yaml: yamlNoMock, dotenv: "AQICN_TOKEN=from-dotenv\n", want: "from-dotenv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if tt.env != "" {
				t.Setenv("AQICN_TOKEN", tt.env)
			}
			dir := t.TempDir()
			writeEnvFile(t, dir, "dev", tt.yaml)
			if tt.secrets != "" {
				writeSecretsFile(t, dir, tt.secrets)
			}
			if tt.dotenv != "" {
				if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(tt.dotenv), 0o644); err != nil {
					t.Fatalf("WriteFile: %v", err)
				}
			}

			cfg, err := LoadFromDir(dir)
			if err != nil {
				t.Fatalf("LoadFromDir() error = %v", err)
			}
			if cfg.AQICNToken != tt.want {
				t.Errorf("AQICNToken = %q, want %q", cfg.AQICNToken, tt.want)
			}
		})
	}
}

func TestLoadFromDir_EnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "dev", `
app:
  name: from-yaml
cache:
  ttl_seconds: 300
  max_entries: 50
vendor:
  use_mock: false
  token: tok
`)
	t.Setenv("APP_NAME", "from-env")
	t.Setenv("API_V1_PREFIX", "api/v2/")
	t.Setenv("PORT", "9090")
	t.Setenv("CACHE_TTL_SECONDS", "0")
	t.Setenv("CACHE_MAX_ENTRIES", "7")
	t.Setenv("CACHE_BACKEND", "MEMCACHED")
	t.Setenv("MEMCACHED_ADDRS", "mc1:11211,mc2:11211")
	t.Setenv("USE_MOCK_VENDOR", "1")

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if cfg.AppName != "from-env" || cfg.APIPrefix != "/api/v2" || cfg.ServerPort != "9090" {
		t.Errorf("app settings = %q %q %q", cfg.AppName, cfg.APIPrefix, cfg.ServerPort)
	}
	if cfg.CacheTTL != 0 || cfg.CacheMaxEntries != 7 {
		t.Errorf("cache = ttl %v max %d, want 0 and 7", cfg.CacheTTL, cfg.CacheMaxEntries)
	}
	if cfg.CacheBackend != "memcached" || cfg.MemcachedAddrs != "mc1:11211,mc2:11211" {
		t.Errorf("backend = %q %q", cfg.CacheBackend, cfg.MemcachedAddrs)
	}
	if !cfg.UseMockVendor {
		t.Error("UseMockVendor = false, want env override true")
	}
}

func TestLoadFromDir_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		yaml    string
		wantErr string
	}{
		{name: "bad ttl", env: map[string]string{"CACHE_TTL_SECONDS": "ten"}, yaml: minimalEnvYAML, wantErr: "CACHE_TTL_SECONDS"},
		{name: "bad bool", env: map[string]string{"USE_MOCK_VENDOR": "maybe"}, yaml: minimalEnvYAML, wantErr: "USE_MOCK_VENDOR"},
		{name: "bad backend", env: map[string]string{"CACHE_BACKEND": "redis"}, yaml: minimalEnvYAML, wantErr: "CacheBackend"},
		{name: "negative max entries", env: map[string]string{"CACHE_MAX_ENTRIES": "-1"}, yaml: minimalEnvYAML, wantErr: "CacheMaxEntries"},
		{name: "bad port", env: map[string]string{"PORT": "http"}, yaml: minimalEnvYAML, wantErr: "ServerPort"},
		{name: "invalid yaml", yaml: "server: [unclosed", wantErr: "parse config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			writeEnvFile(t, dir, "dev", tt.yaml)

			cfg, err := LoadFromDir(dir)
			if err == nil {
				t.Fatalf("LoadFromDir() = %+v, want error", cfg)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromDir_InvalidSecretsYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "dev", "vendor:\n  use_mock: false\n")
	writeSecretsFile(t, dir, "aqicn_token: [bad")

	if _, err := LoadFromDir(dir); err == nil || !strings.Contains(err.Error(), "parse secrets file") {
		t.Errorf("LoadFromDir() error = %v, want secrets parse error", err)
	}
}

func TestLoadFromDir_DurationFallbacks(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "dev", `
vendor:
  use_mock: true
  timeout: "invalid"
request:
  timeout: ""
cache:
  stale_retention: "-5m"
  warm_interval: "10m"
  warm_cities: [delhi, mumbai]
`)
	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if cfg.AQICNTimeout != 10*time.Second {
		t.Errorf("AQICNTimeout = %v, want default", cfg.AQICNTimeout)
	}
	if cfg.CacheStaleRetention != 24*time.Hour {
		t.Errorf("CacheStaleRetention = %v, want default", cfg.CacheStaleRetention)
	}
	if cfg.WarmInterval != 10*time.Minute || len(cfg.WarmCities) != 2 {
		t.Errorf("warming = %v %v", cfg.WarmInterval, cfg.WarmCities)
	}
}

func TestLoadFromDir_RequestTimeoutRaisedAboveVendorTimeout(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeEnvFile(t, dir, "dev", `
vendor:
  use_mock: true
  timeout: "20s"
request:
  timeout: "5s"
`)
	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if cfg.RequestTimeout != 21*time.Second {
		t.Errorf("RequestTimeout = %v, want 21s", cfg.RequestTimeout)
	}
}
