package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "MEDIBOT_"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" envPrefix:"BASIC_"`
	Databases   map[string]DatabaseConfig `json:"databases" validate:"dive"`
	Redis       RedisConfig               `json:"redis" envPrefix:"REDIS_"`
	Providers   map[string]ProviderConfig `json:"providers" validate:"dive"`
	Router      RouterConfig              `json:"router" envPrefix:"ROUTER_"`
	Images      ImageConfig               `json:"images" envPrefix:"IMAGES_"`
	Guest       GuestConfig               `json:"guest" envPrefix:"GUEST_"`
	History     HistoryConfig             `json:"history" envPrefix:"HISTORY_"`
	Audit       AuditConfig               `json:"audit" envPrefix:"AUDIT_"`
	Auth        AuthConfig                `json:"auth" envPrefix:"AUTH_"`
	ObjectStore ObjectStoreConfig         `json:"object_store" envPrefix:"OBJECT_STORE_"`
	Cache       CacheConfig               `json:"cache" envPrefix:"CACHE_"`
	Telemetry   TelemetryConfig           `json:"telemetry" envPrefix:"TELEMETRY_"`
}

type BasicConfig struct {
	ServerAddress         string  `json:"server_address" env:"SERVER_ADDRESS"`
	DatabaseDriver        string  `json:"database_driver" env:"DATABASE_DRIVER" validate:"oneof=sqlite sqlite3 mysql"`
	ReleaseMode           bool    `json:"release_mode" env:"RELEASE_MODE"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds" env:"REQUEST_TIMEOUT_SECONDS" validate:"min=1"`
	MinWorkers            int     `json:"min_workers" env:"MIN_WORKERS" validate:"min=0"`
	MaxWorkers            int     `json:"max_workers" env:"MAX_WORKERS" validate:"min=1,gtefield=MinWorkers"`
	QueueSize             int     `json:"queue_size" env:"QUEUE_SIZE" validate:"min=1"`
	WorkerIdleTimeout     int     `json:"worker_idle_timeout_minutes" env:"WORKER_IDLE_TIMEOUT_MINUTES" validate:"min=0"`
	RateLimitPerSecond    float64 `json:"rate_limit_per_second" env:"RATE_LIMIT_PER_SECOND" validate:"gte=0"`
	RateLimitBurst        int     `json:"rate_limit_burst" env:"RATE_LIMIT_BURST" validate:"min=0"`
	PurgeIntervalMinutes  int     `json:"purge_interval_minutes" env:"PURGE_INTERVAL_MINUTES" validate:"min=0"`
	WebSearch             bool    `json:"web_search" env:"WEB_SEARCH"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" env:"ENABLED"`
	Host     string `json:"host" env:"HOST"`
	Port     int    `json:"port" env:"PORT"`
	Username string `json:"username" env:"USERNAME"`
	Password string `json:"password" env:"PASSWORD"`
	DB       int    `json:"db" env:"DB"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// RouterConfig names the fast and pro tiers as provider/model pairs.
type RouterConfig struct {
	FastProvider string `json:"fast_provider" env:"FAST_PROVIDER" validate:"required"`
	FastModel    string `json:"fast_model" env:"FAST_MODEL" validate:"required"`
	ProProvider  string `json:"pro_provider" env:"PRO_PROVIDER" validate:"required"`
	ProModel     string `json:"pro_model" env:"PRO_MODEL" validate:"required"`
}

type ImageConfig struct {
	Enabled               bool   `json:"enabled" env:"ENABLED"`
	Model                 string `json:"model" env:"MODEL"`
	APIKey                string `json:"api_key" env:"API_KEY"`
	MaxSteps              int    `json:"max_steps" env:"MAX_STEPS" validate:"min=1"`
	Concurrency           int    `json:"concurrency" env:"CONCURRENCY" validate:"min=1"`
	StepTimeoutSeconds    int    `json:"step_timeout_seconds" env:"STEP_TIMEOUT_SECONDS" validate:"min=1"`
	BatchTimeoutSeconds   int    `json:"batch_timeout_seconds" env:"BATCH_TIMEOUT_SECONDS" validate:"min=1"`
	SecondsPerImage       int    `json:"seconds_per_image" env:"SECONDS_PER_IMAGE" validate:"min=1"`
	DeadlineBufferSeconds int    `json:"deadline_buffer_seconds" env:"DEADLINE_BUFFER_SECONDS" validate:"min=0"`
	URLTTLHours           int    `json:"url_ttl_hours" env:"URL_TTL_HOURS" validate:"min=1"`
}

type GuestConfig struct {
	Limit       int    `json:"limit" env:"LIMIT" validate:"min=1"`
	WindowHours int    `json:"window_hours" env:"WINDOW_HOURS" validate:"min=1"`
	Backend     string `json:"backend" env:"BACKEND" validate:"oneof=sql redis"`
}

type HistoryConfig struct {
	TTLDays      int `json:"ttl_days" env:"TTL_DAYS" validate:"min=1"`
	DefaultLimit int `json:"default_limit" env:"DEFAULT_LIMIT" validate:"min=1"`
	MaxLimit     int `json:"max_limit" env:"MAX_LIMIT" validate:"min=1,gtefield=DefaultLimit"`
}

type AuditConfig struct {
	TTLDays    int `json:"ttl_days" env:"TTL_DAYS" validate:"min=1"`
	BufferSize int `json:"buffer_size" env:"BUFFER_SIZE" validate:"min=1"`
}

type AuthConfig struct {
	TokenTTLHours    int      `json:"token_ttl_hours" env:"TOKEN_TTL_HOURS" validate:"min=1"`
	JWKSURL          string   `json:"jwks_url" env:"JWKS_URL" validate:"omitempty,url"`
	Issuer           string   `json:"issuer" env:"ISSUER"`
	ClientID         string   `json:"client_id" env:"CLIENT_ID"`
	JWKSCacheMinutes int      `json:"jwks_cache_minutes" env:"JWKS_CACHE_MINUTES" validate:"min=1"`
	AdminSubjects    []string `json:"admin_subjects" env:"ADMIN_SUBJECTS" envSeparator:","`
}

type ObjectStoreConfig struct {
	Backend         string `json:"backend" env:"BACKEND" validate:"oneof=local gcs"`
	Bucket          string `json:"bucket" env:"BUCKET" validate:"required_if=Backend gcs"`
	CredentialsFile string `json:"credentials_file" env:"CREDENTIALS_FILE"`
	BaseDir         string `json:"base_dir" env:"BASE_DIR"`
	PublicBaseURL   string `json:"public_base_url" env:"PUBLIC_BASE_URL"`
	SigningKey      string `json:"signing_key" env:"SIGNING_KEY"`
}

type CacheConfig struct {
	Enabled  bool `json:"enabled" env:"ENABLED"`
	TTLHours int  `json:"ttl_hours" env:"TTL_HOURS" validate:"min=1"`
}

type TelemetryConfig struct {
	TracingEnabled bool   `json:"tracing_enabled" env:"TRACING_ENABLED"`
	ServiceName    string `json:"service_name" env:"SERVICE_NAME"`
}

// Default returns a configuration usable for local development.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress:         ":8090",
			DatabaseDriver:        "sqlite3",
			RequestTimeoutSeconds: 120,
			MinWorkers:            2,
			MaxWorkers:            16,
			QueueSize:             128,
			WorkerIdleTimeout:     5,
			RateLimitPerSecond:    2,
			RateLimitBurst:        10,
			PurgeIntervalMinutes:  60,
		},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "./data/medibot.db"},
		},
		Redis: RedisConfig{Host: "127.0.0.1", Port: 6379},
		Providers: map[string]ProviderConfig{
			"gemini": {},
		},
		Router: RouterConfig{
			FastProvider: "gemini",
			FastModel:    "gemini-2.5-flash",
			ProProvider:  "gemini",
			ProModel:     "gemini-2.5-pro",
		},
		Images: ImageConfig{
			Enabled:               true,
			Model:                 "gemini-2.5-flash-image",
			MaxSteps:              10,
			Concurrency:           5,
			StepTimeoutSeconds:    45,
			BatchTimeoutSeconds:   120,
			SecondsPerImage:       3,
			DeadlineBufferSeconds: 60,
			URLTTLHours:           7 * 24,
		},
		Guest:       GuestConfig{Limit: 3, WindowHours: 24, Backend: "sql"},
		History:     HistoryConfig{TTLDays: 90, DefaultLimit: 20, MaxLimit: 50},
		Audit:       AuditConfig{TTLDays: 365, BufferSize: 256},
		Auth:        AuthConfig{TokenTTLHours: 24, JWKSCacheMinutes: 60},
		ObjectStore: ObjectStoreConfig{Backend: "local", BaseDir: "./data/media"},
		Cache:       CacheConfig{TTLHours: 24},
		Telemetry:   TelemetryConfig{ServiceName: "medibot"},
	}
}

// Load reads configuration from the provided path (defaults to config.json),
// layers MEDIBOT_* environment overrides on top and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	cfg := Default()
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	driver := cfg.BasicConfig.DatabaseDriver
	if dbCfg, ok := cfg.Databases[driver]; ok && isRelativeFileDSN(driver, dbCfg.DSN) {
		dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
		cfg.Databases[driver] = dbCfg
	}
	if cfg.ObjectStore.BaseDir != "" && !filepath.IsAbs(cfg.ObjectStore.BaseDir) {
		cfg.ObjectStore.BaseDir = filepath.Join(filepath.Dir(absPath), cfg.ObjectStore.BaseDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-section references.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, ok := c.Databases[c.BasicConfig.DatabaseDriver]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.DatabaseDriver)
	}
	if c.Guest.Backend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("guest backend redis requires redis.enabled")
	}
	if c.ObjectStore.Backend == "local" && c.ObjectStore.SigningKey == "" && c.BasicConfig.ReleaseMode {
		return fmt.Errorf("object_store.signing_key must be set in release mode")
	}
	return nil
}

// IsAdmin reports whether the subject may call admin endpoints.
func (c *Config) IsAdmin(subject string) bool {
	for _, s := range c.Auth.AdminSubjects {
		if s == subject {
			return true
		}
	}
	return false
}

func (b BasicConfig) RequestTimeout() time.Duration {
	return time.Duration(b.RequestTimeoutSeconds) * time.Second
}

func (i ImageConfig) StepTimeout() time.Duration {
	return time.Duration(i.StepTimeoutSeconds) * time.Second
}

func (i ImageConfig) BatchTimeout() time.Duration {
	return time.Duration(i.BatchTimeoutSeconds) * time.Second
}

func (i ImageConfig) URLTTL() time.Duration {
	return time.Duration(i.URLTTLHours) * time.Hour
}

func (g GuestConfig) Window() time.Duration {
	return time.Duration(g.WindowHours) * time.Hour
}

func (h HistoryConfig) TTL() time.Duration {
	return time.Duration(h.TTLDays) * 24 * time.Hour
}

func (a AuditConfig) TTL() time.Duration {
	return time.Duration(a.TTLDays) * 24 * time.Hour
}

func isRelativeFileDSN(driver, dsn string) bool {
	if !strings.HasPrefix(driver, "sqlite") || dsn == "" {
		return false
	}
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return false
	}
	return !filepath.IsAbs(dsn)
}
