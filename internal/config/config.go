package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"parkwise/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Engine     EngineConfig     `yaml:"engine"`
	Billing    BillingConfig    `yaml:"billing"`
	Exports    ExportConfig     `yaml:"exports"`
	// SeedPath points at an optional lots seed file applied on startup.
	SeedPath string `yaml:"seed_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool `yaml:"enabled"`
	Port       int  `yaml:"port"`
	Reflection bool `yaml:"reflection"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

// APIClientKey binds an API key to the actor it acts as.
type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	UserID      string   `yaml:"user_id"`
	Email       string   `yaml:"email"`
	Role        string   `yaml:"role"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	// Channel carries change events between instances.
	Channel string `yaml:"channel"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type EngineConfig struct {
	StoreTimeout    time.Duration `yaml:"store_timeout"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	TransitionTries int           `yaml:"transition_tries"`
	Retry           RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

type BillingConfig struct {
	StudentDailyRate float64 `yaml:"student_daily_rate"`
	GuestHourlyRate  float64 `yaml:"guest_hourly_rate"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Billing.StudentDailyRate < 0 || c.Billing.GuestHourlyRate < 0 {
		return errors.New("billing rates must not be negative")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return errors.New("redis address is required when redis is enabled")
	}
	return ValidateKeys(c.API.Auth.APIKeys)
}

func ValidateKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if k.Key == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
		if _, err := models.ParseRole(k.Role); err != nil {
			return fmt.Errorf("api key '%s': %w", k.Name, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "parkwise"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	c.API.Auth.HeaderAPIKey = strings.ToLower(c.API.Auth.HeaderAPIKey)

	if c.Database.BusyTimeoutMS == 0 {
		c.Database.BusyTimeoutMS = 5000
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "parkwise:changes"
	}

	// Engine defaults
	if c.Engine.StoreTimeout == 0 {
		c.Engine.StoreTimeout = models.DefaultStoreTimeout
	}
	if c.Engine.LockTTL == 0 {
		c.Engine.LockTTL = models.DefaultLockTTL
	}
	if c.Engine.SweepInterval == 0 {
		c.Engine.SweepInterval = models.DefaultSweepInterval
	}
	if c.Engine.TransitionTries == 0 {
		c.Engine.TransitionTries = 5
	}
	if c.Engine.Retry.MaxRetries == 0 {
		c.Engine.Retry.MaxRetries = 5
	}
	if c.Engine.Retry.InitialDelay == 0 {
		c.Engine.Retry.InitialDelay = time.Second
	}
	if c.Engine.Retry.MaxDelay == 0 {
		c.Engine.Retry.MaxDelay = time.Minute
	}
	if c.Engine.Retry.Multiplier == 0 {
		c.Engine.Retry.Multiplier = 2
	}

	if c.Billing.StudentDailyRate == 0 {
		c.Billing.StudentDailyRate = models.DefaultStudentDailyRate
	}
	if c.Billing.GuestHourlyRate == 0 {
		c.Billing.GuestHourlyRate = models.DefaultGuestHourlyRate
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
