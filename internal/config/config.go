package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Overlay store drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

type Config struct {
	Backend struct {
		BaseURL             string  `yaml:"base_url"`
		TimeoutSeconds      int     `yaml:"timeout_seconds"`
		RateLimitRPS        float64 `yaml:"rate_limit_rps"`
		RateLimitBurst      int     `yaml:"rate_limit_burst"`
		ClubCacheTTLSeconds int     `yaml:"club_cache_ttl_seconds"`
	} `yaml:"backend"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Overlay struct {
		Driver              string `yaml:"driver"`
		SQLitePath          string `yaml:"sqlite_path"`
		SessionTTLMinutes   int    `yaml:"session_ttl_minutes"`
		BackupPath          string `yaml:"backup_path"`
		BackupIntervalHours int    `yaml:"backup_interval_hours"`
		BackupRetentionDays int    `yaml:"backup_retention_days"`
	} `yaml:"overlay"`

	Gateway struct {
		Port                int      `yaml:"port"`
		AllowedOrigins      []string `yaml:"allowed_origins"`
		ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
	} `yaml:"gateway"`

	Booking struct {
		ModalTimeoutMinutes    int `yaml:"modal_timeout_minutes"`
		CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
	} `yaml:"booking"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load reads the YAML config at path. Variables from a .env file in the working
// directory are loaded first so ${VAR} placeholders can refer to them.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err = cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Overlay.Driver == DriverSQLite {
		if err = os.MkdirAll(filepath.Dir(cfg.Overlay.SQLitePath), 0o755); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("backend.base_url is required")
	}

	if c.Overlay.Driver == "" {
		c.Overlay.Driver = DriverMemory
	}
	switch c.Overlay.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Redis.Address == "" {
			return errors.New("overlay.driver redis requires redis.address")
		}
	case DriverSQLite:
		if c.Overlay.SQLitePath == "" {
			c.Overlay.SQLitePath = "data/overlay.db"
		}
	default:
		return fmt.Errorf("unknown overlay.driver %q", c.Overlay.Driver)
	}

	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8080
	}
	return nil
}

func (c *Config) BackendTimeout() time.Duration {
	if c.Backend.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

func (c *Config) ClubCacheTTL() time.Duration {
	if c.Backend.ClubCacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Backend.ClubCacheTTLSeconds) * time.Second
}

// OverlaySessionTTL bounds how long overlay entries outlive the last booking
// of a session.
func (c *Config) OverlaySessionTTL() time.Duration {
	if c.Overlay.SessionTTLMinutes <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(c.Overlay.SessionTTLMinutes) * time.Minute
}

// BackupEnabled reports whether the sqlite overlay should be backed up.
func (c *Config) BackupEnabled() bool {
	return c.Overlay.Driver == DriverSQLite && c.Overlay.BackupPath != ""
}

func (c *Config) BackupInterval() time.Duration {
	if c.Overlay.BackupIntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Overlay.BackupIntervalHours) * time.Hour
}

func (c *Config) BackupRetention() time.Duration {
	if c.Overlay.BackupRetentionDays <= 0 {
		return 14 * 24 * time.Hour
	}
	return time.Duration(c.Overlay.BackupRetentionDays) * 24 * time.Hour
}

func (c *Config) ModalTimeout() time.Duration {
	if c.Booking.ModalTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Booking.ModalTimeoutMinutes) * time.Minute
}

func (c *Config) CleanupInterval() time.Duration {
	if c.Booking.CleanupIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Booking.CleanupIntervalSeconds) * time.Second
}

func (c *Config) ReadTimeout() time.Duration {
	if c.Gateway.ReadTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Gateway.ReadTimeoutSeconds) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	if c.Gateway.WriteTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Gateway.WriteTimeoutSeconds) * time.Second
}

// LogLevel parses logging.level, defaulting to info.
func (c *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil || c.Logging.Level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// ConsoleLogs reports whether logs should be human readable rather than JSON.
func (c *Config) ConsoleLogs() bool {
	return c.Logging.Format != "json"
}
