// Package config loads bot program configuration from a YAML file layered
// with environment variable overrides.
package config

import (
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// BotConfig holds credentials and dispatch settings for a bot process.
type BotConfig struct {
	Token     string `yaml:"token" envconfig:"BOT_TOKEN"`
	QueueSize int    `yaml:"queue_size" envconfig:"BOT_QUEUE_SIZE"`
	Debug     bool   `yaml:"debug" envconfig:"BOT_DEBUG"`
}

// LoggingConfig controls the engine logger.
type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LOG_LEVEL"`
	Color bool   `yaml:"color" envconfig:"LOG_COLOR"`
}

// StorageConfig selects the persistence backend. An empty driver keeps
// conversation state in memory only.
type StorageConfig struct {
	Driver string `yaml:"driver" envconfig:"STORAGE_DRIVER"`
	DSN    string `yaml:"dsn" envconfig:"STORAGE_DSN"`
}

// SchedulerConfig tunes the job queue.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"SCHEDULER_ENABLED"`
}

// Config aggregates everything a bot process needs at startup.
type Config struct {
	Bot       BotConfig       `yaml:"bot"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// Load reads configuration from a YAML file, then applies environment
// variable overrides. An empty path skips the file and uses env only.
func Load(path string) (*Config, error) {
	cfg := Config{
		Bot:       BotConfig{QueueSize: 100},
		Logging:   LoggingConfig{Level: "info", Color: true},
		Scheduler: SchedulerConfig{Enabled: true},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrap(err, "parsing config file")
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "processing environment")
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates required fields and canonicalizes values.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(cfg.Bot.Token) == "" {
		return errors.New("bot.token is required")
	}
	if cfg.Bot.QueueSize <= 0 {
		cfg.Bot.QueueSize = 100
	}

	level := strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if level == "" {
		level = "info"
	}
	switch level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return errors.Errorf("invalid logging.level %q; allowed: trace, debug, info, warn, error", cfg.Logging.Level)
	}
	cfg.Logging.Level = level

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "memory":
		driver = ""
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver is 'sqlite'")
		}
	default:
		return errors.Errorf("invalid storage.driver %q; allowed: memory, sqlite", cfg.Storage.Driver)
	}
	cfg.Storage.Driver = driver
	return nil
}
