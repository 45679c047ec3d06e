// Package config loads application configuration from file and environment
// and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fieldsight/pattern-cli/internal/db"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Detect    DetectConfig    `yaml:"detect" mapstructure:"detect"`
	Insight   InsightConfig   `yaml:"insight" mapstructure:"insight"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the pattern persistence backend.
type StoreConfig struct {
	Driver      string        `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Pool        db.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// AnthropicConfig holds the narrative generator settings.
type AnthropicConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	Model          string  `yaml:"model" mapstructure:"model"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerMin float64 `yaml:"requests_per_min" mapstructure:"requests_per_min"`
}

// DetectConfig holds the default detector parameters. Per-detector overrides
// can be supplied through a tuning file (see tuning.go).
type DetectConfig struct {
	EpsKm      float64 `yaml:"eps_km" mapstructure:"eps_km"`
	MinPoints  int     `yaml:"min_points" mapstructure:"min_points"`
	DaysBack   int     `yaml:"days_back" mapstructure:"days_back"`
	WeeksBack  int     `yaml:"weeks_back" mapstructure:"weeks_back"`
	YearsBack  int     `yaml:"years_back" mapstructure:"years_back"`
	TuningFile string  `yaml:"tuning_file" mapstructure:"tuning_file"`
}

// InsightConfig configures narrative caching and generation.
type InsightConfig struct {
	TTLHours              int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	DigestTTLDays         int `yaml:"digest_ttl_days" mapstructure:"digest_ttl_days"`
	DigestTopN            int `yaml:"digest_top_n" mapstructure:"digest_top_n"`
	GenerationTimeoutSecs int `yaml:"generation_timeout_secs" mapstructure:"generation_timeout_secs"`
}

// ServerConfig configures the HTTP read API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PATTERN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "patterns.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.requests_per_min", 30)
	v.SetDefault("detect.eps_km", 50.0)
	v.SetDefault("detect.min_points", 5)
	v.SetDefault("detect.days_back", 365)
	v.SetDefault("detect.weeks_back", 52)
	v.SetDefault("detect.years_back", 3)
	v.SetDefault("insight.ttl_hours", 24)
	v.SetDefault("insight.digest_ttl_days", 7)
	v.SetDefault("insight.digest_top_n", 5)
	v.SetDefault("insight.generation_timeout_secs", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
