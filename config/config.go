package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds the client engine's configuration
type Config struct {
	ServiceBaseURL    string        `mapstructure:"SERVICE_BASE_URL"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ChatReplyWait     time.Duration `mapstructure:"CHAT_REPLY_WAIT"`
	MaxRetries        int           `mapstructure:"MAX_RETRIES"`
	RetryDelaySeconds time.Duration `mapstructure:"RETRY_DELAY_SECONDS"`
	DatasetMaxSizeMB  int64         `mapstructure:"DATASET_MAX_SIZE_MB"`
	DocumentMaxSizeMB int64         `mapstructure:"DOCUMENT_MAX_SIZE_MB"`
	ChartMaxSizeMB    int64         `mapstructure:"CHART_IMAGE_MAX_SIZE_MB"`
	HistoryLimit      int           `mapstructure:"HISTORY_LIMIT"`
	ResultCacheSize   int           `mapstructure:"RESULT_CACHE_SIZE"`
	StateDir          string        `mapstructure:"STATE_DIR"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
}

func Load(logger *zap.Logger) *Config {
	var config Config
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")        // For running locally
	viper.AddConfigPath("./config") // Common config folder
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("SERVICE_BASE_URL", "http://localhost:8001/api")
	viper.SetDefault("REQUEST_TIMEOUT", 120)
	viper.SetDefault("CHAT_REPLY_WAIT", 120)
	viper.SetDefault("MAX_RETRIES", 3)
	viper.SetDefault("RETRY_DELAY_SECONDS", 2)
	viper.SetDefault("DATASET_MAX_SIZE_MB", 50)
	viper.SetDefault("DOCUMENT_MAX_SIZE_MB", 20)
	viper.SetDefault("CHART_IMAGE_MAX_SIZE_MB", 10)
	viper.SetDefault("HISTORY_LIMIT", 50)
	viper.SetDefault("RESULT_CACHE_SIZE", 16)
	viper.SetDefault("STATE_DIR", ".insightforge")
	viper.SetDefault("LOG_LEVEL", "info")

	if err := viper.ReadInConfig(); err != nil {
		if logger != nil {
			logger.Warn("Could not read config file, using defaults/env vars", zap.Error(err))
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		// Config unmarshaling is critical - fail fast during bootstrap
		if logger != nil {
			logger.Fatal("Unable to decode config into struct", zap.Error(err))
		}
	}

	config.ServiceBaseURL = strings.TrimRight(strings.TrimSpace(config.ServiceBaseURL), "/")

	// Convert seconds to proper time.Duration
	config.RequestTimeout = config.RequestTimeout * time.Second
	config.ChatReplyWait = config.ChatReplyWait * time.Second
	config.RetryDelaySeconds = config.RetryDelaySeconds * time.Second

	return &config
}

// DatasetMaxBytes returns the primary dataset size cap in bytes.
func (c *Config) DatasetMaxBytes() int64 { return c.DatasetMaxSizeMB * 1024 * 1024 }

// DocumentMaxBytes returns the companion document size cap in bytes.
func (c *Config) DocumentMaxBytes() int64 { return c.DocumentMaxSizeMB * 1024 * 1024 }

// ChartMaxBytes returns the standalone chart image size cap in bytes.
func (c *Config) ChartMaxBytes() int64 { return c.ChartMaxSizeMB * 1024 * 1024 }
