// Package config provides configuration management using Viper
package config

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase = "sqlite"
)

// DefaultProjectID is used by the webhook path when neither the payload nor the
// configuration names a project.
const DefaultProjectID = "default"

// ErrNotConfigured is returned when a required external credential or identifier is absent.
// It fails the current request only.
var ErrNotConfigured = errors.New("not configured")

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	AppURL      string   `mapstructure:"appurl"`

	// File paths
	DatabasePath          string `mapstructure:"storagepath"`
	DatabaseName          string `mapstructure:"-"` // Derived from other settings
	PublicDirectory       string `mapstructure:"publicdir"`
	PublicAssetsUrlPrefix string `mapstructure:"publicassetsurlprefix"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Embeddables API
	EmbeddablesAPIURL     string `mapstructure:"embeddablesapiurl"`
	EmbeddablesAPIKey     string `mapstructure:"embeddablesapikey"`
	EmbeddablesProjectID  string `mapstructure:"embeddablesprojectid"`
	EmbeddablesTimeoutSec int    `mapstructure:"embeddablestimeoutseconds"`
	SyncPageSize          int    `mapstructure:"syncpagesize"`
	SyncMaxOffset         int    `mapstructure:"syncmaxoffset"`

	// Shared secrets
	CronSecret    string `mapstructure:"cronsecret"`
	WebhookSecret string `mapstructure:"webhooksecret"`

	// Notifications
	SlackWebhookURL string `mapstructure:"slackwebhookurl"`
	SlackChannel    string `mapstructure:"slackchannel"`

	// Cache
	RedisURL                 string `mapstructure:"redisurl"`
	AnalyticsCacheTTLSeconds int    `mapstructure:"analyticscachettlseconds"`

	// Funnel defaults
	FunnelName string `mapstructure:"funnelname"`

	// Job scheduling settings
	SyncIntervalSeconds  int `mapstructure:"syncintervalseconds"`
	SyncLogRetentionDays int `mapstructure:"synclogretentiondays"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		v := viper.New()

		v.SetDefault("appname", "funnelsync")
		v.SetDefault("appport", "3000")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("appurl", "http://localhost:3000")
		v.SetDefault("storagepath", "storage")
		v.SetDefault("publicdir", "public")
		v.SetDefault("publicassetsurlprefix", "/")
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("dbtype", SQLiteDatabase)
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)
		v.SetDefault("embeddablesapiurl", "https://api.embeddables.com")
		v.SetDefault("embeddablestimeoutseconds", 30)
		v.SetDefault("syncpagesize", 1000)
		v.SetDefault("syncmaxoffset", 10000)
		v.SetDefault("slackchannel", "#funnel-alerts")
		v.SetDefault("analyticscachettlseconds", 300)
		v.SetDefault("funnelname", "Main Questionnaire")
		v.SetDefault("syncintervalseconds", 0)
		v.SetDefault("synclogretentiondays", 0)

		v.BindEnv("appname", "FUNNELSYNC_APP_NAME")
		v.BindEnv("appport", "FUNNELSYNC_APP_PORT")
		v.BindEnv("environment", "FUNNELSYNC_ENV")
		v.BindEnv("loglevel", "FUNNELSYNC_LOG_LEVEL")
		v.BindEnv("appurl", "APP_URL")
		v.BindEnv("storagepath", "FUNNELSYNC_STORAGE_PATH")
		v.BindEnv("publicdir", "FUNNELSYNC_PUBLIC_DIR")
		v.BindEnv("publicassetsurlprefix", "FUNNELSYNC_PUBLIC_ASSETS_URL_PREFIX")
		v.BindEnv("logsdir", "FUNNELSYNC_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "FUNNELSYNC_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "FUNNELSYNC_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "FUNNELSYNC_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("dbtype", "FUNNELSYNC_DB_TYPE")
		v.BindEnv("dbmaxopenconns", "FUNNELSYNC_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "FUNNELSYNC_DB_MAX_IDLE_CONNS")
		v.BindEnv("embeddablesapiurl", "EMBEDDABLES_API_URL")
		v.BindEnv("embeddablesapikey", "EMBEDDABLES_API_KEY")
		v.BindEnv("embeddablesprojectid", "EMBEDDABLES_PROJECT_ID")
		v.BindEnv("embeddablestimeoutseconds", "EMBEDDABLES_TIMEOUT_SECONDS")
		v.BindEnv("syncpagesize", "FUNNELSYNC_SYNC_PAGE_SIZE")
		v.BindEnv("syncmaxoffset", "FUNNELSYNC_SYNC_MAX_OFFSET")
		v.BindEnv("cronsecret", "CRON_SECRET")
		v.BindEnv("webhooksecret", "EMBEDDABLES_WEBHOOK_SECRET")
		v.BindEnv("slackwebhookurl", "SLACK_WEBHOOK_URL")
		v.BindEnv("slackchannel", "SLACK_CHANNEL")
		v.BindEnv("redisurl", "REDIS_URL")
		v.BindEnv("analyticscachettlseconds", "FUNNELSYNC_ANALYTICS_CACHE_TTL_SECONDS")
		v.BindEnv("funnelname", "FUNNELSYNC_FUNNEL_NAME")
		v.BindEnv("syncintervalseconds", "FUNNELSYNC_SYNC_INTERVAL_SECONDS")
		v.BindEnv("synclogretentiondays", "FUNNELSYNC_SYNC_LOG_RETENTION_DAYS")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		cfg.DatabaseName = cfg.GetDatabasePath()
	})
	return cfg
}

// validate checks the configuration for errors.
// External credentials are deliberately not checked here; see EmbeddablesSettings.
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}

	return nil
}

// EmbeddablesSettings holds the values needed to talk to the Embeddables API.
type EmbeddablesSettings struct {
	BaseURL   string
	APIKey    string
	ProjectID string
	PageSize  int
	MaxOffset int
	Timeout   time.Duration
}

// EmbeddablesSettings returns the upstream API settings, or ErrNotConfigured when the
// API key or project id is missing.
func (c *Config) EmbeddablesSettings() (EmbeddablesSettings, error) {
	var missing []string
	if c.EmbeddablesAPIKey == "" {
		missing = append(missing, "EMBEDDABLES_API_KEY")
	}
	if c.EmbeddablesProjectID == "" {
		missing = append(missing, "EMBEDDABLES_PROJECT_ID")
	}
	if len(missing) > 0 {
		return EmbeddablesSettings{}, fmt.Errorf("%s: %w", strings.Join(missing, " or "), ErrNotConfigured)
	}

	return EmbeddablesSettings{
		BaseURL:   c.EmbeddablesAPIURL,
		APIKey:    c.EmbeddablesAPIKey,
		ProjectID: c.EmbeddablesProjectID,
		PageSize:  c.SyncPageSize,
		MaxOffset: c.SyncMaxOffset,
		Timeout:   time.Duration(c.EmbeddablesTimeoutSec) * time.Second,
	}, nil
}

// WebhookProjectID returns the project id used when a webhook payload names none.
func (c *Config) WebhookProjectID() string {
	if c.EmbeddablesProjectID != "" {
		return c.EmbeddablesProjectID
	}
	return DefaultProjectID
}

// AnalyticsCacheTTL returns how long analytics responses stay cached.
func (c *Config) AnalyticsCacheTTL() time.Duration {
	return time.Duration(c.AnalyticsCacheTTLSeconds) * time.Second
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns the path to public/static assets (implements cartridge.Config interface).
func (c *Config) GetPublicDirectory() string {
	return c.PublicDirectory
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
func (c *Config) GetAssetsPrefix() string {
	return c.PublicAssetsUrlPrefix
}

// GetAppName returns the application name (implements cartridge.FactoryConfig interface).
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string (implements cartridge.FactoryConfig interface).
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetSessionSecret returns an empty secret; this service has no login sessions
// (implements cartridge.FactoryConfig interface).
func (c *Config) GetSessionSecret() string {
	return ""
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1
// - Development/Production: 10
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
