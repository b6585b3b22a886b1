// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
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

// Fingerprint rotation modes
const (
	RotationNone  = "none"
	RotationDaily = "daily"
)

const defaultPrivateKey = "88888888888888888888888888888888"

// Bounds for the number of rows returned by analytics breakdowns.
const (
	MinTopLimit = 10
	MaxTopLimit = 20
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName               string   `mapstructure:"appname"`
	AppPort               string   `mapstructure:"appport"`
	Environment           string   `mapstructure:"environment"`
	LogLevel              LogLevel `mapstructure:"loglevel"`
	PrivateKey            string   `mapstructure:"privatekey"`
	SessionTimeoutSeconds int      `mapstructure:"sessiontimeoutseconds"`
	PublicDirectory       string   `mapstructure:"publicdir"`
	PublicAssetsUrlPrefix string   `mapstructure:"publicassetsurlprefix"`

	// Visitor identification
	FingerprintRotation string `mapstructure:"fingerprintrotation"`
	IgnoreBots          bool   `mapstructure:"ignorebots"`

	// File paths
	DatabasePath string `mapstructure:"storagepath"`
	DatabaseName string `mapstructure:"-"` // Derived from other settings

	// Location resolution. An empty GeoDBPath selects the stub resolver.
	GeoDBPath          string `mapstructure:"geodbpath"`
	StubCountryCode    string `mapstructure:"stubcountrycode"`
	StubCity           string `mapstructure:"stubcity"`
	GeoCacheTTLSeconds int    `mapstructure:"geocachettlseconds"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseMaxOpenConns int `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int `mapstructure:"dbmaxidleconns"`

	// Job scheduling settings
	SessionSweepEnabled bool `mapstructure:"sessionsweepenabled"`
	JobIntervalSeconds  int  `mapstructure:"jobintervalseconds"`

	// Analytics settings
	AnalyticsTopLimit       int `mapstructure:"analyticstoplimit"`
	AnalyticsTimeoutSeconds int `mapstructure:"analyticstimeoutseconds"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		v := viper.New()

		v.SetDefault("appname", "visitrack")
		v.SetDefault("appport", "3000")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("privatekey", defaultPrivateKey)
		v.SetDefault("sessiontimeoutseconds", 1800)
		v.SetDefault("publicdir", "public")
		v.SetDefault("publicassetsurlprefix", "/")
		v.SetDefault("fingerprintrotation", RotationNone)
		v.SetDefault("ignorebots", true)
		v.SetDefault("storagepath", "storage")
		v.SetDefault("geodbpath", "")
		v.SetDefault("stubcountrycode", "US")
		v.SetDefault("stubcity", "")
		v.SetDefault("geocachettlseconds", 3600)
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)
		v.SetDefault("sessionsweepenabled", false)
		v.SetDefault("jobintervalseconds", 60)
		v.SetDefault("analyticstoplimit", MinTopLimit)
		v.SetDefault("analyticstimeoutseconds", 10)

		v.BindEnv("appname", "VISITRACK_APP_NAME")
		v.BindEnv("appport", "VISITRACK_APP_PORT")
		v.BindEnv("environment", "VISITRACK_ENV")
		v.BindEnv("loglevel", "VISITRACK_LOG_LEVEL")
		v.BindEnv("privatekey", "VISITRACK_PRIVATE_KEY")
		v.BindEnv("sessiontimeoutseconds", "VISITRACK_SESSION_TIMEOUT_SECONDS")
		v.BindEnv("publicdir", "VISITRACK_PUBLIC_DIR")
		v.BindEnv("publicassetsurlprefix", "VISITRACK_PUBLIC_ASSETS_URL_PREFIX")
		v.BindEnv("fingerprintrotation", "VISITRACK_FINGERPRINT_ROTATION")
		v.BindEnv("ignorebots", "VISITRACK_IGNORE_BOTS")
		v.BindEnv("storagepath", "VISITRACK_STORAGE_PATH")
		v.BindEnv("geodbpath", "VISITRACK_GEO_DB_PATH")
		v.BindEnv("stubcountrycode", "VISITRACK_STUB_COUNTRY_CODE")
		v.BindEnv("stubcity", "VISITRACK_STUB_CITY")
		v.BindEnv("geocachettlseconds", "VISITRACK_GEO_CACHE_TTL_SECONDS")
		v.BindEnv("logsdir", "VISITRACK_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "VISITRACK_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "VISITRACK_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "VISITRACK_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("dbmaxopenconns", "VISITRACK_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "VISITRACK_DB_MAX_IDLE_CONNS")
		v.BindEnv("sessionsweepenabled", "VISITRACK_SESSION_SWEEP_ENABLED")
		v.BindEnv("jobintervalseconds", "VISITRACK_JOB_INTERVAL_SECONDS")
		v.BindEnv("analyticstoplimit", "VISITRACK_ANALYTICS_TOP_LIMIT")
		v.BindEnv("analyticstimeoutseconds", "VISITRACK_ANALYTICS_TIMEOUT_SECONDS")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		cfg.DatabaseName = cfg.GetDatabasePath()

		if cfg.PrivateKey == "" {
			log.Fatal("Private key is required")
		}
		if cfg.IsProduction() && cfg.PrivateKey == defaultPrivateKey {
			log.Fatal("Production requires a unique VISITRACK_PRIVATE_KEY (cannot use default)")
		}
	})
	return cfg
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validRotations := map[string]bool{
		RotationNone:  true,
		RotationDaily: true,
	}
	if !validRotations[c.FingerprintRotation] {
		return fmt.Errorf("invalid fingerprint rotation: %s", c.FingerprintRotation)
	}

	if c.SessionTimeoutSeconds <= 0 {
		return fmt.Errorf("session timeout must be positive, got %d", c.SessionTimeoutSeconds)
	}

	return nil
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

// GetSessionSecret returns the key used for fingerprint hashing (implements cartridge.FactoryConfig interface).
func (c *Config) GetSessionSecret() string {
	return c.PrivateKey
}

// GetSessionTimeout returns the visitor session inactivity timeout in seconds.
func (c *Config) GetSessionTimeout() int {
	return c.SessionTimeoutSeconds
}

// GetLoginSessionTimeout is required by cartridge.FactoryConfig. There is no
// login surface, so it mirrors the visitor session timeout.
func (c *Config) GetLoginSessionTimeout() int {
	return c.SessionTimeoutSeconds
}

// SessionTimeout returns the visitor session inactivity gap as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

// GeoCacheTTL returns how long resolved locations stay cached.
func (c *Config) GeoCacheTTL() time.Duration {
	if c.GeoCacheTTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.GeoCacheTTLSeconds) * time.Second
}

// AnalyticsTimeout bounds a single dashboard aggregation.
func (c *Config) AnalyticsTimeout() time.Duration {
	if c.AnalyticsTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.AnalyticsTimeoutSeconds) * time.Second
}

// TopLimit returns the breakdown size clamped to [MinTopLimit, MaxTopLimit].
func (c *Config) TopLimit() int {
	switch {
	case c.AnalyticsTopLimit < MinTopLimit:
		return MinTopLimit
	case c.AnalyticsTopLimit > MaxTopLimit:
		return MaxTopLimit
	default:
		return c.AnalyticsTopLimit
	}
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1
// - Development/Production: 10 (allows concurrent reads for parallel dashboard queries)
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
