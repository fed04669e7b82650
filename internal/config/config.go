package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "MEND"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabasePath        = "mend.db"
	defaultLogLevel            = "info"
	defaultSessionIssuer       = "tauth"
	defaultCookieName          = "app_session"
	defaultTier                = "free"
	defaultRitualHourlyCap     = 10
	defaultTimezone            = "UTC"
	defaultPreferenceCacheTTL  = 5 * time.Minute
	defaultPreferenceCacheSize = 1024
	defaultDispatchBatchSize   = 100
	defaultDispatchInterval    = time.Minute

	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server and the dispatch job.
type AppConfig struct {
	HTTPAddress         string
	AllowedOrigins      []string
	DatabaseDriver      string
	DatabasePath        string
	DatabaseDSN         string
	LogLevel            string
	SessionSigningKey   string
	SessionIssuer       string
	SessionCookieName   string
	DefaultTier         string
	RitualHourlyCap     int
	DefaultTimezone     string
	PreferenceCacheTTL  time.Duration
	PreferenceCacheSize int
	DispatchBatchSize   int
	DispatchInterval    time.Duration
	PushWebhookURL      string
	EmailWebhookURL     string
	WebhookSecret       string
	MetricsEnabled      bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("policy.default_tier", defaultTier)
	configViper.SetDefault("policy.ritual_hourly_cap", defaultRitualHourlyCap)
	configViper.SetDefault("notifications.default_timezone", defaultTimezone)
	configViper.SetDefault("notifications.preference_cache_ttl", defaultPreferenceCacheTTL)
	configViper.SetDefault("notifications.preference_cache_size", defaultPreferenceCacheSize)
	configViper.SetDefault("notifications.dispatch_batch_size", defaultDispatchBatchSize)
	configViper.SetDefault("notifications.dispatch_interval", defaultDispatchInterval)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		AllowedOrigins:      configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:        configViper.GetString("database.path"),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		LogLevel:            configViper.GetString("log.level"),
		SessionSigningKey:   configViper.GetString("auth.signing_secret"),
		SessionIssuer:       configViper.GetString("auth.issuer"),
		SessionCookieName:   configViper.GetString("auth.cookie_name"),
		DefaultTier:         configViper.GetString("policy.default_tier"),
		RitualHourlyCap:     configViper.GetInt("policy.ritual_hourly_cap"),
		DefaultTimezone:     configViper.GetString("notifications.default_timezone"),
		PreferenceCacheTTL:  configViper.GetDuration("notifications.preference_cache_ttl"),
		PreferenceCacheSize: configViper.GetInt("notifications.preference_cache_size"),
		DispatchBatchSize:   configViper.GetInt("notifications.dispatch_batch_size"),
		DispatchInterval:    configViper.GetDuration("notifications.dispatch_interval"),
		PushWebhookURL:      configViper.GetString("notifications.push_webhook_url"),
		EmailWebhookURL:     configViper.GetString("notifications.email_webhook_url"),
		WebhookSecret:       configViper.GetString("notifications.webhook_secret"),
		MetricsEnabled:      configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadDispatch parses configuration for the dispatch job, which does not serve HTTP
// and therefore does not need session settings.
func LoadDispatch(configViper *viper.Viper) (AppConfig, error) {
	configViper.SetDefault("auth.signing_secret", "unused-by-dispatch")
	return Load(configViper)
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.DatabaseDriver)
	}
	if c.RitualHourlyCap <= 0 {
		return fmt.Errorf("policy.ritual_hourly_cap must be positive")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("notifications.default_timezone is invalid: %w", err)
	}
	if c.PreferenceCacheSize <= 0 {
		return fmt.Errorf("notifications.preference_cache_size must be positive")
	}
	if c.DispatchBatchSize <= 0 {
		return fmt.Errorf("notifications.dispatch_batch_size must be positive")
	}
	if c.DispatchInterval < 0 {
		return fmt.Errorf("notifications.dispatch_interval must not be negative")
	}
	return nil
}
