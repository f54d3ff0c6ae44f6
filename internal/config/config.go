package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "RUNDOWN"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "rundown.db"
	defaultLogLevel     = "info"
	defaultRateLimit    = 60
	defaultRateWindowS  = 60
	defaultCacheTTLS    = 300
	defaultTokenTTLMin  = 30
	defaultSafetyDir    = "exports"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SharedSecret    string
	TokenTTL        time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	CacheTTL        time.Duration
	WebhookTargets  []string
	SafetyExportDir string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.shared_secret", "")
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("ratelimit.max_requests", defaultRateLimit)
	configViper.SetDefault("ratelimit.window_seconds", defaultRateWindowS)
	configViper.SetDefault("cache.ttl_seconds", defaultCacheTTLS)
	configViper.SetDefault("webhook.targets", []string{})
	configViper.SetDefault("export.safety_dir", defaultSafetyDir)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SharedSecret:    configViper.GetString("auth.shared_secret"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RateLimitMax:    configViper.GetInt("ratelimit.max_requests"),
		RateLimitWindow: time.Duration(configViper.GetInt("ratelimit.window_seconds")) * time.Second,
		CacheTTL:        time.Duration(configViper.GetInt("cache.ttl_seconds")) * time.Second,
		WebhookTargets:  configViper.GetStringSlice("webhook.targets"),
		SafetyExportDir: configViper.GetString("export.safety_dir"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RateLimitMax < 1 {
		return fmt.Errorf("ratelimit.max_requests must be positive")
	}
	if c.RateLimitWindow < time.Second {
		return fmt.Errorf("ratelimit.window_seconds must be at least 1")
	}
	if c.CacheTTL < time.Second {
		return fmt.Errorf("cache.ttl_seconds must be at least 1")
	}
	return nil
}
