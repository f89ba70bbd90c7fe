package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "SCRIPTORIUM"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "scriptorium.db"
	defaultLogLevel       = "info"
	defaultTokenTTL       = 30
	defaultCacheTTL       = 60
	defaultAIEndpoint     = "https://generativelanguage.googleapis.com"
	defaultAIModel        = "gemini-2.0-flash"
	defaultProviderIssuer = "https://accounts.google.com"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	TokenTTL         time.Duration
	ProviderAudience string
	ProviderJWKSURL  string
	ProviderIssuers  []string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	CacheTTL         time.Duration
	AIAPIKey         string
	AIEndpoint       string
	AIModel          string
}

// RedisEnabled reports whether a redis address was configured. Without it the
// service runs cacheless and without the cross-process event bridge.
func (c AppConfig) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddr) != ""
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
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("provider.issuers", []string{defaultProviderIssuer})
	configViper.SetDefault("redis.addr", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("cache.ttl_seconds", defaultCacheTTL)
	configViper.SetDefault("ai.endpoint", defaultAIEndpoint)
	configViper.SetDefault("ai.model", defaultAIModel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		ProviderAudience: configViper.GetString("provider.audience"),
		ProviderJWKSURL:  configViper.GetString("provider.jwks_url"),
		ProviderIssuers:  configViper.GetStringSlice("provider.issuers"),
		RedisAddr:        configViper.GetString("redis.addr"),
		RedisPassword:    configViper.GetString("redis.password"),
		RedisDB:          configViper.GetInt("redis.db"),
		CacheTTL:         time.Duration(configViper.GetInt("cache.ttl_seconds")) * time.Second,
		AIAPIKey:         configViper.GetString("ai.api_key"),
		AIEndpoint:       configViper.GetString("ai.endpoint"),
		AIModel:          configViper.GetString("ai.model"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.ProviderAudience) == "" {
		return fmt.Errorf("provider.audience is required")
	}
	if strings.TrimSpace(c.ProviderJWKSURL) == "" {
		return fmt.Errorf("provider.jwks_url is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}
