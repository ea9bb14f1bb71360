package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "DEVCIRCLE"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = DriverSQLite
	defaultDatabasePath       = "devcircle.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultAuthIssuer         = "devcircle-auth"
	defaultTokenTTLMinutes    = 60
	defaultFeedCandidateCap   = 500
	defaultFeedLimit          = 20
	defaultFeedMaxLimit       = 100
	defaultEventsPerSecond    = 10.0
	defaultEventBurst         = 20
	defaultRealtimeSendBuffer = 16
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	SigningSecret  string
	AuthIssuer     string
	TokenTTL       time.Duration
	LogLevel       string
	LogFormat      string
	Feed           FeedConfig
	Realtime       RealtimeConfig
}

// FeedConfig bounds feed candidate selection and page sizes.
type FeedConfig struct {
	CandidateCap int
	DefaultLimit int
	MaxLimit     int
}

// RealtimeConfig configures websocket delivery.
type RealtimeConfig struct {
	RedisURL        string
	AllowedOrigins  []string
	EventsPerSecond float64
	EventBurst      int
	SendBuffer      int
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("feed.candidate_cap", defaultFeedCandidateCap)
	configViper.SetDefault("feed.default_limit", defaultFeedLimit)
	configViper.SetDefault("feed.max_limit", defaultFeedMaxLimit)
	configViper.SetDefault("realtime.events_per_second", defaultEventsPerSecond)
	configViper.SetDefault("realtime.event_burst", defaultEventBurst)
	configViper.SetDefault("realtime.send_buffer", defaultRealtimeSendBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:     configViper.GetString("auth.issuer"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
		Feed: FeedConfig{
			CandidateCap: configViper.GetInt("feed.candidate_cap"),
			DefaultLimit: configViper.GetInt("feed.default_limit"),
			MaxLimit:     configViper.GetInt("feed.max_limit"),
		},
		Realtime: RealtimeConfig{
			RedisURL:        strings.TrimSpace(configViper.GetString("realtime.redis_url")),
			AllowedOrigins:  splitList(configViper.GetStringSlice("realtime.allowed_origins")),
			EventsPerSecond: configViper.GetFloat64("realtime.events_per_second"),
			EventBurst:      configViper.GetInt("realtime.event_burst"),
			SendBuffer:      configViper.GetInt("realtime.send_buffer"),
		},
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
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.Feed.DefaultLimit <= 0 || c.Feed.MaxLimit < c.Feed.DefaultLimit {
		return fmt.Errorf("feed limits are inconsistent: default %d, max %d", c.Feed.DefaultLimit, c.Feed.MaxLimit)
	}
	if c.Feed.CandidateCap <= 0 {
		return fmt.Errorf("feed.candidate_cap must be positive")
	}
	if c.Realtime.EventsPerSecond <= 0 || c.Realtime.EventBurst <= 0 {
		return fmt.Errorf("realtime event rate must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
