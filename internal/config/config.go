// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultPGHost         = "127.0.0.1"
	DefaultPGPort         = 5432
	DefaultPGUser         = "postgres"
	DefaultPGDatabase     = "telepix"
	DefaultPGSSLMode      = "disable"
	DefaultRedisAddr      = "127.0.0.1:6379"
	DefaultGatewayBaseURL = "https://api.syncpay.com.br"
	DefaultGraphAPIURL    = "https://graph.facebook.com/v18.0"
	DefaultEventSourceURL = "https://telegram.org"
	DefaultUploadDir      = "uploads"

	DefaultFollowUpWorkers     = 10
	DefaultFollowUpMaxAttempts = 3
	DefaultFirstDelayMinutes   = 20
	DefaultIntervalMinutes     = 10
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log         LogConfig         `toml:"log"`
	Server      ServerConfig      `toml:"server"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	Telegram    TelegramConfig    `toml:"telegram"`
	Session     SessionConfig     `toml:"session"`
	FollowUp    FollowUpConfig    `toml:"followup"`
	Gateway     GatewayConfig     `toml:"gateway"`
	Payments    PaymentsConfig    `toml:"payments"`
	Conversions ConversionsConfig `toml:"conversions"`
	Media       MediaConfig       `toml:"media"`
	Attribution AttributionConfig `toml:"attribution"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP listen address and the public URLs used to build webhook and media links.
type ServerConfig struct {
	Addr        string `toml:"addr"`
	PublicURL   string `toml:"public_url"`
	WebhookURL  string `toml:"webhook_url"`
	AdminAPIKey string `toml:"admin_api_key"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// RedisConfig holds the Redis connection used by the follow-up queue, attribution tokens and session leases.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// TelegramConfig tunes the Bot API client.
type TelegramConfig struct {
	APIEndpoint    string        `toml:"api_endpoint"`
	PollTimeout    int           `toml:"poll_timeout_seconds"`
	SendRate       float64       `toml:"send_rate"`
	SendBurst      int           `toml:"send_burst"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// SessionConfig holds the stop/start pacing of the session manager.
type SessionConfig struct {
	StartGrace       time.Duration `toml:"start_grace"`
	StopSettle       time.Duration `toml:"stop_settle"`
	RestartSettle    time.Duration `toml:"restart_settle"`
	InterTenantDelay time.Duration `toml:"inter_tenant_delay"`
	ConflictRetries  int           `toml:"conflict_retries"`
	ConflictBackoff  time.Duration `toml:"conflict_backoff"`
	LeaseEnabled     bool          `toml:"lease_enabled"`
	LeaseTTL         time.Duration `toml:"lease_ttl"`
}

// FollowUpConfig configures the durable follow-up queue.
type FollowUpConfig struct {
	Workers           int           `toml:"workers"`
	MaxAttempts       int           `toml:"max_attempts"`
	BackoffBase       time.Duration `toml:"backoff_base"`
	StuckTimeout      time.Duration `toml:"stuck_timeout"`
	PromoteBatch      int64         `toml:"promote_batch"`
	DefaultFirstDelay int           `toml:"default_first_delay_minutes"`
	DefaultInterval   int           `toml:"default_interval_minutes"`
}

// GatewayConfig configures the PIX gateway client.
type GatewayConfig struct {
	BaseURL     string        `toml:"base_url"`
	Timeout     time.Duration `toml:"timeout"`
	TokenMargin time.Duration `toml:"token_margin"`
}

// PaymentsConfig configures the reconciler poll loop.
type PaymentsConfig struct {
	PollInterval time.Duration `toml:"poll_interval"`
	PollCeiling  time.Duration `toml:"poll_ceiling"`
}

// ConversionsConfig configures the ad-platform conversion client.
type ConversionsConfig struct {
	GraphURL       string        `toml:"graph_url"`
	EventSourceURL string        `toml:"event_source_url"`
	Timeout        time.Duration `toml:"timeout"`
}

// MediaConfig configures where locally hosted media is looked up.
type MediaConfig struct {
	UploadDir    string        `toml:"upload_dir"`
	InternalURL  string        `toml:"internal_url"`
	FetchTimeout time.Duration `toml:"fetch_timeout"`
}

// AttributionConfig configures one-time attribution tokens.
type AttributionConfig struct {
	TTL time.Duration `toml:"ttl"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Redis: RedisConfig{
			Addr: DefaultRedisAddr,
		},
		Telegram: TelegramConfig{
			PollTimeout:    30,
			SendRate:       25,
			SendBurst:      5,
			RequestTimeout: 60 * time.Second,
		},
		Session: SessionConfig{
			StartGrace:       2 * time.Second,
			StopSettle:       time.Second,
			RestartSettle:    3 * time.Second,
			InterTenantDelay: 2 * time.Second,
			ConflictRetries:  3,
			ConflictBackoff:  5 * time.Second,
			LeaseTTL:         30 * time.Second,
		},
		FollowUp: FollowUpConfig{
			Workers:           DefaultFollowUpWorkers,
			MaxAttempts:       DefaultFollowUpMaxAttempts,
			BackoffBase:       2 * time.Second,
			StuckTimeout:      5 * time.Minute,
			PromoteBatch:      100,
			DefaultFirstDelay: DefaultFirstDelayMinutes,
			DefaultInterval:   DefaultIntervalMinutes,
		},
		Gateway: GatewayConfig{
			BaseURL:     DefaultGatewayBaseURL,
			Timeout:     30 * time.Second,
			TokenMargin: 60 * time.Second,
		},
		Payments: PaymentsConfig{
			PollInterval: 10 * time.Second,
			PollCeiling:  30 * time.Minute,
		},
		Conversions: ConversionsConfig{
			GraphURL:       DefaultGraphAPIURL,
			EventSourceURL: DefaultEventSourceURL,
			Timeout:        10 * time.Second,
		},
		Media: MediaConfig{
			UploadDir:    DefaultUploadDir,
			FetchTimeout: 15 * time.Second,
		},
		Attribution: AttributionConfig{
			TTL: time.Hour,
		},
	}
}

// Load reads and parses the TOML config file at path on top of Default.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
