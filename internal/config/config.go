package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/auctionsync/internal/auctionapi"
	"github.com/rewired-gh/auctionsync/internal/notify"
	"github.com/rewired-gh/auctionsync/internal/stream"
	"github.com/spf13/viper"
)

// AUCTIONSYNC_STREAM_MAX_RETRIES overrides stream.max_retries
var envKeyReplacer = strings.NewReplacer(".", "_")

// Config represents the complete application configuration
type Config struct {
	API           APIConfig          `mapstructure:"api"`
	Stream        StreamConfig       `mapstructure:"stream"`
	Auction       AuctionConfig      `mapstructure:"auction"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Telegram      TelegramConfig     `mapstructure:"telegram"`
	Storage       StorageConfig      `mapstructure:"storage"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

// APIConfig holds auction server REST configuration
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	WSURL          string        `mapstructure:"ws_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"` // GET only; bids are never retried
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StreamConfig holds push connection reconnect behaviour
type StreamConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxRetries  int           `mapstructure:"max_retries"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	ReadLimit   int64         `mapstructure:"read_limit"`
}

// AuctionConfig holds the watched auction and its timers
type AuctionConfig struct {
	ID                string        `mapstructure:"id"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	CountdownInterval time.Duration `mapstructure:"countdown_interval"`
	ProvisionalWindow time.Duration `mapstructure:"provisional_window"`
}

// NotificationConfig holds aggregator retention and dedup settings
type NotificationConfig struct {
	MaxItems        int           `mapstructure:"max_items"`
	MaxToasts       int           `mapstructure:"max_toasts"`
	ToastTTL        time.Duration `mapstructure:"toast_ttl"`
	DedupWindow     time.Duration `mapstructure:"dedup_window"`
	SourceRetention time.Duration `mapstructure:"source_retention"`
	CacheSizeMB     int           `mapstructure:"cache_size_mb"`
	StreamEnabled   bool          `mapstructure:"stream_enabled"`
}

// TelegramConfig holds Telegram forwarding configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath           string `mapstructure:"db_path"`
	MaxNotifications int    `mapstructure:"max_notifications"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path uses defaults and environment variables only.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("AUCTIONSYNC")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	// Read config file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.ws_url", "ws://localhost:8000")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.retry_delay_base", "1s")

	// Stream defaults
	v.SetDefault("stream.base_delay", "1s")
	v.SetDefault("stream.max_delay", "30s")
	v.SetDefault("stream.max_retries", 5)
	v.SetDefault("stream.dial_timeout", "10s")
	v.SetDefault("stream.read_limit", 1<<20)

	// Auction defaults
	v.SetDefault("auction.id", "")
	v.SetDefault("auction.poll_interval", "30s")
	v.SetDefault("auction.countdown_interval", "1s")
	v.SetDefault("auction.provisional_window", "30s")

	// Notification defaults
	v.SetDefault("notifications.max_items", 20)
	v.SetDefault("notifications.max_toasts", 10)
	v.SetDefault("notifications.toast_ttl", "5s")
	v.SetDefault("notifications.dedup_window", "3s")
	v.SetDefault("notifications.source_retention", "1h")
	v.SetDefault("notifications.cache_size_mb", 1)
	v.SetDefault("notifications.stream_enabled", true)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	v.SetDefault("telegram.queue_size", 32)

	// Storage defaults
	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.max_notifications", 200)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate API config
	if err := validateURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("api.ws_url", c.API.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.API.Timeout < time.Second {
		return fmt.Errorf("api.timeout must be at least 1 second")
	}
	if c.API.MaxRetries < 1 {
		return fmt.Errorf("api.max_retries must be at least 1")
	}
	if c.API.RetryDelayBase < 0 {
		return fmt.Errorf("api.retry_delay_base must not be negative")
	}

	// Validate Stream config
	if c.Stream.BaseDelay <= 0 {
		return fmt.Errorf("stream.base_delay must be positive")
	}
	if c.Stream.MaxDelay < c.Stream.BaseDelay {
		return fmt.Errorf("stream.max_delay must be at least stream.base_delay")
	}
	if c.Stream.MaxRetries < 0 {
		return fmt.Errorf("stream.max_retries must not be negative")
	}
	if c.Stream.DialTimeout < time.Second {
		return fmt.Errorf("stream.dial_timeout must be at least 1 second")
	}
	if c.Stream.ReadLimit < 1024 {
		return fmt.Errorf("stream.read_limit must be at least 1024 bytes")
	}

	// Validate Auction config
	if c.Auction.ID == "" {
		return fmt.Errorf("auction.id is required")
	}
	if c.Auction.PollInterval < time.Second {
		return fmt.Errorf("auction.poll_interval must be at least 1 second")
	}
	if c.Auction.CountdownInterval < 100*time.Millisecond {
		return fmt.Errorf("auction.countdown_interval must be at least 100ms")
	}
	if c.Auction.ProvisionalWindow < time.Second {
		return fmt.Errorf("auction.provisional_window must be at least 1 second")
	}

	// Validate Notification config
	if c.Notifications.MaxItems < 1 {
		return fmt.Errorf("notifications.max_items must be at least 1")
	}
	if c.Notifications.MaxToasts < 1 {
		return fmt.Errorf("notifications.max_toasts must be at least 1")
	}
	if c.Notifications.ToastTTL < time.Second {
		return fmt.Errorf("notifications.toast_ttl must be at least 1 second")
	}
	if c.Notifications.DedupWindow < time.Second {
		return fmt.Errorf("notifications.dedup_window must be at least 1 second")
	}
	if c.Notifications.SourceRetention < c.Notifications.DedupWindow {
		return fmt.Errorf("notifications.source_retention must be at least notifications.dedup_window")
	}
	if c.Notifications.CacheSizeMB < 1 {
		return fmt.Errorf("notifications.cache_size_mb must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
		if _, err := strconv.ParseInt(c.Telegram.ChatID, 10, 64); err != nil {
			return fmt.Errorf("telegram.chat_id must be a numeric chat ID")
		}
		if c.Telegram.MaxRetries < 1 {
			return fmt.Errorf("telegram.max_retries must be at least 1")
		}
		if c.Telegram.QueueSize < 1 {
			return fmt.Errorf("telegram.queue_size must be at least 1")
		}
	}

	// Validate Storage config
	if c.Storage.MaxNotifications < c.Notifications.MaxItems {
		return fmt.Errorf("storage.max_notifications must be at least notifications.max_items")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", key)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of the schemes %v", key, schemes)
}

// GetAPIOptions returns the REST client options
func (c *Config) GetAPIOptions() auctionapi.Options {
	return auctionapi.Options{
		Timeout:        c.API.Timeout,
		MaxRetries:     c.API.MaxRetries,
		RetryDelayBase: c.API.RetryDelayBase,
	}
}

// GetStreamConfig returns the reconnect policy
func (c *Config) GetStreamConfig() stream.Config {
	return stream.Config{
		BaseDelay:   c.Stream.BaseDelay,
		MaxDelay:    c.Stream.MaxDelay,
		MaxRetries:  c.Stream.MaxRetries,
		DialTimeout: c.Stream.DialTimeout,
	}
}

// GetNotifyConfig returns the aggregator configuration
func (c *Config) GetNotifyConfig() notify.Config {
	n := c.Notifications
	return notify.Config{
		MaxItems:        n.MaxItems,
		MaxToasts:       n.MaxToasts,
		ToastTTL:        n.ToastTTL,
		DedupWindow:     n.DedupWindow,
		SourceRetention: n.SourceRetention,
		CacheSizeMB:     n.CacheSizeMB,
	}
}

// GetTelegramConfig returns the Telegram configuration
func (c *Config) GetTelegramConfig() TelegramConfig {
	return c.Telegram
}

// GetLoggingConfig returns the Logging configuration
func (c *Config) GetLoggingConfig() LoggingConfig {
	return c.Logging
}
