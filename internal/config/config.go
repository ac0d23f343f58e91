// Package config loads and validates the hub's runtime tunables from the
// environment and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	// DefaultAddr is the default TCP address the hub listens on.
	DefaultAddr = ":4000"
	// DefaultMaxConnections bounds concurrent WebSocket connections.
	DefaultMaxConnections = 10000
	// DefaultLivenessThreshold is how long a connection may stay silent before the sweep removes it.
	DefaultLivenessThreshold = 120 * time.Second
	// DefaultSweepInterval controls the liveness sweep cadence.
	DefaultSweepInterval = 30 * time.Second
	// DefaultHeartbeatInterval controls the keepalive probe cadence.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultStatsInterval controls how often the stats snapshot is refreshed.
	DefaultStatsInterval = 60 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultLogLevel controls verbosity for hub logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "hub.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultJournalSegmentBytes caps a journal segment before rotation.
	DefaultJournalSegmentBytes int64 = 64 << 20
	// DefaultJournalMaxArchives limits retained compressed journal segments.
	DefaultJournalMaxArchives = 8

	// DefaultTokenLeeway absorbs clock skew when checking token expiry.
	DefaultTokenLeeway = 30 * time.Second
)

// Config captures all runtime tunables for the hub service.
type Config struct {
	Address           string        `mapstructure:"address" validate:"required"`
	MaxConnections    int           `mapstructure:"max_connections" validate:"gt=0"`
	MaxPayloadBytes   int64         `mapstructure:"max_payload_bytes" validate:"gt=0"`
	LivenessThreshold time.Duration `mapstructure:"liveness_threshold" validate:"gt=0"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	StatsInterval     time.Duration `mapstructure:"stats_interval" validate:"gt=0"`

	Auth    AuthConfig    `mapstructure:"auth"`
	Journal JournalConfig `mapstructure:"journal"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AuthConfig captures token verification settings.
type AuthConfig struct {
	Disabled     bool          `mapstructure:"disabled"`
	TokenSecret  string        `mapstructure:"token_secret"`
	TokenLeeway  time.Duration `mapstructure:"token_leeway" validate:"gte=0"`
	PublicTopics []string      `mapstructure:"public_topics"`
	Handshake    bool          `mapstructure:"handshake"`
}

// JournalConfig captures broadcast journal settings. An empty Dir disables the journal.
type JournalConfig struct {
	Dir          string `mapstructure:"dir"`
	SegmentBytes int64  `mapstructure:"segment_bytes" validate:"gt=0"`
	MaxArchives  int    `mapstructure:"max_archives" validate:"gte=0"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Path       string `mapstructure:"path" validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gt=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// Load reads configuration from HUB_-prefixed environment variables, layered
// over an optional config file, and validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	//1.- Register defaults so every key is visible to AutomaticEnv.
	v.SetDefault("address", DefaultAddr)
	v.SetDefault("max_connections", DefaultMaxConnections)
	v.SetDefault("max_payload_bytes", DefaultMaxPayloadBytes)
	v.SetDefault("liveness_threshold", DefaultLivenessThreshold)
	v.SetDefault("sweep_interval", DefaultSweepInterval)
	v.SetDefault("heartbeat_interval", DefaultHeartbeatInterval)
	v.SetDefault("stats_interval", DefaultStatsInterval)
	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.token_leeway", DefaultTokenLeeway)
	v.SetDefault("auth.public_topics", []string{"lobby:global", "system:announcements"})
	v.SetDefault("auth.handshake", true)
	v.SetDefault("journal.dir", "")
	v.SetDefault("journal.segment_bytes", DefaultJournalSegmentBytes)
	v.SetDefault("journal.max_archives", DefaultJournalMaxArchives)
	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.path", DefaultLogPath)
	v.SetDefault("logging.max_size_mb", DefaultLogMaxSizeMB)
	v.SetDefault("logging.max_backups", DefaultLogMaxBackups)
	v.SetDefault("logging.max_age_days", DefaultLogMaxAgeDays)
	v.SetDefault("logging.compress", DefaultLogCompress)

	v.SetEnvPrefix("HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	//2.- The config file is optional; environment variables win either way.
	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate collects every configuration problem into a single error.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var problems []string
	if err := validator.New().Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			for _, field := range invalid {
				problems = append(problems, fmt.Sprintf("%s failed %q", field.Namespace(), field.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}
	//1.- Cross-field rules validator tags cannot express.
	if !c.Auth.Disabled && strings.TrimSpace(c.Auth.TokenSecret) == "" {
		problems = append(problems, "auth.token_secret is required unless auth.disabled is set")
	}
	if c.SweepInterval > c.LivenessThreshold {
		problems = append(problems, "sweep_interval must not exceed liveness_threshold")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
