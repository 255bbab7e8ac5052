package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"MuseChat/internal/personality"
)

const (
	EnvPrefix = "MUSECHAT"

	DefaultBaseURL     = "http://localhost:8000"
	DefaultSendTimeout = 45 * time.Second
	MinSendTimeout     = 30 * time.Second
	MaxSendTimeout     = 60 * time.Second
	DefaultBaseReward  = 10.0
)

// Config holds application configuration
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Rating    RatingConfig    `mapstructure:"rating"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Feed      FeedConfig      `mapstructure:"feed"`
}

// APIConfig points at the muse backend
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Offline bool   `mapstructure:"offline"` // mock mode, never touch the network
}

// ChatConfig holds the (agent, user) pairing and send behavior
type ChatConfig struct {
	AgentID        string        `mapstructure:"agent_id"`
	UserAddress    string        `mapstructure:"user_address"`
	Creativity     int           `mapstructure:"creativity"`
	Wisdom         int           `mapstructure:"wisdom"`
	Humor          int           `mapstructure:"humor"`
	Empathy        int           `mapstructure:"empathy"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	FallbackPolicy string        `mapstructure:"fallback_policy"`
	Reasoning      bool          `mapstructure:"reasoning"`
}

// MemoryConfig toggles the memory facade fallbacks
type MemoryConfig struct {
	DeriveFromSession bool   `mapstructure:"derive_from_session"`
	SampleMemories    bool   `mapstructure:"sample_memories"`
	Timezone          string `mapstructure:"timezone"`
}

// RatingConfig holds rating ledger settings
type RatingConfig struct {
	BaseReward float64 `mapstructure:"base_reward"`
	Durable    bool    `mapstructure:"durable"` // keep the rated set in sqlite
}

// LogConfig holds logger settings
type LogConfig struct {
	Dir   string `mapstructure:"dir"`
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
	Debug bool   `mapstructure:"debug"`
}

// TelemetryConfig holds OpenTelemetry exporter settings
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ServiceName    string        `mapstructure:"service_name"`
	MetricInterval time.Duration `mapstructure:"metric_interval"`
}

// StorageConfig holds the sqlite location
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// FeedConfig holds the verification feed endpoint. Empty disables it.
type FeedConfig struct {
	URL string `mapstructure:"url"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		API: APIConfig{BaseURL: DefaultBaseURL},
		Chat: ChatConfig{
			Creativity:     50,
			Wisdom:         50,
			Humor:          50,
			Empathy:        50,
			SendTimeout:    DefaultSendTimeout,
			FallbackPolicy: string(personality.PolicyPriority),
		},
		Memory:    MemoryConfig{Timezone: "UTC"},
		Rating:    RatingConfig{BaseReward: DefaultBaseReward},
		Log:       LogConfig{Dir: "logs", File: "musechat.log", Level: "info"},
		Telemetry: TelemetryConfig{Enabled: true, ServiceName: "musechat", MetricInterval: 10 * time.Second},
		Storage:   StorageConfig{Path: "musechat.db"},
	}
}

// flagKeys binds command line flags onto config keys
var flagKeys = map[string]string{
	"api-url":         "api.base_url",
	"offline":         "api.offline",
	"agent":           "chat.agent_id",
	"user":            "chat.user_address",
	"send-timeout":    "chat.send_timeout",
	"fallback-policy": "chat.fallback_policy",
	"reasoning":       "chat.reasoning",
	"derive-memories": "memory.derive_from_session",
	"sample-memories": "memory.sample_memories",
	"timezone":        "memory.timezone",
	"durable-ratings": "rating.durable",
	"debug":           "log.debug",
	"log-level":       "log.level",
	"db":              "storage.path",
	"feed-url":        "feed.url",
	"telemetry":       "telemetry.enabled",
}

// Load resolves the configuration from defaults, an optional config file,
// MUSECHAT_* environment variables and flags, in increasing precedence.
func Load(flags *pflag.FlagSet, configFile string) (Config, error) {
	v := viper.New()

	def := Default()
	setDefaults(v, def)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("api.base_url", def.API.BaseURL)
	v.SetDefault("api.offline", def.API.Offline)
	v.SetDefault("chat.agent_id", def.Chat.AgentID)
	v.SetDefault("chat.user_address", def.Chat.UserAddress)
	v.SetDefault("chat.creativity", def.Chat.Creativity)
	v.SetDefault("chat.wisdom", def.Chat.Wisdom)
	v.SetDefault("chat.humor", def.Chat.Humor)
	v.SetDefault("chat.empathy", def.Chat.Empathy)
	v.SetDefault("chat.send_timeout", def.Chat.SendTimeout)
	v.SetDefault("chat.fallback_policy", def.Chat.FallbackPolicy)
	v.SetDefault("chat.reasoning", def.Chat.Reasoning)
	v.SetDefault("memory.derive_from_session", def.Memory.DeriveFromSession)
	v.SetDefault("memory.sample_memories", def.Memory.SampleMemories)
	v.SetDefault("memory.timezone", def.Memory.Timezone)
	v.SetDefault("rating.base_reward", def.Rating.BaseReward)
	v.SetDefault("rating.durable", def.Rating.Durable)
	v.SetDefault("log.dir", def.Log.Dir)
	v.SetDefault("log.file", def.Log.File)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.debug", def.Log.Debug)
	v.SetDefault("telemetry.enabled", def.Telemetry.Enabled)
	v.SetDefault("telemetry.service_name", def.Telemetry.ServiceName)
	v.SetDefault("telemetry.metric_interval", def.Telemetry.MetricInterval)
	v.SetDefault("storage.path", def.Storage.Path)
	v.SetDefault("feed.url", def.Feed.URL)
}

// Validate checks values a bad config file or flag could break
func (c Config) Validate() error {
	var errs []error

	if !c.API.Offline && strings.TrimSpace(c.API.BaseURL) == "" {
		errs = append(errs, errors.New("api.base_url is required unless offline"))
	}
	if c.Chat.SendTimeout < MinSendTimeout || c.Chat.SendTimeout > MaxSendTimeout {
		errs = append(errs, fmt.Errorf("chat.send_timeout must be between %s and %s, got %s",
			MinSendTimeout, MaxSendTimeout, c.Chat.SendTimeout))
	}
	if _, err := personality.ParsePolicy(c.Chat.FallbackPolicy); err != nil {
		errs = append(errs, err)
	}
	for name, v := range map[string]int{
		"creativity": c.Chat.Creativity,
		"wisdom":     c.Chat.Wisdom,
		"humor":      c.Chat.Humor,
		"empathy":    c.Chat.Empathy,
	} {
		if v < 0 || v > 100 {
			errs = append(errs, fmt.Errorf("chat.%s must be between 0 and 100, got %d", name, v))
		}
	}
	if _, err := time.LoadLocation(c.Memory.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("memory.timezone: %w", err))
	}
	if c.Rating.BaseReward < 0 {
		errs = append(errs, errors.New("rating.base_reward must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Location returns the timezone used to group memories by day
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Memory.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
