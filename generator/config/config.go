package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/yaron8/buffer-sizing/capture"
	"github.com/yaron8/buffer-sizing/ratelimit"
)

// maxPacketBytes is the largest size the capture length field can carry.
const maxPacketBytes = 0xFF*8 - 8

type Config struct {
	Port     int           `mapstructure:"port"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Log      LogConfig     `mapstructure:"log"`

	CaptureAddr          string `mapstructure:"capture_addr"`
	UpdateAddr           string `mapstructure:"update_addr"`
	RouterCommandAddr    string `mapstructure:"router_command_addr"`
	GeneratorCommandAddr string `mapstructure:"generator_command_addr"`

	Queue          int           `mapstructure:"queue"`
	Interval       time.Duration `mapstructure:"interval"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	MaxEvents      int           `mapstructure:"max_events"`
	HistorySize    int           `mapstructure:"history_size"`

	RateRegister  int   `mapstructure:"rate_register"`
	BufferPackets int64 `mapstructure:"buffer_packets"`
	NumFlows      int   `mapstructure:"num_flows"`
	TargetBps     int64 `mapstructure:"target_bps"`
	PacketBytes   int64 `mapstructure:"packet_bytes"`
	Seed          int64 `mapstructure:"seed"`

	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type LogConfig struct {
	Dir    string `mapstructure:"dir"`
	Level  string `mapstructure:"level"`
	Stderr bool   `mapstructure:"stderr"`
}

// NewConfig reads generator.yaml from the working directory or
// /etc/buffer-sizing/, then applies BUFGEN_* environment overrides.
func NewConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("generator")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/buffer-sizing/")
	return Load(v)
}

// Load completes v with defaults and environment bindings and decodes it.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("BUFGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 9001)
	v.SetDefault("cache_ttl", 10*time.Second)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stderr", false)
	v.SetDefault("capture_addr", "localhost:5000")
	v.SetDefault("update_addr", ":6000")
	v.SetDefault("router_command_addr", "localhost:7000")
	v.SetDefault("generator_command_addr", "localhost:7001")
	v.SetDefault("queue", 1)
	v.SetDefault("interval", 10*time.Millisecond)
	v.SetDefault("update_interval", 100*time.Millisecond)
	v.SetDefault("max_events", 200)
	v.SetDefault("history_size", 100)
	v.SetDefault("rate_register", ratelimit.MinRegister)
	v.SetDefault("buffer_packets", 0)
	v.SetDefault("num_flows", 100)
	v.SetDefault("target_bps", 500_000_000)
	v.SetDefault("packet_bytes", 1496)
	v.SetDefault("seed", 1)
	v.SetDefault("initial_backoff", 100*time.Millisecond)
	v.SetDefault("max_backoff", 10*time.Second)
}

// LogLevel parses Log.Level, falling back to info.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.CaptureAddr == "" {
		return fmt.Errorf("capture_addr is required")
	}
	if c.Queue < 0 || c.Queue >= capture.NumQueues {
		return fmt.Errorf("queue %d out of range [0, %d)", c.Queue, capture.NumQueues)
	}
	if c.Interval <= 0 || c.UpdateInterval <= 0 {
		return fmt.Errorf("interval and update_interval must be positive")
	}
	if !ratelimit.Valid(c.RateRegister) {
		return fmt.Errorf("rate_register: %w: %d", ratelimit.ErrRegisterOutOfRange, c.RateRegister)
	}
	if c.NumFlows < 1 {
		return fmt.Errorf("num_flows must be at least 1, got %d", c.NumFlows)
	}
	if c.TargetBps < 0 || c.BufferPackets < 0 {
		return fmt.Errorf("target_bps and buffer_packets must not be negative")
	}
	if c.PacketBytes <= 0 || c.PacketBytes > maxPacketBytes || (c.PacketBytes+8)%8 != 0 {
		return fmt.Errorf("packet_bytes %d cannot be carried in a capture record", c.PacketBytes)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff %s is below initial_backoff %s", c.MaxBackoff, c.InitialBackoff)
	}
	return nil
}
