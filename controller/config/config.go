package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            int           `mapstructure:"port"`
	Redis           RedisConfig   `mapstructure:"redis"`
	Log             LogConfig     `mapstructure:"log"`
	Command         CommandConfig `mapstructure:"command"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	TopologyFile    string        `mapstructure:"topology_file"`
	MeasurementFile string        `mapstructure:"measurement_file"`

	// Topology is loaded from TopologyFile, or DefaultTopology without one.
	Topology *Topology `mapstructure:"-"`
}

type RedisConfig struct {
	Host string        `mapstructure:"host"`
	Port int           `mapstructure:"port"`
	TTL  time.Duration `mapstructure:"ttl"`
	// MaxSamples caps every series list; older samples are trimmed.
	MaxSamples    int64         `mapstructure:"max_samples"`
	QueueSize     int           `mapstructure:"queue_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type LogConfig struct {
	Dir    string `mapstructure:"dir"`
	Level  string `mapstructure:"level"`
	Stderr bool   `mapstructure:"stderr"`
}

type CommandConfig struct {
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// NewConfig reads config.yaml from the working directory or
// /etc/buffer-sizing/, then applies BUFSIZE_* environment overrides, e.g.
// BUFSIZE_REDIS_HOST.
func NewConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/buffer-sizing/")
	return Load(v)
}

// Load completes v with defaults and environment bindings and decodes it.
// A missing config file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("BUFSIZE")
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

	if cfg.TopologyFile == "" {
		cfg.Topology = DefaultTopology()
	} else {
		topo, err := LoadTopology(cfg.TopologyFile)
		if err != nil {
			return nil, err
		}
		cfg.Topology = topo
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.ttl", 30*time.Minute)
	v.SetDefault("redis.max_samples", 100_000)
	v.SetDefault("redis.queue_size", 65536)
	v.SetDefault("redis.batch_size", 512)
	v.SetDefault("redis.flush_interval", 200*time.Millisecond)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stderr", false)
	v.SetDefault("command.write_timeout", 2*time.Second)
	v.SetDefault("command.initial_backoff", 100*time.Millisecond)
	v.SetDefault("command.max_backoff", 10*time.Second)
	// the display refresh period of the testbed GUI
	v.SetDefault("refresh_interval", 100*time.Millisecond)
	v.SetDefault("topology_file", "")
	v.SetDefault("measurement_file", "")
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
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive, got %s", c.RefreshInterval)
	}
	if c.Redis.QueueSize <= 0 || c.Redis.BatchSize <= 0 {
		return fmt.Errorf("redis queue_size and batch_size must be positive")
	}
	if c.Command.MaxBackoff < c.Command.InitialBackoff {
		return fmt.Errorf("command max_backoff %s is below initial_backoff %s",
			c.Command.MaxBackoff, c.Command.InitialBackoff)
	}
	return nil
}
