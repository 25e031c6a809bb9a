// Package server provides configuration helpers that define runtime defaults,
// validation, and file/environment loading for the echo service.
package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	defaultHost              = "0.0.0.0"
	defaultPort              = 4242
	defaultHeartbeatInterval = 5 * time.Second
	defaultPollInterval      = time.Second
	defaultReadBufferSize    = 1024
	defaultSendQueueSize     = 256
	defaultWriteTimeout      = 10 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultAdminAddr         = "127.0.0.1:8080"
	defaultMaxMessageSize    = 4096

	// EnvPrefix prefixes every environment variable, e.g. TCPECHO_SERVER_PORT.
	EnvPrefix = "TCPECHO"
)

// Config holds all configuration for the server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logs      LogConfig       `mapstructure:"logs"`
}

// ServerConfig holds the TCP listener and session settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// PollInterval bounds every accept and read wait so loops notice
	// shutdown even without traffic.
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	SendQueueSize   int           `mapstructure:"send_queue_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HeartbeatConfig controls the broadcaster. A non-empty Schedule (cron
// syntax with a seconds field) takes precedence over Interval.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Schedule string        `mapstructure:"schedule"`
}

// AdminConfig controls the optional HTTP endpoint that serves health, stats
// and the WebSocket echo gateway.
type AdminConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxMessageSize int64    `mapstructure:"max_message_size"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ListenAddr returns the host:port the TCP listener binds to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// DefaultConfig returns a Config populated with default values for all settings.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:            defaultHost,
			Port:            defaultPort,
			PollInterval:    defaultPollInterval,
			ReadBufferSize:  defaultReadBufferSize,
			SendQueueSize:   defaultSendQueueSize,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Heartbeat: HeartbeatConfig{
			Interval: defaultHeartbeatInterval,
		},
		Admin: AdminConfig{
			Addr:           defaultAdminAddr,
			AllowedOrigins: []string{"http://localhost:8080"},
			MaxMessageSize: defaultMaxMessageSize,
		},
		Logs: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.poll_interval", d.Server.PollInterval)
	v.SetDefault("server.read_buffer_size", d.Server.ReadBufferSize)
	v.SetDefault("server.send_queue_size", d.Server.SendQueueSize)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("heartbeat.interval", d.Heartbeat.Interval)
	v.SetDefault("heartbeat.schedule", d.Heartbeat.Schedule)

	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.addr", d.Admin.Addr)
	v.SetDefault("admin.allowed_origins", d.Admin.AllowedOrigins)
	v.SetDefault("admin.max_message_size", d.Admin.MaxMessageSize)

	v.SetDefault("logs.level", d.Logs.Level)
	v.SetDefault("logs.format", d.Logs.Format)
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tcpecho")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return sanitizeConfig(cfg), nil
}

// LoadConfig loads configuration from defaults, an optional YAML file and
// TCPECHO_* environment variables. A missing file is only an error when
// configPath names it explicitly.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper(configPath)
	if err := readConfig(v); err != nil {
		return nil, err
	}

	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WatchConfig re-reads configPath whenever it changes on disk and passes the
// new configuration to onChange. A file that cannot be decoded is reported
// through err with a zero Config. Only settings that are safe to change at
// runtime should be applied by the callback.
func WatchConfig(configPath string, onChange func(cfg Config, err error)) error {
	if configPath == "" {
		return fmt.Errorf("watch config: no config file given")
	}

	v := newViper(configPath)
	if err := readConfig(v); err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decodeConfig(v))
	})
	v.WatchConfig()
	return nil
}

// WriteDefaultConfig writes a configuration file holding every default.
func WriteDefaultConfig(configPath string) error {
	v := viper.New()
	setDefaults(v)
	return v.WriteConfigAs(configPath)
}

func sanitizeConfig(cfg Config) Config {
	d := DefaultConfig()

	if cfg.Server.Host == "" {
		cfg.Server.Host = d.Server.Host
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.PollInterval <= 0 {
		cfg.Server.PollInterval = d.Server.PollInterval
	}
	if cfg.Server.ReadBufferSize <= 0 {
		cfg.Server.ReadBufferSize = d.Server.ReadBufferSize
	}
	if cfg.Server.SendQueueSize <= 0 {
		cfg.Server.SendQueueSize = d.Server.SendQueueSize
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat.Interval = d.Heartbeat.Interval
	}
	cfg.Heartbeat.Schedule = strings.TrimSpace(cfg.Heartbeat.Schedule)

	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = d.Admin.Addr
	}
	if cfg.Admin.MaxMessageSize <= 0 {
		cfg.Admin.MaxMessageSize = d.Admin.MaxMessageSize
	}
	cfg.Admin.AllowedOrigins = append([]string(nil), cfg.Admin.AllowedOrigins...)

	if cfg.Logs.Level == "" {
		cfg.Logs.Level = d.Logs.Level
	}
	if cfg.Logs.Format == "" {
		cfg.Logs.Format = d.Logs.Format
	}

	return cfg
}
