package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Usage   UsageConfig   `mapstructure:"usage_tracking"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// StorageConfig defines storage backend settings.
// The local partition always lives in the bolt file at Path; SyncType selects
// where the syncable partition lives.
type StorageConfig struct {
	Path     string      `mapstructure:"path"`
	SyncType string      `mapstructure:"sync_type"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the Redis connection used for the syncable partition
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	Namespace    string `mapstructure:"namespace"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AgentConfig defines page agent behavior
type AgentConfig struct {
	CoordinatorURL string `mapstructure:"coordinator_url"`
	StartDelay     string `mapstructure:"start_delay"`
	RequestTimeout string `mapstructure:"request_timeout"`
	BlockURL       string `mapstructure:"block_url"`
}

// UsageConfig defines usage tracking settings
type UsageConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch loads the configuration and invokes onChange with the re-read
// configuration every time the file changes. Invalid edits are reported
// through onError and otherwise ignored.
func Watch(configPath string, onChange func(*Config), onError func(error)) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err != nil {
		// Nothing on disk to watch
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		updated, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(updated)
	})
	v.WatchConfig()

	return cfg, nil
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("PAGELIMIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.http_port", 7717)
	v.SetDefault("server.metrics_port", 9717)

	// Storage defaults
	v.SetDefault("storage.path", "/var/lib/pagelimit/pagelimit.bolt")
	v.SetDefault("storage.sync_type", "bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.namespace", "default")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Agent defaults
	v.SetDefault("agent.coordinator_url", "ws://127.0.0.1:7717/ws")
	v.SetDefault("agent.start_delay", "250ms")
	v.SetDefault("agent.request_timeout", "5s")
	v.SetDefault("agent.block_url", "https://0.0.0.0/")

	// Usage tracking defaults
	v.SetDefault("usage_tracking.retention_days", 90)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	switch cfg.Storage.SyncType {
	case "":
		cfg.Storage.SyncType = "bolt"
	case "bolt", "redis":
	default:
		return fmt.Errorf("unsupported sync storage type: %s (must be bolt or redis)", cfg.Storage.SyncType)
	}

	for name, value := range map[string]string{
		"agent.start_delay":     cfg.Agent.StartDelay,
		"agent.request_timeout": cfg.Agent.RequestTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if cfg.Usage.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative: %d", cfg.Usage.RetentionDays)
	}

	// Ensure storage directory exists
	storageDir := filepath.Dir(cfg.Storage.Path)
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	return nil
}

// Defaults returns the configuration used when no file or environment
// overrides are present.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Flatten returns every configuration key in dotted form with its value
// formatted for display.
func Flatten(cfg *Config) map[string]string {
	out := make(map[string]string)
	flatten("", reflect.ValueOf(*cfg), out)
	return out
}

func flatten(prefix string, v reflect.Value, out map[string]string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			flatten(key, field, out)
			continue
		}
		out[key] = fmt.Sprintf("%v", field.Interface())
	}
}

// UnknownKeys lists keys present in the file at configPath that no
// configuration field reads.
func UnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	valid := Flatten(Defaults())
	unknown := []string{}
	for _, key := range v.AllKeys() {
		if _, ok := valid[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}
