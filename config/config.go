package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Remote  RemoteConfig  `mapstructure:"remote"`
	Store   StoreConfig   `mapstructure:"store"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Network NetworkConfig `mapstructure:"network"`
	API     APIConfig     `mapstructure:"api"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Log     LogConfig     `mapstructure:"log"`
}

type RemoteConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	StatsDays int           `mapstructure:"stats_days"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig holds engine settings. Auto and Interval only seed the stored
// app settings; once the user changes them the stored values win.
type SyncConfig struct {
	Auto           bool          `mapstructure:"auto"`
	Interval       time.Duration `mapstructure:"interval"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	CommandTTL     time.Duration `mapstructure:"command_ttl"`
}

type NetworkConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
}

type APIConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	// BrokerListen is the address of the embedded development broker.
	BrokerListen string `mapstructure:"broker_listen"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configPath, or config.yaml from the working directory or
// /etc/mistcharge when empty. MISTCHARGE_* environment variables override
// file values, e.g. MISTCHARGE_REMOTE_BASE_URL.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mistcharge")
	}

	v.SetEnvPrefix("MISTCHARGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("remote.base_url", "http://localhost:3000/api")
	v.SetDefault("remote.timeout", "10s")
	v.SetDefault("remote.stats_days", 7)
	v.SetDefault("store.path", "./mistcharge.db")
	v.SetDefault("sync.auto", true)
	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.command_timeout", "10s")
	v.SetDefault("sync.max_retries", 0)
	v.SetDefault("sync.command_ttl", "24h")
	v.SetDefault("network.probe_interval", "15s")
	v.SetDefault("network.probe_timeout", "5s")
	v.SetDefault("network.max_backoff", "2m")
	v.SetDefault("api.port", 8045)
	v.SetDefault("api.enabled", true)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "mistcharge")
	v.SetDefault("mqtt.client_id", "mistcharge-sync")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.broker_listen", ":1883")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
