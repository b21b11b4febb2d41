package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration, loadable from a yaml file with
// LEDGERBOOK_* environment overrides.
type Config struct {
	LogLevel string       `mapstructure:"log_level"`
	Remote   RemoteConfig `mapstructure:"remote"`
	HTTP     HTTPConfig   `mapstructure:"http"`
	Kafka    KafkaConfig  `mapstructure:"kafka"`
	Books    []BookConfig `mapstructure:"books"`
}

// RemoteConfig points at the ledger node's websocket endpoint.
type RemoteConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
}

// HTTPConfig configures the debug/metrics server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// KafkaConfig configures the optional event sink. Empty brokers disable
// it.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// BookConfig names one book side to synchronize.
type BookConfig struct {
	GetsCurrency string `mapstructure:"gets_currency"`
	GetsIssuer   string `mapstructure:"gets_issuer"`
	PaysCurrency string `mapstructure:"pays_currency"`
	PaysIssuer   string `mapstructure:"pays_issuer"`
}

// Load reads configuration from the given file (optional) plus the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEDGERBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("remote.url", "wss://s1.ripple.com")
	v.SetDefault("remote.handshake_timeout", 10*time.Second)
	v.SetDefault("remote.request_timeout", 20*time.Second)
	v.SetDefault("remote.ping_interval", 30*time.Second)
	v.SetDefault("remote.reconnect_max", 30*time.Second)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("kafka.topic", "ledgerbook.events")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Remote.URL == "" {
		return nil, fmt.Errorf("config: remote.url is required")
	}
	return &cfg, nil
}
