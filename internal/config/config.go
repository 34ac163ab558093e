package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "DEPLOYSYNC"
	defaultHTTPAddress   = "0.0.0.0:3001"
	defaultRelayPath     = "/ws"
	defaultSendBuffer    = 64
	defaultRedisChannel  = "deploysync.relay"
	defaultDatabasePath  = "deploysync.db"
	defaultRelayURL      = "ws://127.0.0.1:3001/ws"
	defaultThrottleMilli = 1000
	defaultLogLevel      = "info"
)

var supportedDrivers = map[string]struct{}{
	"sqlite":   {},
	"postgres": {},
	"mysql":    {},
}

// RelayConfig captures runtime configuration for the relay server.
type RelayConfig struct {
	HTTPAddress    string
	RelayPath      string
	AllowedOrigins []string
	SendBuffer     int
	StoreDriver    string
	StoreDSN       string
	RedisAddress   string
	RedisChannel   string
	LogLevel       string
}

// ArchiveEnabled reports whether relayed sync messages are persisted to a central store.
func (c RelayConfig) ArchiveEnabled() bool {
	return strings.TrimSpace(c.StoreDSN) != ""
}

// BridgeEnabled reports whether the relay shares sync traffic with other instances.
func (c RelayConfig) BridgeEnabled() bool {
	return strings.TrimSpace(c.RedisAddress) != ""
}

// ClientConfig captures runtime configuration for the client CLI.
type ClientConfig struct {
	DatabasePath string
	RelayURL     string
	UserName     string
	Throttle     time.Duration
	LogLevel     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("relay.path", defaultRelayPath)
	configViper.SetDefault("relay.allowed_origins", "")
	configViper.SetDefault("relay.send_buffer", defaultSendBuffer)
	configViper.SetDefault("relay.central_store.driver", "sqlite")
	configViper.SetDefault("relay.central_store.dsn", "")
	configViper.SetDefault("relay.redis.address", "")
	configViper.SetDefault("relay.redis.channel", defaultRedisChannel)
	configViper.SetDefault("client.database_path", defaultDatabasePath)
	configViper.SetDefault("client.relay_url", defaultRelayURL)
	configViper.SetDefault("client.user_name", "")
	configViper.SetDefault("client.throttle_ms", defaultThrottleMilli)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// LoadRelay parses relay configuration from viper.
func LoadRelay(configViper *viper.Viper) (RelayConfig, error) {
	cfg := RelayConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		RelayPath:      configViper.GetString("relay.path"),
		AllowedOrigins: splitList(configViper.GetString("relay.allowed_origins")),
		SendBuffer:     configViper.GetInt("relay.send_buffer"),
		StoreDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("relay.central_store.driver"))),
		StoreDSN:       configViper.GetString("relay.central_store.dsn"),
		RedisAddress:   configViper.GetString("relay.redis.address"),
		RedisChannel:   configViper.GetString("relay.redis.channel"),
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return RelayConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		DatabasePath: configViper.GetString("client.database_path"),
		RelayURL:     configViper.GetString("client.relay_url"),
		UserName:     strings.TrimSpace(configViper.GetString("client.user_name")),
		Throttle:     time.Duration(configViper.GetInt("client.throttle_ms")) * time.Millisecond,
		LogLevel:     configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c RelayConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if !strings.HasPrefix(c.RelayPath, "/") {
		return fmt.Errorf("relay.path must start with /")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be positive")
	}
	if c.ArchiveEnabled() {
		if _, ok := supportedDrivers[c.StoreDriver]; !ok {
			return fmt.Errorf("relay.central_store.driver %q is not supported", c.StoreDriver)
		}
	}
	if c.BridgeEnabled() && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("relay.redis.channel is required")
	}
	return nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("client.database_path is required")
	}
	parsed, err := url.Parse(c.RelayURL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
		return fmt.Errorf("client.relay_url must be a ws:// or wss:// url")
	}
	if c.Throttle <= 0 {
		return fmt.Errorf("client.throttle_ms must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
