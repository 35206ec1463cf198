// Package config holds the side-channel configuration, produced once at
// startup and treated as immutable afterwards.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Environment keys recognized by FromEnv and Load.
const (
	EnvEnable         = "DOUYU_ENABLE"
	EnvScraping       = "DOUYU_SCRAPING"
	EnvRedisHost      = "DOUYU_REDIS_HOST"
	EnvRedisPort      = "DOUYU_REDIS_PORT"
	EnvCallbackPrefix = "DOUYU_CALLBACK_PREFIX"
)

// DefaultBrokerPort is used when a broker host is given without a usable port.
const DefaultBrokerPort uint16 = 6379

// Callback name suffixes for the two directions.
const (
	ClientCallbackSuffix = "MsgC"
	ServerCallbackSuffix = "MsgS"
)

// Broker addresses the pub/sub server. An empty Host disables the sink.
type Broker struct {
	Host string `toml:"host"`
	Port uint16 `toml:"port"`
}

// Config stores everything the side channel needs to know at startup.
type Config struct {
	Enabled        bool   `toml:"enabled"`
	ScrapingMode   bool   `toml:"scraping"`
	Broker         Broker `toml:"broker"`
	CallbackPrefix string `toml:"callback_prefix"`
}

// PubSubEnabled reports whether a broker was configured.
func (c Config) PubSubEnabled() bool {
	return c.Broker.Host != ""
}

// BrokerAddr returns host:port for the broker.
func (c Config) BrokerAddr() string {
	return net.JoinHostPort(c.Broker.Host, strconv.Itoa(int(c.Broker.Port)))
}

// ClientCallback is the script function notified of client → server records.
func (c Config) ClientCallback() string {
	return c.CallbackPrefix + ClientCallbackSuffix
}

// ServerCallback is the script function notified of server → client records.
func (c Config) ServerCallback() string {
	return c.CallbackPrefix + ServerCallbackSuffix
}

// Validate checks the invariants the rest of the program relies on.
func (c Config) Validate() error {
	var errs []error
	if c.PubSubEnabled() && c.Broker.Port == 0 {
		errs = append(errs, fmt.Errorf("broker port must be set when host %q is given", c.Broker.Host))
	}
	if c.Enabled && c.CallbackPrefix == "" {
		errs = append(errs, errors.New("callback prefix must not be empty"))
	}
	if strings.ContainsAny(c.CallbackPrefix, " \t\r\n./") {
		errs = append(errs, fmt.Errorf("callback prefix %q is not a valid script identifier", c.CallbackPrefix))
	}
	return errors.Join(errs...)
}

// FromEnv builds a Config from environment lookups alone.
func FromEnv(getenv func(string) string) Config {
	var cfg Config
	applyEnv(&cfg, getenv)
	fillDefaults(&cfg)
	return cfg
}

// Load reads an optional TOML file (empty path skips it), applies environment
// overrides on top and validates the result.
func Load(path string, getenv func(string) string) (Config, error) {
	var cfg Config
	if path != "" {
		if err := loadToml(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg, getenv)
	fillDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadToml(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if _, err := toml.Decode(string(data), out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v, ok := parseBool(getenv(EnvEnable)); ok {
		cfg.Enabled = v
	}
	if v, ok := parseBool(getenv(EnvScraping)); ok {
		cfg.ScrapingMode = v
	}
	if host := strings.TrimSpace(getenv(EnvRedisHost)); host != "" {
		cfg.Broker.Host = host
	}
	// An unset port keeps the file's value; fillDefaults covers the rest.
	if raw := strings.TrimSpace(getenv(EnvRedisPort)); raw != "" {
		cfg.Broker.Port = parsePort(raw)
	}
	if prefix := strings.TrimSpace(getenv(EnvCallbackPrefix)); prefix != "" {
		cfg.CallbackPrefix = prefix
	}
}

func fillDefaults(cfg *Config) {
	if cfg.Broker.Host != "" && cfg.Broker.Port == 0 {
		cfg.Broker.Port = DefaultBrokerPort
	}
	if cfg.CallbackPrefix == "" {
		cfg.CallbackPrefix = defaultCallbackPrefix()
	}
}

// defaultCallbackPrefix returns a fresh script-safe prefix such as
// "__douyu_1f0c2a9b" so several instances on one page do not collide.
func defaultCallbackPrefix() string {
	id := uuid.New()
	return fmt.Sprintf("__douyu_%x", id[:4])
}

// parsePort falls back to DefaultBrokerPort for absent or malformed input.
func parsePort(raw string) uint16 {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil || v == 0 {
		return DefaultBrokerPort
	}
	return uint16(v)
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	switch strings.ToLower(raw) {
	case "yes", "on":
		return true, true
	case "no", "off":
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
