package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds the full node configuration. LoadConfig reads the YAML file
// and then applies environment variable overrides for deploy-time values.
type Config struct {
	Node struct {
		ClientID    string `yaml:"client_id"` // generated when empty
		Role        string `yaml:"role"`      // "server" or "client"
		ServiceName string `yaml:"service_name"`
	} `yaml:"node"`

	Grape struct {
		URL          string `yaml:"url"`
		AnnounceHost string `yaml:"announce_host"`
	} `yaml:"grape"`

	Peer struct {
		Port int `yaml:"port"`
	} `yaml:"peer"`

	API struct {
		Addr string `yaml:"addr"`
	} `yaml:"api"`

	Sync struct {
		SettleDelayMS      int `yaml:"settle_delay_ms"`
		AnnounceIntervalMS int `yaml:"announce_interval_ms"`
		SyncIntervalMS     int `yaml:"sync_interval_ms"`
		RequestTimeoutMS   int `yaml:"request_timeout_ms"`
	} `yaml:"sync"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.ClientID == "" {
		c.Node.ClientID = uuid.NewString()
	}
	if c.Node.ServiceName == "" {
		c.Node.ServiceName = "exchange_orderbook"
	}
	if c.Grape.AnnounceHost == "" {
		c.Grape.AnnounceHost = "127.0.0.1"
	}
	if c.Sync.SettleDelayMS <= 0 {
		c.Sync.SettleDelayMS = 2000
	}
	if c.Sync.AnnounceIntervalMS <= 0 {
		c.Sync.AnnounceIntervalMS = 1000
	}
	if c.Sync.SyncIntervalMS <= 0 {
		c.Sync.SyncIntervalMS = 5000
	}
	if c.Sync.RequestTimeoutMS <= 0 {
		c.Sync.RequestTimeoutMS = 2000
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Node.Role != "server" && c.Node.Role != "client" {
		return fmt.Errorf("node role must be \"server\" or \"client\", got %q", c.Node.Role)
	}
	if !strings.HasPrefix(c.Grape.URL, "http://") && !strings.HasPrefix(c.Grape.URL, "https://") {
		return fmt.Errorf("invalid grape URL: %s", c.Grape.URL)
	}
	if c.Peer.Port <= 0 || c.Peer.Port > 65535 {
		return fmt.Errorf("peer port out of range: %d", c.Peer.Port)
	}
	return nil
}

// overrideWithEnv applies environment variable overrides when present.
func overrideWithEnv(cfg *Config) {
	if id := os.Getenv("EXCHANGE_CLIENT_ID"); id != "" {
		cfg.Node.ClientID = id
	}
	if role := os.Getenv("EXCHANGE_ROLE"); role != "" {
		cfg.Node.Role = role
	}
	if url := os.Getenv("EXCHANGE_GRAPE_URL"); url != "" {
		cfg.Grape.URL = url
	}
	if path := os.Getenv("EXCHANGE_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
}

// SettleDelay is the startup pause before the first sync attempt.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Sync.SettleDelayMS) * time.Millisecond
}

// AnnounceInterval is the presence re-announcement period.
func (c *Config) AnnounceInterval() time.Duration {
	return time.Duration(c.Sync.AnnounceIntervalMS) * time.Millisecond
}

// SyncInterval is the periodic background sync period.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.SyncIntervalMS) * time.Millisecond
}

// RequestTimeout is the per-attempt outbound RPC window.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Sync.RequestTimeoutMS) * time.Millisecond
}
