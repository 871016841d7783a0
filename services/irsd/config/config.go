package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for irsd.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	Protocol      string        `yaml:"protocol"`
	DataDir       string        `yaml:"data_dir"`
	Keystore      KeystoreCfg   `yaml:"keystore"`
	Feeder        FeederConfig  `yaml:"feeder"`
	Indexer       IndexerConfig `yaml:"indexer"`
	Auth          AuthConfig    `yaml:"auth"`
	RateLimit     RateLimit     `yaml:"rate_limit"`
	Log           LogConfig     `yaml:"log"`
	Telemetry     Telemetry     `yaml:"telemetry"`
}

// KeystoreCfg locates the owner key. The passphrase is read from
// PassphraseEnv or prompted for on a terminal.
type KeystoreCfg struct {
	Path          string `yaml:"path"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// FeederConfig tunes the rate source polling loop.
type FeederConfig struct {
	Interval  Duration `yaml:"interval"`
	Timeout   Duration `yaml:"timeout"`
	CachePath string   `yaml:"cache"`
	Sources   []Source `yaml:"sources"`
}

// Source describes an upstream rate feed and the reporter it posts as.
type Source struct {
	Name     string            `yaml:"name"`
	Reporter string            `yaml:"reporter"`
	Endpoint string            `yaml:"endpoint"`
	RateKey  string            `yaml:"rate_key"`
	TimeKey  string            `yaml:"time_key"`
	Headers  map[string]string `yaml:"headers"`
}

// IndexerConfig selects the event index backend.
type IndexerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig configures JWT verification.
type AuthConfig struct {
	HMACSecretEnv string   `yaml:"hmac_secret_env"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	ClockSkew     Duration `yaml:"clock_skew"`
}

// RateLimit bounds requests per client address.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LogConfig controls log level and the optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Traces      bool    `yaml:"traces"`
	Metrics     bool    `yaml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":7080"
	}
	if strings.TrimSpace(c.Protocol) == "" {
		c.Protocol = "irs.toml"
	}
	if strings.TrimSpace(c.Keystore.PassphraseEnv) == "" {
		c.Keystore.PassphraseEnv = "IRSD_KEYSTORE_PASSPHRASE"
	}
	if c.Feeder.Interval.Duration == 0 {
		c.Feeder.Interval.Duration = 30 * time.Second
	}
	if c.Feeder.Timeout.Duration == 0 {
		c.Feeder.Timeout.Duration = 10 * time.Second
	}
	for i := range c.Feeder.Sources {
		src := &c.Feeder.Sources[i]
		src.Name = strings.TrimSpace(src.Name)
		if src.RateKey == "" {
			src.RateKey = "rate_per_second"
		}
		if src.TimeKey == "" {
			src.TimeKey = "updated_at"
		}
	}
	c.Indexer.Driver = strings.ToLower(strings.TrimSpace(c.Indexer.Driver))
	if c.Indexer.Driver == "" {
		c.Indexer.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Auth.HMACSecretEnv) == "" {
		c.Auth.HMACSecretEnv = "IRSD_JWT_SECRET"
	}
	if c.Auth.ClockSkew.Duration == 0 {
		c.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 60
	}
}

func (c Config) validate() error {
	if c.Feeder.Interval.Duration < time.Second {
		return fmt.Errorf("feeder.interval must be at least 1s")
	}
	seen := make(map[string]struct{}, len(c.Feeder.Sources))
	for i, src := range c.Feeder.Sources {
		if src.Name == "" {
			return fmt.Errorf("feeder.sources[%d]: name required", i)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("feeder.sources[%d]: duplicate name %q", i, src.Name)
		}
		seen[src.Name] = struct{}{}
		if strings.TrimSpace(src.Endpoint) == "" || strings.TrimSpace(src.Reporter) == "" {
			return fmt.Errorf("feeder.sources[%d]: endpoint and reporter required", i)
		}
	}
	if len(c.Feeder.Sources) > 0 && strings.TrimSpace(c.Feeder.CachePath) == "" {
		return fmt.Errorf("feeder.cache required when sources are configured")
	}
	switch c.Indexer.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("indexer.driver must be sqlite or postgres")
	}
	if c.Indexer.Driver == "postgres" && strings.TrimSpace(c.Indexer.DSN) == "" {
		return fmt.Errorf("indexer.dsn required for postgres")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}
