package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"irsvenue/crypto"

	"github.com/BurntSushi/toml"
)

// Config is the protocol configuration applied when a venue is bootstrapped.
// Principals are bech32 addresses; amounts, prices and rates are base-10
// strings so values above 2^64 survive the TOML round trip.
type Config struct {
	DataDir           string `toml:"DataDir"`
	OwnerKeystorePath string `toml:"OwnerKeystorePath"`
	Owner             string `toml:"Owner"`
	Settlement        string `toml:"Settlement"`
	Operator          string `toml:"Operator"`

	Index       Index        `toml:"index"`
	Liquidation Liquidation  `toml:"liquidation"`
	Collateral  []Collateral `toml:"collateral"`
	Pools       []Pool       `toml:"pool"`
	Global      Global       `toml:"global"`
}

// Load reads the configuration at path. A missing file is replaced by a
// default configuration whose owner key is written to a fresh keystore.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.normalize()
	if strings.TrimSpace(cfg.OwnerKeystorePath) == "" {
		cfg.OwnerKeystorePath = defaultKeystorePath(path)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = "./irs-data"
	}
	c.Owner = strings.TrimSpace(c.Owner)
	c.Settlement = strings.TrimSpace(c.Settlement)
	c.Operator = strings.TrimSpace(c.Operator)
	if c.Settlement == "" {
		c.Settlement = c.Owner
	}
	if c.Index.Sources == nil {
		c.Index.Sources = []string{}
	}
	for i := range c.Collateral {
		c.Collateral[i].ID = strings.ToUpper(strings.TrimSpace(c.Collateral[i].ID))
	}
	if c.Global.Quota.EpochSeconds == 0 {
		c.Global.Quota.EpochSeconds = 3600
	}
}

// createDefault writes a minimal configuration owned by a newly generated
// key. The keystore is unencrypted; operators are expected to rotate it.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}
	owner := key.PubKey().Address().String()

	cfg := &Config{
		DataDir:           "./irs-data",
		OwnerKeystorePath: keystorePath,
		Owner:             owner,
		Settlement:        owner,
		Operator:          owner,
		Index: Index{
			AlphaPPM:        200_000,
			MaxDeviationPPM: 500_000,
			MaxStaleness:    3600,
			Sources:         []string{},
		},
		Global: Global{Quota: Quota{EpochSeconds: 3600}},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "owner.keystore")
}
