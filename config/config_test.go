package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"irsvenue/crypto"
	"irsvenue/native/irs"
	"irsvenue/native/risk"
)

func testAddress(b byte) string {
	return crypto.NewAddress(crypto.TraderPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength)).String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "irs.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func fullConfig() string {
	return fmt.Sprintf(`DataDir = "./data"
Owner = "%s"
Operator = "%s"

[index]
AlphaPPM = 200000
MaxDeviationPPM = 500000
MaxStalenessSeconds = 900
Sources = ["%s", "%s"]

[liquidation]
CloseFactorMinBps = 5000
CloseFactorMaxBps = 10000
HFCritical = "900_000_000_000_000_000"
PenaltyBps = 500
InsuranceFeeShareBps = 5000
InsuranceRecipient = "%s"

[[collateral]]
ID = "usdc"
Decimals = 6
Price = "1000000000000000000"

[[collateral]]
ID = "WETH"
Decimals = 18
Price = "2500000000000000000000"
HaircutBps = 1500

[[pool]]
Currency0 = "%s"
Currency1 = "%s"
Fee = 3000
TickSpacing = 60
Maturity = 1767225600
Kappa = "1000"
IMBps = 2000
MMBps = 1000
DurationFactor = "1000000000000000000"
MaxPositionNotional = "1000000000000"
MaxAccountNotional = "5000000000000"

[global.pauses]
Risk = true

[global.quota]
MaxActionsPerEpoch = 10
`, testAddress(1), testAddress(2), testAddress(3), testAddress(4), testAddress(9), testAddress(5), testAddress(6))
}

func TestLoadBuildsBootstrapAndPools(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Settlement != cfg.Owner {
		t.Fatalf("settlement should default to owner, got %q", cfg.Settlement)
	}
	if cfg.Global.Quota.EpochSeconds != 3600 {
		t.Fatalf("expected default epoch 3600, got %d", cfg.Global.Quota.EpochSeconds)
	}
	if !strings.HasSuffix(cfg.OwnerKeystorePath, "owner.keystore") {
		t.Fatalf("unexpected keystore path %q", cfg.OwnerKeystorePath)
	}

	boot, err := cfg.Bootstrap()
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if boot.Owner.String() != testAddress(1) || !boot.Settlement.Equal(boot.Owner) {
		t.Fatalf("unexpected principals %s %s", boot.Owner, boot.Settlement)
	}
	if len(boot.Index.Sources) != 2 || boot.Index.MaxStaleness != 900 {
		t.Fatalf("unexpected index config %+v", boot.Index)
	}
	if len(boot.Collateral) != 2 || boot.Collateral[0].ID != "USDC" || !boot.Collateral[0].Enabled {
		t.Fatalf("unexpected collateral %+v", boot.Collateral)
	}
	if boot.Collateral[1].HaircutBps != 1500 {
		t.Fatalf("expected WETH haircut 1500, got %d", boot.Collateral[1].HaircutBps)
	}
	if boot.Liquidation == nil || boot.Liquidation.HFCritical.String() != "900000000000000000" {
		t.Fatalf("unexpected liquidation params %+v", boot.Liquidation)
	}

	pools, err := cfg.PoolConfigs()
	if err != nil {
		t.Fatalf("pools: %v", err)
	}
	if len(pools) != 1 {
		t.Fatalf("expected one pool, got %d", len(pools))
	}
	p := pools[0]
	if p.Key.Fee != 3000 || p.Key.TickSpacing != 60 || !p.Key.Hooks.IsZero() {
		t.Fatalf("unexpected pool key %+v", p.Key)
	}
	if p.Config.Kappa.Int64() != 1000 || p.Config.FixedRatePerSecond.Sign() != 0 || !p.Config.Risk.Enabled {
		t.Fatalf("unexpected pool config %+v", p.Config)
	}

	pauses := cfg.Global.PauseSet()
	if !pauses.IsPaused(risk.ModuleName) || pauses.IsPaused(irs.ModuleName) {
		t.Fatalf("unexpected pause set")
	}
	if q := cfg.Global.QuotaLimits(); q.MaxActionsPerEpoch != 10 || !q.Enabled() {
		t.Fatalf("unexpected quota %+v", q)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	body := fullConfig() + "\nMysteryKnob = 3\n"
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "MysteryKnob") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidateBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"alpha", func(c *Config) { c.Index.AlphaPPM = 1_000_001 }, "alpha_ppm"},
		{"staleness", func(c *Config) { c.Index.MaxStaleness = 10 }, "max_staleness"},
		{"haircut", func(c *Config) { c.Collateral[0].HaircutBps = 10_000 }, "haircut_bps"},
		{"duplicate collateral", func(c *Config) { c.Collateral[1].ID = "USDC" }, "duplicate id"},
		{"price", func(c *Config) { c.Collateral[0].Price = "" }, "price required"},
		{"close factor", func(c *Config) { c.Liquidation.CloseFactorMinBps = 10_001 }, "close factor"},
		{"hf critical", func(c *Config) { c.Liquidation.HFCritical = "1000000000000000000" }, "hf_critical"},
		{"margin order", func(c *Config) { c.Pools[0].MMBps = 3000 }, "mm_bps"},
		{"caps", func(c *Config) { c.Pools[0].MaxAccountNotional = "0" }, "notional caps"},
		{"kappa", func(c *Config) { c.Pools[0].Kappa = "-1" }, "Kappa"},
		{"duplicate pool", func(c *Config) { c.Pools = append(c.Pools, c.Pools[0]) }, "duplicate pool"},
		{"owner", func(c *Config) { c.Owner = "not-an-address" }, "Owner"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, fullConfig()))
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tc.mutate(cfg)
			err = Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestDisabledPoolSkipsRiskBounds(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Pools[0].Disabled = true
	cfg.Pools[0].IMBps = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled pool should validate: %v", err)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "irs.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if _, err := os.Stat(cfg.OwnerKeystorePath); err != nil {
		t.Fatalf("expected keystore at %s: %v", cfg.OwnerKeystorePath, err)
	}
	key, err := crypto.LoadFromKeystore(cfg.OwnerKeystorePath, "")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if key.PubKey().Address().String() != cfg.Owner {
		t.Fatalf("owner %s does not match keystore key", cfg.Owner)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Owner != cfg.Owner || again.Index.AlphaPPM != 200_000 {
		t.Fatalf("persisted config mismatch: %+v", again)
	}
}
