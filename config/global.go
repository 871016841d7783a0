package config

import (
	"fmt"
	"math/big"
	"strings"

	"irsvenue/crypto"
	nativecommon "irsvenue/native/common"
	"irsvenue/native/funding"
	"irsvenue/native/irs"
	"irsvenue/native/risk"
)

// PoolEntry pairs a pool key with the configuration it is registered with.
type PoolEntry struct {
	Key    funding.PoolKey
	Config irs.PoolConfig
}

// Principals resolves the owner, settlement and operator addresses.
func (c *Config) Principals() (owner, settlement, operator crypto.Address, err error) {
	if owner, err = parseAddress(c.Owner, true); err != nil {
		return owner, settlement, operator, fmt.Errorf("invalid Owner: %w", err)
	}
	if settlement, err = parseAddress(c.Settlement, true); err != nil {
		return owner, settlement, operator, fmt.Errorf("invalid Settlement: %w", err)
	}
	if operator, err = parseAddress(c.Operator, true); err != nil {
		return owner, settlement, operator, fmt.Errorf("invalid Operator: %w", err)
	}
	return owner, settlement, operator, nil
}

// Bootstrap converts the configuration into the venue's bootstrap arguments.
func (c *Config) Bootstrap() (irs.BootstrapConfig, error) {
	var out irs.BootstrapConfig
	owner, settlement, _, err := c.Principals()
	if err != nil {
		return out, err
	}
	out.Owner = owner
	out.Settlement = settlement

	out.Index = irs.IndexConfig{
		AlphaPPM:        c.Index.AlphaPPM,
		MaxDeviationPPM: c.Index.MaxDeviationPPM,
		MaxStaleness:    c.Index.MaxStaleness,
	}
	for i, src := range c.Index.Sources {
		addr, err := parseAddress(src, true)
		if err != nil {
			return out, fmt.Errorf("invalid index.Sources[%d]: %w", i, err)
		}
		out.Index.Sources = append(out.Index.Sources, addr)
	}

	for _, col := range c.Collateral {
		cfg, err := col.Build()
		if err != nil {
			return out, fmt.Errorf("collateral %s: %w", col.ID, err)
		}
		out.Collateral = append(out.Collateral, cfg)
	}

	if strings.TrimSpace(c.Liquidation.HFCritical) != "" {
		params, err := c.Liquidation.build()
		if err != nil {
			return out, fmt.Errorf("liquidation: %w", err)
		}
		out.Liquidation = &params
	}
	return out, nil
}

// PoolConfigs converts every configured pool.
func (c *Config) PoolConfigs() ([]PoolEntry, error) {
	out := make([]PoolEntry, 0, len(c.Pools))
	for i, p := range c.Pools {
		entry, err := p.Entry()
		if err != nil {
			return nil, fmt.Errorf("pool[%d]: %w", i, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// PauseSet builds the runtime pause switches.
func (g Global) PauseSet() *nativecommon.Pauses {
	p := nativecommon.NewPauses()
	p.Set(irs.ModuleName, g.Pauses.IRS)
	p.Set(risk.ModuleName, g.Pauses.Risk)
	return p
}

// QuotaLimits converts the per-trader quota.
func (g Global) QuotaLimits() nativecommon.Quota {
	return nativecommon.Quota{
		MaxActionsPerEpoch: g.Quota.MaxActionsPerEpoch,
		MaxVolumePerEpoch:  g.Quota.MaxVolumePerEpoch,
		EpochSeconds:       g.Quota.EpochSeconds,
	}
}

// Build converts the entry into a risk engine collateral configuration.
func (c Collateral) Build() (risk.CollateralConfig, error) {
	out := risk.CollateralConfig{
		ID:         c.ID,
		Decimals:   c.Decimals,
		HaircutBps: c.HaircutBps,
		Enabled:    !c.Disabled,
	}
	asset, err := parseAddress(c.Asset, false)
	if err != nil {
		return out, fmt.Errorf("invalid Asset: %w", err)
	}
	out.Asset = asset
	if out.Price, err = parseAmount(c.Price); err != nil {
		return out, fmt.Errorf("invalid Price: %w", err)
	}
	return out, nil
}

func (l Liquidation) build() (risk.LiquidationParams, error) {
	out := risk.LiquidationParams{
		CloseFactorMinBps:    l.CloseFactorMinBps,
		CloseFactorMaxBps:    l.CloseFactorMaxBps,
		PenaltyBps:           l.PenaltyBps,
		InsuranceFeeShareBps: l.InsuranceFeeShareBps,
	}
	hf, err := parseAmount(l.HFCritical)
	if err != nil {
		return out, fmt.Errorf("invalid HFCritical: %w", err)
	}
	out.HFCritical = hf
	if out.InsuranceRecipient, err = parseAddress(l.InsuranceRecipient, false); err != nil {
		return out, fmt.Errorf("invalid InsuranceRecipient: %w", err)
	}
	return out, nil
}

// Entry converts the pool into its key and venue configuration.
func (p Pool) Entry() (PoolEntry, error) {
	var out PoolEntry
	var err error
	if out.Key.Currency0, err = parseAddress(p.Currency0, true); err != nil {
		return out, fmt.Errorf("invalid Currency0: %w", err)
	}
	if out.Key.Currency1, err = parseAddress(p.Currency1, true); err != nil {
		return out, fmt.Errorf("invalid Currency1: %w", err)
	}
	if out.Key.Hooks, err = parseAddress(p.Hooks, false); err != nil {
		return out, fmt.Errorf("invalid Hooks: %w", err)
	}
	out.Key.Fee = p.Fee
	out.Key.TickSpacing = p.TickSpacing

	out.Config.Maturity = p.Maturity
	if out.Config.Kappa, err = parseAmount(defaultString(p.Kappa, "1")); err != nil {
		return out, fmt.Errorf("invalid Kappa: %w", err)
	}
	if out.Config.FixedRatePerSecond, err = parseAmount(defaultString(p.FixedRatePerSecond, "0")); err != nil {
		return out, fmt.Errorf("invalid FixedRatePerSecond: %w", err)
	}

	params := risk.PoolRiskParams{IMBps: p.IMBps, MMBps: p.MMBps, Enabled: !p.Disabled}
	if params.DurationFactor, err = parseAmount(p.DurationFactor); err != nil {
		return out, fmt.Errorf("invalid DurationFactor: %w", err)
	}
	if params.MaxPositionNotional, err = parseAmount(p.MaxPositionNotional); err != nil {
		return out, fmt.Errorf("invalid MaxPositionNotional: %w", err)
	}
	if params.MaxAccountNotional, err = parseAmount(p.MaxAccountNotional); err != nil {
		return out, fmt.Errorf("invalid MaxAccountNotional: %w", err)
	}
	out.Config.Risk = params
	return out, nil
}

func parseAddress(value string, required bool) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if required {
			return crypto.Address{}, fmt.Errorf("address required")
		}
		return crypto.Address{}, nil
	}
	return crypto.DecodeAddress(trimmed)
}

// parseAmount accepts a non-negative base-10 integer. Underscore separators
// are permitted.
func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	out, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", value)
	}
	if out.Sign() < 0 {
		return nil, fmt.Errorf("negative value %q", value)
	}
	return out, nil
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
