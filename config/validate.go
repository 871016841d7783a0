package config

import (
	"fmt"

	"irsvenue/native/rateindex"
	"irsvenue/native/risk"
)

const bpsOne = 10_000

// MinStalenessSeconds is the smallest staleness window accepted for the index.
var MinStalenessSeconds = uint64(60)

// Validate checks parameter bounds and that every address and amount parses.
func Validate(c *Config) error {
	if c.Index.AlphaPPM > rateindex.PPMOne {
		return fmt.Errorf("index: alpha_ppm > %d", rateindex.PPMOne)
	}
	if c.Index.MaxDeviationPPM > rateindex.PPMOne {
		return fmt.Errorf("index: max_deviation_ppm > %d", rateindex.PPMOne)
	}
	if c.Index.MaxStaleness < MinStalenessSeconds {
		return fmt.Errorf("index: max_staleness_seconds too small")
	}

	boot, err := c.Bootstrap()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(boot.Collateral))
	for _, col := range boot.Collateral {
		if col.ID == "" {
			return fmt.Errorf("collateral: empty id")
		}
		if _, dup := seen[col.ID]; dup {
			return fmt.Errorf("collateral %s: duplicate id", col.ID)
		}
		seen[col.ID] = struct{}{}
		if col.HaircutBps >= bpsOne {
			return fmt.Errorf("collateral %s: haircut_bps >= %d", col.ID, bpsOne)
		}
		if col.Enabled && col.Price.Sign() == 0 {
			return fmt.Errorf("collateral %s: price required", col.ID)
		}
	}
	if liq := boot.Liquidation; liq != nil {
		if liq.CloseFactorMinBps == 0 || liq.CloseFactorMinBps > liq.CloseFactorMaxBps || liq.CloseFactorMaxBps > bpsOne {
			return fmt.Errorf("liquidation: close factor bounds invalid")
		}
		if liq.HFCritical.Sign() == 0 || liq.HFCritical.Cmp(risk.WAD) >= 0 {
			return fmt.Errorf("liquidation: hf_critical must be in (0, 1e18)")
		}
		if liq.InsuranceFeeShareBps > bpsOne {
			return fmt.Errorf("liquidation: insurance_fee_share_bps > %d", bpsOne)
		}
	}

	pools, err := c.PoolConfigs()
	if err != nil {
		return err
	}
	ids := make(map[[32]byte]struct{}, len(pools))
	for i, p := range pools {
		id := p.Key.ID()
		if _, dup := ids[id]; dup {
			return fmt.Errorf("pool[%d]: duplicate pool key", i)
		}
		ids[id] = struct{}{}
		if p.Config.Kappa.Sign() == 0 {
			return fmt.Errorf("pool[%d]: kappa must be positive", i)
		}
		r := p.Config.Risk
		if !r.Enabled {
			continue
		}
		if r.IMBps == 0 || r.MMBps == 0 || r.MMBps > r.IMBps {
			return fmt.Errorf("pool[%d]: require 0 < mm_bps <= im_bps", i)
		}
		if r.DurationFactor.Sign() == 0 || r.MaxPositionNotional.Sign() == 0 || r.MaxAccountNotional.Sign() == 0 {
			return fmt.Errorf("pool[%d]: duration factor and notional caps must be positive", i)
		}
	}
	return nil
}
