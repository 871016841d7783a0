package risk

import "math/big"

const (
	// YearSeconds is the 365-day year used to annualise duration.
	YearSeconds = 31_536_000
	bpsOne      = 10_000
)

var (
	basisPoints = big.NewInt(bpsOne)
	// WAD is the 18-decimal fixed-point unit for prices, duration factors
	// and health factors.
	WAD = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	// MaxHealthFactor is reported for accounts without maintenance margin.
	MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	yearSeconds = big.NewInt(YearSeconds)
)

// DV01 returns notional * durationFactor * max(maturity-now, 0) / YEAR in
// funding-token units.
func DV01(p PositionRisk, params *PoolRiskParams, now uint64) *big.Int {
	if params == nil || p.Maturity <= now {
		return big.NewInt(0)
	}
	remaining := new(big.Int).SetUint64(p.Maturity - now)
	out := p.Notional()
	out.Mul(out, cloneBig(params.DurationFactor))
	out.Mul(out, remaining)
	return out.Quo(out, new(big.Int).Mul(WAD, yearSeconds))
}

// ValueOf converts a balance into haircut funding-token value:
// balance * price * (10000 - haircut) / (scale * 10000), rounded down.
func ValueOf(cfg *CollateralConfig, balance *big.Int) *big.Int {
	if cfg == nil || !cfg.Enabled || balance == nil || balance.Sign() <= 0 || cfg.HaircutBps >= bpsOne {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(balance, cloneBig(cfg.Price))
	out.Mul(out, new(big.Int).SetUint64(bpsOne-cfg.HaircutBps))
	return out.Quo(out, new(big.Int).Mul(cfg.Scale(), basisPoints))
}

// tokensForValue is the inverse of ValueOf rounded up, so the seized
// amount is never worth less than value.
func tokensForValue(cfg *CollateralConfig, value *big.Int) *big.Int {
	if cfg == nil || cfg.Price == nil || cfg.Price.Sign() <= 0 || cfg.HaircutBps >= bpsOne {
		return nil
	}
	num := new(big.Int).Mul(value, cfg.Scale())
	num.Mul(num, basisPoints)
	den := new(big.Int).Mul(cfg.Price, new(big.Int).SetUint64(bpsOne-cfg.HaircutBps))
	return divUp(num, den)
}

func bpsOf(amount *big.Int, bps uint64) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, basisPoints)
}

func divUp(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func minBig(values ...*big.Int) *big.Int {
	var out *big.Int
	for _, v := range values {
		if v == nil {
			continue
		}
		if out == nil || v.Cmp(out) < 0 {
			out = v
		}
	}
	if out == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(out)
}
