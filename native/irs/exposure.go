package irs

import (
	"math/big"

	"irsvenue/crypto"
	nativecommon "irsvenue/native/common"
	"irsvenue/native/funding"
	"irsvenue/native/risk"
)

// AddExposure adds liquidity to trader's position.
func (v *Venue) AddExposure(trader crypto.Address, ref funding.PositionRef, liquidity *big.Int) (*funding.Position, error) {
	if liquidity == nil || liquidity.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return v.changeExposure(trader, ref, new(big.Int).Set(liquidity))
}

// RemoveExposure burns liquidity from trader's position. Removal is gated on
// maturity like every other exposure change.
func (v *Venue) RemoveExposure(trader crypto.Address, ref funding.PositionRef, liquidity *big.Int) (*funding.Position, error) {
	if liquidity == nil || liquidity.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return v.changeExposure(trader, ref, new(big.Int).Neg(liquidity))
}

// changeExposure runs the fixed ordering: checkpoint the index, accrue the
// pool, settle the position's growth, apply the liquidity change and finally
// let the risk engine gate the result.
func (v *Venue) changeExposure(trader crypto.Address, ref funding.PositionRef, delta *big.Int) (*funding.Position, error) {
	if trader.IsZero() || !trader.Equal(ref.Owner) {
		return nil, ErrUnauthorized
	}
	var out *funding.Position
	err := v.exec(func() error {
		if err := nativecommon.Guard(v.pauses, ModuleName); err != nil {
			return err
		}
		if err := v.consumeQuota(trader, new(big.Int).Abs(delta)); err != nil {
			return err
		}
		if _, err := v.accruePool(ref.Pool); err != nil {
			return err
		}
		kappa, maturity, err := v.poolMeta(ref.Pool)
		if err != nil {
			return err
		}
		if _, err := v.funding.UpdatePositionOwed(ref); err != nil {
			return err
		}
		pos, err := v.funding.ApplyLiquidityDelta(ref, delta)
		if err != nil {
			return err
		}
		if _, err := v.risk.OnPositionDelta(v.operator, trader, ref, kappa, maturity, delta); err != nil {
			return err
		}
		out = pos
		return nil
	})
	return out, err
}

// accruePool checkpoints the index, accrues the pool and rejects matured
// pools.
func (v *Venue) accruePool(id [32]byte) (*funding.PoolState, error) {
	if err := v.index.Checkpoint(); err != nil {
		return nil, err
	}
	pool, err := v.funding.Accrue(id)
	if err != nil {
		return nil, err
	}
	if pool.Matured(v.now()) {
		return nil, ErrPoolMatured
	}
	return pool, nil
}

// Trade executes a swap through the configured Swapper and requires the
// trader to hold initial margin afterwards.
func (v *Venue) Trade(trader crypto.Address, pool [32]byte, params TradeParams) (BalanceDelta, error) {
	var out BalanceDelta
	err := v.exec(func() error {
		if err := nativecommon.Guard(v.pauses, ModuleName); err != nil {
			return err
		}
		if v.swapper == nil {
			return ErrNoSwapper
		}
		if trader.IsZero() {
			return ErrUnauthorized
		}
		volume := big.NewInt(0)
		if params.AmountSpecified != nil {
			volume.Abs(params.AmountSpecified)
		}
		if err := v.consumeQuota(trader, volume); err != nil {
			return err
		}
		if _, err := v.accruePool(pool); err != nil {
			return err
		}
		delta, err := v.swapper.Swap(pool, trader, params)
		if err != nil {
			return err
		}
		if err := v.risk.RequireInitialMargin(trader, v.now()); err != nil {
			return err
		}
		out = delta
		return nil
	})
	return out, err
}

// CollectFunding settles a position's accrued funding. caller must be the
// settlement principal. The trader's funding debt is restored by the cleared
// amount so a credit is not counted twice, and only then is the amount
// handed to the Settler, if one is configured. The Settler sees a nested
// handle onto the venue and must not use any other.
func (v *Venue) CollectFunding(caller crypto.Address, ref funding.PositionRef) (*big.Int, error) {
	var out *big.Int
	err := v.exec(func() error {
		if err := nativecommon.Guard(v.pauses, ModuleName); err != nil {
			return err
		}
		if err := v.index.Checkpoint(); err != nil {
			return err
		}
		if _, err := v.funding.Accrue(ref.Pool); err != nil {
			return err
		}
		if _, err := v.funding.UpdatePositionOwed(ref); err != nil {
			return err
		}
		amount, err := v.funding.ClearFundingOwed(caller, ref, nil)
		if err != nil {
			return err
		}
		if amount.Sign() != 0 {
			if err := v.risk.OnFundingAccrued(v.operator, ref.Owner, amount); err != nil {
				return err
			}
			if v.settler != nil {
				nested := &Venue{venueState: v.venueState, nested: true}
				if err := v.settler.Settle(nested, ref.Owner, new(big.Int).Set(amount)); err != nil {
					return err
				}
			}
		}
		out = amount
		return nil
	})
	return out, err
}

// PoolState returns the pool's funding state joined with its metadata.
func (v *Venue) PoolState(id [32]byte) (*PoolView, error) {
	release, err := v.view()
	if err != nil {
		return nil, err
	}
	defer release()
	pool, err := v.funding.Pool(id)
	if err != nil {
		return nil, err
	}
	kappa, _, err := v.poolMeta(id)
	if err != nil {
		return nil, err
	}
	params, err := v.risk.PoolRiskParams(id)
	if err != nil {
		return nil, err
	}
	return &PoolView{Funding: pool, Kappa: kappa, Risk: params}, nil
}

// Pools lists registered pool ids.
func (v *Venue) Pools() ([][32]byte, error) {
	release, err := v.view()
	if err != nil {
		return nil, err
	}
	defer release()
	return v.funding.Pools()
}

// Position returns the funding view of ref.
func (v *Venue) Position(ref funding.PositionRef) (*funding.Position, error) {
	release, err := v.view()
	if err != nil {
		return nil, err
	}
	defer release()
	return v.funding.Position(ref)
}

// Account returns the trader's risk ledger.
func (v *Venue) Account(trader crypto.Address) (*risk.Account, error) {
	release, err := v.view()
	if err != nil {
		return nil, err
	}
	defer release()
	return v.risk.Account(trader)
}

// Accounts lists every trader with a ledger.
func (v *Venue) Accounts() ([]crypto.Address, error) {
	release, err := v.view()
	if err != nil {
		return nil, err
	}
	defer release()
	return v.risk.Accounts()
}

// Index returns the stored index state with its projected cumulative value.
func (v *Venue) Index() (*IndexView, error) {
	release, err := v.view()
	if err != nil {
		return nil, err
	}
	defer release()
	st, err := v.index.Snapshot()
	if err != nil {
		return nil, err
	}
	cum, ts, err := v.index.CumulativeIndex()
	if err != nil {
		return nil, err
	}
	return &IndexView{State: st, Cumulative: cum, Timestamp: ts}, nil
}

// Health evaluates the trader's margin at the current time.
func (v *Venue) Health(trader crypto.Address) (*Health, error) {
	release, err := v.view()
	if err != nil {
		return nil, err
	}
	defer release()
	now := v.now()
	acct, err := v.risk.Account(trader)
	if err != nil {
		return nil, err
	}
	value, err := v.risk.CollateralValue(trader)
	if err != nil {
		return nil, err
	}
	equity, err := v.risk.Equity(trader)
	if err != nil {
		return nil, err
	}
	im, err := v.risk.InitialMargin(trader, now)
	if err != nil {
		return nil, err
	}
	mm, err := v.risk.MaintenanceMargin(trader, now)
	if err != nil {
		return nil, err
	}
	hf, err := v.risk.HealthFactor(trader, now)
	if err != nil {
		return nil, err
	}
	return &Health{
		Trader:            trader,
		CollateralValue:   value,
		FundingDebt:       acct.FundingDebt,
		Equity:            equity,
		InitialMargin:     im,
		MaintenanceMargin: mm,
		HealthFactor:      hf,
		Liquidatable:      hf.Cmp(risk.WAD) < 0 && acct.FundingDebt.Sign() > 0,
	}, nil
}
