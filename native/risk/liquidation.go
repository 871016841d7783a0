package risk

import (
	"math/big"

	"irsvenue/core/events"
	"irsvenue/crypto"
	nativecommon "irsvenue/native/common"
)

// LiquidationRequest is submitted by any caller against an unhealthy trader.
// CollateralOrder lists the assets to seize from, in priority order.
type LiquidationRequest struct {
	Liquidator      crypto.Address
	Trader          crypto.Address
	Repay           *big.Int
	CollateralOrder []string
	Recipient       crypto.Address
}

// LiquidationResult tells the settlement collaborator what to move: Repaid is
// pulled from the liquidator in the funding token, Seizures are pushed out of
// the trader's collateral.
type LiquidationResult struct {
	Repaid        *big.Int
	SeizeValue    *big.Int
	HealthFactor  *big.Int
	Seizures      []events.Seizure
	RemainingDebt *big.Int
	BadDebt       bool
}

// CloseFactorBps interpolates the close factor linearly from the minimum at
// a health factor of one to the maximum at or below the critical threshold.
func CloseFactorBps(hf *big.Int, params *LiquidationParams) uint64 {
	if params == nil {
		return 0
	}
	if hf.Cmp(params.HFCritical) <= 0 {
		return params.CloseFactorMaxBps
	}
	if hf.Cmp(WAD) >= 0 {
		return params.CloseFactorMinBps
	}
	span := new(big.Int).Sub(WAD, params.HFCritical)
	progress := new(big.Int).Sub(WAD, hf)
	extra := new(big.Int).SetUint64(params.CloseFactorMaxBps - params.CloseFactorMinBps)
	extra.Mul(extra, progress)
	extra.Quo(extra, span)
	return params.CloseFactorMinBps + extra.Uint64()
}

// Liquidate repays part of an unhealthy trader's funding debt and seizes
// collateral worth the repaid amount plus the penalty. The repay is the
// minimum of the outstanding debt, the close factor bound, the seizable
// value net of penalty and the requested amount.
func (e *Engine) Liquidate(req LiquidationRequest) (*LiquidationResult, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if req.Repay == nil || req.Repay.Sign() <= 0 {
		return nil, ErrZeroRepay
	}
	params, err := e.LiquidationParams()
	if err != nil {
		return nil, err
	}
	if params == nil {
		return nil, errLiquidationConfig
	}
	acct, err := e.loadAccount(req.Trader)
	if err != nil {
		return nil, err
	}
	hf, err := e.healthFactor(acct, e.now())
	if err != nil {
		return nil, err
	}
	if hf.Cmp(WAD) >= 0 || acct.FundingDebt.Sign() <= 0 {
		return nil, ErrNotLiquidatable
	}

	order, configs, err := e.seizeOrder(req.CollateralOrder)
	if err != nil {
		return nil, err
	}
	seizable := big.NewInt(0)
	for _, id := range order {
		seizable.Add(seizable, ValueOf(configs[id], acct.Balance(id)))
	}
	penaltyFactor := new(big.Int).SetUint64(bpsOne + params.PenaltyBps)
	seizeBound := new(big.Int).Mul(seizable, basisPoints)
	seizeBound.Quo(seizeBound, penaltyFactor)

	debt := new(big.Int).Set(acct.FundingDebt)
	closeBound := bpsOf(debt, CloseFactorBps(hf, params))
	repay := minBig(debt, closeBound, seizeBound, req.Repay)
	if repay.Sign() == 0 {
		return nil, ErrInsufficientCollateral
	}
	seizeValue := new(big.Int).Mul(repay, penaltyFactor)
	seizeValue.Quo(seizeValue, basisPoints)

	insuranceValue := big.NewInt(0)
	if !params.InsuranceRecipient.IsZero() && params.InsuranceFeeShareBps > 0 {
		insuranceValue = bpsOf(new(big.Int).Sub(seizeValue, repay), params.InsuranceFeeShareBps)
	}
	recipient := req.Recipient
	if recipient.IsZero() {
		recipient = req.Liquidator
	}

	lots, err := drain(acct, order, configs, seizeValue)
	if err != nil {
		return nil, err
	}
	seizures := split(lots, configs, insuranceValue, params.InsuranceRecipient, recipient)

	acct.FundingDebt.Sub(acct.FundingDebt, repay)
	if err := e.saveAccount(acct); err != nil {
		return nil, err
	}
	result := &LiquidationResult{
		Repaid:        repay,
		SeizeValue:    seizeValue,
		HealthFactor:  hf,
		Seizures:      seizures,
		RemainingDebt: new(big.Int).Set(acct.FundingDebt),
	}
	e.emitter.Emit(events.Liquidation{
		Liquidator:   req.Liquidator,
		Trader:       req.Trader,
		Repaid:       new(big.Int).Set(repay),
		SeizeValue:   new(big.Int).Set(seizeValue),
		HealthFactor: new(big.Int).Set(hf),
		Seizures:     seizures,
	})

	if acct.FundingDebt.Sign() > 0 {
		empty, err := e.collateralExhausted(acct)
		if err != nil {
			return nil, err
		}
		if empty {
			result.BadDebt = true
			e.emitter.Emit(events.BadDebt{Trader: req.Trader, Debt: new(big.Int).Set(acct.FundingDebt)})
		}
	}
	return result, nil
}

// seizeOrder resolves the requested ids, dropping duplicates.
func (e *Engine) seizeOrder(ids []string) ([]string, map[string]*CollateralConfig, error) {
	order := make([]string, 0, len(ids))
	configs := make(map[string]*CollateralConfig, len(ids))
	for _, raw := range ids {
		id := normalizeID(raw)
		if _, dup := configs[id]; dup {
			continue
		}
		cfg, err := e.Collateral(id)
		if err != nil {
			return nil, nil, err
		}
		configs[id] = cfg
		order = append(order, id)
	}
	return order, configs, nil
}

// seizeLot is the token amount taken from one asset before it is divided
// between the insurance recipient and the liquidation recipient.
type seizeLot struct {
	id     string
	amount *big.Int
}

// drain takes collateral worth at least value from the ordered assets,
// rounding token amounts up and capping each at the balance. Every asset is
// valued once against the whole target.
func drain(acct *Account, order []string, configs map[string]*CollateralConfig, value *big.Int) ([]seizeLot, error) {
	remaining := new(big.Int).Set(value)
	var lots []seizeLot
	for _, id := range order {
		if remaining.Sign() <= 0 {
			break
		}
		cfg := configs[id]
		balance := acct.Balance(id)
		if balance.Sign() == 0 || !cfg.Enabled {
			continue
		}
		want := tokensForValue(cfg, remaining)
		if want == nil || want.Sign() == 0 {
			continue
		}
		take := minBig(want, balance)
		remaining.Sub(remaining, ValueOf(cfg, take))
		balance.Sub(balance, take)
		acct.Collateral[id] = balance
		lots = append(lots, seizeLot{id: id, amount: take})
	}
	if remaining.Sign() > 0 {
		return nil, ErrInsufficientCollateral
	}
	return lots, nil
}

// split divides the seized lots in tokens. The insurance share is carved
// from the front of the order, rounded up, and the rest of each lot goes to
// the recipient. Insurance seizures are listed first.
func split(lots []seizeLot, configs map[string]*CollateralConfig, insuranceValue *big.Int, insurance, recipient crypto.Address) []events.Seizure {
	owed := new(big.Int).Set(insuranceValue)
	var toInsurance, toRecipient []events.Seizure
	for _, lot := range lots {
		rest := new(big.Int).Set(lot.amount)
		if owed.Sign() > 0 {
			cut := tokensForValue(configs[lot.id], owed)
			if cut != nil && cut.Sign() > 0 {
				cut = minBig(cut, rest)
				owed.Sub(owed, ValueOf(configs[lot.id], cut))
				rest.Sub(rest, cut)
				toInsurance = append(toInsurance, events.Seizure{Collateral: lot.id, Amount: cut, Recipient: insurance, Insurance: true})
			}
		}
		if rest.Sign() > 0 {
			toRecipient = append(toRecipient, events.Seizure{Collateral: lot.id, Amount: rest, Recipient: recipient})
		}
	}
	return append(toInsurance, toRecipient...)
}

// collateralExhausted reports whether every tracked collateral balance is zero.
func (e *Engine) collateralExhausted(acct *Account) (bool, error) {
	ids, err := e.CollateralIDs()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if acct.Balance(id).Sign() > 0 {
			return false, nil
		}
	}
	for _, bal := range acct.Collateral {
		if bal != nil && bal.Sign() > 0 {
			return false, nil
		}
	}
	return true, nil
}
