package events

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"irsvenue/core/types"
	"irsvenue/crypto"
)

const (
	// TypeRateIndexUpdated is emitted when the smoothed rate is recomputed.
	TypeRateIndexUpdated = "irs.index.updated"
	// TypeRateIndexConfigured is emitted on every governance mutation of the index.
	TypeRateIndexConfigured = "irs.index.configured"
	// TypePoolInitialized is emitted when a pool is registered with the venue.
	TypePoolInitialized = "irs.pool.initialized"
	// TypeFundingAccrued is emitted when pool funding growth advances.
	TypeFundingAccrued = "irs.funding.accrued"
	// TypePoolMatured is emitted once, when a pool latches frozen at maturity.
	TypePoolMatured = "irs.pool.matured"
	// TypePositionFunding is emitted when funding is attributed to a position.
	TypePositionFunding = "irs.position.funding"
	// TypeFundingCleared is emitted when settlement clears a position's owed balance.
	TypeFundingCleared = "irs.funding.cleared"
	// TypeCollateralDeposited is emitted on collateral deposits.
	TypeCollateralDeposited = "irs.collateral.deposited"
	// TypeCollateralWithdrawn is emitted on collateral withdrawals.
	TypeCollateralWithdrawn = "irs.collateral.withdrawn"
	// TypePositionRisk is emitted when the risk ledger records a liquidity change.
	TypePositionRisk = "irs.position.risk"
	// TypeLiquidation is emitted for every successful liquidation.
	TypeLiquidation = "irs.liquidation"
	// TypeBadDebt flags an account left with debt and no collateral.
	TypeBadDebt = "irs.baddebt"
)

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func addressString(addr crypto.Address) string {
	if addr.IsZero() {
		return ""
	}
	return addr.String()
}

// IDString renders a pool or position identifier.
func IDString(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

type RateIndexUpdated struct {
	RatePerSecond *big.Int
	Median        *big.Int
	Cumulative    *big.Int
	LiveSources   int
	Timestamp     uint64
}

func (RateIndexUpdated) EventType() string { return TypeRateIndexUpdated }

func (e RateIndexUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeRateIndexUpdated,
		Attributes: map[string]string{
			"ratePerSecond": amountString(e.RatePerSecond),
			"median":        amountString(e.Median),
			"cumulative":    amountString(e.Cumulative),
			"liveSources":   strconv.Itoa(e.LiveSources),
			"timestamp":     strconv.FormatUint(e.Timestamp, 10),
		},
	}
}

type RateIndexConfigured struct {
	Action  string
	Caller  crypto.Address
	Detail  string
	Version uint64
}

func (RateIndexConfigured) EventType() string { return TypeRateIndexConfigured }

func (e RateIndexConfigured) Event() *types.Event {
	return &types.Event{
		Type: TypeRateIndexConfigured,
		Attributes: map[string]string{
			"action":  strings.TrimSpace(e.Action),
			"caller":  addressString(e.Caller),
			"detail":  strings.TrimSpace(e.Detail),
			"version": strconv.FormatUint(e.Version, 10),
		},
	}
}

type PoolInitialized struct {
	Pool      [32]byte
	Maturity  uint64
	Kappa     *big.Int
	FixedRate *big.Int
}

func (PoolInitialized) EventType() string { return TypePoolInitialized }

func (e PoolInitialized) Event() *types.Event {
	return &types.Event{
		Type: TypePoolInitialized,
		Attributes: map[string]string{
			"pool":      IDString(e.Pool),
			"maturity":  strconv.FormatUint(e.Maturity, 10),
			"kappa":     amountString(e.Kappa),
			"fixedRate": amountString(e.FixedRate),
		},
	}
}

type FundingAccrued struct {
	Pool         [32]byte
	GrowthDelta  *big.Int
	GrowthGlobal *big.Int
	Liquidity    *big.Int
	Timestamp    uint64
}

func (FundingAccrued) EventType() string { return TypeFundingAccrued }

func (e FundingAccrued) Event() *types.Event {
	return &types.Event{
		Type: TypeFundingAccrued,
		Attributes: map[string]string{
			"pool":         IDString(e.Pool),
			"growthDelta":  amountString(e.GrowthDelta),
			"growthGlobal": amountString(e.GrowthGlobal),
			"liquidity":    amountString(e.Liquidity),
			"timestamp":    strconv.FormatUint(e.Timestamp, 10),
		},
	}
}

type PoolMatured struct {
	Pool      [32]byte
	Timestamp uint64
}

func (PoolMatured) EventType() string { return TypePoolMatured }

func (e PoolMatured) Event() *types.Event {
	return &types.Event{
		Type: TypePoolMatured,
		Attributes: map[string]string{
			"pool":      IDString(e.Pool),
			"timestamp": strconv.FormatUint(e.Timestamp, 10),
		},
	}
}

type PositionFunding struct {
	Position [32]byte
	Owner    crypto.Address
	Delta    *big.Int
	Owed     *big.Int
}

func (PositionFunding) EventType() string { return TypePositionFunding }

func (e PositionFunding) Event() *types.Event {
	return &types.Event{
		Type: TypePositionFunding,
		Attributes: map[string]string{
			"position": IDString(e.Position),
			"owner":    addressString(e.Owner),
			"delta":    amountString(e.Delta),
			"owed":     amountString(e.Owed),
		},
	}
}

type FundingCleared struct {
	Position [32]byte
	Owner    crypto.Address
	Amount   *big.Int
}

func (FundingCleared) EventType() string { return TypeFundingCleared }

func (e FundingCleared) Event() *types.Event {
	return &types.Event{
		Type: TypeFundingCleared,
		Attributes: map[string]string{
			"position": IDString(e.Position),
			"owner":    addressString(e.Owner),
			"amount":   amountString(e.Amount),
		},
	}
}

// CollateralMoved backs both the deposit and withdrawal events.
type CollateralMoved struct {
	Withdrawal bool
	Account    crypto.Address
	Collateral string
	Amount     *big.Int
	Balance    *big.Int
}

func (e CollateralMoved) EventType() string {
	if e.Withdrawal {
		return TypeCollateralWithdrawn
	}
	return TypeCollateralDeposited
}

func (e CollateralMoved) Event() *types.Event {
	return &types.Event{
		Type: e.EventType(),
		Attributes: map[string]string{
			"account":    addressString(e.Account),
			"collateral": normalizeAsset(e.Collateral),
			"amount":     amountString(e.Amount),
			"balance":    amountString(e.Balance),
		},
	}
}

type PositionRisk struct {
	Trader      crypto.Address
	Position    [32]byte
	Pool        [32]byte
	Delta       *big.Int
	Liquidity   *big.Int
	NotionalSum *big.Int
	Evicted     bool
}

func (PositionRisk) EventType() string { return TypePositionRisk }

func (e PositionRisk) Event() *types.Event {
	return &types.Event{
		Type: TypePositionRisk,
		Attributes: map[string]string{
			"trader":      addressString(e.Trader),
			"position":    IDString(e.Position),
			"pool":        IDString(e.Pool),
			"delta":       amountString(e.Delta),
			"liquidity":   amountString(e.Liquidity),
			"notionalSum": amountString(e.NotionalSum),
			"evicted":     strconv.FormatBool(e.Evicted),
		},
	}
}

// Seizure summarises collateral taken during a liquidation.
type Seizure struct {
	Collateral string
	Amount     *big.Int
	Recipient  crypto.Address
	Insurance  bool
}

type Liquidation struct {
	Liquidator   crypto.Address
	Trader       crypto.Address
	Repaid       *big.Int
	SeizeValue   *big.Int
	HealthFactor *big.Int
	Seizures     []Seizure
}

func (Liquidation) EventType() string { return TypeLiquidation }

func (e Liquidation) Event() *types.Event {
	parts := make([]string, 0, len(e.Seizures))
	for _, s := range e.Seizures {
		label := "liquidator"
		if s.Insurance {
			label = "insurance"
		}
		parts = append(parts, normalizeAsset(s.Collateral)+":"+amountString(s.Amount)+":"+label)
	}
	return &types.Event{
		Type: TypeLiquidation,
		Attributes: map[string]string{
			"liquidator":   addressString(e.Liquidator),
			"trader":       addressString(e.Trader),
			"repaid":       amountString(e.Repaid),
			"seizeValue":   amountString(e.SeizeValue),
			"healthFactor": amountString(e.HealthFactor),
			"seizures":     strings.Join(parts, ","),
		},
	}
}

type BadDebt struct {
	Trader crypto.Address
	Debt   *big.Int
}

func (BadDebt) EventType() string { return TypeBadDebt }

func (e BadDebt) Event() *types.Event {
	return &types.Event{
		Type: TypeBadDebt,
		Attributes: map[string]string{
			"trader": addressString(e.Trader),
			"debt":   amountString(e.Debt),
		},
	}
}
