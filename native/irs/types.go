package irs

import (
	"math/big"

	"github.com/holiman/uint256"

	"irsvenue/crypto"
	"irsvenue/native/funding"
	"irsvenue/native/rateindex"
	"irsvenue/native/risk"
)

// IndexConfig seeds the rate index at bootstrap.
type IndexConfig struct {
	AlphaPPM        uint32
	MaxDeviationPPM uint32
	MaxStaleness    uint64
	Sources         []crypto.Address
}

// BootstrapConfig binds principals and protocol parameters once.
type BootstrapConfig struct {
	Owner       crypto.Address
	Settlement  crypto.Address
	Index       IndexConfig
	Collateral  []risk.CollateralConfig
	Liquidation *risk.LiquidationParams
}

// PoolConfig describes a pool registered with the venue. Kappa scales
// liquidity into notional.
type PoolConfig struct {
	Maturity           uint64
	Kappa              *big.Int
	FixedRatePerSecond *big.Int
	Risk               risk.PoolRiskParams
}

// TradeParams is handed to the Swapper untouched.
type TradeParams struct {
	ZeroForOne        bool
	AmountSpecified   *big.Int
	SqrtPriceLimitX96 *big.Int
}

// BalanceDelta is the signed token movement reported by the AMM.
type BalanceDelta struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

// Swapper executes a trade against the underlying AMM pool.
type Swapper interface {
	Swap(pool [32]byte, trader crypto.Address, params TradeParams) (BalanceDelta, error)
}

// Settler moves funding-token balances. Positive amounts are paid to owner,
// negative amounts are collected from it. venue is a nested handle on which
// every call fails with nativecommon.ErrReentrant.
type Settler interface {
	Settle(venue *Venue, owner crypto.Address, amount *big.Int) error
}

// Health summarises an account's margin position.
type Health struct {
	Trader            crypto.Address
	CollateralValue   *big.Int
	FundingDebt       *big.Int
	Equity            *big.Int
	InitialMargin     *big.Int
	MaintenanceMargin *big.Int
	HealthFactor      *big.Int
	Liquidatable      bool
}

// PoolView joins funding state with the venue's pool metadata.
type PoolView struct {
	Funding *funding.PoolState
	Kappa   *big.Int
	Risk    *risk.PoolRiskParams
}

// IndexView is the read-side projection of the rate index.
type IndexView struct {
	State      *rateindex.State
	Cumulative *uint256.Int
	Timestamp  uint64
}

type storedPoolMeta struct {
	Kappa    string
	Maturity uint64
}

type storedQuota struct {
	Actions uint32
	Volume  uint64
	EpochID uint64
}
