package risk

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"irsvenue/crypto"
)

// CollateralConfig describes one accepted collateral asset. Price is the
// 18-decimal value of one whole token in funding-token units.
type CollateralConfig struct {
	ID         string
	Asset      crypto.Address
	Decimals   uint8
	Price      *big.Int
	HaircutBps uint64
	Enabled    bool
}

// Scale returns 10^Decimals.
func (c *CollateralConfig) Scale() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(c.Decimals)), nil)
}

// Clone returns a deep copy.
func (c *CollateralConfig) Clone() *CollateralConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Price = cloneBig(c.Price)
	return &out
}

// PoolRiskParams bounds exposure on a single pool.
type PoolRiskParams struct {
	IMBps               uint64
	MMBps               uint64
	DurationFactor      *big.Int
	MaxPositionNotional *big.Int
	MaxAccountNotional  *big.Int
	Enabled             bool
}

// Clone returns a deep copy.
func (p *PoolRiskParams) Clone() *PoolRiskParams {
	if p == nil {
		return nil
	}
	out := *p
	out.DurationFactor = cloneBig(p.DurationFactor)
	out.MaxPositionNotional = cloneBig(p.MaxPositionNotional)
	out.MaxAccountNotional = cloneBig(p.MaxAccountNotional)
	return &out
}

// LiquidationParams controls close factor interpolation, the liquidation
// penalty and the insurance fund's cut of that penalty.
type LiquidationParams struct {
	CloseFactorMinBps    uint64
	CloseFactorMaxBps    uint64
	HFCritical           *big.Int
	PenaltyBps           uint64
	InsuranceFeeShareBps uint64
	InsuranceRecipient   crypto.Address
}

// Clone returns a deep copy.
func (p *LiquidationParams) Clone() *LiquidationParams {
	if p == nil {
		return nil
	}
	out := *p
	out.HFCritical = cloneBig(p.HFCritical)
	return &out
}

// PositionRisk is the risk-side view of one open position.
type PositionRisk struct {
	Key       [32]byte
	Pool      [32]byte
	Liquidity *big.Int
	Kappa     *big.Int
	Maturity  uint64
}

// Notional returns liquidity * kappa.
func (p *PositionRisk) Notional() *big.Int {
	return new(big.Int).Mul(cloneBig(p.Liquidity), cloneBig(p.Kappa))
}

func (p *PositionRisk) clone() *PositionRisk {
	out := *p
	out.Liquidity = cloneBig(p.Liquidity)
	out.Kappa = cloneBig(p.Kappa)
	return &out
}

// Account is the margin ledger of one trader. Positions live in an arena
// addressed through index so removal is O(1).
type Account struct {
	Trader      crypto.Address
	Collateral  map[string]*big.Int
	FundingDebt *big.Int
	NotionalSum *big.Int

	positions []*PositionRisk
	index     map[[32]byte]int
}

func newAccount(trader crypto.Address) *Account {
	return &Account{
		Trader:      trader,
		Collateral:  make(map[string]*big.Int),
		FundingDebt: big.NewInt(0),
		NotionalSum: big.NewInt(0),
		index:       make(map[[32]byte]int),
	}
}

// Positions returns copies of the open positions in arena order.
func (a *Account) Positions() []PositionRisk {
	out := make([]PositionRisk, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, *p.clone())
	}
	return out
}

// Position looks up an open position by key.
func (a *Account) Position(key [32]byte) (*PositionRisk, bool) {
	slot, ok := a.index[key]
	if !ok {
		return nil, false
	}
	return a.positions[slot], true
}

// Balance returns the collateral balance for id, zero when absent.
func (a *Account) Balance(id string) *big.Int {
	if v, ok := a.Collateral[normalizeID(id)]; ok && v != nil {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (a *Account) insert(p *PositionRisk) {
	a.index[p.Key] = len(a.positions)
	a.positions = append(a.positions, p)
}

// remove swaps the last position into the freed slot.
func (a *Account) remove(key [32]byte) {
	slot, ok := a.index[key]
	if !ok {
		return
	}
	last := len(a.positions) - 1
	if slot != last {
		moved := a.positions[last]
		a.positions[slot] = moved
		a.index[moved.Key] = slot
	}
	a.positions[last] = nil
	a.positions = a.positions[:last]
	delete(a.index, key)
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := newAccount(a.Trader)
	for id, bal := range a.Collateral {
		out.Collateral[id] = cloneBig(bal)
	}
	out.FundingDebt = cloneBig(a.FundingDebt)
	out.NotionalSum = cloneBig(a.NotionalSum)
	for _, p := range a.positions {
		out.insert(p.clone())
	}
	return out
}

func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func parseBig(v string) (*big.Int, error) {
	if v == "" {
		return big.NewInt(0), nil
	}
	out, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("risk: invalid integer %q", v)
	}
	return out, nil
}

func decodeAddress(raw []byte) crypto.Address {
	if len(raw) != crypto.AddressLength {
		return crypto.Address{}
	}
	return crypto.NewAddress(crypto.TraderPrefix, raw)
}

type storedBalance struct {
	ID     string
	Amount string
}

type storedPosition struct {
	Key       []byte
	Pool      []byte
	Liquidity string
	Kappa     string
	Maturity  uint64
}

type storedAccount struct {
	Trader      []byte
	Collateral  []storedBalance
	FundingDebt string
	NotionalSum string
	Positions   []storedPosition
}

func newStoredAccount(a *Account) storedAccount {
	out := storedAccount{
		Trader:      append([]byte(nil), a.Trader.Bytes()...),
		FundingDebt: cloneBig(a.FundingDebt).String(),
		NotionalSum: cloneBig(a.NotionalSum).String(),
	}
	ids := make([]string, 0, len(a.Collateral))
	for id, bal := range a.Collateral {
		if bal == nil || bal.Sign() == 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out.Collateral = append(out.Collateral, storedBalance{ID: id, Amount: a.Collateral[id].String()})
	}
	for _, p := range a.positions {
		out.Positions = append(out.Positions, storedPosition{
			Key:       append([]byte(nil), p.Key[:]...),
			Pool:      append([]byte(nil), p.Pool[:]...),
			Liquidity: cloneBig(p.Liquidity).String(),
			Kappa:     cloneBig(p.Kappa).String(),
			Maturity:  p.Maturity,
		})
	}
	return out
}

func (s storedAccount) decode() (*Account, error) {
	out := newAccount(decodeAddress(s.Trader))
	var err error
	if out.FundingDebt, err = parseBig(s.FundingDebt); err != nil {
		return nil, err
	}
	if out.NotionalSum, err = parseBig(s.NotionalSum); err != nil {
		return nil, err
	}
	for _, bal := range s.Collateral {
		amount, err := parseBig(bal.Amount)
		if err != nil {
			return nil, err
		}
		out.Collateral[bal.ID] = amount
	}
	for _, sp := range s.Positions {
		p := &PositionRisk{Maturity: sp.Maturity}
		copy(p.Key[:], sp.Key)
		copy(p.Pool[:], sp.Pool)
		if p.Liquidity, err = parseBig(sp.Liquidity); err != nil {
			return nil, err
		}
		if p.Kappa, err = parseBig(sp.Kappa); err != nil {
			return nil, err
		}
		out.insert(p)
	}
	return out, nil
}

type storedCollateral struct {
	ID         string
	Asset      []byte
	Decimals   uint8
	Price      string
	HaircutBps uint64
	Enabled    bool
}

func newStoredCollateral(c *CollateralConfig) storedCollateral {
	return storedCollateral{
		ID:         c.ID,
		Asset:      append([]byte(nil), c.Asset.Bytes()...),
		Decimals:   c.Decimals,
		Price:      cloneBig(c.Price).String(),
		HaircutBps: c.HaircutBps,
		Enabled:    c.Enabled,
	}
}

func (s storedCollateral) decode() (*CollateralConfig, error) {
	price, err := parseBig(s.Price)
	if err != nil {
		return nil, err
	}
	return &CollateralConfig{
		ID:         s.ID,
		Asset:      decodeAddress(s.Asset),
		Decimals:   s.Decimals,
		Price:      price,
		HaircutBps: s.HaircutBps,
		Enabled:    s.Enabled,
	}, nil
}

type storedPoolParams struct {
	IMBps               uint64
	MMBps               uint64
	DurationFactor      string
	MaxPositionNotional string
	MaxAccountNotional  string
	Enabled             bool
}

func newStoredPoolParams(p *PoolRiskParams) storedPoolParams {
	return storedPoolParams{
		IMBps:               p.IMBps,
		MMBps:               p.MMBps,
		DurationFactor:      cloneBig(p.DurationFactor).String(),
		MaxPositionNotional: cloneBig(p.MaxPositionNotional).String(),
		MaxAccountNotional:  cloneBig(p.MaxAccountNotional).String(),
		Enabled:             p.Enabled,
	}
}

func (s storedPoolParams) decode() (*PoolRiskParams, error) {
	out := &PoolRiskParams{IMBps: s.IMBps, MMBps: s.MMBps, Enabled: s.Enabled}
	var err error
	if out.DurationFactor, err = parseBig(s.DurationFactor); err != nil {
		return nil, err
	}
	if out.MaxPositionNotional, err = parseBig(s.MaxPositionNotional); err != nil {
		return nil, err
	}
	if out.MaxAccountNotional, err = parseBig(s.MaxAccountNotional); err != nil {
		return nil, err
	}
	return out, nil
}

type storedLiquidation struct {
	CloseFactorMinBps    uint64
	CloseFactorMaxBps    uint64
	HFCritical           string
	PenaltyBps           uint64
	InsuranceFeeShareBps uint64
	InsuranceRecipient   []byte
}

type storedRoles struct {
	Owner     []byte
	Operators [][]byte
}
