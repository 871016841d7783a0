package funding

import (
	"fmt"
	"math/big"

	"irsvenue/crypto"
)

// GrowthScale is the Q128 fixed-point unit of per-liquidity funding growth.
var GrowthScale = new(big.Int).Lsh(big.NewInt(1), 128)

// PoolState tracks funding growth for one pool.
type PoolState struct {
	ID                 [32]byte
	Maturity           uint64
	LastCheckpoint     uint64
	LastCumulative     *big.Int
	GrowthGlobal       *big.Int
	TotalLiquidity     *big.Int
	FixedRatePerSecond *big.Int
	Frozen             bool
}

// Clone returns a deep copy.
func (p *PoolState) Clone() *PoolState {
	if p == nil {
		return nil
	}
	out := *p
	out.LastCumulative = cloneBig(p.LastCumulative)
	out.GrowthGlobal = cloneBig(p.GrowthGlobal)
	out.TotalLiquidity = cloneBig(p.TotalLiquidity)
	out.FixedRatePerSecond = cloneBig(p.FixedRatePerSecond)
	return &out
}

// Matured reports whether the pool is frozen or past its maturity at now.
func (p *PoolState) Matured(now uint64) bool {
	if p == nil {
		return false
	}
	return p.Frozen || (p.Maturity != 0 && now >= p.Maturity)
}

// Position is the funding view of a single liquidity position.
type Position struct {
	Ref            PositionRef
	Liquidity      *big.Int
	GrowthSnapshot *big.Int
	Owed           *big.Int
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	out := *p
	out.Liquidity = cloneBig(p.Liquidity)
	out.GrowthSnapshot = cloneBig(p.GrowthSnapshot)
	out.Owed = cloneBig(p.Owed)
	return &out
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

type storedPool struct {
	ID             []byte
	Maturity       uint64
	LastCheckpoint uint64
	LastCumulative string
	GrowthGlobal   string
	TotalLiquidity string
	FixedRate      string
	Frozen         bool
}

func newStoredPool(p *PoolState) storedPool {
	return storedPool{
		ID:             append([]byte(nil), p.ID[:]...),
		Maturity:       p.Maturity,
		LastCheckpoint: p.LastCheckpoint,
		LastCumulative: cloneBig(p.LastCumulative).String(),
		GrowthGlobal:   cloneBig(p.GrowthGlobal).String(),
		TotalLiquidity: cloneBig(p.TotalLiquidity).String(),
		FixedRate:      cloneBig(p.FixedRatePerSecond).String(),
		Frozen:         p.Frozen,
	}
}

func (s storedPool) decode() (*PoolState, error) {
	out := &PoolState{Maturity: s.Maturity, LastCheckpoint: s.LastCheckpoint, Frozen: s.Frozen}
	copy(out.ID[:], s.ID)
	var err error
	if out.LastCumulative, err = parseBig(s.LastCumulative); err != nil {
		return nil, err
	}
	if out.GrowthGlobal, err = parseBig(s.GrowthGlobal); err != nil {
		return nil, err
	}
	if out.TotalLiquidity, err = parseBig(s.TotalLiquidity); err != nil {
		return nil, err
	}
	if out.FixedRatePerSecond, err = parseBig(s.FixedRate); err != nil {
		return nil, err
	}
	return out, nil
}

// storedPosition keeps ticks as uint32 since RLP has no signed integers.
type storedPosition struct {
	Owner          []byte
	Pool           []byte
	TickLower      uint32
	TickUpper      uint32
	Salt           []byte
	Liquidity      string
	GrowthSnapshot string
	Owed           string
}

func newStoredPosition(p *Position) storedPosition {
	return storedPosition{
		Owner:          append([]byte(nil), p.Ref.Owner.Bytes()...),
		Pool:           append([]byte(nil), p.Ref.Pool[:]...),
		TickLower:      uint32(p.Ref.TickLower),
		TickUpper:      uint32(p.Ref.TickUpper),
		Salt:           append([]byte(nil), p.Ref.Salt[:]...),
		Liquidity:      cloneBig(p.Liquidity).String(),
		GrowthSnapshot: cloneBig(p.GrowthSnapshot).String(),
		Owed:           cloneBig(p.Owed).String(),
	}
}

func (s storedPosition) decode() (*Position, error) {
	out := &Position{}
	if len(s.Owner) == crypto.AddressLength {
		out.Ref.Owner = crypto.NewAddress(crypto.TraderPrefix, s.Owner)
	}
	copy(out.Ref.Pool[:], s.Pool)
	copy(out.Ref.Salt[:], s.Salt)
	out.Ref.TickLower = int32(s.TickLower)
	out.Ref.TickUpper = int32(s.TickUpper)
	var err error
	if out.Liquidity, err = parseBig(s.Liquidity); err != nil {
		return nil, err
	}
	if out.GrowthSnapshot, err = parseBig(s.GrowthSnapshot); err != nil {
		return nil, err
	}
	if out.Owed, err = parseBig(s.Owed); err != nil {
		return nil, err
	}
	return out, nil
}

type storedRoles struct {
	Owner      []byte
	Settlement []byte
}

func parseBig(v string) (*big.Int, error) {
	if v == "" {
		return big.NewInt(0), nil
	}
	out, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("funding: invalid integer %q", v)
	}
	return out, nil
}

func decodeAddress(raw []byte) crypto.Address {
	if len(raw) != crypto.AddressLength {
		return crypto.Address{}
	}
	return crypto.NewAddress(crypto.TraderPrefix, raw)
}
