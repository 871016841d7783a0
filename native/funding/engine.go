package funding

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"

	"irsvenue/core/events"
	"irsvenue/crypto"
	nativecommon "irsvenue/native/common"
)

var (
	ErrPoolExists            = errors.New("funding: pool already registered")
	ErrPoolNotFound          = errors.New("funding: pool not registered")
	ErrPositionNotFound      = errors.New("funding: position not found")
	ErrInsufficientLiquidity = errors.New("funding: liquidity would become negative")
	ErrUnauthorized          = errors.New("funding: caller not authorized")
	ErrRolesConfigured       = errors.New("funding: roles already configured")

	errNilState  = errors.New("funding: state not configured")
	errNilIndex  = errors.New("funding: index not configured")
	errNilAmount = errors.New("funding: amount required")
	errFixedRate = errors.New("funding: fixed rate must not be negative")
)

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// IndexReader exposes the projected cumulative rate index.
type IndexReader interface {
	CumulativeIndex() (*uint256.Int, uint64, error)
}

// LiabilitySink receives per-trader liability changes caused by funding.
type LiabilitySink interface {
	OnFundingAccrued(caller, trader crypto.Address, delta *big.Int) error
}

// Engine converts index movement into per-position funding balances.
type Engine struct {
	state    engineState
	index    IndexReader
	sink     LiabilitySink
	operator crypto.Address
	emitter  events.Emitter
	lock     nativecommon.Lock
}

// NewEngine constructs the funding engine. operator is the principal the
// engine presents to the liability sink.
func NewEngine(state engineState, index IndexReader, sink LiabilitySink, operator crypto.Address) *Engine {
	return &Engine{state: state, index: index, sink: sink, operator: operator, emitter: events.NoopEmitter{}}
}

// SetEmitter installs the event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// Operator returns the principal used when forwarding liability deltas.
func (e *Engine) Operator() crypto.Address {
	if e == nil {
		return crypto.Address{}
	}
	return e.operator
}

func (e *Engine) enter() (func(), error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.lock.Enter()
}

// ConfigureRoles binds the owner and the settlement principal once.
func (e *Engine) ConfigureRoles(owner, settlement crypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	var existing storedRoles
	ok, err := e.state.KVGet(rolesKey, &existing)
	if err != nil {
		return err
	}
	if ok && len(existing.Owner) > 0 {
		return ErrRolesConfigured
	}
	if owner.IsZero() {
		return ErrUnauthorized
	}
	return e.state.KVPut(rolesKey, storedRoles{Owner: owner.Bytes(), Settlement: settlement.Bytes()})
}

// SetSettlement rebinds the settlement principal. Only the owner may call it,
// and it may be called at any time.
func (e *Engine) SetSettlement(caller, settlement crypto.Address) error {
	roles, err := e.roles()
	if err != nil {
		return err
	}
	owner := decodeAddress(roles.Owner)
	if caller.IsZero() || !caller.Equal(owner) {
		return ErrUnauthorized
	}
	roles.Settlement = settlement.Bytes()
	return e.state.KVPut(rolesKey, roles)
}

// Settlement returns the currently bound settlement principal.
func (e *Engine) Settlement() (crypto.Address, error) {
	roles, err := e.roles()
	if err != nil {
		return crypto.Address{}, err
	}
	return decodeAddress(roles.Settlement), nil
}

func (e *Engine) roles() (storedRoles, error) {
	var roles storedRoles
	if e == nil || e.state == nil {
		return roles, errNilState
	}
	if _, err := e.state.KVGet(rolesKey, &roles); err != nil {
		return roles, err
	}
	return roles, nil
}

// RegisterPool creates funding state for a pool, anchored at the current
// index value.
func (e *Engine) RegisterPool(id [32]byte, maturity uint64, fixedRatePerSecond *big.Int) (*PoolState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.index == nil {
		return nil, errNilIndex
	}
	if _, err := e.loadPool(id); err == nil {
		return nil, ErrPoolExists
	} else if !errors.Is(err, ErrPoolNotFound) {
		return nil, err
	}
	cumulative, ts, err := e.index.CumulativeIndex()
	if err != nil {
		return nil, err
	}
	fixed := cloneBig(fixedRatePerSecond)
	if fixed.Sign() < 0 {
		return nil, errFixedRate
	}
	pool := &PoolState{
		ID:                 id,
		Maturity:           maturity,
		LastCheckpoint:     ts,
		LastCumulative:     cumulative.ToBig(),
		GrowthGlobal:       big.NewInt(0),
		TotalLiquidity:     big.NewInt(0),
		FixedRatePerSecond: fixed,
	}
	if err := e.state.KVPut(poolKey(id), newStoredPool(pool)); err != nil {
		return nil, err
	}
	if err := e.state.KVAppend(poolListKey, id[:]); err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// Accrue folds index movement since the last checkpoint into the pool's
// funding growth and latches the pool frozen at maturity.
func (e *Engine) Accrue(id [32]byte) (*PoolState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.index == nil {
		return nil, errNilIndex
	}
	pool, err := e.loadPool(id)
	if err != nil {
		return nil, err
	}
	cumulative, ts, err := e.index.CumulativeIndex()
	if err != nil {
		return nil, err
	}
	if ts <= pool.LastCheckpoint {
		return pool, nil
	}
	current := cumulative.ToBig()
	growthDelta := big.NewInt(0)
	if pool.TotalLiquidity.Sign() > 0 {
		growthDelta = accruedGrowth(current, pool.LastCumulative, pool.FixedRatePerSecond, ts, pool.LastCheckpoint, pool.TotalLiquidity)
		pool.GrowthGlobal.Add(pool.GrowthGlobal, growthDelta)
	}
	pool.LastCheckpoint = ts
	pool.LastCumulative = current
	latched := false
	if !pool.Frozen && pool.Maturity != 0 && ts >= pool.Maturity {
		pool.Frozen = true
		latched = true
	}
	if err := e.savePool(pool); err != nil {
		return nil, err
	}
	if growthDelta.Sign() != 0 {
		e.emitter.Emit(events.FundingAccrued{
			Pool:         id,
			GrowthDelta:  new(big.Int).Set(growthDelta),
			GrowthGlobal: new(big.Int).Set(pool.GrowthGlobal),
			Liquidity:    new(big.Int).Set(pool.TotalLiquidity),
			Timestamp:    ts,
		})
	}
	if latched {
		e.emitter.Emit(events.PoolMatured{Pool: id, Timestamp: ts})
	}
	return pool.Clone(), nil
}

// accruedGrowth computes ((cum - lastCum) - fixed*(ts - lastTs)) * 2^128 / liquidity
// with signed arithmetic, truncating toward zero.
func accruedGrowth(cum, lastCum, fixed *big.Int, ts, lastTs uint64, liquidity *big.Int) *big.Int {
	floating := new(big.Int).Sub(cum, lastCum)
	elapsed := new(big.Int).SetUint64(ts - lastTs)
	fixedLeg := new(big.Int).Mul(fixed, elapsed)
	net := floating.Sub(floating, fixedLeg)
	net.Mul(net, GrowthScale)
	return net.Quo(net, liquidity)
}

// UpdatePositionOwed attributes growth since the position's snapshot and
// forwards the negated amount to the liability sink. It must follow Accrue in
// the same action.
func (e *Engine) UpdatePositionOwed(ref PositionRef) (*big.Int, error) {
	release, err := e.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	pool, err := e.loadPool(ref.Pool)
	if err != nil {
		return nil, err
	}
	key := ref.Key()
	pos, err := e.loadPosition(key)
	if errors.Is(err, ErrPositionNotFound) {
		pos = &Position{Ref: ref, Liquidity: big.NewInt(0), GrowthSnapshot: big.NewInt(0), Owed: big.NewInt(0)}
	} else if err != nil {
		return nil, err
	}
	if pos.Liquidity.Sign() == 0 {
		pos.GrowthSnapshot = new(big.Int).Set(pool.GrowthGlobal)
		if err := e.savePosition(key, pos); err != nil {
			return nil, err
		}
		return big.NewInt(0), nil
	}
	delta := new(big.Int).Sub(pool.GrowthGlobal, pos.GrowthSnapshot)
	delta.Mul(delta, pos.Liquidity)
	delta.Quo(delta, GrowthScale)
	pos.Owed.Add(pos.Owed, delta)
	pos.GrowthSnapshot = new(big.Int).Set(pool.GrowthGlobal)
	if err := e.savePosition(key, pos); err != nil {
		return nil, err
	}
	if delta.Sign() == 0 {
		return delta, nil
	}
	if e.sink != nil {
		if err := e.sink.OnFundingAccrued(e.operator, ref.Owner, new(big.Int).Neg(delta)); err != nil {
			return nil, err
		}
	}
	e.emitter.Emit(events.PositionFunding{Position: key, Owner: ref.Owner, Delta: new(big.Int).Set(delta), Owed: new(big.Int).Set(pos.Owed)})
	return delta, nil
}

// ApplyLiquidityDelta adds a signed liquidity change to the position and the
// pool and re-snapshots growth. It must run after UpdatePositionOwed.
func (e *Engine) ApplyLiquidityDelta(ref PositionRef, delta *big.Int) (*Position, error) {
	if delta == nil {
		return nil, errNilAmount
	}
	release, err := e.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	pool, err := e.loadPool(ref.Pool)
	if err != nil {
		return nil, err
	}
	key := ref.Key()
	pos, err := e.loadPosition(key)
	if errors.Is(err, ErrPositionNotFound) {
		pos = &Position{Ref: ref, Liquidity: big.NewInt(0), GrowthSnapshot: big.NewInt(0), Owed: big.NewInt(0)}
	} else if err != nil {
		return nil, err
	}
	liquidity := new(big.Int).Add(pos.Liquidity, delta)
	total := new(big.Int).Add(pool.TotalLiquidity, delta)
	if liquidity.Sign() < 0 || total.Sign() < 0 {
		return nil, ErrInsufficientLiquidity
	}
	pos.Liquidity = liquidity
	pos.GrowthSnapshot = new(big.Int).Set(pool.GrowthGlobal)
	pool.TotalLiquidity = total
	if err := e.savePool(pool); err != nil {
		return nil, err
	}
	if err := e.savePosition(key, pos); err != nil {
		return nil, err
	}
	return pos.Clone(), nil
}

// ClearFundingOwed zeroes the position's owed balance and returns the prior
// value. Only the settlement principal may call it. payout, when supplied,
// runs after the balance is zeroed; any nested call into the engine from
// payout fails with nativecommon.ErrReentrant.
func (e *Engine) ClearFundingOwed(caller crypto.Address, ref PositionRef, payout func(owner crypto.Address, amount *big.Int) error) (*big.Int, error) {
	release, err := e.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	settlement, err := e.Settlement()
	if err != nil {
		return nil, err
	}
	if caller.IsZero() || !caller.Equal(settlement) {
		return nil, ErrUnauthorized
	}
	key := ref.Key()
	pos, err := e.loadPosition(key)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Set(pos.Owed)
	pos.Owed = big.NewInt(0)
	if err := e.savePosition(key, pos); err != nil {
		return nil, err
	}
	if payout != nil && amount.Sign() != 0 {
		if err := payout(ref.Owner, new(big.Int).Set(amount)); err != nil {
			return nil, err
		}
	}
	e.emitter.Emit(events.FundingCleared{Position: key, Owner: ref.Owner, Amount: new(big.Int).Set(amount)})
	return amount, nil
}

// Pool returns a copy of the pool state.
func (e *Engine) Pool(id [32]byte) (*PoolState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadPool(id)
}

// Pools lists registered pool identifiers in registration order.
func (e *Engine) Pools() ([][32]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var raw [][]byte
	if err := e.state.KVGetList(poolListKey, &raw); err != nil {
		return nil, err
	}
	out := make([][32]byte, 0, len(raw))
	for _, id := range raw {
		var fixed [32]byte
		copy(fixed[:], id)
		out = append(out, fixed)
	}
	return out, nil
}

// Position returns a copy of the position addressed by ref.
func (e *Engine) Position(ref PositionRef) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadPosition(ref.Key())
}

func (e *Engine) loadPool(id [32]byte) (*PoolState, error) {
	var stored storedPool
	ok, err := e.state.KVGet(poolKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPoolNotFound
	}
	return stored.decode()
}

func (e *Engine) savePool(pool *PoolState) error {
	return e.state.KVPut(poolKey(pool.ID), newStoredPool(pool))
}

func (e *Engine) loadPosition(key [32]byte) (*Position, error) {
	var stored storedPosition
	ok, err := e.state.KVGet(positionKey(key), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPositionNotFound
	}
	return stored.decode()
}

// savePosition evicts positions with no liquidity and nothing owed.
func (e *Engine) savePosition(key [32]byte, pos *Position) error {
	if pos.Liquidity.Sign() == 0 && pos.Owed.Sign() == 0 {
		return e.state.KVDelete(positionKey(key))
	}
	return e.state.KVPut(positionKey(key), newStoredPosition(pos))
}
