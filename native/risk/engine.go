package risk

import (
	"errors"
	"math/big"
	"time"

	"irsvenue/core/events"
	"irsvenue/crypto"
	nativecommon "irsvenue/native/common"
	"irsvenue/native/funding"
)

var (
	ErrUnauthorized           = errors.New("risk engine: caller not authorized")
	ErrRolesConfigured        = errors.New("risk engine: roles already configured")
	ErrUnknownCollateral      = errors.New("risk engine: collateral not configured")
	ErrCollateralDisabled     = errors.New("risk engine: collateral disabled")
	ErrInvalidAmount          = errors.New("risk engine: amount must be positive")
	ErrInsufficientBalance    = errors.New("risk engine: insufficient collateral balance")
	ErrInitialMargin          = errors.New("risk engine: equity below initial margin")
	ErrPoolDisabled           = errors.New("risk engine: pool risk params not enabled")
	ErrPoolMatured            = errors.New("risk engine: pool matured")
	ErrNewPositionDelta       = errors.New("risk engine: new position requires positive liquidity")
	ErrInsufficientLiquidity  = errors.New("risk engine: liquidity reduction exceeds position")
	ErrPositionNotionalCap    = errors.New("risk engine: position notional cap exceeded")
	ErrAccountNotionalCap     = errors.New("risk engine: account notional cap exceeded")
	ErrInvalidParams          = errors.New("risk engine: invalid parameters")
	ErrNotLiquidatable        = errors.New("risk engine: account not eligible for liquidation")
	ErrZeroRepay              = errors.New("risk engine: repay amount must be positive")
	ErrInsufficientCollateral = errors.New("risk engine: ordered collateral cannot cover seize value")

	errNilState          = errors.New("risk engine: state not configured")
	errLiquidationConfig = errors.New("risk engine: liquidation params not configured")
)

// ModuleName is the pause key for collateral moves and liquidation.
const ModuleName = "risk"

var (
	accountPrefix     = []byte("irs/risk/account/")
	accountListKey    = []byte("irs/risk/accounts")
	collateralPrefix  = []byte("irs/risk/collateral/")
	collateralListKey = []byte("irs/risk/collaterals")
	poolParamsPrefix  = []byte("irs/risk/pool/")
	liquidationKey    = []byte("irs/risk/liquidation")
	rolesKey          = []byte("irs/risk/roles")
)

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// Engine keeps trader margin ledgers, gates exposure on initial margin and
// liquidates accounts that breach maintenance margin.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pauses  nativecommon.PauseView
	clock   func() uint64
}

// NewEngine constructs a risk engine backed by state.
func NewEngine(state engineState) *Engine {
	return &Engine{
		state:   state,
		emitter: events.NoopEmitter{},
		clock:   func() uint64 { return uint64(time.Now().Unix()) },
	}
}

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetClock overrides the time source used for maturity and duration.
func (e *Engine) SetClock(clock func() uint64) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

func (e *Engine) now() uint64 { return e.clock() }

// Initialize binds the owner and the initial operator set. It may only run
// once.
func (e *Engine) Initialize(owner crypto.Address, operators ...crypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	roles, err := e.roles()
	if err != nil {
		return err
	}
	if len(roles.Owner) > 0 {
		return ErrRolesConfigured
	}
	if owner.IsZero() {
		return ErrUnauthorized
	}
	roles.Owner = owner.Bytes()
	for _, op := range operators {
		if op.IsZero() {
			continue
		}
		roles.Operators = append(roles.Operators, op.Bytes())
	}
	return e.state.KVPut(rolesKey, roles)
}

// Owner returns the governance principal.
func (e *Engine) Owner() (crypto.Address, error) {
	roles, err := e.roles()
	if err != nil {
		return crypto.Address{}, err
	}
	return decodeAddress(roles.Owner), nil
}

// IsOperator reports whether addr may push position and funding updates.
func (e *Engine) IsOperator(addr crypto.Address) (bool, error) {
	roles, err := e.roles()
	if err != nil {
		return false, err
	}
	return hasOperator(roles, addr), nil
}

// SetOperator grants or revokes operator rights.
func (e *Engine) SetOperator(caller, operator crypto.Address, enabled bool) error {
	roles, err := e.ownerRoles(caller)
	if err != nil {
		return err
	}
	if operator.IsZero() {
		return ErrInvalidParams
	}
	kept := roles.Operators[:0]
	for _, raw := range roles.Operators {
		if decodeAddress(raw).Equal(operator) {
			continue
		}
		kept = append(kept, raw)
	}
	roles.Operators = kept
	if enabled {
		roles.Operators = append(roles.Operators, operator.Bytes())
	}
	return e.state.KVPut(rolesKey, roles)
}

// TransferOwnership hands governance to next.
func (e *Engine) TransferOwnership(caller, next crypto.Address) error {
	roles, err := e.ownerRoles(caller)
	if err != nil {
		return err
	}
	if next.IsZero() {
		return ErrInvalidParams
	}
	roles.Owner = next.Bytes()
	return e.state.KVPut(rolesKey, roles)
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

func (e *Engine) ownerRoles(caller crypto.Address) (storedRoles, error) {
	roles, err := e.roles()
	if err != nil {
		return roles, err
	}
	if caller.IsZero() || !caller.Equal(decodeAddress(roles.Owner)) {
		return roles, ErrUnauthorized
	}
	return roles, nil
}

func (e *Engine) requireOperator(caller crypto.Address) error {
	roles, err := e.roles()
	if err != nil {
		return err
	}
	if !hasOperator(roles, caller) {
		return ErrUnauthorized
	}
	return nil
}

func hasOperator(roles storedRoles, addr crypto.Address) bool {
	if addr.IsZero() {
		return false
	}
	for _, raw := range roles.Operators {
		if decodeAddress(raw).Equal(addr) {
			return true
		}
	}
	return false
}

// SetCollateral creates or replaces a collateral configuration.
func (e *Engine) SetCollateral(caller crypto.Address, cfg CollateralConfig) error {
	if _, err := e.ownerRoles(caller); err != nil {
		return err
	}
	cfg.ID = normalizeID(cfg.ID)
	if cfg.ID == "" || cfg.HaircutBps >= bpsOne {
		return ErrInvalidParams
	}
	if cfg.Enabled && (cfg.Price == nil || cfg.Price.Sign() <= 0) {
		return ErrInvalidParams
	}
	if cfg.Price != nil && cfg.Price.Sign() < 0 {
		return ErrInvalidParams
	}
	if err := e.state.KVPut(collateralKey(cfg.ID), newStoredCollateral(&cfg)); err != nil {
		return err
	}
	return e.state.KVAppend(collateralListKey, []byte(cfg.ID))
}

// Collateral returns the configuration for id.
func (e *Engine) Collateral(id string) (*CollateralConfig, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var stored storedCollateral
	ok, err := e.state.KVGet(collateralKey(normalizeID(id)), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownCollateral
	}
	return stored.decode()
}

// CollateralIDs lists every collateral id ever configured.
func (e *Engine) CollateralIDs() ([]string, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var raw [][]byte
	if err := e.state.KVGetList(collateralListKey, &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		out = append(out, string(id))
	}
	return out, nil
}

// SetPoolRiskParams configures margin and caps for a pool. Enabled params
// must have every numeric field positive.
func (e *Engine) SetPoolRiskParams(caller crypto.Address, pool [32]byte, params PoolRiskParams) error {
	if _, err := e.ownerRoles(caller); err != nil {
		return err
	}
	if params.Enabled {
		if params.IMBps == 0 || params.MMBps == 0 {
			return ErrInvalidParams
		}
		for _, v := range []*big.Int{params.DurationFactor, params.MaxPositionNotional, params.MaxAccountNotional} {
			if v == nil || v.Sign() <= 0 {
				return ErrInvalidParams
			}
		}
	}
	return e.state.KVPut(poolParamsKey(pool), newStoredPoolParams(&params))
}

// PoolRiskParams returns the params for pool, or nil when unset.
func (e *Engine) PoolRiskParams(pool [32]byte) (*PoolRiskParams, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var stored storedPoolParams
	ok, err := e.state.KVGet(poolParamsKey(pool), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return stored.decode()
}

// SetLiquidationParams configures close factor, penalty and insurance share.
func (e *Engine) SetLiquidationParams(caller crypto.Address, params LiquidationParams) error {
	if _, err := e.ownerRoles(caller); err != nil {
		return err
	}
	if params.CloseFactorMinBps == 0 || params.CloseFactorMinBps > params.CloseFactorMaxBps || params.CloseFactorMaxBps > bpsOne {
		return ErrInvalidParams
	}
	if params.HFCritical == nil || params.HFCritical.Sign() < 0 || params.HFCritical.Cmp(WAD) >= 0 {
		return ErrInvalidParams
	}
	if params.PenaltyBps > bpsOne || params.InsuranceFeeShareBps > bpsOne {
		return ErrInvalidParams
	}
	return e.state.KVPut(liquidationKey, storedLiquidation{
		CloseFactorMinBps:    params.CloseFactorMinBps,
		CloseFactorMaxBps:    params.CloseFactorMaxBps,
		HFCritical:           params.HFCritical.String(),
		PenaltyBps:           params.PenaltyBps,
		InsuranceFeeShareBps: params.InsuranceFeeShareBps,
		InsuranceRecipient:   params.InsuranceRecipient.Bytes(),
	})
}

// LiquidationParams returns the configured params, or nil when unset.
func (e *Engine) LiquidationParams() (*LiquidationParams, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var stored storedLiquidation
	ok, err := e.state.KVGet(liquidationKey, &stored)
	if err != nil || !ok {
		return nil, err
	}
	critical, err := parseBig(stored.HFCritical)
	if err != nil {
		return nil, err
	}
	return &LiquidationParams{
		CloseFactorMinBps:    stored.CloseFactorMinBps,
		CloseFactorMaxBps:    stored.CloseFactorMaxBps,
		HFCritical:           critical,
		PenaltyBps:           stored.PenaltyBps,
		InsuranceFeeShareBps: stored.InsuranceFeeShareBps,
		InsuranceRecipient:   decodeAddress(stored.InsuranceRecipient),
	}, nil
}

// Deposit credits collateral to the trader.
func (e *Engine) Deposit(trader crypto.Address, id string, amount *big.Int) (*Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if trader.IsZero() || amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	cfg, err := e.Collateral(id)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrCollateralDisabled
	}
	acct, err := e.loadAccount(trader)
	if err != nil {
		return nil, err
	}
	balance := acct.Balance(cfg.ID)
	balance.Add(balance, amount)
	acct.Collateral[cfg.ID] = balance
	if err := e.saveAccount(acct); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.CollateralMoved{Account: trader, Collateral: cfg.ID, Amount: new(big.Int).Set(amount), Balance: new(big.Int).Set(balance)})
	return acct.Clone(), nil
}

// Withdraw debits collateral when the account stays above initial margin
// afterwards.
func (e *Engine) Withdraw(trader crypto.Address, id string, amount *big.Int) (*Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	id = normalizeID(id)
	acct, err := e.loadAccount(trader)
	if err != nil {
		return nil, err
	}
	balance := acct.Balance(id)
	if balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	balance.Sub(balance, amount)
	acct.Collateral[id] = balance
	if err := e.requireInitialMargin(acct, e.now()); err != nil {
		return nil, err
	}
	if err := e.saveAccount(acct); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.CollateralMoved{Withdrawal: true, Account: trader, Collateral: id, Amount: new(big.Int).Set(amount), Balance: new(big.Int).Set(balance)})
	return acct.Clone(), nil
}

// OnPositionDelta records a liquidity change on one of the trader's
// positions. Growth must pass the notional caps and initial margin; pure
// reductions only check the available liquidity.
func (e *Engine) OnPositionDelta(caller, trader crypto.Address, ref funding.PositionRef, kappa *big.Int, maturity uint64, delta *big.Int) (*Account, error) {
	if err := e.requireOperator(caller); err != nil {
		return nil, err
	}
	if trader.IsZero() || delta == nil || delta.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	params, err := e.PoolRiskParams(ref.Pool)
	if err != nil {
		return nil, err
	}
	if params == nil || !params.Enabled {
		return nil, ErrPoolDisabled
	}
	now := e.now()
	if maturity != 0 && now >= maturity {
		return nil, ErrPoolMatured
	}
	acct, err := e.loadAccount(trader)
	if err != nil {
		return nil, err
	}
	key := ref.Key()
	pos, exists := acct.Position(key)
	evicted := false
	switch {
	case !exists:
		if delta.Sign() < 0 {
			return nil, ErrNewPositionDelta
		}
		if kappa == nil || kappa.Sign() <= 0 {
			return nil, ErrInvalidParams
		}
		pos = &PositionRisk{Key: key, Pool: ref.Pool, Liquidity: new(big.Int).Set(delta), Kappa: new(big.Int).Set(kappa), Maturity: maturity}
		if err := e.growNotional(acct, pos, pos.Notional(), params); err != nil {
			return nil, err
		}
		acct.insert(pos)
		if err := e.requireInitialMargin(acct, now); err != nil {
			return nil, err
		}
	case delta.Sign() > 0:
		pos.Liquidity.Add(pos.Liquidity, delta)
		if err := e.growNotional(acct, pos, new(big.Int).Mul(delta, pos.Kappa), params); err != nil {
			return nil, err
		}
		if err := e.requireInitialMargin(acct, now); err != nil {
			return nil, err
		}
	default:
		reduce := new(big.Int).Neg(delta)
		if reduce.Cmp(pos.Liquidity) > 0 {
			return nil, ErrInsufficientLiquidity
		}
		pos.Liquidity.Sub(pos.Liquidity, reduce)
		acct.NotionalSum.Sub(acct.NotionalSum, reduce.Mul(reduce, pos.Kappa))
		if acct.NotionalSum.Sign() < 0 {
			acct.NotionalSum.SetInt64(0)
		}
		if pos.Liquidity.Sign() == 0 {
			acct.remove(key)
			evicted = true
		}
	}
	if err := e.saveAccount(acct); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.PositionRisk{
		Trader:      trader,
		Position:    key,
		Pool:        ref.Pool,
		Delta:       new(big.Int).Set(delta),
		Liquidity:   new(big.Int).Set(pos.Liquidity),
		NotionalSum: new(big.Int).Set(acct.NotionalSum),
		Evicted:     evicted,
	})
	return acct.Clone(), nil
}

func (e *Engine) growNotional(acct *Account, pos *PositionRisk, added *big.Int, params *PoolRiskParams) error {
	if pos.Notional().Cmp(params.MaxPositionNotional) > 0 {
		return ErrPositionNotionalCap
	}
	acct.NotionalSum.Add(acct.NotionalSum, added)
	if acct.NotionalSum.Cmp(params.MaxAccountNotional) > 0 {
		return ErrAccountNotionalCap
	}
	return nil
}

// OnFundingAccrued adds a signed liability change to the trader's funding
// debt. It implements funding.LiabilitySink.
func (e *Engine) OnFundingAccrued(caller, trader crypto.Address, delta *big.Int) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	acct, err := e.loadAccount(trader)
	if err != nil {
		return err
	}
	acct.FundingDebt.Add(acct.FundingDebt, delta)
	return e.saveAccount(acct)
}

// Account returns a copy of the trader's ledger. Unknown traders yield an
// empty account.
func (e *Engine) Account(trader crypto.Address) (*Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadAccount(trader)
}

// Accounts lists every trader that has ever held a ledger.
func (e *Engine) Accounts() ([]crypto.Address, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var raw [][]byte
	if err := e.state.KVGetList(accountListKey, &raw); err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(raw))
	for _, addr := range raw {
		out = append(out, decodeAddress(addr))
	}
	return out, nil
}

// InitialMargin sums dv01 * IM bps over positions on enabled pools.
func (e *Engine) InitialMargin(trader crypto.Address, now uint64) (*big.Int, error) {
	acct, err := e.Account(trader)
	if err != nil {
		return nil, err
	}
	im, _, err := e.margins(acct, now)
	return im, err
}

// MaintenanceMargin sums dv01 * MM bps over positions on enabled pools.
func (e *Engine) MaintenanceMargin(trader crypto.Address, now uint64) (*big.Int, error) {
	acct, err := e.Account(trader)
	if err != nil {
		return nil, err
	}
	_, mm, err := e.margins(acct, now)
	return mm, err
}

// CollateralValue sums the haircut value of every enabled collateral balance.
func (e *Engine) CollateralValue(trader crypto.Address) (*big.Int, error) {
	acct, err := e.Account(trader)
	if err != nil {
		return nil, err
	}
	return e.collateralValue(acct)
}

// Equity is collateral value minus funding debt.
func (e *Engine) Equity(trader crypto.Address) (*big.Int, error) {
	acct, err := e.Account(trader)
	if err != nil {
		return nil, err
	}
	return e.equity(acct)
}

// HealthFactor is equity * WAD / maintenance margin, floored at zero, or
// MaxHealthFactor without maintenance margin.
func (e *Engine) HealthFactor(trader crypto.Address, now uint64) (*big.Int, error) {
	acct, err := e.Account(trader)
	if err != nil {
		return nil, err
	}
	return e.healthFactor(acct, now)
}

// RequireInitialMargin fails with ErrInitialMargin when equity < IM.
func (e *Engine) RequireInitialMargin(trader crypto.Address, now uint64) error {
	acct, err := e.Account(trader)
	if err != nil {
		return err
	}
	return e.requireInitialMargin(acct, now)
}

func (e *Engine) margins(acct *Account, now uint64) (*big.Int, *big.Int, error) {
	im, mm := big.NewInt(0), big.NewInt(0)
	params := make(map[[32]byte]*PoolRiskParams)
	for _, pos := range acct.positions {
		p, seen := params[pos.Pool]
		if !seen {
			var err error
			if p, err = e.PoolRiskParams(pos.Pool); err != nil {
				return nil, nil, err
			}
			params[pos.Pool] = p
		}
		if p == nil || !p.Enabled {
			continue
		}
		dv01 := DV01(*pos, p, now)
		im.Add(im, bpsOf(dv01, p.IMBps))
		mm.Add(mm, bpsOf(dv01, p.MMBps))
	}
	return im, mm, nil
}

func (e *Engine) collateralValue(acct *Account) (*big.Int, error) {
	total := big.NewInt(0)
	for id, balance := range acct.Collateral {
		if balance == nil || balance.Sign() <= 0 {
			continue
		}
		cfg, err := e.Collateral(id)
		if errors.Is(err, ErrUnknownCollateral) {
			continue
		}
		if err != nil {
			return nil, err
		}
		total.Add(total, ValueOf(cfg, balance))
	}
	return total, nil
}

func (e *Engine) equity(acct *Account) (*big.Int, error) {
	value, err := e.collateralValue(acct)
	if err != nil {
		return nil, err
	}
	return value.Sub(value, acct.FundingDebt), nil
}

func (e *Engine) healthFactor(acct *Account, now uint64) (*big.Int, error) {
	_, mm, err := e.margins(acct, now)
	if err != nil {
		return nil, err
	}
	if mm.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor), nil
	}
	equity, err := e.equity(acct)
	if err != nil {
		return nil, err
	}
	if equity.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	hf := new(big.Int).Mul(equity, WAD)
	return hf.Quo(hf, mm), nil
}

func (e *Engine) requireInitialMargin(acct *Account, now uint64) error {
	im, _, err := e.margins(acct, now)
	if err != nil {
		return err
	}
	equity, err := e.equity(acct)
	if err != nil {
		return err
	}
	if equity.Cmp(im) < 0 {
		return ErrInitialMargin
	}
	return nil
}

func (e *Engine) loadAccount(trader crypto.Address) (*Account, error) {
	var stored storedAccount
	ok, err := e.state.KVGet(accountKey(trader), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newAccount(trader), nil
	}
	acct, err := stored.decode()
	if err != nil {
		return nil, err
	}
	acct.Trader = trader
	return acct, nil
}

func (e *Engine) saveAccount(acct *Account) error {
	raw := acct.Trader.Raw()
	if err := e.state.KVAppend(accountListKey, raw[:]); err != nil {
		return err
	}
	return e.state.KVPut(accountKey(acct.Trader), newStoredAccount(acct))
}

func accountKey(addr crypto.Address) []byte {
	raw := addr.Raw()
	return append(append([]byte(nil), accountPrefix...), raw[:]...)
}

func collateralKey(id string) []byte {
	return append(append([]byte(nil), collateralPrefix...), id...)
}

func poolParamsKey(pool [32]byte) []byte {
	return append(append([]byte(nil), poolParamsPrefix...), pool[:]...)
}
