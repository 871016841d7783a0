package irs

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"irsvenue/core/events"
	"irsvenue/core/state"
	"irsvenue/crypto"
	nativecommon "irsvenue/native/common"
	"irsvenue/native/funding"
	"irsvenue/native/rateindex"
	"irsvenue/native/risk"
	"irsvenue/storage"
)

// ModuleName is the pause key for exposure, trade and funding collection.
const ModuleName = "irs"

var (
	ErrPoolMatured   = errors.New("irs: pool matured")
	ErrUnauthorized  = errors.New("irs: caller not authorized")
	ErrInvalidAmount = errors.New("irs: amount must be positive")
	ErrNoSwapper     = errors.New("irs: swapper not configured")

	errPoolMeta = errors.New("irs: pool metadata missing")
)

var (
	poolMetaPrefix = []byte("irs/venue/pool/")
	quotaPrefix    = []byte("irs/venue/quota/")
)

// Venue owns the state manager and the three engines and runs every public
// call as one atomic transition. Events are buffered per call and released to
// the configured emitter only after commit.
//
// A Settler receives a nested handle onto the same venue. Calls through that
// handle fail with nativecommon.ErrReentrant; calls from other goroutines
// wait for the settlement to finish.
type Venue struct {
	*venueState
	nested bool
}

type venueState struct {
	mu sync.RWMutex

	state    *state.Manager
	feeds    *rateindex.FeedBook
	index    *rateindex.Engine
	funding  *funding.Engine
	risk     *risk.Engine
	operator crypto.Address

	buffer  *events.Buffer
	emitter events.Emitter
	pauses  nativecommon.PauseView
	quota   nativecommon.Quota
	swapper Swapper
	settler Settler
	clock   func() uint64
}

// NewVenue wires the engines over db. operator is the venue's own principal,
// granted operator rights on the risk engine at bootstrap.
func NewVenue(db storage.Database, operator crypto.Address) *Venue {
	mgr := state.NewManager(db)
	s := &venueState{
		state:    mgr,
		feeds:    rateindex.NewFeedBook(mgr),
		risk:     risk.NewEngine(mgr),
		operator: operator,
		buffer:   &events.Buffer{},
		emitter:  events.NoopEmitter{},
		clock:    func() uint64 { return uint64(time.Now().Unix()) },
	}
	s.index = rateindex.NewEngine(mgr, s.feeds)
	s.funding = funding.NewEngine(mgr, s.index, s.risk, operator)
	s.index.SetEmitter(s.buffer)
	s.funding.SetEmitter(s.buffer)
	s.risk.SetEmitter(s.buffer)
	return &Venue{venueState: s}
}

// configure runs fn under the write lock. It is a no-op on a nested handle.
func (v *Venue) configure(fn func()) {
	if v == nil || v.venueState == nil || v.nested {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	fn()
}

// SetEmitter installs the sink that receives committed events.
func (v *Venue) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	v.configure(func() { v.emitter = emitter })
}

func (v *Venue) SetPauses(p nativecommon.PauseView) {
	v.configure(func() {
		v.pauses = p
		v.risk.SetPauses(p)
	})
}

func (v *Venue) SetQuota(q nativecommon.Quota) {
	v.configure(func() { v.quota = q })
}

func (v *Venue) SetSwapper(s Swapper) {
	v.configure(func() { v.swapper = s })
}

func (v *Venue) SetSettler(s Settler) {
	v.configure(func() { v.settler = s })
}

// SetSourceRegistry replaces the feed book as the index's source resolver.
func (v *Venue) SetSourceRegistry(sources rateindex.SourceRegistry) {
	v.configure(func() { v.index.SetSources(sources) })
}

// SetClock overrides the time source for the venue and its engines.
func (v *Venue) SetClock(clock func() uint64) {
	if clock == nil {
		return
	}
	v.configure(func() {
		v.clock = clock
		v.index.SetClock(clock)
		v.risk.SetClock(clock)
	})
}

// Operator returns the venue's principal.
func (v *Venue) Operator() crypto.Address { return v.operator }

// exec serialises a mutating call, runs it atomically and releases its
// events after commit.
func (v *Venue) exec(fn func() error) error {
	if v == nil || v.venueState == nil {
		return fmt.Errorf("irs: venue not configured")
	}
	if v.nested {
		return nativecommon.ErrReentrant
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.state.Atomic(fn); err != nil {
		v.buffer.Discard()
		return err
	}
	v.buffer.Flush(v.emitter)
	return nil
}

// view takes the read lock. A nested handle cannot read: its settlement
// already holds the write lock.
func (v *Venue) view() (func(), error) {
	if v == nil || v.venueState == nil {
		return nil, fmt.Errorf("irs: venue not configured")
	}
	if v.nested {
		return nil, nativecommon.ErrReentrant
	}
	v.mu.RLock()
	return v.mu.RUnlock, nil
}

// Bootstrap initialises the index, binds owner and settlement and applies
// the initial collateral and liquidation configuration.
func (v *Venue) Bootstrap(cfg BootstrapConfig) error {
	return v.exec(func() error {
		idx := cfg.Index
		if err := v.index.Initialize(cfg.Owner, idx.AlphaPPM, idx.MaxDeviationPPM, idx.MaxStaleness, idx.Sources); err != nil {
			return fmt.Errorf("bootstrap index: %w", err)
		}
		if err := v.funding.ConfigureRoles(cfg.Owner, cfg.Settlement); err != nil {
			return fmt.Errorf("bootstrap funding: %w", err)
		}
		if err := v.risk.Initialize(cfg.Owner, v.operator); err != nil {
			return fmt.Errorf("bootstrap risk: %w", err)
		}
		for _, c := range cfg.Collateral {
			if err := v.risk.SetCollateral(cfg.Owner, c); err != nil {
				return fmt.Errorf("bootstrap collateral %s: %w", c.ID, err)
			}
		}
		if cfg.Liquidation != nil {
			if err := v.risk.SetLiquidationParams(cfg.Owner, *cfg.Liquidation); err != nil {
				return fmt.Errorf("bootstrap liquidation: %w", err)
			}
		}
		return nil
	})
}

// Govern runs a governance mutation against the engines atomically. The
// engines enforce their own authorisation on the caller passed to them.
func (v *Venue) Govern(fn func(index *rateindex.Engine, funding *funding.Engine, risk *risk.Engine) error) error {
	if fn == nil {
		return nil
	}
	return v.exec(func() error {
		return fn(v.index, v.funding, v.risk)
	})
}

// InitializePool registers funding and risk state for key. Only the owner
// may call it.
func (v *Venue) InitializePool(caller crypto.Address, key funding.PoolKey, cfg PoolConfig) (*funding.PoolState, error) {
	if cfg.Kappa == nil || cfg.Kappa.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	var out *funding.PoolState
	err := v.exec(func() error {
		owner, err := v.risk.Owner()
		if err != nil {
			return err
		}
		if caller.IsZero() || !caller.Equal(owner) {
			return ErrUnauthorized
		}
		if err := v.index.Checkpoint(); err != nil {
			return err
		}
		id := key.ID()
		pool, err := v.funding.RegisterPool(id, cfg.Maturity, cfg.FixedRatePerSecond)
		if err != nil {
			return err
		}
		if err := v.risk.SetPoolRiskParams(caller, id, cfg.Risk); err != nil {
			return err
		}
		if err := v.state.KVPut(poolMetaKey(id), storedPoolMeta{Kappa: cfg.Kappa.String(), Maturity: cfg.Maturity}); err != nil {
			return err
		}
		v.buffer.Emit(events.PoolInitialized{Pool: id, Maturity: cfg.Maturity, Kappa: new(big.Int).Set(cfg.Kappa), FixedRate: pool.FixedRatePerSecond})
		out = pool
		return nil
	})
	return out, err
}

// PostObservation records a push-style rate reading for reporter.
func (v *Venue) PostObservation(reporter crypto.Address, rate *uint256.Int, updatedAt uint64) error {
	return v.exec(func() error {
		return v.feeds.Post(reporter, rate, updatedAt)
	})
}

// Poke refreshes the index from its sources and accrues the listed pools,
// or every pool when none is given.
func (v *Venue) Poke(pools ...[32]byte) (*uint256.Int, error) {
	var rate *uint256.Int
	err := v.exec(func() error {
		var err error
		if rate, err = v.index.Update(); err != nil {
			return err
		}
		if len(pools) == 0 {
			if pools, err = v.funding.Pools(); err != nil {
				return err
			}
		}
		for _, id := range pools {
			if _, err := v.funding.Accrue(id); err != nil {
				return err
			}
		}
		return nil
	})
	return rate, err
}

// Deposit credits collateral to trader.
func (v *Venue) Deposit(trader crypto.Address, id string, amount *big.Int) (*risk.Account, error) {
	var acct *risk.Account
	err := v.exec(func() error {
		var err error
		acct, err = v.risk.Deposit(trader, id, amount)
		return err
	})
	return acct, err
}

// Withdraw debits collateral subject to initial margin.
func (v *Venue) Withdraw(trader crypto.Address, id string, amount *big.Int) (*risk.Account, error) {
	var acct *risk.Account
	err := v.exec(func() error {
		if err := v.index.Checkpoint(); err != nil {
			return err
		}
		var err error
		acct, err = v.risk.Withdraw(trader, id, amount)
		return err
	})
	return acct, err
}

// Liquidate forwards a permissionless liquidation to the risk engine.
func (v *Venue) Liquidate(req risk.LiquidationRequest) (*risk.LiquidationResult, error) {
	var res *risk.LiquidationResult
	err := v.exec(func() error {
		if err := v.index.Checkpoint(); err != nil {
			return err
		}
		var err error
		res, err = v.risk.Liquidate(req)
		return err
	})
	return res, err
}

func (v *Venue) now() uint64 { return v.clock() }

func (v *Venue) poolMeta(id [32]byte) (*big.Int, uint64, error) {
	var stored storedPoolMeta
	ok, err := v.state.KVGet(poolMetaKey(id), &stored)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, errPoolMeta
	}
	kappa, ok := new(big.Int).SetString(stored.Kappa, 10)
	if !ok {
		return nil, 0, fmt.Errorf("irs: invalid kappa %q", stored.Kappa)
	}
	return kappa, stored.Maturity, nil
}

// consumeQuota charges one action and volume against the trader's epoch.
func (v *Venue) consumeQuota(trader crypto.Address, volume *big.Int) error {
	if !v.quota.Enabled() {
		return nil
	}
	key := quotaKey(trader)
	var stored storedQuota
	if _, err := v.state.KVGet(key, &stored); err != nil {
		return err
	}
	vol := uint64(math.MaxUint64)
	if volume != nil && volume.IsUint64() {
		vol = volume.Uint64()
	}
	prev := nativecommon.QuotaNow{Actions: stored.Actions, Volume: stored.Volume, EpochID: stored.EpochID}
	next, err := nativecommon.CheckQuota(v.quota, v.quota.Epoch(v.now()), prev, 1, vol)
	if err != nil {
		return err
	}
	return v.state.KVPut(key, storedQuota{Actions: next.Actions, Volume: next.Volume, EpochID: next.EpochID})
}

func poolMetaKey(id [32]byte) []byte {
	return append(append([]byte(nil), poolMetaPrefix...), id[:]...)
}

func quotaKey(addr crypto.Address) []byte {
	raw := addr.Raw()
	return append(append([]byte(nil), quotaPrefix...), raw[:]...)
}
