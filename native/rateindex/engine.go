package rateindex

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"irsvenue/core/events"
	"irsvenue/crypto"
)

var (
	ErrInvalidPPM         = errors.New("rate index: ppm value exceeds 1,000,000")
	ErrZeroSource         = errors.New("rate index: source address is zero")
	ErrDuplicateSource    = errors.New("rate index: source already registered")
	ErrUnknownSource      = errors.New("rate index: source not registered")
	ErrUnauthorized       = errors.New("rate index: caller not authorized")
	ErrAlreadyInitialized = errors.New("rate index: already initialized")
	ErrNotInitialized     = errors.New("rate index: not initialized")
	ErrZeroOwner          = errors.New("rate index: owner address is zero")

	errNilState = errors.New("rate index: state not configured")
	errOverflow = errors.New("rate index: cumulative overflow")
)

var stateKey = []byte("irs/index/state")

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Engine maintains the smoothed floating rate and its time integral.
type Engine struct {
	state   engineState
	sources SourceRegistry
	emitter events.Emitter
	now     func() uint64
}

// NewEngine wires the index to its persistence layer and source registry.
func NewEngine(state engineState, sources SourceRegistry) *Engine {
	return &Engine{
		state:   state,
		sources: sources,
		emitter: events.NoopEmitter{},
		now:     func() uint64 { return uint64(time.Now().Unix()) },
	}
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

// SetClock overrides the timestamp source (unix seconds).
func (e *Engine) SetClock(now func() uint64) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// SetSources swaps the source registry.
func (e *Engine) SetSources(sources SourceRegistry) {
	if e == nil {
		return
	}
	e.sources = sources
}

func (e *Engine) load() (*State, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var stored storedState
	ok, err := e.state.KVGet(stateKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok || !stored.Initialized {
		return nil, ErrNotInitialized
	}
	return stored.decode()
}

func (e *Engine) save(st *State) error {
	return e.state.KVPut(stateKey, newStoredState(st))
}

// Initialize configures the index and seeds the rate from the live sources.
func (e *Engine) Initialize(admin crypto.Address, alphaPPM, maxDeviationPPM uint32, maxStaleness uint64, sources []crypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if alphaPPM > PPMOne || maxDeviationPPM > PPMOne {
		return ErrInvalidPPM
	}
	if admin.IsZero() {
		return ErrZeroOwner
	}
	var existing storedState
	ok, err := e.state.KVGet(stateKey, &existing)
	if err != nil {
		return err
	}
	if ok && existing.Initialized {
		return ErrAlreadyInitialized
	}
	st := &State{
		Initialized:     true,
		RatePerSecond:   new(uint256.Int),
		Cumulative:      new(uint256.Int),
		ManualRate:      new(uint256.Int),
		AlphaPPM:        alphaPPM,
		MaxDeviationPPM: maxDeviationPPM,
		MaxStaleness:    maxStaleness,
		LastUpdate:      e.now(),
		Owner:           admin,
	}
	for _, ref := range sources {
		if ref.IsZero() {
			return ErrZeroSource
		}
		if st.sourceIndex(ref) >= 0 {
			return ErrDuplicateSource
		}
		st.Sources = append(st.Sources, ref)
	}
	seed, live := e.guardedMedian(st, st.LastUpdate)
	st.RatePerSecond = seed
	if err := e.save(st); err != nil {
		return err
	}
	e.emitter.Emit(events.RateIndexUpdated{
		RatePerSecond: seed.ToBig(),
		Median:        seed.ToBig(),
		Cumulative:    st.Cumulative.ToBig(),
		LiveSources:   live,
		Timestamp:     st.LastUpdate,
	})
	return nil
}

// checkpoint integrates the effective rate up to now.
func checkpoint(st *State, now uint64) error {
	if now <= st.LastUpdate {
		return nil
	}
	elapsed := uint256.NewInt(now - st.LastUpdate)
	accrued, overflow := new(uint256.Int).MulOverflow(st.EffectiveRate(), elapsed)
	if overflow {
		return errOverflow
	}
	next, overflow := new(uint256.Int).AddOverflow(st.Cumulative, accrued)
	if overflow {
		return errOverflow
	}
	st.Cumulative = next
	st.LastUpdate = now
	return nil
}

// Checkpoint advances the cumulative index to the current time.
func (e *Engine) Checkpoint() error {
	st, err := e.load()
	if err != nil {
		return err
	}
	before := st.LastUpdate
	if err := checkpoint(st, e.now()); err != nil {
		return err
	}
	if st.LastUpdate == before {
		return nil
	}
	return e.save(st)
}

// Update checkpoints and, unless frozen or in manual mode, folds the guarded
// median of live sources into the smoothed rate. It returns the rate in
// effect after the call.
func (e *Engine) Update() (*uint256.Int, error) {
	st, err := e.load()
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := checkpoint(st, now); err != nil {
		return nil, err
	}
	if st.Frozen || st.UseManualRate {
		if err := e.save(st); err != nil {
			return nil, err
		}
		return st.EffectiveRate(), nil
	}
	prev := st.RatePerSecond
	med, live := e.guardedMedian(st, now)
	clamped := clampToBand(med, prev, st.MaxDeviationPPM)
	st.RatePerSecond = smooth(clamped, prev, st.AlphaPPM)
	if err := e.save(st); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.RateIndexUpdated{
		RatePerSecond: st.RatePerSecond.ToBig(),
		Median:        med.ToBig(),
		Cumulative:    st.Cumulative.ToBig(),
		LiveSources:   live,
		Timestamp:     now,
	})
	return st.RatePerSecond.Clone(), nil
}

// guardedMedian returns the median of live sources, or the current smoothed
// rate when nothing is live.
func (e *Engine) guardedMedian(st *State, now uint64) (*uint256.Int, int) {
	rates := make([]*uint256.Int, 0, len(st.Sources))
	if e.sources != nil {
		for _, ref := range st.Sources {
			src, ok := e.sources.Source(ref)
			if !ok || src == nil {
				continue
			}
			updated := src.UpdatedAt()
			if updated == 0 {
				continue
			}
			if updated < now && now-updated > st.MaxStaleness {
				continue
			}
			rate := src.RatePerSecond()
			if rate == nil {
				continue
			}
			rates = append(rates, rate)
		}
	}
	if len(rates) == 0 {
		return cloneInt(st.RatePerSecond), 0
	}
	return median(rates), len(rates)
}

// CumulativeIndex projects the cumulative index to the current time without
// writing state.
func (e *Engine) CumulativeIndex() (*uint256.Int, uint64, error) {
	st, err := e.load()
	if err != nil {
		return nil, 0, err
	}
	now := e.now()
	if err := checkpoint(st, now); err != nil {
		return nil, 0, err
	}
	if now < st.LastUpdate {
		now = st.LastUpdate
	}
	return st.Cumulative, now, nil
}

// Snapshot returns a copy of the persisted state.
func (e *Engine) Snapshot() (*State, error) {
	st, err := e.load()
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

func authorized(st *State, caller crypto.Address) bool {
	if caller.IsZero() {
		return false
	}
	return caller.Equal(st.Owner) || (!st.Controller.IsZero() && caller.Equal(st.Controller))
}

// mutate runs a governance change: authorize, checkpoint, apply, bump the
// version and persist.
func (e *Engine) mutate(caller crypto.Address, ownerOnly bool, action string, apply func(st *State) (string, error)) error {
	st, err := e.load()
	if err != nil {
		return err
	}
	if ownerOnly {
		if caller.IsZero() || !caller.Equal(st.Owner) {
			return ErrUnauthorized
		}
	} else if !authorized(st, caller) {
		return ErrUnauthorized
	}
	if err := checkpoint(st, e.now()); err != nil {
		return err
	}
	detail, err := apply(st)
	if err != nil {
		return err
	}
	st.Version++
	if err := e.save(st); err != nil {
		return err
	}
	e.emitter.Emit(events.RateIndexConfigured{Action: action, Caller: caller, Detail: detail, Version: st.Version})
	return nil
}

// SetRatePerSecond writes the manual rate when manual mode is active and
// otherwise force-overwrites the smoothed rate.
func (e *Engine) SetRatePerSecond(caller crypto.Address, value *uint256.Int) error {
	return e.mutate(caller, false, "set_rate", func(st *State) (string, error) {
		v := cloneInt(value)
		if st.UseManualRate {
			st.ManualRate = v
			return "manual=" + v.Dec(), nil
		}
		st.RatePerSecond = v
		return "smoothed=" + v.Dec(), nil
	})
}

// SetManualRate stores the manual override and toggles manual mode.
func (e *Engine) SetManualRate(caller crypto.Address, value *uint256.Int, enable bool) error {
	return e.mutate(caller, false, "set_manual_rate", func(st *State) (string, error) {
		st.ManualRate = cloneInt(value)
		st.UseManualRate = enable
		return fmt.Sprintf("rate=%s enabled=%t", st.ManualRate.Dec(), enable), nil
	})
}

// SetFreeze pins the smoothed rate; checkpoints keep integrating it.
func (e *Engine) SetFreeze(caller crypto.Address, frozen bool) error {
	return e.mutate(caller, false, "set_freeze", func(st *State) (string, error) {
		st.Frozen = frozen
		return fmt.Sprintf("frozen=%t", frozen), nil
	})
}

// AddSource registers a feed reference.
func (e *Engine) AddSource(caller, ref crypto.Address) error {
	return e.mutate(caller, false, "add_source", func(st *State) (string, error) {
		if ref.IsZero() {
			return "", ErrZeroSource
		}
		if st.sourceIndex(ref) >= 0 {
			return "", ErrDuplicateSource
		}
		st.Sources = append(st.Sources, ref)
		return ref.String(), nil
	})
}

// RemoveSource unregisters a feed reference, preserving the order of the rest.
func (e *Engine) RemoveSource(caller, ref crypto.Address) error {
	return e.mutate(caller, false, "remove_source", func(st *State) (string, error) {
		idx := st.sourceIndex(ref)
		if idx < 0 {
			return "", ErrUnknownSource
		}
		st.Sources = append(st.Sources[:idx], st.Sources[idx+1:]...)
		return ref.String(), nil
	})
}

// SetParams replaces the smoothing, deviation and staleness parameters.
func (e *Engine) SetParams(caller crypto.Address, alphaPPM, maxDeviationPPM uint32, maxStaleness uint64) error {
	if alphaPPM > PPMOne || maxDeviationPPM > PPMOne {
		return ErrInvalidPPM
	}
	return e.mutate(caller, false, "set_params", func(st *State) (string, error) {
		st.AlphaPPM = alphaPPM
		st.MaxDeviationPPM = maxDeviationPPM
		st.MaxStaleness = maxStaleness
		return fmt.Sprintf("alpha=%d maxDeviation=%d maxStaleness=%d", alphaPPM, maxDeviationPPM, maxStaleness), nil
	})
}

// SetController binds the secondary governance principal. The owner may
// rebind it at any time; whoever holds the owner key controls this binding.
func (e *Engine) SetController(caller, controller crypto.Address) error {
	return e.mutate(caller, true, "set_controller", func(st *State) (string, error) {
		st.Controller = controller
		return controller.String(), nil
	})
}

// TransferOwnership hands the owner role to next.
func (e *Engine) TransferOwnership(caller, next crypto.Address) error {
	return e.mutate(caller, true, "transfer_ownership", func(st *State) (string, error) {
		if next.IsZero() {
			return "", ErrZeroOwner
		}
		st.Owner = next
		return next.String(), nil
	})
}
