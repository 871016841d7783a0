package rateindex

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"

	"irsvenue/core/state"
	"irsvenue/crypto"
	"irsvenue/storage"
)

const wad = 1_000_000_000_000_000_000

func testAddr(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[crypto.AddressLength-1] = b
	raw[0] = 0xaa
	return crypto.NewAddress(crypto.TraderPrefix, raw)
}

type harness struct {
	engine   *Engine
	registry StaticRegistry
	now      uint64
	owner    crypto.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{registry: StaticRegistry{}, now: 1_000, owner: testAddr(1)}
	h.engine = NewEngine(state.NewManager(storage.NewMemDB()), h.registry)
	h.engine.SetClock(func() uint64 { return h.now })
	return h
}

func (h *harness) feed(ref crypto.Address, rate uint64, updated uint64) {
	h.registry.Set(ref, Observation{Rate: uint256.NewInt(rate), Timestamp: updated})
}

func (h *harness) rate(t *testing.T) *uint256.Int {
	t.Helper()
	st, err := h.engine.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return st.RatePerSecond
}

func TestInitializeValidation(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Initialize(h.owner, PPMOne+1, 0, 60, nil); !errors.Is(err, ErrInvalidPPM) {
		t.Fatalf("expected ErrInvalidPPM, got %v", err)
	}
	if err := h.engine.Initialize(h.owner, 0, PPMOne+1, 60, nil); !errors.Is(err, ErrInvalidPPM) {
		t.Fatalf("expected ErrInvalidPPM, got %v", err)
	}
	if err := h.engine.Initialize(h.owner, 1, 1, 60, []crypto.Address{{}}); !errors.Is(err, ErrZeroSource) {
		t.Fatalf("expected ErrZeroSource, got %v", err)
	}
	if err := h.engine.Initialize(h.owner, 1, 1, 60, []crypto.Address{testAddr(9), testAddr(9)}); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("expected ErrDuplicateSource, got %v", err)
	}
	if err := h.engine.Checkpoint(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := h.engine.Initialize(h.owner, 1, 1, 60, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := h.engine.Initialize(h.owner, 1, 1, 60, nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestInitializeSeedsUnclampedMedian(t *testing.T) {
	h := newHarness(t)
	refs := []crypto.Address{testAddr(2), testAddr(3), testAddr(4), testAddr(5)}
	h.feed(refs[0], 40, h.now)
	h.feed(refs[1], 10, h.now)
	h.feed(refs[2], 30, h.now)
	h.feed(refs[3], 20, h.now)
	if err := h.engine.Initialize(h.owner, 100_000, 1_000, 60, refs); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	// Four live sources: the lower middle of 10,20,30,40.
	if got := h.rate(t); !got.Eq(uint256.NewInt(20)) {
		t.Fatalf("expected seed 20, got %s", got.Dec())
	}
}

func TestCheckpointIntegratesAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	src := testAddr(2)
	h.feed(src, 7, h.now)
	if err := h.engine.Initialize(h.owner, 0, 0, 60, []crypto.Address{src}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	h.now += 10
	if err := h.engine.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := h.engine.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	st, _ := h.engine.Snapshot()
	if !st.Cumulative.Eq(uint256.NewInt(70)) {
		t.Fatalf("expected cumulative 70, got %s", st.Cumulative.Dec())
	}
	if st.LastUpdate != h.now {
		t.Fatalf("expected last update %d, got %d", h.now, st.LastUpdate)
	}
}

func TestUpdateExcludesStaleSources(t *testing.T) {
	h := newHarness(t)
	fresh, stale, never := testAddr(2), testAddr(3), testAddr(4)
	h.feed(fresh, 100, h.now)
	h.feed(stale, 900, h.now-61)
	h.feed(never, 500, 0)
	if err := h.engine.Initialize(h.owner, PPMOne, PPMOne, 60, []crypto.Address{fresh, stale, never}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := h.rate(t); !got.Eq(uint256.NewInt(100)) {
		t.Fatalf("expected only the fresh source, got %s", got.Dec())
	}

	// Everything stale: the previous smoothed value is held.
	h.now += 1_000
	rate, err := h.engine.Update()
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !rate.Eq(uint256.NewInt(100)) {
		t.Fatalf("expected held rate 100, got %s", rate.Dec())
	}
}

func TestDeviationClampIsExact(t *testing.T) {
	cases := []struct {
		name   string
		median uint64
		want   uint64
	}{
		{"above band", 2 * wad, wad + wad/10},
		{"below band", wad / 2, wad - wad/10},
		{"inside band", wad + wad/20, wad + wad/20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			src := testAddr(2)
			h.feed(src, wad, h.now)
			// alpha = 100% so the clamped median becomes the new rate verbatim.
			if err := h.engine.Initialize(h.owner, PPMOne, 100_000, 60, []crypto.Address{src}); err != nil {
				t.Fatalf("initialize: %v", err)
			}
			h.now++
			h.feed(src, tc.median, h.now)
			rate, err := h.engine.Update()
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if !rate.Eq(uint256.NewInt(tc.want)) {
				t.Fatalf("expected %d, got %s", tc.want, rate.Dec())
			}
		})
	}
}

func TestSmoothingConverges(t *testing.T) {
	h := newHarness(t)
	src := testAddr(2)
	h.feed(src, 1_000_000_000, h.now)
	if err := h.engine.Initialize(h.owner, 500_000, PPMOne, 60, []crypto.Address{src}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	target := uint256.NewInt(2_000_000_000)
	var rate *uint256.Int
	for i := 0; i < 80; i++ {
		h.now++
		h.feed(src, target.Uint64(), h.now)
		var err error
		if rate, err = h.engine.Update(); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	diff := new(uint256.Int).Sub(target, rate)
	if rate.Gt(target) || diff.Gt(uint256.NewInt(1)) {
		t.Fatalf("rate %s did not converge to %s", rate.Dec(), target.Dec())
	}
}

func TestFrozenAndManualModes(t *testing.T) {
	h := newHarness(t)
	src := testAddr(2)
	h.feed(src, 50, h.now)
	if err := h.engine.Initialize(h.owner, PPMOne, PPMOne, 60, []crypto.Address{src}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := h.engine.SetFreeze(h.owner, true); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	h.now += 10
	h.feed(src, 80, h.now)
	if _, err := h.engine.Update(); err != nil {
		t.Fatalf("update: %v", err)
	}
	st, _ := h.engine.Snapshot()
	if !st.RatePerSecond.Eq(uint256.NewInt(50)) {
		t.Fatalf("frozen rate moved to %s", st.RatePerSecond.Dec())
	}
	if !st.Cumulative.Eq(uint256.NewInt(500)) {
		t.Fatalf("frozen index must still integrate, got %s", st.Cumulative.Dec())
	}

	if err := h.engine.SetFreeze(h.owner, false); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if err := h.engine.SetManualRate(h.owner, uint256.NewInt(3), true); err != nil {
		t.Fatalf("manual: %v", err)
	}
	if err := h.engine.SetRatePerSecond(h.owner, uint256.NewInt(4)); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	h.now += 10
	if _, err := h.engine.Update(); err != nil {
		t.Fatalf("update: %v", err)
	}
	st, _ = h.engine.Snapshot()
	if !st.ManualRate.Eq(uint256.NewInt(4)) || !st.RatePerSecond.Eq(uint256.NewInt(50)) {
		t.Fatalf("manual override should only touch the manual rate: %+v", st)
	}
	if !st.Cumulative.Eq(uint256.NewInt(540)) {
		t.Fatalf("expected manual rate integration to 540, got %s", st.Cumulative.Dec())
	}
}

func TestGovernanceAuthorization(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Initialize(h.owner, 1, 1, 60, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	stranger, controller := testAddr(7), testAddr(8)
	if err := h.engine.SetFreeze(stranger, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.engine.SetController(h.owner, controller); err != nil {
		t.Fatalf("set controller: %v", err)
	}
	if err := h.engine.AddSource(controller, testAddr(3)); err != nil {
		t.Fatalf("controller add source: %v", err)
	}
	if err := h.engine.AddSource(controller, testAddr(3)); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("expected ErrDuplicateSource, got %v", err)
	}
	if err := h.engine.SetController(controller, stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("controller must not rebind itself: %v", err)
	}
	// The owner may rebind the controller at any time.
	if err := h.engine.SetController(h.owner, stranger); err != nil {
		t.Fatalf("rebind controller: %v", err)
	}
	if err := h.engine.RemoveSource(controller, testAddr(3)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old controller should lose access: %v", err)
	}
	if err := h.engine.RemoveSource(stranger, testAddr(4)); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
	if err := h.engine.SetParams(h.owner, PPMOne+1, 0, 0); !errors.Is(err, ErrInvalidPPM) {
		t.Fatalf("expected ErrInvalidPPM, got %v", err)
	}
	st, _ := h.engine.Snapshot()
	if st.Version != 3 {
		t.Fatalf("expected version 3 after three successful mutations, got %d", st.Version)
	}
}

func TestCumulativeIndexIsPureProjection(t *testing.T) {
	h := newHarness(t)
	src := testAddr(2)
	h.feed(src, 9, h.now)
	if err := h.engine.Initialize(h.owner, 0, 0, 60, []crypto.Address{src}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	start := h.now
	h.now += 5
	cum, ts, err := h.engine.CumulativeIndex()
	if err != nil {
		t.Fatalf("cumulative: %v", err)
	}
	if !cum.Eq(uint256.NewInt(45)) || ts != h.now {
		t.Fatalf("unexpected projection %s @ %d", cum.Dec(), ts)
	}
	st, _ := h.engine.Snapshot()
	if st.LastUpdate != start || !st.Cumulative.IsZero() {
		t.Fatalf("projection wrote state: %+v", st)
	}
}

func TestCumulativeIndexMonotonic(t *testing.T) {
	h := newHarness(t)
	src := testAddr(2)
	h.feed(src, wad/1_000, h.now)
	if err := h.engine.Initialize(h.owner, 300_000, 50_000, 120, []crypto.Address{src}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	rng := rand.New(rand.NewSource(42))
	last := new(uint256.Int)
	for i := 0; i < 200; i++ {
		h.now += uint64(rng.Intn(30))
		h.feed(src, uint64(rng.Int63n(wad/100)), h.now)
		var err error
		switch rng.Intn(3) {
		case 0:
			err = h.engine.Checkpoint()
		case 1:
			_, err = h.engine.Update()
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		cum, _, err := h.engine.CumulativeIndex()
		if err != nil {
			t.Fatalf("cumulative: %v", err)
		}
		if cum.Lt(last) {
			t.Fatalf("cumulative index decreased at step %d: %s < %s", i, cum.Dec(), last.Dec())
		}
		last = cum
	}
}
