package rateindex

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"irsvenue/core/state"
	"irsvenue/crypto"
	"irsvenue/storage"
)

func TestFeedBookDrivesIndex(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	book := NewFeedBook(mgr)
	engine := NewEngine(mgr, book)
	now := uint64(5_000)
	engine.SetClock(func() uint64 { return now })

	a, b, c := testAddr(2), testAddr(3), testAddr(4)
	for i, ref := range []crypto.Address{a, b, c} {
		if err := book.Post(ref, uint256.NewInt(uint64(100*(i+1))), now); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	if err := engine.Initialize(testAddr(1), PPMOne, PPMOne, 30, []crypto.Address{a, b, c}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	st, _ := engine.Snapshot()
	if !st.RatePerSecond.Eq(uint256.NewInt(200)) {
		t.Fatalf("expected median 200, got %s", st.RatePerSecond.Dec())
	}

	if err := book.Post(a, uint256.NewInt(1), now-1); !errors.Is(err, ErrStaleObservation) {
		t.Fatalf("expected ErrStaleObservation, got %v", err)
	}
	if err := book.Post(crypto.Address{}, uint256.NewInt(1), now); !errors.Is(err, ErrZeroSource) {
		t.Fatalf("expected ErrZeroSource, got %v", err)
	}
	if _, ok := book.Source(testAddr(9)); ok {
		t.Fatalf("unknown reporter should not resolve")
	}

	now += 31
	if err := book.Post(c, uint256.NewInt(350), now); err != nil {
		t.Fatalf("post: %v", err)
	}
	rate, err := engine.Update()
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	// Only c is live; the band around 200 is +-100%.
	if !rate.Eq(uint256.NewInt(350)) {
		t.Fatalf("expected 350 from the single live feed, got %s", rate.Dec())
	}
}

func TestMedianHelpers(t *testing.T) {
	if median(nil) != nil {
		t.Fatalf("empty median must be nil")
	}
	odd := []*uint256.Int{uint256.NewInt(9), uint256.NewInt(1), uint256.NewInt(5)}
	if got := median(odd); !got.Eq(uint256.NewInt(5)) {
		t.Fatalf("odd median: %s", got.Dec())
	}
	even := []*uint256.Int{uint256.NewInt(8), uint256.NewInt(2), uint256.NewInt(6), uint256.NewInt(4)}
	if got := median(even); !got.Eq(uint256.NewInt(4)) {
		t.Fatalf("even median should take the lower middle: %s", got.Dec())
	}
	if got := clampToBand(uint256.NewInt(1_000), new(uint256.Int), 1); !got.Eq(uint256.NewInt(1_000)) {
		t.Fatalf("zero prev must not clamp: %s", got.Dec())
	}
	if got := smooth(uint256.NewInt(100), uint256.NewInt(0), 250_000); !got.Eq(uint256.NewInt(25)) {
		t.Fatalf("smooth: %s", got.Dec())
	}
}
