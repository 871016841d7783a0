package rateindex

import (
	"fmt"

	"github.com/holiman/uint256"

	"irsvenue/crypto"
)

// PPMOne is the unit for alpha and deviation parameters (100%).
const PPMOne = 1_000_000

var ppmOne = uint256.NewInt(PPMOne)

// Source is a single external rate observation feed. UpdatedAt returns zero
// when the feed has never reported.
type Source interface {
	RatePerSecond() *uint256.Int
	UpdatedAt() uint64
}

// SourceRegistry resolves registered source references to live feeds.
type SourceRegistry interface {
	Source(ref crypto.Address) (Source, bool)
}

// Observation is a point-in-time reading that satisfies Source.
type Observation struct {
	Rate      *uint256.Int
	Timestamp uint64
}

// RatePerSecond implements Source.
func (o Observation) RatePerSecond() *uint256.Int {
	if o.Rate == nil {
		return new(uint256.Int)
	}
	return o.Rate.Clone()
}

// UpdatedAt implements Source.
func (o Observation) UpdatedAt() uint64 { return o.Timestamp }

// State is the decoded rate index.
type State struct {
	Initialized     bool
	RatePerSecond   *uint256.Int
	LastUpdate      uint64
	Cumulative      *uint256.Int
	AlphaPPM        uint32
	MaxDeviationPPM uint32
	MaxStaleness    uint64
	Frozen          bool
	UseManualRate   bool
	ManualRate      *uint256.Int
	Sources         []crypto.Address
	Version         uint64
	Owner           crypto.Address
	Controller      crypto.Address
}

// Clone returns a deep copy suitable for handing to read-only callers.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.RatePerSecond = cloneInt(s.RatePerSecond)
	out.Cumulative = cloneInt(s.Cumulative)
	out.ManualRate = cloneInt(s.ManualRate)
	out.Sources = append([]crypto.Address(nil), s.Sources...)
	return &out
}

// EffectiveRate is the rate integrated by checkpoints.
func (s *State) EffectiveRate() *uint256.Int {
	if s.UseManualRate {
		return cloneInt(s.ManualRate)
	}
	return cloneInt(s.RatePerSecond)
}

func (s *State) sourceIndex(ref crypto.Address) int {
	for i, existing := range s.Sources {
		if existing.Equal(ref) {
			return i
		}
	}
	return -1
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

// storedState is the RLP layout persisted in state.
type storedState struct {
	Initialized     bool
	RatePerSecond   string
	LastUpdate      uint64
	Cumulative      string
	AlphaPPM        uint32
	MaxDeviationPPM uint32
	MaxStaleness    uint64
	Frozen          bool
	UseManualRate   bool
	ManualRate      string
	Sources         [][]byte
	Version         uint64
	Owner           []byte
	Controller      []byte
}

func newStoredState(s *State) storedState {
	out := storedState{
		Initialized:     s.Initialized,
		RatePerSecond:   cloneInt(s.RatePerSecond).Dec(),
		LastUpdate:      s.LastUpdate,
		Cumulative:      cloneInt(s.Cumulative).Dec(),
		AlphaPPM:        s.AlphaPPM,
		MaxDeviationPPM: s.MaxDeviationPPM,
		MaxStaleness:    s.MaxStaleness,
		Frozen:          s.Frozen,
		UseManualRate:   s.UseManualRate,
		ManualRate:      cloneInt(s.ManualRate).Dec(),
		Version:         s.Version,
		Owner:           append([]byte(nil), s.Owner.Bytes()...),
		Controller:      append([]byte(nil), s.Controller.Bytes()...),
	}
	for _, src := range s.Sources {
		out.Sources = append(out.Sources, append([]byte(nil), src.Bytes()...))
	}
	return out
}

func (s storedState) decode() (*State, error) {
	rate, err := parseUint(s.RatePerSecond)
	if err != nil {
		return nil, fmt.Errorf("rate: %w", err)
	}
	cumulative, err := parseUint(s.Cumulative)
	if err != nil {
		return nil, fmt.Errorf("cumulative: %w", err)
	}
	manual, err := parseUint(s.ManualRate)
	if err != nil {
		return nil, fmt.Errorf("manual rate: %w", err)
	}
	out := &State{
		Initialized:     s.Initialized,
		RatePerSecond:   rate,
		LastUpdate:      s.LastUpdate,
		Cumulative:      cumulative,
		AlphaPPM:        s.AlphaPPM,
		MaxDeviationPPM: s.MaxDeviationPPM,
		MaxStaleness:    s.MaxStaleness,
		Frozen:          s.Frozen,
		UseManualRate:   s.UseManualRate,
		ManualRate:      manual,
		Version:         s.Version,
		Owner:           decodeAddress(s.Owner),
		Controller:      decodeAddress(s.Controller),
	}
	for _, raw := range s.Sources {
		out.Sources = append(out.Sources, decodeAddress(raw))
	}
	return out, nil
}

func parseUint(v string) (*uint256.Int, error) {
	if v == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(v)
}

func decodeAddress(raw []byte) crypto.Address {
	if len(raw) != crypto.AddressLength {
		return crypto.Address{}
	}
	return crypto.NewAddress(crypto.TraderPrefix, raw)
}
