package rateindex

import (
	"errors"

	"github.com/holiman/uint256"

	"irsvenue/crypto"
)

var (
	ErrStaleObservation = errors.New("rate index: observation older than the stored one")
	errNilRate          = errors.New("rate index: observation rate missing")
)

var feedPrefix = []byte("irs/index/feed/")

func feedKey(reporter crypto.Address) []byte {
	raw := reporter.Bytes()
	buf := make([]byte, len(feedPrefix)+len(raw))
	copy(buf, feedPrefix)
	copy(buf[len(feedPrefix):], raw)
	return buf
}

type storedObservation struct {
	Rate      string
	Timestamp uint64
}

// FeedBook persists push-style observations. Each reporter address doubles as
// the source reference registered with the index.
type FeedBook struct {
	state engineState
}

// NewFeedBook constructs a feed book over the supplied state.
func NewFeedBook(state engineState) *FeedBook {
	return &FeedBook{state: state}
}

// Post records a reporter's latest reading. Readings must not go back in time.
func (b *FeedBook) Post(reporter crypto.Address, rate *uint256.Int, updatedAt uint64) error {
	if b == nil || b.state == nil {
		return errNilState
	}
	if reporter.IsZero() {
		return ErrZeroSource
	}
	if rate == nil {
		return errNilRate
	}
	if prev, ok, err := b.Latest(reporter); err != nil {
		return err
	} else if ok && updatedAt < prev.Timestamp {
		return ErrStaleObservation
	}
	return b.state.KVPut(feedKey(reporter), storedObservation{Rate: rate.Dec(), Timestamp: updatedAt})
}

// Latest returns the stored observation for reporter.
func (b *FeedBook) Latest(reporter crypto.Address) (Observation, bool, error) {
	if b == nil || b.state == nil {
		return Observation{}, false, errNilState
	}
	var stored storedObservation
	ok, err := b.state.KVGet(feedKey(reporter), &stored)
	if err != nil || !ok {
		return Observation{}, false, err
	}
	rate, err := parseUint(stored.Rate)
	if err != nil {
		return Observation{}, false, err
	}
	return Observation{Rate: rate, Timestamp: stored.Timestamp}, true, nil
}

// Source implements SourceRegistry. Read failures surface as a missing feed,
// which the index treats as not live.
func (b *FeedBook) Source(ref crypto.Address) (Source, bool) {
	obs, ok, err := b.Latest(ref)
	if err != nil || !ok {
		return nil, false
	}
	return obs, true
}

// StaticRegistry is an in-memory SourceRegistry.
type StaticRegistry map[[crypto.AddressLength]byte]Source

// Set installs src under ref.
func (r StaticRegistry) Set(ref crypto.Address, src Source) {
	r[ref.Raw()] = src
}

// Source implements SourceRegistry.
func (r StaticRegistry) Source(ref crypto.Address) (Source, bool) {
	src, ok := r[ref.Raw()]
	return src, ok
}
