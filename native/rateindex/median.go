package rateindex

import "github.com/holiman/uint256"

// median sorts rates in place and returns the middle element. Even counts take
// the lower middle. An empty input yields nil.
func median(rates []*uint256.Int) *uint256.Int {
	if len(rates) == 0 {
		return nil
	}
	for i := 1; i < len(rates); i++ {
		v := rates[i]
		j := i - 1
		for j >= 0 && rates[j].Gt(v) {
			rates[j+1] = rates[j]
			j--
		}
		rates[j+1] = v
	}
	return rates[(len(rates)-1)/2].Clone()
}

// clampToBand limits candidate to prev*(1 +- maxDevPPM/1e6). A zero prev
// disables the band.
func clampToBand(candidate, prev *uint256.Int, maxDevPPM uint32) *uint256.Int {
	if prev == nil || prev.IsZero() {
		return candidate.Clone()
	}
	band, overflow := new(uint256.Int).MulDivOverflow(prev, uint256.NewInt(uint64(maxDevPPM)), ppmOne)
	if overflow {
		return candidate.Clone()
	}
	upper, overflow := new(uint256.Int).AddOverflow(prev, band)
	if !overflow && candidate.Gt(upper) {
		return upper
	}
	lower := new(uint256.Int).Sub(prev, band)
	if candidate.Lt(lower) {
		return lower
	}
	return candidate.Clone()
}

// smooth applies new = (alpha*m + (1e6-alpha)*prev) / 1e6. Rates near the
// top of the range fall back to dividing each term separately.
func smooth(m, prev *uint256.Int, alphaPPM uint32) *uint256.Int {
	alpha := uint256.NewInt(uint64(alphaPPM))
	rest := uint256.NewInt(uint64(PPMOne - alphaPPM))
	head, o1 := new(uint256.Int).MulOverflow(m, alpha)
	tail, o2 := new(uint256.Int).MulOverflow(prev, rest)
	if !o1 && !o2 {
		if sum, o3 := new(uint256.Int).AddOverflow(head, tail); !o3 {
			return sum.Div(sum, ppmOne)
		}
	}
	weighted, _ := new(uint256.Int).MulDivOverflow(m, alpha, ppmOne)
	carried, _ := new(uint256.Int).MulDivOverflow(prev, rest, ppmOne)
	return weighted.Add(weighted, carried)
}
