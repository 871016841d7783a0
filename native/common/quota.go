package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaActionsExceeded = errors.New("quota actions exceeded")
	ErrQuotaVolumeExceeded  = errors.New("quota volume cap exceeded")
	ErrQuotaCounterOverflow = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for a trader.
type QuotaNow struct {
	Actions uint32
	Volume  uint64
	EpochID uint64
}

// Quota defines the limits enforced on gated actions per trader and epoch.
// Zero values disable the corresponding limit.
type Quota struct {
	MaxActionsPerEpoch uint32
	MaxVolumePerEpoch  uint64
	EpochSeconds       uint32
}

// Epoch maps a timestamp onto the quota epoch. A zero epoch length collapses
// everything into epoch zero.
func (q Quota) Epoch(now uint64) uint64 {
	if q.EpochSeconds == 0 {
		return 0
	}
	return now / uint64(q.EpochSeconds)
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxActionsPerEpoch > 0 || q.MaxVolumePerEpoch > 0
}

// CheckQuota verifies whether the additional actions and volume fit within the
// configured quota. The returned QuotaNow reflects the updated counters when the
// quota is not exceeded; on denial prev is returned unchanged.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addActions uint32, addVolume uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addActions > 0 {
		if next.Actions > math.MaxUint32-addActions {
			return prev, ErrQuotaCounterOverflow
		}
		next.Actions += addActions
	}
	if q.MaxActionsPerEpoch > 0 && next.Actions > q.MaxActionsPerEpoch {
		return prev, ErrQuotaActionsExceeded
	}

	if addVolume > 0 {
		if next.Volume > math.MaxUint64-addVolume {
			return prev, ErrQuotaCounterOverflow
		}
		next.Volume += addVolume
	}
	if q.MaxVolumePerEpoch > 0 && next.Volume > q.MaxVolumePerEpoch {
		return prev, ErrQuotaVolumeExceeded
	}

	return next, nil
}
