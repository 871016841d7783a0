package common

import (
	"errors"
	"math"
	"testing"
)

func TestCheckQuotaActionLimit(t *testing.T) {
	q := Quota{MaxActionsPerEpoch: 10, EpochSeconds: 60}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Actions != 10 {
		t.Fatalf("unexpected action count: %d", next.Actions)
	}

	denied, err := CheckQuota(q, 1, next, 1, 0)
	if !errors.Is(err, ErrQuotaActionsExceeded) {
		t.Fatalf("expected ErrQuotaActionsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.Actions != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaVolume(t *testing.T) {
	q := Quota{MaxVolumePerEpoch: 1000}
	next, err := CheckQuota(q, 5, QuotaNow{EpochID: 5}, 0, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := CheckQuota(q, 5, next, 0, 1); !errors.Is(err, ErrQuotaVolumeExceeded) {
		t.Fatalf("expected ErrQuotaVolumeExceeded, got %v", err)
	}
	if _, err := CheckQuota(Quota{}, 5, QuotaNow{EpochID: 5, Volume: math.MaxUint64}, 0, 1); !errors.Is(err, ErrQuotaCounterOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestQuotaEpoch(t *testing.T) {
	q := Quota{EpochSeconds: 3600}
	if q.Epoch(7200) != 2 {
		t.Fatalf("unexpected epoch %d", q.Epoch(7200))
	}
	if (Quota{}).Epoch(7200) != 0 {
		t.Fatalf("zero epoch length should map to epoch 0")
	}
	if q.Enabled() {
		t.Fatalf("quota without limits should be disabled")
	}
	if !(Quota{MaxActionsPerEpoch: 1}).Enabled() {
		t.Fatalf("quota with an action limit should be enabled")
	}
}
