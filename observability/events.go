package observability

import (
	"irsvenue/core/events"
)

// EventMetrics is an events.Emitter that feeds committed venue events into
// the venue metrics registry.
type EventMetrics struct {
	metrics *VenueMetrics
}

// NewEventMetrics binds the sink to the process-wide venue registry.
func NewEventMetrics() *EventMetrics {
	return &EventMetrics{metrics: Venue()}
}

// Emit implements events.Emitter.
func (s *EventMetrics) Emit(evt events.Event) {
	if s == nil || s.metrics == nil || evt == nil {
		return
	}
	switch e := evt.(type) {
	case events.RateIndexUpdated:
		s.metrics.RecordIndex(e.RatePerSecond, e.Cumulative, e.LiveSources)
	case events.FundingAccrued:
		s.metrics.RecordAccrual(events.IDString(e.Pool))
	case events.PoolMatured:
		s.metrics.RecordMatured()
	case events.CollateralMoved:
		s.metrics.RecordCollateral(e.Collateral, e.Withdrawal)
	case events.Liquidation:
		s.metrics.RecordLiquidation(e.Repaid)
		for _, seizure := range e.Seizures {
			recipient := "liquidator"
			if seizure.Insurance {
				recipient = "insurance"
			}
			s.metrics.RecordSeizure(seizure.Collateral, recipient, seizure.Amount)
		}
	case events.BadDebt:
		s.metrics.RecordBadDebt()
	}
}
