package server

import (
	"math/big"
	"sort"

	"github.com/holiman/uint256"

	"irsvenue/core/events"
	"irsvenue/crypto"
	"irsvenue/native/funding"
	"irsvenue/native/irs"
	"irsvenue/native/risk"
)

// Big integers are rendered as decimal strings throughout.

type indexView struct {
	Initialized     bool     `json:"initialized"`
	RatePerSecond   string   `json:"ratePerSecond"`
	EffectiveRate   string   `json:"effectiveRate"`
	ManualRate      string   `json:"manualRate"`
	UseManualRate   bool     `json:"useManualRate"`
	Frozen          bool     `json:"frozen"`
	LastUpdate      uint64   `json:"lastUpdate"`
	Cumulative      string   `json:"cumulative"`
	CumulativeAt    uint64   `json:"cumulativeAt"`
	AlphaPPM        uint32   `json:"alphaPpm"`
	MaxDeviationPPM uint32   `json:"maxDeviationPpm"`
	MaxStaleness    uint64   `json:"maxStalenessSeconds"`
	Sources         []string `json:"sources"`
	Version         uint64   `json:"version"`
	Owner           string   `json:"owner,omitempty"`
	Controller      string   `json:"controller,omitempty"`
}

func renderIndex(v *irs.IndexView) indexView {
	st := v.State
	out := indexView{
		Initialized:     st.Initialized,
		RatePerSecond:   u256(st.RatePerSecond),
		EffectiveRate:   u256(st.EffectiveRate()),
		ManualRate:      u256(st.ManualRate),
		UseManualRate:   st.UseManualRate,
		Frozen:          st.Frozen,
		LastUpdate:      st.LastUpdate,
		Cumulative:      u256(v.Cumulative),
		CumulativeAt:    v.Timestamp,
		AlphaPPM:        st.AlphaPPM,
		MaxDeviationPPM: st.MaxDeviationPPM,
		MaxStaleness:    st.MaxStaleness,
		Version:         st.Version,
		Owner:           addr(st.Owner),
		Controller:      addr(st.Controller),
		Sources:         make([]string, 0, len(st.Sources)),
	}
	for _, src := range st.Sources {
		out.Sources = append(out.Sources, src.String())
	}
	return out
}

type poolRiskView struct {
	IMBps               uint64 `json:"imBps"`
	MMBps               uint64 `json:"mmBps"`
	DurationFactor      string `json:"durationFactor"`
	MaxPositionNotional string `json:"maxPositionNotional"`
	MaxAccountNotional  string `json:"maxAccountNotional"`
	Enabled             bool   `json:"enabled"`
}

type poolView struct {
	ID                 string        `json:"id"`
	Maturity           uint64        `json:"maturity"`
	LastCheckpoint     uint64        `json:"lastCheckpoint"`
	LastCumulative     string        `json:"lastCumulative"`
	GrowthGlobal       string        `json:"growthGlobalX128"`
	TotalLiquidity     string        `json:"totalLiquidity"`
	FixedRatePerSecond string        `json:"fixedRatePerSecond"`
	Frozen             bool          `json:"frozen"`
	Kappa              string        `json:"kappa"`
	Risk               *poolRiskView `json:"risk,omitempty"`
}

func renderPool(v *irs.PoolView) poolView {
	p := v.Funding
	out := poolView{
		ID:                 events.IDString(p.ID),
		Maturity:           p.Maturity,
		LastCheckpoint:     p.LastCheckpoint,
		LastCumulative:     num(p.LastCumulative),
		GrowthGlobal:       num(p.GrowthGlobal),
		TotalLiquidity:     num(p.TotalLiquidity),
		FixedRatePerSecond: num(p.FixedRatePerSecond),
		Frozen:             p.Frozen,
		Kappa:              num(v.Kappa),
	}
	if r := v.Risk; r != nil {
		out.Risk = &poolRiskView{
			IMBps:               r.IMBps,
			MMBps:               r.MMBps,
			DurationFactor:      num(r.DurationFactor),
			MaxPositionNotional: num(r.MaxPositionNotional),
			MaxAccountNotional:  num(r.MaxAccountNotional),
			Enabled:             r.Enabled,
		}
	}
	return out
}

type positionRiskView struct {
	Key       string `json:"key"`
	Pool      string `json:"pool"`
	Liquidity string `json:"liquidity"`
	Kappa     string `json:"kappa"`
	Notional  string `json:"notional"`
	Maturity  uint64 `json:"maturity"`
}

type accountView struct {
	Trader      string             `json:"trader"`
	Collateral  map[string]string  `json:"collateral"`
	FundingDebt string             `json:"fundingDebt"`
	NotionalSum string             `json:"notionalSum"`
	Positions   []positionRiskView `json:"positions"`
}

func renderAccount(a *risk.Account) accountView {
	out := accountView{
		Trader:      a.Trader.String(),
		Collateral:  make(map[string]string, len(a.Collateral)),
		FundingDebt: num(a.FundingDebt),
		NotionalSum: num(a.NotionalSum),
		Positions:   []positionRiskView{},
	}
	for id, bal := range a.Collateral {
		out.Collateral[id] = num(bal)
	}
	for _, p := range a.Positions() {
		out.Positions = append(out.Positions, positionRiskView{
			Key:       events.IDString(p.Key),
			Pool:      events.IDString(p.Pool),
			Liquidity: num(p.Liquidity),
			Kappa:     num(p.Kappa),
			Notional:  num(p.Notional()),
			Maturity:  p.Maturity,
		})
	}
	return out
}

type healthView struct {
	Trader            string `json:"trader"`
	CollateralValue   string `json:"collateralValue"`
	FundingDebt       string `json:"fundingDebt"`
	Equity            string `json:"equity"`
	InitialMargin     string `json:"initialMargin"`
	MaintenanceMargin string `json:"maintenanceMargin"`
	HealthFactor      string `json:"healthFactor"`
	Liquidatable      bool   `json:"liquidatable"`
}

func renderHealth(h *irs.Health) healthView {
	return healthView{
		Trader:            h.Trader.String(),
		CollateralValue:   num(h.CollateralValue),
		FundingDebt:       num(h.FundingDebt),
		Equity:            num(h.Equity),
		InitialMargin:     num(h.InitialMargin),
		MaintenanceMargin: num(h.MaintenanceMargin),
		HealthFactor:      num(h.HealthFactor),
		Liquidatable:      h.Liquidatable,
	}
}

type positionView struct {
	Key            string `json:"key"`
	Owner          string `json:"owner"`
	Pool           string `json:"pool"`
	TickLower      int32  `json:"tickLower"`
	TickUpper      int32  `json:"tickUpper"`
	Salt           string `json:"salt"`
	Liquidity      string `json:"liquidity"`
	GrowthSnapshot string `json:"growthSnapshotX128"`
	Owed           string `json:"owed"`
}

func renderPosition(p *funding.Position) positionView {
	return positionView{
		Key:            events.IDString(p.Ref.Key()),
		Owner:          p.Ref.Owner.String(),
		Pool:           events.IDString(p.Ref.Pool),
		TickLower:      p.Ref.TickLower,
		TickUpper:      p.Ref.TickUpper,
		Salt:           events.IDString(p.Ref.Salt),
		Liquidity:      num(p.Liquidity),
		GrowthSnapshot: num(p.GrowthSnapshot),
		Owed:           num(p.Owed),
	}
}

type seizureView struct {
	Collateral string `json:"collateral"`
	Amount     string `json:"amount"`
	Recipient  string `json:"recipient"`
	Insurance  bool   `json:"insurance"`
}

type liquidationView struct {
	Repaid        string        `json:"repaid"`
	SeizeValue    string        `json:"seizeValue"`
	HealthFactor  string        `json:"healthFactor"`
	RemainingDebt string        `json:"remainingDebt"`
	BadDebt       bool          `json:"badDebt"`
	Seizures      []seizureView `json:"seizures"`
}

func renderLiquidation(res *risk.LiquidationResult) liquidationView {
	out := liquidationView{
		Repaid:        num(res.Repaid),
		SeizeValue:    num(res.SeizeValue),
		HealthFactor:  num(res.HealthFactor),
		RemainingDebt: num(res.RemainingDebt),
		BadDebt:       res.BadDebt,
		Seizures:      make([]seizureView, 0, len(res.Seizures)),
	}
	for _, s := range res.Seizures {
		out.Seizures = append(out.Seizures, seizureView{
			Collateral: s.Collateral,
			Amount:     num(s.Amount),
			Recipient:  addr(s.Recipient),
			Insurance:  s.Insurance,
		})
	}
	return out
}

func renderAddresses(list []crypto.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}

func num(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func u256(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func addr(a crypto.Address) string {
	if a.IsZero() {
		return ""
	}
	return a.String()
}
