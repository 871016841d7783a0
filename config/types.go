package config

// Index seeds the rate index.
type Index struct {
	AlphaPPM        uint32   `toml:"AlphaPPM"`
	MaxDeviationPPM uint32   `toml:"MaxDeviationPPM"`
	MaxStaleness    uint64   `toml:"MaxStalenessSeconds"`
	Sources         []string `toml:"Sources"`
}

// Liquidation holds the close factor curve and penalty split. An empty
// HFCritical leaves liquidation unconfigured.
type Liquidation struct {
	CloseFactorMinBps    uint64 `toml:"CloseFactorMinBps"`
	CloseFactorMaxBps    uint64 `toml:"CloseFactorMaxBps"`
	HFCritical           string `toml:"HFCritical"`
	PenaltyBps           uint64 `toml:"PenaltyBps"`
	InsuranceFeeShareBps uint64 `toml:"InsuranceFeeShareBps"`
	InsuranceRecipient   string `toml:"InsuranceRecipient"`
}

// Collateral is one accepted collateral asset. Price is the 18-decimal value
// of one whole token.
type Collateral struct {
	ID         string `toml:"ID"`
	Asset      string `toml:"Asset"`
	Decimals   uint8  `toml:"Decimals"`
	Price      string `toml:"Price"`
	HaircutBps uint64 `toml:"HaircutBps"`
	Disabled   bool   `toml:"Disabled"`
}

// Pool registers one AMM pool with its funding and risk parameters.
type Pool struct {
	Currency0          string `toml:"Currency0"`
	Currency1          string `toml:"Currency1"`
	Fee                uint32 `toml:"Fee"`
	TickSpacing        int32  `toml:"TickSpacing"`
	Hooks              string `toml:"Hooks"`
	Maturity           uint64 `toml:"Maturity"`
	Kappa              string `toml:"Kappa"`
	FixedRatePerSecond string `toml:"FixedRatePerSecond"`

	IMBps               uint64 `toml:"IMBps"`
	MMBps               uint64 `toml:"MMBps"`
	DurationFactor      string `toml:"DurationFactor"`
	MaxPositionNotional string `toml:"MaxPositionNotional"`
	MaxAccountNotional  string `toml:"MaxAccountNotional"`
	Disabled            bool   `toml:"Disabled"`
}

// Pauses lists modules that start paused.
type Pauses struct {
	IRS  bool `toml:"IRS"`
	Risk bool `toml:"Risk"`
}

// Quota defines per-trader limits on gated actions.
type Quota struct {
	MaxActionsPerEpoch uint32 `toml:"MaxActionsPerEpoch"`
	MaxVolumePerEpoch  uint64 `toml:"MaxVolumePerEpoch"`
	EpochSeconds       uint32 `toml:"EpochSeconds"`
}

// Global bundles runtime switches that may change without a re-bootstrap.
type Global struct {
	Pauses Pauses `toml:"pauses"`
	Quota  Quota  `toml:"quota"`
}
