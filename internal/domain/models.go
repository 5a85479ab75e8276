// Package domain holds the core value types shared across pipeline stages.
// Types here are plain records with no infrastructure dependencies; stage
// transformations produce new slices rather than mutating shared state, so
// concurrent readers are always safe.
package domain

import "time"

// DateFormat is the canonical ISO date layout used in every artifact.
const DateFormat = "2006-01-02"

// Ticker describes one listed security in the candidate universe.
// Symbols are domain-suffixed (e.g. VALE3.SA) and unique.
type Ticker struct {
	Symbol     string
	Name       string
	Sector     string
	Industry   string
	BrokerName string // optional broker-note alias
}

// PriceBar is one daily OHLCV observation for a ticker.
// Invariant: Close >= 0; Date is never a weekend or holiday.
type PriceBar struct {
	Symbol string
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Financials is the most recent fundamental snapshot for a ticker.
type Financials struct {
	Symbol          string
	ForwardPE       float64
	ForwardEPS      float64
	DividendYield   float64
	AverageVolume   float64
	TargetMeanPrice float64
	CurrentPrice    float64
	LastUpdated     time.Time
}

// UpsideSource identifies how a stock's upside potential was derived.
type UpsideSource string

const (
	// UpsideSourceProviderTarget means the analyst mean target price was used.
	UpsideSourceProviderTarget UpsideSource = "provider-target"
	// UpsideSourceSectorPE means the sector-median forward P/E fallback was used.
	UpsideSourceSectorPE UpsideSource = "sector-PE-fallback"
)

// ScoredStock is one row of a scoring run.
type ScoredStock struct {
	RunID     string
	Timestamp time.Time
	Symbol    string
	Sector    string
	Industry  string

	CompositeScore       float64
	SharpeRatio          float64
	AnnualizedMeanReturn float64
	AnnualizedStdDev     float64
	PotentialUpsidePct   float64
	UpsideSource         UpsideSource
	Momentum             float64

	SharpeNorm   float64
	UpsideNorm   float64
	MomentumNorm float64

	SharpeWeight   float64
	UpsideWeight   float64
	MomentumWeight float64

	RiskProfileUsed string
	MarketRegime    string

	CurrentPrice   float64
	TargetPrice    float64
	ForwardPE      float64
	ForwardEPS     float64
	SectorMedianPE float64
}

// PortfolioResult is the winning portfolio of one engine run.
// Invariants: weights sum to 1.0 and are all >= 0; len(Stocks) is within the
// configured [min_stocks, max_stocks]; no sector exceeds max_stocks_per_sector.
type PortfolioResult struct {
	RunID           string
	Timestamp       time.Time
	Stocks          []string
	Weights         []float64
	Sharpe          float64
	ExpectedReturn  float64 // annualized, fraction
	ExpectedVol     float64 // annualized, fraction
	SubsetsSearched int
}

// LedgerRow is one normalized broker-note transaction. Produced by the
// external transaction-ingest collaborator; consumed read-only here.
type LedgerRow struct {
	TransactionID  string
	Portfolio      string
	TradeDate      time.Time
	SettlementDate time.Time
	BrokerDocument string
	Symbol         string
	Side           string // BUY or SELL
	Quantity       float64
	UnitPrice      float64
	GrossValue     float64
	AllocatedFees  float64
	TotalCost      float64
	NetCashFlow    float64
	EffectivePrice float64
}

// Lot is a FIFO tax lot: quantity at a unit cost. SELLs consume lots
// front-to-back; selling beyond holdings leaves a negative lot.
type Lot struct {
	Quantity float64
	UnitCost float64
}
