package domain

import "math"

// Infrastructure symbols are never user-facing: the wrapped native asset and
// the Uniswap v3 liquidity-position placeholder minted alongside deployments.
const (
	SymbolWrappedNative     = "WETH"
	SymbolLiquidityPosition = "UNI-V3-POS"
)

// IsInfrastructureSymbol reports whether a symbol is excluded from every
// search, listing, and aggregate.
func IsInfrastructureSymbol(symbol string) bool {
	return symbol == SymbolWrappedNative || symbol == SymbolLiquidityPosition
}

// Token represents one tradable token with its market metrics.
// Corresponds to the tokens table in PostgreSQL.
type Token struct {
	ContractAddress string  `json:"contractAddress"` // PK, immutable once created
	Name            string  `json:"name"`
	Symbol          string  `json:"symbol"`
	PriceUSD        float64 `json:"price_usd"`
	MarketCapUSD    float64 `json:"market_cap_usd"`
	VolumeUSD24h    float64 `json:"volume_usd_24h"`
	BlockNumber     int64   `json:"blockNumber"` // provenance marker
	UpdatedAt       int64   `json:"updated_at"`  // last upstream write (ms)
}

// Normalize clamps absent or invalid numeric fields to zero. Upstream
// ingestion may deliver missing or garbage metrics; readers must never see
// NaN, Inf, or negative quantities.
func (t *Token) Normalize() {
	t.PriceUSD = clampMetric(t.PriceUSD)
	t.MarketCapUSD = clampMetric(t.MarketCapUSD)
	t.VolumeUSD24h = clampMetric(t.VolumeUSD24h)
	if t.BlockNumber < 0 {
		t.BlockNumber = 0
	}
}

func clampMetric(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
