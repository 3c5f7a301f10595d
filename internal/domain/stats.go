package domain

// GlobalStats aggregates market metrics across all non-infrastructure tokens.
// A store with no tokens yields zero-valued stats, not an error.
type GlobalStats struct {
	TotalVolume    float64 `json:"totalVolume"`
	TotalMarketCap float64 `json:"totalMarketCap"`
	TotalTokens    int     `json:"totalTokens"`
}
