package domain

// ChangeOp identifies the kind of token store mutation.
type ChangeOp string

const (
	OpInsert  ChangeOp = "insert"
	OpUpdate  ChangeOp = "update"
	OpReplace ChangeOp = "replace"
)

// ChangeEvent is a normalized notification that one token's record was
// created or updated. Events are consumed once; there is no retention or
// replay — a missed event is recovered by the client re-issuing a query.
type ChangeEvent struct {
	Op    ChangeOp
	Token *Token // full current record, already normalized
}

// TokenUpdate is one row of the token-update history trail.
// Corresponds to the token_updates table in ClickHouse.
type TokenUpdate struct {
	ContractAddress string   `json:"contractAddress"`
	Symbol          string   `json:"symbol"`
	Op              ChangeOp `json:"op"`
	PriceUSD        float64  `json:"price_usd"`
	MarketCapUSD    float64  `json:"market_cap_usd"`
	VolumeUSD24h    float64  `json:"volume_usd_24h"`
	BlockNumber     int64    `json:"blockNumber"`
	ObservedAt      int64    `json:"observed_at"` // when the gateway observed the change (ms)
}
