package storage

import (
	"context"

	"koa-gateway/internal/domain"
)

// SortField selects the column a listing is ordered by.
type SortField string

const (
	SortPrice       SortField = "price"
	SortMarketCap   SortField = "marketCap"
	SortVolume      SortField = "volume"
	SortBlockNumber SortField = "blockNumber"
)

// Direction selects ascending or descending order.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// ListParams describes one page of a sorted listing. Offset/Limit are
// absolute row positions; page arithmetic lives in the query engine.
type ListParams struct {
	Sort      SortField
	Direction Direction
	Offset    int
	Limit     int
}

// ChangeNotification is the raw mutation signal emitted by a TokenStore
// watch subscription. It may describe a partial delta; consumers re-fetch
// the full record by contract address before acting on it.
type ChangeNotification struct {
	Op              domain.ChangeOp
	ContractAddress string
}

// TokenStore is the authoritative token collection. Search, List, and
// GlobalStats exclude infrastructure symbols; GetByAddress does not.
type TokenStore interface {
	// Upsert inserts or updates a token keyed by contract address and
	// reports which of the two happened. Writes originate from the external
	// ingestion process and from tests.
	Upsert(ctx context.Context, t *domain.Token) (domain.ChangeOp, error)

	// GetByAddress retrieves one token. Returns ErrNotFound if not exists.
	GetByAddress(ctx context.Context, contractAddress string) (*domain.Token, error)

	// Search matches tokens whose name, symbol, or contract address contains
	// query case-insensitively, ordered by market cap descending.
	Search(ctx context.Context, query string) ([]*domain.Token, error)

	// List returns one page of tokens plus the total matching count.
	List(ctx context.Context, p ListParams) ([]*domain.Token, int, error)

	// GlobalStats sums volume and market cap across all tokens.
	GlobalStats(ctx context.Context) (*domain.GlobalStats, error)

	// Watch opens a change subscription. The returned channel is closed when
	// the subscription drops or ctx is cancelled; callers re-establish it.
	Watch(ctx context.Context) (<-chan ChangeNotification, error)
}

// TokenUpdateHistoryStore records the trail of observed token updates.
type TokenUpdateHistoryStore interface {
	// InsertBulk appends a batch of update rows.
	InsertBulk(ctx context.Context, updates []*domain.TokenUpdate) error

	// GetByAddress retrieves the recorded updates for a token, newest first,
	// capped at limit.
	GetByAddress(ctx context.Context, contractAddress string, limit int) ([]*domain.TokenUpdate, error)
}
