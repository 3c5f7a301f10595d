// Package query answers point-in-time requests against the token store:
// search, sorted/paginated listing, single-token lookup, and global stats.
// The engine is stateless; every call reads the store at call time.
package query

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"koa-gateway/internal/domain"
	"koa-gateway/internal/storage"
)

// PageSize is the fixed listing page size.
const PageSize = 10

const defaultTimeout = 5 * time.Second

// ListResult is one page of a sorted listing.
type ListResult struct {
	Tokens     []*domain.Token `json:"tokens"`
	TotalPages int             `json:"totalPages"`
}

// Engine executes validated queries with a per-call timeout.
type Engine struct {
	store   storage.TokenStore
	timeout time.Duration
	logger  *log.Logger
}

// NewEngine creates a query engine. A zero timeout falls back to 5s.
func NewEngine(store storage.TokenStore, timeout time.Duration, logger *log.Logger) *Engine {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{store: store, timeout: timeout, logger: logger}
}

// Search matches tokens whose name, symbol, or contract address contains the
// query case-insensitively, ordered by market cap descending. Empty or
// whitespace input yields zero results rather than a full-table scan.
func (e *Engine) Search(ctx context.Context, q string) ([]*domain.Token, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return []*domain.Token{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tokens, err := e.store.Search(ctx, q)
	if err != nil {
		return nil, e.unavailable("search", err)
	}
	return normalizeAll(tokens), nil
}

// List returns one page of the sorted token listing. Page numbering starts
// at 1; an unrecognized sort field falls back to price, an unrecognized
// direction to descending.
func (e *Engine) List(ctx context.Context, sortField, direction string, page int) (*ListResult, error) {
	if page < 1 {
		return nil, &BadRequestError{Field: "page", Reason: "must be a positive integer"}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tokens, total, err := e.store.List(ctx, storage.ListParams{
		Sort:      parseSortField(sortField),
		Direction: parseDirection(direction),
		Offset:    (page - 1) * PageSize,
		Limit:     PageSize,
	})
	if err != nil {
		return nil, e.unavailable("list", err)
	}

	return &ListResult{
		Tokens:     normalizeAll(tokens),
		TotalPages: (total + PageSize - 1) / PageSize,
	}, nil
}

// GetByAddress retrieves one token. Infrastructure symbols are reachable
// here; only search, listings, and aggregates exclude them.
func (e *Engine) GetByAddress(ctx context.Context, contractAddress string) (*domain.Token, error) {
	contractAddress = strings.TrimSpace(contractAddress)
	if contractAddress == "" {
		return nil, &BadRequestError{Field: "contractAddress", Reason: "must not be empty"}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	t, err := e.store.GetByAddress(ctx, contractAddress)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, e.unavailable("get", err)
	}
	t.Normalize()
	return t, nil
}

// GlobalStats sums volume and market cap across all non-infrastructure
// tokens. An empty store yields zero-valued stats.
func (e *Engine) GlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	stats, err := e.store.GlobalStats(ctx)
	if err != nil {
		return nil, e.unavailable("stats", err)
	}
	return stats, nil
}

// unavailable collapses store failures into ErrStoreUnavailable; the
// underlying cause goes to the log, not the client.
func (e *Engine) unavailable(op string, err error) error {
	e.logger.Printf("query %s: %v", op, err)
	return ErrStoreUnavailable
}

func parseSortField(s string) storage.SortField {
	switch storage.SortField(s) {
	case storage.SortMarketCap, storage.SortVolume, storage.SortBlockNumber, storage.SortPrice:
		return storage.SortField(s)
	default:
		return storage.SortPrice
	}
}

func parseDirection(s string) storage.Direction {
	if storage.Direction(s) == storage.Asc {
		return storage.Asc
	}
	return storage.Desc
}

func normalizeAll(tokens []*domain.Token) []*domain.Token {
	if tokens == nil {
		return []*domain.Token{}
	}
	for _, t := range tokens {
		t.Normalize()
	}
	return tokens
}
