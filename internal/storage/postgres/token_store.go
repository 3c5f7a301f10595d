package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"koa-gateway/internal/domain"
	"koa-gateway/internal/storage"
)

// tokenChannel is the NOTIFY channel fed by the trigger installed in the
// migrations. Payload: {"op": "...", "contract_address": "0x..."}.
const tokenChannel = "token_changes"

// tokenColumns applies the zero-default normalization in SQL so nullable
// metric columns never surface as NULL.
const tokenColumns = `
	contract_address,
	COALESCE(name, ''),
	COALESCE(symbol, ''),
	COALESCE(price_usd, 0),
	COALESCE(market_cap_usd, 0),
	COALESCE(volume_usd_24h, 0),
	COALESCE(block_number, 0),
	updated_at
`

// infraFilter excludes infrastructure symbols from user-facing queries.
const infraFilter = `COALESCE(symbol, '') NOT IN ($%d, $%d)`

// TokenStore implements storage.TokenStore using PostgreSQL.
type TokenStore struct {
	pool *Pool
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(pool *Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TokenStore = (*TokenStore)(nil)

// Upsert inserts or updates a token keyed by contract address.
func (s *TokenStore) Upsert(ctx context.Context, t *domain.Token) (domain.ChangeOp, error) {
	if t == nil || t.ContractAddress == "" {
		return "", storage.ErrInvalidInput
	}

	tokenCopy := *t
	tokenCopy.Normalize()
	if tokenCopy.UpdatedAt == 0 {
		tokenCopy.UpdatedAt = time.Now().UnixMilli()
	}

	// xmax = 0 only holds for freshly inserted rows.
	query := `
		INSERT INTO tokens (
			contract_address, name, symbol, price_usd, market_cap_usd,
			volume_usd_24h, block_number, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (contract_address) DO UPDATE SET
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			price_usd = EXCLUDED.price_usd,
			market_cap_usd = EXCLUDED.market_cap_usd,
			volume_usd_24h = EXCLUDED.volume_usd_24h,
			block_number = EXCLUDED.block_number,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err := s.pool.QueryRow(ctx, query,
		tokenCopy.ContractAddress,
		tokenCopy.Name,
		tokenCopy.Symbol,
		tokenCopy.PriceUSD,
		tokenCopy.MarketCapUSD,
		tokenCopy.VolumeUSD24h,
		tokenCopy.BlockNumber,
		tokenCopy.UpdatedAt,
	).Scan(&inserted)
	if err != nil {
		return "", fmt.Errorf("upsert token: %w", err)
	}

	if inserted {
		return domain.OpInsert, nil
	}
	return domain.OpUpdate, nil
}

// GetByAddress retrieves one token. Returns ErrNotFound if not exists.
func (s *TokenStore) GetByAddress(ctx context.Context, contractAddress string) (*domain.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE contract_address = $1`

	row := s.pool.QueryRow(ctx, query, contractAddress)
	t, err := scanToken(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get token by address: %w", err)
	}
	return t, nil
}

// Search matches name, symbol, or contract address case-insensitively,
// excluding infrastructure symbols, ordered by market cap descending.
func (s *TokenStore) Search(ctx context.Context, query string) ([]*domain.Token, error) {
	sql := `
		SELECT ` + tokenColumns + `
		FROM tokens
		WHERE (name ILIKE $1 OR symbol ILIKE $1 OR contract_address ILIKE $1)
		  AND ` + fmt.Sprintf(infraFilter, 2, 3) + `
		ORDER BY COALESCE(market_cap_usd, 0) DESC, contract_address ASC
	`

	rows, err := s.pool.Query(ctx, sql,
		"%"+escapeLike(query)+"%",
		domain.SymbolWrappedNative,
		domain.SymbolLiquidityPosition,
	)
	if err != nil {
		return nil, fmt.Errorf("search tokens: %w", err)
	}
	defer rows.Close()

	return scanTokens(rows)
}

// sortColumns whitelists ORDER BY targets; anything else falls back to price.
var sortColumns = map[storage.SortField]string{
	storage.SortPrice:       "COALESCE(price_usd, 0)",
	storage.SortMarketCap:   "COALESCE(market_cap_usd, 0)",
	storage.SortVolume:      "COALESCE(volume_usd_24h, 0)",
	storage.SortBlockNumber: "COALESCE(block_number, 0)",
}

// List returns one sorted page of non-infrastructure tokens plus the total count.
func (s *TokenStore) List(ctx context.Context, p storage.ListParams) ([]*domain.Token, int, error) {
	col, ok := sortColumns[p.Sort]
	if !ok {
		col = sortColumns[storage.SortPrice]
	}
	dir := "DESC"
	if p.Direction == storage.Asc {
		dir = "ASC"
	}

	countSQL := `SELECT COUNT(*) FROM tokens WHERE ` + fmt.Sprintf(infraFilter, 1, 2)
	var total int
	err := s.pool.QueryRow(ctx, countSQL,
		domain.SymbolWrappedNative, domain.SymbolLiquidityPosition,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count tokens: %w", err)
	}

	listSQL := `
		SELECT ` + tokenColumns + `
		FROM tokens
		WHERE ` + fmt.Sprintf(infraFilter, 1, 2) + `
		ORDER BY ` + col + ` ` + dir + `, contract_address ASC
		LIMIT $3 OFFSET $4
	`

	rows, err := s.pool.Query(ctx, listSQL,
		domain.SymbolWrappedNative, domain.SymbolLiquidityPosition,
		p.Limit, p.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	tokens, err := scanTokens(rows)
	if err != nil {
		return nil, 0, err
	}
	return tokens, total, nil
}

// GlobalStats sums volume and market cap across non-infrastructure tokens.
func (s *TokenStore) GlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	query := `
		SELECT
			COALESCE(SUM(COALESCE(volume_usd_24h, 0)), 0),
			COALESCE(SUM(COALESCE(market_cap_usd, 0)), 0),
			COUNT(*)
		FROM tokens
		WHERE ` + fmt.Sprintf(infraFilter, 1, 2)

	var stats domain.GlobalStats
	err := s.pool.QueryRow(ctx, query,
		domain.SymbolWrappedNative, domain.SymbolLiquidityPosition,
	).Scan(&stats.TotalVolume, &stats.TotalMarketCap, &stats.TotalTokens)
	if err != nil {
		return nil, fmt.Errorf("global stats: %w", err)
	}
	return &stats, nil
}

// Watch opens a change subscription backed by LISTEN/NOTIFY. The connection
// is taken out of the pool for the lifetime of the subscription; the channel
// closes when the session drops or ctx is cancelled.
func (s *TokenStore) Watch(ctx context.Context) (<-chan storage.ChangeNotification, error) {
	poolConn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	// Hijack so a LISTEN-tainted session never returns to the pool.
	conn := poolConn.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+tokenChannel); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("listen %s: %w", tokenChannel, err)
	}

	ch := make(chan storage.ChangeNotification)
	go func() {
		defer close(ch)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			conn.Close(closeCtx)
			cancel()
		}()

		for {
			notification, err := conn.WaitForNotification(ctx)
			if err != nil {
				// Cancellation or a dead session; the watcher resubscribes.
				return
			}

			n, ok := parseNotification(notification.Payload)
			if !ok {
				continue
			}

			select {
			case ch <- n:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// parseNotification decodes the trigger payload.
func parseNotification(payload string) (storage.ChangeNotification, bool) {
	var raw struct {
		Op              string `json:"op"`
		ContractAddress string `json:"contract_address"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil || raw.ContractAddress == "" {
		return storage.ChangeNotification{}, false
	}

	op := domain.ChangeOp(raw.Op)
	switch op {
	case domain.OpInsert, domain.OpUpdate, domain.OpReplace:
	default:
		op = domain.OpUpdate
	}

	return storage.ChangeNotification{Op: op, ContractAddress: raw.ContractAddress}, true
}

// escapeLike neutralizes LIKE wildcards in user-supplied search text.
func escapeLike(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(q)
}

// scanToken scans a single row into Token.
func scanToken(row pgx.Row) (*domain.Token, error) {
	var t domain.Token
	err := row.Scan(
		&t.ContractAddress,
		&t.Name,
		&t.Symbol,
		&t.PriceUSD,
		&t.MarketCapUSD,
		&t.VolumeUSD24h,
		&t.BlockNumber,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// scanTokens scans multiple rows.
func scanTokens(rows pgx.Rows) ([]*domain.Token, error) {
	var tokens []*domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token rows: %w", err)
	}
	return tokens, nil
}
