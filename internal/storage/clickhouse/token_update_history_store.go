package clickhouse

import (
	"context"
	"fmt"

	"koa-gateway/internal/domain"
	"koa-gateway/internal/storage"
)

// TokenUpdateHistoryStore implements storage.TokenUpdateHistoryStore using
// ClickHouse. Rows are append-only; MergeTree does not enforce uniqueness
// and the feed runner never re-sends an observed event.
type TokenUpdateHistoryStore struct {
	conn *Conn
}

// NewTokenUpdateHistoryStore creates a new TokenUpdateHistoryStore.
func NewTokenUpdateHistoryStore(conn *Conn) *TokenUpdateHistoryStore {
	return &TokenUpdateHistoryStore{conn: conn}
}

// Compile-time interface check.
var _ storage.TokenUpdateHistoryStore = (*TokenUpdateHistoryStore)(nil)

// InsertBulk appends a batch of update rows.
func (s *TokenUpdateHistoryStore) InsertBulk(ctx context.Context, updates []*domain.TokenUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO token_updates (
			contract_address, symbol, op, price_usd, market_cap_usd,
			volume_usd_24h, block_number, observed_at_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, u := range updates {
		err = batch.Append(
			u.ContractAddress, u.Symbol, string(u.Op),
			u.PriceUSD, u.MarketCapUSD, u.VolumeUSD24h,
			uint64(u.BlockNumber), uint64(u.ObservedAt),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByAddress retrieves recorded updates for a token, newest first.
func (s *TokenUpdateHistoryStore) GetByAddress(ctx context.Context, contractAddress string, limit int) ([]*domain.TokenUpdate, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT contract_address, symbol, op, price_usd, market_cap_usd,
		       volume_usd_24h, block_number, observed_at_ms
		FROM token_updates
		WHERE contract_address = ?
		ORDER BY observed_at_ms DESC
		LIMIT ?
	`

	rows, err := s.conn.Query(ctx, query, contractAddress, uint64(limit))
	if err != nil {
		return nil, fmt.Errorf("query token updates: %w", err)
	}
	defer rows.Close()

	return scanTokenUpdates(rows)
}

// scanTokenUpdates scans multiple rows.
func scanTokenUpdates(rows chRows) ([]*domain.TokenUpdate, error) {
	var updates []*domain.TokenUpdate

	for rows.Next() {
		var u domain.TokenUpdate
		var op string
		var blockNumber, observedAt uint64

		err := rows.Scan(
			&u.ContractAddress, &u.Symbol, &op,
			&u.PriceUSD, &u.MarketCapUSD, &u.VolumeUSD24h,
			&blockNumber, &observedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan token update row: %w", err)
		}

		u.Op = domain.ChangeOp(op)
		u.BlockNumber = int64(blockNumber)
		u.ObservedAt = int64(observedAt)
		updates = append(updates, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token update rows: %w", err)
	}

	return updates, nil
}
