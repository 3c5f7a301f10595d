package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"koa-gateway/internal/domain"
	"koa-gateway/internal/storage"
)

func TestTokenStore_UpsertAndGetByAddress(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()

	token := &domain.Token{
		ContractAddress: "0xabc123",
		Name:            "Ape Coin",
		Symbol:          "APE",
		PriceUSD:        1.25,
		MarketCapUSD:    5000,
		VolumeUSD24h:    300,
		BlockNumber:     1200,
	}

	op, err := store.Upsert(ctx, token)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if op != domain.OpInsert {
		t.Errorf("Expected insert op, got %s", op)
	}

	result, err := store.GetByAddress(ctx, "0xabc123")
	if err != nil {
		t.Fatalf("GetByAddress failed: %v", err)
	}
	if result.Name != "Ape Coin" || result.Symbol != "APE" {
		t.Errorf("Token mismatch: got %+v", result)
	}
	if result.PriceUSD != 1.25 || result.MarketCapUSD != 5000 {
		t.Errorf("Metrics mismatch: got %+v", result)
	}

	op, err = store.Upsert(ctx, token)
	if err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}
	if op != domain.OpUpdate {
		t.Errorf("Expected update op, got %s", op)
	}
}

func TestTokenStore_NormalizesInvalidMetrics(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()

	if _, err := store.Upsert(ctx, &domain.Token{
		ContractAddress: "0xbad",
		Symbol:          "BAD",
		PriceUSD:        math.NaN(),
		MarketCapUSD:    -50,
		VolumeUSD24h:    math.Inf(1),
		BlockNumber:     -1,
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	result, err := store.GetByAddress(ctx, "0xbad")
	if err != nil {
		t.Fatalf("GetByAddress failed: %v", err)
	}
	if result.PriceUSD != 0 || result.MarketCapUSD != 0 || result.VolumeUSD24h != 0 || result.BlockNumber != 0 {
		t.Errorf("Expected zeroed metrics, got %+v", result)
	}
}

func TestTokenStore_NotFound(t *testing.T) {
	store := NewTokenStore()

	_, err := store.GetByAddress(context.Background(), "0xnothing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTokenStore_InvalidInput(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()

	if _, err := store.Upsert(ctx, nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for nil, got %v", err)
	}
	if _, err := store.Upsert(ctx, &domain.Token{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty address, got %v", err)
	}
}

func TestTokenStore_SearchExcludesInfrastructureSymbols(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()

	seedTokens(t, store,
		&domain.Token{ContractAddress: "0xa", Name: "Foo Token", Symbol: "FOO", MarketCapUSD: 5000},
		&domain.Token{ContractAddress: "0xb", Name: "Wrapped Ether Token", Symbol: "WETH", MarketCapUSD: 9000},
		&domain.Token{ContractAddress: "0xc", Name: "Bar Token", Symbol: "BAR", MarketCapUSD: 1000},
		&domain.Token{ContractAddress: "0xd", Name: "LP Token", Symbol: "UNI-V3-POS", MarketCapUSD: 400},
	)

	results, err := store.Search(ctx, "token")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	// Ordered by market cap descending.
	if results[0].Symbol != "FOO" || results[1].Symbol != "BAR" {
		t.Errorf("Wrong order: %s, %s", results[0].Symbol, results[1].Symbol)
	}
}

func TestTokenStore_SearchMatchesAddressCaseInsensitively(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()

	seedTokens(t, store,
		&domain.Token{ContractAddress: "0xAbCdEf", Name: "Mixed", Symbol: "MIX"},
	)

	results, err := store.Search(ctx, "0xabc")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}

	results, err = store.Search(ctx, "0xzzz")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
}

func TestTokenStore_ListPaginationReconstructsAll(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()

	const n = 23
	for i := 0; i < n; i++ {
		seedTokens(t, store, &domain.Token{
			ContractAddress: fmt.Sprintf("0x%04d", i),
			Symbol:          fmt.Sprintf("T%d", i),
			PriceUSD:        float64(i),
		})
	}
	// Infrastructure token must affect neither pages nor count.
	seedTokens(t, store, &domain.Token{ContractAddress: "0xweth", Symbol: "WETH", PriceUSD: 999})

	const pageSize = 10
	seen := make(map[string]bool)
	for offset := 0; ; offset += pageSize {
		page, total, err := store.List(ctx, storage.ListParams{
			Sort: storage.SortPrice, Direction: storage.Asc, Offset: offset, Limit: pageSize,
		})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if total != n {
			t.Fatalf("Expected total %d, got %d", n, total)
		}
		if len(page) == 0 {
			break
		}
		for _, tok := range page {
			if seen[tok.ContractAddress] {
				t.Errorf("Duplicate token %s across pages", tok.ContractAddress)
			}
			seen[tok.ContractAddress] = true
		}
	}
	if len(seen) != n {
		t.Errorf("Pages reconstructed %d tokens, want %d", len(seen), n)
	}
}

func TestTokenStore_ListSortDirections(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()

	seedTokens(t, store,
		&domain.Token{ContractAddress: "0xa", Symbol: "A", MarketCapUSD: 5000, VolumeUSD24h: 10, BlockNumber: 3},
		&domain.Token{ContractAddress: "0xc", Symbol: "C", MarketCapUSD: 1000, VolumeUSD24h: 30, BlockNumber: 1},
	)

	page, total, err := store.List(ctx, storage.ListParams{
		Sort: storage.SortMarketCap, Direction: storage.Desc, Offset: 0, Limit: 10,
	})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 2 || len(page) != 2 {
		t.Fatalf("Expected 2 tokens, got total=%d len=%d", total, len(page))
	}
	if page[0].Symbol != "A" || page[1].Symbol != "C" {
		t.Errorf("Wrong desc order: %s, %s", page[0].Symbol, page[1].Symbol)
	}

	page, _, err = store.List(ctx, storage.ListParams{
		Sort: storage.SortVolume, Direction: storage.Asc, Offset: 0, Limit: 10,
	})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if page[0].Symbol != "A" || page[1].Symbol != "C" {
		t.Errorf("Wrong asc order: %s, %s", page[0].Symbol, page[1].Symbol)
	}
}

func TestTokenStore_GlobalStatsExcludesInfrastructure(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()

	seedTokens(t, store,
		&domain.Token{ContractAddress: "0xa", Symbol: "FOO", MarketCapUSD: 5000, VolumeUSD24h: 100},
		&domain.Token{ContractAddress: "0xb", Symbol: "WETH", MarketCapUSD: 9000, VolumeUSD24h: 900},
		&domain.Token{ContractAddress: "0xc", Symbol: "BAR", MarketCapUSD: 1000, VolumeUSD24h: 50},
	)

	stats, err := store.GlobalStats(ctx)
	if err != nil {
		t.Fatalf("GlobalStats failed: %v", err)
	}
	if stats.TotalTokens != 2 {
		t.Errorf("Expected 2 tokens, got %d", stats.TotalTokens)
	}
	if stats.TotalMarketCap != 6000 {
		t.Errorf("Expected market cap 6000, got %f", stats.TotalMarketCap)
	}
	if stats.TotalVolume != 150 {
		t.Errorf("Expected volume 150, got %f", stats.TotalVolume)
	}
}

func TestTokenStore_GlobalStatsEmptyStore(t *testing.T) {
	store := NewTokenStore()

	stats, err := store.GlobalStats(context.Background())
	if err != nil {
		t.Fatalf("GlobalStats failed: %v", err)
	}
	if stats.TotalTokens != 0 || stats.TotalMarketCap != 0 || stats.TotalVolume != 0 {
		t.Errorf("Expected zero stats, got %+v", stats)
	}
}

func TestTokenStore_WatchDeliversNotifications(t *testing.T) {
	store := NewTokenStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if _, err := store.Upsert(ctx, &domain.Token{ContractAddress: "0xa", Symbol: "A"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	select {
	case n := <-ch:
		if n.Op != domain.OpInsert || n.ContractAddress != "0xa" {
			t.Errorf("Unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for notification")
	}

	if _, err := store.Upsert(ctx, &domain.Token{ContractAddress: "0xa", Symbol: "A"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	select {
	case n := <-ch:
		if n.Op != domain.OpUpdate {
			t.Errorf("Expected update op, got %s", n.Op)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for update notification")
	}
}

func TestTokenStore_WatchClosedOnCancel(t *testing.T) {
	store := NewTokenStore()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Channel not closed after cancel")
	}
}

func TestTokenStore_ReturnsCopy(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()

	token := &domain.Token{ContractAddress: "0xa", Symbol: "A", PriceUSD: 9}
	if _, err := store.Upsert(ctx, token); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	result, _ := store.GetByAddress(ctx, "0xa")
	result.PriceUSD = 1

	again, _ := store.GetByAddress(ctx, "0xa")
	if again.PriceUSD != 9 {
		t.Error("Store should return copy, not reference")
	}
}

// seedTokens upserts fixtures, failing the test on error.
func seedTokens(t *testing.T, store *TokenStore, tokens ...*domain.Token) {
	t.Helper()
	for _, tok := range tokens {
		if _, err := store.Upsert(context.Background(), tok); err != nil {
			t.Fatalf("seed %s: %v", tok.ContractAddress, err)
		}
	}
}
