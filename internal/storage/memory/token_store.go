package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"koa-gateway/internal/domain"
	"koa-gateway/internal/storage"
)

// watchBuffer absorbs notification bursts; a full watcher channel drops the
// notification rather than blocking the writer.
const watchBuffer = 256

// TokenStore is an in-memory implementation of storage.TokenStore.
type TokenStore struct {
	mu        sync.RWMutex
	byAddress map[string]*domain.Token // keyed by contract address

	watchMu  sync.Mutex
	watchers map[int]chan storage.ChangeNotification
	nextID   int
	closed   bool
}

// NewTokenStore creates a new in-memory token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		byAddress: make(map[string]*domain.Token),
		watchers:  make(map[int]chan storage.ChangeNotification),
	}
}

var _ storage.TokenStore = (*TokenStore)(nil)

// Upsert inserts or updates a token and notifies watchers.
func (s *TokenStore) Upsert(_ context.Context, t *domain.Token) (domain.ChangeOp, error) {
	if t == nil || t.ContractAddress == "" {
		return "", storage.ErrInvalidInput
	}

	tokenCopy := *t
	tokenCopy.Normalize()
	if tokenCopy.UpdatedAt == 0 {
		tokenCopy.UpdatedAt = time.Now().UnixMilli()
	}

	s.mu.Lock()
	op := domain.OpUpdate
	if _, exists := s.byAddress[tokenCopy.ContractAddress]; !exists {
		op = domain.OpInsert
	}
	s.byAddress[tokenCopy.ContractAddress] = &tokenCopy
	s.mu.Unlock()

	s.notify(storage.ChangeNotification{Op: op, ContractAddress: tokenCopy.ContractAddress})
	return op, nil
}

// Delete removes a token. Used by tests to exercise the re-fetch-miss path;
// no notification carries a delete op, mirroring the upstream feed.
func (s *TokenStore) Delete(_ context.Context, contractAddress string) {
	s.mu.Lock()
	delete(s.byAddress, contractAddress)
	s.mu.Unlock()
}

// GetByAddress retrieves one token. Returns ErrNotFound if not exists.
func (s *TokenStore) GetByAddress(_ context.Context, contractAddress string) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.byAddress[contractAddress]
	if !exists {
		return nil, storage.ErrNotFound
	}

	tokenCopy := *t
	return &tokenCopy, nil
}

// Search matches name, symbol, or contract address case-insensitively,
// excluding infrastructure symbols, ordered by market cap descending.
func (s *TokenStore) Search(_ context.Context, query string) ([]*domain.Token, error) {
	needle := strings.ToLower(query)

	s.mu.RLock()
	var matched []*domain.Token
	for _, t := range s.byAddress {
		if domain.IsInfrastructureSymbol(t.Symbol) {
			continue
		}
		if strings.Contains(strings.ToLower(t.Name), needle) ||
			strings.Contains(strings.ToLower(t.Symbol), needle) ||
			strings.Contains(strings.ToLower(t.ContractAddress), needle) {
			tokenCopy := *t
			matched = append(matched, &tokenCopy)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].MarketCapUSD != matched[j].MarketCapUSD {
			return matched[i].MarketCapUSD > matched[j].MarketCapUSD
		}
		return matched[i].ContractAddress < matched[j].ContractAddress
	})
	return matched, nil
}

// List returns one sorted page of non-infrastructure tokens plus the total count.
func (s *TokenStore) List(_ context.Context, p storage.ListParams) ([]*domain.Token, int, error) {
	s.mu.RLock()
	all := make([]*domain.Token, 0, len(s.byAddress))
	for _, t := range s.byAddress {
		if domain.IsInfrastructureSymbol(t.Symbol) {
			continue
		}
		tokenCopy := *t
		all = append(all, &tokenCopy)
	}
	s.mu.RUnlock()

	sortTokens(all, p.Sort, p.Direction)

	total := len(all)
	if p.Offset >= total {
		return nil, total, nil
	}
	end := p.Offset + p.Limit
	if p.Limit <= 0 || end > total {
		end = total
	}
	return all[p.Offset:end], total, nil
}

// GlobalStats sums volume and market cap across non-infrastructure tokens.
func (s *TokenStore) GlobalStats(_ context.Context) (*domain.GlobalStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.GlobalStats{}
	for _, t := range s.byAddress {
		if domain.IsInfrastructureSymbol(t.Symbol) {
			continue
		}
		stats.TotalVolume += t.VolumeUSD24h
		stats.TotalMarketCap += t.MarketCapUSD
		stats.TotalTokens++
	}
	return stats, nil
}

// Watch opens a change subscription fed by Upsert.
func (s *TokenStore) Watch(ctx context.Context) (<-chan storage.ChangeNotification, error) {
	s.watchMu.Lock()
	if s.closed {
		s.watchMu.Unlock()
		return nil, storage.ErrWatchClosed
	}
	id := s.nextID
	s.nextID++
	ch := make(chan storage.ChangeNotification, watchBuffer)
	s.watchers[id] = ch
	s.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		if existing, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(existing)
		}
		s.watchMu.Unlock()
	}()

	return ch, nil
}

// Close tears down all watch subscriptions.
func (s *TokenStore) Close() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	s.closed = true
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
}

func (s *TokenStore) notify(n storage.ChangeNotification) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for _, ch := range s.watchers {
		select {
		case ch <- n:
		default:
			// Watcher is not draining; drop. The next mutation is the retry path.
		}
	}
}

// sortTokens orders tokens by the requested field with contract address as
// the tiebreaker so pagination is stable.
func sortTokens(tokens []*domain.Token, field storage.SortField, dir storage.Direction) {
	key := func(t *domain.Token) float64 {
		switch field {
		case storage.SortMarketCap:
			return t.MarketCapUSD
		case storage.SortVolume:
			return t.VolumeUSD24h
		case storage.SortBlockNumber:
			return float64(t.BlockNumber)
		default:
			return t.PriceUSD
		}
	}

	sort.Slice(tokens, func(i, j int) bool {
		ki, kj := key(tokens[i]), key(tokens[j])
		if ki != kj {
			if dir == storage.Asc {
				return ki < kj
			}
			return ki > kj
		}
		return tokens[i].ContractAddress < tokens[j].ContractAddress
	})
}
