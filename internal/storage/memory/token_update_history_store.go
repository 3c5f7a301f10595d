package memory

import (
	"context"
	"sort"
	"sync"

	"koa-gateway/internal/domain"
	"koa-gateway/internal/storage"
)

// TokenUpdateHistoryStore is an in-memory implementation of
// storage.TokenUpdateHistoryStore.
type TokenUpdateHistoryStore struct {
	mu   sync.RWMutex
	rows []*domain.TokenUpdate
}

// NewTokenUpdateHistoryStore creates a new in-memory history store.
func NewTokenUpdateHistoryStore() *TokenUpdateHistoryStore {
	return &TokenUpdateHistoryStore{}
}

var _ storage.TokenUpdateHistoryStore = (*TokenUpdateHistoryStore)(nil)

// InsertBulk appends a batch of update rows.
func (s *TokenUpdateHistoryStore) InsertBulk(_ context.Context, updates []*domain.TokenUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if u == nil || u.ContractAddress == "" {
			return storage.ErrInvalidInput
		}
		rowCopy := *u
		s.rows = append(s.rows, &rowCopy)
	}
	return nil
}

// GetByAddress retrieves recorded updates for a token, newest first.
func (s *TokenUpdateHistoryStore) GetByAddress(_ context.Context, contractAddress string, limit int) ([]*domain.TokenUpdate, error) {
	s.mu.RLock()
	var matched []*domain.TokenUpdate
	for _, u := range s.rows {
		if u.ContractAddress == contractAddress {
			rowCopy := *u
			matched = append(matched, &rowCopy)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ObservedAt > matched[j].ObservedAt
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Len reports the number of stored rows.
func (s *TokenUpdateHistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
