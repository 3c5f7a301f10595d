package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"koa-gateway/internal/cache"
	"koa-gateway/internal/domain"
	"koa-gateway/internal/observability"
	"koa-gateway/internal/storage"
)

// Runner wires the watcher's event stream to its consumers: the broadcaster,
// the cache invalidation, and the token-update history trail. History rows
// are buffered and flushed in batches; a failed flush is logged and dropped,
// never fatal, and never blocks fan-out.
type Runner struct {
	watcher        *Watcher
	broadcaster    *Broadcaster
	historyStore   storage.TokenUpdateHistoryStore
	cache          *cache.Cache
	flushInterval  time.Duration
	flushThreshold int
	logger         *log.Logger

	mu      sync.Mutex
	pending []*domain.TokenUpdate
}

// RunnerOptions contains configuration for creating a Runner. HistoryStore
// and Cache are optional.
type RunnerOptions struct {
	Watcher        *Watcher
	Broadcaster    *Broadcaster
	HistoryStore   storage.TokenUpdateHistoryStore
	Cache          *cache.Cache
	FlushInterval  time.Duration // Default: 5s
	FlushThreshold int           // Default: 64 rows
	Logger         *log.Logger
}

// NewRunner creates a new feed runner.
func NewRunner(opts RunnerOptions) *Runner {
	flushInterval := opts.FlushInterval
	if flushInterval == 0 {
		flushInterval = 5 * time.Second
	}
	flushThreshold := opts.FlushThreshold
	if flushThreshold == 0 {
		flushThreshold = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Runner{
		watcher:        opts.Watcher,
		broadcaster:    opts.Broadcaster,
		historyStore:   opts.HistoryStore,
		cache:          opts.Cache,
		flushInterval:  flushInterval,
		flushThreshold: flushThreshold,
		logger:         logger,
	}
}

// Run consumes change events until the watcher's stream closes or ctx is
// cancelled. Buffered history rows are flushed on exit.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-r.watcher.Events():
			if !ok {
				r.flush()
				return nil
			}
			r.handleEvent(ctx, e)
		case <-ticker.C:
			r.flush()
		case <-ctx.Done():
			r.flush()
			return ctx.Err()
		}
	}
}

func (r *Runner) handleEvent(ctx context.Context, e *domain.ChangeEvent) {
	r.broadcaster.Broadcast(e)
	r.cache.InvalidateToken(ctx, e.Token.ContractAddress)

	if r.historyStore == nil {
		return
	}
	r.mu.Lock()
	r.pending = append(r.pending, &domain.TokenUpdate{
		ContractAddress: e.Token.ContractAddress,
		Symbol:          e.Token.Symbol,
		Op:              e.Op,
		PriceUSD:        e.Token.PriceUSD,
		MarketCapUSD:    e.Token.MarketCapUSD,
		VolumeUSD24h:    e.Token.VolumeUSD24h,
		BlockNumber:     e.Token.BlockNumber,
		ObservedAt:      time.Now().UnixMilli(),
	})
	full := len(r.pending) >= r.flushThreshold
	r.mu.Unlock()

	if full {
		r.flush()
	}
}

// flush writes buffered history rows. Uses a fresh context so a shutdown
// flush still goes out.
func (r *Runner) flush() {
	if r.historyStore == nil {
		return
	}

	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := r.historyStore.InsertBulk(ctx, batch)
	observability.RecordHistoryWrite(len(batch), err)
	if err != nil {
		r.logger.Printf("history flush of %d row(s) failed: %v", len(batch), err)
	}
}
