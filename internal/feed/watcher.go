// Package feed turns raw token-store mutations into normalized change
// events and fans them out to connected sessions.
package feed

import (
	"context"
	"errors"
	"log"
	"time"

	"koa-gateway/internal/domain"
	"koa-gateway/internal/observability"
	"koa-gateway/internal/storage"
)

// WatcherConfig configures change-feed subscription behavior.
type WatcherConfig struct {
	// ReconnectDelay is the initial delay before a resubscribe attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential backoff.
	MaxReconnectDelay time.Duration
	// FetchTimeout bounds the re-fetch of a changed record.
	FetchTimeout time.Duration
	// Buffer is the capacity of the outgoing event channel.
	Buffer int
}

// DefaultWatcherConfig returns default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		FetchTimeout:      5 * time.Second,
		Buffer:            256,
	}
}

// Watcher maintains a standing change subscription on the token store. The
// store's mutation stream may deliver partial deltas, so every notification
// triggers a re-fetch of the full record by contract address before an event
// is emitted. Infrastructure symbols are filtered here so nothing downstream
// ever sees them.
type Watcher struct {
	store  storage.TokenStore
	config WatcherConfig
	logger *log.Logger
	out    chan *domain.ChangeEvent
}

// NewWatcher creates a watcher. A nil config uses defaults.
func NewWatcher(store storage.TokenStore, config *WatcherConfig, logger *log.Logger) *Watcher {
	cfg := DefaultWatcherConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultWatcherConfig().Buffer
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{
		store:  store,
		config: cfg,
		logger: logger,
		out:    make(chan *domain.ChangeEvent, cfg.Buffer),
	}
}

// Events returns the normalized change-event stream. The channel closes when
// Run returns.
func (w *Watcher) Events() <-chan *domain.ChangeEvent {
	return w.out
}

// Run subscribes to the store's mutation stream and re-establishes the
// subscription with exponential backoff whenever it drops. Pull queries are
// unaffected while the subscription is down. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.out)

	delay := w.config.ReconnectDelay

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ch, err := w.store.Watch(ctx)
		if err != nil {
			w.logger.Printf("change feed subscribe failed: %v (retrying in %v)", err, delay)
			observability.RecordWatchResubscribe()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > w.config.MaxReconnectDelay {
				delay = w.config.MaxReconnectDelay
			}
			continue
		}

		delay = w.config.ReconnectDelay

		for n := range ch {
			w.handle(ctx, n)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Println("change feed subscription dropped, resubscribing")
		observability.RecordWatchResubscribe()
	}
}

// handle translates one raw notification into at most one change event.
func (w *Watcher) handle(ctx context.Context, n storage.ChangeNotification) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.config.FetchTimeout)
	t, err := w.store.GetByAddress(fetchCtx, n.ContractAddress)
	cancel()

	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Already deleted; deletions are not propagated.
			observability.RecordChangeEventSkipped("missing")
			return
		}
		w.logger.Printf("re-fetch %s: %v", n.ContractAddress, err)
		observability.RecordChangeEventSkipped("fetch_error")
		return
	}

	if domain.IsInfrastructureSymbol(t.Symbol) {
		observability.RecordChangeEventSkipped("infrastructure")
		return
	}

	t.Normalize()
	observability.RecordChangeEvent(string(n.Op))

	select {
	case w.out <- &domain.ChangeEvent{Op: n.Op, Token: t}:
	case <-ctx.Done():
	}
}
