package feed

import (
	"log"

	"koa-gateway/internal/domain"
	"koa-gateway/internal/observability"
	"koa-gateway/internal/protocol"
	"koa-gateway/internal/session"
)

// Broadcaster pushes every change event to every registered session.
// Fan-out is unconditional: no per-session query filtering. Delivery is
// best-effort; a session that cannot accept the message loses it, and the
// next change event is the de facto retry.
type Broadcaster struct {
	registry *session.Registry
	logger   *log.Logger
}

// NewBroadcaster creates a broadcaster over the given registry.
func NewBroadcaster(registry *session.Registry, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{registry: registry, logger: logger}
}

// Broadcast fans one token update out to all sessions. It reports how many
// sessions received the message and how many dropped it. Once started, the
// fan-out runs to completion across all sessions.
func (b *Broadcaster) Broadcast(e *domain.ChangeEvent) (delivered, dropped int) {
	payload, err := protocol.Marshal(protocol.TypeTokenUpdate, e.Token)
	if err != nil {
		b.logger.Printf("marshal token update %s: %v", e.Token.ContractAddress, err)
		return 0, 0
	}

	b.registry.ForEach(func(id int64, s session.Sender) {
		if s.Send(payload) {
			delivered++
		} else {
			dropped++
		}
	})

	observability.RecordBroadcast(dropped)
	if dropped > 0 {
		b.logger.Printf("token update %s: dropped for %d slow session(s)", e.Token.ContractAddress, dropped)
	}
	return delivered, dropped
}
