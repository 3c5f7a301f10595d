// Package gateway exposes the token feed to clients over a websocket
// endpoint with an HTTP polling fallback.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"koa-gateway/internal/cache"
	"koa-gateway/internal/domain"
	"koa-gateway/internal/observability"
	"koa-gateway/internal/protocol"
	"koa-gateway/internal/query"
	"koa-gateway/internal/session"
	"koa-gateway/internal/storage"
)

const (
	// writeWait bounds a single frame write to a client.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 25 * time.Second
	// handshakeTimeout bounds the websocket upgrade.
	handshakeTimeout = 30 * time.Second
	// maxMessageSize caps inbound frames. Requests are tiny; the ceiling
	// only guards against a runaway peer.
	maxMessageSize = 100 << 20
	// sendBuffer is the per-session outgoing queue. When it fills, pushes
	// to that session are dropped.
	sendBuffer = 256
)

// Server handles websocket sessions and the HTTP fallback API.
type Server struct {
	engine         *query.Engine
	registry       *session.Registry
	history        storage.TokenUpdateHistoryStore
	cache          *cache.Cache
	allowedOrigins []string
	logger         *log.Logger
	upgrader       websocket.Upgrader
}

// Options contains configuration for creating a Server. History and Cache
// are optional; an empty AllowedOrigins list admits every origin.
type Options struct {
	Engine         *query.Engine
	Registry       *session.Registry
	History        storage.TokenUpdateHistoryStore
	Cache          *cache.Cache
	AllowedOrigins []string
	Logger         *log.Logger
}

// NewServer creates a gateway server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		engine:         opts.Engine,
		registry:       opts.Registry,
		history:        opts.History,
		cache:          opts.Cache,
		allowedOrigins: opts.AllowedOrigins,
		logger:         logger,
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin:      func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	return s
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.allowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// client is one websocket session. All writes go through the send queue so
// the connection has a single writer.
type client struct {
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

var _ session.Sender = (*client)(nil)

// Send queues one message without blocking. A full queue or a closed
// session drops the message.
func (c *client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// handleWebsocket upgrades the connection and runs the session until the
// client disconnects or the connection dies.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Printf("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	c := newClient(conn)
	id := s.registry.Register(c)
	observability.RecordSessionConnected()
	s.logger.Printf("session %d connected from %s", id, r.RemoteAddr)

	go c.writePump()
	s.readPump(r.Context(), c, id)

	s.registry.Unregister(id)
	observability.RecordSessionDisconnected()
	c.close()
	conn.Close()
	s.logger.Printf("session %d disconnected", id)
}

func (s *Server) readPump(ctx context.Context, c *client, id int64) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("session %d read: %v", id, err)
			}
			return
		}
		s.dispatch(ctx, c, id, raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// dispatch routes one inbound envelope to the query engine and queues the
// response. Every request gets exactly one response message.
func (s *Server) dispatch(ctx context.Context, c *client, id int64, raw []byte) {
	start := time.Now()

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		s.reply(c, protocol.TypeError, protocol.ErrorPayload{
			Code:    protocol.CodeMalformedRequest,
			Message: "expected {\"type\": ..., \"data\": ...}",
		})
		observability.RecordRequest("unknown", "malformed", time.Since(start).Seconds())
		return
	}

	var (
		kind    string
		payload any
		err     error
	)

	switch env.Type {
	case protocol.TypeSearchTokens:
		var req protocol.SearchRequest
		if !s.decode(c, env, &req, start) {
			return
		}
		var tokens []*domain.Token
		if tokens, err = s.engine.Search(ctx, req.Query); err == nil {
			kind, payload = protocol.TypeSearchResults, protocol.SearchResults{Tokens: tokens}
		}

	case protocol.TypeGetTokens:
		req := protocol.ListRequest{Page: 1}
		if !s.decode(c, env, &req, start) {
			return
		}
		var result *query.ListResult
		if result, err = s.engine.List(ctx, req.Sort, req.Direction, req.Page); err == nil {
			s.registry.RecordQuery(id, session.Query{
				Sort:      req.Sort,
				Direction: req.Direction,
				Page:      req.Page,
			})
			kind, payload = protocol.TypeTokensListUpdate, protocol.TokensList{
				Tokens:     result.Tokens,
				TotalPages: result.TotalPages,
			}
		}

	case protocol.TypeGetTokenDetails:
		var req protocol.DetailsRequest
		if !s.decode(c, env, &req, start) {
			return
		}
		var t *domain.Token
		if t, err = s.tokenDetails(ctx, req.ContractAddress); err == nil {
			kind, payload = protocol.TypeTokenDetails, t
		}

	case protocol.TypeGetGlobalStats:
		var stats *domain.GlobalStats
		if stats, err = s.globalStats(ctx); err == nil {
			kind, payload = protocol.TypeGlobalStatsUpdate, stats
		}

	default:
		s.reply(c, protocol.TypeError, protocol.ErrorPayload{
			Code:    protocol.CodeMalformedRequest,
			Message: "unknown request type: " + env.Type,
		})
		observability.RecordRequest(env.Type, "malformed", time.Since(start).Seconds())
		return
	}

	if err != nil {
		s.reply(c, protocol.TypeError, errorPayload(err))
		observability.RecordRequest(env.Type, "error", time.Since(start).Seconds())
		return
	}

	s.reply(c, kind, payload)
	observability.RecordRequest(env.Type, "ok", time.Since(start).Seconds())
}

// decode unmarshals a request payload. A missing payload keeps the request's
// defaults; anything undecodable is answered with a malformed_request error.
func (s *Server) decode(c *client, env protocol.Envelope, dst any, start time.Time) bool {
	if len(env.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		s.reply(c, protocol.TypeError, protocol.ErrorPayload{
			Code:    protocol.CodeMalformedRequest,
			Message: "invalid " + env.Type + " payload",
		})
		observability.RecordRequest(env.Type, "malformed", time.Since(start).Seconds())
		return false
	}
	return true
}

// tokenDetails serves single-token lookups through the cache.
func (s *Server) tokenDetails(ctx context.Context, contractAddress string) (*domain.Token, error) {
	if t, ok := s.cache.GetToken(ctx, contractAddress); ok {
		return t, nil
	}
	t, err := s.engine.GetByAddress(ctx, contractAddress)
	if err != nil {
		return nil, err
	}
	s.cache.SetToken(ctx, t)
	return t, nil
}

// globalStats serves the stats aggregate through the cache.
func (s *Server) globalStats(ctx context.Context) (*domain.GlobalStats, error) {
	if stats, ok := s.cache.GetStats(ctx); ok {
		return stats, nil
	}
	stats, err := s.engine.GlobalStats(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.SetStats(ctx, stats)
	return stats, nil
}

func (s *Server) reply(c *client, kind string, payload any) {
	raw, err := protocol.Marshal(kind, payload)
	if err != nil {
		s.logger.Printf("marshal %s response: %v", kind, err)
		return
	}
	c.Send(raw)
}

// errorPayload maps an engine error onto the wire error codes. Store
// internals never reach the client.
func errorPayload(err error) protocol.ErrorPayload {
	var badRequest *query.BadRequestError
	switch {
	case errors.As(err, &badRequest):
		return protocol.ErrorPayload{Code: protocol.CodeMalformedRequest, Message: badRequest.Error()}
	case errors.Is(err, storage.ErrNotFound):
		return protocol.ErrorPayload{Code: protocol.CodeNotFound, Message: "token not found"}
	default:
		return protocol.ErrorPayload{Code: protocol.CodeStoreUnavailable, Message: "store temporarily unavailable"}
	}
}
