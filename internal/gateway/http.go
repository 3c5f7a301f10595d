package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"koa-gateway/internal/observability"
	"koa-gateway/internal/protocol"
	"koa-gateway/internal/query"
	"koa-gateway/internal/storage"
)

const defaultHistoryLimit = 100

// Router builds the gateway's HTTP surface: the websocket endpoint, the
// polling fallback under /api, and the operational endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebsocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.originMiddleware)
		r.Get("/tokens", s.handleListTokens)
		r.Get("/tokens/search", s.handleSearchTokens)
		r.Get("/tokens/{address}", s.handleTokenDetails)
		r.Get("/tokens/{address}/history", s.handleTokenHistory)
		r.Get("/stats", s.handleGlobalStats)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.Handler())

	return r
}

// originMiddleware enforces the origin allowlist on the polling API the same
// way the websocket upgrade does.
func (s *Server) originMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !s.originAllowed(origin) {
			writeError(w, http.StatusForbidden, protocol.CodeMalformedRequest, "origin not allowed")
			return
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, protocol.CodeMalformedRequest, "invalid page: must be a positive integer")
			return
		}
		page = n
	}

	result, err := s.engine.List(r.Context(),
		r.URL.Query().Get("sort"),
		r.URL.Query().Get("direction"),
		page,
	)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSearchTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.engine.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.SearchResults{Tokens: tokens})
}

func (s *Server) handleTokenDetails(w http.ResponseWriter, r *http.Request) {
	t, err := s.tokenDetails(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTokenHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "history trail not enabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, protocol.CodeMalformedRequest, "invalid limit: must be a positive integer")
			return
		}
		limit = n
	}

	rows, err := s.history.GetByAddress(r.Context(), chi.URLParam(r, "address"), limit)
	if err != nil {
		s.logger.Printf("history lookup: %v", err)
		writeError(w, http.StatusServiceUnavailable, protocol.CodeStoreUnavailable, "store temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": rows})
}

func (s *Server) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.globalStats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorPayload{Code: code, Message: message})
}

func writeEngineError(w http.ResponseWriter, err error) {
	var badRequest *query.BadRequestError
	switch {
	case errors.As(err, &badRequest):
		writeError(w, http.StatusBadRequest, protocol.CodeMalformedRequest, badRequest.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, protocol.CodeNotFound, "token not found")
	default:
		writeError(w, http.StatusServiceUnavailable, protocol.CodeStoreUnavailable, "store temporarily unavailable")
	}
}
