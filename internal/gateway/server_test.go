package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"koa-gateway/internal/domain"
	"koa-gateway/internal/feed"
	"koa-gateway/internal/protocol"
	"koa-gateway/internal/query"
	"koa-gateway/internal/session"
	"koa-gateway/internal/storage/memory"
)

type testGateway struct {
	srv      *httptest.Server
	store    *memory.TokenStore
	history  *memory.TokenUpdateHistoryStore
	registry *session.Registry
}

func newTestGateway(t *testing.T, allowedOrigins []string) *testGateway {
	t.Helper()

	store := memory.NewTokenStore()
	t.Cleanup(store.Close)
	history := memory.NewTokenUpdateHistoryStore()
	registry := session.NewRegistry()

	server := NewServer(Options{
		Engine:         query.NewEngine(store, 0, nil),
		Registry:       registry,
		History:        history,
		AllowedOrigins: allowedOrigins,
	})

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &testGateway{srv: srv, store: store, history: history, registry: registry}
}

func (g *testGateway) seed(t *testing.T, tokens ...*domain.Token) {
	t.Helper()
	for _, tok := range tokens {
		if _, err := g.store.Upsert(context.Background(), tok); err != nil {
			t.Fatalf("Seed upsert failed: %v", err)
		}
	}
}

func (g *testGateway) dial(t *testing.T, origin string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func request(t *testing.T, conn *websocket.Conn, kind string, payload any) protocol.Envelope {
	t.Helper()

	raw, err := protocol.Marshal(kind, payload)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	return readEnvelope(t, conn)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	return env
}

func TestWebsocket_SearchTokens(t *testing.T) {
	g := newTestGateway(t, nil)
	g.seed(t,
		&domain.Token{ContractAddress: "0x1", Name: "Ape Coin", Symbol: "APE", MarketCapUSD: 100},
		&domain.Token{ContractAddress: "0x2", Name: "Banana", Symbol: "BAN", MarketCapUSD: 200},
	)
	conn := g.dial(t, "")

	env := request(t, conn, protocol.TypeSearchTokens, protocol.SearchRequest{Query: "ape"})
	if env.Type != protocol.TypeSearchResults {
		t.Fatalf("Expected %s, got %s", protocol.TypeSearchResults, env.Type)
	}
	var results protocol.SearchResults
	if err := json.Unmarshal(env.Data, &results); err != nil {
		t.Fatalf("Failed to decode results: %v", err)
	}
	if len(results.Tokens) != 1 || results.Tokens[0].Symbol != "APE" {
		t.Errorf("Unexpected search results: %+v", results.Tokens)
	}
}

func TestWebsocket_GetTokensRecordsQuery(t *testing.T) {
	g := newTestGateway(t, nil)
	g.seed(t, &domain.Token{ContractAddress: "0x1", Symbol: "APE", PriceUSD: 1})
	conn := g.dial(t, "")

	env := request(t, conn, protocol.TypeGetTokens, protocol.ListRequest{Sort: "volume", Direction: "asc", Page: 1})
	if env.Type != protocol.TypeTokensListUpdate {
		t.Fatalf("Expected %s, got %s", protocol.TypeTokensListUpdate, env.Type)
	}
	var list protocol.TokensList
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	if len(list.Tokens) != 1 || list.TotalPages != 1 {
		t.Errorf("Unexpected listing: %d tokens, %d pages", len(list.Tokens), list.TotalPages)
	}

	if g.registry.Len() != 1 {
		t.Fatalf("Expected 1 registered session, got %d", g.registry.Len())
	}
	g.registry.ForEach(func(id int64, _ session.Sender) {
		q, ok := g.registry.LastQuery(id)
		if !ok {
			t.Fatal("Listing request was not recorded against the session")
		}
		if q.Sort != "volume" || q.Direction != "asc" || q.Page != 1 {
			t.Errorf("Recorded query mismatch: %+v", q)
		}
	})
}

func TestWebsocket_TokenDetailsAndNotFound(t *testing.T) {
	g := newTestGateway(t, nil)
	g.seed(t, &domain.Token{ContractAddress: "0x1", Symbol: "APE", PriceUSD: 3})
	conn := g.dial(t, "")

	env := request(t, conn, protocol.TypeGetTokenDetails, protocol.DetailsRequest{ContractAddress: "0x1"})
	if env.Type != protocol.TypeTokenDetails {
		t.Fatalf("Expected %s, got %s", protocol.TypeTokenDetails, env.Type)
	}
	var tok domain.Token
	if err := json.Unmarshal(env.Data, &tok); err != nil {
		t.Fatalf("Failed to decode token: %v", err)
	}
	if tok.PriceUSD != 3 {
		t.Errorf("Unexpected token: %+v", tok)
	}

	env = request(t, conn, protocol.TypeGetTokenDetails, protocol.DetailsRequest{ContractAddress: "0xmissing"})
	if env.Type != protocol.TypeError {
		t.Fatalf("Expected error envelope, got %s", env.Type)
	}
	var errPayload protocol.ErrorPayload
	if err := json.Unmarshal(env.Data, &errPayload); err != nil {
		t.Fatalf("Failed to decode error: %v", err)
	}
	if errPayload.Code != protocol.CodeNotFound {
		t.Errorf("Expected %s, got %s", protocol.CodeNotFound, errPayload.Code)
	}
}

func TestWebsocket_GlobalStats(t *testing.T) {
	g := newTestGateway(t, nil)
	g.seed(t,
		&domain.Token{ContractAddress: "0x1", Symbol: "APE", VolumeUSD24h: 100, MarketCapUSD: 1000},
		&domain.Token{ContractAddress: "0x2", Symbol: "WETH", VolumeUSD24h: 900, MarketCapUSD: 9000},
	)
	conn := g.dial(t, "")

	env := request(t, conn, protocol.TypeGetGlobalStats, struct{}{})
	if env.Type != protocol.TypeGlobalStatsUpdate {
		t.Fatalf("Expected %s, got %s", protocol.TypeGlobalStatsUpdate, env.Type)
	}
	var stats domain.GlobalStats
	if err := json.Unmarshal(env.Data, &stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.TotalTokens != 1 || stats.TotalVolume != 100 || stats.TotalMarketCap != 1000 {
		t.Errorf("Infrastructure symbols leaked into stats: %+v", stats)
	}
}

func TestWebsocket_MalformedAndUnknownRequests(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeError {
		t.Fatalf("Expected error envelope, got %s", env.Type)
	}

	env = request(t, conn, "no-such-kind", struct{}{})
	if env.Type != protocol.TypeError {
		t.Fatalf("Expected error envelope, got %s", env.Type)
	}
	var errPayload protocol.ErrorPayload
	if err := json.Unmarshal(env.Data, &errPayload); err != nil {
		t.Fatalf("Failed to decode error: %v", err)
	}
	if errPayload.Code != protocol.CodeMalformedRequest {
		t.Errorf("Expected %s, got %s", protocol.CodeMalformedRequest, errPayload.Code)
	}
}

func TestWebsocket_OriginAllowlist(t *testing.T) {
	g := newTestGateway(t, []string{"https://app.example.com"})

	conn := g.dial(t, "https://app.example.com")
	conn.Close()

	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("Expected handshake rejection for disallowed origin")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", resp.StatusCode)
	}
}

func TestWebsocket_ReceivesPushedUpdates(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, "")

	cfg := feed.DefaultWatcherConfig()
	watcher := feed.NewWatcher(g.store, &cfg, nil)
	runner := feed.NewRunner(feed.RunnerOptions{
		Watcher:        watcher,
		Broadcaster:    feed.NewBroadcaster(g.registry, nil),
		HistoryStore:   g.history,
		FlushThreshold: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)
	go runner.Run(ctx)

	// Give the session a moment to register before mutating the store.
	deadline := time.Now().Add(2 * time.Second)
	for g.registry.Len() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("Session never registered")
		}
		time.Sleep(time.Millisecond)
	}

	g.seed(t, &domain.Token{ContractAddress: "0x1", Symbol: "APE", PriceUSD: 42})

	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeTokenUpdate {
		t.Fatalf("Expected %s push, got %s", protocol.TypeTokenUpdate, env.Type)
	}
	var pushed domain.Token
	if err := json.Unmarshal(env.Data, &pushed); err != nil {
		t.Fatalf("Failed to decode push: %v", err)
	}
	if pushed.ContractAddress != "0x1" || pushed.PriceUSD != 42 {
		t.Errorf("Unexpected push: %+v", pushed)
	}
}

func TestHTTPFallback_Endpoints(t *testing.T) {
	g := newTestGateway(t, nil)
	g.seed(t,
		&domain.Token{ContractAddress: "0x1", Name: "Ape Coin", Symbol: "APE", PriceUSD: 5, MarketCapUSD: 500},
		&domain.Token{ContractAddress: "0x2", Name: "Banana", Symbol: "BAN", PriceUSD: 2, MarketCapUSD: 200},
	)

	var list query.ListResult
	getJSON(t, g.srv.URL+"/api/tokens?sort=price&direction=desc&page=1", http.StatusOK, &list)
	if len(list.Tokens) != 2 || list.Tokens[0].Symbol != "APE" {
		t.Errorf("Unexpected listing: %+v", list.Tokens)
	}

	var results protocol.SearchResults
	getJSON(t, g.srv.URL+"/api/tokens/search?q=banana", http.StatusOK, &results)
	if len(results.Tokens) != 1 || results.Tokens[0].Symbol != "BAN" {
		t.Errorf("Unexpected search results: %+v", results.Tokens)
	}

	var tok domain.Token
	getJSON(t, g.srv.URL+"/api/tokens/0x2", http.StatusOK, &tok)
	if tok.Name != "Banana" {
		t.Errorf("Unexpected token: %+v", tok)
	}

	var stats domain.GlobalStats
	getJSON(t, g.srv.URL+"/api/stats", http.StatusOK, &stats)
	if stats.TotalTokens != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	var errPayload protocol.ErrorPayload
	getJSON(t, g.srv.URL+"/api/tokens/0xmissing", http.StatusNotFound, &errPayload)
	if errPayload.Code != protocol.CodeNotFound {
		t.Errorf("Expected %s, got %s", protocol.CodeNotFound, errPayload.Code)
	}

	getJSON(t, g.srv.URL+"/api/tokens?page=0", http.StatusBadRequest, &errPayload)
	if errPayload.Code != protocol.CodeMalformedRequest {
		t.Errorf("Expected %s, got %s", protocol.CodeMalformedRequest, errPayload.Code)
	}
}

func TestHTTPFallback_History(t *testing.T) {
	g := newTestGateway(t, nil)
	err := g.history.InsertBulk(context.Background(), []*domain.TokenUpdate{
		{ContractAddress: "0x1", Symbol: "APE", Op: domain.OpInsert, PriceUSD: 1, ObservedAt: 100},
		{ContractAddress: "0x1", Symbol: "APE", Op: domain.OpUpdate, PriceUSD: 2, ObservedAt: 200},
	})
	if err != nil {
		t.Fatalf("Seed history failed: %v", err)
	}

	var body struct {
		Updates []*domain.TokenUpdate `json:"updates"`
	}
	getJSON(t, g.srv.URL+"/api/tokens/0x1/history?limit=10", http.StatusOK, &body)
	if len(body.Updates) != 2 {
		t.Fatalf("Expected 2 history rows, got %d", len(body.Updates))
	}
	if body.Updates[0].ObservedAt != 200 {
		t.Errorf("Expected newest row first, got %+v", body.Updates[0])
	}
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: expected status %d, got %d", url, wantStatus, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("GET %s: decode: %v", url, err)
	}
}
