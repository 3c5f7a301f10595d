// Package protocol defines the JSON messages exchanged with feed clients.
// Every message is an envelope: {"type": "<kind>", "data": {...}}.
package protocol

import (
	"encoding/json"
	"fmt"

	"koa-gateway/internal/domain"
)

// Request kinds (client -> gateway).
const (
	TypeSearchTokens    = "search-tokens"
	TypeGetTokens       = "get-tokens"
	TypeGetTokenDetails = "get-token-details"
	TypeGetGlobalStats  = "get-global-stats"
)

// Response and push kinds (gateway -> client).
const (
	TypeSearchResults     = "search-results"
	TypeTokensListUpdate  = "tokens-list-update"
	TypeTokenDetails      = "token-details"
	TypeGlobalStatsUpdate = "global-stats-update"
	TypeTokenUpdate       = "token-update"
	TypeError             = "error"
)

// Error codes carried in error payloads. NotFound is distinct from an empty
// result list so clients can tell "no record" from "no matches".
const (
	CodeMalformedRequest = "malformed_request"
	CodeNotFound         = "not_found"
	CodeStoreUnavailable = "store_unavailable"
)

// Envelope wraps every message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SearchRequest asks for tokens matching a free-text query.
type SearchRequest struct {
	Query string `json:"query"`
}

// ListRequest asks for one page of the sorted token listing.
type ListRequest struct {
	Sort      string `json:"sort"`
	Direction string `json:"direction"`
	Page      int    `json:"page"`
}

// DetailsRequest asks for a single token by contract address.
type DetailsRequest struct {
	ContractAddress string `json:"contractAddress"`
}

// SearchResults carries the answer to a search request.
type SearchResults struct {
	Tokens []*domain.Token `json:"tokens"`
}

// TokensList carries one page of the sorted listing.
type TokensList struct {
	Tokens     []*domain.Token `json:"tokens"`
	TotalPages int             `json:"totalPages"`
}

// ErrorPayload is the explicit failure response for a request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Marshal builds a complete envelope for a message kind and payload.
func Marshal(kind string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	raw, err := json.Marshal(Envelope{Type: kind, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", kind, err)
	}
	return raw, nil
}
