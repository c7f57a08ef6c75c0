// Package potapi defines the wire-facing request and response shapes for
// the broker's HTTP surface.
package potapi

import (
	"encoding/json"
	"time"

	"github.com/agentoven/bgutil-pot-broker/internal/challenge"
)

// GetPOTRequest is the body of POST /get_pot. Challenge accepts either a
// JSON string (legacy) or a structured object — both forms parse to the
// same internal challenge.Program.
type GetPOTRequest struct {
	ContentBinding         string          `json:"content_binding"`
	Proxy                  string          `json:"proxy,omitempty"`
	BypassCache            bool            `json:"bypass_cache,omitempty"`
	SourceAddress          string          `json:"source_address,omitempty"`
	DisableTLSVerification bool            `json:"disable_tls_verification,omitempty"`
	Challenge              json.RawMessage `json:"challenge,omitempty"`
	DisableInnertube       bool            `json:"disable_innertube,omitempty"`
	InnertubeContext       json.RawMessage `json:"innertube_context,omitempty"`
	Context                string          `json:"context,omitempty"`

	// Legacy top-level fields. Present only so the deprecation guard can
	// see and reject them; never consumed otherwise.
	DataSyncID  string `json:"data_sync_id,omitempty"`
	VisitorData string `json:"visitor_data,omitempty"`
}

// ParseChallenge parses the polymorphic Challenge field, returning nil,
// nil when the field was omitted.
func (r *GetPOTRequest) ParseChallenge() (*challenge.Program, error) {
	if len(r.Challenge) == 0 {
		return nil, nil
	}
	p, err := challenge.ParseWire(r.Challenge)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPOTResponse is the body of a successful /get_pot response.
type GetPOTResponse struct {
	POToken        string `json:"po_token"`
	ExpiresAt      string `json:"expires_at"`
	ContentBinding string `json:"content_binding"`
	Context        string `json:"context"`
}

// NewGetPOTResponse formats expiresAt as RFC 3339 UTC per the wire contract.
func NewGetPOTResponse(poToken string, expiresAt time.Time, contentBinding, context string) GetPOTResponse {
	return GetPOTResponse{
		POToken:        poToken,
		ExpiresAt:      expiresAt.UTC().Format(time.RFC3339),
		ContentBinding: contentBinding,
		Context:        context,
	}
}

// PingResponse is the body of GET /ping.
type PingResponse struct {
	ServerUptime string `json:"server_uptime"`
	Version      string `json:"version"`
}

// MinterCacheResponse is the body of GET /minter_cache.
type MinterCacheResponse []string
