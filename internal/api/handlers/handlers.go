// Package handlers implements the broker's five HTTP endpoints: Receive →
// Validate → (deprecated-field check) → Delegate-to-Session-Manager →
// Serialize. No handler holds a lock across the delegate step.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/bgutil-pot-broker/internal/apierr"
	apimiddleware "github.com/agentoven/bgutil-pot-broker/internal/api/middleware"
	"github.com/agentoven/bgutil-pot-broker/internal/session"
	"github.com/agentoven/bgutil-pot-broker/pkg/potapi"
)

// maxBodyBytes bounds how much of a request body we'll read before giving
// up — well above any legitimate /get_pot payload.
const maxBodyBytes = 1 << 20

// diagnosticPrefixBytes is the bound on the offending-payload excerpt
// returned alongside a 422.
const diagnosticPrefixBytes = 2 * 1024

// Handlers wires the HTTP surface to a Session Manager.
type Handlers struct {
	Sessions  *session.Manager
	Version   string
	StartedAt time.Time
}

// New builds a Handlers bound to mgr.
func New(mgr *session.Manager, version string) *Handlers {
	return &Handlers{Sessions: mgr, Version: version, StartedAt: time.Now()}
}

// GetPOT handles POST /get_pot.
func (h *Handlers) GetPOT(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, ctx, apierr.New(apierr.Validation, "failed to read request body"))
		return
	}

	var req potapi.GetPOTRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondMalformed(w, ctx, err, body)
		return
	}

	challengeProgram, err := req.ParseChallenge()
	if err != nil {
		respondMalformed(w, ctx, err, body)
		return
	}

	genReq := session.GenerateRequest{
		ContentBinding: req.ContentBinding,
		Network: session.NetworkOpts{
			Proxy:                  req.Proxy,
			SourceAddress:          req.SourceAddress,
			DisableTLSVerification: req.DisableTLSVerification,
			DisableInnertube:       req.DisableInnertube,
		},
		BypassCache:       req.BypassCache,
		Challenge:         challengeProgram,
		InnertubeContext:  string(req.InnertubeContext),
		Context:           req.Context,
		LegacyDataSyncID:  req.DataSyncID,
		LegacyVisitorData: req.VisitorData,
	}

	resp, err := h.Sessions.Generate(ctx, genReq)
	if err != nil {
		respondError(w, ctx, err)
		return
	}

	respondJSON(w, http.StatusOK, potapi.NewGetPOTResponse(resp.POToken, resp.ExpiresAt, resp.ContentBinding, resp.Context))
}

// Ping handles GET /ping.
func (h *Handlers) Ping(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, potapi.PingResponse{
		ServerUptime: time.Since(h.StartedAt).String(),
		Version:      h.Version,
	})
}

// InvalidateCaches handles POST /invalidate_caches.
func (h *Handlers) InvalidateCaches(w http.ResponseWriter, r *http.Request) {
	h.Sessions.InvalidateCaches()
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateIntegrity handles POST /invalidate_it.
func (h *Handlers) InvalidateIntegrity(w http.ResponseWriter, r *http.Request) {
	h.Sessions.InvalidateIntegrity()
	w.WriteHeader(http.StatusNoContent)
}

// MinterCache handles GET /minter_cache.
func (h *Handlers) MinterCache(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, potapi.MinterCacheResponse(h.Sessions.ListMinterCache()))
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("handlers: failed to encode response body")
	}
}

func respondError(w http.ResponseWriter, ctx context.Context, err error) {
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		apiErr = apierr.Wrap(apierr.Internal, err, "")
	}
	requestID := apimiddleware.GetRequestID(ctx)
	envelope := apierr.NewEnvelope(apiErr, requestID, time.Now())
	respondJSON(w, apiErr.Status(), envelope)
}

func respondMalformed(w http.ResponseWriter, ctx context.Context, err error, body []byte) {
	prefix := body
	if len(prefix) > diagnosticPrefixBytes {
		prefix = prefix[:diagnosticPrefixBytes]
	}
	apiErr := apierr.New(apierr.Validation, "malformed request body: "+err.Error()).
		WithCode("malformed_payload")
	apiErr.Details.Message = apiErr.Details.Message + " (payload prefix: " + string(prefix) + ")"

	requestID := apimiddleware.GetRequestID(ctx)
	envelope := apierr.NewEnvelope(apiErr, requestID, time.Now())
	respondJSON(w, http.StatusUnprocessableEntity, envelope)
}
