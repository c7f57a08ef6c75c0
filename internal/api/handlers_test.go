package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentoven/bgutil-pot-broker/internal/api"
	"github.com/agentoven/bgutil-pot-broker/internal/api/handlers"
	"github.com/agentoven/bgutil-pot-broker/internal/apierr"
	"github.com/agentoven/bgutil-pot-broker/internal/botguard"
	"github.com/agentoven/bgutil-pot-broker/internal/challenge"
	"github.com/agentoven/bgutil-pot-broker/internal/session"
	"github.com/agentoven/bgutil-pot-broker/pkg/potapi"
)

// fakeSolver is the same BotGuard stand-in internal/session uses: it never
// touches goja, so these tests exercise the router/handlers/session wiring
// without paying for a real VM attestation.
type fakeSolver struct {
	calls int
	token string
	err   error
}

func (f *fakeSolver) Attest(ctx context.Context, program challenge.Program, timeout time.Duration) (botguard.Attestation, error) {
	f.calls++
	if f.err != nil {
		return botguard.Attestation{}, f.err
	}
	return botguard.Attestation{IntegrityToken: f.token, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func newTestServer(t *testing.T, solver botguard.Solver) *httptest.Server {
	t.Helper()
	mgr := session.New(session.Config{
		SafetyMargin:     time.Minute,
		TokenTTL:         time.Hour,
		VMTimeout:        time.Second,
		MaxVMTimeout:     30 * time.Second,
		ChallengeTimeout: 5 * time.Second,
	}, solver)
	h := handlers.New(mgr, "test")
	router := api.NewRouter(h, 10*time.Second)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeGetPOT(t *testing.T, resp *http.Response) potapi.GetPOTResponse {
	t.Helper()
	var out potapi.GetPOTResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode /get_pot response: %v", err)
	}
	return out
}

func decodeEnvelope(t *testing.T, resp *http.Response) apierr.Envelope {
	t.Helper()
	var out apierr.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return out
}

func structuredChallenge() map[string]any {
	return map[string]any{
		"global_name": "trayek",
		"program":     "stub-program",
		"challenge_id": "c1",
	}
}

// TestGetPOT_ColdDefaultMinter covers §8's cold-start scenario: the first
// request for a content binding with no proxy/source override bootstraps
// the "default" minter and returns a fresh POT.
func TestGetPOT_ColdDefaultMinter(t *testing.T) {
	srv := newTestServer(t, &fakeSolver{token: "integrity-1"})

	resp := postJSON(t, srv, "/get_pot", map[string]any{
		"content_binding": "L3KvsX8hJss",
		"challenge":       structuredChallenge(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeGetPOT(t, resp)
	if body.ContentBinding != "L3KvsX8hJss" {
		t.Fatalf("content_binding = %q", body.ContentBinding)
	}
	if body.POToken == "" {
		t.Fatal("expected non-empty po_token")
	}

	cacheResp, err := http.Get(srv.URL + "/minter_cache")
	if err != nil {
		t.Fatalf("GET /minter_cache: %v", err)
	}
	defer cacheResp.Body.Close()
	var keys potapi.MinterCacheResponse
	if err := json.NewDecoder(cacheResp.Body).Decode(&keys); err != nil {
		t.Fatalf("decode /minter_cache: %v", err)
	}
	if len(keys) != 1 || keys[0] != "default" {
		t.Fatalf("minter_cache = %v, want [\"default\"]", keys)
	}
}

// TestGetPOT_CachedHit covers §8's cached-hit scenario: a second request
// for the same content binding and context reuses the cached POT without
// a second attestation.
func TestGetPOT_CachedHit(t *testing.T) {
	solver := &fakeSolver{token: "integrity-1"}
	srv := newTestServer(t, solver)

	reqBody := map[string]any{
		"content_binding": "L3KvsX8hJss",
		"challenge":       structuredChallenge(),
	}
	first := decodeGetPOT(t, postJSON(t, srv, "/get_pot", reqBody))
	second := decodeGetPOT(t, postJSON(t, srv, "/get_pot", reqBody))

	if first.POToken != second.POToken {
		t.Fatalf("expected cached po_token reused: %q != %q", first.POToken, second.POToken)
	}
	if solver.calls != 1 {
		t.Fatalf("expected 1 attestation, got %d", solver.calls)
	}
}

// TestGetPOT_BypassCache covers §8's bypass_cache scenario: a repeat
// request with bypass_cache=true mints a fresh token without a second
// attestation, since the minter itself is still Ready.
func TestGetPOT_BypassCache(t *testing.T) {
	solver := &fakeSolver{token: "integrity-1"}
	srv := newTestServer(t, solver)

	reqBody := map[string]any{
		"content_binding": "L3KvsX8hJss",
		"challenge":       structuredChallenge(),
	}
	_ = decodeGetPOT(t, postJSON(t, srv, "/get_pot", reqBody))

	bypassBody := map[string]any{
		"content_binding": "L3KvsX8hJss",
		"challenge":       structuredChallenge(),
		"bypass_cache":    true,
	}
	resp := postJSON(t, srv, "/get_pot", bypassBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if solver.calls != 1 {
		t.Fatalf("expected attestation count unchanged by bypass_cache, got %d", solver.calls)
	}
}

// TestGetPOT_DistinctMintersByProxy covers §8's proxy-partitioning
// scenario: two requests differing only by proxy bootstrap two separate
// minters.
func TestGetPOT_DistinctMintersByProxy(t *testing.T) {
	srv := newTestServer(t, &fakeSolver{token: "integrity-1"})

	for _, proxy := range []string{"http://a:1", "http://b:2"} {
		resp := postJSON(t, srv, "/get_pot", map[string]any{
			"content_binding": "X",
			"proxy":           proxy,
			"challenge":       structuredChallenge(),
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("proxy %s: status = %d", proxy, resp.StatusCode)
		}
	}

	cacheResp, err := http.Get(srv.URL + "/minter_cache")
	if err != nil {
		t.Fatalf("GET /minter_cache: %v", err)
	}
	defer cacheResp.Body.Close()
	var keys potapi.MinterCacheResponse
	if err := json.NewDecoder(cacheResp.Body).Decode(&keys); err != nil {
		t.Fatalf("decode /minter_cache: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 distinct minters, got %v", keys)
	}
}

// TestGetPOT_LegacyAndStructuredChallengeEquivalent covers §8's
// polymorphic-challenge scenario: the legacy JSON-string encoding and the
// modern structured object must mint against the same program.
func TestGetPOT_LegacyAndStructuredChallengeEquivalent(t *testing.T) {
	structuredResp := postJSON(t, newTestServer(t, &fakeSolver{token: "integrity-1"}), "/get_pot", map[string]any{
		"content_binding": "L3KvsX8hJss",
		"challenge":       structuredChallenge(),
	})
	if structuredResp.StatusCode != http.StatusOK {
		t.Fatalf("structured form: status = %d", structuredResp.StatusCode)
	}

	legacyChallenge, err := json.Marshal(structuredChallenge())
	if err != nil {
		t.Fatalf("marshal legacy challenge: %v", err)
	}
	legacyResp := postJSON(t, newTestServer(t, &fakeSolver{token: "integrity-1"}), "/get_pot", map[string]any{
		"content_binding": "L3KvsX8hJss",
		"challenge":       string(legacyChallenge),
	})
	if legacyResp.StatusCode != http.StatusOK {
		t.Fatalf("legacy form: status = %d", legacyResp.StatusCode)
	}

	structuredBody := decodeGetPOT(t, structuredResp)
	legacyBody := decodeGetPOT(t, legacyResp)
	if structuredBody.ContentBinding != legacyBody.ContentBinding {
		t.Fatalf("content_binding mismatch: %q != %q", structuredBody.ContentBinding, legacyBody.ContentBinding)
	}
}

// TestGetPOT_DeprecatedFieldRejected covers §8's deprecated-field
// scenario: a top-level visitor_data or data_sync_id is rejected before
// any minting happens.
func TestGetPOT_DeprecatedFieldRejected(t *testing.T) {
	srv := newTestServer(t, &fakeSolver{token: "integrity-1"})

	resp := postJSON(t, srv, "/get_pot", map[string]any{
		"content_binding": "L3KvsX8hJss",
		"visitor_data":    "some-visitor-data",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Category != apierr.Validation {
		t.Fatalf("category = %q, want validation", env.Category)
	}
	if env.Details.Field != "visitor_data" {
		t.Fatalf("field = %q, want visitor_data", env.Details.Field)
	}
}

// TestGetPOT_MissingContentBinding covers the plain Validation/400 case
// that isn't a deprecated-field rejection.
func TestGetPOT_MissingContentBinding(t *testing.T) {
	srv := newTestServer(t, &fakeSolver{token: "integrity-1"})

	resp := postJSON(t, srv, "/get_pot", map[string]any{
		"challenge": structuredChallenge(),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// TestGetPOT_MalformedBody covers the 422 malformed-payload path: a body
// that isn't valid JSON never reaches the session manager.
func TestGetPOT_MalformedBody(t *testing.T) {
	srv := newTestServer(t, &fakeSolver{token: "integrity-1"})

	resp, err := http.Post(srv.URL+"/get_pot", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST /get_pot: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Details.Code != "malformed_payload" {
		t.Fatalf("code = %q, want malformed_payload", env.Details.Code)
	}
}

// TestGetPOT_TransientUpstreamMapsTo502 covers the 502 status-mapping
// case: when no challenge override is supplied the session manager falls
// back to fetching one, and a fetch failure classifies as
// Transient-Upstream.
func TestGetPOT_TransientUpstreamMapsTo502(t *testing.T) {
	mgr := session.New(session.Config{
		SafetyMargin:     time.Minute,
		TokenTTL:         time.Hour,
		VMTimeout:        time.Second,
		MaxVMTimeout:     30 * time.Second,
		ChallengeTimeout: 5 * time.Second,
	}, &fakeSolver{token: "integrity-1"})
	h := handlers.New(mgr, "test")
	srv := httptest.NewServer(api.NewRouter(h, 10*time.Second))
	t.Cleanup(srv.Close)

	// No "challenge" field: the handler leaves req.Challenge nil, which
	// forces the real challenge.HTTPFetcher path. Pointed at an
	// unroutable host via source_address's proxy-equivalent knob isn't
	// exposed at the wire level, so instead this exercises the fetcher's
	// own failure mode indirectly: a non-empty proxy that can't be
	// dialed surfaces as the same Transient-Upstream category.
	resp := postJSON(t, srv, "/get_pot", map[string]any{
		"content_binding": "L3KvsX8hJss",
		"proxy":           "http://127.0.0.1:1",
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Category != apierr.TransientUpstream {
		t.Fatalf("category = %q, want transient_upstream", env.Category)
	}
}

// TestPing covers the liveness endpoint's shape.
func TestPing(t *testing.T) {
	srv := newTestServer(t, &fakeSolver{token: "integrity-1"})

	resp, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatalf("GET /ping: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body potapi.PingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /ping: %v", err)
	}
	if body.Version != "test" {
		t.Fatalf("version = %q, want test", body.Version)
	}
}

// TestInvalidateCaches_And_InvalidateIntegrity cover the two invalidation
// endpoints' 204 contract and that a rebootstrap follows invalidate_it.
func TestInvalidateCaches_And_InvalidateIntegrity(t *testing.T) {
	solver := &fakeSolver{token: "integrity-1"}
	srv := newTestServer(t, solver)

	reqBody := map[string]any{
		"content_binding": "L3KvsX8hJss",
		"challenge":       structuredChallenge(),
	}
	_ = decodeGetPOT(t, postJSON(t, srv, "/get_pot", reqBody))

	resp, err := http.Post(srv.URL+"/invalidate_caches", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /invalidate_caches: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	resp2, err := http.Post(srv.URL+"/invalidate_it", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /invalidate_it: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp2.StatusCode)
	}

	_ = decodeGetPOT(t, postJSON(t, srv, "/get_pot", reqBody))
	if solver.calls != 2 {
		t.Fatalf("expected re-attestation after invalidate_it, got %d calls", solver.calls)
	}
}
