package challenge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// challengeEndpoint is Google's BotGuard challenge-issuing endpoint.
const challengeEndpoint = "https://www.youtube.com/youtubei/v1/create_peer_connection_config"

// DefaultTimeout is the default per-attempt HTTP timeout for a fetch,
// per spec §4.B.
const DefaultTimeout = 30 * time.Second

// maxAttempts and initialBackoff realize spec §7's bounded retry policy
// for Transient-Upstream errors during challenge fetch: 3 attempts,
// exponential backoff starting at 1s.
const maxAttempts = 3

var initialBackoffInterval = time.Second

// TransientError marks a failure the caller may retry (network error);
// a non-transient failure (malformed body) is permanent for that attempt.
type TransientError struct{ cause error }

func (e *TransientError) Error() string { return "challenge fetch: transient: " + e.cause.Error() }
func (e *TransientError) Unwrap() error { return e.cause }

// Fetcher retrieves the current BotGuard Challenge Program for a
// well-known request key. innertubeContext, when non-empty, is a raw JSON
// object sent as the request's Innertube context instead of the plain
// keyed GET a caller gets by leaving it empty.
type Fetcher interface {
	Fetch(ctx context.Context, requestKey, innertubeContext string) (Program, error)
}

// HTTPFetcher is the production Fetcher: it calls Google's challenge
// endpoint, retrying transient network failures with bounded exponential
// backoff, and never loops synchronously on a permanent parse failure.
type HTTPFetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPFetcher builds a Fetcher bound to client, which the caller has
// already configured with the request's proxy/source-address/TLS-verify
// options (see internal/httpclient).
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{Client: client, Timeout: DefaultTimeout}
}

// Fetch retrieves and parses the Challenge Program for requestKey. When
// innertubeContext is non-empty it is sent as the request body's Innertube
// context instead of the default keyed GET.
func (f *HTTPFetcher) Fetch(ctx context.Context, requestKey, innertubeContext string) (Program, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var program Program
	op := func() error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		body, err := f.doRequest(ctx, requestKey, innertubeContext)
		if err != nil {
			log.Warn().Err(err).Str("request_key", requestKey).Msg("challenge fetch: transient failure, retrying")
			return &TransientError{cause: err}
		}

		parsed, perr := parseFetchResponse(body)
		if perr != nil {
			// Malformed body is permanent for this attempt: do not retry it
			// inside the backoff loop, surface immediately.
			return backoff.Permanent(fmt.Errorf("challenge fetch: permanent: %w", perr))
		}
		program = parsed
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initialBackoffInterval
	b := backoff.WithMaxRetries(expo, maxAttempts-1)

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return Program{}, err
	}
	return program, nil
}

func (f *HTTPFetcher) doRequest(ctx context.Context, requestKey, innertubeContext string) ([]byte, error) {
	url := fmt.Sprintf("%s?key=%s", challengeEndpoint, requestKey)

	var req *http.Request
	var err error
	if innertubeContext != "" {
		body := fmt.Sprintf(`{"context":%s}`, innertubeContext)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
	if err != nil {
		return nil, err
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("challenge endpoint returned %d", resp.StatusCode)
	}
	return body, nil
}
