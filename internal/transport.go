package internal

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// throttledTransport rate limits outbound requests to a provider.
type throttledTransport struct {
	http.RoundTripper
	*rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	return t.RoundTripper.RoundTrip(r)
}

// scopedTransport restricts requests to a particular host, so redirects can't
// send credentials elsewhere.
type scopedTransport struct {
	host string
	http.RoundTripper
}

func (t scopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.host
	return t.RoundTripper.RoundTrip(r)
}

// headerTransport adds a header to all requests. Best used with a
// scopedTransport.
type headerTransport struct {
	key   string
	value string
	http.RoundTripper
}

func (t headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Add(t.key, t.value)
	return t.RoundTripper.RoundTrip(r)
}

// queryTransport adds a query parameter to all requests. Google Books passes
// its API key this way.
type queryTransport struct {
	param string
	value string
	http.RoundTripper
}

func (t queryTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	q := r.URL.Query()
	q.Set(t.param, t.value)
	r.URL.RawQuery = q.Encode()
	return t.RoundTripper.RoundTrip(r)
}

// errorProxyTransport returns a non-nil statusErr for all response codes 400
// and above so callers can branch on status. A 429 additionally carries the
// upstream Retry-After hint.
type errorProxyTransport struct {
	http.RoundTripper
}

func (t errorProxyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		_ = resp.Body.Close()
		return nil, &retryHint{
			after: parseRetryAfter(resp.Header.Get("Retry-After")),
			err:   statusErr(resp.StatusCode),
		}
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, statusErr(resp.StatusCode)
	}
	return resp, nil
}

// retryHint wraps a 429 with the upstream's Retry-After value.
type retryHint struct {
	after time.Duration
	err   error
}

func (e *retryHint) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.after, e.err)
}

func (e *retryHint) Unwrap() error { return e.err }

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return time.Minute
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Minute
}

// newProviderClient builds the outbound client used for a single provider:
// throttled, host-pinned, with >=400 responses surfaced as errors.
func newProviderClient(host string, rps float64, timeout time.Duration, inner http.RoundTripper) *http.Client {
	if inner == nil {
		inner = http.DefaultTransport
	}
	return &http.Client{
		Timeout: timeout,
		Transport: throttledTransport{
			Limiter: rate.NewLimiter(rate.Limit(rps), 1),
			RoundTripper: scopedTransport{
				host:         host,
				RoundTripper: errorProxyTransport{inner},
			},
		},
	}
}
