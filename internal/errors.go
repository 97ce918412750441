package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// errNotFound means every provider was reachable but none had a match.
	errNotFound = errors.New("not found")

	// errCanceled is returned by pipelines that observed a cancel request.
	errCanceled = errors.New("job canceled")
)

// statusErr is an error that carries an HTTP status code. Transports return
// these for upstream responses >= 400 so callers can branch on status.
type statusErr int

func (s statusErr) Error() string {
	return fmt.Sprintf("status %d", int(s))
}

// Status returns the HTTP status code associated with the error.
func (s statusErr) Status() int {
	return int(s)
}

// apiErr is a client-visible error: an HTTP status plus a stable machine
// code. Handlers render these into the response envelope verbatim; anything
// else becomes a generic 500.
type apiErr struct {
	status  int
	code    string
	msg     string
	details map[string]any
	cause   error
}

func (e *apiErr) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *apiErr) Unwrap() error { return e.cause }

func errValidation(code, msg string) *apiErr {
	return &apiErr{status: http.StatusBadRequest, code: code, msg: msg}
}

func errAuth(code, msg string) *apiErr {
	return &apiErr{status: http.StatusUnauthorized, code: code, msg: msg}
}

func errJobNotFound(jobID string) *apiErr {
	return &apiErr{status: http.StatusNotFound, code: "JOB_NOT_FOUND", msg: fmt.Sprintf("no such job %q", jobID)}
}

func errTooLarge(code, msg string) *apiErr {
	return &apiErr{status: http.StatusRequestEntityTooLarge, code: code, msg: msg}
}

func errRateLimited(retryAfter time.Duration) *apiErr {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return &apiErr{
		status:  http.StatusTooManyRequests,
		code:    "RATE_LIMITED",
		msg:     "too many requests",
		details: map[string]any{"retry_after": secs},
	}
}

func errProvidersUnavailable(err error) *apiErr {
	return &apiErr{
		status: http.StatusServiceUnavailable,
		code:   "PROVIDER_UNAVAILABLE",
		msg:    "all metadata providers failed",
		details: map[string]any{
			"cause": err.Error(),
		},
		cause: err,
	}
}

// asAPIErr unwraps err into a client-visible apiErr if there is one.
func asAPIErr(err error) (*apiErr, bool) {
	var ae *apiErr
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// providerErrKind classifies upstream failures so the enrichment engine knows
// whether falling through to the next provider can help.
type providerErrKind int

const (
	providerTimeout providerErrKind = iota + 1
	providerTransient
	providerPermanent
	providerRateLimited
)

func (k providerErrKind) String() string {
	switch k {
	case providerTimeout:
		return "provider_timeout"
	case providerTransient:
		return "provider_transient"
	case providerPermanent:
		return "provider_permanent"
	case providerRateLimited:
		return "provider_rate_limited"
	}
	return "provider_unknown"
}

// providerErr is a typed failure from a single provider client.
type providerErr struct {
	provider   string
	kind       providerErrKind
	retryAfter time.Duration
	err        error
}

func (e *providerErr) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.provider, e.kind, e.err)
}

func (e *providerErr) Unwrap() error { return e.err }

// retryable reports whether the same request might succeed against another
// provider or on a later attempt.
func (e *providerErr) retryable() bool {
	return e.kind != providerPermanent
}

// classifyProviderErr wraps an arbitrary client failure into a providerErr.
// Status codes come through as statusErr from the transport stack.
func classifyProviderErr(provider string, err error) *providerErr {
	var pe *providerErr
	if errors.As(err, &pe) {
		return pe
	}

	var hint *retryHint
	if errors.As(err, &hint) {
		return &providerErr{provider: provider, kind: providerRateLimited, retryAfter: hint.after, err: err}
	}

	var s statusErr
	if errors.As(err, &s) {
		switch {
		case s.Status() == http.StatusTooManyRequests:
			return &providerErr{provider: provider, kind: providerRateLimited, retryAfter: time.Minute, err: err}
		case s.Status() >= 500:
			return &providerErr{provider: provider, kind: providerTransient, err: err}
		default:
			return &providerErr{provider: provider, kind: providerPermanent, err: err}
		}
	}

	if isTimeout(err) {
		return &providerErr{provider: provider, kind: providerTimeout, err: err}
	}

	// Network, DNS, TLS and malformed payloads are all worth retrying
	// elsewhere.
	return &providerErr{provider: provider, kind: providerTransient, err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}
