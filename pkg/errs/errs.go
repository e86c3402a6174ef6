// Package errs classifies Echoman's pipeline failures into the four kinds
// spec.md's error handling design names, and attaches a retry policy to
// each kind.
package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Kind identifies one of the error categories the pipeline recognizes.
type Kind int

const (
	// KindTransientProvider covers network/timeout failures talking to an
	// LLM, embedding, or vector-index provider. Retryable with backoff.
	KindTransientProvider Kind = iota
	// KindMalformedResponse covers a provider response that doesn't parse
	// into the expected shape (bad JSON, missing fields, decision outside
	// the expected value set). Retryable once with a corrective re-prompt.
	KindMalformedResponse
	// KindGroupHandler covers a panic or unexpected error processing a
	// single stage-two group. Not retried within the batch; the group is
	// marked failed and the batch continues.
	KindGroupHandler
	// KindBatchFatal covers a failure that invalidates the whole batch
	// (e.g. the database connection is gone). Not retried; the run is
	// marked failed.
	KindBatchFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransientProvider:
		return "transient_provider_error"
	case KindMalformedResponse:
		return "malformed_response"
	case KindGroupHandler:
		return "group_handler_error"
	case KindBatchFatal:
		return "batch_fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind should be retried at all.
func (k Kind) Retryable() bool {
	return k == KindTransientProvider || k == KindMalformedResponse
}

// MaxAttempts is the number of total attempts (including the first) a
// caller should make for errors of this kind.
func (k Kind) MaxAttempts() int {
	switch k {
	case KindTransientProvider:
		return 3
	case KindMalformedResponse:
		return 2
	default:
		return 1
	}
}

// Error wraps an underlying cause with its classified Kind and an
// optional Component identifying where it was raised.
type Error struct {
	Kind      Kind
	Component string
	Cause     error
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause as an Error of the given kind, raised by component.
func New(kind Kind, component string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Cause: cause}
}

// Classify inspects err (typically the return value of an HTTP/network
// call to an external provider) and assigns it a Kind. Context
// cancellation and context deadline expiry are batch-fatal and never
// retried; net.Error values (including network-level timeouts) and
// connection-level failures are transient; anything else defaults to
// malformed-response, since by
// this point in the pipeline a non-network error from a provider client
// usually means the response body didn't parse.
func Classify(err error) Kind {
	if err == nil {
		return KindTransientProvider
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindBatchFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientProvider
	}
	if isConnectionError(err) {
		return KindTransientProvider
	}
	return KindMalformedResponse
}

func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"tls handshake timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Backoff returns the jittered delay to wait before attempt number
// attempt (1-indexed) of a retryable operation.
func Backoff(attempt int) time.Duration {
	base := 200 * time.Millisecond
	max := 3 * time.Second
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(int64(d) / 2)
	out := d - jitter + time.Duration(pseudoRand(int64(jitter)*2))
	if out > max {
		out = max
	}
	return out
}

// pseudoRand is a tiny deterministic-free jitter source so pkg/errs does
// not need to depend on math/rand's global lock on every retry.
var jitterState = time.Now().UnixNano()

func pseudoRand(n int64) int64 {
	if n <= 0 {
		return 0
	}
	jitterState = jitterState*6364136223846793005 + 1442695040888963407
	v := jitterState
	if v < 0 {
		v = -v
	}
	return v % n
}
