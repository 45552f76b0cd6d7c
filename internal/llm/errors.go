package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
)

var (
	// ErrInvalidRequest means the caller payload failed validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidEndpoint means the base address could not be turned into an upstream URL.
	ErrInvalidEndpoint = errors.New("invalid upstream endpoint")
	// ErrUpstreamUnreachable covers connection refused, DNS failures and resets.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrUpstreamTimeout means the upstream did not make progress in time.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrMalformedResponse means the upstream body did not have the expected shape.
	ErrMalformedResponse = errors.New("malformed upstream response")
	// ErrInternal is the catch-all.
	ErrInternal = errors.New("internal error")
)

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	// Body is a truncated copy of the upstream body, for logs only.
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llmclient: upstream %s returned status %d", e.Op, e.StatusCode)
}

// classifyTransportError maps an error from the HTTP round trip or a body
// read onto the error taxonomy. ctx is the request context the call was made with.
func classifyTransportError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(context.Cause(ctx), ErrUpstreamTimeout) {
		return fmt.Errorf("llmclient: %s: %w: %w", op, ErrUpstreamTimeout, err)
	}

	// Caller went away; nobody is left to report to.
	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("llmclient: %s: %w: %w", op, ErrUpstreamTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("llmclient: %s: %w: %w", op, ErrUpstreamTimeout, err)
	}

	if isNetworkError(err) {
		return fmt.Errorf("llmclient: %s: %w: %w", op, ErrUpstreamUnreachable, err)
	}

	return fmt.Errorf("llmclient: %s: %w: %w", op, ErrInternal, err)
}

// isNetworkError reports whether err came from the network layer rather than
// from our own code.
func isNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}

	// url.Error from the client wraps transport failures we can't type-match
	// (e.g. TLS handshake, malformed HTTP response).
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"server closed",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
