package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Transport-level failure classes. Implementations wrap these so callers can
// translate them to protocol errors with errors.Is without depending on the
// concrete provider.
var (
	// ErrBackendTimeout indicates the upstream did not answer within the
	// per-call deadline
	ErrBackendTimeout = errors.New("upstream request timed out")

	// ErrBackendConnection indicates the upstream could not be reached
	ErrBackendConnection = errors.New("upstream connection failed")

	// ErrBackendInvalidResponse indicates the upstream answered with a body
	// that could not be decoded as the expected shape
	ErrBackendInvalidResponse = errors.New("upstream returned invalid response")
)

// UpstreamError is an OAuth-style error body returned by the upstream
// (error + error_description). Device flow polling depends on these passing
// through unchanged: authorization_pending, slow_down, access_denied and
// expired_token are protocol states, not transport failures.
type UpstreamError struct {
	// Code is the OAuth error code from the upstream response body
	Code string

	// Description is the upstream's human-readable error_description
	Description string

	// Status is the HTTP status the upstream answered with
	Status int
}

func (e *UpstreamError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("upstream error %q: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("upstream error %q", e.Code)
}

// AsUpstreamError extracts an *UpstreamError from an error chain.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// ClassifyTransportError wraps a client.Do failure with the matching backend
// sentinel. Context deadline and net timeouts become ErrBackendTimeout,
// everything else ErrBackendConnection.
func ClassifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendConnection, err)
}
