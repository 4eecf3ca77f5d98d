package executor

import (
	"context"
	"errors"
	"net"
	"net/url"
)

// isNetworkFailure reports whether an error from http.Client.Do represents a
// network-level failure (connection could not be established or completed)
// as opposed to an application-level error response. Only network-level
// failures are eligible for failover.
//
// Context cancellation is deliberately not a network failure: the caller
// gave up, switching servers would be wrong.
func isNetworkFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Unwrap to the transport error beneath.
		err = urlErr.Err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	// url.Error with a non-net cause (e.g. malformed response, protocol
	// error during the exchange) still means the call never completed.
	return urlErr != nil
}
