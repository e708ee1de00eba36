package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a remote operation failure per the engine's error
// taxonomy. The orchestrator and the offline queue branch on the kind, not
// on the underlying error text.
type ErrorKind int

const (
	// KindUnknown covers failures that fit no other class.
	KindUnknown ErrorKind = iota

	// KindNetwork covers timeouts, unreachable hosts, and DNS failures.
	// Retried at the task level and re-triggerable at the cycle level.
	KindNetwork

	// KindAuth covers 401-class responses: expired or invalid credential.
	// Surfaced to the user as action-required; never silently retried
	// with the same credential.
	KindAuth

	// KindServer covers 5xx-class responses and malformed response
	// bodies. Treated as transient with the same retry posture as
	// network errors.
	KindServer

	// KindValidation covers 4xx-class rejections of the payload itself.
	// Fatal for the specific entity's task; blind retries cannot succeed.
	KindValidation

	// KindNotFound covers 404 on update/delete of a server id the remote
	// no longer knows.
	KindNotFound
)

// String returns the kind's name for logs and reports.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindServer:
		return "server"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is a classified remote failure.
type Error struct {
	Kind   ErrorKind
	Op     string // e.g. "list trips", "create memory"
	Status int    // HTTP status, 0 for transport-level failures
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain.
// Errors that are not classified remote errors report KindUnknown.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the failure is transient: network and
// server-class errors are retried; auth and validation errors are not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServer:
		return true
	}
	return false
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindValidation
	}
	return KindUnknown
}

// classifyTransport maps a transport-level error to an error kind.
// Context cancellation passes through unclassified so callers can
// distinguish a user cancel from a network fault.
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	// resty wraps url.Error around dial failures; treat any remaining
	// transport failure as network trouble.
	return KindNetwork
}
