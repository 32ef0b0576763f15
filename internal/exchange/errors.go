package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies an adapter failure so the resilience layer can decide
// whether the call is worth retrying.
type Kind string

const (
	KindNetwork         Kind = "network"
	KindTimeout         Kind = "timeout"
	KindRateLimit       Kind = "rate_limit"
	KindAuth            Kind = "auth"
	KindSymbolUnknown   Kind = "symbol_unknown"
	KindVendorTemporary Kind = "vendor_temporary"
	KindVendorPermanent Kind = "vendor_permanent"
	KindOther           Kind = "other"
)

// Error is the failure type every adapter returns to its wrapper.
type Error struct {
	Kind     Kind
	Exchange string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s: %v", e.Exchange, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with the adapter failure taxonomy.
func NewError(kind Kind, exchange, op string, err error) *Error {
	return &Error{Kind: kind, Exchange: exchange, Op: op, Err: err}
}

// KindOf extracts the failure kind from err, defaulting to KindOther.
func KindOf(err error) Kind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindOther
}

// Retryable reports whether a failure of this kind is worth another
// attempt. Auth, unknown-symbol and permanent vendor errors are not.
func (k Kind) Retryable() bool {
	switch k {
	case KindAuth, KindSymbolUnknown, KindVendorPermanent:
		return false
	default:
		return true
	}
}

// ClassifyHTTP maps a REST failure into the taxonomy from the transport
// error and status code. Adapters use it for venues without an SDK.
func ClassifyHTTP(exchange, op string, status int, err error) *Error {
	if err != nil {
		var ne net.Error
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return NewError(KindTimeout, exchange, op, err)
		case errors.As(err, &ne) && ne.Timeout():
			return NewError(KindTimeout, exchange, op, err)
		case isNetErr(err):
			return NewError(KindNetwork, exchange, op, err)
		default:
			return NewError(KindOther, exchange, op, err)
		}
	}
	switch {
	case status == 401 || status == 403:
		return NewError(KindAuth, exchange, op, fmt.Errorf("http %d", status))
	case status == 404:
		return NewError(KindSymbolUnknown, exchange, op, fmt.Errorf("http %d", status))
	case status == 418 || status == 429:
		return NewError(KindRateLimit, exchange, op, fmt.Errorf("http %d", status))
	case status >= 500:
		return NewError(KindVendorTemporary, exchange, op, fmt.Errorf("http %d", status))
	case status >= 400:
		return NewError(KindVendorPermanent, exchange, op, fmt.Errorf("http %d", status))
	default:
		return NewError(KindOther, exchange, op, fmt.Errorf("http %d", status))
	}
}

func isNetErr(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "no such host")
}
