package duet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// Kind classifies a failed exchange with a controller.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindTimeout
	KindHostUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindHostUnreachable:
		return "host_unreachable"
	default:
		return "unknown"
	}
}

// ErrStale is returned when a reply arrives for a session that has been
// reset since the request was issued. Callers drop it silently.
var ErrStale = errors.New("stale reply")

// Error is the only error type the transport returns.
type Error struct {
	Kind Kind
	Op   string
	URL  string
	// Code is the HTTP status code, or 0 when no response was received.
	Code int
	Err  error
	// Fallback holds the error of the SBC probe when a legacy connect
	// returned NotFound and the fallback failed too.
	Fallback error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Op
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Fallback != nil {
		msg += fmt.Sprintf(" (sbc fallback: %v)", e.Fallback)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the classification of err, or KindUnknown when err was
// not produced by the transport.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsNotFound(err error) bool        { return KindOf(err) == KindNotFound }
func IsTimeout(err error) bool         { return KindOf(err) == KindTimeout }
func IsHostUnreachable(err error) bool { return KindOf(err) == KindHostUnreachable }

// classify maps a transport failure onto a Kind.
func classify(op, u string, err error) *Error {
	e := &Error{Kind: KindUnknown, Op: op, URL: u, Err: err}

	if errors.Is(err, context.DeadlineExceeded) {
		e.Kind = KindTimeout
		return e
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		e.Kind = KindTimeout
		return e
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		e.Kind = KindHostUnreachable
		return e
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		e.Kind = KindHostUnreachable
		return e
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		e.Kind = KindHostUnreachable
		return e
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		e.Kind = KindHostUnreachable
	}
	return e
}

// statusError builds the error for a non-2xx reply.
func statusError(op, u string, code int, body []byte) *Error {
	kind := KindUnknown
	if code == 404 {
		kind = KindNotFound
	}
	text := string(body)
	if len(text) > 200 {
		text = text[:200]
	}
	return &Error{
		Kind: kind,
		Op:   op,
		URL:  u,
		Code: code,
		Err:  fmt.Errorf("HTTP %d: %s", code, text),
	}
}
