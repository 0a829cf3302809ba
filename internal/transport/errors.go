package transport

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transport failures so callers can decide per call
// site whether to retry, drop, or escalate.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindNotFound: the order or resource is already gone on the exchange.
	KindNotFound
	// KindRejected: the exchange refused the request for a business reason.
	KindRejected
	// KindTransient: a network or availability failure worth retrying later.
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindRejected:
		return "rejected"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind   ErrorKind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(op, reason string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Reason: reason}
}

func Rejected(op, reason string) *Error {
	return &Error{Kind: KindRejected, Op: op, Reason: reason}
}

func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Unknown(op string, err error) *Error {
	return &Error{Kind: KindUnknown, Op: op, Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return KindUnknown, false
}

func IsNotFound(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindNotFound
}

func IsRejected(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindRejected
}

func IsTransient(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindTransient
}
