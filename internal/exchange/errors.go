package exchange

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// ErrorKind classifies a venue failure. Every adapter call fails as exactly
// one kind.
type ErrorKind int

const (
	// KindTransient covers network and rate-limit failures, safe to retry.
	KindTransient ErrorKind = iota
	// KindRejected covers exchange-side validation, e.g. below minimum size.
	KindRejected
	// KindFatal covers authentication and signature failures, not retryable.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Error wraps a venue failure with its normalized kind.
type Error struct {
	Kind  ErrorKind
	Venue string
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// NewTransient wraps err as a retryable failure.
func NewTransient(venue string, err error) error {
	return &Error{Kind: KindTransient, Venue: venue, cause: err}
}

// NewRejected wraps err as an exchange-side validation failure.
func NewRejected(venue string, err error) error {
	return &Error{Kind: KindRejected, Venue: venue, cause: err}
}

// NewFatal wraps err as a non-retryable failure.
func NewFatal(venue string, err error) error {
	return &Error{Kind: KindFatal, Venue: venue, cause: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err is a retryable venue failure. Plain network
// errors and context deadlines count as transient.
func IsTransient(err error) bool {
	if k, ok := kindOf(err); ok {
		return k == KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRejected reports whether err is an exchange-side validation failure.
func IsRejected(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRejected
}

// IsFatal reports whether err is a non-retryable venue failure.
func IsFatal(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindFatal
}
