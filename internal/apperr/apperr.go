// Package apperr defines the error taxonomy shared by the pipeline stages.
//
// Gateways return Transient or Permanent errors, the store returns Store
// errors, and configuration loading returns Config errors. Callers branch on
// the kind with the Is* helpers rather than on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient is retried by the gateways up to the retry policy bound.
	KindTransient
	// KindPermanent is never retried.
	KindPermanent
	// KindStore aborts the worker loop.
	KindStore
	// KindConfig is reported before any work starts.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindStore:
		return "store"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error carries a Kind, the failing operation and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error { return newError(KindTransient, op, err) }

// Permanent wraps err as a non-retryable failure of op.
func Permanent(op string, err error) error { return newError(KindPermanent, op, err) }

// Store wraps a persistence failure.
func Store(op string, err error) error { return newError(KindStore, op, err) }

// Config reports an invalid configuration value.
func Config(op string, format string, args ...any) error {
	return newError(KindConfig, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }
func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }
func IsStore(err error) bool     { return KindOf(err) == KindStore }
func IsConfig(err error) bool    { return KindOf(err) == KindConfig }
