package apperrors

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrUpstream         ErrorKind = "UPSTREAM_UNAVAILABLE"
	ErrRejected         ErrorKind = "REJECTED"
	ErrTimeout          ErrorKind = "TIMEOUT"
	ErrNoEligibleWallet ErrorKind = "NO_ELIGIBLE_WALLET"
	ErrNonceGap         ErrorKind = "NONCE_GAP"
	ErrDecodeFailure    ErrorKind = "DECODE_FAILURE"
	ErrConfigInvalid    ErrorKind = "CONFIG_INVALID"
	ErrRelayAuth        ErrorKind = "RELAY_AUTH"
	ErrInternal         ErrorKind = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the engine. Every kind maps to
// exactly one recovery action, so callers switch on Kind instead of parsing
// error strings.
type AppError struct {
	Kind     ErrorKind
	Message  string
	Recovery string
	Cause    error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(kind ErrorKind, msg string, cause error) *AppError {
	return &AppError{
		Kind:     kind,
		Message:  msg,
		Cause:    cause,
		Recovery: recoveryFor(kind),
	}
}

func Newf(kind ErrorKind, cause error, format string, args ...any) *AppError {
	return New(kind, fmt.Sprintf(format, args...), cause)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or ErrInternal for untyped errors.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ErrInternal
}

func recoveryFor(kind ErrorKind) string {
	switch kind {
	case ErrUpstream:
		return "retried with backoff; escalate only after the retry budget is spent"
	case ErrRejected:
		return "do not retry; release the nonce and cool the wallet down for one cycle"
	case ErrTimeout:
		return "ambiguous outcome; reconcile wallet state from chain before reuse"
	case ErrNoEligibleWallet:
		return "skip this cycle and retry on the next trigger"
	case ErrNonceGap:
		return "wallet requires a full resync before further use"
	case ErrDecodeFailure:
		return "drop the observation; counted in diagnostics only"
	case ErrConfigInvalid, ErrRelayAuth:
		return "fatal at startup; fix configuration"
	default:
		return ""
	}
}
