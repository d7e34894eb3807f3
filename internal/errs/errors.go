// Package errs defines the transfer error taxonomy shared by every layer of
// the engine. Each error carries a Kind plus the backend's original code and
// message so operators can correlate failures with provider-side logs.
//
// Use errors.Is(err, errs.ErrAuthExpired) or errs.KindOf(err) to classify.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes a transfer failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthExpired
	KindAuthRefreshFailed
	KindNetwork
	KindBackendRejected
	KindIntegrityMismatch
	KindQuotaExceeded
	KindPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindAuthExpired:
		return "auth_expired"
	case KindAuthRefreshFailed:
		return "auth_refresh_failed"
	case KindNetwork:
		return "network"
	case KindBackendRejected:
		return "backend_rejected"
	case KindIntegrityMismatch:
		return "integrity_mismatch"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindPrecondition:
		return "precondition"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per kind. *Error unwraps to the sentinel of its kind.
var (
	ErrAuthExpired       = errors.New("transfer: auth expired")
	ErrAuthRefreshFailed = errors.New("transfer: auth refresh failed")
	ErrNetwork           = errors.New("transfer: network failure")
	ErrBackendRejected   = errors.New("transfer: backend rejected request")
	ErrIntegrityMismatch = errors.New("transfer: integrity mismatch")
	ErrQuotaExceeded     = errors.New("transfer: quota exceeded")
	ErrPrecondition      = errors.New("transfer: precondition failed")
)

func sentinel(k Kind) error {
	switch k {
	case KindAuthExpired:
		return ErrAuthExpired
	case KindAuthRefreshFailed:
		return ErrAuthRefreshFailed
	case KindNetwork:
		return ErrNetwork
	case KindBackendRejected:
		return ErrBackendRejected
	case KindIntegrityMismatch:
		return ErrIntegrityMismatch
	case KindQuotaExceeded:
		return ErrQuotaExceeded
	case KindPrecondition:
		return ErrPrecondition
	default:
		return nil
	}
}

// Error is the tagged transfer error. Code and Message hold the backend's
// diagnostic verbatim; Status is the HTTP status when one was received.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "upload part 3"
	Status  int
	Code    string
	Message string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}

	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}

	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}

	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2) //nolint:mnd // sentinel + cause
	if s := sentinel(e.Kind); s != nil {
		out = append(out, s)
	}

	if e.Err != nil {
		out = append(out, e.Err)
	}

	return out
}

// New builds an *Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Rejected builds a BackendRejected error preserving the backend's code and
// message.
func Rejected(status int, code, message string) *Error {
	return &Error{Kind: KindBackendRejected, Status: status, Code: code, Message: message}
}

// Preconditionf builds a Precondition error for caller mistakes detected
// before any network call.
func Preconditionf(format string, args ...any) *Error {
	return &Error{Kind: KindPrecondition, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}

	return KindUnknown
}

// WithOp returns err annotated with op when it is an *Error without one.
// Other errors are returned unchanged.
func WithOp(err error, op string) error {
	var te *Error
	if errors.As(err, &te) && te.Op == "" {
		cp := *te
		cp.Op = op

		return &cp
	}

	return err
}

// IsFatal reports whether err must abort a transfer immediately. Every kind
// except Network is fatal for the transfer; Network errors may be retried by
// the caller's own policy.
func IsFatal(err error) bool {
	return KindOf(err) != KindNetwork
}
