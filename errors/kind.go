package errors

import crdb "github.com/cockroachdb/errors"

// Kind classifies an error for HTTP status mapping and propagation
// policy. Kinds are distinct and non-overlapping: a caller inspects
// at most one Kind per error.
type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindForbidden         Kind = "forbidden"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindUnsupported       Kind = "unsupported"
	KindKernelError       Kind = "kernel_error"
	KindIO                Kind = "io"
	KindRateLimited       Kind = "rate_limited"
)

type kindError struct {
	kind Kind
	error
}

func (k *kindError) Unwrap() error { return k.error }

// WithKind tags err with a Kind. The original error remains the cause
// for errors.Is/As purposes.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, error: err}
}

// NewKind creates a new error carrying a Kind directly.
func NewKind(kind Kind, msg string) error {
	return WithKind(crdb.New(msg), kind)
}

// NewKindf creates a new formatted error carrying a Kind directly.
func NewKindf(kind Kind, format string, args ...interface{}) error {
	return WithKind(crdb.Newf(format, args...), kind)
}

// GetKind walks the error chain looking for a tagged Kind. Returns
// ("", false) if none of the wrapped errors carry one.
func GetKind(err error) (Kind, bool) {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind, true
		}
		err = crdb.Unwrap(err)
	}
	return "", false
}

// IsKind reports whether err carries the given Kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	k, ok := GetKind(err)
	return ok && k == kind
}

// HTTPStatus maps a Kind to the status code the portal/admin HTTP
// layer returns. Kinds with no explicit mapping default to 500.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return 400
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindForbidden:
		return 403
	case KindInsufficientFunds:
		return 402
	case KindUnsupported:
		return 501
	case KindKernelError:
		return 500
	case KindIO:
		return 503
	case KindRateLimited:
		return 429
	default:
		return 500
	}
}
