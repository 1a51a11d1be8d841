package bridge

import (
	"errors"
	"fmt"
)

// Error kinds. Callers branch on these with errors.Is; the concrete error
// usually carries a code and message via Error.
var (
	// ErrVerificationFailed means the notification signature was missing or
	// did not match. Nothing is mutated.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrNotFound means an unknown tenant or order. Never conflated with a
	// storage outage.
	ErrNotFound = errors.New("not found")
	// ErrIntegrityConflict means a notification contradicted already-stored
	// data, e.g. a different trade number for the same order.
	ErrIntegrityConflict = errors.New("integrity conflict")
	// ErrStorageUnavailable is transient: the backing store could not be
	// reached. Safe for the caller to retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrTimeout is transient: a storage call exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrTokenLookupUnsupported is returned by credential stores that carry
	// no reverse index from access tokens to tenants.
	ErrTokenLookupUnsupported = errors.New("token lookup unsupported")
)

// Common error codes carried on Error.
const (
	ErrCodeSignatureInvalid   = "signature_invalid"
	ErrCodeMissingField       = "missing_field"
	ErrCodeTenantNotFound     = "tenant_not_found"
	ErrCodeOrderNotFound      = "order_not_found"
	ErrCodeTradeNoMismatch    = "trade_no_mismatch"
	ErrCodeStatusRegression   = "status_regression"
	ErrCodeStorageUnavailable = "storage_unavailable"
	ErrCodeStorageTimeout     = "storage_timeout"
)

// Error is a bridge-specific error with a machine-readable code.
type Error struct {
	Kind    error  `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches the error against its kind sentinel.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// NewError creates a bridge error of the given kind.
func NewError(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}
