package reconcile

import (
	"time"

	"go.uber.org/zap"

	"github.com/OpenAegis/epay-bridge/verify"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithVerifier overrides the default MD5 verifier, e.g. for gateways
// configured with HMAC-SHA256 signing.
func WithVerifier(v *verify.Verifier) Option {
	return func(e *Engine) {
		if v != nil {
			e.verifier = v
		}
	}
}

// WithStorageTimeout bounds every storage call made by the engine.
// Defaults to 5 seconds; expiry surfaces as bridge.ErrTimeout, which the
// gateway treats as retryable.
func WithStorageTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLeaseTable shares a lease table between engines, e.g. when the notify
// and return transports construct separate engine values over the same
// store.
func WithLeaseTable(t *LeaseTable) Option {
	return func(e *Engine) {
		if t != nil {
			e.leases = t
		}
	}
}
