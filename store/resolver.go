package store

import (
	"context"
	"fmt"
	"sync"

	bridge "github.com/OpenAegis/epay-bridge"
)

// Backend is the full storage contract a resolver hands out: both store
// views plus lifecycle.
type Backend interface {
	Credentials() bridge.CredentialStore
	Orders() bridge.OrderMappingStore
	Ping(ctx context.Context) error
	Close() error
}

// Factory opens the backing storage and runs its self-check. It is invoked
// at most once per initialization attempt.
type Factory func(ctx context.Context) (Backend, error)

// Health is the health-check result, reported as a value rather than thrown.
type Health struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// attempt is one in-flight initialization. Waiters hold a pointer and read
// backend/err only after done is closed.
type attempt struct {
	done    chan struct{}
	backend Backend
	err     error
}

// Resolver lazily initializes a shared storage backend.
//
// The first caller triggers the factory; concurrent callers during
// initialization await the same in-flight attempt instead of starting
// duplicates. A failed attempt is reported to its waiters and then
// discarded, so the next call retries from scratch - there is no permanently
// poisoned state.
type Resolver struct {
	mu       sync.Mutex
	factory  Factory
	backend  Backend
	inFlight *attempt
}

// NewResolver creates a resolver over the given factory.
func NewResolver(factory Factory) *Resolver {
	return &Resolver{factory: factory}
}

// Resolve returns the shared backend, initializing it on first use.
// Safe to call concurrently; respects context cancellation while waiting on
// another caller's attempt.
func (r *Resolver) Resolve(ctx context.Context) (Backend, error) {
	r.mu.Lock()
	if r.backend != nil {
		backend := r.backend
		r.mu.Unlock()
		return backend, nil
	}

	if a := r.inFlight; a != nil {
		r.mu.Unlock()
		select {
		case <-a.done:
			if a.err != nil {
				return nil, a.err
			}
			return a.backend, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a := &attempt{done: make(chan struct{})}
	r.inFlight = a
	r.mu.Unlock()

	backend, err := r.factory(ctx)
	if err == nil {
		if pingErr := backend.Ping(ctx); pingErr != nil {
			backend.Close()
			backend, err = nil, fmt.Errorf("storage self-check: %w", pingErr)
		}
	}

	r.mu.Lock()
	a.backend, a.err = backend, err
	if err == nil {
		r.backend = backend
	}
	// The failure is visible only to this attempt's waiters; clearing the
	// in-flight slot lets the next caller retry from scratch.
	r.inFlight = nil
	r.mu.Unlock()

	close(a.done)

	return backend, err
}

// Credentials returns a credential-store view that resolves the backend on
// every call, isolating callers from bootstrap failures.
func (r *Resolver) Credentials() bridge.CredentialStore {
	return lazyCredentials{r}
}

// Orders returns an order-mapping view that resolves the backend on every
// call.
func (r *Resolver) Orders() bridge.OrderMappingStore {
	return lazyOrders{r}
}

// HealthCheck reports whether the backend is ready. It never panics;
// failures come back as values.
func (r *Resolver) HealthCheck(ctx context.Context) Health {
	backend, err := r.Resolve(ctx)
	if err != nil {
		return Health{Ready: false, Error: err.Error()}
	}
	if err := backend.Ping(ctx); err != nil {
		return Health{Ready: false, Error: err.Error()}
	}
	return Health{Ready: true}
}

// Close releases the backend if it was ever initialized.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backend == nil {
		return nil
	}
	err := r.backend.Close()
	r.backend = nil
	return err
}

// ---- lazy views ----

type lazyCredentials struct{ r *Resolver }

func (l lazyCredentials) Get(ctx context.Context, saleorAPIURL string) (*bridge.TenantCredential, error) {
	backend, err := l.r.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return backend.Credentials().Get(ctx, saleorAPIURL)
}

func (l lazyCredentials) Set(ctx context.Context, cred *bridge.TenantCredential) error {
	backend, err := l.r.Resolve(ctx)
	if err != nil {
		return err
	}
	return backend.Credentials().Set(ctx, cred)
}

func (l lazyCredentials) Delete(ctx context.Context, saleorAPIURL string) error {
	backend, err := l.r.Resolve(ctx)
	if err != nil {
		return err
	}
	return backend.Credentials().Delete(ctx, saleorAPIURL)
}

func (l lazyCredentials) List(ctx context.Context) ([]bridge.TenantCredential, error) {
	backend, err := l.r.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return backend.Credentials().List(ctx)
}

func (l lazyCredentials) GetByToken(ctx context.Context, token, appID string) (*bridge.TenantCredential, error) {
	backend, err := l.r.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return backend.Credentials().GetByToken(ctx, token, appID)
}

type lazyOrders struct{ r *Resolver }

func (l lazyOrders) Get(ctx context.Context, orderNo string) (*bridge.OrderMapping, error) {
	backend, err := l.r.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return backend.Orders().Get(ctx, orderNo)
}

func (l lazyOrders) Create(ctx context.Context, m *bridge.OrderMapping) (*bridge.OrderMapping, bool, error) {
	backend, err := l.r.Resolve(ctx)
	if err != nil {
		return nil, false, err
	}
	return backend.Orders().Create(ctx, m)
}

func (l lazyOrders) Put(ctx context.Context, m *bridge.OrderMapping) error {
	backend, err := l.r.Resolve(ctx)
	if err != nil {
		return err
	}
	return backend.Orders().Put(ctx, m)
}

func (l lazyOrders) List(ctx context.Context) ([]bridge.OrderMapping, error) {
	backend, err := l.r.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return backend.Orders().List(ctx)
}

var (
	_ bridge.CredentialStore   = lazyCredentials{}
	_ bridge.OrderMappingStore = lazyOrders{}
	_ Backend                  = (*Bolt)(nil)
)
