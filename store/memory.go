package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	bridge "github.com/OpenAegis/epay-bridge"
)

// Memory is an in-memory backend implementing the same contracts as Bolt.
//
// Suitable for tests and single-shot tooling where state doesn't need to
// survive the process. Thread-safe with mutex protection.
type Memory struct {
	mu          sync.Mutex
	credentials map[string]bridge.TenantCredential
	mappings    map[string]bridge.OrderMapping

	tokenLookup bool
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithoutTokenLookup disables the reverse token index, modelling backends
// that do not carry the optional GetByToken capability.
func WithoutTokenLookup() MemoryOption {
	return func(m *Memory) { m.tokenLookup = false }
}

// NewMemory creates an empty in-memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		credentials: make(map[string]bridge.TenantCredential),
		mappings:    make(map[string]bridge.OrderMapping),
		tokenLookup: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ping always succeeds for the in-memory backend.
func (m *Memory) Ping(ctx context.Context) error { return checkCtx(ctx) }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// ---- CredentialStore ----

func (m *Memory) Get(ctx context.Context, saleorAPIURL string) (*bridge.TenantCredential, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.credentials[saleorAPIURL]
	if !ok {
		return nil, bridge.NewError(bridge.ErrNotFound, bridge.ErrCodeTenantNotFound,
			"no credential for "+saleorAPIURL)
	}
	return &cred, nil
}

func (m *Memory) Set(ctx context.Context, cred *bridge.TenantCredential) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cred.UpdatedAt = time.Now().UTC()
	m.credentials[cred.SaleorAPIURL] = *cred
	return nil
}

func (m *Memory) Delete(ctx context.Context, saleorAPIURL string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.credentials, saleorAPIURL)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]bridge.TenantCredential, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	creds := make([]bridge.TenantCredential, 0, len(m.credentials))
	for _, cred := range m.credentials {
		creds = append(creds, cred)
	}
	return creds, nil
}

func (m *Memory) GetByToken(ctx context.Context, token, appID string) (*bridge.TenantCredential, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	if !m.tokenLookup {
		return nil, bridge.ErrTokenLookupUnsupported
	}
	if token == "" {
		return nil, bridge.NewError(bridge.ErrNotFound, bridge.ErrCodeTenantNotFound, "empty token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cred := range m.credentials {
		if cred.Token == token && (appID == "" || cred.AppID == appID) {
			c := cred
			return &c, nil
		}
	}
	return nil, bridge.NewError(bridge.ErrNotFound, bridge.ErrCodeTenantNotFound, "no credential for token")
}

// ---- OrderMappingStore ----

func (m *Memory) GetMapping(ctx context.Context, orderNo string) (*bridge.OrderMapping, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	mapping, ok := m.mappings[orderNo]
	if !ok {
		return nil, bridge.NewError(bridge.ErrNotFound, bridge.ErrCodeOrderNotFound,
			"no mapping for order "+orderNo)
	}
	return &mapping, nil
}

func (m *Memory) Create(ctx context.Context, om *bridge.OrderMapping) (*bridge.OrderMapping, bool, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.mappings[om.OrderNo]; ok {
		return &existing, false, nil
	}

	now := time.Now().UTC()
	om.CreatedAt = now
	om.UpdatedAt = now
	if om.Status == "" {
		om.Status = bridge.StatusCreated
	}
	m.mappings[om.OrderNo] = *om
	stored := *om
	return &stored, true, nil
}

func (m *Memory) Put(ctx context.Context, om *bridge.OrderMapping) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.mappings[om.OrderNo]; ok {
		if existing.Status.Terminal() && om.Status != existing.Status {
			return bridge.NewError(bridge.ErrIntegrityConflict, bridge.ErrCodeStatusRegression,
				fmt.Sprintf("order %s is already %s", om.OrderNo, existing.Status))
		}
		if existing.GatewayTradeNo != "" && om.GatewayTradeNo != "" &&
			existing.GatewayTradeNo != om.GatewayTradeNo {
			return bridge.NewError(bridge.ErrIntegrityConflict, bridge.ErrCodeTradeNoMismatch,
				fmt.Sprintf("order %s already bound to trade %s", om.OrderNo, existing.GatewayTradeNo))
		}
		om.CreatedAt = existing.CreatedAt
	} else if om.CreatedAt.IsZero() {
		om.CreatedAt = time.Now().UTC()
	}

	om.UpdatedAt = time.Now().UTC()
	m.mappings[om.OrderNo] = *om
	return nil
}

func (m *Memory) ListMappings(ctx context.Context) ([]bridge.OrderMapping, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	mappings := make([]bridge.OrderMapping, 0, len(m.mappings))
	for _, om := range m.mappings {
		mappings = append(mappings, om)
	}
	return mappings, nil
}

// Credentials returns the credential-store view of this backend.
func (m *Memory) Credentials() bridge.CredentialStore { return m }

// Orders returns the order-mapping view of this backend.
func (m *Memory) Orders() bridge.OrderMappingStore { return memoryOrders{m} }

type memoryOrders struct{ m *Memory }

func (o memoryOrders) Get(ctx context.Context, orderNo string) (*bridge.OrderMapping, error) {
	return o.m.GetMapping(ctx, orderNo)
}

func (o memoryOrders) Create(ctx context.Context, om *bridge.OrderMapping) (*bridge.OrderMapping, bool, error) {
	return o.m.Create(ctx, om)
}

func (o memoryOrders) Put(ctx context.Context, om *bridge.OrderMapping) error {
	return o.m.Put(ctx, om)
}

func (o memoryOrders) List(ctx context.Context) ([]bridge.OrderMapping, error) {
	return o.m.ListMappings(ctx)
}

var (
	_ bridge.CredentialStore   = (*Memory)(nil)
	_ bridge.OrderMappingStore = memoryOrders{}
	_ Backend                  = (*Memory)(nil)
)
