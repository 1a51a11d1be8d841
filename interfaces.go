package bridge

import "context"

// CredentialStore is the durable per-tenant credential storage (the auth
// persistence layer). Implementations must be safe for concurrent use.
//
// All operations hit shared storage directly; there is no in-process caching
// beyond the lazily-opened connection handle held by the resolver.
type CredentialStore interface {
	// Get returns the credential for a tenant.
	// Returns ErrNotFound when the tenant has never installed.
	Get(ctx context.Context, saleorAPIURL string) (*TenantCredential, error)

	// Set upserts a credential keyed by its SaleorAPIURL.
	Set(ctx context.Context, cred *TenantCredential) error

	// Delete removes a tenant's credential. Deleting a missing key is a no-op,
	// so an uninstall webhook can be retried safely.
	Delete(ctx context.Context, saleorAPIURL string) error

	// List returns all stored credentials. Read-committed consistency is
	// sufficient; no snapshot guarantee.
	List(ctx context.Context) ([]TenantCredential, error)

	// GetByToken reverse-looks-up a credential when only a bearer token is
	// available, optionally narrowed by app id.
	//
	// This is a declared optional capability: backends without a reverse
	// index return ErrTokenLookupUnsupported instead of being probed
	// reflectively for an extra method.
	GetByToken(ctx context.Context, token, appID string) (*TenantCredential, error)
}

// OrderMappingStore persists the mapping between internal order numbers and
// external gateway trades. The reconciliation engine is its only writer after
// checkout time.
type OrderMappingStore interface {
	// Get returns the mapping for an order number, or ErrNotFound.
	Get(ctx context.Context, orderNo string) (*OrderMapping, error)

	// Create stores a new mapping if none exists yet. When the order number
	// is already present the stored mapping is returned unchanged, so the
	// checkout-time caller can retry a failed create without duplicating.
	Create(ctx context.Context, m *OrderMapping) (*OrderMapping, bool, error)

	// Put upserts a mapping. Implementations must refuse writes that regress
	// a terminal status or rewrite an already-set GatewayTradeNo, returning
	// ErrIntegrityConflict.
	Put(ctx context.Context, m *OrderMapping) error

	// List returns all mappings, read-committed.
	List(ctx context.Context) ([]OrderMapping, error)
}

// TransactionUpdater reports a paid transaction back to the platform's
// transaction API. The engine calls this at most once per order number
// reaching SUCCESS.
type TransactionUpdater interface {
	MarkTransactionPaid(ctx context.Context, saleorAPIURL, transactionID, gatewayTradeNo string) error
}

// ReturnURLSource reads the tenant-level fallback redirect template,
// owned by an external configuration collaborator.
type ReturnURLSource interface {
	// GetReturnURL returns the configured template and true, or false when
	// the tenant has none (meaning: omit the redirect, not "use a default").
	GetReturnURL(ctx context.Context, saleorAPIURL string) (string, bool, error)
}

// StaticReturnURLs is a ReturnURLSource over a fixed tenant to URL map.
type StaticReturnURLs map[string]string

// GetReturnURL implements ReturnURLSource.
func (s StaticReturnURLs) GetReturnURL(_ context.Context, saleorAPIURL string) (string, bool, error) {
	u, ok := s[saleorAPIURL]
	if !ok || u == "" {
		return "", false, nil
	}
	return u, true, nil
}
