// Package store provides the persistence backends for tenant credentials and
// order mappings, plus the resolver that lazily initializes a shared backend.
//
// The Bolt backend keeps all data in a single file, which fits the
// single-process deployment this bridge targets. Both stores enforce the
// write invariants at the storage layer too: terminal statuses never regress
// and a gateway trade number is write-once.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	bridge "github.com/OpenAegis/epay-bridge"
)

const (
	bucketCredentials = "tenant_credentials"
	bucketOrders      = "order_mappings"
)

// Bolt is a BoltDB-backed implementation of both bridge.CredentialStore and
// bridge.OrderMappingStore.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file and ensures both buckets
// exist. Bucket creation is idempotent, so this is safe on every startup.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, bridge.NewError(bridge.ErrStorageUnavailable, bridge.ErrCodeStorageUnavailable,
			fmt.Sprintf("open %s: %v", path, err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCredentials, bucketOrders} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, storageErr("create buckets", err)
	}

	return &Bolt{db: db}, nil
}

// Close releases the database file lock.
func (s *Bolt) Close() error {
	return s.db.Close()
}

// Ping verifies the backend is usable.
func (s *Bolt) Ping(ctx context.Context) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketCredentials)) == nil || tx.Bucket([]byte(bucketOrders)) == nil {
			return storageErr("ping", errors.New("missing bucket"))
		}
		return nil
	})
}

// ---- CredentialStore ----

// Get returns the credential for a tenant, or bridge.ErrNotFound.
func (s *Bolt) Get(ctx context.Context, saleorAPIURL string) (*bridge.TenantCredential, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	var cred bridge.TenantCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketCredentials)).Get([]byte(saleorAPIURL))
		if v == nil {
			return bridge.NewError(bridge.ErrNotFound, bridge.ErrCodeTenantNotFound,
				"no credential for "+saleorAPIURL)
		}
		return json.Unmarshal(v, &cred)
	})
	if err != nil {
		return nil, wrapStoreErr("get credential", err)
	}
	return &cred, nil
}

// Set upserts a credential keyed by its SaleorAPIURL.
func (s *Bolt) Set(ctx context.Context, cred *bridge.TenantCredential) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if cred.SaleorAPIURL == "" {
		return errors.New("credential is missing its tenant key")
	}

	cred.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCredentials)).Put([]byte(cred.SaleorAPIURL), data)
	})
	return wrapStoreErr("set credential", err)
}

// Delete removes a tenant's credential. A missing key is a no-op.
func (s *Bolt) Delete(ctx context.Context, saleorAPIURL string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCredentials)).Delete([]byte(saleorAPIURL))
	})
	return wrapStoreErr("delete credential", err)
}

// List returns all stored credentials.
func (s *Bolt) List(ctx context.Context) ([]bridge.TenantCredential, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	creds := []bridge.TenantCredential{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCredentials)).ForEach(func(_, v []byte) error {
			var cred bridge.TenantCredential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			creds = append(creds, cred)
			return nil
		})
	})
	if err != nil {
		return nil, wrapStoreErr("list credentials", err)
	}
	return creds, nil
}

// GetByToken reverse-looks-up a credential by bearer token. Bolt keeps no
// token index, so this scans the bucket; read-committed is sufficient here.
func (s *Bolt) GetByToken(ctx context.Context, token, appID string) (*bridge.TenantCredential, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, bridge.NewError(bridge.ErrNotFound, bridge.ErrCodeTenantNotFound, "empty token")
	}

	var found *bridge.TenantCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCredentials)).ForEach(func(_, v []byte) error {
			var cred bridge.TenantCredential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			if cred.Token == token && (appID == "" || cred.AppID == appID) {
				found = &cred
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapStoreErr("get credential by token", err)
	}
	if found == nil {
		return nil, bridge.NewError(bridge.ErrNotFound, bridge.ErrCodeTenantNotFound,
			"no credential for token")
	}
	return found, nil
}

// ---- OrderMappingStore ----

// Get returns the mapping for an order number, or bridge.ErrNotFound.
func (s *Bolt) GetMapping(ctx context.Context, orderNo string) (*bridge.OrderMapping, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	var m bridge.OrderMapping
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketOrders)).Get([]byte(orderNo))
		if v == nil {
			return bridge.NewError(bridge.ErrNotFound, bridge.ErrCodeOrderNotFound,
				"no mapping for order "+orderNo)
		}
		return json.Unmarshal(v, &m)
	})
	if err != nil {
		return nil, wrapStoreErr("get mapping", err)
	}
	return &m, nil
}

// Create stores a new mapping only if none exists for the order number.
// Retrying a failed create returns the stored mapping unchanged.
func (s *Bolt) Create(ctx context.Context, m *bridge.OrderMapping) (*bridge.OrderMapping, bool, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, false, err
	}

	var result bridge.OrderMapping
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOrders))

		if existing := b.Get([]byte(m.OrderNo)); existing != nil {
			return json.Unmarshal(existing, &result)
		}

		now := time.Now().UTC()
		m.CreatedAt = now
		m.UpdatedAt = now
		if m.Status == "" {
			m.Status = bridge.StatusCreated
		}

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		result = *m
		created = true
		return b.Put([]byte(m.OrderNo), data)
	})
	if err != nil {
		return nil, false, wrapStoreErr("create mapping", err)
	}
	return &result, created, nil
}

// Put upserts a mapping, enforcing the monotonicity invariants inside the
// write transaction so concurrent instances cannot race past them:
//   - a terminal status never changes to a different status
//   - an already-set gateway trade number never changes
func (s *Bolt) Put(ctx context.Context, m *bridge.OrderMapping) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOrders))

		if v := b.Get([]byte(m.OrderNo)); v != nil {
			var existing bridge.OrderMapping
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Status.Terminal() && m.Status != existing.Status {
				return bridge.NewError(bridge.ErrIntegrityConflict, bridge.ErrCodeStatusRegression,
					fmt.Sprintf("order %s is already %s", m.OrderNo, existing.Status))
			}
			if existing.GatewayTradeNo != "" && m.GatewayTradeNo != "" &&
				existing.GatewayTradeNo != m.GatewayTradeNo {
				return bridge.NewError(bridge.ErrIntegrityConflict, bridge.ErrCodeTradeNoMismatch,
					fmt.Sprintf("order %s already bound to trade %s", m.OrderNo, existing.GatewayTradeNo))
			}
			m.CreatedAt = existing.CreatedAt
		} else if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}

		m.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put([]byte(m.OrderNo), data)
	})
	return wrapStoreErr("put mapping", err)
}

// ListMappings returns all order mappings.
func (s *Bolt) ListMappings(ctx context.Context) ([]bridge.OrderMapping, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	mappings := []bridge.OrderMapping{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketOrders)).ForEach(func(_, v []byte) error {
			var m bridge.OrderMapping
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			mappings = append(mappings, m)
			return nil
		})
	})
	if err != nil {
		return nil, wrapStoreErr("list mappings", err)
	}
	return mappings, nil
}

// Credentials returns the credential-store view of this backend.
func (s *Bolt) Credentials() bridge.CredentialStore { return s }

// Orders returns the order-mapping view of this backend.
func (s *Bolt) Orders() bridge.OrderMappingStore { return boltOrders{s} }

// boltOrders adapts Bolt's mapping operations to bridge.OrderMappingStore;
// both stores name their lookup Get, so the views cannot share one receiver.
type boltOrders struct{ s *Bolt }

func (o boltOrders) Get(ctx context.Context, orderNo string) (*bridge.OrderMapping, error) {
	return o.s.GetMapping(ctx, orderNo)
}

func (o boltOrders) Create(ctx context.Context, m *bridge.OrderMapping) (*bridge.OrderMapping, bool, error) {
	return o.s.Create(ctx, m)
}

func (o boltOrders) Put(ctx context.Context, m *bridge.OrderMapping) error {
	return o.s.Put(ctx, m)
}

func (o boltOrders) List(ctx context.Context) ([]bridge.OrderMapping, error) {
	return o.s.ListMappings(ctx)
}

// Ensure the views satisfy their contracts.
var (
	_ bridge.CredentialStore   = (*Bolt)(nil)
	_ bridge.OrderMappingStore = boltOrders{}
)

// ---- helpers ----

// checkCtx turns an expired or cancelled context into the transient error
// kinds callers are allowed to retry on.
func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return bridge.NewError(bridge.ErrTimeout, bridge.ErrCodeStorageTimeout, "storage deadline exceeded")
		}
		return ctx.Err()
	default:
		return nil
	}
}

func storageErr(op string, err error) error {
	return bridge.NewError(bridge.ErrStorageUnavailable, bridge.ErrCodeStorageUnavailable,
		fmt.Sprintf("%s: %v", op, err))
}

// wrapStoreErr passes bridge errors through untouched and converts raw
// storage failures into ErrStorageUnavailable, keeping NotFound distinct
// from an outage.
func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *bridge.Error
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return bridge.NewError(bridge.ErrTimeout, bridge.ErrCodeStorageTimeout, op+": deadline exceeded")
	}
	return storageErr(op, err)
}
