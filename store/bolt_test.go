package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridge "github.com/OpenAegis/epay-bridge"
)

func openTestBolt(t *testing.T) *Bolt {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBolt_CredentialUpsert(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	cred := &bridge.TenantCredential{
		SaleorAPIURL: "https://shop.example/graphql/",
		Token:        "tok-1",
		AppID:        "app-1",
	}
	require.NoError(t, s.Set(ctx, cred))

	got, err := s.Get(ctx, cred.SaleorAPIURL)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.Token)
	assert.False(t, got.UpdatedAt.IsZero())

	// Upsert replaces on the same tenant key.
	cred.Token = "tok-2"
	require.NoError(t, s.Set(ctx, cred))
	got, err = s.Get(ctx, cred.SaleorAPIURL)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", got.Token)

	creds, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}

func TestBolt_CredentialNotFound(t *testing.T) {
	s := openTestBolt(t)

	_, err := s.Get(context.Background(), "https://unknown.example/graphql/")
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridge.ErrNotFound))
	assert.False(t, errors.Is(err, bridge.ErrStorageUnavailable))
}

func TestBolt_DeleteTolerant(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, "https://never-installed.example/graphql/"))

	require.NoError(t, s.Set(ctx, &bridge.TenantCredential{SaleorAPIURL: "https://a.example/"}))
	require.NoError(t, s.Delete(ctx, "https://a.example/"))
	require.NoError(t, s.Delete(ctx, "https://a.example/"))

	_, err := s.Get(ctx, "https://a.example/")
	assert.True(t, errors.Is(err, bridge.ErrNotFound))
}

func TestBolt_GetByToken(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, &bridge.TenantCredential{
		SaleorAPIURL: "https://a.example/", Token: "tok-a", AppID: "app-a",
	}))
	require.NoError(t, s.Set(ctx, &bridge.TenantCredential{
		SaleorAPIURL: "https://b.example/", Token: "tok-b", AppID: "app-b",
	}))

	got, err := s.GetByToken(ctx, "tok-b", "")
	require.NoError(t, err)
	assert.Equal(t, "https://b.example/", got.SaleorAPIURL)

	got, err = s.GetByToken(ctx, "tok-a", "app-a")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/", got.SaleorAPIURL)

	_, err = s.GetByToken(ctx, "tok-a", "app-b")
	assert.True(t, errors.Is(err, bridge.ErrNotFound))

	_, err = s.GetByToken(ctx, "", "")
	assert.True(t, errors.Is(err, bridge.ErrNotFound))
}

func TestBolt_MappingCreateIsIdempotent(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	m := &bridge.OrderMapping{OrderNo: "ORD-1", SaleorAPIURL: "https://a.example/"}
	stored, created, err := s.Create(ctx, m)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, bridge.StatusCreated, stored.Status)

	// Retried create returns the stored row unchanged.
	again, created, err := s.Create(ctx, &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusSuccess})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, bridge.StatusCreated, again.Status)
}

func TestBolt_PutRefusesStatusRegression(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	m := &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusSuccess, GatewayTradeNo: "GW-1"}
	require.NoError(t, s.Put(ctx, m))

	err := s.Put(ctx, &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusFailed, GatewayTradeNo: "GW-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridge.ErrIntegrityConflict))

	got, err := s.GetMapping(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, bridge.StatusSuccess, got.Status)
}

func TestBolt_PutRefusesTradeNoRewrite(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &bridge.OrderMapping{
		OrderNo: "ORD-1", Status: bridge.StatusPending, GatewayTradeNo: "GW-1",
	}))

	err := s.Put(ctx, &bridge.OrderMapping{
		OrderNo: "ORD-1", Status: bridge.StatusSuccess, GatewayTradeNo: "GW-2",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridge.ErrIntegrityConflict))

	got, err := s.GetMapping(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "GW-1", got.GatewayTradeNo)
	assert.Equal(t, bridge.StatusPending, got.Status)
}

func TestBolt_PutPreservesCreatedAt(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	stored, _, err := s.Create(ctx, &bridge.OrderMapping{OrderNo: "ORD-1"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Put(ctx, &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusPending}))

	got, err := s.GetMapping(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, stored.CreatedAt, got.CreatedAt)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestBolt_ExpiredContext(t *testing.T) {
	s := openTestBolt(t)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := s.Get(ctx, "https://a.example/")
	assert.True(t, errors.Is(err, bridge.ErrTimeout))

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = s.Get(cancelled, "https://a.example/")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, bridge.ErrTimeout))
}
