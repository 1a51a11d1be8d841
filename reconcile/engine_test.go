package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bridge "github.com/OpenAegis/epay-bridge"
	"github.com/OpenAegis/epay-bridge/store"
	"github.com/OpenAegis/epay-bridge/verify"
)

const (
	testTenant = "https://shop.example/graphql/"
	testSecret = "merchant-key"
)

type fakeUpdater struct {
	mu    sync.Mutex
	calls int
	fail  error
	last  struct{ tenant, txn, trade string }
}

func (f *fakeUpdater) MarkTransactionPaid(_ context.Context, saleorAPIURL, transactionID, gatewayTradeNo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last.tenant = saleorAPIURL
	f.last.txn = transactionID
	f.last.trade = gatewayTradeNo
	return f.fail
}

func (f *fakeUpdater) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testRig struct {
	engine  *Engine
	backend *store.Memory
	updater *fakeUpdater
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	backend := store.NewMemory()
	updater := &fakeUpdater{}

	require.NoError(t, backend.Set(context.Background(), &bridge.TenantCredential{
		SaleorAPIURL: testTenant,
		Token:        "tok",
		AppID:        "app-1",
	}))

	engine := NewEngine(
		backend.Orders(),
		backend.Credentials(),
		updater,
		bridge.NewRedirectResolver(bridge.StaticReturnURLs{testTenant: "https://fallback.example/done"}),
		StaticSecret(testSecret),
	)
	return &testRig{engine: engine, backend: backend, updater: updater}
}

func (r *testRig) createOrder(t *testing.T, m *bridge.OrderMapping) {
	t.Helper()
	if m.SaleorAPIURL == "" {
		m.SaleorAPIURL = testTenant
	}
	_, created, err := r.backend.Create(context.Background(), m)
	require.NoError(t, err)
	require.True(t, created)
}

func (r *testRig) mapping(t *testing.T, orderNo string) *bridge.OrderMapping {
	t.Helper()
	m, err := r.backend.GetMapping(context.Background(), orderNo)
	require.NoError(t, err)
	return m
}

func signedParams(orderNo, tradeNo, status string) map[string]string {
	params := map[string]string{
		"pid":          "1001",
		"out_trade_no": orderNo,
		"money":        "19.90",
	}
	if tradeNo != "" {
		params["trade_no"] = tradeNo
	}
	if status != "" {
		params["trade_status"] = status
	}
	params["sign"] = verify.Sign(params, testSecret, verify.SignTypeMD5)
	params["sign_type"] = "MD5"
	return params
}

func TestEngine_SuccessPath(t *testing.T) {
	rig := newTestRig(t)
	rig.createOrder(t, &bridge.OrderMapping{
		OrderNo:         "ORD-1",
		TransactionID:   "T1",
		Status:          bridge.StatusPending,
		PaymentResponse: json.RawMessage(`{"returnUrl":"https://x/{transaction_id}"}`),
	})

	result, err := rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-1", "GW-1", bridge.TradeStatusSuccess))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "https://x/T1", result.RedirectURL)
	assert.False(t, result.Replayed)

	m := rig.mapping(t, "ORD-1")
	assert.Equal(t, bridge.StatusSuccess, m.Status)
	assert.Equal(t, "GW-1", m.GatewayTradeNo)

	assert.Equal(t, 1, rig.updater.callCount())
	assert.Equal(t, testTenant, rig.updater.last.tenant)
	assert.Equal(t, "T1", rig.updater.last.txn)
	assert.Equal(t, "GW-1", rig.updater.last.trade)
}

func TestEngine_ReplayIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	rig.createOrder(t, &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusPending})

	params := signedParams("ORD-1", "GW-1", bridge.TradeStatusSuccess)

	first, err := rig.engine.HandleNotification(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, first.Outcome)

	// Byte-identical redelivery: same outcome, no second side effect.
	second, err := rig.engine.HandleNotification(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, second.Outcome)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TradeNo, second.TradeNo)

	assert.Equal(t, 1, rig.updater.callCount())
}

func TestEngine_TerminalStateNeverRegresses(t *testing.T) {
	rig := newTestRig(t)
	rig.createOrder(t, &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusPending})

	_, err := rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-1", "GW-1", bridge.TradeStatusSuccess))
	require.NoError(t, err)

	// A later closed notification for the same trade replays the stored
	// success instead of flipping the state.
	result, err := rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-1", "GW-1", bridge.TradeStatusClosed))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.True(t, result.Replayed)

	assert.Equal(t, bridge.StatusSuccess, rig.mapping(t, "ORD-1").Status)
}

func TestEngine_TradeNoMismatchRejected(t *testing.T) {
	rig := newTestRig(t)
	rig.createOrder(t, &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusPending})
	require.NoError(t, rig.backend.Put(context.Background(), &bridge.OrderMapping{
		OrderNo: "ORD-1", Status: bridge.StatusPending, GatewayTradeNo: "GW-1",
	}))

	_, err := rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-1", "GW-2", bridge.TradeStatusSuccess))
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridge.ErrIntegrityConflict))

	m := rig.mapping(t, "ORD-1")
	assert.Equal(t, "GW-1", m.GatewayTradeNo)
	assert.Equal(t, bridge.StatusPending, m.Status)
	assert.Equal(t, 0, rig.updater.callCount())
}

func TestEngine_TradeNoMismatchOnTerminalOrder(t *testing.T) {
	rig := newTestRig(t)
	rig.createOrder(t, &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusPending})

	_, err := rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-1", "GW-1", bridge.TradeStatusSuccess))
	require.NoError(t, err)

	// A forged replay with a different trade number must not be acknowledged
	// as the stored outcome.
	_, err = rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-1", "GW-FORGED", bridge.TradeStatusSuccess))
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridge.ErrIntegrityConflict))
	assert.Equal(t, 1, rig.updater.callCount())
}

func TestEngine_BadSignatureMutatesNothing(t *testing.T) {
	rig := newTestRig(t)
	rig.createOrder(t, &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusPending})

	params := signedParams("ORD-1", "GW-1", bridge.TradeStatusSuccess)
	params["sign"] = "deadbeef"

	_, err := rig.engine.HandleNotification(context.Background(), params)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridge.ErrVerificationFailed))

	m := rig.mapping(t, "ORD-1")
	assert.Equal(t, bridge.StatusPending, m.Status)
	assert.Empty(t, m.GatewayTradeNo)
	assert.Equal(t, 0, rig.updater.callCount())
}

func TestEngine_MissingFieldsAnswerUnpaid(t *testing.T) {
	rig := newTestRig(t)
	rig.createOrder(t, &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusPending})

	// No trade_no and no trade_status: an early partial ping.
	result, err := rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-1", "", ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnpaid, result.Outcome)

	assert.Equal(t, bridge.StatusPending, rig.mapping(t, "ORD-1").Status)
}

func TestEngine_UnknownOrderAnswersUnpaid(t *testing.T) {
	rig := newTestRig(t)

	result, err := rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-GHOST", "GW-1", bridge.TradeStatusSuccess))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnpaid, result.Outcome)

	// Never fabricate a mapping from an unsolicited notification.
	_, err = rig.backend.GetMapping(context.Background(), "ORD-GHOST")
	assert.True(t, errors.Is(err, bridge.ErrNotFound))
	assert.Equal(t, 0, rig.updater.callCount())
}

func TestEngine_UnknownTenantDoesNotCommit(t *testing.T) {
	rig := newTestRig(t)
	rig.createOrder(t, &bridge.OrderMapping{
		OrderNo:      "ORD-1",
		SaleorAPIURL: "https://never-installed.example/graphql/",
		Status:       bridge.StatusPending,
	})

	result, err := rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-1", "GW-1", bridge.TradeStatusSuccess))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnpaid, result.Outcome)

	assert.Equal(t, bridge.StatusPending, rig.mapping(t, "ORD-1").Status)
	assert.Equal(t, 0, rig.updater.callCount())
}

func TestEngine_NonTerminalStatusPersistsNothing(t *testing.T) {
	rig := newTestRig(t)
	rig.createOrder(t, &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusPending})

	result, err := rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-1", "GW-1", "WAIT_BUYER_PAY"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnpaid, result.Outcome)

	m := rig.mapping(t, "ORD-1")
	assert.Equal(t, bridge.StatusPending, m.Status)
	assert.Empty(t, m.GatewayTradeNo)
}

func TestEngine_FailedPathNoOutboundCall(t *testing.T) {
	rig := newTestRig(t)
	rig.createOrder(t, &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusPending})

	result, err := rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-1", "GW-1", bridge.TradeStatusClosed))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)

	assert.Equal(t, bridge.StatusFailed, rig.mapping(t, "ORD-1").Status)
	assert.Equal(t, 0, rig.updater.callCount())
}

func TestEngine_UpdaterFailureDoesNotUnwindSettlement(t *testing.T) {
	rig := newTestRig(t)
	rig.updater.fail = errors.New("platform API down")
	rig.createOrder(t, &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusPending})

	result, err := rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-1", "GW-1", bridge.TradeStatusSuccess))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, bridge.StatusSuccess, rig.mapping(t, "ORD-1").Status)

	// The call happened once; a replay must not fire it again even though
	// it failed.
	_, err = rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-1", "GW-1", bridge.TradeStatusSuccess))
	require.NoError(t, err)
	assert.Equal(t, 1, rig.updater.callCount())
}

func TestEngine_ConcurrentDuplicatesFireOnce(t *testing.T) {
	rig := newTestRig(t)
	rig.createOrder(t, &bridge.OrderMapping{OrderNo: "ORD-1", Status: bridge.StatusPending})

	params := signedParams("ORD-1", "GW-1", bridge.TradeStatusSuccess)

	const deliveries = 8
	var wg sync.WaitGroup
	results := make([]*Result, deliveries)
	errs := make([]error, deliveries)

	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = rig.engine.HandleNotification(context.Background(), params)
		}(i)
	}
	wg.Wait()

	for i := 0; i < deliveries; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, OutcomeSuccess, results[i].Outcome)
	}

	assert.Equal(t, 1, rig.updater.callCount(), "concurrent duplicates double-fired the side effect")
	assert.Equal(t, bridge.StatusSuccess, rig.mapping(t, "ORD-1").Status)
}

func TestEngine_HandleReturnSharesPath(t *testing.T) {
	rig := newTestRig(t)
	rig.createOrder(t, &bridge.OrderMapping{
		OrderNo:         "ORD-1",
		TransactionID:   "T1",
		Status:          bridge.StatusPending,
		PaymentResponse: json.RawMessage(`{"returnUrl":"https://x/{transaction_id}"}`),
	})

	result, err := rig.engine.HandleReturn(context.Background(),
		signedParams("ORD-1", "GW-1", bridge.TradeStatusSuccess))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "https://x/T1", result.RedirectURL)

	// The browser leg arriving before the server leg settles the order; the
	// later server notification replays.
	again, err := rig.engine.HandleNotification(context.Background(),
		signedParams("ORD-1", "GW-1", bridge.TradeStatusSuccess))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, 1, rig.updater.callCount())
}
