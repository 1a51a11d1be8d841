// Package reconcile implements the payment-callback reconciliation engine:
// the state machine that takes a verified gateway notification, updates the
// order mapping, decides the terminal payment state, and stays idempotent
// under redelivery.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	bridge "github.com/OpenAegis/epay-bridge"
	"github.com/OpenAegis/epay-bridge/verify"
)

// Outcome is the gateway-facing classification of one handled notification.
type Outcome string

const (
	// OutcomeSuccess means the order reached (or had already reached) SUCCESS.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeFailed means the order reached (or had already reached) FAILED.
	OutcomeFailed Outcome = "FAILED"
	// OutcomeUnpaid means the notification did not resolve the order:
	// non-terminal status, missing fields, or an unknown order. The gateway
	// is expected to redeliver the authoritative notification later.
	OutcomeUnpaid Outcome = "UNPAID"
)

// Acknowledgment bodies the gateway recognizes.
const (
	AckBody    = "success"
	RejectBody = "fail"
)

// Result is the outcome of handling one notification.
type Result struct {
	Outcome Outcome
	OrderNo string
	TradeNo string
	// RedirectURL is set on success when a redirect target resolves; empty
	// means render a terminal confirmation instead.
	RedirectURL string
	// Replayed marks an idempotent replay of an already-terminal order. The
	// stored outcome is returned and no side effect re-fires.
	Replayed bool
}

// SecretSource returns the shared secret to verify a notification against.
// The default source returns a static gateway merchant key.
type SecretSource func(ctx context.Context, params map[string]string) (string, error)

// StaticSecret is a SecretSource over a fixed merchant key.
func StaticSecret(secret string) SecretSource {
	return func(context.Context, map[string]string) (string, error) {
		return secret, nil
	}
}

// Engine reconciles gateway notifications against the order mapping store.
type Engine struct {
	verifier  *verify.Verifier
	secrets   SecretSource
	orders    bridge.OrderMappingStore
	tenants   bridge.CredentialStore
	updater   bridge.TransactionUpdater
	redirects *bridge.RedirectResolver
	leases    *LeaseTable
	log       *zap.Logger
	timeout   time.Duration
}

// NewEngine wires a reconciliation engine. All collaborators are required;
// behavior is tuned with options.
func NewEngine(
	orders bridge.OrderMappingStore,
	tenants bridge.CredentialStore,
	updater bridge.TransactionUpdater,
	redirects *bridge.RedirectResolver,
	secrets SecretSource,
	opts ...Option,
) *Engine {
	e := &Engine{
		verifier:  verify.New(),
		secrets:   secrets,
		orders:    orders,
		tenants:   tenants,
		updater:   updater,
		redirects: redirects,
		leases:    NewLeaseTable(),
		log:       zap.NewNop(),
		timeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleNotification processes one inbound gateway notification.
//
// Safe to invoke any number of times with the same payload: an order that
// already reached a terminal state is acknowledged with its stored outcome
// and no downstream side effect re-fires.
//
// Error kinds returned: bridge.ErrVerificationFailed (reject, nothing
// mutated), bridge.ErrIntegrityConflict (trade number contradiction, nothing
// mutated), bridge.ErrStorageUnavailable / bridge.ErrTimeout (transient, the
// gateway should retry).
func (e *Engine) HandleNotification(ctx context.Context, params map[string]string) (*Result, error) {
	secret, err := e.secrets(ctx, params)
	if err != nil {
		return nil, err
	}

	if !e.verifier.Verify(params, params["sign"], secret) {
		e.log.Warn("notification rejected: bad signature",
			zap.String("order_no", params["out_trade_no"]))
		return nil, bridge.NewError(bridge.ErrVerificationFailed, bridge.ErrCodeSignatureInvalid,
			"notification signature did not verify")
	}

	n, err := verify.ParseNotification(params)
	if err != nil {
		if errors.Is(err, verify.ErrIncomplete) {
			// Early partial ping; answer non-terminally so the gateway
			// redelivers the authoritative notification.
			e.log.Info("incomplete notification", zap.String("order_no", n.OrderNo), zap.Error(err))
			return &Result{Outcome: OutcomeUnpaid, OrderNo: n.OrderNo, TradeNo: n.TradeNo}, nil
		}
		return nil, err
	}

	sctx, cancel := e.storageCtx(ctx)
	m, err := e.orders.Get(sctx, n.OrderNo)
	cancel()
	if err != nil {
		if errors.Is(err, bridge.ErrNotFound) {
			// Never fabricate a mapping from an unsolicited notification.
			e.log.Warn("notification for unknown order", zap.String("order_no", n.OrderNo))
			return &Result{Outcome: OutcomeUnpaid, OrderNo: n.OrderNo, TradeNo: n.TradeNo}, nil
		}
		return nil, err
	}

	if m.Status.Terminal() {
		return e.replay(ctx, m, n)
	}

	if err := checkTradeNo(m, n); err != nil {
		e.log.Error("trade number mismatch",
			zap.String("order_no", n.OrderNo),
			zap.String("stored", m.GatewayTradeNo),
			zap.String("notified", n.TradeNo))
		return nil, err
	}

	release, err := e.leases.Acquire(ctx, n.OrderNo)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-validate after acquiring the lease: a concurrent delivery may have
	// advanced the mapping while this one waited (check-then-act).
	sctx, cancel = e.storageCtx(ctx)
	m, err = e.orders.Get(sctx, n.OrderNo)
	cancel()
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return e.replay(ctx, m, n)
	}
	if err := checkTradeNo(m, n); err != nil {
		return nil, err
	}

	switch bridge.ClassifyTradeStatus(n.TradeStatus) {
	case bridge.StatusSuccess:
		return e.settleSuccess(ctx, m, n)
	case bridge.StatusFailed:
		return e.settleFailed(ctx, m, n)
	default:
		// Non-terminal: persist nothing.
		return &Result{Outcome: OutcomeUnpaid, OrderNo: n.OrderNo, TradeNo: n.TradeNo}, nil
	}
}

// HandleReturn processes the browser-redirect leg. Return parameters carry
// the same signed payload as server notifications, so they run through the
// same idempotent path; the caller turns a success outcome into a 302.
func (e *Engine) HandleReturn(ctx context.Context, params map[string]string) (*Result, error) {
	return e.HandleNotification(ctx, params)
}

// settleSuccess persists the terminal SUCCESS state and fires the upstream
// paid-marking call exactly once. The caller holds the order's lease.
func (e *Engine) settleSuccess(ctx context.Context, m *bridge.OrderMapping, n *bridge.Notification) (*Result, error) {
	// Tenant-scoped configuration must exist before committing the terminal
	// state; a missing tenant answers non-terminally and is never fabricated.
	sctx, cancel := e.storageCtx(ctx)
	cred, err := e.tenants.Get(sctx, m.SaleorAPIURL)
	cancel()
	if err != nil {
		if errors.Is(err, bridge.ErrNotFound) {
			e.log.Error("success notification for unknown tenant",
				zap.String("order_no", m.OrderNo),
				zap.String("saleor_api_url", m.SaleorAPIURL))
			return &Result{Outcome: OutcomeUnpaid, OrderNo: m.OrderNo, TradeNo: n.TradeNo}, nil
		}
		return nil, err
	}

	m.GatewayTradeNo = n.TradeNo
	m.Status = bridge.StatusSuccess

	sctx, cancel = e.storageCtx(ctx)
	err = e.orders.Put(sctx, m)
	cancel()
	if err != nil {
		return nil, err
	}

	redirectURL := e.resolveRedirect(ctx, m)

	// Persist-then-notify keeps the side effect at-most-once: a redelivery
	// after this point replays the stored outcome without calling upstream.
	// TODO: queue failed MarkTransactionPaid calls for background retry.
	if err := e.updater.MarkTransactionPaid(ctx, m.SaleorAPIURL, m.TransactionID, m.GatewayTradeNo); err != nil {
		e.log.Error("failed to mark transaction paid upstream",
			zap.String("order_no", m.OrderNo),
			zap.String("transaction_id", m.TransactionID),
			zap.Error(err))
	} else {
		e.log.Info("transaction marked paid",
			zap.String("order_no", m.OrderNo),
			zap.String("trade_no", m.GatewayTradeNo),
			zap.String("app_id", cred.AppID))
	}

	return &Result{
		Outcome:     OutcomeSuccess,
		OrderNo:     m.OrderNo,
		TradeNo:     m.GatewayTradeNo,
		RedirectURL: redirectURL,
	}, nil
}

// settleFailed persists the terminal FAILED state. No outbound calls.
func (e *Engine) settleFailed(ctx context.Context, m *bridge.OrderMapping, n *bridge.Notification) (*Result, error) {
	m.Status = bridge.StatusFailed

	sctx, cancel := e.storageCtx(ctx)
	err := e.orders.Put(sctx, m)
	cancel()
	if err != nil {
		return nil, err
	}

	e.log.Info("order failed", zap.String("order_no", m.OrderNo), zap.String("trade_no", n.TradeNo))
	return &Result{Outcome: OutcomeFailed, OrderNo: m.OrderNo, TradeNo: n.TradeNo}, nil
}

// replay returns the stored outcome for an already-terminal order without
// re-executing side effects, so the gateway stops retrying.
func (e *Engine) replay(ctx context.Context, m *bridge.OrderMapping, n *bridge.Notification) (*Result, error) {
	if err := checkTradeNo(m, n); err != nil {
		return nil, err
	}

	result := &Result{
		OrderNo:  m.OrderNo,
		TradeNo:  m.GatewayTradeNo,
		Replayed: true,
	}
	switch m.Status {
	case bridge.StatusSuccess:
		result.Outcome = OutcomeSuccess
		result.RedirectURL = e.resolveRedirect(ctx, m)
	default:
		result.Outcome = OutcomeFailed
	}

	e.log.Debug("replayed terminal notification",
		zap.String("order_no", m.OrderNo),
		zap.String("status", string(m.Status)))
	return result, nil
}

// resolveRedirect computes the redirect target; resolution problems degrade
// to "no redirect" rather than failing the settlement.
func (e *Engine) resolveRedirect(ctx context.Context, m *bridge.OrderMapping) string {
	if e.redirects == nil {
		return ""
	}
	url, ok, err := e.redirects.Resolve(ctx, m)
	if err != nil {
		e.log.Warn("redirect resolution failed", zap.String("order_no", m.OrderNo), zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	return url
}

func (e *Engine) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

// checkTradeNo rejects notifications whose trade number contradicts the one
// already bound to the order. The mapping is left untouched.
func checkTradeNo(m *bridge.OrderMapping, n *bridge.Notification) error {
	if m.GatewayTradeNo != "" && n.TradeNo != "" && m.GatewayTradeNo != n.TradeNo {
		return bridge.NewError(bridge.ErrIntegrityConflict, bridge.ErrCodeTradeNoMismatch,
			fmt.Sprintf("order %s is bound to trade %s, notification reports %s",
				m.OrderNo, m.GatewayTradeNo, n.TradeNo))
	}
	return nil
}
