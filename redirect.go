package bridge

import (
	"context"
	"encoding/json"
	"strings"
)

// TransactionIDPlaceholder is the literal token substituted inside redirect
// URL templates. Substitution is a plain global string replace; the rest of
// the URL is left byte-for-byte untouched, with no re-encoding.
const TransactionIDPlaceholder = "{transaction_id}"

// RedirectResolver computes the final user-facing redirect target after a
// successful payment.
//
// Priority order, first match wins:
//  1. the returnUrl captured in the order's PaymentResponse at checkout time
//  2. the tenant's global fallback ReturnURL
//  3. none - the caller renders a terminal confirmation instead of redirecting
type RedirectResolver struct {
	Source ReturnURLSource
}

// NewRedirectResolver creates a resolver over the given tenant config source.
// A nil source skips the fallback step.
func NewRedirectResolver(source ReturnURLSource) *RedirectResolver {
	return &RedirectResolver{Source: source}
}

// Resolve returns the redirect URL for a mapping, or ok=false when no target
// is configured anywhere.
func (r *RedirectResolver) Resolve(ctx context.Context, m *OrderMapping) (string, bool, error) {
	txnID := m.TransactionID
	if txnID == "" {
		txnID = m.OrderNo
	}

	if u := capturedReturnURL(m.PaymentResponse); u != "" {
		return strings.ReplaceAll(u, TransactionIDPlaceholder, txnID), true, nil
	}

	if r.Source != nil {
		u, ok, err := r.Source.GetReturnURL(ctx, m.SaleorAPIURL)
		if err != nil {
			return "", false, err
		}
		if ok {
			return strings.ReplaceAll(u, TransactionIDPlaceholder, txnID), true, nil
		}
	}

	return "", false, nil
}

// capturedReturnURL digs the caller-supplied return URL out of the raw
// create-charge response captured on the mapping. Malformed blobs resolve to
// no preference rather than an error.
func capturedReturnURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var payload struct {
		ReturnURL string `json:"returnUrl"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	return payload.ReturnURL
}
