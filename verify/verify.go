// Package verify validates the authenticity and shape of inbound gateway
// notifications. Verification is read-only and fails closed: any missing
// input yields false, never a panic across this boundary.
package verify

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"

	bridge "github.com/OpenAegis/epay-bridge"
)

// ErrIncomplete marks a notification missing a required field. Callers treat
// this as "not yet resolved" rather than an error: gateways fire early
// partial pings before the authoritative one.
var ErrIncomplete = errors.New("incomplete notification")

// Verifier checks notification signatures against a shared secret.
type Verifier struct {
	signType SignType
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithSignType overrides the default MD5 scheme.
func WithSignType(st SignType) Option {
	return func(v *Verifier) { v.signType = st }
}

// New creates a Verifier with the gateway's default MD5 scheme.
func New(opts ...Option) *Verifier {
	v := &Verifier{signType: SignTypeMD5}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify recomputes the signature over params and compares it against the
// declared signature in constant time. Empty declared signatures or secrets
// fail closed.
func (v *Verifier) Verify(params map[string]string, declaredSign, secret string) bool {
	if declaredSign == "" || secret == "" || len(params) == 0 {
		return false
	}

	expected := Sign(params, secret, v.signType)
	declared := strings.ToLower(declaredSign)

	return subtle.ConstantTimeCompare([]byte(expected), []byte(declared)) == 1
}

// ParseForm converts a form-encoded notification body or query string into
// the flat parameter map the signature is computed over. Repeated keys keep
// the first value.
func ParseForm(raw string) (map[string]string, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed notification body: %w", err)
	}
	return FlattenValues(values), nil
}

// FlattenValues reduces url.Values to single-valued params.
func FlattenValues(values url.Values) map[string]string {
	params := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params
}

// ParseNotification extracts the notification fields the reconciliation
// engine needs. A missing order number, trade number or status token returns
// ErrIncomplete.
func ParseNotification(params map[string]string) (*bridge.Notification, error) {
	n := &bridge.Notification{
		OrderNo:     params["out_trade_no"],
		TradeNo:     params["trade_no"],
		TradeStatus: params["trade_status"],
		Sign:        params["sign"],
		SignType:    params["sign_type"],
		Params:      params,
	}

	var missing []string
	if n.OrderNo == "" {
		missing = append(missing, "out_trade_no")
	}
	if n.TradeNo == "" {
		missing = append(missing, "trade_no")
	}
	if n.TradeStatus == "" {
		missing = append(missing, "trade_status")
	}
	if len(missing) > 0 {
		return n, fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, ", "))
	}

	return n, nil
}
