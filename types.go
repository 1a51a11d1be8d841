package bridge

import (
	"encoding/json"
	"time"
)

// PaymentStatus is the internal lifecycle state of an order mapping.
type PaymentStatus string

const (
	// StatusCreated means the order exists but no charge has been attempted yet.
	StatusCreated PaymentStatus = "CREATED"
	// StatusPending means a charge was created and the gateway has not reported
	// a terminal outcome.
	StatusPending PaymentStatus = "PENDING"
	// StatusSuccess is terminal: the gateway reported the charge as paid.
	StatusSuccess PaymentStatus = "SUCCESS"
	// StatusFailed is terminal: the gateway reported the charge as closed/failed.
	StatusFailed PaymentStatus = "FAILED"
	// StatusUnknown is used when a notification cannot be classified.
	StatusUnknown PaymentStatus = "UNKNOWN"
)

// Terminal reports whether the status permits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// TenantCredential holds the install credentials for one tenant.
// A tenant is one installed instance of the app on one storefront,
// identified by its platform API URL.
type TenantCredential struct {
	SaleorAPIURL string    `json:"saleorApiUrl"`
	Token        string    `json:"token"`
	AppID        string    `json:"appId"`
	JWKS         string    `json:"jwks,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// OrderMapping links an internal order number to the external gateway trade
// and records the reconciliation state.
//
// Invariants enforced by stores and by the reconciliation engine:
//   - OrderNo is assigned exactly once and never reused.
//   - GatewayTradeNo, once set, never changes for a given OrderNo.
//   - Status only moves toward a terminal state.
type OrderMapping struct {
	OrderNo         string          `json:"orderNo"`
	TransactionID   string          `json:"transactionId,omitempty"`
	SaleorAPIURL    string          `json:"saleorApiUrl"`
	GatewayTradeNo  string          `json:"gatewayTradeNo,omitempty"`
	Status          PaymentStatus   `json:"status"`
	PaymentResponse json.RawMessage `json:"paymentResponse,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// GlobalPaymentConfig is the per-tenant fallback payment configuration.
// It is owned by an external configuration collaborator; this bridge only
// reads the return URL.
type GlobalPaymentConfig struct {
	SaleorAPIURL string `json:"saleorApiUrl"`
	ReturnURL    string `json:"returnUrl,omitempty"`
}

// Notification is a parsed inbound gateway callback.
// Params retains every delivered key/value pair so the signature can be
// recomputed over the exact payload.
type Notification struct {
	OrderNo     string
	TradeNo     string
	TradeStatus string
	Sign        string
	SignType    string
	Params      map[string]string
}
