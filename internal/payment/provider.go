// Package payment decides how to collect for completed work and carries the
// decision out through idempotent commands, a saga, delayed retries and
// webhook reconciliation.
package payment

import "context"

// ProviderResult is the outcome of a provider call. Success false with a
// nil error is a provider-side refusal described by Code and Message.
type ProviderResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	URL     string `json:"url,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// CustomerRequest registers a customer with the provider.
type CustomerRequest struct {
	BusinessID string
	CustomerID string
}

// MethodRequest tokenizes a payment instrument for a provider customer.
type MethodRequest struct {
	ProviderCustomerID string
	Token              string
	Kind               string
}

// IntentRequest charges a stored method.
type IntentRequest struct {
	ProviderCustomerID string
	ProviderMethodID   string
	Amount             int64
	Currency           string
	IdempotencyKey     string
	Metadata           map[string]string
}

// RefundRequest refunds a captured charge in full.
type RefundRequest struct {
	ProviderTxID   string
	Amount         int64
	IdempotencyKey string
}

// Session kinds.
const (
	SessionCheckout = "checkout"
	SessionWallet   = "wallet"
	SessionSetup    = "setup"
)

// SessionRequest opens a hosted checkout, wallet (Apple/Google Pay) or
// setup session.
type SessionRequest struct {
	ProviderCustomerID string
	Kind               string
	Amount             int64
	Currency           string
	IdempotencyKey     string
}

// Provider is the payment provider contract. The saga and webhook layer
// depend on nothing else about the provider.
type Provider interface {
	CreateCustomer(ctx context.Context, req CustomerRequest) (ProviderResult, error)
	CreatePaymentMethod(ctx context.Context, req MethodRequest) (ProviderResult, error)
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (ProviderResult, error)
	CreateRefund(ctx context.Context, req RefundRequest) (ProviderResult, error)
	CancelPaymentIntent(ctx context.Context, providerTxID, idempotencyKey string) (ProviderResult, error)
	CreateWalletSession(ctx context.Context, req SessionRequest) (ProviderResult, error)
}

// Recipient addresses a customer notification.
type Recipient struct {
	BusinessID string
	CustomerID string
	Channel    string
}

// Notifier delivers payment messages. Delivery failures are reported but
// never undo a payment decision.
type Notifier interface {
	SendPaymentLink(ctx context.Context, to Recipient, url string, amount int64, currency string) error
	SendPaymentSetupLink(ctx context.Context, to Recipient, url string) error
	SendPaymentConfirmation(ctx context.Context, to Recipient, amount int64, currency string) error
	SendPaymentFailureNotification(ctx context.Context, to Recipient, reason string) error
}
