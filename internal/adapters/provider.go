package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/lucasnoah/leadflow/internal/payment"
)

// FailTokenPrefix marks a sandbox token whose method declines every charge
// with the code that follows the prefix, e.g. "tok_fail_card_declined".
const FailTokenPrefix = "tok_fail_"

// SandboxProvider is a deterministic in-memory payment provider. Replaying a
// call with the same idempotency key returns the first result.
type SandboxProvider struct {
	mu        sync.Mutex
	replies   map[string]payment.ProviderResult
	intents   map[string]string // intent id -> status
	customers map[string]string
	calls     int
}

// NewSandboxProvider returns an empty provider.
func NewSandboxProvider() *SandboxProvider {
	return &SandboxProvider{
		replies:   map[string]payment.ProviderResult{},
		intents:   map[string]string{},
		customers: map[string]string{},
	}
}

// Calls counts provider calls that were not idempotent replays.
func (p *SandboxProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func sandboxID(prefix, key string) string {
	sum := sha256.Sum256([]byte(key))
	return prefix + hex.EncodeToString(sum[:])[:16]
}

// replay runs fn once per key under the provider lock.
func (p *SandboxProvider) replay(key string, fn func() payment.ProviderResult) payment.ProviderResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key != "" {
		if res, ok := p.replies[key]; ok {
			return res
		}
	}
	p.calls++
	res := fn()
	if key != "" {
		p.replies[key] = res
	}
	return res
}

func (p *SandboxProvider) CreateCustomer(ctx context.Context, req payment.CustomerRequest) (payment.ProviderResult, error) {
	if req.CustomerID == "" {
		return payment.ProviderResult{}, fmt.Errorf("customer id is required")
	}
	key := "cus:" + req.BusinessID + "/" + req.CustomerID
	return p.replay(key, func() payment.ProviderResult {
		id := sandboxID("cus_", key)
		p.customers[id] = req.CustomerID
		return payment.ProviderResult{Success: true, ID: id}
	}), nil
}

func (p *SandboxProvider) CreatePaymentMethod(ctx context.Context, req payment.MethodRequest) (payment.ProviderResult, error) {
	if req.Token == "" {
		return payment.ProviderResult{Success: false, Code: payment.CodeMethodUnavailable, Message: "token is required"}, nil
	}
	key := "pm:" + req.ProviderCustomerID + "/" + req.Token
	return p.replay(key, func() payment.ProviderResult {
		if code, ok := strings.CutPrefix(req.Token, FailTokenPrefix); ok {
			return payment.ProviderResult{Success: true, ID: "pm_fail_" + code}
		}
		return payment.ProviderResult{Success: true, ID: sandboxID("pm_", key)}
	}), nil
}

// CreatePaymentIntent charges the method. Methods minted from a fail token
// decline with their code.
func (p *SandboxProvider) CreatePaymentIntent(ctx context.Context, req payment.IntentRequest) (payment.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return payment.ProviderResult{}, err
	}
	return p.replay("pi:"+req.IdempotencyKey, func() payment.ProviderResult {
		id := sandboxID("pi_", req.IdempotencyKey)
		if code, ok := strings.CutPrefix(req.ProviderMethodID, "pm_fail_"); ok {
			p.intents[id] = "failed"
			return payment.ProviderResult{Success: false, ID: id, Code: code, Message: "sandbox decline: " + code}
		}
		if req.Amount <= 0 {
			return payment.ProviderResult{Success: false, Code: payment.CodeCardDeclined, Message: "amount must be positive"}
		}
		p.intents[id] = "succeeded"
		return payment.ProviderResult{Success: true, ID: id}
	}), nil
}

func (p *SandboxProvider) CreateRefund(ctx context.Context, req payment.RefundRequest) (payment.ProviderResult, error) {
	return p.replay("re:"+req.IdempotencyKey, func() payment.ProviderResult {
		if p.intents[req.ProviderTxID] != "succeeded" {
			return payment.ProviderResult{Success: false, Code: "charge_not_refundable", Message: "no captured charge " + req.ProviderTxID}
		}
		p.intents[req.ProviderTxID] = "refunded"
		return payment.ProviderResult{Success: true, ID: sandboxID("re_", req.IdempotencyKey)}
	}), nil
}

func (p *SandboxProvider) CancelPaymentIntent(ctx context.Context, providerTxID, idempotencyKey string) (payment.ProviderResult, error) {
	return p.replay("cancel:"+idempotencyKey, func() payment.ProviderResult {
		if p.intents[providerTxID] == "succeeded" {
			return payment.ProviderResult{Success: false, Code: "intent_captured", Message: "captured intents must be refunded"}
		}
		p.intents[providerTxID] = "canceled"
		return payment.ProviderResult{Success: true, ID: providerTxID}
	}), nil
}

func (p *SandboxProvider) CreateWalletSession(ctx context.Context, req payment.SessionRequest) (payment.ProviderResult, error) {
	kind := req.Kind
	if kind == "" {
		kind = payment.SessionCheckout
	}
	key := "cs:" + kind + ":" + req.IdempotencyKey
	return p.replay(key, func() payment.ProviderResult {
		id := sandboxID("cs_", key)
		return payment.ProviderResult{Success: true, ID: id, URL: "https://pay.sandbox/" + kind + "/" + id}
	}), nil
}
