package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasnoah/leadflow/internal/apperr"
	"github.com/lucasnoah/leadflow/internal/db"
)

// Kind names a payment command.
type Kind string

const (
	KindRequestPaymentSetup       Kind = "request_payment_setup"
	KindCreatePaymentSession      Kind = "create_payment_session"
	KindSetPreferredPaymentMethod Kind = "set_preferred_payment_method"
	KindEnableAutopay             Kind = "enable_autopay"
	KindCapturePayment            Kind = "capture_payment"
	KindSendTextToPayLink         Kind = "send_text_to_pay_link"
	KindCreateInvoice             Kind = "create_invoice"
	KindCreateHumanTask           Kind = "create_human_task"
)

// Kinds lists every command kind. The executor refuses to start unless each
// has a handler.
var Kinds = []Kind{
	KindRequestPaymentSetup,
	KindCreatePaymentSession,
	KindSetPreferredPaymentMethod,
	KindEnableAutopay,
	KindCapturePayment,
	KindSendTextToPayLink,
	KindCreateInvoice,
	KindCreateHumanTask,
}

// Command is a sealed sum of the concrete command structs below. Only types
// embedding CommandMeta satisfy it.
type Command interface {
	Kind() Kind
	Meta() CommandMeta
	Validate() error
	sealed()
}

// CommandMeta identifies a command and the policy it was decided under.
type CommandMeta struct {
	IdempotencyKey string `json:"idempotency_key"`
	PolicyHash     string `json:"policy_hash"`
	TraceID        string `json:"trace_id"`
	EntityID       string `json:"entity_id"`
	BusinessID     string `json:"business_id"`
	CustomerID     string `json:"customer_id"`
}

func (m CommandMeta) Meta() CommandMeta { return m }
func (CommandMeta) sealed()             {}

// NewMeta builds the metadata for a command of kind k, deriving its
// idempotency key.
func NewMeta(k Kind, businessID, customerID, entityID, traceID, policyHash string) CommandMeta {
	return CommandMeta{
		IdempotencyKey: IdempotencyKey(string(k), entityID, traceID),
		PolicyHash:     policyHash,
		TraceID:        traceID,
		EntityID:       entityID,
		BusinessID:     businessID,
		CustomerID:     customerID,
	}
}

func (m CommandMeta) validate(k Kind) error {
	op := "validate " + string(k)
	switch {
	case m.BusinessID == "":
		return apperr.Validation(op, "business id is required")
	case m.EntityID == "":
		return apperr.Validation(op, "entity id is required")
	case m.TraceID == "":
		return apperr.Validation(op, "trace id is required")
	case m.IdempotencyKey != IdempotencyKey(string(k), m.EntityID, m.TraceID):
		return apperr.Validation(op, "idempotency key does not match kind, entity and trace")
	}
	return nil
}

// IdempotencyKey is hex(sha256(kind|entityID|traceID)).
func IdempotencyKey(kind, entityID, traceID string) string {
	sum := sha256.Sum256([]byte(kind + "|" + entityID + "|" + traceID))
	return hex.EncodeToString(sum[:])
}

type policySnapshot struct {
	BusinessID                 string `json:"business_id"`
	Version                    int    `json:"version"`
	Currency                   string `json:"currency"`
	RequireSetupOnFirstService bool   `json:"require_setup_on_first_service"`
	MaxAutopayAmount           int64  `json:"max_autopay_amount"`
	RequireConfirmationAbove   int64  `json:"require_confirmation_above"`
	InvoiceOnlyAbove           int64  `json:"invoice_only_above"`
	AllowInvoiceFallback       bool   `json:"allow_invoice_fallback"`
}

// PolicyHash fingerprints the policy in effect, version included. A missing
// policy hashes to "".
func PolicyHash(p *db.PaymentPolicy) string {
	if p == nil {
		return ""
	}
	data, _ := json.Marshal(policySnapshot{
		BusinessID:                 p.BusinessID,
		Version:                    p.Version,
		Currency:                   p.Currency,
		RequireSetupOnFirstService: p.RequireSetupOnFirstService,
		MaxAutopayAmount:           p.MaxAutopayAmount,
		RequireConfirmationAbove:   p.RequireConfirmationAbove,
		InvoiceOnlyAbove:           p.InvoiceOnlyAbove,
		AllowInvoiceFallback:       p.AllowInvoiceFallback,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validAmount(op string, amount int64, currency string) error {
	if amount <= 0 {
		return apperr.Validation(op, "amount must be positive, got %d", amount)
	}
	if len(currency) != 3 {
		return apperr.Validation(op, "currency must be a 3-letter code, got %q", currency)
	}
	return nil
}

// RequestPaymentSetup asks the customer to add a payment method.
type RequestPaymentSetup struct {
	CommandMeta
	Channel string `json:"channel"`
	Reason  string `json:"reason"`
}

func (RequestPaymentSetup) Kind() Kind { return KindRequestPaymentSetup }
func (c RequestPaymentSetup) Validate() error {
	if err := c.validate(c.Kind()); err != nil {
		return err
	}
	if c.CustomerID == "" {
		return apperr.Validation("validate request_payment_setup", "customer id is required")
	}
	return nil
}

// CreatePaymentSession opens a hosted checkout (sms) or wallet (in_app)
// session instead of charging silently.
type CreatePaymentSession struct {
	CommandMeta
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Channel  string `json:"channel"`
}

func (CreatePaymentSession) Kind() Kind { return KindCreatePaymentSession }
func (c CreatePaymentSession) Validate() error {
	if err := c.validate(c.Kind()); err != nil {
		return err
	}
	if c.CustomerID == "" {
		return apperr.Validation("validate create_payment_session", "customer id is required")
	}
	return validAmount("validate create_payment_session", c.Amount, c.Currency)
}

// SetPreferredPaymentMethod makes one of the customer's methods the default.
type SetPreferredPaymentMethod struct {
	CommandMeta
	MethodID string `json:"method_id"`
}

func (SetPreferredPaymentMethod) Kind() Kind { return KindSetPreferredPaymentMethod }
func (c SetPreferredPaymentMethod) Validate() error {
	if err := c.validate(c.Kind()); err != nil {
		return err
	}
	if c.CustomerID == "" || c.MethodID == "" {
		return apperr.Validation("validate set_preferred_payment_method", "customer id and method id are required")
	}
	return nil
}

// EnableAutopay turns on autopay with the given method and records consent.
type EnableAutopay struct {
	CommandMeta
	MethodID      string `json:"method_id"`
	ConsentSource string `json:"consent_source"`
}

func (EnableAutopay) Kind() Kind { return KindEnableAutopay }
func (c EnableAutopay) Validate() error {
	if err := c.validate(c.Kind()); err != nil {
		return err
	}
	if c.CustomerID == "" || c.MethodID == "" {
		return apperr.Validation("validate enable_autopay", "customer id and method id are required")
	}
	if c.ConsentSource == "" {
		return apperr.Validation("validate enable_autopay", "consent source is required")
	}
	return nil
}

// CapturePayment charges a stored method. Attempt is the retry number that
// produced it, 0 for the first try.
type CapturePayment struct {
	CommandMeta
	DecisionID string `json:"decision_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	MethodID   string `json:"method_id"`
	Attempt    int    `json:"attempt"`
}

func (CapturePayment) Kind() Kind { return KindCapturePayment }
func (c CapturePayment) Validate() error {
	if err := c.validate(c.Kind()); err != nil {
		return err
	}
	if c.CustomerID == "" || c.MethodID == "" {
		return apperr.Validation("validate capture_payment", "customer id and method id are required")
	}
	if c.Attempt < 0 {
		return apperr.Validation("validate capture_payment", "attempt must be non-negative")
	}
	return validAmount("validate capture_payment", c.Amount, c.Currency)
}

// SendTextToPayLink texts the customer a link to pay with a method on file.
type SendTextToPayLink struct {
	CommandMeta
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (SendTextToPayLink) Kind() Kind { return KindSendTextToPayLink }
func (c SendTextToPayLink) Validate() error {
	if err := c.validate(c.Kind()); err != nil {
		return err
	}
	if c.CustomerID == "" {
		return apperr.Validation("validate send_text_to_pay_link", "customer id is required")
	}
	return validAmount("validate send_text_to_pay_link", c.Amount, c.Currency)
}

// CreateInvoice bills the job instead of charging it.
type CreateInvoice struct {
	CommandMeta
	DecisionID string `json:"decision_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Reason     string `json:"reason"`
}

func (CreateInvoice) Kind() Kind { return KindCreateInvoice }
func (c CreateInvoice) Validate() error {
	if err := c.validate(c.Kind()); err != nil {
		return err
	}
	if c.Reason == "" {
		return apperr.Validation("validate create_invoice", "reason is required")
	}
	return validAmount("validate create_invoice", c.Amount, c.Currency)
}

// Human task queues.
const (
	QueueOperations = "operations"
	QueueFinance    = "finance"
)

// CreateHumanTask routes the entity to a human queue.
type CreateHumanTask struct {
	CommandMeta
	DecisionID string `json:"decision_id"`
	Queue      string `json:"queue"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

func (CreateHumanTask) Kind() Kind { return KindCreateHumanTask }
func (c CreateHumanTask) Validate() error {
	if err := c.validate(c.Kind()); err != nil {
		return err
	}
	if c.Queue != QueueOperations && c.Queue != QueueFinance {
		return apperr.Validation("validate create_human_task", "unknown queue %q", c.Queue)
	}
	if c.Reason == "" {
		return apperr.Validation("validate create_human_task", "reason is required")
	}
	return nil
}

// movesMoney reports whether executing c may charge or ask the customer to
// pay. These are withheld when a decision needs a human.
func movesMoney(c Command) bool {
	switch c.(type) {
	case CapturePayment, CreatePaymentSession, SendTextToPayLink:
		return true
	}
	return false
}

// EncodeCommands renders commands for the decision audit record.
func EncodeCommands(cmds []Command) (string, error) {
	type entry struct {
		Kind    Kind    `json:"kind"`
		Command Command `json:"command"`
	}
	out := make([]entry, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, entry{Kind: c.Kind(), Command: c})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode commands: %w", err)
	}
	return string(data), nil
}

// EventType names a domain event emitted by a command handler or webhook.
type EventType string

const (
	EventPaymentSetupRequested EventType = "PaymentSetupRequested"
	EventPaymentSessionCreated EventType = "PaymentSessionCreated"
	EventPreferredMethodSet    EventType = "PreferredPaymentMethodSet"
	EventAutopayEnabled        EventType = "AutopayEnabled"
	EventPaymentCaptured       EventType = "PaymentCaptured"
	EventPaymentFailed         EventType = "PaymentFailed"
	EventTextToPaySent         EventType = "TextToPayLinkSent"
	EventInvoiceCreated        EventType = "InvoiceCreated"
	EventHumanTaskCreated      EventType = "HumanTaskCreated"
	EventPaymentVoided         EventType = "PaymentVoided"
	EventPaymentRefunded       EventType = "PaymentRefunded"
	EventCommandFailed         EventType = "CommandFailed"
)

// Event is what a command or webhook produced. Skipped marks a replay of an
// already executed command.
type Event struct {
	Type           EventType `json:"type"`
	CommandKind    Kind      `json:"command_kind,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	EntityID       string    `json:"entity_id"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	ResourceID     string    `json:"resource_id,omitempty"`
	FailureCode    string    `json:"failure_code,omitempty"`
	Message        string    `json:"message,omitempty"`
	Failed         bool      `json:"failed,omitempty"`
	Skipped        bool      `json:"skipped,omitempty"`
	At             time.Time `json:"at"`
}
