package payment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lucasnoah/leadflow/internal/db"
)

// Label is the collection strategy a decision picks.
type Label string

const (
	LabelAutopayCapture     Label = "autopay_capture"
	LabelRequestSetup       Label = "request_setup"
	LabelSendTextToPay      Label = "send_text_to_pay"
	LabelCreateInAppSession Label = "create_in_app_session"
	LabelFallbackInvoice    Label = "fallback_invoice"
	LabelEscalate           Label = "escalate"
)

// RiskFlag marks a condition operators should see.
type RiskFlag string

const (
	FlagConsentMissing          RiskFlag = "CONSENT_MISSING"
	FlagMethodUnavailable       RiskFlag = "METHOD_UNAVAILABLE"
	FlagAmountThresholdExceeded RiskFlag = "AMOUNT_THRESHOLD_EXCEEDED"
	FlagFirstServiceNoSetup     RiskFlag = "FIRST_SERVICE_NO_SETUP"
	FlagPaymentRisk             RiskFlag = "PAYMENT_RISK"
	FlagPolicyViolation         RiskFlag = "POLICY_VIOLATION"
	FlagDisputeHistory          RiskFlag = "DISPUTE_HISTORY"
)

var severeFlags = map[RiskFlag]bool{
	FlagPaymentRisk:     true,
	FlagPolicyViolation: true,
	FlagDisputeHistory:  true,
}

// ChannelInApp is the trigger channel that gets wallet sessions instead of
// text-to-pay links.
const ChannelInApp = "in_app"

// Trigger is the job-completed event a decision is made for.
type Trigger struct {
	BusinessID string `json:"business_id"`
	CustomerID string `json:"customer_id"`
	JobID      string `json:"job_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Channel    string `json:"channel,omitempty"`
	TraceID    string `json:"trace_id"`
	Attempt    int    `json:"attempt,omitempty"`
}

// Input is everything Decide reads.
type Input struct {
	DecisionID   string
	Trigger      Trigger
	Policy       *db.PaymentPolicy
	Profile      *db.PaymentProfile
	Methods      []db.PaymentMethod
	FirstService bool
}

// AgentConfig holds the decision thresholds.
type AgentConfig struct {
	ConfidenceThreshold float64
	HighValueCents      int64
}

// Decision is the agent's verdict and the commands that carry it out.
type Decision struct {
	ID            string     `json:"id"`
	BusinessID    string     `json:"business_id"`
	CustomerID    string     `json:"customer_id"`
	EntityID      string     `json:"entity_id"`
	TraceID       string     `json:"trace_id"`
	Label         Label      `json:"label"`
	Commands      []Command  `json:"commands"`
	Confidence    float64    `json:"confidence"`
	Breakdown     Breakdown  `json:"breakdown"`
	RiskFlags     []RiskFlag `json:"risk_flags"`
	HumanRequired bool       `json:"human_required"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	PolicyHash    string     `json:"policy_hash"`
	Reason        string     `json:"reason"`
}

// HasFlag reports whether f was raised.
func (d Decision) HasFlag(f RiskFlag) bool {
	for _, x := range d.RiskFlags {
		if x == f {
			return true
		}
	}
	return false
}

// Decide picks how to collect payment. It is pure: it reads only its input
// and never touches storage or the provider. The first matching rule wins.
func Decide(cfg AgentConfig, in Input) Decision {
	t := in.Trigger
	d := Decision{
		ID:         in.DecisionID,
		BusinessID: t.BusinessID,
		CustomerID: t.CustomerID,
		EntityID:   t.JobID,
		TraceID:    t.TraceID,
		Amount:     t.Amount,
		Currency:   t.Currency,
		PolicyHash: PolicyHash(in.Policy),
	}
	b := builder{d: &d, attempt: t.Attempt}
	p := in.Policy
	pref := preferredMethod(in.Profile, in.Methods)
	autopay := in.Profile != nil && in.Profile.AutopayEnabled
	inApp := t.Channel == ChannelInApp
	flags := riskFlags(cfg, in, pref)

	switch {
	case p == nil:
		d.Label, d.Reason = LabelEscalate, "no payment policy configured"
		b.humanTask(QueueOperations, d.Reason)
	case in.FirstService && p.RequireSetupOnFirstService && pref == nil:
		d.Label, d.Reason = LabelRequestSetup, "first service requires payment setup"
		b.requestSetup(t.Channel)
	case autopay && pref != nil && withinLimit(t.Amount, p.MaxAutopayAmount):
		if p.RequireConfirmationAbove > 0 && t.Amount > p.RequireConfirmationAbove {
			d.Label, d.Reason = sessionLabel(inApp), "amount needs customer confirmation"
			b.session(t.Channel)
		} else {
			d.Label, d.Reason = LabelAutopayCapture, "autopay with preferred method"
			b.capture(pref.ID)
		}
	case p.InvoiceOnlyAbove > 0 && t.Amount > p.InvoiceOnlyAbove:
		d.Label, d.Reason = LabelFallbackInvoice, "amount above invoice-only threshold"
		b.invoice("amount_threshold")
	case len(in.Methods) > 0 && !autopay:
		d.Label, d.Reason = sessionLabel(inApp), "methods on file, autopay off"
		if inApp {
			b.session(t.Channel)
		} else {
			b.textToPay()
		}
	case len(in.Methods) == 0:
		d.Label, d.Reason = LabelRequestSetup, "no payment methods on file"
		b.requestSetup(t.Channel)
	case p.AllowInvoiceFallback:
		d.Label, d.Reason = LabelFallbackInvoice, "invoice fallback allowed"
		b.invoice("policy_fallback")
	default:
		d.Label, d.Reason = LabelEscalate, "no safe collection path"
		flags[FlagPaymentRisk] = true
		b.humanTask(QueueOperations, d.Reason)
	}

	d.RiskFlags = sortedFlags(flags)
	d.Breakdown = scoreDecision(cfg, d.Label, in, pref)
	d.Confidence = d.Breakdown.Score()
	if p == nil {
		d.Confidence = 0
	}

	severe := false
	for _, f := range d.RiskFlags {
		if severeFlags[f] {
			severe = true
		}
	}
	d.HumanRequired = severe || d.Confidence < cfg.ConfidenceThreshold
	if d.HumanRequired {
		b.withholdMoney()
	}
	return d
}

func sessionLabel(inApp bool) Label {
	if inApp {
		return LabelCreateInAppSession
	}
	return LabelSendTextToPay
}

// withinLimit treats a zero limit as no limit.
func withinLimit(amount, limit int64) bool {
	return limit == 0 || amount <= limit
}

// preferredMethod returns the profile's preferred method if the customer
// still has it on file.
func preferredMethod(p *db.PaymentProfile, methods []db.PaymentMethod) *db.PaymentMethod {
	if p == nil || p.PreferredMethodID == "" {
		return nil
	}
	for i := range methods {
		if methods[i].ID == p.PreferredMethodID && methods[i].CustomerID == p.CustomerID {
			return &methods[i]
		}
	}
	return nil
}

func riskFlags(cfg AgentConfig, in Input, pref *db.PaymentMethod) map[RiskFlag]bool {
	flags := map[RiskFlag]bool{}
	t := in.Trigger
	if in.Profile == nil || len(in.Profile.Consents) == 0 {
		flags[FlagConsentMissing] = true
	}
	if len(in.Methods) == 0 {
		flags[FlagMethodUnavailable] = true
	}
	if p := in.Policy; p != nil {
		if (p.MaxAutopayAmount > 0 && t.Amount > p.MaxAutopayAmount) ||
			(p.InvoiceOnlyAbove > 0 && t.Amount > p.InvoiceOnlyAbove) {
			flags[FlagAmountThresholdExceeded] = true
		}
		if p.Currency != "" && t.Currency != p.Currency {
			flags[FlagPolicyViolation] = true
		}
	}
	if in.FirstService && pref == nil {
		flags[FlagFirstServiceNoSetup] = true
	}
	if cfg.HighValueCents > 0 && t.Amount > cfg.HighValueCents {
		flags[FlagPaymentRisk] = true
	}
	if in.Profile != nil && in.Profile.DisputeCount > 0 {
		flags[FlagDisputeHistory] = true
	}
	return flags
}

func sortedFlags(flags map[RiskFlag]bool) []RiskFlag {
	out := make([]RiskFlag, 0, len(flags))
	for f, on := range flags {
		if on {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// builder appends commands that share the decision's identity.
type builder struct {
	d       *Decision
	attempt int
}

func (b builder) meta(k Kind) CommandMeta {
	d := b.d
	return NewMeta(k, d.BusinessID, d.CustomerID, d.EntityID, d.TraceID, d.PolicyHash)
}

func (b builder) add(c Command) { b.d.Commands = append(b.d.Commands, c) }

func (b builder) requestSetup(channel string) {
	b.add(RequestPaymentSetup{CommandMeta: b.meta(KindRequestPaymentSetup), Channel: channel, Reason: b.d.Reason})
}

func (b builder) session(channel string) {
	b.add(CreatePaymentSession{CommandMeta: b.meta(KindCreatePaymentSession), Amount: b.d.Amount, Currency: b.d.Currency, Channel: channel})
}

func (b builder) textToPay() {
	b.add(SendTextToPayLink{CommandMeta: b.meta(KindSendTextToPayLink), Amount: b.d.Amount, Currency: b.d.Currency})
}

func (b builder) capture(methodID string) {
	b.add(CapturePayment{
		CommandMeta: b.meta(KindCapturePayment),
		DecisionID:  b.d.ID,
		Amount:      b.d.Amount,
		Currency:    b.d.Currency,
		MethodID:    methodID,
		Attempt:     b.attempt,
	})
}

func (b builder) invoice(reason string) {
	b.add(CreateInvoice{CommandMeta: b.meta(KindCreateInvoice), DecisionID: b.d.ID, Amount: b.d.Amount, Currency: b.d.Currency, Reason: reason})
}

func (b builder) humanTask(queue, reason string) {
	b.add(CreateHumanTask{CommandMeta: b.meta(KindCreateHumanTask), DecisionID: b.d.ID, Queue: queue, Reason: reason})
}

// withholdMoney drops money-moving commands and makes sure a human task is
// there to pick the decision up.
func (b builder) withholdMoney() {
	kept := b.d.Commands[:0]
	hasTask := false
	for _, c := range b.d.Commands {
		if movesMoney(c) {
			continue
		}
		if _, ok := c.(CreateHumanTask); ok {
			hasTask = true
		}
		kept = append(kept, c)
	}
	b.d.Commands = kept
	if hasTask {
		return
	}
	flags := make([]string, len(b.d.RiskFlags))
	for i, f := range b.d.RiskFlags {
		flags[i] = string(f)
	}
	detail := fmt.Sprintf("label=%s confidence=%.2f flags=%s", b.d.Label, b.d.Confidence, strings.Join(flags, ","))
	b.add(CreateHumanTask{
		CommandMeta: b.meta(KindCreateHumanTask),
		DecisionID:  b.d.ID,
		Queue:       QueueOperations,
		Reason:      "payment decision needs review",
		Detail:      detail,
	})
}
