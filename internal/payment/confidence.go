package payment

import (
	"math"

	"github.com/lucasnoah/leadflow/internal/db"
)

// Breakdown is the five-factor confidence of a decision, each in [0, 1].
type Breakdown struct {
	DataCompleteness   float64 `json:"data_completeness"`
	PolicyCompliance   float64 `json:"policy_compliance"`
	ConsentCertainty   float64 `json:"consent_certainty"`
	MethodAvailability float64 `json:"method_availability"`
	PaymentRisk        float64 `json:"payment_risk"`
}

const (
	weightData    = 0.20
	weightPolicy  = 0.25
	weightConsent = 0.20
	weightMethod  = 0.20
	weightRisk    = 0.15
)

// Score is the weighted average of the factors, rounded to three places.
func (b Breakdown) Score() float64 {
	s := weightData*b.DataCompleteness +
		weightPolicy*b.PolicyCompliance +
		weightConsent*b.ConsentCertainty +
		weightMethod*b.MethodAvailability +
		weightRisk*b.PaymentRisk
	return math.Round(s*1000) / 1000
}

// needsStoredMethod reports whether the label acts on a method on file.
func needsStoredMethod(l Label) bool {
	return l == LabelAutopayCapture || l == LabelSendTextToPay || l == LabelCreateInAppSession
}

// scoreDecision rates how well the inputs support acting on label. The
// factors judge what the chosen action needs, so asking for setup is not
// penalized for the absence of a method it is meant to obtain.
func scoreDecision(cfg AgentConfig, l Label, in Input, pref *db.PaymentMethod) Breakdown {
	var b Breakdown
	t := in.Trigger
	hasProfile := in.Profile != nil
	hasMethods := len(in.Methods) > 0

	if needsStoredMethod(l) {
		if hasProfile {
			b.DataCompleteness += 0.5
		}
		if hasMethods {
			b.DataCompleteness += 0.5
		}
	} else {
		b.DataCompleteness = 1
		if t.CustomerID == "" {
			b.DataCompleteness = 0.5
		}
	}

	switch {
	case in.Policy == nil:
		b.PolicyCompliance = 0
	case in.Policy.Currency != "" && t.Currency != in.Policy.Currency:
		b.PolicyCompliance = 0
	case l == LabelEscalate:
		b.PolicyCompliance = 0.5
	case l == LabelAutopayCapture && !hasConsent(in.Profile, ConsentAutopay):
		b.PolicyCompliance = 0.5
	default:
		b.PolicyCompliance = 1
	}

	switch {
	case l == LabelAutopayCapture && hasConsent(in.Profile, ConsentAutopay):
		b.ConsentCertainty = 1
	case l == LabelAutopayCapture:
		b.ConsentCertainty = 0
	case hasProfile && len(in.Profile.Consents) > 0:
		b.ConsentCertainty = 1
	default:
		b.ConsentCertainty = 0.5
	}

	switch {
	case !needsStoredMethod(l):
		b.MethodAvailability = 1
	case pref != nil:
		b.MethodAvailability = 1
	case hasMethods:
		b.MethodAvailability = 0.7
	}

	b.PaymentRisk = 1
	if cfg.HighValueCents > 0 && t.Amount > cfg.HighValueCents {
		b.PaymentRisk -= 0.6
	}
	if in.FirstService {
		b.PaymentRisk -= 0.2
	}
	if hasProfile && in.Profile.DisputeCount > 0 {
		b.PaymentRisk -= 0.4
	}
	b.PaymentRisk = math.Max(0, b.PaymentRisk)
	return b
}

// Consent kinds.
const (
	ConsentAutopay = "autopay"
	ConsentSMS     = "sms"
)

func hasConsent(p *db.PaymentProfile, kind string) bool {
	if p == nil {
		return false
	}
	for _, c := range p.Consents {
		if c.Kind == kind {
			return true
		}
	}
	return false
}
