package stage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lucasnoah/leadflow/internal/config"
	appctx "github.com/lucasnoah/leadflow/internal/context"
)

// QuoteBuildEvaluator prices the requested services from the catalog and
// sends the quote to the customer.
type QuoteBuildEvaluator struct {
	pricing   config.Pricing
	messenger Messenger
}

// NewQuoteBuild creates the QUOTE_BUILD evaluator.
func NewQuoteBuild(pricing config.Pricing, msg Messenger) *QuoteBuildEvaluator {
	return &QuoteBuildEvaluator{pricing: pricing, messenger: msg}
}

func (e *QuoteBuildEvaluator) Name() string { return "quote_build" }
func (e *QuoteBuildEvaluator) Stage() Stage { return QuoteBuild }

// Estimate is the priced breakdown behind a quote.
type Estimate struct {
	Subtotal    float64  `json:"subtotal"`
	Discount    float64  `json:"discount"`
	Total       float64  `json:"total"`
	LaborHours  float64  `json:"labor_hours"`
	Unknown     []string `json:"unknown,omitempty"`
	Assumptions []string `json:"assumptions,omitempty"`
}

// EstimateServices prices services for a lot size and frequency.
func EstimateServices(p config.Pricing, services []string, lotSqft float64, frequency string) Estimate {
	var est Estimate
	for _, name := range services {
		svc, ok := p.Services[name]
		if !ok {
			est.Unknown = append(est.Unknown, name)
			continue
		}
		est.Subtotal += svc.Base + svc.PerThousandSqft*lotSqft/1000
		est.LaborHours += svc.LaborHours
	}
	if lotSqft > 0 {
		est.Assumptions = append(est.Assumptions, fmt.Sprintf("lot size %.0f sqft", lotSqft))
	} else {
		est.Assumptions = append(est.Assumptions, "lot size unknown, base price only")
	}
	if d := p.FrequencyDiscount[frequency]; d > 0 {
		est.Discount = est.Subtotal * d
		est.Assumptions = append(est.Assumptions, fmt.Sprintf("%s discount %.0f%%", frequency, d*100))
	}
	est.Total = est.Subtotal - est.Discount
	return est
}

// RequiredCapabilities returns the union of skills and equipment the services need.
func RequiredCapabilities(p config.Pricing, services []string) (skills, equipment []string) {
	sk := map[string]bool{}
	eq := map[string]bool{}
	for _, name := range services {
		svc := p.Services[name]
		for _, s := range svc.Skills {
			sk[s] = true
		}
		for _, e := range svc.Equipment {
			eq[e] = true
		}
	}
	return sortedKeys(sk), sortedKeys(eq)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (e *QuoteBuildEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	c := in.Context
	if c.Customer == nil {
		return nil, fmt.Errorf("quote build: context has no customer")
	}
	lot := 0.0
	if c.Location != nil {
		lot = c.Location.LotSizeSqft
	}

	est := EstimateServices(e.pricing, c.Services, lot, c.Frequency)
	if len(est.Unknown) > 0 {
		return &Result{
			Output:   est,
			Decision: waitFor(WaitOps, Low, "services not in catalog: "+strings.Join(est.Unknown, ", ")),
		}, nil
	}

	q := appctx.Quote{
		Low:         round2(est.Total * (1 - e.pricing.Spread)),
		High:        round2(est.Total * (1 + e.pricing.Spread)),
		Currency:    e.pricing.Currency,
		Assumptions: est.Assumptions,
		Status:      appctx.QuoteSent,
		Revision:    1,
	}
	if c.Quote != nil {
		q.Revision = c.Quote.Revision + 1
		if c.Quote.LastReply != "" {
			q.Assumptions = append(q.Assumptions, "revised after customer reply: "+c.Quote.LastReply)
		}
	}

	id, err := e.messenger.SendQuote(ctx, *c.Customer, q)
	if err != nil {
		return nil, fmt.Errorf("send quote: %w", err)
	}
	q.MessageID = id

	return &Result{
		Output:   est,
		Patch:    appctx.Patch{Quote: &q},
		Decision: advance(High, fmt.Sprintf("quoted %.2f-%.2f %s", q.Low, q.High, q.Currency)),
	}, nil
}

// QuoteConfirmEvaluator interprets the customer's reply to a quote.
type QuoteConfirmEvaluator struct {
	classifier        ReplyClassifier
	declineConfidence float64
}

// NewQuoteConfirm creates the QUOTE_CONFIRM evaluator. classifier may be nil,
// in which case replies are classified by keyword.
func NewQuoteConfirm(classifier ReplyClassifier, declineConfidence float64) *QuoteConfirmEvaluator {
	return &QuoteConfirmEvaluator{classifier: classifier, declineConfidence: declineConfidence}
}

func (e *QuoteConfirmEvaluator) Name() string { return "quote_confirm" }
func (e *QuoteConfirmEvaluator) Stage() Stage { return QuoteConfirm }

func (e *QuoteConfirmEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	if in.Context.Quote == nil {
		return &Result{Decision: waitFor(WaitOps, Low, "no quote to confirm")}, nil
	}
	q := *in.Context.Quote
	reply := strings.TrimSpace(q.LastReply)
	if reply == "" {
		return &Result{Decision: waitFor(WaitCustomer, Medium, "awaiting reply to quote")}, nil
	}

	cls := e.classify(ctx, reply)
	switch {
	case cls.Intent == IntentAccept:
		q.Status = appctx.QuoteAccepted
		return &Result{Output: cls, Patch: appctx.Patch{Quote: &q}, Decision: advance(High, "quote accepted")}, nil
	case cls.Intent == IntentDecline && cls.Confidence >= e.declineConfidence:
		q.Status = appctx.QuoteDeclined
		d := Decision{Confidence: High, WaitReason: WaitNone, Notes: "quote declined", Terminal: TerminalLost}
		return &Result{Output: cls, Patch: appctx.Patch{Quote: &q}, Decision: d}, nil
	default:
		q.Status = appctx.QuoteModifyRequested
		return &Result{
			Output:   cls,
			Patch:    appctx.Patch{Quote: &q},
			Decision: loopBack(QuoteBuild, Medium, fmt.Sprintf("reply classified %s (%.2f), requoting", cls.Intent, cls.Confidence)),
		}, nil
	}
}

func (e *QuoteConfirmEvaluator) classify(ctx context.Context, reply string) *Classification {
	if e.classifier != nil {
		cls, err := e.classifier.ClassifyReply(ctx, reply)
		if err == nil && cls != nil {
			return cls
		}
	}
	return ClassifyByKeyword(reply)
}

var (
	declinePhrases = []string{"not interested", "no thanks", "no thank you", "decline", "cancel", "never mind", "nevermind"}
	modifyPhrases  = []string{"change", "instead", "cheaper", "lower", "different", "modify", "discount", "add ", "remove", "too expensive"}
	acceptPhrases  = []string{"yes", "accept", "sounds good", "book it", "go ahead", "deal", "ok", "okay", "approve", "confirmed"}
)

// ClassifyByKeyword is the fallback reply classifier.
func ClassifyByKeyword(reply string) *Classification {
	text := " " + strings.ToLower(reply) + " "
	words := " " + strings.Join(strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && r != '\''
	}), " ") + " "

	has := func(phrases []string) bool {
		for _, p := range phrases {
			if strings.Contains(words, " "+strings.TrimSpace(p)+" ") {
				return true
			}
		}
		return false
	}

	switch {
	case has(declinePhrases):
		return &Classification{Intent: IntentDecline, Confidence: 0.85, Source: "keyword"}
	case has(modifyPhrases):
		return &Classification{Intent: IntentModify, Confidence: 0.6, Source: "keyword"}
	case has(acceptPhrases):
		return &Classification{Intent: IntentAccept, Confidence: 0.75, Source: "keyword"}
	default:
		return &Classification{Intent: IntentAmbiguous, Confidence: 0.3, Source: "keyword"}
	}
}
