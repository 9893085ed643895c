// Package adapters holds sandbox implementations of the external systems the
// orchestrator and payment saga call: extraction, geocoding, messaging,
// crews, dispatch, booking, the payment provider and notifications.
package adapters

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	appctx "github.com/lucasnoah/leadflow/internal/context"
	"github.com/lucasnoah/leadflow/internal/stage"
)

var (
	phoneRe  = regexp.MustCompile(`\+?\d[\d\-\s().]{8,}\d`)
	emailRe  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	nameRe   = regexp.MustCompile(`\b(?i:my name is|this is|i am|i'm)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	streetRe = regexp.MustCompile(`(?i)\b\d{1,6}\s+(?:[A-Za-z0-9.]+\s+){0,4}(?:st|street|ave|avenue|rd|road|dr|drive|ln|lane|blvd|boulevard|ct|court|way|pl|place)\b`)
	cityRe   = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z .]{1,40})$`)
	regionRe = regexp.MustCompile(`^\s*([A-Z]{2})(?:\s+(\d{5}))?`)
	lotRe    = regexp.MustCompile(`(?i)(\d[\d,]*)\s*(?:sq\.?\s*ft|sqft|square feet)`)
)

// serviceKeywords maps phrases in lead text to catalog service names.
var serviceKeywords = map[string][]string{
	"lawn_mowing":    {"mow", "mowing", "lawn", "grass cut", "cut my grass"},
	"hedge_trimming": {"hedge", "hedges", "trim", "trimming", "bushes"},
	"leaf_cleanup":   {"leaf", "leaves", "cleanup", "clean up", "clean-up"},
	"weeding":        {"weed", "weeds", "weeding"},
}

var frequencyKeywords = []struct {
	word string
	freq string
}{
	{"biweekly", "biweekly"},
	{"every other week", "biweekly"},
	{"every two weeks", "biweekly"},
	{"weekly", "weekly"},
	{"every week", "weekly"},
	{"monthly", "monthly"},
	{"once a month", "monthly"},
	{"one time", "one_time"},
	{"one-time", "one_time"},
	{"once", "one_time"},
}

// KeywordExtractor pulls lead fields out of text with patterns. It stands in
// for a language-model extractor and only reports services the catalog
// sells.
type KeywordExtractor struct {
	services map[string]bool
}

// NewKeywordExtractor limits extracted services to catalog. A nil catalog
// allows every known service.
func NewKeywordExtractor(catalog []string) *KeywordExtractor {
	e := &KeywordExtractor{services: map[string]bool{}}
	for _, s := range catalog {
		e.services[s] = true
	}
	return e
}

func (e *KeywordExtractor) ExtractLead(ctx context.Context, text string) (*stage.Extraction, error) {
	ex := &stage.Extraction{}
	lower := strings.ToLower(text)

	if m := nameRe.FindStringSubmatch(text); m != nil {
		ex.Customer.Name = m[1]
	}
	if m := emailRe.FindString(text); m != "" {
		ex.Customer.Email = strings.ToLower(m)
	}
	if m := phoneRe.FindString(text); m != "" {
		ex.Customer.Phone = normalizePhone(m)
	}
	if loc := streetRe.FindStringIndex(text); loc != nil {
		ex.Address = parseAddress(text[loc[0]:loc[1]], text[loc[1]:])
	}
	if m := lotRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			ex.LotSize = n
		}
	}

	for svc, words := range serviceKeywords {
		if len(e.services) > 0 && !e.services[svc] {
			continue
		}
		for _, w := range words {
			if strings.Contains(lower, w) {
				ex.Services = append(ex.Services, svc)
				break
			}
		}
	}
	sort.Strings(ex.Services)

	for _, f := range frequencyKeywords {
		if strings.Contains(lower, f.word) {
			ex.Frequency = f.freq
			break
		}
	}
	return ex, nil
}

// parseAddress reads ", City, ST 12345" following a street line.
func parseAddress(street, rest string) appctx.Address {
	a := appctx.Address{Line1: strings.TrimSpace(street)}
	rest = strings.TrimPrefix(strings.TrimSpace(rest), ".")
	if !strings.HasPrefix(strings.TrimSpace(rest), ",") {
		return a
	}
	segs := strings.Split(rest, ",")
	if len(segs) > 1 {
		if m := cityRe.FindStringSubmatch(segs[1]); m != nil {
			a.City = strings.TrimSpace(m[1])
		}
	}
	if len(segs) > 2 {
		if m := regionRe.FindStringSubmatch(segs[2]); m != nil {
			a.Region, a.PostalCode = m[1], m[2]
		}
	}
	return a
}

// normalizePhone keeps digits and a leading plus.
func normalizePhone(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// KeywordClassifier classifies quote replies by keyword.
type KeywordClassifier struct{}

func (KeywordClassifier) ClassifyReply(ctx context.Context, reply string) (*stage.Classification, error) {
	return stage.ClassifyByKeyword(reply), nil
}
