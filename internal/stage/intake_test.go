package stage

import (
	"context"
	"errors"
	"strings"
	"testing"

	appctx "github.com/lucasnoah/leadflow/internal/context"
)

func fullExtraction() *Extraction {
	return &Extraction{
		Customer:  appctx.Customer{Name: "Ana Ruiz", Phone: "+15550100"},
		Address:   appctx.Address{Line1: "12 Oak Ave", City: "Springfield"},
		Services:  []string{"lawn_mowing"},
		Frequency: "weekly",
		LotSize:   6000,
	}
}

func TestLeadIntake_Complete(t *testing.T) {
	geo := &fakeGeocoder{loc: appctx.Location{Lat: 40.01, Lng: -75}}
	e := NewLeadIntake(&fakeExtractor{ex: fullExtraction()}, geo, &fakeMessenger{})

	c := appctx.New()
	c.LeadText = "Hi, I'm Ana at 12 Oak Ave, need weekly mowing. +15550100"
	res, err := e.Evaluate(context.Background(), Input{Context: c})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Decision.Advance || res.Decision.Confidence != High {
		t.Errorf("decision = %+v", res.Decision)
	}
	if res.Patch.Location == nil || res.Patch.Location.LotSizeSqft != 6000 {
		t.Errorf("location = %+v", res.Patch.Location)
	}
	if res.Patch.Frequency != "weekly" {
		t.Errorf("frequency = %q", res.Patch.Frequency)
	}
	if geo.calls != 1 {
		t.Errorf("geocode calls = %d", geo.calls)
	}
}

func TestLeadIntake_MissingFieldsWaitsCustomer(t *testing.T) {
	ex := fullExtraction()
	ex.Address = appctx.Address{}
	ex.Services = nil
	msg := &fakeMessenger{}
	e := NewLeadIntake(&fakeExtractor{ex: ex}, &fakeGeocoder{}, msg)

	c := appctx.New()
	c.LeadText = "Ana here, call me"
	res, err := e.Evaluate(context.Background(), Input{Context: c})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Decision.Advance || res.Decision.WaitReason != WaitCustomer {
		t.Errorf("decision = %+v", res.Decision)
	}
	if !strings.Contains(res.Decision.Notes, "address") || !strings.Contains(res.Decision.Notes, "services") {
		t.Errorf("notes = %q", res.Decision.Notes)
	}
	if len(msg.sent) != 1 || msg.sent[0] != "details" {
		t.Errorf("messages = %v", msg.sent)
	}
}

func TestLeadIntake_SeededContextKeepsValues(t *testing.T) {
	ex := fullExtraction()
	e := NewLeadIntake(&fakeExtractor{ex: ex}, &fakeGeocoder{}, &fakeMessenger{})

	c := appctx.New()
	c.LeadText = "text"
	c.Customer = &appctx.Customer{Name: "Seeded Name", Email: "s@example.com"}
	res, err := e.Evaluate(context.Background(), Input{Context: c})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Patch.Customer.Name != "Seeded Name" || res.Patch.Customer.Phone != "+15550100" {
		t.Errorf("customer = %+v", res.Patch.Customer)
	}
}

func TestLeadIntake_ExtractorError(t *testing.T) {
	e := NewLeadIntake(&fakeExtractor{err: errors.New("model unavailable")}, &fakeGeocoder{}, &fakeMessenger{})
	c := appctx.New()
	c.LeadText = "anything"
	if _, err := e.Evaluate(context.Background(), Input{Context: c}); err == nil {
		t.Fatal("expected extractor error to surface")
	}
}
