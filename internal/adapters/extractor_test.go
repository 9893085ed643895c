package adapters

import (
	"context"
	"reflect"
	"testing"

	appctx "github.com/lucasnoah/leadflow/internal/context"
	"github.com/lucasnoah/leadflow/internal/stage"
)

func TestKeywordExtractor(t *testing.T) {
	text := "Hi, my name is Ana Lopez. I need my lawn mowed and hedges trimmed every other week at " +
		"123 Oak St, Austin, TX 78701. Lot is about 6,500 sq ft. Call 512-555-0100 or Ana@Example.com"
	ex, err := NewKeywordExtractor(nil).ExtractLead(context.Background(), text)
	if err != nil {
		t.Fatalf("ExtractLead: %v", err)
	}

	wantCustomer := appctx.Customer{Name: "Ana Lopez", Phone: "5125550100", Email: "ana@example.com"}
	if ex.Customer != wantCustomer {
		t.Errorf("customer = %+v, want %+v", ex.Customer, wantCustomer)
	}
	wantAddr := appctx.Address{Line1: "123 Oak St", City: "Austin", Region: "TX", PostalCode: "78701"}
	if ex.Address != wantAddr {
		t.Errorf("address = %+v, want %+v", ex.Address, wantAddr)
	}
	if want := []string{"hedge_trimming", "lawn_mowing"}; !reflect.DeepEqual(ex.Services, want) {
		t.Errorf("services = %v, want %v", ex.Services, want)
	}
	if ex.Frequency != "biweekly" {
		t.Errorf("frequency = %q, want biweekly", ex.Frequency)
	}
	if ex.LotSize != 6500 {
		t.Errorf("lot = %v, want 6500", ex.LotSize)
	}
}

func TestKeywordExtractorCatalogFilter(t *testing.T) {
	ex, err := NewKeywordExtractor([]string{"weeding"}).ExtractLead(context.Background(), "mow the lawn and pull weeds")
	if err != nil {
		t.Fatalf("ExtractLead: %v", err)
	}
	if want := []string{"weeding"}; !reflect.DeepEqual(ex.Services, want) {
		t.Errorf("services = %v, want %v", ex.Services, want)
	}
}

func TestKeywordExtractorSparseText(t *testing.T) {
	ex, err := NewKeywordExtractor(nil).ExtractLead(context.Background(), "how much do you charge?")
	if err != nil {
		t.Fatalf("ExtractLead: %v", err)
	}
	if ex.Customer != (appctx.Customer{}) || ex.Address != (appctx.Address{}) || len(ex.Services) != 0 {
		t.Errorf("expected empty extraction, got %+v", ex)
	}
}

func TestParseAddressWithoutCity(t *testing.T) {
	a := parseAddress("9 Elm Dr", " near the park")
	if a.Line1 != "9 Elm Dr" || a.City != "" {
		t.Errorf("parseAddress = %+v", a)
	}
}

func TestKeywordClassifier(t *testing.T) {
	cls, err := KeywordClassifier{}.ClassifyReply(context.Background(), "yes please book it")
	if err != nil {
		t.Fatalf("ClassifyReply: %v", err)
	}
	if cls.Intent != stage.IntentAccept {
		t.Errorf("intent = %s, want accept", cls.Intent)
	}
}

func TestStaticGeocoder(t *testing.T) {
	g := NewStaticGeocoder(30, -97, 8000)
	addr := appctx.Address{Line1: "123 Oak St", City: "Austin"}
	a, err := g.Geocode(context.Background(), addr)
	if err != nil {
		t.Fatalf("Geocode: %v", err)
	}
	b, _ := g.Geocode(context.Background(), addr)
	if *a != *b {
		t.Errorf("geocode not deterministic: %+v vs %+v", a, b)
	}
	if a.Lat < 29.87 || a.Lat > 30.13 || a.Lng < -97.13 || a.Lng > -96.87 {
		t.Errorf("location %v,%v too far from center", a.Lat, a.Lng)
	}
	if a.LotSizeSqft < 4000 || a.LotSizeSqft > 12000 || int(a.LotSizeSqft)%100 != 0 {
		t.Errorf("lot = %v", a.LotSizeSqft)
	}
	if _, err := g.Geocode(context.Background(), appctx.Address{}); err == nil {
		t.Error("expected error for empty address")
	}
}
