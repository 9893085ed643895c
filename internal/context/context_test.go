package context

import (
	"testing"
	"time"
)

func TestMerge_DoesNotMutateBase(t *testing.T) {
	base := New()
	base.Customer = &Customer{Name: "Ana"}

	merged := base.Merge(Patch{
		Customer: &Customer{Name: "Ana Ruiz", Phone: "+15550100"},
		Services: []string{"lawn_mowing"},
	})

	if base.Customer.Name != "Ana" {
		t.Errorf("base mutated: %+v", base.Customer)
	}
	if merged.Customer.Phone != "+15550100" || len(merged.Services) != 1 {
		t.Errorf("merged = %+v", merged)
	}
}

func TestMerge_EmptyFieldsKeepStored(t *testing.T) {
	base := New()
	base.Frequency = "weekly"
	base.Services = []string{"weeding"}

	merged := base.Merge(Patch{Booking: &Booking{BookingID: "bk-1"}})
	if merged.Frequency != "weekly" || merged.Services[0] != "weeding" {
		t.Errorf("stored fields lost: %+v", merged)
	}
	if merged.Booking.BookingID != "bk-1" {
		t.Errorf("booking = %+v", merged.Booking)
	}
}

func TestValidate(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		patch Patch
		field string
	}{
		{"valid", Patch{Services: []string{"lawn_mowing"}, Frequency: "weekly"}, ""},
		{"bad frequency", Patch{Frequency: "hourly"}, "frequency"},
		{"bad email", Patch{Customer: &Customer{Email: "nope"}}, "customer.email"},
		{"bad lat", Patch{Location: &Location{Lat: 91}}, "location.lat"},
		{"inverted quote", Patch{Quote: &Quote{Low: 200, High: 100, Currency: "USD"}}, "quote"},
		{"bad quote status", Patch{Quote: &Quote{Low: 1, High: 2, Currency: "USD", Status: "maybe"}}, "quote.status"},
		{"bad window", Patch{Schedule: &Schedule{Proposed: []Window{{Start: now, End: now}}}}, "schedule.proposed[0]"},
		{"unranked", Patch{Simulation: &Simulation{Options: []CrewOption{{CrewID: "a", TotalScore: 10}, {CrewID: "b", TotalScore: 20}}}}, "simulation.options"},
		{"locked without crew", Patch{Crew: &Crew{Locked: true}}, "crew.crew_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := New().Merge(tt.patch).Validate()
			if tt.field == "" {
				if len(errs) != 0 {
					t.Fatalf("expected valid, got %v", errs)
				}
				return
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, errs)
			}
		})
	}
}

func TestValidate_SchemaVersion(t *testing.T) {
	c := Context{SchemaVersion: 99}
	if errs := c.Validate(); len(errs) == 0 || errs[0].Field != "schema_version" {
		t.Errorf("errs = %v", errs)
	}
}

func TestParseRoundTrip(t *testing.T) {
	c := New()
	c.Address = &Address{Line1: "1 Elm St", City: "Springfield"}
	s, err := c.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	got, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Address.String() != "1 Elm St, Springfield" {
		t.Errorf("address = %q", got.Address.String())
	}

	empty, err := Parse("")
	if err != nil || empty.SchemaVersion != SchemaVersion {
		t.Errorf("empty parse = %+v err=%v", empty, err)
	}
}

func TestDecodePatch_Strict(t *testing.T) {
	if _, err := DecodePatch([]byte(`{"frequency":"weekly"}`)); err != nil {
		t.Fatalf("valid patch: %v", err)
	}
	if _, err := DecodePatch([]byte(`{"favourite_color":"green"}`)); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}
