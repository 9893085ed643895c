package stage

import (
	"context"
	"strings"
	"testing"
)

func TestOrderNavigation(t *testing.T) {
	if len(Order) != 10 {
		t.Fatalf("expected 10 stages, got %d", len(Order))
	}
	next, ok := Next(LeadIntake)
	if !ok || next != QuoteBuild {
		t.Errorf("Next(LEAD_INTAKE) = %s, %v", next, ok)
	}
	if _, ok := Next(JobBooked); ok {
		t.Error("JOB_BOOKED should have no next stage")
	}
	prev, ok := Prev(QuoteConfirm)
	if !ok || prev != QuoteBuild {
		t.Errorf("Prev(QUOTE_CONFIRM) = %s, %v", prev, ok)
	}
	if _, ok := Prev(LeadIntake); ok {
		t.Error("LEAD_INTAKE should have no previous stage")
	}
	if _, err := Parse("NOPE"); err == nil {
		t.Error("expected parse error")
	}
}

type stubEvaluator struct {
	name  string
	stage Stage
}

func (s stubEvaluator) Name() string { return s.name }
func (s stubEvaluator) Stage() Stage { return s.stage }
func (s stubEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	return &Result{Decision: advance(High, "")}, nil
}

func TestNewRegistry_Complete(t *testing.T) {
	var evs []Evaluator
	for _, s := range Order {
		evs = append(evs, stubEvaluator{name: string(s), stage: s})
	}
	r, err := NewRegistry(evs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if e, ok := r.For(CrewLock); !ok || e.Name() != string(CrewLock) {
		t.Errorf("For(CREW_LOCK) = %v, %v", e, ok)
	}
}

func TestNewRegistry_Missing(t *testing.T) {
	_, err := NewRegistry(stubEvaluator{name: "a", stage: LeadIntake})
	if err == nil {
		t.Fatal("expected missing-stage error")
	}
	if !strings.Contains(err.Error(), "JOB_BOOKED") {
		t.Errorf("error should name missing stages: %v", err)
	}
}

func TestNewRegistry_Duplicate(t *testing.T) {
	var evs []Evaluator
	for _, s := range Order {
		evs = append(evs, stubEvaluator{name: string(s), stage: s})
	}
	evs = append(evs, stubEvaluator{name: "second", stage: QuoteBuild})
	if _, err := NewRegistry(evs...); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestNewDefaultRegistry(t *testing.T) {
	crews := &fakeCrews{}
	msg := &fakeMessenger{}
	_, err := NewDefaultRegistry(Collaborators{
		Extractor: &fakeExtractor{}, Geocoder: &fakeGeocoder{}, Messenger: msg,
		Crews: crews,
	}, testConfig())
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
}
