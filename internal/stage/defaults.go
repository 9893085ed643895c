package stage

import "github.com/lucasnoah/leadflow/internal/config"

// NewDefaultRegistry wires one evaluator per stage from the collaborators and
// orchestration config.
func NewDefaultRegistry(c Collaborators, cfg *config.Config) (*Registry, error) {
	o := cfg.Orchestration
	return NewRegistry(
		NewLeadIntake(c.Extractor, c.Geocoder, c.Messenger),
		NewQuoteBuild(cfg.Pricing, c.Messenger),
		NewQuoteConfirm(c.Classifier, o.QuoteDeclineConfidence),
		NewSchedulePropose(o.Schedule, c.Messenger),
		NewSimulationRun(c.Crews, o.Simulation, cfg.Pricing),
		NewFeasibilityCheck(c.Crews, cfg.Pricing),
		NewMarginValidate(c.Crews, cfg.Pricing, o.Simulation, o.MinMarginPercent),
		NewCrewLock(c.Crews, o.CrewLock),
		NewDispatchReady(c.Dispatcher),
		NewJobBooked(c.Booking),
	)
}
