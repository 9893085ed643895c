// Package stage defines the lead-to-cash stages, the decision contract between
// a stage evaluator and the orchestrator, and the evaluators themselves.
package stage

import "fmt"

// Stage is one named step in the lead-to-cash sequence.
type Stage string

const (
	LeadIntake       Stage = "LEAD_INTAKE"
	QuoteBuild       Stage = "QUOTE_BUILD"
	QuoteConfirm     Stage = "QUOTE_CONFIRM"
	SchedulePropose  Stage = "SCHEDULE_PROPOSE"
	SimulationRun    Stage = "SIMULATION_RUN"
	FeasibilityCheck Stage = "FEASIBILITY_CHECK"
	MarginValidate   Stage = "MARGIN_VALIDATE"
	CrewLock         Stage = "CREW_LOCK"
	DispatchReady    Stage = "DISPATCH_READY"
	JobBooked        Stage = "JOB_BOOKED"
)

// Order is the canonical stage sequence.
var Order = []Stage{
	LeadIntake,
	QuoteBuild,
	QuoteConfirm,
	SchedulePropose,
	SimulationRun,
	FeasibilityCheck,
	MarginValidate,
	CrewLock,
	DispatchReady,
	JobBooked,
}

// Index returns the position of s in Order, or -1.
func (s Stage) Index() int {
	for i, o := range Order {
		if o == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Next returns the stage after s. ok is false for the last stage.
func Next(s Stage) (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(Order)-1 {
		return "", false
	}
	return Order[i+1], true
}

// Prev returns the stage before s. ok is false for the first stage.
func Prev(s Stage) (Stage, bool) {
	i := s.Index()
	if i <= 0 {
		return "", false
	}
	return Order[i-1], true
}

// Parse converts a string to a Stage.
func Parse(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

// Confidence is the coarse reliability label of a decision.
type Confidence string

const (
	High   Confidence = "high"
	Medium Confidence = "medium"
	Low    Confidence = "low"
)

// WaitReason says who must act before a paused run can resume.
type WaitReason string

const (
	WaitNone     WaitReason = "none"
	WaitCustomer WaitReason = "customer_response"
	WaitOps      WaitReason = "ops_approval"
)

// TerminalLost ends a run as lost instead of waiting.
const TerminalLost = "lost"

// Decision is what an evaluator tells the orchestrator to do next.
type Decision struct {
	Advance    bool       `json:"advance"`
	NextStage  Stage      `json:"next_stage,omitempty"`
	Confidence Confidence `json:"confidence"`
	WaitReason WaitReason `json:"wait_reason"`
	Notes      string     `json:"notes,omitempty"`
	Terminal   string     `json:"terminal,omitempty"`
}

func advance(c Confidence, notes string) Decision {
	return Decision{Advance: true, Confidence: c, WaitReason: WaitNone, Notes: notes}
}

func loopBack(to Stage, c Confidence, notes string) Decision {
	return Decision{Advance: true, NextStage: to, Confidence: c, WaitReason: WaitNone, Notes: notes}
}

func waitFor(r WaitReason, c Confidence, notes string) Decision {
	return Decision{Advance: false, Confidence: c, WaitReason: r, Notes: notes}
}
