package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucasnoah/leadflow/internal/config"
	appctx "github.com/lucasnoah/leadflow/internal/context"
)

// FeasibilityCheckEvaluator verifies the chosen crew can actually do the job.
type FeasibilityCheckEvaluator struct {
	crews   CrewDirectory
	pricing config.Pricing
}

// NewFeasibilityCheck creates the FEASIBILITY_CHECK evaluator.
func NewFeasibilityCheck(crews CrewDirectory, pricing config.Pricing) *FeasibilityCheckEvaluator {
	return &FeasibilityCheckEvaluator{crews: crews, pricing: pricing}
}

func (e *FeasibilityCheckEvaluator) Name() string { return "feasibility_check" }
func (e *FeasibilityCheckEvaluator) Stage() Stage { return FeasibilityCheck }

// Blockers lists every reason crew cr cannot take the job.
func Blockers(cr CrewInfo, skills, equipment []string, distKm, laborHours float64) []string {
	var blockers []string
	for _, s := range missing(cr.Skills, skills) {
		blockers = append(blockers, "missing skill: "+s)
	}
	for _, eq := range missing(cr.Equipment, equipment) {
		blockers = append(blockers, "missing equipment: "+eq)
	}
	if cr.RadiusKm > 0 && distKm > cr.RadiusKm {
		blockers = append(blockers, fmt.Sprintf("outside service radius (%.1f km > %.1f km)", distKm, cr.RadiusKm))
	}
	if cr.DailyCapacityHours > 0 && cr.BookedHours+laborHours > cr.DailyCapacityHours {
		blockers = append(blockers, fmt.Sprintf("over daily capacity (%.1f h booked + %.1f h > %.1f h)",
			cr.BookedHours, laborHours, cr.DailyCapacityHours))
	}
	if !cr.Active {
		blockers = append(blockers, "crew inactive")
	}
	return blockers
}

func missing(have, want []string) []string {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	var out []string
	for _, w := range want {
		if !set[w] {
			out = append(out, w)
		}
	}
	return out
}

func (e *FeasibilityCheckEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	c := in.Context
	opt := selectedOption(c)
	if opt == nil || c.Location == nil {
		f := &appctx.Feasibility{Blockers: []string{"no crew recommendation"}}
		return &Result{Patch: appctx.Patch{Feasibility: f}, Decision: waitFor(WaitOps, Low, "no crew recommendation")}, nil
	}

	crews, err := e.crews.ListCrews(ctx, in.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("list crews: %w", err)
	}
	cr := findCrew(crews, opt.CrewID)
	if cr == nil {
		f := &appctx.Feasibility{Blockers: []string{"crew not found: " + opt.CrewID}}
		return &Result{Patch: appctx.Patch{Feasibility: f}, Decision: waitFor(WaitOps, Low, f.Blockers[0])}, nil
	}

	skills, equipment := RequiredCapabilities(e.pricing, c.Services)
	est := EstimateServices(e.pricing, c.Services, c.Location.LotSizeSqft, c.Frequency)
	dist := DistanceKm(cr.BaseLat, cr.BaseLng, c.Location.Lat, c.Location.Lng)

	f := &appctx.Feasibility{Blockers: Blockers(*cr, skills, equipment, dist, est.LaborHours)}
	f.Feasible = len(f.Blockers) == 0
	if !f.Feasible {
		return &Result{
			Output:   f,
			Patch:    appctx.Patch{Feasibility: f},
			Decision: waitFor(WaitOps, Low, strings.Join(f.Blockers, "; ")),
		}, nil
	}
	return &Result{Output: f, Patch: appctx.Patch{Feasibility: f}, Decision: advance(High, "crew "+cr.ID+" feasible")}, nil
}
