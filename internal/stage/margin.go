package stage

import (
	"context"
	"fmt"

	"github.com/lucasnoah/leadflow/internal/config"
	appctx "github.com/lucasnoah/leadflow/internal/context"
)

// MarginValidateEvaluator checks the job clears the minimum margin.
type MarginValidateEvaluator struct {
	crews      CrewDirectory
	pricing    config.Pricing
	sim        config.Simulation
	minPercent float64
}

// NewMarginValidate creates the MARGIN_VALIDATE evaluator.
func NewMarginValidate(crews CrewDirectory, pricing config.Pricing, sim config.Simulation, minPercent float64) *MarginValidateEvaluator {
	return &MarginValidateEvaluator{crews: crews, pricing: pricing, sim: sim, minPercent: minPercent}
}

func (e *MarginValidateEvaluator) Name() string { return "margin_validate" }
func (e *MarginValidateEvaluator) Stage() Stage { return MarginValidate }

// ComputeMargin estimates revenue, labor and travel cost and the margin percentage.
func ComputeMargin(revenue, laborHours, hourlyRate, distKm, costPerKm float64) appctx.Margin {
	m := appctx.Margin{
		Revenue:    round2(revenue),
		LaborCost:  round2(laborHours * hourlyRate),
		TravelCost: round2(2 * distKm * costPerKm),
	}
	if revenue > 0 {
		m.MarginPercent = round2((revenue - m.LaborCost - m.TravelCost) / revenue * 100)
	}
	return m
}

func (e *MarginValidateEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	c := in.Context
	if c.Margin != nil && c.Margin.Accepted {
		return &Result{Decision: advance(High, "margin accepted by "+c.Margin.OverrideBy)}, nil
	}

	rate := e.pricing.LaborRatePerHour
	dist := 0.0
	if opt := selectedOption(c); opt != nil {
		dist = opt.DistanceKm
		crews, err := e.crews.ListCrews(ctx, in.BusinessID)
		if err != nil {
			return nil, fmt.Errorf("list crews: %w", err)
		}
		if cr := findCrew(crews, opt.CrewID); cr != nil && cr.HourlyCost > 0 {
			rate = cr.HourlyCost
		}
	}

	lot := 0.0
	if c.Location != nil {
		lot = c.Location.LotSizeSqft
	}
	est := EstimateServices(e.pricing, c.Services, lot, c.Frequency)
	m := ComputeMargin(Revenue(c, e.pricing), est.LaborHours, rate, dist, e.sim.TravelCostPerKm)

	if m.Revenue <= 0 {
		m.Warnings = append(m.Warnings, "no revenue estimate")
	}
	if m.MarginPercent < e.minPercent {
		m.Warnings = append(m.Warnings, fmt.Sprintf("margin %.1f%% below minimum %.1f%%", m.MarginPercent, e.minPercent))
	}
	if len(m.Warnings) > 0 {
		return &Result{Output: m, Patch: appctx.Patch{Margin: &m}, Decision: waitFor(WaitOps, Medium, m.Warnings[len(m.Warnings)-1])}, nil
	}
	return &Result{Output: m, Patch: appctx.Patch{Margin: &m}, Decision: advance(High, fmt.Sprintf("margin %.1f%%", m.MarginPercent))}, nil
}
