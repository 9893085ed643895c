package stage

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/lucasnoah/leadflow/internal/config"
	appctx "github.com/lucasnoah/leadflow/internal/context"
)

const earthRadiusKm = 6371.0

// DistanceKm is the great-circle distance between two points.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// SimulationRunEvaluator scores every eligible crew and recommends one.
type SimulationRunEvaluator struct {
	crews   CrewDirectory
	cfg     config.Simulation
	pricing config.Pricing
}

// NewSimulationRun creates the SIMULATION_RUN evaluator.
func NewSimulationRun(crews CrewDirectory, cfg config.Simulation, pricing config.Pricing) *SimulationRunEvaluator {
	return &SimulationRunEvaluator{crews: crews, cfg: cfg, pricing: pricing}
}

func (e *SimulationRunEvaluator) Name() string { return "simulation_run" }
func (e *SimulationRunEvaluator) Stage() Stage { return SimulationRun }

// ScoreInput is what crew scoring needs about the job.
type ScoreInput struct {
	Lat, Lng   float64
	Revenue    float64
	LaborHours float64
	Skills     []string
}

// ScoreCrews ranks eligible crews by total score, highest first. Crews that
// are inactive, lack a required skill, or sit outside their service radius
// are excluded.
func ScoreCrews(cfg config.Simulation, crews []CrewInfo, in ScoreInput) []appctx.CrewOption {
	var opts []appctx.CrewOption
	for _, cr := range crews {
		if !cr.Active || !containsAll(cr.Skills, in.Skills) {
			continue
		}
		dist := DistanceKm(cr.BaseLat, cr.BaseLng, in.Lat, in.Lng)
		if cr.RadiusKm > 0 && dist > cr.RadiusKm {
			continue
		}
		opts = append(opts, scoreCrew(cfg, cr, dist, in))
	}
	sort.SliceStable(opts, func(i, j int) bool {
		if opts[i].TotalScore != opts[j].TotalScore {
			return opts[i].TotalScore > opts[j].TotalScore
		}
		return opts[i].CrewID < opts[j].CrewID
	})
	return opts
}

func scoreCrew(cfg config.Simulation, cr CrewInfo, dist float64, in ScoreInput) appctx.CrewOption {
	travelMin := 0.0
	if cfg.TravelSpeedKmh > 0 {
		travelMin = dist / cfg.TravelSpeedKmh * 60
	}
	travelCost := 2 * dist * cfg.TravelCostPerKm

	margin := 0.0
	if in.Revenue > 0 {
		margin = clamp((in.Revenue-travelCost)/in.Revenue*100, 0, 100)
	}

	distRatio := 0.0
	if cr.RadiusKm > 0 {
		distRatio = math.Min(1, dist/cr.RadiusKm)
	}
	capRatio := 1.0
	if free := (cr.DailyCapacityHours - cr.BookedHours) * 60; free > 0 {
		capRatio = math.Min(1, (travelMin+in.LaborHours*60)/free)
	}
	risk := 50*distRatio + 50*capRatio

	return appctx.CrewOption{
		CrewID:        cr.ID,
		CrewName:      cr.Name,
		DistanceKm:    round2(dist),
		TravelMinutes: round2(travelMin),
		MarginScore:   round2(margin),
		RiskScore:     round2(risk),
		TotalScore:    round2(margin - 2*travelMin - 0.1*risk),
	}
}

// Recommend decides whether the ranking is decisive enough to advance alone.
func Recommend(cfg config.Simulation, opts []appctx.CrewOption) (Confidence, bool, string) {
	if len(opts) == 0 {
		return Low, false, "no eligible crew"
	}
	top := opts[0].TotalScore
	runnerUp := 0.0
	if len(opts) > 1 {
		runnerUp = opts[1].TotalScore
	}
	lead := top - runnerUp
	switch {
	case top > cfg.ScoreThreshold && lead >= cfg.LeadMargin:
		return High, true, fmt.Sprintf("%s scores %.1f, leads by %.1f", opts[0].CrewID, top, lead)
	case top > cfg.ScoreThreshold:
		return Medium, false, fmt.Sprintf("%s scores %.1f but leads by only %.1f", opts[0].CrewID, top, lead)
	default:
		return Low, false, fmt.Sprintf("top score %.1f below threshold %.1f", top, cfg.ScoreThreshold)
	}
}

func (e *SimulationRunEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	c := in.Context
	if c.Location == nil {
		return &Result{Decision: waitFor(WaitOps, Low, "job has no location")}, nil
	}
	crews, err := e.crews.ListCrews(ctx, in.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("list crews: %w", err)
	}

	skills, _ := RequiredCapabilities(e.pricing, c.Services)
	est := EstimateServices(e.pricing, c.Services, c.Location.LotSizeSqft, c.Frequency)
	opts := ScoreCrews(e.cfg, crews, ScoreInput{
		Lat:        c.Location.Lat,
		Lng:        c.Location.Lng,
		Revenue:    Revenue(c, e.pricing),
		LaborHours: est.LaborHours,
		Skills:     skills,
	})

	sim := &appctx.Simulation{Options: opts}
	if len(opts) > 0 {
		top := opts[0]
		sim.Top = &top
	}
	if len(opts) > 1 {
		sim.RunnerUpScore = opts[1].TotalScore
	}

	conf, auto, notes := Recommend(e.cfg, opts)
	d := waitFor(WaitOps, conf, notes)
	if auto {
		d = advance(conf, notes)
	}
	return &Result{Output: opts, Patch: appctx.Patch{Simulation: sim}, Decision: d}, nil
}

// Revenue is the expected job revenue: the quote midpoint, or the catalog
// price when no quote exists.
func Revenue(c appctx.Context, p config.Pricing) float64 {
	if c.Quote != nil {
		return (c.Quote.Low + c.Quote.High) / 2
	}
	lot := 0.0
	if c.Location != nil {
		lot = c.Location.LotSizeSqft
	}
	return EstimateServices(p, c.Services, lot, c.Frequency).Total
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// selectedOption returns the crew option the run is working with: an
// explicitly chosen crew if one is set, otherwise the top recommendation.
func selectedOption(c appctx.Context) *appctx.CrewOption {
	if c.Simulation == nil {
		return nil
	}
	if c.Crew != nil && c.Crew.CrewID != "" {
		for _, o := range c.Simulation.Options {
			if o.CrewID == c.Crew.CrewID {
				opt := o
				return &opt
			}
		}
		return &appctx.CrewOption{CrewID: c.Crew.CrewID}
	}
	return c.Simulation.Top
}

func findCrew(crews []CrewInfo, id string) *CrewInfo {
	for i := range crews {
		if crews[i].ID == id {
			return &crews[i]
		}
	}
	return nil
}
