package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucasnoah/leadflow/internal/config"
	appctx "github.com/lucasnoah/leadflow/internal/context"
)

// CrewLockEvaluator reserves the chosen crew when score, margin and
// feasibility all clear their thresholds.
type CrewLockEvaluator struct {
	crews CrewDirectory
	cfg   config.CrewLock
}

// NewCrewLock creates the CREW_LOCK evaluator.
func NewCrewLock(crews CrewDirectory, cfg config.CrewLock) *CrewLockEvaluator {
	return &CrewLockEvaluator{crews: crews, cfg: cfg}
}

func (e *CrewLockEvaluator) Name() string { return "crew_lock" }
func (e *CrewLockEvaluator) Stage() Stage { return CrewLock }

// LockGate decides whether a crew may be locked without ops approval. It is
// monotone in score: raising score with the other inputs fixed never turns
// a lock into a refusal.
func LockGate(cfg config.CrewLock, score float64, margin *appctx.Margin, feas *appctx.Feasibility) (bool, []string) {
	var reasons []string
	if score <= cfg.MinScore {
		reasons = append(reasons, fmt.Sprintf("score %.1f not above %.1f", score, cfg.MinScore))
	}
	switch {
	case margin == nil:
		reasons = append(reasons, "margin not validated")
	case !margin.Accepted && margin.MarginPercent < cfg.MinMarginPercent:
		reasons = append(reasons, fmt.Sprintf("margin %.1f%% below %.1f%%", margin.MarginPercent, cfg.MinMarginPercent))
	}
	switch {
	case feas == nil:
		reasons = append(reasons, "feasibility not checked")
	case !feas.Feasible && !feas.Forced:
		reasons = append(reasons, "not feasible: "+strings.Join(feas.Blockers, "; "))
	}
	return len(reasons) == 0, reasons
}

func (e *CrewLockEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	c := in.Context
	opt := selectedOption(c)
	if opt == nil {
		crew := &appctx.Crew{Reasons: []string{"no crew selected"}}
		return &Result{Patch: appctx.Patch{Crew: crew}, Decision: waitFor(WaitOps, Low, "no crew selected")}, nil
	}

	// An ops approval for this crew stands in for the gate.
	approvedBy := ""
	if c.Crew != nil && c.Crew.CrewID == opt.CrewID {
		approvedBy = c.Crew.LockApprovedBy
	}
	if approvedBy == "" {
		ok, reasons := LockGate(e.cfg, opt.TotalScore, c.Margin, c.Feasibility)
		if !ok {
			crew := &appctx.Crew{CrewID: opt.CrewID, Reasons: reasons}
			return &Result{
				Output:   reasons,
				Patch:    appctx.Patch{Crew: crew},
				Decision: waitFor(WaitOps, Medium, strings.Join(reasons, "; ")),
			}, nil
		}
	}

	if c.Schedule == nil || c.Schedule.Selected == nil {
		crew := &appctx.Crew{CrewID: opt.CrewID, Reasons: []string{"no window selected"}}
		return &Result{Patch: appctx.Patch{Crew: crew}, Decision: waitFor(WaitOps, Low, "no window selected")}, nil
	}
	resID, err := e.crews.Reserve(ctx, opt.CrewID, in.Entity.JobID, *c.Schedule.Selected)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("reserve crew %s: %w", opt.CrewID, err)
		}
		// The directory refused, so ops pick another crew.
		note := fmt.Sprintf("reserve crew %s: %v", opt.CrewID, err)
		crew := &appctx.Crew{CrewID: opt.CrewID, Reasons: []string{note}}
		return &Result{Output: note, Patch: appctx.Patch{Crew: crew}, Decision: waitFor(WaitOps, Low, note)}, nil
	}
	crew := &appctx.Crew{CrewID: opt.CrewID, Locked: true, ReservationID: resID, LockApprovedBy: approvedBy}
	notes := "locked " + opt.CrewID
	if approvedBy != "" {
		notes += ", approved by " + approvedBy
	}
	return &Result{Output: crew, Patch: appctx.Patch{Crew: crew}, Decision: advance(High, notes)}, nil
}
