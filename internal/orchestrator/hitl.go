package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/leadflow/internal/apperr"
	appctx "github.com/lucasnoah/leadflow/internal/context"
	"github.com/lucasnoah/leadflow/internal/db"
	"github.com/lucasnoah/leadflow/internal/stage"
)

// InboundMessage is a customer message arriving on any channel.
type InboundMessage struct {
	BusinessID string `json:"business_id"`
	CustomerID string `json:"customer_id,omitempty"`
	Channel    string `json:"channel"`
	Body       string `json:"body"`
}

// MessageResult says where an inbound message went.
type MessageResult struct {
	MessageID string      `json:"message_id"`
	RunID     string      `json:"run_id,omitempty"`
	Step      *StepResult `json:"step,omitempty"`
}

// HandleInboundMessage stores the message and, if a run is waiting on this
// customer, records the reply into its context and resumes it.
func (o *Orchestrator) HandleInboundMessage(ctx context.Context, msg InboundMessage) (*MessageResult, error) {
	if msg.BusinessID == "" {
		return nil, apperr.Validation("handle message", "business id is required")
	}
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return nil, apperr.Validation("handle message", "body is required")
	}
	if msg.Channel == "" {
		msg.Channel = "sms"
	}

	rec := &db.InboundMessage{
		ID:         uuid.NewString(),
		BusinessID: msg.BusinessID,
		CustomerID: msg.CustomerID,
		Channel:    msg.Channel,
		Body:       body,
	}
	if err := o.db.InsertInboundMessage(ctx, rec); err != nil {
		return nil, err
	}
	result := &MessageResult{MessageID: rec.ID}

	run, err := o.db.FindWaitingRun(ctx, msg.BusinessID, msg.CustomerID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		o.log.Info().Str("message_id", rec.ID).Str("business_id", msg.BusinessID).Msg("no waiting run, message stored")
		return result, nil
	}
	result.RunID = run.ID
	if err := o.db.AttachMessage(ctx, rec.ID, run.ID); err != nil {
		return nil, err
	}

	c, err := appctx.Parse(run.Context)
	if err != nil {
		return nil, fmt.Errorf("decode run context: %w", err)
	}
	c = recordReply(c, stage.Stage(run.CurrentStage), body)
	if run.Context, err = c.JSON(); err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	// The version check makes this the waiting_customer -> running transition.
	run.Status = db.StatusRunning
	run.WaitReason = ""
	saved, err := o.db.SaveRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if !saved {
		return nil, apperr.Conflict("handle message", "run %s changed before the reply was recorded", run.ID)
	}
	o.audit(ctx, run.ID, "customer_reply", "customer", run.CurrentStage, "message="+rec.ID)
	o.logf("Reply for run %s at %s, resuming", run.ID, run.CurrentStage)

	step, err := o.RunNextStep(ctx, run.ID)
	if err != nil {
		return result, err
	}
	result.Step = step
	return result, nil
}

// recordReply puts a customer reply where the waiting stage reads it.
func recordReply(c appctx.Context, st stage.Stage, body string) appctx.Context {
	switch st {
	case stage.LeadIntake:
		if c.LeadText == "" {
			c.LeadText = body
		} else {
			c.LeadText += "\n" + body
		}
	case stage.QuoteConfirm:
		if c.Quote != nil {
			q := *c.Quote
			q.LastReply = body
			c.Quote = &q
		}
	case stage.SchedulePropose:
		s := appctx.Schedule{}
		if c.Schedule != nil {
			s = *c.Schedule
		}
		s.LastReply = body
		c.Schedule = &s
	}
	return c
}

// Approval is the ops payload for a stage waiting on approval. Which fields
// apply depends on the stage.
type Approval struct {
	CrewID         string        `json:"crew_id,omitempty"`
	MarginOverride bool          `json:"margin_override,omitempty"`
	ForceFeasible  bool          `json:"force_feasible,omitempty"`
	Patch          *appctx.Patch `json:"patch,omitempty"`
	Notes          string        `json:"notes,omitempty"`
}

// ApproveOpts holds options for approving a waiting stage.
type ApproveOpts struct {
	RunID    string
	Stage    string
	Actor    string
	Approval Approval
}

// Approve applies an ops approval to a run waiting on ops at the named stage,
// records it as a step, moves to the next stage and resumes.
func (o *Orchestrator) Approve(ctx context.Context, opts ApproveOpts) (*StepResult, error) {
	if opts.Actor == "" {
		return nil, apperr.Validation("approve", "actor is required")
	}
	run, err := o.getRun(ctx, opts.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status != db.StatusWaitingOps {
		return nil, apperr.Conflict("approve", "run %s is %s, not waiting on ops", run.ID, run.Status)
	}
	if run.CurrentStage != opts.Stage {
		return nil, apperr.Conflict("approve", "run %s is at %s, not %s", run.ID, run.CurrentStage, opts.Stage)
	}
	current := stage.Stage(run.CurrentStage)

	c, err := appctx.Parse(run.Context)
	if err != nil {
		return nil, fmt.Errorf("decode run context: %w", err)
	}
	patch, err := approvalPatch(c, current, opts.Actor, opts.Approval)
	if err != nil {
		return nil, err
	}
	merged := c.Merge(patch)
	if opts.Approval.Patch != nil {
		merged = merged.Merge(*opts.Approval.Patch)
	}
	if errs := merged.Validate(); len(errs) > 0 {
		return nil, apperr.Validation("approve", "approval leaves context invalid: %s", joinErrors(errs))
	}

	d := stage.Decision{
		Advance:    true,
		Confidence: stage.High,
		WaitReason: stage.WaitNone,
		Notes:      "approved by " + opts.Actor,
	}
	if current == stage.CrewLock {
		// Re-run CREW_LOCK so the approved crew is reserved.
		d.NextStage = stage.CrewLock
	}
	if opts.Approval.Notes != "" {
		d.Notes += ": " + opts.Approval.Notes
	}
	raw, err := json.Marshal(opts.Approval)
	if err != nil {
		return nil, fmt.Errorf("encode approval: %w", err)
	}
	decision, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode decision: %w", err)
	}

	idx, err := o.db.NextStepIndex(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	step := &db.Step{
		ID:            uuid.NewString(),
		RunID:         run.ID,
		StepIndex:     idx,
		Stage:         run.CurrentStage,
		InputSnapshot: run.Context,
		Evaluators:    []string{"ops_approval"},
	}
	claimed, err := o.db.ClaimStep(ctx, step)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, apperr.Conflict("approve", "step %d of run %s already claimed", idx, run.ID)
	}

	result := applyDecision(run, current, d)
	result.StepIndex = idx
	run.LastApprovedBy = opts.Actor
	run.LastApprovedAt = time.Now().UTC()
	if run.Context, err = merged.JSON(); err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	saved, err := o.db.SaveRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if !saved {
		_ = o.db.CompleteStep(ctx, step.ID, string(raw), string(decision), "superseded by concurrent update")
		return nil, apperr.Conflict("approve", "run %s changed during approval", run.ID)
	}
	if err := o.db.CompleteStep(ctx, step.ID, string(raw), string(decision), ""); err != nil {
		return nil, err
	}
	if err := o.db.MirrorJobStage(ctx, run.JobID, run.CurrentStage, run.Status); err != nil {
		o.log.Warn().Err(err).Str("job_id", run.JobID).Msg("mirror job stage failed")
	}
	o.audit(ctx, run.ID, "approved", opts.Actor, string(current), string(raw))
	o.log.Info().Str("run_id", run.ID).Str("stage", string(current)).Str("actor", opts.Actor).Msg("stage approved")
	o.logf("Approved %s for run %s by %s", current, run.ID, opts.Actor)

	if run.Status != db.StatusRunning {
		return result, nil
	}
	return o.RunNextStep(ctx, run.ID)
}

// approvalPatch turns the stage-specific approval fields into a patch, as if
// the stage's evaluator had produced it. A CREW_LOCK approval only marks the
// crew approved; the lock and its reservation come from the crew lock
// evaluator.
func approvalPatch(c appctx.Context, st stage.Stage, actor string, a Approval) (appctx.Patch, error) {
	var p appctx.Patch
	switch st {
	case stage.SimulationRun:
		if a.CrewID == "" {
			if c.Simulation == nil || c.Simulation.Top == nil {
				return p, apperr.Validation("approve", "crew_id is required when there is no recommendation")
			}
			break
		}
		p.Crew = &appctx.Crew{CrewID: a.CrewID, Reasons: []string{"selected by " + actor}}
	case stage.CrewLock:
		crewID := a.CrewID
		if crewID == "" && c.Crew != nil {
			crewID = c.Crew.CrewID
		}
		if crewID == "" {
			return p, apperr.Validation("approve", "crew_id is required to lock a crew")
		}
		p.Crew = &appctx.Crew{CrewID: crewID, LockApprovedBy: actor, Reasons: []string{"lock approved by " + actor}}
	case stage.MarginValidate:
		if a.MarginOverride {
			m := appctx.Margin{}
			if c.Margin != nil {
				m = *c.Margin
			}
			m.Accepted = true
			m.OverrideBy = actor
			p.Margin = &m
		}
	case stage.FeasibilityCheck:
		if a.ForceFeasible {
			f := appctx.Feasibility{}
			if c.Feasibility != nil {
				f = *c.Feasibility
			}
			f.Forced = true
			p.Feasibility = &f
		}
	}
	return p, nil
}

// Override actions.
const (
	ActionAdvance       = "advance"
	ActionRevert        = "revert"
	ActionCancel        = "cancel"
	ActionInjectContext = "inject_context"
)

// OverrideOpts holds options for an ops override.
type OverrideOpts struct {
	RunID       string
	Action      string
	Actor       string
	TargetStage string
	Context     json.RawMessage
	Reason      string
}

// Override forces a run out of its normal path. Every override is audited.
func (o *Orchestrator) Override(ctx context.Context, opts OverrideOpts) (*db.Run, error) {
	if opts.Actor == "" {
		return nil, apperr.Validation("override", "actor is required")
	}
	run, err := o.getRun(ctx, opts.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status == db.StatusCompleted || run.Status == db.StatusCanceled {
		return nil, apperr.Conflict("override", "run %s is %s", run.ID, run.Status)
	}
	current := stage.Stage(run.CurrentStage)
	from := run.CurrentStage

	switch opts.Action {
	case ActionAdvance:
		target, err := overrideTarget(opts.TargetStage, func() (stage.Stage, bool) { return stage.Next(current) })
		if err != nil {
			return nil, err
		}
		if target == "" {
			run.Status = db.StatusCompleted
			run.Outcome = OutcomeWon
		} else {
			run.CurrentStage = string(target)
			run.Status = db.StatusRunning
		}
	case ActionRevert:
		target, err := overrideTarget(opts.TargetStage, func() (stage.Stage, bool) { return stage.Prev(current) })
		if err != nil {
			return nil, err
		}
		if target == "" {
			return nil, apperr.Validation("override", "%s has no previous stage", current)
		}
		if target.Index() > current.Index() {
			return nil, apperr.Validation("override", "cannot revert forward to %s", target)
		}
		run.CurrentStage = string(target)
		run.Status = db.StatusRunning
	case ActionCancel:
		run.Status = db.StatusCanceled
		run.Outcome = OutcomeCanceled
	case ActionInjectContext:
		patch, err := appctx.DecodePatch(opts.Context)
		if err != nil {
			return nil, apperr.Validation("override", "decode context patch: %v", err)
		}
		if patch.IsEmpty() {
			return nil, apperr.Validation("override", "context patch is empty")
		}
		c, err := appctx.Parse(run.Context)
		if err != nil {
			return nil, fmt.Errorf("decode run context: %w", err)
		}
		merged := c.Merge(patch)
		if errs := merged.Validate(); len(errs) > 0 {
			return nil, apperr.Validation("override", "injected context invalid: %s", joinErrors(errs))
		}
		if run.Context, err = merged.JSON(); err != nil {
			return nil, fmt.Errorf("encode context: %w", err)
		}
	default:
		return nil, apperr.Validation("override", "unknown action %q", opts.Action)
	}
	if opts.Action != ActionInjectContext {
		run.WaitReason = ""
	}

	saved, err := o.db.SaveRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if !saved {
		return nil, apperr.Conflict("override", "run %s changed during override", run.ID)
	}
	if err := o.db.MirrorJobStage(ctx, run.JobID, run.CurrentStage, run.Status); err != nil {
		o.log.Warn().Err(err).Str("job_id", run.JobID).Msg("mirror job stage failed")
	}

	detail := fmt.Sprintf("from=%s to=%s status=%s", from, run.CurrentStage, run.Status)
	if opts.Reason != "" {
		detail += " reason=" + opts.Reason
	}
	o.audit(ctx, run.ID, "override_"+opts.Action, opts.Actor, run.CurrentStage, detail)
	o.log.Info().Str("run_id", run.ID).Str("action", opts.Action).Str("actor", opts.Actor).Msg("run overridden")
	o.logf("Override %s on run %s by %s (%s)", opts.Action, run.ID, opts.Actor, detail)
	return run, nil
}

// overrideTarget resolves an explicit target stage, or the default one. An
// empty result with a nil error means there is no default target.
func overrideTarget(explicit string, def func() (stage.Stage, bool)) (stage.Stage, error) {
	if explicit != "" {
		st, err := stage.Parse(explicit)
		if err != nil {
			return "", apperr.Validation("override", "%v", err)
		}
		return st, nil
	}
	st, ok := def()
	if !ok {
		return "", nil
	}
	return st, nil
}
