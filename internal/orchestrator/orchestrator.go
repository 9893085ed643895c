// Package orchestrator drives runs through the lead-to-cash stages and
// exposes the human-in-the-loop controls that pause and resume them.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucasnoah/leadflow/internal/apperr"
	"github.com/lucasnoah/leadflow/internal/config"
	appctx "github.com/lucasnoah/leadflow/internal/context"
	"github.com/lucasnoah/leadflow/internal/db"
	"github.com/lucasnoah/leadflow/internal/memory"
	"github.com/lucasnoah/leadflow/internal/stage"
)

// Outcomes recorded on a finished run.
const (
	OutcomeWon      = "won"
	OutcomeLost     = "lost"
	OutcomeCanceled = "canceled"
)

// Orchestrator composes run lifecycle operations.
type Orchestrator struct {
	db       *db.DB
	registry *stage.Registry
	memory   memory.Collaborator
	log      zerolog.Logger
	progress io.Writer

	evaluatorTimeout time.Duration
	memoryTimeout    time.Duration
	maxDriveSteps    int
}

// Options holds the optional dependencies of an Orchestrator.
type Options struct {
	Memory   memory.Collaborator
	Logger   zerolog.Logger
	Progress io.Writer
}

// New creates an Orchestrator.
func New(database *db.DB, registry *stage.Registry, cfg config.Orchestration, opts Options) *Orchestrator {
	maxSteps := cfg.MaxDriveSteps
	if maxSteps <= 0 {
		maxSteps = 20
	}
	progress := opts.Progress
	if progress == nil {
		progress = io.Discard
	}
	return &Orchestrator{
		db:               database,
		registry:         registry,
		memory:           opts.Memory,
		log:              opts.Logger.With().Str("component", "orchestrator").Logger(),
		progress:         progress,
		evaluatorTimeout: config.Duration(cfg.EvaluatorTimeout, 30*time.Second),
		memoryTimeout:    config.Duration(cfg.MemoryTimeout, 5*time.Second),
		maxDriveSteps:    maxSteps,
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	fmt.Fprintf(o.progress, format+"\n", args...)
}

// CreateOpts holds options for creating a run.
type CreateOpts struct {
	BusinessID string
	AccountID  string
	CustomerID string
	JobID      string
	LeadText   string
	Seed       *appctx.Patch
	Actor      string
}

// Create starts a new run at LEAD_INTAKE with a job to mirror its progress.
func (o *Orchestrator) Create(ctx context.Context, opts CreateOpts) (*db.Run, error) {
	if opts.BusinessID == "" {
		return nil, apperr.Validation("create run", "business id is required")
	}

	c := appctx.New()
	c.LeadText = opts.LeadText
	if opts.Seed != nil {
		c = c.Merge(*opts.Seed)
	}
	if opts.CustomerID != "" && (c.Customer == nil || c.Customer.ID == "") {
		cust := appctx.Customer{ID: opts.CustomerID}
		if c.Customer != nil {
			cust = *c.Customer
			cust.ID = opts.CustomerID
		}
		c.Customer = &cust
	}
	if errs := c.Validate(); len(errs) > 0 {
		return nil, apperr.Validation("create run", "invalid seed context: %s", joinErrors(errs))
	}
	c = o.enrich(ctx, opts.BusinessID, c)

	contextJSON, err := c.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	run := &db.Run{
		ID:           uuid.NewString(),
		BusinessID:   opts.BusinessID,
		AccountID:    opts.AccountID,
		CustomerID:   opts.CustomerID,
		JobID:        opts.JobID,
		CurrentStage: string(stage.LeadIntake),
		Status:       db.StatusRunning,
		Context:      contextJSON,
	}
	if run.JobID == "" {
		run.JobID = uuid.NewString()
	}

	job := &db.Job{
		ID:         run.JobID,
		BusinessID: run.BusinessID,
		CustomerID: run.CustomerID,
		RunID:      run.ID,
		Stage:      run.CurrentStage,
		Status:     run.Status,
	}
	if err := o.db.UpsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := o.db.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	o.audit(ctx, run.ID, "created", opts.Actor, run.CurrentStage, "job="+run.JobID)
	o.log.Info().Str("run_id", run.ID).Str("business_id", run.BusinessID).Msg("run created")
	o.logf("Created run %s at %s", run.ID, run.CurrentStage)
	return run, nil
}

func (o *Orchestrator) enrich(ctx context.Context, businessID string, c appctx.Context) appctx.Context {
	if o.memory == nil {
		return c
	}
	mctx, cancel := context.WithTimeout(ctx, o.memoryTimeout)
	defer cancel()
	enriched, err := o.memory.Enrich(mctx, businessID, c)
	if err != nil {
		o.log.Warn().Err(err).Str("business_id", businessID).Msg("memory enrichment failed")
		return c
	}
	if errs := enriched.Validate(); len(errs) > 0 {
		o.log.Warn().Str("errors", joinErrors(errs)).Msg("enriched context invalid, keeping original")
		return c
	}
	return enriched
}

// StepResult describes what happened during one step.
type StepResult struct {
	RunID      string `json:"run_id"`
	StepIndex  int    `json:"step_index"`
	Action     string `json:"action"` // "advanced", "looped_back", "waiting", "completed", "lost", "failed"
	Stage      string `json:"stage"`
	NextStage  string `json:"next_stage,omitempty"`
	Status     string `json:"status"`
	Confidence string `json:"confidence,omitempty"`
	WaitReason string `json:"wait_reason,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Message    string `json:"message,omitempty"`
}

// RunNextStep evaluates the run's current stage once and applies the
// decision. Only a running run may take a step.
func (o *Orchestrator) RunNextStep(ctx context.Context, runID string) (*StepResult, error) {
	run, err := o.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != db.StatusRunning {
		return nil, apperr.Conflict("run next step", "run %s is %s, not running", run.ID, run.Status)
	}

	current, err := stage.Parse(run.CurrentStage)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "run next step", err)
	}
	ev, ok := o.registry.For(current)
	if !ok {
		return nil, apperr.E(apperr.KindInternal, "run next step", "no evaluator for %s", current)
	}
	c, err := appctx.Parse(run.Context)
	if err != nil {
		return nil, fmt.Errorf("decode run context: %w", err)
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
		Evaluators:    []string{ev.Name()},
	}
	claimed, err := o.db.ClaimStep(ctx, step)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, apperr.Conflict("run next step", "step %d of run %s already claimed", idx, run.ID)
	}

	in := stage.Input{
		RunID:      run.ID,
		BusinessID: run.BusinessID,
		CustomerID: run.CustomerID,
		Context:    c.Clone(),
		Entity:     o.entity(ctx, run),
	}
	o.logf("Running %s (step %d) for run %s", current, idx, run.ID)
	res, evalErr := o.evaluate(ctx, ev, in)
	if evalErr == nil {
		evalErr = checkDecision(res.Decision)
	}
	if evalErr != nil {
		return o.failStep(ctx, run, step, evalErr)
	}

	merged := c.Merge(res.Patch)
	if errs := merged.Validate(); len(errs) > 0 {
		o.log.Warn().Str("run_id", run.ID).Str("stage", run.CurrentStage).
			Str("errors", joinErrors(errs)).Msg("patch rejected, keeping last valid context")
		o.audit(ctx, run.ID, "context_rejected", ev.Name(), run.CurrentStage, joinErrors(errs))
		merged = c
	}

	result := applyDecision(run, current, res.Decision)
	result.StepIndex = idx
	if run.Context, err = merged.JSON(); err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	raw, err := json.Marshal(res.Output)
	if err != nil {
		o.log.Warn().Err(err).Str("run_id", run.ID).Str("stage", string(current)).Msg("evaluator output not encodable")
		raw = outputError(err)
	}
	decision, err := json.Marshal(res.Decision)
	if err != nil {
		return nil, fmt.Errorf("encode decision: %w", err)
	}

	saved, err := o.db.SaveRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if !saved {
		_ = o.db.CompleteStep(ctx, step.ID, string(raw), string(decision), "superseded by concurrent update")
		return nil, apperr.Conflict("run next step", "run %s changed while step %d ran", run.ID, idx)
	}
	if err := o.db.CompleteStep(ctx, step.ID, string(raw), string(decision), ""); err != nil {
		return nil, err
	}
	if err := o.db.MirrorJobStage(ctx, run.JobID, run.CurrentStage, run.Status); err != nil {
		o.log.Warn().Err(err).Str("job_id", run.JobID).Msg("mirror job stage failed")
	}

	o.audit(ctx, run.ID, result.Action, ev.Name(), string(current), res.Decision.Notes)
	o.writeMemory(ctx, run, current, merged, result)

	o.log.Info().Str("run_id", run.ID).Int("step", idx).Str("stage", string(current)).
		Str("action", result.Action).Str("status", run.Status).Str("confidence", run.Confidence).
		Msg("step completed")
	o.logf("  %s -> %s (%s)", current, result.Action, run.Status)
	return result, nil
}

// evaluate invokes ev under the evaluator timeout. A panic becomes an error.
func (o *Orchestrator) evaluate(ctx context.Context, ev stage.Evaluator, in stage.Input) (*stage.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.evaluatorTimeout)
	defer cancel()

	type outcome struct {
		res *stage.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: apperr.E(apperr.KindEvaluator, ev.Name(), "panic: %v", r)}
			}
		}()
		res, err := ev.Evaluate(ctx, in)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if apperr.KindOf(out.err) == apperr.KindInternal {
				return nil, apperr.Wrap(apperr.KindEvaluator, ev.Name(), out.err)
			}
			return nil, out.err
		}
		if out.res == nil {
			return nil, apperr.E(apperr.KindEvaluator, ev.Name(), "returned no result")
		}
		return out.res, nil
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindTimeout, ev.Name(), ctx.Err())
	}
}

// outputError stands in for evaluator output that could not be encoded.
func outputError(err error) []byte {
	data, _ := json.Marshal(map[string]string{"output_error": err.Error()})
	return data
}

func checkDecision(d stage.Decision) error {
	switch d.Confidence {
	case stage.High, stage.Medium, stage.Low:
	default:
		return apperr.E(apperr.KindEvaluator, "check decision", "invalid confidence %q", d.Confidence)
	}
	if d.NextStage != "" && !d.NextStage.Valid() {
		return apperr.E(apperr.KindEvaluator, "check decision", "unknown next stage %q", d.NextStage)
	}
	if d.Terminal != "" && d.Terminal != stage.TerminalLost {
		return apperr.E(apperr.KindEvaluator, "check decision", "unknown terminal %q", d.Terminal)
	}
	return nil
}

// applyDecision moves run according to d and describes the move.
func applyDecision(run *db.Run, current stage.Stage, d stage.Decision) *StepResult {
	run.Confidence = string(d.Confidence)
	run.WaitReason = ""
	res := &StepResult{RunID: run.ID, Stage: string(current), Confidence: run.Confidence, Message: d.Notes}

	switch {
	case d.Terminal == stage.TerminalLost:
		run.Status = db.StatusCompleted
		run.Outcome = OutcomeLost
		res.Action = "lost"
	case d.Advance:
		next := d.NextStage
		if next == "" {
			n, ok := stage.Next(current)
			if !ok {
				run.Status = db.StatusCompleted
				run.Outcome = OutcomeWon
				res.Action = "completed"
				break
			}
			next = n
		}
		res.Action = "advanced"
		if next.Index() <= current.Index() {
			res.Action = "looped_back"
		}
		run.CurrentStage = string(next)
		run.Status = db.StatusRunning
		res.NextStage = string(next)
	default:
		res.Action = "waiting"
		if d.WaitReason == stage.WaitCustomer {
			run.Status = db.StatusWaitingCustomer
			run.WaitReason = string(stage.WaitCustomer)
		} else {
			run.Status = db.StatusWaitingOps
			run.WaitReason = string(stage.WaitOps)
		}
	}
	res.Status = run.Status
	res.WaitReason = run.WaitReason
	res.Outcome = run.Outcome
	return res
}

// failStep records an evaluator failure and marks the run failed. The stage
// does not advance and nothing is retried.
func (o *Orchestrator) failStep(ctx context.Context, run *db.Run, step *db.Step, evalErr error) (*StepResult, error) {
	o.log.Error().Err(evalErr).Str("run_id", run.ID).Str("stage", run.CurrentStage).Msg("evaluator failed")
	if err := o.db.CompleteStep(ctx, step.ID, "", "", evalErr.Error()); err != nil {
		return nil, err
	}
	run.Status = db.StatusFailed
	run.WaitReason = ""
	saved, err := o.db.SaveRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if !saved {
		return nil, apperr.Conflict("run next step", "run %s changed while step %d ran", run.ID, step.StepIndex)
	}
	if err := o.db.MirrorJobStage(ctx, run.JobID, run.CurrentStage, run.Status); err != nil {
		o.log.Warn().Err(err).Str("job_id", run.JobID).Msg("mirror job stage failed")
	}
	o.audit(ctx, run.ID, "failed", step.Evaluators[0], run.CurrentStage, evalErr.Error())
	o.logf("  %s -> failed: %v", run.CurrentStage, evalErr)
	return &StepResult{
		RunID:     run.ID,
		StepIndex: step.StepIndex,
		Action:    "failed",
		Stage:     run.CurrentStage,
		Status:    run.Status,
		Message:   evalErr.Error(),
	}, nil
}

func (o *Orchestrator) entity(ctx context.Context, run *db.Run) stage.Entity {
	e := stage.Entity{JobID: run.JobID}
	job, err := o.db.GetJob(ctx, run.JobID)
	if err != nil {
		o.log.Warn().Err(err).Str("job_id", run.JobID).Msg("load job snapshot failed")
		return e
	}
	if job != nil {
		e.Stage = job.Stage
		e.Status = job.Status
	}
	return e
}

func (o *Orchestrator) writeMemory(ctx context.Context, run *db.Run, st stage.Stage, c appctx.Context, res *StepResult) {
	if o.memory == nil || !memory.KeyStages[string(st)] {
		return
	}
	mctx, cancel := context.WithTimeout(ctx, o.memoryTimeout)
	defer cancel()
	ref := memory.RunRef{ID: run.ID, BusinessID: run.BusinessID, CustomerID: run.CustomerID}
	out := memory.Outcome{Advanced: res.Action == "advanced" || res.Action == "completed", Status: run.Status, Notes: res.Message}
	wr, err := o.memory.WriteForStage(mctx, ref, string(st), c, out)
	if err != nil {
		o.log.Warn().Err(err).Str("run_id", run.ID).Str("stage", string(st)).Msg("memory write failed")
		return
	}
	o.log.Debug().Str("run_id", run.ID).Str("customer", wr.CustomerID).Int("memories", wr.MemoriesWritten).Msg("memory written")
}

// Drive runs steps until the run stops running or maxSteps is reached.
// maxSteps <= 0 uses the configured limit.
func (o *Orchestrator) Drive(ctx context.Context, runID string, maxSteps int) ([]*StepResult, error) {
	if maxSteps <= 0 {
		maxSteps = o.maxDriveSteps
	}
	var results []*StepResult
	for i := 0; i < maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := o.RunNextStep(ctx, runID)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.Status != db.StatusRunning {
			break
		}
	}
	return results, nil
}

// Status returns the run.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*db.Run, error) {
	return o.getRun(ctx, runID)
}

// List returns runs matching f.
func (o *Orchestrator) List(ctx context.Context, f db.RunFilter) ([]db.Run, error) {
	return o.db.ListRuns(ctx, f)
}

// Steps returns the step history of a run.
func (o *Orchestrator) Steps(ctx context.Context, runID string) ([]db.Step, error) {
	if _, err := o.getRun(ctx, runID); err != nil {
		return nil, err
	}
	return o.db.ListSteps(ctx, runID)
}

func (o *Orchestrator) getRun(ctx context.Context, runID string) (*db.Run, error) {
	run, err := o.db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apperr.NotFound("get run", "run %s not found", runID)
	}
	return run, nil
}

func (o *Orchestrator) audit(ctx context.Context, runID, kind, actor, st, detail string) {
	err := o.db.LogAuditEvent(ctx, db.AuditEvent{
		ID:        uuid.NewString(),
		SubjectID: runID,
		Kind:      kind,
		Actor:     actor,
		Stage:     st,
		Detail:    detail,
	})
	if err != nil {
		o.log.Warn().Err(err).Str("run_id", runID).Str("kind", kind).Msg("audit write failed")
	}
}

func joinErrors(errs []appctx.ValidationError) string {
	s := ""
	for i, e := range errs {
		if i > 0 {
			s += "; "
		}
		s += e.Error()
	}
	return s
}
