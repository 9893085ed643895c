package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/lucasnoah/leadflow/internal/apperr"
	"github.com/lucasnoah/leadflow/internal/config"
	appctx "github.com/lucasnoah/leadflow/internal/context"
	"github.com/lucasnoah/leadflow/internal/db"
	"github.com/lucasnoah/leadflow/internal/logging"
	"github.com/lucasnoah/leadflow/internal/memory"
	"github.com/lucasnoah/leadflow/internal/stage"
)

type evalFunc func(ctx context.Context, in stage.Input) (*stage.Result, error)

type scriptedEvaluator struct {
	st stage.Stage
	fn evalFunc
}

func (e *scriptedEvaluator) Name() string       { return strings.ToLower(string(e.st)) }
func (e *scriptedEvaluator) Stage() stage.Stage { return e.st }
func (e *scriptedEvaluator) Evaluate(ctx context.Context, in stage.Input) (*stage.Result, error) {
	return e.fn(ctx, in)
}

func advanceHigh(context.Context, stage.Input) (*stage.Result, error) {
	return &stage.Result{Decision: stage.Decision{Advance: true, Confidence: stage.High, WaitReason: stage.WaitNone}}, nil
}

func waitFor(r stage.WaitReason) *stage.Result {
	return &stage.Result{Decision: stage.Decision{Confidence: stage.Low, WaitReason: r}}
}

type recordingMemory struct {
	mu     sync.Mutex
	stages []string
	err    error
}

func (m *recordingMemory) WriteForStage(_ context.Context, run memory.RunRef, st string, _ appctx.Context, _ memory.Outcome) (*memory.WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, st)
	if m.err != nil {
		return nil, m.err
	}
	return &memory.WriteResult{CustomerID: run.CustomerID, MemoriesWritten: 1}, nil
}

func (m *recordingMemory) Enrich(_ context.Context, _ string, c appctx.Context) (appctx.Context, error) {
	return c, m.err
}

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// newTestOrchestrator wires an orchestrator whose evaluators advance with
// high confidence unless overridden.
func newTestOrchestrator(t *testing.T, mem memory.Collaborator, overrides map[stage.Stage]evalFunc) (*Orchestrator, *db.DB) {
	t.Helper()
	d := testDB(t)
	var evs []stage.Evaluator
	for _, st := range stage.Order {
		fn := evalFunc(advanceHigh)
		if o, ok := overrides[st]; ok {
			fn = o
		}
		evs = append(evs, &scriptedEvaluator{st: st, fn: fn})
	}
	reg, err := stage.NewRegistry(evs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cfg := config.Orchestration{EvaluatorTimeout: "2s", MemoryTimeout: "1s", MaxDriveSteps: 30}
	return New(d, reg, cfg, Options{Memory: mem, Logger: logging.Nop()}), d
}

func createRun(t *testing.T, o *Orchestrator) *db.Run {
	t.Helper()
	run, err := o.Create(context.Background(), CreateOpts{
		BusinessID: "biz-1",
		CustomerID: "cust-1",
		LeadText:   "Need my lawn mowed at 12 Elm St",
		Actor:      "test",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return run
}

func mustRun(t *testing.T, d *db.DB, id string) *db.Run {
	t.Helper()
	run, err := d.GetRun(context.Background(), id)
	if err != nil || run == nil {
		t.Fatalf("get run %s: %v", id, err)
	}
	return run
}

func TestCreate_SeedsRunAndJob(t *testing.T) {
	o, d := newTestOrchestrator(t, nil, nil)
	run := createRun(t, o)

	if run.CurrentStage != string(stage.LeadIntake) || run.Status != db.StatusRunning {
		t.Errorf("run = %s/%s", run.CurrentStage, run.Status)
	}
	c, err := appctx.Parse(mustRun(t, d, run.ID).Context)
	if err != nil {
		t.Fatalf("parse context: %v", err)
	}
	if c.LeadText == "" || c.Customer == nil || c.Customer.ID != "cust-1" {
		t.Errorf("context not seeded: %+v", c)
	}
	job, err := d.GetJob(context.Background(), run.JobID)
	if err != nil || job == nil {
		t.Fatalf("get job: %v", err)
	}
	if job.RunID != run.ID || job.Stage != string(stage.LeadIntake) {
		t.Errorf("job = %+v", job)
	}
}

func TestCreate_RequiresBusiness(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil)
	_, err := o.Create(context.Background(), CreateOpts{LeadText: "hi"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestDrive_HappyPathCompletesWon(t *testing.T) {
	o, d := newTestOrchestrator(t, nil, nil)
	run := createRun(t, o)
	ctx := context.Background()

	results, err := o.Drive(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if len(results) != len(stage.Order) {
		t.Fatalf("got %d steps, want %d", len(results), len(stage.Order))
	}
	last := results[len(results)-1]
	if last.Action != "completed" || last.Outcome != OutcomeWon {
		t.Errorf("last step = %+v", last)
	}

	steps, err := d.ListSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	for i, s := range steps {
		if s.StepIndex != i {
			t.Errorf("step %d has index %d", i, s.StepIndex)
		}
		if s.Stage != string(stage.Order[i]) {
			t.Errorf("step %d stage = %s, want %s", i, s.Stage, stage.Order[i])
		}
		if s.CompletedAt.IsZero() {
			t.Errorf("step %d not completed", i)
		}
	}

	final := mustRun(t, d, run.ID)
	if final.Status != db.StatusCompleted || final.Outcome != OutcomeWon {
		t.Errorf("run = %s/%s", final.Status, final.Outcome)
	}
	job, _ := d.GetJob(ctx, run.JobID)
	if job.Status != db.StatusCompleted || job.Stage != string(stage.JobBooked) {
		t.Errorf("job mirror = %s/%s", job.Stage, job.Status)
	}
}

func TestRunNextStep_WaitingRejectsFurtherSteps(t *testing.T) {
	o, d := newTestOrchestrator(t, nil, map[stage.Stage]evalFunc{
		stage.LeadIntake: func(context.Context, stage.Input) (*stage.Result, error) {
			return waitFor(stage.WaitCustomer), nil
		},
	})
	run := createRun(t, o)
	ctx := context.Background()

	res, err := o.RunNextStep(ctx, run.ID)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Status != db.StatusWaitingCustomer || res.WaitReason != string(stage.WaitCustomer) {
		t.Errorf("result = %+v", res)
	}

	_, err = o.RunNextStep(ctx, run.ID)
	if !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	steps, _ := d.ListSteps(ctx, run.ID)
	if len(steps) != 1 {
		t.Errorf("got %d steps, want 1", len(steps))
	}
	if got := mustRun(t, d, run.ID); got.CurrentStage != string(stage.LeadIntake) {
		t.Errorf("stage moved to %s", got.CurrentStage)
	}
}

func TestRunNextStep_WaitOpsByDefault(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, map[stage.Stage]evalFunc{
		stage.LeadIntake: func(context.Context, stage.Input) (*stage.Result, error) {
			return &stage.Result{Decision: stage.Decision{Confidence: stage.Medium, WaitReason: stage.WaitNone}}, nil
		},
	})
	run := createRun(t, o)
	res, err := o.RunNextStep(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Status != db.StatusWaitingOps {
		t.Errorf("status = %s, want waiting_ops", res.Status)
	}
}

func TestRunNextStep_DeclinedQuoteIsLost(t *testing.T) {
	o, d := newTestOrchestrator(t, nil, map[stage.Stage]evalFunc{
		stage.QuoteConfirm: func(context.Context, stage.Input) (*stage.Result, error) {
			return &stage.Result{Decision: stage.Decision{Confidence: stage.High, WaitReason: stage.WaitNone, Terminal: stage.TerminalLost}}, nil
		},
	})
	run := createRun(t, o)

	results, err := o.Drive(context.Background(), run.ID, 0)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d steps, want 3", len(results))
	}
	final := mustRun(t, d, run.ID)
	if final.Status != db.StatusCompleted || final.Outcome != OutcomeLost {
		t.Errorf("run = %s/%s", final.Status, final.Outcome)
	}
	if final.CurrentStage != string(stage.QuoteConfirm) {
		t.Errorf("stage = %s", final.CurrentStage)
	}
}

func TestRunNextStep_LoopBackCreatesNewStep(t *testing.T) {
	calls := 0
	o, d := newTestOrchestrator(t, nil, map[stage.Stage]evalFunc{
		stage.QuoteConfirm: func(context.Context, stage.Input) (*stage.Result, error) {
			calls++
			if calls == 1 {
				return &stage.Result{Decision: stage.Decision{Advance: true, NextStage: stage.QuoteBuild, Confidence: stage.Medium, WaitReason: stage.WaitNone}}, nil
			}
			return waitFor(stage.WaitCustomer), nil
		},
	})
	run := createRun(t, o)
	ctx := context.Background()

	results, err := o.Drive(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("drive: %v", err)
	}
	if results[2].Action != "looped_back" || results[2].NextStage != string(stage.QuoteBuild) {
		t.Errorf("step 2 = %+v", results[2])
	}
	steps, _ := d.ListSteps(ctx, run.ID)
	want := []stage.Stage{stage.LeadIntake, stage.QuoteBuild, stage.QuoteConfirm, stage.QuoteBuild, stage.QuoteConfirm}
	if len(steps) != len(want) {
		t.Fatalf("got %d steps, want %d", len(steps), len(want))
	}
	for i, s := range steps {
		if s.Stage != string(want[i]) {
			t.Errorf("step %d = %s, want %s", i, s.Stage, want[i])
		}
	}
}

func TestRunNextStep_EvaluatorFailureMarksRunFailed(t *testing.T) {
	tests := []struct {
		name string
		fn   evalFunc
		want string
	}{
		{"error", func(context.Context, stage.Input) (*stage.Result, error) {
			return nil, errors.New("crm unavailable")
		}, "crm unavailable"},
		{"panic", func(context.Context, stage.Input) (*stage.Result, error) {
			panic("boom")
		}, "panic: boom"},
		{"nil result", func(context.Context, stage.Input) (*stage.Result, error) {
			return nil, nil
		}, "returned no result"},
		{"bad confidence", func(context.Context, stage.Input) (*stage.Result, error) {
			return &stage.Result{Decision: stage.Decision{Advance: true, Confidence: "certain"}}, nil
		}, "invalid confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, d := newTestOrchestrator(t, nil, map[stage.Stage]evalFunc{stage.LeadIntake: tt.fn})
			run := createRun(t, o)
			ctx := context.Background()

			res, err := o.RunNextStep(ctx, run.ID)
			if err != nil {
				t.Fatalf("step: %v", err)
			}
			if res.Action != "failed" || !strings.Contains(res.Message, tt.want) {
				t.Errorf("result = %+v", res)
			}
			final := mustRun(t, d, run.ID)
			if final.Status != db.StatusFailed || final.CurrentStage != string(stage.LeadIntake) {
				t.Errorf("run = %s/%s", final.CurrentStage, final.Status)
			}
			steps, _ := d.ListSteps(ctx, run.ID)
			if len(steps) != 1 || !strings.Contains(steps[0].Error, tt.want) {
				t.Errorf("steps = %+v", steps)
			}
		})
	}
}

func TestRunNextStep_Timeout(t *testing.T) {
	d := testDB(t)
	var evs []stage.Evaluator
	for _, st := range stage.Order {
		evs = append(evs, &scriptedEvaluator{st: st, fn: advanceHigh})
	}
	evs[0] = &scriptedEvaluator{st: stage.LeadIntake, fn: func(ctx context.Context, _ stage.Input) (*stage.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	reg, err := stage.NewRegistry(evs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	o := New(d, reg, config.Orchestration{EvaluatorTimeout: "20ms"}, Options{Logger: logging.Nop()})
	run := createRun(t, o)

	res, err := o.RunNextStep(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Action != "failed" {
		t.Errorf("action = %s, want failed", res.Action)
	}
}

func TestRunNextStep_InvalidPatchKeepsLastValidContext(t *testing.T) {
	o, d := newTestOrchestrator(t, nil, map[stage.Stage]evalFunc{
		stage.LeadIntake: func(context.Context, stage.Input) (*stage.Result, error) {
			return &stage.Result{
				Patch:    appctx.Patch{Frequency: "hourly", Services: []string{"lawn_mowing"}},
				Decision: stage.Decision{Advance: true, Confidence: stage.High, WaitReason: stage.WaitNone},
			}, nil
		},
	})
	run := createRun(t, o)
	ctx := context.Background()

	if _, err := o.RunNextStep(ctx, run.ID); err != nil {
		t.Fatalf("step: %v", err)
	}
	final := mustRun(t, d, run.ID)
	c, _ := appctx.Parse(final.Context)
	if c.Frequency != "" || len(c.Services) != 0 {
		t.Errorf("invalid patch applied: %+v", c)
	}
	if final.CurrentStage != string(stage.QuoteBuild) {
		t.Errorf("stage = %s", final.CurrentStage)
	}
	events, _ := d.ListAuditEvents(ctx, run.ID)
	found := false
	for _, e := range events {
		if e.Kind == "context_rejected" {
			found = true
		}
	}
	if !found {
		t.Error("missing context_rejected audit event")
	}
}

func TestRunNextStep_ConcurrentCallersSingleWriter(t *testing.T) {
	o, d := newTestOrchestrator(t, nil, nil)
	run := createRun(t, o)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.RunNextStep(ctx, run.ID)
		}()
	}
	wg.Wait()

	steps, err := d.ListSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	seen := map[int]bool{}
	for _, s := range steps {
		if seen[s.StepIndex] {
			t.Errorf("duplicate step index %d", s.StepIndex)
		}
		seen[s.StepIndex] = true
	}
	final := mustRun(t, d, run.ID)
	idx := stage.Stage(final.CurrentStage).Index()
	if idx < 1 || idx > len(steps) {
		t.Errorf("stage %s inconsistent with %d steps", final.CurrentStage, len(steps))
	}
}

func TestRunNextStep_MemoryAtKeyStagesOnly(t *testing.T) {
	mem := &recordingMemory{}
	o, _ := newTestOrchestrator(t, mem, nil)
	run := createRun(t, o)

	if _, err := o.Drive(context.Background(), run.ID, 0); err != nil {
		t.Fatalf("drive: %v", err)
	}
	want := []string{"LEAD_INTAKE", "QUOTE_CONFIRM", "CREW_LOCK", "JOB_BOOKED"}
	if strings.Join(mem.stages, ",") != strings.Join(want, ",") {
		t.Errorf("memory stages = %v, want %v", mem.stages, want)
	}
}

func TestRunNextStep_MemoryFailureIsSwallowed(t *testing.T) {
	mem := &recordingMemory{err: errors.New("memory down")}
	o, d := newTestOrchestrator(t, mem, nil)
	run := createRun(t, o)

	if _, err := o.Drive(context.Background(), run.ID, 0); err != nil {
		t.Fatalf("drive: %v", err)
	}
	if got := mustRun(t, d, run.ID); got.Outcome != OutcomeWon {
		t.Errorf("outcome = %s, want won", got.Outcome)
	}
}

func TestSteps_UnknownRun(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil)
	if _, err := o.Steps(context.Background(), "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestApplyDecision_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		current    stage.Stage
		d          stage.Decision
		wantStatus string
		wantStage  stage.Stage
		wantAction string
	}{
		{"advance", stage.QuoteBuild, stage.Decision{Advance: true, Confidence: stage.High}, db.StatusRunning, stage.QuoteConfirm, "advanced"},
		{"last stage", stage.JobBooked, stage.Decision{Advance: true, Confidence: stage.High}, db.StatusCompleted, stage.JobBooked, "completed"},
		{"wait customer", stage.QuoteConfirm, stage.Decision{Confidence: stage.Low, WaitReason: stage.WaitCustomer}, db.StatusWaitingCustomer, stage.QuoteConfirm, "waiting"},
		{"wait ops", stage.CrewLock, stage.Decision{Confidence: stage.Low, WaitReason: stage.WaitOps}, db.StatusWaitingOps, stage.CrewLock, "waiting"},
		{"lost", stage.QuoteConfirm, stage.Decision{Confidence: stage.High, Terminal: stage.TerminalLost}, db.StatusCompleted, stage.QuoteConfirm, "lost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := &db.Run{ID: "r", CurrentStage: string(tt.current), Status: db.StatusRunning}
			res := applyDecision(run, tt.current, tt.d)
			if run.Status != tt.wantStatus || run.CurrentStage != string(tt.wantStage) || res.Action != tt.wantAction {
				t.Errorf("got %s/%s/%s", run.Status, run.CurrentStage, res.Action)
			}
		})
	}
}

func TestStepResult_JSON(t *testing.T) {
	data, err := json.Marshal(&StepResult{RunID: "r", Action: "advanced", Stage: "LEAD_INTAKE", Status: "running"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "next_stage") {
		t.Errorf("empty next_stage not omitted: %s", data)
	}
}

func TestRunNextStep_UnencodableOutputStillAdvances(t *testing.T) {
	o, d := newTestOrchestrator(t, nil, map[stage.Stage]evalFunc{
		stage.LeadIntake: func(context.Context, stage.Input) (*stage.Result, error) {
			return &stage.Result{Output: make(chan int), Decision: stage.Decision{Advance: true, Confidence: stage.High, WaitReason: stage.WaitNone}}, nil
		},
	})
	run := createRun(t, o)
	ctx := context.Background()

	res, err := o.RunNextStep(ctx, run.ID)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Action != "advanced" || res.NextStage != string(stage.QuoteBuild) {
		t.Errorf("result = %+v", res)
	}
	steps, _ := d.ListSteps(ctx, run.ID)
	if len(steps) != 1 {
		t.Fatalf("got %d steps, want 1", len(steps))
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(steps[0].RawOutput), &out); err != nil {
		t.Fatalf("raw output %q: %v", steps[0].RawOutput, err)
	}
	if !strings.Contains(out["output_error"], "chan int") {
		t.Errorf("raw output = %q", steps[0].RawOutput)
	}
}
