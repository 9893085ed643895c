package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucasnoah/leadflow/internal/apperr"
	"github.com/lucasnoah/leadflow/internal/db"
)

// SagaResult is what one saga execution did.
type SagaResult struct {
	DecisionID string        `json:"decision_id"`
	Decision   Decision      `json:"decision"`
	Status     string        `json:"status"`
	Events     []*Event      `json:"events"`
	Retry      *RetryOutcome `json:"retry,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Saga turns a completed job into a payment decision and executes it.
type Saga struct {
	db       *db.DB
	executor *Executor
	retrier  *Retrier
	cfg      AgentConfig
	log      zerolog.Logger
	newID    func() string
}

// NewSaga wires the saga to its executor and retrier.
func NewSaga(database *db.DB, executor *Executor, retrier *Retrier, cfg AgentConfig, log zerolog.Logger) *Saga {
	return &Saga{
		db:       database,
		executor: executor,
		retrier:  retrier,
		cfg:      cfg,
		log:      log.With().Str("component", "payment_saga").Logger(),
		newID:    uuid.NewString,
	}
}

func validateTrigger(t Trigger) error {
	const op = "validate trigger"
	switch {
	case t.BusinessID == "":
		return apperr.Validation(op, "business id is required")
	case t.CustomerID == "":
		return apperr.Validation(op, "customer id is required")
	case t.JobID == "":
		return apperr.Validation(op, "job id is required")
	case t.Attempt < 0:
		return apperr.Validation(op, "attempt must be non-negative")
	}
	return validAmount(op, t.Amount, t.Currency)
}

// RunJobCompleted decides how to collect payment for a finished job and runs
// the resulting commands in order. A decision needing a human only creates
// its task. The first failed command stops the sequence; a failed capture is
// handed to the retrier, any other failure to an operations task.
func (s *Saga) RunJobCompleted(ctx context.Context, t Trigger) (res *SagaResult, err error) {
	if err := validateTrigger(t); err != nil {
		return nil, err
	}
	if t.TraceID == "" {
		t.TraceID = uuid.NewString()
	}
	t.Currency = strings.ToUpper(t.Currency)

	job, err := s.db.GetJob(ctx, t.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperr.NotFound("run payment saga", "job %s not found", t.JobID)
	}
	if job.BusinessID != t.BusinessID {
		return nil, apperr.Validation("run payment saga", "job %s does not belong to business %s", t.JobID, t.BusinessID)
	}

	in, err := s.loadInput(ctx, t)
	if err != nil {
		return nil, err
	}
	d := Decide(s.cfg, in)

	rec, err := decisionRecord(d)
	if err != nil {
		return nil, err
	}
	if err := s.db.InsertDecision(ctx, rec); err != nil {
		return nil, err
	}

	log := s.log.With().Str("decision_id", d.ID).Str("job_id", t.JobID).Str("trace_id", t.TraceID).Logger()
	log.Info().Str("label", string(d.Label)).Float64("confidence", d.Confidence).
		Bool("human_required", d.HumanRequired).Msg("payment decision")

	res = &SagaResult{DecisionID: d.ID, Decision: d}
	defer func() {
		if r := recover(); r != nil {
			err = apperr.E(apperr.KindInternal, "run payment saga", "panic: %v", r)
			res = nil
			if uerr := s.db.UpdateDecisionStatus(context.WithoutCancel(ctx), d.ID, db.DecisionFailed, err.Error()); uerr != nil {
				log.Error().Err(uerr).Msg("recording saga panic")
			}
		}
	}()

	if d.HumanRequired {
		for _, c := range d.Commands {
			if _, ok := c.(CreateHumanTask); !ok {
				continue
			}
			ev, err := s.executor.Execute(ctx, c)
			if err != nil {
				return nil, s.fail(ctx, d.ID, err)
			}
			res.Events = append(res.Events, ev)
		}
		res.Status = db.DecisionEscalated
		return res, s.db.UpdateDecisionStatus(ctx, d.ID, db.DecisionEscalated, "")
	}

	for _, c := range d.Commands {
		ev, cerr := s.executor.Execute(ctx, c)
		if ev != nil {
			res.Events = append(res.Events, ev)
		}
		if cerr == nil && (ev == nil || !ev.Failed) {
			continue
		}
		if cerr == nil {
			cerr = fmt.Errorf("%s failed: %s", c.Kind(), ev.Message)
		}
		res.Status, res.Error = db.DecisionFailed, cerr.Error()
		if err := s.db.UpdateDecisionStatus(ctx, d.ID, db.DecisionFailed, cerr.Error()); err != nil {
			return nil, err
		}
		log.Warn().Err(cerr).Str("kind", string(c.Kind())).Msg("payment command failed")

		if ev != nil && ev.TransactionID != "" {
			out, err := s.retrier.SchedulePaymentRetry(ctx, ev.TransactionID)
			if err != nil {
				return nil, err
			}
			res.Retry = out
			return res, nil
		}
		task := CreateHumanTask{
			CommandMeta: NewMeta(KindCreateHumanTask, d.BusinessID, d.CustomerID, d.EntityID, d.TraceID, d.PolicyHash),
			DecisionID:  d.ID,
			Queue:       QueueOperations,
			Reason:      "payment command failed",
			Detail:      fmt.Sprintf("%s: %v", c.Kind(), cerr),
		}
		tev, err := s.executor.Execute(ctx, task)
		if err != nil {
			return nil, err
		}
		res.Events = append(res.Events, tev)
		return res, nil
	}

	res.Status = db.DecisionCompleted
	return res, s.db.UpdateDecisionStatus(ctx, d.ID, db.DecisionCompleted, "")
}

func (s *Saga) fail(ctx context.Context, decisionID string, cause error) error {
	if err := s.db.UpdateDecisionStatus(ctx, decisionID, db.DecisionFailed, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Saga) loadInput(ctx context.Context, t Trigger) (Input, error) {
	policy, err := s.db.GetPaymentPolicy(ctx, t.BusinessID)
	if err != nil {
		return Input{}, err
	}
	profile, err := s.db.GetPaymentProfile(ctx, t.CustomerID)
	if err != nil {
		return Input{}, err
	}
	if profile != nil && profile.BusinessID != "" && profile.BusinessID != t.BusinessID {
		profile = nil
	}
	methods, err := s.db.ListPaymentMethods(ctx, t.CustomerID)
	if err != nil {
		return Input{}, err
	}
	owned := methods[:0]
	for _, m := range methods {
		if m.BusinessID == "" || m.BusinessID == t.BusinessID {
			owned = append(owned, m)
		}
	}
	prior, err := s.db.CountCompletedJobs(ctx, t.BusinessID, t.CustomerID, t.JobID)
	if err != nil {
		return Input{}, err
	}
	return Input{
		DecisionID:   s.newID(),
		Trigger:      t,
		Policy:       policy,
		Profile:      profile,
		Methods:      owned,
		FirstService: prior == 0,
	}, nil
}

func decisionRecord(d Decision) (*db.DecisionRecord, error) {
	breakdown, err := json.Marshal(d.Breakdown)
	if err != nil {
		return nil, fmt.Errorf("encode breakdown: %w", err)
	}
	cmds, err := EncodeCommands(d.Commands)
	if err != nil {
		return nil, err
	}
	flags := make([]string, len(d.RiskFlags))
	for i, f := range d.RiskFlags {
		flags[i] = string(f)
	}
	return &db.DecisionRecord{
		ID:            d.ID,
		BusinessID:    d.BusinessID,
		EntityID:      d.EntityID,
		CustomerID:    d.CustomerID,
		TraceID:       d.TraceID,
		Label:         string(d.Label),
		Confidence:    d.Confidence,
		Breakdown:     string(breakdown),
		RiskFlags:     flags,
		HumanRequired: d.HumanRequired,
		Commands:      cmds,
		Amount:        d.Amount,
		Currency:      d.Currency,
		PolicyHash:    d.PolicyHash,
		Status:        db.DecisionPending,
	}, nil
}

// CompensationResult lists what Compensate undid.
type CompensationResult struct {
	DecisionID string   `json:"decision_id"`
	Refunded   []string `json:"refunded"`
	Voided     []string `json:"voided"`
	TaskEvent  *Event   `json:"task_event,omitempty"`
}

// Compensate undoes the money movement of a decision: captured transactions
// are refunded and pending ones voided. The job is marked unpaid and an
// operations task records the reversal. A decision is compensated once.
func (s *Saga) Compensate(ctx context.Context, decisionID, actor, reason string) (*CompensationResult, error) {
	const op = "compensate decision"
	if actor == "" {
		return nil, apperr.Validation(op, "actor is required")
	}
	d, err := s.db.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperr.NotFound(op, "decision %s not found", decisionID)
	}
	if !d.CompensatedAt.IsZero() {
		return nil, apperr.Conflict(op, "decision %s is already compensated", decisionID)
	}

	txs, err := s.db.ListTransactionsByJob(ctx, d.EntityID)
	if err != nil {
		return nil, err
	}
	res := &CompensationResult{DecisionID: d.ID}
	for _, tx := range txs {
		if tx.DecisionID != d.ID {
			continue
		}
		key := IdempotencyKey("compensate", tx.ID, d.ID)
		switch tx.Status {
		case db.TxCaptured:
			pr, err := s.executor.provider.CreateRefund(ctx, RefundRequest{ProviderTxID: tx.ProviderTxID, Amount: tx.Amount, IdempotencyKey: key})
			if perr := providerErr("refund transaction", pr, err); perr != nil {
				return nil, perr
			}
			if _, err := s.db.TransitionTransaction(ctx, tx.ID, db.TxCaptured, db.TxRefunded, db.TxUpdate{}); err != nil {
				return nil, err
			}
			res.Refunded = append(res.Refunded, tx.ID)
		case db.TxPending:
			if tx.ProviderTxID != "" {
				pr, err := s.executor.provider.CancelPaymentIntent(ctx, tx.ProviderTxID, key)
				if perr := providerErr("void transaction", pr, err); perr != nil {
					return nil, perr
				}
			}
			if _, err := s.db.TransitionTransaction(ctx, tx.ID, db.TxPending, db.TxVoided, db.TxUpdate{}); err != nil {
				return nil, err
			}
			res.Voided = append(res.Voided, tx.ID)
		}
	}

	marked, err := s.db.MarkDecisionCompensated(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if !marked {
		return nil, apperr.Conflict(op, "decision %s is already compensated", decisionID)
	}
	if err := s.db.SetJobPaymentStatus(ctx, d.EntityID, JobUnpaid); err != nil {
		return nil, err
	}

	task := CreateHumanTask{
		CommandMeta: NewMeta(KindCreateHumanTask, d.BusinessID, d.CustomerID, d.EntityID, d.TraceID+"-compensated", d.PolicyHash),
		DecisionID:  d.ID,
		Queue:       QueueOperations,
		Reason:      "payment compensated",
		Detail:      fmt.Sprintf("by %s: %s", actor, reason),
	}
	ev, err := s.executor.Execute(ctx, task)
	if err != nil {
		return nil, err
	}
	res.TaskEvent = ev

	detail := fmt.Sprintf("decision=%s refunded=%d voided=%d", d.ID, len(res.Refunded), len(res.Voided))
	if reason != "" {
		detail += " reason=" + reason
	}
	if err := s.db.LogAuditEvent(ctx, db.AuditEvent{
		ID:        uuid.NewString(),
		SubjectID: d.EntityID,
		Kind:      "payment_compensated",
		Actor:     actor,
		Detail:    detail,
	}); err != nil {
		return nil, err
	}
	s.log.Info().Str("decision_id", d.ID).Str("actor", actor).Msg("decision compensated")
	return res, nil
}

// JobCompletion is the work-completed trigger for a job.
type JobCompletion struct {
	JobID    string `json:"job_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Channel  string `json:"channel,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// CompleteJob records the final amount on a job and runs the saga for it.
// A job completes once.
func (s *Saga) CompleteJob(ctx context.Context, jc JobCompletion) (*SagaResult, error) {
	const op = "complete job"
	if err := validAmount(op, jc.Amount, jc.Currency); err != nil {
		return nil, err
	}
	job, err := s.db.GetJob(ctx, jc.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperr.NotFound(op, "job %s not found", jc.JobID)
	}
	if !job.CompletedAt.IsZero() {
		return nil, apperr.Conflict(op, "job %s is already completed", jc.JobID)
	}
	if job.CustomerID == "" {
		return nil, apperr.Validation(op, "job %s has no customer", jc.JobID)
	}
	currency := strings.ToUpper(jc.Currency)
	if err := s.db.CompleteJob(ctx, job.ID, jc.Amount, currency); err != nil {
		return nil, err
	}
	return s.RunJobCompleted(ctx, Trigger{
		BusinessID: job.BusinessID,
		CustomerID: job.CustomerID,
		JobID:      job.ID,
		Amount:     jc.Amount,
		Currency:   currency,
		Channel:    jc.Channel,
		TraceID:    jc.TraceID,
	})
}
