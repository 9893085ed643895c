package payment

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucasnoah/leadflow/internal/apperr"
	"github.com/lucasnoah/leadflow/internal/config"
	"github.com/lucasnoah/leadflow/internal/db"
)

// Provider failure codes worth retrying.
const (
	CodeCardDeclined      = "card_declined"
	CodeInsufficientFunds = "insufficient_funds"
	CodeMethodUnavailable = "payment_method_unavailable"
	CodeNetworkError      = "network_error"
	CodeTemporaryFailure  = "temporary_failure"
)

var retryableCodes = map[string]bool{
	CodeCardDeclined:      true,
	CodeInsufficientFunds: true,
	CodeMethodUnavailable: true,
	CodeNetworkError:      true,
	CodeTemporaryFailure:  true,
}

// Retryable reports whether a failure code may succeed on a later attempt.
func Retryable(code string) bool { return retryableCodes[code] }

// RetryPolicy is exponential backoff with a cap.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is 3 attempts starting at 5s, doubling, capped at 5m.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   5 * time.Second,
	Multiplier:  2,
	MaxDelay:    5 * time.Minute,
}

// RetryPolicyFromConfig converts the configured retry settings, falling back
// to DefaultRetryPolicy field by field.
func RetryPolicyFromConfig(c config.Retry) RetryPolicy {
	p := DefaultRetryPolicy
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	p.BaseDelay = config.Duration(c.BaseDelay, p.BaseDelay)
	p.MaxDelay = config.Duration(c.MaxDelay, p.MaxDelay)
	return p
}

// Delay returns min(BaseDelay × Multiplier^n, MaxDelay).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

const retrySuffix = "-retry-"

// baseTrace strips any retry suffix so every attempt in a chain shares one root.
func baseTrace(trace string) string {
	if i := strings.Index(trace, retrySuffix); i >= 0 {
		return trace[:i]
	}
	return trace
}

// RetryTrace is the trace id of the n-th retry of a chain.
func RetryTrace(trace string, n int) string {
	return baseTrace(trace) + retrySuffix + strconv.Itoa(n)
}

// RetryOutcome says what SchedulePaymentRetry did.
type RetryOutcome struct {
	Scheduled bool               `json:"scheduled"`
	Retry     *db.ScheduledRetry `json:"retry,omitempty"`
	Terminal  bool               `json:"terminal"`
	Event     *Event             `json:"event,omitempty"`
	Reason    string             `json:"reason"`
}

// Retrier decides between another attempt and a terminal fallback for a
// failed transaction.
type Retrier struct {
	db       *db.DB
	executor *Executor
	policy   RetryPolicy
	log      zerolog.Logger
	now      func() time.Time
}

// NewRetrier returns a Retrier that runs fallbacks through executor.
func NewRetrier(database *db.DB, executor *Executor, policy RetryPolicy, log zerolog.Logger) *Retrier {
	return &Retrier{
		db:       database,
		executor: executor,
		policy:   policy,
		log:      log.With().Str("component", "payment_retry").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SchedulePaymentRetry inspects a failed transaction. A retryable code with
// attempts left gets a scheduled retry row; anything else is terminal and
// produces an invoice (when the policy allows one) or a finance task. It
// never runs the retry itself.
func (r *Retrier) SchedulePaymentRetry(ctx context.Context, txID string) (*RetryOutcome, error) {
	const op = "schedule payment retry"
	tx, err := r.db.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, apperr.NotFound(op, "transaction %s not found", txID)
	}
	if tx.Status != db.TxFailed {
		return nil, apperr.Conflict(op, "transaction %s is %s, not failed", txID, tx.Status)
	}

	// RetryCount counts failed attempts in the chain, so it is also the
	// number of the retry that would come next.
	attempt := tx.RetryCount
	log := r.log.With().Str("transaction_id", tx.ID).Int("attempt", attempt).Str("code", tx.FailureCode).Logger()

	switch {
	case !Retryable(tx.FailureCode):
		log.Info().Msg("failure code is not retryable")
		return r.terminal(ctx, tx, fmt.Sprintf("non-retryable failure %s", tx.FailureCode))
	case attempt > r.policy.MaxAttempts:
		log.Info().Msg("retries exhausted")
		return r.terminal(ctx, tx, fmt.Sprintf("retries exhausted after %d attempts", r.policy.MaxAttempts))
	}

	sr := &db.ScheduledRetry{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		DecisionID:    tx.DecisionID,
		Attempt:       attempt,
		TraceID:       RetryTrace(tx.TraceID, attempt),
		DueAt:         r.now().Add(r.policy.Delay(attempt - 1)),
	}
	inserted, err := r.db.InsertScheduledRetry(ctx, sr)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return &RetryOutcome{Reason: "retry already scheduled"}, nil
	}
	log.Info().Time("due_at", sr.DueAt).Msg("retry scheduled")
	return &RetryOutcome{Scheduled: true, Retry: sr, Reason: fmt.Sprintf("retry %d of %d", attempt, r.policy.MaxAttempts)}, nil
}

func (r *Retrier) terminal(ctx context.Context, tx *db.Transaction, reason string) (*RetryOutcome, error) {
	policy, err := r.db.GetPaymentPolicy(ctx, tx.BusinessID)
	if err != nil {
		return nil, err
	}
	trace := baseTrace(tx.TraceID) + "-exhausted"
	hash := PolicyHash(policy)

	var cmd Command
	if policy != nil && policy.AllowInvoiceFallback {
		cmd = CreateInvoice{
			CommandMeta: NewMeta(KindCreateInvoice, tx.BusinessID, tx.CustomerID, tx.JobID, trace, hash),
			DecisionID:  tx.DecisionID,
			Amount:      tx.Amount,
			Currency:    tx.Currency,
			Reason:      "payment_failed",
		}
	} else {
		cmd = CreateHumanTask{
			CommandMeta: NewMeta(KindCreateHumanTask, tx.BusinessID, tx.CustomerID, tx.JobID, trace, hash),
			DecisionID:  tx.DecisionID,
			Queue:       QueueFinance,
			Reason:      "payment failed",
			Detail:      fmt.Sprintf("transaction=%s code=%s: %s", tx.ID, tx.FailureCode, reason),
		}
	}
	ev, err := r.executor.Execute(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("terminal fallback: %w", err)
	}
	return &RetryOutcome{Terminal: true, Event: ev, Reason: reason}, nil
}

// Final states of a scheduled retry.
const (
	RetryDone     = "done"
	RetryFailed   = "failed"
	RetryCanceled = "canceled"
)

// RetryWorker runs due retries by re-running the saga.
type RetryWorker struct {
	db       *db.DB
	saga     *Saga
	interval time.Duration
	batch    int
	log      zerolog.Logger
	now      func() time.Time
}

// NewRetryWorker polls every interval for due retries.
func NewRetryWorker(database *db.DB, saga *Saga, interval time.Duration, log zerolog.Logger) *RetryWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &RetryWorker{
		db:       database,
		saga:     saga,
		interval: interval,
		batch:    50,
		log:      log.With().Str("component", "retry_worker").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunDue claims every due retry and re-runs the saga for it. It returns how
// many retries it ran.
func (w *RetryWorker) RunDue(ctx context.Context) (int, error) {
	due, err := w.db.DueRetries(ctx, w.now(), w.batch)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, sr := range due {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		ok, err := w.db.ClaimRetry(ctx, sr.ID)
		if err != nil {
			return ran, err
		}
		if !ok {
			continue
		}
		ran++
		status, msg, err := w.runOne(ctx, sr)
		if err != nil {
			status, msg = RetryFailed, err.Error()
			w.log.Warn().Err(err).Str("retry_id", sr.ID).Msg("retry failed")
		}
		if err := w.db.FinishRetry(ctx, sr.ID, status, msg); err != nil {
			return ran, err
		}
	}
	return ran, nil
}

// runOne re-runs the saga for a claimed retry. A retry whose transaction is
// no longer failed, or whose job is already paid, is canceled without
// touching the provider.
func (w *RetryWorker) runOne(ctx context.Context, sr db.ScheduledRetry) (string, string, error) {
	tx, err := w.db.GetTransaction(ctx, sr.TransactionID)
	if err != nil {
		return "", "", err
	}
	if tx == nil {
		return "", "", fmt.Errorf("transaction %s not found", sr.TransactionID)
	}
	log := w.log.With().Str("retry_id", sr.ID).Str("transaction_id", tx.ID).Int("attempt", sr.Attempt).Logger()
	if tx.Status != db.TxFailed {
		log.Info().Str("tx_status", tx.Status).Msg("retry canceled, transaction settled")
		return RetryCanceled, "transaction is " + tx.Status, nil
	}
	job, err := w.db.GetJob(ctx, tx.JobID)
	if err != nil {
		return "", "", err
	}
	if job != nil && job.PaymentStatus == JobPaid {
		log.Info().Msg("retry canceled, job already paid")
		return RetryCanceled, "job is paid", nil
	}

	res, err := w.saga.RunJobCompleted(ctx, Trigger{
		BusinessID: tx.BusinessID,
		CustomerID: tx.CustomerID,
		JobID:      tx.JobID,
		Amount:     tx.Amount,
		Currency:   tx.Currency,
		TraceID:    sr.TraceID,
		Attempt:    sr.Attempt,
	})
	if err != nil {
		return "", "", err
	}
	log.Info().Str("status", res.Status).Msg("retry ran")
	return RetryDone, "", nil
}

// Run polls until ctx is canceled.
func (w *RetryWorker) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := w.RunDue(ctx); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("running due retries")
			}
		}
	}
}
