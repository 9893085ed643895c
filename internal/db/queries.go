package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Run statuses.
const (
	StatusRunning         = "running"
	StatusWaitingCustomer = "waiting_customer"
	StatusWaitingOps      = "waiting_ops"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusCanceled        = "canceled"
)

// Run represents a row in the runs table.
type Run struct {
	ID             string
	BusinessID     string
	AccountID      string
	CustomerID     string
	JobID          string
	CurrentStage   string
	Status         string
	Confidence     string
	Context        string
	Outcome        string
	WaitReason     string
	LastApprovedBy string
	LastApprovedAt time.Time
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Step represents a row in the steps table.
type Step struct {
	ID            string
	RunID         string
	StepIndex     int
	Stage         string
	InputSnapshot string
	Evaluators    []string
	RawOutput     string
	Decision      string
	Error         string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Job mirrors the lifecycle of the business entity a run drives.
type Job struct {
	ID            string
	BusinessID    string
	CustomerID    string
	RunID         string
	Stage         string
	Status        string
	Amount        int64
	Currency      string
	FirstService  bool
	PaymentStatus string
	CompletedAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuditEvent represents a row in the audit_events table.
type AuditEvent struct {
	ID        string
	SubjectID string
	Kind      string
	Actor     string
	Stage     string
	Detail    string
	CreatedAt time.Time
}

// InboundMessage is a customer message received on any channel.
type InboundMessage struct {
	ID         string
	BusinessID string
	CustomerID string
	Channel    string
	Body       string
	RunID      string
	ReceivedAt time.Time
}

// MemoryRecord is one longitudinal note about a customer.
type MemoryRecord struct {
	ID         string
	BusinessID string
	CustomerID string
	RunID      string
	Stage      string
	Kind       string
	Content    string
	CreatedAt  time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	BusinessID string
	Status     string
	Limit      int
}

const runColumns = `id, business_id, account_id, customer_id, job_id, current_stage, status,
	confidence, context, outcome, wait_reason, last_approved_by, last_approved_at,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*Run, error) {
	var r Run
	var approvedAt, createdAt, updatedAt string
	err := s.Scan(&r.ID, &r.BusinessID, &r.AccountID, &r.CustomerID, &r.JobID, &r.CurrentStage,
		&r.Status, &r.Confidence, &r.Context, &r.Outcome, &r.WaitReason, &r.LastApprovedBy,
		&approvedAt, &r.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.LastApprovedAt = parseTS(approvedAt)
	r.CreatedAt = parseTS(createdAt)
	r.UpdatedAt = parseTS(updatedAt)
	return &r, nil
}

// CreateRun inserts a new run. CreatedAt and UpdatedAt are set when zero.
func (d *DB) CreateRun(ctx context.Context, r *Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.UpdatedAt = r.CreatedAt
	if r.Context == "" {
		r.Context = "{}"
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.BusinessID, r.AccountID, r.CustomerID, r.JobID, r.CurrentStage, r.Status,
		r.Confidence, r.Context, r.Outcome, r.WaitReason, r.LastApprovedBy, ts(r.LastApprovedAt),
		r.Version, ts(r.CreatedAt), ts(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun returns a run by id, or nil if it does not exist.
func (d *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs, newest first.
func (d *DB) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE ($1 = '' OR business_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		f.BusinessID, f.Status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// FindWaitingRun returns the most recently updated run waiting on a customer
// reply for the business. customerID narrows the search when non-empty.
func (d *DB) FindWaitingRun(ctx context.Context, businessID, customerID string) (*Run, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE business_id = $1 AND status = $2 AND ($3 = '' OR customer_id = $3)
		 ORDER BY updated_at DESC, id DESC LIMIT 1`,
		businessID, StatusWaitingCustomer, customerID,
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find waiting run: %w", err)
	}
	return r, nil
}

// TransitionRunStatus moves a run from one status to another only if it is
// still in the expected status. It reports whether the row changed.
func (d *DB) TransitionRunStatus(ctx context.Context, id, from, to string) (bool, error) {
	res, err := d.conn.ExecContext(ctx,
		`UPDATE runs SET status = $1, wait_reason = '', version = version + 1, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		to, now(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition run status: %w", err)
	}
	return n == 1, nil
}

// SaveRun writes every mutable run field if the stored version still equals
// r.Version. On success r.Version is incremented. It reports whether the
// write won.
func (d *DB) SaveRun(ctx context.Context, r *Run) (bool, error) {
	r.UpdatedAt = time.Now().UTC()
	res, err := d.conn.ExecContext(ctx,
		`UPDATE runs SET current_stage = $1, status = $2, confidence = $3, context = $4,
		 outcome = $5, wait_reason = $6, last_approved_by = $7, last_approved_at = $8,
		 job_id = $9, version = version + 1, updated_at = $10
		 WHERE id = $11 AND version = $12`,
		r.CurrentStage, r.Status, r.Confidence, r.Context, r.Outcome, r.WaitReason,
		r.LastApprovedBy, ts(r.LastApprovedAt), r.JobID, ts(r.UpdatedAt), r.ID, r.Version,
	)
	if err != nil {
		return false, fmt.Errorf("save run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save run: %w", err)
	}
	if n == 1 {
		r.Version++
		return true, nil
	}
	return false, nil
}

// NextStepIndex returns the index the next step of a run should claim.
func (d *DB) NextStepIndex(ctx context.Context, runID string) (int, error) {
	var next int
	err := d.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_index) + 1, 0) FROM steps WHERE run_id = $1`, runID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next step index: %w", err)
	}
	return next, nil
}

// ClaimStep inserts a step row. It reports false when another writer already
// holds the same (run_id, step_index).
func (d *DB) ClaimStep(ctx context.Context, s *Step) (bool, error) {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	evaluators, err := json.Marshal(s.Evaluators)
	if err != nil {
		return false, fmt.Errorf("marshal evaluators: %w", err)
	}
	if s.InputSnapshot == "" {
		s.InputSnapshot = "{}"
	}
	res, err := d.conn.ExecContext(ctx,
		`INSERT INTO steps (id, run_id, step_index, stage, input_snapshot, evaluators, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING`,
		s.ID, s.RunID, s.StepIndex, s.Stage, s.InputSnapshot, string(evaluators), ts(s.StartedAt),
	)
	if err != nil {
		return false, fmt.Errorf("claim step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim step: %w", err)
	}
	return n == 1, nil
}

// CompleteStep records the outcome of a step. A completed step is never
// rewritten.
func (d *DB) CompleteStep(ctx context.Context, id, rawOutput, decision, stepErr string) error {
	res, err := d.conn.ExecContext(ctx,
		`UPDATE steps SET raw_output = $1, decision = $2, error = $3, completed_at = $4
		 WHERE id = $5 AND completed_at = ''`,
		rawOutput, decision, stepErr, now(), id,
	)
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete step: step %s already completed or missing", id)
	}
	return nil
}

// ListSteps returns every step of a run in index order.
func (d *DB) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, run_id, step_index, stage, input_snapshot, evaluators, raw_output,
		        decision, error, started_at, completed_at
		 FROM steps WHERE run_id = $1 ORDER BY step_index ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var s Step
		var evaluators, startedAt, completedAt string
		if err := rows.Scan(&s.ID, &s.RunID, &s.StepIndex, &s.Stage, &s.InputSnapshot, &evaluators,
			&s.RawOutput, &s.Decision, &s.Error, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(evaluators), &s.Evaluators); err != nil {
			return nil, fmt.Errorf("decode evaluators: %w", err)
		}
		s.StartedAt = parseTS(startedAt)
		s.CompletedAt = parseTS(completedAt)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// UpsertJob inserts a job or updates its mirrored fields.
func (d *DB) UpsertJob(ctx context.Context, j *Job) error {
	t := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = t
	}
	j.UpdatedAt = t
	if j.Currency == "" {
		j.Currency = "USD"
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO jobs (id, business_id, customer_id, run_id, stage, status, amount, currency,
		                   first_service, payment_status, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   customer_id = excluded.customer_id, run_id = excluded.run_id, stage = excluded.stage,
		   status = excluded.status, amount = excluded.amount, currency = excluded.currency,
		   first_service = excluded.first_service, payment_status = excluded.payment_status,
		   completed_at = excluded.completed_at, updated_at = excluded.updated_at`,
		j.ID, j.BusinessID, j.CustomerID, j.RunID, j.Stage, j.Status, j.Amount, j.Currency,
		j.FirstService, j.PaymentStatus, ts(j.CompletedAt), ts(j.CreatedAt), ts(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id, or nil if it does not exist.
func (d *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	var completedAt, createdAt, updatedAt string
	err := d.conn.QueryRowContext(ctx,
		`SELECT id, business_id, customer_id, run_id, stage, status, amount, currency,
		        first_service, payment_status, completed_at, created_at, updated_at
		 FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.BusinessID, &j.CustomerID, &j.RunID, &j.Stage, &j.Status, &j.Amount,
		&j.Currency, &j.FirstService, &j.PaymentStatus, &completedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	j.CompletedAt = parseTS(completedAt)
	j.CreatedAt = parseTS(createdAt)
	j.UpdatedAt = parseTS(updatedAt)
	return &j, nil
}

// MirrorJobStage copies a run's stage and status onto its job.
func (d *DB) MirrorJobStage(ctx context.Context, jobID, stage, status string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE jobs SET stage = $1, status = $2, updated_at = $3 WHERE id = $4`,
		stage, status, now(), jobID,
	)
	if err != nil {
		return fmt.Errorf("mirror job stage: %w", err)
	}
	return nil
}

// SetJobPaymentStatus records how the job's payment ended up.
func (d *DB) SetJobPaymentStatus(ctx context.Context, jobID, paymentStatus string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE jobs SET payment_status = $1, updated_at = $2 WHERE id = $3`,
		paymentStatus, now(), jobID,
	)
	if err != nil {
		return fmt.Errorf("set job payment status: %w", err)
	}
	return nil
}

// CompleteJob marks the work done with its final billable amount.
func (d *DB) CompleteJob(ctx context.Context, jobID string, amount int64, currency string) error {
	t := now()
	_, err := d.conn.ExecContext(ctx,
		`UPDATE jobs SET amount = $1, currency = $2, status = 'work_completed', completed_at = $3, updated_at = $3
		 WHERE id = $4`,
		amount, currency, t, jobID,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// CountCompletedJobs returns how many jobs the customer has had completed
// with the business before the given job.
func (d *DB) CountCompletedJobs(ctx context.Context, businessID, customerID, excludeJobID string) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE business_id = $1 AND customer_id = $2 AND id <> $3 AND completed_at <> ''`,
		businessID, customerID, excludeJobID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed jobs: %w", err)
	}
	return n, nil
}

// LogAuditEvent inserts an audit event.
func (d *DB) LogAuditEvent(ctx context.Context, e AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO audit_events (id, subject_id, kind, actor, stage, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.SubjectID, e.Kind, e.Actor, e.Stage, e.Detail, ts(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("log audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the events recorded for a subject, oldest first.
func (d *DB) ListAuditEvents(ctx context.Context, subjectID string) ([]AuditEvent, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, subject_id, kind, actor, stage, detail, created_at
		 FROM audit_events WHERE subject_id = $1 ORDER BY created_at ASC, id ASC`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.Kind, &e.Actor, &e.Stage, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.CreatedAt = parseTS(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// InsertInboundMessage stores a customer message.
func (d *DB) InsertInboundMessage(ctx context.Context, m *InboundMessage) error {
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO inbound_messages (id, business_id, customer_id, channel, body, run_id, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.BusinessID, m.CustomerID, m.Channel, m.Body, m.RunID, ts(m.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("insert inbound message: %w", err)
	}
	return nil
}

// AttachMessage links a stored message to the run it resumed.
func (d *DB) AttachMessage(ctx context.Context, messageID, runID string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE inbound_messages SET run_id = $1 WHERE id = $2`, runID, messageID,
	)
	if err != nil {
		return fmt.Errorf("attach message: %w", err)
	}
	return nil
}

// ListMessages returns the messages attached to a run, oldest first.
func (d *DB) ListMessages(ctx context.Context, runID string) ([]InboundMessage, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, business_id, customer_id, channel, body, run_id, received_at
		 FROM inbound_messages WHERE run_id = $1 ORDER BY received_at ASC, id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []InboundMessage
	for rows.Next() {
		var m InboundMessage
		var receivedAt string
		if err := rows.Scan(&m.ID, &m.BusinessID, &m.CustomerID, &m.Channel, &m.Body, &m.RunID, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ReceivedAt = parseTS(receivedAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// InsertMemoryRecord stores a memory record.
func (d *DB) InsertMemoryRecord(ctx context.Context, m *MemoryRecord) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO memory_records (id, business_id, customer_id, run_id, stage, kind, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.BusinessID, m.CustomerID, m.RunID, m.Stage, m.Kind, m.Content, ts(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert memory record: %w", err)
	}
	return nil
}

// ListMemoryRecords returns a customer's most recent memory records, newest first.
func (d *DB) ListMemoryRecords(ctx context.Context, businessID, customerID string, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, business_id, customer_id, run_id, stage, kind, content, created_at
		 FROM memory_records WHERE business_id = $1 AND customer_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		businessID, customerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list memory records: %w", err)
	}
	defer rows.Close()

	var recs []MemoryRecord
	for rows.Next() {
		var m MemoryRecord
		var createdAt string
		if err := rows.Scan(&m.ID, &m.BusinessID, &m.CustomerID, &m.RunID, &m.Stage, &m.Kind, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		m.CreatedAt = parseTS(createdAt)
		recs = append(recs, m)
	}
	return recs, rows.Err()
}
