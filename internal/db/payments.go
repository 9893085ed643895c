package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Transaction statuses.
const (
	TxPending  = "pending"
	TxCaptured = "captured"
	TxFailed   = "failed"
	TxVoided   = "voided"
	TxRefunded = "refunded"
)

// Decision execution statuses.
const (
	DecisionPending   = "pending"
	DecisionCompleted = "completed"
	DecisionFailed    = "failed"
	DecisionEscalated = "escalated"
)

// Command log statuses.
const (
	CommandInFlight  = "in_flight"
	CommandCompleted = "completed"
	CommandFailed    = "failed"
)

// PaymentPolicy is a business's collection policy. Amounts are minor units.
type PaymentPolicy struct {
	BusinessID                 string
	Version                    int
	Currency                   string
	RequireSetupOnFirstService bool
	MaxAutopayAmount           int64
	RequireConfirmationAbove   int64
	InvoiceOnlyAbove           int64
	AllowInvoiceFallback       bool
	UpdatedAt                  time.Time
}

// Consent records a customer's permission for a payment practice.
type Consent struct {
	Kind      string    `json:"kind"`
	GrantedAt time.Time `json:"granted_at"`
	Source    string    `json:"source"`
}

// PaymentProfile is a customer's payment setup with a business.
type PaymentProfile struct {
	CustomerID         string
	BusinessID         string
	AutopayEnabled     bool
	AllowedMethods     []string
	PreferredMethodID  string
	Consents           []Consent
	ProviderCustomerID string
	DisputeCount       int
	UpdatedAt          time.Time
}

// PaymentMethod is a tokenized instrument owned by a customer.
type PaymentMethod struct {
	ID               string
	CustomerID       string
	BusinessID       string
	Kind             string
	Brand            string
	Last4            string
	ProviderMethodID string
	CreatedAt        time.Time
}

// DecisionRecord is the persisted audit of a payment decision.
type DecisionRecord struct {
	ID            string
	BusinessID    string
	EntityID      string
	CustomerID    string
	TraceID       string
	Label         string
	Confidence    float64
	Breakdown     string
	RiskFlags     []string
	HumanRequired bool
	Commands      string
	Amount        int64
	Currency      string
	PolicyHash    string
	Status        string
	Error         string
	CompensatedAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transaction is one attempted capture.
type Transaction struct {
	ID            string
	BusinessID    string
	JobID         string
	CustomerID    string
	DecisionID    string
	Amount        int64
	Currency      string
	MethodID      string
	Status        string
	ProviderTxID  string
	RetryCount    int
	FailureCode   string
	FailureReason string
	TraceID       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TxUpdate carries the optional fields of a transaction status change.
// Empty strings leave the stored value untouched.
type TxUpdate struct {
	ProviderTxID   string
	FailureCode    string
	FailureReason  string
	IncrementRetry bool
}

// CommandRecord is one row of the idempotency log.
type CommandRecord struct {
	IdempotencyKey string
	Kind           string
	EntityID       string
	TraceID        string
	Status         string
	Event          string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HumanTask is work routed to an operations or finance queue.
type HumanTask struct {
	ID         string
	BusinessID string
	EntityID   string
	DecisionID string
	Queue      string
	Reason     string
	Detail     string
	Status     string
	CreatedAt  time.Time
	ResolvedAt time.Time
}

// ScheduledRetry is a delayed re-run of the payment saga.
type ScheduledRetry struct {
	ID            string
	TransactionID string
	DecisionID    string
	Attempt       int
	TraceID       string
	DueAt         time.Time
	Status        string
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Invoice is a bill issued instead of, or after, a failed capture.
type Invoice struct {
	ID         string
	BusinessID string
	JobID      string
	CustomerID string
	DecisionID string
	Amount     int64
	Currency   string
	Reason     string
	Status     string
	CreatedAt  time.Time
}

// PaymentSession is a hosted payment or setup link.
type PaymentSession struct {
	ID                string
	BusinessID        string
	JobID             string
	CustomerID        string
	Kind              string
	URL               string
	ProviderSessionID string
	Amount            int64
	Currency          string
	Status            string
	CreatedAt         time.Time
}

// UpsertPaymentPolicy inserts or replaces a business's policy.
func (d *DB) UpsertPaymentPolicy(ctx context.Context, p *PaymentPolicy) error {
	p.UpdatedAt = time.Now().UTC()
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO payment_policies (business_id, version, currency, require_setup_on_first_service,
		   max_autopay_amount, require_confirmation_above, invoice_only_above, allow_invoice_fallback, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (business_id) DO UPDATE SET
		   version = excluded.version, currency = excluded.currency,
		   require_setup_on_first_service = excluded.require_setup_on_first_service,
		   max_autopay_amount = excluded.max_autopay_amount,
		   require_confirmation_above = excluded.require_confirmation_above,
		   invoice_only_above = excluded.invoice_only_above,
		   allow_invoice_fallback = excluded.allow_invoice_fallback,
		   updated_at = excluded.updated_at`,
		p.BusinessID, p.Version, p.Currency, p.RequireSetupOnFirstService, p.MaxAutopayAmount,
		p.RequireConfirmationAbove, p.InvoiceOnlyAbove, p.AllowInvoiceFallback, ts(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert payment policy: %w", err)
	}
	return nil
}

// GetPaymentPolicy returns a business's policy, or nil if none is configured.
func (d *DB) GetPaymentPolicy(ctx context.Context, businessID string) (*PaymentPolicy, error) {
	var p PaymentPolicy
	var updatedAt string
	err := d.conn.QueryRowContext(ctx,
		`SELECT business_id, version, currency, require_setup_on_first_service, max_autopay_amount,
		        require_confirmation_above, invoice_only_above, allow_invoice_fallback, updated_at
		 FROM payment_policies WHERE business_id = $1`, businessID,
	).Scan(&p.BusinessID, &p.Version, &p.Currency, &p.RequireSetupOnFirstService, &p.MaxAutopayAmount,
		&p.RequireConfirmationAbove, &p.InvoiceOnlyAbove, &p.AllowInvoiceFallback, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment policy: %w", err)
	}
	p.UpdatedAt = parseTS(updatedAt)
	return &p, nil
}

// UpsertPaymentProfile inserts or replaces a customer's payment profile.
func (d *DB) UpsertPaymentProfile(ctx context.Context, p *PaymentProfile) error {
	p.UpdatedAt = time.Now().UTC()
	allowed, err := json.Marshal(nonNil(p.AllowedMethods))
	if err != nil {
		return fmt.Errorf("marshal allowed methods: %w", err)
	}
	consents := p.Consents
	if consents == nil {
		consents = []Consent{}
	}
	consentJSON, err := json.Marshal(consents)
	if err != nil {
		return fmt.Errorf("marshal consents: %w", err)
	}
	_, err = d.conn.ExecContext(ctx,
		`INSERT INTO payment_profiles (customer_id, business_id, autopay_enabled, allowed_methods,
		   preferred_method_id, consents, provider_customer_id, dispute_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (customer_id) DO UPDATE SET
		   business_id = excluded.business_id, autopay_enabled = excluded.autopay_enabled,
		   allowed_methods = excluded.allowed_methods, preferred_method_id = excluded.preferred_method_id,
		   consents = excluded.consents, provider_customer_id = excluded.provider_customer_id,
		   dispute_count = excluded.dispute_count, updated_at = excluded.updated_at`,
		p.CustomerID, p.BusinessID, p.AutopayEnabled, string(allowed), p.PreferredMethodID,
		string(consentJSON), p.ProviderCustomerID, p.DisputeCount, ts(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert payment profile: %w", err)
	}
	return nil
}

// GetPaymentProfile returns a customer's profile, or nil if none exists.
func (d *DB) GetPaymentProfile(ctx context.Context, customerID string) (*PaymentProfile, error) {
	var p PaymentProfile
	var allowed, consents, updatedAt string
	err := d.conn.QueryRowContext(ctx,
		`SELECT customer_id, business_id, autopay_enabled, allowed_methods, preferred_method_id,
		        consents, provider_customer_id, dispute_count, updated_at
		 FROM payment_profiles WHERE customer_id = $1`, customerID,
	).Scan(&p.CustomerID, &p.BusinessID, &p.AutopayEnabled, &allowed, &p.PreferredMethodID,
		&consents, &p.ProviderCustomerID, &p.DisputeCount, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment profile: %w", err)
	}
	if err := json.Unmarshal([]byte(allowed), &p.AllowedMethods); err != nil {
		return nil, fmt.Errorf("decode allowed methods: %w", err)
	}
	if err := json.Unmarshal([]byte(consents), &p.Consents); err != nil {
		return nil, fmt.Errorf("decode consents: %w", err)
	}
	p.UpdatedAt = parseTS(updatedAt)
	return &p, nil
}

// InsertPaymentMethod stores a tokenized payment method.
func (d *DB) InsertPaymentMethod(ctx context.Context, m *PaymentMethod) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO payment_methods (id, customer_id, business_id, kind, brand, last4, provider_method_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.CustomerID, m.BusinessID, m.Kind, m.Brand, m.Last4, m.ProviderMethodID, ts(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert payment method: %w", err)
	}
	return nil
}

// GetPaymentMethod returns a payment method, or nil if it does not exist.
func (d *DB) GetPaymentMethod(ctx context.Context, id string) (*PaymentMethod, error) {
	var m PaymentMethod
	var createdAt string
	err := d.conn.QueryRowContext(ctx,
		`SELECT id, customer_id, business_id, kind, brand, last4, provider_method_id, created_at
		 FROM payment_methods WHERE id = $1`, id,
	).Scan(&m.ID, &m.CustomerID, &m.BusinessID, &m.Kind, &m.Brand, &m.Last4, &m.ProviderMethodID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment method: %w", err)
	}
	m.CreatedAt = parseTS(createdAt)
	return &m, nil
}

// ListPaymentMethods returns a customer's payment methods, oldest first.
func (d *DB) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, customer_id, business_id, kind, brand, last4, provider_method_id, created_at
		 FROM payment_methods WHERE customer_id = $1 ORDER BY created_at ASC, id ASC`, customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payment methods: %w", err)
	}
	defer rows.Close()

	var methods []PaymentMethod
	for rows.Next() {
		var m PaymentMethod
		var createdAt string
		if err := rows.Scan(&m.ID, &m.CustomerID, &m.BusinessID, &m.Kind, &m.Brand, &m.Last4, &m.ProviderMethodID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan payment method: %w", err)
		}
		m.CreatedAt = parseTS(createdAt)
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

const decisionColumns = `id, business_id, entity_id, customer_id, trace_id, label, confidence, breakdown,
	risk_flags, human_required, commands, amount, currency, policy_hash, status, error,
	compensated_at, created_at, updated_at`

func scanDecision(s rowScanner) (*DecisionRecord, error) {
	var r DecisionRecord
	var flags, compensatedAt, createdAt, updatedAt string
	err := s.Scan(&r.ID, &r.BusinessID, &r.EntityID, &r.CustomerID, &r.TraceID, &r.Label, &r.Confidence,
		&r.Breakdown, &flags, &r.HumanRequired, &r.Commands, &r.Amount, &r.Currency, &r.PolicyHash,
		&r.Status, &r.Error, &compensatedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(flags), &r.RiskFlags); err != nil {
		return nil, fmt.Errorf("decode risk flags: %w", err)
	}
	r.CompensatedAt = parseTS(compensatedAt)
	r.CreatedAt = parseTS(createdAt)
	r.UpdatedAt = parseTS(updatedAt)
	return &r, nil
}

// InsertDecision persists a payment decision audit record.
func (d *DB) InsertDecision(ctx context.Context, r *DecisionRecord) error {
	t := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = t, t
	flags, err := json.Marshal(nonNil(r.RiskFlags))
	if err != nil {
		return fmt.Errorf("marshal risk flags: %w", err)
	}
	_, err = d.conn.ExecContext(ctx,
		`INSERT INTO decisions (`+decisionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		r.ID, r.BusinessID, r.EntityID, r.CustomerID, r.TraceID, r.Label, r.Confidence, r.Breakdown,
		string(flags), r.HumanRequired, r.Commands, r.Amount, r.Currency, r.PolicyHash, r.Status, r.Error,
		ts(r.CompensatedAt), ts(r.CreatedAt), ts(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// GetDecision returns a decision record, or nil if it does not exist.
func (d *DB) GetDecision(ctx context.Context, id string) (*DecisionRecord, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id)
	r, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return r, nil
}

// ListDecisions returns decisions for an entity (or all when entityID is
// empty), newest first.
func (d *DB) ListDecisions(ctx context.Context, entityID string, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE ($1 = '' OR entity_id = $1) ORDER BY created_at DESC, id DESC LIMIT $2`,
		entityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		r, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateDecisionStatus moves a pending decision to its execution outcome.
// Only the status and error fields of a decision ever change.
func (d *DB) UpdateDecisionStatus(ctx context.Context, id, status, errMsg string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE decisions SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		status, errMsg, now(), id,
	)
	if err != nil {
		return fmt.Errorf("update decision status: %w", err)
	}
	return nil
}

// MarkDecisionCompensated stamps a decision as compensated. It reports false
// when the decision was already compensated.
func (d *DB) MarkDecisionCompensated(ctx context.Context, id string) (bool, error) {
	t := now()
	res, err := d.conn.ExecContext(ctx,
		`UPDATE decisions SET compensated_at = $1, updated_at = $1 WHERE id = $2 AND compensated_at = ''`,
		t, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark decision compensated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark decision compensated: %w", err)
	}
	return n == 1, nil
}

const txColumns = `id, business_id, job_id, customer_id, decision_id, amount, currency, method_id, status,
	provider_tx_id, retry_count, failure_code, failure_reason, trace_id, created_at, updated_at`

func scanTx(s rowScanner) (*Transaction, error) {
	var t Transaction
	var createdAt, updatedAt string
	err := s.Scan(&t.ID, &t.BusinessID, &t.JobID, &t.CustomerID, &t.DecisionID, &t.Amount, &t.Currency,
		&t.MethodID, &t.Status, &t.ProviderTxID, &t.RetryCount, &t.FailureCode, &t.FailureReason,
		&t.TraceID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = parseTS(createdAt)
	t.UpdatedAt = parseTS(updatedAt)
	return &t, nil
}

// InsertTransaction creates a transaction row.
func (d *DB) InsertTransaction(ctx context.Context, t *Transaction) error {
	n := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = n, n
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO transactions (`+txColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.BusinessID, t.JobID, t.CustomerID, t.DecisionID, t.Amount, t.Currency, t.MethodID,
		t.Status, t.ProviderTxID, t.RetryCount, t.FailureCode, t.FailureReason, t.TraceID,
		ts(t.CreatedAt), ts(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetTransaction returns a transaction, or nil if it does not exist.
func (d *DB) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTx(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// GetTransactionByProviderID looks a transaction up by the provider's id.
func (d *DB) GetTransactionByProviderID(ctx context.Context, providerTxID string) (*Transaction, error) {
	if providerTxID == "" {
		return nil, nil
	}
	row := d.conn.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE provider_tx_id = $1 ORDER BY created_at DESC LIMIT 1`,
		providerTxID,
	)
	t, err := scanTx(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction by provider id: %w", err)
	}
	return t, nil
}

// ListTransactionsByJob returns a job's transactions, oldest first.
func (d *DB) ListTransactionsByJob(ctx context.Context, jobID string) ([]Transaction, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE job_id = $1 ORDER BY created_at ASC, id ASC`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// TransitionTransaction moves a transaction from one status to another,
// applying the optional fields in u. It reports false when the stored status
// no longer equals from.
func (d *DB) TransitionTransaction(ctx context.Context, id, from, to string, u TxUpdate) (bool, error) {
	inc := 0
	if u.IncrementRetry {
		inc = 1
	}
	res, err := d.conn.ExecContext(ctx,
		`UPDATE transactions SET
		   status = $1,
		   provider_tx_id = CASE WHEN $2 = '' THEN provider_tx_id ELSE $2 END,
		   failure_code = CASE WHEN $3 = '' THEN failure_code ELSE $3 END,
		   failure_reason = CASE WHEN $4 = '' THEN failure_reason ELSE $4 END,
		   retry_count = retry_count + $5,
		   updated_at = $6
		 WHERE id = $7 AND status = $8`,
		to, u.ProviderTxID, u.FailureCode, u.FailureReason, inc, now(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition transaction: %w", err)
	}
	return n == 1, nil
}

// ClaimCommand atomically records an idempotency key as in flight. When the
// key already exists it returns false and the existing record.
func (d *DB) ClaimCommand(ctx context.Context, key, kind, entityID, traceID string) (bool, *CommandRecord, error) {
	t := now()
	res, err := d.conn.ExecContext(ctx,
		`INSERT INTO command_log (idempotency_key, kind, entity_id, trace_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT DO NOTHING`,
		key, kind, entityID, traceID, CommandInFlight, t,
	)
	if err != nil {
		return false, nil, fmt.Errorf("claim command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("claim command: %w", err)
	}
	if n == 1 {
		return true, nil, nil
	}
	existing, err := d.GetCommand(ctx, key)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// FinishCommand records the outcome and emitted event of a claimed command.
func (d *DB) FinishCommand(ctx context.Context, key, status, event, errMsg string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE command_log SET status = $1, event = $2, error = $3, updated_at = $4
		 WHERE idempotency_key = $5 AND status = $6`,
		status, event, errMsg, now(), key, CommandInFlight,
	)
	if err != nil {
		return fmt.Errorf("finish command: %w", err)
	}
	return nil
}

// GetCommand returns a command log row, or nil if the key was never claimed.
func (d *DB) GetCommand(ctx context.Context, key string) (*CommandRecord, error) {
	var c CommandRecord
	var createdAt, updatedAt string
	err := d.conn.QueryRowContext(ctx,
		`SELECT idempotency_key, kind, entity_id, trace_id, status, event, error, created_at, updated_at
		 FROM command_log WHERE idempotency_key = $1`, key,
	).Scan(&c.IdempotencyKey, &c.Kind, &c.EntityID, &c.TraceID, &c.Status, &c.Event, &c.Error, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	c.CreatedAt = parseTS(createdAt)
	c.UpdatedAt = parseTS(updatedAt)
	return &c, nil
}

// CountCommands returns the number of command log rows for an entity.
func (d *DB) CountCommands(ctx context.Context, entityID string) (int, error) {
	var n int
	if err := d.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_log WHERE entity_id = $1`, entityID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commands: %w", err)
	}
	return n, nil
}

// WebhookClaimLease is how long a claimed provider event may stay in
// received before a redelivery may take it over.
const WebhookClaimLease = 5 * time.Minute

// ClaimWebhookEvent atomically records a provider event id. It reports false
// when the event was seen before, unless the earlier claim was left in
// received for longer than WebhookClaimLease.
func (d *DB) ClaimWebhookEvent(ctx context.Context, eventID, eventType, payload string) (bool, error) {
	t := time.Now().UTC()
	res, err := d.conn.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, type, payload, status, received_at)
		 VALUES ($1, $2, $3, 'received', $4)
		 ON CONFLICT (event_id) DO UPDATE SET received_at = excluded.received_at, payload = excluded.payload
		 WHERE webhook_events.status = 'received' AND webhook_events.received_at < $5`,
		eventID, eventType, payload, ts(t), ts(t.Add(-WebhookClaimLease)),
	)
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	return n == 1, nil
}

// ReleaseWebhookEvent drops a claim that was never finished so the provider's
// redelivery is processed again.
func (d *DB) ReleaseWebhookEvent(ctx context.Context, eventID string) error {
	_, err := d.conn.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE event_id = $1 AND status = 'received'`, eventID,
	)
	if err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

// FinishWebhookEvent records how a claimed provider event was handled.
func (d *DB) FinishWebhookEvent(ctx context.Context, eventID, status string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE webhook_events SET status = $1, processed_at = $2 WHERE event_id = $3`,
		status, now(), eventID,
	)
	if err != nil {
		return fmt.Errorf("finish webhook event: %w", err)
	}
	return nil
}

// GetWebhookEventStatus returns the handling status of an event, or "" if unseen.
func (d *DB) GetWebhookEventStatus(ctx context.Context, eventID string) (string, error) {
	var status string
	err := d.conn.QueryRowContext(ctx,
		`SELECT status FROM webhook_events WHERE event_id = $1`, eventID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get webhook event: %w", err)
	}
	return status, nil
}

// InsertHumanTask creates a task in a human queue.
func (d *DB) InsertHumanTask(ctx context.Context, h *HumanTask) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	if h.Status == "" {
		h.Status = "open"
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO human_tasks (id, business_id, entity_id, decision_id, queue, reason, detail, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		h.ID, h.BusinessID, h.EntityID, h.DecisionID, h.Queue, h.Reason, h.Detail, h.Status, ts(h.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert human task: %w", err)
	}
	return nil
}

// ListHumanTasks returns tasks for an entity (all entities when empty), oldest first.
func (d *DB) ListHumanTasks(ctx context.Context, entityID, status string) ([]HumanTask, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, business_id, entity_id, decision_id, queue, reason, detail, status, created_at, resolved_at
		 FROM human_tasks WHERE ($1 = '' OR entity_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY created_at ASC, id ASC`,
		entityID, status,
	)
	if err != nil {
		return nil, fmt.Errorf("list human tasks: %w", err)
	}
	defer rows.Close()

	var out []HumanTask
	for rows.Next() {
		var h HumanTask
		var createdAt, resolvedAt string
		if err := rows.Scan(&h.ID, &h.BusinessID, &h.EntityID, &h.DecisionID, &h.Queue, &h.Reason,
			&h.Detail, &h.Status, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan human task: %w", err)
		}
		h.CreatedAt = parseTS(createdAt)
		h.ResolvedAt = parseTS(resolvedAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// InsertScheduledRetry schedules a retry. It reports false when the same
// attempt for the transaction is already scheduled.
func (d *DB) InsertScheduledRetry(ctx context.Context, r *ScheduledRetry) (bool, error) {
	t := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = t, t
	if r.Status == "" {
		r.Status = "scheduled"
	}
	res, err := d.conn.ExecContext(ctx,
		`INSERT INTO scheduled_retries (id, transaction_id, decision_id, attempt, trace_id, due_at, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT DO NOTHING`,
		r.ID, r.TransactionID, r.DecisionID, r.Attempt, r.TraceID, ts(r.DueAt), r.Status,
		ts(r.CreatedAt), ts(r.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert scheduled retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert scheduled retry: %w", err)
	}
	return n == 1, nil
}

// DueRetries returns scheduled retries due at or before asOf, earliest first.
func (d *DB) DueRetries(ctx context.Context, asOf time.Time, limit int) ([]ScheduledRetry, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.queryRetries(ctx,
		`WHERE status = 'scheduled' AND due_at <= $1 ORDER BY due_at ASC, id ASC LIMIT $2`,
		ts(asOf), limit,
	)
}

// ListRetries returns every retry scheduled for a transaction in attempt order.
func (d *DB) ListRetries(ctx context.Context, transactionID string) ([]ScheduledRetry, error) {
	return d.queryRetries(ctx, `WHERE transaction_id = $1 ORDER BY attempt ASC`, transactionID)
}

func (d *DB) queryRetries(ctx context.Context, where string, args ...any) ([]ScheduledRetry, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, transaction_id, decision_id, attempt, trace_id, due_at, status, error, created_at, updated_at
		 FROM scheduled_retries `+where, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query retries: %w", err)
	}
	defer rows.Close()

	var out []ScheduledRetry
	for rows.Next() {
		var r ScheduledRetry
		var dueAt, createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.DecisionID, &r.Attempt, &r.TraceID, &dueAt,
			&r.Status, &r.Error, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan retry: %w", err)
		}
		r.DueAt = parseTS(dueAt)
		r.CreatedAt = parseTS(createdAt)
		r.UpdatedAt = parseTS(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimRetry moves a retry from scheduled to claimed. It reports false when
// another worker claimed it first.
func (d *DB) ClaimRetry(ctx context.Context, id string) (bool, error) {
	res, err := d.conn.ExecContext(ctx,
		`UPDATE scheduled_retries SET status = 'claimed', updated_at = $1 WHERE id = $2 AND status = 'scheduled'`,
		now(), id,
	)
	if err != nil {
		return false, fmt.Errorf("claim retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim retry: %w", err)
	}
	return n == 1, nil
}

// CancelPendingRetries cancels every retry still scheduled for a
// transaction and reports how many it canceled.
func (d *DB) CancelPendingRetries(ctx context.Context, transactionID, reason string) (int, error) {
	res, err := d.conn.ExecContext(ctx,
		`UPDATE scheduled_retries SET status = 'canceled', error = $1, updated_at = $2
		 WHERE transaction_id = $3 AND status = 'scheduled'`,
		reason, now(), transactionID,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel retries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel retries: %w", err)
	}
	return int(n), nil
}

// FinishRetry records the outcome of a claimed retry.
func (d *DB) FinishRetry(ctx context.Context, id, status, errMsg string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE scheduled_retries SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		status, errMsg, now(), id,
	)
	if err != nil {
		return fmt.Errorf("finish retry: %w", err)
	}
	return nil
}

// InsertInvoice stores an invoice.
func (d *DB) InsertInvoice(ctx context.Context, inv *Invoice) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	if inv.Status == "" {
		inv.Status = "open"
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO invoices (id, business_id, job_id, customer_id, decision_id, amount, currency, reason, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inv.ID, inv.BusinessID, inv.JobID, inv.CustomerID, inv.DecisionID, inv.Amount, inv.Currency,
		inv.Reason, inv.Status, ts(inv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

// ListInvoices returns a job's invoices, oldest first.
func (d *DB) ListInvoices(ctx context.Context, jobID string) ([]Invoice, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, business_id, job_id, customer_id, decision_id, amount, currency, reason, status, created_at
		 FROM invoices WHERE job_id = $1 ORDER BY created_at ASC, id ASC`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		var inv Invoice
		var createdAt string
		if err := rows.Scan(&inv.ID, &inv.BusinessID, &inv.JobID, &inv.CustomerID, &inv.DecisionID,
			&inv.Amount, &inv.Currency, &inv.Reason, &inv.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		inv.CreatedAt = parseTS(createdAt)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// InsertPaymentSession stores a hosted payment session.
func (d *DB) InsertPaymentSession(ctx context.Context, s *PaymentSession) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = "open"
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO payment_sessions (id, business_id, job_id, customer_id, kind, url, provider_session_id,
		   amount, currency, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.BusinessID, s.JobID, s.CustomerID, s.Kind, s.URL, s.ProviderSessionID, s.Amount,
		s.Currency, s.Status, ts(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert payment session: %w", err)
	}
	return nil
}

// ListPaymentSessions returns a job's payment sessions, oldest first.
func (d *DB) ListPaymentSessions(ctx context.Context, jobID string) ([]PaymentSession, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, business_id, job_id, customer_id, kind, url, provider_session_id, amount, currency, status, created_at
		 FROM payment_sessions WHERE job_id = $1 ORDER BY created_at ASC, id ASC`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payment sessions: %w", err)
	}
	defer rows.Close()

	var out []PaymentSession
	for rows.Next() {
		var s PaymentSession
		var createdAt string
		if err := rows.Scan(&s.ID, &s.BusinessID, &s.JobID, &s.CustomerID, &s.Kind, &s.URL,
			&s.ProviderSessionID, &s.Amount, &s.Currency, &s.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan payment session: %w", err)
		}
		s.CreatedAt = parseTS(createdAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
