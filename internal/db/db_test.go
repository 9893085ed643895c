package db

import (
	"context"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func seedRun(t *testing.T, d *DB, id, status string) *Run {
	t.Helper()
	r := &Run{
		ID:           id,
		BusinessID:   "biz-1",
		CustomerID:   "cust-1",
		JobID:        "job-" + id,
		CurrentStage: "LEAD_INTAKE",
		Status:       status,
	}
	if err := d.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return r
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestMigrate(t *testing.T) {
	d, err := Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for _, table := range tables {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=$1", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	// Migrate again should be idempotent
	if err := d.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestReset(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	seedRun(t, d, "r1", StatusRunning)

	if err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	r, err := d.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get run after reset: %v", err)
	}
	if r != nil {
		t.Error("expected nil run after reset")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	d := testDB(t)
	r, err := d.GetRun(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r != nil {
		t.Fatalf("expected nil, got %+v", r)
	}
}

func TestTransitionRunStatus(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	seedRun(t, d, "r1", StatusWaitingCustomer)

	ok, err := d.TransitionRunStatus(ctx, "r1", StatusWaitingCustomer, StatusRunning)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}
	// A second writer racing the same resume loses.
	ok, err = d.TransitionRunStatus(ctx, "r1", StatusWaitingCustomer, StatusRunning)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if ok {
		t.Fatal("second transition should not apply")
	}

	r, _ := d.GetRun(ctx, "r1")
	if r.Status != StatusRunning || r.Version != 1 {
		t.Errorf("run = status %s version %d", r.Status, r.Version)
	}
}

func TestSaveRun_VersionConflict(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	seedRun(t, d, "r1", StatusRunning)

	a, _ := d.GetRun(ctx, "r1")
	b, _ := d.GetRun(ctx, "r1")

	a.CurrentStage = "QUOTE_BUILD"
	ok, err := d.SaveRun(ctx, a)
	if err != nil || !ok {
		t.Fatalf("save a: ok=%v err=%v", ok, err)
	}
	if a.Version != 1 {
		t.Errorf("a.Version = %d, want 1", a.Version)
	}

	b.CurrentStage = "QUOTE_CONFIRM"
	ok, err = d.SaveRun(ctx, b)
	if err != nil {
		t.Fatalf("save b: %v", err)
	}
	if ok {
		t.Fatal("stale write should lose")
	}

	got, _ := d.GetRun(ctx, "r1")
	if got.CurrentStage != "QUOTE_BUILD" {
		t.Errorf("stage = %s, want QUOTE_BUILD", got.CurrentStage)
	}
}

func TestFindWaitingRun(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	seedRun(t, d, "r1", StatusRunning)
	seedRun(t, d, "r2", StatusWaitingCustomer)

	r, err := d.FindWaitingRun(ctx, "biz-1", "")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if r == nil || r.ID != "r2" {
		t.Fatalf("got %+v, want r2", r)
	}

	r, err = d.FindWaitingRun(ctx, "biz-1", "someone-else")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if r != nil {
		t.Errorf("expected no run for other customer, got %s", r.ID)
	}
}

func TestListRuns_Filter(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	seedRun(t, d, "r1", StatusRunning)
	seedRun(t, d, "r2", StatusWaitingOps)

	runs, err := d.ListRuns(ctx, RunFilter{Status: StatusWaitingOps})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r2" {
		t.Errorf("got %+v", runs)
	}
	all, _ := d.ListRuns(ctx, RunFilter{BusinessID: "biz-1"})
	if len(all) != 2 {
		t.Errorf("got %d runs, want 2", len(all))
	}
}

func TestClaimStep_Unique(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	seedRun(t, d, "r1", StatusRunning)

	idx, err := d.NextStepIndex(ctx, "r1")
	if err != nil || idx != 0 {
		t.Fatalf("next index = %d err=%v", idx, err)
	}

	ok, err := d.ClaimStep(ctx, &Step{ID: "s1", RunID: "r1", StepIndex: 0, Stage: "LEAD_INTAKE", Evaluators: []string{"lead_intake"}})
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	ok, err = d.ClaimStep(ctx, &Step{ID: "s2", RunID: "r1", StepIndex: 0, Stage: "LEAD_INTAKE"})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("duplicate step index should not be claimable")
	}

	if err := d.CompleteStep(ctx, "s1", `{"ok":true}`, `{"advance":true}`, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := d.CompleteStep(ctx, "s1", `{}`, `{}`, "late"); err == nil {
		t.Fatal("completed step must not be rewritten")
	}

	steps, err := d.ListSteps(ctx, "r1")
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 || steps[0].Decision != `{"advance":true}` || steps[0].CompletedAt.IsZero() {
		t.Errorf("steps = %+v", steps)
	}
	if len(steps[0].Evaluators) != 1 || steps[0].Evaluators[0] != "lead_intake" {
		t.Errorf("evaluators = %v", steps[0].Evaluators)
	}

	idx, _ = d.NextStepIndex(ctx, "r1")
	if idx != 1 {
		t.Errorf("next index = %d, want 1", idx)
	}
}

func TestJobs(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	j := &Job{ID: "job-1", BusinessID: "biz-1", CustomerID: "cust-1", Stage: "LEAD_INTAKE", Status: "running"}
	if err := d.UpsertJob(ctx, j); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := d.MirrorJobStage(ctx, "job-1", "QUOTE_BUILD", "running"); err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if err := d.CompleteJob(ctx, "job-1", 15000, "USD"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := d.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != "QUOTE_BUILD" || got.Amount != 15000 || got.CompletedAt.IsZero() {
		t.Errorf("job = %+v", got)
	}

	n, err := d.CountCompletedJobs(ctx, "biz-1", "cust-1", "job-2")
	if err != nil || n != 1 {
		t.Errorf("completed jobs = %d err=%v", n, err)
	}
}

func TestAuditEvents(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, kind := range []string{"run_created", "step_completed", "override"} {
		if err := d.LogAuditEvent(ctx, AuditEvent{
			ID: kind, SubjectID: "r1", Kind: kind, Actor: "ops-1",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("log %s: %v", kind, err)
		}
	}
	events, err := d.ListAuditEvents(ctx, "r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 || events[0].Kind != "run_created" || events[2].Kind != "override" {
		t.Errorf("events = %+v", events)
	}
}

func TestClaimCommand_Idempotent(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	claimed, existing, err := d.ClaimCommand(ctx, "k1", "CapturePayment", "job-1", "trace-1")
	if err != nil || !claimed || existing != nil {
		t.Fatalf("first claim: claimed=%v existing=%v err=%v", claimed, existing, err)
	}
	if err := d.FinishCommand(ctx, "k1", CommandCompleted, `{"type":"PaymentCaptured"}`, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	claimed, existing, err = d.ClaimCommand(ctx, "k1", "CapturePayment", "job-1", "trace-1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim should not succeed")
	}
	if existing == nil || existing.Status != CommandCompleted || existing.Event != `{"type":"PaymentCaptured"}` {
		t.Errorf("existing = %+v", existing)
	}
}

func TestClaimWebhookEvent(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	ok, err := d.ClaimWebhookEvent(ctx, "evt_1", "payment_intent.succeeded", "{}")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = d.ClaimWebhookEvent(ctx, "evt_1", "payment_intent.succeeded", "{}")
	if err != nil || ok {
		t.Fatalf("replay claim: ok=%v err=%v", ok, err)
	}
	if err := d.FinishWebhookEvent(ctx, "evt_1", "processed"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	status, _ := d.GetWebhookEventStatus(ctx, "evt_1")
	if status != "processed" {
		t.Errorf("status = %q", status)
	}
}

func TestClaimWebhookEvent_ReleaseAndStaleClaim(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if ok, err := d.ClaimWebhookEvent(ctx, "evt_1", "payment_intent.payment_failed", "{}"); err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if err := d.ReleaseWebhookEvent(ctx, "evt_1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := d.ClaimWebhookEvent(ctx, "evt_1", "payment_intent.payment_failed", "{}"); err != nil || !ok {
		t.Fatalf("claim after release: ok=%v err=%v", ok, err)
	}

	// An unfinished claim older than the lease can be taken over.
	old := ts(time.Now().Add(-2 * WebhookClaimLease))
	if _, err := d.Conn().Exec(`UPDATE webhook_events SET received_at = $1 WHERE event_id = 'evt_1'`, old); err != nil {
		t.Fatalf("age claim: %v", err)
	}
	if ok, err := d.ClaimWebhookEvent(ctx, "evt_1", "payment_intent.payment_failed", "{}"); err != nil || !ok {
		t.Fatalf("stale claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := d.ClaimWebhookEvent(ctx, "evt_1", "payment_intent.payment_failed", "{}"); ok {
		t.Fatal("a fresh claim must not be taken over")
	}

	// Finished events stay claimed for good.
	if err := d.FinishWebhookEvent(ctx, "evt_1", "processed"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := d.Conn().Exec(`UPDATE webhook_events SET received_at = $1 WHERE event_id = 'evt_1'`, old); err != nil {
		t.Fatalf("age event: %v", err)
	}
	if err := d.ReleaseWebhookEvent(ctx, "evt_1"); err != nil {
		t.Fatalf("release finished: %v", err)
	}
	if ok, _ := d.ClaimWebhookEvent(ctx, "evt_1", "payment_intent.payment_failed", "{}"); ok {
		t.Fatal("a processed event must not be claimed again")
	}
}

func TestTransitionTransaction(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	tx := &Transaction{ID: "tx1", BusinessID: "biz-1", JobID: "job-1", Amount: 15000, Currency: "USD", Status: TxPending}
	if err := d.InsertTransaction(ctx, tx); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ok, err := d.TransitionTransaction(ctx, "tx1", TxPending, TxFailed, TxUpdate{
		ProviderTxID: "pi_1", FailureCode: "card_declined", FailureReason: "declined", IncrementRetry: true,
	})
	if err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}
	ok, _ = d.TransitionTransaction(ctx, "tx1", TxPending, TxCaptured, TxUpdate{})
	if ok {
		t.Fatal("transition from stale status should not apply")
	}

	got, err := d.GetTransactionByProviderID(ctx, "pi_1")
	if err != nil || got == nil {
		t.Fatalf("get by provider id: %v", err)
	}
	if got.Status != TxFailed || got.RetryCount != 1 || got.FailureCode != "card_declined" {
		t.Errorf("tx = %+v", got)
	}
}

func TestScheduledRetries(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	n := time.Now().UTC()

	due := &ScheduledRetry{ID: "rt1", TransactionID: "tx1", DecisionID: "d1", Attempt: 1, TraceID: "t-retry-1", DueAt: n.Add(-time.Second)}
	later := &ScheduledRetry{ID: "rt2", TransactionID: "tx2", DecisionID: "d2", Attempt: 1, TraceID: "u-retry-1", DueAt: n.Add(time.Hour)}
	for _, r := range []*ScheduledRetry{due, later} {
		if ok, err := d.InsertScheduledRetry(ctx, r); err != nil || !ok {
			t.Fatalf("insert %s: ok=%v err=%v", r.ID, ok, err)
		}
	}
	dup := &ScheduledRetry{ID: "rt3", TransactionID: "tx1", DecisionID: "d1", Attempt: 1, TraceID: "t-retry-1", DueAt: n}
	if ok, _ := d.InsertScheduledRetry(ctx, dup); ok {
		t.Fatal("same attempt must not be scheduled twice")
	}

	rs, err := d.DueRetries(ctx, n, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(rs) != 1 || rs[0].ID != "rt1" {
		t.Fatalf("due = %+v", rs)
	}
	if ok, _ := d.ClaimRetry(ctx, "rt1"); !ok {
		t.Fatal("claim should succeed")
	}
	if ok, _ := d.ClaimRetry(ctx, "rt1"); ok {
		t.Fatal("second claim should fail")
	}

	n2, err := d.CancelPendingRetries(ctx, "tx2", "settled")
	if err != nil || n2 != 1 {
		t.Fatalf("cancel: n=%d err=%v", n2, err)
	}
	if n1, _ := d.CancelPendingRetries(ctx, "tx1", "settled"); n1 != 0 {
		t.Errorf("claimed retry was canceled")
	}
	rs, _ = d.ListRetries(ctx, "tx2")
	if len(rs) != 1 || rs[0].Status != "canceled" || rs[0].Error != "settled" {
		t.Errorf("tx2 retries = %+v", rs)
	}
}

func TestPaymentProfileRoundTrip(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	p := &PaymentProfile{
		CustomerID: "cust-1", BusinessID: "biz-1", AutopayEnabled: true,
		AllowedMethods: []string{"card"}, PreferredMethodID: "pm_1",
		Consents: []Consent{{Kind: "autopay", GrantedAt: time.Now().UTC().Truncate(time.Second), Source: "sms"}},
	}
	if err := d.UpsertPaymentProfile(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := d.GetPaymentProfile(ctx, "cust-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.AutopayEnabled || got.PreferredMethodID != "pm_1" || len(got.Consents) != 1 {
		t.Errorf("profile = %+v", got)
	}

	none, err := d.GetPaymentProfile(ctx, "nobody")
	if err != nil || none != nil {
		t.Errorf("missing profile = %+v err=%v", none, err)
	}
}
