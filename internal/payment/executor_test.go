package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/lucasnoah/leadflow/internal/apperr"
	"github.com/lucasnoah/leadflow/internal/db"
	"github.com/lucasnoah/leadflow/internal/logging"
)

// fakeProvider succeeds unless failCode or callErr is set.
type fakeProvider struct {
	mu       sync.Mutex
	seq      int
	failCode string
	callErr  error
	intents  int
	refunds  int
	cancels  int
	sessions int
}

func (p *fakeProvider) next(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_%d", prefix, p.seq)
}

func (p *fakeProvider) CreateCustomer(ctx context.Context, req CustomerRequest) (ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProviderResult{Success: true, ID: p.next("cus")}, nil
}

func (p *fakeProvider) CreatePaymentMethod(ctx context.Context, req MethodRequest) (ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProviderResult{Success: true, ID: p.next("pm")}, nil
}

func (p *fakeProvider) CreatePaymentIntent(ctx context.Context, req IntentRequest) (ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intents++
	if p.callErr != nil {
		return ProviderResult{}, p.callErr
	}
	id := p.next("pi")
	if p.failCode != "" {
		return ProviderResult{ID: id, Code: p.failCode, Message: "declined by issuer"}, nil
	}
	return ProviderResult{Success: true, ID: id}, nil
}

func (p *fakeProvider) CreateRefund(ctx context.Context, req RefundRequest) (ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds++
	return ProviderResult{Success: true, ID: p.next("re")}, nil
}

func (p *fakeProvider) CancelPaymentIntent(ctx context.Context, providerTxID, key string) (ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels++
	return ProviderResult{Success: true, ID: providerTxID}, nil
}

func (p *fakeProvider) CreateWalletSession(ctx context.Context, req SessionRequest) (ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions++
	id := p.next("cs")
	return ProviderResult{Success: true, ID: id, URL: "https://pay.test/" + id}, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []string
	fails bool
}

func (n *fakeNotifier) record(kind string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, kind)
	if n.fails {
		return errors.New("gateway down")
	}
	return nil
}

func (n *fakeNotifier) SendPaymentLink(ctx context.Context, to Recipient, url string, amount int64, currency string) error {
	return n.record("link")
}

func (n *fakeNotifier) SendPaymentSetupLink(ctx context.Context, to Recipient, url string) error {
	return n.record("setup")
}

func (n *fakeNotifier) SendPaymentConfirmation(ctx context.Context, to Recipient, amount int64, currency string) error {
	return n.record("confirmation")
}

func (n *fakeNotifier) SendPaymentFailureNotification(ctx context.Context, to Recipient, reason string) error {
	return n.record("failure")
}

type fixture struct {
	db       *db.DB
	provider *fakeProvider
	notifier *fakeNotifier
	exec     *Executor
	retrier  *Retrier
	saga     *Saga
	worker   *RetryWorker
	recon    *Reconciler
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

// newFixture wires the payment stack over an in-memory database seeded with
// policy, customer cust-1 and job job-1 for biz-1.
func newFixture(t *testing.T, policy *db.PaymentPolicy) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{db: testDB(t), provider: &fakeProvider{}, notifier: &fakeNotifier{}}
	log := logging.Nop()

	exec, err := NewExecutor(f.db, f.provider, f.notifier, log)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	f.exec = exec
	f.retrier = NewRetrier(f.db, exec, DefaultRetryPolicy, log)
	f.saga = NewSaga(f.db, exec, f.retrier, testAgentConfig, log)
	f.worker = NewRetryWorker(f.db, f.saga, 0, log)
	f.recon = NewReconciler(f.db, f.retrier, log)

	if policy != nil {
		if err := f.db.UpsertPaymentPolicy(ctx, policy); err != nil {
			t.Fatalf("seed policy: %v", err)
		}
	}
	seedJob(t, f, "job-1", "cust-1")
	return f
}

func seedJob(t *testing.T, f *fixture, jobID, customerID string) {
	t.Helper()
	if err := f.db.UpsertJob(context.Background(), &db.Job{
		ID:         jobID,
		BusinessID: "biz-1",
		CustomerID: customerID,
		Status:     "booked",
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

// seedAutopay puts a preferred method on file for the customer and turns on
// autopay, with or without the autopay consent.
func seedAutopay(t *testing.T, f *fixture, customerID string, consent bool) *db.PaymentMethod {
	t.Helper()
	ctx := context.Background()
	m, err := f.exec.AddPaymentMethod(ctx, AddMethodOpts{
		BusinessID:    "biz-1",
		CustomerID:    customerID,
		Token:         "tok_visa",
		Brand:         "visa",
		Last4:         "4242",
		MakePreferred: true,
	})
	if err != nil {
		t.Fatalf("AddPaymentMethod: %v", err)
	}
	p, err := f.db.GetPaymentProfile(ctx, customerID)
	if err != nil || p == nil {
		t.Fatalf("GetPaymentProfile: %v %v", p, err)
	}
	p.AutopayEnabled = true
	if consent {
		p.Consents = append(p.Consents, db.Consent{Kind: ConsentAutopay, Source: "test"})
	}
	if err := f.db.UpsertPaymentProfile(ctx, p); err != nil {
		t.Fatalf("UpsertPaymentProfile: %v", err)
	}
	return m
}

func captureCmd(methodID, customerID, trace string) CapturePayment {
	return CapturePayment{
		CommandMeta: NewMeta(KindCapturePayment, "biz-1", customerID, "job-1", trace, "hash"),
		DecisionID:  "dec-1",
		Amount:      12000,
		Currency:    "USD",
		MethodID:    methodID,
	}
}

func TestNewExecutor_HandlerTableComplete(t *testing.T) {
	f := newFixture(t, testPolicy())
	if len(f.exec.handlers) != len(Kinds) {
		t.Errorf("handlers = %d, kinds = %d", len(f.exec.handlers), len(Kinds))
	}
	partial := map[Kind]handlerFunc{KindCreateHumanTask: f.exec.handlers[KindCreateHumanTask]}
	if err := validateHandlers(partial); err == nil {
		t.Error("expected an incomplete table to be rejected")
	}
}

func TestExecute_IdempotentReplay(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	cmd := CreateHumanTask{
		CommandMeta: NewMeta(KindCreateHumanTask, "biz-1", "cust-1", "job-1", "trace-1", "hash"),
		Queue:       QueueOperations,
		Reason:      "check this job",
	}

	first, err := f.exec.Execute(ctx, cmd)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if first.Skipped || first.Type != EventHumanTaskCreated {
		t.Fatalf("first event = %+v", first)
	}
	second, err := f.exec.Execute(ctx, cmd)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if !second.Skipped || second.ResourceID != first.ResourceID {
		t.Errorf("replay = %+v, want skipped copy of %s", second, first.ResourceID)
	}

	tasks, err := f.db.ListHumanTasks(ctx, "job-1", "")
	if err != nil {
		t.Fatalf("ListHumanTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}
}

func TestExecute_CaptureOnce(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	m := seedAutopay(t, f, "cust-1", true)
	cmd := captureCmd(m.ID, "cust-1", "trace-1")

	ev, err := f.exec.Execute(ctx, cmd)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ev.Type != EventPaymentCaptured {
		t.Fatalf("event = %s, want PaymentCaptured", ev.Type)
	}
	if _, err := f.exec.Execute(ctx, cmd); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if f.provider.intents != 1 {
		t.Errorf("provider charged %d times, want 1", f.provider.intents)
	}

	txs, err := f.db.ListTransactionsByJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListTransactionsByJob: %v", err)
	}
	if len(txs) != 1 || txs[0].Status != db.TxCaptured || txs[0].ProviderTxID == "" {
		t.Fatalf("transactions = %+v", txs)
	}
	job, _ := f.db.GetJob(ctx, "job-1")
	if job.PaymentStatus != JobPaid {
		t.Errorf("job payment status = %q, want paid", job.PaymentStatus)
	}
}

func TestExecute_CaptureFailureClassified(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		callErr error
		kind    apperr.Kind
		want    string
	}{
		{"retryable decline", CodeInsufficientFunds, nil, apperr.KindTransientProvider, CodeInsufficientFunds},
		{"terminal decline", "card_expired", nil, apperr.KindTerminalProvider, "card_expired"},
		{"transport error", "", errors.New("connection reset"), apperr.KindTransientProvider, CodeNetworkError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, testPolicy())
			ctx := context.Background()
			m := seedAutopay(t, f, "cust-1", true)
			f.provider.failCode, f.provider.callErr = tc.code, tc.callErr

			ev, err := f.exec.Execute(ctx, captureCmd(m.ID, "cust-1", "trace-1"))
			if !apperr.Is(err, tc.kind) {
				t.Fatalf("err = %v, want kind %s", err, tc.kind)
			}
			if ev == nil || !ev.Failed || ev.Type != EventPaymentFailed || ev.TransactionID == "" {
				t.Fatalf("event = %+v", ev)
			}
			tx, err := f.db.GetTransaction(ctx, ev.TransactionID)
			if err != nil {
				t.Fatalf("GetTransaction: %v", err)
			}
			if tx.Status != db.TxFailed || tx.FailureCode != tc.want || tx.RetryCount != 1 {
				t.Errorf("tx = status %s code %s retries %d", tx.Status, tx.FailureCode, tx.RetryCount)
			}
			rec, _ := f.db.GetCommand(ctx, ev.IdempotencyKey)
			if rec == nil || rec.Status != db.CommandFailed {
				t.Errorf("command log = %+v, want failed", rec)
			}
		})
	}
}

func TestExecute_RejectsForeignMethod(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	other := seedAutopay(t, f, "cust-2", true)

	_, err := f.exec.Execute(ctx, captureCmd(other.ID, "cust-1", "trace-1"))
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if f.provider.intents != 0 {
		t.Error("provider called for a foreign method")
	}
	txs, _ := f.db.ListTransactionsByJob(ctx, "job-1")
	if len(txs) != 0 {
		t.Errorf("transactions = %d, want 0", len(txs))
	}
}

func TestExecute_RejectsForeignJob(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	cmd := CreateInvoice{
		CommandMeta: NewMeta(KindCreateInvoice, "biz-2", "cust-1", "job-1", "trace-1", "hash"),
		Amount:      1000,
		Currency:    "USD",
		Reason:      "manual",
	}
	if _, err := f.exec.Execute(ctx, cmd); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	invs, _ := f.db.ListInvoices(ctx, "job-1")
	if len(invs) != 0 {
		t.Errorf("invoices = %d, want 0", len(invs))
	}
}

func TestExecute_ValidationBeforeClaim(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  Command
	}{
		{"nil", nil},
		{"forged key", CreateHumanTask{
			CommandMeta: CommandMeta{IdempotencyKey: "abc", TraceID: "t", EntityID: "job-1", BusinessID: "biz-1"},
			Queue:       QueueOperations, Reason: "r",
		}},
		{"bad amount", CreatePaymentSession{
			CommandMeta: NewMeta(KindCreatePaymentSession, "biz-1", "cust-1", "job-1", "t", ""),
			Amount:      0, Currency: "USD",
		}},
		{"unknown queue", CreateHumanTask{
			CommandMeta: NewMeta(KindCreateHumanTask, "biz-1", "", "job-1", "t", ""),
			Queue:       "legal", Reason: "r",
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.exec.Execute(ctx, tc.cmd); !apperr.Is(err, apperr.KindValidation) {
				t.Errorf("err = %v, want validation", err)
			}
		})
	}
	n, err := f.db.CountCommands(ctx, "job-1")
	if err != nil {
		t.Fatalf("CountCommands: %v", err)
	}
	if n != 0 {
		t.Errorf("commands logged = %d, want 0", n)
	}
}

func TestExecute_EnableAutopayRecordsConsent(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	m, err := f.exec.AddPaymentMethod(ctx, AddMethodOpts{BusinessID: "biz-1", CustomerID: "cust-1", Token: "tok"})
	if err != nil {
		t.Fatalf("AddPaymentMethod: %v", err)
	}
	cmd := EnableAutopay{
		CommandMeta:   NewMeta(KindEnableAutopay, "biz-1", "cust-1", "cust-1", "trace-1", ""),
		MethodID:      m.ID,
		ConsentSource: "portal",
	}
	if _, err := f.exec.Execute(ctx, cmd); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	p, err := f.db.GetPaymentProfile(ctx, "cust-1")
	if err != nil {
		t.Fatalf("GetPaymentProfile: %v", err)
	}
	if !p.AutopayEnabled || p.PreferredMethodID != m.ID || !hasConsent(p, ConsentAutopay) {
		t.Errorf("profile = %+v", p)
	}
}

func TestExecute_NotificationFailureDoesNotFailCommand(t *testing.T) {
	f := newFixture(t, testPolicy())
	f.notifier.fails = true
	cmd := RequestPaymentSetup{
		CommandMeta: NewMeta(KindRequestPaymentSetup, "biz-1", "cust-1", "job-1", "trace-1", ""),
		Channel:     "sms",
		Reason:      "first service",
	}
	ev, err := f.exec.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ev.Type != EventPaymentSetupRequested || ev.Failed {
		t.Errorf("event = %+v", ev)
	}
	sessions, _ := f.db.ListPaymentSessions(context.Background(), "job-1")
	if len(sessions) != 1 || sessions[0].Kind != SessionSetup {
		t.Errorf("sessions = %+v", sessions)
	}
}
