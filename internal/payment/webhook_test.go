package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/leadflow/internal/apperr"
	"github.com/lucasnoah/leadflow/internal/db"
)

func envelope(id, typ, object string) Envelope {
	return Envelope{ID: id, Type: typ, Data: json.RawMessage(`{"object":` + object + `}`), Created: time.Now().Unix()}
}

func seedTx(t *testing.T, f *fixture, id, status, providerID string) {
	t.Helper()
	tx := &db.Transaction{
		ID: id, BusinessID: "biz-1", JobID: "job-1", CustomerID: "cust-1",
		Amount: 5000, Currency: "USD", Status: status, ProviderTxID: providerID, TraceID: "trace-1",
	}
	if err := f.db.InsertTransaction(context.Background(), tx); err != nil {
		t.Fatalf("InsertTransaction: %v", err)
	}
}

func txStatus(t *testing.T, f *fixture, id string) *db.Transaction {
	t.Helper()
	tx, err := f.db.GetTransaction(context.Background(), id)
	if err != nil || tx == nil {
		t.Fatalf("GetTransaction(%s): %v %v", id, tx, err)
	}
	return tx
}

func TestReconciler_SucceededCaptures(t *testing.T) {
	f := newFixture(t, testPolicy())
	seedTx(t, f, "tx-1", db.TxPending, "pi_1")

	res, err := f.recon.Process(context.Background(), envelope("evt_1", WebhookIntentSucceeded, `{"id":"pi_1"}`))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != WebhookProcessed || res.Event.Type != EventPaymentCaptured {
		t.Fatalf("result = %+v", res)
	}
	if got := txStatus(t, f, "tx-1").Status; got != db.TxCaptured {
		t.Errorf("status = %s, want captured", got)
	}
	job, _ := f.db.GetJob(context.Background(), "job-1")
	if job.PaymentStatus != JobPaid {
		t.Errorf("job payment status = %q", job.PaymentStatus)
	}
}

func TestReconciler_DuplicateDeliveryAppliedOnce(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	seedTx(t, f, "tx-1", db.TxPending, "pi_1")
	env := envelope("evt_1", WebhookIntentFailed, `{"id":"pi_1","last_payment_error":{"code":"insufficient_funds","message":"nsf"}}`)

	var wg sync.WaitGroup
	results := make([]*WebhookResult, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.recon.Process(ctx, env)
		}(i)
	}
	wg.Wait()

	processed := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("Process: %v", errs[i])
		}
		if results[i].Status == WebhookProcessed {
			processed++
		}
	}
	if processed != 1 {
		t.Errorf("processed %d times, want 1", processed)
	}
	tx := txStatus(t, f, "tx-1")
	if tx.Status != db.TxFailed || tx.RetryCount != 1 || tx.FailureCode != CodeInsufficientFunds {
		t.Errorf("tx = status %s retries %d code %s", tx.Status, tx.RetryCount, tx.FailureCode)
	}
	retries, _ := f.db.ListRetries(ctx, "tx-1")
	if len(retries) != 1 || retries[0].Attempt != 1 {
		t.Errorf("retries = %+v, want one first attempt", retries)
	}
	status, _ := f.db.GetWebhookEventStatus(ctx, "evt_1")
	if status != WebhookProcessed {
		t.Errorf("stored status = %q", status)
	}
}

func TestReconciler_IgnoresRegression(t *testing.T) {
	f := newFixture(t, testPolicy())
	seedTx(t, f, "tx-1", db.TxCaptured, "pi_1")

	res, err := f.recon.Process(context.Background(), envelope("evt_2", WebhookIntentFailed, `{"id":"pi_1"}`))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != WebhookIgnored {
		t.Errorf("status = %s, want ignored", res.Status)
	}
	if got := txStatus(t, f, "tx-1").Status; got != db.TxCaptured {
		t.Errorf("captured transaction moved to %s", got)
	}
}

func TestReconciler_Transitions(t *testing.T) {
	tests := []struct {
		typ    string
		from   string
		object string
		want   string
	}{
		{WebhookIntentCanceled, db.TxPending, `{"id":"pi_1"}`, db.TxVoided},
		{WebhookIntentSucceeded, db.TxFailed, `{"id":"pi_1"}`, db.TxCaptured},
		{WebhookChargeRefunded, db.TxCaptured, `{"id":"ch_9","payment_intent":"pi_1"}`, db.TxRefunded},
		{WebhookChargeRefunded, db.TxPending, `{"id":"ch_9","payment_intent":"pi_1"}`, db.TxPending},
		{WebhookIntentCanceled, db.TxRefunded, `{"id":"pi_1"}`, db.TxRefunded},
	}
	for i, tc := range tests {
		t.Run(fmt.Sprintf("%s from %s", tc.typ, tc.from), func(t *testing.T) {
			f := newFixture(t, testPolicy())
			seedTx(t, f, "tx-1", tc.from, "pi_1")
			if _, err := f.recon.Process(context.Background(), envelope(fmt.Sprintf("evt_%d", i), tc.typ, tc.object)); err != nil {
				t.Fatalf("Process: %v", err)
			}
			if got := txStatus(t, f, "tx-1").Status; got != tc.want {
				t.Errorf("status = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestReconciler_RedeliveryAfterFailedApplyRunsFallback(t *testing.T) {
	pol := testPolicy()
	pol.AllowInvoiceFallback = true
	f := newFixture(t, pol)
	ctx := context.Background()
	seedTx(t, f, "tx-9", db.TxPending, "pi_9")
	env := envelope("evt_9", WebhookIntentFailed, `{"id":"pi_9","last_payment_error":{"code":"card_expired","message":"expired"}}`)

	// Policy reads fail after the transaction has already moved to failed.
	if _, err := f.db.Conn().Exec(`ALTER TABLE payment_policies RENAME TO payment_policies_off`); err != nil {
		t.Fatalf("hide policies: %v", err)
	}
	if _, err := f.recon.Process(ctx, env); err == nil {
		t.Fatal("expected the fallback to fail")
	}
	if got := txStatus(t, f, "tx-9").Status; got != db.TxFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if status, _ := f.db.GetWebhookEventStatus(ctx, "evt_9"); status != "" {
		t.Fatalf("event status = %q, want the claim released", status)
	}
	if _, err := f.db.Conn().Exec(`ALTER TABLE payment_policies_off RENAME TO payment_policies`); err != nil {
		t.Fatalf("restore policies: %v", err)
	}

	res, err := f.recon.Process(ctx, env)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Status != WebhookProcessed || res.Retry == nil || !res.Retry.Terminal {
		t.Fatalf("redelivery = %+v, want processed with a terminal fallback", res)
	}
	invs, _ := f.db.ListInvoices(ctx, "job-1")
	if len(invs) != 1 || invs[0].Reason != "payment_failed" {
		t.Fatalf("invoices = %+v, want one payment_failed", invs)
	}
	if got := txStatus(t, f, "tx-9").RetryCount; got != 1 {
		t.Errorf("retry count = %d, want 1", got)
	}

	res, err = f.recon.Process(ctx, env)
	if err != nil || res.Status != WebhookDuplicate {
		t.Fatalf("third delivery = %+v %v, want duplicate", res, err)
	}
	if invs, _ := f.db.ListInvoices(ctx, "job-1"); len(invs) != 1 {
		t.Errorf("invoices = %d after duplicate, want 1", len(invs))
	}
}

func TestReconciler_UnmatchedAndUnknown(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	res, err := f.recon.Process(ctx, envelope("evt_1", WebhookIntentSucceeded, `{"id":"pi_missing"}`))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != WebhookUnmatched {
		t.Errorf("status = %s, want unmatched", res.Status)
	}
	res, err = f.recon.Process(ctx, envelope("evt_2", "customer.updated", `{"id":"cus_1"}`))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != WebhookIgnored {
		t.Errorf("status = %s, want ignored", res.Status)
	}
	if _, err := f.recon.Process(ctx, Envelope{Type: WebhookIntentSucceeded}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1_700_000_000, 0)
	header := Sign("whsec", payload, now)

	tests := []struct {
		name    string
		secret  string
		payload []byte
		header  string
		at      time.Time
		ok      bool
	}{
		{"valid", "whsec", payload, header, now.Add(time.Minute), true},
		{"tampered payload", "whsec", []byte(`{"id":"evt_2"}`), header, now, false},
		{"wrong secret", "other", payload, header, now, false},
		{"stale", "whsec", payload, header, now.Add(6 * time.Minute), false},
		{"malformed", "whsec", payload, "garbage", now, false},
		{"no secret", "", payload, header, now, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Verify(tc.secret, tc.payload, tc.header, 0, tc.at)
			if tc.ok && err != nil {
				t.Errorf("Verify: %v", err)
			}
			if !tc.ok && !apperr.Is(err, apperr.KindUnauthorized) {
				t.Errorf("err = %v, want unauthorized", err)
			}
		})
	}
}
