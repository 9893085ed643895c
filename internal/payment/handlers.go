package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lucasnoah/leadflow/internal/apperr"
	"github.com/lucasnoah/leadflow/internal/db"
)

// Job payment statuses.
const (
	JobPaid     = "paid"
	JobFailed   = "failed"
	JobInvoiced = "invoiced"
	JobUnpaid   = "unpaid"
	JobRefunded = "refunded"
)

// providerErr classifies a failed provider call. Transport errors and
// retryable refusal codes are transient; other refusals are terminal.
func providerErr(op string, res ProviderResult, err error) error {
	if err != nil {
		return apperr.Wrap(apperr.KindTransientProvider, op, err)
	}
	if res.Success {
		return nil
	}
	kind := apperr.KindTerminalProvider
	if Retryable(res.Code) {
		kind = apperr.KindTransientProvider
	}
	return apperr.E(kind, op, "provider refused (%s): %s", res.Code, res.Message)
}

// failureOf returns the code and reason to record for a failed call.
func failureOf(res ProviderResult, err error) (string, string) {
	if err != nil {
		return CodeNetworkError, err.Error()
	}
	code := res.Code
	if code == "" {
		code = "unknown"
	}
	return code, res.Message
}

func (e *Executor) ownedJob(ctx context.Context, op, jobID, businessID, customerID string) (*db.Job, error) {
	job, err := e.db.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperr.NotFound(op, "job %s not found", jobID)
	}
	if job.BusinessID != businessID {
		return nil, apperr.Validation(op, "job %s does not belong to business %s", jobID, businessID)
	}
	if customerID != "" && job.CustomerID != "" && job.CustomerID != customerID {
		return nil, apperr.Validation(op, "job %s does not belong to customer %s", jobID, customerID)
	}
	return job, nil
}

func (e *Executor) ownedMethod(ctx context.Context, op, methodID, businessID, customerID string) (*db.PaymentMethod, error) {
	m, err := e.db.GetPaymentMethod(ctx, methodID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, apperr.NotFound(op, "payment method %s not found", methodID)
	}
	if m.CustomerID != customerID || (m.BusinessID != "" && m.BusinessID != businessID) {
		return nil, apperr.Validation(op, "payment method %s does not belong to customer %s", methodID, customerID)
	}
	return m, nil
}

// profile loads the customer's payment profile, starting an empty one when
// none exists.
func (e *Executor) profile(ctx context.Context, op, businessID, customerID string) (*db.PaymentProfile, error) {
	p, err := e.db.GetPaymentProfile(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &db.PaymentProfile{CustomerID: customerID, BusinessID: businessID}, nil
	}
	if p.BusinessID != "" && p.BusinessID != businessID {
		return nil, apperr.Validation(op, "customer %s belongs to another business", customerID)
	}
	return p, nil
}

// providerCustomer makes sure the customer exists at the provider and
// returns the profile carrying the provider's id.
func (e *Executor) providerCustomer(ctx context.Context, op, businessID, customerID string) (*db.PaymentProfile, error) {
	p, err := e.profile(ctx, op, businessID, customerID)
	if err != nil {
		return nil, err
	}
	if p.ProviderCustomerID != "" {
		return p, nil
	}
	res, err := e.provider.CreateCustomer(ctx, CustomerRequest{BusinessID: businessID, CustomerID: customerID})
	if perr := providerErr(op+": create customer", res, err); perr != nil {
		return nil, perr
	}
	p.ProviderCustomerID = res.ID
	if err := e.db.UpsertPaymentProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Executor) openSession(ctx context.Context, op string, m CommandMeta, kind string, amount int64, currency string) (*db.PaymentSession, error) {
	p, err := e.providerCustomer(ctx, op, m.BusinessID, m.CustomerID)
	if err != nil {
		return nil, err
	}
	res, err := e.provider.CreateWalletSession(ctx, SessionRequest{
		ProviderCustomerID: p.ProviderCustomerID,
		Kind:               kind,
		Amount:             amount,
		Currency:           currency,
		IdempotencyKey:     m.IdempotencyKey,
	})
	if perr := providerErr(op+": create session", res, err); perr != nil {
		return nil, perr
	}
	s := &db.PaymentSession{
		ID:                uuid.NewString(),
		BusinessID:        m.BusinessID,
		JobID:             m.EntityID,
		CustomerID:        m.CustomerID,
		Kind:              kind,
		URL:               res.URL,
		ProviderSessionID: res.ID,
		Amount:            amount,
		Currency:          currency,
		Status:            "open",
	}
	if err := e.db.InsertPaymentSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Executor) requestPaymentSetup(ctx context.Context, c RequestPaymentSetup) (*Event, error) {
	s, err := e.openSession(ctx, "request payment setup", c.CommandMeta, SessionSetup, 0, "")
	if err != nil {
		return nil, err
	}
	to := Recipient{BusinessID: c.BusinessID, CustomerID: c.CustomerID, Channel: c.Channel}
	e.notify("setup_link", e.notifier.SendPaymentSetupLink(ctx, to, s.URL))
	return &Event{Type: EventPaymentSetupRequested, ResourceID: s.ID, Message: c.Reason}, nil
}

func (e *Executor) createPaymentSession(ctx context.Context, c CreatePaymentSession) (*Event, error) {
	const op = "create payment session"
	if _, err := e.ownedJob(ctx, op, c.EntityID, c.BusinessID, c.CustomerID); err != nil {
		return nil, err
	}
	kind := SessionCheckout
	if c.Channel == ChannelInApp {
		kind = SessionWallet
	}
	s, err := e.openSession(ctx, op, c.CommandMeta, kind, c.Amount, c.Currency)
	if err != nil {
		return nil, err
	}
	if kind == SessionCheckout {
		to := Recipient{BusinessID: c.BusinessID, CustomerID: c.CustomerID, Channel: c.Channel}
		e.notify("payment_link", e.notifier.SendPaymentLink(ctx, to, s.URL, c.Amount, c.Currency))
	}
	return &Event{Type: EventPaymentSessionCreated, ResourceID: s.ID}, nil
}

func (e *Executor) setPreferredPaymentMethod(ctx context.Context, c SetPreferredPaymentMethod) (*Event, error) {
	const op = "set preferred payment method"
	m, err := e.ownedMethod(ctx, op, c.MethodID, c.BusinessID, c.CustomerID)
	if err != nil {
		return nil, err
	}
	p, err := e.profile(ctx, op, c.BusinessID, c.CustomerID)
	if err != nil {
		return nil, err
	}
	p.PreferredMethodID = m.ID
	if err := e.db.UpsertPaymentProfile(ctx, p); err != nil {
		return nil, err
	}
	return &Event{Type: EventPreferredMethodSet, ResourceID: m.ID}, nil
}

func (e *Executor) enableAutopay(ctx context.Context, c EnableAutopay) (*Event, error) {
	const op = "enable autopay"
	m, err := e.ownedMethod(ctx, op, c.MethodID, c.BusinessID, c.CustomerID)
	if err != nil {
		return nil, err
	}
	p, err := e.profile(ctx, op, c.BusinessID, c.CustomerID)
	if err != nil {
		return nil, err
	}
	p.AutopayEnabled = true
	p.PreferredMethodID = m.ID
	if !hasConsent(p, ConsentAutopay) {
		p.Consents = append(p.Consents, db.Consent{Kind: ConsentAutopay, GrantedAt: e.now(), Source: c.ConsentSource})
	}
	if err := e.db.UpsertPaymentProfile(ctx, p); err != nil {
		return nil, err
	}
	return &Event{Type: EventAutopayEnabled, ResourceID: m.ID}, nil
}

func (e *Executor) capturePayment(ctx context.Context, c CapturePayment) (*Event, error) {
	const op = "capture payment"
	job, err := e.ownedJob(ctx, op, c.EntityID, c.BusinessID, c.CustomerID)
	if err != nil {
		return nil, err
	}
	m, err := e.ownedMethod(ctx, op, c.MethodID, c.BusinessID, c.CustomerID)
	if err != nil {
		return nil, err
	}
	p, err := e.providerCustomer(ctx, op, c.BusinessID, c.CustomerID)
	if err != nil {
		return nil, err
	}

	tx := &db.Transaction{
		ID:         uuid.NewString(),
		BusinessID: c.BusinessID,
		JobID:      job.ID,
		CustomerID: c.CustomerID,
		DecisionID: c.DecisionID,
		Amount:     c.Amount,
		Currency:   c.Currency,
		MethodID:   m.ID,
		Status:     db.TxPending,
		RetryCount: c.Attempt,
		TraceID:    c.TraceID,
	}
	if err := e.db.InsertTransaction(ctx, tx); err != nil {
		return nil, err
	}

	res, callErr := e.provider.CreatePaymentIntent(ctx, IntentRequest{
		ProviderCustomerID: p.ProviderCustomerID,
		ProviderMethodID:   m.ProviderMethodID,
		Amount:             c.Amount,
		Currency:           c.Currency,
		IdempotencyKey:     c.IdempotencyKey,
		Metadata:           map[string]string{"job_id": job.ID, "transaction_id": tx.ID},
	})
	to := Recipient{BusinessID: c.BusinessID, CustomerID: c.CustomerID}

	if perr := providerErr(op, res, callErr); perr != nil {
		code, reason := failureOf(res, callErr)
		if _, err := e.db.TransitionTransaction(ctx, tx.ID, db.TxPending, db.TxFailed, db.TxUpdate{
			ProviderTxID:   res.ID,
			FailureCode:    code,
			FailureReason:  reason,
			IncrementRetry: true,
		}); err != nil {
			return nil, err
		}
		if err := e.db.SetJobPaymentStatus(ctx, job.ID, JobFailed); err != nil {
			return nil, err
		}
		e.notify("failure", e.notifier.SendPaymentFailureNotification(ctx, to, reason))
		return &Event{
			Type:          EventPaymentFailed,
			TransactionID: tx.ID,
			FailureCode:   code,
			Message:       reason,
			Failed:        true,
		}, perr
	}

	ok, err := e.db.TransitionTransaction(ctx, tx.ID, db.TxPending, db.TxCaptured, db.TxUpdate{ProviderTxID: res.ID})
	if err != nil {
		return nil, err
	}
	if !ok {
		// A webhook may have settled it first.
		cur, err := e.db.GetTransaction(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		if cur == nil || cur.Status != db.TxCaptured {
			return nil, apperr.Conflict(op, "transaction %s moved out of pending unexpectedly", tx.ID)
		}
	}
	if err := e.db.SetJobPaymentStatus(ctx, job.ID, JobPaid); err != nil {
		return nil, err
	}
	e.notify("confirmation", e.notifier.SendPaymentConfirmation(ctx, to, c.Amount, c.Currency))
	return &Event{Type: EventPaymentCaptured, TransactionID: tx.ID, ResourceID: res.ID}, nil
}

func (e *Executor) sendTextToPayLink(ctx context.Context, c SendTextToPayLink) (*Event, error) {
	const op = "send text to pay link"
	if _, err := e.ownedJob(ctx, op, c.EntityID, c.BusinessID, c.CustomerID); err != nil {
		return nil, err
	}
	s, err := e.openSession(ctx, op, c.CommandMeta, SessionCheckout, c.Amount, c.Currency)
	if err != nil {
		return nil, err
	}
	to := Recipient{BusinessID: c.BusinessID, CustomerID: c.CustomerID, Channel: "sms"}
	if err := e.notifier.SendPaymentLink(ctx, to, s.URL, c.Amount, c.Currency); err != nil {
		e.notify("payment_link", err)
		return &Event{Type: EventTextToPaySent, ResourceID: s.ID, Message: "link created, delivery failed"}, nil
	}
	return &Event{Type: EventTextToPaySent, ResourceID: s.ID}, nil
}

func (e *Executor) createInvoice(ctx context.Context, c CreateInvoice) (*Event, error) {
	const op = "create invoice"
	job, err := e.ownedJob(ctx, op, c.EntityID, c.BusinessID, c.CustomerID)
	if err != nil {
		return nil, err
	}
	customerID := c.CustomerID
	if customerID == "" {
		customerID = job.CustomerID
	}
	inv := &db.Invoice{
		ID:         uuid.NewString(),
		BusinessID: c.BusinessID,
		JobID:      job.ID,
		CustomerID: customerID,
		DecisionID: c.DecisionID,
		Amount:     c.Amount,
		Currency:   c.Currency,
		Reason:     c.Reason,
		Status:     "open",
	}
	if err := e.db.InsertInvoice(ctx, inv); err != nil {
		return nil, err
	}
	if err := e.db.SetJobPaymentStatus(ctx, job.ID, JobInvoiced); err != nil {
		return nil, err
	}
	return &Event{Type: EventInvoiceCreated, ResourceID: inv.ID, Message: c.Reason}, nil
}

func (e *Executor) createHumanTask(ctx context.Context, c CreateHumanTask) (*Event, error) {
	task := &db.HumanTask{
		ID:         uuid.NewString(),
		BusinessID: c.BusinessID,
		EntityID:   c.EntityID,
		DecisionID: c.DecisionID,
		Queue:      c.Queue,
		Reason:     c.Reason,
		Detail:     c.Detail,
	}
	if err := e.db.InsertHumanTask(ctx, task); err != nil {
		return nil, err
	}
	return &Event{Type: EventHumanTaskCreated, ResourceID: task.ID, Message: fmt.Sprintf("%s: %s", c.Queue, c.Reason)}, nil
}
