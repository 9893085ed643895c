package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucasnoah/leadflow/internal/apperr"
	"github.com/lucasnoah/leadflow/internal/db"
)

// Provider event types the reconciler acts on.
const (
	WebhookIntentSucceeded = "payment_intent.succeeded"
	WebhookIntentFailed    = "payment_intent.payment_failed"
	WebhookIntentCanceled  = "payment_intent.canceled"
	WebhookChargeRefunded  = "charge.refunded"
)

// Webhook handling outcomes stored against the event id.
const (
	WebhookProcessed = "processed"
	WebhookIgnored   = "ignored"
	WebhookUnmatched = "unmatched"
	WebhookDuplicate = "duplicate"
)

// Envelope is a provider callback.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Created int64           `json:"created"`
}

type webhookObject struct {
	Object struct {
		ID               string `json:"id"`
		PaymentIntent    string `json:"payment_intent"`
		LastPaymentError *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"last_payment_error"`
	} `json:"object"`
}

// WebhookResult reports how an envelope was handled.
type WebhookResult struct {
	EventID       string        `json:"event_id"`
	Status        string        `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Event         *Event        `json:"event,omitempty"`
	Retry         *RetryOutcome `json:"retry,omitempty"`
	Message       string        `json:"message,omitempty"`
}

type txTransition struct {
	from      []string
	to        string
	event     EventType
	jobStatus string
}

var webhookTransitions = map[string]txTransition{
	WebhookIntentSucceeded: {from: []string{db.TxPending, db.TxFailed}, to: db.TxCaptured, event: EventPaymentCaptured, jobStatus: JobPaid},
	WebhookIntentFailed:    {from: []string{db.TxPending}, to: db.TxFailed, event: EventPaymentFailed, jobStatus: JobFailed},
	WebhookIntentCanceled:  {from: []string{db.TxPending, db.TxFailed}, to: db.TxVoided, event: EventPaymentVoided, jobStatus: JobUnpaid},
	WebhookChargeRefunded:  {from: []string{db.TxCaptured}, to: db.TxRefunded, event: EventPaymentRefunded, jobStatus: JobRefunded},
}

// Reconciler folds provider callbacks into the transaction records.
type Reconciler struct {
	db      *db.DB
	retrier *Retrier
	log     zerolog.Logger
}

// NewReconciler returns a Reconciler that schedules retries for failed
// captures through retrier.
func NewReconciler(database *db.DB, retrier *Retrier, log zerolog.Logger) *Reconciler {
	return &Reconciler{db: database, retrier: retrier, log: log.With().Str("component", "webhook").Logger()}
}

// Process applies env at most once per event id. Unknown types, unmatched
// transactions and transitions that would move a transaction backwards are
// recorded and otherwise ignored. When applying fails the claim is released,
// so the provider's redelivery runs again.
func (r *Reconciler) Process(ctx context.Context, env Envelope) (*WebhookResult, error) {
	const op = "process webhook"
	if env.ID == "" || env.Type == "" {
		return nil, apperr.Validation(op, "event id and type are required")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	claimed, err := r.db.ClaimWebhookEvent(ctx, env.ID, env.Type, string(payload))
	if err != nil {
		return nil, err
	}
	log := r.log.With().Str("event_id", env.ID).Str("type", env.Type).Logger()
	if !claimed {
		log.Debug().Msg("duplicate webhook ignored")
		return &WebhookResult{EventID: env.ID, Status: WebhookDuplicate}, nil
	}

	res, err := r.apply(ctx, env, log)
	if err != nil {
		if rerr := r.db.ReleaseWebhookEvent(ctx, env.ID); rerr != nil {
			log.Error().Err(rerr).Msg("releasing webhook claim")
		}
		return nil, err
	}
	if err := r.db.FinishWebhookEvent(ctx, env.ID, res.Status); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, env Envelope, log zerolog.Logger) (*WebhookResult, error) {
	res := &WebhookResult{EventID: env.ID}
	tr, ok := webhookTransitions[env.Type]
	if !ok {
		res.Status, res.Message = WebhookIgnored, "unhandled event type"
		log.Info().Msg(res.Message)
		return res, nil
	}

	var obj webhookObject
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &obj); err != nil {
			return nil, apperr.Validation("process webhook", "decode data: %v", err)
		}
	}
	providerID := obj.Object.ID
	if env.Type == WebhookChargeRefunded && obj.Object.PaymentIntent != "" {
		providerID = obj.Object.PaymentIntent
	}
	var tx *db.Transaction
	if providerID != "" {
		var err error
		if tx, err = r.db.GetTransactionByProviderID(ctx, providerID); err != nil {
			return nil, err
		}
	}
	if tx == nil {
		res.Status, res.Message = WebhookUnmatched, "no transaction for "+providerID
		log.Info().Str("provider_id", providerID).Msg("webhook matched no transaction")
		return res, nil
	}
	res.TransactionID = tx.ID

	// A failure already recorded for this transaction only needs its retry
	// or fallback, which is idempotent.
	if tr.to == db.TxFailed && tx.Status == db.TxFailed {
		out, err := r.retrier.SchedulePaymentRetry(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		res.Status, res.Retry, res.Message = WebhookProcessed, out, "failure already recorded"
		log.Info().Str("transaction_id", tx.ID).Msg("failed transaction follow-up resumed")
		return res, nil
	}

	allowed := false
	for _, f := range tr.from {
		if tx.Status == f {
			allowed = true
		}
	}
	if !allowed {
		res.Status, res.Message = WebhookIgnored, fmt.Sprintf("transaction is %s, not moving to %s", tx.Status, tr.to)
		log.Warn().Str("transaction_id", tx.ID).Str("from", tx.Status).Str("to", tr.to).Msg("webhook transition ignored")
		return res, nil
	}

	u := db.TxUpdate{}
	ev := &Event{Type: tr.event, EntityID: tx.JobID, TransactionID: tx.ID, ResourceID: providerID, At: eventTime(env.Created)}
	if tr.to == db.TxFailed {
		u.IncrementRetry = true
		u.FailureCode = "unknown"
		if e := obj.Object.LastPaymentError; e != nil {
			if e.Code != "" {
				u.FailureCode = e.Code
			}
			u.FailureReason = e.Message
		}
		ev.FailureCode, ev.Message, ev.Failed = u.FailureCode, u.FailureReason, true
	}
	moved, err := r.db.TransitionTransaction(ctx, tx.ID, tx.Status, tr.to, u)
	if err != nil {
		return nil, err
	}
	if !moved {
		res.Status, res.Message = WebhookIgnored, "transaction changed concurrently"
		return res, nil
	}
	if err := r.db.SetJobPaymentStatus(ctx, tx.JobID, tr.jobStatus); err != nil {
		return nil, err
	}
	res.Status, res.Event = WebhookProcessed, ev
	log.Info().Str("transaction_id", tx.ID).Str("to", tr.to).Msg("transaction reconciled")

	switch tr.to {
	case db.TxFailed:
		out, err := r.retrier.SchedulePaymentRetry(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		res.Retry = out
	case db.TxCaptured, db.TxVoided:
		n, err := r.db.CancelPendingRetries(ctx, tx.ID, "transaction "+tr.to+" by "+env.Type)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			log.Info().Str("transaction_id", tx.ID).Int("canceled", n).Msg("pending retries canceled")
		}
	}
	return res, nil
}

func eventTime(created int64) time.Time {
	if created <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(created, 0).UTC()
}
