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

type handlerFunc func(ctx context.Context, cmd Command) (*Event, error)

// handle adapts a typed handler to the table. A command of the wrong type is
// an internal error.
func handle[C Command](fn func(context.Context, C) (*Event, error)) handlerFunc {
	return func(ctx context.Context, cmd Command) (*Event, error) {
		c, ok := cmd.(C)
		if !ok {
			return nil, apperr.E(apperr.KindInternal, "dispatch", "handler for %s got %T", cmd.Kind(), cmd)
		}
		return fn(ctx, c)
	}
}

// Executor is the single entry point for payment commands. Each idempotency
// key mutates state at most once.
type Executor struct {
	db       *db.DB
	provider Provider
	notifier Notifier
	log      zerolog.Logger
	handlers map[Kind]handlerFunc
	now      func() time.Time
}

// NewExecutor builds an executor and checks that every command kind has a
// handler.
func NewExecutor(database *db.DB, provider Provider, notifier Notifier, log zerolog.Logger) (*Executor, error) {
	e := &Executor{
		db:       database,
		provider: provider,
		notifier: notifier,
		log:      log.With().Str("component", "payment_executor").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	e.handlers = map[Kind]handlerFunc{
		KindRequestPaymentSetup:       handle(e.requestPaymentSetup),
		KindCreatePaymentSession:      handle(e.createPaymentSession),
		KindSetPreferredPaymentMethod: handle(e.setPreferredPaymentMethod),
		KindEnableAutopay:             handle(e.enableAutopay),
		KindCapturePayment:            handle(e.capturePayment),
		KindSendTextToPayLink:         handle(e.sendTextToPayLink),
		KindCreateInvoice:             handle(e.createInvoice),
		KindCreateHumanTask:           handle(e.createHumanTask),
	}
	if err := validateHandlers(e.handlers); err != nil {
		return nil, err
	}
	return e, nil
}

func validateHandlers(h map[Kind]handlerFunc) error {
	for _, k := range Kinds {
		if h[k] == nil {
			return fmt.Errorf("no handler registered for command %s", k)
		}
	}
	if len(h) != len(Kinds) {
		return fmt.Errorf("handler table has %d entries for %d command kinds", len(h), len(Kinds))
	}
	return nil
}

// Execute validates cmd, claims its idempotency key and runs its handler. A
// key that already finished returns the stored event marked Skipped. A key
// still in flight is a state conflict.
func (e *Executor) Execute(ctx context.Context, cmd Command) (*Event, error) {
	if cmd == nil {
		return nil, apperr.Validation("execute command", "command is nil")
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	m := cmd.Meta()
	log := e.log.With().Str("kind", string(cmd.Kind())).Str("entity_id", m.EntityID).Str("trace_id", m.TraceID).Logger()

	claimed, existing, err := e.db.ClaimCommand(ctx, m.IdempotencyKey, string(cmd.Kind()), m.EntityID, m.TraceID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if existing.Status == db.CommandInFlight {
			return nil, apperr.Conflict("execute command", "command %s is already in flight", m.IdempotencyKey)
		}
		var ev Event
		if err := json.Unmarshal([]byte(existing.Event), &ev); err != nil {
			return nil, fmt.Errorf("decode stored event: %w", err)
		}
		ev.Skipped = true
		log.Debug().Msg("command already executed, returning stored event")
		return &ev, nil
	}

	ev, herr := e.dispatch(ctx, cmd)
	if ev == nil {
		ev = &Event{Type: EventCommandFailed, Failed: true}
		if herr != nil {
			ev.Message = herr.Error()
		}
	}
	ev.CommandKind = cmd.Kind()
	ev.IdempotencyKey = m.IdempotencyKey
	ev.EntityID = m.EntityID
	if ev.At.IsZero() {
		ev.At = e.now()
	}

	status, errMsg := db.CommandCompleted, ""
	if herr != nil || ev.Failed {
		status = db.CommandFailed
		ev.Failed = true
		if herr != nil {
			errMsg = herr.Error()
		}
	}
	data, _ := json.Marshal(ev)
	if err := e.db.FinishCommand(ctx, m.IdempotencyKey, status, string(data), errMsg); err != nil {
		return nil, err
	}
	if herr != nil {
		log.Warn().Err(herr).Str("event", string(ev.Type)).Msg("command failed")
		return ev, herr
	}
	log.Info().Str("event", string(ev.Type)).Msg("command executed")
	return ev, nil
}

// dispatch runs the handler for cmd, converting a panic into an error.
func (e *Executor) dispatch(ctx context.Context, cmd Command) (ev *Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev, err = nil, apperr.E(apperr.KindInternal, "execute "+string(cmd.Kind()), "handler panic: %v", r)
		}
	}()
	h, ok := e.handlers[cmd.Kind()]
	if !ok {
		return nil, apperr.Validation("execute command", "unknown command kind %q", cmd.Kind())
	}
	return h(ctx, cmd)
}

func (e *Executor) notify(kind string, err error) {
	if err != nil {
		e.log.Warn().Err(err).Str("notification", kind).Msg("notification failed")
	}
}
