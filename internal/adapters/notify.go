package adapters

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appctx "github.com/lucasnoah/leadflow/internal/context"
	"github.com/lucasnoah/leadflow/internal/message"
	"github.com/lucasnoah/leadflow/internal/payment"
)

// Sent is one rendered outbound message.
type Sent struct {
	ID       string
	To       string
	Template string
	Body     string
}

// Outbox renders message templates and records what it sends. It logs each
// message instead of delivering it.
type Outbox struct {
	store *message.Store
	log   zerolog.Logger

	mu   sync.Mutex
	sent []Sent
}

// NewOutbox renders through store.
func NewOutbox(store *message.Store, log zerolog.Logger) *Outbox {
	return &Outbox{store: store, log: log}
}

// Sent returns a copy of every message sent so far.
func (o *Outbox) Sent() []Sent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Sent(nil), o.sent...)
}

func (o *Outbox) send(to, tmpl string, vars message.Vars) (string, error) {
	body, err := o.store.Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("rendering %s: %w", tmpl, err)
	}
	id := "msg-" + uuid.NewString()
	o.mu.Lock()
	o.sent = append(o.sent, Sent{ID: id, To: to, Template: tmpl, Body: body})
	o.mu.Unlock()
	o.log.Info().Str("message_id", id).Str("to", to).Str("template", tmpl).Msg(body)
	return id, nil
}

func address(c appctx.Customer) string {
	switch {
	case c.Phone != "":
		return c.Phone
	case c.Email != "":
		return c.Email
	default:
		return c.ID
	}
}

// RequestDetails asks the customer for the fields intake could not find.
func (o *Outbox) RequestDetails(ctx context.Context, to appctx.Customer, missing []string) (string, error) {
	return o.send(address(to), message.DetailsRequest, message.Vars{
		"name":    to.Name,
		"missing": strings.Join(missing, ", "),
	})
}

func (o *Outbox) SendQuote(ctx context.Context, to appctx.Customer, q appctx.Quote) (string, error) {
	return o.send(address(to), message.Quote, message.Vars{
		"name":        to.Name,
		"low":         strconv.FormatFloat(q.Low, 'f', 2, 64),
		"high":        strconv.FormatFloat(q.High, 'f', 2, 64),
		"currency":    q.Currency,
		"assumptions": strings.Join(q.Assumptions, "; "),
	})
}

func (o *Outbox) SendScheduleOptions(ctx context.Context, to appctx.Customer, windows []appctx.Window) (string, error) {
	lines := make([]string, len(windows))
	for i, w := range windows {
		lines[i] = fmt.Sprintf("%d) %s - %s", i+1, w.Start.Format("Mon Jan 2 3:04PM"), w.End.Format(time.Kitchen))
	}
	return o.send(address(to), message.ScheduleOptions, message.Vars{"windows": strings.Join(lines, "\n")})
}

func recipient(to payment.Recipient) string {
	return to.BusinessID + "/" + to.CustomerID + " via " + to.Channel
}

// Cents formats a minor-unit amount as a decimal string.
func Cents(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

func (o *Outbox) SendPaymentLink(ctx context.Context, to payment.Recipient, url string, amount int64, currency string) error {
	_, err := o.send(recipient(to), message.PaymentLink, message.Vars{
		"amount":   Cents(amount),
		"currency": currency,
		"url":      url,
	})
	return err
}

func (o *Outbox) SendPaymentSetupLink(ctx context.Context, to payment.Recipient, url string) error {
	_, err := o.send(recipient(to), message.PaymentSetupLink, message.Vars{"url": url})
	return err
}

func (o *Outbox) SendPaymentConfirmation(ctx context.Context, to payment.Recipient, amount int64, currency string) error {
	_, err := o.send(recipient(to), message.PaymentConfirmation, message.Vars{
		"amount":   Cents(amount),
		"currency": currency,
	})
	return err
}

func (o *Outbox) SendPaymentFailureNotification(ctx context.Context, to payment.Recipient, reason string) error {
	_, err := o.send(recipient(to), message.PaymentFailure, message.Vars{"reason": reason})
	return err
}
