package payment

import (
	"context"

	"github.com/google/uuid"

	"github.com/lucasnoah/leadflow/internal/apperr"
	"github.com/lucasnoah/leadflow/internal/db"
)

// AddMethodOpts describes a tokenized instrument to put on file.
type AddMethodOpts struct {
	BusinessID    string
	CustomerID    string
	Token         string
	Kind          string
	Brand         string
	Last4         string
	MakePreferred bool
}

// AddPaymentMethod tokenizes a method with the provider and stores it for
// the customer, creating the provider customer first when needed.
func (e *Executor) AddPaymentMethod(ctx context.Context, opts AddMethodOpts) (*db.PaymentMethod, error) {
	const op = "add payment method"
	if opts.BusinessID == "" || opts.CustomerID == "" || opts.Token == "" {
		return nil, apperr.Validation(op, "business id, customer id and token are required")
	}
	if opts.Kind == "" {
		opts.Kind = "card"
	}
	p, err := e.providerCustomer(ctx, op, opts.BusinessID, opts.CustomerID)
	if err != nil {
		return nil, err
	}
	res, err := e.provider.CreatePaymentMethod(ctx, MethodRequest{
		ProviderCustomerID: p.ProviderCustomerID,
		Token:              opts.Token,
		Kind:               opts.Kind,
	})
	if perr := providerErr(op, res, err); perr != nil {
		return nil, perr
	}
	m := &db.PaymentMethod{
		ID:               uuid.NewString(),
		CustomerID:       opts.CustomerID,
		BusinessID:       opts.BusinessID,
		Kind:             opts.Kind,
		Brand:            opts.Brand,
		Last4:            opts.Last4,
		ProviderMethodID: res.ID,
	}
	if err := e.db.InsertPaymentMethod(ctx, m); err != nil {
		return nil, err
	}
	if opts.MakePreferred {
		p.PreferredMethodID = m.ID
		if err := e.db.UpsertPaymentProfile(ctx, p); err != nil {
			return nil, err
		}
	}
	e.log.Info().Str("customer_id", opts.CustomerID).Str("method_id", m.ID).Msg("payment method added")
	return m, nil
}

// GrantConsent records a consent on the customer's profile. Granting a
// consent already held is a no-op.
func (e *Executor) GrantConsent(ctx context.Context, businessID, customerID, kind, source string) (*db.PaymentProfile, error) {
	const op = "grant consent"
	if businessID == "" || customerID == "" || kind == "" {
		return nil, apperr.Validation(op, "business id, customer id and consent kind are required")
	}
	p, err := e.profile(ctx, op, businessID, customerID)
	if err != nil {
		return nil, err
	}
	if hasConsent(p, kind) {
		return p, nil
	}
	p.Consents = append(p.Consents, db.Consent{Kind: kind, GrantedAt: e.now(), Source: source})
	if err := e.db.UpsertPaymentProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
