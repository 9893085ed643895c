package stage

import (
	"context"
	"fmt"
	"strings"

	appctx "github.com/lucasnoah/leadflow/internal/context"
)

// LeadIntakeEvaluator turns free-form lead text into customer, address and
// service fields, then geocodes the address.
type LeadIntakeEvaluator struct {
	extractor Extractor
	geocoder  Geocoder
	messenger Messenger
}

// NewLeadIntake creates the LEAD_INTAKE evaluator.
func NewLeadIntake(ex Extractor, geo Geocoder, msg Messenger) *LeadIntakeEvaluator {
	return &LeadIntakeEvaluator{extractor: ex, geocoder: geo, messenger: msg}
}

func (e *LeadIntakeEvaluator) Name() string { return "lead_intake" }
func (e *LeadIntakeEvaluator) Stage() Stage { return LeadIntake }

type intakeOutput struct {
	Extraction *Extraction `json:"extraction,omitempty"`
	Missing    []string    `json:"missing,omitempty"`
	Geocoded   bool        `json:"geocoded"`
	MessageID  string      `json:"message_id,omitempty"`
}

func (e *LeadIntakeEvaluator) Evaluate(ctx context.Context, in Input) (*Result, error) {
	c := in.Context.Clone()
	out := &intakeOutput{}

	if strings.TrimSpace(c.LeadText) != "" {
		ex, err := e.extractor.ExtractLead(ctx, c.LeadText)
		if err != nil {
			return nil, fmt.Errorf("extract lead: %w", err)
		}
		out.Extraction = ex
		fillFromExtraction(&c, ex)
	}

	var patch appctx.Patch
	patch.Customer = c.Customer
	patch.Address = c.Address
	patch.Services = c.Services
	patch.Frequency = c.Frequency

	missing := missingIntakeFields(c)
	out.Missing = missing
	if len(missing) > 0 {
		to := appctx.Customer{}
		if c.Customer != nil {
			to = *c.Customer
		}
		if to.Phone != "" || to.Email != "" {
			id, err := e.messenger.RequestDetails(ctx, to, missing)
			if err != nil {
				return nil, fmt.Errorf("request lead details: %w", err)
			}
			out.MessageID = id
		}
		return &Result{
			Output:   out,
			Patch:    patch,
			Decision: waitFor(WaitCustomer, Low, "missing: "+strings.Join(missing, ", ")),
		}, nil
	}

	if c.Location == nil {
		loc, err := e.geocoder.Geocode(ctx, *c.Address)
		if err != nil {
			return nil, fmt.Errorf("geocode address: %w", err)
		}
		if out.Extraction != nil && out.Extraction.LotSize > 0 {
			loc.LotSizeSqft = out.Extraction.LotSize
		}
		patch.Location = loc
		out.Geocoded = true
	}
	if patch.Frequency == "" {
		patch.Frequency = "one_time"
	}

	return &Result{
		Output:   out,
		Patch:    patch,
		Decision: advance(High, "lead complete"),
	}, nil
}

// fillFromExtraction copies extracted values into fields the context does
// not already hold.
func fillFromExtraction(c *appctx.Context, ex *Extraction) {
	if c.Customer == nil {
		c.Customer = &appctx.Customer{}
	}
	cu := c.Customer
	if cu.Name == "" {
		cu.Name = ex.Customer.Name
	}
	if cu.Phone == "" {
		cu.Phone = ex.Customer.Phone
	}
	if cu.Email == "" {
		cu.Email = ex.Customer.Email
	}
	if cu.ID == "" {
		cu.ID = ex.Customer.ID
	}

	if c.Address == nil && ex.Address.Line1 != "" {
		a := ex.Address
		c.Address = &a
	}
	if len(c.Services) == 0 && len(ex.Services) > 0 {
		c.Services = ex.Services
	}
	if c.Frequency == "" && appctx.Frequencies[ex.Frequency] {
		c.Frequency = ex.Frequency
	}
}

func missingIntakeFields(c appctx.Context) []string {
	var missing []string
	if c.Customer == nil || c.Customer.Name == "" {
		missing = append(missing, "name")
	}
	if c.Customer == nil || (c.Customer.Phone == "" && c.Customer.Email == "") {
		missing = append(missing, "contact")
	}
	if c.Address == nil || c.Address.Line1 == "" {
		missing = append(missing, "address")
	}
	if len(c.Services) == 0 {
		missing = append(missing, "services")
	}
	return missing
}
