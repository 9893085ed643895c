package context

import (
	"fmt"
	"strings"
)

// ValidationError represents a single schema violation in a context.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Frequencies a lead may request.
var Frequencies = map[string]bool{
	"one_time": true,
	"weekly":   true,
	"biweekly": true,
	"monthly":  true,
}

var quoteStatuses = map[string]bool{
	"":                   true,
	QuoteSent:            true,
	QuoteAccepted:        true,
	QuoteModifyRequested: true,
	QuoteDeclined:        true,
}

// Validate checks the context against its schema.
// It returns a slice of all validation errors found (empty if valid).
func (c Context) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.SchemaVersion != SchemaVersion {
		add("schema_version", "unsupported version %d", c.SchemaVersion)
	}
	if c.Customer != nil && c.Customer.Email != "" && !strings.Contains(c.Customer.Email, "@") {
		add("customer.email", "invalid email %q", c.Customer.Email)
	}
	for i, s := range c.Services {
		if strings.TrimSpace(s) == "" {
			add(fmt.Sprintf("services[%d]", i), "must not be blank")
		}
	}
	if c.Frequency != "" && !Frequencies[c.Frequency] {
		add("frequency", "unknown frequency %q", c.Frequency)
	}
	if l := c.Location; l != nil {
		if l.Lat < -90 || l.Lat > 90 {
			add("location.lat", "out of range: %v", l.Lat)
		}
		if l.Lng < -180 || l.Lng > 180 {
			add("location.lng", "out of range: %v", l.Lng)
		}
		if l.LotSizeSqft < 0 {
			add("location.lot_size_sqft", "must be non-negative")
		}
	}
	if q := c.Quote; q != nil {
		if q.Low < 0 || q.High < q.Low {
			add("quote", "invalid price range [%v, %v]", q.Low, q.High)
		}
		if len(q.Currency) != 3 {
			add("quote.currency", "must be a 3-letter code")
		}
		if !quoteStatuses[q.Status] {
			add("quote.status", "unknown status %q", q.Status)
		}
	}
	if s := c.Schedule; s != nil {
		for i, w := range s.Proposed {
			if !w.End.After(w.Start) {
				add(fmt.Sprintf("schedule.proposed[%d]", i), "end must be after start")
			}
		}
		if s.Selected != nil && !s.Selected.End.After(s.Selected.Start) {
			add("schedule.selected", "end must be after start")
		}
	}
	if s := c.Simulation; s != nil {
		for i := 1; i < len(s.Options); i++ {
			if s.Options[i].TotalScore > s.Options[i-1].TotalScore {
				add("simulation.options", "must be ranked by total score descending")
				break
			}
		}
		if s.Top != nil && len(s.Options) > 0 && s.Top.CrewID != s.Options[0].CrewID {
			add("simulation.top", "must be the highest ranked option")
		}
	}
	if m := c.Margin; m != nil && m.Revenue < 0 {
		add("margin.revenue", "must be non-negative")
	}
	if cr := c.Crew; cr != nil && cr.Locked && cr.CrewID == "" {
		add("crew.crew_id", "required when locked")
	}
	if d := c.Dispatch; d != nil && d.DispatchID == "" {
		add("dispatch.dispatch_id", "is required")
	}
	if b := c.Booking; b != nil && b.BookingID == "" {
		add("booking.booking_id", "is required")
	}
	return errs
}
