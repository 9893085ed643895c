// Package context defines the structured record a run accumulates as it moves
// through the lead-to-cash stages. Import it as appctx to avoid clashing with
// the standard library.
package context

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the version stamped on every context this build writes.
const SchemaVersion = 1

// Context is the closed, versioned record carried across stages. Every
// sub-record is optional and owned by the stage that produces it.
type Context struct {
	SchemaVersion int          `json:"schema_version"`
	LeadText      string       `json:"lead_text,omitempty"`
	Customer      *Customer    `json:"customer,omitempty"`
	Address       *Address     `json:"address,omitempty"`
	Services      []string     `json:"services,omitempty"`
	Frequency     string       `json:"frequency,omitempty"`
	Location      *Location    `json:"location,omitempty"`
	Quote         *Quote       `json:"quote,omitempty"`
	Schedule      *Schedule    `json:"schedule,omitempty"`
	Simulation    *Simulation  `json:"simulation,omitempty"`
	Feasibility   *Feasibility `json:"feasibility,omitempty"`
	Margin        *Margin      `json:"margin,omitempty"`
	Crew          *Crew        `json:"crew,omitempty"`
	Dispatch      *Dispatch    `json:"dispatch,omitempty"`
	Booking       *Booking     `json:"booking,omitempty"`
	Enrichment    *Enrichment  `json:"enrichment,omitempty"`
}

type Customer struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type Address struct {
	Line1      string `json:"line1,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

// String renders the address on one line for geocoding.
func (a Address) String() string {
	s := a.Line1
	for _, part := range []string{a.City, a.Region, a.PostalCode} {
		if part == "" {
			continue
		}
		if s != "" {
			s += ", "
		}
		s += part
	}
	return s
}

type Location struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	LotSizeSqft float64 `json:"lot_size_sqft,omitempty"`
}

// Quote statuses.
const (
	QuoteSent            = "sent"
	QuoteAccepted        = "accepted"
	QuoteModifyRequested = "modify_requested"
	QuoteDeclined        = "declined"
)

type Quote struct {
	Low         float64  `json:"low"`
	High        float64  `json:"high"`
	Currency    string   `json:"currency"`
	Assumptions []string `json:"assumptions,omitempty"`
	Status      string   `json:"status,omitempty"`
	Revision    int      `json:"revision,omitempty"`
	MessageID   string   `json:"message_id,omitempty"`
	LastReply   string   `json:"last_reply,omitempty"`
}

// Window is a proposed service time slot.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type Schedule struct {
	Proposed  []Window `json:"proposed,omitempty"`
	Selected  *Window  `json:"selected,omitempty"`
	LastReply string   `json:"last_reply,omitempty"`
}

// CrewOption is one scored crew candidate.
type CrewOption struct {
	CrewID        string  `json:"crew_id"`
	CrewName      string  `json:"crew_name,omitempty"`
	DistanceKm    float64 `json:"distance_km"`
	TravelMinutes float64 `json:"travel_minutes"`
	MarginScore   float64 `json:"margin_score"`
	RiskScore     float64 `json:"risk_score"`
	TotalScore    float64 `json:"total_score"`
}

type Simulation struct {
	Options       []CrewOption `json:"options,omitempty"`
	Top           *CrewOption  `json:"top,omitempty"`
	RunnerUpScore float64      `json:"runner_up_score,omitempty"`
}

type Feasibility struct {
	Feasible bool     `json:"feasible"`
	Blockers []string `json:"blockers,omitempty"`
	Forced   bool     `json:"forced,omitempty"`
}

type Margin struct {
	Revenue       float64  `json:"revenue"`
	LaborCost     float64  `json:"labor_cost"`
	TravelCost    float64  `json:"travel_cost"`
	MarginPercent float64  `json:"margin_percent"`
	Warnings      []string `json:"warnings,omitempty"`
	Accepted      bool     `json:"accepted,omitempty"`
	OverrideBy    string   `json:"override_by,omitempty"`
}

// Crew is the crew chosen for the job. LockApprovedBy is set when ops approved
// locking it past the automatic gate.
type Crew struct {
	CrewID         string   `json:"crew_id,omitempty"`
	Locked         bool     `json:"locked"`
	Reasons        []string `json:"reasons,omitempty"`
	ReservationID  string   `json:"reservation_id,omitempty"`
	LockApprovedBy string   `json:"lock_approved_by,omitempty"`
}

type Dispatch struct {
	DispatchID string `json:"dispatch_id"`
	RouteID    string `json:"route_id,omitempty"`
}

type Booking struct {
	BookingID string `json:"booking_id"`
}

// Enrichment carries longitudinal insight read back from memory.
type Enrichment struct {
	PriorJobs       int      `json:"prior_jobs,omitempty"`
	PreferredWindow string   `json:"preferred_window,omitempty"` // "morning" or "afternoon"
	Insights        []string `json:"insights,omitempty"`
}

// New returns an empty context at the current schema version.
func New() Context {
	return Context{SchemaVersion: SchemaVersion}
}

// Parse decodes a stored context. An empty string yields New().
func Parse(s string) (Context, error) {
	if s == "" || s == "{}" {
		return New(), nil
	}
	var c Context
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Context{}, fmt.Errorf("parse context: %w", err)
	}
	if c.SchemaVersion == 0 {
		c.SchemaVersion = SchemaVersion
	}
	return c, nil
}

// JSON encodes the context for storage.
func (c Context) JSON() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode context: %w", err)
	}
	return string(data), nil
}

// Clone returns a deep copy so callers can modify sub-records freely.
func (c Context) Clone() Context {
	data, err := json.Marshal(c)
	if err != nil {
		return c
	}
	var out Context
	if err := json.Unmarshal(data, &out); err != nil {
		return c
	}
	return out
}

// Patch is a partial context. Each non-nil sub-record replaces the stored one
// wholesale; empty scalars and nil slices leave the stored value untouched.
type Patch struct {
	LeadText    string       `json:"lead_text,omitempty"`
	Customer    *Customer    `json:"customer,omitempty"`
	Address     *Address     `json:"address,omitempty"`
	Services    []string     `json:"services,omitempty"`
	Frequency   string       `json:"frequency,omitempty"`
	Location    *Location    `json:"location,omitempty"`
	Quote       *Quote       `json:"quote,omitempty"`
	Schedule    *Schedule    `json:"schedule,omitempty"`
	Simulation  *Simulation  `json:"simulation,omitempty"`
	Feasibility *Feasibility `json:"feasibility,omitempty"`
	Margin      *Margin      `json:"margin,omitempty"`
	Crew        *Crew        `json:"crew,omitempty"`
	Dispatch    *Dispatch    `json:"dispatch,omitempty"`
	Booking     *Booking     `json:"booking,omitempty"`
	Enrichment  *Enrichment  `json:"enrichment,omitempty"`
}

// IsEmpty reports whether the patch would change nothing.
func (p Patch) IsEmpty() bool {
	return p.LeadText == "" && p.Customer == nil && p.Address == nil && p.Services == nil &&
		p.Frequency == "" && p.Location == nil && p.Quote == nil && p.Schedule == nil &&
		p.Simulation == nil && p.Feasibility == nil && p.Margin == nil && p.Crew == nil &&
		p.Dispatch == nil && p.Booking == nil && p.Enrichment == nil
}

// DecodePatch strictly decodes a JSON patch, rejecting unknown fields.
func DecodePatch(data []byte) (Patch, error) {
	var p Patch
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Patch{}, fmt.Errorf("decode context patch: %w", err)
	}
	return p, nil
}

// Merge returns a copy of c with p applied. c is not modified.
func (c Context) Merge(p Patch) Context {
	out := c.Clone()
	if p.LeadText != "" {
		out.LeadText = p.LeadText
	}
	if p.Customer != nil {
		out.Customer = p.Customer
	}
	if p.Address != nil {
		out.Address = p.Address
	}
	if p.Services != nil {
		out.Services = p.Services
	}
	if p.Frequency != "" {
		out.Frequency = p.Frequency
	}
	if p.Location != nil {
		out.Location = p.Location
	}
	if p.Quote != nil {
		out.Quote = p.Quote
	}
	if p.Schedule != nil {
		out.Schedule = p.Schedule
	}
	if p.Simulation != nil {
		out.Simulation = p.Simulation
	}
	if p.Feasibility != nil {
		out.Feasibility = p.Feasibility
	}
	if p.Margin != nil {
		out.Margin = p.Margin
	}
	if p.Crew != nil {
		out.Crew = p.Crew
	}
	if p.Dispatch != nil {
		out.Dispatch = p.Dispatch
	}
	if p.Booking != nil {
		out.Booking = p.Booking
	}
	if p.Enrichment != nil {
		out.Enrichment = p.Enrichment
	}
	out.SchemaVersion = SchemaVersion
	return out
}
