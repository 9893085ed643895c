// Package memory keeps longitudinal notes about customers and reads them
// back to enrich new runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	appctx "github.com/lucasnoah/leadflow/internal/context"
	"github.com/lucasnoah/leadflow/internal/db"
)

// RunRef identifies the run a memory is written for.
type RunRef struct {
	ID         string
	BusinessID string
	CustomerID string
}

// Outcome summarizes how a stage ended.
type Outcome struct {
	Advanced bool   `json:"advanced"`
	Status   string `json:"status"`
	Notes    string `json:"notes,omitempty"`
}

// WriteResult reports what a write produced.
type WriteResult struct {
	CustomerID      string
	MemoriesWritten int
}

// Collaborator is the memory side channel. Both operations are best-effort:
// callers log failures and carry on.
type Collaborator interface {
	WriteForStage(ctx context.Context, run RunRef, stage string, c appctx.Context, out Outcome) (*WriteResult, error)
	Enrich(ctx context.Context, businessID string, c appctx.Context) (appctx.Context, error)
}

// KeyStages are the stages whose outcome is worth remembering.
var KeyStages = map[string]bool{
	"LEAD_INTAKE":   true,
	"QUOTE_CONFIRM": true,
	"CREW_LOCK":     true,
	"JOB_BOOKED":    true,
}

// Store is a Collaborator backed by the memory_records table.
type Store struct {
	db *db.DB
}

// NewStore creates a DB-backed memory store.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// CustomerKey picks a stable identity for the customer: the explicit id when
// known, otherwise the normalized phone or email.
func CustomerKey(customerID string, c appctx.Context) string {
	if customerID != "" {
		return customerID
	}
	if c.Customer == nil {
		return ""
	}
	switch {
	case c.Customer.ID != "":
		return c.Customer.ID
	case c.Customer.Phone != "":
		return "phone:" + strings.Map(func(r rune) rune {
			if (r >= '0' && r <= '9') || r == '+' {
				return r
			}
			return -1
		}, c.Customer.Phone)
	case c.Customer.Email != "":
		return "email:" + strings.ToLower(strings.TrimSpace(c.Customer.Email))
	}
	return ""
}

type leadNote struct {
	Services  []string `json:"services"`
	Frequency string   `json:"frequency,omitempty"`
}

type quoteNote struct {
	Status string  `json:"status"`
	Low    float64 `json:"low"`
	High   float64 `json:"high"`
}

type crewNote struct {
	CrewID string `json:"crew_id"`
	Locked bool   `json:"locked"`
}

type bookingNote struct {
	BookingID string `json:"booking_id"`
	Weekday   string `json:"weekday,omitempty"`
	Part      string `json:"part,omitempty"`
}

// WriteForStage records one memory for a key stage. Other stages are ignored.
func (s *Store) WriteForStage(ctx context.Context, run RunRef, stage string, c appctx.Context, out Outcome) (*WriteResult, error) {
	key := CustomerKey(run.CustomerID, c)
	res := &WriteResult{CustomerID: key}
	if !KeyStages[stage] || key == "" {
		return res, nil
	}

	var (
		kind string
		note any
	)
	switch stage {
	case "LEAD_INTAKE":
		kind, note = "lead", leadNote{Services: c.Services, Frequency: c.Frequency}
	case "QUOTE_CONFIRM":
		if c.Quote == nil {
			return res, nil
		}
		kind, note = "quote_outcome", quoteNote{Status: c.Quote.Status, Low: c.Quote.Low, High: c.Quote.High}
	case "CREW_LOCK":
		if c.Crew == nil {
			return res, nil
		}
		kind, note = "crew", crewNote{CrewID: c.Crew.CrewID, Locked: c.Crew.Locked}
	case "JOB_BOOKED":
		if c.Booking == nil {
			return res, nil
		}
		bn := bookingNote{BookingID: c.Booking.BookingID}
		if c.Schedule != nil && c.Schedule.Selected != nil {
			start := c.Schedule.Selected.Start
			bn.Weekday = strings.ToLower(start.Weekday().String())
			bn.Part = "morning"
			if start.Hour() >= 12 {
				bn.Part = "afternoon"
			}
		}
		kind, note = "booking", bn
	}

	content, err := json.Marshal(note)
	if err != nil {
		return nil, fmt.Errorf("encode memory: %w", err)
	}
	rec := &db.MemoryRecord{
		ID:         uuid.NewString(),
		BusinessID: run.BusinessID,
		CustomerID: key,
		RunID:      run.ID,
		Stage:      stage,
		Kind:       kind,
		Content:    string(content),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.InsertMemoryRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("write memory: %w", err)
	}
	res.MemoriesWritten = 1
	return res, nil
}

// Enrich returns c with an Enrichment built from the customer's history.
// A customer with no history gets c back unchanged.
func (s *Store) Enrich(ctx context.Context, businessID string, c appctx.Context) (appctx.Context, error) {
	key := CustomerKey("", c)
	if key == "" {
		return c, nil
	}
	recs, err := s.db.ListMemoryRecords(ctx, businessID, key, 100)
	if err != nil {
		return c, fmt.Errorf("read memory: %w", err)
	}
	if len(recs) == 0 {
		return c, nil
	}

	e := summarize(recs)
	out := c.Clone()
	out.Enrichment = &e
	return out, nil
}

func summarize(recs []db.MemoryRecord) appctx.Enrichment {
	var e appctx.Enrichment
	parts := map[string]int{}
	declined := 0
	var lastServices []string

	for _, r := range recs {
		switch r.Kind {
		case "booking":
			var bn bookingNote
			if json.Unmarshal([]byte(r.Content), &bn) == nil {
				e.PriorJobs++
				if bn.Part != "" {
					parts[bn.Part]++
				}
			}
		case "quote_outcome":
			var qn quoteNote
			if json.Unmarshal([]byte(r.Content), &qn) == nil && qn.Status == appctx.QuoteDeclined {
				declined++
			}
		case "lead":
			var ln leadNote
			if lastServices == nil && json.Unmarshal([]byte(r.Content), &ln) == nil {
				lastServices = ln.Services
			}
		}
	}

	if parts["morning"] > parts["afternoon"] {
		e.PreferredWindow = "morning"
	} else if parts["afternoon"] > parts["morning"] {
		e.PreferredWindow = "afternoon"
	}
	if e.PriorJobs > 0 {
		e.Insights = append(e.Insights, fmt.Sprintf("returning customer with %d booked jobs", e.PriorJobs))
	}
	if declined > 0 {
		e.Insights = append(e.Insights, fmt.Sprintf("declined %d earlier quotes", declined))
	}
	if len(lastServices) > 0 {
		e.Insights = append(e.Insights, "last asked for "+strings.Join(lastServices, ", "))
	}
	return e
}
