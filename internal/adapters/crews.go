package adapters

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	appctx "github.com/lucasnoah/leadflow/internal/context"
	"github.com/lucasnoah/leadflow/internal/stage"
)

// CrewFile is the YAML layout of a crew roster.
type CrewFile struct {
	Crews []stage.CrewInfo `yaml:"crews"`
}

// CrewDirectory is an in-memory roster that books reserved hours against
// each crew's daily capacity.
type CrewDirectory struct {
	mu    sync.Mutex
	crews []stage.CrewInfo
}

// NewCrewDirectory serves crews. Inactive crews are listed but cannot be
// reserved.
func NewCrewDirectory(crews []stage.CrewInfo) *CrewDirectory {
	return &CrewDirectory{crews: append([]stage.CrewInfo(nil), crews...)}
}

// LoadCrewDirectory reads a roster file. An empty path yields the built-in
// sandbox roster around lat/lng.
func LoadCrewDirectory(path string, lat, lng float64) (*CrewDirectory, error) {
	if path == "" {
		return NewCrewDirectory(DefaultCrews(lat, lng)), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading crew roster: %w", err)
	}
	var f CrewFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing crew roster: %w", err)
	}
	seen := map[string]bool{}
	for i, c := range f.Crews {
		if c.ID == "" {
			return nil, fmt.Errorf("crew %d: id is required", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("crew %d: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
	}
	return NewCrewDirectory(f.Crews), nil
}

// DefaultCrews is a three-crew roster that covers the default service
// catalog.
func DefaultCrews(lat, lng float64) []stage.CrewInfo {
	return []stage.CrewInfo{
		{
			ID:                 "crew-north",
			Name:               "North Crew",
			Active:             true,
			Skills:             []string{"mowing", "trimming", "cleanup", "weeding"},
			Equipment:          []string{"mower", "trimmer", "blower"},
			BaseLat:            lat + 0.08,
			BaseLng:            lng,
			RadiusKm:           35,
			DailyCapacityHours: 8,
			HourlyCost:         32,
		},
		{
			ID:                 "crew-south",
			Name:               "South Crew",
			Active:             true,
			Skills:             []string{"mowing", "cleanup", "weeding"},
			Equipment:          []string{"mower", "blower"},
			BaseLat:            lat - 0.08,
			BaseLng:            lng,
			RadiusKm:           35,
			DailyCapacityHours: 8,
			HourlyCost:         28,
		},
		{
			ID:                 "crew-hedge",
			Name:               "Hedge Specialists",
			Active:             true,
			Skills:             []string{"trimming"},
			Equipment:          []string{"trimmer"},
			BaseLat:            lat,
			BaseLng:            lng + 0.05,
			RadiusKm:           25,
			DailyCapacityHours: 6,
			HourlyCost:         36,
		},
	}
}

func (d *CrewDirectory) ListCrews(ctx context.Context, businessID string) ([]stage.CrewInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]stage.CrewInfo(nil), d.crews...), nil
}

// Reserve books the window's hours on the crew.
func (d *CrewDirectory) Reserve(ctx context.Context, crewID, jobID string, w appctx.Window) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.crews {
		c := &d.crews[i]
		if c.ID != crewID {
			continue
		}
		if !c.Active {
			return "", fmt.Errorf("crew %s is inactive", crewID)
		}
		hours := w.End.Sub(w.Start).Hours()
		if hours <= 0 {
			hours = 1
		}
		if c.DailyCapacityHours > 0 && c.BookedHours+hours > c.DailyCapacityHours {
			return "", fmt.Errorf("crew %s has %.1fh left, need %.1fh", crewID, c.DailyCapacityHours-c.BookedHours, hours)
		}
		c.BookedHours += hours
		return "res-" + uuid.NewString(), nil
	}
	return "", fmt.Errorf("crew %s not found", crewID)
}

// Dispatcher issues sandbox dispatch orders.
type Dispatcher struct{}

func (Dispatcher) CreateDispatch(ctx context.Context, req stage.DispatchRequest) (*appctx.Dispatch, error) {
	if req.JobID == "" || req.CrewID == "" {
		return nil, fmt.Errorf("dispatch needs a job and a crew")
	}
	return &appctx.Dispatch{
		DispatchID: "dsp-" + uuid.NewString(),
		RouteID:    fmt.Sprintf("route-%s-%s", req.CrewID, req.Window.Start.Format("20060102")),
	}, nil
}

// BookingSystem records bookings in memory.
type BookingSystem struct {
	mu       sync.Mutex
	bookings map[string]stage.BookingRequest
}

// NewBookingSystem returns an empty booking ledger.
func NewBookingSystem() *BookingSystem {
	return &BookingSystem{bookings: map[string]stage.BookingRequest{}}
}

// Book is idempotent per job: booking the same job again returns its
// existing booking id.
func (b *BookingSystem) Book(ctx context.Context, req stage.BookingRequest) (string, error) {
	if req.JobID == "" {
		return "", fmt.Errorf("booking needs a job id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, existing := range b.bookings {
		if existing.JobID == req.JobID {
			return id, nil
		}
	}
	id := "bk-" + uuid.NewString()
	b.bookings[id] = req
	return id, nil
}
