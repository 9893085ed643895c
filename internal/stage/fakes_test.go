package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/lucasnoah/leadflow/internal/config"
	appctx "github.com/lucasnoah/leadflow/internal/context"
)

type fakeExtractor struct {
	ex  *Extraction
	err error
}

func (f *fakeExtractor) ExtractLead(ctx context.Context, text string) (*Extraction, error) {
	return f.ex, f.err
}

type fakeGeocoder struct {
	loc   appctx.Location
	calls int
}

func (f *fakeGeocoder) Geocode(ctx context.Context, addr appctx.Address) (*appctx.Location, error) {
	f.calls++
	loc := f.loc
	return &loc, nil
}

type fakeMessenger struct {
	sent []string
	err  error
}

func (f *fakeMessenger) RequestDetails(ctx context.Context, to appctx.Customer, missing []string) (string, error) {
	f.sent = append(f.sent, "details")
	return "msg-details", f.err
}

func (f *fakeMessenger) SendQuote(ctx context.Context, to appctx.Customer, q appctx.Quote) (string, error) {
	f.sent = append(f.sent, "quote")
	return fmt.Sprintf("msg-quote-%d", q.Revision), f.err
}

func (f *fakeMessenger) SendScheduleOptions(ctx context.Context, to appctx.Customer, windows []appctx.Window) (string, error) {
	f.sent = append(f.sent, "schedule")
	return "msg-schedule", f.err
}

type fakeCrews struct {
	crews    []CrewInfo
	reserved []string
	refuse   error
}

func (f *fakeCrews) ListCrews(ctx context.Context, businessID string) ([]CrewInfo, error) {
	return f.crews, nil
}

func (f *fakeCrews) Reserve(ctx context.Context, crewID, jobID string, w appctx.Window) (string, error) {
	if findCrew(f.crews, crewID) == nil {
		return "", errors.New("unknown crew")
	}
	if f.refuse != nil {
		return "", f.refuse
	}
	f.reserved = append(f.reserved, crewID)
	return "res-" + crewID, nil
}

func testConfig() *config.Config {
	return config.Default()
}

func crew(id string, lat, lng float64) CrewInfo {
	return CrewInfo{
		ID: id, Name: "Crew " + id, Active: true,
		Skills:    []string{"mowing", "trimming", "cleanup", "weeding"},
		Equipment: []string{"mower", "trimmer", "blower"},
		BaseLat:   lat, BaseLng: lng,
		RadiusKm: 40, DailyCapacityHours: 8, HourlyCost: 30,
	}
}
