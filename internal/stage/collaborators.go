package stage

import (
	"context"

	appctx "github.com/lucasnoah/leadflow/internal/context"
)

// Extraction is what a language model pulls out of free-form lead text.
type Extraction struct {
	Customer  appctx.Customer `json:"customer"`
	Address   appctx.Address  `json:"address"`
	Services  []string        `json:"services"`
	Frequency string          `json:"frequency"`
	LotSize   float64         `json:"lot_size_sqft"`
}

// Extractor parses a lead's text.
type Extractor interface {
	ExtractLead(ctx context.Context, text string) (*Extraction, error)
}

// Geocoder resolves an address to coordinates and lot size.
type Geocoder interface {
	Geocode(ctx context.Context, addr appctx.Address) (*appctx.Location, error)
}

// Messenger sends outbound customer messages and returns a message id.
type Messenger interface {
	RequestDetails(ctx context.Context, to appctx.Customer, missing []string) (string, error)
	SendQuote(ctx context.Context, to appctx.Customer, q appctx.Quote) (string, error)
	SendScheduleOptions(ctx context.Context, to appctx.Customer, windows []appctx.Window) (string, error)
}

// ReplyIntent is the classified meaning of a customer's reply to a quote.
type ReplyIntent string

const (
	IntentAccept    ReplyIntent = "accept"
	IntentModify    ReplyIntent = "modify"
	IntentDecline   ReplyIntent = "decline"
	IntentAmbiguous ReplyIntent = "ambiguous"
)

// Classification is a classified reply with its confidence in [0, 1].
type Classification struct {
	Intent     ReplyIntent `json:"intent"`
	Confidence float64     `json:"confidence"`
	Source     string      `json:"source"`
}

// ReplyClassifier classifies a customer's reply to a quote.
type ReplyClassifier interface {
	ClassifyReply(ctx context.Context, reply string) (*Classification, error)
}

// CrewInfo is a crew as the directory describes it.
type CrewInfo struct {
	ID                 string   `json:"id" yaml:"id"`
	Name               string   `json:"name" yaml:"name"`
	Active             bool     `json:"active" yaml:"active"`
	Skills             []string `json:"skills" yaml:"skills"`
	Equipment          []string `json:"equipment" yaml:"equipment"`
	BaseLat            float64  `json:"base_lat" yaml:"base_lat"`
	BaseLng            float64  `json:"base_lng" yaml:"base_lng"`
	RadiusKm           float64  `json:"radius_km" yaml:"radius_km"`
	DailyCapacityHours float64  `json:"daily_capacity_hours" yaml:"daily_capacity_hours"`
	BookedHours        float64  `json:"booked_hours" yaml:"booked_hours"`
	HourlyCost         float64  `json:"hourly_cost" yaml:"hourly_cost"`
}

// CrewDirectory lists crews and holds reservations.
type CrewDirectory interface {
	ListCrews(ctx context.Context, businessID string) ([]CrewInfo, error)
	Reserve(ctx context.Context, crewID, jobID string, w appctx.Window) (string, error)
}

// DispatchRequest asks the dispatch system to route a crew to a job.
type DispatchRequest struct {
	JobID    string
	CrewID   string
	Window   appctx.Window
	Location appctx.Location
}

// Dispatcher creates dispatch orders.
type Dispatcher interface {
	CreateDispatch(ctx context.Context, req DispatchRequest) (*appctx.Dispatch, error)
}

// BookingRequest records the job in the external booking system.
type BookingRequest struct {
	BusinessID string
	JobID      string
	Customer   appctx.Customer
	Services   []string
	CrewID     string
	DispatchID string
	Window     appctx.Window
	Price      float64
	Currency   string
}

// BookingSystem books confirmed jobs and returns the external booking id.
type BookingSystem interface {
	Book(ctx context.Context, req BookingRequest) (string, error)
}

// Collaborators bundles everything the default evaluators call out to.
type Collaborators struct {
	Extractor  Extractor
	Geocoder   Geocoder
	Messenger  Messenger
	Classifier ReplyClassifier
	Crews      CrewDirectory
	Dispatcher Dispatcher
	Booking    BookingSystem
}
