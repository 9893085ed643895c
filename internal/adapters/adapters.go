package adapters

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/lucasnoah/leadflow/internal/config"
	"github.com/lucasnoah/leadflow/internal/message"
	"github.com/lucasnoah/leadflow/internal/stage"
)

// Set is the full sandbox wiring: stage collaborators plus the payment
// provider and notifier.
type Set struct {
	Collaborators stage.Collaborators
	Provider      *SandboxProvider
	Outbox        *Outbox
	Crews         *CrewDirectory
	Booking       *BookingSystem
}

// Sandbox builds every adapter from cfg.
func Sandbox(cfg *config.Config, log zerolog.Logger) (*Set, error) {
	crews, err := LoadCrewDirectory(cfg.Sandbox.CrewsFile, cfg.Sandbox.CenterLat, cfg.Sandbox.CenterLng)
	if err != nil {
		return nil, fmt.Errorf("loading crews: %w", err)
	}
	catalog := make([]string, 0, len(cfg.Pricing.Services))
	for name := range cfg.Pricing.Services {
		catalog = append(catalog, name)
	}
	sort.Strings(catalog)

	outbox := NewOutbox(message.NewStore(cfg.Sandbox.TemplatesDir), log.With().Str("component", "outbox").Logger())
	booking := NewBookingSystem()
	return &Set{
		Collaborators: stage.Collaborators{
			Extractor:  NewKeywordExtractor(catalog),
			Geocoder:   NewStaticGeocoder(cfg.Sandbox.CenterLat, cfg.Sandbox.CenterLng, cfg.Sandbox.DefaultLot),
			Messenger:  outbox,
			Classifier: KeywordClassifier{},
			Crews:      crews,
			Dispatcher: Dispatcher{},
			Booking:    booking,
		},
		Provider: NewSandboxProvider(),
		Outbox:   outbox,
		Crews:    crews,
		Booking:  booking,
	}, nil
}
