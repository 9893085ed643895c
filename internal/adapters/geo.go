package adapters

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	appctx "github.com/lucasnoah/leadflow/internal/context"
)

// StaticGeocoder places addresses deterministically within about 15 km of a
// center point. The same address always lands on the same coordinates.
type StaticGeocoder struct {
	centerLat  float64
	centerLng  float64
	defaultLot float64
}

// NewStaticGeocoder centers results on lat/lng and reports defaultLot when a
// lot size cannot be derived.
func NewStaticGeocoder(lat, lng, defaultLot float64) *StaticGeocoder {
	return &StaticGeocoder{centerLat: lat, centerLng: lng, defaultLot: defaultLot}
}

func (g *StaticGeocoder) Geocode(ctx context.Context, addr appctx.Address) (*appctx.Location, error) {
	key := strings.ToLower(strings.TrimSpace(addr.String()))
	if key == "" {
		return nil, fmt.Errorf("geocode: empty address")
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	sum := h.Sum64()

	// Two 16-bit fractions in [-1, 1) spread points over roughly ±0.13°.
	dLat := (float64(sum&0xffff)/32768 - 1) * 0.13
	dLng := (float64((sum>>16)&0xffff)/32768 - 1) * 0.13
	lot := g.defaultLot * (0.5 + float64((sum>>32)&0xff)/255)
	return &appctx.Location{
		Lat:         g.centerLat + dLat,
		Lng:         g.centerLng + dLng,
		LotSizeSqft: float64(int(lot/100)) * 100,
	}, nil
}
