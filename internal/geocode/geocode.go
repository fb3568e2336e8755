// Package geocode defines the Geocoder collaborator from spec §6: a black
// box mapping an address string to a coordinate, with no retry beyond one
// attempt. The core repository ships an interface and an in-repo fixture
// implementation only; a production provider is an external collaborator.
package geocode

import (
	"context"
	"errors"

	"github.com/driftline/abandonwatch/internal/geo"
)

// ErrNotFound is returned when an address cannot be resolved.
var ErrNotFound = errors.New("geocode: address not found")

// Geocoder resolves an address string to a coordinate.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (geo.Coordinate, error)
}

// FixtureGeocoder serves a small, fixed address->coordinate map. It exists
// so the pipeline and tests can depend on the Geocoder interface without
// requiring network access; it is not meant to resolve arbitrary addresses.
type FixtureGeocoder struct {
	entries map[string]geo.Coordinate
}

// NewFixtureGeocoder builds a FixtureGeocoder from a fixed address map.
func NewFixtureGeocoder(entries map[string]geo.Coordinate) *FixtureGeocoder {
	return &FixtureGeocoder{entries: entries}
}

// Geocode implements Geocoder. It makes a single lookup attempt and never
// retries, in line with spec §6's one-attempt rule for geocoding.
func (f *FixtureGeocoder) Geocode(_ context.Context, address string) (geo.Coordinate, error) {
	coord, ok := f.entries[address]
	if !ok {
		return geo.Coordinate{}, ErrNotFound
	}
	return coord, nil
}
