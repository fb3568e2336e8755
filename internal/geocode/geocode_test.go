package geocode

import (
	"context"
	"errors"
	"testing"

	"github.com/driftline/abandonwatch/internal/geo"
)

func TestFixtureGeocoderResolvesKnownAddress(t *testing.T) {
	g := NewFixtureGeocoder(map[string]geo.Coordinate{
		"123 Main St": {Lat: 45.5, Lon: -122.6},
	})

	coord, err := g.Geocode(context.Background(), "123 Main St")
	if err != nil {
		t.Fatalf("Geocode: %v", err)
	}
	if coord.Lat != 45.5 || coord.Lon != -122.6 {
		t.Errorf("coord = %+v, want (45.5, -122.6)", coord)
	}
}

func TestFixtureGeocoderUnknownAddress(t *testing.T) {
	g := NewFixtureGeocoder(map[string]geo.Coordinate{})

	_, err := g.Geocode(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
