// Package cctv holds the static CCTV registry described in spec §6: a
// read-only point set with a nearest-neighbor query, not a live streaming
// integration (that collaborator is explicitly out of scope).
package cctv

import (
	"sort"

	"github.com/driftline/abandonwatch/internal/geo"
)

// Camera is one registry entry.
type Camera struct {
	ID        string
	Name      string
	Location  geo.Coordinate
	StreamURL string
	IsPublic  bool
}

// Registry is a static, in-memory CCTV point set.
type Registry struct {
	cameras []Camera
}

// NewRegistry builds a registry from a fixed camera list.
func NewRegistry(cameras []Camera) *Registry {
	return &Registry{cameras: cameras}
}

type rankedCamera struct {
	camera   Camera
	distance float64
}

// NearestCCTVs returns the k cameras closest to (lat, lon) by great-circle
// distance, per spec §6's `nearest_cctvs(lat, lon, k)`.
func (r *Registry) NearestCCTVs(lat, lon float64, k int) []Camera {
	if k <= 0 || len(r.cameras) == 0 {
		return nil
	}

	origin := geo.Coordinate{Lat: lat, Lon: lon}
	ranked := make([]rankedCamera, len(r.cameras))
	for i, cam := range r.cameras {
		ranked[i] = rankedCamera{camera: cam, distance: geo.DistanceMeters(origin, cam.Location)}
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].distance < ranked[j].distance })

	if k > len(ranked) {
		k = len(ranked)
	}

	out := make([]Camera, k)
	for i := 0; i < k; i++ {
		out[i] = ranked[i].camera
	}
	return out
}
