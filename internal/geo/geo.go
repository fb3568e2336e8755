// Package geo holds the coordinate and pixel-geometry types shared across the
// pipeline, plus great-circle distance helpers built on paulmach/orb.
package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Coordinate is a WGS84 decimal-degree point.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Valid reports whether c falls within the WGS84 domain.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", c.Lat, c.Lon)
}

func (c Coordinate) point() orb.Point {
	return orb.Point{c.Lon, c.Lat}
}

// DistanceMeters returns the great-circle distance between two coordinates.
func DistanceMeters(a, b Coordinate) float64 {
	return geo.Distance(a.point(), b.point())
}

// BBox is a pixel-space bounding box in the aligned image frame.
type BBox struct {
	X, Y, W, H int
}

// Valid reports whether the box has positive area.
func (b BBox) Valid() bool {
	return b.W > 0 && b.H > 0
}

// Area returns the pixel area of the box.
func (b BBox) Area() int {
	return b.W * b.H
}

// Center returns the box's center in pixel coordinates.
func (b BBox) Center() (x, y float64) {
	return float64(b.X) + float64(b.W)/2, float64(b.Y) + float64(b.H)/2
}

// IoU returns the intersection-over-union of two boxes.
func (b BBox) IoU(o BBox) float64 {
	ix1 := math.Max(float64(b.X), float64(o.X))
	iy1 := math.Max(float64(b.Y), float64(o.Y))
	ix2 := math.Min(float64(b.X+b.W), float64(o.X+o.W))
	iy2 := math.Min(float64(b.Y+b.H), float64(o.Y+o.H))

	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}

	inter := (ix2 - ix1) * (iy2 - iy1)
	union := float64(b.Area()) + float64(o.Area()) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Transform maps pixel coordinates in a stitched image to geographic
// coordinates. Pixel (0,0) is the top-left corner.
type Transform struct {
	OriginLat       float64
	OriginLon       float64
	DegreesPerPixelX float64
	DegreesPerPixelY float64
}

// ToGeo converts a pixel coordinate to a Coordinate.
func (t Transform) ToGeo(px, py float64) Coordinate {
	return Coordinate{
		Lat: t.OriginLat - py*t.DegreesPerPixelY,
		Lon: t.OriginLon + px*t.DegreesPerPixelX,
	}
}

// BBoxCentroidGeo converts a BBox's pixel center to a geo coordinate.
func BBoxCentroidGeo(t Transform, b BBox) Coordinate {
	cx, cy := b.Center()
	return t.ToGeo(cx, cy)
}
