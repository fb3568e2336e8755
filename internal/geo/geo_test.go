package geo

import (
	"math"
	"testing"
)

func TestCoordinateValid(t *testing.T) {
	cases := []struct {
		name string
		c    Coordinate
		want bool
	}{
		{"origin", Coordinate{0, 0}, true},
		{"boundary lat", Coordinate{90, 0}, true},
		{"out of range lat", Coordinate{90.0001, 0}, false},
		{"out of range lon", Coordinate{0, 180.1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.c.Valid(); got != tc.want {
				t.Errorf("Valid() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDistanceMetersZero(t *testing.T) {
	a := Coordinate{Lat: 45.5, Lon: -122.6}
	if d := DistanceMeters(a, a); d != 0 {
		t.Errorf("distance to self = %v, want 0", d)
	}
}

func TestDistanceMetersKnownSeparation(t *testing.T) {
	// Roughly 1 degree of latitude is ~111km.
	a := Coordinate{Lat: 0, Lon: 0}
	b := Coordinate{Lat: 1, Lon: 0}
	d := DistanceMeters(a, b)
	if d < 110_000 || d > 112_000 {
		t.Errorf("distance = %v, want ~111000", d)
	}
}

func TestBBoxIoU(t *testing.T) {
	a := BBox{X: 0, Y: 0, W: 10, H: 10}
	b := BBox{X: 5, Y: 5, W: 10, H: 10}
	iou := a.IoU(b)
	// intersection is 5x5=25, union is 100+100-25=175
	want := 25.0 / 175.0
	if math.Abs(iou-want) > 1e-9 {
		t.Errorf("IoU = %v, want %v", iou, want)
	}
}

func TestBBoxIoUNoOverlap(t *testing.T) {
	a := BBox{X: 0, Y: 0, W: 5, H: 5}
	b := BBox{X: 100, Y: 100, W: 5, H: 5}
	if iou := a.IoU(b); iou != 0 {
		t.Errorf("IoU = %v, want 0", iou)
	}
}

func TestBBoxValid(t *testing.T) {
	if (BBox{W: 0, H: 5}).Valid() {
		t.Error("zero-width box should be invalid")
	}
	if !(BBox{W: 1, H: 1}).Valid() {
		t.Error("1x1 box should be valid")
	}
}

func TestTransformToGeoDirection(t *testing.T) {
	tr := Transform{OriginLat: 45.0, OriginLon: -122.0, DegreesPerPixelX: 0.0001, DegreesPerPixelY: 0.0001}
	c := tr.ToGeo(10, 10)
	if c.Lon <= -122.0 || c.Lat >= 45.0 {
		t.Errorf("ToGeo produced unexpected direction: %+v", c)
	}
}

func TestBBoxCentroidGeo(t *testing.T) {
	tr := Transform{OriginLat: 45.0, OriginLon: -122.0, DegreesPerPixelX: 0.0001, DegreesPerPixelY: 0.0001}
	b := BBox{X: 0, Y: 0, W: 10, H: 10}
	c := BBoxCentroidGeo(tr, b)
	want := tr.ToGeo(5, 5)
	if c != want {
		t.Errorf("centroid = %+v, want %+v", c, want)
	}
}
