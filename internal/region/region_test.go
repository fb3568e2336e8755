package region

import (
	"testing"

	"github.com/driftline/abandonwatch/internal/geo"
)

func TestAspectRatioOrdersLongOverShort(t *testing.T) {
	cases := []struct {
		b    geo.BBox
		want float64
	}{
		{geo.BBox{W: 10, H: 5}, 2},
		{geo.BBox{W: 5, H: 10}, 2},
		{geo.BBox{W: 10, H: 10}, 1},
		{geo.BBox{W: 10, H: 0}, 0},
	}
	for _, tc := range cases {
		if got := aspectRatio(tc.b); got != tc.want {
			t.Errorf("aspectRatio(%+v) = %v, want %v", tc.b, got, tc.want)
		}
	}
}

func TestAssignRegionIDsSortOrder(t *testing.T) {
	boxes := []geo.BBox{
		{X: 50, Y: 10, W: 4, H: 4},
		{X: 0, Y: 0, W: 4, H: 4},
		{X: 10, Y: 0, W: 4, H: 4},
	}
	candidates := assignRegionIDs(boxes)

	if len(candidates) != 3 {
		t.Fatalf("got %d candidates, want 3", len(candidates))
	}
	// Sorted by (y_center, x_center): (0,0) then (10,0) then (50,10).
	if candidates[0].BBox.X != 0 || candidates[1].BBox.X != 10 || candidates[2].BBox.X != 50 {
		t.Errorf("unexpected sort order: %+v", candidates)
	}
	for i, c := range candidates {
		if c.RegionID != i {
			t.Errorf("candidate %d has RegionID %d, want %d", i, c.RegionID, i)
		}
	}
}

func TestNMSSingleClassSuppressesOverlap(t *testing.T) {
	boxes := []DetectedBox{
		{BBox: geo.BBox{X: 0, Y: 0, W: 10, H: 10}, Confidence: 0.9, Class: "vehicle"},
		{BBox: geo.BBox{X: 1, Y: 1, W: 10, H: 10}, Confidence: 0.8, Class: "vehicle"},
		{BBox: geo.BBox{X: 100, Y: 100, W: 10, H: 10}, Confidence: 0.7, Class: "vehicle"},
	}

	kept := nmsSingleClass(boxes, 0.3)

	if len(kept) != 2 {
		t.Fatalf("got %d kept boxes, want 2", len(kept))
	}
	if kept[0].Confidence != 0.9 {
		t.Errorf("expected highest-confidence box kept first, got %+v", kept[0])
	}
	if kept[1].Confidence != 0.7 {
		t.Errorf("expected the non-overlapping box retained, got %+v", kept[1])
	}
}

func TestClassAwareNMSKeepsDistinctClassesIndependently(t *testing.T) {
	boxes := []DetectedBox{
		{BBox: geo.BBox{X: 0, Y: 0, W: 10, H: 10}, Confidence: 0.9, Class: "car"},
		{BBox: geo.BBox{X: 1, Y: 1, W: 10, H: 10}, Confidence: 0.85, Class: "truck"},
	}

	kept := classAwareNMS(boxes, 0.3)

	if len(kept) != 2 {
		t.Errorf("expected both boxes kept across different classes, got %d", len(kept))
	}
}

func TestMatchGreedyBestIoU(t *testing.T) {
	transform := geo.Transform{OriginLat: 45.0, OriginLon: -122.0, DegreesPerPixelX: 0.0001, DegreesPerPixelY: 0.0001}

	year1 := []Candidate{
		{RegionID: 0, BBox: geo.BBox{X: 0, Y: 0, W: 10, H: 10}},
		{RegionID: 1, BBox: geo.BBox{X: 200, Y: 200, W: 10, H: 10}},
	}
	year2 := []Candidate{
		{RegionID: 0, BBox: geo.BBox{X: 1, Y: 1, W: 10, H: 10}}, // overlaps year1[0]
	}

	pairs := Match(year1, year2, transform)

	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	if pairs[0].RegionID != 0 {
		t.Errorf("matched pair has RegionID %d, want 0", pairs[0].RegionID)
	}
}

func TestMatchDropsCandidatesBelowIoUThreshold(t *testing.T) {
	transform := geo.Transform{OriginLat: 45.0, OriginLon: -122.0, DegreesPerPixelX: 0.0001, DegreesPerPixelY: 0.0001}

	year1 := []Candidate{{RegionID: 0, BBox: geo.BBox{X: 0, Y: 0, W: 10, H: 10}}}
	year2 := []Candidate{{RegionID: 0, BBox: geo.BBox{X: 500, Y: 500, W: 10, H: 10}}}

	pairs := Match(year1, year2, transform)

	if len(pairs) != 0 {
		t.Errorf("expected no matches for non-overlapping candidates, got %d", len(pairs))
	}
}

func TestVehicleAreaBoundsScalesWithGSD(t *testing.T) {
	minFine, maxFine := vehicleAreaBounds(0.1)
	minCoarse, maxCoarse := vehicleAreaBounds(0.2)

	// A coarser ground-sample-distance means fewer pixels per square meter,
	// so the same physical vehicle maps to a smaller pixel-area bound.
	if minCoarse >= minFine || maxCoarse >= maxFine {
		t.Errorf("expected coarser GSD to produce smaller area bounds: fine=(%v,%v) coarse=(%v,%v)",
			minFine, maxFine, minCoarse, maxCoarse)
	}
}
