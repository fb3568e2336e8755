package tilesource

import "testing"

func TestCenterTileDeterministic(t *testing.T) {
	a := centerTile(45.5, -122.6, 18)
	b := centerTile(45.5, -122.6, 18)
	if a != b {
		t.Errorf("centerTile not deterministic: %+v != %+v", a, b)
	}
}

func TestCenterTileZoomIncreasesIndex(t *testing.T) {
	low := centerTile(45.5, -122.6, 10)
	high := centerTile(45.5, -122.6, 18)
	if high.X <= low.X && high.Y <= low.Y {
		t.Errorf("expected higher zoom to produce larger tile indices, got low=%+v high=%+v", low, high)
	}
}

func TestStitchTransformOrientation(t *testing.T) {
	tile := centerTile(45.5, -122.6, 15)
	tr := stitchTransform(tile)

	if tr.DegreesPerPixelX <= 0 || tr.DegreesPerPixelY <= 0 {
		t.Errorf("expected positive degrees-per-pixel, got x=%v y=%v", tr.DegreesPerPixelX, tr.DegreesPerPixelY)
	}

	bound := tile.Bound()
	if tr.OriginLat != bound.Max.Lat() {
		t.Errorf("OriginLat = %v, want north edge %v", tr.OriginLat, bound.Max.Lat())
	}
	if tr.OriginLon != bound.Min.Lon() {
		t.Errorf("OriginLon = %v, want west edge %v", tr.OriginLon, bound.Min.Lon())
	}
}
