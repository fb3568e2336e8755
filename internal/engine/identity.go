package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// spatialBin rounds a coordinate component to the configured grid, per
// spec §4.5 step 6 ("round centroid lat/lon to a 5-decimal grid ~1.1m").
func spatialBin(value, binDegrees float64) float64 {
	if binDegrees <= 0 {
		binDegrees = 1e-5
	}
	return math.Round(value/binDegrees) * binDegrees
}

// yearBucket maps a year to its bucket identifier using the configured
// bucket width, per spec §6's `year_bucket_years` (default 1 -> one bucket
// per calendar year).
func yearBucket(year, bucketYears int) int {
	if bucketYears <= 0 {
		bucketYears = 1
	}
	return year / bucketYears
}

// VehicleID derives the stable, location-based identity from spec §4.5
// step 6: hash(lat_bin, lon_bin, year_bucket(min(y1,y2))). This is
// deliberately never a sequential counter so that repeated analyze() calls
// over the same location and year pair are idempotent (spec §8's
// round-trip law and §9's explicit decision against counter-based IDs).
func VehicleID(lat, lon float64, minYear int, binDegrees float64, bucketYears int) string {
	latBin := spatialBin(lat, binDegrees)
	lonBin := spatialBin(lon, binDegrees)
	bucket := yearBucket(minYear, bucketYears)

	raw := fmt.Sprintf("%.5f:%.5f:%d", latBin, lonBin, bucket)
	sum := sha256.Sum256([]byte(raw))
	return "VH" + hex.EncodeToString(sum[:])[:24]
}
