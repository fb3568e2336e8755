// Package tilesource implements the Tile Source & Cache (TSC) component:
// it fetches and stitches aerial tiles for a geographic window and caches
// the stitched result on local disk with a bounded TTL, following the
// donor's tile-fetch worker pool and persistent-cache idioms from the
// retrieval pack's aerial-imagery downloader and cache examples.
package tilesource

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"time"

	"github.com/driftline/abandonwatch/internal/geo"
)

// StitchedImage is a raster covering a block of tiles together with its
// geographic footprint and a content hash, per spec §3.
type StitchedImage struct {
	Image       image.Image
	CenterLat   float64
	CenterLon   float64
	Zoom        int
	Transform   geo.Transform
	ContentHash string
}

// Outcome tags the three-way result a TSC fetch can produce, per spec §7's
// propagation policy (explicit result variants instead of exceptions).
type Outcome int

const (
	Ok Outcome = iota
	NotAvailable
	ErrorOutcome
)

// FetchResult is the tagged Ok | NotAvailable | Error(kind) variant fetch
// returns.
type FetchResult struct {
	Outcome Outcome
	Image   *StitchedImage
	Err     error
}

// Stats mirrors TSC's stats() contract.
type Stats struct {
	TotalRequests int64
	CacheHits     int64
	TotalBytes    int64
	Entries       int64
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CacheKey derives the deterministic cache key from spec §4.1 step 3:
// hash(zoom, tx, ty, r, source).
func CacheKey(zoom, tx, ty, r int, source string) string {
	raw := fmt.Sprintf("%d:%d:%d:%d:%s", zoom, tx, ty, r, source)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// cacheMeta is the JSON sidecar persisted next to each cached image.
type cacheMeta struct {
	Key         string    `json:"key"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
	SizeBytes   int64     `json:"size_bytes"`
	Zoom        int       `json:"zoom"`
	CenterLat   float64   `json:"center_lat"`
	CenterLon   float64   `json:"center_lon"`
	Transform   geo.Transform `json:"transform"`
	ContentHash string    `json:"content_hash"`
}
