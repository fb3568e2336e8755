package tilesource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/paulmach/orb/maptile"
)

// TileProvider fetches a single raw tile image from an upstream source, the
// external collaborator described in spec §6: HTTP GET at a templated
// …/{z}/{y}/{x}.jpeg URL, returning JPEG/PNG bytes or an HTTP error.
type TileProvider interface {
	FetchTile(ctx context.Context, z, x, y int) ([]byte, error)
	// Name identifies the tile source for cache-key derivation, so that two
	// providers never collide on the same cache entry.
	Name() string
}

// PermanentError marks a tile fetch failure that retrying cannot fix
// (404, auth failure) per spec §7's "permanent upstream" error kind.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Source implements the TSC component described in spec §4.1.
type Source struct {
	provider TileProvider
	cache    *DiskCache

	concurrency int64
	sem         *semaphore.Weighted
	flight      singleflight.Group

	tileFetchTimeout    time.Duration
	stitchedFetchTimeout time.Duration

	maxFailedTileFraction float64
}

// Option configures a Source at construction time.
type Option func(*Source)

// WithTileFetchTimeout overrides the default 10s per-tile timeout.
func WithTileFetchTimeout(d time.Duration) Option {
	return func(s *Source) { s.tileFetchTimeout = d }
}

// WithStitchedFetchTimeout overrides the default 60s per-stitched-image timeout.
func WithStitchedFetchTimeout(d time.Duration) Option {
	return func(s *Source) { s.stitchedFetchTimeout = d }
}

// NewSource constructs a Source with the given provider, cache, and bounded
// tile-fetch concurrency (default 8 per spec §5).
func NewSource(provider TileProvider, cache *DiskCache, concurrency int, opts ...Option) *Source {
	if concurrency <= 0 {
		concurrency = 8
	}
	s := &Source{
		provider:              provider,
		cache:                 cache,
		concurrency:           int64(concurrency),
		sem:                   semaphore.NewWeighted(int64(concurrency)),
		tileFetchTimeout:      10 * time.Second,
		stitchedFetchTimeout:  60 * time.Second,
		maxFailedTileFraction: 0.25,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats returns the underlying cache's counters.
func (s *Source) Stats() Stats {
	return s.cache.Stats()
}

// CleanupExpired removes expired cache entries.
func (s *Source) CleanupExpired() (int64, error) {
	return s.cache.CleanupExpired()
}

// Clear empties the cache.
func (s *Source) Clear() (int, error) {
	return s.cache.Clear()
}

// Fetch implements spec §4.1's fetch(lat, lon, zoom, tile_radius) contract.
// Concurrent calls for the same (zoom, tx, ty, r, source) collapse to a
// single network fetch via singleflight, satisfying the §5 concurrency
// contract. The shared fetch is detached from every caller's cancellation
// and bounded by the stitched-fetch timeout: a caller whose ctx is done
// returns at once with ctx.Err() while the fetch goes on for the others.
// The fetch is not cancelled even when all callers have cancelled; it runs
// until it completes or the timeout expires.
func (s *Source) Fetch(ctx context.Context, lat, lon float64, zoom, tileRadius int) FetchResult {
	center := centerTile(lat, lon, zoom)
	key := CacheKey(zoom, int(center.X), int(center.Y), tileRadius, s.provider.Name())

	if cached, ok := s.cache.Get(key); ok {
		return FetchResult{Outcome: Ok, Image: cached}
	}

	ch := s.flight.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stitchedFetchTimeout)
		defer cancel()
		return s.fetchAndStitch(fetchCtx, center, zoom, tileRadius, key)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return FetchResult{Outcome: ErrorOutcome, Err: ctx.Err()}
	case res = <-ch:
	}

	if res.Err != nil {
		if errors.Is(res.Err, errNotAvailable) {
			return FetchResult{Outcome: NotAvailable}
		}
		return FetchResult{Outcome: ErrorOutcome, Err: res.Err}
	}

	img := res.Val.(*StitchedImage)
	return FetchResult{Outcome: Ok, Image: img}
}

var errNotAvailable = errors.New("tile source: too many tiles failed")

type tileResult struct {
	i, j int
	img  image.Image
	err  error
}

// fetchAndStitch fetches every tile in the (2r+1)^2 block around center
// concurrently, substitutes gray tiles for permanent per-tile failures, and
// stitches the result, per spec §4.1 steps 5-7.
func (s *Source) fetchAndStitch(ctx context.Context, center maptile.Tile, zoom, r int, key string) (*StitchedImage, error) {
	side := 2*r + 1
	results := make([]tileResult, 0, side*side)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for j := -r; j <= r; j++ {
		for i := -r; i <= r; i++ {
			i, j := i, j
			wg.Add(1)
			go func() {
				defer wg.Done()

				if err := s.sem.Acquire(ctx, 1); err != nil {
					mu.Lock()
					results = append(results, tileResult{i: i, j: j, err: err})
					mu.Unlock()
					return
				}
				defer s.sem.Release(1)

				img, err := s.fetchOneTileWithRetry(ctx, int(center.X)+i, int(center.Y)+j, zoom)

				mu.Lock()
				results = append(results, tileResult{i: i, j: j, img: img, err: err})
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	failed := 0
	for _, res := range results {
		if res.err != nil {
			failed++
		}
	}
	if float64(failed)/float64(len(results)) > s.maxFailedTileFraction {
		return nil, errNotAvailable
	}

	stitched := image.NewRGBA(image.Rect(0, 0, side*tileSizePixels, side*tileSizePixels))
	for _, res := range results {
		tileImg := res.img
		if res.err != nil {
			slog.Warn("tile permanently failed, substituting gray tile", "i", res.i, "j", res.j, "error", res.err)
			tileImg = grayTile()
		}
		destX := (res.i + r) * tileSizePixels
		destY := (res.j + r) * tileSizePixels
		dstRect := image.Rect(destX, destY, destX+tileSizePixels, destY+tileSizePixels)
		draw.Draw(stitched, dstRect, tileImg, image.Point{}, draw.Src)
	}

	originTile := maptile.New(uint32(int(center.X)-r), uint32(int(center.Y)-r), maptile.Zoom(zoom))
	transform := stitchTransform(originTile)

	var buf bytes.Buffer
	hash := contentHash(stitchedBytes(stitched, &buf))

	centerBound := center.Bound()
	result := &StitchedImage{
		Image:       stitched,
		CenterLat:   (centerBound.Min.Lat() + centerBound.Max.Lat()) / 2,
		CenterLon:   (centerBound.Min.Lon() + centerBound.Max.Lon()) / 2,
		Zoom:        zoom,
		Transform:   transform,
		ContentHash: hash,
	}

	if err := s.cache.Put(key, result); err != nil {
		slog.Error("failed to persist stitched image to cache", "error", err)
	}

	return result, nil
}

// stitchedBytes renders img's raw pixel data for content hashing without a
// full PNG round trip.
func stitchedBytes(img *image.RGBA, buf *bytes.Buffer) []byte {
	buf.Reset()
	buf.Write(img.Pix)
	return buf.Bytes()
}

// fetchOneTileWithRetry retries transient failures with exponential backoff
// (base 250ms, factor 2, jitter +-20%, max 3 attempts), per spec §4.1 step 5.
func (s *Source) fetchOneTileWithRetry(ctx context.Context, x, y, zoom int) (image.Image, error) {
	const maxAttempts = 3
	base := 250 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tileCtx, cancel := context.WithTimeout(ctx, s.tileFetchTimeout)
		raw, err := s.provider.FetchTile(tileCtx, zoom, x, y)
		cancel()

		if err == nil {
			img, decodeErr := image.Decode(bytes.NewReader(raw))
			if decodeErr != nil {
				return nil, fmt.Errorf("failed to decode tile (%d,%d,%d): %w", zoom, x, y, decodeErr)
			}
			return img, nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return nil, err
		}

		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}

		backoff := base * time.Duration(1<<attempt)
		jitter := time.Duration(float64(backoff) * (rand.Float64()*0.4 - 0.2))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}

	return nil, fmt.Errorf("tile (%d,%d,%d) failed after %d attempts: %w", zoom, x, y, maxAttempts, lastErr)
}

// grayTile returns the neutral substitution tile used when a tile
// permanently fails, per spec §4.1 step 5.
func grayTile() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, tileSizePixels, tileSizePixels))
	gray := color.RGBA{R: 128, G: 128, B: 128, A: 255}
	draw.Draw(img, img.Bounds(), &image.Uniform{C: gray}, image.Point{}, draw.Src)
	return img
}
