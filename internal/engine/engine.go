// Package engine implements the Abandonment Engine (AE): it drives the
// analyze() pipeline across TSC, ALN, RP, and FE, classifies risk,
// derives stable vehicle identity, and persists results. Orchestration
// shape (phased pipeline, one log row written after the run) is grounded
// on the donor's ProcessJobWithOptions in service.go; the two years' tile
// fetches run one after the other.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/abandonwatch/internal/align"
	"github.com/driftline/abandonwatch/internal/embed"
	"github.com/driftline/abandonwatch/internal/geo"
	"github.com/driftline/abandonwatch/internal/region"
	"github.com/driftline/abandonwatch/internal/store"
	"github.com/driftline/abandonwatch/internal/tilesource"
)

// Archiver optionally persists stitched evidence imagery to durable
// content-addressed storage outside the tile cache's TTL window, so an
// analyze() run's source imagery survives cache eviction for later audit
// of a CRITICAL/HIGH classification. Satisfied by internal/objectstore.Client.
type Archiver interface {
	PutImage(ctx context.Context, contentHash string, year int, data []byte, contentType string) (string, error)
}

// YearSource resolves a tile source for a given acquisition year. Two
// analyze() calls typically use two different years against the same
// provider family (e.g. historical imagery endpoints selected by year).
type YearSource interface {
	SourceForYear(year int) (*tilesource.Source, error)
}

// Config carries the tunable knobs from spec §6 that Analyze consults.
type Config struct {
	SimilarityThreshold float64
	Risk                RiskThresholds

	Zoom       int
	TileRadius int

	SpatialBinDegrees float64
	YearBucketYears   int

	AlignOptions  align.Options
	RegionOptions region.Options

	EmbeddingDim int
	Normalize    bool

	AnalyzeTimeout time.Duration
}

// DefaultConfig returns the defaults listed in spec §6.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.90,
		Risk: RiskThresholds{
			CriticalSimilarity: 0.95,
			CriticalYears:      3,
			HighSimilarity:     0.90,
			HighYears:          2,
			MediumSimilarity:   0.85,
		},
		Zoom:              17,
		TileRadius:        1,
		SpatialBinDegrees: 1e-5,
		YearBucketYears:   1,
		AlignOptions:      align.DefaultOptions(),
		RegionOptions:     region.DefaultOptions(),
		EmbeddingDim:      1280,
		Normalize:         true,
		AnalyzeTimeout:    5 * time.Minute,
	}
}

// Engine is the Abandonment Engine.
type Engine struct {
	sources  YearSource
	embedder *embed.Embedder
	store    *store.Store
	archiver Archiver
	cfg      Config
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithArchiver attaches an optional durable archival sink for stitched
// evidence imagery. When absent, Analyze simply skips archival.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// New constructs an Engine.
func New(sources YearSource, st *store.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		sources:  sources,
		embedder: embed.New(cfg.EmbeddingDim, cfg.Normalize),
		store:    st,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the return value of Analyze.
type Result struct {
	RunID               string
	CandidatesConsidered int
	ComparisonsDone      int
	NewVehicles          int
	UpdatedVehicles      int
	Err                  error
}

// Analyze implements spec §4.5's driver operation: analyze(center, zoom,
// tile_radius, year1, year2) -> AnalysisResult.
func (e *Engine) Analyze(ctx context.Context, center geo.Coordinate, year1, year2 int, regionLabel string) Result {
	runID := uuid.NewString()
	startedAt := time.Now()
	logger := slog.With("run_id", runID, "year1", year1, "year2", year2, "center", center.String())

	ctx, cancel := context.WithTimeout(ctx, e.cfg.AnalyzeTimeout)
	defer cancel()

	result, err := e.run(ctx, center, year1, year2, logger)

	finishedAt := time.Now()
	logEntry := store.AnalysisLog{
		RunID:                runID,
		StartedAt:            startedAt,
		FinishedAt:           finishedAt,
		RegionLabel:          regionLabel,
		Year1:                year1,
		Year2:                year2,
		CandidatesConsidered: result.CandidatesConsidered,
		ComparisonsDone:      result.ComparisonsDone,
		NewVehicles:          result.NewVehicles,
		UpdatedVehicles:      result.UpdatedVehicles,
	}
	if err != nil {
		logEntry.Error = err.Error()
		logger.Error("analyze run failed", "error", err)
	}

	// A run-level error still writes the AnalysisLog with error populated,
	// and vehicle state is never partially mutated beyond what was already
	// committed per abandoned pair (spec §4.5's failure semantics, §7's
	// user-visible failure behavior).
	// The log write is detached from the run's deadline so a timed-out or
	// cancelled run is still logged.
	if logErr := e.store.InsertAnalysisLog(context.WithoutCancel(ctx), logEntry); logErr != nil {
		logger.Error("failed to write analysis log", "error", logErr)
	}

	result.RunID = runID
	result.Err = err
	return result
}

func (e *Engine) run(ctx context.Context, center geo.Coordinate, year1, year2 int, logger *slog.Logger) (Result, error) {
	var result Result

	if !center.Valid() {
		return result, fmt.Errorf("invalid coordinate: %s", center.String())
	}

	src1, err := e.sources.SourceForYear(year1)
	if err != nil {
		return result, fmt.Errorf("no tile source for year %d: %w", year1, err)
	}
	src2, err := e.sources.SourceForYear(year2)
	if err != nil {
		return result, fmt.Errorf("no tile source for year %d: %w", year2, err)
	}

	fetch1 := src1.Fetch(ctx, center.Lat, center.Lon, e.cfg.Zoom, e.cfg.TileRadius)
	if fetch1.Outcome != tilesource.Ok {
		return result, fmt.Errorf("year1 tiles unavailable: %v", fetch1.Err)
	}
	fetch2 := src2.Fetch(ctx, center.Lat, center.Lon, e.cfg.Zoom, e.cfg.TileRadius)
	if fetch2.Outcome != tilesource.Ok {
		return result, fmt.Errorf("year2 tiles unavailable: %v", fetch2.Err)
	}

	e.archiveStitched(ctx, fetch1.Image, year1, logger)
	e.archiveStitched(ctx, fetch2.Image, year2, logger)

	aligned := align.Align(fetch1.Image.Image, fetch2.Image.Image, e.cfg.AlignOptions)
	if !aligned.Aligned {
		logger.Warn("alignment fell back to unwarped crop", "inlier_ratio", aligned.InlierRatio)
	}

	c1 := region.ProposeHeuristic(aligned.Img1, e.cfg.RegionOptions)
	c2 := region.ProposeHeuristic(aligned.Img2, e.cfg.RegionOptions)
	result.CandidatesConsidered = len(c1) + len(c2)

	pairs := region.Match(c1, c2, fetch1.Image.Transform)

	for _, pair := range pairs {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		if err := e.processPair(ctx, pair, aligned, year1, year2, &result, logger); err != nil {
			logger.Warn("skipping pair due to error", "region_id", pair.RegionID, "error", err)
			continue
		}
	}

	return result, nil
}

func (e *Engine) processPair(ctx context.Context, pair region.MatchedPair, aligned align.Result, year1, year2 int, result *Result, logger *slog.Logger) error {
	result.ComparisonsDone++

	if !pair.BBox1.Valid() || !pair.BBox2.Valid() {
		// Zero-area crop: zero embedding, never classified as abandoned
		// (spec §8 boundary behavior).
		return nil
	}

	crop1 := cropImage(aligned.Img1, pair.BBox1)
	crop2 := cropImage(aligned.Img2, pair.BBox2)

	v1 := e.embedder.Embed(crop1)
	v2 := e.embedder.Embed(crop2)
	if v1.Err != nil || v2.Err != nil {
		return fmt.Errorf("embedding failed for region %d", pair.RegionID)
	}

	similarity := embed.CosineSimilarity(v1.Vector, v2.Vector)
	yearsDiff := year2 - year1
	if yearsDiff < 0 {
		yearsDiff = -yearsDiff
	}

	risk := Classify(similarity*100, yearsDiff, e.cfg.Risk)

	if similarity < e.cfg.SimilarityThreshold {
		return nil
	}

	minYear := year1
	if year2 < minYear {
		minYear = year2
	}
	vehicleID := VehicleID(pair.CentroidGeo.Lat, pair.CentroidGeo.Lon, minYear, e.cfg.SpatialBinDegrees, e.cfg.YearBucketYears)

	obs := store.Observation{
		VehicleID:       vehicleID,
		Latitude:        pair.CentroidGeo.Lat,
		Longitude:       pair.CentroidGeo.Lon,
		VehicleType:     "unknown",
		SimilarityScore: similarity,
		RiskLevel:       risk,
		YearsDifference: yearsDiff,
		BBox:            store.BBox{X: pair.BBox2.X, Y: pair.BBox2.Y, W: pair.BBox2.W, H: pair.BBox2.H},
		ExtraMetadata: map[string]any{
			"year1": year1,
			"year2": year2,
		},
	}

	upsertResult, err := e.store.UpsertObservation(ctx, obs)
	if err != nil {
		return fmt.Errorf("failed to persist observation: %w", err)
	}

	if upsertResult.Created {
		result.NewVehicles++
	} else {
		result.UpdatedVehicles++
	}

	return nil
}

// archiveStitched best-effort-archives a stitched source image so it
// outlives the tile cache's TTL. A failure here never fails the run: the
// analyze pipeline's correctness does not depend on archival succeeding.
func (e *Engine) archiveStitched(ctx context.Context, img *tilesource.StitchedImage, year int, logger *slog.Logger) {
	if e.archiver == nil || img == nil {
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img.Image); err != nil {
		logger.Warn("failed to encode stitched image for archival", "year", year, "error", err)
		return
	}

	if _, err := e.archiver.PutImage(ctx, img.ContentHash, year, buf.Bytes(), "image/png"); err != nil {
		logger.Warn("failed to archive stitched image", "year", year, "error", err)
	}
}

// cropImage extracts the region described by b from the aligned common
// frame. The rectangle is clamped to the source bounds so an out-of-range
// proposal (never expected post-NMS, but not assumed) degrades to a
// smaller or zero-area crop rather than panicking.
func cropImage(src *image.Gray, b geo.BBox) image.Image {
	rect := image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H).Intersect(src.Bounds())
	return src.SubImage(rect)
}
