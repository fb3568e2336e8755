// Package wiring assembles the concrete pipeline components (tile source,
// engine config) from loaded configuration. Kept separate from main so the
// CLI stays a thin dispatcher, following the donor's own separation between
// main.go's command handlers and its service/database/s3 construction.
package wiring

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/driftline/abandonwatch/internal/align"
	"github.com/driftline/abandonwatch/internal/cctv"
	"github.com/driftline/abandonwatch/internal/config"
	"github.com/driftline/abandonwatch/internal/engine"
	"github.com/driftline/abandonwatch/internal/geo"
	"github.com/driftline/abandonwatch/internal/geocode"
	"github.com/driftline/abandonwatch/internal/objectstore"
	"github.com/driftline/abandonwatch/internal/region"
	"github.com/driftline/abandonwatch/internal/tilesource"
)

// YearSource resolves one tilesource.Source per imagery year, each backed
// by an HTTPProvider against the configured imagery endpoint and sharing a
// single on-disk cache.
type YearSource struct {
	cfg     config.Config
	cache   *tilesource.DiskCache
	sources map[int]*tilesource.Source
}

// NewYearSource builds a YearSource from loaded configuration.
func NewYearSource(cfg config.Config) (*YearSource, error) {
	ttl := time.Duration(cfg.Pipeline.CacheTTLHours) * time.Hour
	cache, err := tilesource.NewDiskCache(cfg.Paths.CacheDir, ttl, cfg.Pipeline.CacheMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to build tile cache: %w", err)
	}
	return &YearSource{
		cfg:     cfg,
		cache:   cache,
		sources: make(map[int]*tilesource.Source),
	}, nil
}

// SourceForYear implements engine.YearSource.
func (y *YearSource) SourceForYear(year int) (*tilesource.Source, error) {
	if src, ok := y.sources[year]; ok {
		return src, nil
	}
	if y.cfg.Imagery.URLTemplate == "" {
		return nil, fmt.Errorf("no imagery URL template configured")
	}

	var providerOpts []tilesource.ProviderOption
	if y.cfg.Imagery.APIKey != "" {
		if y.cfg.Imagery.APIKeyLocation == "header" {
			providerOpts = append(providerOpts, tilesource.WithHeaderAPIKey(y.cfg.Imagery.APIKeyParam, y.cfg.Imagery.APIKey))
		} else {
			providerOpts = append(providerOpts, tilesource.WithQueryAPIKey(y.cfg.Imagery.APIKeyParam, y.cfg.Imagery.APIKey))
		}
	}

	provider := tilesource.NewHTTPProvider(y.cfg.Imagery.URLTemplate, year, providerOpts...)
	src := tilesource.NewSource(provider, y.cache, y.cfg.Pipeline.FetchConcurrency)
	y.sources[year] = src
	return src, nil
}

// Cache exposes the shared disk cache for `cache stats|cleanup|clear`.
func (y *YearSource) Cache() *tilesource.DiskCache {
	return y.cache
}

// NewArchiver builds the optional evidence-archival client from cfg.S3. A
// missing S3 endpoint means archival is disabled (nil, nil): spec §1 scopes
// archival as an operator convenience, not a required collaborator.
func NewArchiver(ctx context.Context, cfg config.S3Config) (*objectstore.Client, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	client, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:        cfg.Endpoint,
		Region:          cfg.Region,
		Bucket:          cfg.Bucket,
		BucketPath:      cfg.BucketPath,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build object store archiver: %w", err)
	}
	return client, nil
}

// cctvFixtureEntry mirrors spec §6's static CCTV registry row shape for the
// on-disk JSON fixture.
type cctvFixtureEntry struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	StreamURL string  `json:"stream_url"`
	IsPublic  bool    `json:"is_public"`
}

// LoadCCTVRegistry reads the static CCTV point set from a JSON fixture file,
// per spec §6's "static list of {id, name, lat, lon, stream_url, is_public}".
func LoadCCTVRegistry(path string) (*cctv.Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CCTV registry fixture: %w", err)
	}

	var entries []cctvFixtureEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse CCTV registry fixture: %w", err)
	}

	cameras := make([]cctv.Camera, len(entries))
	for i, e := range entries {
		cameras[i] = cctv.Camera{
			ID:        e.ID,
			Name:      e.Name,
			Location:  geo.Coordinate{Lat: e.Lat, Lon: e.Lon},
			StreamURL: e.StreamURL,
			IsPublic:  e.IsPublic,
		}
	}

	return cctv.NewRegistry(cameras), nil
}

// LoadGeocodeFixture reads an address->coordinate map from a JSON fixture
// file into a geocode.FixtureGeocoder, per spec §6's black-box Geocoder
// collaborator (a real provider is external; this ships the in-repo stand-in).
func LoadGeocodeFixture(path string) (*geocode.FixtureGeocoder, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read geocode fixture: %w", err)
	}

	var entries map[string][2]float64
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse geocode fixture: %w", err)
	}

	coords := make(map[string]geo.Coordinate, len(entries))
	for addr, latLon := range entries {
		coords[addr] = geo.Coordinate{Lat: latLon[0], Lon: latLon[1]}
	}

	return geocode.NewFixtureGeocoder(coords), nil
}

// EngineConfig builds engine.Config from the pipeline knobs in cfg.
func EngineConfig(cfg config.PipelineConfig) engine.Config {
	return engine.Config{
		SimilarityThreshold: cfg.SimilarityThreshold,
		Risk: engine.RiskThresholds{
			CriticalSimilarity: cfg.CriticalSimilarity,
			CriticalYears:      cfg.CriticalYears,
			HighSimilarity:     cfg.HighSimilarity,
			HighYears:          cfg.HighYears,
			MediumSimilarity:   cfg.MediumSimilarity,
		},
		Zoom:              cfg.Zoom,
		TileRadius:        cfg.TileRadius,
		SpatialBinDegrees: cfg.SpatialBinDegrees,
		YearBucketYears:   cfg.YearBucketYears,
		AlignOptions: align.Options{
			MaxKeypoints:   5000,
			KeepFraction:   0.2,
			MinMatches:     cfg.MinMatches,
			RansacReprojPx: cfg.RansacReprojPx,
			MinInlierRatio: 0.3,
		},
		RegionOptions: region.Options{
			GSDMetersPerPixel:  0.1,
			AspectRatioMin:     1.3,
			AspectRatioMax:     3.5,
			DetectorConfidence: cfg.DetectorConfidence,
			NMSIoU:             cfg.NMSIoU,
		},
		EmbeddingDim:   cfg.EmbeddingDim,
		Normalize:      true,
		AnalyzeTimeout: time.Duration(cfg.AnalyzeTimeoutSeconds) * time.Second,
	}
}
