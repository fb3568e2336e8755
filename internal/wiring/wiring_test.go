package wiring

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/driftline/abandonwatch/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Paths: config.PathsConfig{CacheDir: t.TempDir()},
		Imagery: config.ImageryConfig{
			URLTemplate: "https://imagery.example.com/{year}/{z}/{y}/{x}.jpeg",
		},
		Pipeline: config.PipelineConfig{
			CacheTTLHours:    24,
			FetchConcurrency: 4,
		},
	}
}

func TestSourceForYearReusesCachedSource(t *testing.T) {
	ys, err := NewYearSource(testConfig(t))
	if err != nil {
		t.Fatalf("NewYearSource: %v", err)
	}

	a, err := ys.SourceForYear(2020)
	if err != nil {
		t.Fatalf("SourceForYear: %v", err)
	}
	b, err := ys.SourceForYear(2020)
	if err != nil {
		t.Fatalf("SourceForYear: %v", err)
	}
	if a != b {
		t.Error("expected SourceForYear to return the same *Source instance for a repeated year")
	}
}

func TestSourceForYearDistinctAcrossYears(t *testing.T) {
	ys, err := NewYearSource(testConfig(t))
	if err != nil {
		t.Fatalf("NewYearSource: %v", err)
	}

	a, err := ys.SourceForYear(2019)
	if err != nil {
		t.Fatalf("SourceForYear: %v", err)
	}
	b, err := ys.SourceForYear(2021)
	if err != nil {
		t.Fatalf("SourceForYear: %v", err)
	}
	if a == b {
		t.Error("expected distinct sources for distinct years")
	}
}

func TestSourceForYearRequiresURLTemplate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Imagery.URLTemplate = ""

	ys, err := NewYearSource(cfg)
	if err != nil {
		t.Fatalf("NewYearSource: %v", err)
	}

	if _, err := ys.SourceForYear(2020); err == nil {
		t.Error("expected an error when no imagery URL template is configured")
	}
}

func TestEngineConfigCarriesRiskThresholds(t *testing.T) {
	cfg := testConfig(t).Pipeline
	cfg.CriticalSimilarity = 0.95
	cfg.CriticalYears = 3

	engineCfg := EngineConfig(cfg)
	if engineCfg.Risk.CriticalSimilarity != 0.95 {
		t.Errorf("Risk.CriticalSimilarity = %v, want 0.95", engineCfg.Risk.CriticalSimilarity)
	}
	if engineCfg.Risk.CriticalYears != 3 {
		t.Errorf("Risk.CriticalYears = %d, want 3", engineCfg.Risk.CriticalYears)
	}
}

func TestLoadCCTVRegistryParsesFixture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cctv.json")
	fixture := `[
		{"id": "cam-1", "name": "Main St", "lat": 45.5, "lon": -122.6, "stream_url": "rtsp://cam1", "is_public": true},
		{"id": "cam-2", "name": "2nd Ave", "lat": 45.51, "lon": -122.61, "stream_url": "rtsp://cam2", "is_public": false}
	]`
	if err := os.WriteFile(path, []byte(fixture), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	registry, err := LoadCCTVRegistry(path)
	if err != nil {
		t.Fatalf("LoadCCTVRegistry: %v", err)
	}

	nearest := registry.NearestCCTVs(45.5, -122.6, 1)
	if len(nearest) != 1 || nearest[0].ID != "cam-1" {
		t.Errorf("NearestCCTVs = %+v, want cam-1 first", nearest)
	}
}

func TestLoadCCTVRegistryMissingFileErrors(t *testing.T) {
	if _, err := LoadCCTVRegistry(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error for a missing CCTV fixture file")
	}
}

func TestLoadGeocodeFixtureResolvesAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geocode.json")
	fixture := `{"123 Main St": [45.5, -122.6]}`
	if err := os.WriteFile(path, []byte(fixture), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	geocoder, err := LoadGeocodeFixture(path)
	if err != nil {
		t.Fatalf("LoadGeocodeFixture: %v", err)
	}

	coord, err := geocoder.Geocode(context.Background(), "123 Main St")
	if err != nil {
		t.Fatalf("Geocode: %v", err)
	}
	if coord.Lat != 45.5 || coord.Lon != -122.6 {
		t.Errorf("Geocode = %+v, want (45.5, -122.6)", coord)
	}

	if _, err := geocoder.Geocode(context.Background(), "unknown address"); err == nil {
		t.Error("expected an error for an unresolvable address")
	}
}
