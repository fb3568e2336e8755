// Command abandonwatch drives the vehicle-abandonment analysis pipeline:
// analyze a location across two imagery years, inspect the tile cache, and
// review or update detected vehicle records. CLI dispatch follows the donor
// tile service's main.go: a flat switch into per-command flag sets, with
// its reorderFlagsFirst/showHelp helpers kept as-is.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/driftline/abandonwatch/internal/config"
	"github.com/driftline/abandonwatch/internal/engine"
	"github.com/driftline/abandonwatch/internal/geo"
	"github.com/driftline/abandonwatch/internal/store"
	"github.com/driftline/abandonwatch/internal/wiring"
)

const (
	exitOK               = 0
	exitInvalidArguments = 1
	exitUpstreamFailure  = 2
	exitStoreError       = 3
)

func main() {
	configPath := flag.String("config", ".env", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	help := flag.Bool("help", false, "Show help message")
	flag.Parse()

	args := flag.Args()
	if *help || len(args) == 0 {
		showHelp()
		os.Exit(exitOK)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	command := args[0]
	rest := args[1:]

	var code int
	switch command {
	case "analyze":
		code = cmdAnalyze(ctx, rest, *configPath)
	case "cache":
		code = cmdCache(ctx, rest, *configPath)
	case "vehicles":
		code = cmdVehicles(ctx, rest, *configPath)
	case "cctv":
		code = cmdCCTV(ctx, rest, *configPath)
	case "geocode":
		code = cmdGeocode(ctx, rest, *configPath)
	default:
		slog.Error("unknown command", "command", command)
		showHelp()
		code = exitInvalidArguments
	}

	os.Exit(code)
}

func cmdAnalyze(ctx context.Context, args []string, configPath string) int {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	centerLat := fs.Float64("center-lat", 0, "Center latitude")
	centerLon := fs.Float64("center-lon", 0, "Center longitude")
	address := fs.String("address", "", "Resolve center from an address via the configured geocoder fixture, instead of --center-lat/--center-lon")
	zoom := fs.Int("zoom", 0, "Tile zoom level (0 = use config default)")
	radius := fs.Int("radius", -1, "Tile radius (-1 = use config default)")
	year1 := fs.Int("year1", 0, "First imagery year")
	year2 := fs.Int("year2", 0, "Second imagery year")
	label := fs.String("label", "", "Optional region label for the analysis log")
	if err := fs.Parse(reorderFlagsFirst(args)); err != nil {
		return exitInvalidArguments
	}

	if *year1 == 0 || *year2 == 0 {
		slog.Error("--year1 and --year2 are required")
		return exitInvalidArguments
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return exitInvalidArguments
	}

	center := geo.Coordinate{Lat: *centerLat, Lon: *centerLon}
	if *address != "" {
		if cfg.Paths.GeocodeFixturePath == "" {
			slog.Error("--address requires GEOCODE_FIXTURE_PATH to be configured")
			return exitInvalidArguments
		}
		geocoder, err := wiring.LoadGeocodeFixture(cfg.Paths.GeocodeFixturePath)
		if err != nil {
			slog.Error("failed to load geocode fixture", "error", err)
			return exitInvalidArguments
		}
		resolved, err := geocoder.Geocode(ctx, *address)
		if err != nil {
			// Spec §7: geocoding failures are not retried beyond one attempt.
			slog.Error("address could not be geocoded", "address", *address, "error", err)
			return exitInvalidArguments
		}
		center = resolved
	}
	if !center.Valid() {
		slog.Error("invalid center coordinate", "lat", center.Lat, "lon", center.Lon)
		return exitInvalidArguments
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		slog.Error("failed to connect to store", "error", err)
		return exitStoreError
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		return exitStoreError
	}

	engineCfg := wiring.EngineConfig(cfg.Pipeline)
	if *zoom > 0 {
		engineCfg.Zoom = *zoom
	}
	if *radius >= 0 {
		engineCfg.TileRadius = *radius
	}

	yearSource, err := wiring.NewYearSource(*cfg)
	if err != nil {
		slog.Error("failed to build year source", "error", err)
		return exitStoreError
	}

	var engOpts []engine.Option
	archiver, err := wiring.NewArchiver(ctx, cfg.S3)
	if err != nil {
		slog.Warn("evidence archival disabled: failed to build object store client", "error", err)
	} else if archiver != nil {
		engOpts = append(engOpts, engine.WithArchiver(archiver))
	}

	eng := engine.New(yearSource, st, engineCfg, engOpts...)
	result := eng.Analyze(ctx, center, *year1, *year2, *label)

	if result.Err != nil {
		slog.Error("analyze run failed", "run_id", result.RunID, "error", result.Err)
		if strings.Contains(result.Err.Error(), "unavailable") {
			return exitUpstreamFailure
		}
		return exitStoreError
	}

	slog.Info("analyze run completed",
		"run_id", result.RunID,
		"candidates_considered", result.CandidatesConsidered,
		"comparisons_done", result.ComparisonsDone,
		"new_vehicles", result.NewVehicles,
		"updated_vehicles", result.UpdatedVehicles,
	)
	return exitOK
}

func cmdCache(ctx context.Context, args []string, configPath string) int {
	if len(args) == 0 {
		slog.Error("cache subcommand required: stats, cleanup, or clear")
		return exitInvalidArguments
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return exitInvalidArguments
	}

	yearSource, err := wiring.NewYearSource(*cfg)
	if err != nil {
		slog.Error("failed to build year source", "error", err)
		return exitStoreError
	}
	cache := yearSource.Cache()

	switch args[0] {
	case "stats":
		stats := cache.Stats()
		fmt.Printf("requests=%d hits=%d entries=%d bytes=%d\n", stats.TotalRequests, stats.CacheHits, stats.Entries, stats.TotalBytes)
		return exitOK
	case "cleanup":
		removed, err := cache.CleanupExpired()
		if err != nil {
			slog.Error("cache cleanup failed", "error", err)
			return exitStoreError
		}
		slog.Info("cache cleanup completed", "removed", removed)
		return exitOK
	case "clear":
		removed, err := cache.Clear()
		if err != nil {
			slog.Error("cache clear failed", "error", err)
			return exitStoreError
		}
		slog.Info("cache cleared", "removed", removed)

		// Archived evidence imagery is a separate store from the disk
		// cache; `cache clear` prunes both when archival is configured.
		archived, err := clearArchivedImages(ctx, cfg.S3)
		if err != nil {
			slog.Warn("failed to clear archived images", "error", err)
		} else if archived > 0 {
			slog.Info("archived images cleared", "removed", archived)
		}
		return exitOK
	default:
		slog.Error("unknown cache subcommand", "subcommand", args[0])
		return exitInvalidArguments
	}
}

// clearArchivedImages removes every object under the configured archival
// prefix. A missing S3 endpoint means archival is disabled, so there is
// nothing to clear.
func clearArchivedImages(ctx context.Context, s3Cfg config.S3Config) (int, error) {
	archiver, err := wiring.NewArchiver(ctx, s3Cfg)
	if err != nil {
		return 0, fmt.Errorf("failed to build object store archiver: %w", err)
	}
	if archiver == nil {
		return 0, nil
	}

	keys, err := archiver.ListImages(ctx, s3Cfg.BucketPath)
	if err != nil {
		return 0, fmt.Errorf("failed to list archived images: %w", err)
	}

	removed := 0
	for _, key := range keys {
		if err := archiver.DeleteImage(ctx, key); err != nil {
			return removed, fmt.Errorf("failed to delete archived image %s: %w", key, err)
		}
		removed++
	}
	return removed, nil
}

func cmdVehicles(ctx context.Context, args []string, configPath string) int {
	if len(args) == 0 {
		slog.Error("vehicles subcommand required: list or update-status")
		return exitInvalidArguments
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return exitInvalidArguments
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		slog.Error("failed to connect to store", "error", err)
		return exitStoreError
	}
	defer st.Close()

	switch args[0] {
	case "list":
		return cmdVehiclesList(ctx, st, args[1:])
	case "update-status":
		return cmdVehiclesUpdateStatus(ctx, st, args[1:])
	default:
		slog.Error("unknown vehicles subcommand", "subcommand", args[0])
		return exitInvalidArguments
	}
}

func cmdVehiclesList(ctx context.Context, st *store.Store, args []string) int {
	fs := flag.NewFlagSet("vehicles list", flag.ContinueOnError)
	city := fs.String("city", "", "Filter by city")
	district := fs.String("district", "", "Filter by district")
	status := fs.String("status", "", "Filter by status")
	risk := fs.String("risk", "", "Filter by risk level")
	limit := fs.Int("limit", 100, "Max rows returned")
	if err := fs.Parse(reorderFlagsFirst(args)); err != nil {
		return exitInvalidArguments
	}

	filter := store.VehicleFilter{
		City:      *city,
		District:  *district,
		Status:    store.Status(strings.ToUpper(*status)),
		RiskLevel: store.RiskLevel(strings.ToUpper(*risk)),
		Limit:     *limit,
	}

	vehicles, err := st.ListVehicles(ctx, filter)
	if err != nil {
		slog.Error("failed to list vehicles", "error", err)
		return exitStoreError
	}

	for _, v := range vehicles {
		fmt.Printf("%s\t%.6f,%.6f\t%s\t%s\t%.1f%%\n", v.VehicleID, v.Latitude, v.Longitude, v.RiskLevel, v.Status, v.SimilarityPercentage)
	}
	return exitOK
}

func cmdVehiclesUpdateStatus(ctx context.Context, st *store.Store, args []string) int {
	fs := flag.NewFlagSet("vehicles update-status", flag.ContinueOnError)
	note := fs.String("note", "", "Verification note")
	if err := fs.Parse(reorderFlagsFirst(args)); err != nil {
		return exitInvalidArguments
	}

	parsed := fs.Args()
	if len(parsed) < 2 {
		slog.Error("usage: vehicles update-status <id> <status> [--note text]")
		return exitInvalidArguments
	}

	vehicleID, next := parsed[0], store.Status(strings.ToUpper(parsed[1]))
	if err := st.UpdateStatus(ctx, vehicleID, next, *note); err != nil {
		slog.Error("failed to update status", "vehicle_id", vehicleID, "error", err)
		return exitStoreError
	}

	slog.Info("status updated", "vehicle_id", vehicleID, "status", next)
	return exitOK
}

func cmdCCTV(ctx context.Context, args []string, configPath string) int {
	if len(args) == 0 || args[0] != "nearest" {
		slog.Error("cctv subcommand required: nearest --lat LAT --lon LON --k N")
		return exitInvalidArguments
	}

	fs := flag.NewFlagSet("cctv nearest", flag.ContinueOnError)
	lat := fs.Float64("lat", 0, "Query latitude")
	lon := fs.Float64("lon", 0, "Query longitude")
	k := fs.Int("k", 5, "Number of nearest cameras to return")
	if err := fs.Parse(reorderFlagsFirst(args[1:])); err != nil {
		return exitInvalidArguments
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return exitInvalidArguments
	}
	if cfg.Paths.CCTVRegistryPath == "" {
		slog.Error("CCTV_REGISTRY_PATH is not configured")
		return exitInvalidArguments
	}

	registry, err := wiring.LoadCCTVRegistry(cfg.Paths.CCTVRegistryPath)
	if err != nil {
		slog.Error("failed to load CCTV registry", "error", err)
		return exitInvalidArguments
	}

	for _, cam := range registry.NearestCCTVs(*lat, *lon, *k) {
		fmt.Printf("%s\t%s\t%.6f,%.6f\tpublic=%t\t%s\n", cam.ID, cam.Name, cam.Location.Lat, cam.Location.Lon, cam.IsPublic, cam.StreamURL)
	}
	return exitOK
}

func cmdGeocode(ctx context.Context, args []string, configPath string) int {
	if len(args) == 0 {
		slog.Error("usage: geocode <address>")
		return exitInvalidArguments
	}
	address := strings.Join(args, " ")

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return exitInvalidArguments
	}
	if cfg.Paths.GeocodeFixturePath == "" {
		slog.Error("GEOCODE_FIXTURE_PATH is not configured")
		return exitInvalidArguments
	}

	geocoder, err := wiring.LoadGeocodeFixture(cfg.Paths.GeocodeFixturePath)
	if err != nil {
		slog.Error("failed to load geocode fixture", "error", err)
		return exitInvalidArguments
	}

	coord, err := geocoder.Geocode(ctx, address)
	if err != nil {
		slog.Error("address not found", "address", address)
		return exitInvalidArguments
	}

	fmt.Printf("%.6f,%.6f\n", coord.Lat, coord.Lon)
	return exitOK
}

// reorderFlagsFirst moves flag arguments before positional arguments so Go's
// flag package parses them correctly. Go's flag stops at the first non-flag
// arg; this allows "vehicles list oregon --limit 10" to work like
// "vehicles list --limit 10 oregon".
func reorderFlagsFirst(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			flags = append(flags, args[i])
			if !strings.Contains(args[i], "=") && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, args[i])
		}
	}
	return append(flags, positional...)
}

func showHelp() {
	help := `AbandonWatch - detect abandoned vehicles from historical aerial imagery

Usage:
  abandonwatch [global options] <command> [command options] [arguments]

Global Options:
  -config string        Path to .env configuration file (default ".env")
  -debug                Enable debug logging
  -help                 Show this help message

Commands:
  analyze                Run one analysis between two imagery years
  cache                  Inspect or prune the tile cache (stats, cleanup, clear)
  vehicles               List or update tracked vehicle records
  cctv                   Query the static CCTV registry for nearby cameras
  geocode                Resolve an address to a coordinate via the fixture geocoder

Analyze Command:
  Usage: abandonwatch analyze --center-lat LAT --center-lon LON --year1 Y1 --year2 Y2 [options]
  Usage: abandonwatch analyze --address "..." --year1 Y1 --year2 Y2 [options]

  Options:
    -zoom int             Tile zoom level (default from config, 17)
    -radius int           Tile radius (default from config, 1)
    -label string         Optional label recorded on the analysis log
    -address string       Resolve center via GEOCODE_FIXTURE_PATH instead of lat/lon

Cache Command:
  Usage: abandonwatch cache <stats|cleanup|clear>

Vehicles Command:
  Usage: abandonwatch vehicles list [--city C] [--district D] [--status S] [--risk R] [--limit N]
  Usage: abandonwatch vehicles update-status <vehicle_id> <status> [--note text]

CCTV Command:
  Usage: abandonwatch cctv nearest --lat LAT --lon LON [--k N]

Geocode Command:
  Usage: abandonwatch geocode <address>

Examples:
  abandonwatch analyze --center-lat 45.5 --center-lon -122.6 --year1 2019 --year2 2024
  abandonwatch cache stats
  abandonwatch vehicles list --risk CRITICAL
  abandonwatch vehicles update-status VHabc123 VERIFIED --note "confirmed on site"
  abandonwatch cctv nearest --lat 45.5 --lon -122.6 --k 3
`
	fmt.Print(help)
}
