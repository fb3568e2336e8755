// Package config loads service configuration from environment variables and
// .env files, the same precedence rules the donor tile service used.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the full service configuration.
type Config struct {
	Database DatabaseConfig
	S3       S3Config
	Imagery  ImageryConfig
	Paths    PathsConfig
	Pipeline PipelineConfig
}

// ImageryConfig describes the historical aerial-imagery provider. The URL
// template is expanded with {year}, {z}, {x}, {y} per spec §6's tile path
// convention ("…/{z}/{y}/{x}.jpeg").
type ImageryConfig struct {
	URLTemplate string

	// APIKey is the pre-shared key spec §6 describes ("authentication is by
	// a pre-shared API key supplied as a query or header parameter"); empty
	// disables auth. APIKeyLocation selects "query" or "header" and
	// APIKeyParam names the parameter/header.
	APIKey         string
	APIKeyLocation string
	APIKeyParam    string
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// S3Config holds optional object-storage archival settings.
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	BucketPath      string
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	CacheDir           string // on-disk stitched-tile cache
	TempDir            string
	CCTVRegistryPath   string // JSON fixture for the static CCTV point set
	GeocodeFixturePath string // JSON fixture for the address->coordinate map
}

// PipelineConfig holds the tunable knobs from spec §6.
type PipelineConfig struct {
	SimilarityThreshold float64
	CriticalSimilarity  float64
	CriticalYears       int
	HighSimilarity      float64
	HighYears           int
	MediumSimilarity    float64

	TileRadius   int
	Zoom         int
	EmbeddingDim int

	CacheTTLHours  int
	CacheMaxBytes  int64

	FetchConcurrency int

	SpatialBinDegrees float64
	YearBucketYears   int

	DetectorConfidence float64
	NMSIoU             float64

	RansacReprojPx float64
	MinMatches     int

	AnalyzeTimeoutSeconds int
}

// Load loads configuration from environment variables, preferring
// envPath.local over envPath when present (mirrors Next.js precedence).
func Load(envPath string) (*Config, error) {
	localEnvPath := strings.TrimSuffix(envPath, ".env") + ".env.local"
	if _, err := os.Stat(localEnvPath); err == nil {
		if err := loadEnvFile(localEnvPath); err != nil {
			return nil, fmt.Errorf("failed to load local env file: %w", err)
		}
	} else if _, err := os.Stat(envPath); err == nil {
		if err := loadEnvFile(envPath); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	defaultCacheDir := "./data/tile-cache"
	if home, err := os.UserHomeDir(); err == nil {
		defaultCacheDir = filepath.Join(home, "data", "abandonwatch", "tile-cache")
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "abandonwatch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		S3: S3Config{
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			Region:          getEnv("S3_REGION", "us-west-1"),
			Bucket:          getEnv("S3_BUCKET", "abandonwatch-archive"),
			BucketPath:      getEnv("S3_BUCKET_PATH", "stitched"),
		},
		Imagery: ImageryConfig{
			URLTemplate:    getEnv("IMAGERY_URL_TEMPLATE", "https://imagery.example.com/{year}/{z}/{y}/{x}.jpeg"),
			APIKey:         getEnv("IMAGERY_API_KEY", ""),
			APIKeyLocation: getEnv("IMAGERY_API_KEY_LOCATION", "query"),
			APIKeyParam:    getEnv("IMAGERY_API_KEY_PARAM", "api_key"),
		},
		Paths: PathsConfig{
			CacheDir:           getEnv("TILE_CACHE_DIR", defaultCacheDir),
			TempDir:            getEnv("TEMP_DIR", "/tmp"),
			CCTVRegistryPath:   getEnv("CCTV_REGISTRY_PATH", ""),
			GeocodeFixturePath: getEnv("GEOCODE_FIXTURE_PATH", ""),
		},
		Pipeline: PipelineConfig{
			SimilarityThreshold: getEnvFloat("SIMILARITY_THRESHOLD", 0.90),
			CriticalSimilarity:  getEnvFloat("CRITICAL_SIMILARITY", 0.95),
			CriticalYears:       getEnvInt("CRITICAL_YEARS", 3),
			HighSimilarity:      getEnvFloat("HIGH_SIMILARITY", 0.90),
			HighYears:           getEnvInt("HIGH_YEARS", 2),
			MediumSimilarity:    getEnvFloat("MEDIUM_SIMILARITY", 0.85),

			TileRadius:   getEnvInt("TILE_RADIUS", 1),
			Zoom:         getEnvInt("ZOOM", 17),
			EmbeddingDim: getEnvInt("EMBEDDING_DIM", 1280),

			CacheTTLHours: getEnvInt("CACHE_TTL_HOURS", 24),
			CacheMaxBytes: getEnvInt64("CACHE_MAX_BYTES", 5_000_000_000),

			FetchConcurrency: getEnvInt("FETCH_CONCURRENCY", 8),

			SpatialBinDegrees: getEnvFloat("SPATIAL_BIN_DEGREES", 1e-5),
			YearBucketYears:   getEnvInt("YEAR_BUCKET_YEARS", 1),

			DetectorConfidence: getEnvFloat("DETECTOR_CONFIDENCE", 0.25),
			NMSIoU:             getEnvFloat("NMS_IOU", 0.45),

			RansacReprojPx: getEnvFloat("RANSAC_REPROJ_PX", 3),
			MinMatches:     getEnvInt("MIN_MATCHES", 10),

			AnalyzeTimeoutSeconds: getEnvInt("ANALYZE_TIMEOUT_SECONDS", 300),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD environment variable is required")
	}

	return cfg, nil
}

func loadEnvFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lines := strings.Split(string(content), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			os.Setenv(key, value)
		}
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
