// Package store persists abandoned-vehicle observations and analysis logs
// to Postgres, following the donor tile service's database.go: a thin
// *sql.DB wrapper, quoted camelCase columns, and INSERT ... ON CONFLICT
// upserts (one observation per statement).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/driftline/abandonwatch/internal/config"
)

// Store wraps the Postgres connection used by the abandonment engine.
type Store struct {
	conn *sql.DB
}

// Open opens and pings the Postgres connection described by cfg.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("store connected successfully")

	return &Store{conn: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// EnsureSchema creates the tables this store needs if they do not already
// exist. Deployments that manage schema via an external migration tool can
// skip calling this.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS abandoned_vehicles (
			"vehicleId" TEXT PRIMARY KEY,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			city TEXT NOT NULL DEFAULT '',
			district TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			"vehicleType" TEXT NOT NULL DEFAULT 'unknown',
			"similarityScore" DOUBLE PRECISION NOT NULL,
			"similarityPercentage" DOUBLE PRECISION NOT NULL,
			"riskLevel" TEXT NOT NULL,
			"yearsDifference" INTEGER NOT NULL,
			"firstDetected" TIMESTAMPTZ NOT NULL,
			"lastDetected" TIMESTAMPTZ NOT NULL,
			"detectionCount" INTEGER NOT NULL DEFAULT 1,
			"avgSimilarity" DOUBLE PRECISION NOT NULL,
			"maxSimilarity" DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL DEFAULT 'DETECTED',
			"verificationNotes" TEXT NOT NULL DEFAULT '',
			"bboxData" JSONB NOT NULL DEFAULT '{}',
			"extraMetadata" JSONB NOT NULL DEFAULT '{}',
			"createdAt" TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			"updatedAt" TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_abandoned_vehicles_city_district ON abandoned_vehicles (city, district)`,
		`CREATE INDEX IF NOT EXISTS idx_abandoned_vehicles_status_risk ON abandoned_vehicles (status, "riskLevel")`,
		`CREATE INDEX IF NOT EXISTS idx_abandoned_vehicles_lat_lon ON abandoned_vehicles (latitude, longitude)`,
		`CREATE TABLE IF NOT EXISTS analysis_logs (
			"runId" TEXT PRIMARY KEY,
			"startedAt" TIMESTAMPTZ NOT NULL,
			"finishedAt" TIMESTAMPTZ NOT NULL,
			"regionLabel" TEXT NOT NULL DEFAULT '',
			year1 INTEGER NOT NULL,
			year2 INTEGER NOT NULL,
			"candidatesConsidered" INTEGER NOT NULL DEFAULT 0,
			"comparisonsDone" INTEGER NOT NULL DEFAULT 0,
			"newVehicles" INTEGER NOT NULL DEFAULT 0,
			"updatedVehicles" INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	return nil
}

// UpsertResult reports whether UpsertObservation created a fresh row.
type UpsertResult struct {
	Created bool
}

// UpsertObservation implements the persistence contract in spec §4.5: insert
// a fresh row on first sight of vehicleID, otherwise merge running
// aggregates. Transient errors are retried up to 3 times with exponential
// backoff, matching the spec's failure semantics for this call.
func (s *Store) UpsertObservation(ctx context.Context, obs Observation) (UpsertResult, error) {
	var result UpsertResult
	var err error

	const maxRetries = 3
	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		result, err = s.upsertObservationOnce(ctx, obs)
		if err == nil {
			return result, nil
		}
		if !isTransient(err) {
			return UpsertResult{}, err
		}
		if attempt == maxRetries {
			break
		}
		slog.Warn("transient store error during upsert, retrying", "attempt", attempt+1, "vehicle_id", obs.VehicleID, "error", err)
		select {
		case <-ctx.Done():
			return UpsertResult{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return UpsertResult{}, fmt.Errorf("upsert observation failed after retries: %w", err)
}

func (s *Store) upsertObservationOnce(ctx context.Context, obs Observation) (UpsertResult, error) {
	bboxJSON, err := json.Marshal(obs.BBox)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to marshal bbox: %w", err)
	}
	metaJSON, err := json.Marshal(obs.ExtraMetadata)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Running-mean update happens inside SQL so it is atomic with the
	// conflict check: avg = (avg*count + s) / (count+1).
	query := `
		INSERT INTO abandoned_vehicles (
			"vehicleId", latitude, longitude, city, district, address, "vehicleType",
			"similarityScore", "similarityPercentage", "riskLevel", "yearsDifference",
			"firstDetected", "lastDetected", "detectionCount", "avgSimilarity", "maxSimilarity",
			status, "bboxData", "extraMetadata", "createdAt", "updatedAt"
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW(), 1, $8, $8,
			'DETECTED', $12, $13, NOW(), NOW()
		)
		ON CONFLICT ("vehicleId") DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			city = EXCLUDED.city,
			district = EXCLUDED.district,
			address = EXCLUDED.address,
			"vehicleType" = EXCLUDED."vehicleType",
			"similarityScore" = EXCLUDED."similarityScore",
			"similarityPercentage" = EXCLUDED."similarityPercentage",
			"riskLevel" = EXCLUDED."riskLevel",
			"yearsDifference" = EXCLUDED."yearsDifference",
			"lastDetected" = NOW(),
			"detectionCount" = abandoned_vehicles."detectionCount" + 1,
			"avgSimilarity" = (abandoned_vehicles."avgSimilarity" * abandoned_vehicles."detectionCount" + EXCLUDED."similarityScore") / (abandoned_vehicles."detectionCount" + 1),
			"maxSimilarity" = GREATEST(abandoned_vehicles."maxSimilarity", EXCLUDED."similarityScore"),
			"bboxData" = EXCLUDED."bboxData",
			"extraMetadata" = EXCLUDED."extraMetadata",
			"updatedAt" = NOW()
		RETURNING ("xmax" = 0) AS created
	`

	var created bool
	err = s.conn.QueryRowContext(ctx, query,
		obs.VehicleID, obs.Latitude, obs.Longitude, obs.City, obs.District, obs.Address, obs.VehicleType,
		obs.SimilarityScore, obs.SimilarityPercentage(), string(obs.RiskLevel), obs.YearsDifference,
		string(bboxJSON), string(metaJSON),
	).Scan(&created)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to upsert observation: %w", err)
	}

	return UpsertResult{Created: created}, nil
}

// UpdateStatus implements the state-transition operation from spec §4.5.
// It is the only way a vehicle's status changes; the pipeline never calls
// this implicitly.
func (s *Store) UpdateStatus(ctx context.Context, vehicleID string, next Status, note string) error {
	var current Status
	err := s.conn.QueryRowContext(ctx, `SELECT status FROM abandoned_vehicles WHERE "vehicleId" = $1`, vehicleID).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("vehicle not found: %s", vehicleID)
	}
	if err != nil {
		return fmt.Errorf("failed to read current status: %w", err)
	}

	if !current.ValidTransition(next) {
		return fmt.Errorf("invalid status transition %s -> %s", current, next)
	}

	query := `
		UPDATE abandoned_vehicles
		SET status = $1, "verificationNotes" = CASE WHEN $2 <> '' THEN $2 ELSE "verificationNotes" END, "updatedAt" = NOW()
		WHERE "vehicleId" = $3
	`
	result, err := s.conn.ExecContext(ctx, query, string(next), note, vehicleID)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("vehicle not found: %s", vehicleID)
	}

	return nil
}

// GetVehicle retrieves a single vehicle record by id.
func (s *Store) GetVehicle(ctx context.Context, vehicleID string) (*AbandonedVehicle, error) {
	query := `
		SELECT "vehicleId", latitude, longitude, city, district, address, "vehicleType",
		       "similarityScore", "similarityPercentage", "riskLevel", "yearsDifference",
		       "firstDetected", "lastDetected", "detectionCount", "avgSimilarity", "maxSimilarity",
		       status, "verificationNotes", "bboxData", "extraMetadata", "createdAt", "updatedAt"
		FROM abandoned_vehicles WHERE "vehicleId" = $1
	`
	return scanVehicle(s.conn.QueryRowContext(ctx, query, vehicleID))
}

// ListVehicles returns vehicles matching filter, most recently detected first.
func (s *Store) ListVehicles(ctx context.Context, filter VehicleFilter) ([]*AbandonedVehicle, error) {
	query := `
		SELECT "vehicleId", latitude, longitude, city, district, address, "vehicleType",
		       "similarityScore", "similarityPercentage", "riskLevel", "yearsDifference",
		       "firstDetected", "lastDetected", "detectionCount", "avgSimilarity", "maxSimilarity",
		       status, "verificationNotes", "bboxData", "extraMetadata", "createdAt", "updatedAt"
		FROM abandoned_vehicles
		WHERE ($1 = '' OR city = $1)
		  AND ($2 = '' OR district = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4 = '' OR "riskLevel" = $4)
		ORDER BY "lastDetected" DESC
		LIMIT $5
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.conn.QueryContext(ctx, query, filter.City, filter.District, string(filter.Status), string(filter.RiskLevel), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list vehicles: %w", err)
	}
	defer rows.Close()

	var out []*AbandonedVehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			slog.Error("failed to scan vehicle row", "error", err)
			continue
		}
		out = append(out, v)
	}

	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVehicle(row rowScanner) (*AbandonedVehicle, error) {
	var v AbandonedVehicle
	var riskLevel, status string
	var bboxJSON, metaJSON []byte

	err := row.Scan(
		&v.VehicleID, &v.Latitude, &v.Longitude, &v.City, &v.District, &v.Address, &v.VehicleType,
		&v.SimilarityScore, &v.SimilarityPercentage, &riskLevel, &v.YearsDifference,
		&v.FirstDetected, &v.LastDetected, &v.DetectionCount, &v.AvgSimilarity, &v.MaxSimilarity,
		&status, &v.VerificationNotes, &bboxJSON, &metaJSON, &v.CreatedAt, &v.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vehicle not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan vehicle: %w", err)
	}

	v.RiskLevel = RiskLevel(riskLevel)
	v.Status = Status(status)
	_ = json.Unmarshal(bboxJSON, &v.BBoxData)
	_ = json.Unmarshal(metaJSON, &v.ExtraMetadata)

	return &v, nil
}

// InsertAnalysisLog writes one row per analyze() call, per spec §4.5 step 8.
func (s *Store) InsertAnalysisLog(ctx context.Context, log AnalysisLog) error {
	query := `
		INSERT INTO analysis_logs (
			"runId", "startedAt", "finishedAt", "regionLabel", year1, year2,
			"candidatesConsidered", "comparisonsDone", "newVehicles", "updatedVehicles", error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.conn.ExecContext(ctx, query,
		log.RunID, log.StartedAt, log.FinishedAt, log.RegionLabel, log.Year1, log.Year2,
		log.CandidatesConsidered, log.ComparisonsDone, log.NewVehicles, log.UpdatedVehicles, log.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis log: %w", err)
	}
	return nil
}

// isTransient classifies a store error as retryable. Unique-constraint races
// are not transient here: the ON CONFLICT clause already absorbs them, so
// anything reaching this far is a connectivity or serialization failure.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "timeout", "deadline exceeded", "serialization failure", "could not serialize"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
