/**
 * PostgreSQL Client for the OCR Worker
 *
 * Handles job status persistence and storage of finished OCR results.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Confidence       float64
	ProcessingTimeMs int64
	ResultID         string
	ErrorCode        string
	ErrorMessage     string
	Engine           string
	Metadata         map[string]interface{}
}

// ResultRecord is one finished OCR run as stored in ocr.results
type ResultRecord struct {
	ID                string
	JobID             string
	PayloadHash       string
	Text              string
	PageCount         int
	PagesOCRd         int
	Confidence        float64
	Engine            string
	DurationMs        int64
	PerPageConfidence []float64
	Metrics           json.RawMessage
	CreatedAt         time.Time
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS ocr;

	CREATE TABLE IF NOT EXISTS ocr.jobs (
		id                 UUID PRIMARY KEY,
		status             TEXT NOT NULL,
		confidence         NUMERIC(5,2),
		processing_time_ms BIGINT,
		result_id          UUID,
		error_code         TEXT,
		error_message      TEXT,
		engine             TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS ocr.results (
		id                  UUID PRIMARY KEY,
		job_id              UUID,
		payload_hash        TEXT NOT NULL,
		text                TEXT NOT NULL,
		page_count          INTEGER NOT NULL,
		pages_ocrd          INTEGER NOT NULL,
		confidence          NUMERIC(5,2) NOT NULL,
		engine              TEXT NOT NULL,
		duration_ms         BIGINT NOT NULL,
		per_page_confidence REAL[] NOT NULL,
		metrics             JSONB,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS results_payload_hash_idx ON ocr.results (payload_hash);
`

// sanitizeConfidence clamps a confidence to [0, 100] and rounds it to two
// decimals so it fits NUMERIC(5,2)
func sanitizeConfidence(confidence float64) float64 {
	if math.IsNaN(confidence) || confidence < 0 {
		return 0
	}
	if confidence > 100 {
		return 100
	}
	return math.Round(confidence*100) / 100
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the ocr schema and its tables if missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create ocr schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the job row
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	confidence := sanitizeConfidence(update.Confidence)

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	query := `
		INSERT INTO ocr.jobs (
			id, status, confidence, processing_time_ms, result_id,
			error_code, error_message, engine, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, $2, NULLIF($3::NUMERIC(5,2), 0), NULLIF($4, 0),
			CASE WHEN $5 = '' THEN NULL ELSE $5::uuid END,
			NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
			COALESCE($9::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			confidence = COALESCE(EXCLUDED.confidence, ocr.jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, ocr.jobs.processing_time_ms),
			result_id = COALESCE(EXCLUDED.result_id, ocr.jobs.result_id),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			engine = COALESCE(EXCLUDED.engine, ocr.jobs.engine),
			metadata = ocr.jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.Status,           // $2
		confidence,              // $3
		update.ProcessingTimeMs, // $4
		update.ResultID,         // $5
		update.ErrorCode,        // $6
		update.ErrorMessage,     // $7
		update.Engine,           // $8
		metadataJSON,            // $9
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.2f): %w",
			update.JobID, update.Status, confidence, err)
	}

	return nil
}

// StoreResult inserts a finished OCR result
func (p *PostgresClient) StoreResult(ctx context.Context, rec *ResultRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("result ID is required")
	}

	var jobID interface{}
	if rec.JobID != "" {
		jobID = rec.JobID
	}

	var metrics interface{}
	if len(rec.Metrics) > 0 {
		metrics = []byte(sanitizeJSONForPostgres(rec.Metrics))
	}

	perPage := make(pq.Float64Array, len(rec.PerPageConfidence))
	for i, c := range rec.PerPageConfidence {
		perPage[i] = sanitizeConfidence(c)
	}

	query := `
		INSERT INTO ocr.results (
			id, job_id, payload_hash, text, page_count, pages_ocrd,
			confidence, engine, duration_ms, per_page_confidence, metrics, created_at
		) VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, NOW())
		RETURNING created_at
	`

	err := p.db.QueryRowContext(
		ctx,
		query,
		rec.ID,
		jobID,
		rec.PayloadHash,
		stripNUL(rec.Text),
		rec.PageCount,
		rec.PagesOCRd,
		sanitizeConfidence(rec.Confidence),
		rec.Engine,
		rec.DurationMs,
		perPage,
		metrics,
	).Scan(&rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to store OCR result (id=%s): %w", rec.ID, err)
	}

	return nil
}

// GetResult retrieves a stored result by ID
func (p *PostgresClient) GetResult(ctx context.Context, resultID string) (*ResultRecord, error) {
	if resultID == "" {
		return nil, fmt.Errorf("result ID is required")
	}

	query := `
		SELECT
			id, COALESCE(job_id::text, ''), payload_hash, text, page_count, pages_ocrd,
			confidence, engine, duration_ms, per_page_confidence,
			COALESCE(metrics, 'null'::jsonb), created_at
		FROM ocr.results
		WHERE id = $1::uuid
	`

	var (
		rec     ResultRecord
		perPage pq.Float64Array
		metrics []byte
	)

	err := p.db.QueryRowContext(ctx, query, resultID).Scan(
		&rec.ID, &rec.JobID, &rec.PayloadHash, &rec.Text, &rec.PageCount, &rec.PagesOCRd,
		&rec.Confidence, &rec.Engine, &rec.DurationMs, &perPage,
		&metrics, &rec.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("OCR result not found: %s", resultID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get OCR result: %w", err)
	}

	rec.PerPageConfidence = []float64(perPage)
	if string(metrics) != "null" {
		rec.Metrics = metrics
	}

	return &rec, nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, status, confidence, processing_time_ms, result_id,
			error_code, error_message, engine, metadata,
			created_at, updated_at
		FROM ocr.jobs
		WHERE id = $1::uuid
	`

	var (
		id, status                    string
		confidence                    sql.NullFloat64
		processingTimeMs              sql.NullInt64
		resultID, errorCode, errorMsg sql.NullString
		engine                        sql.NullString
		metadataJSON                  []byte
		createdAt, updatedAt          time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &status, &confidence, &processingTimeMs, &resultID,
		&errorCode, &errorMsg, &engine, &metadataJSON,
		&createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":        id,
		"status":    status,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
		"metadata":  metadata,
	}

	if confidence.Valid {
		result["confidence"] = confidence.Float64
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if resultID.Valid {
		result["resultId"] = resultID.String
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMsg.Valid {
		result["errorMessage"] = errorMsg.String
	}
	if engine.Valid {
		result["engine"] = engine.String
	}

	return result, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
