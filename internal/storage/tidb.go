package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/maneesh/labarchive/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrJobNotFound is returned when no record exists for a session token
var ErrJobNotFound = errors.New("job not found")

const createJobsTable = `CREATE TABLE IF NOT EXISTS archive_jobs (
	session_token VARCHAR(96) NOT NULL PRIMARY KEY,
	format        VARCHAR(16) NOT NULL,
	status        VARCHAR(16) NOT NULL,
	file_count    INT NOT NULL,
	input_bytes   BIGINT NOT NULL,
	output_bytes  BIGINT NOT NULL,
	error         TEXT,
	created_at    DATETIME(6) NOT NULL,
	updated_at    DATETIME(6) NOT NULL
)`

// TiDBClient keeps the history of archive jobs
type TiDBClient struct {
	db *sql.DB
}

// NewTiDBClient initializes a new TiDB client
func NewTiDBClient(dsn string) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &TiDBClient{db: db}, nil
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

// EnsureSchema creates the archive_jobs table if it does not exist
func (tc *TiDBClient) EnsureSchema(ctx context.Context) error {
	if _, err := tc.db.ExecContext(ctx, createJobsTable); err != nil {
		return fmt.Errorf("failed to create archive_jobs table: %w", err)
	}
	return nil
}

// UpsertJob inserts a job record or updates it in place
func (tc *TiDBClient) UpsertJob(ctx context.Context, job *models.ArchiveJob) error {
	ctx, span := tracer.Start(ctx, "tidb.upsert_job",
		trace.WithAttributes(
			attribute.String("session_token", job.SessionToken),
			attribute.String("status", string(job.Status)),
		),
	)
	defer span.End()

	query := `INSERT INTO archive_jobs
			  (session_token, format, status, file_count, input_bytes, output_bytes, error, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  status = VALUES(status), output_bytes = VALUES(output_bytes),
			  error = VALUES(error), updated_at = VALUES(updated_at)`

	_, err := tc.db.ExecContext(ctx, query,
		job.SessionToken, string(job.Format), string(job.Status), job.FileCount,
		job.InputBytes, job.OutputBytes, job.Error, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job record by session token
func (tc *TiDBClient) GetJob(ctx context.Context, token string) (*models.ArchiveJob, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_job",
		trace.WithAttributes(
			attribute.String("session_token", token),
		),
	)
	defer span.End()

	query := `SELECT session_token, format, status, file_count, input_bytes, output_bytes, error, created_at, updated_at
			  FROM archive_jobs WHERE session_token = ?`

	var (
		job       models.ArchiveJob
		format    string
		status    string
		errorText sql.NullString
	)
	err := tc.db.QueryRowContext(ctx, query, token).Scan(
		&job.SessionToken,
		&format,
		&status,
		&job.FileCount,
		&job.InputBytes,
		&job.OutputBytes,
		&errorText,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, ErrJobNotFound
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query job: %w", err)
	}

	job.Format = models.TargetFormat(format)
	job.Status = models.JobStatus(status)
	job.Error = errorText.String
	span.SetAttributes(attribute.Bool("found", true))
	return &job, nil
}
