package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Schema creates the job table.
const Schema = `
CREATE TABLE IF NOT EXISTS schedule_jobs (
	id           UUID PRIMARY KEY,
	client_ref   TEXT NOT NULL,
	due_at       TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL,
	group_id     TEXT NOT NULL DEFAULT '',
	group_pos    INT NOT NULL DEFAULT 0,
	tags         TEXT[] NOT NULL DEFAULT '{}',
	attempts     INT NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_schedule_jobs_due
	ON schedule_jobs (due_at) WHERE status = 'SCHEDULED';
`

// EnsureSchema creates the job table if it does not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schedule schema: %w", err)
	}
	return nil
}

// PostgresStore is the durable job Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_jobs
		 (id, client_ref, due_at, status, group_id, group_pos, tags, attempts, last_error, published_at, completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.ClientRef, job.DueAt, string(job.Status), job.GroupID, job.GroupPos,
		pq.Array(job.Tags), job.Attempts, job.LastError, job.PublishedAt, job.CompletedAt, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, job *Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedule_jobs
		 SET status = $1, attempts = $2, last_error = $3, published_at = $4, completed_at = $5
		 WHERE id = $6`,
		string(job.Status), job.Attempts, job.LastError, job.PublishedAt, job.CompletedAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_ref, due_at, status, group_id, group_pos, tags, attempts, last_error, published_at, completed_at, created_at
		 FROM schedule_jobs WHERE id = $1`, id,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time) ([]*Job, error) {
	return s.query(ctx,
		`SELECT id, client_ref, due_at, status, group_id, group_pos, tags, attempts, last_error, published_at, completed_at, created_at
		 FROM schedule_jobs WHERE status = $1 AND due_at <= $2 ORDER BY due_at, group_pos`,
		string(StatusScheduled), now,
	)
}

func (s *PostgresStore) ByGroup(ctx context.Context, groupID string) ([]*Job, error) {
	return s.query(ctx,
		`SELECT id, client_ref, due_at, status, group_id, group_pos, tags, attempts, last_error, published_at, completed_at, created_at
		 FROM schedule_jobs WHERE group_id = $1 ORDER BY group_pos`,
		groupID,
	)
}

func (s *PostgresStore) ByTag(ctx context.Context, tag string) ([]*Job, error) {
	return s.query(ctx,
		`SELECT id, client_ref, due_at, status, group_id, group_pos, tags, attempts, last_error, published_at, completed_at, created_at
		 FROM schedule_jobs WHERE $1 = ANY(tags) ORDER BY created_at`,
		tag,
	)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var status string
	var tags pq.StringArray
	err := row.Scan(&job.ID, &job.ClientRef, &job.DueAt, &status, &job.GroupID, &job.GroupPos,
		&tags, &job.Attempts, &job.LastError, &job.PublishedAt, &job.CompletedAt, &job.CreatedAt)
	if err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	job.Tags = []string(tags)
	return &job, nil
}
