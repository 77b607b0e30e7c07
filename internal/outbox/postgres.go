package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schema creates the outbox table.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_records (
	id            BIGSERIAL PRIMARY KEY,
	event_id      UUID NOT NULL,
	subject       TEXT NOT NULL,
	aggregate_id  TEXT NOT NULL,
	payload       BYTEA NOT NULL,
	status        TEXT NOT NULL,
	attempts      INT NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	dispatched_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending
	ON outbox_records (id) WHERE status = 'PENDING';
`

// EnsureSchema creates the outbox table if it does not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create outbox schema: %w", err)
	}
	return nil
}

// PostgresRepository is the durable Repository.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a Repository backed by the given database.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Enqueue(ctx context.Context, rec *Record) error {
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO outbox_records (event_id, subject, aggregate_id, payload, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		rec.EventID, rec.Subject, rec.AggregateID, rec.Payload, string(rec.Status), rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox record: %w", err)
	}
	return nil
}

func (p *PostgresRepository) FetchPending(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, event_id, subject, aggregate_id, payload, status, attempts, last_error, created_at
		 FROM outbox_records WHERE status = $1 ORDER BY id LIMIT $2`,
		string(StatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		var status string
		if err := rows.Scan(&r.ID, &r.EventID, &r.Subject, &r.AggregateID, &r.Payload,
			&status, &r.Attempts, &r.LastError, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}
		r.Status = Status(status)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) MarkDispatched(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE outbox_records SET status = $1, dispatched_at = $2 WHERE id = $3`,
		string(StatusDispatched), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark record dispatched: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepository) MarkFailed(ctx context.Context, id int64, lastError string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE outbox_records SET attempts = attempts + 1, last_error = $1 WHERE id = $2`,
		lastError, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark record failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
