package runstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores runs in the engine_runs table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and creates the table if needed.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Accept(ctx context.Context, rec Record) error {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return fmt.Errorf("invalid run id: %w", err)
	}
	const query = `
        INSERT INTO engine_runs (id, log_id, task, status, output_log, created_at, updated_at)
        VALUES ($1, $2, $3, $4, '', NOW(), NOW())
        ON CONFLICT (id)
        DO UPDATE SET status = EXCLUDED.status, updated_at = NOW();`
	_, err = p.pool.Exec(ctx, query, id, rec.LogID, rec.Task, StatusAccepted)
	return err
}

func (p *Postgres) Finish(ctx context.Context, id, status, output string) error {
	runID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid run id: %w", err)
	}
	const query = `
        UPDATE engine_runs
        SET status = $2, output_log = $3, updated_at = NOW()
        WHERE id = $1;`
	tag, err := p.pool.Exec(ctx, query, runID, status, output)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (Record, error) {
	runID, err := uuid.Parse(id)
	if err != nil {
		return Record{}, ErrNotFound
	}
	const query = `
        SELECT id, log_id, task, status, output_log, created_at, updated_at
        FROM engine_runs WHERE id = $1;`
	var (
		rec   Record
		rowID uuid.UUID
	)
	err = p.pool.QueryRow(ctx, query, runID).Scan(
		&rowID, &rec.LogID, &rec.Task, &rec.Status, &rec.OutputLog, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.ID = rowID.String()
	return rec, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
        CREATE TABLE IF NOT EXISTS engine_runs (
            id UUID PRIMARY KEY,
            log_id BIGINT NOT NULL,
            task TEXT NOT NULL,
            status TEXT NOT NULL,
            output_log TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return err
	}
	_, err := pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS engine_runs_log_id_idx ON engine_runs (log_id);`)
	return err
}
