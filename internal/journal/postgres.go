package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists lifecycle records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			room TEXT NOT NULL,
			agent_identity TEXT NOT NULL,
			providers TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ,
			trigger TEXT NOT NULL DEFAULT '',
			shutdown_error TEXT NOT NULL DEFAULT '',
			greeting_error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_sessions_started ON agent_sessions (started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context, record Record) (Record, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_sessions (id, session_id, room, agent_identity, providers, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID,
		record.SessionID,
		record.Room,
		record.AgentIdentity,
		record.Providers,
		record.StartedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("begin journal record: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Finish(ctx context.Context, id string, end Ending) error {
	if end.EndedAt.IsZero() {
		end.EndedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_sessions SET ended_at=$2, trigger=$3, shutdown_error=$4, greeting_error=$5 WHERE id=$1`,
		id,
		end.EndedAt,
		end.Trigger,
		end.ShutdownError,
		end.GreetingError,
	)
	if err != nil {
		return fmt.Errorf("finish journal record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, room, agent_identity, providers, started_at, ended_at, trigger, shutdown_error, greeting_error
		 FROM agent_sessions ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Room, &r.AgentIdentity, &r.Providers,
			&r.StartedAt, &r.EndedAt, &r.Trigger, &r.ShutdownError, &r.GreetingError); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
