// internal/common/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"loan-orchestrator/internal/common/config"

	_ "github.com/lib/pq"
)

// Schema is applied idempotently at startup by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS assessment_runs (
    id             TEXT PRIMARY KEY,
    application_id TEXT NOT NULL,
    applicant_ref  TEXT NOT NULL,
    status         TEXT NOT NULL,
    path           TEXT,
    failure_kind   TEXT,
    failure_stage  TEXT,
    category       TEXT,
    recommendation TEXT,
    narrative      TEXT,
    started_at     TIMESTAMPTZ NOT NULL,
    finished_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS stage_assessments (
    run_id       TEXT NOT NULL REFERENCES assessment_runs(id),
    stage        TEXT NOT NULL,
    payload      JSONB NOT NULL,
    rationale    TEXT,
    completed_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (run_id, stage)
);

CREATE TABLE IF NOT EXISTS audit_log (
    id         BIGSERIAL PRIMARY KEY,
    run_id     TEXT NOT NULL,
    action     TEXT NOT NULL,
    detail     JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

type PostgresClient struct {
	DB *sql.DB
}

func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresClient{DB: db}, nil
}

func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

func (c *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := c.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
