// Package db keeps an optional, write-only journal of recording sessions in
// Postgres. The loop never reads it back; it exists for operators.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/livecheck/registry"
)

// writeTimeout bounds each journal statement so a slow database cannot stall the loop.
const writeTimeout = 3 * time.Second

// Connect opens and pings a Postgres connection.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	dbx.SetMaxOpenConns(4)
	dbx.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return dbx, nil
}

// Migrate applies idempotent schema changes.
func Migrate(ctx context.Context, dbx *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			id UUID PRIMARY KEY,
			login TEXT NOT NULL,
			quality TEXT NOT NULL,
			path TEXT NOT NULL,
			title TEXT,
			category TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			exit_code INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_login_started ON recordings(login, started_at DESC)`,
	}
	for _, s := range stmts {
		if _, err := dbx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Journal writes session boundaries to the recordings table.
type Journal struct {
	DB *sql.DB
}

// Started inserts a row for a new session. Re-inserting the same id is a no-op.
func (j *Journal) Started(ctx context.Context, s registry.Session) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := j.DB.ExecContext(ctx,
		`INSERT INTO recordings (id, login, quality, path, title, category, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
		s.ID, s.Login, s.Quality, s.Path, s.Title, s.Category, s.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("journal start %s: %w", s.ID, err)
	}
	return nil
}

// Finished stamps the end time and exit code of a session.
func (j *Journal) Finished(ctx context.Context, s registry.Session, endedAt time.Time, code int) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := j.DB.ExecContext(ctx,
		`UPDATE recordings SET ended_at = $2, exit_code = $3 WHERE id = $1`,
		s.ID, endedAt.UTC(), code)
	if err != nil {
		return fmt.Errorf("journal finish %s: %w", s.ID, err)
	}
	return nil
}
