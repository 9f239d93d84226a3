package builder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore archives finished builds, their logs and the per-project
// build-number counters.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s, err := NewPostgresStoreFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an open handle and makes sure the schema exists.
func NewPostgresStoreFromDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS app_builds (
    id TEXT PRIMARY KEY,
    project TEXT NOT NULL,
    url TEXT NOT NULL,
    branch TEXT NOT NULL,
    commit_hash TEXT,
    status TEXT NOT NULL,
    stage TEXT NOT NULL,
    artifacts TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    error TEXT
);
CREATE TABLE IF NOT EXISTS app_build_logs (
    id BIGSERIAL PRIMARY KEY,
    build_id TEXT NOT NULL REFERENCES app_builds(id) ON DELETE CASCADE,
    level INTEGER NOT NULL,
    logged_at TIMESTAMPTZ NOT NULL,
    message TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS app_build_counters (
    project TEXT PRIMARY KEY,
    counter INTEGER NOT NULL,
    last_number BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE app_build_counters ADD COLUMN IF NOT EXISTS last_number BIGINT NOT NULL DEFAULT 0;
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveBuild writes a completed build and its whole log buffer in one
// transaction.
func (s *PostgresStore) SaveBuild(ctx context.Context, build Build, logs []LogRecord) error {
	artifacts, err := json.Marshal(build.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO app_builds (id, project, url, branch, commit_hash, status, stage, artifacts, created_at, finished_at, error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    stage = EXCLUDED.stage,
    artifacts = EXCLUDED.artifacts,
    finished_at = EXCLUDED.finished_at,
    error = EXCLUDED.error`
	var finishedAt *time.Time
	if !build.FinishedAt.IsZero() {
		finishedAt = &build.FinishedAt
	}
	if _, err := tx.ExecContext(ctx, query,
		build.ID,
		build.Request.Project,
		build.Request.URL,
		build.Request.Branch,
		build.Request.Commit,
		build.Status,
		build.Stage,
		string(artifacts),
		build.CreatedAt,
		finishedAt,
		build.Error,
	); err != nil {
		return fmt.Errorf("insert build: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO app_build_logs (build_id, level, logged_at, message) VALUES ($1,$2,$3,$4)`)
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer stmt.Close()
	for _, rec := range logs {
		if _, err := stmt.ExecContext(ctx, build.ID, int(rec.Level), rec.Time, rec.Message); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Build, error) {
	var b Build
	var commit, errMsg sql.NullString
	var finishedAt sql.NullTime
	var artifacts string
	query := `SELECT id, project, url, branch, commit_hash, status, stage, artifacts, created_at, finished_at, error FROM app_builds WHERE id=$1`
	err := s.db.QueryRowContext(ctx, query, id).Scan(&b.ID, &b.Request.Project, &b.Request.URL, &b.Request.Branch, &commit, &b.Status, &b.Stage, &artifacts, &b.CreatedAt, &finishedAt, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, ErrNotFound
	}
	if err != nil {
		return Build{}, err
	}
	if commit.Valid {
		b.Request.Commit = commit.String
	}
	if finishedAt.Valid {
		b.FinishedAt = finishedAt.Time
		b.Completed = true
	}
	if errMsg.Valid {
		b.Error = errMsg.String
	}
	if err := json.Unmarshal([]byte(artifacts), &b.Artifacts); err != nil {
		return Build{}, fmt.Errorf("decode artifacts: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, id string, limit int) ([]LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT level, logged_at, message FROM app_build_logs WHERE build_id=$1 ORDER BY id ASC LIMIT $2`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []LogRecord
	for rows.Next() {
		var rec LogRecord
		var level int
		if err := rows.Scan(&level, &rec.Time, &rec.Message); err != nil {
			return nil, err
		}
		rec.Level = slog.Level(level)
		logs = append(logs, rec)
	}
	return logs, rows.Err()
}

// Load returns the counter state recorded for project.
func (s *PostgresStore) Load(ctx context.Context, project string) (CounterState, error) {
	var st CounterState
	err := s.db.QueryRowContext(ctx, `SELECT counter, last_number FROM app_build_counters WHERE project=$1`, project).Scan(&st.Counter, &st.LastNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return CounterState{}, nil
	}
	if err != nil {
		return CounterState{}, err
	}
	return st, nil
}

// Save stores the counter state for project.
func (s *PostgresStore) Save(ctx context.Context, project string, st CounterState) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO app_build_counters (project, counter, last_number, updated_at) VALUES ($1,$2,$3,NOW())
ON CONFLICT (project) DO UPDATE SET counter = EXCLUDED.counter, last_number = EXCLUDED.last_number, updated_at = EXCLUDED.updated_at`, project, st.Counter, st.LastNumber)
	return err
}
