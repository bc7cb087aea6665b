package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/meshforge/internal/model"
)

// SQLite persists jobs and the artifact index in a single database file, so
// non-terminal jobs survive a restart and can be resumed.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers; transitions are short.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
PRAGMA journal_mode = WAL;
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  external_ref TEXT NOT NULL,
  state TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  artifact_location TEXT,
  last_error TEXT,
  fingerprint TEXT,
  source_name TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_owner_created ON jobs (owner, created_at);
CREATE INDEX IF NOT EXISTS jobs_state ON jobs (state);
CREATE TABLE IF NOT EXISTS artifacts (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  location TEXT NOT NULL UNIQUE,
  owner TEXT NOT NULL,
  job_id TEXT NOT NULL,
  size_bytes INTEGER NOT NULL,
  checksum TEXT NOT NULL,
  content_type TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS artifacts_owner ON artifacts (owner, seq);
`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

const jobColumns = `id, owner, external_ref, state, progress, artifact_location, last_error, fingerprint, source_name, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		job                           model.Job
		state                         string
		location, lastErr, fp, source sql.NullString
		createdNs, updatedNs          int64
	)
	if err := row.Scan(&job.ID, &job.Owner, &job.ExternalRef, &state, &job.Progress,
		&location, &lastErr, &fp, &source, &createdNs, &updatedNs); err != nil {
		return model.Job{}, err
	}
	job.State = model.JobState(state)
	job.ArtifactLocation = location.String
	job.LastError = lastErr.String
	job.Fingerprint = fp.String
	job.SourceName = source.String
	job.CreatedAt = time.Unix(0, createdNs).UTC()
	job.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return job, nil
}

func (s *SQLite) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Owner,
		job.ExternalRef,
		string(job.State),
		job.Progress,
		nullableString(job.ArtifactLocation),
		nullableString(job.LastError),
		nullableString(job.Fingerprint),
		nullableString(job.SourceName),
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if _, getErr := s.GetJob(ctx, job.ID); getErr == nil {
			return fmt.Errorf("job %s: %w", job.ID, model.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.ErrNotFound
	}
	return job, err
}

func (s *SQLite) TransitionJob(ctx context.Context, id string, tr model.Transition) (model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Job{}, err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}
	next, err := job.Apply(tr, s.now())
	if err != nil {
		return job, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs
         SET state = ?, progress = ?, artifact_location = ?, last_error = ?, updated_at = ?
         WHERE id = ?`,
		string(next.State),
		next.Progress,
		nullableString(next.ArtifactLocation),
		nullableString(next.LastError),
		next.UpdatedAt.UnixNano(),
		id,
	); err != nil {
		return job, err
	}
	if err := tx.Commit(); err != nil {
		return job, err
	}
	return next, nil
}

func (s *SQLite) ListJobs(ctx context.Context, owner string, state *model.JobState, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner = ?`
	args := []any{owner}
	if state != nil {
		query += " AND state = ?"
		args = append(args, string(*state))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)
	return s.queryJobs(ctx, query, args...)
}

func (s *SQLite) ListActiveJobs(ctx context.Context) ([]model.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state IN (?, ?) ORDER BY created_at ASC`,
		string(model.JobPending), string(model.JobPolling),
	)
}

func (s *SQLite) queryJobs(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

const artifactColumns = `location, owner, job_id, size_bytes, checksum, content_type, created_at`

func scanArtifact(row rowScanner) (model.Artifact, error) {
	var (
		a         model.Artifact
		createdNs int64
	)
	if err := row.Scan(&a.Location, &a.Owner, &a.JobID, &a.SizeBytes, &a.Checksum, &a.ContentType, &createdNs); err != nil {
		return model.Artifact{}, err
	}
	a.CreatedAt = time.Unix(0, createdNs).UTC()
	return a, nil
}

func (s *SQLite) RecordArtifact(ctx context.Context, a model.Artifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE location = ?`, a.Location).Scan(&exists)
	if err == nil {
		return fmt.Errorf("artifact %s: %w", a.Location, model.ErrConflict)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Location, a.Owner, a.JobID, a.SizeBytes, a.Checksum, a.ContentType, a.CreatedAt.UnixNano(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) GetArtifact(ctx context.Context, location string) (model.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE location = ?`, location))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Artifact{}, model.ErrNotFound
	}
	return a, err
}

func (s *SQLite) ListArtifactsByOwner(ctx context.Context, owner string) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE owner = ? ORDER BY seq ASC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Artifact, 0)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteArtifact(ctx context.Context, location string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE location = ?`, location)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
