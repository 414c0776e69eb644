package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/zoocwl/internal/logging"
	"github.com/me/zoocwl/pkg/job"

	_ "modernc.org/sqlite"
)

// ErrJobNotFound is returned when updating a job that does not exist.
var ErrJobNotFound = errors.New("job not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logging.OrDiscard(logger).With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

func (s *SQLiteStore) CreateJob(ctx context.Context, rec *Record) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", rec.ID)

	state := rec.State
	if state == "" {
		state = job.StateCreated
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.State = state

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, identifier, namespace, state, message, catalog_uri, collection, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Identifier, rec.Namespace, string(state), rec.Message, rec.CatalogURI, rec.Collection,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

const jobColumns = `id, identifier, namespace, state, message, catalog_uri, collection, created_at, updated_at, completed_at`

// GetJob returns the job with id, or nil when there is none.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Record, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListJobs returns the most recent jobs first. A limit <= 0 means 50.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	s.logger.Debug("sql", "op", "select", "table", "jobs", "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, to job.State, message string) error {
	s.logger.Debug("sql", "op", "transition", "table", "jobs", "id", id, "to", to)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return err
	}

	from := job.State(current)
	if !from.CanTransitionTo(to) {
		return &job.InvalidTransitionError{JobID: id, From: from, To: to}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var completedAt any
	if to.IsTerminal() {
		completedAt = now
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, message = ?, updated_at = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		string(to), message, now, completedAt, id,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transitions (job_id, from_state, to_state, message, at) VALUES (?, ?, ?, ?, ?)`,
		id, string(from), string(to), message, now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ListTransitions returns the transitions of a job in the order they happened.
func (s *SQLiteStore) ListTransitions(ctx context.Context, id string) ([]Transition, error) {
	s.logger.Debug("sql", "op", "select", "table", "transitions", "job_id", id)

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, from_state, to_state, message, at FROM transitions WHERE job_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to, at string
		if err := rows.Scan(&t.JobID, &from, &to, &t.Message, &at); err != nil {
			return nil, err
		}
		t.From, t.To = job.State(from), job.State(to)
		t.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetResult(ctx context.Context, id, catalogURI, collection string) error {
	s.logger.Debug("sql", "op", "update", "table", "jobs", "id", id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET catalog_uri = ?, collection = ?, updated_at = ? WHERE id = ?`,
		catalogURI, collection, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Record, error) {
	var rec Record
	var state, createdAt, updatedAt string
	var completedAt sql.NullString
	if err := row.Scan(&rec.ID, &rec.Identifier, &rec.Namespace, &state, &rec.Message,
		&rec.CatalogURI, &rec.Collection, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	rec.State = job.State(state)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err == nil {
			rec.CompletedAt = &t
		}
	}
	return &rec, nil
}
