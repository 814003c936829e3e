package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Journal interface using SQLite
type SQLiteStore struct {
	db          *sql.DB
	path        string
	busyTimeout time.Duration
}

var _ Journal = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	return &SQLiteStore{
		path:        cfg.Path,
		busyTimeout: cfg.BusyTimeout,
	}, nil
}

// Init opens the database. The journal is written by a single recorder, so the
// pool holds one connection; this also keeps an in-memory database alive.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.busyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, workflow, targets, params, excluded, status, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Workflow,
		encodeList(run.Targets),
		encodeList(run.Params),
		encodeList(run.Excluded),
		run.Status,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun records the final status of a run
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return expectOne(result, "run", id)
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, workflow, targets, params, excluded, status, error, started_at, completed_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, most recent first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, workflow, targets, params, excluded, status, error, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and everything recorded for it
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return expectOne(result, "run", id)
}

// AppendTransition appends an entity state transition
func (s *SQLiteStore) AppendTransition(ctx context.Context, tr *Transition) error {
	query := `
		INSERT INTO transitions (run_id, entity, from_state, to_state, cause, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query, tr.RunID, tr.Entity, tr.From, tr.To, tr.Cause, tr.At)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get transition ID: %w", err)
	}

	tr.ID = id
	return nil
}

// ListTransitions lists the transitions of a run in the order they happened
func (s *SQLiteStore) ListTransitions(ctx context.Context, runID string) ([]*Transition, error) {
	query := `
		SELECT id, run_id, entity, from_state, to_state, cause, at
		FROM transitions
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	transitions := []*Transition{}
	for rows.Next() {
		tr := &Transition{}
		if err := rows.Scan(&tr.ID, &tr.RunID, &tr.Entity, &tr.From, &tr.To, &tr.Cause, &tr.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions = append(transitions, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return transitions, nil
}

// StartExecution records a service execution as started
func (s *SQLiteStore) StartExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (run_id, service, job, status, reason, started_at, completed_at)
		VALUES (?, ?, ?, ?, NULL, ?, NULL)
		ON CONFLICT (run_id, service) DO UPDATE SET
			job = excluded.job,
			status = excluded.status,
			reason = NULL,
			started_at = excluded.started_at,
			completed_at = NULL
	`

	exec.Status = ExecutionStatusStarted
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query, exec.RunID, exec.Service, exec.Job, exec.Status, exec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to start execution: %w", err)
	}
	return nil
}

// FinishExecution records the outcome of a service execution
func (s *SQLiteStore) FinishExecution(ctx context.Context, runID, service string, status ExecutionStatus, reason *string) error {
	query := `
		UPDATE executions
		SET status = ?, reason = ?, completed_at = ?
		WHERE run_id = ? AND service = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, reason, time.Now().UTC(), runID, service)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	return expectOne(result, "execution", runID+"/"+service)
}

// ListExecutions lists the executions of a run in start order
func (s *SQLiteStore) ListExecutions(ctx context.Context, runID string) ([]*Execution, error) {
	query := `
		SELECT run_id, service, job, status, reason, started_at, completed_at
		FROM executions
		WHERE run_id = ?
		ORDER BY started_at, rowid
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := []*Execution{}
	for rows.Next() {
		exec := &Execution{}
		err := rows.Scan(
			&exec.RunID,
			&exec.Service,
			&exec.Job,
			&exec.Status,
			&exec.Reason,
			&exec.StartedAt,
			&exec.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// SaveResults stores the results a service published, replacing earlier ones
func (s *SQLiteStore) SaveResults(ctx context.Context, res *Results) error {
	query := `
		INSERT INTO results (run_id, service, data, at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, service) DO UPDATE SET data = excluded.data, at = excluded.at
	`

	data, err := json.Marshal(res.Data)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if res.At.IsZero() {
		res.At = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, query, res.RunID, res.Service, string(data), res.At); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	return nil
}

// ListResults lists the results published in a run
func (s *SQLiteStore) ListResults(ctx context.Context, runID string) ([]*Results, error) {
	query := `
		SELECT run_id, service, data, at
		FROM results
		WHERE run_id = ?
		ORDER BY at, rowid
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	results := []*Results{}
	for rows.Next() {
		res := &Results{}
		var data string
		if err := rows.Scan(&res.RunID, &res.Service, &data, &res.At); err != nil {
			return nil, fmt.Errorf("failed to scan results: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &res.Data); err != nil {
			return nil, fmt.Errorf("failed to decode results of %s: %w", res.Service, err)
		}
		results = append(results, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	return results, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var targets, params, excluded string
	err := row.Scan(
		&run.ID,
		&run.Workflow,
		&targets,
		&params,
		&excluded,
		&run.Status,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		raw string
		dst *[]string
	}{{targets, &run.Targets}, {params, &run.Params}, {excluded, &run.Excluded}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode run %s: %w", run.ID, err)
		}
	}

	return run, nil
}

func encodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func expectOne(result sql.Result, what, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check %s update: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
