package stores

import (
	"context"
	"database/sql"
	"embed"
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

// SQLiteStore implements CycleStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ CycleStore = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and enables WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_time_format=sqlite&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
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

// Migrate runs the embedded schema migrations.
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

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// RecordCycle stores a cycle and its steps in one transaction.
func (s *SQLiteStore) RecordCycle(ctx context.Context, rec *CycleRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("cycle ID is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cycles (id, station, verdict, reason, terminated, uut, data, payload, started_at, finished_at, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Station,
		rec.Verdict,
		rec.Reason,
		rec.Terminated,
		rec.UUT,
		rec.Data,
		rec.Payload,
		rec.StartedAt.UTC(),
		rec.FinishedAt.UTC(),
		rec.Duration.Milliseconds(),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record cycle: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO steps (id, cycle_id, parent_id, position, name, path, status, reason, result, logs, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare step insert: %w", err)
	}
	defer stmt.Close()

	for i, step := range rec.Steps {
		step.CycleID = rec.ID
		step.Position = i
		_, err := stmt.ExecContext(ctx,
			step.ID,
			step.CycleID,
			step.ParentID,
			step.Position,
			step.Name,
			step.Path,
			step.Status,
			step.Reason,
			step.Result,
			step.Logs,
			step.StartedAt.UTC(),
			step.FinishedAt.UTC(),
			step.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to record step %s: %w", step.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cycle: %w", err)
	}
	return nil
}

const cycleColumns = `id, station, verdict, reason, terminated, uut, data, payload, started_at, finished_at, duration_ms, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCycle(row rowScanner) (*CycleRecord, error) {
	rec := &CycleRecord{}
	var durationMS int64
	err := row.Scan(
		&rec.ID,
		&rec.Station,
		&rec.Verdict,
		&rec.Reason,
		&rec.Terminated,
		&rec.UUT,
		&rec.Data,
		&rec.Payload,
		&rec.StartedAt,
		&rec.FinishedAt,
		&durationMS,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}

// GetCycle retrieves a cycle with its steps.
func (s *SQLiteStore) GetCycle(ctx context.Context, id string) (*CycleRecord, error) {
	rec, err := scanCycle(s.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cycle %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, parent_id, position, name, path, status, reason, result, logs, started_at, finished_at, duration_ms
		FROM steps
		WHERE cycle_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		step := &StepRow{}
		var durationMS int64
		err := rows.Scan(
			&step.ID,
			&step.CycleID,
			&step.ParentID,
			&step.Position,
			&step.Name,
			&step.Path,
			&step.Status,
			&step.Reason,
			&step.Result,
			&step.Logs,
			&step.StartedAt,
			&step.FinishedAt,
			&durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		step.Duration = time.Duration(durationMS) * time.Millisecond
		rec.Steps = append(rec.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return rec, nil
}

// ListCycles lists cycles, newest first, without their steps.
func (s *SQLiteStore) ListCycles(ctx context.Context, filter CycleFilter) ([]*CycleRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var since interface{}
	if filter.Since != nil {
		since = filter.Since.UTC()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cycleColumns+`
		FROM cycles
		WHERE (? IS NULL OR station = ?)
		  AND (? IS NULL OR verdict = ?)
		  AND (? IS NULL OR started_at >= ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`,
		filter.Station, filter.Station,
		filter.Verdict, filter.Verdict,
		since, since,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	cycles := []*CycleRecord{}
	for rows.Next() {
		rec, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		cycles = append(cycles, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycles: %w", err)
	}

	return cycles, nil
}

// Summary aggregates the cycles of a station.
func (s *SQLiteStore) Summary(ctx context.Context, station string) (*Summary, error) {
	sum := &Summary{Station: station}

	rows, err := s.db.QueryContext(ctx, `
		SELECT verdict, COUNT(*), SUM(terminated)
		FROM cycles
		WHERE station = ?
		GROUP BY verdict
	`, station)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize cycles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var verdict string
		var count, terminated int
		if err := rows.Scan(&verdict, &count, &terminated); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		sum.Total += count
		sum.Terminated += terminated
		switch verdict {
		case VerdictPassed:
			sum.Passed = count
		case VerdictFailed:
			sum.Failed = count
		case VerdictCustom:
			sum.Custom = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summary: %w", err)
	}

	if sum.Total > 0 {
		var first, last time.Time
		err := s.db.QueryRowContext(ctx, `
			SELECT started_at FROM cycles WHERE station = ? ORDER BY started_at ASC LIMIT 1
		`, station).Scan(&first)
		if err != nil {
			return nil, fmt.Errorf("failed to get first cycle: %w", err)
		}
		err = s.db.QueryRowContext(ctx, `
			SELECT started_at FROM cycles WHERE station = ? ORDER BY started_at DESC LIMIT 1
		`, station).Scan(&last)
		if err != nil {
			return nil, fmt.Errorf("failed to get last cycle: %w", err)
		}
		sum.First = &first
		sum.Last = &last
	}

	return sum, nil
}

// DeleteCyclesBefore removes cycles started before the given time, with their steps.
func (s *SQLiteStore) DeleteCyclesBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cycles WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete cycles: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
