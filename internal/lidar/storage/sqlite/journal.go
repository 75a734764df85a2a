package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/scanbridge/internal/lidar/pipeline"
	"github.com/banshee-data/scanbridge/internal/lidar/timesync"
	"github.com/banshee-data/scanbridge/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Connection pragmas, applied to every pooled connection.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// ErrUnknownRun is returned when a run id has no row.
var ErrUnknownRun = errors.New("unknown run")

// DB is the journal database.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the journal at path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		parts := make([]string, len(pragmas))
		for i, p := range pragmas {
			parts[i] = "_pragma=" + p
		}
		dsn += "?" + strings.Join(parts, "&")
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		return nil, multierr.Append(err, sqlDB.Close())
	}
	return db, nil
}

// Close folds the WAL back into the journal file and closes the pool.
func (db *DB) Close() error {
	var err error
	if _, cerr := db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)"); cerr != nil {
		err = fmt.Errorf("checkpoint journal: %w", cerr)
	}
	return multierr.Append(err, db.DB.Close())
}

// Path is the file the journal was opened from.
func (db *DB) Path() string { return db.path }

// MigrateUp applies every embedded migration not yet recorded.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close db.DB as well.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion reports the applied schema version. A fresh database
// reports 0.
func (db *DB) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+strings.TrimSuffix(format, "\n"), v...)
}

func (migrateLogger) Verbose() bool { return false }

// RunInfo describes the sensor a run was recorded against.
type RunInfo struct {
	Profile     string
	Width       int
	Height      int
	SensorFrame string
	Source      string
	Notes       string
}

// Run is one driver lifetime.
type Run struct {
	ID        string     `json:"run_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	RunInfo
}

// StartRun inserts a run row and returns its id.
func (db *DB) StartRun(ctx context.Context, info RunInfo, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at_ns, profile, width, height, sensor_frame, source, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, at.UnixNano(), info.Profile, info.Width, info.Height, info.SensorFrame, info.Source, info.Notes)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// EndRun stamps the run's end time.
func (db *DB) EndRun(ctx context.Context, runID string, at time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE runs SET ended_at_ns = ? WHERE run_id = ?`, at.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end run %s: %w", runID, ErrUnknownRun)
	}
	return nil
}

// Runs lists runs newest first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, started_at_ns, ended_at_ns, profile, width, height, sensor_frame, source, notes
		FROM runs ORDER BY started_at_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&r.ID, &started, &ended, &r.Profile, &r.Width, &r.Height,
			&r.SensorFrame, &r.Source, &r.Notes); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// InsertSyncEvents writes handshake events in one transaction.
func (db *DB) InsertSyncEvents(ctx context.Context, runID string, evs []timesync.SyncEvent) error {
	return db.inTx(ctx, `
		INSERT INTO sync_events (run_id, at_ns, outcome, device_timestamp, reference, offset_ns, latency_ns, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, len(evs), func(stmt *sql.Stmt, i int) error {
		ev := evs[i]
		_, err := stmt.ExecContext(ctx, runID, ev.At.UnixNano(), string(ev.Outcome), ev.DeviceTimestamp,
			ev.Reference, ev.Offset, int64(ev.Latency), ev.Error)
		return err
	})
}

// InsertFrameStats writes rotation rows in one transaction.
func (db *DB) InsertFrameStats(ctx context.Context, runID string, stats []pipeline.FrameStat) error {
	return db.inTx(ctx, `
		INSERT INTO frame_stats (run_id, at_ns, scan_frame_id, device_timestamp, timestamp_ns,
			returns, points, columns, synced, withheld)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, len(stats), func(stmt *sql.Stmt, i int) error {
		s := stats[i]
		_, err := stmt.ExecContext(ctx, runID, s.At.UnixNano(), s.ScanFrameID, int64(s.DeviceTimestamp),
			s.Timestamp, s.Returns, s.Points, s.Columns, s.Synced, s.Withheld)
		return err
	})
}

func (db *DB) inTx(ctx context.Context, query string, n int, exec func(*sql.Stmt, int) error) error {
	if n == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		if err := exec(stmt, i); err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// RecentSyncEvents returns up to limit events for a run in time order.
func (db *DB) RecentSyncEvents(ctx context.Context, runID string, limit int) ([]timesync.SyncEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT at_ns, outcome, device_timestamp, reference, offset_ns, latency_ns, error FROM (
			SELECT * FROM sync_events WHERE run_id = ? ORDER BY at_ns DESC, id DESC LIMIT ?
		) ORDER BY at_ns, id`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync events: %w", err)
	}
	defer rows.Close()

	var out []timesync.SyncEvent
	for rows.Next() {
		var ev timesync.SyncEvent
		var at, latency int64
		var outcome string
		if err := rows.Scan(&at, &outcome, &ev.DeviceTimestamp, &ev.Reference, &ev.Offset, &latency, &ev.Error); err != nil {
			return nil, fmt.Errorf("scan sync event: %w", err)
		}
		ev.At = time.Unix(0, at)
		ev.Outcome = timesync.Outcome(outcome)
		ev.Latency = time.Duration(latency)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentFrameStats returns up to limit rotation rows for a run in time order.
func (db *DB) RecentFrameStats(ctx context.Context, runID string, limit int) ([]pipeline.FrameStat, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT at_ns, scan_frame_id, device_timestamp, timestamp_ns, returns, points, columns, synced, withheld FROM (
			SELECT * FROM frame_stats WHERE run_id = ? ORDER BY at_ns DESC, id DESC LIMIT ?
		) ORDER BY at_ns, id`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query frame stats: %w", err)
	}
	defer rows.Close()

	var out []pipeline.FrameStat
	for rows.Next() {
		var s pipeline.FrameStat
		var at, device int64
		if err := rows.Scan(&at, &s.ScanFrameID, &device, &s.Timestamp, &s.Returns, &s.Points,
			&s.Columns, &s.Synced, &s.Withheld); err != nil {
			return nil, fmt.Errorf("scan frame stat: %w", err)
		}
		s.At = time.Unix(0, at)
		s.DeviceTimestamp = uint64(device)
		out = append(out, s)
	}
	return out, rows.Err()
}
