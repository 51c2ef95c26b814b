package results

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/nanolab/smuctl/internal/errors"
	"codeberg.org/nanolab/smuctl/internal/logger"
	"codeberg.org/nanolab/smuctl/internal/measure"

	_ "github.com/mattn/go-sqlite3"
)

const defaultDirPerm = 0o755

// RunInfo describes one recorded run.
type RunInfo struct {
	Mode       string
	Compliance string
	Range      string
}

// Repository stores runs and their samples.
type Repository interface {
	BeginRun(ctx context.Context, info RunInfo) (int64, error)
	Record(ctx context.Context, runID int64, s measure.Sample) error
	EndRun(ctx context.Context, runID int64) error
	Close() error
}

// NewRepository opens the sqlite-backed repository at dbPath. An empty
// path yields a no-op repository, so callers never branch on whether
// telemetry is enabled.
func NewRepository(dbPath string) (Repository, error) {
	if dbPath == "" {
		logger.Debug().Msg("Run recording disabled, using no-op repository")
		return &noopRepository{}, nil
	}

	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(dbPath), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(errors.ErrStorageAccess, err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrStorageAccess, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug().Str("db_path", dbPath).Msg("Run repository initialized")

	return &sqliteRepository{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS runs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            mode TEXT NOT NULL,
            compliance TEXT NOT NULL,
            current_range TEXT NOT NULL,
            started_at INTEGER NOT NULL,
            finished_at INTEGER
        );
        CREATE TABLE IF NOT EXISTS samples (
            run_id INTEGER NOT NULL REFERENCES runs(id),
            elapsed_seconds REAL NOT NULL,
            current_amps REAL NOT NULL
        );
    `)
	if err != nil {
		return errors.New().Wrap(errors.ErrStorageAccess, err)
	}
	return nil
}

type sqliteRepository struct {
	db *sql.DB
	mu sync.Mutex
}

func (r *sqliteRepository) BeginRun(ctx context.Context, info RunInfo) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `
        INSERT INTO runs (mode, compliance, current_range, started_at)
        VALUES (?, ?, ?, ?)
    `, info.Mode, info.Compliance, info.Range, time.Now().Unix())
	if err != nil {
		return 0, errors.New().Wrap(errors.ErrStorageAccess, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.New().Wrap(errors.ErrStorageAccess, err)
	}
	return id, nil
}

func (r *sqliteRepository) Record(ctx context.Context, runID int64, s measure.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO samples (run_id, elapsed_seconds, current_amps)
        VALUES (?, ?, ?)
    `, runID, s.Seconds(), s.Current)
	if err != nil {
		return errors.New().Wrap(errors.ErrStorageAccess, err)
	}
	return nil
}

func (r *sqliteRepository) EndRun(ctx context.Context, runID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
        UPDATE runs SET finished_at = ? WHERE id = ?
    `, time.Now().Unix(), runID)
	if err != nil {
		return errors.New().Wrap(errors.ErrStorageAccess, err)
	}
	return nil
}

func (r *sqliteRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Close(); err != nil {
		return errors.New().Wrap(errors.ErrStorageAccess, err)
	}
	return nil
}

type noopRepository struct{}

func (*noopRepository) BeginRun(context.Context, RunInfo) (int64, error) { return 0, nil }

func (*noopRepository) Record(context.Context, int64, measure.Sample) error { return nil }

func (*noopRepository) EndRun(context.Context, int64) error { return nil }

func (*noopRepository) Close() error { return nil }
