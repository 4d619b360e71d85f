package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	// pingTimeout bounds the connectivity check in Open.
	pingTimeout = 5 * time.Second

	connMaxIdleTime = 30 * time.Minute
	connMaxLifetime = time.Hour
)

// ErrNoPath is returned by Open when no database path is configured.
var ErrNoPath = errors.New("database: path is required")

// Config maps to the database section of config.yaml.
type Config struct {
	// Path of the SQLite file. Missing parent directories are created.
	Path string

	// WALMode lets the API read the frame log while the recorder writes.
	WALMode bool

	// BusyTimeout is how long a writer waits for a lock, in seconds.
	BusyTimeout int
}

// DB is the bridge's SQLite store holding the frame log and the address
// table. It embeds *sql.DB, so the standard query methods are available.
type DB struct {
	*sql.DB
	path string
}

// dsn builds the go-sqlite3 connection string for cfg.
// See https://github.com/mattn/go-sqlite3#connection-string.
func dsn(cfg Config) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout*int(time.Second/time.Millisecond)))
	q.Set("_foreign_keys", "on")
	if cfg.WALMode {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Open opens (creating if needed) the SQLite file at cfg.Path and checks
// that it answers within pingTimeout.
//
// Parameters:
//   - ctx: Bounds the connectivity check
//   - cfg: Path, journal mode and busy timeout
//
// Returns:
//   - *DB: Open database, owner read/write only
//   - error: ErrNoPath, or a wrapped open/ping failure
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, ErrNoPath
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite has a single writer and the recorder batches.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // created lazily on first write

	return &DB{DB: sqlDB, path: cfg.Path}, nil
}

// Close closes the database. Safe to call on a DB that was never opened.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck runs a trivial query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Size returns the bytes used on disk by the database file and its WAL.
// The frame log grows until pruned, so this is exported as a gauge.
func (db *DB) Size() (int64, error) {
	var total int64
	for _, p := range []string{db.path, db.path + "-wal"} {
		info, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", p, err)
		}
		total += info.Size()
	}
	return total, nil
}
