package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"time"
)

// ErrNoDownMigration is returned by Rollback when the latest applied
// migration has no .down.sql file.
var ErrNoDownMigration = errors.New("database: migration has no down SQL")

// migrationFileRe matches YYYYMMDD_HHMMSS_name.up.sql and .down.sql.
var migrationFileRe = regexp.MustCompile(`^(\d{8}_\d{6})_([A-Za-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one schema change loaded from the migrations filesystem.
type Migration struct {
	Version string // YYYYMMDD_HHMMSS
	Name    string // description part of the filename
	UpSQL   string
	DownSQL string
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   string
	AppliedAt time.Time
}

// migrationFile is a parsed migration filename.
type migrationFile struct {
	version string
	name    string
	up      bool
}

func parseMigrationFile(filename string) (migrationFile, bool) {
	m := migrationFileRe.FindStringSubmatch(filename)
	if m == nil {
		return migrationFile{}, false
	}
	return migrationFile{version: m[1], name: m[2], up: m[3] == "up"}, true
}

// Migrate applies every pending migration in fsys, oldest first, each in
// its own transaction. A failed migration is rolled back; the ones before
// it stay applied, so running Migrate again resumes from the failure.
//
// Parameters:
//   - ctx: Context for cancellation
//   - fsys: Migration files at the root; nil means no migrations
//
// Returns:
//   - error: The first failure, naming the migration
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) error {
	_, pending, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		return err
	}

	for _, m := range pending {
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return fmt.Errorf("executing SQL: %w", err)
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				m.Version, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Rollback reverts the most recently applied migration and returns it.
// With nothing applied it returns (nil, nil).
func (db *DB) Rollback(ctx context.Context, fsys fs.FS) (*Migration, error) {
	applied, _, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		return nil, err
	}
	if len(applied) == 0 {
		return nil, nil
	}
	latest := applied[len(applied)-1].Version

	all, err := loadMigrations(fsys)
	if err != nil {
		return nil, err
	}
	idx := sort.Search(len(all), func(i int) bool { return all[i].Version >= latest })
	if idx == len(all) || all[idx].Version != latest {
		return nil, fmt.Errorf("applied migration %s not found in migration files", latest)
	}
	m := all[idx]
	if m.DownSQL == "" {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoDownMigration, m.Version, m.Name)
	}

	err = db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			return fmt.Errorf("executing down SQL: %w", err)
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("rolling back %s (%s): %w", m.Version, m.Name, err)
	}
	return &m, nil
}

// MigrationStatus returns the applied migrations and those in fsys still
// pending, both in version order.
func (db *DB) MigrationStatus(ctx context.Context, fsys fs.FS) (applied []MigrationRecord, pending []Migration, err error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return nil, nil, fmt.Errorf("creating migrations table: %w", err)
	}

	applied, err = db.appliedMigrations(ctx)
	if err != nil {
		return nil, nil, err
	}
	all, err := loadMigrations(fsys)
	if err != nil {
		return nil, nil, err
	}

	done := make(map[string]struct{}, len(applied))
	for _, r := range applied {
		done[r.Version] = struct{}{}
	}
	for _, m := range all {
		if _, ok := done[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	return applied, pending, nil
}

func (db *DB) appliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying schema_migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var (
			r  MigrationRecord
			at string
		)
		if err := rows.Scan(&r.Version, &at); err != nil {
			return nil, fmt.Errorf("scanning schema_migrations: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // written by Migrate
		records = append(records, r)
	}
	return records, rows.Err()
}

// inTx runs fn in a transaction, committing if it returns nil.
func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// loadMigrations reads the migration pairs at the root of fsys, sorted by
// version. Other files are ignored. A down file without an up file is an
// error.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, ok := parseMigrationFile(e.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}

		m := byVersion[f.version]
		if m == nil {
			m = &Migration{Version: f.version, Name: f.name}
			byVersion[f.version] = m
		}
		if f.up {
			m.UpSQL = string(body)
		} else {
			m.DownSQL = string(body)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" {
			return nil, fmt.Errorf("migration %s (%s) has no up SQL", m.Version, m.Name)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
