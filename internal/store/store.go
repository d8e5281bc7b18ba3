// Package store provides the embedded, single-writer audit log and
// retention state backing a sync process: every SCRAM/ACL mutation attempt
// is recorded here, batched under a correlation ID, and later purged by the
// retention manager.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/scramsync/kcsync/internal/kcerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database in WAL mode behind a pool of one connection,
// so reads and writes are serialised over that connection.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the database at path, then returns
// a Store ready for use. path is a plain filesystem path, not a DSN; busy
// timeout and journal mode are appended internally.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// A single connection avoids SQLITE_BUSY under WAL; readers share that
	// same connection with the writer, one statement at a time.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("%w: building migration driver: %v", kcerr.ErrPersistence, err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: reading embedded migrations: %v", kcerr.ErrPersistence, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("%w: constructing migrator: %v", kcerr.ErrPersistence, err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("%w: applying migrations: %v", kcerr.ErrPersistence, err)
	}

	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DBSizeBytes estimates the on-disk database size from SQLite's page
// accounting, per the retention manager's size-based purge trigger.
func (s *Store) DBSizeBytes() (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("%w: reading page_count: %v", kcerr.ErrPersistence, err)
	}
	if err := s.db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("%w: reading page_size: %v", kcerr.ErrPersistence, err)
	}
	return pageCount * pageSize, nil
}

// Vacuum reclaims free pages left behind by a purge.
func (s *Store) Vacuum() error {
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("%w: vacuuming database: %v", kcerr.ErrPersistence, err)
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
