// Package serverdb is the sync server's store: the authoritative entity
// versions per owner, their change history, applied client ids and open
// conflicts.
package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/marcus/memo/internal/serverdb/migrations"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ServerDB wraps the server database connection
type ServerDB struct {
	conn *sql.DB
	path string

	mu       sync.Mutex // serializes writers and the change clock
	now      func() time.Time
	lastTick int64
}

// Open opens the server database and runs any pending migrations.
// If the database file does not exist, it is created and initialized.
func Open(dbPath string) (*ServerDB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	ctx := context.Background()
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrations.FS)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db := &ServerDB{conn: conn, path: dbPath, now: time.Now}
	if err := conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(changed_at), 0) FROM entities`).Scan(&db.lastTick); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read change clock: %w", err)
	}
	return db, nil
}

// Ping checks the database connection is alive.
func (db *ServerDB) Ping() error {
	return db.conn.Ping()
}

// Close checkpoints the WAL and closes the database connection.
func (db *ServerDB) Close() error {
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// SetClock overrides the wall clock. Tests only.
func (db *ServerDB) SetClock(now func() time.Time) {
	db.now = now
}

// tick returns the next change stamp: wall-clock nanoseconds, forced to be
// strictly increasing. Callers hold db.mu.
func (db *ServerDB) tick() int64 {
	t := db.now().UnixNano()
	if t <= db.lastTick {
		t = db.lastTick + 1
	}
	db.lastTick = t
	return t
}

func (db *ServerDB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// FormatCheckpoint renders a change stamp as a lastSyncTimestamp.
func FormatCheckpoint(stamp int64) string {
	if stamp <= 0 {
		return ""
	}
	return time.Unix(0, stamp).UTC().Format(time.RFC3339Nano)
}

// ParseCheckpoint is the inverse of FormatCheckpoint. Empty means the
// beginning of time.
func ParseCheckpoint(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("invalid lastSyncTimestamp %q: %w", s, err)
	}
	return t.UnixNano(), nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
