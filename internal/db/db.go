package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const dbFile = "memo.db"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion is returned when a write carries a syncVersion older
	// than the one already stored.
	ErrStaleVersion = errors.New("stale sync version")
)

// DB is the local canonical store. It holds the confirmed layer (last
// server-acknowledged entity versions), the optimistic layer (confirmed plus
// pending local changes) and the change ledger tables.
type DB struct {
	conn    *sql.DB
	baseDir string
	mu      sync.Mutex
	now     func() time.Time
}

// Open opens (creating if needed) the store under baseDir and migrates it.
func Open(ctx context.Context, baseDir string) (*DB, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return open(ctx, filepath.Join(baseDir, dbFile), baseDir)
}

// OpenMemory opens a private in-memory store. Used by tests and dry runs.
func OpenMemory(ctx context.Context) (*DB, error) {
	return open(ctx, ":memory:", "")
}

func open(ctx context.Context, dsn, baseDir string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: sqlite serializes writers anyway, and an in-memory
	// database only exists on the connection that created it.
	conn.SetMaxOpenConns(1)

	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.ExecContext(ctx, "PRAGMA synchronous=NORMAL")

	if err := migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &DB{conn: conn, baseDir: baseDir, now: time.Now}, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// BaseDir returns the data directory, empty for in-memory stores.
func (db *DB) BaseDir() string {
	return db.baseDir
}

// Conn returns the underlying connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// SetClock overrides the store clock. Tests only.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// withWriteLock runs fn while holding the in-process mutex and, for
// on-disk stores, the cross-process file lock.
func (db *DB) withWriteLock(ctx context.Context, fn func() error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.baseDir == "" {
		return fn()
	}
	locker := newWriteLocker(db.baseDir)
	if err := locker.acquire(ctx, defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}

// withTx runs fn in a write transaction under the write lock.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.withWriteLock(ctx, func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// parseTimestamp tries common SQLite timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{Layout: time.RFC3339Nano, Value: s}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
