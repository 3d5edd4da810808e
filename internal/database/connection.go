// Package database provides the SQLite tier of the durable checkpoint store.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned once Close has been called
var ErrClosed = errors.New("database is closed")

// DB is a lazily opened SQLite handle. The first caller creates the file
// and schema; concurrent first callers wait on that single attempt, and a
// failed attempt is retried by the next caller.
type DB struct {
	path  string
	group singleflight.Group

	mu     sync.RWMutex
	conn   *sqlx.DB
	closed bool

	opens atomic.Int32
}

// New returns an unopened handle for the database at path
func New(path string) *DB {
	return &DB{path: path}
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Conn returns the open connection, opening it on first use
func (d *DB) Conn(ctx context.Context) (*sqlx.DB, error) {
	d.mu.RLock()
	conn, closed := d.conn, d.closed
	d.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if conn != nil {
		return conn, nil
	}

	ch := d.group.DoChan("open", func() (interface{}, error) {
		d.mu.RLock()
		existing := d.conn
		d.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		opened, err := d.open()
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			_ = opened.Close()
			return nil, ErrClosed
		}
		d.conn = opened
		return opened, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*sqlx.DB), nil
	}
}

// Close closes the connection if it was opened
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *DB) open() (*sqlx.DB, error) {
	d.opens.Add(1)

	if dir := filepath.Dir(d.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// initializeSchema creates necessary tables if they don't exist
func initializeSchema(db *sqlx.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoint_queue (
			level TEXT NOT NULL,
			module_id INTEGER NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			question_index INTEGER NOT NULL,
			total_questions INTEGER NOT NULL,
			question_phase TEXT NOT NULL,
			mcq_selected_choice TEXT,
			mcq_is_correct BOOLEAN,
			is_module_completed BOOLEAN NOT NULL DEFAULT false,
			device_id TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_retry_at INTEGER,
			queued_at INTEGER NOT NULL,
			PRIMARY KEY (level, module_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint_queue table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_checkpoint_queue_retry
		ON checkpoint_queue(retry_count, last_retry_at)`)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint_queue index: %w", err)
	}

	return nil
}
