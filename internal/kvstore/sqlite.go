package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqlGet    = `SELECT value FROM kv WHERE key = ?`
	sqlPut    = `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	sqlDelete = `DELETE FROM kv WHERE key = ?`
)

// SQLite is a Store backed by one table in a SQLite database.
type SQLite struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
	closed  atomic.Bool
}

// OpenSQLite opens the database at path and migrates it. WAL with
// synchronous=FULL keeps every committed write durable across a crash.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening sqlite %s: %w", path, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("sqlite store opened", slog.String("path", path))

	return &SQLite{db: db, logger: logger, nowFunc: time.Now}, nil
}

func (s *SQLite) Get(key string, v any) (bool, error) {
	if s.closed.Load() {
		return false, s.wrap("reading", key, ErrClosed)
	}

	var data []byte

	err := s.db.QueryRow(sqlGet, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, s.wrap("reading", key, err)
	}

	return true, decode(key, data, v)
}

func (s *SQLite) Put(key string, v any) error {
	if s.closed.Load() {
		return s.wrap("writing", key, ErrClosed)
	}

	data, err := encode(key, v)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(sqlPut, key, data, s.nowFunc().UnixNano()); err != nil {
		return s.wrap("writing", key, err)
	}

	return nil
}

func (s *SQLite) Delete(key string) error {
	if s.closed.Load() {
		return s.wrap("deleting", key, ErrClosed)
	}

	if _, err := s.db.Exec(sqlDelete, key); err != nil {
		return s.wrap("deleting", key, err)
	}

	return nil
}

func (s *SQLite) Close() error {
	s.closed.Store(true)
	return s.db.Close()
}

func (s *SQLite) wrap(op, key string, err error) error {
	return fmt.Errorf("kvstore: %s %s: %w", op, key, err)
}
