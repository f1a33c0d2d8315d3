package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
// A single connection serialises writers, which makes Update's
// read-modify-write transaction atomic per key.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/nodeflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound(key)
	}
	if err != nil {
		return nil, storeError("get", key, err)
	}
	return []byte(value), nil
}

func (s *LibSQLStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, version, updated_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, version=kv.version+1, updated_at=excluded.updated_at`,
		key, string(value), time.Now().UTC(),
	)
	if err != nil {
		return storeError("put", key, err)
	}
	return nil
}

func (s *LibSQLStore) Create(ctx context.Context, key string, value []byte) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, version, updated_at) VALUES (?, ?, 1, ?) ON CONFLICT(key) DO NOTHING`,
		key, string(value), time.Now().UTC(),
	)
	if err != nil {
		return storeError("create", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("create", key, err)
	}
	if n == 0 {
		return storeConflict(key)
	}
	return nil
}

func (s *LibSQLStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin update", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound(key)
	}
	if err != nil {
		return storeError("update", key, err)
	}

	next, err := fn([]byte(current))
	if err != nil {
		return passThrough("update", key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE kv SET value = ?, version = version + 1, updated_at = ? WHERE key = ?`,
		string(next), time.Now().UTC(), key,
	); err != nil {
		return storeError("update", key, err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit update", key, err)
	}
	return nil
}

func (s *LibSQLStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, version, updated_at FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`,
		prefix, prefix,
	)
	if err != nil {
		return nil, storeError("list", prefix, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			value string
		)
		if err := rows.Scan(&e.Key, &value, &e.Version, &e.UpdatedAt); err != nil {
			return nil, storeError("list", prefix, err)
		}
		e.Value = []byte(value)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list", prefix, err)
	}
	return out, nil
}

func (s *LibSQLStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return storeError("delete", key, err)
	}
	return checkRowsAffected(res, key)
}

func checkRowsAffected(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(key)
	}
	return nil
}
