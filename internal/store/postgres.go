package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL through a pgx pool.
// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects to dsn and returns a store owning the pool.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Migrate runs all pending database migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return runPgMigrations(ctx, s.db)
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound(key)
	}
	if err != nil {
		return nil, storeError("get", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO kv (key, value, version, updated_at) VALUES ($1, $2, 1, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, version = kv.version + 1, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return storeError("put", key, err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, key string, value []byte) error {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO kv (key, value, version, updated_at) VALUES ($1, $2, 1, $3) ON CONFLICT (key) DO NOTHING`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return storeError("create", key, err)
	}
	if tag.RowsAffected() == 0 {
		return storeConflict(key)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return storeError("begin update", key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current []byte
	err = tx.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1 FOR UPDATE`, key).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return storeNotFound(key)
	}
	if err != nil {
		return storeError("update", key, err)
	}

	next, err := fn(current)
	if err != nil {
		return passThrough("update", key, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE kv SET value = $1, version = version + 1, updated_at = $2 WHERE key = $3`,
		next, time.Now().UTC(), key,
	); err != nil {
		return storeError("update", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeError("commit update", key, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key, value, version, updated_at FROM kv WHERE starts_with(key, $1) ORDER BY key`,
		prefix,
	)
	if err != nil {
		return nil, storeError("list", prefix, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Version, &e.UpdatedAt); err != nil {
			return nil, storeError("list", prefix, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list", prefix, err)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
	if err != nil {
		return storeError("delete", key, err)
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound(key)
	}
	return nil
}
