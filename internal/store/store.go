package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Store is the durable key-value persistence contract the engine builds on.
// Values are JSON documents. All implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored at key, or a NOT_FOUND error.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes value at key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Create writes value at key only if key does not exist yet (CONFLICT otherwise).
	Create(ctx context.Context, key string, value []byte) error
	// Update atomically replaces the value at key with fn(current).
	// fn must not call back into the store.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// List returns all entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	// Delete removes key. Deleting a missing key is a NOT_FOUND error.
	Delete(ctx context.Context, key string) error

	Migrate(ctx context.Context) error
	Close() error
}

// UpdateFunc computes the new value of a key from its current value.
// Returning an error aborts the update and leaves the key untouched.
type UpdateFunc func(current []byte) ([]byte, error)

// Entry is one key-value pair as returned by List.
type Entry struct {
	Key       string
	Value     []byte
	Version   int64
	UpdatedAt time.Time
}

// GetJSON decodes the value at key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return storeError("decode", key, err)
	}
	return nil
}

// PutJSON encodes v and writes it at key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return storeError("encode", key, err)
	}
	return s.Put(ctx, key, raw)
}

// CreateJSON encodes v and creates key with it.
func CreateJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return storeError("encode", key, err)
	}
	return s.Create(ctx, key, raw)
}

// UpdateJSON decodes the value at key into a T, applies fn, and writes the
// result back in one atomic step. The updated value is returned.
func UpdateJSON[T any](ctx context.Context, s Store, key string, fn func(*T) error) (*T, error) {
	var out T
	err := s.Update(ctx, key, func(current []byte) ([]byte, error) {
		var v T
		if err := json.Unmarshal(current, &v); err != nil {
			return nil, storeError("decode", key, err)
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(&v)
		if err != nil {
			return nil, storeError("encode", key, err)
		}
		out = v
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListJSON decodes every value under prefix into a T.
func ListJSON[T any](ctx context.Context, s Store, prefix string) ([]*T, error) {
	entries, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return nil, storeError("decode", e.Key, err)
		}
		out = append(out, &v)
	}
	return out, nil
}

func storeNotFound(key string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "key %q not found", key)
}

func storeConflict(key string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "key %q already exists", key)
}

func storeError(op, key string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s %q: %v", op, key, err).WithCause(err)
}

// passThrough keeps structured errors returned by an UpdateFunc intact and
// wraps everything else as STORE_ERROR.
func passThrough(op, key string, err error) error {
	if schema.CodeOf(err) != "" {
		return err
	}
	return storeError(op, key, err)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
