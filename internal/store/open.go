package store

import (
	"context"
	"fmt"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverLibSQL   = "libsql"
	DriverPostgres = "postgres"
)

// Open returns a migrated Store for the given driver. dsn is a libSQL file
// URI or a Postgres connection string; the memory driver ignores it.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case DriverMemory, "":
		s = NewMemoryStore()
	case DriverLibSQL:
		s, err = NewLibSQLStore(dsn)
	case DriverPostgres:
		s, err = OpenPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s store: %w", driver, err)
	}
	return s, nil
}
