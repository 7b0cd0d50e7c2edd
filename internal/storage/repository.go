// Package storage persists service requests into a relational destination
// table and answers the watermark and administrative queries over it.
//
// Backends (sqlite, postgres, mssql) live in subpackages and register
// themselves from init(); import internal/storage/all to link every backend.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"nyc311/internal/record"
)

// Config is the minimal configuration needed to open a repository.
//
// Edge cases:
//   - Kind must match a registered backend kind.
//   - DSN is passed through to the backend; validation is backend-specific.
//   - Table defaults to DefaultTable and must be a plain identifier.
type Config struct {
	Kind  string
	DSN   string
	Table string
}

// Repository is the backend contract. Each backend implements it in its own
// idiom (SQLite OR IGNORE, Postgres ON CONFLICT, SQL Server NOT EXISTS).
//
// Rows passed to InsertIgnore are aligned with record.Columns(). Table names
// have already been validated by the caller.
type Repository interface {
	// Close releases backend resources. Call once.
	Close() error

	// TableExists reports whether table exists in the current schema.
	TableExists(ctx context.Context, table string) (bool, error)

	// InsertIgnore creates the table and its unique_key index when absent, then
	// inserts rows skipping any whose unique_key already exists. All of it runs
	// in one transaction: on error nothing is committed.
	//
	// Returns the number of rows actually inserted.
	InsertIgnore(ctx context.Context, table string, rows [][]any) (int64, error)

	// LatestCreatedDate returns MAX(created_date). ok is false for an empty
	// table. The table must exist.
	LatestCreatedDate(ctx context.Context, table string) (value string, ok bool, err error)

	// Count returns the number of rows. The table must exist.
	Count(ctx context.Context, table string) (int64, error)

	// Preview returns up to n rows ordered by created_date DESC. The table must exist.
	Preview(ctx context.Context, table string, n int) ([]record.ServiceRequest, error)

	// DropTable drops table if it exists.
	DropTable(ctx context.Context, table string) error
}

// Factory opens a Repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Kinds lists registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - cfg.Kind is empty or not registered.
//   - Whatever the backend factory returns (bad DSN, unreachable server).
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}
