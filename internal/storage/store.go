package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"nyc311/internal/metrics"
	"nyc311/internal/record"
)

// ErrWriteFailure is wrapped by Store.Write when the batch was not committed.
var ErrWriteFailure = errors.New("write failure")

// Store is the Store Writer and Watermark Store over one destination table.
type Store struct {
	repo  Repository
	table string
	log   *zap.Logger
}

// Open validates cfg, opens the configured backend and wraps it in a Store.
//
// Errors:
//   - Invalid table name.
//   - Whatever New returns for the backend.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Table) == "" {
		cfg.Table = DefaultTable
	}
	if err := ValidateTableName(cfg.Table); err != nil {
		return nil, err
	}
	repo, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewStore(repo, cfg.Table, log), nil
}

// NewStore wraps an already opened Repository. table must be valid.
func NewStore(repo Repository, table string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{repo: repo, table: table, log: log}
}

// Table returns the destination table name.
func (s *Store) Table() string { return s.table }

// Close closes the underlying repository.
func (s *Store) Close() error { return s.repo.Close() }

// Write persists batch, skipping records whose unique_key is already stored.
//
// Behavior:
//   - Empty batch: returns 0 without touching the store.
//   - Duplicate keys inside batch: the first occurrence wins.
//   - Table and unique index are created on first write, in the same
//     transaction as the inserts.
//
// Errors:
//   - Any backend failure, wrapped in ErrWriteFailure. Nothing is committed.
func (s *Store) Write(ctx context.Context, batch []record.ServiceRequest) (int64, error) {
	if len(batch) == 0 {
		s.log.Info("storage: no records to write", zap.String("table", s.table))
		return 0, nil
	}

	unique := DedupeByKey(batch)
	if d := len(batch) - len(unique); d > 0 {
		s.log.Debug("storage: collapsed duplicate keys in batch", zap.Int("duplicates", d))
	}

	rows := make([][]any, len(unique))
	for i, r := range unique {
		rows[i] = r.Values()
	}

	start := time.Now()
	n, err := s.repo.InsertIgnore(ctx, s.table, rows)
	metrics.RecordStep("write", err, time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrWriteFailure, s.table, err)
	}

	metrics.RecordBatch()
	metrics.RecordRecords(metrics.KindInserted, int(n))
	s.log.Info("storage: inserted rows",
		zap.String("table", s.table),
		zap.Int64("inserted", n),
		zap.Int64("skipped", int64(len(unique))-n),
	)
	return n, nil
}

// LatestTimestamp returns the newest stored created_date, or nil when the
// table is absent or empty.
func (s *Store) LatestTimestamp(ctx context.Context) (*time.Time, error) {
	exists, err := s.repo.TableExists(ctx, s.table)
	if err != nil {
		return nil, fmt.Errorf("storage: table exists %s: %w", s.table, err)
	}
	if !exists {
		return nil, nil
	}

	v, ok, err := s.repo.LatestCreatedDate(ctx, s.table)
	if err != nil {
		return nil, fmt.Errorf("storage: latest created_date %s: %w", s.table, err)
	}
	if !ok {
		return nil, nil
	}
	ts, err := record.ParseTimestamp(v)
	if err != nil {
		return nil, fmt.Errorf("storage: stored created_date %q: %w", v, err)
	}
	return &ts, nil
}

// PreviewRows returns up to n rows, newest first. Absent table yields none.
func (s *Store) PreviewRows(ctx context.Context, n int) ([]record.ServiceRequest, error) {
	if n <= 0 {
		return nil, nil
	}
	exists, err := s.repo.TableExists(ctx, s.table)
	if err != nil {
		return nil, fmt.Errorf("storage: table exists %s: %w", s.table, err)
	}
	if !exists {
		return nil, nil
	}
	rows, err := s.repo.Preview(ctx, s.table, n)
	if err != nil {
		return nil, fmt.Errorf("storage: preview %s: %w", s.table, err)
	}
	return rows, nil
}

// CountRows returns the stored row count, 0 when the table is absent.
func (s *Store) CountRows(ctx context.Context) (int64, error) {
	exists, err := s.repo.TableExists(ctx, s.table)
	if err != nil {
		return 0, fmt.Errorf("storage: table exists %s: %w", s.table, err)
	}
	if !exists {
		return 0, nil
	}
	n, err := s.repo.Count(ctx, s.table)
	if err != nil {
		return 0, fmt.Errorf("storage: count %s: %w", s.table, err)
	}
	return n, nil
}

// DropTable removes the destination table if present.
func (s *Store) DropTable(ctx context.Context) error {
	if err := s.repo.DropTable(ctx, s.table); err != nil {
		return fmt.Errorf("storage: drop %s: %w", s.table, err)
	}
	s.log.Info("storage: dropped table", zap.String("table", s.table))
	return nil
}
