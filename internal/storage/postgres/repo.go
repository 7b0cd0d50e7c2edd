// Package postgres is the PostgreSQL storage backend, built on a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nyc311/internal/record"
	"nyc311/internal/storage"
)

// maxParams is the wire protocol limit on bind parameters per statement.
const maxParams = 65535

// Repo implements storage.Repository for Postgres. Tables live in the
// connection's current_schema().
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New connects a pool to cfg.DSN and verifies it with a ping.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres: empty dsn")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() error {
	r.pool.Close()
	return nil
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM information_schema.tables
  WHERE table_schema = current_schema() AND table_name = $1
)`, table).Scan(&ok)
	return ok, err
}

func (r *Repo) InsertIgnore(ctx context.Context, table string, rows [][]any) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	// No-op once committed.
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, buildCreateTableSQL(table)); err != nil {
		return 0, fmt.Errorf("create table %s: %w", table, err)
	}
	if _, err := tx.Exec(ctx, buildCreateIndexSQL(table)); err != nil {
		return 0, fmt.Errorf("create index %s: %w", storage.IndexName(table), err)
	}

	var total int64
	cols := record.Columns()
	for _, chunk := range storage.Chunk(rows, maxParams) {
		q, args := buildInsertSQL(table, cols, chunk)
		cmd, err := tx.Exec(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", table, err)
		}
		total += cmd.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Repo) LatestCreatedDate(ctx context.Context, table string) (string, bool, error) {
	var v *string
	q := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, pgIdent(record.FieldCreatedDate), pgIdent(table))
	if err := r.pool.QueryRow(ctx, q).Scan(&v); err != nil {
		return "", false, err
	}
	if v == nil || *v == "" {
		return "", false, nil
	}
	return *v, true, nil
}

func (r *Repo) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+pgIdent(table)).Scan(&n)
	return n, err
}

func (r *Repo) Preview(ctx context.Context, table string, n int) ([]record.ServiceRequest, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s DESC LIMIT $1`,
		joinIdentList(record.Columns()), pgIdent(table), pgIdent(record.FieldCreatedDate))
	rows, err := r.pool.Query(ctx, q, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.ServiceRequest
	for rows.Next() {
		sr, err := storage.ScanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (r *Repo) DropTable(ctx context.Context, table string) error {
	_, err := r.pool.Exec(ctx, `DROP TABLE IF EXISTS `+pgIdent(table))
	return err
}

func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}

func columnType(c storage.ColumnSpec) string {
	switch c.Kind {
	case storage.KindFloat:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

func buildCreateTableSQL(table string) string {
	defs := make([]string, 0, len(storage.RequestColumns()))
	for _, c := range storage.RequestColumns() {
		d := pgIdent(c.Name) + " " + columnType(c)
		if !c.Nullable {
			d += " NOT NULL"
		}
		defs = append(defs, d)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pgIdent(table), strings.Join(defs, ", "))
}

func buildCreateIndexSQL(table string) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		pgIdent(storage.IndexName(table)), pgIdent(table), pgIdent(record.FieldUniqueKey))
}

// buildInsertSQL builds a multi-row INSERT that skips existing unique_keys:
//
//	INSERT INTO t (...) VALUES ($1,...),(...) ON CONFLICT ("unique_key") DO NOTHING
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	argPos := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", argPos)
			argPos++
		}
		b.WriteString(")")
		args = append(args, row...)
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(pgIdent(record.FieldUniqueKey))
	b.WriteString(") DO NOTHING")
	return b.String(), args
}
