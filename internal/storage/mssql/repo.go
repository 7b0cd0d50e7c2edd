// Package mssql is the Microsoft SQL Server storage backend.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"nyc311/internal/record"
	"nyc311/internal/storage"
)

// maxParams stays below SQL Server's 2100 parameter cap per request.
const maxParams = 2000

// Repo implements storage.Repository for SQL Server. Tables are created in
// the login's default schema.
//
// Idempotence uses INSERT ... SELECT ... WHERE NOT EXISTS. UPDLOCK+HOLDLOCK on
// the probe serialize concurrent writers for the same key range; the unique
// index remains the final guard.
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New opens cfg.DSN with the "sqlserver" driver and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("mssql: empty dsn")
	}
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

func (r *Repo) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT CASE WHEN OBJECT_ID(@p1, N'U') IS NULL THEN 0 ELSE 1 END`, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Repo) InsertIgnore(ctx context.Context, table string, rows [][]any) (inserted int64, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, buildCreateTableSQL(table)); err != nil {
		return 0, fmt.Errorf("mssql: create table %s: %w", table, err)
	}
	if _, err = tx.ExecContext(ctx, buildCreateIndexSQL(table)); err != nil {
		return 0, fmt.Errorf("mssql: create index %s: %w", storage.IndexName(table), err)
	}

	cols := record.Columns()
	for _, chunk := range storage.Chunk(rows, maxParams) {
		q, args := buildInsertNotExistsSQL(table, cols, chunk)
		res, execErr := tx.ExecContext(ctx, q, args...)
		if execErr != nil {
			err = fmt.Errorf("mssql: insert %s: %w", table, execErr)
			return 0, err
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			err = raErr
			return 0, err
		}
		inserted += n
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *Repo) LatestCreatedDate(ctx context.Context, table string) (string, bool, error) {
	var v sql.NullString
	q := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, mssqlIdent(record.FieldCreatedDate), mssqlIdent(table))
	if err := r.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		return "", false, err
	}
	return v.String, v.Valid && v.String != "", nil
}

func (r *Repo) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT_BIG(*) FROM `+mssqlIdent(table)).Scan(&n)
	return n, err
}

func (r *Repo) Preview(ctx context.Context, table string, n int) ([]record.ServiceRequest, error) {
	rows, err := r.db.QueryContext(ctx, buildPreviewSQL(table), n)
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
	_, err := r.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+mssqlIdent(table))
	return err
}

func columnType(c storage.ColumnSpec) string {
	switch c.Kind {
	case storage.KindKey:
		return "NVARCHAR(64)"
	case storage.KindTimestamp:
		return "NVARCHAR(32)"
	case storage.KindFloat:
		return "FLOAT"
	default:
		return "NVARCHAR(400)"
	}
}

func buildCreateTableSQL(table string) string {
	defs := make([]string, 0, len(storage.RequestColumns()))
	for _, c := range storage.RequestColumns() {
		d := mssqlIdent(c.Name) + " " + columnType(c)
		if c.Nullable {
			d += " NULL"
		} else {
			d += " NOT NULL"
		}
		defs = append(defs, d)
	}
	return wrapCreateIfMissing(table, strings.Join(defs, ", "))
}

// wrapCreateIfMissing emits T-SQL that creates table only when absent.
func wrapCreateIfMissing(table, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(table, "'", "''"), mssqlIdent(table), innerDefs,
	)
}

func buildCreateIndexSQL(table string) string {
	idx := storage.IndexName(table)
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) "+
			"CREATE UNIQUE INDEX %s ON %s (%s);",
		strings.ReplaceAll(idx, "'", "''"), strings.ReplaceAll(table, "'", "''"),
		mssqlIdent(idx), mssqlIdent(table), mssqlIdent(record.FieldUniqueKey),
	)
}

func buildPreviewSQL(table string) string {
	return fmt.Sprintf("SELECT TOP (@p1) %s FROM %s ORDER BY %s DESC",
		joinIdentList(record.Columns()), mssqlIdent(table), mssqlIdent(record.FieldCreatedDate))
}

// buildInsertNotExistsSQL builds:
//
//	INSERT INTO t (cols) SELECT v.cols FROM (VALUES (@p1,...),(...)) AS v(cols)
//	WHERE NOT EXISTS (SELECT 1 FROM t WITH (UPDLOCK, HOLDLOCK) WHERE t.unique_key = v.unique_key)
//
// rows must already be unique by key; duplicates inside VALUES would both pass
// the probe.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	list := joinIdentList(columns)

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlIdent(table))
	b.WriteString(" (")
	b.WriteString(list)
	b.WriteString(") SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("v.")
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(" FROM (VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	key := mssqlIdent(record.FieldUniqueKey)
	b.WriteString(") AS v(")
	b.WriteString(list)
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlIdent(table))
	b.WriteString(" t WITH (UPDLOCK, HOLDLOCK) WHERE t.")
	b.WriteString(key)
	b.WriteString(" = v.")
	b.WriteString(key)
	b.WriteString(");")

	return b.String(), args
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// dbConn and txConn narrow *sql.DB / *sql.Tx so tests can record statements.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

type rowScanner interface {
	Scan(dest ...any) error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }
