// Package sqlite is the default storage backend, a single local database file
// driven by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"nyc311/internal/record"
	"nyc311/internal/storage"
)

// maxParams keeps each INSERT well under SQLite's bound variable limit.
const maxParams = 3000

// Repo implements storage.Repository for SQLite.
//
// created_date is stored as TEXT in record.TimestampLayout, so MAX() and
// ORDER BY are chronological.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens (creating if needed) the database at cfg.DSN.
//
// A plain file path gets its parent directory created and a busy timeout
// appended. "file:" URIs, ":memory:" and DSNs with a query string are used
// verbatim.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	dsn, err := resolveDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" pointing at a single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.DSN, err)
	}
	return &Repo{db: db}, nil
}

func resolveDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", errors.New("sqlite: empty dsn")
	}
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, "?") {
		return dsn, nil
	}
	if dir := filepath.Dir(dsn); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}
	return dsn + "?_pragma=busy_timeout(5000)", nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
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
		return 0, fmt.Errorf("create table %s: %w", table, err)
	}
	if _, err = tx.ExecContext(ctx, buildCreateIndexSQL(table)); err != nil {
		return 0, fmt.Errorf("create index %s: %w", storage.IndexName(table), err)
	}

	cols := record.Columns()
	for _, chunk := range storage.Chunk(rows, maxParams) {
		q, args := buildInsertSQL(table, cols, chunk)
		res, execErr := tx.ExecContext(ctx, q, args...)
		if execErr != nil {
			err = fmt.Errorf("insert %s: %w", table, execErr)
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
	q := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, sqlIdent(record.FieldCreatedDate), sqlIdent(table))
	if err := r.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		return "", false, err
	}
	return v.String, v.Valid && v.String != "", nil
}

func (r *Repo) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+sqlIdent(table)).Scan(&n)
	return n, err
}

func (r *Repo) Preview(ctx context.Context, table string, n int) ([]record.ServiceRequest, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s DESC LIMIT ?`,
		joinIdentList(record.Columns()), sqlIdent(table), sqlIdent(record.FieldCreatedDate))
	rows, err := r.db.QueryContext(ctx, q, n)
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
	_, err := r.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+sqlIdent(table))
	return err
}

// sqlIdent quotes an identifier with double quotes.
func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

func columnType(c storage.ColumnSpec) string {
	switch c.Kind {
	case storage.KindFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func buildCreateTableSQL(table string) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	for i, c := range storage.RequestColumns() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c.Name))
		b.WriteString(" ")
		b.WriteString(columnType(c))
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	b.WriteString(")")
	return b.String()
}

func buildCreateIndexSQL(table string) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		sqlIdent(storage.IndexName(table)), sqlIdent(table), sqlIdent(record.FieldUniqueKey))
}

// buildInsertSQL builds one multi-row INSERT OR IGNORE. The unique index makes
// SQLite skip rows whose unique_key is already present.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT OR IGNORE INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	one := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(one)
		args = append(args, row...)
	}
	return b.String(), args
}
