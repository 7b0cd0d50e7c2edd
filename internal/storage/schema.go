package storage

import (
	"database/sql"
	"fmt"
	"regexp"

	"nyc311/internal/record"
)

// DefaultTable is the destination table name.
const DefaultTable = "requests"

// ColumnKind is the logical type of a destination column. Backends map it to
// their own SQL types.
type ColumnKind int

const (
	// KindKey is the dedup key. It must be indexable (bounded length).
	KindKey ColumnKind = iota
	// KindTimestamp holds record.TimestampLayout text, so ordering is lexical.
	KindTimestamp
	KindText
	KindFloat
)

// ColumnSpec describes one destination column.
type ColumnSpec struct {
	Name     string
	Kind     ColumnKind
	Nullable bool
}

// RequestColumns returns the destination schema in record.Columns order.
func RequestColumns() []ColumnSpec {
	return []ColumnSpec{
		{Name: record.FieldUniqueKey, Kind: KindKey},
		{Name: record.FieldCreatedDate, Kind: KindTimestamp},
		{Name: record.FieldComplaintType, Kind: KindText},
		{Name: record.FieldBorough, Kind: KindText, Nullable: true},
		{Name: record.FieldLatitude, Kind: KindFloat, Nullable: true},
		{Name: record.FieldLongitude, Kind: KindFloat, Nullable: true},
	}
}

// IndexName is the unique index on unique_key for table.
func IndexName(table string) string {
	return "idx_" + table + "_unique_key"
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,47}$`)

// ValidateTableName accepts plain unqualified identifiers short enough that
// IndexName stays within Postgres' 63-byte identifier limit.
func ValidateTableName(name string) error {
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("storage: invalid table name %q (want letters, digits, underscore)", name)
	}
	return nil
}

// Chunk splits rows so that no chunk binds more than maxParams parameters.
// Every chunk has at least one row.
func Chunk(rows [][]any, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	width := len(rows[0])
	size := len(rows)
	if width > 0 && maxParams > 0 {
		size = maxParams / width
	}
	if size < 1 {
		size = 1
	}

	out := make([][][]any, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

// DedupeByKey keeps the first occurrence of each unique_key, preserving order.
func DedupeByKey(batch []record.ServiceRequest) []record.ServiceRequest {
	seen := make(map[string]struct{}, len(batch))
	out := make([]record.ServiceRequest, 0, len(batch))
	for _, r := range batch {
		if _, dup := seen[r.UniqueKey]; dup {
			continue
		}
		seen[r.UniqueKey] = struct{}{}
		out = append(out, r)
	}
	return out
}

// RowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanRequest reads one row selected in record.Columns order.
func ScanRequest(s RowScanner) (record.ServiceRequest, error) {
	var (
		key, created, complaint string
		borough                 sql.NullString
		lat, lon                sql.NullFloat64
	)
	if err := s.Scan(&key, &created, &complaint, &borough, &lat, &lon); err != nil {
		return record.ServiceRequest{}, err
	}

	var bp *string
	if borough.Valid {
		bp = &borough.String
	}
	var latp, lonp *float64
	if lat.Valid {
		latp = &lat.Float64
	}
	if lon.Valid {
		lonp = &lon.Float64
	}
	return record.FromStored(key, created, complaint, bp, latp, lonp), nil
}
