// Package record defines the ServiceRequest entity and the normalizer that
// turns loosely typed source rows into it.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// TimestampLayout is the canonical created_date form. It matches the source's
// floating timestamp format, and being fixed width, lexical order of stored
// values equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000"

// ErrInvalidRecord is wrapped by every Normalize failure.
var ErrInvalidRecord = errors.New("invalid record")

// Raw is a single source row as decoded from JSON. Numbers are kept as
// json.Number when the decoder was configured with UseNumber.
type Raw map[string]any

// ServiceRequest is a validated, normalized 311 service request.
type ServiceRequest struct {
	UniqueKey     string
	CreatedDate   string // canonical TimestampLayout form of Created
	Created       time.Time
	ComplaintType string
	Borough       *string
	Latitude      *float64
	Longitude     *float64
}

// Field names consumed from the source. Everything else in a Raw is ignored.
const (
	FieldUniqueKey     = "unique_key"
	FieldCreatedDate   = "created_date"
	FieldComplaintType = "complaint_type"
	FieldBorough       = "borough"
	FieldLatitude      = "latitude"
	FieldLongitude     = "longitude"
)

// Normalize projects raw onto a ServiceRequest.
//
// Required fields are checked first (unique_key, created_date, complaint_type),
// then created_date is parsed, then latitude/longitude are coerced. A value that
// cannot be coerced to a number leaves the coordinate nil; it never fails the
// record. Normalize performs no I/O and is deterministic.
//
// Errors:
//   - Returns an error wrapping ErrInvalidRecord naming the failing field.
func Normalize(raw Raw) (ServiceRequest, error) {
	key := scalarString(raw[FieldUniqueKey])
	if key == "" {
		return ServiceRequest{}, invalid(FieldUniqueKey, "missing")
	}
	created := scalarString(raw[FieldCreatedDate])
	if created == "" {
		return ServiceRequest{}, invalid(FieldCreatedDate, "missing")
	}
	complaint := cleanText(scalarString(raw[FieldComplaintType]))
	if complaint == "" {
		return ServiceRequest{}, invalid(FieldComplaintType, "missing")
	}

	ts, err := ParseTimestamp(created)
	if err != nil {
		return ServiceRequest{}, invalid(FieldCreatedDate, fmt.Sprintf("unparseable %q", created))
	}

	sr := ServiceRequest{
		UniqueKey:     key,
		CreatedDate:   FormatTimestamp(ts),
		Created:       ts,
		ComplaintType: complaint,
		Latitude:      coerceFloat(raw[FieldLatitude]),
		Longitude:     coerceFloat(raw[FieldLongitude]),
	}
	if b := normalizeBorough(scalarString(raw[FieldBorough])); b != "" {
		sr.Borough = &b
	}
	return sr, nil
}

// ParseTimestamp parses the date shapes seen from the source and from humans
// (ISO-8601 with or without zone and fraction, bare dates, "Jan 2 2025",
// "01/02/2025 3pm", ...). Values without a zone are read as UTC; zoned values
// are converted to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	ts, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// FormatTimestamp renders t in TimestampLayout (UTC, millisecond precision).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func invalid(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidRecord, field, reason)
}

// scalarString converts a JSON string or number to its trimmed string form.
// Booleans, objects and arrays yield "".
func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func coerceFloat(v any) *float64 {
	var (
		f   float64
		err error
	)
	switch t := v.(type) {
	case nil:
		return nil
	case json.Number:
		f, err = t.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	default:
		return nil
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func cleanText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// normalizeBorough upper-cases borough names, which is how the source spells
// them ("MANHATTAN", "STATEN ISLAND").
func normalizeBorough(s string) string {
	s = cleanText(s)
	if s == "" {
		return ""
	}
	return cases.Upper(language.English).String(s)
}

// FromStored rebuilds a ServiceRequest from persisted column values.
// Created is left zero if createdDate is not in a parseable form.
func FromStored(key, createdDate, complaint string, borough *string, lat, lon *float64) ServiceRequest {
	sr := ServiceRequest{
		UniqueKey:     key,
		CreatedDate:   createdDate,
		ComplaintType: complaint,
		Borough:       borough,
		Latitude:      lat,
		Longitude:     lon,
	}
	if ts, err := ParseTimestamp(createdDate); err == nil {
		sr.Created = ts
	}
	return sr
}

// Columns is the positional column order used by storage backends.
func Columns() []string {
	return []string{
		FieldUniqueKey,
		FieldCreatedDate,
		FieldComplaintType,
		FieldBorough,
		FieldLatitude,
		FieldLongitude,
	}
}

// Values returns r in Columns order, with nil for absent optional fields.
func (r ServiceRequest) Values() []any {
	var borough, lat, lon any
	if r.Borough != nil {
		borough = *r.Borough
	}
	if r.Latitude != nil {
		lat = *r.Latitude
	}
	if r.Longitude != nil {
		lon = *r.Longitude
	}
	return []any{r.UniqueKey, r.CreatedDate, r.ComplaintType, borough, lat, lon}
}
